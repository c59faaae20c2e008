package router

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// wsPingInterval is how often the hub sends WebSocket ping frames. Pongs
// count as liveness, so an idle but reachable dashboard is never evicted.
const wsPingInterval = 30 * time.Second

// startKeepalive installs a pong handler that records liveness and starts a
// goroutine sending periodic pings. The returned cancel function stops the
// ping goroutine. The provided mutex must be the same one used for all
// writes to the connection.
func startKeepalive(conn *websocket.Conn, mu *sync.Mutex, touch func()) (cancel func()) {
	conn.SetPongHandler(func(string) error {
		touch()
		return nil
	})

	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(wsPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				mu.Lock()
				err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second))
				mu.Unlock()
				if err != nil {
					return
				}
			case <-done:
				return
			}
		}
	}()

	return func() { close(done) }
}
