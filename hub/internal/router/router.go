// Package router manages WebSocket connections from agents, dashboards, and
// mobile clients, and relays telemetry between them.
package router

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/rigpulse/rigpulse/hub/internal/auth"
	"github.com/rigpulse/rigpulse/hub/internal/store"
	"github.com/rigpulse/rigpulse/pkg/protocol"
)

// makeUpgrader creates a WebSocket upgrader with origin checking.
func makeUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowAll := len(allowedOrigins) == 0 || (len(allowedOrigins) == 1 && allowedOrigins[0] == "*")
	originSet := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originSet[o] = true
	}

	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if allowAll {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true // non-browser clients
			}
			return originSet[origin]
		},
	}
}

// Router owns all WebSocket connections and the subscription registries.
// All registry access goes through r.mu; no component outside this package
// ever holds a connection reference, only connection ids.
type Router struct {
	store    store.Store
	sessions auth.Provider
	devices  auth.DeviceVerifier
	logger   *slog.Logger
	upgrader websocket.Upgrader

	heartbeatTimeout time.Duration
	maxMessageSize   int64

	// snapshots holds the last forwarded metrics frame per device so a
	// fresh subscriber sees data before the next publish.
	snapshots *lru.Cache[string, []byte]

	mu          sync.RWMutex
	conns       map[string]*conn            // conn_id -> conn
	agentOf     map[string]string           // device_id -> conn_id of the canonical agent
	subscribers map[string]map[string]bool  // device_id -> set of conn_ids
}

// conn is the per-socket state. Fields below mu are mutated only by the
// connection's own read goroutine and inspected by the liveness sweep.
type conn struct {
	id  string
	ws  *websocket.Conn
	wmu sync.Mutex // serializes writes to ws

	mu            sync.Mutex
	role          string // "" until authenticated
	authenticated bool
	userID        string
	deviceID      string // set only for agents
	subscribed    map[string]bool
	lastHeartbeat time.Time
}

// touch records inbound traffic for liveness. Any frame counts, not only
// explicit heartbeats.
func (c *conn) touch() {
	c.mu.Lock()
	c.lastHeartbeat = time.Now()
	c.mu.Unlock()
}

func (c *conn) heartbeatBefore(cutoff time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastHeartbeat.Before(cutoff)
}

// Options configures the Router.
type Options struct {
	AllowedOrigins    []string
	HeartbeatTimeout  time.Duration // evict after this much inbound silence
	MaxMessageBytes   int64         // max inbound WS frame size (default 64KB)
	SnapshotCacheSize int           // devices whose last snapshot is cached (default 1024)
}

// New creates a new Router.
func New(s store.Store, sessions auth.Provider, devices auth.DeviceVerifier, logger *slog.Logger, opts Options) *Router {
	maxMsg := opts.MaxMessageBytes
	if maxMsg == 0 {
		maxMsg = 64 * 1024
	}
	timeout := opts.HeartbeatTimeout
	if timeout == 0 {
		timeout = 90 * time.Second
	}
	cacheSize := opts.SnapshotCacheSize
	if cacheSize == 0 {
		cacheSize = 1024
	}
	snapshots, _ := lru.New[string, []byte](cacheSize)

	return &Router{
		store:            s,
		sessions:         sessions,
		devices:          devices,
		logger:           logger.With("component", "router"),
		upgrader:         makeUpgrader(opts.AllowedOrigins),
		heartbeatTimeout: timeout,
		maxMessageSize:   maxMsg,
		snapshots:        snapshots,
		conns:            make(map[string]*conn),
		agentOf:          make(map[string]string),
		subscribers:      make(map[string]map[string]bool),
	}
}

// HandleWS handles every WebSocket connection regardless of role. The peer
// declares its role in the authenticate message; until then it may only
// send authenticate and heartbeat.
func (r *Router) HandleWS(w http.ResponseWriter, req *http.Request) {
	ws, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	ws.SetReadLimit(r.maxMessageSize)

	c := &conn{
		id:            uuid.New().String(),
		ws:            ws,
		subscribed:    make(map[string]bool),
		lastHeartbeat: time.Now(),
	}

	r.mu.Lock()
	r.conns[c.id] = c
	r.mu.Unlock()

	stopPing := startKeepalive(ws, &c.wmu, c.touch)

	r.logger.Debug("connection opened", "conn_id", c.id)

	defer func() {
		stopPing()
		r.cleanup(c.id)
	}()

	for {
		_, msg, err := ws.ReadMessage()
		if err != nil {
			r.logger.Debug("read error", "conn_id", c.id, "error", err)
			return
		}
		c.touch()
		r.dispatch(c, msg)
	}
}

// dispatch decodes one inbound frame and routes it to its handler.
func (r *Router) dispatch(c *conn, msg []byte) {
	var env protocol.Envelope
	if err := json.Unmarshal(msg, &env); err != nil {
		r.sendError(c, protocol.CodeParseError, "malformed message envelope")
		return
	}

	switch env.Type {
	case protocol.TypeAuthenticate:
		var p protocol.Authenticate
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			r.sendError(c, protocol.CodeParseError, "malformed authenticate payload")
			return
		}
		r.handleAuthenticate(c, p)

	case protocol.TypeSubscribe:
		if !r.requireAuth(c) {
			return
		}
		var p protocol.Subscribe
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			r.sendError(c, protocol.CodeParseError, "malformed subscribe payload")
			return
		}
		r.handleSubscribe(c, p)

	case protocol.TypeUnsubscribe:
		if !r.requireAuth(c) {
			return
		}
		var p protocol.Unsubscribe
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			r.sendError(c, protocol.CodeParseError, "malformed unsubscribe payload")
			return
		}
		r.handleUnsubscribe(c, p)

	case protocol.TypeMetricsUpdate:
		if !r.requireAuth(c) {
			return
		}
		var p protocol.MetricsUpdate
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			r.sendError(c, protocol.CodeParseError, "malformed metrics payload")
			return
		}
		r.handleMetrics(c, p, msg)

	case protocol.TypeHeartbeat:
		// Always answered, authenticated or not, so a slow auth handshake
		// is never reaped mid-flight.
		r.send(c, protocol.TypeHeartbeatAck, protocol.HeartbeatAck{ServerTime: time.Now()})

	default:
		// Unknown types are ignored for forward compatibility.
		r.logger.Debug("ignoring unknown message type", "type", env.Type, "conn_id", c.id)
	}
}

// requireAuth rejects the message with UNAUTHORIZED when the connection has
// not completed authentication.
func (r *Router) requireAuth(c *conn) bool {
	c.mu.Lock()
	ok := c.authenticated
	c.mu.Unlock()
	if !ok {
		r.sendError(c, protocol.CodeUnauthorized, "authenticate first")
	}
	return ok
}

// cleanup is the unified close path for every disconnect: peer close, read
// error, or liveness eviction. Calling it twice for the same id is a no-op
// the second time.
func (r *Router) cleanup(id string) {
	r.mu.Lock()
	c, ok := r.conns[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.conns, id)

	c.mu.Lock()
	subscribed := make([]string, 0, len(c.subscribed))
	for devID := range c.subscribed {
		subscribed = append(subscribed, devID)
	}
	wasAgent := c.authenticated && c.role == protocol.ClientTypeAgent
	deviceID := c.deviceID
	c.mu.Unlock()

	for _, devID := range subscribed {
		if subs, ok := r.subscribers[devID]; ok {
			delete(subs, id)
			if len(subs) == 0 {
				delete(r.subscribers, devID)
			}
		}
	}

	// Only the canonical agent going away marks the device offline; a
	// displaced agent disconnecting later must not.
	agentGone := false
	if wasAgent && r.agentOf[deviceID] == id {
		delete(r.agentOf, deviceID)
		agentGone = true
	}
	r.mu.Unlock()

	_ = c.ws.Close()

	if agentGone {
		if err := r.store.SetDeviceOnline(context.Background(), deviceID, false); err != nil {
			r.logger.Warn("failed to mark device offline", "device_id", deviceID, "error", err)
		}
		r.broadcastStatus(deviceID, false)
	}

	r.logger.Debug("connection closed", "conn_id", id, "was_agent", wasAgent)
}

// broadcastStatus pushes a device_status event to the device's current
// subscribers.
func (r *Router) broadcastStatus(deviceID string, online bool) {
	payload := protocol.DeviceStatus{
		DeviceID: deviceID,
		IsOnline: online,
		LastSeen: time.Now(),
	}

	for _, c := range r.subscriberConns(deviceID) {
		r.send(c, protocol.TypeDeviceStatus, payload)
	}
}

// broadcastRaw forwards a frame verbatim to the device's subscribers,
// skipping sockets that fail to write.
func (r *Router) broadcastRaw(deviceID string, frame []byte) {
	for _, c := range r.subscriberConns(deviceID) {
		c.wmu.Lock()
		err := c.ws.WriteMessage(websocket.TextMessage, frame)
		c.wmu.Unlock()
		if err != nil {
			r.logger.Debug("skipping closed subscriber", "conn_id", c.id, "device_id", deviceID)
		}
	}
}

// subscriberConns snapshots the subscriber set so sends happen outside the
// registry lock. A concurrently closing connection resolves to a failed
// write, never a use-after-close.
func (r *Router) subscriberConns(deviceID string) []*conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	subs := r.subscribers[deviceID]
	conns := make([]*conn, 0, len(subs))
	for id := range subs {
		if c, ok := r.conns[id]; ok {
			conns = append(conns, c)
		}
	}
	return conns
}

// send marshals an envelope and writes it to one connection. Write failures
// are best-effort by design; the read loop notices the broken socket.
func (r *Router) send(c *conn, msgType string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		r.logger.Warn("marshal payload failed", "type", msgType, "error", err)
		return
	}
	env := protocol.Envelope{
		Type:      msgType,
		MessageID: uuid.New().String(),
		Timestamp: time.Now(),
		Payload:   data,
	}
	frame, err := json.Marshal(env)
	if err != nil {
		return
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()
	_ = c.ws.WriteMessage(websocket.TextMessage, frame)
}

func (r *Router) sendError(c *conn, code, message string) {
	r.send(c, protocol.TypeError, protocol.Error{Code: code, Message: message})
}

// Stats reports connection counts by role.
type Stats struct {
	TotalClients     int `json:"total_clients"`
	Agents           int `json:"agents"`
	DashboardClients int `json:"dashboard_clients"`
	MobileClients    int `json:"mobile_clients"`
}

// GetStats returns current connection counts.
func (r *Router) GetStats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	st := Stats{TotalClients: len(r.conns)}
	for _, c := range r.conns {
		c.mu.Lock()
		switch c.role {
		case protocol.ClientTypeAgent:
			st.Agents++
		case protocol.ClientTypeDashboard:
			st.DashboardClients++
		case protocol.ClientTypeMobile:
			st.MobileClients++
		}
		c.mu.Unlock()
	}
	return st
}

// Close force-closes every connection and clears both registries. Used on
// hub shutdown.
func (r *Router) Close() {
	r.mu.Lock()
	conns := make([]*conn, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.conns = make(map[string]*conn)
	r.agentOf = make(map[string]string)
	r.subscribers = make(map[string]map[string]bool)
	r.mu.Unlock()

	for _, c := range conns {
		c.wmu.Lock()
		_ = c.ws.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "hub shutting down"))
		c.wmu.Unlock()
		_ = c.ws.Close()
	}
	r.logger.Info("router closed", "connections", len(conns))
}
