package router

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/rigpulse/rigpulse/hub/internal/store"
	"github.com/rigpulse/rigpulse/pkg/protocol"
)

// handleAuthenticate runs the role-specific verifier and, on success,
// promotes the connection. A failed attempt never closes the socket; the
// client may retry. A second authenticate on a promoted connection is
// rejected without re-invoking the verifier so the identity cannot swap
// mid-session.
func (r *Router) handleAuthenticate(c *conn, p protocol.Authenticate) {
	c.mu.Lock()
	if c.authenticated {
		c.mu.Unlock()
		r.send(c, protocol.TypeAuthenticated, protocol.Authenticated{
			Success: false, Error: "already authenticated",
		})
		return
	}
	c.mu.Unlock()

	switch p.ClientType {
	case protocol.ClientTypeAgent:
		r.authenticateAgent(c, p)
	case protocol.ClientTypeDashboard, protocol.ClientTypeMobile:
		r.authenticateViewer(c, p)
	default:
		r.send(c, protocol.TypeAuthenticated, protocol.Authenticated{
			Success: false, Error: "unknown client type",
		})
	}
}

func (r *Router) authenticateAgent(c *conn, p protocol.Authenticate) {
	if p.DeviceID == "" {
		r.send(c, protocol.TypeAuthenticated, protocol.Authenticated{
			Success: false, Error: "device_id is required for agents",
		})
		return
	}

	dev, err := r.devices.VerifyDeviceToken(context.Background(), p.Token)
	if err != nil {
		r.logger.Warn("device token verification failed", "conn_id", c.id, "error", err)
		r.send(c, protocol.TypeAuthenticated, protocol.Authenticated{
			Success: false, Error: "verification failed",
		})
		return
	}
	// The declared device id must match the one the token resolves to, so a
	// valid token for device A cannot impersonate device B.
	if dev == nil || dev.ID != p.DeviceID {
		r.send(c, protocol.TypeAuthenticated, protocol.Authenticated{
			Success: false, Error: "invalid device credentials",
		})
		return
	}

	// The verifier call may have outlived the socket; only a connection
	// still in the registry may be promoted.
	r.mu.Lock()
	if _, ok := r.conns[c.id]; !ok {
		r.mu.Unlock()
		return
	}
	c.mu.Lock()
	c.role = protocol.ClientTypeAgent
	c.authenticated = true
	c.userID = dev.UserID
	c.deviceID = dev.ID
	c.mu.Unlock()

	// The newest agent replaces any previous one as the canonical live
	// source. The displaced connection is not signalled; it keeps running
	// until it disconnects or times out on its own.
	prev := r.agentOf[dev.ID]
	r.agentOf[dev.ID] = c.id
	r.mu.Unlock()

	if prev != "" && prev != c.id {
		r.logger.Warn("replacing live agent for device", "device_id", dev.ID, "old_conn", prev, "new_conn", c.id)
	}

	if err := r.store.SetDeviceOnline(context.Background(), dev.ID, true); err != nil {
		r.logger.Warn("failed to mark device online", "device_id", dev.ID, "error", err)
	}

	r.send(c, protocol.TypeAuthenticated, protocol.Authenticated{
		Success: true, UserID: dev.UserID,
	})
	r.broadcastStatus(dev.ID, true)

	r.logger.Info("agent authenticated", "conn_id", c.id, "device_id", dev.ID, "user_id", dev.UserID)
}

func (r *Router) authenticateViewer(c *conn, p protocol.Authenticate) {
	identity, err := r.sessions.ValidateToken(context.Background(), p.Token)
	if err != nil {
		r.send(c, protocol.TypeAuthenticated, protocol.Authenticated{
			Success: false, Error: "invalid session token",
		})
		return
	}

	r.mu.Lock()
	if _, ok := r.conns[c.id]; !ok {
		r.mu.Unlock()
		return
	}
	c.mu.Lock()
	c.role = p.ClientType
	c.authenticated = true
	c.userID = identity.UserID
	c.mu.Unlock()
	r.mu.Unlock()

	r.send(c, protocol.TypeAuthenticated, protocol.Authenticated{
		Success: true, UserID: identity.UserID,
	})

	r.logger.Info("client authenticated", "conn_id", c.id, "role", p.ClientType, "user_id", identity.UserID)
}

// handleSubscribe grants each requested device the caller actually owns.
// Partial success is normal: ids failing the ownership check are silently
// omitted from the confirmation so the caller can diff requested against
// confirmed.
func (r *Router) handleSubscribe(c *conn, p protocol.Subscribe) {
	ctx := context.Background()

	c.mu.Lock()
	userID := c.userID
	c.mu.Unlock()

	granted := make([]string, 0, len(p.DeviceIDs))
	for _, deviceID := range p.DeviceIDs {
		dev, err := r.store.GetDeviceForUser(ctx, deviceID, userID)
		if err != nil {
			r.logger.Warn("ownership check failed", "device_id", deviceID, "error", err)
			continue
		}
		if dev == nil {
			continue // not owned by the caller
		}

		r.mu.Lock()
		if r.subscribers[deviceID] == nil {
			r.subscribers[deviceID] = make(map[string]bool)
		}
		r.subscribers[deviceID][c.id] = true
		_, online := r.agentOf[deviceID]
		r.mu.Unlock()

		c.mu.Lock()
		c.subscribed[deviceID] = true
		c.mu.Unlock()

		granted = append(granted, deviceID)

		// Tell the subscriber the current state right away instead of
		// making it wait for the next transition.
		r.send(c, protocol.TypeDeviceStatus, protocol.DeviceStatus{
			DeviceID: deviceID,
			IsOnline: online,
			LastSeen: dev.LastSeen,
		})

		// Replay the device's last telemetry frame, if any is cached.
		if online {
			if frame, ok := r.snapshots.Get(deviceID); ok {
				r.broadcastFrameTo(c, frame)
			}
		}
	}

	r.send(c, protocol.TypeSubscriptionConfirm, protocol.SubscriptionConfirm{
		SubscribedDevices: granted,
	})
}

// handleUnsubscribe removes the subscriptions unconditionally. Unsubscribing
// from a device the caller never subscribed to is a harmless no-op, and no
// confirmation is sent.
func (r *Router) handleUnsubscribe(c *conn, p protocol.Unsubscribe) {
	r.mu.Lock()
	for _, deviceID := range p.DeviceIDs {
		if subs, ok := r.subscribers[deviceID]; ok {
			delete(subs, c.id)
			if len(subs) == 0 {
				delete(r.subscribers, deviceID)
			}
		}
	}
	r.mu.Unlock()

	c.mu.Lock()
	for _, deviceID := range p.DeviceIDs {
		delete(c.subscribed, deviceID)
	}
	c.mu.Unlock()
}

// handleMetrics accepts a telemetry snapshot from an agent publishing for
// its own device, persists it best-effort, and forwards the original frame
// verbatim to every subscriber.
func (r *Router) handleMetrics(c *conn, p protocol.MetricsUpdate, frame []byte) {
	c.mu.Lock()
	role := c.role
	deviceID := c.deviceID
	c.mu.Unlock()

	if role != protocol.ClientTypeAgent {
		r.sendError(c, protocol.CodeUnauthorized, "only agents publish metrics")
		return
	}
	if p.DeviceID != deviceID {
		r.sendError(c, protocol.CodeForbidden, "agents may only publish for their own device")
		return
	}

	// Storage is a best-effort side channel; a failed save never blocks
	// delivery of live data.
	sample := &store.MetricsSample{
		ID:        uuid.New().String(),
		DeviceID:  deviceID,
		Snapshot:  p.Metrics,
		CreatedAt: time.Now(),
	}
	if err := r.store.SaveMetrics(context.Background(), sample); err != nil {
		r.logger.Warn("failed to persist metrics", "device_id", deviceID, "error", err)
	}

	r.snapshots.Add(deviceID, frame)
	r.broadcastRaw(deviceID, frame)
}

// broadcastFrameTo writes a raw frame to a single connection.
func (r *Router) broadcastFrameTo(c *conn, frame []byte) {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_ = c.ws.WriteMessage(websocket.TextMessage, frame)
}
