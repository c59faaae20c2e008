// Package protocol defines the wire protocol exchanged between rigpulse
// agents, dashboard clients, and the hub over WebSocket.
//
// All messages are JSON-encoded and share a common envelope with a "type"
// field that determines the payload structure.
package protocol

import (
	"encoding/json"
	"time"
)

// Envelope is the top-level wire format for all messages. MessageID is an
// opaque correlation id for client-side logging; the hub never deduplicates
// on it.
type Envelope struct {
	Type      string          `json:"type"`
	MessageID string          `json:"message_id,omitempty"`
	Timestamp time.Time       `json:"ts"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Client roles carried in the authenticate handshake.
const (
	ClientTypeAgent     = "agent"
	ClientTypeDashboard = "dashboard"
	ClientTypeMobile    = "mobile"
)

// --- Message type constants ---

const (
	// Inbound (client → hub)
	TypeAuthenticate  = "authenticate"
	TypeSubscribe     = "subscribe"
	TypeUnsubscribe   = "unsubscribe"
	TypeMetricsUpdate = "metrics_update"
	TypeHeartbeat     = "heartbeat"

	// Outbound (hub → client)
	TypeAuthenticated       = "authenticated"
	TypeSubscriptionConfirm = "subscription_confirm"
	TypeDeviceStatus        = "device_status"
	TypeHeartbeatAck        = "heartbeat_ack"
	TypeError               = "error"
)

// Error codes carried in Error messages.
const (
	CodeParseError   = "PARSE_ERROR"
	CodeUnauthorized = "UNAUTHORIZED"
	CodeForbidden    = "FORBIDDEN"
)

// --- Inbound payloads ---

// Authenticate is the first message every connection must send. DeviceID is
// required for agents and must match the device the token resolves to.
type Authenticate struct {
	Token      string `json:"token"`
	ClientType string `json:"client_type"`
	DeviceID   string `json:"device_id,omitempty"`
}

// Subscribe requests live events for a set of devices. Ids the caller does
// not own are silently dropped from the confirmation.
type Subscribe struct {
	DeviceIDs []string `json:"device_ids"`
}

// Unsubscribe stops live events for a set of devices. Never answered.
type Unsubscribe struct {
	DeviceIDs []string `json:"device_ids"`
}

// MetricsUpdate carries one telemetry snapshot from an agent. The hub
// forwards the original frame verbatim, so Metrics stays raw JSON.
type MetricsUpdate struct {
	DeviceID string          `json:"device_id"`
	Metrics  json.RawMessage `json:"metrics"`
}

// --- Outbound payloads ---

// Authenticated is the hub's reply to Authenticate. A failure does not
// close the socket; the client may retry.
type Authenticated struct {
	Success bool   `json:"success"`
	UserID  string `json:"user_id,omitempty"`
	Error   string `json:"error,omitempty"`
}

// SubscriptionConfirm lists the device ids a Subscribe actually granted.
type SubscriptionConfirm struct {
	SubscribedDevices []string `json:"subscribed_devices"`
}

// DeviceStatus reports a device's current online state.
type DeviceStatus struct {
	DeviceID string    `json:"device_id"`
	IsOnline bool      `json:"is_online"`
	LastSeen time.Time `json:"last_seen"`
}

// HeartbeatAck answers every Heartbeat with the hub's clock.
type HeartbeatAck struct {
	ServerTime time.Time `json:"server_time"`
}

// Error carries a recoverable protocol error to the client. None of these
// close the socket.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
