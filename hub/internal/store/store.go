// Package store defines the storage interface for the hub and provides SQLite and PostgreSQL implementations.
package store

import (
	"context"
	"encoding/json"
	"time"
)

// Store is the persistence interface for the hub.
type Store interface {
	// Users
	CreateUser(ctx context.Context, user *User) error
	GetUser(ctx context.Context, username string) (*User, error)
	GetUserByID(ctx context.Context, id string) (*User, error)
	ListUsers(ctx context.Context) ([]User, error)

	// Devices
	CreateDevice(ctx context.Context, dev *Device) error
	GetDevice(ctx context.Context, id string) (*Device, error)
	GetDeviceForUser(ctx context.Context, id, userID string) (*Device, error)
	GetDeviceByTokenHash(ctx context.Context, tokenHash string) (*Device, error)
	ListDevicesByUser(ctx context.Context, userID string) ([]Device, error)
	DeleteDevice(ctx context.Context, id, userID string) error
	SetDeviceOnline(ctx context.Context, id string, online bool) error

	// Metrics
	SaveMetrics(ctx context.Context, sample *MetricsSample) error
	PurgeOldMetrics(ctx context.Context, before time.Time) (int64, error)

	// Health
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// User represents a hub user.
type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	Role         string    `json:"role"` // "admin" or "user"
	CreatedAt    time.Time `json:"created_at"`
}

// Device represents a registered mining rig. TokenHash is the SHA-256 of
// the agent token; the plaintext token is only ever returned once, at
// registration.
type Device struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Name      string    `json:"name"`
	TokenHash string    `json:"-"`
	Online    bool      `json:"online"`
	LastSeen  time.Time `json:"last_seen"`
	CreatedAt time.Time `json:"created_at"`
}

// MetricsSample is one stored telemetry snapshot.
type MetricsSample struct {
	ID        string          `json:"id"`
	DeviceID  string          `json:"device_id"`
	Snapshot  json.RawMessage `json:"snapshot"`
	CreatedAt time.Time       `json:"created_at"`
}
