package auth

import (
	"context"

	"github.com/rigpulse/rigpulse/hub/internal/store"
)

// Identity is the unified identity representation for all auth providers.
type Identity struct {
	UserID   string
	Username string
	Role     string // "admin" or "user"
}

// Provider validates session bearer tokens and returns identities. This is
// the session-token path of the identity verifier, used by dashboard and
// mobile connections.
type Provider interface {
	ValidateToken(ctx context.Context, token string) (*Identity, error)
	Bootstrap(ctx context.Context) error
	Name() string
}

// LoginProvider is implemented by providers that support username/password login.
type LoginProvider interface {
	Login(ctx context.Context, username, password string) (string, error)
	Register(ctx context.Context, username, password, role string) (*store.User, error)
}

// DeviceVerifier resolves agent tokens to devices. This is the device-token
// path of the identity verifier; it is database-backed regardless of which
// session provider is configured.
type DeviceVerifier interface {
	VerifyDeviceToken(ctx context.Context, token string) (*store.Device, error)
}
