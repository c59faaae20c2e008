package auth

import (
	"context"
	"fmt"

	"github.com/rigpulse/rigpulse/hub/internal/config"
	"github.com/rigpulse/rigpulse/hub/internal/store"
)

// NewProvider creates the session and device verifiers based on configuration.
func NewProvider(cfg config.AuthConfig, s store.Store) (Provider, DeviceVerifier, error) {
	switch cfg.Provider {
	case "", "builtin":
		svc := NewService(s, cfg)
		return svc, svc, nil
	case "jwks":
		p, err := NewJWKSProvider(cfg.JWKSIssuer)
		if err != nil {
			return nil, nil, err
		}
		return p, &deviceTokens{store: s}, nil
	default:
		return nil, nil, fmt.Errorf("unknown auth provider: %q", cfg.Provider)
	}
}

// deviceTokens is the database-backed device verifier used when sessions
// are validated externally.
type deviceTokens struct {
	store store.Store
}

func (d *deviceTokens) VerifyDeviceToken(ctx context.Context, token string) (*store.Device, error) {
	if token == "" {
		return nil, nil
	}
	return d.store.GetDeviceByTokenHash(ctx, HashDeviceToken(token))
}
