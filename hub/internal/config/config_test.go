package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rigpulse-hub.json")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `{
		"auth": {"jwt_secret": "a-perfectly-reasonable-32-char-secret"}
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Server.Addr != ":8080" {
		t.Errorf("expected default addr :8080, got %q", cfg.Server.Addr)
	}
	if cfg.Storage.Driver != "sqlite" || cfg.Storage.DSN != "rigpulse.db" {
		t.Errorf("expected sqlite defaults, got %q %q", cfg.Storage.Driver, cfg.Storage.DSN)
	}
	if cfg.Auth.JWTExpiry.Duration != 24*time.Hour {
		t.Errorf("expected 24h jwt expiry, got %v", cfg.Auth.JWTExpiry.Duration)
	}
	if cfg.Relay.HeartbeatTimeout.Duration != 90*time.Second {
		t.Errorf("expected 90s heartbeat timeout, got %v", cfg.Relay.HeartbeatTimeout.Duration)
	}
	if cfg.Relay.SweepInterval.Duration != 30*time.Second {
		t.Errorf("expected 30s sweep interval, got %v", cfg.Relay.SweepInterval.Duration)
	}
	if cfg.Relay.MaxMessageBytes != 64*1024 {
		t.Errorf("expected 64KB frame limit, got %d", cfg.Relay.MaxMessageBytes)
	}
	if cfg.Relay.SnapshotCacheSize != 1024 {
		t.Errorf("expected snapshot cache of 1024, got %d", cfg.Relay.SnapshotCacheSize)
	}
	if cfg.RateLimit.RequestsPerSecond != 10 || cfg.RateLimit.Burst != 20 {
		t.Errorf("expected rate limit defaults, got %+v", cfg.RateLimit)
	}
}

func TestLoadFullConfig(t *testing.T) {
	path := writeConfig(t, `{
		"server": {"addr": ":9443", "allowed_origins": ["https://rigs.example.com"]},
		"auth": {
			"jwt_secret": "a-perfectly-reasonable-32-char-secret",
			"jwt_expiry": "1h",
			"initial_admin": {"username": "admin", "password": "hunter22"}
		},
		"storage": {"driver": "postgres", "dsn": "postgres://localhost/rigpulse", "metrics_retention": "168h"},
		"relay": {"heartbeat_timeout": "45s", "sweep_interval": 10}
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Server.Addr != ":9443" {
		t.Errorf("addr: got %q", cfg.Server.Addr)
	}
	if cfg.Auth.JWTExpiry.Duration != time.Hour {
		t.Errorf("jwt_expiry: got %v", cfg.Auth.JWTExpiry.Duration)
	}
	if cfg.Auth.InitialAdmin == nil || cfg.Auth.InitialAdmin.Username != "admin" {
		t.Errorf("initial_admin: got %+v", cfg.Auth.InitialAdmin)
	}
	if cfg.Storage.MetricsRetention.Duration != 168*time.Hour {
		t.Errorf("metrics_retention: got %v", cfg.Storage.MetricsRetention.Duration)
	}
	if cfg.Relay.HeartbeatTimeout.Duration != 45*time.Second {
		t.Errorf("heartbeat_timeout: got %v", cfg.Relay.HeartbeatTimeout.Duration)
	}
	// Bare numbers are seconds.
	if cfg.Relay.SweepInterval.Duration != 10*time.Second {
		t.Errorf("sweep_interval: got %v", cfg.Relay.SweepInterval.Duration)
	}
}

func TestLoadRejectsMissingSecret(t *testing.T) {
	path := writeConfig(t, `{"auth": {}}`)
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "jwt_secret") {
		t.Errorf("expected jwt_secret error, got %v", err)
	}
}

func TestLoadRejectsWeakSecret(t *testing.T) {
	path := writeConfig(t, `{"auth": {"jwt_secret": "changeme"}}`)
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "weak") {
		t.Errorf("expected weak secret rejection, got %v", err)
	}
}

func TestLoadRejectsUnknownProvider(t *testing.T) {
	path := writeConfig(t, `{"auth": {"provider": "ldap"}}`)
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "unknown auth provider") {
		t.Errorf("expected unknown provider error, got %v", err)
	}
}

func TestLoadJWKSProviderNeedsIssuer(t *testing.T) {
	path := writeConfig(t, `{"auth": {"provider": "jwks"}}`)
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "jwks_issuer") {
		t.Errorf("expected jwks_issuer error, got %v", err)
	}

	path = writeConfig(t, `{"auth": {"provider": "jwks", "jwks_issuer": "https://auth.example.com"}}`)
	if _, err := Load(path); err != nil {
		t.Errorf("expected valid jwks config, got %v", err)
	}
}

func TestLoadRejectsUnknownDriver(t *testing.T) {
	path := writeConfig(t, `{
		"auth": {"jwt_secret": "a-perfectly-reasonable-32-char-secret"},
		"storage": {"driver": "mongo"}
	}`)
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "unknown storage driver") {
		t.Errorf("expected unknown driver error, got %v", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.json")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestDurationRoundTrip(t *testing.T) {
	d := Duration{Duration: 90 * time.Second}
	data, err := json.Marshal(d)
	if err != nil {
		t.Fatal(err)
	}
	var back Duration
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatal(err)
	}
	if back.Duration != 90*time.Second {
		t.Errorf("round trip: got %v", back.Duration)
	}

	var bad Duration
	if err := json.Unmarshal([]byte(`"not-a-duration"`), &bad); err == nil {
		t.Error("expected parse error")
	}
	if err := json.Unmarshal([]byte(`true`), &bad); err == nil {
		t.Error("expected type error")
	}
}

func TestGenerateRandomSecret(t *testing.T) {
	a, err := GenerateRandomSecret()
	if err != nil {
		t.Fatal(err)
	}
	if len(a) != 64 {
		t.Errorf("expected 64 hex chars, got %d", len(a))
	}
	b, _ := GenerateRandomSecret()
	if a == b {
		t.Error("expected distinct secrets")
	}
	if knownWeakSecrets[a] {
		t.Error("generated secret on the weak list")
	}
}
