package store

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
)

func newTestPostgresStore(t *testing.T) *PostgresStore {
	t.Helper()
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set, skipping Postgres tests")
	}
	s, err := NewPostgres(dsn)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPostgresMigration(t *testing.T) {
	s := newTestPostgresStore(t)
	if err := s.Ping(context.Background()); err != nil {
		t.Fatal(err)
	}
}

// TestPostgresFullFlow exercises the registration path end to end:
// user creation -> device registration -> token lookup -> telemetry save.
func TestPostgresFullFlow(t *testing.T) {
	s := newTestPostgresStore(t)
	ctx := context.Background()

	suffix := uuid.New().String()[:8]
	userID := uuid.New().String()
	deviceID := "dev-test-" + suffix
	tokenHash := "hash-test-" + suffix

	err := s.CreateUser(ctx, &User{
		ID:           userID,
		Username:     "pgtest-" + suffix,
		PasswordHash: "$2a$10$notarealhash",
		Role:         "user",
		CreatedAt:    time.Now(),
	})
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	err = s.CreateDevice(ctx, &Device{
		ID:        deviceID,
		UserID:    userID,
		Name:      "pg-rig",
		TokenHash: tokenHash,
		LastSeen:  time.Now(),
		CreatedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("CreateDevice: %v", err)
	}

	dev, err := s.GetDeviceByTokenHash(ctx, tokenHash)
	if err != nil || dev == nil || dev.ID != deviceID {
		t.Fatalf("GetDeviceByTokenHash: got %+v, %v", dev, err)
	}

	if err := s.SetDeviceOnline(ctx, deviceID, true); err != nil {
		t.Fatalf("SetDeviceOnline: %v", err)
	}
	dev, err = s.GetDevice(ctx, deviceID)
	if err != nil || dev == nil || !dev.Online {
		t.Fatalf("expected device online, got %+v, %v", dev, err)
	}

	err = s.SaveMetrics(ctx, &MetricsSample{
		ID:        uuid.New().String(),
		DeviceID:  deviceID,
		Snapshot:  json.RawMessage(`{"hashrate":812.5}`),
		CreatedAt: time.Now().Add(-48 * time.Hour),
	})
	if err != nil {
		t.Fatalf("SaveMetrics: %v", err)
	}
	purged, err := s.PurgeOldMetrics(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("PurgeOldMetrics: %v", err)
	}
	if purged < 1 {
		t.Errorf("expected at least 1 purged sample, got %d", purged)
	}

	// Clean up so reruns against the same database stay green.
	if err := s.DeleteDevice(ctx, deviceID, userID); err != nil {
		t.Fatalf("DeleteDevice: %v", err)
	}
}
