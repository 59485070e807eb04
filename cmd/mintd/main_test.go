package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"

	"github.com/bardlex/ehashpool/internal/config"
	"github.com/bardlex/ehashpool/internal/hub"
	"github.com/bardlex/ehashpool/pkg/log"
)

func testConfig() *config.Config {
	return &config.Config{
		ServiceName:     "test-mintd",
		Version:         "test",
		LogLevel:        "error",
		LogFormat:       "json",
		MintListenAddr:  "127.0.0.1:0",
		MintHTTPURL:     "http://127.0.0.1:1",
		MintHTTPTimeout: time.Second,
		HubBufferSize:   16,
		WriteTimeout:    time.Second,
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestNewMintService(t *testing.T) {
	cfg := testConfig()
	s, err := NewMintService(cfg, log.Nop())
	if err != nil {
		t.Fatalf("NewMintService() error = %v", err)
	}
	if s.server == nil || s.processor == nil || s.issuer == nil || s.hub == nil {
		t.Error("NewMintService() left components unset")
	}
	if s.cfg != cfg {
		t.Error("NewMintService() did not set config correctly")
	}
}

func TestNewMintService_InvalidURL(t *testing.T) {
	cfg := testConfig()
	cfg.MintHTTPURL = "mint"
	if _, err := NewMintService(cfg, log.Nop()); err == nil {
		t.Error("expected error for relative mint url")
	}
}

func TestMintService_AcceptsPools(t *testing.T) {
	s, err := NewMintService(testConfig(), log.Nop())
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()

	waitFor(t, func() bool { return s.server.Addr() != nil })

	conn, err := net.Dial("tcp", s.server.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer func() { _ = conn.Close() }()

	waitFor(t, func() bool { return s.hub.Stats().Connections[hub.RolePool] == 1 })

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := s.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if s.server.SessionCount() != 0 {
		t.Errorf("sessions = %d after shutdown", s.server.SessionCount())
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Start() did not return")
	}
}

// keysBody renders a /v1/keys response with one keyset of n keys
func keysBody(t *testing.T, id, unit string, n int) string {
	t.Helper()
	entries := make([]string, 0, n)
	for i := 0; i < n; i++ {
		priv, err := btcec.NewPrivateKey()
		if err != nil {
			t.Fatal(err)
		}
		entries = append(entries, fmt.Sprintf(`"%d":"%s"`, uint64(1)<<i, hex.EncodeToString(priv.PubKey().SerializeCompressed())))
	}
	return fmt.Sprintf(`{"keysets":[{"id":"%s","unit":"%s","keys":{%s}}]}`, id, unit, strings.Join(entries, ","))
}

func TestMintService_CheckKeyset(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantID  uint64
		wantErr bool
	}{
		{"hash keyset", keysBody(t, "00ad268c4d1f5826", "HASH", 64), 0x00ad268c4d1f5826, false},
		{"lowercase unit", keysBody(t, "00ad268c4d1f5826", "hash", 64), 0x00ad268c4d1f5826, false},
		{"legacy short id", keysBody(t, "00ad26", "HASH", 64), 0x00ad260000000000, false},
		{"no hash keyset", keysBody(t, "009a1f293253e41e", "sat", 64), 0, true},
		{"incomplete keyset", keysBody(t, "00ad268c4d1f5826", "HASH", 8), 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			cfg := testConfig()
			cfg.MintHTTPURL = srv.URL
			s, err := NewMintService(cfg, log.Nop())
			if err != nil {
				t.Fatal(err)
			}

			wire, err := s.checkKeyset(context.Background())
			if (err != nil) != tt.wantErr {
				t.Fatalf("checkKeyset() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && wire.ID != tt.wantID {
				t.Errorf("wire id = %016x, want %016x", wire.ID, tt.wantID)
			}
		})
	}
}
