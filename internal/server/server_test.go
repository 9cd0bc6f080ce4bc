package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"backend-routetrack/internal/auth"
	"backend-routetrack/internal/config"
	"backend-routetrack/internal/tracking"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestServer(t *testing.T, cfg config.Config, redisClient *redis.Client) *Server {
	t.Helper()
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "secret"
	}
	s, err := NewServer(cfg, nil, redisClient, nil)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func bearer(t *testing.T) string {
	t.Helper()
	token, err := auth.SignToken("secret", "tracker-1", time.Hour)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return "Bearer " + token
}

func TestHealthRoute(t *testing.T) {
	s := newTestServer(t, config.Config{ServerPort: ":0"}, nil)

	req := httptest.NewRequest("GET", "/health", nil)
	resp, err := s.App.Test(req)
	if err != nil {
		t.Fatalf("test request: %v", err)
	}
	if resp.StatusCode != 200 {
		t.Fatalf("expected 200 status")
	}
}

func TestTrackingRoutesRequireToken(t *testing.T) {
	s := newTestServer(t, config.Config{SourceKind: "feed"}, nil)

	resp, err := s.App.Test(httptest.NewRequest(http.MethodPost, "/tracking/start", nil))
	if err != nil {
		t.Fatalf("test request: %v", err)
	}
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected unauthorized, got %d", resp.StatusCode)
	}

	req := httptest.NewRequest(http.MethodPost, "/tracking/start", nil)
	req.Header.Set("Authorization", bearer(t))
	resp, err = s.App.Test(req)
	if err != nil || resp.StatusCode != http.StatusOK {
		t.Fatalf("start with token failed: %v", err)
	}
	if !s.Tracking.Current().IsTracking {
		t.Fatalf("expected tracking")
	}

	req = httptest.NewRequest(http.MethodPost, "/tracking/samples", bytes.NewReader([]byte(`{"latitude":1,"longitude":2}`)))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", bearer(t))
	resp, err = s.App.Test(req)
	if err != nil || resp.StatusCode != http.StatusAccepted {
		t.Fatalf("ingest failed: %v", err)
	}
}

func TestStatesAreBroadcast(t *testing.T) {
	s := newTestServer(t, config.Config{SourceKind: "feed"}, nil)
	client := s.Stream.Register(StateTopic)
	defer s.Stream.Unregister(client)

	s.Tracking.Start()

	timeout := time.After(2 * time.Second)
	for {
		select {
		case msg := <-client.Send:
			var st tracking.State
			if err := json.Unmarshal(msg, &st); err != nil {
				t.Fatalf("decode broadcast: %v", err)
			}
			if st.Kind == tracking.KindTracking && st.IsTracking {
				return
			}
		case <-timeout:
			t.Fatalf("timeout waiting for tracking broadcast")
		}
	}
}

func TestNewServerSources(t *testing.T) {
	if _, err := NewServer(config.Config{SourceKind: "carrier-pigeon"}, nil, nil, nil); err == nil || !strings.Contains(err.Error(), "carrier-pigeon") {
		t.Fatalf("expected unknown source error, got %v", err)
	}
	if _, err := NewServer(config.Config{SourceKind: "redis"}, nil, nil, nil); err == nil {
		t.Fatalf("expected error for redis source without redis")
	}

	serial := newTestServer(t, config.Config{SourceKind: "serial", SerialPort: "/dev/does-not-exist"}, nil)
	if serial.Feed != nil {
		t.Fatalf("serial source must not expose the ingest feed")
	}
	if st := serial.Tracking.Start(); st.Kind != tracking.KindError {
		t.Fatalf("expected error starting missing serial port, got %+v", st)
	}

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	viaRedis := newTestServer(t, config.Config{SourceKind: "redis", SourceRedisChannel: "samples"}, rdb)
	if viaRedis.Feed != nil {
		t.Fatalf("redis source must not expose the ingest feed")
	}
	if st := viaRedis.Tracking.Start(); !st.IsTracking {
		t.Fatalf("expected redis subscription to start, got %+v", st)
	}
}
