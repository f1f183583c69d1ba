package infra

import (
	"testing"
	"time"
)

func TestNewHTTPServerWriteTimeoutCoversGeneration(t *testing.T) {
	cfg := &Config{
		Port:              "9090",
		GenerationTimeout: 60 * time.Second,
		HTTPWriteTimeout:  30 * time.Second,
	}
	srv := NewHTTPServer(cfg, nil)
	if srv.Addr() != ":9090" {
		t.Fatalf("addr = %q", srv.Addr())
	}
	if got := srv.server.WriteTimeout; got != 65*time.Second {
		t.Fatalf("write timeout = %s, want 65s", got)
	}

	cfg.HTTPWriteTimeout = 0
	if got := NewHTTPServer(cfg, nil).server.WriteTimeout; got != 0 {
		t.Fatalf("unbounded write timeout changed to %s", got)
	}
}
