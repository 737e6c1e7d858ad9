package main

import (
	"context"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/agentworkforce/relaynote/internal/config"
)

func TestBuildServerServesHealthAndMetrics(t *testing.T) {
	cfg := config.DefaultServer()
	cfg.JWTSecret = "dev-secret-123"
	srv, err := buildServer(cfg, log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("build server: %v", err)
	}
	if srv.Addr != cfg.Addr {
		t.Fatalf("expected addr %s, got %s", cfg.Addr, srv.Addr)
	}

	rec := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 from /health, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "go_goroutines") {
		t.Fatalf("expected runtime metrics, got %d", rec.Code)
	}
}

func TestServeStopsOnCancel(t *testing.T) {
	cfg := config.DefaultServer()
	cfg.Addr = "127.0.0.1:0"
	cfg.JWTSecret = "dev-secret-123"
	srv, err := buildServer(cfg, log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("build server: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- serve(ctx, srv, log.New(io.Discard, "", 0)) }()
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected clean shutdown, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("serve did not return after cancel")
	}
}

func TestRootCommandRejectsInvalidConfig(t *testing.T) {
	t.Setenv("RELAYNOTE_JWT_SECRET", "")
	cmd := newRootCommand(log.New(io.Discard, "", 0))
	cmd.SetArgs([]string{"--jwt-secret", "short"})
	if err := cmd.ExecuteContext(context.Background()); err == nil || !strings.Contains(err.Error(), "JWTSecret") {
		t.Fatalf("expected short secret rejected, got %v", err)
	}
}
