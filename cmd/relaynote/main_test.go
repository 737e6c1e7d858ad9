package main

import (
	"bytes"
	"context"
	"io"
	"log"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/agentworkforce/relaynote/internal/auth"
	"github.com/agentworkforce/relaynote/internal/channel"
	"github.com/agentworkforce/relaynote/internal/devserver"
	"github.com/agentworkforce/relaynote/internal/remote"
	"github.com/agentworkforce/relaynote/internal/session"
)

const testSecret = "test-secret"

func TestClampJitterRatio(t *testing.T) {
	if got := clampJitterRatio(-0.1); got != 0 {
		t.Fatalf("expected clamp to 0, got %f", got)
	}
	if got := clampJitterRatio(1.5); got != 1 {
		t.Fatalf("expected clamp to 1, got %f", got)
	}
	if got := clampJitterRatio(0.4); got != 0.4 {
		t.Fatalf("expected passthrough 0.4, got %f", got)
	}
}

func TestJitteredIntervalWithSample(t *testing.T) {
	base := 10 * time.Second
	if got := jitteredIntervalWithSample(base, 0, 0.2); got != base {
		t.Fatalf("expected no jitter interval %s, got %s", base, got)
	}
	if got := jitteredIntervalWithSample(base, 0.2, 0); got != 8*time.Second {
		t.Fatalf("expected min jitter interval 8s, got %s", got)
	}
	if got := jitteredIntervalWithSample(base, 0.2, 0.5); got != 10*time.Second {
		t.Fatalf("expected midpoint jitter interval 10s, got %s", got)
	}
	if got := jitteredIntervalWithSample(base, 0.2, 1); got != 12*time.Second {
		t.Fatalf("expected max jitter interval 12s, got %s", got)
	}
	if got := jitteredIntervalWithSample(0, 0.2, 1); got != 0 {
		t.Fatalf("expected zero base to stay zero, got %s", got)
	}
}

func TestRootFlagsOverrideEnvironment(t *testing.T) {
	t.Setenv("RELAYNOTE_ROOM", "env-room")
	t.Setenv("RELAYNOTE_TOKEN", "env-token")
	opts := &rootOptions{room: "flag-room", apiURL: "http://example.com:9000"}
	cfg, err := opts.load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Room != "flag-room" || cfg.Token != "env-token" || cfg.APIURL != "http://example.com:9000" {
		t.Fatalf("unexpected config %+v", cfg)
	}
}

func TestCommandsAgainstDevServer(t *testing.T) {
	server := devserver.NewServerWithConfig(devserver.NewStore(), devserver.ServerConfig{JWTSecret: testSecret})
	srv := httptest.NewServer(server)
	defer srv.Close()

	token := signToken(t, "u-cli")
	channelURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/channel"
	t.Setenv("RELAYNOTE_API_URL", srv.URL)
	t.Setenv("RELAYNOTE_CHANNEL_URL", channelURL)
	t.Setenv("RELAYNOTE_ROOM", "room-1")
	t.Setenv("RELAYNOTE_TOKEN", token)
	t.Setenv("RELAYNOTE_CREDENTIALS_FILE", "")
	t.Setenv("RELAYNOTE_RUN_LOG_DSN", "")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	out, err := runCLI(ctx, "create-notebook", "Weekly", "report")
	if err != nil {
		t.Fatalf("create-notebook: %v", err)
	}
	notebookID := strings.TrimSpace(out)
	if notebookID == "" {
		t.Fatalf("expected notebook id output")
	}

	out, err = runCLI(ctx, "notebooks", "--wait", "2s")
	if err != nil {
		t.Fatalf("notebooks: %v", err)
	}
	if !strings.Contains(out, notebookID) || !strings.Contains(out, "Weekly report") {
		t.Fatalf("expected notebook listed, got %q", out)
	}

	// A second participant writes a block for the CLI to run.
	api := remote.NewHTTPClient(srv.URL, token, srv.Client())
	editor := session.New(session.Options{
		Dial:  session.ChannelDialer(channel.Options{URL: channelURL, AckTimeout: 5 * time.Second}),
		State: api,
	})
	defer editor.Close()
	if err := editor.Connect(ctx, "room-1", token); err != nil {
		t.Fatalf("editor connect: %v", err)
	}
	if err := editor.JoinRoom(ctx, "room-1"); err != nil {
		t.Fatalf("editor join: %v", err)
	}
	if err := editor.SwitchNotebook(ctx, notebookID); err != nil {
		t.Fatalf("editor switch: %v", err)
	}
	blockID, err := editor.CreateBlockAt(ctx, nil, "python")
	if err != nil {
		t.Fatalf("create block: %v", err)
	}
	if err := editor.EditBlock(ctx, blockID, "print('hi')"); err != nil {
		t.Fatalf("edit block: %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for server.Store().Text("room-1", notebookID, blockID) != "print('hi')" {
		if time.Now().After(deadline) {
			t.Fatalf("server never merged the edit")
		}
		time.Sleep(10 * time.Millisecond)
	}

	out, err = runCLI(ctx, "run", notebookID, blockID)
	if err != nil {
		t.Fatalf("run block: %v", err)
	}
	if out != "hi\n" {
		t.Fatalf("expected block output, got %q", out)
	}
	out, err = runCLI(ctx, "run", notebookID)
	if err != nil {
		t.Fatalf("run notebook: %v", err)
	}
	if out != "hi\n" {
		t.Fatalf("expected notebook output, got %q", out)
	}

	out, err = runCLI(ctx, "milestones", "create", notebookID, "--name", "first draft")
	if err != nil {
		t.Fatalf("milestones create: %v", err)
	}
	milestoneID := strings.TrimSpace(out)
	out, err = runCLI(ctx, "milestones", "list")
	if err != nil {
		t.Fatalf("milestones list: %v", err)
	}
	if !strings.Contains(out, milestoneID) || !strings.Contains(out, "first draft") {
		t.Fatalf("expected milestone listed, got %q", out)
	}
}

func TestCreateNotebookRejectsBadToken(t *testing.T) {
	srv := httptest.NewServer(devserver.NewServerWithConfig(devserver.NewStore(), devserver.ServerConfig{JWTSecret: testSecret}))
	defer srv.Close()
	t.Setenv("RELAYNOTE_API_URL", srv.URL)
	t.Setenv("RELAYNOTE_CHANNEL_URL", "ws"+strings.TrimPrefix(srv.URL, "http")+"/v1/channel")
	t.Setenv("RELAYNOTE_ROOM", "room-1")
	t.Setenv("RELAYNOTE_TOKEN", "not-a-jwt")
	t.Setenv("RELAYNOTE_CREDENTIALS_FILE", "")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := runCLI(ctx, "create-notebook", "Nope"); err == nil {
		t.Fatalf("expected connect with a malformed token to fail")
	}
}

func runCLI(ctx context.Context, args ...string) (string, error) {
	cmd := newRootCommand(log.New(io.Discard, "", 0))
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(ctx)
	return out.String(), err
}

func signToken(t *testing.T, userID string) string {
	t.Helper()
	token, err := auth.Sign(auth.Claims{
		UserID:    userID,
		UserEmail: userID + "@example.com",
		Room:      "room-1",
		Exp:       time.Now().Add(time.Hour).Unix(),
	}, testSecret)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}
