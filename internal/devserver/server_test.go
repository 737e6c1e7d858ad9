package devserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/agentworkforce/relaynote/internal/auth"
	"github.com/agentworkforce/relaynote/internal/channel"
	"github.com/agentworkforce/relaynote/internal/execution"
	"github.com/agentworkforce/relaynote/internal/metrics"
	"github.com/agentworkforce/relaynote/internal/remote"
	"github.com/agentworkforce/relaynote/internal/session"
)

const testSecret = "test-secret"

func TestAuthRequired(t *testing.T) {
	server := NewServerWithConfig(NewStore(), ServerConfig{JWTSecret: testSecret})

	rec := doRequest(t, server, request{method: http.MethodGet, path: "/v1/rooms/room-1/milestones"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}

	token := mustTestJWT(t, "other-room", "u-1")
	rec = doRequest(t, server, request{
		method: http.MethodGet,
		path:   "/v1/rooms/room-1/milestones",
		headers: map[string]string{
			"Authorization":    "Bearer " + token,
			"X-Correlation-Id": "corr_1",
		},
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for room mismatch, got %d (%s)", rec.Code, rec.Body.String())
	}
}

func TestCorrelationIDRequired(t *testing.T) {
	server := NewServerWithConfig(NewStore(), ServerConfig{JWTSecret: testSecret})
	rec := doRequest(t, server, request{
		method:  http.MethodGet,
		path:    "/v1/rooms/room-1/milestones",
		headers: map[string]string{"Authorization": "Bearer " + mustTestJWT(t, "room-1", "u-1")},
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without correlation id, got %d", rec.Code)
	}
}

func TestUnknownNotebookIsNotFound(t *testing.T) {
	server := NewServerWithConfig(NewStore(), ServerConfig{JWTSecret: testSecret})
	rec := doRequest(t, server, request{
		method:  http.MethodGet,
		path:    "/v1/rooms/room-1/notebooks/nb-missing/crdt-state",
		headers: authHeaders(t, "room-1"),
	})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if body["code"] != "not_found" || body["correlationId"] != "corr_1" {
		t.Fatalf("unexpected error body: %+v", body)
	}
}

func TestPayloadTooLarge(t *testing.T) {
	server := NewServerWithConfig(NewStore(), ServerConfig{JWTSecret: testSecret, MaxBodyBytes: 16})
	rec := doRequest(t, server, request{
		method:  http.MethodPost,
		path:    "/v1/rooms/room-1/milestones",
		headers: authHeaders(t, "room-1"),
		body:    map[string]any{"name": strings.Repeat("x", 64)},
	})
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", rec.Code)
	}
}

func TestRateLimitPerRoomAndUser(t *testing.T) {
	server := NewServerWithConfig(NewStore(), ServerConfig{JWTSecret: testSecret, RateLimit: 1, RateBurst: 1})
	first := doRequest(t, server, request{method: http.MethodGet, path: "/v1/rooms/room-1/milestones", headers: authHeaders(t, "room-1")})
	if first.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", first.Code)
	}
	second := doRequest(t, server, request{method: http.MethodGet, path: "/v1/rooms/room-1/milestones", headers: authHeaders(t, "room-1")})
	if second.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", second.Code)
	}
	if second.Header().Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After header on 429")
	}
}

func TestExecRequiresStartedEnvironment(t *testing.T) {
	reg := prometheus.NewRegistry()
	collectors, err := metrics.New(reg)
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	srv := httptest.NewServer(NewServerWithConfig(NewStore(), ServerConfig{
		JWTSecret: testSecret,
		Metrics:   collectors,
		Gatherer:  reg,
	}))
	defer srv.Close()

	client := remote.NewHTTPClient(srv.URL, mustTestJWT(t, "room-1", "u-1"), srv.Client())
	service := execution.NewHTTPService(client)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := service.Exec(ctx, "room-1", "print('hi')"); !errors.Is(err, execution.ErrEnvironmentNotReady) {
		t.Fatalf("expected environment not ready, got %v", err)
	}
	if err := service.Start(ctx, "room-1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	status, err := service.Status(ctx, "room-1")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !status.Ready() {
		t.Fatalf("expected ready environment, got %+v", status)
	}
	result, err := service.Exec(ctx, "room-1", "print('hi')\nraise ValueError")
	if err != nil {
		t.Fatalf("exec: %v", err)
	}
	if result.Output != "hi\n" || result.Error != "ValueError" {
		t.Fatalf("unexpected result: %+v", result)
	}

	if got := testutil.ToFloat64(collectors.EnvironmentStarts); got != 1 {
		t.Fatalf("expected one environment start, got %v", got)
	}
	resp, err := srv.Client().Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("scrape: %v", err)
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, _ = buf.ReadFrom(resp.Body)
	if !strings.Contains(buf.String(), "relaynote_execution_environment_starts_total 1") {
		t.Fatalf("expected environment start counter in scrape output")
	}
}

func TestEnvironmentBecomesReadyAfterDelay(t *testing.T) {
	envs := newEnvironments(time.Minute)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	envs.now = func() time.Time { return now }

	if got := envs.status("room-1"); got.Venv != "missing" {
		t.Fatalf("expected missing environment, got %+v", got)
	}
	envs.start("room-1")
	if got := envs.status("room-1"); got.Ready() || got.Venv != venvCreating {
		t.Fatalf("expected creating environment, got %+v", got)
	}
	now = now.Add(time.Minute)
	if got := envs.status("room-1"); !got.Ready() {
		t.Fatalf("expected ready environment, got %+v", got)
	}
	envs.stop("room-1")
	if got := envs.status("room-1"); got.Ready() {
		t.Fatalf("expected stopped environment, got %+v", got)
	}
}

func TestStoreBlockOrdering(t *testing.T) {
	store := NewStore()
	nb, err := store.CreateNotebook("room-1", "Plots")
	if err != nil {
		t.Fatalf("create notebook: %v", err)
	}
	for i, id := range []string{"b1", "b2", "b3"} {
		if _, err := store.CreateBlock("room-1", nb.ID, id, "python", i); err != nil {
			t.Fatalf("create block %s: %v", id, err)
		}
	}
	if _, err := store.CreateBlock("room-1", nb.ID, "b1", "python", 0); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected duplicate block rejection, got %v", err)
	}
	pos, err := store.MoveBlock("room-1", nb.ID, "b3", 0)
	if err != nil || pos != 0 {
		t.Fatalf("move block: pos=%d err=%v", pos, err)
	}
	if err := store.DeleteBlock("room-1", nb.ID, "b1"); err != nil {
		t.Fatalf("delete block: %v", err)
	}
	blocks, _ := store.Blocks("room-1", nb.ID)
	if len(blocks) != 2 || blocks[0].ID != "b3" || blocks[1].ID != "b2" || blocks[1].Position != 1 {
		t.Fatalf("unexpected block order: %+v", blocks)
	}
}

func TestTwoClientsConverge(t *testing.T) {
	reg := prometheus.NewRegistry()
	collectors, err := metrics.New(reg)
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	server := NewServerWithConfig(NewStore(), ServerConfig{JWTSecret: testSecret, Metrics: collectors})
	srv := httptest.NewServer(server)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	alice, aliceAPI := connectClient(ctx, t, srv, "u-alice")
	defer alice.Close()
	bob, _ := connectClient(ctx, t, srv, "u-bob")
	defer bob.Close()

	waitFor(t, "two connections", func() bool {
		return testutil.ToFloat64(collectors.RoomConnections) == 2
	})

	nb, err := alice.CreateNotebook(ctx, "Analysis")
	if err != nil {
		t.Fatalf("create notebook: %v", err)
	}
	waitFor(t, "bob sees notebook", func() bool {
		_, ok := bob.Directory().Get(nb.ID)
		return ok
	})

	if err := alice.SwitchNotebook(ctx, nb.ID); err != nil {
		t.Fatalf("alice switch: %v", err)
	}
	if err := bob.SwitchNotebook(ctx, nb.ID); err != nil {
		t.Fatalf("bob switch: %v", err)
	}

	blockID, err := alice.CreateBlockAt(ctx, nil, "python")
	if err != nil {
		t.Fatalf("create block: %v", err)
	}
	waitFor(t, "bob sees block", func() bool {
		_, ok := bob.Blocks().Block(blockID)
		return ok
	})

	if err := alice.EditBlock(ctx, blockID, "print('hi')"); err != nil {
		t.Fatalf("edit: %v", err)
	}
	waitFor(t, "bob sees text", func() bool {
		return bob.Content().Text(nb.ID, blockID) == "print('hi')"
	})
	waitFor(t, "server merged text", func() bool {
		return server.Store().Text("room-1", nb.ID, blockID) == "print('hi')"
	})
	extraID, err := alice.CreateBlockAt(ctx, nil, "python")
	if err != nil {
		t.Fatalf("create second block: %v", err)
	}
	if err := alice.EditBlock(ctx, extraID, "x = 2"); err != nil {
		t.Fatalf("edit second block: %v", err)
	}
	waitFor(t, "server merged second block", func() bool {
		return server.Store().Text("room-1", nb.ID, extraID) == "x = 2"
	})

	milestone, err := aliceAPI.CreateMilestone(ctx, "room-1", remote.MilestoneInput{
		Name:     "first cut",
		Snapshot: remote.Snapshot{NotebookID: nb.ID},
	})
	if err != nil {
		t.Fatalf("create milestone: %v", err)
	}

	if err := alice.EditBlock(ctx, blockID, "print('bye')"); err != nil {
		t.Fatalf("edit: %v", err)
	}
	waitFor(t, "bob sees second edit", func() bool {
		return bob.Content().Text(nb.ID, blockID) == "print('bye')"
	})
	if err := alice.DeleteBlock(ctx, extraID); err != nil {
		t.Fatalf("delete second block: %v", err)
	}
	waitFor(t, "bob sees deletion", func() bool {
		_, ok := bob.Blocks().Block(extraID)
		return !ok && bob.Content().Text(nb.ID, extraID) == ""
	})

	if err := alice.RestoreMilestone(ctx, milestone.ID); err != nil {
		t.Fatalf("restore: %v", err)
	}
	waitFor(t, "bob sees restored text", func() bool {
		return bob.Content().Text(nb.ID, blockID) == "print('hi')"
	})
	if got := alice.Content().Text(nb.ID, blockID); got != "print('hi')" {
		t.Fatalf("expected restored text locally, got %q", got)
	}
	waitFor(t, "deleted block restored everywhere", func() bool {
		return bob.Content().Text(nb.ID, extraID) == "x = 2" &&
			server.Store().Text("room-1", nb.ID, extraID) == "x = 2"
	})
	if b, ok := alice.Blocks().Block(extraID); !ok || b.Content != "x = 2" {
		t.Fatalf("expected restored block in alice's store, got %+v ok=%t", b, ok)
	}
	if blocks, _ := server.Store().Blocks("room-1", nb.ID); len(blocks) != 2 {
		t.Fatalf("expected server metadata restored, got %+v", blocks)
	}
}

func connectClient(ctx context.Context, t *testing.T, srv *httptest.Server, userID string) (*session.Controller, *remote.HTTPClient) {
	t.Helper()
	token := mustTestJWT(t, "room-1", userID)
	api := remote.NewHTTPClient(srv.URL, token, srv.Client())
	c := session.New(session.Options{
		Dial:       session.ChannelDialer(channel.Options{URL: "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/channel", AckTimeout: 5 * time.Second}),
		State:      api,
		Milestones: api,
	})
	if err := c.Connect(ctx, "room-1", token); err != nil {
		t.Fatalf("connect %s: %v", userID, err)
	}
	if err := c.JoinRoom(ctx, "room-1"); err != nil {
		t.Fatalf("join %s: %v", userID, err)
	}
	return c, api
}

type request struct {
	method  string
	path    string
	headers map[string]string
	body    map[string]any
}

func doRequest(t *testing.T, server http.Handler, r request) *httptest.ResponseRecorder {
	t.Helper()
	var bodyBytes []byte
	if r.body != nil {
		data, err := json.Marshal(r.body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		bodyBytes = data
	}
	req := httptest.NewRequest(r.method, r.path, bytes.NewReader(bodyBytes))
	for k, v := range r.headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	return rec
}

func authHeaders(t *testing.T, room string) map[string]string {
	t.Helper()
	return map[string]string{
		"Authorization":    "Bearer " + mustTestJWT(t, room, "u-1"),
		"X-Correlation-Id": "corr_1",
	}
}

func mustTestJWT(t *testing.T, room, userID string) string {
	t.Helper()
	token, err := auth.Sign(auth.Claims{
		UserID:    userID,
		UserEmail: userID + "@example.com",
		Room:      room,
		Exp:       time.Now().Add(time.Hour).Unix(),
	}, testSecret)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
