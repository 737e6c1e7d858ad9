package remote

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestFetchStateRetriesTransientFailure(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		call := atomic.AddInt32(&calls, 1)
		if call == 1 {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"code":"unavailable","message":"retry"}`))
			return
		}
		if r.URL.Path != "/v1/rooms/room-1/notebooks/nb1/crdt-state" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if r.Header.Get("Authorization") != "Bearer token" {
			t.Errorf("expected bearer token, got %q", r.Header.Get("Authorization"))
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"state":"UgEAAAAA"}`))
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, "token", server.Client())
	state, err := client.FetchState(context.Background(), "room-1", "nb1")
	if err != nil {
		t.Fatalf("expected retry to recover from transient 503, got error: %v", err)
	}
	if state != "UgEAAAAA" {
		t.Fatalf("unexpected state %q", state)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("expected exactly 2 calls (1 retry), got %d", atomic.LoadInt32(&calls))
	}
}

func TestFetchBlocksDecodesMetadata(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/rooms/room-1/notebooks/nb1/blocks" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"blocks":[{"id":"b2","language":"python","position":1},{"id":"b1","language":"python","position":0,"content":"ignored"}]}`))
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, "token", server.Client())
	blocks, err := client.FetchBlocks(context.Background(), "room-1", "nb1")
	if err != nil {
		t.Fatalf("fetch blocks failed: %v", err)
	}
	if len(blocks) != 2 || blocks[0].ID != "b2" || blocks[1].Position != 0 {
		t.Fatalf("unexpected blocks %+v", blocks)
	}
}

func TestNotFoundIsTypedHTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"code":"not_found","message":"no such milestone"}`))
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, "token", server.Client())
	_, err := client.GetMilestone(context.Background(), "room-1", "m-404")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || httpErr.Code != "not_found" {
		t.Fatalf("expected typed http error, got %v", err)
	}
}

func TestRetriesStopAtLimit(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Header().Set("Retry-After", "0")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, "token", server.Client())
	client.SetRetryPolicy(2, time.Millisecond, 5*time.Millisecond)
	_, err := client.ListMilestones(context.Background(), "room-1")
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || httpErr.StatusCode != http.StatusTooManyRequests || !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected 429 after retries, got %v", err)
	}
	if atomic.LoadInt32(&calls) != 3 {
		t.Fatalf("expected 3 calls, got %d", atomic.LoadInt32(&calls))
	}
}

func TestCreateAndRestoreMilestone(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/v1/rooms/room-1/milestones":
			var in MilestoneInput
			if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
				t.Errorf("decode body: %v", err)
			}
			if in.Kind != KindMilestone || len(in.Snapshot.Blocks) != 1 {
				t.Errorf("unexpected input %+v", in)
			}
			_ = json.NewEncoder(w).Encode(Milestone{ID: "m1", Kind: in.Kind, Name: in.Name})
		case r.Method == http.MethodPost && r.URL.Path == "/v1/rooms/room-1/milestones/m1/restore":
			_, _ = w.Write([]byte(`{"snapshot":{"notebookId":"nb1","blocks":[{"id":"b1","language":"python","content":"x=1","position":0}]}}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, "token", server.Client())
	m, err := client.CreateMilestone(context.Background(), "room-1", MilestoneInput{
		Name:     "first",
		Snapshot: Snapshot{Blocks: []SnapshotBlock{{ID: "b1", Content: "x=1"}}},
	})
	if err != nil || m.ID != "m1" {
		t.Fatalf("create failed: %+v %v", m, err)
	}
	snap, err := client.RestoreMilestone(context.Background(), "room-1", "m1")
	if err != nil {
		t.Fatalf("restore failed: %v", err)
	}
	if snap.NotebookID != "nb1" || len(snap.Blocks) != 1 || snap.Blocks[0].Content != "x=1" {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
}

func TestBackoffHonorsRetryAfterAndCap(t *testing.T) {
	client := NewHTTPClient("", "", nil)
	if got := client.backoff(1, parseRetryAfter("1")); got != time.Second {
		t.Fatalf("expected Retry-After of 1s, got %s", got)
	}
	if got := client.backoff(1, parseRetryAfter("30")); got != 2*time.Second {
		t.Fatalf("expected cap of 2s, got %s", got)
	}
	if got := client.backoff(3, 0); got != 400*time.Millisecond {
		t.Fatalf("expected 400ms backoff on third attempt, got %s", got)
	}
}

func TestErrorCarriesServerCorrelationID(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		if r.Header.Get("X-Correlation-Id") == "" {
			t.Errorf("expected a correlation id on every request")
		}
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"code":"no_environment","message":"not ready","correlationId":"corr-7"}`))
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, "token", server.Client())
	_, err := client.ListMilestones(context.Background(), "room-1")
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || httpErr.CorrelationID != "corr-7" || httpErr.Code != "no_environment" {
		t.Fatalf("expected decoded error envelope, got %v", err)
	}
	if httpErr.Temporary() || errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected a conflict to be final")
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected no retry of a conflict, got %d calls", atomic.LoadInt32(&calls))
	}
}
