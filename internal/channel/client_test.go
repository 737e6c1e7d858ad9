package channel

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/relaynote/internal/metrics"
)

// scriptedServer accepts one websocket and answers each request frame with
// respond, which may return nil to stay silent.
func scriptedServer(t *testing.T, respond func(req Frame) []Frame) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer good-token" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")
		ctx := r.Context()
		for {
			var req Frame
			if err := wsjson.Read(ctx, conn, &req); err != nil {
				return
			}
			for _, out := range respond(req) {
				if err := wsjson.Write(ctx, conn, out); err != nil {
					return
				}
			}
		}
	}))
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http") + "/v1/ws"
}

func ack(req Frame, ok bool, msg string, data any) Frame {
	payload := AckPayload{OK: ok, Error: msg}
	if data != nil {
		payload.Data, _ = json.Marshal(data)
	}
	raw, _ := json.Marshal(payload)
	return Frame{Type: EventAck, AckID: req.ID, Payload: raw}
}

func dialTest(t *testing.T, srv *httptest.Server, timeout time.Duration) *Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, err := Dial(ctx, Options{URL: wsURL(srv.URL), Room: "room-1", Token: "good-token", AckTimeout: timeout})
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestRequestReturnsAckData(t *testing.T) {
	srv := scriptedServer(t, func(req Frame) []Frame {
		if req.Type == RequestCreateNotebook {
			return []Frame{ack(req, true, "", map[string]string{"id": "nb-9"})}
		}
		return nil
	})
	defer srv.Close()
	client := dialTest(t, srv, time.Second)

	data, err := client.Request(context.Background(), RequestCreateNotebook, CreateNotebook{Title: "Scratch"})
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	var out map[string]string
	if err := json.Unmarshal(data, &out); err != nil || out["id"] != "nb-9" {
		t.Fatalf("unexpected ack data %s (%v)", data, err)
	}
}

func TestRequestRejectedAck(t *testing.T) {
	srv := scriptedServer(t, func(req Frame) []Frame {
		return []Frame{ack(req, false, "not a member", nil)}
	})
	defer srv.Close()
	client := dialTest(t, srv, time.Second)

	_, err := client.Request(context.Background(), RequestJoinRoom, JoinRoom{Room: "room-1"})
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("expected rejection, got %v", err)
	}
	var ackErr *AckError
	if !errors.As(err, &ackErr) || ackErr.Message != "not a member" {
		t.Fatalf("expected ack error message, got %v", err)
	}
}

func TestRequestWithoutAckTimesOut(t *testing.T) {
	srv := scriptedServer(t, func(Frame) []Frame { return nil })
	defer srv.Close()
	client := dialTest(t, srv, 50*time.Millisecond)

	_, err := client.Request(context.Background(), RequestDeleteBlock, DeleteBlock{NotebookID: "nb1", BlockID: "b1"})
	if !errors.Is(err, ErrAckTimeout) {
		t.Fatalf("expected ack timeout, got %v", err)
	}
}

func TestBoundHandlerReceivesValidEventsInOrder(t *testing.T) {
	push := []string{
		`{"type":"notebook:created","payload":{"notebook":{"id":"nb1","title":"One"}}}`,
		`{"type":"notebook:deleted","payload":{"notebookId":""}}`,
		`{"type":"block:moved","payload":{"notebookId":"nb1","blockId":"b1","position":2}}`,
		`{"type":"notebook:deleted","payload":{"notebookId":"nb1"}}`,
	}
	srv := scriptedServerAfterReady(t, push)
	defer srv.Close()
	collectors, err := metrics.New(prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, err := Dial(ctx, Options{URL: wsURL(srv.URL), Room: "room-1", Token: "good-token", AckTimeout: time.Second, Metrics: collectors})
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer client.Close()

	var mu sync.Mutex
	var got []Event
	done := make(chan struct{})
	if err := client.Bind(func(ev Event) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, ev)
		if len(got) == 3 {
			close(done)
		}
	}); err != nil {
		t.Fatalf("bind failed: %v", err)
	}
	if err := client.Bind(func(Event) {}); !errors.Is(err, ErrAlreadyBound) {
		t.Fatalf("expected second bind to fail, got %v", err)
	}
	if err := client.Emit(context.Background(), "ready", nil); err != nil {
		t.Fatalf("emit failed: %v", err)
	}

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for events")
	}
	mu.Lock()
	defer mu.Unlock()
	if _, ok := got[0].(NotebookCreated); !ok {
		t.Fatalf("expected NotebookCreated first, got %T", got[0])
	}
	moved, ok := got[1].(BlockMoved)
	if !ok || moved.Position != 2 {
		t.Fatalf("expected BlockMoved to position 2, got %#v", got[1])
	}
	if deleted, ok := got[2].(NotebookDeleted); !ok || deleted.NotebookID != "nb1" {
		t.Fatalf("expected NotebookDeleted nb1 (invalid frame dropped), got %#v", got[2])
	}
	if dropped := testutil.ToFloat64(collectors.DroppedFrames); dropped != 1 {
		t.Fatalf("expected one dropped frame counted, got %v", dropped)
	}
}

// scriptedServerAfterReady pushes frames only after the client emits "ready".
func scriptedServerAfterReady(t *testing.T, push []string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")
		ctx := r.Context()
		for {
			var req Frame
			if err := wsjson.Read(ctx, conn, &req); err != nil {
				return
			}
			if req.Type != "ready" {
				continue
			}
			for _, raw := range push {
				if err := conn.Write(ctx, websocket.MessageText, []byte(raw)); err != nil {
					return
				}
			}
		}
	}))
}

func TestDialRejectedHandshake(t *testing.T) {
	srv := scriptedServer(t, func(Frame) []Frame { return nil })
	defer srv.Close()
	_, err := Dial(context.Background(), Options{URL: wsURL(srv.URL), Room: "room-1", Token: "expired"})
	var herr *HandshakeError
	if !errors.As(err, &herr) || !herr.Unauthorized() {
		t.Fatalf("expected unauthorized handshake error, got %v", err)
	}
}

func TestValidatorRejectsMalformedPayloads(t *testing.T) {
	v, err := DefaultValidator()
	if err != nil {
		t.Fatalf("validator: %v", err)
	}
	bad := []string{
		`{"payload":{}}`,
		`{"type":"notebook:deleted"}`,
		`{"type":"awareness-update","payload":{"notebookId":"nb1","records":[{"userId":"u1"}]}}`,
		`{"type":"ack","ackId":"x","payload":{"error":"no ok"}}`,
		`not json`,
	}
	for _, raw := range bad {
		if err := v.Validate([]byte(raw)); !errors.Is(err, ErrInvalidFrame) {
			t.Fatalf("expected %s to be invalid, got %v", raw, err)
		}
	}
	good := `{"type":"awareness-update","payload":{"notebookId":"nb1","records":[{"connectionId":"c1","userId":"u1","cursorBlockId":null}]}}`
	if err := v.Validate([]byte(good)); err != nil {
		t.Fatalf("expected valid frame, got %v", err)
	}
}

func TestDecodeCRDTUpdateBase64(t *testing.T) {
	ev, err := DecodeEvent(Frame{Type: EventCRDTUpdate, Payload: json.RawMessage(`{"notebookId":"nb1","update":"UgEA"}`)})
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	update, ok := ev.(CRDTUpdate)
	if !ok || update.NotebookID != "nb1" || string(update.Update) != "R\x01\x00" {
		t.Fatalf("unexpected event %#v", ev)
	}
	if _, err := DecodeEvent(Frame{Type: "mystery"}); err == nil {
		t.Fatalf("expected unknown event type error")
	}
}
