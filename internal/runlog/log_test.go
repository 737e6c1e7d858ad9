package runlog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func sampleEntry(id, session string, at time.Time) Entry {
	return Entry{
		ID:        id,
		SessionID: session,
		BlockID:   "b1",
		Command:   "x=1",
		Output:    "ok",
		Status:    StatusSucceeded,
		Timestamp: at,
		Duration:  1500 * time.Millisecond,
	}
}

func exerciseBackend(t *testing.T, backend Backend) {
	t.Helper()
	ctx := context.Background()
	base := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	for i, session := range []string{"s1", "s2", "s1"} {
		if err := backend.Append(ctx, sampleEntry(fmt.Sprintf("run-%d", i), session, base.Add(time.Duration(i)*time.Second))); err != nil {
			t.Fatalf("append %d failed: %v", i, err)
		}
	}
	got, err := backend.List(ctx, "s1")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(got) != 2 || got[0].ID != "run-0" || got[1].ID != "run-2" {
		t.Fatalf("expected s1 runs in order, got %+v", got)
	}
	if got[0].Duration != 1500*time.Millisecond || !got[0].Timestamp.Equal(base) {
		t.Fatalf("expected duration and timestamp to survive, got %+v", got[0])
	}
}

func TestInMemoryBackend(t *testing.T) {
	exerciseBackend(t, NewInMemoryBackend())
}

func TestJSONFileBackendSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runs", "log.json")
	backend, err := NewJSONFileBackend(path)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	exerciseBackend(t, backend)

	reopened, err := NewJSONFileBackend(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	got, _ := reopened.List(context.Background(), "s2")
	if len(got) != 1 || got[0].ID != "run-1" {
		t.Fatalf("expected persisted s2 run, got %+v", got)
	}
}

func TestSQLiteBackend(t *testing.T) {
	backend, err := BuildBackendFromDSN("sqlite://" + filepath.Join(t.TempDir(), "runs.db"))
	if err != nil {
		t.Fatalf("build sqlite backend failed: %v", err)
	}
	t.Cleanup(func() { _ = backend.Close() })
	exerciseBackend(t, backend)
}

func TestBuildBackendFromDSN(t *testing.T) {
	backend, err := BuildBackendFromDSN("")
	if err != nil || backend != nil {
		t.Fatalf("expected nil backend for empty dsn, got %v %v", backend, err)
	}
	backend, err = BuildBackendFromDSN("memory://")
	if err != nil {
		t.Fatalf("build memory backend failed: %v", err)
	}
	if _, ok := backend.(*InMemoryBackend); !ok {
		t.Fatalf("expected in-memory backend, got %T", backend)
	}
	backend, err = BuildBackendFromDSN("postgres://localhost/relaynote?sslmode=disable")
	if err != nil || backend == nil {
		t.Fatalf("expected lazy postgres backend, got %v %v", backend, err)
	}
	if _, err := BuildBackendFromDSN("mysql://localhost/relaynote"); !errors.Is(err, ErrNotImplemented) {
		t.Fatalf("expected not implemented for mysql, got %v", err)
	}
	if _, err := BuildBackendFromDSN("ftp://nowhere"); err == nil {
		t.Fatalf("expected unsupported scheme error")
	}
}

func TestRegisterBackendFactory(t *testing.T) {
	scheme := "runlogtestcustom"
	var built int32
	RegisterBackendFactory(scheme, func(dsn string) (Backend, error) {
		atomic.AddInt32(&built, 1)
		return NewInMemoryBackend(), nil
	})
	backend, err := BuildBackendFromDSN(scheme + "://example")
	if err != nil {
		t.Fatalf("build via registered factory failed: %v", err)
	}
	if backend == nil || atomic.LoadInt32(&built) != 1 {
		t.Fatalf("expected registered factory to build the backend")
	}
}

type failingBackend struct{ InMemoryBackend }

func (*failingBackend) Append(context.Context, Entry) error { return errors.New("disk full") }

type recordingLogger struct{ lines []string }

func (l *recordingLogger) Printf(format string, args ...any) {
	l.lines = append(l.lines, fmt.Sprintf(format, args...))
}

func TestLogKeepsEntriesWhenBackendFails(t *testing.T) {
	logger := &recordingLogger{}
	log := NewLog("s1", &failingBackend{}, logger)
	log.Append(context.Background(), Entry{ID: "r1", BlockID: "b1", Status: StatusFailed})
	log.Append(context.Background(), Entry{ID: "r2", Status: StatusSucceeded})
	if log.Len() != 2 || len(log.ForBlock("b1")) != 1 {
		t.Fatalf("expected in-memory log to keep both entries")
	}
	if log.Entries()[0].SessionID != "s1" {
		t.Fatalf("expected session id stamped on entries")
	}
	if len(logger.lines) != 2 || !strings.Contains(logger.lines[0], "disk full") {
		t.Fatalf("expected backend failures logged, got %v", logger.lines)
	}
}

func TestLogRestore(t *testing.T) {
	backend := NewInMemoryBackend()
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	_ = backend.Append(context.Background(), sampleEntry("late", "s1", at.Add(time.Minute)))
	_ = backend.Append(context.Background(), sampleEntry("early", "s1", at))
	log := NewLog("s1", backend, nil)
	if err := log.Restore(context.Background()); err != nil {
		t.Fatalf("restore failed: %v", err)
	}
	entries := log.Entries()
	if len(entries) != 2 || entries[0].ID != "early" {
		t.Fatalf("expected restored entries in time order, got %+v", entries)
	}
}

func TestPostgresIntegrationRunLog(t *testing.T) {
	dsn := strings.TrimSpace(os.Getenv("RELAYNOTE_TEST_POSTGRES_DSN"))
	if dsn == "" {
		t.Skip("set RELAYNOTE_TEST_POSTGRES_DSN to run Postgres integration tests")
	}
	backend, err := NewPostgresBackend(dsn)
	if err != nil {
		t.Fatalf("new postgres backend: %v", err)
	}
	backend.tableName = fmt.Sprintf("relaynote_run_log_it_%d", time.Now().UnixNano())
	t.Cleanup(func() {
		_ = backend.Close()
		db, err := sql.Open("postgres", dsn)
		if err != nil {
			return
		}
		defer db.Close()
		_, _ = db.Exec("DROP TABLE IF EXISTS " + quoteIdentifier(backend.tableName))
	})
	exerciseBackend(t, backend)
}
