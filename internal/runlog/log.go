// Package runlog is the session-local, append-only record of code runs,
// optionally persisted through a DSN-selected backend.
package runlog

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"
)

var (
	ErrInvalidInput   = errors.New("invalid input")
	ErrNotImplemented = errors.New("not implemented")
)

const (
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
	StatusStopped   = "stopped"
	StatusCancelled = "cancelled"
)

// Entry is one run. BlockID is empty for whole-notebook runs.
type Entry struct {
	ID        string        `json:"id"`
	SessionID string        `json:"sessionId"`
	BlockID   string        `json:"blockId,omitempty"`
	Command   string        `json:"command"`
	Output    string        `json:"output"`
	Error     string        `json:"error,omitempty"`
	Status    string        `json:"status"`
	Timestamp time.Time     `json:"timestamp"`
	Duration  time.Duration `json:"duration,omitempty"`
}

type Backend interface {
	Append(ctx context.Context, entry Entry) error
	List(ctx context.Context, sessionID string) ([]Entry, error)
	Close() error
}

type Logger interface {
	Printf(format string, args ...any)
}

// Log keeps entries in memory in append order and mirrors them to a backend.
// Backend failures are logged; the in-memory log is never rolled back.
type Log struct {
	mu        sync.Mutex
	sessionID string
	entries   []Entry
	backend   Backend
	logger    Logger
}

func NewLog(sessionID string, backend Backend, logger Logger) *Log {
	return &Log{
		sessionID: strings.TrimSpace(sessionID),
		backend:   backend,
		logger:    logger,
	}
}

func (l *Log) SessionID() string {
	return l.sessionID
}

// Restore loads previously persisted entries for this session.
func (l *Log) Restore(ctx context.Context) error {
	if l.backend == nil {
		return nil
	}
	entries, err := l.backend.List(ctx, l.sessionID)
	if err != nil {
		return err
	}
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].Timestamp.Before(entries[j].Timestamp) })
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = entries
	return nil
}

func (l *Log) Append(ctx context.Context, entry Entry) {
	entry.SessionID = l.sessionID
	l.mu.Lock()
	l.entries = append(l.entries, entry)
	backend := l.backend
	l.mu.Unlock()
	if backend == nil {
		return
	}
	if err := backend.Append(ctx, entry); err != nil {
		l.logf("persist run %s failed: %v", entry.ID, err)
	}
}

func (l *Log) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// ForBlock returns the entries attributed to blockID, oldest first.
func (l *Log) ForBlock(blockID string) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Entry
	for _, e := range l.entries {
		if e.BlockID == blockID {
			out = append(out, e)
		}
	}
	return out
}

func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

func (l *Log) Close() error {
	if l.backend == nil {
		return nil
	}
	return l.backend.Close()
}

func (l *Log) logf(format string, args ...any) {
	if l.logger == nil {
		return
	}
	l.logger.Printf(format, args...)
}

type InMemoryBackend struct {
	mu      sync.Mutex
	entries []Entry
}

func NewInMemoryBackend() *InMemoryBackend {
	return &InMemoryBackend{}
}

func (b *InMemoryBackend) Append(_ context.Context, entry Entry) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = append(b.entries, entry)
	return nil
}

func (b *InMemoryBackend) List(_ context.Context, sessionID string) ([]Entry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []Entry
	for _, e := range b.entries {
		if e.SessionID == sessionID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (b *InMemoryBackend) Close() error {
	return nil
}
