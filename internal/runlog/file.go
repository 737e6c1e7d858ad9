package runlog

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

type fileState struct {
	Entries []Entry `json:"entries"`
}

// JSONFileBackend keeps every entry in one JSON document, rewritten
// atomically on each append.
type JSONFileBackend struct {
	path    string
	mu      sync.Mutex
	entries []Entry
}

func NewJSONFileBackend(path string) (*JSONFileBackend, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	b := &JSONFileBackend{path: path}
	if err := b.load(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *JSONFileBackend) Append(_ context.Context, entry Entry) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = append(b.entries, entry)
	if err := b.persistLocked(); err != nil {
		b.entries = b.entries[:len(b.entries)-1]
		return err
	}
	return nil
}

func (b *JSONFileBackend) List(_ context.Context, sessionID string) ([]Entry, error) {
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

func (b *JSONFileBackend) Close() error {
	return nil
}

func (b *JSONFileBackend) load() error {
	data, err := os.ReadFile(b.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	if len(data) == 0 {
		return nil
	}
	var state fileState
	if err := json.Unmarshal(data, &state); err != nil {
		return err
	}
	b.entries = state.Entries
	return nil
}

func (b *JSONFileBackend) persistLocked() error {
	data, err := json.Marshal(fileState{Entries: b.entries})
	if err != nil {
		return err
	}
	dir := filepath.Dir(b.path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := b.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, b.path)
}
