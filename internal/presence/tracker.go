// Package presence tracks who else is looking at the active notebook and
// publishes where the local user's cursor is.
package presence

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

var ErrPresence = errors.New("presence broadcast failed")

type PresenceError struct {
	NotebookID string
	Err        error
}

func (e *PresenceError) Error() string {
	return fmt.Sprintf("presence for notebook %s: %v", e.NotebookID, e.Err)
}

func (e *PresenceError) Is(target error) bool {
	return target == ErrPresence
}

func (e *PresenceError) Unwrap() error {
	return e.Err
}

type Record struct {
	ConnectionID   string    `json:"connectionId"`
	UserID         string    `json:"userId"`
	UserEmail      string    `json:"userEmail"`
	NotebookID     string    `json:"notebookId,omitempty"`
	CursorBlockID  *string   `json:"cursorBlockId,omitempty"`
	CursorPosition *int      `json:"cursorPosition,omitempty"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

type Identity struct {
	UserID    string
	UserEmail string
}

// State is what one client publishes about itself.
type State struct {
	UserID     string  `json:"userId"`
	UserEmail  string  `json:"userEmail"`
	NotebookID string  `json:"notebookId"`
	BlockID    *string `json:"blockId"`
	Cursor     *int    `json:"cursor,omitempty"`
}

type Broadcaster interface {
	BroadcastPresence(ctx context.Context, state State) error
}

type Logger interface {
	Printf(format string, args ...any)
}

type Options struct {
	Broadcaster Broadcaster
	// Limiter throttles outgoing broadcasts. Nil means 10 per second, burst 1.
	Limiter *rate.Limiter
	Logger  Logger
	// OnError is called for every broadcast failure after it is logged.
	OnError func(error)
}

type Tracker struct {
	mu       sync.Mutex
	records  map[string][]Record
	active   string
	loading  string
	identity *Identity
	latest   *State

	broadcaster Broadcaster
	limiter     *rate.Limiter
	flight      singleflight.Group
	logger      Logger
	onError     func(error)
}

const flightKey = "presence"

func NewTracker(opts Options) *Tracker {
	limiter := opts.Limiter
	if limiter == nil {
		limiter = rate.NewLimiter(rate.Every(100*time.Millisecond), 1)
	}
	return &Tracker{
		records:     map[string][]Record{},
		broadcaster: opts.Broadcaster,
		limiter:     limiter,
		logger:      opts.Logger,
		onError:     opts.OnError,
	}
}

// SetIdentity sets the authenticated local user. Nil means unauthenticated.
func (t *Tracker) SetIdentity(identity *Identity) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if identity == nil {
		t.identity = nil
		t.latest = nil
		return
	}
	copied := *identity
	t.identity = &copied
}

// SetActive switches the notebook presence is published for and drops
// records of every other notebook.
func (t *Tracker) SetActive(notebookID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.active = notebookID
	if t.loading == notebookID {
		t.loading = ""
	}
	t.retainLocked(notebookID)
	if t.latest != nil && t.latest.NotebookID != notebookID {
		t.latest = nil
	}
}

// SetLoading accepts awareness snapshots for notebookID while it loads so
// peers' cursors are known once it becomes active. An empty id clears it.
func (t *Tracker) SetLoading(notebookID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.loading != "" && t.loading != notebookID && t.loading != t.active {
		delete(t.records, t.loading)
	}
	t.loading = notebookID
}

func (t *Tracker) Active() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active
}

// SetLocal publishes the local cursor. It does nothing when no notebook is
// active or no user is authenticated. Concurrent calls share one in-flight
// broadcast and the newest state is sent after it completes.
func (t *Tracker) SetLocal(ctx context.Context, blockID *string, cursor *int) error {
	t.mu.Lock()
	if t.active == "" || t.identity == nil || t.broadcaster == nil {
		t.mu.Unlock()
		return nil
	}
	state := State{
		UserID:     t.identity.UserID,
		UserEmail:  t.identity.UserEmail,
		NotebookID: t.active,
		BlockID:    cloneString(blockID),
		Cursor:     cloneInt(cursor),
	}
	t.latest = &state
	t.mu.Unlock()
	return t.flush(ctx)
}

func (t *Tracker) flush(ctx context.Context) error {
	for {
		_, err, _ := t.flight.Do(flightKey, func() (any, error) {
			return nil, t.drain(ctx)
		})
		if err != nil {
			return err
		}
		t.mu.Lock()
		more := t.latest != nil
		t.mu.Unlock()
		if !more {
			return nil
		}
	}
}

func (t *Tracker) drain(ctx context.Context) error {
	for {
		t.mu.Lock()
		state := t.latest
		t.latest = nil
		t.mu.Unlock()
		if state == nil {
			return nil
		}
		if err := t.limiter.Wait(ctx); err != nil {
			return t.fail(state.NotebookID, err)
		}
		if err := t.broadcaster.BroadcastPresence(ctx, *state); err != nil {
			return t.fail(state.NotebookID, err)
		}
	}
}

func (t *Tracker) fail(notebookID string, err error) error {
	perr := &PresenceError{NotebookID: notebookID, Err: err}
	t.logf("presence broadcast failed: %v", perr)
	if t.onError != nil {
		t.onError(perr)
	}
	return perr
}

// ReplaceAll installs a full awareness snapshot for notebookID. Snapshots for
// a notebook other than the active or loading one are ignored. Entries
// sharing a (userId, userEmail) identity collapse to the most recently
// updated one.
func (t *Tracker) ReplaceAll(notebookID string, records []Record) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.active != "" && notebookID != t.active && notebookID != t.loading {
		return false
	}
	filtered := make([]Record, 0, len(records))
	for _, r := range records {
		if r.NotebookID != "" && r.NotebookID != notebookID {
			continue
		}
		r.NotebookID = notebookID
		filtered = append(filtered, r)
	}
	t.records[notebookID] = Dedupe(filtered)
	return true
}

// Dedupe collapses records by identity. The newest UpdatedAt wins; equal
// timestamps fall back to the greater connection id.
func Dedupe(records []Record) []Record {
	best := make(map[Identity]Record, len(records))
	for _, r := range records {
		key := Identity{UserID: r.UserID, UserEmail: r.UserEmail}
		current, ok := best[key]
		if !ok || newer(r, current) {
			best[key] = r
		}
	}
	out := make([]Record, 0, len(best))
	for _, r := range best {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UserEmail != out[j].UserEmail {
			return out[i].UserEmail < out[j].UserEmail
		}
		return out[i].UserID < out[j].UserID
	})
	return out
}

func newer(a, b Record) bool {
	if !a.UpdatedAt.Equal(b.UpdatedAt) {
		return a.UpdatedAt.After(b.UpdatedAt)
	}
	return a.ConnectionID > b.ConnectionID
}

func (t *Tracker) Visible(notebookID string) []Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	return cloneRecords(t.records[notebookID])
}

// Others is Visible without the local user.
func (t *Tracker) Others(notebookID string) []Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Record, 0, len(t.records[notebookID]))
	for _, r := range t.records[notebookID] {
		if t.identity != nil && r.UserID == t.identity.UserID && r.UserEmail == t.identity.UserEmail {
			continue
		}
		out = append(out, r)
	}
	return out
}

func (t *Tracker) RetainOnly(notebookID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.retainLocked(notebookID)
}

// Forget drops a notebook's records, for example after it is deleted.
func (t *Tracker) Forget(notebookID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.records, notebookID)
	if t.loading == notebookID {
		t.loading = ""
	}
	if t.active == notebookID {
		t.active = ""
		t.latest = nil
	}
}

func (t *Tracker) NotebookCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.records)
}

func (t *Tracker) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.records = map[string][]Record{}
	t.active = ""
	t.loading = ""
	t.latest = nil
}

func (t *Tracker) retainLocked(notebookID string) {
	for id := range t.records {
		if id != notebookID && id != t.loading {
			delete(t.records, id)
		}
	}
}

func (t *Tracker) logf(format string, args ...any) {
	if t.logger == nil {
		return
	}
	t.logger.Printf(format, args...)
}

func cloneRecords(in []Record) []Record {
	out := make([]Record, len(in))
	copy(out, in)
	return out
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneInt(n *int) *int {
	if n == nil {
		return nil
	}
	v := *n
	return &v
}
