// Package blockstore keeps the local, position-ordered reflection of the
// active notebook's blocks.
//
// Positions are always a dense zero-based permutation: every mutator
// renormalizes before it releases the lock, so readers never see gaps or
// duplicates. The store does not own block text; Content is a projection
// written by the content synchronization layer.
package blockstore

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound         = errors.New("block not found")
	ErrIndexOutOfRange  = errors.New("index out of range")
	ErrDuplicateBlockID = errors.New("duplicate block id")
)

type Block struct {
	ID        string    `json:"id"`
	Language  string    `json:"language"`
	Content   string    `json:"content"`
	Position  int       `json:"position"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	IsRunning bool      `json:"isRunning"`
	Output    string    `json:"output,omitempty"`
	Error     string    `json:"error,omitempty"`
	Collapsed bool      `json:"collapsed,omitempty"`
	// Pending marks an optimistic local change not yet echoed by the server.
	Pending bool `json:"-"`
}

type Options struct {
	Now   func() time.Time
	NewID func() string
}

type Store struct {
	mu          sync.Mutex
	blocks      []Block
	selected    string
	now         func() time.Time
	newID       func() string
	subscribers map[int]func([]Block)
	nextSubID   int
}

func New() *Store {
	return NewWithOptions(Options{})
}

func NewWithOptions(opts Options) *Store {
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	newID := opts.NewID
	if newID == nil {
		newID = uuid.NewString
	}
	return &Store{
		now:         now,
		newID:       newID,
		subscribers: map[int]func([]Block){},
	}
}

// SetBlocks replaces the whole list in one transition. Input order and
// position gaps do not matter; the result is sorted by position and renumbered.
func (s *Store) SetBlocks(list []Block) {
	s.mu.Lock()
	next := make([]Block, len(list))
	copy(next, list)
	sort.SliceStable(next, func(i, j int) bool { return next[i].Position < next[j].Position })
	next = dedupeByID(next)
	s.blocks = next
	renumber(s.blocks)
	if s.selected != "" && s.indexLocked(s.selected) < 0 {
		s.selected = ""
	}
	s.commitLocked()
}

// UpsertBlock inserts b, or replaces the block with the same id, at b.Position.
func (s *Store) UpsertBlock(b Block) {
	s.mu.Lock()
	if idx := s.indexLocked(b.ID); idx >= 0 {
		s.blocks = append(s.blocks[:idx], s.blocks[idx+1:]...)
	}
	s.insertLocked(b, b.Position)
	s.commitLocked()
}

// AddBlock inserts an empty block at position (nil appends) and returns its id
// so the caller can focus it immediately.
func (s *Store) AddBlock(position *int, language string) string {
	return s.Insert(Block{Language: language}, position)
}

// Insert adds b at position (nil appends). An empty b.ID is assigned.
func (s *Store) Insert(b Block, position *int) string {
	s.mu.Lock()
	if b.ID == "" {
		b.ID = s.newID()
	}
	now := s.now()
	if b.CreatedAt.IsZero() {
		b.CreatedAt = now
	}
	if b.UpdatedAt.IsZero() {
		b.UpdatedAt = now
	}
	if idx := s.indexLocked(b.ID); idx >= 0 {
		s.blocks = append(s.blocks[:idx], s.blocks[idx+1:]...)
	}
	pos := len(s.blocks)
	if position != nil {
		pos = *position
	}
	s.insertLocked(b, pos)
	id := b.ID
	s.commitLocked()
	return id
}

func (s *Store) DeleteBlock(id string) bool {
	s.mu.Lock()
	idx := s.indexLocked(id)
	if idx < 0 {
		s.mu.Unlock()
		return false
	}
	s.blocks = append(s.blocks[:idx], s.blocks[idx+1:]...)
	renumber(s.blocks)
	if s.selected == id {
		s.selected = ""
	}
	s.commitLocked()
	return true
}

func (s *Store) RemoveBlock(id string) bool {
	return s.DeleteBlock(id)
}

// ReorderBlocks moves the block at sourceIndex to destinationIndex. This is
// optimistic local feedback only; the next structural event from the server
// is authoritative.
func (s *Store) ReorderBlocks(sourceIndex, destinationIndex int) error {
	s.mu.Lock()
	n := len(s.blocks)
	if sourceIndex < 0 || sourceIndex >= n || destinationIndex < 0 || destinationIndex >= n {
		s.mu.Unlock()
		return fmt.Errorf("%w: reorder %d -> %d with %d blocks", ErrIndexOutOfRange, sourceIndex, destinationIndex, n)
	}
	if sourceIndex == destinationIndex {
		s.mu.Unlock()
		return nil
	}
	moved := s.blocks[sourceIndex]
	s.blocks = append(s.blocks[:sourceIndex], s.blocks[sourceIndex+1:]...)
	s.insertLocked(moved, destinationIndex)
	s.commitLocked()
	return nil
}

// MoveBlock places the block with id at position, clamped to the list.
func (s *Store) MoveBlock(id string, position int) error {
	s.mu.Lock()
	idx := s.indexLocked(id)
	if idx < 0 {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	moved := s.blocks[idx]
	s.blocks = append(s.blocks[:idx], s.blocks[idx+1:]...)
	s.insertLocked(moved, position)
	s.commitLocked()
	return nil
}

// DuplicateBlock clones the metadata of id into a new block placed directly
// after it. Text is not copied here; the caller writes it through the content
// layer so peers see it.
func (s *Store) DuplicateBlock(id string) (string, error) {
	return s.DuplicateBlockAs(id, "")
}

func (s *Store) DuplicateBlockAs(id, newID string) (string, error) {
	s.mu.Lock()
	idx := s.indexLocked(id)
	if idx < 0 {
		s.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if newID == "" {
		newID = s.newID()
	}
	if s.indexLocked(newID) >= 0 {
		s.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrDuplicateBlockID, newID)
	}
	src := s.blocks[idx]
	now := s.now()
	clone := Block{
		ID:        newID,
		Language:  src.Language,
		Collapsed: src.Collapsed,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.insertLocked(clone, idx+1)
	s.commitLocked()
	return newID, nil
}

func (s *Store) SetPending(id string, pending bool) bool {
	return s.update(id, func(b *Block) { b.Pending = pending })
}

func (s *Store) ConfirmPending(id string) bool {
	return s.SetPending(id, false)
}

// SetContent updates the projected text of a block. Only the content
// synchronization path calls this.
func (s *Store) SetContent(id, content string) bool {
	now := s.now()
	return s.update(id, func(b *Block) {
		if b.Content == content {
			return
		}
		b.Content = content
		b.UpdatedAt = now
	})
}

func (s *Store) Touch(id string) bool {
	now := s.now()
	return s.update(id, func(b *Block) { b.UpdatedAt = now })
}

func (s *Store) SetRunState(id string, running bool, output, errText string) bool {
	return s.update(id, func(b *Block) {
		b.IsRunning = running
		b.Output = output
		b.Error = errText
	})
}

func (s *Store) SetCollapsed(id string, collapsed bool) bool {
	return s.update(id, func(b *Block) { b.Collapsed = collapsed })
}

func (s *Store) SetLanguage(id, language string) bool {
	return s.update(id, func(b *Block) { b.Language = language })
}

func (s *Store) Select(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id != "" && s.indexLocked(id) < 0 {
		return false
	}
	s.selected = id
	return true
}

func (s *Store) SelectedBlockID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selected
}

func (s *Store) Blocks() []Block {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneBlocks(s.blocks)
}

// Ordered is Blocks under the name callers use when order matters.
func (s *Store) Ordered() []Block {
	return s.Blocks()
}

func (s *Store) Block(id string) (Block, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.indexLocked(id)
	if idx < 0 {
		return Block{}, false
	}
	return s.blocks[idx], true
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.blocks)
}

func (s *Store) Clear() {
	s.mu.Lock()
	s.blocks = nil
	s.selected = ""
	s.commitLocked()
}

// Subscribe registers fn to receive a copy of the list after every
// transition. The returned function unsubscribes.
func (s *Store) Subscribe(fn func([]Block)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSubID++
	id := s.nextSubID
	s.subscribers[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subscribers, id)
	}
}

func (s *Store) update(id string, fn func(*Block)) bool {
	s.mu.Lock()
	idx := s.indexLocked(id)
	if idx < 0 {
		s.mu.Unlock()
		return false
	}
	fn(&s.blocks[idx])
	s.commitLocked()
	return true
}

func (s *Store) insertLocked(b Block, position int) {
	if position < 0 {
		position = 0
	}
	if position > len(s.blocks) {
		position = len(s.blocks)
	}
	s.blocks = append(s.blocks, Block{})
	copy(s.blocks[position+1:], s.blocks[position:])
	s.blocks[position] = b
	renumber(s.blocks)
}

// commitLocked releases the lock and then notifies subscribers with the
// state as of the end of this transition.
func (s *Store) commitLocked() {
	if len(s.subscribers) == 0 {
		s.mu.Unlock()
		return
	}
	snapshot := cloneBlocks(s.blocks)
	fns := make([]func([]Block), 0, len(s.subscribers))
	for _, fn := range s.subscribers {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(snapshot)
	}
}

func (s *Store) indexLocked(id string) int {
	for i := range s.blocks {
		if s.blocks[i].ID == id {
			return i
		}
	}
	return -1
}

func renumber(blocks []Block) {
	for i := range blocks {
		blocks[i].Position = i
	}
}

func dedupeByID(blocks []Block) []Block {
	seen := make(map[string]int, len(blocks))
	out := blocks[:0]
	for _, b := range blocks {
		if idx, ok := seen[b.ID]; ok {
			out[idx] = b
			continue
		}
		seen[b.ID] = len(out)
		out = append(out, b)
	}
	return out
}

func cloneBlocks(in []Block) []Block {
	out := make([]Block, len(in))
	copy(out, in)
	return out
}
