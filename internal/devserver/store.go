package devserver

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentworkforce/relaynote/internal/crdt"
	"github.com/agentworkforce/relaynote/internal/directory"
	"github.com/agentworkforce/relaynote/internal/remote"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidInput = errors.New("invalid input")
)

// serverClientID is the CRDT client id of edits the server makes itself,
// such as milestone restores.
const serverClientID = 1

// Store is the in-memory state of every room: notebooks with their
// documents and block metadata, and milestones.
type Store struct {
	mu    sync.Mutex
	rooms map[string]*roomState
	now   func() time.Time
	newID func() string
}

type roomState struct {
	notebooks  map[string]*notebookState
	milestones []remote.Milestone
}

type notebookState struct {
	ID     string
	Title  string
	doc    *crdt.Doc
	blocks []remote.BlockMeta
}

func NewStore() *Store {
	return &Store{
		rooms: map[string]*roomState{},
		now:   func() time.Time { return time.Now().UTC() },
		newID: uuid.NewString,
	}
}

func (s *Store) roomLocked(room string) *roomState {
	r, ok := s.rooms[room]
	if !ok {
		r = &roomState{notebooks: map[string]*notebookState{}}
		s.rooms[room] = r
	}
	return r
}

func (s *Store) notebookLocked(room, notebookID string) (*notebookState, error) {
	nb, ok := s.roomLocked(room).notebooks[notebookID]
	if !ok {
		return nil, fmt.Errorf("%w: notebook %s", ErrNotFound, notebookID)
	}
	return nb, nil
}

func (s *Store) Notebooks(room string) []directory.Notebook {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]directory.Notebook, 0, len(s.roomLocked(room).notebooks))
	for _, nb := range s.roomLocked(room).notebooks {
		out = append(out, directory.Notebook{ID: nb.ID, Title: nb.Title})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Store) CreateNotebook(room, title string) (directory.Notebook, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return directory.Notebook{}, fmt.Errorf("%w: title is required", ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	nb := &notebookState{ID: s.newID(), Title: title, doc: crdt.NewDoc(serverClientID)}
	s.roomLocked(room).notebooks[nb.ID] = nb
	return directory.Notebook{ID: nb.ID, Title: nb.Title}, nil
}

func (s *Store) RenameNotebook(room, notebookID, title string) (directory.Notebook, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return directory.Notebook{}, fmt.Errorf("%w: title is required", ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	nb, err := s.notebookLocked(room, notebookID)
	if err != nil {
		return directory.Notebook{}, err
	}
	nb.Title = title
	return directory.Notebook{ID: nb.ID, Title: nb.Title}, nil
}

func (s *Store) DeleteNotebook(room, notebookID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.notebookLocked(room, notebookID); err != nil {
		return err
	}
	delete(s.roomLocked(room).notebooks, notebookID)
	return nil
}

// State is the base64 snapshot of a notebook's document.
func (s *Store) State(room, notebookID string) (string, error) {
	s.mu.Lock()
	nb, err := s.notebookLocked(room, notebookID)
	s.mu.Unlock()
	if err != nil {
		return "", err
	}
	return crdt.EncodeBase64(nb.doc.Snapshot()), nil
}

func (s *Store) Blocks(room, notebookID string) ([]remote.BlockMeta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	nb, err := s.notebookLocked(room, notebookID)
	if err != nil {
		return nil, err
	}
	return append([]remote.BlockMeta(nil), nb.blocks...), nil
}

// CreateBlock inserts block metadata at position, clamped to the list, and
// returns the stored block.
func (s *Store) CreateBlock(room, notebookID, blockID, language string, position int) (remote.BlockMeta, error) {
	if strings.TrimSpace(blockID) == "" {
		return remote.BlockMeta{}, fmt.Errorf("%w: block id is required", ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	nb, err := s.notebookLocked(room, notebookID)
	if err != nil {
		return remote.BlockMeta{}, err
	}
	for _, b := range nb.blocks {
		if b.ID == blockID {
			return remote.BlockMeta{}, fmt.Errorf("%w: block %s exists", ErrInvalidInput, blockID)
		}
	}
	now := s.now()
	meta := remote.BlockMeta{ID: blockID, Language: language, CreatedAt: now, UpdatedAt: now}
	nb.blocks = insertMeta(nb.blocks, meta, position)
	return nb.blocks[indexOf(nb.blocks, blockID)], nil
}

func (s *Store) MoveBlock(room, notebookID, blockID string, position int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	nb, err := s.notebookLocked(room, notebookID)
	if err != nil {
		return 0, err
	}
	idx := indexOf(nb.blocks, blockID)
	if idx < 0 {
		return 0, fmt.Errorf("%w: block %s", ErrNotFound, blockID)
	}
	meta := nb.blocks[idx]
	meta.UpdatedAt = s.now()
	rest := append(nb.blocks[:idx:idx], nb.blocks[idx+1:]...)
	nb.blocks = insertMeta(rest, meta, position)
	return indexOf(nb.blocks, blockID), nil
}

func (s *Store) DeleteBlock(room, notebookID, blockID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	nb, err := s.notebookLocked(room, notebookID)
	if err != nil {
		return err
	}
	idx := indexOf(nb.blocks, blockID)
	if idx < 0 {
		return fmt.Errorf("%w: block %s", ErrNotFound, blockID)
	}
	nb.blocks = append(nb.blocks[:idx:idx], nb.blocks[idx+1:]...)
	renumber(nb.blocks)
	nb.doc.Remove(blockID)
	return nil
}

// ApplyUpdate merges a client's encoded update into the notebook document.
func (s *Store) ApplyUpdate(room, notebookID string, data []byte) error {
	s.mu.Lock()
	nb, err := s.notebookLocked(room, notebookID)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	if _, err := nb.doc.ApplyEncoded(data); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return nil
}

// Text returns the merged text of a block.
func (s *Store) Text(room, notebookID, blockID string) string {
	s.mu.Lock()
	nb, err := s.notebookLocked(room, notebookID)
	s.mu.Unlock()
	if err != nil {
		return ""
	}
	return nb.doc.Text(blockID)
}

func (s *Store) Milestones(room string) []remote.Milestone {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]remote.Milestone, 0, len(s.roomLocked(room).milestones))
	for _, m := range s.roomLocked(room).milestones {
		m.Snapshot = nil
		out = append(out, m)
	}
	return out
}

func (s *Store) Milestone(room, id string) (remote.Milestone, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.roomLocked(room).milestones {
		if m.ID == id {
			return m, nil
		}
	}
	return remote.Milestone{}, fmt.Errorf("%w: milestone %s", ErrNotFound, id)
}

// CreateMilestone records in. An input without blocks snapshots the named
// notebook as it is now.
func (s *Store) CreateMilestone(room string, in remote.MilestoneInput) (remote.Milestone, error) {
	if strings.TrimSpace(in.Name) == "" {
		return remote.Milestone{}, fmt.Errorf("%w: name is required", ErrInvalidInput)
	}
	switch in.Kind {
	case "":
		in.Kind = remote.KindMilestone
	case remote.KindMilestone, remote.KindCommit:
	default:
		return remote.Milestone{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidInput, in.Kind)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := in.Snapshot
	if len(snap.Blocks) == 0 && snap.NotebookID != "" {
		nb, err := s.notebookLocked(room, snap.NotebookID)
		if err != nil {
			return remote.Milestone{}, err
		}
		for _, b := range nb.blocks {
			snap.Blocks = append(snap.Blocks, remote.SnapshotBlock{
				ID:       b.ID,
				Language: b.Language,
				Content:  nb.doc.Text(b.ID),
				Position: b.Position,
			})
		}
	}
	m := remote.Milestone{
		ID:        s.newID(),
		Kind:      in.Kind,
		Name:      strings.TrimSpace(in.Name),
		Notes:     in.Notes,
		CreatedAt: s.now(),
		Snapshot:  &snap,
	}
	r := s.roomLocked(room)
	r.milestones = append(r.milestones, m)
	return m, nil
}

// RestoreMilestone makes a milestone's snapshot the notebook's state. Block
// metadata is replaced; texts are written by the restoring client so peers
// receive them as updates.
func (s *Store) RestoreMilestone(room, id string) (remote.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var found *remote.Milestone
	milestones := s.roomLocked(room).milestones
	for i := range milestones {
		if milestones[i].ID == id {
			found = &milestones[i]
			break
		}
	}
	if found == nil || found.Snapshot == nil {
		return remote.Snapshot{}, fmt.Errorf("%w: milestone %s", ErrNotFound, id)
	}
	snap := *found.Snapshot
	if snap.NotebookID != "" {
		if nb, err := s.notebookLocked(room, snap.NotebookID); err == nil {
			now := s.now()
			metas := make([]remote.BlockMeta, 0, len(snap.Blocks))
			for _, b := range snap.Blocks {
				metas = append(metas, remote.BlockMeta{ID: b.ID, Language: b.Language, Position: b.Position, CreatedAt: now, UpdatedAt: now})
			}
			sort.SliceStable(metas, func(i, j int) bool { return metas[i].Position < metas[j].Position })
			renumber(metas)
			nb.blocks = metas
		}
	}
	return snap, nil
}

func insertMeta(list []remote.BlockMeta, meta remote.BlockMeta, position int) []remote.BlockMeta {
	if position < 0 {
		position = 0
	}
	if position > len(list) {
		position = len(list)
	}
	out := make([]remote.BlockMeta, 0, len(list)+1)
	out = append(out, list[:position]...)
	out = append(out, meta)
	out = append(out, list[position:]...)
	renumber(out)
	return out
}

func indexOf(list []remote.BlockMeta, id string) int {
	for i, b := range list {
		if b.ID == id {
			return i
		}
	}
	return -1
}

func renumber(list []remote.BlockMeta) {
	for i := range list {
		list[i].Position = i
	}
}
