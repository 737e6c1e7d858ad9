// Package crdt holds the merge-friendly text model behind a notebook: one Doc
// per notebook mapping block ids to independently mergeable Texts.
//
// Applying an Update is commutative, associative and idempotent, so updates
// may arrive in any order and more than once.
package crdt

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"unicode/utf8"
)

var (
	ErrRemoved    = errors.New("text removed")
	ErrOutOfRange = errors.New("edit out of range")
)

type InsertOp struct {
	Block  string
	ID     ID
	Origin ID
	Value  rune
}

type DeleteOp struct {
	Block string
	ID    ID
}

// Lifecycle is the removal state of a block's text at an epoch. The higher
// epoch wins a merge; at equal epochs a removal wins.
type Lifecycle struct {
	Block   string
	Epoch   uint64
	Removed bool
}

// Update is both the incremental delta of a local transaction and, when
// produced by Doc.Snapshot, the full state of a document.
type Update struct {
	Texts     []string
	Inserts   []InsertOp
	Deletes   []DeleteOp
	Lifecycle []Lifecycle
}

func (u Update) IsEmpty() bool {
	return len(u.Texts) == 0 && len(u.Inserts) == 0 && len(u.Deletes) == 0 && len(u.Lifecycle) == 0
}

// Merge returns one update carrying the operations of u followed by other's.
func (u Update) Merge(other Update) Update {
	return Update{
		Texts:     append(append([]string(nil), u.Texts...), other.Texts...),
		Inserts:   append(append([]InsertOp(nil), u.Inserts...), other.Inserts...),
		Deletes:   append(append([]DeleteOp(nil), u.Deletes...), other.Deletes...),
		Lifecycle: append(append([]Lifecycle(nil), u.Lifecycle...), other.Lifecycle...),
	}
}

type lifecycle struct {
	epoch   uint64
	removed bool
}

func (l lifecycle) supersedes(other lifecycle) bool {
	if l.epoch != other.epoch {
		return l.epoch > other.epoch
	}
	return l.removed && !other.removed
}

type observer struct {
	id int
	fn func(string)
}

type Doc struct {
	mu        sync.Mutex
	client    uint64
	clock     uint64
	texts     map[string]*Text
	life      map[string]lifecycle
	observers map[string][]observer
	nextObsID int
}

func NewDoc(client uint64) *Doc {
	return &Doc{
		client:    client,
		texts:     map[string]*Text{},
		life:      map[string]lifecycle{},
		observers: map[string][]observer{},
	}
}

func (d *Doc) Client() uint64 {
	return d.client
}

func (d *Doc) Has(blockID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.texts[blockID]
	return ok && !d.life[blockID].removed
}

// Text returns the current string for blockID, or "" when the block has no text.
func (d *Doc) Text(blockID string) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.life[blockID].removed {
		return ""
	}
	t, ok := d.texts[blockID]
	if !ok {
		return ""
	}
	return t.String()
}

func (d *Doc) BlockIDs() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.texts))
	for id := range d.texts {
		if d.life[id].removed {
			continue
		}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Ensure registers a text unit for blockID. The returned update is empty when
// the unit already existed.
func (d *Doc) Ensure(blockID string) (Update, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.life[blockID].removed {
		return Update{}, fmt.Errorf("%w: %s", ErrRemoved, blockID)
	}
	if _, ok := d.texts[blockID]; ok {
		return Update{}, nil
	}
	d.texts[blockID] = newText()
	return Update{Texts: []string{blockID}}, nil
}

// Edit deletes deleteCount runes at index and inserts insert in their place,
// as a single transaction.
func (d *Doc) Edit(blockID string, index, deleteCount int, insert string) (Update, error) {
	d.mu.Lock()
	if d.life[blockID].removed {
		d.mu.Unlock()
		return Update{}, fmt.Errorf("%w: %s", ErrRemoved, blockID)
	}
	u := Update{}
	t, ok := d.texts[blockID]
	if !ok {
		t = newText()
		d.texts[blockID] = t
		u.Texts = append(u.Texts, blockID)
	}
	length := t.Len()
	if index < 0 || deleteCount < 0 || index+deleteCount > length {
		d.mu.Unlock()
		return Update{}, fmt.Errorf("%w: index %d delete %d length %d", ErrOutOfRange, index, deleteCount, length)
	}
	for _, it := range t.visibleRange(index, deleteCount) {
		it.deleted = true
		u.Deletes = append(u.Deletes, DeleteOp{Block: blockID, ID: it.id})
	}
	var origin ID
	if index > 0 {
		if prev := t.visibleAt(index - 1); prev != nil {
			origin = prev.id
		}
	}
	for _, r := range insert {
		d.clock++
		op := InsertOp{Block: blockID, ID: ID{Clock: d.clock, Client: d.client}, Origin: origin, Value: r}
		t.integrate(op)
		u.Inserts = append(u.Inserts, op)
		origin = op.ID
	}
	fns := d.notifyLocked(blockID, t)
	d.mu.Unlock()
	callAll(fns)
	return u, nil
}

// Replace swaps the whole text for blockID, reviving it if it was removed.
// Reserved for bulk operations such as restore and duplicate; keystrokes go
// through Edit. On error the returned update holds what was already applied.
func (d *Doc) Replace(blockID, value string) (Update, error) {
	revived := d.Revive(blockID)
	current := d.Text(blockID)
	if current == value && !revived.IsEmpty() {
		return revived, nil
	}
	u, err := d.Edit(blockID, 0, utf8.RuneCountInString(current), value)
	if err != nil {
		return revived, err
	}
	if revived.IsEmpty() {
		return u, nil
	}
	return revived.Merge(u), nil
}

func (d *Doc) Remove(blockID string) Update {
	d.mu.Lock()
	defer d.mu.Unlock()
	current := d.life[blockID]
	if current.removed {
		return Update{}
	}
	next := lifecycle{epoch: current.epoch + 1, removed: true}
	d.life[blockID] = next
	delete(d.observers, blockID)
	return Update{Lifecycle: []Lifecycle{{Block: blockID, Epoch: next.epoch, Removed: true}}}
}

// Revive undoes the removal of blockID at a later epoch so it outlives every
// removal this document has seen. The update is empty when the text was not
// removed.
func (d *Doc) Revive(blockID string) Update {
	d.mu.Lock()
	defer d.mu.Unlock()
	current := d.life[blockID]
	if !current.removed {
		return Update{}
	}
	next := lifecycle{epoch: current.epoch + 1}
	d.life[blockID] = next
	u := Update{Lifecycle: []Lifecycle{{Block: blockID, Epoch: next.epoch}}}
	if _, ok := d.texts[blockID]; !ok {
		d.texts[blockID] = newText()
		u.Texts = []string{blockID}
	}
	return u
}

// Apply merges a remote update or snapshot and reports the blocks whose
// visible text changed.
func (d *Doc) Apply(u Update) []string {
	d.mu.Lock()
	changed := map[string]struct{}{}
	for _, l := range u.Lifecycle {
		incoming := lifecycle{epoch: l.Epoch, removed: l.Removed}
		current := d.life[l.Block]
		if !incoming.supersedes(current) {
			continue
		}
		d.life[l.Block] = incoming
		if incoming.removed {
			delete(d.observers, l.Block)
		}
		if incoming.removed != current.removed {
			changed[l.Block] = struct{}{}
		}
	}
	for _, id := range u.Texts {
		if _, ok := d.texts[id]; !ok {
			d.texts[id] = newText()
		}
	}
	for _, op := range u.Inserts {
		if op.ID.Clock > d.clock {
			d.clock = op.ID.Clock
		}
		t, ok := d.texts[op.Block]
		if !ok {
			t = newText()
			d.texts[op.Block] = t
		}
		before := t.Len()
		t.applyInsert(op)
		if t.Len() != before {
			changed[op.Block] = struct{}{}
		}
	}
	for _, op := range u.Deletes {
		t, ok := d.texts[op.Block]
		if !ok {
			t = newText()
			d.texts[op.Block] = t
		}
		if t.applyDelete(op.ID) {
			changed[op.Block] = struct{}{}
		}
	}
	out := make([]string, 0, len(changed))
	var fns []func()
	for id := range changed {
		out = append(out, id)
		if d.life[id].removed {
			continue
		}
		fns = append(fns, d.notifyLocked(id, d.texts[id])...)
	}
	d.mu.Unlock()
	callAll(fns)
	sort.Strings(out)
	return out
}

// Snapshot returns the full document state as an update. The ordering is
// deterministic so two converged documents produce identical snapshots.
func (d *Doc) Snapshot() Update {
	d.mu.Lock()
	defer d.mu.Unlock()
	u := Update{}
	blocks := make([]string, 0, len(d.texts))
	for id := range d.texts {
		blocks = append(blocks, id)
	}
	sort.Strings(blocks)
	for _, blockID := range blocks {
		t := d.texts[blockID]
		u.Texts = append(u.Texts, blockID)
		for _, it := range t.items {
			u.Inserts = append(u.Inserts, InsertOp{Block: blockID, ID: it.id, Origin: it.origin, Value: it.value})
		}
		for _, id := range sortedIDs(t.pendingInserts) {
			u.Inserts = append(u.Inserts, t.pendingInserts[id])
		}
		deleted := t.deletedIDs()
		sort.Slice(deleted, func(i, j int) bool { return deleted[j].After(deleted[i]) })
		for _, id := range deleted {
			u.Deletes = append(u.Deletes, DeleteOp{Block: blockID, ID: id})
		}
	}
	for id, l := range d.life {
		u.Lifecycle = append(u.Lifecycle, Lifecycle{Block: id, Epoch: l.epoch, Removed: l.removed})
	}
	sort.Slice(u.Lifecycle, func(i, j int) bool { return u.Lifecycle[i].Block < u.Lifecycle[j].Block })
	return u
}

func (d *Doc) EncodeState() []byte {
	return EncodeUpdate(d.Snapshot())
}

func (d *Doc) ApplyEncoded(data []byte) ([]string, error) {
	u, err := DecodeUpdate(data)
	if err != nil {
		return nil, err
	}
	return d.Apply(u), nil
}

// Observe registers fn to run after every change to blockID's visible text.
// The returned function detaches it.
func (d *Doc) Observe(blockID string, fn func(text string)) func() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextObsID++
	id := d.nextObsID
	d.observers[blockID] = append(d.observers[blockID], observer{id: id, fn: fn})
	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		list := d.observers[blockID]
		for i, o := range list {
			if o.id == id {
				d.observers[blockID] = append(list[:i:i], list[i+1:]...)
				break
			}
		}
		if len(d.observers[blockID]) == 0 {
			delete(d.observers, blockID)
		}
	}
}

func (d *Doc) ObserverCount(blockID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.observers[blockID])
}

func (d *Doc) notifyLocked(blockID string, t *Text) []func() {
	list := d.observers[blockID]
	if len(list) == 0 || t == nil {
		return nil
	}
	value := t.String()
	fns := make([]func(), 0, len(list))
	for _, o := range list {
		fn := o.fn
		fns = append(fns, func() { fn(value) })
	}
	return fns
}

func callAll(fns []func()) {
	for _, fn := range fns {
		fn()
	}
}
