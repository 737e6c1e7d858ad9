package crdt

import (
	"sort"
	"strings"
)

// ID identifies one inserted character. Clock is a Lamport clock, so an item
// always carries a larger clock than the item it was inserted after.
type ID struct {
	Clock  uint64
	Client uint64
}

func (id ID) IsZero() bool {
	return id.Clock == 0 && id.Client == 0
}

// After reports whether id sorts after other in the total order used to
// break ties between concurrent inserts at the same origin.
func (id ID) After(other ID) bool {
	if id.Clock != other.Clock {
		return id.Clock > other.Clock
	}
	return id.Client > other.Client
}

type item struct {
	id      ID
	origin  ID
	value   rune
	deleted bool
}

// Text is a replicated growable array of runes. Deleted runes stay in place
// as tombstones so concurrent inserts can still find their origin.
type Text struct {
	items          []*item
	index          map[ID]*item
	pendingInserts map[ID]InsertOp
	pendingDeletes map[ID]struct{}
}

func newText() *Text {
	return &Text{
		index:          map[ID]*item{},
		pendingInserts: map[ID]InsertOp{},
		pendingDeletes: map[ID]struct{}{},
	}
}

func (t *Text) String() string {
	var b strings.Builder
	for _, it := range t.items {
		if !it.deleted {
			b.WriteRune(it.value)
		}
	}
	return b.String()
}

func (t *Text) Len() int {
	n := 0
	for _, it := range t.items {
		if !it.deleted {
			n++
		}
	}
	return n
}

func (t *Text) position(id ID) int {
	for i, it := range t.items {
		if it.id == id {
			return i
		}
	}
	return -1
}

// integrate places op into the sequence. It returns false when the origin is
// not known yet; the caller keeps the op pending.
func (t *Text) integrate(op InsertOp) bool {
	if _, ok := t.index[op.ID]; ok {
		return true
	}
	pos := 0
	if !op.Origin.IsZero() {
		origin, ok := t.index[op.Origin]
		if !ok {
			return false
		}
		pos = t.position(origin.id) + 1
	}
	for pos < len(t.items) && t.items[pos].id.After(op.ID) {
		pos++
	}
	it := &item{id: op.ID, origin: op.Origin, value: op.Value}
	if _, ok := t.pendingDeletes[op.ID]; ok {
		it.deleted = true
		delete(t.pendingDeletes, op.ID)
	}
	t.items = append(t.items, nil)
	copy(t.items[pos+1:], t.items[pos:])
	t.items[pos] = it
	t.index[op.ID] = it
	return true
}

func (t *Text) applyInsert(op InsertOp) bool {
	if _, ok := t.index[op.ID]; ok {
		return false
	}
	if !t.integrate(op) {
		t.pendingInserts[op.ID] = op
		return false
	}
	t.drainPending()
	return true
}

func (t *Text) drainPending() {
	for len(t.pendingInserts) > 0 {
		progressed := false
		for _, id := range sortedIDs(t.pendingInserts) {
			if t.integrate(t.pendingInserts[id]) {
				delete(t.pendingInserts, id)
				progressed = true
			}
		}
		if !progressed {
			return
		}
	}
}

func (t *Text) applyDelete(id ID) bool {
	it, ok := t.index[id]
	if !ok {
		t.pendingDeletes[id] = struct{}{}
		return false
	}
	if it.deleted {
		return false
	}
	it.deleted = true
	return true
}

// visibleAt returns the item holding the visible rune at index, or nil.
func (t *Text) visibleAt(index int) *item {
	n := 0
	for _, it := range t.items {
		if it.deleted {
			continue
		}
		if n == index {
			return it
		}
		n++
	}
	return nil
}

func (t *Text) visibleRange(index, count int) []*item {
	out := make([]*item, 0, count)
	n := 0
	for _, it := range t.items {
		if it.deleted {
			continue
		}
		if n >= index && n < index+count {
			out = append(out, it)
		}
		n++
		if n >= index+count {
			break
		}
	}
	return out
}

func (t *Text) deletedIDs() []ID {
	out := []ID{}
	for _, it := range t.items {
		if it.deleted {
			out = append(out, it.id)
		}
	}
	for id := range t.pendingDeletes {
		out = append(out, id)
	}
	return out
}

func sortedIDs(m map[ID]InsertOp) []ID {
	ids := make([]ID, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[j].After(ids[i]) })
	return ids
}
