package crdt

import (
	"bytes"
	"testing"
	"unicode/utf8"

	"pgregory.net/rapid"
)

type editStep struct {
	index  int
	delete int
	insert string
}

func drawEdits(t *rapid.T, label string) []editStep {
	n := rapid.IntRange(1, 8).Draw(t, label+"_count")
	steps := make([]editStep, 0, n)
	for i := 0; i < n; i++ {
		steps = append(steps, editStep{
			index:  rapid.IntRange(0, 40).Draw(t, label+"_index"),
			delete: rapid.IntRange(0, 4).Draw(t, label+"_delete"),
			insert: rapid.StringMatching(`[a-z ]{0,6}`).Draw(t, label+"_insert"),
		})
	}
	return steps
}

// applyClamped runs steps against doc, clamping indexes to the current text so
// every drawn step is a valid edit.
func applyClamped(doc *Doc, blockID string, steps []editStep) []Update {
	updates := make([]Update, 0, len(steps))
	for _, step := range steps {
		length := utf8.RuneCountInString(doc.Text(blockID))
		index := step.index
		if index > length {
			index = length
		}
		del := step.delete
		if index+del > length {
			del = length - index
		}
		u, err := doc.Edit(blockID, index, del, step.insert)
		if err != nil {
			panic(err)
		}
		updates = append(updates, u)
	}
	return updates
}

func testMergeCommutes_Properties(t *rapid.T) {
	base := NewDoc(1)
	_, _ = base.Edit("b1", 0, 0, rapid.StringMatching(`[a-z]{0,10}`).Draw(t, "base"))
	seed := base.Snapshot()

	alice := NewDoc(100)
	bob := NewDoc(200)
	alice.Apply(seed)
	bob.Apply(seed)

	fromAlice := applyClamped(alice, "b1", drawEdits(t, "alice"))
	fromBob := applyClamped(bob, "b1", drawEdits(t, "bob"))

	// Deliver in opposite orders, and out of order, to show arrival order is irrelevant.
	for i := len(fromBob) - 1; i >= 0; i-- {
		alice.Apply(fromBob[i])
	}
	for _, u := range fromAlice {
		bob.Apply(u)
	}

	if alice.Text("b1") != bob.Text("b1") {
		t.Fatalf("divergence: alice=%q bob=%q", alice.Text("b1"), bob.Text("b1"))
	}
	if !bytes.Equal(alice.EncodeState(), bob.EncodeState()) {
		t.Fatalf("converged text but different document state")
	}
}

func TestMergeCommutes_Properties(t *testing.T) {
	t.Parallel()
	rapid.Check(t, testMergeCommutes_Properties)
}

func testSnapshotIdempotent_Properties(t *rapid.T) {
	source := NewDoc(7)
	applyClamped(source, "b1", drawEdits(t, "b1"))
	applyClamped(source, "b2", drawEdits(t, "b2"))
	snapshot := source.EncodeState()

	target := NewDoc(8)
	if _, err := target.ApplyEncoded(snapshot); err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	once := target.EncodeState()
	if _, err := target.ApplyEncoded(snapshot); err != nil {
		t.Fatalf("reapply failed: %v", err)
	}
	if !bytes.Equal(once, target.EncodeState()) {
		t.Fatalf("snapshot applied twice changed document state")
	}
	if target.Text("b1") != source.Text("b1") || target.Text("b2") != source.Text("b2") {
		t.Fatalf("snapshot did not reproduce source text")
	}
}

func TestSnapshotIdempotent_Properties(t *testing.T) {
	t.Parallel()
	rapid.Check(t, testSnapshotIdempotent_Properties)
}

func FuzzMergeCommutes_Properties(f *testing.F) {
	f.Add([]byte{0x00})
	f.Fuzz(rapid.MakeFuzz(testMergeCommutes_Properties))
}
