package contentsync

import (
	"errors"
	"testing"

	"github.com/agentworkforce/relaynote/internal/crdt"
)

func TestDiffFindsSmallestRange(t *testing.T) {
	cases := []struct {
		before, after string
		index, del    int
		insert        string
	}{
		{"hello", "hello", 5, 0, ""},
		{"hello", "help", 3, 2, "p"},
		{"print(x)", "print(xy)", 7, 0, "y"},
		{"abc", "", 0, 3, ""},
		{"", "abc", 0, 0, "abc"},
		{"aaa", "aa", 2, 1, ""},
		{"héllo", "hëllo", 1, 1, "ë"},
	}
	for _, tc := range cases {
		index, del, insert := diff(tc.before, tc.after)
		if index != tc.index || del != tc.del || insert != tc.insert {
			t.Fatalf("diff(%q, %q) = (%d, %d, %q), want (%d, %d, %q)",
				tc.before, tc.after, index, del, insert, tc.index, tc.del, tc.insert)
		}
	}
}

func TestApplyLocalEditIsIncremental(t *testing.T) {
	layer := NewLayer(1)
	if _, err := layer.ApplyLocalEdit("nb1", "b1", "print(x)"); err != nil {
		t.Fatalf("initial edit failed: %v", err)
	}
	u, err := layer.ApplyLocalEdit("nb1", "b1", "print(x + 1)")
	if err != nil {
		t.Fatalf("edit failed: %v", err)
	}
	if len(u.Deletes) != 0 || len(u.Inserts) != 4 {
		t.Fatalf("expected 4 inserted runes and no deletes, got %d inserts %d deletes", len(u.Inserts), len(u.Deletes))
	}
	if got := layer.Text("nb1", "b1"); got != "print(x + 1)" {
		t.Fatalf("unexpected text %q", got)
	}
}

func TestConcurrentLocalEditsMerge(t *testing.T) {
	alice := NewLayer(1)
	bob := NewLayer(2)
	seed, _ := alice.ApplyLocalEdit("nb1", "b1", "x=1")
	bob.Document("nb1").Apply(seed)

	fromAlice, _ := alice.ApplyLocalEdit("nb1", "b1", "x=10")
	fromBob, _ := bob.ApplyLocalEdit("nb1", "b1", "y=1")

	alice.Document("nb1").Apply(fromBob)
	bob.Document("nb1").Apply(fromAlice)
	if alice.Text("nb1", "b1") != bob.Text("nb1", "b1") {
		t.Fatalf("expected convergence, alice=%q bob=%q", alice.Text("nb1", "b1"), bob.Text("nb1", "b1"))
	}
	if alice.Text("nb1", "b1") != "y=10" {
		t.Fatalf("expected both edits kept, got %q", alice.Text("nb1", "b1"))
	}
}

func TestImportSnapshotTwiceChangesNothing(t *testing.T) {
	source := NewLayer(1)
	_, _ = source.ApplyLocalEdit("nb1", "b1", "x=1")
	_, _ = source.ApplyLocalEdit("nb1", "b2", "print(x)")
	encoded, err := source.ExportSnapshot("nb1")
	if err != nil {
		t.Fatalf("export failed: %v", err)
	}

	target := NewLayer(2)
	if _, err := target.ImportSnapshot("nb1", encoded); err != nil {
		t.Fatalf("import failed: %v", err)
	}
	first, _ := target.ExportSnapshot("nb1")
	changed, err := target.ImportSnapshot("nb1", encoded)
	if err != nil {
		t.Fatalf("second import failed: %v", err)
	}
	second, _ := target.ExportSnapshot("nb1")
	if len(changed) != 0 || first != second {
		t.Fatalf("expected second import to be a no-op, changed=%v", changed)
	}
	if _, err := target.ImportSnapshot("nb1", "!!!"); !errors.Is(err, crdt.ErrMalformedUpdate) {
		t.Fatalf("expected malformed snapshot error, got %v", err)
	}
}

func TestExportUnknownNotebook(t *testing.T) {
	layer := NewLayer(1)
	if _, err := layer.ExportSnapshot("missing"); !errors.Is(err, ErrUnknownNotebook) {
		t.Fatalf("expected unknown notebook error, got %v", err)
	}
}

func TestFocusKeepsSingleListener(t *testing.T) {
	layer := NewLayer(1)
	var first, second int
	layer.Focus("nb1", "b1", func(string) { first++ })
	layer.Focus("nb1", "b2", func(string) { second++ })
	_, _ = layer.ApplyLocalEdit("nb1", "b1", "a")
	_, _ = layer.ApplyLocalEdit("nb1", "b2", "b")

	if first != 0 {
		t.Fatalf("expected disposed listener to stay silent, fired %d times", first)
	}
	if second != 1 {
		t.Fatalf("expected focused listener to fire once, fired %d times", second)
	}
	doc := layer.Document("nb1")
	if doc.ObserverCount("b1") != 0 || doc.ObserverCount("b2") != 1 {
		t.Fatalf("expected exactly one observer on b2")
	}
	layer.Unfocus()
	if doc.ObserverCount("b2") != 0 {
		t.Fatalf("expected unfocus to detach")
	}
}

func TestApplyRemoteOnlyForLiveNotebook(t *testing.T) {
	peer := NewLayer(2)
	u, _ := peer.ApplyLocalEdit("nb1", "b1", "hi")
	data := crdt.EncodeUpdate(u)

	layer := NewLayer(1)
	if _, err := layer.ApplyRemote("nb1", data); !errors.Is(err, ErrNotLive) {
		t.Fatalf("expected not live error, got %v", err)
	}
	layer.SetLive("nb1")
	changed, err := layer.ApplyRemote("nb1", data)
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if len(changed) != 1 || layer.Text("nb1", "b1") != "hi" {
		t.Fatalf("expected b1 to change to hi, got %v %q", changed, layer.Text("nb1", "b1"))
	}
}

func TestApplyRemoteMergesIntoLoadingNotebook(t *testing.T) {
	peer := NewLayer(2)
	first, _ := peer.ApplyLocalEdit("nb2", "b1", "x=1")
	second, _ := peer.ApplyLocalEdit("nb2", "b1", "x=10")

	layer := NewLayer(1)
	layer.SetLive("nb1")
	layer.SetLoading("nb2")
	for _, u := range []crdt.Update{first, second} {
		if _, err := layer.ApplyRemote("nb2", crdt.EncodeUpdate(u)); err != nil {
			t.Fatalf("apply to loading notebook: %v", err)
		}
	}
	if got := layer.Text("nb2", "b1"); got != "x=10" {
		t.Fatalf("expected loading document to merge, got %q", got)
	}
	if _, err := layer.ApplyRemote("nb3", crdt.EncodeUpdate(first)); !errors.Is(err, ErrNotLive) {
		t.Fatalf("expected other notebooks refused, got %v", err)
	}

	layer.SetLive("nb2")
	layer.SetLoading("")
	if _, err := layer.ApplyRemote("nb1", crdt.EncodeUpdate(first)); !errors.Is(err, ErrNotLive) {
		t.Fatalf("expected previous live notebook refused, got %v", err)
	}
}

func TestReplaceTextRevivesRemovedBlock(t *testing.T) {
	layer := NewLayer(1)
	if _, err := layer.ApplyLocalEdit("nb1", "b1", "old"); err != nil {
		t.Fatalf("edit: %v", err)
	}
	layer.RemoveText("nb1", "b1")
	u, err := layer.ReplaceText("nb1", "b1", "restored")
	if err != nil {
		t.Fatalf("replace removed text: %v", err)
	}
	if len(u.Lifecycle) != 1 || u.Lifecycle[0].Removed {
		t.Fatalf("expected a revival in the update, got %+v", u.Lifecycle)
	}

	peer := NewLayer(2)
	peer.SetLive("nb1")
	snapshot, _ := layer.ExportSnapshot("nb1")
	if _, err := peer.ImportSnapshot("nb1", snapshot); err != nil {
		t.Fatalf("import: %v", err)
	}
	if got := peer.Text("nb1", "b1"); got != "restored" {
		t.Fatalf("expected peer to see revived text, got %q", got)
	}
}

func TestDropClearsDocumentFocusAndLive(t *testing.T) {
	layer := NewLayer(1)
	layer.SetLive("nb1")
	layer.Focus("nb1", "b1", func(string) {})
	layer.Drop("nb1")
	if _, ok := layer.Lookup("nb1"); ok {
		t.Fatalf("expected document dropped")
	}
	if layer.Live() != "" {
		t.Fatalf("expected live cleared")
	}
	if _, _, ok := layer.Focused(); ok {
		t.Fatalf("expected focus cleared")
	}
}

func TestGetOrCreateTextReportsCreation(t *testing.T) {
	layer := NewLayer(1)
	unit, u, err := layer.GetOrCreateText("nb1", "b1")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if u.IsEmpty() || unit.String() != "" {
		t.Fatalf("expected creation update and empty text")
	}
	_, u, _ = layer.GetOrCreateText("nb1", "b1")
	if !u.IsEmpty() {
		t.Fatalf("expected no update for existing text")
	}
}
