package directory

import "testing"

func TestDirectoryTracksServerEvents(t *testing.T) {
	dir := New()
	dir.Replace([]Notebook{{ID: "nb2", Title: "Beta"}, {ID: "nb1", Title: "Alpha"}, {ID: "", Title: "bogus"}})
	if dir.Len() != 2 {
		t.Fatalf("expected blank ids to be skipped, got %d notebooks", dir.Len())
	}

	dir.Upsert(Notebook{ID: "nb3", Title: "Alpha"})
	if !dir.Rename("nb2", "Aardvark") {
		t.Fatalf("expected rename to succeed")
	}
	if dir.Rename("missing", "x") {
		t.Fatalf("expected rename of unknown notebook to fail")
	}

	list := dir.List()
	want := []string{"nb2", "nb1", "nb3"}
	for i, id := range want {
		if list[i].ID != id {
			t.Fatalf("expected order %v, got %+v", want, list)
		}
	}

	if !dir.Remove("nb1") || dir.Remove("nb1") {
		t.Fatalf("expected remove to succeed exactly once")
	}
	if _, ok := dir.Get("nb1"); ok {
		t.Fatalf("expected nb1 gone")
	}
}
