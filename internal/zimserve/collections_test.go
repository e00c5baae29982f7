package zimserve

import (
	"log/slog"
	"testing"
)

func newTestCollectionsStore(t *testing.T) *CollectionsStore {
	t.Helper()
	dir := t.TempDir()
	return NewCollectionsStore(dir, slog.Default())
}

func TestToggleFavoriteTwiceReturnsToOriginalState(t *testing.T) {
	t.Parallel()

	s := newTestCollectionsStore(t)
	before, _ := s.Snapshot()

	if err := s.ToggleFavorite("wikipedia"); err != nil {
		t.Fatalf("first toggle: %v", err)
	}
	if err := s.ToggleFavorite("wikipedia"); err != nil {
		t.Fatalf("second toggle: %v", err)
	}

	after, _ := s.Snapshot()
	if len(after) != len(before) {
		t.Fatalf("favorites after two toggles = %v, want back to %v", after, before)
	}
}

func TestToggleFavoriteAddsThenRemoves(t *testing.T) {
	t.Parallel()

	s := newTestCollectionsStore(t)
	if err := s.ToggleFavorite("devdocs_python"); err != nil {
		t.Fatal(err)
	}
	favs, _ := s.Snapshot()
	if len(favs) != 1 || favs[0] != "devdocs_python" {
		t.Fatalf("favorites after one toggle = %v, want [devdocs_python]", favs)
	}

	if err := s.ToggleFavorite("devdocs_python"); err != nil {
		t.Fatal(err)
	}
	favs, _ = s.Snapshot()
	if len(favs) != 0 {
		t.Fatalf("favorites after toggling off = %v, want empty", favs)
	}
}

func TestSetCollectionIdempotent(t *testing.T) {
	t.Parallel()

	s := newTestCollectionsStore(t)
	col := Collection{Label: "Science", Zims: []string{"wikipedia", "devdocs_python"}}

	if err := s.SetCollection("science", col); err != nil {
		t.Fatal(err)
	}
	if err := s.SetCollection("science", col); err != nil {
		t.Fatal(err)
	}

	_, cols := s.Snapshot()
	if len(cols) != 1 {
		t.Fatalf("expected exactly 1 collection, got %d", len(cols))
	}
	if cols["science"].Label != "Science" {
		t.Errorf("collection label = %q, want Science", cols["science"].Label)
	}
}

func TestDeleteCollectionUnknownReturnsNotFound(t *testing.T) {
	t.Parallel()

	s := newTestCollectionsStore(t)
	err := s.DeleteCollection("ghost")
	if err == nil {
		t.Fatal("expected an error deleting an unknown collection")
	}
}

func TestCollectionsStorePersistsAndReloads(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s1 := NewCollectionsStore(dir, slog.Default())
	if err := s1.SetCollection("science", Collection{Label: "Science", Zims: []string{"wikipedia"}}); err != nil {
		t.Fatal(err)
	}

	s2 := NewCollectionsStore(dir, slog.Default())
	s2.Load()
	_, cols := s2.Snapshot()
	if _, ok := cols["science"]; !ok {
		t.Fatal("expected the reloaded store to see the persisted collection")
	}
}
