package zimserve

import "testing"

func TestArchiveRegistryRefreshAndLookup(t *testing.T) {
	t.Parallel()

	reg := NewArchiveRegistry()
	reg.Refresh([]Archive{
		{ShortName: "wikipedia", EntryCount: 10_000_000},
		{ShortName: "devdocs_python", EntryCount: 5_000},
	})

	id, a, ok := reg.Lookup("devdocs_python")
	if !ok {
		t.Fatal("expected devdocs_python to resolve")
	}
	if a.EntryCount != 5_000 {
		t.Errorf("got entry count %d, want 5000", a.EntryCount)
	}

	if _, ok := reg.Lookup("nonexistent"); ok {
		t.Error("expected unknown short name to fail lookup")
	}

	if got, ok := reg.Get(id); !ok || got.ShortName != "devdocs_python" {
		t.Errorf("Get(%v) = %+v, %v", id, got, ok)
	}
}

func TestArchiveRegistryRefreshReusesIDsAcrossReload(t *testing.T) {
	t.Parallel()

	reg := NewArchiveRegistry()
	reg.Refresh([]Archive{{ShortName: "a", EntryCount: 1}, {ShortName: "b", EntryCount: 2}})
	idA, _, _ := reg.Lookup("a")

	// b is removed, a survives with an updated EntryCount; a's ID must be stable.
	reg.Refresh([]Archive{{ShortName: "a", EntryCount: 3}})
	idA2, archiveA, ok := reg.Lookup("a")
	if !ok {
		t.Fatal("a should still resolve")
	}
	if idA != idA2 {
		t.Errorf("a's ArchiveID changed across refresh: %v -> %v", idA, idA2)
	}
	if archiveA.EntryCount != 3 {
		t.Errorf("a's EntryCount not updated: got %d, want 3", archiveA.EntryCount)
	}
	if _, ok := reg.Lookup("b"); ok {
		t.Error("b should no longer resolve after being dropped from refresh")
	}
	if reg.Count() != 1 {
		t.Errorf("Count() = %d, want 1", reg.Count())
	}
}

func TestResolveScopeOrdersByEntryCountAscending(t *testing.T) {
	t.Parallel()

	reg := NewArchiveRegistry()
	reg.Refresh([]Archive{
		{ShortName: "big", EntryCount: 10_000_000},
		{ShortName: "small", EntryCount: 100},
		{ShortName: "medium", EntryCount: 50_000},
	})

	ids, unknown := reg.ResolveScope(nil)
	if len(unknown) != 0 {
		t.Fatalf("unexpected unknown names: %v", unknown)
	}
	if len(ids) != 3 {
		t.Fatalf("expected 3 ids, got %d", len(ids))
	}

	var prev int64 = -1
	for _, id := range ids {
		a, _ := reg.Get(id)
		if a.EntryCount < prev {
			t.Errorf("ResolveScope(nil) not sorted ascending by entry count: %+v", ids)
		}
		prev = a.EntryCount
	}
}

func TestResolveScopeReportsEveryUnknownName(t *testing.T) {
	t.Parallel()

	reg := NewArchiveRegistry()
	reg.Refresh([]Archive{{ShortName: "known", EntryCount: 1}})

	_, unknown := reg.ResolveScope([]string{"known", "ghost1", "ghost2"})
	if len(unknown) != 2 {
		t.Fatalf("expected 2 unknown names, got %v", unknown)
	}
}
