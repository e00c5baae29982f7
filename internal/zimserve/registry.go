package zimserve

import "sync"

// ArchiveID is a dense index into an ArchiveRegistry's backing array. It replaces short
// name as the key for every per-archive map (pools, caches, locks) so hot-path lookups are
// a slice index rather than a string hash, per the library's own coupling note: pools,
// caches, and indexes all key off archive identity and should not each re-hash a string to
// get there.
type ArchiveID int32

// ArchiveRegistry assigns a stable ArchiveID to each known archive short name and keeps
// the Archive values addressable by that id. It is rebuilt wholesale on every library
// refresh; existing ArchiveIDs for archives that survive a refresh are preserved so that
// per-archive caches and pools keyed by ArchiveID do not need to be invalidated when an
// unrelated archive is added or removed.
type ArchiveRegistry struct {
	mu        sync.RWMutex
	byName    map[string]ArchiveID
	archives  []Archive // index by ArchiveID; a removed slot is reset to the zero Archive with valid=false
	valid     []bool
}

// NewArchiveRegistry returns an empty registry.
func NewArchiveRegistry() *ArchiveRegistry {
	return &ArchiveRegistry{
		byName: make(map[string]ArchiveID),
	}
}

// Refresh replaces the registry's contents with the given archives, keyed by ShortName.
// Archives whose short name was already registered keep their existing ArchiveID; new
// short names are appended at the next free slot (reusing a slot vacated by a removed
// archive when one is available).
func (r *ArchiveRegistry) Refresh(archives []Archive) {
	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[string]bool, len(archives))
	for _, a := range archives {
		seen[a.ShortName] = true
		if id, ok := r.byName[a.ShortName]; ok {
			r.archives[id] = a
			r.valid[id] = true
			continue
		}

		id := r.freeSlotLocked()
		r.byName[a.ShortName] = id
		r.archives[id] = a
		r.valid[id] = true
	}

	for name, id := range r.byName {
		if !seen[name] {
			delete(r.byName, name)
			r.valid[id] = false
			r.archives[id] = Archive{}
		}
	}
}

func (r *ArchiveRegistry) freeSlotLocked() ArchiveID {
	for i, v := range r.valid {
		if !v {
			return ArchiveID(i)
		}
	}
	r.archives = append(r.archives, Archive{})
	r.valid = append(r.valid, false)
	return ArchiveID(len(r.archives) - 1)
}

// Lookup resolves a short name to its ArchiveID and Archive value.
func (r *ArchiveRegistry) Lookup(shortName string) (ArchiveID, Archive, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byName[shortName]
	if !ok || !r.valid[id] {
		return 0, Archive{}, false
	}
	return id, r.archives[id], true
}

// Get returns the Archive for an id, if still valid.
func (r *ArchiveRegistry) Get(id ArchiveID) (Archive, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if int(id) < 0 || int(id) >= len(r.archives) || !r.valid[id] {
		return Archive{}, false
	}
	return r.archives[id], true
}

// All returns a snapshot of every currently valid archive.
func (r *ArchiveRegistry) All() []Archive {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Archive, 0, len(r.archives))
	for i, v := range r.valid {
		if v {
			out = append(out, r.archives[i])
		}
	}
	return out
}

// Count returns the number of currently valid archives.
func (r *ArchiveRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, v := range r.valid {
		if v {
			n++
		}
	}
	return n
}

// ResolveScope expands a search/suggest scope (nil = all, names, or a collection-expanded
// name list) to a list of ArchiveIDs ordered ascending by entry count, and reports any
// names that do not resolve to a known archive.
func (r *ArchiveRegistry) ResolveScope(names []string) (ids []ArchiveID, unknown []string) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if names == nil {
		ids = make([]ArchiveID, 0, len(r.archives))
		for i, v := range r.valid {
			if v {
				ids = append(ids, ArchiveID(i))
			}
		}
	} else {
		for _, n := range names {
			id, ok := r.byName[n]
			if !ok || !r.valid[id] {
				unknown = append(unknown, n)
				continue
			}
			ids = append(ids, id)
		}
	}

	if len(unknown) > 0 {
		return nil, unknown
	}

	sortByEntryCountAsc(ids, r.archives)
	return ids, nil
}

func sortByEntryCountAsc(ids []ArchiveID, archives []Archive) {
	for i := 1; i < len(ids); i++ {
		j := i
		for j > 0 && archives[ids[j-1]].EntryCount > archives[ids[j]].EntryCount {
			ids[j-1], ids[j] = ids[j], ids[j-1]
			j--
		}
	}
}
