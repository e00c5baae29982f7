package zimserve

import (
	"fmt"
	"sync"
)

// archiveHandle pairs an open Reader with the per-archive mutex callers must hold while
// using it. The mutex is returned alongside the handle (not embedded) so callers can defer
// its Unlock right next to the Lock, matching the pool contract: a lookup returns (handle,
// lock) or (nil, nil) for an unknown archive.
type archiveHandle struct {
	reader Reader
	mu     *sync.Mutex
}

// archivePool is one of the three independent per-workload pools (content, fts, suggest)
// described for the archive layer. Each pool maps ArchiveID to its own Reader instance, so
// a slow operation on one workload's handle never blocks another workload's handle for the
// same archive. Opens are lazy and double-checked under poolMu; the returned per-archive
// mutex is never held across an open.
type archivePool struct {
	name string

	poolMu sync.Mutex
	byID   map[ArchiveID]*archiveHandle

	registry *ArchiveRegistry
	metrics  *Metrics
}

func newArchivePool(name string, registry *ArchiveRegistry, metrics *Metrics) *archivePool {
	return &archivePool{
		name:     name,
		byID:     make(map[ArchiveID]*archiveHandle),
		registry: registry,
		metrics:  metrics,
	}
}

// Get returns the handle and lock for id, opening the archive's file lazily if no handle
// exists yet. It returns (nil, nil, ErrNotFound) when id does not resolve to a known
// archive.
func (p *archivePool) Get(id ArchiveID) (Reader, *sync.Mutex, error) {
	p.poolMu.Lock()
	h, ok := p.byID[id]
	p.poolMu.Unlock()
	if ok {
		return h.reader, h.mu, nil
	}

	archive, ok := p.registry.Get(id)
	if !ok {
		return nil, nil, fmt.Errorf("%w: archive id %d", ErrNotFound, id)
	}

	p.poolMu.Lock()
	defer p.poolMu.Unlock()

	if h, ok := p.byID[id]; ok {
		return h.reader, h.mu, nil
	}

	reader, err := openZimArchiveReader(archive.Path)
	if err != nil {
		return nil, nil, err
	}

	h = &archiveHandle{reader: reader, mu: &sync.Mutex{}}
	p.byID[id] = h
	if p.metrics != nil {
		p.metrics.SetPoolOpenHandles(p.name, len(p.byID))
	}
	return h.reader, h.mu, nil
}

// Evict closes and removes id's handle, if any, so the next Get reopens it. Used by
// library refresh when an archive is removed or replaced.
func (p *archivePool) Evict(id ArchiveID) {
	p.poolMu.Lock()
	defer p.poolMu.Unlock()

	h, ok := p.byID[id]
	if !ok {
		return
	}
	delete(p.byID, id)
	if p.metrics != nil {
		p.metrics.SetPoolOpenHandles(p.name, len(p.byID))
	}
	go h.reader.Close()
}

// EvictAll closes and removes every handle; used on a full library refresh.
func (p *archivePool) EvictAll() {
	p.poolMu.Lock()
	old := p.byID
	p.byID = make(map[ArchiveID]*archiveHandle)
	p.poolMu.Unlock()

	for _, h := range old {
		go h.reader.Close()
	}
	if p.metrics != nil {
		p.metrics.SetPoolOpenHandles(p.name, 0)
	}
}

// ArchivePools bundles the three independent pools used across the library mutation
// lock ordering: library mutex -> pool mutex -> per-archive lock, never inverted.
type ArchivePools struct {
	Content *archivePool
	FTS     *archivePool
	Suggest *archivePool
}

func NewArchivePools(registry *ArchiveRegistry, metrics *Metrics) *ArchivePools {
	return &ArchivePools{
		Content: newArchivePool("content", registry, metrics),
		FTS:     newArchivePool("fts", registry, metrics),
		Suggest: newArchivePool("suggest", registry, metrics),
	}
}

// EvictArchive drops id from all three pools, closing any open handles.
func (p *ArchivePools) EvictArchive(id ArchiveID) {
	p.Content.Evict(id)
	p.FTS.Evict(id)
	p.Suggest.Evict(id)
}

// EvictAll drops every handle from all three pools.
func (p *ArchivePools) EvictAll() {
	p.Content.EvictAll()
	p.FTS.EvictAll()
	p.Suggest.EvictAll()
}
