package zimserve

import (
	"fmt"
	"math/rand"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// RandomPicker selects a random entry from one or more archives, optionally with daily or
// caller-supplied determinism ("article of the day" behavior).
//
// Mixes (seed-string, archive short name, date) through xxhash (a transitive dependency of
// the Prometheus client; this file is its only direct use) to produce a 64-bit seed for
// math/rand; see DESIGN.md for why xxhash was chosen over an MD5 prefix.
type RandomPicker struct {
	registry *ArchiveRegistry
	pools    *ArchivePools
}

func NewRandomPicker(registry *ArchiveRegistry, pools *ArchivePools) *RandomPicker {
	return &RandomPicker{registry: registry, pools: pools}
}

// RandomOptions configures one /random call.
type RandomOptions struct {
	Scope        []string // nil = all archives
	RequireThumb bool
	Date         string // MMDD, for daily determinism
	Seed         string // caller-supplied determinism override
}

// seedFor derives a deterministic 64-bit seed from (scope-or-archive, date, caller seed).
// Equal inputs always yield the same seed; this is the function actually subject to the
// round-trip determinism property.
func seedFor(archiveShortName string, opts RandomOptions) int64 {
	var b strings.Builder
	b.WriteString(archiveShortName)
	b.WriteByte(0)
	b.WriteString(opts.Date)
	b.WriteByte(0)
	b.WriteString(opts.Seed)
	return int64(xxhash.Sum64String(b.String()))
}

// Pick chooses one archive (uniformly at random among the scope, or deterministically by
// seed when opts.Seed or opts.Date is set) and a random entry within it.
func (p *RandomPicker) Pick(opts RandomOptions) (string, Entry, []byte, error) {
	ids, unknown := p.registry.ResolveScope(opts.Scope)
	if len(unknown) > 0 {
		return "", Entry{}, nil, fmt.Errorf("%w: unknown archive(s): %s", ErrClientError, strings.Join(unknown, ", "))
	}
	if len(ids) == 0 {
		return "", Entry{}, nil, fmt.Errorf("%w: no archives available", ErrNotFound)
	}

	deterministic := opts.Seed != "" || opts.Date != ""

	var archiveIdx int
	if deterministic {
		archive, _ := p.registry.Get(ids[0])
		seed := seedFor(archive.ShortName, opts)
		archiveIdx = int(uint64(seed) % uint64(len(ids)))
	} else {
		archiveIdx = rand.Intn(len(ids))
	}

	id := ids[archiveIdx]
	archive, ok := p.registry.Get(id)
	if !ok {
		return "", Entry{}, nil, fmt.Errorf("%w: archive vanished during selection", ErrArchiveTemporarilyUnavailable)
	}

	reader, mu, err := p.pools.Content.Get(id)
	if err != nil {
		return "", Entry{}, nil, err
	}

	mu.Lock()
	defer mu.Unlock()

	var chosen Entry
	var data []byte
	n := 0
	walkErr := reader.Walk(func(e Entry) error {
		n++
		var keep bool
		if deterministic {
			seed := seedFor(archive.ShortName+"#"+opts.Date+opts.Seed, opts) + int64(n)
			keep = uint64(seed)%uint64(n) == 0
		} else {
			keep = rand.Intn(n) == 0
		}
		if keep {
			chosen = e
		}
		return nil
	})
	if walkErr != nil {
		return "", Entry{}, nil, walkErr
	}
	if n == 0 {
		return "", Entry{}, nil, fmt.Errorf("%w: archive has no entries", ErrNotFound)
	}

	_, data, err = reader.GetEntry(chosen.Path)
	if err != nil {
		return "", Entry{}, nil, err
	}

	return archive.ShortName, chosen, data, nil
}
