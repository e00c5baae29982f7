package zimserve

import (
	"net/url"
	"strings"
	"sync"
)

// domainFamily classifies a host into a resolution strategy for URLResolver.Resolve.
type domainFamily int

const (
	familyGeneral domainFamily = iota
	familyWikimedia
	familyStackExchange
	familyStripWiki // RationalWiki, Appropedia, explainxkcd
	familyWikiHow
)

type domainEntry struct {
	archiveID ArchiveID
	family    domainFamily
}

// URLResolver maps external web URLs onto entries inside installed archives, built from
// archive filenames, each archive's Source metadata host, and speculative short-name-based
// guesses.
type URLResolver struct {
	registry *ArchiveRegistry
	pools    *ArchivePools

	mu       sync.RWMutex
	domains  map[string]domainEntry
	refCount map[[2]string]int // (fromShortName, toShortName) -> count
}

func NewURLResolver(registry *ArchiveRegistry, pools *ArchivePools) *URLResolver {
	return &URLResolver{
		registry: registry,
		pools:    pools,
		domains:  make(map[string]domainEntry),
		refCount: make(map[[2]string]int),
	}
}

// Rebuild reconstructs the domain map from the current archive list. It should be called
// after every metadata cache refresh.
func (r *URLResolver) Rebuild(archives []Archive, sourceHosts map[string]string) {
	domains := make(map[string]domainEntry, len(archives)*3)

	register := func(host string, id ArchiveID, fam domainFamily) {
		if host == "" {
			return
		}
		host = strings.ToLower(host)
		if _, exists := domains[host]; exists {
			return
		}
		domains[host] = domainEntry{archiveID: id, family: fam}
		if !strings.HasPrefix(host, "www.") {
			domains["www."+host] = domainEntry{archiveID: id, family: fam}
		}
	}

	for _, a := range archives {
		id, _, ok := r.registry.Lookup(a.ShortName)
		if !ok {
			continue
		}

		fam := familyFor(a.ShortName)

		if host := leadingDomainSegment(a.FileName); host != "" {
			register(host, id, fam)
			registerMobileVariant(register, host, id, fam)
		}

		if host, ok := sourceHosts[a.ShortName]; ok && host != "" {
			register(host, id, fam)
			registerMobileVariant(register, host, id, fam)
		}

		for _, tld := range []string{".com", ".org", ".io", ".net"} {
			register(a.ShortName+tld, id, fam)
		}
	}

	r.mu.Lock()
	r.domains = domains
	r.mu.Unlock()
}

func registerMobileVariant(register func(string, ArchiveID, domainFamily), host string, id ArchiveID, fam domainFamily) {
	switch {
	case strings.HasPrefix(host, "en.") && strings.Contains(host, "wiki"):
		register(strings.Replace(host, "en.", "en.m.", 1), id, fam)
	case host == "stackoverflow.com":
		register("m.stackoverflow.com", id, fam)
	}
}

func familyFor(shortName string) domainFamily {
	lower := strings.ToLower(shortName)
	switch {
	case strings.Contains(lower, "wikipedia"), strings.Contains(lower, "wiktionary"),
		strings.Contains(lower, "wikibooks"), strings.Contains(lower, "wikiquote"),
		strings.Contains(lower, "wikisource"), strings.Contains(lower, "wikivoyage"):
		return familyWikimedia
	case strings.Contains(lower, "stackexchange"), strings.Contains(lower, "stackoverflow"):
		return familyStackExchange
	case strings.Contains(lower, "rationalwiki"), strings.Contains(lower, "appropedia"), strings.Contains(lower, "xkcd"):
		return familyStripWiki
	case strings.Contains(lower, "wikihow"):
		return familyWikiHow
	default:
		return familyGeneral
	}
}

// leadingDomainSegment extracts a leading "<domain>_" segment from a ZIM filename, e.g.
// "wikipedia_en_all_nopic_2024-07.zim" does not itself carry a domain segment but
// "stackoverflow.com_en_all_2024-01.zim"-style filenames do.
func leadingDomainSegment(filename string) string {
	idx := strings.Index(filename, "_")
	if idx <= 0 {
		return ""
	}
	candidate := filename[:idx]
	if strings.Contains(candidate, ".") {
		return candidate
	}
	return ""
}

// ResolvedRef is one candidate path produced for a (domain family, URL) pair, tried in
// order until the archive reports the path exists.
type ResolvedRef struct {
	ArchiveShortName string
	Path             string
}

// Resolve looks up targetURL's host in the domain map and returns the first candidate
// in-archive path the resolved archive actually contains. from, if non-empty, is the
// short name of the archive whose content linked to targetURL, used only to increment a
// cross-archive reference counter for observability.
func (r *URLResolver) Resolve(targetURL, from string) (ResolvedRef, bool) {
	u, err := url.Parse(targetURL)
	if err != nil {
		return ResolvedRef{}, false
	}

	r.mu.RLock()
	entry, ok := r.domains[strings.ToLower(u.Hostname())]
	if !ok {
		entry, ok = r.domains[strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")]
	}
	r.mu.RUnlock()
	if !ok {
		return ResolvedRef{}, false
	}

	archive, ok := r.registry.Get(entry.archiveID)
	if !ok {
		return ResolvedRef{}, false
	}

	reader, mu, err := r.pools.Content.Get(entry.archiveID)
	if err != nil {
		return ResolvedRef{}, false
	}

	path := strings.TrimPrefix(u.Path, "/")
	for _, candidate := range candidatePaths(entry.family, path) {
		mu.Lock()
		_, _, getErr := reader.GetEntry(candidate)
		mu.Unlock()
		if getErr == nil {
			if from != "" {
				r.bumpRefCount(from, archive.ShortName)
			}
			return ResolvedRef{ArchiveShortName: archive.ShortName, Path: candidate}, true
		}
	}
	return ResolvedRef{}, false
}

func candidatePaths(fam domainFamily, urlPath string) []string {
	switch fam {
	case familyWikimedia:
		rest := strings.TrimPrefix(urlPath, "wiki/")
		return []string{"A/" + rest, rest}
	case familyStackExchange:
		return []string{"A/" + urlPath, urlPath}
	case familyStripWiki:
		rest := strings.TrimPrefix(urlPath, "wiki/")
		return []string{rest, "A/" + rest}
	case familyWikiHow:
		return []string{"A/" + urlPath, urlPath}
	default:
		return []string{"A/" + urlPath, urlPath}
	}
}

func (r *URLResolver) bumpRefCount(from, to string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refCount[[2]string{from, to}]++
}

// RefCounts returns a snapshot of the cross-archive reference counters.
func (r *URLResolver) RefCounts() map[[2]string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[[2]string]int, len(r.refCount))
	for k, v := range r.refCount {
		out[k] = v
	}
	return out
}

// DomainMap returns a snapshot of host -> archive short name, for the /resolve?domains=1
// endpoint.
func (r *URLResolver) DomainMap() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]string, len(r.domains))
	for host, entry := range r.domains {
		if a, ok := r.registry.Get(entry.archiveID); ok {
			out[host] = a.ShortName
		}
	}
	return out
}
