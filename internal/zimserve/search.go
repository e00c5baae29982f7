package zimserve

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"
)

// stopWords is the fixed set stripped from a query before the full-text phase, except
// inside balanced double quotes.
var stopWords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true, "at": true, "be": true,
	"by": true, "for": true, "from": true, "has": true, "have": true, "how": true, "i": true,
	"in": true, "is": true, "it": true, "its": true, "my": true, "not": true, "of": true,
	"on": true, "or": true, "so": true, "that": true, "the": true, "this": true, "to": true,
	"was": true, "we": true, "what": true, "when": true, "where": true, "which": true,
	"who": true, "will": true, "with": true, "you": true,
}

var junkPathRE = regexp.MustCompile(`questions/tagged/|/tags$|/tags/page`)

// SearchResultOrigin distinguishes a result surfaced by the title-only fast phase from one
// surfaced by the full-text phase.
type SearchResultOrigin int

const (
	OriginFast SearchResultOrigin = iota
	OriginFull
)

// SearchResult is one scored hit, comparable across archives.
type SearchResult struct {
	Archive string
	Path    string
	Title   string
	Snippet string
	Score   float64
	Origin  SearchResultOrigin
}

// SearchResponse is the top-level result of a Search call.
type SearchResponse struct {
	Results  []SearchResult
	BySource map[string]int
	Total    int
	Elapsed  time.Duration
	Partial  bool
}

// SearchEngine runs the two-phase fast/full search pipeline over the archive pools.
type SearchEngine struct {
	registry  *ArchiveRegistry
	pools     *ArchivePools
	titles    *TitleIndexPool
	cfg       Config
	metrics   *Metrics
	logger    *slog.Logger

	suggestCache *TTLCache
	searchCache  *TTLCache
}

func NewSearchEngine(registry *ArchiveRegistry, pools *ArchivePools, titles *TitleIndexPool, cfg Config, metrics *Metrics, logger *slog.Logger) *SearchEngine {
	return &SearchEngine{
		registry:     registry,
		pools:        pools,
		titles:       titles,
		cfg:          cfg,
		metrics:      metrics,
		logger:       logger,
		suggestCache: NewTTLCache(500, cfg.SuggestCacheTTL, cfg.SuggestCacheTTL),
		searchCache:  NewTTLCache(100, cfg.SearchCacheTTL, cfg.SearchCacheReaccessTTL),
	}
}

// CleanQuery strips stopWords from query, preserving the contents of balanced double
// quotes verbatim (including the quote characters themselves). If cleaning empties the
// query, the raw query is returned instead. Cleaning is skipped entirely for a
// single-archive scope, since a user searching one archive may intentionally be searching
// for a stop word.
func CleanQuery(query string, singleArchiveScope bool) string {
	if singleArchiveScope {
		return query
	}

	tokens := tokenizeQuery(query)
	kept := make([]string, 0, len(tokens))
	for _, t := range tokens {
		if strings.HasPrefix(t, `"`) {
			kept = append(kept, t) // quoted phrase: keep verbatim
			continue
		}
		if !stopWords[strings.ToLower(t)] {
			kept = append(kept, t)
		}
	}

	cleaned := strings.TrimSpace(strings.Join(kept, " "))
	if cleaned == "" {
		return query
	}
	return cleaned
}

// tokenizeQuery splits query on whitespace outside double quotes, treating each
// `"..."` span (balanced) as a single token that retains its quote characters.
func tokenizeQuery(query string) []string {
	var tokens []string
	var cur strings.Builder
	inQuote := false

	flush := func() {
		if cur.Len() > 0 {
			tokens = append(tokens, cur.String())
			cur.Reset()
		}
	}

	for _, r := range query {
		switch {
		case r == '"':
			cur.WriteRune(r)
			inQuote = !inQuote
			if !inQuote {
				flush()
			}
		case !inQuote && (r == ' ' || r == '\t' || r == '\n'):
			flush()
		default:
			cur.WriteRune(r)
		}
	}
	flush()
	return tokens
}

// Search runs the requested phase (fast-only, or fast+full merged) over scopeNames
// (nil = all archives). It returns ErrClientError naming every unknown scope name.
func (s *SearchEngine) Search(ctx context.Context, query string, scopeNames []string, limit int, fast bool) (SearchResponse, error) {
	start := time.Now()

	cacheKey := searchCacheKey(query, scopeNames, limit, fast)
	if v, ok := s.searchCache.Get(cacheKey); ok {
		s.metrics.IncSearchCacheHit()
		resp := v.(SearchResponse)
		resp.Elapsed = time.Since(start)
		return resp, nil
	}
	s.metrics.IncSearchCacheMiss()

	ids, unknown := s.registry.ResolveScope(scopeNames)
	if len(unknown) > 0 {
		return SearchResponse{}, fmt.Errorf("%w: unknown archive(s): %s", ErrClientError, strings.Join(unknown, ", "))
	}

	singleArchive := len(scopeNames) == 1
	cleanedQuery := query
	if !fast {
		cleanedQuery = CleanQuery(query, singleArchive)
	}

	fastResults, bySource := s.runFastPhase(ids, query, limit)

	results := append([]SearchResult(nil), fastResults...)

	partial := fast
	if !fast {
		fullResults := s.runFullPhase(ctx, ids, cleanedQuery, limit, singleArchive)
		for _, r := range fullResults {
			bySource[r.Archive]++
		}
		results = append(results, fullResults...)
	}

	merged := mergeAndScore(results)
	resp := SearchResponse{
		Results:  merged,
		BySource: bySource,
		Total:    len(merged),
		Partial:  partial,
	}

	s.searchCache.Put(cacheKey, resp)
	resp.Elapsed = time.Since(start)
	s.metrics.ObserveSearch(phaseLabel(fast), resp.Elapsed)
	return resp, nil
}

func phaseLabel(fast bool) string {
	if fast {
		return "fast"
	}
	return "full"
}

func searchCacheKey(query string, scope []string, limit int, fast bool) string {
	sorted := append([]string(nil), scope...)
	sort.Strings(sorted)
	return fmt.Sprintf("%s\x00%s\x00%d\x00%v", strings.ToLower(query), strings.Join(sorted, ","), limit, fast)
}

// runFastPhase fans out the title-only lookup across targets in parallel; an empty query
// returns an empty list per archive rather than an error.
func (s *SearchEngine) runFastPhase(ids []ArchiveID, query string, limit int) ([]SearchResult, map[string]int) {
	var mu sync.Mutex
	var wg sync.WaitGroup
	all := make([]SearchResult, 0, limit*len(ids))
	bySource := make(map[string]int, len(ids))

	if strings.TrimSpace(query) == "" {
		return all, bySource
	}

	for _, id := range ids {
		id := id
		archive, ok := s.registry.Get(id)
		if !ok {
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			entries := s.fastLookupOne(id, archive, query, limit)

			mu.Lock()
			defer mu.Unlock()
			for rank, e := range entries {
				all = append(all, SearchResult{
					Archive: archive.ShortName,
					Path:    e.Path,
					Title:   e.Title,
					Score:   titleScore(query, e.Title, rank, len(entries), archive.EntryCount),
					Origin:  OriginFast,
				})
			}
			bySource[archive.ShortName] += len(entries)
		}()
	}
	wg.Wait()
	return all, bySource
}

func (s *SearchEngine) fastLookupOne(id ArchiveID, archive Archive, query string, limit int) []Entry {
	cacheKey := strings.ToLower(query) + "\x00" + archive.ShortName
	if v, ok := s.suggestCache.Get(cacheKey); ok {
		s.metrics.IncSuggestCacheHit()
		return v.([]Entry)
	}
	s.metrics.IncSuggestCacheMiss()

	entries := s.titleIndexLookup(id, archive, query, limit)
	if entries == nil {
		reader, mu, err := s.pools.Suggest.Get(id)
		if err == nil {
			mu.Lock()
			entries, _ = reader.Suggest(query, limit)
			mu.Unlock()
		}
	}

	s.suggestCache.Put(cacheKey, entries)
	return entries
}

func (s *SearchEngine) titleIndexLookup(id ArchiveID, archive Archive, query string, limit int) []Entry {
	db, err := s.titles.Get(id, archive.ShortName)
	if err != nil {
		return nil
	}

	words := strings.Fields(strings.ToLower(query))
	if len(words) == 0 {
		return nil
	}

	var entries []Entry
	if len(words) == 1 {
		entries, err = LookupSingleWord(db, words[0], limit)
	} else {
		entries, err = LookupMultiWord(db, words, limit)
	}
	if err != nil {
		s.titles.Evict(id)
		return nil
	}
	return entries
}

// runFullPhase fans the FTS query out to every target with its own archive handle and
// per-archive lock, each bounded by FTSDeadline; targets that miss the deadline are
// dropped from the merge rather than failing the whole search.
func (s *SearchEngine) runFullPhase(ctx context.Context, ids []ArchiveID, query string, limit int, singleArchive bool) []SearchResult {
	var mu sync.Mutex
	var wg sync.WaitGroup
	var all []SearchResult

	for _, id := range ids {
		id := id
		archive, ok := s.registry.Get(id)
		if !ok {
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			hits := s.fullLookupOne(ctx, id, archive, query, limit, singleArchive)

			mu.Lock()
			defer mu.Unlock()
			for _, h := range hits {
				all = append(all, SearchResult{
					Archive: archive.ShortName,
					Path:    h.Entry.Path,
					Title:   h.Entry.Title,
					Snippet: h.Snippet,
					Score:   titleScore(query, h.Entry.Title, h.Rank, len(hits), archive.EntryCount),
					Origin:  OriginFull,
				})
			}
		}()
	}
	wg.Wait()
	return all
}

func (s *SearchEngine) fullLookupOne(ctx context.Context, id ArchiveID, archive Archive, query string, limit int, singleArchive bool) []FTSHit {
	deadline := s.cfg.FTSDeadline
	if deadline <= 0 {
		deadline = 30 * time.Second
	}

	done := make(chan []FTSHit, 1)
	go func() {
		reader, mu, err := s.pools.FTS.Get(id)
		if err != nil {
			done <- nil
			return
		}

		mu.Lock()
		hits, err := reader.FTS(query, limit)
		mu.Unlock()
		if err != nil {
			done <- nil
			return
		}

		filtered := hits[:0]
		for _, h := range hits {
			if junkPathRE.MatchString(h.Entry.Path) {
				continue
			}
			if !singleArchive {
				h.Snippet = ""
			}
			filtered = append(filtered, h)
		}
		done <- filtered
	}()

	select {
	case hits := <-done:
		return hits
	case <-time.After(deadline):
		return nil
	case <-ctx.Done():
		return nil
	}
}

// titleScore computes title_score + rank_score + auth_score for one candidate.
func titleScore(query, title string, rank, totalHits int, archiveEntryCount int64) float64 {
	words := strings.Fields(strings.ToLower(query))
	lowerTitle := strings.ToLower(title)

	var titleScoreVal float64
	joined := strings.Join(words, " ")
	switch {
	case joined != "" && strings.Contains(lowerTitle, joined):
		titleScoreVal = 100
	case allWordsPresent(words, lowerTitle):
		titleScoreVal = 80
	default:
		hits := countWordsPresent(words, lowerTitle)
		if hits > 0 && len(words) > 0 {
			titleScoreVal = 50 * float64(hits) / float64(len(words))
		}
	}

	rankScore := 20 / float64(rank+1)
	if titleScoreVal == 0 && rankScore > 5 {
		rankScore = 5
	}

	authScore := math.Min(5, math.Log10(math.Max(float64(archiveEntryCount), 1))/2)

	return titleScoreVal + rankScore + authScore
}

func allWordsPresent(words []string, lowerTitle string) bool {
	for _, w := range words {
		if !strings.Contains(lowerTitle, w) {
			return false
		}
	}
	return len(words) > 0
}

func countWordsPresent(words []string, lowerTitle string) int {
	n := 0
	for _, w := range words {
		if strings.Contains(lowerTitle, w) {
			n++
		}
	}
	return n
}

// mergeAndScore sorts results by score descending (stable) and deduplicates by
// lowercased-trimmed title, keeping the first (highest-scoring) occurrence.
func mergeAndScore(results []SearchResult) []SearchResult {
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})

	seen := make(map[string]bool, len(results))
	out := make([]SearchResult, 0, len(results))
	for _, r := range results {
		key := strings.ToLower(strings.TrimSpace(r.Title))
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, r)
	}
	return out
}
