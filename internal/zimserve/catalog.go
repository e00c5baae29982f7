package zimserve

import (
	"encoding/xml"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

const catalogBaseURL = "https://library.kiwix.org/catalog/v2/entries"
const catalogPageSize = 500
const catalogFetchTimeout = 15 * time.Second

// atomFeed is the subset of the OPDS Atom catalog this package parses.
type atomFeed struct {
	XMLName xml.Name    `xml:"feed"`
	Entries []atomEntry `xml:"entry"`
}

type atomEntry struct {
	ID        string      `xml:"id"`
	Title     string      `xml:"title"`
	Summary   string      `xml:"summary"`
	Language  string      `xml:"language"`
	Category  string      `xml:"category>term"`
	Author    string      `xml:"author>name"`
	Published string      `xml:"updated"`
	Links     []atomLink  `xml:"link"`
	Extras    []atomExtra `xml:"-"`
}

type atomLink struct {
	Rel    string `xml:"rel,attr"`
	Href   string `xml:"href,attr"`
	Type   string `xml:"type,attr"`
	Length int64  `xml:"length,attr"`
}

type atomExtra struct {
	Name  string
	Value string
}

// CatalogEntry is one normalized, client-facing catalog listing.
type CatalogEntry struct {
	ShortName    string
	Title        string
	Summary      string
	Language     string
	Category     string
	Author       string
	Published    string
	ArticleCount int64
	MediaCount   int64
	DownloadURL  string
	SizeBytes    int64
	ThumbnailURL string
	Installed    bool
}

// CatalogBuilder fetches and caches the remote OPDS catalog, adapted from the pattern of
// periodically refreshing a snapshot under a dedicated refresh mutex and publishing it
// through an atomic pointer so readers never block on an in-flight refresh.
type CatalogBuilder struct {
	client *retryablehttp.Client
	logger *slog.Logger
	metrics *Metrics

	snapshot  atomic.Value // []CatalogEntry
	refreshMu chanMutex
}

// chanMutex is a trylock-capable mutex: refresh attempts that find one already in flight
// return immediately instead of queueing, since a stale-by-seconds catalog is harmless.
type chanMutex chan struct{}

func newChanMutex() chanMutex { return make(chanMutex, 1) }
func (c chanMutex) TryLock() bool {
	select {
	case c <- struct{}{}:
		return true
	default:
		return false
	}
}
func (c chanMutex) Unlock() { <-c }

func NewCatalogBuilder(logger *slog.Logger, metrics *Metrics) *CatalogBuilder {
	client := retryablehttp.NewClient()
	client.RetryMax = 2
	client.Logger = nil
	client.HTTPClient.Timeout = catalogFetchTimeout

	b := &CatalogBuilder{client: client, logger: logger, metrics: metrics, refreshMu: newChanMutex()}
	b.snapshot.Store([]CatalogEntry{})
	return b
}

// Snapshot returns the most recently fetched catalog entries.
func (b *CatalogBuilder) Snapshot() []CatalogEntry {
	return b.snapshot.Load().([]CatalogEntry)
}

// Refresh fetches the full catalog (paginated) and replaces the snapshot, marking entries
// installed by comparing date-stripped filename bases. It is a no-op if a refresh is
// already in flight.
func (b *CatalogBuilder) Refresh(installedBases map[string]bool) error {
	if !b.refreshMu.TryLock() {
		return nil
	}
	defer b.refreshMu.Unlock()

	start := time.Now()
	entries, err := b.fetchAll()
	if err != nil {
		if b.metrics != nil {
			b.metrics.ObserveCatalogFetch("error", time.Since(start))
		}
		return fmt.Errorf("%w: %v", ErrUpstream, err)
	}

	for i := range entries {
		base := dateStrippedBase(lastPathSegment(entries[i].DownloadURL))
		entries[i].Installed = installedBases[base]
	}

	b.snapshot.Store(entries)
	if b.metrics != nil {
		b.metrics.ObserveCatalogFetch("ok", time.Since(start))
	}
	return nil
}

func (b *CatalogBuilder) fetchAll() ([]CatalogEntry, error) {
	var all []CatalogEntry
	for start := 0; ; start += catalogPageSize {
		feed, err := b.fetchPage(start, catalogPageSize)
		if err != nil {
			return nil, err
		}
		if len(feed.Entries) == 0 {
			break
		}
		for _, e := range feed.Entries {
			all = append(all, normalizeEntry(e))
		}
		if len(feed.Entries) < catalogPageSize {
			break
		}
	}
	return all, nil
}

func (b *CatalogBuilder) fetchPage(start, count int) (*atomFeed, error) {
	q := url.Values{}
	q.Set("start", strconv.Itoa(start))
	q.Set("count", strconv.Itoa(count))

	req, err := retryablehttp.NewRequest(http.MethodGet, catalogBaseURL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("catalog fetch: status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var feed atomFeed
	if err := xml.Unmarshal(body, &feed); err != nil {
		return nil, fmt.Errorf("parse catalog xml: %w", err)
	}
	return &feed, nil
}

func normalizeEntry(e atomEntry) CatalogEntry {
	ce := CatalogEntry{
		Title:     e.Title,
		Summary:   e.Summary,
		Language:  e.Language,
		Category:  e.Category,
		Author:    e.Author,
		Published: e.Published,
	}

	for _, l := range e.Links {
		switch {
		case l.Type == "application/x-zim" || strings.Contains(l.Rel, "open-access"):
			ce.DownloadURL = l.Href
			ce.SizeBytes = l.Length
		case strings.Contains(l.Type, "image"):
			ce.ThumbnailURL = l.Href
		}
	}

	if ce.DownloadURL != "" {
		ce.ShortName = ShortName(lastPathSegment(ce.DownloadURL))
	}

	return ce
}

func lastPathSegment(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	p := strings.TrimSuffix(u.Path, "/")
	if idx := strings.LastIndex(p, "/"); idx >= 0 {
		return p[idx+1:]
	}
	return p
}

// UpdateCandidate is one installed archive for which a newer catalog entry exists.
type UpdateCandidate struct {
	Name          string
	InstalledDate string
	LatestDate    string
	DownloadURL   string
	Title         string
	SizeBytes     int64
}

// CheckUpdates finds, for each installed archive with a parseable YYYY-MM date, the
// longest-prefix catalog entry whose name prefixes the installed filename and whose
// publication date is strictly newer.
func CheckUpdates(installed []Archive, catalog []CatalogEntry) []UpdateCandidate {
	var out []UpdateCandidate

	for _, a := range installed {
		installedDate := dateInFilename(a.FileName)
		if installedDate == "" {
			continue
		}

		var best *CatalogEntry
		bestPrefixLen := -1
		for i := range catalog {
			c := &catalog[i]
			candidateName := lastPathSegment(c.DownloadURL)
			if candidateName == "" || !strings.HasPrefix(a.FileName, dateStrippedBase(candidateName)) {
				continue
			}
			candidateDate := dateInFilename(candidateName)
			if candidateDate == "" || candidateDate <= installedDate {
				continue
			}
			if len(dateStrippedBase(candidateName)) > bestPrefixLen {
				bestPrefixLen = len(dateStrippedBase(candidateName))
				best = c
			}
		}

		if best != nil {
			out = append(out, UpdateCandidate{
				Name:          a.ShortName,
				InstalledDate: installedDate,
				LatestDate:    dateInFilename(lastPathSegment(best.DownloadURL)),
				DownloadURL:   best.DownloadURL,
				Title:         best.Title,
				SizeBytes:     best.SizeBytes,
			})
		}
	}
	return out
}
