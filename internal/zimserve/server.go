package zimserve

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Server owns every named sub-service and its own state/mutex, replacing the many
// module-level mutables (pools, caches, rate buckets, metrics, usage, download counter,
// auto-update flags) a direct port would otherwise carry forward as package globals.
// Requests reference the server via a handle; tests construct a fresh instance per case.
type Server struct {
	cfg    Config
	logger *slog.Logger

	Registry  *ArchiveRegistry
	Pools     *ArchivePools
	Metadata  *MetadataCache
	Titles    *TitleIndexPool
	Search    *SearchEngine
	Content   *ContentServer
	Resolver  *URLResolver
	Preview   *PreviewExtractor
	Downloads *DownloadManager
	Catalog   *CatalogBuilder
	AutoUpdate *AutoUpdateLoop
	History   *HistoryLog
	Collections *CollectionsStore
	RateLimit *RateLimiter
	Auth      *AuthGate
	Metrics   *Metrics
	Random    *RandomPicker

	startedAt time.Time

	libraryMu sync.Mutex // library-level write lock: refresh acquires this before touching pools

	usageMu sync.Mutex
	usage   usageStats
}

type usageStats struct {
	searches   int64
	reads      int64
	iframeReads int64
	perArchive map[string]int64
}

// NewServer wires every sub-service from cfg, in dependency order (leaves first), the way
// the process entry point composes the equivalent CT stack: logger -> config -> metrics ->
// archive registry -> pools -> caches -> higher-level services.
func NewServer(cfg Config, logger *slog.Logger, reg prometheus.Registerer, autoUpdateEnvLocked bool) *Server {
	metrics := NewMetrics(reg)
	registry := NewArchiveRegistry()
	pools := NewArchivePools(registry, metrics)
	metadataCache := NewMetadataCache(cfg.ArchiveDir, cfg.DataDir, logger)
	titles := NewTitleIndexPool(cfg.DataDir, logger, metrics)
	searchEngine := NewSearchEngine(registry, pools, titles, cfg, metrics, logger)
	contentServer := NewContentServer(pools, metrics)
	resolver := NewURLResolver(registry, pools)
	preview := NewPreviewExtractor()
	history := NewHistoryLog(cfg.DataDir, logger)
	collections := NewCollectionsStore(cfg.DataDir, logger)
	rateLimiter := NewRateLimiter(cfg.RateLimit)
	auth := NewAuthGate(cfg.DataDir, logger)
	randomPicker := NewRandomPicker(registry, pools)

	s := &Server{
		cfg:         cfg,
		logger:      logger,
		Registry:    registry,
		Pools:       pools,
		Metadata:    metadataCache,
		Titles:      titles,
		Search:      searchEngine,
		Content:     contentServer,
		Resolver:    resolver,
		Preview:     preview,
		History:     history,
		Collections: collections,
		RateLimit:   rateLimiter,
		Auth:        auth,
		Metrics:     metrics,
		Random:      randomPicker,
		startedAt:   time.Now(),
		usage:       usageStats{perArchive: make(map[string]int64)},
	}

	catalog := NewCatalogBuilder(logger, metrics)
	s.Catalog = catalog

	downloads := NewDownloadManager(cfg.ArchiveDir, cfg.DownloadTrustedHost, logger, metrics, history, func(filename string, isUpdate bool) {
		s.Refresh(false)
	})
	s.Downloads = downloads

	s.AutoUpdate = NewAutoUpdateLoop(autoUpdateEnvLocked, cfg.AutoUpdate, cfg.UpdateFreq, catalog, registry, downloads,
		func(shortName string) bool {
			for _, d := range downloads.List() {
				if ShortName(d.Filename) == shortName && !d.Done {
					return true
				}
			}
			return false
		}, logger)

	return s
}

// Load reads all persisted state (metadata cache, history, collections, password) and
// performs an initial library scan.
func (s *Server) Load() {
	s.Metadata.Load()
	s.History.Load()
	s.Collections.Load()
	s.Auth.Load()
	if s.cfg.ManagePassword != "" {
		s.Auth.hashHex = HashPassword(s.cfg.ManagePassword)
	}
	s.Refresh(true)
}

// Refresh rescans the archive directory, rebuilds the registry and resolver domain map,
// and (unless force is false and nothing changed) evicts stale pool handles and clears the
// search/suggest caches. It is the single entry point for "the library changed" events:
// download completion, delete, explicit management refresh, and startup.
func (s *Server) Refresh(force bool) {
	s.libraryMu.Lock()
	defer s.libraryMu.Unlock()

	archives, changed, err := s.Metadata.Refresh(func(path string) (ArchiveMetadata, error) {
		r, err := openZimArchiveReader(path)
		if err != nil {
			return ArchiveMetadata{}, err
		}
		defer r.Close()
		return r.Metadata(), nil
	})
	if err != nil {
		s.logger.Error("library refresh failed", "error", err)
		return
	}

	if !changed && !force {
		return
	}

	s.Registry.Refresh(archives)
	s.Metrics.SetArchivesDiscovered(s.Registry.Count())

	sourceHosts := make(map[string]string, len(archives))
	for _, a := range archives {
		if id, _, ok := s.Registry.Lookup(a.ShortName); ok {
			if reader, mu, err := s.Pools.Content.Get(id); err == nil {
				mu.Lock()
				if src := reader.Metadata().Source; src != "" {
					sourceHosts[a.ShortName] = src
				}
				mu.Unlock()
			}
		}
	}
	s.Resolver.Rebuild(archives, sourceHosts)

	s.Pools.EvictAll()
	s.Search.searchCache.Clear()
	s.Search.suggestCache.Clear()

	s.ensureTitleIndexesCurrent(archives)
}

// ensureTitleIndexesCurrent kicks off a background rebuild for any archive whose on-disk
// title index is missing or stale; absence never blocks search (callers fall back to the
// suggestion tree), so these run fire-and-forget.
func (s *Server) ensureTitleIndexesCurrent(archives []Archive) {
	current := 0
	for _, a := range archives {
		if s.Titles.Current(a.ShortName, a.ModTime.Unix()) {
			current++
			continue
		}
		go func(archive Archive) {
			if id, _, ok := s.Registry.Lookup(archive.ShortName); ok {
				s.Titles.Evict(id)
			}
			if err := s.Titles.Build(archive, time.Now().Unix()); err != nil {
				s.logger.Warn("title index build failed", "archive", archive.ShortName, "error", err)
			}
		}(a)
	}
	s.Metrics.SetTitleIndexCurrent(current)
}

// RecordSearch increments the usage search counter.
func (s *Server) RecordSearch() {
	s.usageMu.Lock()
	s.usage.searches++
	s.usageMu.Unlock()
}

// RecordRead increments the usage read counter (and iframe counter, when applicable) for
// the given archive.
func (s *Server) RecordRead(archiveShortName string, iframe bool) {
	s.usageMu.Lock()
	defer s.usageMu.Unlock()
	s.usage.reads++
	if iframe {
		s.usage.iframeReads++
	}
	s.usage.perArchive[archiveShortName]++
}

// UsageSnapshot returns a copy of the current usage counters.
func (s *Server) UsageSnapshot() (searches, reads, iframeReads int64, perArchive map[string]int64) {
	s.usageMu.Lock()
	defer s.usageMu.Unlock()
	cp := make(map[string]int64, len(s.usage.perArchive))
	for k, v := range s.usage.perArchive {
		cp[k] = v
	}
	return s.usage.searches, s.usage.reads, s.usage.iframeReads, cp
}

// Uptime returns how long the server has been running.
func (s *Server) Uptime() time.Duration {
	return time.Since(s.startedAt)
}

// StartBackground launches every long-running background worker (auto-update loop) in its
// own goroutine and returns immediately; the workers stop when ctx is cancelled.
func (s *Server) StartBackground(ctx context.Context) {
	go s.AutoUpdate.Start(ctx)
}

// Config returns the configuration the server was constructed with, for callers (the
// serve command's http.Server setup) that need the HTTP timeout/limit fields.
func (s *Server) Config() Config {
	return s.cfg
}
