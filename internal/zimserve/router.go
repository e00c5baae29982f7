package zimserve

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const serverVersion = "1.0.0"

var rateLimitedRoutes = map[string]bool{
	"/search": true, "/read": true, "/suggest": true, "/snippet": true, "/random": true,
}

// NewRouter builds the chi mux wiring every endpoint in the external interface, request-ID
// stamping, rate limiting, auth gating, and metrics observation. It installs no per-request
// logging middleware.
func NewRouter(s *Server, trustedProxy bool, staticDir string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestIDMiddleware)
	r.Use(s.metricsMiddleware)
	r.Use(s.rateLimitMiddleware(trustedProxy))

	r.Get("/health", s.handleHealth)
	r.Get("/list", s.handleList)
	r.Get("/search", s.handleSearch)
	r.Get("/suggest", s.handleSuggest)
	r.Get("/read", s.handleRead)
	r.Get("/snippet", s.handleSnippet)
	r.Get("/random", s.handleRandom)
	r.Get("/catalog", s.handleCatalog)
	r.Get("/resolve", s.handleResolveGet)
	r.Post("/resolve", s.handleResolvePost)
	r.Get("/w/{archive}/*", s.handleContent)
	r.Get("/favicon.ico", s.handleNoContent)
	r.Get("/apple-touch-icon.png", s.handleNoContent)
	r.Handle("/metrics", promhttp.Handler())

	r.Get("/collections", s.handleCollectionsGet)
	r.Post("/collections", s.handleCollectionsPost)
	r.Delete("/collections", s.handleCollectionsDelete)
	r.Post("/favorites", s.handleFavoritesToggle)

	r.Get("/manage/has-password", s.handleHasPassword)

	r.Route("/manage", func(mr chi.Router) {
		mr.Use(s.authMiddleware)
		mr.Get("/status", s.handleManageStatus)
		mr.Get("/stats", s.handleManageStats)
		mr.Get("/usage", s.handleManageUsage)
		mr.Get("/catalog", s.handleManageCatalog)
		mr.Get("/check-updates", s.handleManageCheckUpdates)
		mr.Get("/downloads", s.handleManageDownloads)
		mr.Get("/history", s.handleManageHistory)
		mr.Post("/download", s.handleManageDownload)
		mr.Post("/import", s.handleManageImport)
		mr.Post("/cancel", s.handleManageCancel)
		mr.Post("/clear-downloads", s.handleManageClearDownloads)
		mr.Post("/refresh", s.handleManageRefresh)
		mr.Post("/build-fts", s.handleManageBuildFTS)
		mr.Post("/delete", s.handleManageDelete)
		mr.Post("/update", s.handleManageUpdate)
		mr.Post("/auto-update", s.handleManageAutoUpdate)
		mr.Post("/set-password", s.handleManageSetPassword)
	})

	if staticDir != "" {
		r.Get("/static/*", s.handleStatic(staticDir))
	}

	return r
}

// requestIDMiddleware stamps every response with a random X-Request-Id, letting an
// operator correlate a client-reported failure with a specific server-side log line.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Request-Id", uuid.NewString())
		next.ServeHTTP(w, r)
	})
}

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		s.Metrics.ObserveHTTPRequest(routeLabel(r), rw.status, time.Since(start))
	})
}

func routeLabel(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
		return rc.RoutePattern()
	}
	return r.URL.Path
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (w *statusRecorder) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (s *Server) rateLimitMiddleware(trustedProxy bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !rateLimitedRoutes[r.URL.Path] && !(r.URL.Path == "/resolve" && r.Method == http.MethodPost) &&
				!(r.URL.Path == "/collections" && r.Method == http.MethodDelete) {
				next.ServeHTTP(w, r)
				return
			}

			ip := ClientIP(r, trustedProxy)
			if !s.RateLimit.Allow(ip) {
				s.Metrics.IncRateLimited()
				retryAfter := s.RateLimit.RetryAfter(ip)
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				writeJSONError(w, http.StatusTooManyRequests, "rate limited", map[string]any{"retry_after": retryAfter})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.cfg.ManageEnabled {
			writeJSONError(w, http.StatusNotFound, "not found", nil)
			return
		}
		if err := s.Auth.CheckBearer(r.Header.Get("Authorization")); err != nil {
			writeJSONError(w, http.StatusUnauthorized, err.Error(), map[string]any{"needs_password": true})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, message string, extra map[string]any) {
	body := map[string]any{"error": message}
	for k, v := range extra {
		body[k] = v
	}
	writeJSON(w, status, body)
}

func writeErr(w http.ResponseWriter, err error) {
	switch {
	case isErr(err, ErrNotFound):
		writeJSONError(w, http.StatusNotFound, err.Error(), nil)
	case isErr(err, ErrClientError):
		writeJSONError(w, http.StatusBadRequest, err.Error(), nil)
	case isErr(err, ErrUnauthorized):
		writeJSONError(w, http.StatusUnauthorized, err.Error(), map[string]any{"needs_password": true})
	case isErr(err, ErrRateLimited):
		writeJSONError(w, http.StatusTooManyRequests, err.Error(), nil)
	case isErr(err, ErrUpstream):
		writeJSONError(w, http.StatusBadGateway, err.Error(), nil)
	case isErr(err, ErrTooLarge):
		w.WriteHeader(http.StatusRequestEntityTooLarge)
		fmt.Fprintln(w, err.Error())
	case isErr(err, ErrArchiveTemporarilyUnavailable):
		writeJSONError(w, http.StatusServiceUnavailable, err.Error(), nil)
	default:
		writeJSONError(w, http.StatusInternalServerError, "internal error", nil)
	}
}

func isErr(err, target error) bool {
	for e := err; e != nil; {
		if e == target {
			return true
		}
		u, ok := e.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		e = u.Unwrap()
	}
	return false
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"version":     serverVersion,
		"zim_count":   s.Registry.Count(),
		"pdf_support": true,
	})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Registry.All())
}

func parseScope(r *http.Request, collections *CollectionsStore) []string {
	if zim := r.URL.Query().Get("zim"); zim != "" {
		return trimmedNonEmpty(strings.Split(zim, ","))
	}
	if coll := r.URL.Query().Get("collection"); coll != "" {
		_, cols := collections.Snapshot()
		if c, ok := cols[coll]; ok {
			return c.Zims
		}
		return []string{"\x00unknown-collection\x00" + coll}
	}
	return nil
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	limit := intQueryOr(r, "limit", 20)
	fast := r.URL.Query().Get("fast") == "1"
	scope := parseScope(r, s.Collections)

	resp, err := s.Search.Search(r.Context(), q, scope, limit, fast)
	if err != nil {
		writeErr(w, err)
		return
	}
	s.RecordSearch()
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSuggest(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	limit := intQueryOr(r, "limit", 10)
	scope := parseScope(r, s.Collections)

	resp, err := s.Search.Search(r.Context(), q, scope, limit, true)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp.Results)
}

func (s *Server) handleRead(w http.ResponseWriter, r *http.Request) {
	zim := r.URL.Query().Get("zim")
	path := r.URL.Query().Get("path")
	maxLength := intQueryOr(r, "max_length", 0)

	id, archive, ok := s.Registry.Lookup(zim)
	if !ok {
		writeErr(w, fmt.Errorf("%w: archive %q", ErrNotFound, zim))
		return
	}

	reader, mu, err := s.Pools.Content.Get(id)
	if err != nil {
		writeErr(w, err)
		return
	}

	mu.Lock()
	entry, data, err := reader.GetEntry(path)
	mu.Unlock()
	if err != nil {
		writeErr(w, err)
		return
	}

	text := stripHTMLTags(string(data))
	if maxLength > 0 && len(text) > maxLength {
		text = text[:maxLength]
	}

	s.RecordRead(archive.ShortName, r.Header.Get("Sec-Fetch-Dest") == "iframe")
	writeJSON(w, http.StatusOK, map[string]any{"title": entry.Title, "text": text})
}

func (s *Server) handleSnippet(w http.ResponseWriter, r *http.Request) {
	zim := r.URL.Query().Get("zim")
	path := r.URL.Query().Get("path")

	id, archive, ok := s.Registry.Lookup(zim)
	if !ok {
		writeErr(w, fmt.Errorf("%w: archive %q", ErrNotFound, zim))
		return
	}

	reader, mu, err := s.Pools.Content.Get(id)
	if err != nil {
		writeErr(w, err)
		return
	}

	mu.Lock()
	_, data, err := reader.GetEntry(path)
	mu.Unlock()
	if err != nil {
		writeErr(w, err)
		return
	}

	if int64(len(data)) > s.cfg.SnippetReadBytes {
		data = data[:s.cfg.SnippetReadBytes]
	}

	preview, err := s.Preview.Extract(archive.ShortName, path, data)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, preview)
}

func (s *Server) handleRandom(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := RandomOptions{
		Scope:        trimmedNonEmpty(strings.Split(q.Get("zim"), ",")),
		RequireThumb: q.Get("require_thumb") == "1",
		Date:         q.Get("date"),
		Seed:         q.Get("seed"),
	}
	if len(opts.Scope) == 0 {
		opts.Scope = nil
	}

	archiveName, entry, data, err := s.Random.Pick(opts)
	if err != nil {
		writeErr(w, err)
		return
	}

	resp := map[string]any{
		"zim":   archiveName,
		"path":  entry.Path,
		"title": entry.Title,
	}
	if q.Get("thumb") == "1" {
		if preview, err := s.Preview.Extract(archiveName, entry.Path, data); err == nil {
			resp["thumbnail"] = preview.Thumbnail
		}
	}
	if q.Get("with_date") == "1" {
		resp["date"] = opts.Date
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleCatalog serves the per-archive zimgit-style PDF document catalog for ?zim=<name>,
// parsed from that archive's own database.js member — distinct from /manage/catalog, which
// serves the remote OPDS library catalog.
func (s *Server) handleCatalog(w http.ResponseWriter, r *http.Request) {
	zim := r.URL.Query().Get("zim")
	if zim == "" {
		writeErr(w, fmt.Errorf("%w: missing zim parameter", ErrClientError))
		return
	}

	id, _, ok := s.Registry.Lookup(zim)
	if !ok {
		writeErr(w, fmt.Errorf("%w: archive %q", ErrNotFound, zim))
		return
	}

	reader, mu, err := s.Pools.Content.Get(id)
	if err != nil {
		writeErr(w, err)
		return
	}

	mu.Lock()
	docs, ok := reader.ParseCatalog()
	mu.Unlock()
	if !ok {
		writeJSON(w, http.StatusOK, map[string]any{
			"error": fmt.Sprintf("No catalog (database.js) found in %s — not a zimgit-style PDF collection", zim),
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"zim": zim, "documents": docs, "count": len(docs)})
}

func (s *Server) handleResolveGet(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("domains") == "1" {
		writeJSON(w, http.StatusOK, s.Resolver.DomainMap())
		return
	}

	target := r.URL.Query().Get("url")
	from := r.URL.Query().Get("from")
	ref, ok := s.Resolver.Resolve(target, from)
	if !ok {
		writeJSON(w, http.StatusOK, map[string]any{"resolved": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"resolved": true, "zim": ref.ArchiveShortName, "path": ref.Path})
}

func (s *Server) handleResolvePost(w http.ResponseWriter, r *http.Request) {
	var body struct {
		URLs []string `json:"urls"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.cfg.MaxPostBody)).Decode(&body); err != nil {
		writeErr(w, fmt.Errorf("%w: invalid body", ErrClientError))
		return
	}
	if len(body.URLs) > 100 {
		writeErr(w, fmt.Errorf("%w: at most 100 urls per request", ErrClientError))
		return
	}

	out := make(map[string]any, len(body.URLs))
	for _, u := range body.URLs {
		if ref, ok := s.Resolver.Resolve(u, ""); ok {
			out[u] = map[string]any{"resolved": true, "zim": ref.ArchiveShortName, "path": ref.Path}
		} else {
			out[u] = map[string]any{"resolved": false}
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleContent(w http.ResponseWriter, r *http.Request) {
	archiveName := chi.URLParam(r, "archive")
	entryPath := chi.URLParam(r, "*")

	id, _, ok := s.Registry.Lookup(archiveName)
	if !ok {
		writeErr(w, fmt.Errorf("%w: archive %q", ErrNotFound, archiveName))
		return
	}

	raw := r.URL.Query().Get("raw") == "1"
	view := r.URL.Query().Get("view") == "1"
	if err := s.Content.Serve(w, r, id, archiveName, entryPath, raw, view); err != nil {
		writeErr(w, err)
		return
	}
	s.RecordRead(archiveName, r.Header.Get("Sec-Fetch-Dest") == "iframe")
}

func (s *Server) handleNoContent(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStatic(staticDir string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rel := chi.URLParam(r, "*")
		if strings.Contains(rel, "..") {
			writeErr(w, fmt.Errorf("%w: path traversal", ErrClientError))
			return
		}
		w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
		http.ServeFile(w, r, filepath.Join(staticDir, rel))
	}
}

func (s *Server) handleCollectionsGet(w http.ResponseWriter, r *http.Request) {
	favs, cols := s.Collections.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{"favorites": favs, "collections": cols})
}

func (s *Server) handleCollectionsPost(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name string     `json:"name"`
		Col  Collection `json:"collection"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.cfg.MaxPostBody)).Decode(&body); err != nil {
		writeErr(w, fmt.Errorf("%w: invalid body", ErrClientError))
		return
	}
	if err := s.Collections.SetCollection(body.Name, body.Col); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleCollectionsDelete(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	if err := s.Collections.DeleteCollection(name); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleFavoritesToggle(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.cfg.MaxPostBody)).Decode(&body); err != nil {
		writeErr(w, fmt.Errorf("%w: invalid body", ErrClientError))
		return
	}
	if err := s.Collections.ToggleFavorite(body.Name); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleHasPassword(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"has_password": s.Auth.HasPassword()})
}

func (s *Server) handleManageStatus(w http.ResponseWriter, r *http.Request) {
	enabled, freq, locked := s.AutoUpdate.Status()
	writeJSON(w, http.StatusOK, map[string]any{
		"zim_count":   s.Registry.Count(),
		"uptime":      s.Uptime().Seconds(),
		"auto_update": map[string]any{"enabled": enabled, "frequency": freq, "locked": locked},
	})
}

func (s *Server) handleManageStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Registry.All())
}

func (s *Server) handleManageUsage(w http.ResponseWriter, r *http.Request) {
	searches, reads, iframeReads, perArchive := s.UsageSnapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"searches": searches, "reads": reads, "iframe_reads": iframeReads, "per_archive": perArchive,
	})
}

func (s *Server) handleManageCatalog(w http.ResponseWriter, r *http.Request) {
	bases := make(map[string]bool)
	for _, a := range s.Registry.All() {
		bases[dateStrippedBase(a.FileName)] = true
	}
	if err := s.Catalog.Refresh(bases); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.Catalog.Snapshot())
}

func (s *Server) handleManageCheckUpdates(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, CheckUpdates(s.Registry.All(), s.Catalog.Snapshot()))
}

func (s *Server) handleManageDownloads(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Downloads.List())
}

func (s *Server) handleManageHistory(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.History.All())
}

func (s *Server) handleManageDownload(w http.ResponseWriter, r *http.Request) {
	var body struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.cfg.MaxPostBody)).Decode(&body); err != nil {
		writeErr(w, fmt.Errorf("%w: invalid body", ErrClientError))
		return
	}
	id, err := s.Downloads.Start(body.URL, false)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": strconv.FormatInt(id, 10)})
}

func (s *Server) handleManageImport(w http.ResponseWriter, r *http.Request) {
	var body struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.cfg.MaxPostBody)).Decode(&body); err != nil {
		writeErr(w, fmt.Errorf("%w: invalid body", ErrClientError))
		return
	}
	id, err := s.Downloads.Start(body.URL, true)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": strconv.FormatInt(id, 10)})
}

func (s *Server) handleManageCancel(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.cfg.MaxPostBody)).Decode(&body); err != nil {
		writeErr(w, fmt.Errorf("%w: invalid body", ErrClientError))
		return
	}
	id, err := strconv.ParseInt(body.ID, 10, 64)
	if err != nil {
		writeErr(w, fmt.Errorf("%w: invalid id", ErrClientError))
		return
	}
	if err := s.Downloads.Cancel(id); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleManageClearDownloads(w http.ResponseWriter, r *http.Request) {
	s.Downloads.ClearCompleted()
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleManageRefresh(w http.ResponseWriter, r *http.Request) {
	s.Refresh(true)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleManageBuildFTS(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Zim string `json:"zim"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.cfg.MaxPostBody)).Decode(&body); err != nil {
		writeErr(w, fmt.Errorf("%w: invalid body", ErrClientError))
		return
	}
	id, _, ok := s.Registry.Lookup(body.Zim)
	if !ok {
		writeErr(w, fmt.Errorf("%w: archive %q", ErrNotFound, body.Zim))
		return
	}
	if err := s.Titles.BuildFTSInPlace(id, body.Zim); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleManageDelete(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Zim string `json:"zim"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.cfg.MaxPostBody)).Decode(&body); err != nil {
		writeErr(w, fmt.Errorf("%w: invalid body", ErrClientError))
		return
	}
	id, archive, ok := s.Registry.Lookup(body.Zim)
	if !ok {
		writeErr(w, fmt.Errorf("%w: archive %q", ErrNotFound, body.Zim))
		return
	}
	s.Pools.EvictArchive(id)
	if err := os.Remove(archive.Path); err != nil {
		writeErr(w, fmt.Errorf("%w: %v", ErrClientError, err))
		return
	}
	s.History.Append(HistoryEvent{Event: "deleted", Filename: archive.FileName})
	s.Refresh(true)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleManageUpdate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Zim string `json:"zim"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.cfg.MaxPostBody)).Decode(&body); err != nil {
		writeErr(w, fmt.Errorf("%w: invalid body", ErrClientError))
		return
	}
	candidates := CheckUpdates(s.Registry.All(), s.Catalog.Snapshot())
	for _, c := range candidates {
		if c.Name == body.Zim {
			id, err := s.Downloads.Start(c.DownloadURL, false)
			if err != nil {
				writeErr(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"id": strconv.FormatInt(id, 10)})
			return
		}
	}
	writeErr(w, fmt.Errorf("%w: no update available for %q", ErrNotFound, body.Zim))
}

func (s *Server) handleManageAutoUpdate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Enabled   *bool  `json:"enabled"`
		Frequency string `json:"frequency"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.cfg.MaxPostBody)).Decode(&body); err != nil {
		writeErr(w, fmt.Errorf("%w: invalid body", ErrClientError))
		return
	}
	if body.Enabled != nil {
		if err := s.AutoUpdate.SetEnabled(*body.Enabled); err != nil {
			writeErr(w, err)
			return
		}
	}
	if body.Frequency != "" {
		if err := s.AutoUpdate.SetFrequency(body.Frequency); err != nil {
			writeErr(w, err)
			return
		}
	}
	enabled, freq, locked := s.AutoUpdate.Status()
	writeJSON(w, http.StatusOK, map[string]any{"enabled": enabled, "frequency": freq, "locked": locked})
}

func (s *Server) handleManageSetPassword(w http.ResponseWriter, r *http.Request) {
	var body struct {
		CurrentPassword string `json:"current_password"`
		NewPassword     string `json:"new_password"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.cfg.MaxPostBody)).Decode(&body); err != nil {
		writeErr(w, fmt.Errorf("%w: invalid body", ErrClientError))
		return
	}
	if s.Auth.HasPassword() && !s.Auth.Verify(body.CurrentPassword) {
		writeErr(w, fmt.Errorf("%w: current password required", ErrUnauthorized))
		return
	}
	if err := s.Auth.SetPlaintext(body.NewPassword); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func intQueryOr(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// StripHTMLTags strips markup from html, used by the /read endpoint and the "read" CLI
// subcommand to render plaintext from an archive entry's raw HTML body.
func StripHTMLTags(html string) string {
	return stripHTMLTags(html)
}

func stripHTMLTags(html string) string {
	var b strings.Builder
	inTag := false
	for _, r := range html {
		switch {
		case r == '<':
			inTag = true
		case r == '>':
			inTag = false
		case !inTag:
			b.WriteRune(r)
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}
