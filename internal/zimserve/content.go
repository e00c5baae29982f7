package zimserve

import (
	"bytes"
	"crypto/md5"
	"fmt"
	"io"
	"net/http"
	"path"
	"regexp"
	"strconv"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/klauspost/compress/gzip"
)

const maxNonStreamableSize = 50 * 1024 * 1024

var namespaceFallbacks = []string{"A/", "I/", "C/", "-/"}

var extMIME = map[string]string{
	".html": "text/html", ".htm": "text/html", ".css": "text/css",
	".js": "application/javascript", ".json": "application/json",
	".png": "image/png", ".jpg": "image/jpeg", ".jpeg": "image/jpeg",
	".gif": "image/gif", ".webp": "image/webp", ".svg": "image/svg+xml",
	".woff": "font/woff", ".woff2": "font/woff2", ".ttf": "font/ttf", ".otf": "font/otf",
	".pdf": "application/pdf", ".epub": "application/epub+zip",
	".mp4": "video/mp4", ".webm": "video/webm", ".ogv": "video/ogg",
	".mp3": "audio/mpeg", ".ogg": "audio/ogg", ".oga": "audio/ogg", ".wav": "audio/wav",
	".wasm": "application/wasm", ".xml": "application/xml", ".txt": "text/plain",
}

var baseTagRE = regexp.MustCompile(`(?is)<base[^>]*>`)

func isStreamableMIME(mime string) bool {
	return strings.HasPrefix(mime, "video/") || strings.HasPrefix(mime, "audio/") || mime == "application/ogg"
}

func isCompressibleMIME(mime string) bool {
	return strings.HasPrefix(mime, "text/") ||
		mime == "application/javascript" || mime == "application/json" || mime == "application/xml" ||
		mime == "image/svg+xml"
}

// ContentServer implements GET /w/<archive>/<entry_path>.
type ContentServer struct {
	pools   *ArchivePools
	metrics *Metrics
}

func NewContentServer(pools *ArchivePools, metrics *Metrics) *ContentServer {
	return &ContentServer{pools: pools, metrics: metrics}
}

// contentShellHTML is a minimal stand-in for the client-side router's shell page; the
// actual front-end markup and script bundle live outside this module.
const contentShellHTML = `<!DOCTYPE html><html><head><meta charset="utf-8"><title>zimserve</title></head><body><div id="app"></div></body></html>`

// shouldServeShell decides between the raw entry and the client-side router's shell page,
// mirroring the precedence of a browser's top-level document navigation: an explicit
// ?view=1 always wins (even over ?raw=1), then ?raw=1 bypasses the shell, then an EPUB
// path always serves raw so it downloads rather than routes through the SPA, and only then
// does an empty path or a Sec-Fetch-Dest: document request fall through to the shell.
func shouldServeShell(entryPath, secFetchDest string, raw, view bool) bool {
	if view {
		return true
	}
	if raw {
		return false
	}
	if strings.HasSuffix(strings.ToLower(entryPath), ".epub") {
		return false
	}
	return entryPath == "" || secFetchDest == "document"
}

// serveShell writes the client-side router's shell page, varying the cached response by
// Sec-Fetch-Dest since the same URL serves either the shell or raw bytes depending on it.
func (c *ContentServer) serveShell(w http.ResponseWriter) error {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Vary", "Sec-Fetch-Dest")
	w.Header().Set("Cache-Control", "no-store")
	_, err := io.WriteString(w, contentShellHTML)
	return err
}

// ContentETag computes the stable, strong ETag for (archive, path): the first 16 hex
// characters of MD5("archive/path").
func ContentETag(archive, path string) string {
	sum := md5.Sum([]byte(archive + "/" + path))
	return `"` + fmt.Sprintf("%x", sum)[:16] + `"`
}

// Serve resolves and writes the entry at entryPath in archive id to w. It acquires the
// per-archive content lock only while consulting the reader, releasing it before writing
// the (possibly large) body to the socket. Before touching the archive at all it decides,
// via shouldServeShell, whether this is top-level document navigation that should get the
// client-side router's shell instead of the raw entry bytes.
func (c *ContentServer) Serve(w http.ResponseWriter, r *http.Request, id ArchiveID, archiveShortName, entryPath string, raw, view bool) error {
	if shouldServeShell(entryPath, r.Header.Get("Sec-Fetch-Dest"), raw, view) {
		return c.serveShell(w)
	}

	reader, mu, err := c.pools.Content.Get(id)
	if err != nil {
		return err
	}

	mu.Lock()
	entry, data, err := reader.GetEntry(entryPath)
	if err != nil {
		for _, ns := range namespaceFallbacks {
			var altPath string
			if strings.HasPrefix(entryPath, ns) {
				altPath = strings.TrimPrefix(entryPath, ns)
			} else {
				altPath = ns + entryPath
			}
			entry, data, err = reader.GetEntry(altPath)
			if err == nil {
				entryPath = altPath
				break
			}
		}
	}
	mu.Unlock()

	if err != nil {
		return err
	}

	if entry.Redirect {
		http.Redirect(w, r, "/w/"+archiveShortName+"/"+entry.RedirectTo, http.StatusFound)
		return nil
	}

	mime := resolveMIME(entry, data)

	etag := ContentETag(archiveShortName, entryPath)
	if inm := r.Header.Get("If-None-Match"); inm == etag {
		w.WriteHeader(http.StatusNotModified)
		return nil
	}

	if strings.HasSuffix(entryPath, ".epub") || mime == "application/epub+zip" {
		w.Header().Set("Content-Disposition", `attachment; filename="`+path.Base(entryPath)+`"`)
	}

	if isStreamableMIME(mime) {
		return c.serveStreamable(w, r, mime, etag, data)
	}

	if len(data) > maxNonStreamableSize {
		return fmt.Errorf("%w: entry exceeds %d bytes", ErrTooLarge, maxNonStreamableSize)
	}

	if mime == "text/html" {
		data = baseTagRE.ReplaceAll(data, nil)
	}

	w.Header().Set("Content-Type", mime)
	w.Header().Set("ETag", etag)
	w.Header().Set("Cache-Control", "public, max-age=86400, immutable")
	if mime == "text/html" {
		w.Header().Set("Content-Security-Policy",
			"default-src 'self'; style-src 'self' 'unsafe-inline'; script-src 'self' 'unsafe-inline'; frame-ancestors 'self'")
	}

	return c.writeCompressible(w, r, mime, data)
}

func resolveMIME(entry Entry, data []byte) string {
	mime := entry.MIME
	if mime == "" || !strings.Contains(mime, "/") {
		if ext := path.Ext(entry.Path); ext != "" {
			if m, ok := extMIME[strings.ToLower(ext)]; ok {
				mime = m
			}
		}
		if mime == "" {
			mime = mimetype.Detect(data).String()
		}
	}

	if strings.HasSuffix(entry.Path, ".pdf") && mime == "text/html" {
		mime = "application/pdf" // known packaging bug: archive metadata mislabels PDFs
	}
	return mime
}

func (c *ContentServer) writeCompressible(w http.ResponseWriter, r *http.Request, mime string, data []byte) error {
	if isCompressibleMIME(mime) && len(data) > 256 && strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") {
		w.Header().Set("Content-Encoding", "gzip")
		w.Header().Del("Content-Length")
		gw, _ := gzip.NewWriterLevel(w, 4)
		defer gw.Close()
		_, err := gw.Write(data)
		if c.metrics != nil {
			c.metrics.AddContentBytesServed(int64(len(data)))
		}
		return err
	}

	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	_, err := w.Write(data)
	if c.metrics != nil {
		c.metrics.AddContentBytesServed(int64(len(data)))
	}
	return err
}

func (c *ContentServer) serveStreamable(w http.ResponseWriter, r *http.Request, mime, etag string, data []byte) error {
	w.Header().Set("Accept-Ranges", "bytes")
	w.Header().Set("Content-Type", mime)
	w.Header().Set("ETag", etag)
	w.Header().Set("Cache-Control", "public, max-age=86400, immutable")

	size := int64(len(data))
	rangeHeader := r.Header.Get("Range")
	if rangeHeader == "" {
		w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
		_, err := w.Write(data)
		if c.metrics != nil {
			c.metrics.AddContentBytesServed(size)
		}
		return err
	}

	start, end, ok := parseByteRange(rangeHeader, size)
	if !ok {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", size))
		w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
		return nil
	}

	if c.metrics != nil {
		c.metrics.IncContentRangeRequest()
	}

	w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, size))
	w.Header().Set("Content-Length", strconv.FormatInt(end-start+1, 10))
	w.WriteHeader(http.StatusPartialContent)

	_, err := io.Copy(w, bytes.NewReader(data[start:end+1]))
	if c.metrics != nil {
		c.metrics.AddContentBytesServed(end - start + 1)
	}
	return err
}

// parseByteRange parses a single "bytes=start-end" or suffix "bytes=-N" Range header
// value against a resource of the given size. It returns ok=false when start is at or
// beyond size, for a zero or invalid suffix length, when end is before start, and for a
// malformed or multi-range header (single-range only is supported). An end past the
// resource, or a suffix longer than size, is clamped to size-1.
func parseByteRange(header string, size int64) (start, end int64, ok bool) {
	if !strings.HasPrefix(header, "bytes=") {
		return 0, 0, false
	}
	spec := strings.TrimPrefix(header, "bytes=")
	if strings.Contains(spec, ",") {
		return 0, 0, false
	}

	parts := strings.SplitN(spec, "-", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}

	if parts[0] == "" {
		// suffix range: last N bytes
		n, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil || n <= 0 {
			return 0, 0, false
		}
		if n > size {
			n = size
		}
		return size - n, size - 1, true
	}

	s, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil || s < 0 || s >= size {
		return 0, 0, false
	}

	e := size - 1
	if parts[1] != "" {
		e, err = strconv.ParseInt(parts[1], 10, 64)
		if err != nil || e < s {
			return 0, 0, false
		}
		if e >= size {
			e = size - 1
		}
	}
	return s, e, true
}
