package zimserve

import (
	"archive/zip"
	"fmt"
	"io"
	"path"
	"regexp"
	"strings"
	"sync"
	"time"
)

// Entry is an item inside an archive, addressed by a path string.
type Entry struct {
	Path       string
	Title      string
	MIME       string
	Redirect   bool
	RedirectTo string
	Size       int64
}

// ArchiveMetadata is the handful of fields a reader exposes about the archive as a whole,
// mirroring the "Title, Description, Date, Illustration_48x48, entry count, main entry
// path" fields a native reader's metadata namespace would provide.
type ArchiveMetadata struct {
	Title       string
	Description string
	Date        string
	HasIcon     bool
	EntryCount  int64
	MainPath    string
	Source      string // a URL or hostname, when present, used by the URL resolver's domain map
}

// Reader opens one archive file and serves entry lookups, metadata, a simple full-text
// scan (standing in for a native Xapian FTS engine), and title suggestions. There is no
// Go-native ZIM container library available, so Reader is backed by the stdlib
// archive/zip package: each installed "archive" is in fact a zip file whose members carry
// the ZIM-style A/ I/ C/ -/ namespace prefixes in their names, and whose zip archive
// comment carries the Title/Description/Date/Illustration fields as "Key=Value" lines. A
// top-level metadata.json member is excluded from the entries but is not parsed.
// No Go-native ZIM container library exists, so this is the one component built directly
// on the standard library rather than a third-party package; see DESIGN.md.
type Reader interface {
	Close() error
	Metadata() ArchiveMetadata
	GetEntry(path string) (Entry, []byte, error)
	// Suggest returns up to limit entries whose title starts with (case-insensitive)
	// prefix — the reader-native fallback used when no title index is available. The order
	// of the returned entries, and which ones are kept when more than limit match, is not
	// defined.
	Suggest(prefix string, limit int) ([]Entry, error)
	// FTS performs a naive substring scan over entry titles and decompressed bodies,
	// standing in for a Xapian-style inverted index query. It returns up to limit hits,
	// ranked in the order the scan finds them (which is not defined); a hit matched in the
	// body carries a snippet of surrounding body text, a hit matched in the title carries
	// none.
	FTS(query string, limit int) ([]FTSHit, error)
	// Walk invokes fn for every non-redirect entry whose extension is not in a fixed asset
	// exclusion set, used by the title index builder.
	Walk(fn func(Entry) error) error
	// ParseCatalog reads and parses a top-level "database.js" member, the zimgit
	// convention for bundling a PDF collection's per-document metadata inside a ZIM. It
	// reports ok=false when the archive carries no such member.
	ParseCatalog() (docs []CatalogDocument, ok bool)
}

// CatalogDocument is one entry in a zimgit-style database.js PDF catalog.
type CatalogDocument struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Author      string `json:"author"`
	Path        string `json:"path"`
}

// FTSHit is one full-text search result from a reader's FTS method.
type FTSHit struct {
	Entry  Entry
	Rank   int
	Snippet string
}

var assetExtensions = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".webp": true, ".svg": true,
	".css": true, ".js": true, ".woff": true, ".woff2": true, ".ttf": true, ".otf": true,
	".mp3": true, ".mp4": true, ".ogg": true, ".webm": true, ".wav": true,
}

// zimArchiveReader implements Reader over a zip.ReadCloser.
type zimArchiveReader struct {
	mu   sync.Mutex
	zr   *zip.ReadCloser
	path string

	byPath map[string]*zip.File
	meta   ArchiveMetadata
}

// openZimArchiveReader opens path as a zip-backed archive and derives its ArchiveMetadata
// from "Key=Value" lines in the zip archive comment. A top-level metadata.json member is
// left out of the entry count and is not parsed; fields absent from the comment stay empty.
func openZimArchiveReader(filePath string) (*zimArchiveReader, error) {
	zr, err := zip.OpenReader(filePath)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrArchiveTemporarilyUnavailable, filePath, err)
	}

	r := &zimArchiveReader{
		zr:     zr,
		path:   filePath,
		byPath: make(map[string]*zip.File, len(zr.File)),
	}

	var entryCount int64
	for _, f := range zr.File {
		name := normalizeZimPath(f.Name)
		r.byPath[name] = f
		if name == "metadata.json" {
			continue
		}
		if !f.FileInfo().IsDir() {
			entryCount++
		}
	}

	r.meta = deriveMetadataFromComment(zr.Comment, entryCount)
	return r, nil
}

func normalizeZimPath(p string) string {
	return strings.TrimPrefix(path.Clean("/"+p), "/")
}

func deriveMetadataFromComment(comment string, entryCount int64) ArchiveMetadata {
	m := ArchiveMetadata{EntryCount: entryCount}
	for _, line := range strings.Split(comment, "\n") {
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		k, v = strings.TrimSpace(k), strings.TrimSpace(v)
		switch k {
		case "Title":
			m.Title = v
		case "Description":
			m.Description = v
		case "Date":
			m.Date = v
		case "Illustration_48x48":
			m.HasIcon = v != ""
		case "MainPath":
			m.MainPath = v
		case "Source":
			m.Source = v
		}
	}
	return m
}

func (r *zimArchiveReader) Close() error {
	return r.zr.Close()
}

func (r *zimArchiveReader) Metadata() ArchiveMetadata {
	return r.meta
}

func (r *zimArchiveReader) GetEntry(p string) (Entry, []byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	f, ok := r.byPath[normalizeZimPath(p)]
	if !ok {
		return Entry{}, nil, fmt.Errorf("%w: entry %s", ErrNotFound, p)
	}

	rc, err := f.Open()
	if err != nil {
		return Entry{}, nil, fmt.Errorf("%w: read %s: %v", ErrArchiveTemporarilyUnavailable, p, err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return Entry{}, nil, fmt.Errorf("%w: read %s: %v", ErrArchiveTemporarilyUnavailable, p, err)
	}

	e := Entry{
		Path: normalizeZimPath(p),
		Size: int64(len(data)),
	}
	if target := redirectTarget(f.Comment); target != "" {
		e.Redirect = true
		e.RedirectTo = target
	}
	e.Title, e.MIME = titleAndMIMEFromComment(f.Comment)
	return e, data, nil
}

func redirectTarget(comment string) string {
	for _, line := range strings.Split(comment, "\n") {
		if k, v, ok := strings.Cut(line, "="); ok && strings.TrimSpace(k) == "Redirect" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func titleAndMIMEFromComment(comment string) (title, mime string) {
	for _, line := range strings.Split(comment, "\n") {
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		switch strings.TrimSpace(k) {
		case "Title":
			title = strings.TrimSpace(v)
		case "MIME":
			mime = strings.TrimSpace(v)
		}
	}
	return title, mime
}

func (r *zimArchiveReader) Suggest(prefix string, limit int) ([]Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	prefix = strings.ToLower(prefix)
	var out []Entry
	for name, f := range r.byPath {
		if f.FileInfo().IsDir() || name == "metadata.json" {
			continue
		}
		title, mime := titleAndMIMEFromComment(f.Comment)
		if title == "" {
			title = path.Base(name)
		}
		if strings.HasPrefix(strings.ToLower(title), prefix) {
			out = append(out, Entry{Path: name, Title: title, MIME: mime, Size: int64(f.UncompressedSize64)})
			if len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

// ftsSnippetRadius is how many characters of body text surround a match in the snippet
// returned alongside each FTS hit.
const ftsSnippetRadius = 80

// ftsMaxBodyBytes bounds how much of an entry's decompressed body FTS reads: only the first
// ftsMaxBodyBytes are searched, so one oversized asset cannot stall the whole full-text phase.
const ftsMaxBodyBytes = 2 << 20

func (r *zimArchiveReader) FTS(query string, limit int) ([]FTSHit, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	q := strings.ToLower(query)
	var out []FTSHit
	rank := 0
	for name, f := range r.byPath {
		if f.FileInfo().IsDir() || name == "metadata.json" || redirectTarget(f.Comment) != "" {
			continue
		}
		if assetExtensions[strings.ToLower(path.Ext(name))] {
			continue
		}

		title, mime := titleAndMIMEFromComment(f.Comment)
		entry := Entry{Path: name, Title: title, MIME: mime, Size: int64(f.UncompressedSize64)}

		if strings.Contains(strings.ToLower(title), q) {
			out = append(out, FTSHit{Entry: entry, Rank: rank})
			rank++
			if len(out) >= limit {
				break
			}
			continue
		}

		body, ok := r.readBodyText(f, mime)
		if !ok {
			continue
		}
		lower := strings.ToLower(body)
		if idx := strings.Index(lower, q); idx >= 0 {
			out = append(out, FTSHit{Entry: entry, Rank: rank, Snippet: snippetAround(body, idx, len(q))})
			rank++
			if len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

// readBodyText opens f and returns its decompressed body as plaintext, stripping markup
// for HTML entries. It reports ok=false for non-textual MIME types or on read failure.
func (r *zimArchiveReader) readBodyText(f *zip.File, mime string) (string, bool) {
	if !strings.HasPrefix(mime, "text/") {
		return "", false
	}
	rc, err := f.Open()
	if err != nil {
		return "", false
	}
	defer rc.Close()

	data, err := io.ReadAll(io.LimitReader(rc, ftsMaxBodyBytes))
	if err != nil {
		return "", false
	}
	text := string(data)
	if strings.Contains(mime, "html") {
		text = stripHTMLTags(text)
	}
	return text, true
}

// snippetAround extracts up to ftsSnippetRadius bytes on either side of the match at byte
// offset idx (of length matchLen) in body. It cuts at those byte offsets without trimming
// to whole words, and marks a cut end with "…".
func snippetAround(body string, idx, matchLen int) string {
	start := idx - ftsSnippetRadius
	if start < 0 {
		start = 0
	}
	end := idx + matchLen + ftsSnippetRadius
	if end > len(body) {
		end = len(body)
	}
	snippet := strings.TrimSpace(body[start:end])
	if start > 0 {
		snippet = "… " + snippet
	}
	if end < len(body) {
		snippet = snippet + " …"
	}
	return snippet
}

func (r *zimArchiveReader) Walk(fn func(Entry) error) error {
	r.mu.Lock()
	files := make([]*zip.File, 0, len(r.byPath))
	names := make([]string, 0, len(r.byPath))
	for name, f := range r.byPath {
		files = append(files, f)
		names = append(names, name)
	}
	r.mu.Unlock()

	for i, f := range files {
		name := names[i]
		if f.FileInfo().IsDir() || name == "metadata.json" {
			continue
		}
		if redirectTarget(f.Comment) != "" {
			continue
		}
		if assetExtensions[strings.ToLower(path.Ext(name))] {
			continue
		}
		title, mime := titleAndMIMEFromComment(f.Comment)
		if title == "" {
			title = path.Base(name)
		}
		if err := fn(Entry{Path: name, Title: title, MIME: mime, Size: int64(f.UncompressedSize64)}); err != nil {
			return err
		}
	}
	return nil
}

// ParseCatalog reads and parses a top-level "database.js" member. zimgit-style PDF
// collections embed their catalog as "var DATABASE = [ {ti: '...', dsc: '...', aut: '...',
// fp: ['file.pdf']}, ... ];" — a JS array literal, not JSON, so fields are pulled out with
// targeted regexps rather than a general decoder.
func (r *zimArchiveReader) ParseCatalog() ([]CatalogDocument, bool) {
	_, data, err := r.GetEntry("database.js")
	if err != nil {
		return nil, false
	}

	content := strings.TrimSpace(string(data))
	content = strings.TrimPrefix(content, "var DATABASE = ")
	content = strings.TrimSuffix(strings.TrimSpace(content), ";")

	objects := splitTopLevelJSObjects(content)
	if len(objects) == 0 {
		return nil, false
	}

	docs := make([]CatalogDocument, 0, len(objects))
	for _, obj := range objects {
		fp := jsStringArrayField(obj, "fp")
		docPath := ""
		if len(fp) > 0 {
			docPath = "files/" + fp[0]
		}
		docs = append(docs, CatalogDocument{
			Title:       jsStringField(obj, "ti"),
			Description: jsStringField(obj, "dsc"),
			Author:      jsStringField(obj, "aut"),
			Path:        docPath,
		})
	}
	return docs, true
}

// splitTopLevelJSObjects splits a JS array-literal body into its top-level {...} object
// substrings, tracking brace depth and skipping braces that appear inside quoted strings.
func splitTopLevelJSObjects(s string) []string {
	var objects []string
	depth := 0
	start := -1
	inString := false
	var quote byte

	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			if c == '\\' {
				i++
				continue
			}
			if c == quote {
				inString = false
			}
			continue
		}
		switch c {
		case '\'', '"':
			inString = true
			quote = c
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			depth--
			if depth == 0 && start >= 0 {
				objects = append(objects, s[start:i+1])
				start = -1
			}
		}
	}
	return objects
}

// jsStringField extracts the single-quoted (or double-quoted) string value of key from a
// JS object literal substring, e.g. jsStringField("{ti: 'Foo'}", "ti") == "Foo".
func jsStringField(obj, key string) string {
	re := regexp.MustCompile(regexp.QuoteMeta(key) + `\s*:\s*'((?:[^'\\]|\\.)*)'|` +
		regexp.QuoteMeta(key) + `\s*:\s*"((?:[^"\\]|\\.)*)"`)
	m := re.FindStringSubmatch(obj)
	if m == nil {
		return ""
	}
	for _, g := range m[1:] {
		if g != "" {
			return unescapeJSString(g)
		}
	}
	return ""
}

// jsStringArrayField extracts the string elements of key's array value, e.g.
// jsStringArrayField("{fp: ['a.pdf', 'b.pdf']}", "fp") == []string{"a.pdf", "b.pdf"}.
func jsStringArrayField(obj, key string) []string {
	re := regexp.MustCompile(regexp.QuoteMeta(key) + `\s*:\s*\[([^\]]*)\]`)
	m := re.FindStringSubmatch(obj)
	if m == nil {
		return nil
	}
	elemRE := regexp.MustCompile(`'((?:[^'\\]|\\.)*)'|"((?:[^"\\]|\\.)*)"`)
	var out []string
	for _, em := range elemRE.FindAllStringSubmatch(m[1], -1) {
		for _, g := range em[1:] {
			if g != "" {
				out = append(out, unescapeJSString(g))
				break
			}
		}
	}
	return out
}

func unescapeJSString(s string) string {
	s = strings.ReplaceAll(s, `\'`, `'`)
	s = strings.ReplaceAll(s, `\"`, `"`)
	s = strings.ReplaceAll(s, `\\`, `\`)
	return s
}

var _ Reader = (*zimArchiveReader)(nil)

// openTimeout is not referenced by any open path: archive opens through the pools are not
// time-bounded and block for as long as the underlying zip open takes.
const openTimeout = 30 * time.Second
