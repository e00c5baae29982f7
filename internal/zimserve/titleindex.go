package zimserve

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	_ "github.com/mattn/go-sqlite3"
)

const titleIndexSchemaVersion = 1
const titleIndexFTSThreshold = 2_000_000
const titleIndexInsertBatch = 10_000

// titleIndexMeta mirrors the meta(key, value) table: schema version, the originating
// archive's mtime, build timestamp, entry count, and whether the inverted table exists.
type titleIndexMeta struct {
	SchemaVersion int
	ArchiveMTime  int64
	BuildUnix     int64
	EntryCount    int64
	HasFTS        bool
}

// TitleIndexPool keeps one long-lived *sql.DB connection per archive (WAL mode, 64 MB
// mmap) in a process-wide map, avoiding the ~10 ms per-query reconnect cost that would
// otherwise dominate a multi-archive fan-out on spinning disks.
type TitleIndexPool struct {
	dir    string
	logger *slog.Logger
	metrics *Metrics

	mu    sync.Mutex
	conns map[ArchiveID]*sql.DB
}

func NewTitleIndexPool(dataDir string, logger *slog.Logger, metrics *Metrics) *TitleIndexPool {
	dir := filepath.Join(dataDir, "titles")
	os.MkdirAll(dir, 0o755)
	return &TitleIndexPool{
		dir:     dir,
		logger:  logger,
		metrics: metrics,
		conns:   make(map[ArchiveID]*sql.DB),
	}
}

func (p *TitleIndexPool) dbPath(shortName string) string {
	return filepath.Join(p.dir, shortName+".db")
}

// Current reports whether id's on-disk title index exists, matches the current schema
// version, and was built from the archive's current mtime.
func (p *TitleIndexPool) Current(shortName string, archiveMTimeUnix int64) bool {
	db, err := sql.Open("sqlite3", p.dbPath(shortName)+"?mode=ro")
	if err != nil {
		return false
	}
	defer db.Close()

	meta, err := readMeta(db)
	if err != nil {
		return false
	}
	return meta.SchemaVersion == titleIndexSchemaVersion && meta.ArchiveMTime == archiveMTimeUnix
}

func readMeta(db *sql.DB) (titleIndexMeta, error) {
	rows, err := db.Query(`SELECT key, value FROM meta`)
	if err != nil {
		return titleIndexMeta{}, err
	}
	defer rows.Close()

	m := titleIndexMeta{}
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return titleIndexMeta{}, err
		}
		switch k {
		case "schema_version":
			fmt.Sscanf(v, "%d", &m.SchemaVersion)
		case "archive_mtime":
			fmt.Sscanf(v, "%d", &m.ArchiveMTime)
		case "build_unix":
			fmt.Sscanf(v, "%d", &m.BuildUnix)
		case "entry_count":
			fmt.Sscanf(v, "%d", &m.EntryCount)
		case "has_fts":
			m.HasFTS = v == "1"
		}
	}
	return m, rows.Err()
}

// Get returns (opening if necessary) the pooled connection for id. Callers should treat a
// nil, non-nil-error return as "fall back to the reader's suggestion tree" per the index's
// own contract: absence never breaks search.
func (p *TitleIndexPool) Get(id ArchiveID, shortName string) (*sql.DB, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if db, ok := p.conns[id]; ok {
		return db, nil
	}

	path := p.dbPath(shortName)
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("%w: no title index for %s", ErrNotFound, shortName)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_mmap_size=67108864")
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	p.conns[id] = db
	return db, nil
}

// Evict closes and drops id's pooled connection, used when a query errors (the connection
// may be in a bad state) or the archive is removed/replaced.
func (p *TitleIndexPool) Evict(id ArchiveID) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if db, ok := p.conns[id]; ok {
		delete(p.conns, id)
		db.Close()
	}
}

// Build creates (or replaces) the title index for an archive: it opens its own dedicated
// reader handle rather than borrowing one from any pool, so the build never holds a
// reader under a pool or library lock while iterating potentially millions of entries.
func (p *TitleIndexPool) Build(archive Archive, buildUnix int64) error {
	if p.metrics != nil {
		p.metrics.IncTitleIndexBuild()
	}

	reader, err := openZimArchiveReader(archive.Path)
	if err != nil {
		if p.metrics != nil {
			p.metrics.IncTitleIndexBuildFailed()
		}
		return err
	}
	defer reader.Close()

	tmpPath := p.dbPath(archive.ShortName) + ".building"
	os.Remove(tmpPath)

	db, err := sql.Open("sqlite3", tmpPath+"?_journal_mode=WAL&_mmap_size=67108864")
	if err != nil {
		if p.metrics != nil {
			p.metrics.IncTitleIndexBuildFailed()
		}
		return err
	}

	if err := p.buildInto(db, reader, archive, buildUnix); err != nil {
		db.Close()
		os.Remove(tmpPath)
		if p.metrics != nil {
			p.metrics.IncTitleIndexBuildFailed()
		}
		return err
	}
	db.Close()

	finalPath := p.dbPath(archive.ShortName)
	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		if p.metrics != nil {
			p.metrics.IncTitleIndexBuildFailed()
		}
		return fmt.Errorf("rename title index into place: %w", err)
	}
	return nil
}

func (p *TitleIndexPool) buildInto(db *sql.DB, reader *zimArchiveReader, archive Archive, buildUnix int64) error {
	schema := []string{
		`CREATE TABLE titles (path TEXT PRIMARY KEY, title TEXT, title_lower TEXT)`,
		`CREATE TABLE meta (key TEXT PRIMARY KEY, value TEXT)`,
	}
	for _, s := range schema {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	stmt, err := tx.Prepare(`INSERT INTO titles (path, title, title_lower) VALUES (?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return err
	}

	var count, entryCount int64
	walkErr := reader.Walk(func(e Entry) error {
		if _, err := stmt.Exec(e.Path, e.Title, strings.ToLower(e.Title)); err != nil {
			return err
		}
		count++
		entryCount++
		if count >= titleIndexInsertBatch {
			if err := stmt.Close(); err != nil {
				return err
			}
			if err := tx.Commit(); err != nil {
				return err
			}
			tx, err = db.Begin()
			if err != nil {
				return err
			}
			stmt, err = tx.Prepare(`INSERT INTO titles (path, title, title_lower) VALUES (?, ?, ?)`)
			if err != nil {
				return err
			}
			count = 0
		}
		return nil
	})
	if walkErr != nil {
		stmt.Close()
		tx.Rollback()
		return walkErr
	}
	if err := stmt.Close(); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	if _, err := db.Exec(`CREATE INDEX idx_title_lower ON titles(title_lower)`); err != nil {
		return err
	}

	hasFTS := entryCount <= titleIndexFTSThreshold
	if hasFTS {
		if err := buildFTSTable(db); err != nil {
			return err
		}
	}

	meta := map[string]string{
		"schema_version": fmt.Sprintf("%d", titleIndexSchemaVersion),
		"archive_mtime":  fmt.Sprintf("%d", archive.ModTime.Unix()),
		"build_unix":     fmt.Sprintf("%d", buildUnix),
		"entry_count":    fmt.Sprintf("%d", entryCount),
		"has_fts":        boolToFlag(hasFTS),
	}
	for k, v := range meta {
		if _, err := db.Exec(`INSERT INTO meta (key, value) VALUES (?, ?)`, k, v); err != nil {
			return err
		}
	}
	return nil
}

func buildFTSTable(db *sql.DB) error {
	if _, err := db.Exec(`CREATE VIRTUAL TABLE titles_fts USING fts5(path UNINDEXED, title)`); err != nil {
		return err
	}
	_, err := db.Exec(`INSERT INTO titles_fts (path, title) SELECT path, title FROM titles`)
	return err
}

func boolToFlag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// BuildFTSInPlace adds the titles_fts table to an already-built index that is missing it,
// without rescanning the archive, provided the index file is under 2,500 MB.
func (p *TitleIndexPool) BuildFTSInPlace(id ArchiveID, shortName string) error {
	info, err := os.Stat(p.dbPath(shortName))
	if err != nil {
		return err
	}
	if info.Size() > 2_500*1024*1024 {
		return fmt.Errorf("%w: title index too large for in-place FTS build", ErrClientError)
	}

	db, err := p.Get(id, shortName)
	if err != nil {
		return err
	}

	var hasFTS int
	db.QueryRow(`SELECT count(*) FROM sqlite_master WHERE type='table' AND name='titles_fts'`).Scan(&hasFTS)
	if hasFTS > 0 {
		return nil
	}

	if err := buildFTSTable(db); err != nil {
		return err
	}
	_, err = db.Exec(`UPDATE meta SET value = '1' WHERE key = 'has_fts'`)
	return err
}

// LookupSingleWord performs the B-tree range scan title_lower >= q AND title_lower < q's
// codepoint successor, bounded to limit rows.
func LookupSingleWord(db *sql.DB, word string, limit int) ([]Entry, error) {
	upper := prefixUpperBound(word)
	rows, err := db.Query(
		`SELECT path, title FROM titles WHERE title_lower >= ? AND title_lower < ? ORDER BY title_lower LIMIT ?`,
		word, upper, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEntries(rows)
}

// LookupMultiWord fetches up to 20*limit candidates by prefix-scanning the first word,
// then filters in-memory to titles containing every other word as a substring.
func LookupMultiWord(db *sql.DB, words []string, limit int) ([]Entry, error) {
	if len(words) == 0 {
		return nil, nil
	}
	candidates, err := LookupSingleWord(db, words[0], limit*20)
	if err != nil {
		return nil, err
	}

	out := make([]Entry, 0, limit)
	for _, e := range candidates {
		lower := strings.ToLower(e.Title)
		match := true
		for _, w := range words[1:] {
			if !strings.Contains(lower, w) {
				match = false
				break
			}
		}
		if match {
			out = append(out, e)
			if len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Path, &e.Title); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// prefixUpperBound returns the lexicographic successor used as the exclusive upper bound
// of a prefix range scan: it increments the last rune of s by one codepoint.
func prefixUpperBound(s string) string {
	if s == "" {
		return s
	}
	r := []rune(s)
	r[len(r)-1]++
	return string(r)
}
