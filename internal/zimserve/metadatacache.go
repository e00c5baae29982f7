package zimserve

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

const metadataCacheVersion = 1

// metadataCacheRow is one persisted row in the metadata cache, keyed by archive filename.
type metadataCacheRow struct {
	MTime      int64  `json:"mtime"`
	Size       int64  `json:"size"`
	Entries    int64  `json:"entries"` // -1 encodes "?" (open failed)
	Title      string `json:"title"`
	Description string `json:"description"`
	Date       string `json:"date"`
	HasIcon    bool   `json:"has_icon"`
	MainPath   string `json:"main_path"`
}

type metadataCacheFile struct {
	Version int                          `json:"version"`
	Rows    map[string]metadataCacheRow `json:"rows"`
}

// MetadataCache is the persistent per-file metadata cache described for fast startup over
// slow storage: rows are valid as long as an archive's (mtime, size) match, and an invalid
// row triggers a single-archive rescan rather than a full directory walk.
type MetadataCache struct {
	archiveDir string
	cachePath  string
	logger     *slog.Logger

	mu   sync.RWMutex
	rows map[string]metadataCacheRow

	sf singleflight.Group
}

func NewMetadataCache(archiveDir, dataDir string, logger *slog.Logger) *MetadataCache {
	return &MetadataCache{
		archiveDir: archiveDir,
		cachePath:  filepath.Join(dataDir, "cache.json"),
		logger:     logger,
		rows:       make(map[string]metadataCacheRow),
	}
}

// Load reads the persisted cache file, tolerating absence, corruption, and version
// mismatch by starting from an empty cache in each case.
func (c *MetadataCache) Load() {
	data, err := os.ReadFile(c.cachePath)
	if err != nil {
		return
	}

	var f metadataCacheFile
	if err := json.Unmarshal(data, &f); err != nil {
		c.logger.Warn("metadata cache corrupt, rebuilding", "error", err)
		return
	}
	if f.Version != metadataCacheVersion {
		c.logger.Info("metadata cache version mismatch, rebuilding", "found", f.Version, "want", metadataCacheVersion)
		return
	}

	c.mu.Lock()
	c.rows = f.Rows
	c.mu.Unlock()
}

// Refresh scans archiveDir for *.zim files, validates each against the persisted cache,
// and reopens (via opener) any file whose (mtime, size) no longer match. It returns the
// resulting Archive list and whether anything changed relative to the prior in-memory
// state (used by the caller to decide whether to rebuild the resolver's domain map and
// clear search/suggest caches).
func (c *MetadataCache) Refresh(opener func(path string) (ArchiveMetadata, error)) ([]Archive, bool, error) {
	entries, err := os.ReadDir(c.archiveDir)
	if err != nil {
		return nil, false, fmt.Errorf("%w: read archive dir: %v", ErrUpstream, err)
	}

	changed := false
	archives := make([]Archive, 0, len(entries))
	newRows := make(map[string]metadataCacheRow, len(entries))

	c.mu.RLock()
	oldRows := c.rows
	c.mu.RUnlock()

	for _, de := range entries {
		if de.IsDir() || filepath.Ext(de.Name()) != ".zim" {
			continue
		}
		fullPath := filepath.Join(c.archiveDir, de.Name())
		info, err := de.Info()
		if err != nil {
			continue
		}

		old, hadOld := oldRows[de.Name()]
		var row metadataCacheRow
		if hadOld && old.MTime == info.ModTime().Unix() && old.Size == info.Size() {
			row = old
		} else {
			changed = true
			row = c.rescanOne(fullPath, de.Name(), info.ModTime().Unix(), info.Size(), opener)
		}

		newRows[de.Name()] = row
		archives = append(archives, archiveFromRow(de.Name(), fullPath, row))
	}

	if len(newRows) != len(oldRows) {
		changed = true
	}

	c.mu.Lock()
	c.rows = newRows
	c.mu.Unlock()

	if err := c.persist(newRows); err != nil {
		c.logger.Warn("failed to persist metadata cache", "error", err)
	}

	return archives, changed, nil
}

// rescanOne reopens a single archive via opener, deduped across concurrent Refresh callers
// by path through a singleflight group. A failed open still produces a row (entries = -1,
// empty metadata) so scanning continues for other archives.
func (c *MetadataCache) rescanOne(fullPath, name string, mtime, size int64, opener func(string) (ArchiveMetadata, error)) metadataCacheRow {
	v, _, _ := c.sf.Do(fullPath, func() (any, error) {
		meta, err := opener(fullPath)
		if err != nil {
			c.logger.Warn("failed to open archive for metadata scan", "path", fullPath, "error", err)
			return metadataCacheRow{MTime: mtime, Size: size, Entries: -1}, nil
		}
		return metadataCacheRow{
			MTime:       mtime,
			Size:        size,
			Entries:     meta.EntryCount,
			Title:       meta.Title,
			Description: meta.Description,
			Date:        meta.Date,
			HasIcon:     meta.HasIcon,
			MainPath:    meta.MainPath,
		}, nil
	})
	_ = name
	return v.(metadataCacheRow)
}

func archiveFromRow(filename, fullPath string, row metadataCacheRow) Archive {
	shortName := ShortName(filename)
	title := row.Title
	if title == "" {
		title = shortName
	}
	date := row.Date
	if date == "" {
		date = dateInFilename(filename)
	}
	return Archive{
		ShortName:   shortName,
		FileName:    filename,
		Path:        fullPath,
		Size:        row.Size,
		ModTime:     time.Unix(row.MTime, 0),
		Title:       title,
		Description: row.Description,
		Date:        date,
		MainPath:    row.MainPath,
		HasIcon:     row.HasIcon,
		EntryCount:  row.Entries,
		Category:    Category(shortName),
	}
}

func (c *MetadataCache) persist(rows map[string]metadataCacheRow) error {
	f := metadataCacheFile{Version: metadataCacheVersion, Rows: rows}
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	return writeFileAtomic(c.cachePath, data)
}

// writeFileAtomic writes data to a temp file in the same directory as path, then renames
// it into place, so a crash or concurrent reader never observes a partially written file.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
