package zimserve

import (
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
)

func writeDummyZim(t *testing.T, dir, name string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte("dummy"), 0o644); err != nil {
		t.Fatalf("writing fixture %s: %v", name, err)
	}
}

func TestMetadataCacheRefreshTwiceScansZeroNewArchives(t *testing.T) {
	t.Parallel()

	archiveDir := t.TempDir()
	dataDir := t.TempDir()
	writeDummyZim(t, archiveDir, "wikipedia_en_all_nopic_2024-07.zim")
	writeDummyZim(t, archiveDir, "devdocs_python_2024-08.zim")

	cache := NewMetadataCache(archiveDir, dataDir, slog.Default())

	var opens int64
	opener := func(path string) (ArchiveMetadata, error) {
		atomic.AddInt64(&opens, 1)
		return ArchiveMetadata{Title: "Title for " + path, EntryCount: 100}, nil
	}

	archives, changed, err := cache.Refresh(opener)
	if err != nil {
		t.Fatalf("first refresh: %v", err)
	}
	if !changed {
		t.Error("expected the first refresh (empty cache) to report changed=true")
	}
	if len(archives) != 2 {
		t.Fatalf("expected 2 archives, got %d", len(archives))
	}
	firstOpens := atomic.LoadInt64(&opens)
	if firstOpens != 2 {
		t.Fatalf("expected the opener to be called once per archive on first scan, got %d", firstOpens)
	}

	_, changed, err = cache.Refresh(opener)
	if err != nil {
		t.Fatalf("second refresh: %v", err)
	}
	if changed {
		t.Error("second refresh with nothing changed on disk should report changed=false")
	}
	if atomic.LoadInt64(&opens) != firstOpens {
		t.Errorf("second refresh reopened archives: opens went from %d to %d", firstOpens, atomic.LoadInt64(&opens))
	}
}

func TestMetadataCacheFailedOpenStillEmitsRow(t *testing.T) {
	t.Parallel()

	archiveDir := t.TempDir()
	dataDir := t.TempDir()
	writeDummyZim(t, archiveDir, "broken_2024-01.zim")

	cache := NewMetadataCache(archiveDir, dataDir, slog.Default())
	archives, _, err := cache.Refresh(func(path string) (ArchiveMetadata, error) {
		return ArchiveMetadata{}, errOpenFailed
	})
	if err != nil {
		t.Fatalf("Refresh itself should not fail when one archive fails to open: %v", err)
	}
	if len(archives) != 1 {
		t.Fatalf("expected the failing archive's row to still be emitted, got %d archives", len(archives))
	}
	if archives[0].EntryCount != -1 {
		t.Errorf("expected EntryCount -1 (\"?\") for a failed open, got %d", archives[0].EntryCount)
	}
}

func TestMetadataCacheRowValidityTiedToMtimeAndSize(t *testing.T) {
	t.Parallel()

	archiveDir := t.TempDir()
	dataDir := t.TempDir()
	writeDummyZim(t, archiveDir, "wikipedia_en_all_nopic_2024-07.zim")

	cache := NewMetadataCache(archiveDir, dataDir, slog.Default())
	var opens int64
	opener := func(path string) (ArchiveMetadata, error) {
		atomic.AddInt64(&opens, 1)
		return ArchiveMetadata{Title: "Wikipedia", EntryCount: 10}, nil
	}

	if _, _, err := cache.Refresh(opener); err != nil {
		t.Fatal(err)
	}

	// Changing the file's content (and therefore its size/mtime) must trigger a rescan.
	if err := os.WriteFile(filepath.Join(archiveDir, "wikipedia_en_all_nopic_2024-07.zim"), []byte("dummy-but-longer-content"), 0o644); err != nil {
		t.Fatal(err)
	}

	_, changed, err := cache.Refresh(opener)
	if err != nil {
		t.Fatal(err)
	}
	if !changed {
		t.Error("expected a size change to be detected as changed=true")
	}
	if atomic.LoadInt64(&opens) != 2 {
		t.Errorf("expected the opener to be called again after the file changed, got %d total opens", atomic.LoadInt64(&opens))
	}
}

type sentinelError string

func (e sentinelError) Error() string { return string(e) }

const errOpenFailed = sentinelError("open failed")
