package zimserve

import (
	"errors"
	"testing"
)

func TestValidateDownloadURLTrustedHost(t *testing.T) {
	t.Parallel()

	filename, err := validateDownloadURL("https://download.kiwix.org/zim/wikipedia_en_all_nopic_2024-07.zim", "download.kiwix.org", false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if filename != "wikipedia_en_all_nopic_2024-07.zim" {
		t.Errorf("filename = %q", filename)
	}
}

func TestValidateDownloadURLStripsMeta4Suffix(t *testing.T) {
	t.Parallel()

	filename, err := validateDownloadURL("https://download.kiwix.org/zim/devdocs_python_2024-08.zim.meta4", "download.kiwix.org", false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if filename != "devdocs_python_2024-08.zim" {
		t.Errorf("filename = %q, want meta4 suffix stripped", filename)
	}
}

func TestValidateDownloadURLRejectsUntrustedHost(t *testing.T) {
	t.Parallel()

	_, err := validateDownloadURL("https://evil.example.com/wikipedia.zim", "download.kiwix.org", false)
	if !errors.Is(err, ErrClientError) {
		t.Fatalf("expected ErrClientError for untrusted host, got %v", err)
	}
}

func TestValidateDownloadURLImportAllowsAnyHTTPSHost(t *testing.T) {
	t.Parallel()

	filename, err := validateDownloadURL("https://mirror.example.org/archives/custom_2024-01.zim", "download.kiwix.org", true)
	if err != nil {
		t.Fatalf("unexpected error for trusted-by-scheme import: %v", err)
	}
	if filename != "custom_2024-01.zim" {
		t.Errorf("filename = %q", filename)
	}
}

func TestValidateDownloadURLRejectsNonHTTPSImport(t *testing.T) {
	t.Parallel()

	_, err := validateDownloadURL("http://mirror.example.org/custom.zim", "download.kiwix.org", true)
	if !errors.Is(err, ErrClientError) {
		t.Fatalf("expected ErrClientError for non-https import, got %v", err)
	}
}

func TestValidateDownloadURLRejectsPathTraversalInFilename(t *testing.T) {
	t.Parallel()

	// The directory component of the URL path is always discarded in favor of the last
	// segment, so a ".." earlier in the path cannot escape the archive directory; what
	// remains to reject is ".." appearing inside the filename segment itself.
	_, err := validateDownloadURL("https://download.kiwix.org/zim/foo..zim", "download.kiwix.org", false)
	if !errors.Is(err, ErrClientError) {
		t.Fatalf("expected ErrClientError for a filename containing '..', got %v", err)
	}
}

func TestValidateDownloadURLRejectsNonZimFilename(t *testing.T) {
	t.Parallel()

	_, err := validateDownloadURL("https://download.kiwix.org/zim/not-a-zim-file.txt", "download.kiwix.org", false)
	if !errors.Is(err, ErrClientError) {
		t.Fatalf("expected ErrClientError for a non-.zim filename, got %v", err)
	}
}

func TestDownloadManagerFailAndListDoNotRace(t *testing.T) {
	t.Parallel()

	m := NewDownloadManager(t.TempDir(), "download.kiwix.org", nil, nil, nil, nil)
	m.mu.Lock()
	m.nextID++
	rec := &DownloadRecord{ID: m.nextID, Filename: "wikipedia_en_all_nopic_2024-07.zim"}
	m.records[rec.ID] = rec
	m.mu.Unlock()

	// fail() (the transfer goroutine's terminal-state writer) and List() (a concurrent
	// /manage/downloads poll) both touch Done/Error/completedAt; under -race this only
	// passes because both sides serialize through the manager's mutex.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			m.List()
		}
	}()

	for i := 0; i < 200; i++ {
		m.fail(rec, errors.New("boom"), false)
	}
	<-done

	list := m.List()
	if len(list) != 1 || !list[0].Done || list[0].Error == "" {
		t.Fatalf("expected a single done record with an error recorded, got %+v", list)
	}
}

func TestValidZimFilenamePattern(t *testing.T) {
	t.Parallel()

	valid := []string{"wikipedia_en_all_nopic_2024-07.zim", "devdocs.python_2024.zim"}
	for _, v := range valid {
		if !validZimFilename.MatchString(v) {
			t.Errorf("expected %q to match validZimFilename", v)
		}
	}
	invalid := []string{"../etc/passwd.zim", "archive;rm -rf.zim", "archive.zip"}
	for _, v := range invalid {
		if validZimFilename.MatchString(v) {
			t.Errorf("expected %q to be rejected by validZimFilename", v)
		}
	}
}
