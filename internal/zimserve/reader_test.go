package zimserve

import (
	"archive/zip"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

type zimFixtureEntry struct {
	name     string
	contents []byte
	comment  string // "Key=Value" lines, e.g. "Title=Foo\nMIME=text/html"
}

// mustCreateZIM builds a zip-backed fixture archive, extended with per-entry comments
// carrying the Title/MIME/Redirect fields that zimArchiveReader reads back out.
func mustCreateZIM(t *testing.T, path string, archiveComment string, entries []zimFixtureEntry) {
	t.Helper()

	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("Create(%q): %v", path, err)
	}
	defer func() { _ = f.Close() }()

	w := zip.NewWriter(f)
	for _, e := range entries {
		fh := &zip.FileHeader{Name: e.name, Method: zip.Deflate, Comment: e.comment}
		fw, err := w.CreateHeader(fh)
		if err != nil {
			t.Fatalf("CreateHeader(%q): %v", e.name, err)
		}
		if _, err := fw.Write(e.contents); err != nil {
			t.Fatalf("write %q: %v", e.name, err)
		}
	}
	if err := w.SetComment(archiveComment); err != nil {
		t.Fatalf("SetComment: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("zip.Close(): %v", err)
	}
}

func TestOpenZimArchiveReaderMetadataAndEntries(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "test.zim")
	mustCreateZIM(t, path, "Title=Test Archive\nDescription=A fixture\nDate=2024-07\nIllustration_48x48=yes\nMainPath=A/Home",
		[]zimFixtureEntry{
			{name: "A/Home", contents: []byte("<html><body>Home</body></html>"), comment: "Title=Home\nMIME=text/html"},
			{name: "A/Python", contents: []byte(""), comment: "Title=Python\nRedirect=A/Python_(programming_language)"},
			{name: "A/Python_(programming_language)", contents: []byte("<html>Python lang</html>"), comment: "Title=Python (programming language)\nMIME=text/html"},
		})

	r, err := openZimArchiveReader(path)
	if err != nil {
		t.Fatalf("openZimArchiveReader: %v", err)
	}
	defer r.Close()

	meta := r.Metadata()
	if meta.Title != "Test Archive" || meta.Description != "A fixture" || meta.Date != "2024-07" {
		t.Errorf("unexpected metadata: %+v", meta)
	}
	if !meta.HasIcon {
		t.Error("expected HasIcon = true")
	}
	if meta.EntryCount != 3 {
		t.Errorf("EntryCount = %d, want 3", meta.EntryCount)
	}

	entry, data, err := r.GetEntry("A/Home")
	if err != nil {
		t.Fatalf("GetEntry(A/Home): %v", err)
	}
	if entry.Title != "Home" || entry.MIME != "text/html" {
		t.Errorf("unexpected entry: %+v", entry)
	}
	if string(data) != "<html><body>Home</body></html>" {
		t.Errorf("unexpected data: %q", data)
	}
}

func TestOpenZimArchiveReaderRedirect(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "test.zim")
	mustCreateZIM(t, path, "Title=Test",
		[]zimFixtureEntry{
			{name: "A/Python", contents: []byte(""), comment: "Title=Python\nRedirect=A/Python_(programming_language)"},
			{name: "A/Python_(programming_language)", contents: []byte("body"), comment: "Title=Python (programming language)\nMIME=text/html"},
		})

	r, err := openZimArchiveReader(path)
	if err != nil {
		t.Fatalf("openZimArchiveReader: %v", err)
	}
	defer r.Close()

	entry, _, err := r.GetEntry("A/Python")
	if err != nil {
		t.Fatalf("GetEntry: %v", err)
	}
	if !entry.Redirect || entry.RedirectTo != "A/Python_(programming_language)" {
		t.Errorf("expected a redirect to A/Python_(programming_language), got %+v", entry)
	}
}

func TestOpenZimArchiveReaderEntryNotFound(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "test.zim")
	mustCreateZIM(t, path, "Title=Test", []zimFixtureEntry{
		{name: "A/Home", contents: []byte("home"), comment: "Title=Home\nMIME=text/html"},
	})

	r, err := openZimArchiveReader(path)
	if err != nil {
		t.Fatalf("openZimArchiveReader: %v", err)
	}
	defer r.Close()

	if _, _, err := r.GetEntry("A/Missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for a missing entry, got %v", err)
	}
}

func TestOpenZimArchiveReaderSuggestPrefixMatch(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "test.zim")
	mustCreateZIM(t, path, "Title=Test", []zimFixtureEntry{
		{name: "A/Python", contents: []byte("a"), comment: "Title=Python\nMIME=text/html"},
		{name: "A/Python3", contents: []byte("b"), comment: "Title=Python 3\nMIME=text/html"},
		{name: "A/Java", contents: []byte("c"), comment: "Title=Java\nMIME=text/html"},
	})

	r, err := openZimArchiveReader(path)
	if err != nil {
		t.Fatalf("openZimArchiveReader: %v", err)
	}
	defer r.Close()

	hits, err := r.Suggest("py", 10)
	if err != nil {
		t.Fatalf("Suggest: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("expected 2 suggestions for prefix 'py', got %d: %+v", len(hits), hits)
	}
}

func TestFTSMatchesBodyTextNotOnlyTitle(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "test.zim")
	mustCreateZIM(t, path, "Title=Test", []zimFixtureEntry{
		{
			name:     "A/Home",
			contents: []byte("<html><body>Nothing special here.</body></html>"),
			comment:  "Title=Home\nMIME=text/html",
		},
		{
			name:     "A/Giraffe",
			contents: []byte("<html><body>The giraffe is the tallest living terrestrial animal.</body></html>"),
			comment:  "Title=Unrelated Title\nMIME=text/html",
		},
	})

	r, err := openZimArchiveReader(path)
	if err != nil {
		t.Fatalf("openZimArchiveReader: %v", err)
	}
	defer r.Close()

	hits, err := r.FTS("giraffe", 10)
	if err != nil {
		t.Fatalf("FTS: %v", err)
	}
	if len(hits) != 1 {
		t.Fatalf("expected 1 hit for a term present only in body text, got %d: %+v", len(hits), hits)
	}
	if hits[0].Entry.Path != "A/Giraffe" {
		t.Errorf("expected the hit to be A/Giraffe, got %q", hits[0].Entry.Path)
	}
	if !strings.Contains(strings.ToLower(hits[0].Snippet), "giraffe") {
		t.Errorf("expected the snippet to contain the matched term, got %q", hits[0].Snippet)
	}
}

func TestParseCatalogParsesZimgitDatabaseJS(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "test.zim")
	databaseJS := `var DATABASE = [
		{id: 1, ti: 'Report on Giraffes', dsc: 'A survey of giraffe habitats', aut: 'J. Doe', fp: ['report_giraffes.pdf']},
		{id: 2, ti: 'It\'s a Test', dsc: '', aut: '', fp: ['its_a_test.pdf', 'extra.pdf']}
	];`
	mustCreateZIM(t, path, "Title=Test", []zimFixtureEntry{
		{name: "database.js", contents: []byte(databaseJS), comment: ""},
	})

	r, err := openZimArchiveReader(path)
	if err != nil {
		t.Fatalf("openZimArchiveReader: %v", err)
	}
	defer r.Close()

	docs, ok := r.ParseCatalog()
	if !ok {
		t.Fatal("expected ParseCatalog to report ok=true for an archive with database.js")
	}
	if len(docs) != 2 {
		t.Fatalf("expected 2 documents, got %d: %+v", len(docs), docs)
	}
	if docs[0].Title != "Report on Giraffes" || docs[0].Author != "J. Doe" || docs[0].Path != "files/report_giraffes.pdf" {
		t.Errorf("unexpected first document: %+v", docs[0])
	}
	if docs[1].Title != "It's a Test" || docs[1].Path != "files/its_a_test.pdf" {
		t.Errorf("unexpected second document (escaped quote or multi-element fp mishandled): %+v", docs[1])
	}
}

func TestParseCatalogReportsFalseWithoutDatabaseJS(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "test.zim")
	mustCreateZIM(t, path, "Title=Test", []zimFixtureEntry{
		{name: "A/Home", contents: []byte("home"), comment: "Title=Home\nMIME=text/html"},
	})

	r, err := openZimArchiveReader(path)
	if err != nil {
		t.Fatalf("openZimArchiveReader: %v", err)
	}
	defer r.Close()

	if _, ok := r.ParseCatalog(); ok {
		t.Error("expected ParseCatalog to report ok=false for an archive with no database.js")
	}
}

func TestOpenZimArchiveReaderOpenFailureWrapsErr(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "not-a-zim.zim")
	if err := os.WriteFile(path, []byte("not a zip file"), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := openZimArchiveReader(path)
	if !errors.Is(err, ErrArchiveTemporarilyUnavailable) {
		t.Errorf("expected ErrArchiveTemporarilyUnavailable, got %v", err)
	}
}
