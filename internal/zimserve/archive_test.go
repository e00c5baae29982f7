package zimserve

import "testing"

func TestShortNameDerivation(t *testing.T) {
	t.Parallel()

	cases := []struct {
		filename string
		want     string
	}{
		{"wikipedia_en_all_nopic_2024-07.zim", "wikipedia"},
		{"devdocs_python_2024-08.zim", "devdocs_python"},
		{"wiktionary_en_all_2024-06-01.zim", "wiktionary"},
		{"gutenberg_en_all_2024-05.zim", "gutenberg"},
	}

	for _, c := range cases {
		got := ShortName(c.filename)
		if got != c.want {
			t.Errorf("ShortName(%q) = %q, want %q", c.filename, got, c.want)
		}
	}
}

func TestShortNameIdempotent(t *testing.T) {
	t.Parallel()

	names := []string{
		"wikipedia_en_all_nopic_2024-07.zim",
		"stackoverflow.com_en_all_2024-01.zim",
		"plain-name.zim",
	}
	for _, n := range names {
		once := ShortName(n)
		twice := ShortName(once)
		if once != twice {
			t.Errorf("ShortName not idempotent for %q: %q != %q", n, once, twice)
		}
	}
}

func TestCategoryOrderedRules(t *testing.T) {
	t.Parallel()

	cases := []struct {
		shortName string
		want      string
	}{
		{"wikipedia", "Wikimedia"},
		{"stackoverflow", "Stack Exchange"},
		{"devdocs_python", "Dev Docs"},
		{"wikihow", "How-To"},
		{"wiktionary", "Education"},
		{"gutenberg", "Books"},
		{"some_random_archive", ""},
		// "wikimed" contains no "medicine" substring; it is caught by the explicit "wikimed"
		// Medical rule, which is listed before every wiki* rule.
		{"wikimed", "Medical"},
	}

	for _, c := range cases {
		got := Category(c.shortName)
		if got != c.want {
			t.Errorf("Category(%q) = %q, want %q", c.shortName, got, c.want)
		}
	}
}

func TestDateStrippedBase(t *testing.T) {
	t.Parallel()

	cases := []struct {
		filename string
		want     string
	}{
		{"wikipedia_en_all_nopic_2024-07.zim", "wikipedia_en_all_nopic"},
		{"wikipedia_en_all_nopic_2024-07.zim.meta4", "wikipedia_en_all_nopic"},
		{"devdocs_python_2024-08.zim", "devdocs_python"},
	}

	for _, c := range cases {
		got := dateStrippedBase(c.filename)
		if got != c.want {
			t.Errorf("dateStrippedBase(%q) = %q, want %q", c.filename, got, c.want)
		}
	}
}

func TestDateInFilename(t *testing.T) {
	t.Parallel()

	if got := dateInFilename("wikipedia_en_all_nopic_2024-07.zim"); got != "2024-07" {
		t.Errorf("dateInFilename = %q, want 2024-07", got)
	}
	if got := dateInFilename("no_date_here.zim"); got != "" {
		t.Errorf("dateInFilename = %q, want empty", got)
	}
}
