package zimserve

import (
	"regexp"
	"strings"
	"time"
)

// Archive describes one on-disk ZIM file and its derived metadata. It is immutable once
// constructed; a changed mtime/size on disk produces a new Archive value via a fresh
// MetadataCache scan rather than mutating an existing one.
type Archive struct {
	ShortName string
	FileName  string
	Path      string
	Size      int64
	ModTime   time.Time

	Title       string
	Description string
	Date        string // YYYY-MM or YYYY-MM-DD, as found in metadata or filename
	MainPath    string
	HasIcon     bool
	EntryCount  int64

	Category string
}

// shortNameRules strips trailing date/locale/variant segments from a ZIM filename, in
// order, the way an archive management UI derives a stable display key from a vendor's
// verbose release filenames (e.g. "wikipedia_en_all_nopic_2024-07.zim" -> "wikipedia").
var shortNameRules = []*regexp.Regexp{
	regexp.MustCompile(`\.zim$`),
	regexp.MustCompile(`_\d{4}-\d{2}(-\d{2})?$`),             // trailing date
	regexp.MustCompile(`_(nopic|novid|nodet|maxi|mini)$`),     // content variant
	regexp.MustCompile(`_[a-z]{2}(-[a-z]{2})?$`),              // trailing locale
	regexp.MustCompile(`_all$`),
}

// ShortName derives the archive's short name from its filename by repeatedly applying
// shortNameRules until no further rule matches. The process is deterministic: running it
// twice on the same filename yields the same result.
func ShortName(filename string) string {
	name := filename
	for {
		changed := false
		for _, re := range shortNameRules {
			trimmed := re.ReplaceAllString(name, "")
			if trimmed != name {
				name = trimmed
				changed = true
			}
		}
		if !changed {
			break
		}
	}
	return name
}

// categoryRules is an ordered list of (substring, category) pairs; the first match over
// the lowercased short name wins. Order matters: more specific categories must precede
// general catch-alls.
var categoryRules = []struct {
	match    string
	category string
}{
	{"medicine", "Medical"},
	{"medical", "Medical"},
	{"wikimed", "Medical"},
	{"stackexchange", "Stack Exchange"},
	{"stackoverflow", "Stack Exchange"},
	{"superuser", "Stack Exchange"},
	{"askubuntu", "Stack Exchange"},
	{"devdocs", "Dev Docs"},
	{"mdn", "Dev Docs"},
	{"wiktionary", "Education"},
	{"wikiversity", "Education"},
	{"wikibooks", "Education"},
	{"khanacademy", "Education"},
	{"wikihow", "How-To"},
	{"appropedia", "How-To"},
	{"wikipedia", "Wikimedia"},
	{"wikivoyage", "Wikimedia"},
	{"wikinews", "Wikimedia"},
	{"wikiquote", "Wikimedia"},
	{"wikisource", "Wikimedia"},
	{"wikidata", "Wikimedia"},
	{"gutenberg", "Books"},
	{"ted", "Books"},
}

// Category classifies an archive by its short name against categoryRules, in order.
// Archives matching no rule are uncategorized ("").
func Category(shortName string) string {
	lower := strings.ToLower(shortName)
	for _, rule := range categoryRules {
		if strings.Contains(lower, rule.match) {
			return rule.category
		}
	}
	return ""
}

// dateInFilename extracts a YYYY-MM date segment from a filename for update-checking; it
// returns "" when none is present. Both YYYY-MM and YYYY-MM-DD forms are recognized but
// only the YYYY-MM portion is returned, matching the catalog's own granularity.
var dateInFilenameRE = regexp.MustCompile(`(\d{4}-\d{2})(-\d{2})?`)

func dateInFilename(filename string) string {
	m := dateInFilenameRE.FindStringSubmatch(filename)
	if m == nil {
		return ""
	}
	return m[1]
}

// dateStrippedBase removes a YYYY-MM(-DD) segment and the .zim/.zim.meta4 suffix from a
// filename, producing the base used to compare installed archives against catalog entries
// regardless of which date each happens to carry.
func dateStrippedBase(filename string) string {
	name := strings.TrimSuffix(filename, ".meta4")
	name = strings.TrimSuffix(name, ".zim")
	name = dateInFilenameRE.ReplaceAllString(name, "")
	name = strings.Trim(name, "_-")
	return name
}
