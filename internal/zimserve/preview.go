package zimserve

import (
	"path"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

const previewReadLimit = 80 * 1024

// Preview is the typed extract produced for a random/summary view of one entry.
type Preview struct {
	Title        string
	Thumbnail    string
	Blurb        string
	Attribution  string // wikiquote speaker, TED speaker, Gutenberg author, etc.
	PartOfSpeech string // wiktionary
	IsFactbook   bool
}

// PreviewExtractor produces a Preview from an entry's HTML body using domain-specific
// heuristics, trying each source-specific extractor in order and stopping at the first
// match before falling back to the generic Open Graph / <img> scoring path.
type PreviewExtractor struct{}

func NewPreviewExtractor() *PreviewExtractor { return &PreviewExtractor{} }

// Extract builds a Preview for entryPath's HTML body (truncated to previewReadLimit bytes
// before parsing, matching the reader's own snippet-read budget) within archiveShortName,
// used to resolve relative image paths.
func (p *PreviewExtractor) Extract(archiveShortName, entryPath string, html []byte) (Preview, error) {
	if len(html) > previewReadLimit {
		html = html[:previewReadLimit]
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(string(html)))
	if err != nil {
		return Preview{}, err
	}

	preview := Preview{
		Title: strings.TrimSpace(doc.Find("title").First().Text()),
	}

	switch {
	case strings.Contains(archiveShortName, "wikiquote"):
		extractWikiquote(doc, &preview)
	case strings.Contains(archiveShortName, "ted"):
		extractTED(doc, &preview)
	case strings.Contains(archiveShortName, "gutenberg"):
		extractGutenberg(doc, &preview)
	case strings.Contains(archiveShortName, "factbook"):
		preview.IsFactbook = true
	case strings.Contains(archiveShortName, "xkcd"):
		extractXKCD(doc, &preview)
	case strings.Contains(archiveShortName, "wiktionary"):
		extractWiktionary(doc, &preview)
	}

	if preview.Blurb == "" {
		preview.Blurb = firstParagraph(doc)
	}

	preview.Thumbnail = resolveImage(doc, archiveShortName, entryPath)
	return preview, nil
}

func extractWikiquote(doc *goquery.Document, p *Preview) {
	p.Attribution = strings.TrimSpace(doc.Find("h1").First().Text())
	p.Blurb = strings.TrimSpace(doc.Find("ul li").First().Text())
}

func extractTED(doc *goquery.Document, p *Preview) {
	p.Attribution = strings.TrimSpace(doc.Find("[itemprop='author'], .talk-speaker").First().Text())
	p.Blurb = strings.TrimSpace(doc.Find("meta[name='description']").AttrOr("content", ""))
}

func extractGutenberg(doc *goquery.Document, p *Preview) {
	p.Attribution = strings.TrimSpace(doc.Find(".author, [itemprop='author']").First().Text())
}

func extractXKCD(doc *goquery.Document, p *Preview) {
	p.Blurb = doc.Find("#comic img").AttrOr("title", "")
}

func extractWiktionary(doc *goquery.Document, p *Preview) {
	p.PartOfSpeech = strings.TrimSpace(doc.Find("h3, h4").First().Text())
	p.Blurb = strings.TrimSpace(doc.Find("ol li").First().Text())
}

func firstParagraph(doc *goquery.Document) string {
	var blurb string
	doc.Find("p").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		text := strings.TrimSpace(sel.Text())
		if len(text) > 40 {
			blurb = text
			return false
		}
		return true
	})
	return blurb
}

// resolveImage prefers Open Graph / Twitter Card meta images, falling back to the
// highest-scoring <img> in the document. Relative paths are resolved against entryPath's
// directory, including ".." segments, and SVG/external images are skipped.
func resolveImage(doc *goquery.Document, archiveShortName, entryPath string) string {
	if og := doc.Find(`meta[property='og:image']`).AttrOr("content", ""); og != "" {
		if resolved, ok := resolveRelativeImage(og, entryPath); ok {
			return resolved
		}
	}
	if tw := doc.Find(`meta[name='twitter:image']`).AttrOr("content", ""); tw != "" {
		if resolved, ok := resolveRelativeImage(tw, entryPath); ok {
			return resolved
		}
	}

	type candidate struct {
		src   string
		score float64
	}
	var best candidate

	doc.Find("img").Each(func(_ int, sel *goquery.Selection) {
		src, ok := sel.Attr("src")
		if !ok || src == "" || isExternal(src) || strings.HasSuffix(strings.ToLower(src), ".svg") {
			return
		}

		widthAttr, hasWidth := sel.Attr("width")
		heightAttr, hasHeight := sel.Attr("height")
		width, _ := strconv.Atoi(widthAttr)
		height, _ := strconv.Atoi(heightAttr)
		if width == 0 {
			width = 200
		}
		if height == 0 {
			height = 200
		}

		score := float64(width*height) * 1.5
		if alt, ok := sel.Attr("alt"); ok && len(strings.TrimSpace(alt)) > 10 {
			score *= 1.5
		}
		if height > 0 && float64(width)/float64(height) > 4 {
			score /= 5
		}
		if !hasWidth && !hasHeight {
			score *= 1.2 // images without explicit dimensions are often content images
		}

		if score > best.score {
			best = candidate{src: src, score: score}
		}
	})

	if best.src == "" {
		return ""
	}
	resolved, _ := resolveRelativeImage(best.src, entryPath)
	return resolved
}

func isExternal(src string) bool {
	return strings.HasPrefix(src, "http://") || strings.HasPrefix(src, "https://") || strings.HasPrefix(src, "//")
}

func resolveRelativeImage(src, entryPath string) (string, bool) {
	if isExternal(src) {
		return "", false
	}
	if strings.HasPrefix(src, "/") {
		return strings.TrimPrefix(src, "/"), true
	}
	return path.Clean(path.Join(path.Dir(entryPath), src)), true
}
