package extract

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

var (
	dropBlockRe = regexp.MustCompile(`(?is)<(script|style|nav|footer|noscript)[^>]*>.*?</(script|style|nav|footer|noscript)>`)
	tagRe       = regexp.MustCompile(`<[^>]+>`)
	spaceRe     = regexp.MustCompile(`[ \t]+`)
	blankRe     = regexp.MustCompile(`\n{3,}`)
	punctRe     = regexp.MustCompile(`\s+([.,;:!?])`)
)

// stripTags is the fallback HTML-to-text path when readability yields no
// article body: drop non-content blocks, strip tags, decode entities.
func stripTags(html string) string {
	html = dropBlockRe.ReplaceAllString(html, "")
	html = tagRe.ReplaceAllString(html, " ")

	r := strings.NewReplacer(
		"&amp;", "&",
		"&lt;", "<",
		"&gt;", ">",
		"&quot;", `"`,
		"&#39;", "'",
		"&nbsp;", " ",
	)
	return r.Replace(html)
}

// normalizeText applies NFKC normalization, removes control characters, and
// collapses whitespace and punctuation spacing.
func normalizeText(s string) string {
	s = norm.NFKC.String(s)

	s = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if unicode.IsControl(r) || r == '�' {
			return -1
		}
		return r
	}, s)

	s = spaceRe.ReplaceAllString(s, " ")
	s = blankRe.ReplaceAllString(s, "\n\n")
	s = punctRe.ReplaceAllString(s, "$1")

	return strings.TrimSpace(s)
}
