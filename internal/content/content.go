// Package content converts feed HTML to plain text and sanitizes
// reviewer-edited fields.
package content

import (
	"fmt"
	"html"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/microcosm-cc/bluemonday"
)

var skipped = map[string]bool{
	"script":   true,
	"style":    true,
	"noscript": true,
	"iframe":   true,
	"svg":      true,
	"head":     true,
	"template": true,
}

var blocks = map[string]bool{
	"p": true, "div": true, "br": true, "li": true, "ul": true, "ol": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
	"tr": true, "td": true, "th": true, "table": true, "pre": true, "blockquote": true,
	"article": true, "section": true, "header": true, "footer": true, "figcaption": true,
}

// strict strips every tag and drops script/style bodies.
var strict = bluemonday.StrictPolicy()

// PlainText extracts readable text from an HTML document or fragment.
// Block elements become line breaks and runs of whitespace collapse.
func PlainText(raw string) (string, error) {
	if !strings.Contains(raw, "<") {
		return collapse(raw), nil
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(raw))
	if err != nil {
		return "", fmt.Errorf("parse html: %w", err)
	}
	var b strings.Builder
	walk(doc.Selection, &b)
	return collapse(b.String()), nil
}

func walk(s *goquery.Selection, b *strings.Builder) {
	s.Contents().Each(func(_ int, c *goquery.Selection) {
		name := goquery.NodeName(c)
		switch {
		case name == "#text":
			b.WriteString(c.Text())
		case skipped[name]:
		case blocks[name]:
			b.WriteByte('\n')
			walk(c, b)
			b.WriteByte('\n')
		default:
			walk(c, b)
		}
	})
}

// collapse folds whitespace inside lines and drops blank lines.
func collapse(s string) string {
	lines := strings.Split(s, "\n")
	out := lines[:0]
	for _, l := range lines {
		if l = strings.Join(strings.Fields(l), " "); l != "" {
			out = append(out, l)
		}
	}
	return strings.Join(out, "\n")
}

// Sanitize strips markup from reviewer-supplied text and returns it as plain
// text. Entities are decoded; renderers escape for their own output format.
func Sanitize(s string) string {
	return collapse(html.UnescapeString(strict.Sanitize(s)))
}

// SanitizeAll sanitizes each value and drops the ones left empty.
func SanitizeAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = Sanitize(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
