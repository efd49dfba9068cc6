// Package htmltext extracts plain text from HTML mail bodies. The core
// consumes the Converter interface; the default implementation walks
// the parse tree from golang.org/x/net/html.
package htmltext

import (
	"strings"

	"golang.org/x/net/html"
)

// Converter turns an HTML document into plain text.
type Converter interface {
	Convert(htmlSrc string) string
}

// Default is the x/net/html walker.
type Default struct{}

var blockTags = map[string]bool{
	"p": true, "div": true, "br": true, "li": true, "tr": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
	"blockquote": true, "pre": true, "table": true, "ul": true, "ol": true,
}

// Convert strips tags, skips script/style/head, and breaks lines at
// block elements. Malformed markup degrades to whatever text the
// tolerant parser recovers.
func (Default) Convert(htmlSrc string) string {
	doc, err := html.Parse(strings.NewReader(htmlSrc))
	if err != nil {
		return strings.TrimSpace(htmlSrc)
	}
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.ElementNode:
			switch n.Data {
			case "script", "style", "head", "title":
				return
			}
			if blockTags[n.Data] {
				b.WriteByte('\n')
			}
		case html.TextNode:
			b.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
		if n.Type == html.ElementNode && blockTags[n.Data] {
			b.WriteByte('\n')
		}
	}
	walk(doc)
	return Collapse(b.String())
}

// Collapse normalises whitespace: runs of blanks become one space,
// runs of newlines become one newline.
func Collapse(s string) string {
	var b strings.Builder
	lines := strings.Split(s, "\n")
	prevBlank := true
	for _, line := range lines {
		line = strings.Join(strings.Fields(line), " ")
		if line == "" {
			prevBlank = true
			continue
		}
		if !prevBlank {
			b.WriteByte('\n')
		} else if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(line)
		prevBlank = false
	}
	return strings.TrimSpace(b.String())
}

// Snippet returns at most the first n bytes of text collapsed to a
// single line, cut back to a rune boundary, for list previews.
func Snippet(text string, n int) string {
	text = strings.Join(strings.Fields(text), " ")
	if len(text) <= n {
		return text
	}
	// Cut on a rune boundary.
	cut := n
	for cut > 0 && text[cut]&0xC0 == 0x80 {
		cut--
	}
	return text[:cut]
}
