// Package htmltext renders an HTML document body as readable plain text.
package htmltext

import (
	"bytes"
	stdhtml "html"
	"strings"

	"golang.org/x/net/html"
)

// blockTags start a new output line when opened or closed.
var blockTags = map[string]bool{
	"p":       true,
	"div":     true,
	"br":      true,
	"li":      true,
	"tr":      true,
	"table":   true,
	"section": true,
	"h1":      true,
	"h2":      true,
	"h3":      true,
	"h4":      true,
	"h5":      true,
	"h6":      true,
}

// hiddenTags never contribute character data to the output.
var hiddenTags = map[string]bool{
	"style":    true,
	"script":   true,
	"noscript": true,
	"head":     true,
	"title":    true,
}

// converter accumulates text fragments and line break markers during a single
// pass over the markup.  A fresh converter is used per input.
type converter struct {
	fragments   []string
	lastBreak   bool
	hiddenDepth int

	// Anchor capture state.
	inAnchor   bool
	anchorText bytes.Buffer
	anchorHref string
}

// Convert extracts readable plain text from an HTML body.  It is total;
// malformed markup degrades to whatever text was recovered before the
// tokenizer gave up.
func Convert(input string) string {
	c := &converter{}
	z := html.NewTokenizer(strings.NewReader(input))
	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			// EOF or unparsable remainder, either way we are done.
			return c.render()
		case html.StartTagToken, html.SelfClosingTagToken:
			c.openTag(z, tt)
		case html.EndTagToken:
			name, _ := z.TagName()
			c.closeTag(string(name))
		case html.TextToken:
			c.text(string(z.Raw()))
		}
	}
}

func (c *converter) openTag(z *html.Tokenizer, tt html.TokenType) {
	name, hasAttr := z.TagName()
	tag := string(name)
	if hiddenTags[tag] && tt != html.SelfClosingTagToken {
		c.hiddenDepth++
		return
	}
	if blockTags[tag] {
		c.lineBreak()
	}
	if tag == "a" && tt != html.SelfClosingTagToken {
		c.inAnchor = true
		c.anchorText.Reset()
		c.anchorHref = ""
		for hasAttr {
			key, val, more := z.TagAttr()
			if strings.ToLower(string(key)) == "href" {
				c.anchorHref = strings.TrimSpace(string(val))
			}
			hasAttr = more
		}
	}
}

func (c *converter) closeTag(tag string) {
	if hiddenTags[tag] {
		if c.hiddenDepth > 0 {
			c.hiddenDepth--
		}
		return
	}
	if tag == "a" && c.inAnchor {
		c.inAnchor = false
		if c.anchorHref != "" && !strings.Contains(c.anchorText.String(), c.anchorHref) {
			c.append(" (" + c.anchorHref + ")")
		}
		return
	}
	if blockTags[tag] {
		c.lineBreak()
	}
}

func (c *converter) text(data string) {
	if c.hiddenDepth > 0 {
		return
	}
	if c.inAnchor {
		c.anchorText.WriteString(data)
	}
	c.append(data)
}

func (c *converter) append(frag string) {
	if frag == "" {
		return
	}
	c.fragments = append(c.fragments, frag)
	c.lastBreak = false
}

// lineBreak records a break marker, collapsing consecutive markers.
func (c *converter) lineBreak() {
	if c.lastBreak || len(c.fragments) == 0 {
		c.lastBreak = true
		return
	}
	c.fragments = append(c.fragments, "\x00")
	c.lastBreak = true
}

// render joins the captured fragments, trimming each line and dropping the
// empty ones, then decodes HTML entities once over the whole result.
func (c *converter) render() string {
	joined := strings.Join(c.fragments, "")
	lines := strings.Split(joined, "\x00")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line != "" {
			out = append(out, line)
		}
	}
	return stdhtml.UnescapeString(strings.Join(out, "\n"))
}
