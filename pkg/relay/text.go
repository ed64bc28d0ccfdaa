package relay

import (
	"html"

	"github.com/mailgram/mailgram/pkg/extract"
)

const (
	// CaptionLimit is the longest text that can accompany a media item.
	CaptionLimit = 1024
	// ChunkLimit is the longest standalone text message.
	ChunkLimit = 4096

	ellipsis = "…"
)

// EscapeText neutralizes markup-significant characters so message content is
// safe to send with inline formatting enabled.
func EscapeText(s string) string {
	return html.EscapeString(s)
}

// BuildText formats the message text as escaped "subject\nbody", where the
// body is the first available of the plain text part, the text derived from
// HTML, or the raw HTML.
func BuildText(msg *extract.ParsedMessage) string {
	body := msg.TextBody
	if body == "" {
		body = msg.PlainFromHTML
	}
	if body == "" {
		body = msg.HTMLBody
	}
	return EscapeText(msg.Subject) + "\n" + EscapeText(body)
}

// SplitText splits s into chunks of at most n runes, purely by position.
// An empty string yields no chunks.
func SplitText(s string, n int) []string {
	if s == "" || n <= 0 {
		return nil
	}
	runes := []rune(s)
	chunks := make([]string, 0, (len(runes)+n-1)/n)
	for start := 0; start < len(runes); start += n {
		end := start + n
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, string(runes[start:end]))
	}
	return chunks
}

// TruncateCaption shortens s to the caption limit, marking the cut with an
// ellipsis.  Strings already within the limit are returned unchanged.
func TruncateCaption(s string) string {
	runes := []rune(s)
	if len(runes) <= CaptionLimit {
		return s
	}
	return string(runes[:CaptionLimit-1]) + ellipsis
}
