// Package extract parses raw email into the normalized content model used by
// the relay.
package extract

import (
	"bytes"
	"errors"
	"fmt"
	stdhtml "html"
	"mime"
	"strings"

	"github.com/jhillyerd/enmime/v2"
	"github.com/mailgram/mailgram/pkg/htmltext"
	"github.com/rs/zerolog/log"
)

// ErrMalformed reports a byte blob that could not be parsed as an email.
var ErrMalformed = errors.New("malformed message")

// GeneratedHTMLName is the filename of the synthetic attachment reconstructing
// an HTML body.
const GeneratedHTMLName = "message.html"

// Attachment is one decoded message part destined for chat delivery.
// Instances are immutable once extraction completes.
type Attachment struct {
	FileName    string
	ContentType string
	Content     []byte
	Disposition string
	ContentID   string
	Encoding    string
	Charset     string

	// Generated is true only for the synthetic HTML rendering attachment.
	Generated bool
}

// ParsedMessage is the normalized content of one inbound email.  Empty body
// fields mean the corresponding part was absent.
type ParsedMessage struct {
	Subject string
	From    string
	To      string

	// TextBody is the first text/plain part, trailing whitespace stripped.
	TextBody string
	// HTMLBody is the first text/html part, normalized to UTF-8.
	HTMLBody string
	// PlainFromHTML is readable text derived from HTMLBody.
	PlainFromHTML string

	Attachments []*Attachment
}

// Message parses a raw email blob into a ParsedMessage.  It fails only when
// the blob cannot be read as a structured email at all.
func Message(raw []byte) (*ParsedMessage, error) {
	env, err := enmime.ReadEnvelope(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	pm := &ParsedMessage{
		Subject: env.GetHeader("Subject"),
		From:    env.GetHeader("From"),
		To:      env.GetHeader("To"),
	}
	if env.Root == nil {
		return pm, nil
	}

	// Leaf parts in depth-first order; the root itself is a leaf for
	// non-multipart messages.
	parts := env.Root.DepthMatchAll(func(p *enmime.Part) bool {
		return !strings.HasPrefix(strings.ToLower(p.ContentType), "multipart/")
	})
	for _, p := range parts {
		pm.addPart(p, p == env.Root)
	}
	return pm, nil
}

// addPart routes a single leaf part into the body fields or attachment list.
func (pm *ParsedMessage) addPart(p *enmime.Part, isRoot bool) {
	ctype := strings.ToLower(p.ContentType)
	disp := strings.ToLower(p.Disposition)
	attached := disp == "attachment" || disp == "inline"

	switch {
	case attached:
		pm.addAttachment(p)
	case ctype == "text/plain":
		if pm.TextBody == "" {
			pm.TextBody = strings.TrimRight(string(p.Content), " \t\r\n")
		}
	case ctype == "text/html":
		if pm.HTMLBody != "" {
			return
		}
		body := string(p.Content)
		pm.HTMLBody = body
		pm.PlainFromHTML = htmltext.Convert(body)
		// Keep the original formatting available as a downloadable
		// artifact, since only plain text is relayed inline.
		pm.Attachments = append(pm.Attachments, &Attachment{
			FileName:    GeneratedHTMLName,
			ContentType: "text/html",
			Content:     wrapHTMLDocument(pm.Subject, body),
			Disposition: "attachment",
			Encoding:    "utf-8",
			Charset:     "utf-8",
			Generated:   true,
		})
	case isRoot:
		// Non-multipart message of some other type, treat the whole
		// body as an attachment.
		pm.addAttachment(p)
	}
}

func (pm *ParsedMessage) addAttachment(p *enmime.Part) {
	// enmime falls back to the raw part content when the declared transfer
	// encoding cannot be decoded, so an empty payload here has already
	// exhausted the fallback path.
	if len(p.Content) == 0 {
		log.Warn().Str("module", "extract").Str("filename", p.FileName).
			Str("contentType", p.ContentType).Msg("Dropping attachment with empty payload")
		return
	}
	name := p.FileName
	if name == "" {
		ext := ""
		if exts, err := mime.ExtensionsByType(p.ContentType); err == nil && len(exts) > 0 {
			ext = exts[0]
		}
		name = fmt.Sprintf("attachment_%d%s", len(pm.Attachments), ext)
	}
	pm.Attachments = append(pm.Attachments, &Attachment{
		FileName:    name,
		ContentType: strings.ToLower(p.ContentType),
		Content:     p.Content,
		Disposition: strings.ToLower(p.Disposition),
		ContentID:   p.ContentID,
		Encoding:    p.Header.Get("Content-Transfer-Encoding"),
		Charset:     p.Charset,
	})
}

// wrapHTMLDocument wraps an extracted HTML body in a minimal standalone
// document shell, re-encoded as UTF-8.
func wrapHTMLDocument(title, body string) []byte {
	var b bytes.Buffer
	b.WriteString("<!DOCTYPE html>\n<html>\n<head>\n<meta charset=\"utf-8\">\n")
	fmt.Fprintf(&b, "<title>%s</title>\n</head>\n<body>\n", stdhtml.EscapeString(title))
	b.WriteString(body)
	b.WriteString("\n</body>\n</html>\n")
	return b.Bytes()
}
