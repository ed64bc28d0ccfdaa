package relay

import (
	"strings"

	"github.com/mailgram/mailgram/pkg/extract"
	"github.com/rs/zerolog/log"
)

// MediaKind is the chat media category of an attachment.
type MediaKind int

// Media kinds, in classification precedence order.  Animation precedes Photo
// so a GIF is never swallowed by the broader image/ bucket.
const (
	Animation MediaKind = iota
	Photo
	Video
	Audio
	Document
)

func (k MediaKind) String() string {
	switch k {
	case Animation:
		return "animation"
	case Photo:
		return "photo"
	case Video:
		return "video"
	case Audio:
		return "audio"
	case Document:
		return "document"
	}
	return "unknown"
}

// Groupable reports whether the transport can batch this kind into a single
// media group send.
func (k MediaKind) Groupable() bool {
	switch k {
	case Photo, Video, Document:
		return true
	}
	return false
}

// kindRules match declared content types to media kinds.  First match wins;
// anything unmatched is a Document.
var kindRules = []struct {
	kind    MediaKind
	matches []string
}{
	{Animation, []string{"image/gif"}},
	{Photo, []string{"image/", "application/png", "application/jpg", "application/jpeg"}},
	{Video, []string{"video/", "application/mp4", "application/mpeg"}},
	{Audio, []string{"audio/", "application/ogg", "application/mp3", "application/wav"}},
}

// KindOf classifies a single content type.
func KindOf(contentType string) MediaKind {
	ctype := strings.ToLower(contentType)
	for _, rule := range kindRules {
		for _, m := range rule.matches {
			if strings.HasPrefix(ctype, m) {
				return rule.kind
			}
		}
	}
	return Document
}

// Classify groups attachments by media kind, preserving input order within
// each kind.  Attachments with empty content are skipped.
func Classify(attachments []*extract.Attachment) map[MediaKind][]*extract.Attachment {
	kinds := make(map[MediaKind][]*extract.Attachment)
	for _, att := range attachments {
		if len(att.Content) == 0 {
			log.Warn().Str("module", "relay").Str("filename", att.FileName).
				Msg("Skipping zero-length attachment")
			continue
		}
		kind := KindOf(att.ContentType)
		kinds[kind] = append(kinds[kind], att)
	}
	return kinds
}
