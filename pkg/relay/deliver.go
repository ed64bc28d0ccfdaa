// Package relay decides how extracted email content maps onto chat sends and
// executes that plan with bounded retry.
package relay

import (
	"context"
	"unicode/utf8"

	"github.com/mailgram/mailgram/pkg/extract"
	"github.com/mailgram/mailgram/pkg/policy"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// kindOrder fixes the send order when a message carries several media kinds.
var kindOrder = []MediaKind{Animation, Photo, Video, Audio, Document}

// Deliverer executes the delivery strategy for one destination at a time.
type Deliverer struct {
	Transport Transport
	Policy    Policy
}

// Deliver relays a parsed message to one chat destination.  A nil return
// means every required send succeeded; failed sends on fallback paths are
// logged and reported but do not stop the remaining sends.
func (d *Deliverer) Deliver(ctx context.Context, dest *policy.Destination, msg *extract.ParsedMessage) error {
	opts := SendOpts{ChatID: dest.ChatID, ThreadID: dest.ThreadID, Silent: dest.Silent}
	logger := log.With().Str("module", "relay").Str("chat", dest.ChatID).Logger()

	text := BuildText(msg)
	longText := utf8.RuneCountInString(text) > CaptionLimit
	caption := text
	if longText {
		caption = TruncateCaption(text)
	}

	var generated, regular []*extract.Attachment
	for _, att := range msg.Attachments {
		if att.Generated {
			generated = append(generated, att)
		} else {
			regular = append(regular, att)
		}
	}

	// Text-only message.
	if len(msg.Attachments) == 0 {
		return d.sendChunkedText(ctx, opts, text)
	}

	// Only the generated HTML rendering: text first, then the rendering as
	// a captionless document.
	if len(regular) == 0 {
		if err := d.sendChunkedText(ctx, opts, text); err != nil {
			return err
		}
		return d.sendGeneratedDocs(ctx, opts, logger, generated)
	}

	kinds := Classify(regular)

	// Text exceeding the caption limit is always delivered in full as
	// standalone chunks; media then carries the truncated caption.
	textSent := false
	if longText {
		if err := d.sendChunkedText(ctx, opts, text); err != nil {
			return err
		}
		textSent = true
	}

	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if len(kinds) == 1 {
		for kind, files := range kinds {
			record(d.deliverSingleKind(ctx, opts, logger, kind, files, caption, textSent))
		}
	} else {
		if !textSent {
			if err := d.sendChunkedText(ctx, opts, text); err != nil {
				return err
			}
		}
		for _, kind := range kindOrder {
			files := kinds[kind]
			if len(files) == 0 {
				continue
			}
			if kind.Groupable() && len(files) > 1 {
				record(d.sendGroupWithFallback(ctx, opts, logger, kind, files, "", true))
			} else {
				record(d.sendIndividually(ctx, opts, logger, kind, files, ""))
			}
		}
	}

	record(d.sendGeneratedDocs(ctx, opts, logger, generated))
	return firstErr
}

// deliverSingleKind handles the homogeneous-attachments branch.
func (d *Deliverer) deliverSingleKind(
	ctx context.Context,
	opts SendOpts,
	logger zerolog.Logger,
	kind MediaKind,
	files []*extract.Attachment,
	caption string,
	textSent bool,
) error {
	switch {
	case len(files) == 1:
		return d.sendSingle(ctx, opts, kind, toMedia(files[0]), caption)

	case !kind.Groupable():
		// Kinds that cannot be batched: first file carries the caption,
		// the rest go bare.
		var firstErr error
		for i, file := range files {
			c := ""
			if i == 0 {
				c = caption
			}
			if err := d.sendSingle(ctx, opts, kind, toMedia(file), c); err != nil {
				logger.Error().Err(err).Str("filename", file.FileName).
					Msg("Failed to send media item")
				if firstErr == nil {
					firstErr = err
				}
			}
		}
		return firstErr

	default:
		return d.sendGroupWithFallback(ctx, opts, logger, kind, files, caption, textSent)
	}
}

// sendGroupWithFallback attempts a grouped batch send; on failure the text is
// sent standalone (unless it already was) and each file retried individually.
// Items that made it out with the failed group may be sent again; the remote
// offers no partial-success signal.
func (d *Deliverer) sendGroupWithFallback(
	ctx context.Context,
	opts SendOpts,
	logger zerolog.Logger,
	kind MediaKind,
	files []*extract.Attachment,
	caption string,
	textSent bool,
) error {
	media := make([]Media, len(files))
	for i, f := range files {
		media[i] = toMedia(f)
	}
	err := d.Policy.Do(ctx, func() error {
		return d.Transport.SendMediaGroup(ctx, opts, kind, media, caption)
	})
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return err
	}
	logger.Error().Err(err).Stringer("kind", kind).Int("count", len(files)).
		Msg("Media group send failed, falling back to individual sends")

	if !textSent && caption != "" {
		if terr := d.sendChunkedText(ctx, opts, caption); terr != nil {
			return terr
		}
	}
	return d.sendIndividually(ctx, opts, logger, kind, files, "")
}

// sendIndividually sends each file on its own, continuing past failures.
func (d *Deliverer) sendIndividually(
	ctx context.Context,
	opts SendOpts,
	logger zerolog.Logger,
	kind MediaKind,
	files []*extract.Attachment,
	caption string,
) error {
	var firstErr error
	for _, file := range files {
		if err := d.sendSingle(ctx, opts, kind, toMedia(file), caption); err != nil {
			logger.Error().Err(err).Str("filename", file.FileName).
				Msg("Failed to send individual file")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// sendGeneratedDocs ships the synthetic HTML renderings as plain documents,
// always captionless and after everything else.
func (d *Deliverer) sendGeneratedDocs(
	ctx context.Context,
	opts SendOpts,
	logger zerolog.Logger,
	generated []*extract.Attachment,
) error {
	var firstErr error
	for _, doc := range generated {
		media := toMedia(doc)
		err := d.Policy.Do(ctx, func() error {
			return d.Transport.SendDocument(ctx, opts, media, "")
		})
		if err != nil {
			logger.Error().Err(err).Str("filename", doc.FileName).
				Msg("Failed to send generated HTML document")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// sendChunkedText delivers text as one or more standalone messages.
func (d *Deliverer) sendChunkedText(ctx context.Context, opts SendOpts, text string) error {
	for _, chunk := range SplitText(text, ChunkLimit) {
		err := d.Policy.Do(ctx, func() error {
			return d.Transport.SendText(ctx, opts, chunk)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// sendSingle dispatches one media item to the kind-specific transport call,
// wrapped in the retry policy.
func (d *Deliverer) sendSingle(ctx context.Context, opts SendOpts, kind MediaKind, media Media, caption string) error {
	return d.Policy.Do(ctx, func() error {
		switch kind {
		case Photo:
			return d.Transport.SendPhoto(ctx, opts, media, caption)
		case Video:
			return d.Transport.SendVideo(ctx, opts, media, caption)
		case Audio:
			return d.Transport.SendAudio(ctx, opts, media, caption)
		case Animation:
			return d.Transport.SendAnimation(ctx, opts, media, caption)
		default:
			return d.Transport.SendDocument(ctx, opts, media, caption)
		}
	})
}

func toMedia(att *extract.Attachment) Media {
	return Media{FileName: att.FileName, Content: att.Content}
}
