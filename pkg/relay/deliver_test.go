package relay_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/mailgram/mailgram/pkg/extract"
	"github.com/mailgram/mailgram/pkg/policy"
	"github.com/mailgram/mailgram/pkg/relay"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sentCall records one transport invocation.
type sentCall struct {
	method  string
	opts    relay.SendOpts
	text    string
	caption string
	kind    relay.MediaKind
	files   []string
}

// mockTransport records calls and fails selected methods.
type mockTransport struct {
	calls []sentCall
	fail  map[string]error
}

func (m *mockTransport) record(c sentCall) error {
	m.calls = append(m.calls, c)
	if err, ok := m.fail[c.method]; ok {
		return err
	}
	return nil
}

func (m *mockTransport) SendText(_ context.Context, opts relay.SendOpts, text string) error {
	return m.record(sentCall{method: "text", opts: opts, text: text})
}

func (m *mockTransport) SendPhoto(_ context.Context, opts relay.SendOpts, media relay.Media, caption string) error {
	return m.record(sentCall{method: "photo", opts: opts, caption: caption, files: []string{media.FileName}})
}

func (m *mockTransport) SendVideo(_ context.Context, opts relay.SendOpts, media relay.Media, caption string) error {
	return m.record(sentCall{method: "video", opts: opts, caption: caption, files: []string{media.FileName}})
}

func (m *mockTransport) SendAudio(_ context.Context, opts relay.SendOpts, media relay.Media, caption string) error {
	return m.record(sentCall{method: "audio", opts: opts, caption: caption, files: []string{media.FileName}})
}

func (m *mockTransport) SendAnimation(_ context.Context, opts relay.SendOpts, media relay.Media, caption string) error {
	return m.record(sentCall{method: "animation", opts: opts, caption: caption, files: []string{media.FileName}})
}

func (m *mockTransport) SendDocument(_ context.Context, opts relay.SendOpts, media relay.Media, caption string) error {
	return m.record(sentCall{method: "document", opts: opts, caption: caption, files: []string{media.FileName}})
}

func (m *mockTransport) SendMediaGroup(_ context.Context, opts relay.SendOpts, kind relay.MediaKind, media []relay.Media, caption string) error {
	names := make([]string, len(media))
	for i, item := range media {
		names[i] = item.FileName
	}
	return m.record(sentCall{method: "mediaGroup", opts: opts, caption: caption, kind: kind, files: names})
}

func (m *mockTransport) byMethod(method string) []sentCall {
	var out []sentCall
	for _, c := range m.calls {
		if c.method == method {
			out = append(out, c)
		}
	}
	return out
}

func newDeliverer(transport relay.Transport) *relay.Deliverer {
	return &relay.Deliverer{
		Transport: transport,
		Policy: relay.Policy{
			MaxAttempts: 1,
			BaseDelay:   time.Millisecond,
			MaxDelay:    time.Millisecond,
		},
	}
}

var dest = &policy.Destination{ChatID: "-10012345"}

func TestDeliverTextOnly(t *testing.T) {
	transport := &mockTransport{}
	d := newDeliverer(transport)

	msg := &extract.ParsedMessage{Subject: "Hi", TextBody: "short body"}
	require.NoError(t, d.Deliver(context.Background(), dest, msg))

	require.Len(t, transport.calls, 1)
	call := transport.calls[0]
	assert.Equal(t, "text", call.method)
	assert.Equal(t, "Hi\nshort body", call.text)
	assert.Equal(t, "-10012345", call.opts.ChatID)
}

func TestDeliverLongHTMLOnly(t *testing.T) {
	transport := &mockTransport{}
	d := newDeliverer(transport)

	plain := strings.Repeat("сообщение ", 800)
	msg := &extract.ParsedMessage{
		Subject:       "Тема",
		HTMLBody:      "<b>…</b>",
		PlainFromHTML: plain,
		Attachments: []*extract.Attachment{{
			FileName:    extract.GeneratedHTMLName,
			ContentType: "text/html",
			Content:     []byte("<html></html>"),
			Generated:   true,
		}},
	}
	require.NoError(t, d.Deliver(context.Background(), dest, msg))

	docs := transport.byMethod("document")
	require.Len(t, docs, 1)
	assert.Empty(t, docs[0].caption)
	assert.Equal(t, []string{extract.GeneratedHTMLName}, docs[0].files)

	// The concatenated text sends must cover the full escaped text.
	texts := transport.byMethod("text")
	require.NotEmpty(t, texts)
	var joined strings.Builder
	for _, c := range texts {
		joined.WriteString(c.text)
	}
	assert.Equal(t, relay.BuildText(msg), joined.String())

	// Text precedes the generated document.
	assert.Equal(t, "text", transport.calls[0].method)
	assert.Equal(t, "document", transport.calls[len(transport.calls)-1].method)
}

func TestDeliverPhotoGroupWithCaption(t *testing.T) {
	transport := &mockTransport{}
	d := newDeliverer(transport)

	msg := &extract.ParsedMessage{
		Subject:  "Pics",
		TextBody: "two photos",
		Attachments: []*extract.Attachment{
			{FileName: "a.png", ContentType: "image/png", Content: []byte{1}},
			{FileName: "b.png", ContentType: "image/png", Content: []byte{2}},
		},
	}
	require.NoError(t, d.Deliver(context.Background(), dest, msg))

	require.Len(t, transport.calls, 1)
	group := transport.calls[0]
	assert.Equal(t, "mediaGroup", group.method)
	assert.Equal(t, relay.Photo, group.kind)
	assert.Equal(t, []string{"a.png", "b.png"}, group.files)
	assert.Equal(t, "Pics\ntwo photos", group.caption)
	assert.Empty(t, transport.byMethod("text"))
}

func TestDeliverGroupFallback(t *testing.T) {
	transport := &mockTransport{
		fail: map[string]error{"mediaGroup": &relay.TransientError{Cause: errors.New("boom")}},
	}
	d := newDeliverer(transport)

	msg := &extract.ParsedMessage{
		Subject:  "Docs",
		TextBody: "two pdfs",
		Attachments: []*extract.Attachment{
			{FileName: "a.pdf", ContentType: "application/pdf", Content: []byte{1}},
			{FileName: "b.pdf", ContentType: "application/pdf", Content: []byte{2}},
		},
	}
	require.NoError(t, d.Deliver(context.Background(), dest, msg))

	texts := transport.byMethod("text")
	require.Len(t, texts, 1)
	assert.Equal(t, "Docs\ntwo pdfs", texts[0].text)

	docs := transport.byMethod("document")
	require.Len(t, docs, 2)
	assert.Equal(t, []string{"a.pdf"}, docs[0].files)
	assert.Equal(t, []string{"b.pdf"}, docs[1].files)
	assert.Empty(t, docs[0].caption)
	assert.Empty(t, docs[1].caption)
}

func TestDeliverLongTextWithSingleAttachment(t *testing.T) {
	transport := &mockTransport{}
	d := newDeliverer(transport)

	msg := &extract.ParsedMessage{
		Subject:  "Report",
		TextBody: strings.Repeat("A", 2000),
		Attachments: []*extract.Attachment{
			{FileName: "r.pdf", ContentType: "application/pdf", Content: []byte{1}},
		},
	}
	require.NoError(t, d.Deliver(context.Background(), dest, msg))

	// Full text first, then the document with a truncated caption.
	texts := transport.byMethod("text")
	require.Len(t, texts, 1)
	assert.Equal(t, relay.BuildText(msg), texts[0].text)

	docs := transport.byMethod("document")
	require.Len(t, docs, 1)
	caption := docs[0].caption
	assert.NotEmpty(t, caption)
	assert.LessOrEqual(t, utf8.RuneCountInString(caption), relay.CaptionLimit)
	assert.True(t, strings.HasSuffix(caption, "…"))
}

func TestDeliverSinglePhotoCaption(t *testing.T) {
	transport := &mockTransport{}
	d := newDeliverer(transport)

	msg := &extract.ParsedMessage{
		Subject:  "One",
		TextBody: "photo",
		Attachments: []*extract.Attachment{
			{FileName: "a.png", ContentType: "image/png", Content: []byte{1}},
		},
	}
	require.NoError(t, d.Deliver(context.Background(), dest, msg))

	require.Len(t, transport.calls, 1)
	assert.Equal(t, "photo", transport.calls[0].method)
	assert.Equal(t, "One\nphoto", transport.calls[0].caption)
}

func TestDeliverMultipleAnimationsNotGrouped(t *testing.T) {
	transport := &mockTransport{}
	d := newDeliverer(transport)

	msg := &extract.ParsedMessage{
		Subject:  "Gifs",
		TextBody: "two",
		Attachments: []*extract.Attachment{
			{FileName: "a.gif", ContentType: "image/gif", Content: []byte{1}},
			{FileName: "b.gif", ContentType: "image/gif", Content: []byte{2}},
		},
	}
	require.NoError(t, d.Deliver(context.Background(), dest, msg))

	assert.Empty(t, transport.byMethod("mediaGroup"))
	anims := transport.byMethod("animation")
	require.Len(t, anims, 2)
	assert.Equal(t, "Gifs\ntwo", anims[0].caption)
	assert.Empty(t, anims[1].caption)
}

func TestDeliverMixedKinds(t *testing.T) {
	transport := &mockTransport{}
	d := newDeliverer(transport)

	msg := &extract.ParsedMessage{
		Subject:  "Mixed",
		TextBody: "batch",
		Attachments: []*extract.Attachment{
			{FileName: "a.png", ContentType: "image/png", Content: []byte{1}},
			{FileName: "b.png", ContentType: "image/png", Content: []byte{2}},
			{FileName: "c.pdf", ContentType: "application/pdf", Content: []byte{3}},
		},
	}
	require.NoError(t, d.Deliver(context.Background(), dest, msg))

	// Standalone text first.
	require.NotEmpty(t, transport.calls)
	assert.Equal(t, "text", transport.calls[0].method)

	groups := transport.byMethod("mediaGroup")
	require.Len(t, groups, 1)
	assert.Equal(t, relay.Photo, groups[0].kind)
	assert.Empty(t, groups[0].caption)

	docs := transport.byMethod("document")
	require.Len(t, docs, 1)
	assert.Empty(t, docs[0].caption)
}

func TestDeliverSilentThreadedDestination(t *testing.T) {
	transport := &mockTransport{}
	d := newDeliverer(transport)

	silent := &policy.Destination{ChatID: "-10099", ThreadID: "55", Silent: true}
	msg := &extract.ParsedMessage{Subject: "S", TextBody: "b"}
	require.NoError(t, d.Deliver(context.Background(), silent, msg))

	require.Len(t, transport.calls, 1)
	opts := transport.calls[0].opts
	assert.Equal(t, "-10099", opts.ChatID)
	assert.Equal(t, "55", opts.ThreadID)
	assert.True(t, opts.Silent)
}

func TestDeliverTextFailurePropagates(t *testing.T) {
	transport := &mockTransport{
		fail: map[string]error{"text": errors.New("forbidden")},
	}
	d := newDeliverer(transport)

	msg := &extract.ParsedMessage{Subject: "Hi", TextBody: "short"}
	err := d.Deliver(context.Background(), dest, msg)
	require.Error(t, err)
}

func TestDeliverFallbackFailuresDoNotAbort(t *testing.T) {
	transport := &mockTransport{
		fail: map[string]error{
			"mediaGroup": &relay.TransientError{Cause: errors.New("boom")},
			"document":   errors.New("forbidden"),
		},
	}
	d := newDeliverer(transport)

	msg := &extract.ParsedMessage{
		Subject:  "Docs",
		TextBody: "two pdfs",
		Attachments: []*extract.Attachment{
			{FileName: "a.pdf", ContentType: "application/pdf", Content: []byte{1}},
			{FileName: "b.pdf", ContentType: "application/pdf", Content: []byte{2}},
		},
	}
	err := d.Deliver(context.Background(), dest, msg)
	require.Error(t, err)

	// Both individual sends were still attempted.
	assert.Len(t, transport.byMethod("document"), 2)
}
