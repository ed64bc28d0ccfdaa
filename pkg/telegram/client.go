// Package telegram implements the outbound chat transport against the
// Telegram Bot API.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mailgram/mailgram/pkg/config"
	"github.com/mailgram/mailgram/pkg/relay"
	"github.com/rs/zerolog/log"
)

// Client is a minimal Bot API client covering the send operations the relay
// needs.  Failures are mapped onto the relay's typed errors so the retry
// policy can react to rate limiting and transient outages.
type Client struct {
	root       string
	httpClient *http.Client
}

var _ relay.Transport = &Client{}

// New creates a Client from the Telegram configuration.
func New(cfg config.Telegram) *Client {
	return &Client{
		root:       fmt.Sprintf("%s/bot%s", strings.TrimRight(cfg.APIRoot, "/"), cfg.Token),
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

// apiResponse is the Bot API result envelope.
type apiResponse struct {
	OK          bool   `json:"ok"`
	ErrorCode   int    `json:"error_code"`
	Description string `json:"description"`
	Parameters  struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
}

// SendText delivers a standalone text message.
func (c *Client) SendText(ctx context.Context, opts relay.SendOpts, text string) error {
	fields := url.Values{}
	fields.Set("text", text)
	applyOpts(fields, opts)
	return c.invokeForm(ctx, "sendMessage", fields)
}

// SendPhoto delivers a single photo with an optional caption.
func (c *Client) SendPhoto(ctx context.Context, opts relay.SendOpts, media relay.Media, caption string) error {
	return c.sendSingleMedia(ctx, "sendPhoto", "photo", opts, media, caption)
}

// SendVideo delivers a single video with an optional caption.
func (c *Client) SendVideo(ctx context.Context, opts relay.SendOpts, media relay.Media, caption string) error {
	return c.sendSingleMedia(ctx, "sendVideo", "video", opts, media, caption)
}

// SendAudio delivers a single audio file with an optional caption.
func (c *Client) SendAudio(ctx context.Context, opts relay.SendOpts, media relay.Media, caption string) error {
	return c.sendSingleMedia(ctx, "sendAudio", "audio", opts, media, caption)
}

// SendAnimation delivers a single animation with an optional caption.
func (c *Client) SendAnimation(ctx context.Context, opts relay.SendOpts, media relay.Media, caption string) error {
	return c.sendSingleMedia(ctx, "sendAnimation", "animation", opts, media, caption)
}

// SendDocument delivers a single document with an optional caption.
func (c *Client) SendDocument(ctx context.Context, opts relay.SendOpts, media relay.Media, caption string) error {
	return c.sendSingleMedia(ctx, "sendDocument", "document", opts, media, caption)
}

// groupItem describes one entry of a sendMediaGroup batch.
type groupItem struct {
	Type      string `json:"type"`
	Media     string `json:"media"`
	Caption   string `json:"caption,omitempty"`
	ParseMode string `json:"parse_mode,omitempty"`
}

// SendMediaGroup delivers same-kind media as one batch, attaching the caption
// to the first item.
func (c *Client) SendMediaGroup(ctx context.Context, opts relay.SendOpts, kind relay.MediaKind, media []relay.Media, caption string) error {
	items := make([]groupItem, len(media))
	files := make(map[string]relay.Media, len(media))
	for i, m := range media {
		ref := fmt.Sprintf("file%d", i)
		items[i] = groupItem{Type: kind.String(), Media: "attach://" + ref}
		if i == 0 && caption != "" {
			items[i].Caption = caption
			items[i].ParseMode = "HTML"
		}
		files[ref] = m
	}
	payload, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("failed to marshal media group: %w", err)
	}

	fields := url.Values{}
	fields.Set("media", string(payload))
	applyOpts(fields, opts)
	fields.Del("parse_mode")
	return c.invokeMultipart(ctx, "sendMediaGroup", fields, files)
}

// sendSingleMedia uploads one file via a multipart request.
func (c *Client) sendSingleMedia(ctx context.Context, method, field string, opts relay.SendOpts, media relay.Media, caption string) error {
	fields := url.Values{}
	if caption != "" {
		fields.Set("caption", caption)
	}
	applyOpts(fields, opts)
	return c.invokeMultipart(ctx, method, fields, map[string]relay.Media{field: media})
}

// applyOpts sets the addressing fields shared by every send operation.
func applyOpts(fields url.Values, opts relay.SendOpts) {
	fields.Set("chat_id", opts.ChatID)
	fields.Set("parse_mode", "HTML")
	if opts.ThreadID != "" {
		fields.Set("message_thread_id", opts.ThreadID)
	}
	if opts.Silent {
		fields.Set("disable_notification", "true")
	}
}

func (c *Client) invokeForm(ctx context.Context, method string, fields url.Values) error {
	body := strings.NewReader(fields.Encode())
	return c.do(ctx, method, "application/x-www-form-urlencoded", body)
}

func (c *Client) invokeMultipart(ctx context.Context, method string, fields url.Values, files map[string]relay.Media) error {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for key, vals := range fields {
		for _, v := range vals {
			if err := w.WriteField(key, v); err != nil {
				return fmt.Errorf("failed to encode field %q: %w", key, err)
			}
		}
	}
	for field, media := range files {
		part, err := w.CreateFormFile(field, media.FileName)
		if err != nil {
			return fmt.Errorf("failed to create form file %q: %w", field, err)
		}
		if _, err := part.Write(media.Content); err != nil {
			return fmt.Errorf("failed to write form file %q: %w", field, err)
		}
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to finish multipart body: %w", err)
	}
	return c.do(ctx, method, w.FormDataContentType(), &buf)
}

// do posts a request and maps the Bot API response onto the relay's error
// taxonomy.
func (c *Client) do(ctx context.Context, method, contentType string, body io.Reader) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.root+"/"+method, body)
	if err != nil {
		return fmt.Errorf("failed to build %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &relay.TransientError{Cause: err}
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			log.Warn().Str("module", "telegram").Err(err).Msg("Closing response body")
		}
	}()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return &relay.TransientError{Cause: err}
	}
	var ar apiResponse
	// An unparsable body falls through to status-code mapping.
	_ = json.Unmarshal(data, &ar)

	if resp.StatusCode == http.StatusOK && ar.OK {
		return nil
	}
	switch {
	case resp.StatusCode == http.StatusTooManyRequests || ar.ErrorCode == http.StatusTooManyRequests:
		return &relay.RateLimitedError{RetryAfter: time.Duration(ar.Parameters.RetryAfter) * time.Second}
	case resp.StatusCode >= 500:
		return &relay.TransientError{
			Cause: fmt.Errorf("%s returned status %d: %s", method, resp.StatusCode, ar.Description),
		}
	default:
		return fmt.Errorf("telegram %s failed: %d %s", method, resp.StatusCode, ar.Description)
	}
}
