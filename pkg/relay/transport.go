package relay

import (
	"context"
	"fmt"
	"time"
)

// SendOpts addresses a single outbound send.
type SendOpts struct {
	ChatID   string
	ThreadID string
	Silent   bool
}

// Media is one uploadable file.
type Media struct {
	FileName string
	Content  []byte
}

// Transport is the outbound messaging capability the deliverer drives.
// Implementations return nil on success, *RateLimitedError or *TransientError
// for recoverable failures, and any other error for permanent ones.
type Transport interface {
	SendText(ctx context.Context, opts SendOpts, text string) error
	SendPhoto(ctx context.Context, opts SendOpts, media Media, caption string) error
	SendVideo(ctx context.Context, opts SendOpts, media Media, caption string) error
	SendAudio(ctx context.Context, opts SendOpts, media Media, caption string) error
	SendAnimation(ctx context.Context, opts SendOpts, media Media, caption string) error
	SendDocument(ctx context.Context, opts SendOpts, media Media, caption string) error

	// SendMediaGroup sends same-kind media as one batch, caption attached
	// to the first item.
	SendMediaGroup(ctx context.Context, opts SendOpts, kind MediaKind, media []Media, caption string) error
}

// RateLimitedError reports that the remote asked us to pause before retrying.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited, retry after %v", e.RetryAfter)
}

// TransientError reports a remote failure worth retrying with backoff.
type TransientError struct {
	Cause error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient send failure: %v", e.Cause)
}

func (e *TransientError) Unwrap() error {
	return e.Cause
}
