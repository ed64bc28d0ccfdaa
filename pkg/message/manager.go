// Package message orchestrates the path from an accepted SMTP envelope to
// chat delivery.
package message

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/mailgram/mailgram/pkg/extract"
	"github.com/mailgram/mailgram/pkg/msghub"
	"github.com/mailgram/mailgram/pkg/policy"
	"github.com/mailgram/mailgram/pkg/relay"
	"github.com/mailgram/mailgram/pkg/stats"
	"github.com/rs/zerolog/log"
)

// ErrNoFrom rejects messages whose From header is absent or empty.
var ErrNoFrom = errors.New("message has no From header")

// Manager is the interface the SMTP server uses to hand off accepted mail.
type Manager interface {
	Deliver(
		ctx context.Context,
		from string,
		recipients []*policy.Recipient,
		remoteIP string,
		source []byte,
	) error
}

// RelayManager extracts message content and relays it to each recipient's
// chat destination.
type RelayManager struct {
	AddrPolicy *policy.Addressing
	Deliverer  *relay.Deliverer
	Hub        *msghub.Hub
	Stats      *stats.Aggregator
}

// Deliver parses the message and sends it to every resolvable destination.
// An error is returned only when the message itself cannot be processed;
// per-destination failures are recorded and logged, but a message that
// reached at least one chat is considered accepted.
func (m *RelayManager) Deliver(
	ctx context.Context,
	from string,
	recipients []*policy.Recipient,
	remoteIP string,
	source []byte,
) error {
	logger := log.With().Str("module", "message").Str("from", from).Str("remote", remoteIP).Logger()

	msg, err := extract.Message(source)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to parse message")
		return err
	}
	if msg.From == "" {
		logger.Warn().Msg("Rejecting message without From header")
		return ErrNoFrom
	}
	if m.Stats != nil {
		m.Stats.RecordReceived(from)
	}

	// Resolve recipients up front; unresolvable local parts are skipped.
	targets := make([]target, 0, len(recipients))
	for _, r := range recipients {
		dest, ok := r.Destination()
		if !ok {
			logger.Warn().Str("to", r.Address).Msg("Recipient does not map to a chat, skipping")
			continue
		}
		targets = append(targets, target{address: r.Address, dest: dest})
	}

	delivered := 0
	for _, tgt := range targets {
		if ctx.Err() != nil {
			break
		}
		err := m.Deliverer.Deliver(ctx, tgt.dest, msg)
		if err != nil {
			logger.Error().Err(err).Str("to", tgt.address).Str("chat", tgt.dest.ChatID).
				Msg("Delivery failed")
			if m.Stats != nil {
				m.Stats.RecordFailed(tgt.dest.ChatID)
			}
			continue
		}
		delivered++
		if m.Stats != nil {
			m.Stats.RecordDelivered(tgt.dest.ChatID)
		}
	}
	logger.Info().Int("destinations", len(targets)).Int("delivered", delivered).
		Str("subject", msg.Subject).Msg("Message processed")

	if m.Hub != nil {
		m.Hub.Dispatch(msghub.Message{
			From:         from,
			To:           addresses(recipients),
			Subject:      msg.Subject,
			Date:         time.Now(),
			Size:         int64(len(source)),
			Destinations: destinations(targets),
			Delivered:    len(targets) > 0 && delivered == len(targets),
		})
	}
	return nil
}

// target pairs a recipient address with its resolved chat destination.
type target struct {
	address string
	dest    *policy.Destination
}

func addresses(recipients []*policy.Recipient) []string {
	out := make([]string, len(recipients))
	for i, r := range recipients {
		out[i] = r.Address
	}
	return out
}

func destinations(targets []target) []string {
	out := make([]string, len(targets))
	for i, t := range targets {
		var b strings.Builder
		b.WriteString(t.dest.ChatID)
		if t.dest.ThreadID != "" {
			b.WriteString("!")
			b.WriteString(t.dest.ThreadID)
		}
		out[i] = b.String()
	}
	return out
}
