// Package stats accumulates delivery counters and periodically reports them
// to an administrative chat.
package stats

import (
	"context"
	"expvar"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mailgram/mailgram/pkg/relay"
	"github.com/rs/zerolog/log"
)

var (
	expReceivedTotal  = new(expvar.Int)
	expDeliveredTotal = new(expvar.Int)
	expFailedTotal    = new(expvar.Int)
)

func init() {
	m := expvar.NewMap("stats")
	m.Set("ReceivedTotal", expReceivedTotal)
	m.Set("DeliveredTotal", expDeliveredTotal)
	m.Set("FailedTotal", expFailedTotal)
}

// Aggregator tallies message outcomes.  Counters reset each time a report is
// taken; the expvar mirrors are cumulative for the life of the process.
type Aggregator struct {
	mu         sync.Mutex
	since      time.Time
	received   int64
	delivered  int64
	failed     int64
	bySender   map[string]int64
	byChat     map[string]int64
}

// NewAggregator creates an empty Aggregator.
func NewAggregator() *Aggregator {
	return &Aggregator{
		since:    time.Now(),
		bySender: make(map[string]int64),
		byChat:   make(map[string]int64),
	}
}

// RecordReceived notes a message accepted from the given sender address.
func (a *Aggregator) RecordReceived(sender string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.received++
	a.bySender[sender]++
	expReceivedTotal.Add(1)
}

// RecordDelivered notes a successful delivery to the given chat.
func (a *Aggregator) RecordDelivered(chatID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.delivered++
	a.byChat[chatID]++
	expDeliveredTotal.Add(1)
}

// RecordFailed notes a delivery that exhausted its attempts.
func (a *Aggregator) RecordFailed(chatID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failed++
	expFailedTotal.Add(1)
}

// Snapshot describes the counters accumulated over a reporting window.
type Snapshot struct {
	Since     time.Time        `json:"since"`
	Received  int64            `json:"received"`
	Delivered int64            `json:"delivered"`
	Failed    int64            `json:"failed"`
	BySender  map[string]int64 `json:"by_sender"`
	ByChat    map[string]int64 `json:"by_chat"`
}

// Take returns the current counters and resets the window.
func (a *Aggregator) Take() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	snap := Snapshot{
		Since:     a.since,
		Received:  a.received,
		Delivered: a.delivered,
		Failed:    a.failed,
		BySender:  a.bySender,
		ByChat:    a.byChat,
	}
	a.since = time.Now()
	a.received = 0
	a.delivered = 0
	a.failed = 0
	a.bySender = make(map[string]int64)
	a.byChat = make(map[string]int64)
	return snap
}

// Peek returns the current counters without resetting the window.
func (a *Aggregator) Peek() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	bySender := make(map[string]int64, len(a.bySender))
	for k, v := range a.bySender {
		bySender[k] = v
	}
	byChat := make(map[string]int64, len(a.byChat))
	for k, v := range a.byChat {
		byChat[k] = v
	}
	return Snapshot{
		Since:     a.since,
		Received:  a.received,
		Delivered: a.delivered,
		Failed:    a.failed,
		BySender:  bySender,
		ByChat:    byChat,
	}
}

// Format renders the snapshot as the text sent to the admin chat.
func (s Snapshot) Format() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Relay statistics since %s\n", s.Since.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(&b, "Received: %d\nDelivered: %d\nFailed: %d\n", s.Received, s.Delivered, s.Failed)
	if len(s.BySender) > 0 {
		b.WriteString("Top senders:\n")
		for _, line := range topEntries(s.BySender, 10) {
			b.WriteString(line)
		}
	}
	if len(s.ByChat) > 0 {
		b.WriteString("Top chats:\n")
		for _, line := range topEntries(s.ByChat, 10) {
			b.WriteString(line)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// topEntries renders the n busiest map entries, ties broken by key.
func topEntries(m map[string]int64, n int) []string {
	type kv struct {
		key   string
		count int64
	}
	entries := make([]kv, 0, len(m))
	for k, v := range m {
		entries = append(entries, kv{k, v})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].count != entries[j].count {
			return entries[i].count > entries[j].count
		}
		return entries[i].key < entries[j].key
	})
	if len(entries) > n {
		entries = entries[:n]
	}
	lines := make([]string, len(entries))
	for i, e := range entries {
		lines[i] = fmt.Sprintf("  %s: %d\n", e.key, e.count)
	}
	return lines
}

// Reporter periodically sends aggregated counters to the admin chat.
type Reporter struct {
	agg       *Aggregator
	transport relay.Transport
	chatID    string
	interval  time.Duration
}

// NewReporter creates a Reporter; chatID may be empty, in which case Start
// returns immediately.
func NewReporter(agg *Aggregator, transport relay.Transport, chatID string, interval time.Duration) *Reporter {
	return &Reporter{
		agg:       agg,
		transport: transport,
		chatID:    chatID,
		interval:  interval,
	}
}

// Start runs the reporting loop until the context is canceled.  Windows with
// no activity are skipped.
func (r *Reporter) Start(ctx context.Context) {
	if r.chatID == "" {
		log.Info().Str("module", "stats").Msg("No admin chat configured, reporting disabled")
		return
	}
	logger := log.With().Str("module", "stats").Str("chat", r.chatID).Logger()
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := r.agg.Take()
			if snap.Received == 0 && snap.Delivered == 0 && snap.Failed == 0 {
				continue
			}
			opts := relay.SendOpts{ChatID: r.chatID, Silent: true}
			if err := r.transport.SendText(ctx, opts, snap.Format()); err != nil {
				logger.Error().Err(err).Msg("Failed to send statistics report")
			}
		}
	}
}
