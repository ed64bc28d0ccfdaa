package stats

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mailgram/mailgram/pkg/relay"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAggregatorCounts(t *testing.T) {
	agg := NewAggregator()
	agg.RecordReceived("alice@example.org")
	agg.RecordReceived("alice@example.org")
	agg.RecordReceived("bob@example.org")
	agg.RecordDelivered("-100123")
	agg.RecordFailed("-100456")

	snap := agg.Peek()
	assert.Equal(t, int64(3), snap.Received)
	assert.Equal(t, int64(1), snap.Delivered)
	assert.Equal(t, int64(1), snap.Failed)
	assert.Equal(t, int64(2), snap.BySender["alice@example.org"])
	assert.Equal(t, int64(1), snap.ByChat["-100123"])
}

func TestAggregatorTakeResets(t *testing.T) {
	agg := NewAggregator()
	agg.RecordReceived("a@b")
	agg.RecordDelivered("1")

	first := agg.Take()
	assert.Equal(t, int64(1), first.Received)
	assert.Equal(t, int64(1), first.Delivered)

	second := agg.Peek()
	assert.Zero(t, second.Received)
	assert.Zero(t, second.Delivered)
	assert.Empty(t, second.BySender)
	assert.False(t, second.Since.Before(first.Since))
}

func TestAggregatorPeekCopies(t *testing.T) {
	agg := NewAggregator()
	agg.RecordReceived("a@b")

	snap := agg.Peek()
	snap.BySender["a@b"] = 99

	assert.Equal(t, int64(1), agg.Peek().BySender["a@b"])
}

func TestAggregatorConcurrent(t *testing.T) {
	agg := NewAggregator()
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				agg.RecordReceived("x@y")
				agg.RecordDelivered("1")
			}
		}()
	}
	wg.Wait()

	snap := agg.Peek()
	assert.Equal(t, int64(1000), snap.Received)
	assert.Equal(t, int64(1000), snap.Delivered)
}

func TestSnapshotFormat(t *testing.T) {
	agg := NewAggregator()
	agg.RecordReceived("alice@example.org")
	agg.RecordReceived("alice@example.org")
	agg.RecordReceived("bob@example.org")
	agg.RecordDelivered("-100123")

	text := agg.Peek().Format()
	assert.Contains(t, text, "Received: 3")
	assert.Contains(t, text, "Delivered: 1")
	assert.Contains(t, text, "Failed: 0")
	assert.Contains(t, text, "alice@example.org: 2")
	assert.Contains(t, text, "-100123: 1")

	// Busiest sender listed first.
	alice := strings.Index(text, "alice@example.org")
	bob := strings.Index(text, "bob@example.org")
	assert.Less(t, alice, bob)
}

// reportSink captures statistics texts sent by the Reporter.
type reportSink struct {
	mu    sync.Mutex
	texts []string
	opts  []relay.SendOpts
}

func (s *reportSink) SendText(ctx context.Context, opts relay.SendOpts, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.texts = append(s.texts, text)
	s.opts = append(s.opts, opts)
	return nil
}

func (s *reportSink) SendPhoto(context.Context, relay.SendOpts, relay.Media, string) error {
	return nil
}
func (s *reportSink) SendVideo(context.Context, relay.SendOpts, relay.Media, string) error {
	return nil
}
func (s *reportSink) SendAudio(context.Context, relay.SendOpts, relay.Media, string) error {
	return nil
}
func (s *reportSink) SendAnimation(context.Context, relay.SendOpts, relay.Media, string) error {
	return nil
}
func (s *reportSink) SendDocument(context.Context, relay.SendOpts, relay.Media, string) error {
	return nil
}
func (s *reportSink) SendMediaGroup(context.Context, relay.SendOpts, relay.MediaKind, []relay.Media, string) error {
	return nil
}

func (s *reportSink) sent() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.texts...)
}

func TestReporterSendsWindow(t *testing.T) {
	agg := NewAggregator()
	agg.RecordReceived("a@b")
	sink := &reportSink{}
	rep := NewReporter(agg, sink, "-100999", 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go rep.Start(ctx)

	require.Eventually(t, func() bool {
		return len(sink.sent()) >= 1
	}, time.Second, 5*time.Millisecond)

	texts := sink.sent()
	assert.Contains(t, texts[0], "Received: 1")
	sink.mu.Lock()
	assert.Equal(t, "-100999", sink.opts[0].ChatID)
	assert.True(t, sink.opts[0].Silent)
	sink.mu.Unlock()

	// Counters were consumed by the report.
	assert.Zero(t, agg.Peek().Received)
}

func TestReporterSkipsEmptyWindow(t *testing.T) {
	agg := NewAggregator()
	sink := &reportSink{}
	rep := NewReporter(agg, sink, "-100999", 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	rep.Start(ctx)

	assert.Empty(t, sink.sent())
}

func TestReporterDisabledWithoutChat(t *testing.T) {
	agg := NewAggregator()
	sink := &reportSink{}
	rep := NewReporter(agg, sink, "", time.Millisecond)

	done := make(chan struct{})
	go func() {
		rep.Start(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Reporter.Start did not return for empty chat ID")
	}
}
