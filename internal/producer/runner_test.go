package producer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/signalfabric/internal/signal"
)

type fakeProducer struct {
	kind     string
	interval time.Duration
	drafts   [][]Draft
	calls    int
	mu       sync.Mutex
}

func (p *fakeProducer) Kind() string                { return p.kind }
func (p *fakeProducer) TickInterval() time.Duration { return p.interval }
func (p *fakeProducer) Scan(context.Context) ([]Draft, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.calls >= len(p.drafts) {
		return nil, nil
	}
	out := p.drafts[p.calls]
	p.calls++
	return out, nil
}

type capturingPublisher struct {
	mu        sync.Mutex
	published []*signal.Signal
}

func (p *capturingPublisher) Publish(_ context.Context, s *signal.Signal) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.published = append(p.published, s)
	return nil
}

func (p *capturingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.published)
}

type failNTimesPublisher struct {
	mu        sync.Mutex
	failTimes int
	attempts  int
	published []*signal.Signal
}

func (p *failNTimesPublisher) Publish(_ context.Context, s *signal.Signal) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.attempts++
	if p.attempts <= p.failTimes {
		return assert.AnError
	}
	p.published = append(p.published, s)
	return nil
}

type countingMetrics struct {
	mu       sync.Mutex
	gen      int
	success  int
	failure  int
}

func (m *countingMetrics) IncSignalsGenerated(string) {
	m.mu.Lock()
	m.gen++
	m.mu.Unlock()
}
func (m *countingMetrics) IncPublishSuccess() {
	m.mu.Lock()
	m.success++
	m.mu.Unlock()
}
func (m *countingMetrics) IncPublishFailure() {
	m.mu.Lock()
	m.failure++
	m.mu.Unlock()
}

func TestRunner_Emit_PublishesCanonicalizedSignal(t *testing.T) {
	pub := &capturingPublisher{}
	p := &fakeProducer{kind: "mock", interval: time.Hour}
	r := NewRunner(p, pub, RunnerConfig{}, nil, zerolog.Nop())

	r.emit(context.Background(), Draft{Ticker: "  aapl ", Confidence: 42})

	require.Equal(t, 1, pub.count())
	got := pub.published[0]
	assert.Equal(t, "AAPL", got.Tickers[0].Ticker)
	assert.Equal(t, "mock", got.SignalType)
	assert.NotEmpty(t, got.SignalID)
}

func TestRunner_Emit_DedupSuppressesSecondEmission(t *testing.T) {
	pub := &capturingPublisher{}
	p := &fakeProducer{kind: "mock", interval: time.Hour}
	r := NewRunner(p, pub, RunnerConfig{BucketResolution: time.Hour}, nil, zerolog.Nop())

	r.emit(context.Background(), Draft{Ticker: "AAPL", Confidence: 50})
	r.emit(context.Background(), Draft{Ticker: "AAPL", Confidence: 50})

	assert.Equal(t, 1, pub.count())
}

func TestRunner_Emit_CooldownSuppressesRapidRepeat(t *testing.T) {
	pub := &capturingPublisher{}
	p := &fakeProducer{kind: "mock", interval: time.Hour}
	r := NewRunner(p, pub, RunnerConfig{MinGap: time.Hour, BucketResolution: time.Millisecond}, nil, zerolog.Nop())

	r.emit(context.Background(), Draft{Ticker: "AAPL", Confidence: 50})
	time.Sleep(2 * time.Millisecond)
	r.emit(context.Background(), Draft{Ticker: "AAPL", Confidence: 51})

	assert.Equal(t, 1, pub.count(), "second emission within min_gap should be suppressed regardless of dedup bucket")
}

func TestRunner_PublishWithRetry_SucceedsAfterTransientFailures(t *testing.T) {
	pub := &failNTimesPublisher{failTimes: 2}
	metrics := &countingMetrics{}
	p := &fakeProducer{kind: "mock", interval: time.Hour}
	r := NewRunner(p, pub, RunnerConfig{PublishRetries: 3, PublishBackoffBase: time.Millisecond}, metrics, zerolog.Nop())

	r.emit(context.Background(), Draft{Ticker: "AAPL", Confidence: 50})

	assert.Equal(t, 3, pub.attempts)
	assert.Len(t, pub.published, 1)
	assert.Equal(t, 1, metrics.success)
	assert.Equal(t, 0, metrics.failure)
}

func TestRunner_PublishWithRetry_DropsAfterExhaustingBudget(t *testing.T) {
	pub := &failNTimesPublisher{failTimes: 99}
	metrics := &countingMetrics{}
	p := &fakeProducer{kind: "mock", interval: time.Hour}
	r := NewRunner(p, pub, RunnerConfig{PublishRetries: 3, PublishBackoffBase: time.Millisecond}, metrics, zerolog.Nop())

	r.emit(context.Background(), Draft{Ticker: "AAPL", Confidence: 50})

	assert.Equal(t, 3, pub.attempts)
	assert.Empty(t, pub.published)
	assert.Equal(t, 0, metrics.success)
	assert.Equal(t, 1, metrics.failure)
}

func TestRunner_Run_TicksUntilContextCancelled(t *testing.T) {
	pub := &capturingPublisher{}
	p := &fakeProducer{
		kind:     "mock",
		interval: time.Millisecond,
		drafts: [][]Draft{
			{{Ticker: "AAPL", Confidence: 10}},
			{{Ticker: "MSFT", Confidence: 10}},
		},
	}
	r := NewRunner(p, pub, RunnerConfig{BucketResolution: time.Millisecond}, nil, zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	r.Run(ctx)

	assert.GreaterOrEqual(t, pub.count(), 2)
}
