package dispatcher

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/aristath/signalfabric/internal/catalogue"
	"github.com/aristath/signalfabric/internal/index"
	"github.com/aristath/signalfabric/internal/queue"
	"github.com/aristath/signalfabric/internal/registry"
	"github.com/aristath/signalfabric/internal/signal"
)

type fakeReader struct{ entries []catalogue.Entry }

func (f *fakeReader) List(_ context.Context, cursor string) (catalogue.Page, error) {
	if cursor != "" {
		return catalogue.Page{}, nil
	}
	return catalogue.Page{Entries: f.entries}, nil
}

type capturingQueue struct{ intents []queue.EnqueueIntent }

func (q *capturingQueue) Enqueue(_ context.Context, intent queue.EnqueueIntent) error {
	q.intents = append(q.intents, intent)
	return nil
}

type failingQueue struct{}

func (failingQueue) Enqueue(context.Context, queue.EnqueueIntent) error {
	return assert.AnError
}

func newTestRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS leases (
			pipeline_id      TEXT PRIMARY KEY,
			phase            TEXT NOT NULL DEFAULT 'IDLE',
			execution_id     TEXT,
			next_check_at    INTEGER,
			monitor_interval INTEGER,
			fail_count       INTEGER NOT NULL DEFAULT 0,
			last_reason      TEXT,
			updated_at       INTEGER NOT NULL
		)
	`)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return registry.New(db, zerolog.Nop())
}

func testSignal(id, signalType string, confidence float64) *signal.Signal {
	return &signal.Signal{
		SignalID:   id,
		SignalType: signalType,
		Source:     "test",
		ProducedAt: time.Now().UTC(),
		Tickers:    []signal.TickerEntry{{Ticker: "AAPL", Confidence: confidence}},
	}
}

func TestDispatcher_S1_SingleMatchSingleReplica(t *testing.T) {
	reg := newTestRegistry(t)
	reader := &fakeReader{entries: []catalogue.Entry{
		{PipelineID: "P1", TriggerMode: catalogue.TriggerModeSignal, IsActive: true, ScannerTickerSet: []string{"AAPL"}},
	}}
	idx := index.New(reader, zerolog.Nop())
	require.NoError(t, idx.Refresh(context.Background()))

	q := &capturingQueue{}
	d := New(Config{BatchSize: 1, BatchTimeout: time.Hour}, idx, reg, q, nil, zerolog.Nop())

	var acked bool
	err := d.Handle(context.Background(), testSignal("s1", "golden_cross", 60), func() { acked = true })
	require.NoError(t, err)

	require.Len(t, q.intents, 1)
	assert.Equal(t, "P1", q.intents[0].PipelineID)
	assert.True(t, acked, "ack must fire once the closing batch enqueues successfully")

	phase, err := reg.Phase(context.Background(), "P1")
	require.NoError(t, err)
	assert.Equal(t, registry.PhasePending, phase)
}

func TestDispatcher_S2_ConfidenceGate(t *testing.T) {
	reg := newTestRegistry(t)
	tf := "1h"
	reader := &fakeReader{entries: []catalogue.Entry{
		{
			PipelineID: "P2", TriggerMode: catalogue.TriggerModeSignal, IsActive: true,
			ScannerTickerSet: []string{"AAPL"},
			Subscriptions:    []catalogue.Subscription{{SignalType: "golden_cross", MinConfidence: 80, Timeframe: &tf}},
		},
	}}
	idx := index.New(reader, zerolog.Nop())
	require.NoError(t, idx.Refresh(context.Background()))

	q := &capturingQueue{}
	d := New(Config{BatchSize: 1, BatchTimeout: time.Hour}, idx, reg, q, nil, zerolog.Nop())

	below := testSignal("s1", "golden_cross", 79)
	oneHour := signal.Timeframe1h
	below.Timeframe = &oneHour
	require.NoError(t, d.Handle(context.Background(), below, func() {}))
	assert.Empty(t, q.intents)

	at := testSignal("s2", "golden_cross", 80)
	at.Timeframe = &oneHour
	require.NoError(t, d.Handle(context.Background(), at, func() {}))
	require.Len(t, q.intents, 1)
}

func TestDispatcher_S3_DuplicateSuppression_SecondAttemptSkipped(t *testing.T) {
	reg := newTestRegistry(t)
	reader := &fakeReader{entries: []catalogue.Entry{
		{PipelineID: "P1", TriggerMode: catalogue.TriggerModeSignal, IsActive: true, ScannerTickerSet: []string{"AAPL"}},
	}}
	idx := index.New(reader, zerolog.Nop())
	require.NoError(t, idx.Refresh(context.Background()))

	q := &capturingQueue{}
	var skipped int
	metrics := &countingMetrics{onSkipped: func(n int) { skipped += n }}
	d := New(Config{BatchSize: 1, BatchTimeout: time.Hour}, idx, reg, q, metrics, zerolog.Nop())

	s := testSignal("dup", "golden_cross", 60)
	require.NoError(t, d.Handle(context.Background(), s, func() {}))
	require.NoError(t, d.Handle(context.Background(), s, func() {}))

	assert.Len(t, q.intents, 1)
	assert.Equal(t, 1, skipped)
}

func TestDispatcher_S5_EnqueueFailureRollsBackLease(t *testing.T) {
	reg := newTestRegistry(t)
	reader := &fakeReader{entries: []catalogue.Entry{
		{PipelineID: "P3", TriggerMode: catalogue.TriggerModeSignal, IsActive: true, ScannerTickerSet: []string{"AAPL"}},
	}}
	idx := index.New(reader, zerolog.Nop())
	require.NoError(t, idx.Refresh(context.Background()))

	var enqueueFailures int
	metrics := &countingMetrics{onEnqueueFailure: func() { enqueueFailures++ }}
	d := New(Config{BatchSize: 1, BatchTimeout: time.Hour}, idx, reg, failingQueue{}, metrics, zerolog.Nop())

	var acked bool
	require.NoError(t, d.Handle(context.Background(), testSignal("s1", "golden_cross", 60), func() { acked = true }))

	phase, err := reg.Phase(context.Background(), "P3")
	require.NoError(t, err)
	assert.Equal(t, registry.PhaseIdle, phase)
	assert.Equal(t, 1, enqueueFailures)
	assert.True(t, acked, "the claim+enqueue failure is itself handled (lease rolled back); the batch still matched/enqueued-attempted without a Dispatcher-level error so it still acks")
}

func TestDispatcher_EmptyScannerTickerSetNeverMatches(t *testing.T) {
	reg := newTestRegistry(t)
	reader := &fakeReader{entries: []catalogue.Entry{
		{PipelineID: "P1", TriggerMode: catalogue.TriggerModeSignal, IsActive: true, ScannerTickerSet: []string{}},
	}}
	idx := index.New(reader, zerolog.Nop())
	require.NoError(t, idx.Refresh(context.Background()))

	q := &capturingQueue{}
	d := New(Config{BatchSize: 1, BatchTimeout: time.Hour}, idx, reg, q, nil, zerolog.Nop())
	require.NoError(t, d.Handle(context.Background(), testSignal("s1", "golden_cross", 100), func() {}))
	assert.Empty(t, q.intents)
}

func TestDispatcher_BatchClosesAtBatchSize(t *testing.T) {
	reg := newTestRegistry(t)
	reader := &fakeReader{entries: []catalogue.Entry{
		{PipelineID: "P1", TriggerMode: catalogue.TriggerModeSignal, IsActive: true, ScannerTickerSet: []string{"AAPL"}},
		{PipelineID: "P2", TriggerMode: catalogue.TriggerModeSignal, IsActive: true, ScannerTickerSet: []string{"MSFT"}},
	}}
	idx := index.New(reader, zerolog.Nop())
	require.NoError(t, idx.Refresh(context.Background()))

	q := &capturingQueue{}
	d := New(Config{BatchSize: 2, BatchTimeout: time.Hour}, idx, reg, q, nil, zerolog.Nop())

	s1 := testSignal("s1", "golden_cross", 60)
	s2 := &signal.Signal{SignalID: "s2", SignalType: "golden_cross", Source: "test", ProducedAt: time.Now().UTC(),
		Tickers: []signal.TickerEntry{{Ticker: "MSFT", Confidence: 60}}}

	var s1Acked, s2Acked bool
	require.NoError(t, d.Handle(context.Background(), s1, func() { s1Acked = true }))
	assert.Empty(t, q.intents, "batch should not close before batch_size reached")
	assert.False(t, s1Acked, "a buffered-but-not-yet-closed record must not be acked just because Handle returned nil")

	require.NoError(t, d.Handle(context.Background(), s2, func() { s2Acked = true }))
	require.Len(t, q.intents, 2)
	assert.True(t, s1Acked, "s1 must ack once the batch it was buffered into matches and enqueues")
	assert.True(t, s2Acked)
}

type countingMetrics struct {
	onSkipped        func(int)
	onEnqueueFailure func()
}

func (m *countingMetrics) IncSignalsConsumed()               {}
func (m *countingMetrics) IncPipelinesMatched(int)            {}
func (m *countingMetrics) IncPipelinesEnqueued(int)           {}
func (m *countingMetrics) IncPipelinesSkippedRunning(n int) {
	if m.onSkipped != nil {
		m.onSkipped(n)
	}
}
func (m *countingMetrics) IncEnqueueFailure() {
	if m.onEnqueueFailure != nil {
		m.onEnqueueFailure()
	}
}
func (m *countingMetrics) IncMalformedSignal()            {}
func (m *countingMetrics) ObserveSlowBatch(time.Duration) {}
