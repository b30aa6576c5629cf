// Package dispatcher implements the Dispatcher (spec §4.4): consumes
// signals off the Event Bus Facade, batches by size or time, matches each
// signal in the batch against the Pipeline Index, and idempotently
// enqueues matched pipelines through the Run Registry and Executor Queue.
package dispatcher

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/signalfabric/internal/catalogue"
	"github.com/aristath/signalfabric/internal/index"
	"github.com/aristath/signalfabric/internal/queue"
	"github.com/aristath/signalfabric/internal/registry"
	"github.com/aristath/signalfabric/internal/signal"
)

// Metrics is the narrow collaborator the Dispatcher reports outcomes to.
type Metrics interface {
	IncSignalsConsumed()
	IncPipelinesMatched(n int)
	IncPipelinesEnqueued(n int)
	IncPipelinesSkippedRunning(n int)
	IncEnqueueFailure()
	IncMalformedSignal()
	ObserveSlowBatch(d time.Duration)
}

// Config carries the batching cadence spec §6 names as configuration.
type Config struct {
	BatchSize    int
	BatchTimeout time.Duration
}

// Dispatcher accumulates signals into a batch and, at batch close, matches
// and enqueues. cmd/fabricd wires a single Dispatcher for the whole
// subscription, so records from every assigned partition accumulate into
// the same in-flight batch (guarded by mu) and share one
// Index/Registry/Queue.
type Dispatcher struct {
	idx     *index.Index
	reg     *registry.Registry
	execQ   queue.ExecutorQueue
	metrics Metrics
	log     zerolog.Logger
	cfg     Config

	mu      sync.Mutex
	batch   []batchItem
	timer   *time.Timer
	flushCh chan struct{}
}

// batchItem pairs an accumulated signal with the ack that marks its bus
// record as safe to commit. The ack is withheld until the batch it
// belongs to matches and enqueues without error.
type batchItem struct {
	signal *signal.Signal
	ack    func()
}

// New wires a Dispatcher against the shared Index, Registry, and Queue.
func New(cfg Config, idx *index.Index, reg *registry.Registry, execQ queue.ExecutorQueue, metrics Metrics, log zerolog.Logger) *Dispatcher {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 20
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = 500 * time.Millisecond
	}
	return &Dispatcher{
		idx:     idx,
		reg:     reg,
		execQ:   execQ,
		metrics: metrics,
		log:     log.With().Str("component", "dispatcher").Logger(),
		cfg:     cfg,
	}
}

// Handle is the bus.Handler this Dispatcher exposes to Subscribe. It
// accumulates s (and its ack) into the current batch and, once the batch
// closes (by size or timeout), runs matchAndEnqueue and only then invokes
// every buffered record's ack — a non-nil return here is what causes the
// bus to redeliver the whole batch.
//
// Handle returning nil for a record that merely got buffered (the common
// case) is deliberately NOT a commit signal: acks for every record in a
// batch fire together, after that batch's entire match-and-enqueue
// sequence returns without error (spec §4.4 "commits bus offsets" / §5
// "committed only after a batch's entire match-and-enqueue sequence
// returns"). A record whose batch never closes (process exit before
// batch_size/batch_timeout) or whose batch fails to enqueue is simply
// never acked, so it is redelivered from the last committed offset —
// including any earlier records of the same batch that Handle already
// returned nil for.
func (d *Dispatcher) Handle(ctx context.Context, s *signal.Signal, ack func()) error {
	if d.metrics != nil {
		d.metrics.IncSignalsConsumed()
	}

	closed, batch := d.accumulate(s, ack)
	if !closed {
		return nil
	}
	return d.flush(ctx, batch)
}

// accumulate adds (s, ack) to the in-flight batch, returning (true, batch)
// once the batch should close (batch_size reached) and (false, nil)
// otherwise. The batch_timeout path is driven by a separate timer
// goroutine started when the first record of a batch arrives.
func (d *Dispatcher) accumulate(s *signal.Signal, ack func()) (bool, []batchItem) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.batch) == 0 {
		d.timer = time.AfterFunc(d.cfg.BatchTimeout, func() { d.flushCh <- struct{}{} })
	}
	d.batch = append(d.batch, batchItem{signal: s, ack: ack})

	if len(d.batch) >= d.cfg.BatchSize {
		if d.timer != nil {
			d.timer.Stop()
		}
		batch := d.batch
		d.batch = nil
		return true, batch
	}
	return false, nil
}

// RunTimeoutFlusher drains the timer-triggered flush signal and processes
// whatever partial batch is pending when batch_timeout elapses without
// batch_size being reached. Callers run this in its own goroutine per
// Dispatcher instance for the lifetime of the process.
func (d *Dispatcher) RunTimeoutFlusher(ctx context.Context) {
	d.flushCh = make(chan struct{}, 1)
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.flushCh:
			d.mu.Lock()
			batch := d.batch
			d.batch = nil
			d.mu.Unlock()
			if len(batch) == 0 {
				continue
			}
			if err := d.flush(ctx, batch); err != nil {
				d.log.Error().Err(err).Msg("timeout-flushed batch failed, signals will be redelivered")
			}
		}
	}
}

// flush runs matchAndEnqueue over batch's signals and, only on success,
// calls every item's ack — the single point where buffered records become
// eligible for offset commit.
func (d *Dispatcher) flush(ctx context.Context, batch []batchItem) error {
	signals := make([]*signal.Signal, len(batch))
	for i, item := range batch {
		signals[i] = item.signal
	}

	start := time.Now()
	err := d.matchAndEnqueue(ctx, signals)
	if elapsed := time.Since(start); elapsed > 200*time.Millisecond && d.metrics != nil {
		d.metrics.ObserveSlowBatch(elapsed)
	}
	if err != nil {
		return err
	}
	for _, item := range batch {
		if item.ack != nil {
			item.ack()
		}
	}
	return nil
}

// matchAndEnqueue runs the full spec §4.4 sequence for one batch: match
// every signal against the Index, accumulate the first triggering signal
// per pipeline, claim, and enqueue.
func (d *Dispatcher) matchAndEnqueue(ctx context.Context, batch []*signal.Signal) error {
	triggered := make(map[string]*signal.Signal)
	var order []string

	matchedCount := 0
	for _, s := range batch {
		for _, pid := range d.matchSignal(s) {
			if _, seen := triggered[pid]; !seen {
				triggered[pid] = s
				order = append(order, pid)
			}
			matchedCount++
		}
	}
	if d.metrics != nil && matchedCount > 0 {
		d.metrics.IncPipelinesMatched(matchedCount)
	}

	if len(order) == 0 {
		return nil
	}

	granted, err := d.reg.TryClaimPending(ctx, order)
	if err != nil {
		// Registry unavailable: reject the whole batch, let the bus redeliver.
		return err
	}

	grantedSet := make(map[string]struct{}, len(granted))
	for _, id := range granted {
		grantedSet[id] = struct{}{}
	}
	skipped := len(order) - len(granted)
	if d.metrics != nil && skipped > 0 {
		d.metrics.IncPipelinesSkippedRunning(skipped)
	}

	enqueued := 0
	for _, id := range granted {
		triggeringSignal := triggered[id]
		intent := queue.EnqueueIntent{
			PipelineID:      id,
			TriggerMetadata: triggerMetadataFor(triggeringSignal),
			EnqueuedAt:      time.Now().UTC(),
		}
		if err := d.execQ.Enqueue(ctx, intent); err != nil {
			d.log.Error().Err(err).Str("pipeline_id", id).Msg("enqueue failed after claim, releasing lease")
			if d.metrics != nil {
				d.metrics.IncEnqueueFailure()
			}
			if releaseErr := d.reg.ReleaseToIdle(ctx, id, "enqueue_failed"); releaseErr != nil {
				d.log.Error().Err(releaseErr).Str("pipeline_id", id).Msg("failed to release lease after enqueue failure")
			}
			continue
		}
		enqueued++
	}
	if d.metrics != nil && enqueued > 0 {
		d.metrics.IncPipelinesEnqueued(enqueued)
	}
	return nil
}

// matchSignal returns the pipeline_ids of every SIGNAL-mode, active
// pipeline that s matches, per spec §4.4 steps 1-3.
func (d *Dispatcher) matchSignal(s *signal.Signal) []string {
	tickers := s.NormalizedTickers()
	seen := make(map[string]struct{})
	var matched []string

	for _, ticker := range tickers {
		for pid := range d.idx.Candidates(ticker) {
			if _, ok := seen[pid]; ok {
				continue
			}
			desc, ok := d.idx.Descriptor(pid)
			if !ok {
				continue
			}
			if d.accepts(desc, ticker, s) {
				seen[pid] = struct{}{}
				matched = append(matched, pid)
			}
		}
	}
	return matched
}

// accepts implements spec §4.4 step 3's acceptance predicate for one
// (descriptor, ticker, signal) triple.
func (d *Dispatcher) accepts(desc catalogue.Descriptor, ticker string, s *signal.Signal) bool {
	if !desc.IsActive || desc.TriggerMode != catalogue.TriggerModeSignal {
		return false
	}
	if !desc.Matches(ticker) {
		return false
	}
	if len(desc.Subscriptions) == 0 {
		return true
	}

	pipelineTickers := make(map[string]struct{}, len(desc.TickerSet))
	for t := range desc.TickerSet {
		pipelineTickers[t] = struct{}{}
	}
	maxConfidence := s.MaxConfidenceFor(pipelineTickers)

	for _, sub := range desc.Subscriptions {
		if sub.SignalType != s.SignalType {
			continue
		}
		if maxConfidence < sub.MinConfidence {
			continue
		}
		if sub.Timeframe != nil && s.Timeframe != nil && string(*s.Timeframe) != *sub.Timeframe {
			continue
		}
		return true
	}
	return false
}

func triggerMetadataFor(s *signal.Signal) map[string]interface{} {
	if s == nil {
		return map[string]interface{}{"trigger": "signal"}
	}
	return map[string]interface{}{
		"trigger":     "signal",
		"signal_id":   s.SignalID,
		"signal_type": s.SignalType,
		"source":      s.Source,
	}
}
