package producer

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/signalfabric/internal/bus"
	"github.com/aristath/signalfabric/internal/signal"
)

// RunnerConfig carries the producer-overridable knobs spec §4.2 names.
type RunnerConfig struct {
	DedupCapacity      int
	DedupWindow        time.Duration
	BucketResolution   time.Duration
	MinGap             time.Duration
	ScanTimeout        time.Duration
	PublishRetries     int
	PublishBackoffBase time.Duration
}

func (c RunnerConfig) withDefaults() RunnerConfig {
	if c.ScanTimeout <= 0 {
		c.ScanTimeout = 30 * time.Second
	}
	if c.PublishRetries <= 0 {
		c.PublishRetries = 3
	}
	if c.PublishBackoffBase <= 0 {
		c.PublishBackoffBase = 500 * time.Millisecond
	}
	return c
}

// Runner drives one Producer on its own single-threaded cooperative
// timer, exactly as spec §4.2/§5 describe: "a single-threaded cooperative
// timer per producer; the scan body may suspend on I/O but must be
// cancellable within 1s."
type Runner struct {
	producer  Producer
	publisher Publisher
	metrics   Metrics
	log       zerolog.Logger
	cfg       RunnerConfig
	dedup     *dedupLRU
	cooldowns *cooldownRegistry
}

// NewRunner wires a Runner around producer, publishing through publisher.
// metrics may be nil.
func NewRunner(p Producer, publisher Publisher, cfg RunnerConfig, metrics Metrics, log zerolog.Logger) *Runner {
	cfg = cfg.withDefaults()
	return &Runner{
		producer:  p,
		publisher: publisher,
		metrics:   metrics,
		log:       log.With().Str("component", "producer").Str("kind", p.Kind()).Logger(),
		cfg:       cfg,
		dedup:     newDedupLRU(cfg.DedupCapacity, cfg.DedupWindow),
		cooldowns: newCooldownRegistry(cfg.MinGap),
	}
}

// Run blocks, ticking the producer at its TickInterval until ctx is
// cancelled. Intended to be launched in its own goroutine.
func (r *Runner) Run(ctx context.Context) {
	ticker := time.NewTicker(r.producer.TickInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

func (r *Runner) tick(ctx context.Context) {
	scanCtx, cancel := context.WithTimeout(ctx, r.cfg.ScanTimeout)
	defer cancel()

	drafts, err := r.producer.Scan(scanCtx)
	if err != nil {
		r.log.Warn().Err(err).Msg("scan failed")
		return
	}

	for _, d := range drafts {
		r.emit(ctx, d)
	}
}

// emit canonicalises one draft into a Signal, applies dedup and cooldown,
// and publishes with bounded retry (spec §4.2 rules 1-3).
func (r *Runner) emit(ctx context.Context, d Draft) {
	producedAt := time.Now().UTC()
	s := &signal.Signal{
		SignalType: r.producer.Kind(),
		Source:     r.producer.Kind(),
		ProducedAt: producedAt,
		Tickers:    []signal.TickerEntry{{Ticker: d.Ticker, Direction: d.Direction, Confidence: d.Confidence}},
	}
	s.Canonicalize()

	ticker := s.Tickers[0].Ticker
	s.SignalID = signalID(s.SignalType, ticker, s.ProducedAt, r.cfg.BucketResolution)

	if r.dedup.SeenRecently(s.SignalID, s.ProducedAt) {
		return
	}
	if !r.cooldowns.Allow(s.SignalType, ticker) {
		return
	}

	if r.metrics != nil {
		r.metrics.IncSignalsGenerated(s.SignalType)
	}

	r.publishWithRetry(ctx, s)
}

// publishWithRetry implements spec §4.2 rule 3: 3 attempts, exponential
// backoff 0.5s -> 2s -> 8s. A producer never blocks the pipeline
// activation path on bus failure; exhausting the retry budget drops the
// signal and counts publish_failure_total. A bus.ErrSerialization failure
// is not retried: the signal is dropped and counted the same way.
func (r *Runner) publishWithRetry(ctx context.Context, s *signal.Signal) {
	backoff := r.cfg.PublishBackoffBase
	var lastErr error

	for attempt := 1; attempt <= r.cfg.PublishRetries; attempt++ {
		if err := r.publisher.Publish(ctx, s); err != nil {
			lastErr = err
			if errors.Is(err, bus.ErrSerialization) {
				break
			}
			r.log.Warn().Err(err).Int("attempt", attempt).Str("signal_id", s.SignalID).Msg("publish failed, retrying")
			if attempt < r.cfg.PublishRetries {
				select {
				case <-ctx.Done():
					return
				case <-time.After(backoff):
				}
				backoff *= 4
			}
			continue
		}
		if r.metrics != nil {
			r.metrics.IncPublishSuccess()
		}
		return
	}

	r.log.Error().Err(lastErr).Str("signal_id", s.SignalID).Msg("publish failed after retry budget exhausted, dropping signal")
	if r.metrics != nil {
		r.metrics.IncPublishFailure()
	}
}
