package index

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// FailureCounter is the narrow metrics collaborator the Refresher reports
// to. internal/metrics.Registry satisfies this.
type FailureCounter interface {
	IncRefreshFailure()
}

// Refresher drives Index.Refresh on a fixed cadence via robfig/cron,
// mirroring how the teacher's job scheduler registers multiple cadences
// against one ticker-driven component, but using cron's "@every" spec so
// the interval is configuration, not a hardcoded ticker literal.
type Refresher struct {
	idx      *Index
	cron     *cron.Cron
	interval time.Duration
	metrics  FailureCounter
	log      zerolog.Logger
}

// NewRefresher wires idx to refresh every interval. metrics may be nil in
// tests that don't care about the refresh_failure_total counter.
func NewRefresher(idx *Index, interval time.Duration, metrics FailureCounter, log zerolog.Logger) *Refresher {
	return &Refresher{
		idx:      idx,
		cron:     cron.New(),
		interval: interval,
		metrics:  metrics,
		log:      log.With().Str("component", "index_refresher").Logger(),
	}
}

// Start performs one synchronous refresh (so the Index is populated before
// the first dispatcher batch) and then schedules the recurring job.
func (r *Refresher) Start(ctx context.Context) error {
	if err := r.refreshOnce(ctx); err != nil {
		r.log.Warn().Err(err).Msg("initial index refresh failed, starting with empty snapshot")
	}

	spec := fmt.Sprintf("@every %s", r.interval)
	_, err := r.cron.AddFunc(spec, func() {
		if err := r.refreshOnce(ctx); err != nil {
			r.log.Warn().Err(err).Msg("scheduled index refresh failed")
		}
	})
	if err != nil {
		return fmt.Errorf("index: schedule refresher: %w", err)
	}
	r.cron.Start()
	return nil
}

func (r *Refresher) refreshOnce(ctx context.Context) error {
	err := r.idx.Refresh(ctx)
	if err != nil && r.metrics != nil {
		r.metrics.IncRefreshFailure()
	}
	return err
}

// Stop halts the cron scheduler and waits for any in-flight job to finish.
func (r *Refresher) Stop() {
	stopCtx := r.cron.Stop()
	<-stopCtx.Done()
}
