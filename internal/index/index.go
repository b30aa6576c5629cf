// Package index implements the Pipeline Index (spec §4.3): a read-mostly
// snapshot mapping tickers to eligible pipeline descriptors, rebuilt
// periodically from the catalogue and swapped in atomically so readers
// never observe a torn mix of old and new state.
package index

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/signalfabric/internal/catalogue"
)

// snapshot is the immutable value swapped atomically on refresh.
type snapshot struct {
	byTicker    map[string]map[string]struct{}
	descriptors map[string]catalogue.Descriptor
	builtAt     time.Time
}

// Index is the Dispatcher and Periodic Scheduler's read-mostly view of the
// pipeline catalogue. Zero value is not usable; construct with New.
type Index struct {
	reader  catalogue.Reader
	current atomic.Pointer[snapshot]
	log     zerolog.Logger
}

// New returns an Index with an empty snapshot. Call Refresh (directly or
// via a Refresher) before serving reads.
func New(reader catalogue.Reader, log zerolog.Logger) *Index {
	idx := &Index{reader: reader, log: log.With().Str("component", "index").Logger()}
	idx.current.Store(&snapshot{
		byTicker:    map[string]map[string]struct{}{},
		descriptors: map[string]catalogue.Descriptor{},
		builtAt:     time.Time{},
	})
	return idx
}

// Candidates returns the set of pipeline_ids subscribed to ticker, per the
// current snapshot. O(1) expected; never blocks on a refresh in progress.
func (idx *Index) Candidates(ticker string) map[string]struct{} {
	snap := idx.current.Load()
	return snap.byTicker[ticker]
}

// Descriptor returns the current descriptor for pipelineID, if any.
func (idx *Index) Descriptor(pipelineID string) (catalogue.Descriptor, bool) {
	snap := idx.current.Load()
	d, ok := snap.descriptors[pipelineID]
	return d, ok
}

// PeriodicDescriptors returns every active PERIODIC descriptor in the
// current snapshot, for the Periodic Scheduler's sweep.
func (idx *Index) PeriodicDescriptors() []catalogue.Descriptor {
	snap := idx.current.Load()
	out := make([]catalogue.Descriptor, 0)
	for _, d := range snap.descriptors {
		if d.IsActive && d.TriggerMode == catalogue.TriggerModePeriodic {
			out = append(out, d)
		}
	}
	return out
}

// Size returns the number of descriptors held in the current snapshot, for
// the pipeline_cache_size gauge.
func (idx *Index) Size() int {
	snap := idx.current.Load()
	return len(snap.descriptors)
}

// Age reports how long ago the current snapshot was built. Used by callers
// that want to emit a staleness alert at 2x refresh_interval.
func (idx *Index) Age() time.Duration {
	snap := idx.current.Load()
	if snap.builtAt.IsZero() {
		return 0
	}
	return time.Since(snap.builtAt)
}

// Refresh rebuilds both maps from the catalogue and swaps them in
// atomically. On error the previous snapshot stays in service — callers
// are responsible for counting refresh_failure_total.
func (idx *Index) Refresh(ctx context.Context) error {
	entries, err := catalogue.ListAll(ctx, idx.reader)
	if err != nil {
		idx.log.Warn().Err(err).Msg("index refresh failed, serving stale snapshot")
		return err
	}

	byTicker := make(map[string]map[string]struct{})
	descriptors := make(map[string]catalogue.Descriptor, len(entries))

	for _, e := range entries {
		if !e.IsActive {
			continue
		}
		d := catalogue.NewDescriptor(e)
		descriptors[d.PipelineID] = d
		if d.TriggerMode != catalogue.TriggerModeSignal {
			continue
		}
		for ticker := range d.TickerSet {
			set, ok := byTicker[ticker]
			if !ok {
				set = make(map[string]struct{})
				byTicker[ticker] = set
			}
			set[d.PipelineID] = struct{}{}
		}
	}

	idx.current.Store(&snapshot{byTicker: byTicker, descriptors: descriptors, builtAt: time.Now().UTC()})
	idx.log.Debug().Int("pipeline_count", len(descriptors)).Msg("index refreshed")
	return nil
}
