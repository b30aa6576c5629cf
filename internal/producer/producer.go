// Package producer implements the Signal Producer Framework (spec §4.2):
// a timer-driven runner around pluggable Producer implementations, with
// canonicalisation, a sliding-window dedup LRU, per-(type,ticker) cooldown,
// and a bounded-retry publish path onto the Event Bus Facade.
package producer

import (
	"context"
	"time"

	"github.com/aristath/signalfabric/internal/signal"
)

// Draft is a candidate signal emission for one ticker, before
// canonicalisation and signal_id assignment. A Producer's Scan returns
// zero or more Drafts per tick.
type Draft struct {
	Ticker     string
	Direction  *signal.Direction
	Confidence float64
}

// Producer is the pluggable generator interface (spec §4.2): a kind tag,
// a tick interval, and a scan that returns candidate drafts. Scan must
// respect ctx's deadline — long-running scans are cancelled at 30s
// (spec §5).
type Producer interface {
	Kind() string
	TickInterval() time.Duration
	Scan(ctx context.Context) ([]Draft, error)
}

// Publisher is the narrow collaborator a Runner publishes through. Both
// bus.Facade and bus.Memory satisfy it.
type Publisher interface {
	Publish(ctx context.Context, s *signal.Signal) error
}

// Metrics is the narrow collaborator a Runner reports to.
type Metrics interface {
	IncSignalsGenerated(signalType string)
	IncPublishSuccess()
	IncPublishFailure()
}
