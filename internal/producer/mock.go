package producer

import (
	"context"
	"time"

	"github.com/aristath/signalfabric/internal/signal"
)

// Mock is a deterministic producer for local smoke runs and the
// reference deployment's test universe: it cycles through a fixed
// ticker list on every tick, always emitting the same direction, with no
// external dependency.
type Mock struct {
	tickInterval time.Duration
	tickers      []string
	confidence   float64
	direction    signal.Direction
	calls        int
}

// NewMock constructs a Mock producer over a fixed ticker set, emitting
// direction at confidence on every tick.
func NewMock(tickers []string, direction signal.Direction, confidence float64, tickInterval time.Duration) *Mock {
	return &Mock{
		tickInterval: tickInterval,
		tickers:      tickers,
		confidence:   confidence,
		direction:    direction,
	}
}

func (m *Mock) Kind() string                { return "mock" }
func (m *Mock) TickInterval() time.Duration { return m.tickInterval }

// Scan round-robins one ticker per call so repeated ticks exercise the
// full configured set without flooding a single pipeline.
func (m *Mock) Scan(ctx context.Context) ([]Draft, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(m.tickers) == 0 {
		return nil, nil
	}
	ticker := m.tickers[m.calls%len(m.tickers)]
	m.calls++
	direction := m.direction
	return []Draft{{Ticker: ticker, Direction: &direction, Confidence: m.confidence}}, nil
}
