package producer

import (
	"context"
	"fmt"
	"time"

	"github.com/markcheno/go-talib"

	"github.com/aristath/signalfabric/internal/signal"
)

// PriceSeriesSource supplies the closing-price history a GoldenCross scan
// needs for one ticker. Implementations typically wrap a market-data
// client; tests use an in-memory fake.
type PriceSeriesSource interface {
	Universe() []string
	Closes(ctx context.Context, ticker string) ([]float64, error)
}

// GoldenCross emits a bullish signal when a ticker's 50-period SMA crosses
// above its 200-period SMA, and a bearish one on the reverse ("death
// cross"). Confidence scales with the percentage separation between the
// two averages at the crossing bar, capped at 100.
type GoldenCross struct {
	source       PriceSeriesSource
	tickInterval time.Duration
	fastPeriod   int
	slowPeriod   int

	lastState map[string]crossState
}

type crossState int

const (
	crossUnknown crossState = iota
	crossBullish
	crossBearish
)

// NewGoldenCross constructs a GoldenCross producer over source, scanning
// its whole universe every tickInterval using the standard 50/200 SMA
// pair.
func NewGoldenCross(source PriceSeriesSource, tickInterval time.Duration) *GoldenCross {
	return &GoldenCross{
		source:       source,
		tickInterval: tickInterval,
		fastPeriod:   50,
		slowPeriod:   200,
		lastState:    make(map[string]crossState),
	}
}

func (g *GoldenCross) Kind() string                { return "golden_cross" }
func (g *GoldenCross) TickInterval() time.Duration { return g.tickInterval }

// Scan computes the fast/slow SMA pair for every ticker in the source's
// universe and reports a Draft whenever the relative ordering flips since
// the previous scan.
func (g *GoldenCross) Scan(ctx context.Context) ([]Draft, error) {
	var drafts []Draft

	for _, ticker := range g.source.Universe() {
		if err := ctx.Err(); err != nil {
			return drafts, err
		}

		closes, err := g.source.Closes(ctx, ticker)
		if err != nil {
			return drafts, fmt.Errorf("golden_cross: closes for %s: %w", ticker, err)
		}
		if len(closes) < g.slowPeriod {
			continue
		}

		fast := talib.Sma(closes, g.fastPeriod)
		slow := talib.Sma(closes, g.slowPeriod)
		last := len(closes) - 1
		fastVal, slowVal := fast[last], slow[last]
		if slowVal == 0 {
			continue
		}

		state := crossBearish
		if fastVal > slowVal {
			state = crossBullish
		}

		prev, seen := g.lastState[ticker]
		g.lastState[ticker] = state
		if !seen || prev == state {
			continue
		}

		separationPct := (fastVal - slowVal) / slowVal * 100
		if separationPct < 0 {
			separationPct = -separationPct
		}
		confidence := separationPct * 20
		if confidence > 100 {
			confidence = 100
		}

		direction := signal.DirectionBullish
		if state == crossBearish {
			direction = signal.DirectionBearish
		}
		drafts = append(drafts, Draft{Ticker: ticker, Direction: &direction, Confidence: confidence})
	}

	return drafts, nil
}
