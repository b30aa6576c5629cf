package producer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/signalfabric/internal/signal"
)

type fakePriceSource struct {
	universe []string
	closes   map[string][]float64
}

func (f *fakePriceSource) Universe() []string { return f.universe }
func (f *fakePriceSource) Closes(_ context.Context, ticker string) ([]float64, error) {
	return f.closes[ticker], nil
}

func risingThenFalling(n, riseLen int, start float64) []float64 {
	out := make([]float64, n)
	v := start
	for i := 0; i < n; i++ {
		if i < riseLen {
			v += 1
		} else {
			v -= 1
		}
		out[i] = v
	}
	return out
}

func TestGoldenCross_NoDraftsBelowSlowPeriod(t *testing.T) {
	src := &fakePriceSource{universe: []string{"AAPL"}, closes: map[string][]float64{"AAPL": make([]float64, 100)}}
	g := NewGoldenCross(src, time.Hour)

	drafts, err := g.Scan(context.Background())
	require.NoError(t, err)
	assert.Empty(t, drafts)
}

func TestGoldenCross_FirstScanRecordsStateWithoutEmitting(t *testing.T) {
	src := &fakePriceSource{universe: []string{"AAPL"}, closes: map[string][]float64{"AAPL": risingThenFalling(250, 250, 100)}}
	g := NewGoldenCross(src, time.Hour)

	drafts, err := g.Scan(context.Background())
	require.NoError(t, err)
	assert.Empty(t, drafts, "no prior state to compare against on the first scan")
}

func TestGoldenCross_EmitsOnStateFlip(t *testing.T) {
	src := &fakePriceSource{universe: []string{"AAPL"}, closes: map[string][]float64{"AAPL": risingThenFalling(250, 250, 100)}}
	g := NewGoldenCross(src, time.Hour)
	_, err := g.Scan(context.Background())
	require.NoError(t, err)

	// Flip the series to a clear downtrend so the fast SMA drops below slow.
	src.closes["AAPL"] = risingThenFalling(250, 0, 400)
	drafts, err := g.Scan(context.Background())
	require.NoError(t, err)
	require.Len(t, drafts, 1)
	assert.Equal(t, "AAPL", drafts[0].Ticker)
	assert.Equal(t, signal.DirectionBearish, *drafts[0].Direction)
}

func TestGoldenCross_RespectsContextCancellation(t *testing.T) {
	src := &fakePriceSource{universe: []string{"AAPL", "MSFT"}, closes: map[string][]float64{}}
	g := NewGoldenCross(src, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := g.Scan(ctx)
	assert.Error(t, err)
}
