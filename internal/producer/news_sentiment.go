package producer

import (
	"context"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/aristath/signalfabric/internal/signal"
)

// SentimentSample is one scored news item about a ticker.
type SentimentSample struct {
	Score  float64 // in [-1, 1]
	Weight float64 // source reliability / recency weight, > 0
}

// SentimentSource supplies recent sentiment samples per ticker.
// Implementations typically wrap a news/NLP client; tests use an
// in-memory fake.
type SentimentSource interface {
	Universe() []string
	Samples(ctx context.Context, ticker string) ([]SentimentSample, error)
}

// NewsSentiment emits a directional signal when a ticker's weighted mean
// sentiment crosses a threshold with low enough dispersion to be
// considered a consensus rather than noise.
type NewsSentiment struct {
	source        SentimentSource
	tickInterval  time.Duration
	minSamples    int
	meanThreshold float64
	maxStdDev     float64
}

// NewNewsSentiment constructs a NewsSentiment producer. meanThreshold is
// the absolute weighted-mean score (in [-1,1]) required to consider a
// ticker's sentiment directional; maxStdDev caps how dispersed the sample
// set may be for the signal to still be considered a consensus.
func NewNewsSentiment(source SentimentSource, tickInterval time.Duration) *NewsSentiment {
	return &NewsSentiment{
		source:        source,
		tickInterval:  tickInterval,
		minSamples:    5,
		meanThreshold: 0.2,
		maxStdDev:     0.5,
	}
}

func (n *NewsSentiment) Kind() string                { return "news_sentiment" }
func (n *NewsSentiment) TickInterval() time.Duration { return n.tickInterval }

// Scan computes the weighted mean and weighted sample standard deviation of
// each ticker's recent sentiment samples, emitting a Draft when the mean
// clears meanThreshold in either direction with dispersion under
// maxStdDev.
func (n *NewsSentiment) Scan(ctx context.Context) ([]Draft, error) {
	var drafts []Draft

	for _, ticker := range n.source.Universe() {
		if err := ctx.Err(); err != nil {
			return drafts, err
		}

		samples, err := n.source.Samples(ctx, ticker)
		if err != nil {
			return drafts, err
		}
		if len(samples) < n.minSamples {
			continue
		}

		scores := make([]float64, len(samples))
		weights := make([]float64, len(samples))
		for i, s := range samples {
			scores[i] = s.Score
			weights[i] = s.Weight
		}

		mean := stat.Mean(scores, weights)
		stddev := stat.StdDev(scores, weights)
		if stddev > n.maxStdDev {
			continue
		}
		if mean > -n.meanThreshold && mean < n.meanThreshold {
			continue
		}

		direction := signal.DirectionBullish
		if mean < 0 {
			direction = signal.DirectionBearish
		}

		// Confidence rewards both a stronger mean and tighter agreement
		// across sources: a 100%-consensus extreme score maps near 100,
		// high dispersion pulls it back down.
		magnitude := mean
		if magnitude < 0 {
			magnitude = -magnitude
		}
		confidence := magnitude * 100 * (1 - stddev)
		if confidence < 0 {
			confidence = 0
		}
		if confidence > 100 {
			confidence = 100
		}

		drafts = append(drafts, Draft{Ticker: ticker, Direction: &direction, Confidence: confidence})
	}

	return drafts, nil
}
