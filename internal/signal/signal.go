// Package signal defines the canonical Signal envelope that flows across
// the Event Bus Facade, plus the normalisation rules every producer must
// apply before publish.
package signal

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Timeframe is one of the enum-like tags a signal or subscription may carry.
type Timeframe string

const (
	Timeframe1m  Timeframe = "1m"
	Timeframe5m  Timeframe = "5m"
	Timeframe15m Timeframe = "15m"
	Timeframe1h  Timeframe = "1h"
	Timeframe4h  Timeframe = "4h"
	Timeframe1d  Timeframe = "1d"
)

// Direction is the directional bias a producer attaches to a ticker entry.
type Direction string

const (
	DirectionBullish Direction = "BULLISH"
	DirectionBearish Direction = "BEARISH"
	DirectionNeutral Direction = "NEUTRAL"
)

// TickerEntry is one ticker observation carried by a Signal.
type TickerEntry struct {
	Ticker     string     `json:"ticker"`
	Direction  *Direction `json:"direction,omitempty"`
	Confidence float64    `json:"confidence"`
}

// Signal is the immutable event a Producer emits and the Dispatcher
// consumes. See spec §3 for the full field contract.
type Signal struct {
	ProducedAt time.Time     `json:"produced_at"`
	SignalID   string        `json:"signal_id"`
	SignalType string        `json:"signal_type"`
	Source     string        `json:"source"`
	Timeframe  *Timeframe    `json:"timeframe,omitempty"`
	Tickers    []TickerEntry `json:"tickers"`
}

// Validate enforces the non-empty-tickers invariant and the per-entry
// bounds. Callers that skip a malformed record must count
// malformed_signal_total themselves (see internal/bus).
func (s *Signal) Validate() error {
	if strings.TrimSpace(s.SignalID) == "" {
		return fmt.Errorf("signal: signal_id is required")
	}
	if strings.TrimSpace(s.SignalType) == "" {
		return fmt.Errorf("signal: signal_type is required")
	}
	if len(s.Tickers) == 0 {
		return fmt.Errorf("signal: tickers must be non-empty")
	}
	for i, t := range s.Tickers {
		if strings.TrimSpace(t.Ticker) == "" {
			return fmt.Errorf("signal: tickers[%d].ticker is required", i)
		}
		if t.Confidence < 0 || t.Confidence > 100 {
			return fmt.Errorf("signal: tickers[%d].confidence out of [0,100]: %v", i, t.Confidence)
		}
	}
	return nil
}

// Canonicalize normalises tickers to uppercase and clamps confidence into
// [0,100], in place. It does not assign SignalID or ProducedAt — that is
// the Producer Framework's responsibility so it can apply the dedup bucket
// consistently (see internal/producer).
func (s *Signal) Canonicalize() {
	for i := range s.Tickers {
		s.Tickers[i].Ticker = strings.ToUpper(strings.TrimSpace(s.Tickers[i].Ticker))
		if s.Tickers[i].Confidence < 0 {
			s.Tickers[i].Confidence = 0
		}
		if s.Tickers[i].Confidence > 100 {
			s.Tickers[i].Confidence = 100
		}
	}
}

// NormalizedTickers returns the deduplicated, uppercased set of tickers on
// this signal, in sorted order — used by the Dispatcher for index
// lookups (spec §4.4 step 1).
func (s *Signal) NormalizedTickers() []string {
	seen := make(map[string]struct{}, len(s.Tickers))
	out := make([]string, 0, len(s.Tickers))
	for _, t := range s.Tickers {
		ticker := strings.ToUpper(strings.TrimSpace(t.Ticker))
		if ticker == "" {
			continue
		}
		if _, ok := seen[ticker]; ok {
			continue
		}
		seen[ticker] = struct{}{}
		out = append(out, ticker)
	}
	sort.Strings(out)
	return out
}

// MaxConfidenceFor returns the highest confidence among this signal's
// entries whose ticker is in the given allowed set. It is used by the
// Dispatcher to evaluate a subscription's min_confidence gate against only
// the tickers a candidate pipeline actually tracks (spec §4.4 step 3).
func (s *Signal) MaxConfidenceFor(allowed map[string]struct{}) float64 {
	max := -1.0
	for _, t := range s.Tickers {
		ticker := strings.ToUpper(strings.TrimSpace(t.Ticker))
		if _, ok := allowed[ticker]; !ok {
			continue
		}
		if t.Confidence > max {
			max = t.Confidence
		}
	}
	if max < 0 {
		return 0
	}
	return max
}
