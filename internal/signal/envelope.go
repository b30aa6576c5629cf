package signal

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// envelope mirrors the wire format in spec §6 field-for-field, with a
// struct tag order that encoding/json preserves on marshal so every
// producer emits byte-identical key ordering.
type envelope struct {
	SignalID   string             `json:"signal_id"`
	SignalType string             `json:"signal_type"`
	Source     string             `json:"source"`
	ProducedAt string             `json:"produced_at"`
	Timeframe  *Timeframe         `json:"timeframe"`
	Tickers    []envelopeTickerV1 `json:"tickers"`
}

type envelopeTickerV1 struct {
	Ticker     string     `json:"ticker"`
	Direction  *Direction `json:"direction"`
	Confidence float64    `json:"confidence"`
}

// rfc3339Millis formats t as UTC RFC3339 with millisecond precision, the
// wire format spec §6 mandates.
func rfc3339Millis(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z07:00")
}

// Marshal encodes s into the canonical JSON envelope. Fields keep a stable
// order and timestamps are UTC millisecond RFC3339, independent of however
// encoding/json would otherwise order map keys (there are none — the
// envelope is an explicit struct for exactly this reason).
func Marshal(s *Signal) ([]byte, error) {
	env := envelope{
		SignalID:   s.SignalID,
		SignalType: s.SignalType,
		Source:     s.Source,
		ProducedAt: rfc3339Millis(s.ProducedAt),
		Timeframe:  s.Timeframe,
		Tickers:    make([]envelopeTickerV1, len(s.Tickers)),
	}
	for i, t := range s.Tickers {
		env.Tickers[i] = envelopeTickerV1{Ticker: t.Ticker, Direction: t.Direction, Confidence: t.Confidence}
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(env); err != nil {
		return nil, fmt.Errorf("signal: marshal envelope: %w", err)
	}
	out := buf.Bytes()
	return out[:len(out)-1], nil // trim the trailing newline Encode appends
}

// Unmarshal decodes a wire envelope into a Signal. Unknown fields are
// ignored (encoding/json's default); a required field missing from the
// envelope is reported so the caller can count malformed_signal_total and
// drop the record without re-delivery, per spec §6/§7.
func Unmarshal(data []byte) (*Signal, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("signal: unmarshal envelope: %w", err)
	}
	if env.SignalID == "" || env.SignalType == "" || env.Source == "" {
		return nil, fmt.Errorf("signal: missing required field (signal_id/signal_type/source)")
	}
	if len(env.Tickers) == 0 {
		return nil, fmt.Errorf("signal: tickers must be non-empty")
	}
	producedAt, err := time.Parse(time.RFC3339, env.ProducedAt)
	if err != nil {
		producedAt, err = time.Parse("2006-01-02T15:04:05.000Z07:00", env.ProducedAt)
		if err != nil {
			return nil, fmt.Errorf("signal: invalid produced_at %q: %w", env.ProducedAt, err)
		}
	}

	s := &Signal{
		SignalID:   env.SignalID,
		SignalType: env.SignalType,
		Source:     env.Source,
		ProducedAt: producedAt.UTC(),
		Timeframe:  env.Timeframe,
		Tickers:    make([]TickerEntry, len(env.Tickers)),
	}
	for i, t := range env.Tickers {
		if t.Ticker == "" {
			return nil, fmt.Errorf("signal: tickers[%d].ticker missing", i)
		}
		s.Tickers[i] = TickerEntry{Ticker: t.Ticker, Direction: t.Direction, Confidence: t.Confidence}
	}
	return s, nil
}
