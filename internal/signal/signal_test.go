package signal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignal_ValidateEmptyTickers(t *testing.T) {
	s := &Signal{SignalID: "s1", SignalType: "golden_cross", Source: "p1"}
	err := s.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tickers")
}

func TestSignal_ValidateConfidenceOutOfRange(t *testing.T) {
	s := &Signal{
		SignalID:   "s1",
		SignalType: "golden_cross",
		Source:     "p1",
		Tickers:    []TickerEntry{{Ticker: "AAPL", Confidence: 150}},
	}
	err := s.Validate()
	require.Error(t, err)
}

func TestSignal_Canonicalize(t *testing.T) {
	s := &Signal{
		Tickers: []TickerEntry{
			{Ticker: " aapl ", Confidence: -10},
			{Ticker: "msft", Confidence: 250},
		},
	}
	s.Canonicalize()
	assert.Equal(t, "AAPL", s.Tickers[0].Ticker)
	assert.Equal(t, 0.0, s.Tickers[0].Confidence)
	assert.Equal(t, "MSFT", s.Tickers[1].Ticker)
	assert.Equal(t, 100.0, s.Tickers[1].Confidence)
}

func TestSignal_NormalizedTickers_DedupesAndUppercases(t *testing.T) {
	s := &Signal{
		Tickers: []TickerEntry{
			{Ticker: "aapl"},
			{Ticker: "AAPL"},
			{Ticker: "msft"},
		},
	}
	got := s.NormalizedTickers()
	assert.ElementsMatch(t, []string{"AAPL", "MSFT"}, got)
}

func TestSignal_MaxConfidenceFor(t *testing.T) {
	s := &Signal{
		Tickers: []TickerEntry{
			{Ticker: "AAPL", Confidence: 40},
			{Ticker: "MSFT", Confidence: 90},
		},
	}
	allowed := map[string]struct{}{"AAPL": {}}
	assert.Equal(t, 40.0, s.MaxConfidenceFor(allowed))

	allowed2 := map[string]struct{}{"MSFT": {}}
	assert.Equal(t, 90.0, s.MaxConfidenceFor(allowed2))

	allowed3 := map[string]struct{}{"TSLA": {}}
	assert.Equal(t, 0.0, s.MaxConfidenceFor(allowed3))
}

func TestMarshalUnmarshal_RoundTrip(t *testing.T) {
	tf := Timeframe1h
	dir := DirectionBullish
	produced := time.Date(2026, 1, 2, 3, 4, 5, 123000000, time.UTC)
	s := &Signal{
		SignalID:   "abc123",
		SignalType: "golden_cross",
		Source:     "producer-1",
		ProducedAt: produced,
		Timeframe:  &tf,
		Tickers:    []TickerEntry{{Ticker: "AAPL", Direction: &dir, Confidence: 85}},
	}

	data, err := Marshal(s)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"signal_id":"abc123"`)
	assert.Contains(t, string(data), `"2026-01-02T03:04:05.123Z"`)

	got, err := Unmarshal(data)
	require.NoError(t, err)
	assert.Equal(t, s.SignalID, got.SignalID)
	assert.Equal(t, s.SignalType, got.SignalType)
	assert.True(t, s.ProducedAt.Equal(got.ProducedAt))
	assert.Equal(t, *s.Timeframe, *got.Timeframe)
	assert.Equal(t, s.Tickers[0].Ticker, got.Tickers[0].Ticker)
	assert.Equal(t, s.Tickers[0].Confidence, got.Tickers[0].Confidence)
}

func TestUnmarshal_MissingRequiredField(t *testing.T) {
	_, err := Unmarshal([]byte(`{"signal_type":"mock","source":"p","tickers":[{"ticker":"AAPL","confidence":1}]}`))
	require.Error(t, err)
}

func TestUnmarshal_EmptyTickers(t *testing.T) {
	_, err := Unmarshal([]byte(`{"signal_id":"x","signal_type":"mock","source":"p","produced_at":"2026-01-01T00:00:00.000Z","tickers":[]}`))
	require.Error(t, err)
}

func TestUnmarshal_UnknownFieldsIgnored(t *testing.T) {
	raw := `{"signal_id":"x","signal_type":"mock","source":"p","produced_at":"2026-01-01T00:00:00.000Z","tickers":[{"ticker":"AAPL","confidence":1}],"extra_field":"ignored"}`
	got, err := Unmarshal([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, "x", got.SignalID)
}
