package catalogue

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewDescriptor_UppercasesAndDedupes(t *testing.T) {
	e := Entry{
		PipelineID:       "p1",
		TriggerMode:      TriggerModeSignal,
		IsActive:         true,
		ScannerTickerSet: []string{"aapl", "AAPL", "msft"},
	}
	d := NewDescriptor(e)
	assert.Len(t, d.TickerSet, 2)
	assert.True(t, d.Matches("AAPL"))
	assert.True(t, d.Matches("MSFT"))
	assert.False(t, d.Matches("TSLA"))
}

func TestDescriptor_Matches_EmptyTickerSetNeverMatches(t *testing.T) {
	d := NewDescriptor(Entry{PipelineID: "p1"})
	assert.False(t, d.Matches("AAPL"))
}
