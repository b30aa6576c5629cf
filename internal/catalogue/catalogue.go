// Package catalogue defines the read-only view of user-owned pipelines the
// Pipeline Index refreshes from. The catalogue itself — the CRUD system
// that owns pipelines, scanners, and subscriptions — is out of scope; this
// package only names the interface the Index consumes and ships one real
// implementation (SQLiteReader) so the fabric has something to refresh
// against in tests and local runs.
package catalogue

// TriggerMode is a pipeline's activation path.
type TriggerMode string

const (
	TriggerModeSignal   TriggerMode = "SIGNAL"
	TriggerModePeriodic TriggerMode = "PERIODIC"
)

// Subscription gates a SIGNAL pipeline to a signal_type and confidence floor.
// Timeframe, when set, must match the signal's timeframe exactly; a nil
// Timeframe accepts any.
type Subscription struct {
	SignalType    string
	MinConfidence float64
	Timeframe     *string
}

// Entry is one row of the catalogue read view (spec §6): everything the
// Index needs to build a PipelineDescriptor, before materialisation.
type Entry struct {
	PipelineID       string
	UserID           string
	TriggerMode      TriggerMode
	IsActive         bool
	ScannerTickerSet []string
	Subscriptions    []Subscription
}

// Descriptor is the Index's materialised, read-only projection of an Entry
// (spec §3 PipelineDescriptor). TickerSet is deduplicated and upper-cased.
type Descriptor struct {
	PipelineID    string
	UserID        string
	TriggerMode   TriggerMode
	IsActive      bool
	TickerSet     map[string]struct{}
	Subscriptions []Subscription
}

// Matches reports whether ticker is in the descriptor's ticker set.
func (d Descriptor) Matches(ticker string) bool {
	_, ok := d.TickerSet[ticker]
	return ok
}

// NewDescriptor materialises an Entry into a Descriptor, upper-casing and
// deduplicating the ticker set.
func NewDescriptor(e Entry) Descriptor {
	set := make(map[string]struct{}, len(e.ScannerTickerSet))
	for _, t := range e.ScannerTickerSet {
		set[upper(t)] = struct{}{}
	}
	return Descriptor{
		PipelineID:    e.PipelineID,
		UserID:        e.UserID,
		TriggerMode:   e.TriggerMode,
		IsActive:      e.IsActive,
		TickerSet:     set,
		Subscriptions: e.Subscriptions,
	}
}

func upper(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'a' && c <= 'z' {
			b[i] = c - ('a' - 'A')
		}
	}
	return string(b)
}
