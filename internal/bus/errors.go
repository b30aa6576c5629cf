package bus

import "errors"

// ErrBusUnavailable indicates the Kafka cluster could not be reached within
// the publish deadline after the retry budget was exhausted. Producers fall
// back to local structured logging on this error (spec §4.1).
var ErrBusUnavailable = errors.New("bus: unavailable")

// ErrSerialization indicates the signal envelope could not be encoded.
// Unlike ErrBusUnavailable, this is never retried — the record is
// malformed regardless of how many times it is tried.
var ErrSerialization = errors.New("bus: serialization failed")
