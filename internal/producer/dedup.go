package producer

import (
	"container/list"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"golang.org/x/crypto/blake2b"
)

const (
	defaultDedupCapacity = 10_000
	defaultDedupWindow   = 10 * time.Minute
	defaultBucketResolution = 60 * time.Second
)

// signalID returns the canonical signal_id: a blake2b digest of
// (signal_type, ticker, time-bucket), where the bucket groups produced_at
// into resolution-wide windows so two emissions within the same bucket
// collide and get deduplicated.
func signalID(signalType, ticker string, producedAt time.Time, resolution time.Duration) string {
	if resolution <= 0 {
		resolution = defaultBucketResolution
	}
	bucket := producedAt.Unix() / int64(resolution.Seconds())

	h, _ := blake2b.New256(nil)
	_, _ = h.Write([]byte(signalType))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(ticker))
	_, _ = h.Write([]byte{0})
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(bucket))
	_, _ = h.Write(buf[:])

	return fmt.Sprintf("%x", h.Sum(nil))
}

// dedupLRU suppresses a signal_id seen again within a sliding window
// (spec §4.2 rule 1), capped at a fixed capacity so a runaway producer
// can't grow it unbounded. A process restart loses this state, which the
// spec explicitly accepts (at most one duplicate per (type,ticker) pair
// immediately post-restart).
type dedupLRU struct {
	mu       sync.Mutex
	capacity int
	window   time.Duration
	order    *list.List
	index    map[string]*list.Element
}

type dedupEntry struct {
	id      string
	seenAt  time.Time
}

func newDedupLRU(capacity int, window time.Duration) *dedupLRU {
	if capacity <= 0 {
		capacity = defaultDedupCapacity
	}
	if window <= 0 {
		window = defaultDedupWindow
	}
	return &dedupLRU{
		capacity: capacity,
		window:   window,
		order:    list.New(),
		index:    make(map[string]*list.Element),
	}
}

// SeenRecently reports whether id was already recorded within window, and
// records it (refreshing its position) regardless of the outcome.
func (d *dedupLRU) SeenRecently(id string, now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if el, ok := d.index[id]; ok {
		entry := el.Value.(*dedupEntry)
		recent := now.Sub(entry.seenAt) < d.window
		entry.seenAt = now
		d.order.MoveToFront(el)
		return recent
	}

	el := d.order.PushFront(&dedupEntry{id: id, seenAt: now})
	d.index[id] = el

	for d.order.Len() > d.capacity {
		oldest := d.order.Back()
		if oldest == nil {
			break
		}
		d.order.Remove(oldest)
		delete(d.index, oldest.Value.(*dedupEntry).id)
	}
	return false
}
