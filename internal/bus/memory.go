package bus

import (
	"context"
	"sync"

	"github.com/aristath/signalfabric/internal/signal"
)

// Memory is an in-process stand-in for the Kafka-backed Facade, used in
// tests and local smoke runs that don't have a broker available. It
// preserves publish ordering as the real Facade does for a single
// partition (every signal shares one queue) and delivers each record once;
// a record whose handler returns an error is not redelivered. That is
// sufficient for exercising the Dispatcher's batching and matching logic
// without a cluster.
type Memory struct {
	mu      sync.Mutex
	records [][]byte
	subs    []*memorySub
	closed  bool
}

type memorySub struct {
	handler     Handler
	onMalformed MalformedHandler
	cancel      chan struct{}
}

// NewMemory creates an empty in-process bus.
func NewMemory() *Memory {
	return &Memory{}
}

// Publish appends s to the in-memory log and immediately fans it out to
// every active subscription, delivering it once to each.
func (m *Memory) Publish(ctx context.Context, s *signal.Signal) error {
	payload, err := signal.Marshal(s)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.records = append(m.records, payload)
	subs := append([]*memorySub(nil), m.subs...)
	m.mu.Unlock()

	for _, sub := range subs {
		decoded, decodeErr := signal.Unmarshal(payload)
		if decodeErr != nil {
			if sub.onMalformed != nil {
				sub.onMalformed(payload, decodeErr)
			}
			continue
		}
		// At-least-once: a handler error is logged by the caller via the
		// returned error; Memory has no offset to roll back, so callers
		// relying on redelivery semantics should use the real Facade. There
		// is nothing to mark, so the ack is a no-op.
		_ = sub.handler(ctx, decoded, func() {})
	}
	return nil
}

// Subscribe registers handler for future Publish calls. Unlike the Kafka
// Facade, Memory does not replay history — only records published after
// Subscribe is called are delivered.
func (m *Memory) Subscribe(_ context.Context, _ string, handler Handler, onMalformed MalformedHandler) (*Subscription, error) {
	sub := &memorySub{handler: handler, onMalformed: onMalformed, cancel: make(chan struct{})}
	m.mu.Lock()
	m.subs = append(m.subs, sub)
	m.mu.Unlock()

	done := make(chan struct{})
	close(done)
	return &Subscription{cancel: func() { close(sub.cancel) }, done: done}, nil
}
