package bus

import (
	"context"
	"fmt"

	"github.com/IBM/sarama"
	"github.com/rs/zerolog"

	"github.com/aristath/signalfabric/internal/signal"
)

// MalformedHandler is invoked for a record that fails to decode into a
// Signal. The record is still committed (never redelivered) — spec §7
// treats malformed records as counted-and-dropped, not retried.
type MalformedHandler func(raw []byte, err error)

// Subscription is a cancellable handle to a running consumer group member.
type Subscription struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Close stops consuming and waits for the consumer goroutine to exit.
func (s *Subscription) Close() {
	s.cancel()
	<-s.done
}

// Subscribe joins consumerGroup and delivers records to handler in
// partition order. Handler decides when a record's offset is safe to mark
// by calling the ack it's given — Handle returning nil only means "accepted
// into an in-flight batch", not "committed". On handler error the session
// ends and every record not yet acked is redelivered on the next poll
// (at-least-once, spec §4.1). Multiple replicas may Subscribe with the same
// groupID to scale horizontally — sarama rebalances partitions across them.
func (f *Facade) Subscribe(ctx context.Context, groupID string, handler Handler, onMalformed MalformedHandler) (*Subscription, error) {
	saramaCfg := sarama.NewConfig()
	saramaCfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	saramaCfg.Consumer.Return.Errors = true

	group, err := sarama.NewConsumerGroup(f.brokers, groupID, saramaCfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBusUnavailable, err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	consumerHandler := &groupHandler{
		handler:     handler,
		onMalformed: onMalformed,
		log:         f.log,
	}

	go func() {
		defer close(done)
		defer group.Close()
		for {
			if subCtx.Err() != nil {
				return
			}
			if err := group.Consume(subCtx, []string{f.topic}, consumerHandler); err != nil {
				f.log.Error().Err(err).Str("group_id", groupID).Msg("consumer group session ended with error")
			}
		}
	}()

	go func() {
		for err := range group.Errors() {
			f.log.Error().Err(err).Str("group_id", groupID).Msg("consumer group error")
		}
	}()

	return &Subscription{cancel: cancel, done: done}, nil
}

// groupHandler adapts sarama's per-session callbacks to a single Handler,
// decoding the canonical envelope before delivery and counting malformed
// records instead of failing the session.
type groupHandler struct {
	handler     Handler
	onMalformed MalformedHandler
	log         zerolog.Logger
}

func (h *groupHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (h *groupHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h *groupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			s, err := signal.Unmarshal(msg.Value)
			if err != nil {
				if h.onMalformed != nil {
					h.onMalformed(msg.Value, err)
				}
				// Malformed records are never redelivered: commit and move on.
				session.MarkMessage(msg, "")
				continue
			}

			ack := func() { session.MarkMessage(msg, "") }
			if err := h.handler(session.Context(), s, ack); err != nil {
				h.log.Warn().Err(err).Str("signal_id", s.SignalID).Msg("handler failed, record will be redelivered")
				return err
			}
		case <-session.Context().Done():
			return nil
		}
	}
}
