// Package bus implements the Event Bus Facade (spec §4.1): a minimal,
// ordered, partition-keyed publish/subscribe surface over a single logical
// topic, backed by Kafka via IBM/sarama. Partition key is the first
// ticker of the envelope so records for the same ticker land in the same
// partition and are delivered in publish order to any one consumer group
// member; dispatchers must not assume ordering across partitions.
package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/rs/zerolog"

	"github.com/aristath/signalfabric/internal/signal"
)

// Handler processes one delivered signal. It does not itself commit
// anything: the record's offset is only marked for commit once the handler
// invokes ack, which callers must do exactly when the signal has been
// durably handled (e.g. the batch it was accumulated into has matched and
// enqueued without error) — not merely when Handle returns. Returning a
// non-nil error ends the consumer session without calling ack for this or
// any later record, so every unacked record — including ones from earlier,
// still-accumulating calls that returned nil — is redelivered (at-least-once).
type Handler func(ctx context.Context, s *signal.Signal, ack func()) error

// Config configures the Facade's connection to the underlying bus.
type Config struct {
	Brokers        []string
	Topic          string
	PublishTimeout time.Duration
}

// Facade is the production Event Bus Facade implementation.
type Facade struct {
	producer sarama.SyncProducer
	brokers  []string
	topic    string
	timeout  time.Duration
	log      zerolog.Logger
}

// New dials the configured Kafka brokers and returns a ready Facade. The
// producer requires acknowledgment from at least one broker replica
// before Publish returns, per spec §4.1.
func New(cfg Config, log zerolog.Logger) (*Facade, error) {
	saramaCfg := sarama.NewConfig()
	saramaCfg.Producer.RequiredAcks = sarama.WaitForLocal
	saramaCfg.Producer.Return.Successes = true
	saramaCfg.Producer.Partitioner = sarama.NewHashPartitioner
	saramaCfg.Producer.Timeout = cfg.PublishTimeout

	producer, err := sarama.NewSyncProducer(cfg.Brokers, saramaCfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBusUnavailable, err)
	}

	return &Facade{
		producer: producer,
		brokers:  cfg.Brokers,
		topic:    cfg.Topic,
		timeout:  cfg.PublishTimeout,
		log:      log.With().Str("component", "bus").Logger(),
	}, nil
}

// Publish serialises s to the canonical JSON envelope and publishes it,
// partitioned by its first ticker, blocking until broker ack or the
// publish timeout. See spec §4.1 for the caller-facing contract: on
// ErrBusUnavailable the caller must not assume the signal was queued
// anywhere.
func (f *Facade) Publish(ctx context.Context, s *signal.Signal) error {
	payload, err := signal.Marshal(s)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSerialization, err)
	}

	key := ""
	if len(s.Tickers) > 0 {
		key = s.Tickers[0].Ticker
	}

	msg := &sarama.ProducerMessage{
		Topic:     f.topic,
		Key:       sarama.StringEncoder(key),
		Value:     sarama.ByteEncoder(payload),
		Timestamp: s.ProducedAt,
	}

	done := make(chan error, 1)
	go func() {
		_, _, sendErr := f.producer.SendMessage(msg)
		done <- sendErr
	}()

	select {
	case sendErr := <-done:
		if sendErr != nil {
			return fmt.Errorf("%w: %v", ErrBusUnavailable, sendErr)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrBusUnavailable, ctx.Err())
	case <-time.After(f.timeout):
		return fmt.Errorf("%w: publish timeout after %s", ErrBusUnavailable, f.timeout)
	}
}

// Close releases the underlying producer connection.
func (f *Facade) Close() error {
	return f.producer.Close()
}
