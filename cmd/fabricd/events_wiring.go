package main

import (
	"context"
	"time"

	"github.com/aristath/signalfabric/internal/events"
	"github.com/aristath/signalfabric/internal/producer"
	"github.com/aristath/signalfabric/internal/queue"
	"github.com/aristath/signalfabric/internal/signal"
)

// eventingQueue decorates an ExecutorQueue to emit an ambient
// pipeline.enqueued event alongside every successful Enqueue call, so the
// in-process events.Bus has something real to fan out to subscribers
// (alerting, cache invalidation, local dashboards) independent of the
// durable Event Bus Facade the Dispatcher/Scheduler otherwise talk to.
type eventingQueue struct {
	inner queue.ExecutorQueue
	bus   *events.Bus
	module string
}

func newEventingQueue(inner queue.ExecutorQueue, bus *events.Bus, module string) *eventingQueue {
	return &eventingQueue{inner: inner, bus: bus, module: module}
}

func (q *eventingQueue) Enqueue(ctx context.Context, intent queue.EnqueueIntent) error {
	if err := q.inner.Enqueue(ctx, intent); err != nil {
		return err
	}
	q.bus.Emit(events.PipelineEnqueued, q.module, map[string]interface{}{
		"pipeline_id": intent.PipelineID,
		"trigger":     intent.TriggerMetadata["trigger"],
	})
	return nil
}

// eventingPublisher decorates a producer.Publisher to emit
// signal.published after every successful publish.
type eventingPublisher struct {
	inner producer.Publisher
	bus   *events.Bus
}

func newEventingPublisher(inner producer.Publisher, bus *events.Bus) *eventingPublisher {
	return &eventingPublisher{inner: inner, bus: bus}
}

func (p *eventingPublisher) Publish(ctx context.Context, s *signal.Signal) error {
	if err := p.inner.Publish(ctx, s); err != nil {
		return err
	}
	p.bus.Emit(events.SignalPublished, s.Source, map[string]interface{}{
		"signal_id":   s.SignalID,
		"signal_type": s.SignalType,
		"produced_at": s.ProducedAt.Format(time.RFC3339),
	})
	return nil
}
