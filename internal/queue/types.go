// Package queue implements the Executor Queue Contract (spec §4.6 / C7):
// Enqueue hands a matched pipeline to a bounded worker pool at some later
// time. The worker pool owns the execute/monitor lifecycle against the Run
// Registry; this package never talks to the Dispatcher or Scheduler
// directly, mirroring the teacher's queue/manager/worker split.
package queue

import (
	"context"
	"time"
)

// EnqueueIntent is the ephemeral value the Dispatcher and Periodic
// Scheduler hand to the queue (spec §3). TriggerMetadata carries either the
// matching signal summary, the schedule tick marker, or the monitor tick
// marker — whichever produced this activation.
type EnqueueIntent struct {
	PipelineID      string
	TriggerMetadata map[string]interface{}
	EnqueuedAt      time.Time
	AvailableAt     time.Time
	Retries         int
	MaxRetries      int
}

// ExecutorQueue is the interface the Dispatcher and Periodic Scheduler
// call. Enqueue is the only operation in the abstract contract — the queue
// hands the intent to a worker pool at some later time, with no guarantee
// about when.
type ExecutorQueue interface {
	Enqueue(ctx context.Context, intent EnqueueIntent) error
}

// ExecuteResult is returned by an ExecuteFunc to tell the worker pool
// which branch of the C7 lifecycle to take next (spec §4.6 step 3).
type ExecuteResult struct {
	// Monitor, when true, tells the worker to call EnterMonitoring instead
	// of Finish. NextCheckAt and MonitorInterval are required in that case.
	Monitor         bool
	NextCheckAt     time.Time
	MonitorInterval time.Duration
}

// ExecuteFunc runs the execute phase of a pipeline (out of scope for the
// core; provided by the surrounding agent-execution system). It must
// respect ctx's deadline (execute_timeout).
type ExecuteFunc func(ctx context.Context, intent EnqueueIntent) (ExecuteResult, error)

// dequeuer is satisfied by concrete queue backends (MemoryQueue,
// PersistentQueue) so the WorkerPool can pull work. It is deliberately not
// part of ExecutorQueue: the Dispatcher and Scheduler only ever enqueue.
type dequeuer interface {
	Dequeue(ctx context.Context) (EnqueueIntent, bool, error)
}
