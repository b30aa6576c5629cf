package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aristath/signalfabric/internal/registry"
)

// WorkerMetrics is the narrow metrics collaborator a WorkerPool reports
// execution outcomes to. internal/metrics.Registry satisfies this.
type WorkerMetrics interface {
	ObserveExecutionDuration(seconds float64)
	IncFailLoop()
}

type queueBackend interface {
	ExecutorQueue
	dequeuer
}

// WorkerPool is a bounded pool of goroutines that pull EnqueueIntents from
// a queueBackend and drive the execute/monitor lifecycle (spec §4.6 step
// "A worker:") against the Run Registry. Adapted from the teacher's
// worker.go: same panic-recovery-and-record-failure shape, generalised
// from job-handler dispatch to the registry state machine.
type WorkerPool struct {
	backend        queueBackend
	reg            *registry.Registry
	execute        ExecuteFunc
	workers        int
	executeTimeout time.Duration
	maxFailCount   int
	metrics        WorkerMetrics
	log            zerolog.Logger

	mu      sync.Mutex
	stop    chan struct{}
	started bool
	stopped bool
	wg      sync.WaitGroup
}

// NewWorkerPool builds a pool of `workers` goroutines pulling from backend.
// execute runs the out-of-scope execute phase; metrics may be nil.
func NewWorkerPool(backend queueBackend, reg *registry.Registry, execute ExecuteFunc, workers int, executeTimeout time.Duration, maxFailCount int, metrics WorkerMetrics, log zerolog.Logger) *WorkerPool {
	return &WorkerPool{
		backend:        backend,
		reg:            reg,
		execute:        execute,
		workers:        workers,
		executeTimeout: executeTimeout,
		maxFailCount:   maxFailCount,
		metrics:        metrics,
		log:            log.With().Str("component", "worker_pool").Logger(),
		stop:           make(chan struct{}),
	}
}

// Start launches the pool's goroutines. Safe to call once; a second call
// before Stop is a no-op.
func (wp *WorkerPool) Start() {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	if wp.started && !wp.stopped {
		wp.log.Warn().Msg("worker pool already started, ignoring")
		return
	}
	if wp.stopped {
		wp.stop = make(chan struct{})
		wp.stopped = false
	}
	wp.started = true
	for i := 0; i < wp.workers; i++ {
		wp.wg.Add(1)
		go wp.run(i)
	}
}

// Stop signals every worker to exit and waits up to grace for in-flight
// executions to return, mirroring spec §5's 30s shutdown-drain guidance.
func (wp *WorkerPool) Stop(grace time.Duration) {
	wp.mu.Lock()
	if wp.stopped {
		wp.mu.Unlock()
		return
	}
	close(wp.stop)
	wp.stopped = true
	wp.started = false
	wp.mu.Unlock()

	done := make(chan struct{})
	go func() {
		wp.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
		wp.log.Warn().Msg("worker pool shutdown grace period elapsed with workers still running")
	}
}

func (wp *WorkerPool) run(id int) {
	defer wp.wg.Done()
	wp.log.Debug().Int("worker_id", id).Msg("worker started")
	for {
		select {
		case <-wp.stop:
			wp.log.Debug().Int("worker_id", id).Msg("worker stopped")
			return
		default:
			intent, ok, err := wp.backend.Dequeue(context.Background())
			if err != nil {
				wp.log.Error().Err(err).Msg("dequeue failed")
				time.Sleep(100 * time.Millisecond)
				continue
			}
			if !ok {
				time.Sleep(100 * time.Millisecond)
				continue
			}
			wp.process(intent)
		}
	}
}

func (wp *WorkerPool) process(intent EnqueueIntent) {
	defer func() {
		if r := recover(); r != nil {
			wp.log.Error().Interface("panic", r).Str("pipeline_id", intent.PipelineID).Msg("execute phase panicked")
			wp.onFailure(intent, fmt.Errorf("panic: %v", r))
		}
	}()

	executionID := uuid.NewString()
	ctx := context.Background()

	phase, _ := intent.TriggerMetadata["phase"].(string)
	if phase == "monitoring" {
		// The monitor dispatcher already claimed this tick (MONITORING ->
		// RUNNING) before enqueuing; record this run's execution_id rather
		// than re-claiming from PENDING, which a monitor intent never is.
		if err := wp.reg.ResumeRunning(ctx, intent.PipelineID, executionID); err != nil {
			wp.log.Warn().Err(err).Str("pipeline_id", intent.PipelineID).Msg("could not resume running, dropping intent")
			return
		}
	} else if err := wp.reg.StartRunning(ctx, intent.PipelineID, executionID); err != nil {
		wp.log.Warn().Err(err).Str("pipeline_id", intent.PipelineID).Msg("could not start running, dropping intent")
		return
	}

	execCtx, cancel := context.WithTimeout(ctx, wp.executeTimeout)
	defer cancel()

	start := time.Now()
	result, err := wp.execute(execCtx, intent)
	duration := time.Since(start)
	if wp.metrics != nil {
		wp.metrics.ObserveExecutionDuration(duration.Seconds())
	}

	if err != nil {
		reason := "execute_failed"
		if execCtx.Err() != nil {
			reason = "execute_timeout"
		}
		wp.onExecuteError(ctx, intent, reason)
		return
	}

	if err := wp.reg.ResetFailCount(ctx, intent.PipelineID); err != nil {
		wp.log.Error().Err(err).Str("pipeline_id", intent.PipelineID).Msg("failed to reset fail_count")
	}

	if result.Monitor {
		if err := wp.reg.EnterMonitoring(ctx, intent.PipelineID, result.NextCheckAt, result.MonitorInterval); err != nil {
			wp.log.Error().Err(err).Str("pipeline_id", intent.PipelineID).Msg("failed to enter monitoring, releasing lease")
			_ = wp.reg.ReleaseToIdle(ctx, intent.PipelineID, "monitor_transition_failed")
		}
		return
	}

	if err := wp.reg.Finish(ctx, intent.PipelineID); err != nil {
		wp.log.Error().Err(err).Str("pipeline_id", intent.PipelineID).Msg("failed to finish, releasing lease")
		_ = wp.reg.ReleaseToIdle(ctx, intent.PipelineID, "finish_failed")
	}
}

func (wp *WorkerPool) onFailure(intent EnqueueIntent, _ error) {
	wp.onExecuteError(context.Background(), intent, "worker_panic")
}

// onExecuteError bumps the rolling fail counter and parks the pipeline
// once it exceeds maxFailCount (spec §4.6 Failure semantics), otherwise
// just releases the lease back to IDLE so a later signal or schedule tick
// can retry it.
func (wp *WorkerPool) onExecuteError(ctx context.Context, intent EnqueueIntent, reason string) {
	count, err := wp.reg.IncrementFailCount(ctx, intent.PipelineID)
	if err != nil {
		wp.log.Error().Err(err).Str("pipeline_id", intent.PipelineID).Msg("failed to increment fail_count")
	}
	if count > wp.maxFailCount {
		reason = "fail_loop"
		if wp.metrics != nil {
			wp.metrics.IncFailLoop()
		}
		wp.log.Error().Str("pipeline_id", intent.PipelineID).Int("fail_count", count).Msg("pipeline parked after repeated failures")
	}
	if err := wp.reg.ReleaseToIdle(ctx, intent.PipelineID, reason); err != nil {
		wp.log.Error().Err(err).Str("pipeline_id", intent.PipelineID).Msg("failed to release lease after execute error")
	}
}
