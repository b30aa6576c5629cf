// Package scheduler implements the Periodic Scheduler (spec §4.5), the
// Monitor Dispatcher, and the Run Registry's liveness sweeper (spec §4.6),
// all as robfig/cron jobs registered against one scheduler instance — the
// same "many cadences, one ticker-driven component" shape as the teacher's
// internal/queue/scheduler.go, generalised from fixed clock-hour checks to
// configurable `@every` intervals.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/aristath/signalfabric/internal/index"
	"github.com/aristath/signalfabric/internal/queue"
	"github.com/aristath/signalfabric/internal/registry"
)

// Metrics is the narrow collaborator scheduler jobs report to.
type Metrics interface {
	IncPipelinesEnqueued(n int)
	IncStaleLease(n int)
}

// Scheduler owns the cron instance backing the Periodic Scheduler, Monitor
// Dispatcher, and liveness sweeper.
type Scheduler struct {
	cron     *cron.Cron
	idx      *index.Index
	reg      *registry.Registry
	execQ    queue.ExecutorQueue
	metrics  Metrics
	log      zerolog.Logger
	schedule time.Duration
	monitor  time.Duration
	lease    time.Duration
}

// Config carries the cadences spec §6 names as configuration.
type Config struct {
	ScheduleInterval    time.Duration // default 300s
	MonitorTickInterval time.Duration // default 60s
	LeaseTimeout        time.Duration // default 15m
}

// New wires a Scheduler against idx (for periodic descriptors), reg (the
// Run Registry), and execQ (the Executor Queue).
func New(cfg Config, idx *index.Index, reg *registry.Registry, execQ queue.ExecutorQueue, metrics Metrics, log zerolog.Logger) *Scheduler {
	return &Scheduler{
		cron:     cron.New(),
		idx:      idx,
		reg:      reg,
		execQ:    execQ,
		metrics:  metrics,
		log:      log.With().Str("component", "scheduler").Logger(),
		schedule: cfg.ScheduleInterval,
		monitor:  cfg.MonitorTickInterval,
		lease:    cfg.LeaseTimeout,
	}
}

// Start registers and starts every job: periodic sweep, monitor dispatch,
// and the liveness sweeper (lease_timeout/3, per spec §4.6).
func (s *Scheduler) Start() error {
	jobs := []struct {
		name string
		spec string
		fn   func()
	}{
		{"periodic_sweep", cronEvery(s.schedule), s.runPeriodicSweep},
		{"monitor_dispatch", cronEvery(s.monitor), s.runMonitorDispatch},
		{"liveness_sweep", cronEvery(s.lease / 3), s.runLivenessSweep},
	}
	for _, j := range jobs {
		if _, err := s.cron.AddFunc(j.spec, j.fn); err != nil {
			return fmt.Errorf("scheduler: register %s: %w", j.name, err)
		}
	}
	s.cron.Start()
	return nil
}

// Stop halts the cron scheduler and waits for any in-flight job.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

func cronEvery(d time.Duration) string {
	if d <= 0 {
		d = time.Second
	}
	return fmt.Sprintf("@every %s", d)
}

// runPeriodicSweep is the Periodic Scheduler (spec §4.5): read active
// PERIODIC descriptors, claim them, enqueue the granted ones. It never
// talks to the Dispatcher — coordination happens only through the
// Registry's atomic claim, so a signal match and a schedule tick for the
// same pipeline can never both win.
func (s *Scheduler) runPeriodicSweep() {
	ctx := context.Background()
	descriptors := s.idx.PeriodicDescriptors()
	if len(descriptors) == 0 {
		return
	}

	ids := make([]string, len(descriptors))
	for i, d := range descriptors {
		ids[i] = d.PipelineID
	}

	granted, err := s.reg.TryClaimPending(ctx, ids)
	if err != nil {
		s.log.Error().Err(err).Msg("periodic sweep: claim failed")
		return
	}

	enqueued := 0
	for _, id := range granted {
		intent := queue.EnqueueIntent{
			PipelineID:      id,
			TriggerMetadata: map[string]interface{}{"trigger": "schedule_tick"},
			EnqueuedAt:      time.Now().UTC(),
		}
		if err := s.execQ.Enqueue(ctx, intent); err != nil {
			s.log.Error().Err(err).Str("pipeline_id", id).Msg("periodic sweep: enqueue failed, releasing lease")
			_ = s.reg.ReleaseToIdle(ctx, id, "enqueue_failed")
			continue
		}
		enqueued++
	}
	if s.metrics != nil && enqueued > 0 {
		s.metrics.IncPipelinesEnqueued(enqueued)
	}
}

// runMonitorDispatch is the Monitor Dispatcher (spec §4.6 "Monitor
// dispatch"): find MONITORING leases whose next_check_at is due, claim each
// one's tick atomically (MONITORING -> RUNNING, mirroring how
// runPeriodicSweep claims IDLE -> PENDING before enqueuing), and re-enqueue
// only the claimed ones with phase=monitoring in the trigger metadata. The
// claim is what makes this safe with multiple dispatcher replicas (spec
// §9): two replicas racing the same due tick can never both enqueue a
// worker run for it.
func (s *Scheduler) runMonitorDispatch() {
	ctx := context.Background()
	due, err := s.reg.DueMonitors(ctx, time.Now().UTC())
	if err != nil {
		s.log.Error().Err(err).Msg("monitor dispatch: query failed")
		return
	}
	for _, id := range due {
		claimed, err := s.reg.ClaimDueMonitor(ctx, id)
		if err != nil {
			s.log.Error().Err(err).Str("pipeline_id", id).Msg("monitor dispatch: claim failed")
			continue
		}
		if !claimed {
			continue
		}
		intent := queue.EnqueueIntent{
			PipelineID:      id,
			TriggerMetadata: map[string]interface{}{"trigger": "monitor_tick", "phase": "monitoring"},
			EnqueuedAt:      time.Now().UTC(),
		}
		if err := s.execQ.Enqueue(ctx, intent); err != nil {
			s.log.Error().Err(err).Str("pipeline_id", id).Msg("monitor dispatch: enqueue failed, releasing lease")
			_ = s.reg.ReleaseToIdle(ctx, id, "enqueue_failed")
		}
	}
}

// runLivenessSweep releases stale PENDING/RUNNING/MONITORING leases back
// to IDLE (spec §4.6 Liveness).
func (s *Scheduler) runLivenessSweep() {
	ctx := context.Background()
	stale, err := s.reg.StaleLeases(ctx, time.Now().UTC(), s.lease)
	if err != nil {
		s.log.Error().Err(err).Msg("liveness sweep: query failed")
		return
	}
	for _, id := range stale {
		if err := s.reg.ReleaseToIdle(ctx, id, "stale_lease"); err != nil {
			s.log.Error().Err(err).Str("pipeline_id", id).Msg("liveness sweep: release failed")
			continue
		}
		s.log.Warn().Str("pipeline_id", id).Msg("released stale lease")
	}
	if s.metrics != nil && len(stale) > 0 {
		s.metrics.IncStaleLease(len(stale))
	}
}
