// Package registry implements the Run Registry (spec §4.6): the
// authoritative per-pipeline lease state machine enforcing at most one
// active execution per pipeline_id. Every phase transition is a single SQL
// statement; claims and guarded transitions are compare-and-set statements
// whose RowsAffected decides success, while ReleaseToIdle applies from any
// phase and Finish is a no-op for a lease that is not RUNNING or
// MONITORING. This follows the upsert idiom the teacher uses for
// job-history bookkeeping.
package registry

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Phase is a lease's position in the state machine.
type Phase string

const (
	PhaseIdle       Phase = "IDLE"
	PhasePending    Phase = "PENDING"
	PhaseRunning    Phase = "RUNNING"
	PhaseMonitoring Phase = "MONITORING"
)

// Registry is the SQLite-backed Run Registry.
type Registry struct {
	db  *sql.DB
	log zerolog.Logger
}

// New wraps db (already migrated with the leases table) as a Registry.
func New(db *sql.DB, log zerolog.Logger) *Registry {
	return &Registry{db: db, log: log.With().Str("component", "registry").Logger()}
}

// TryClaimPending attempts to transition every id in ids from IDLE to
// PENDING and returns the subset actually granted. Each id is claimed in
// its own UPDATE ... WHERE phase = 'IDLE' statement so the claim is
// linearised per pipeline_id without taking a table-wide lock.
func (r *Registry) TryClaimPending(ctx context.Context, ids []string) ([]string, error) {
	granted := make([]string, 0, len(ids))
	now := time.Now().UTC().Unix()

	for _, id := range ids {
		res, err := r.db.ExecContext(ctx, `
			INSERT INTO leases (pipeline_id, phase, updated_at)
			VALUES (?, 'PENDING', ?)
			ON CONFLICT(pipeline_id) DO UPDATE SET
				phase = 'PENDING',
				updated_at = excluded.updated_at
			WHERE leases.phase = 'IDLE'
		`, id, now)
		if err != nil {
			return granted, fmt.Errorf("registry: claim %s: %w", id, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return granted, fmt.Errorf("registry: claim %s: rows affected: %w", id, err)
		}
		if n == 1 {
			granted = append(granted, id)
		}
	}
	return granted, nil
}

// StartRunning transitions pipelineID from PENDING to RUNNING. Returns
// ErrInvalidTransition if the current phase isn't PENDING.
func (r *Registry) StartRunning(ctx context.Context, pipelineID, executionID string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE leases SET phase = 'RUNNING', execution_id = ?, updated_at = ?
		WHERE pipeline_id = ? AND phase = 'PENDING'
	`, executionID, time.Now().UTC().Unix(), pipelineID)
	return r.requireOneRow(res, err, pipelineID)
}

// ClaimDueMonitor transitions pipelineID from MONITORING to RUNNING,
// analogous to TryClaimPending's IDLE->PENDING claim but for the monitor
// cycle (spec §4.6 "Monitor dispatch"): at most one monitor dispatcher
// replica can win a given lease's due tick, so two monitor ticks for the
// same pipeline can never both become worker runs.
func (r *Registry) ClaimDueMonitor(ctx context.Context, pipelineID string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE leases SET phase = 'RUNNING', updated_at = ?
		WHERE pipeline_id = ? AND phase = 'MONITORING'
	`, time.Now().UTC().Unix(), pipelineID)
	if err != nil {
		return false, fmt.Errorf("registry: claim monitor %s: %w", pipelineID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("registry: claim monitor %s: rows affected: %w", pipelineID, err)
	}
	return n == 1, nil
}

// ResumeRunning records a fresh execution_id for a lease the monitor
// dispatcher already claimed as RUNNING via ClaimDueMonitor. Returns
// ErrInvalidTransition if the lease isn't RUNNING — the worker calls this
// instead of StartRunning for a monitor-phase intent, since the PENDING
// claim StartRunning requires never happens on the monitor path.
func (r *Registry) ResumeRunning(ctx context.Context, pipelineID, executionID string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE leases SET execution_id = ?, updated_at = ?
		WHERE pipeline_id = ? AND phase = 'RUNNING'
	`, executionID, time.Now().UTC().Unix(), pipelineID)
	return r.requireOneRow(res, err, pipelineID)
}

// EnterMonitoring transitions pipelineID from RUNNING to MONITORING,
// recording when the next monitor tick is due.
func (r *Registry) EnterMonitoring(ctx context.Context, pipelineID string, nextCheckAt time.Time, monitorInterval time.Duration) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE leases SET phase = 'MONITORING', next_check_at = ?, monitor_interval = ?, updated_at = ?
		WHERE pipeline_id = ? AND phase = 'RUNNING'
	`, nextCheckAt.UTC().Unix(), int64(monitorInterval.Seconds()), time.Now().UTC().Unix(), pipelineID)
	return r.requireOneRow(res, err, pipelineID)
}

// Finish transitions pipelineID from RUNNING or MONITORING to IDLE.
// Idempotent for an already-IDLE lease.
func (r *Registry) Finish(ctx context.Context, pipelineID string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE leases SET phase = 'IDLE', execution_id = NULL, next_check_at = NULL, monitor_interval = NULL, updated_at = ?
		WHERE pipeline_id = ? AND phase IN ('RUNNING', 'MONITORING')
	`, time.Now().UTC().Unix(), pipelineID)
	if err != nil {
		return fmt.Errorf("registry: finish %s: %w", pipelineID, err)
	}
	return nil
}

// ReleaseToIdle force-transitions pipelineID to IDLE from any phase,
// recording reason. Used for enqueue failures and liveness-sweep releases
// — the only operation that must succeed regardless of current phase.
func (r *Registry) ReleaseToIdle(ctx context.Context, pipelineID, reason string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO leases (pipeline_id, phase, last_reason, updated_at)
		VALUES (?, 'IDLE', ?, ?)
		ON CONFLICT(pipeline_id) DO UPDATE SET
			phase = 'IDLE',
			execution_id = NULL,
			next_check_at = NULL,
			monitor_interval = NULL,
			last_reason = excluded.last_reason,
			updated_at = excluded.updated_at
	`, pipelineID, reason, time.Now().UTC().Unix())
	if err != nil {
		return fmt.Errorf("registry: release %s: %w", pipelineID, err)
	}
	return nil
}

// IncrementFailCount bumps pipelineID's rolling crash counter, returning
// the new count. Callers park the pipeline once it exceeds max_fail_count.
func (r *Registry) IncrementFailCount(ctx context.Context, pipelineID string) (int, error) {
	_, err := r.db.ExecContext(ctx, `
		UPDATE leases SET fail_count = fail_count + 1, updated_at = ?
		WHERE pipeline_id = ?
	`, time.Now().UTC().Unix(), pipelineID)
	if err != nil {
		return 0, fmt.Errorf("registry: increment fail_count %s: %w", pipelineID, err)
	}
	var count int
	err = r.db.QueryRowContext(ctx, `SELECT fail_count FROM leases WHERE pipeline_id = ?`, pipelineID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("registry: read fail_count %s: %w", pipelineID, err)
	}
	return count, nil
}

// ResetFailCount clears pipelineID's crash counter. The worker calls it
// after an execute that returns without error, before finishing the lease
// or moving it to MONITORING.
func (r *Registry) ResetFailCount(ctx context.Context, pipelineID string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE leases SET fail_count = 0 WHERE pipeline_id = ?`, pipelineID)
	return err
}

// DueMonitors returns pipeline_ids in MONITORING whose next_check_at has
// passed as of now.
func (r *Registry) DueMonitors(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT pipeline_id FROM leases WHERE phase = 'MONITORING' AND next_check_at <= ?
	`, now.UTC().Unix())
	if err != nil {
		return nil, fmt.Errorf("registry: due monitors: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("registry: scan due monitor: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// StaleLeases returns pipeline_ids stuck in PENDING/RUNNING past
// leaseTimeout, or in MONITORING with next_check_at more than
// 3*monitor_interval in the past — the liveness sweeper's two release
// conditions (spec §4.6).
func (r *Registry) StaleLeases(ctx context.Context, now time.Time, leaseTimeout time.Duration) ([]string, error) {
	cutoff := now.Add(-leaseTimeout).UTC().Unix()
	rows, err := r.db.QueryContext(ctx, `
		SELECT pipeline_id FROM leases
		WHERE (phase IN ('PENDING', 'RUNNING') AND updated_at <= ?)
		   OR (phase = 'MONITORING' AND next_check_at IS NOT NULL
		       AND next_check_at <= (? - monitor_interval * 3))
	`, cutoff, now.UTC().Unix())
	if err != nil {
		return nil, fmt.Errorf("registry: stale leases: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("registry: scan stale lease: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Phase returns the current phase for pipelineID, defaulting to IDLE for a
// pipeline with no row yet (it has never been claimed).
func (r *Registry) Phase(ctx context.Context, pipelineID string) (Phase, error) {
	var phase string
	err := r.db.QueryRowContext(ctx, `SELECT phase FROM leases WHERE pipeline_id = ?`, pipelineID).Scan(&phase)
	if err == sql.ErrNoRows {
		return PhaseIdle, nil
	}
	if err != nil {
		return "", fmt.Errorf("registry: phase %s: %w", pipelineID, err)
	}
	return Phase(phase), nil
}

func (r *Registry) requireOneRow(res sql.Result, err error, pipelineID string) error {
	if err != nil {
		return fmt.Errorf("registry: %s: %w", pipelineID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("registry: %s: rows affected: %w", pipelineID, err)
	}
	if n != 1 {
		return fmt.Errorf("%w: pipeline %s", ErrInvalidTransition, pipelineID)
	}
	return nil
}
