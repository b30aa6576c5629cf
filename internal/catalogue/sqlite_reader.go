package catalogue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// SQLiteReader implements Reader against the `pipelines` table maintained
// by the surrounding catalogue CRUD system. Pagination cursors are the
// last-seen pipeline_id (rows ordered by pipeline_id ascending), so each
// page resumes after the previous one; a row inserted mid-listing whose
// pipeline_id sorts before the cursor is not returned by that listing.
type SQLiteReader struct {
	db        *sql.DB
	pageSize  int
}

// NewSQLiteReader returns a reader over db with the given page size. A
// pageSize <= 0 defaults to 200.
func NewSQLiteReader(db *sql.DB, pageSize int) *SQLiteReader {
	if pageSize <= 0 {
		pageSize = 200
	}
	return &SQLiteReader{db: db, pageSize: pageSize}
}

type subscriptionRow struct {
	SignalType    string  `json:"signal_type"`
	MinConfidence float64 `json:"min_confidence"`
	Timeframe     *string `json:"timeframe,omitempty"`
}

// List returns one page of active-and-inactive pipelines ordered by
// pipeline_id, starting after cursor. The Index filters inactive rows at
// refresh time, but the reader returns them so a pipeline that just went
// inactive is observed and evicted rather than silently skipped.
func (r *SQLiteReader) List(ctx context.Context, cursor string) (Page, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT pipeline_id, user_id, trigger_mode, is_active, ticker_set, subscriptions
		FROM pipelines
		WHERE pipeline_id > ?
		ORDER BY pipeline_id ASC
		LIMIT ?
	`, cursor, r.pageSize)
	if err != nil {
		return Page{}, fmt.Errorf("catalogue: list pipelines: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	var lastID string
	for rows.Next() {
		var (
			e              Entry
			isActive       int
			tickerSetJSON  string
			subsJSON       string
			triggerModeStr string
		)
		if err := rows.Scan(&e.PipelineID, &e.UserID, &triggerModeStr, &isActive, &tickerSetJSON, &subsJSON); err != nil {
			return Page{}, fmt.Errorf("catalogue: scan pipeline row: %w", err)
		}
		e.TriggerMode = TriggerMode(triggerModeStr)
		e.IsActive = isActive != 0

		var tickers []string
		if err := json.Unmarshal([]byte(tickerSetJSON), &tickers); err != nil {
			return Page{}, fmt.Errorf("catalogue: decode ticker_set for %s: %w", e.PipelineID, err)
		}
		e.ScannerTickerSet = tickers

		var subRows []subscriptionRow
		if err := json.Unmarshal([]byte(subsJSON), &subRows); err != nil {
			return Page{}, fmt.Errorf("catalogue: decode subscriptions for %s: %w", e.PipelineID, err)
		}
		for _, s := range subRows {
			e.Subscriptions = append(e.Subscriptions, Subscription{
				SignalType:    s.SignalType,
				MinConfidence: s.MinConfidence,
				Timeframe:     s.Timeframe,
			})
		}

		entries = append(entries, e)
		lastID = e.PipelineID
	}
	if err := rows.Err(); err != nil {
		return Page{}, fmt.Errorf("catalogue: iterate pipelines: %w", err)
	}

	next := ""
	if len(entries) == r.pageSize {
		next = lastID
	}
	return Page{Entries: entries, Cursor: next}, nil
}

// Upsert writes or replaces one pipeline row. Used by tests and local
// seeding scripts — the production catalogue CRUD system owns writes in a
// real deployment.
func (r *SQLiteReader) Upsert(ctx context.Context, e Entry, nowUnix int64) error {
	tickerJSON, err := json.Marshal(e.ScannerTickerSet)
	if err != nil {
		return err
	}
	subRows := make([]subscriptionRow, len(e.Subscriptions))
	for i, s := range e.Subscriptions {
		subRows[i] = subscriptionRow{SignalType: s.SignalType, MinConfidence: s.MinConfidence, Timeframe: s.Timeframe}
	}
	subJSON, err := json.Marshal(subRows)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO pipelines (pipeline_id, user_id, trigger_mode, is_active, ticker_set, subscriptions, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(pipeline_id) DO UPDATE SET
			user_id = excluded.user_id,
			trigger_mode = excluded.trigger_mode,
			is_active = excluded.is_active,
			ticker_set = excluded.ticker_set,
			subscriptions = excluded.subscriptions,
			updated_at = excluded.updated_at
	`, e.PipelineID, e.UserID, string(e.TriggerMode), boolToInt(e.IsActive), string(tickerJSON), string(subJSON), nowUnix, nowUnix)
	return err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
