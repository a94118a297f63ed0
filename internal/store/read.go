package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/clustertest/internal/checks"
	"github.com/roach88/clustertest/internal/orchestrator"
)

// CheckRecord is a stored check. Actual and Expected hold canonical JSON.
type CheckRecord struct {
	RunID       string      `json:"run_id"`
	Seq         int64       `json:"seq"`
	Kind        checks.Kind `json:"kind"`
	Description string      `json:"description"`
	Actual      string      `json:"actual"`
	Expected    string      `json:"expected"`
	Passed      bool        `json:"passed"`
	RecordedAt  time.Time   `json:"recorded_at"`
	Hash        string      `json:"hash"`
}

// ReadRun returns the run with the given id, or ErrNotFound.
func (s *Store) ReadRun(ctx context.Context, id string) (Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, scenario, cluster_name, started_at, finished_at, status, total, failed, error, report_hash
		FROM runs
		WHERE id = ?
	`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, fmt.Errorf("run %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return Run{}, fmt.Errorf("read run: %w", err)
	}
	return run, nil
}

// ListRuns returns up to limit runs, newest first. A limit of zero or less
// returns every run.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, scenario, cluster_name, started_at, finished_at, status, total, failed, error, report_hash
		FROM runs
		ORDER BY started_at DESC, id COLLATE BINARY ASC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	runs := []Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return runs, nil
}

// ReadChecks returns the checks of a run in recording order.
// Returns an empty slice (not nil) if the run recorded nothing.
func (s *Store) ReadChecks(ctx context.Context, runID string) ([]CheckRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, seq, kind, description, actual, expected, passed, recorded_at, hash
		FROM checks
		WHERE run_id = ?
		ORDER BY seq ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("query checks: %w", err)
	}
	defer rows.Close()

	records := []CheckRecord{}
	for rows.Next() {
		var (
			rec        CheckRecord
			kind       string
			recordedAt string
		)
		if err := rows.Scan(&rec.RunID, &rec.Seq, &kind, &rec.Description, &rec.Actual,
			&rec.Expected, &rec.Passed, &recordedAt, &rec.Hash); err != nil {
			return nil, fmt.Errorf("scan check: %w", err)
		}
		rec.Kind = checks.Kind(kind)
		if rec.RecordedAt, err = parseTime(recordedAt); err != nil {
			return nil, fmt.Errorf("check %d: %w", rec.Seq, err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate checks: %w", err)
	}
	return records, nil
}

// ReadEvents returns the stored trace of a run ordered by sequence.
func (s *Store) ReadEvents(ctx context.Context, runID string) ([]orchestrator.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, type, op_id, label, kind, status, code, reason
		FROM events
		WHERE run_id = ?
		ORDER BY seq ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	events := []orchestrator.Event{}
	for rows.Next() {
		var (
			e   orchestrator.Event
			typ string
		)
		if err := rows.Scan(&e.Seq, &typ, &e.OpID, &e.Label, &e.Kind, &e.Status, &e.Code, &e.Reason); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Type = orchestrator.EventType(typ)
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (Run, error) {
	var (
		run        Run
		startedAt  string
		finishedAt sql.NullString
	)
	if err := row.Scan(&run.ID, &run.Scenario, &run.ClusterName, &startedAt, &finishedAt,
		&run.Status, &run.Total, &run.Failed, &run.Error, &run.ReportHash); err != nil {
		return Run{}, err
	}
	var err error
	if run.StartedAt, err = parseTime(startedAt); err != nil {
		return Run{}, err
	}
	if finishedAt.Valid {
		if run.FinishedAt, err = parseTime(finishedAt.String); err != nil {
			return Run{}, err
		}
	}
	return run, nil
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", s, err)
	}
	return t, nil
}
