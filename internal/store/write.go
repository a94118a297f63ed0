package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/roach88/clustertest/internal/canon"
	"github.com/roach88/clustertest/internal/checks"
	"github.com/roach88/clustertest/internal/orchestrator"
)

// Run statuses.
const (
	StatusRunning = "running"
	StatusPassed  = "passed"
	StatusFailed  = "failed"
	StatusError   = "error"
)

// Run is the stored summary of one scenario execution.
type Run struct {
	ID          string    `json:"id"`
	Scenario    string    `json:"scenario"`
	ClusterName string    `json:"cluster_name"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at"`
	Status      string    `json:"status"`
	Total       int       `json:"total"`
	Failed      int       `json:"failed"`
	Error       string    `json:"error,omitempty"`
	ReportHash  string    `json:"report_hash,omitempty"`
}

// WriteRun records the start of a run.
// Uses ON CONFLICT(id) DO NOTHING, so writing the same run twice is harmless.
func (s *Store) WriteRun(ctx context.Context, run Run) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, scenario, cluster_name, started_at, status)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		run.ID,
		run.Scenario,
		run.ClusterName,
		formatTime(run.StartedAt),
		StatusRunning,
	)
	if err != nil {
		return fmt.Errorf("write run: %w", err)
	}
	return nil
}

// FinishRun stores the checks of report and closes the run.
//
// The status is StatusError when runErr is non-nil, otherwise it follows
// report.Passed(). Everything is written in a single transaction.
func (s *Store) FinishRun(ctx context.Context, runID string, report checks.Report, finishedAt time.Time, runErr error) error {
	checkHashes := make([]any, 0, len(report.Checks))
	rows := make([]checkRow, 0, len(report.Checks))
	for _, c := range report.Checks {
		row, err := newCheckRow(c)
		if err != nil {
			return fmt.Errorf("finish run: check %d: %w", c.Seq, err)
		}
		rows = append(rows, row)
		checkHashes = append(checkHashes, row.hash)
	}

	reportHash, err := canon.Hash(canon.DomainReport, map[string]any{
		"total":  report.Total,
		"failed": report.Failed,
		"checks": checkHashes,
	})
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}

	status := StatusPassed
	errText := ""
	switch {
	case runErr != nil:
		status = StatusError
		errText = runErr.Error()
	case !report.Passed():
		status = StatusFailed
	}

	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, row := range rows {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO checks
				(run_id, seq, kind, description, actual, expected, passed, recorded_at, hash)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT DO NOTHING
			`,
				runID,
				row.check.Seq,
				string(row.check.Kind),
				row.check.Description,
				row.actual,
				row.expected,
				row.check.Passed,
				formatTime(row.check.At),
				row.hash,
			)
			if err != nil {
				return fmt.Errorf("write check %d: %w", row.check.Seq, err)
			}
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE runs
			SET finished_at = ?, status = ?, total = ?, failed = ?, error = ?, report_hash = ?
			WHERE id = ?
		`,
			formatTime(finishedAt),
			status,
			report.Total,
			report.Failed,
			errText,
			reportHash,
			runID,
		)
		if err != nil {
			return fmt.Errorf("update run: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("update run: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("run %q: %w", runID, ErrNotFound)
		}
		return nil
	})
}

// WriteEvents appends the orchestrator trace of a run.
func (s *Store) WriteEvents(ctx context.Context, runID string, events []orchestrator.Event) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, e := range events {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO events
				(run_id, seq, type, op_id, label, kind, status, code, reason)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT DO NOTHING
			`,
				runID,
				e.Seq,
				string(e.Type),
				e.OpID,
				e.Label,
				e.Kind,
				e.Status,
				e.Code,
				e.Reason,
			)
			if err != nil {
				return fmt.Errorf("write event %d: %w", e.Seq, err)
			}
		}
		return nil
	})
}

func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

type checkRow struct {
	check    checks.Check
	actual   string
	expected string
	hash     string
}

func newCheckRow(c checks.Check) (checkRow, error) {
	actual := canonicalValue(c.Actual)
	expected := canonicalValue(c.Expected)
	hash, err := canon.Hash(canon.DomainCheck, map[string]any{
		"kind":        string(c.Kind),
		"description": c.Description,
		"actual":      actual,
		"expected":    expected,
		"passed":      c.Passed,
	})
	if err != nil {
		return checkRow{}, err
	}
	return checkRow{check: c, actual: actual, expected: expected, hash: hash}, nil
}

// canonicalValue renders a check value as canonical JSON. Values the
// canonical form cannot express are stored as their printed string.
func canonicalValue(v any) string {
	data, err := canon.Marshal(v)
	if err != nil {
		data, _ = canon.Marshal(fmt.Sprint(v))
	}
	return string(data)
}

// timeFormat is fixed width so stored timestamps sort lexically.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}
