package store

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/roach88/clustertest/internal/checks"
	"github.com/roach88/clustertest/internal/testutil"
)

// createTestStore creates a new temp-file store for testing.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestRun writes a started run for the given id.
func createTestRun(t *testing.T, s *Store, id string, startedAt time.Time) Run {
	t.Helper()
	run := Run{
		ID:          id,
		Scenario:    "basic_sync",
		ClusterName: "disorder_replica",
		StartedAt:   startedAt,
	}
	if err := s.WriteRun(context.Background(), run); err != nil {
		t.Fatalf("WriteRun() failed: %v", err)
	}
	return run
}

// createTestReport records checks through a real sink with a stepping clock.
func createTestReport(passed ...bool) checks.Report {
	clock := testutil.NewStepClock(time.Second)
	sink := checks.NewSink(checks.WithNow(clock.Now), checks.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	for _, ok := range passed {
		expected := 0
		if !ok {
			expected = 1
		}
		sink.AssertCheck("slonik completed on success", 0, expected)
	}
	return sink.Report()
}
