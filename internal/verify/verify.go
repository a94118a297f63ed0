// Package verify checks replicated data: how far a node lags behind an
// origin, whether a subscriber refuses writes, and whether two nodes hold
// the same history.
//
// Every outcome is recorded in the check sink. Verification failures are
// never fatal to the scenario.
package verify

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/roach88/clustertest/internal/checks"
	"github.com/roach88/clustertest/internal/coordinator"
	"github.com/roach88/clustertest/internal/operation"
	"github.com/roach88/clustertest/internal/orchestrator"
	"github.com/roach88/clustertest/internal/topology"
)

// LagUnknown is returned when lag could not be measured.
const LagUnknown = -1

// ReadOnlyProbe is the write a read-only subscriber must reject.
const ReadOnlyProbe = "INSERT INTO disorder.do_config(cfg_opt,cfg_val) VALUES ('test1','test2');"

// ComparePair is a query whose result must match across nodes, with the
// column its rows are keyed on.
type ComparePair struct {
	Query   string
	OrderBy string
}

// HistoryQueries are compared, in order, by CompareDB.
var HistoryQueries = []ComparePair{
	{"SELECT c_id,c_name,c_total_orders,c_total_value FROM disorder.do_customer order by c_id", "c_id"},
	{"SELECT i_id,i_name,i_price,i_in_production FROM disorder.do_item order by i_id", "i_id"},
	{"SELECT ii_id, ii_in_stock,ii_reserved,ii_total_sold FROM disorder.do_inventory order by ii_id", "ii_id"},
}

// LagQuery returns the query reading the lag of received behind origin.
func LagQuery(cluster string, origin, received int) string {
	return fmt.Sprintf("SELECT extract('epoch' from st_lag_time) from _%s.sl_status where st_origin=%d AND st_received=%d",
		cluster, origin, received)
}

// Verifier runs verifications for one scenario run. Every probe is an
// operation built and launched by the orchestrator, so it is traced and
// skipped once the run has been aborted.
type Verifier struct {
	orch    *orchestrator.Orchestrator
	dbs     coordinator.Databases
	cluster string
	logger  *slog.Logger

	lagQuery func(cluster string, origin, received int) string
}

// New creates a verifier for the named cluster.
func New(o *orchestrator.Orchestrator, dbs coordinator.Databases, cluster string, logger *slog.Logger) *Verifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Verifier{
		orch:     o,
		dbs:      dbs,
		cluster:  cluster,
		logger:   logger,
		lagQuery: LagQuery,
	}
}

// MeasureLag returns how many seconds lagNode is behind events raised on
// event, reading sl_status on event's database. A failed measurement is
// recorded as a failed check and LagUnknown is returned. LagUnknown is also
// returned, without a check, when the probe never ran.
func (v *Verifier) MeasureLag(ctx context.Context, event topology.Node, lagNode int) int {
	var lag int
	op := v.orch.Build(fmt.Sprintf("lag %d:%d", event.ID, lagNode), "query", func(ctx context.Context) (int, error) {
		seconds, err := v.queryLag(ctx, event, lagNode)
		if err != nil {
			return 1, err
		}
		lag = seconds
		return 0, nil
	})
	res, err := v.orch.Run(ctx, op)
	if err != nil || res.Status != operation.StatusFinished {
		return LagUnknown
	}
	if !res.Succeeded() {
		v.orch.Sink().Assert(checks.KindVerification,
			fmt.Sprintf("error checking lag on %d:%v", event.ID, res.Err), true, false)
		return LagUnknown
	}
	v.logger.Info("measured lag", "origin", event.ID, "node", lagNode, "seconds", lag)
	return lag
}

func (v *Verifier) queryLag(ctx context.Context, event topology.Node, lagNode int) (int, error) {
	db, err := v.dbs.Open(ctx, event.Alias)
	if err != nil {
		return 0, err
	}
	var seconds sql.NullFloat64
	row := db.QueryRowContext(ctx, v.lagQuery(v.cluster, event.ID, lagNode))
	if err := row.Scan(&seconds); err != nil {
		return 0, err
	}
	if !seconds.Valid {
		return 0, fmt.Errorf("lag is null")
	}
	return int(seconds.Float64), nil
}

// VerifyReadOnly attempts a write on node. The write failing is the pass.
// It reports whether the node rejected the write.
func (v *Verifier) VerifyReadOnly(ctx context.Context, node topology.Node) bool {
	description := fmt.Sprintf("%d is read only", node.ID)
	v.logger.Info("verifying read only status", "node", node.ID)

	var connErr, writeErr error
	op := v.orch.Build(fmt.Sprintf("read only %d", node.ID), "query", func(ctx context.Context) (int, error) {
		db, err := v.dbs.Open(ctx, node.Alias)
		if err != nil {
			connErr = err
			return 1, err
		}
		if _, err := db.ExecContext(ctx, ReadOnlyProbe); err != nil {
			writeErr = err
			return 1, nil
		}
		return 0, nil
	})
	res, err := v.orch.Run(ctx, op)
	if err != nil || res.Status != operation.StatusFinished {
		return false
	}
	sink := v.orch.Sink()
	if connErr != nil {
		sink.Assert(checks.KindVerification,
			fmt.Sprintf("error connecting to %d:%v", node.ID, connErr), true, false)
		return false
	}
	rejected := writeErr != nil
	if rejected {
		v.logger.Debug("write rejected", "node", node.ID, "error", writeErr)
	}
	sink.Assert(checks.KindVerification, description, rejected, true)
	return rejected
}

// CompareDB compares every HistoryQueries pair between two aliases, one at
// a time, each joined before the next starts. It reports whether all
// comparisons were equal.
func CompareDB(ctx context.Context, o *orchestrator.Orchestrator, coord coordinator.Coordinator, lhs, rhs string) (bool, error) {
	description := fmt.Sprintf("history is equal for %s vs %s", lhs, rhs)
	equal := true
	for _, pair := range HistoryQueries {
		op := o.Build("compare "+pair.OrderBy, "compare", coord.Compare(lhs, rhs, pair.Query, pair.OrderBy))
		o.Observe(op, checks.KindVerification, description, false)
		r, err := o.Run(ctx, op)
		if err != nil {
			return false, err
		}
		if r.ReturnCode() != coordinator.CompareEqual {
			equal = false
		}
	}
	return equal, nil
}
