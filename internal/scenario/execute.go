package scenario

import (
	"context"
	"fmt"

	"github.com/roach88/clustertest/internal/operation"
	"github.com/roach88/clustertest/internal/topology"
)

// Execute drives run through the steps of f in order.
//
// Once the run is aborted, by a failed fatal check or by a step returning an
// error, only steps marked always are executed, with cleanup semantics.
// Background operations still running at the end are cancelled and joined.
// The first step error is returned; check failures are in run.Report().
func Execute(ctx context.Context, run *Run, f *File) error {
	e := &executor{run: run}
	var firstErr error
	for i, step := range f.Steps {
		if run.Aborted() && !step.Always {
			run.logger.Info("step skipped after abort", "step", i, "action", step.Action)
			continue
		}
		run.logger.Info("step", "step", i, "action", step.Action)

		var err error
		if run.Aborted() {
			err = run.Cleanup(func() error { return e.step(ctx, step) })
		} else {
			err = e.step(ctx, step)
		}
		if err != nil {
			err = fmt.Errorf("step %d (%s): %w", i, step.Action, err)
			run.logger.Error("step failed", "step", i, "action", step.Action, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			run.orch.Abort(err.Error())
		}
	}
	e.stopAll(ctx)
	return firstErr
}

type executor struct {
	run        *Run
	load       []*operation.Operation
	background []*operation.Operation
}

func (e *executor) step(ctx context.Context, step Step) error {
	r := e.run
	args := stepArgs(step.Args)
	switch step.Action {
	case ActionPrepareDB, ActionCreateDB, ActionPostSeedSetup, ActionDropDB:
		aliases, err := args.aliases(r.topo)
		if err != nil {
			return err
		}
		switch step.Action {
		case ActionPrepareDB:
			return r.PrepareDB(ctx, aliases)
		case ActionCreateDB:
			return r.CreateDB(ctx, aliases)
		case ActionPostSeedSetup:
			return r.PostSeedSetup(ctx, aliases)
		default:
			return r.DropDB(ctx, aliases)
		}

	case ActionSetupReplication:
		return r.SetupReplication(ctx)

	case ActionAddCompletePaths:
		return r.AddCompletePaths(ctx)

	case ActionAddTables:
		return r.AddTables(ctx)

	case ActionCreateSecondSet:
		origin, err := args.intArg("origin", r.currentOrigin)
		if err != nil {
			return err
		}
		return r.CreateSecondSet(ctx, origin)

	case ActionSubscribe:
		set, err := args.intArg("set", PrimarySetID)
		if err != nil {
			return err
		}
		provider, err := args.intArg("provider", r.currentOrigin)
		if err != nil {
			return err
		}
		subscribers, err := args.intList("subscribers")
		if err != nil {
			return err
		}
		return r.SubscribeSet(ctx, set, provider, subscribers)

	case ActionMoveSet:
		set, err := args.intArg("set", PrimarySetID)
		if err != nil {
			return err
		}
		oldOrigin, err := args.intArg("old_origin", r.currentOrigin)
		if err != nil {
			return err
		}
		newOrigin, err := args.intArg("new_origin", 0)
		if err != nil {
			return err
		}
		return r.MoveSet(ctx, set, oldOrigin, newOrigin)

	case ActionSync:
		set, err := args.intArg("set", PrimarySetID)
		if err != nil {
			return err
		}
		origin, err := args.intArg("origin", r.currentOrigin)
		if err != nil {
			return err
		}
		_, err = r.SlonikSync(ctx, set, origin)
		return err

	case ActionSeedData:
		scaling, err := args.intArg("scaling", 1)
		if err != nil {
			return err
		}
		_, err = r.SeedData(ctx, scaling)
		return err

	case ActionGenerateLoad:
		op, err := r.GenerateLoad(ctx)
		if err != nil {
			return err
		}
		e.load = append(e.load, op)
		return nil

	case ActionStopLoad:
		return e.stopLoad(ctx)

	case ActionDataChecks:
		node, err := args.intArg("node", 0)
		if err != nil {
			return err
		}
		op, err := r.StartDataChecks(ctx, node)
		if err != nil {
			return err
		}
		e.background = append(e.background, op)
		return nil

	case ActionCompare:
		lhs, err := args.intArg("lhs", r.currentOrigin)
		if err != nil {
			return err
		}
		rhs, err := args.intArg("rhs", 0)
		if err != nil {
			return err
		}
		_, err = r.CompareDB(ctx, lhs, rhs)
		return err

	case ActionMeasureLag:
		origin, err := args.intArg("origin", r.currentOrigin)
		if err != nil {
			return err
		}
		node, err := args.intArg("node", 0)
		if err != nil {
			return err
		}
		_, err = r.MeasureLag(ctx, origin, node)
		return err

	case ActionVerifyReadOnly:
		node, err := args.intArg("node", 0)
		if err != nil {
			return err
		}
		_, err = r.VerifyReadOnly(ctx, node)
		return err

	case ActionTeardown:
		return r.Teardown(ctx)
	}
	return fmt.Errorf("unknown action %q", step.Action)
}

// stopLoad cancels every load generator and waits for them to exit.
func (e *executor) stopLoad(ctx context.Context) error {
	for _, op := range e.load {
		op.Cancel()
	}
	_, err := e.run.orch.Join(ctx, e.load)
	e.load = nil
	return err
}

func (e *executor) stopAll(ctx context.Context) {
	ops := make([]*operation.Operation, 0, len(e.load)+len(e.background))
	ops = append(ops, e.load...)
	ops = append(ops, e.background...)
	for _, op := range ops {
		op.Cancel()
	}
	if _, err := e.run.orch.Join(ctx, ops); err != nil {
		e.run.logger.Warn("background operations did not stop", "error", err)
	}
	e.load, e.background = nil, nil
}

type stepArgs map[string]any

// intArg returns the integer argument key. A zero def makes the argument
// required.
func (a stepArgs) intArg(key string, def int) (int, error) {
	raw, ok := a[key]
	if !ok {
		if def == 0 {
			return 0, fmt.Errorf("argument %q is required", key)
		}
		return def, nil
	}
	return toInt(key, raw)
}

// intList returns the required integer list argument key.
func (a stepArgs) intList(key string) ([]int, error) {
	raw, ok := a[key]
	if !ok {
		return nil, fmt.Errorf("argument %q is required", key)
	}
	list, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("argument %q must be a list", key)
	}
	out := make([]int, 0, len(list))
	for _, item := range list {
		n, err := toInt(key, item)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}

// aliases returns the aliases of the "nodes" argument, or of every node in
// topo when it is absent.
func (a stepArgs) aliases(topo *topology.Topology) ([]string, error) {
	if _, ok := a["nodes"]; !ok {
		return topo.Aliases(), nil
	}
	ids, err := a.intList("nodes")
	if err != nil {
		return nil, err
	}
	aliases := make([]string, 0, len(ids))
	for _, id := range ids {
		n, ok := topo.Node(id)
		if !ok {
			return nil, &topology.TopologyError{
				Code:   topology.ErrCodeMissing,
				Entity: "node",
				ID:     fmt.Sprint(id),
			}
		}
		aliases = append(aliases, n.Alias)
	}
	return aliases, nil
}

func toInt(key string, raw any) (int, error) {
	switch v := raw.(type) {
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case uint64:
		return int(v), nil
	case float64:
		if v == float64(int(v)) {
			return int(v), nil
		}
	}
	return 0, fmt.Errorf("argument %q must be an integer, got %v", key, raw)
}
