// Package orchestrator sequences external operations: one at a time behind
// a barrier, many at once with a fan-in join, or raced against a timer. It
// also owns the scenario's one-way abort flag.
//
// All methods are meant to be called from a single orchestrating goroutine.
// Completion callbacks run on operation goroutines and only touch the check
// sink, the trace and the abort flag, all of which are safe for concurrent
// use.
package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/clustertest/internal/checks"
	"github.com/roach88/clustertest/internal/operation"
)

// TimeoutDescription is recorded when a timed wait's timer fires first.
const TimeoutDescription = "sync did not finish in the timelimit"

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithTimers replaces the timer factory used by TimedWait.
func WithTimers(timers Timers) Option {
	return func(o *Orchestrator) {
		if timers != nil {
			o.timers = timers
		}
	}
}

// WithClock replaces the sequence clock.
func WithClock(clock *Clock) Option {
	return func(o *Orchestrator) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// Orchestrator launches, observes and joins operations for one scenario run.
type Orchestrator struct {
	sink   *checks.Sink
	logger *slog.Logger
	clock  *Clock
	timers Timers
	trace  trace

	aborted     atomic.Bool
	abortMu     sync.Mutex
	abortReason string
}

// New creates an orchestrator that records into sink.
func New(sink *checks.Sink, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		sink:   sink,
		logger: slog.Default(),
		clock:  NewClock(),
		timers: RealTimers{},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Sink returns the check sink.
func (o *Orchestrator) Sink() *checks.Sink {
	return o.sink
}

// Build creates an operation stamped with the next sequence id. The
// operation is not launched.
func (o *Orchestrator) Build(label, kind string, run operation.Runner) *operation.Operation {
	op := operation.New(label, run,
		operation.WithID(o.clock.Next()),
		operation.WithKind(kind),
		operation.WithLogger(o.logger))
	op.OnComplete(func(op *operation.Operation, r operation.Result) {
		o.trace.append(Event{
			Seq:    o.clock.Next(),
			Type:   EventCompleted,
			OpID:   op.ID(),
			Label:  op.Label(),
			Kind:   op.Kind(),
			Status: r.Status.String(),
			Code:   r.Code,
		})
	})
	return op
}

// Expect registers a completion observer asserting that op exits with code
// 0. A failed fatal expectation aborts the scenario.
//
// Timed-out results are left to TimedWait. Aborted results record nothing:
// an aborted operation was stopped on purpose.
func (o *Orchestrator) Expect(op *operation.Operation, description string, fatal bool) {
	o.Observe(op, checks.KindOperationFailure, description, fatal)
}

// Observe is Expect with an explicit check kind.
func (o *Orchestrator) Observe(op *operation.Operation, kind checks.Kind, description string, fatal bool) {
	op.OnComplete(func(_ *operation.Operation, r operation.Result) {
		if r.Status != operation.StatusFinished {
			return
		}
		if !o.sink.Assert(kind, description, r.ReturnCode(), 0) && fatal {
			o.Abort(description)
		}
	})
}

// Launch starts op unless the scenario has been aborted. After an abort the
// operation is cancelled instead, so anything awaiting it is released, and
// no check is recorded.
func (o *Orchestrator) Launch(ctx context.Context, op *operation.Operation) bool {
	if o.aborted.Load() {
		o.trace.append(Event{
			Seq:   o.clock.Next(),
			Type:  EventSkipped,
			OpID:  op.ID(),
			Label: op.Label(),
			Kind:  op.Kind(),
		})
		o.logger.Info("launch skipped after abort", "op_id", op.ID(), "label", op.Label())
		op.Cancel()
		return false
	}
	return o.launch(ctx, op)
}

// LaunchAlways starts op even after an abort. It is reserved for cleanup
// such as uninstalling nodes or dropping databases.
func (o *Orchestrator) LaunchAlways(ctx context.Context, op *operation.Operation) bool {
	return o.launch(ctx, op)
}

func (o *Orchestrator) launch(ctx context.Context, op *operation.Operation) bool {
	o.trace.append(Event{
		Seq:   o.clock.Next(),
		Type:  EventLaunched,
		OpID:  op.ID(),
		Label: op.Label(),
		Kind:  op.Kind(),
	})
	return op.Launch(ctx)
}

// RunAlways is Run for cleanup operations: op is launched even after an
// abort.
func (o *Orchestrator) RunAlways(ctx context.Context, op *operation.Operation) (operation.Result, error) {
	o.LaunchAlways(ctx, op)
	return o.await(ctx, op)
}

// Sequential runs op behind a barrier: observe, launch, await. The result
// is asserted under description and aborts the scenario when fatal.
func (o *Orchestrator) Sequential(ctx context.Context, op *operation.Operation, description string, fatal bool) (operation.Result, error) {
	o.Expect(op, description, fatal)
	return o.Run(ctx, op)
}

// Run launches op and waits for it without registering any observer.
func (o *Orchestrator) Run(ctx context.Context, op *operation.Operation) (operation.Result, error) {
	o.Launch(ctx, op)
	return o.await(ctx, op)
}

// FanOut launches every operation and then joins all of them, in any
// completion order. Observers must be registered before calling FanOut.
// Results are returned in the order of ops.
func (o *Orchestrator) FanOut(ctx context.Context, ops []*operation.Operation) ([]operation.Result, error) {
	for _, op := range ops {
		o.Launch(ctx, op)
	}
	return o.Join(ctx, ops)
}

// Join waits until every operation is terminal.
func (o *Orchestrator) Join(ctx context.Context, ops []*operation.Operation) ([]operation.Result, error) {
	results := make([]operation.Result, len(ops))
	g, gctx := errgroup.WithContext(ctx)
	for i, op := range ops {
		g.Go(func() error {
			r, err := op.AwaitContext(gctx)
			if err != nil {
				return err
			}
			results[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// TimedWait launches op and races it against a timer.
//
// If op finishes first the timer is stopped and the result is asserted
// under description (not fatal). If the timer fires first op is expired and
// exactly one timeout check is recorded. Neither outcome aborts the
// scenario.
func (o *Orchestrator) TimedWait(ctx context.Context, op *operation.Operation, timeout time.Duration, description string) (operation.Result, error) {
	o.Expect(op, description, false)
	if !o.Launch(ctx, op) {
		return o.await(ctx, op)
	}

	timer := o.timers.NewTimer(timeout)
	select {
	case <-op.Done():
		timer.Stop()
	case <-timer.C():
		o.trace.append(Event{Seq: o.clock.Next(), Type: EventTimerFired, OpID: op.ID(), Label: op.Label()})
		if op.Expire() {
			o.sink.Assert(checks.KindTimeout, TimeoutDescription, true, false)
		}
	case <-ctx.Done():
		timer.Stop()
		op.Cancel()
		return op.Await(), ctx.Err()
	}
	return op.Await(), nil
}

// Background launches op without waiting for it.
func (o *Orchestrator) Background(ctx context.Context, op *operation.Operation) *operation.Operation {
	o.Launch(ctx, op)
	return op
}

func (o *Orchestrator) await(ctx context.Context, op *operation.Operation) (operation.Result, error) {
	r, err := op.AwaitContext(ctx)
	if err != nil {
		op.Cancel()
		return op.Await(), err
	}
	return r, nil
}

// Abort stops the scenario from launching further operations. Operations
// already running are left alone. Only the first call has any effect.
func (o *Orchestrator) Abort(reason string) {
	o.abortMu.Lock()
	defer o.abortMu.Unlock()
	if o.aborted.Load() {
		return
	}
	o.abortReason = reason
	o.aborted.Store(true)
	o.trace.append(Event{Seq: o.clock.Next(), Type: EventAborted, Reason: reason})
	o.logger.Error("scenario aborted", "reason", reason)
}

// Aborted reports whether Abort has been called.
func (o *Orchestrator) Aborted() bool {
	return o.aborted.Load()
}

// Err returns an *AbortError once the scenario is aborted.
func (o *Orchestrator) Err() error {
	if !o.aborted.Load() {
		return nil
	}
	o.abortMu.Lock()
	defer o.abortMu.Unlock()
	return &AbortError{Reason: o.abortReason}
}

// Trace returns a copy of the event trace.
func (o *Orchestrator) Trace() []Event {
	return o.trace.snapshot()
}
