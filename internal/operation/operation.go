// Package operation models one unit of external work (a script, a query, a
// client program) with an exactly-once terminal notification.
//
// An operation moves built -> running -> finished | timed-out | aborted.
// Whichever of completion, Expire and Cancel happens first decides the
// terminal state; the others become no-ops. Completion callbacks run before
// Done is closed, so anything a callback records is visible to every
// goroutine that returns from Await.
package operation

import (
	"context"
	"log/slog"
	"sync"
)

// Runner performs the work of an operation. It returns the exit code and,
// when the work could not be carried out at all, an error. Runners must
// return promptly once ctx is cancelled.
type Runner func(ctx context.Context) (int, error)

// Callback observes the terminal result of an operation.
type Callback func(*Operation, Result)

// Option configures an Operation.
type Option func(*Operation)

// WithLogger sets the logger used for lifecycle transitions.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Operation) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithID sets the operation's sequence id, normally assigned by the
// orchestrator's clock.
func WithID(id int64) Option {
	return func(o *Operation) {
		o.id = id
	}
}

// WithKind tags the operation with the kind of command it runs.
func WithKind(kind string) Option {
	return func(o *Operation) {
		o.kind = kind
	}
}

// Operation is a handle on a single piece of external work.
//
// Thread-safety: all methods are safe for concurrent use.
type Operation struct {
	id     int64
	label  string
	kind   string
	run    Runner
	logger *slog.Logger

	mu        sync.Mutex
	status    Status
	result    Result
	callbacks []Callback
	stop      context.CancelFunc

	done chan struct{}
}

// New builds an operation. Nothing runs until Launch.
func New(label string, run Runner, opts ...Option) *Operation {
	o := &Operation{
		label:  label,
		run:    run,
		logger: slog.Default(),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// ID returns the operation's sequence id.
func (o *Operation) ID() int64 { return o.id }

// Label returns the human-readable label.
func (o *Operation) Label() string { return o.label }

// Kind returns the command kind, if one was set.
func (o *Operation) Kind() string { return o.kind }

// Status returns the current lifecycle state.
func (o *Operation) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.status
}

// OnComplete registers a callback for the terminal result. If the operation
// is already terminal the callback runs immediately on the caller's
// goroutine. Otherwise it runs on whichever goroutine completes the
// operation.
func (o *Operation) OnComplete(cb Callback) {
	o.mu.Lock()
	if !o.status.Terminal() {
		o.callbacks = append(o.callbacks, cb)
		o.mu.Unlock()
		return
	}
	r := o.result
	o.mu.Unlock()
	cb(o, r)
}

// Launch starts the operation in its own goroutine and returns immediately.
// It reports false if the operation was already launched or is already
// terminal.
func (o *Operation) Launch(ctx context.Context) bool {
	o.mu.Lock()
	if o.status != StatusBuilt {
		o.mu.Unlock()
		return false
	}
	runCtx, stop := context.WithCancel(ctx)
	o.stop = stop
	o.status = StatusRunning
	o.mu.Unlock()

	o.logger.Debug("operation launched", "op_id", o.id, "label", o.label)

	go func() {
		defer stop()
		code, err := o.run(runCtx)
		if err != nil {
			o.complete(Errored(code, err))
			return
		}
		o.complete(Finished(code))
	}()
	return true
}

// Cancel forces the operation to the aborted state and stops the runner.
// It reports whether this call decided the terminal state.
func (o *Operation) Cancel() bool {
	return o.complete(Aborted())
}

// Expire forces the operation to the timed-out state and stops the runner.
// It reports whether this call decided the terminal state.
func (o *Operation) Expire() bool {
	return o.complete(TimedOut())
}

// Done is closed once the operation is terminal and every callback has run.
func (o *Operation) Done() <-chan struct{} {
	return o.done
}

// Await blocks until the operation is terminal and returns its result.
func (o *Operation) Await() Result {
	<-o.done
	return o.terminalResult()
}

// AwaitContext is Await bounded by ctx.
func (o *Operation) AwaitContext(ctx context.Context) (Result, error) {
	select {
	case <-o.done:
		return o.terminalResult(), nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Result returns the terminal result, if there is one yet.
func (o *Operation) Result() (Result, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.result, o.status.Terminal()
}

func (o *Operation) terminalResult() Result {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.result
}

// complete records r as the terminal result unless one was already recorded.
func (o *Operation) complete(r Result) bool {
	o.mu.Lock()
	if o.status.Terminal() {
		o.mu.Unlock()
		return false
	}
	o.status = r.Status
	o.result = r
	callbacks := o.callbacks
	o.callbacks = nil
	stop := o.stop
	o.mu.Unlock()

	if stop != nil {
		stop()
	}

	switch r.Status {
	case StatusFinished:
		o.logger.Debug("operation finished", "op_id", o.id, "label", o.label, "code", r.Code)
	default:
		o.logger.Info("operation stopped", "op_id", o.id, "label", o.label, "status", r.Status.String())
	}

	for _, cb := range callbacks {
		cb(o, r)
	}
	close(o.done)
	return true
}
