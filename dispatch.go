package querybridge

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	slogctx "github.com/veqryn/slog-context"
)

// QueryRequest describes one query submission. Immutable once submitted.
type QueryRequest struct {
	// Plan is the executable query representation. Required.
	Plan *Plan

	// TraceID tags telemetry for this request. Generated when empty.
	TraceID string

	// Deadline bounds execution; 0 falls back to the engine's default
	// query timeout.
	Deadline time.Duration
}

// queryExecution is the transient per-request record. It is owned
// exclusively by the dispatch task that created it.
type queryExecution struct {
	req     QueryRequest
	traceID string
	handle  *Handle
	started time.Time
}

// Execute submits a request as a new query execution and waits for its
// result. The calling goroutine suspends while waiting for a pooled handle
// or executor I/O; the host boundary thread is never blocked because each
// boundary call runs on its own task (see cffi.go).
//
// Failures inside this execution never affect other in-flight executions;
// only pool corruption escalates engine-wide.
func (e *Engine) Execute(ctx context.Context, req QueryRequest) (*ResultTree, error) {
	adm, admErr := e.admit()
	if admErr != nil {
		return nil, admErr
	}
	defer e.inflight.Done()

	if req.Plan == nil {
		e.metrics.queriesFailed.Add(1)
		return nil, newEngineError(ErrorKindQuery, "request has no plan", nil)
	}

	tree, err := e.dispatch(ctx, adm, req)
	if err == nil {
		return tree, nil
	}

	engineErr := translateError(err)
	if engineErr.Kind == ErrorKindFatal {
		e.poison(engineErr)
	}
	return nil, engineErr
}

// dispatch drives one admitted execution through acquire, run, and release.
func (e *Engine) dispatch(ctx context.Context, adm admission, req QueryRequest) (*ResultTree, error) {
	exec := &queryExecution{req: req, traceID: req.TraceID}
	if exec.traceID == "" {
		exec.traceID = uuid.NewString()
	}

	logger := slogctx.FromCtx(ctx).With("trace_id", exec.traceID, "family", adm.family)
	ctx = slogctx.NewCtx(ctx, logger)

	// Per-request deadline, falling back to the engine default. A forced
	// engine drain cancels the request through runCtx.
	deadline := req.Deadline
	if deadline <= 0 {
		deadline = e.cfg.Query.DefaultTimeout
	}
	var cancel context.CancelFunc
	if deadline > 0 {
		ctx, cancel = context.WithTimeout(ctx, deadline)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	defer cancel()
	stop := context.AfterFunc(adm.runCtx, cancel)
	defer stop()

	e.metrics.queriesStarted.Add(1)
	e.metrics.inFlight.Add(1)
	defer e.metrics.inFlight.Add(-1)

	exec.started = spanStart(adm.sink, exec.traceID, "query", map[string]string{
		"family": adm.family,
		"schema": adm.schema.Version(),
	})

	handle, err := adm.pool.acquire(ctx)
	if err != nil {
		if errors.Is(err, ErrAcquireTimeout) {
			e.metrics.acquireTimeouts.Add(1)
		}
		e.metrics.queriesFailed.Add(1)
		spanEnd(adm.sink, exec.traceID, "query", exec.started, err)
		return nil, err
	}
	exec.handle = handle

	tree, runErr := e.executor.Run(ctx, req.Plan, handle.Conn(), adm.schema)

	// A result that raced the deadline and won is still a result; only a
	// failed run with an expired context counts as cancelled.
	cancelled := runErr != nil && ctx.Err() != nil
	if cancelled {
		// The executor may not have honored cancellation promptly; the
		// connection's state is suspect, so it is replaced rather than
		// reused.
		handle.MarkUnhealthy()
		e.metrics.handlesReplaced.Add(1)
	}

	if relErr := adm.pool.release(handle); relErr != nil {
		e.metrics.queriesFailed.Add(1)
		spanEnd(adm.sink, exec.traceID, "query", exec.started, relErr)
		return nil, relErr
	}

	switch {
	case cancelled:
		e.metrics.queriesCancelled.Add(1)
		cancelErr := newEngineError(ErrorKindCancelled, "query deadline exceeded or cancelled", ctx.Err())
		spanEnd(adm.sink, exec.traceID, "query", exec.started, cancelErr)
		logger.Debug("query cancelled", "elapsed", time.Since(exec.started))
		return nil, cancelErr
	case runErr != nil:
		e.metrics.queriesFailed.Add(1)
		spanEnd(adm.sink, exec.traceID, "query", exec.started, runErr)
		return nil, runErr
	default:
		e.metrics.queriesSucceeded.Add(1)
		e.metrics.observeLatency(time.Since(exec.started))
		spanEnd(adm.sink, exec.traceID, "query", exec.started, nil)
		return tree, nil
	}
}

// Submit schedules a request on its own task and returns immediately. The
// returned channel is closed when the result is ready; Result claims it.
// This is the message-passing path the native boundary polls on.
func (e *Engine) Submit(ctx context.Context, req QueryRequest) *PendingResult {
	p := &PendingResult{done: make(chan struct{})}
	go func() {
		tree, err := e.Execute(ctx, req)
		p.tree = tree
		p.err = err
		close(p.done)
	}()
	return p
}

// PendingResult is a one-shot handle to an asynchronous execution result.
type PendingResult struct {
	done chan struct{}
	tree *ResultTree
	err  error
}

// Done is closed when the result is available.
func (p *PendingResult) Done() <-chan struct{} {
	return p.done
}

// Ready reports whether the result is available without blocking.
func (p *PendingResult) Ready() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Result blocks until the execution completes.
func (p *PendingResult) Result() (*ResultTree, error) {
	<-p.done
	return p.tree, p.err
}
