package querybridge

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Transaction pins one pooled handle to an interactive transaction. The
// handle is held until Commit or Rollback; transactions count as in-flight
// work for drain purposes.
type Transaction struct {
	engine  *Engine
	adm     admission
	handle  *Handle
	tx      Tx
	traceID string
	started time.Time
	stop    func() bool

	mu   sync.Mutex
	done bool
}

// BeginTransaction acquires a handle and starts an interactive transaction
// on it. Connector families without transaction support fail with a
// QueryError, leaving the handle healthy.
func (e *Engine) BeginTransaction(ctx context.Context, traceID string) (*Transaction, error) {
	adm, admErr := e.admit()
	if admErr != nil {
		return nil, admErr
	}

	if traceID == "" {
		traceID = uuid.NewString()
	}

	handle, err := adm.pool.acquire(ctx)
	if err != nil {
		e.inflight.Done()
		return nil, translateError(err)
	}

	tx, err := handle.Conn().Begin(ctx)
	if err != nil {
		_ = adm.pool.release(handle)
		e.inflight.Done()
		return nil, translateError(err)
	}

	started := spanStart(adm.sink, traceID, "transaction", map[string]string{
		"family": adm.family,
	})

	txn := &Transaction{
		engine:  e,
		adm:     adm,
		handle:  handle,
		tx:      tx,
		traceID: traceID,
		started: started,
	}
	// A forced engine drain must terminate even with the transaction left
	// open; it is rolled back and its handle surrendered.
	txn.stop = context.AfterFunc(adm.runCtx, txn.forceAbort)
	return txn, nil
}

// forceAbort finishes a transaction abandoned at forced-drain time. The
// pinned handle stops counting as in-flight work so Disconnect can proceed.
func (t *Transaction) forceAbort() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return
	}
	t.done = true

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	_ = t.tx.Rollback(ctx)
	cancel()

	// Rolled back out from under the caller; the connection state is unknown.
	t.handle.MarkUnhealthy()
	t.engine.metrics.handlesReplaced.Add(1)
	_ = t.adm.pool.release(t.handle)
	t.engine.inflight.Done()
	spanEnd(t.adm.sink, t.traceID, "transaction", t.started, ErrCancelled)
}

// Execute runs a plan inside the transaction on its pinned connection.
func (t *Transaction) Execute(ctx context.Context, plan *Plan) (*ResultTree, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return nil, newEngineError(ErrorKindQuery, "transaction already finished", nil)
	}

	tree, err := t.engine.executor.Run(ctx, plan, txConn{t.tx}, t.adm.schema)
	if err != nil {
		return nil, translateError(err)
	}
	return tree, nil
}

// Commit commits and releases the pinned handle.
func (t *Transaction) Commit(ctx context.Context) error {
	return t.finish(ctx, true)
}

// Rollback aborts and releases the pinned handle.
func (t *Transaction) Rollback(ctx context.Context) error {
	return t.finish(ctx, false)
}

func (t *Transaction) finish(ctx context.Context, commit bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return newEngineError(ErrorKindQuery, "transaction already finished", nil)
	}
	t.done = true
	if t.stop != nil {
		t.stop()
	}

	var err error
	if commit {
		err = t.tx.Commit(ctx)
	} else {
		err = t.tx.Rollback(ctx)
	}
	if err != nil {
		// A failed commit/rollback leaves the connection in an unknown
		// transactional state.
		t.handle.MarkUnhealthy()
		t.engine.metrics.handlesReplaced.Add(1)
	}

	relErr := t.adm.pool.release(t.handle)
	t.engine.inflight.Done()
	spanEnd(t.adm.sink, t.traceID, "transaction", t.started, err)

	if relErr != nil {
		engineErr := translateError(relErr)
		if engineErr.Kind == ErrorKindFatal {
			t.engine.poison(engineErr)
		}
		return engineErr
	}
	if err != nil {
		return translateError(err)
	}
	return nil
}

// txConn adapts a Tx to the Conn contract so the executor can drive it.
// Nested transactions are refused.
type txConn struct {
	tx Tx
}

func (c txConn) Ping(ctx context.Context) error { return nil }

func (c txConn) Query(ctx context.Context, stmt string, args ...any) (*ResultTree, error) {
	return c.tx.Query(ctx, stmt, args...)
}

func (c txConn) Exec(ctx context.Context, stmt string, args ...any) (int64, error) {
	return c.tx.Exec(ctx, stmt, args...)
}

func (c txConn) Begin(ctx context.Context) (Tx, error) {
	return nil, newEngineError(ErrorKindQuery, "nested transactions are not supported", nil)
}

func (c txConn) Close() error { return nil }
