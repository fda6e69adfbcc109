package querybridge

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// EngineState is the lifecycle state of an Engine.
type EngineState int32

const (
	// StateUninitialized is the state before the first Connect.
	StateUninitialized EngineState = iota
	// StateConnected accepts query dispatch.
	StateConnected
	// StateDisconnecting drains in-flight work; no new queries are admitted.
	StateDisconnecting
	// StateDisconnected allows a later Connect to rebuild the engine.
	StateDisconnected
	// StatePoisoned marks an unrecoverable invariant violation; the engine
	// must be discarded and rebuilt.
	StatePoisoned
)

func (s EngineState) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	case StateDisconnected:
		return "disconnected"
	case StatePoisoned:
		return "poisoned"
	default:
		return "unknown"
	}
}

// Engine is the stateful entry point bridging a single-threaded host onto the
// multi-goroutine dispatch core. One Engine owns one schema context and one
// connector pool per connect cycle.
type Engine struct {
	cfg      Config
	executor Executor
	logger   *slog.Logger
	metrics  engineMetrics

	// lifecycleMu serializes Connect/Disconnect so concurrent lifecycle
	// calls never interleave. stateMu guards admission-visible fields.
	lifecycleMu sync.Mutex

	stateMu   sync.RWMutex
	state     EngineState
	schema    *SchemaContext
	pool      *ConnectorPool
	family    string
	sink      TelemetrySink
	publisher *metricsPublisher
	runCtx    context.Context
	runCancel context.CancelFunc

	inflight sync.WaitGroup
}

// NewEngine creates an engine in the Uninitialized state. No connections are
// opened until Connect.
func NewEngine(cfg Config) *Engine {
	cfg.normalize()
	return &Engine{
		cfg:      cfg,
		executor: NewExecutor(),
		logger:   slog.Default().With("component", "querybridge"),
		sink:     NopSink{},
	}
}

// SetExecutor replaces the executor. Valid only before Connect.
func (e *Engine) SetExecutor(exec Executor) {
	e.executor = exec
}

// State returns the current lifecycle state.
func (e *Engine) State() EngineState {
	e.stateMu.RLock()
	defer e.stateMu.RUnlock()
	return e.state
}

// Connect builds the schema context and connector pool and transitions the
// engine to Connected. Calling Connect on an already-connected engine is a
// no-op success, matching at-most-once connection semantics for hosts that
// retry.
func (e *Engine) Connect(ctx context.Context) error {
	e.lifecycleMu.Lock()
	defer e.lifecycleMu.Unlock()

	switch e.State() {
	case StateConnected:
		return nil
	case StatePoisoned:
		return newEngineError(ErrorKindFatal, "engine is poisoned", ErrPoisoned)
	}

	if err := e.cfg.validate(); err != nil {
		return err
	}

	dsn, err := e.cfg.resolveURL()
	if err != nil {
		return err
	}

	schema, err := buildSchemaContext(ctx, e.cfg.Schema)
	if err != nil {
		return err
	}

	connector := e.cfg.Connector
	if connector == nil {
		connector, err = newConnector(e.cfg.family(dsn), dsn, e.cfg.Pool)
		if err != nil {
			return err
		}
	}

	pool, err := newConnectorPool(ctx, connector, e.cfg.Pool)
	if err != nil {
		if e.cfg.Connector == nil {
			_ = connector.Close()
		}
		return err
	}

	sink := TelemetrySink(NopSink{})
	if e.cfg.Telemetry.Enabled && e.cfg.Telemetry.CollectorURL != "" {
		sink = NewWebSocketSink(e.cfg.Telemetry, e.logger)
	}

	runCtx, runCancel := context.WithCancel(context.Background())

	e.stateMu.Lock()
	e.state = StateConnected
	e.schema = schema
	e.pool = pool
	e.family = connector.Family()
	e.sink = sink
	e.runCtx = runCtx
	e.runCancel = runCancel
	e.stateMu.Unlock()

	if e.cfg.Telemetry.Enabled && e.cfg.Telemetry.RemoteWriteURL != "" {
		e.publisher = newMetricsPublisher(e.cfg.Telemetry, e.logger, e.MetricsSnapshot)
	}

	e.metrics.connects.Add(1)
	e.logger.Info("engine connected",
		"family", connector.Family(),
		"pool_capacity", e.cfg.Pool.MaxConnections,
		"schema_version", schema.Version(),
	)
	return nil
}

// Disconnect stops admitting queries, drains in-flight work up to the
// configured grace period, force-cancels the remainder, and tears down the
// pool. Disconnect before any Connect is a no-op success.
func (e *Engine) Disconnect(ctx context.Context) error {
	e.lifecycleMu.Lock()
	defer e.lifecycleMu.Unlock()

	switch e.State() {
	case StateUninitialized, StateDisconnected:
		return nil
	case StatePoisoned:
		return newEngineError(ErrorKindFatal, "engine is poisoned", ErrPoisoned)
	}

	e.stateMu.Lock()
	e.state = StateDisconnecting
	pool := e.pool
	runCancel := e.runCancel
	publisher := e.publisher
	sink := e.sink
	e.stateMu.Unlock()

	e.logger.Info("engine disconnecting", "grace_period", e.cfg.Drain.GracePeriod)

	// Let admitted queries drain; force-cancel stragglers after the grace
	// period so disconnect always terminates.
	drained := make(chan struct{})
	go func() {
		e.inflight.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(e.cfg.Drain.GracePeriod):
		runCancel()
		<-drained
	}

	drainCtx, cancel := context.WithTimeout(ctx, e.cfg.Drain.GracePeriod)
	defer cancel()
	if err := pool.drain(drainCtx); err != nil {
		e.logger.Warn("pool teardown reported errors", "err", err)
	}

	if publisher != nil {
		publisher.stop()
	}
	_ = sink.Close()
	runCancel()

	e.stateMu.Lock()
	e.state = StateDisconnected
	e.schema = nil
	e.pool = nil
	e.sink = NopSink{}
	e.publisher = nil
	e.runCtx = nil
	e.runCancel = nil
	e.stateMu.Unlock()

	e.metrics.disconnects.Add(1)
	e.logger.Info("engine disconnected")
	return nil
}

// MetricsSnapshot returns a copy of the engine metrics. Safe in any state.
func (e *Engine) MetricsSnapshot() MetricsSnapshot {
	snap := e.metrics.snapshot()

	e.stateMu.RLock()
	snap.State = e.state.String()
	snap.Family = e.family
	if e.schema != nil {
		snap.Schema = e.schema.Version()
	}
	pool := e.pool
	e.stateMu.RUnlock()

	if pool != nil {
		ps := pool.stats()
		snap.PoolCapacity = ps.Capacity
		snap.PoolOpen = ps.Open
		snap.PoolInUse = ps.InUse
	}
	return snap
}

// admission captures the engine references a query execution is entitled to
// use. The schema referenced here is the one current at submission; a later
// reconnect never mutates an admitted request.
type admission struct {
	schema *SchemaContext
	pool   *ConnectorPool
	sink   TelemetrySink
	family string
	runCtx context.Context
}

// admit registers a new execution while the engine is Connected. The
// in-flight count is raised under the state lock so a concurrent Disconnect
// either sees the execution or refuses it, never neither.
func (e *Engine) admit() (admission, *EngineError) {
	e.stateMu.RLock()
	defer e.stateMu.RUnlock()

	switch e.state {
	case StatePoisoned:
		return admission{}, newEngineError(ErrorKindFatal, "engine is poisoned", ErrPoisoned)
	case StateConnected:
	default:
		return admission{}, newEngineError(ErrorKindNotConnected,
			"engine is "+e.state.String(), ErrNotConnected)
	}

	e.inflight.Add(1)
	return admission{
		schema: e.schema,
		pool:   e.pool,
		sink:   e.sink,
		family: e.family,
		runCtx: e.runCtx,
	}, nil
}

// poison transitions the engine to Poisoned after an invariant violation.
// All subsequent operations fail with Fatal until the caller rebuilds the
// engine.
func (e *Engine) poison(reason error) {
	e.stateMu.Lock()
	already := e.state == StatePoisoned
	e.state = StatePoisoned
	runCancel := e.runCancel
	e.stateMu.Unlock()

	if already {
		return
	}
	if runCancel != nil {
		runCancel()
	}
	e.logger.Error("engine poisoned", "reason", reason)
}
