package querybridge

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func newTestEngine(t *testing.T, mem *MemoryConnector, mutate func(*Config)) *Engine {
	t.Helper()

	cfg := DefaultConfig("memory://")
	cfg.Connector = mem
	cfg.Pool.MaxConnections = 2
	cfg.Pool.MinConnections = 1
	if mutate != nil {
		mutate(&cfg)
	}
	return NewEngine(cfg)
}

func connectTestEngine(t *testing.T, mem *MemoryConnector, mutate func(*Config)) *Engine {
	t.Helper()

	eng := newTestEngine(t, mem, mutate)
	if err := eng.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	t.Cleanup(func() { _ = eng.Disconnect(context.Background()) })
	return eng
}

func TestEngineExecuteBeforeConnect(t *testing.T) {
	eng := newTestEngine(t, NewMemoryConnector(MemoryConnectorConfig{}), nil)

	_, err := eng.Execute(context.Background(), QueryRequest{Plan: RawPlan("SELECT 1")})
	if err == nil {
		t.Fatal("expected error before connect")
	}
	var engineErr *EngineError
	if !errors.As(err, &engineErr) || engineErr.Kind != ErrorKindNotConnected {
		t.Errorf("expected NotConnectedError, got %v", err)
	}
	if !errors.Is(err, ErrNotConnected) {
		t.Error("expected error to match ErrNotConnected")
	}
}

func TestEngineLifecycle(t *testing.T) {
	mem := NewMemoryConnector(MemoryConnectorConfig{})
	eng := newTestEngine(t, mem, nil)

	if eng.State() != StateUninitialized {
		t.Errorf("new engine should be uninitialized, got %v", eng.State())
	}

	// Disconnect before any connect is a no-op.
	if err := eng.Disconnect(context.Background()); err != nil {
		t.Fatalf("disconnect before connect should succeed: %v", err)
	}
	if eng.State() != StateUninitialized {
		t.Errorf("no-op disconnect should not change state, got %v", eng.State())
	}

	if err := eng.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	if eng.State() != StateConnected {
		t.Errorf("expected connected state, got %v", eng.State())
	}

	// Connect is idempotent and does not rebuild the pool.
	opened := mem.Opened()
	if err := eng.Connect(context.Background()); err != nil {
		t.Fatalf("repeat connect failed: %v", err)
	}
	if mem.Opened() != opened {
		t.Error("repeat connect should not open new connections")
	}

	if err := eng.Disconnect(context.Background()); err != nil {
		t.Fatalf("disconnect failed: %v", err)
	}
	if eng.State() != StateDisconnected {
		t.Errorf("expected disconnected state, got %v", eng.State())
	}

	// Reconnect builds a fresh cycle.
	mem2 := NewMemoryConnector(MemoryConnectorConfig{})
	eng.cfg.Connector = mem2
	if err := eng.Connect(context.Background()); err != nil {
		t.Fatalf("reconnect failed: %v", err)
	}
	if eng.State() != StateConnected {
		t.Errorf("expected connected state after reconnect, got %v", eng.State())
	}
	if _, err := eng.Execute(context.Background(), QueryRequest{Plan: RawPlan("SELECT 1")}); err != nil {
		t.Errorf("execute after reconnect failed: %v", err)
	}
	_ = eng.Disconnect(context.Background())
}

func TestEngineExecute(t *testing.T) {
	mem := NewMemoryConnector(MemoryConnectorConfig{
		Fixtures: map[string]*ResultTree{
			"SELECT * FROM users": {
				Columns: []string{"id"},
				Rows:    [][]any{{int64(7)}},
			},
		},
	})
	eng := connectTestEngine(t, mem, nil)

	tree, err := eng.Execute(context.Background(), QueryRequest{Plan: RawPlan("SELECT * FROM users")})
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if len(tree.Rows) != 1 || tree.Rows[0][0] != int64(7) {
		t.Errorf("unexpected result %+v", tree)
	}
}

func TestEngineExecuteNilPlan(t *testing.T) {
	eng := connectTestEngine(t, NewMemoryConnector(MemoryConnectorConfig{}), nil)

	_, err := eng.Execute(context.Background(), QueryRequest{})
	var engineErr *EngineError
	if !errors.As(err, &engineErr) || engineErr.Kind != ErrorKindQuery {
		t.Errorf("nil plan should be a query error, got %v", err)
	}
}

func TestEngineDisconnectDrainsInFlight(t *testing.T) {
	mem := NewMemoryConnector(MemoryConnectorConfig{Latency: 50 * time.Millisecond})
	eng := connectTestEngine(t, mem, func(cfg *Config) {
		cfg.Pool.MaxConnections = 2
		cfg.Drain.GracePeriod = 2 * time.Second
	})

	var wg sync.WaitGroup
	results := make(chan error, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := eng.Execute(context.Background(), QueryRequest{Plan: RawPlan("SELECT 1")})
			results <- err
		}()
	}

	// Let the queries get admitted before disconnecting.
	time.Sleep(10 * time.Millisecond)
	if err := eng.Disconnect(context.Background()); err != nil {
		t.Fatalf("disconnect failed: %v", err)
	}
	wg.Wait()
	close(results)

	for err := range results {
		if err != nil {
			t.Errorf("in-flight query should drain cleanly, got %v", err)
		}
	}
	if eng.State() != StateDisconnected {
		t.Errorf("expected disconnected state, got %v", eng.State())
	}
}

func TestEngineDisconnectForceCancelsAfterGrace(t *testing.T) {
	mem := NewMemoryConnector(MemoryConnectorConfig{Latency: 5 * time.Second})
	eng := connectTestEngine(t, mem, func(cfg *Config) {
		cfg.Drain.GracePeriod = 50 * time.Millisecond
		cfg.Query.DefaultTimeout = time.Minute
	})

	result := make(chan error, 1)
	go func() {
		_, err := eng.Execute(context.Background(), QueryRequest{Plan: RawPlan("SELECT slow")})
		result <- err
	}()

	time.Sleep(10 * time.Millisecond)
	start := time.Now()
	if err := eng.Disconnect(context.Background()); err != nil {
		t.Fatalf("disconnect failed: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("disconnect took %v, expected force-cancel near the grace period", elapsed)
	}

	select {
	case err := <-result:
		var engineErr *EngineError
		if !errors.As(err, &engineErr) || engineErr.Kind != ErrorKindCancelled {
			t.Errorf("force-cancelled query should report CancelledError, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("force-cancelled query never returned")
	}
}

func TestEnginePoisoned(t *testing.T) {
	eng := connectTestEngine(t, NewMemoryConnector(MemoryConnectorConfig{}), nil)

	eng.poison(ErrPoolCorrupted)
	if eng.State() != StatePoisoned {
		t.Fatalf("expected poisoned state, got %v", eng.State())
	}

	_, err := eng.Execute(context.Background(), QueryRequest{Plan: RawPlan("SELECT 1")})
	var engineErr *EngineError
	if !errors.As(err, &engineErr) || engineErr.Kind != ErrorKindFatal {
		t.Errorf("execute on poisoned engine should be Fatal, got %v", err)
	}

	if err := eng.Disconnect(context.Background()); err == nil {
		t.Error("disconnect on poisoned engine should fail")
	} else if !errors.As(err, &engineErr) || engineErr.Kind != ErrorKindFatal {
		t.Errorf("disconnect on poisoned engine should be Fatal, got %v", err)
	}

	if err := eng.Connect(context.Background()); err == nil {
		t.Error("connect on poisoned engine should fail")
	}

	// Poisoning twice is harmless.
	eng.poison(ErrPoolCorrupted)
	if eng.State() != StatePoisoned {
		t.Error("state should remain poisoned")
	}
}

// corruptExecutor reports pool corruption from inside a run.
type corruptExecutor struct{}

func (corruptExecutor) Run(ctx context.Context, plan *Plan, conn Conn, schema *SchemaContext) (*ResultTree, error) {
	return nil, ErrPoolCorrupted
}

func TestEngineFatalErrorPoisons(t *testing.T) {
	eng := newTestEngine(t, NewMemoryConnector(MemoryConnectorConfig{}), nil)
	eng.SetExecutor(corruptExecutor{})
	if err := eng.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	_, err := eng.Execute(context.Background(), QueryRequest{Plan: RawPlan("SELECT 1")})
	var engineErr *EngineError
	if !errors.As(err, &engineErr) || engineErr.Kind != ErrorKindFatal {
		t.Fatalf("corruption should surface as Fatal, got %v", err)
	}
	if eng.State() != StatePoisoned {
		t.Errorf("fatal error should poison the engine, got %v", eng.State())
	}

	// Everything afterwards is Fatal until the engine is rebuilt.
	_, err = eng.Execute(context.Background(), QueryRequest{Plan: RawPlan("SELECT 1")})
	if !errors.As(err, &engineErr) || engineErr.Kind != ErrorKindFatal {
		t.Errorf("execute on poisoned engine should be Fatal, got %v", err)
	}
	if err := eng.Disconnect(context.Background()); err == nil {
		t.Error("disconnect on poisoned engine should fail")
	}
}

func TestEngineConnectValidation(t *testing.T) {
	eng := NewEngine(Config{})
	err := eng.Connect(context.Background())
	var engineErr *EngineError
	if !errors.As(err, &engineErr) || engineErr.Kind != ErrorKindConfiguration {
		t.Errorf("connect without a URL should be a configuration error, got %v", err)
	}
	if eng.State() != StateUninitialized {
		t.Errorf("failed connect should leave state unchanged, got %v", eng.State())
	}
}

func TestEngineConnectBackendUnreachable(t *testing.T) {
	mem := NewMemoryConnector(MemoryConnectorConfig{})
	mem.FailOpens(errors.New("connection refused"))
	eng := newTestEngine(t, mem, nil)

	err := eng.Connect(context.Background())
	var engineErr *EngineError
	if !errors.As(err, &engineErr) || engineErr.Kind != ErrorKindConnection {
		t.Errorf("unreachable backend should be a connection error, got %v", err)
	}
	if eng.State() != StateUninitialized {
		t.Errorf("failed connect should leave state unchanged, got %v", eng.State())
	}
}

func TestEngineMetricsSnapshot(t *testing.T) {
	eng := connectTestEngine(t, NewMemoryConnector(MemoryConnectorConfig{}), nil)

	for i := 0; i < 3; i++ {
		if _, err := eng.Execute(context.Background(), QueryRequest{Plan: RawPlan("SELECT 1")}); err != nil {
			t.Fatal(err)
		}
	}

	snap := eng.MetricsSnapshot()
	if snap.State != "connected" {
		t.Errorf("unexpected state %q", snap.State)
	}
	if snap.Family != "memory" {
		t.Errorf("unexpected family %q", snap.Family)
	}
	if snap.Connects != 1 {
		t.Errorf("expected 1 connect, got %d", snap.Connects)
	}
	if snap.QueriesStarted != 3 || snap.QueriesSucceeded != 3 {
		t.Errorf("unexpected query counters %+v", snap)
	}
	if snap.PoolCapacity != 2 {
		t.Errorf("unexpected pool capacity %d", snap.PoolCapacity)
	}
	if snap.InFlight != 0 {
		t.Errorf("expected no in-flight queries, got %d", snap.InFlight)
	}
}

func TestEngineSchemaStrictMode(t *testing.T) {
	eng := connectTestEngine(t, NewMemoryConnector(MemoryConnectorConfig{}), func(cfg *Config) {
		cfg.Schema = SchemaConfig{Inline: testDatamodel, Strict: true}
	})

	plan := &Plan{Kind: PlanRead, Steps: []PlanStep{{Entity: "Ghost", Statement: "SELECT 1"}}}
	_, err := eng.Execute(context.Background(), QueryRequest{Plan: plan})
	var engineErr *EngineError
	if !errors.As(err, &engineErr) || engineErr.Kind != ErrorKindQuery {
		t.Errorf("unknown entity should be a query error in strict mode, got %v", err)
	}

	known := &Plan{Kind: PlanRead, Steps: []PlanStep{{Entity: "User", Statement: "SELECT * FROM users"}}}
	if _, err := eng.Execute(context.Background(), QueryRequest{Plan: known}); err != nil {
		t.Errorf("known entity should execute: %v", err)
	}

	snap := eng.MetricsSnapshot()
	if snap.Schema == "" {
		t.Error("expected schema version in snapshot")
	}
}
