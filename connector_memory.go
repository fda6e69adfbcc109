package querybridge

import (
	"context"
	"fmt"
	"sync"
	"time"
)

func init() {
	RegisterConnectorFamily("memory", func(dsn string, cfg PoolConfig) (Connector, error) {
		return NewMemoryConnector(MemoryConnectorConfig{}), nil
	})
}

// MemoryConnectorConfig configures the in-memory connector.
type MemoryConnectorConfig struct {
	// Fixtures maps statement text to canned results. Statements without a
	// fixture return an empty record set.
	Fixtures map[string]*ResultTree

	// Latency is added to every Query/Exec, simulating backend I/O.
	// Useful for scheduling and drain tests.
	Latency time.Duration
}

// MemoryConnector is an in-process backend. Useful for testing host
// integrations without a live database; inject it via Config.Connector.
type MemoryConnector struct {
	cfg MemoryConnectorConfig

	mu       sync.Mutex
	opened   int
	closed   bool
	failOpen error
}

// NewMemoryConnector creates an in-memory connector.
func NewMemoryConnector(cfg MemoryConnectorConfig) *MemoryConnector {
	return &MemoryConnector{cfg: cfg}
}

// FailOpens makes subsequent Open calls fail with err; nil restores normal
// behavior.
func (m *MemoryConnector) FailOpens(err error) {
	m.mu.Lock()
	m.failOpen = err
	m.mu.Unlock()
}

// Opened reports how many connections have been opened so far.
func (m *MemoryConnector) Opened() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.opened
}

func (m *MemoryConnector) Family() string { return "memory" }

func (m *MemoryConnector) Open(ctx context.Context) (Conn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, fmt.Errorf("memory connector is closed")
	}
	if m.failOpen != nil {
		return nil, m.failOpen
	}
	m.opened++
	return &memoryConn{parent: m}, nil
}

func (m *MemoryConnector) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

// memoryConn is one in-memory connection.
type memoryConn struct {
	parent *MemoryConnector

	mu     sync.Mutex
	closed bool
	inTx   bool
}

func (c *memoryConn) Ping(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("connection is closed")
	}
	return nil
}

// wait simulates backend I/O, honoring cancellation.
func (c *memoryConn) wait(ctx context.Context) error {
	if c.parent.cfg.Latency <= 0 {
		return ctx.Err()
	}
	select {
	case <-time.After(c.parent.cfg.Latency):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *memoryConn) Query(ctx context.Context, stmt string, args ...any) (*ResultTree, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	if fixture, ok := c.parent.cfg.Fixtures[stmt]; ok {
		return cloneTree(fixture), nil
	}
	return &ResultTree{}, nil
}

func (c *memoryConn) Exec(ctx context.Context, stmt string, args ...any) (int64, error) {
	if err := c.wait(ctx); err != nil {
		return 0, err
	}
	return 1, nil
}

func (c *memoryConn) Begin(ctx context.Context) (Tx, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inTx {
		return nil, fmt.Errorf("transaction already in progress")
	}
	c.inTx = true
	return &memoryTx{conn: c}, nil
}

func (c *memoryConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

// memoryTx is a no-op transaction over a memory connection.
type memoryTx struct {
	conn *memoryConn
}

func (t *memoryTx) Query(ctx context.Context, stmt string, args ...any) (*ResultTree, error) {
	return t.conn.Query(ctx, stmt, args...)
}

func (t *memoryTx) Exec(ctx context.Context, stmt string, args ...any) (int64, error) {
	return t.conn.Exec(ctx, stmt, args...)
}

func (t *memoryTx) Commit(ctx context.Context) error {
	t.conn.mu.Lock()
	t.conn.inTx = false
	t.conn.mu.Unlock()
	return nil
}

func (t *memoryTx) Rollback(ctx context.Context) error {
	t.conn.mu.Lock()
	t.conn.inTx = false
	t.conn.mu.Unlock()
	return nil
}

// cloneTree deep-copies a fixture so callers cannot mutate shared state.
func cloneTree(t *ResultTree) *ResultTree {
	if t == nil {
		return nil
	}
	out := &ResultTree{
		Entity:   t.Entity,
		Columns:  append([]string(nil), t.Columns...),
		Affected: t.Affected,
	}
	for _, row := range t.Rows {
		out.Rows = append(out.Rows, append([]any(nil), row...))
	}
	if t.Children != nil {
		out.Children = make(map[string]*ResultTree, len(t.Children))
		for k, v := range t.Children {
			out.Children[k] = cloneTree(v)
		}
	}
	return out
}
