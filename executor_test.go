package querybridge

import (
	"context"
	"errors"
	"testing"
	"time"
)

// cancellingConn cancels the given context during its first Query so the
// executor's next step boundary observes a dead context.
type cancellingConn struct {
	Conn
	cancel context.CancelFunc
	calls  int
}

func (c *cancellingConn) Query(ctx context.Context, stmt string, args ...any) (*ResultTree, error) {
	c.calls++
	if c.calls == 1 {
		c.cancel()
	}
	return &ResultTree{}, nil
}

func openMemoryConn(t *testing.T) Conn {
	t.Helper()
	conn, err := NewMemoryConnector(MemoryConnectorConfig{}).Open(context.Background())
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	return conn
}

func TestExecutorSingleStep(t *testing.T) {
	mem := NewMemoryConnector(MemoryConnectorConfig{
		Fixtures: map[string]*ResultTree{
			"SELECT * FROM users": {
				Columns: []string{"id", "email"},
				Rows:    [][]any{{int64(1), "a@example.com"}},
			},
		},
	})
	conn, err := mem.Open(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	plan := &Plan{Kind: PlanRead, Steps: []PlanStep{{Entity: "User", Statement: "SELECT * FROM users"}}}
	tree, err := NewExecutor().Run(context.Background(), plan, conn, emptySchemaContext())
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if tree.Entity != "User" {
		t.Errorf("result should carry the step entity, got %q", tree.Entity)
	}
	if len(tree.Rows) != 1 || tree.Rows[0][1] != "a@example.com" {
		t.Errorf("unexpected rows %+v", tree.Rows)
	}
}

func TestExecutorMultiStep(t *testing.T) {
	conn := openMemoryConn(t)

	plan := &Plan{
		Kind: PlanRead,
		Steps: []PlanStep{
			{Label: "users", Statement: "SELECT * FROM users"},
			{Label: "audit", Kind: PlanWrite, Statement: "INSERT INTO audit VALUES (1)"},
			{Statement: "SELECT * FROM posts"},
		},
	}

	tree, err := NewExecutor().Run(context.Background(), plan, conn, emptySchemaContext())
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if len(tree.Children) != 3 {
		t.Fatalf("expected 3 children, got %d", len(tree.Children))
	}
	if tree.Children["audit"].Affected != 1 {
		t.Errorf("write step should record affected rows, got %d", tree.Children["audit"].Affected)
	}
	if _, ok := tree.Children["2"]; !ok {
		t.Error("unlabelled step should be keyed by index")
	}
}

func TestExecutorWriteStep(t *testing.T) {
	conn := openMemoryConn(t)

	plan := &Plan{Kind: PlanWrite, Steps: []PlanStep{{Entity: "User", Statement: "DELETE FROM users"}}}
	tree, err := NewExecutor().Run(context.Background(), plan, conn, emptySchemaContext())
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if tree.Affected != 1 || tree.Entity != "User" {
		t.Errorf("unexpected write result %+v", tree)
	}
}

func TestExecutorCancellationBetweenSteps(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	conn := &cancellingConn{Conn: openMemoryConn(t), cancel: cancel}

	plan := &Plan{
		Kind: PlanRead,
		Steps: []PlanStep{
			{Label: "a", Statement: "SELECT 1"},
			{Label: "b", Statement: "SELECT 2"},
		},
	}

	_, err := NewExecutor().Run(ctx, plan, conn, emptySchemaContext())
	if err == nil {
		t.Fatal("expected cancellation error")
	}

	var execErr *ExecutorError
	if !errors.As(err, &execErr) {
		t.Fatalf("expected ExecutorError, got %T", err)
	}
	if execErr.Step != 1 {
		t.Errorf("cancellation should be observed at step 1, got step %d", execErr.Step)
	}
	if !errors.Is(err, context.Canceled) {
		t.Error("error should unwrap to context.Canceled")
	}
	// The second statement never ran.
	if conn.calls != 1 {
		t.Errorf("expected 1 statement executed, got %d", conn.calls)
	}
}

func TestExecutorStrictSchemaRejection(t *testing.T) {
	schema, err := NewSchemaContext([]byte(testDatamodel), true)
	if err != nil {
		t.Fatal(err)
	}
	conn := openMemoryConn(t)

	plan := &Plan{Kind: PlanRead, Steps: []PlanStep{{Entity: "Ghost", Statement: "SELECT 1"}}}
	if _, err := NewExecutor().Run(context.Background(), plan, conn, schema); err == nil {
		t.Error("strict schema should reject the plan before touching the connection")
	}
}

func TestExecutorStepFailure(t *testing.T) {
	mem := NewMemoryConnector(MemoryConnectorConfig{Latency: 50 * time.Millisecond})
	conn, err := mem.Open(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	plan := RawPlan("SELECT pg_sleep(10)")
	_, err = NewExecutor().Run(ctx, plan, conn, emptySchemaContext())
	if err == nil {
		t.Fatal("expected failure from dead context")
	}
	var execErr *ExecutorError
	if !errors.As(err, &execErr) {
		t.Fatalf("expected ExecutorError, got %T", err)
	}
}
