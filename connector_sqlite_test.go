package querybridge

import (
	"context"
	"path/filepath"
	"testing"
)

func openSQLiteConnector(t *testing.T) Connector {
	t.Helper()

	dsn := "sqlite://" + filepath.Join(t.TempDir(), "test.db")
	connector, err := newConnector("sqlite", dsn, PoolConfig{MaxConnections: 2})
	if err != nil {
		t.Fatalf("connector construction failed: %v", err)
	}
	t.Cleanup(func() { _ = connector.Close() })
	return connector
}

func TestSQLiteConnectorRoundtrip(t *testing.T) {
	ctx := context.Background()
	connector := openSQLiteConnector(t)

	conn, err := connector.Open(ctx)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	defer conn.Close()

	if err := conn.Ping(ctx); err != nil {
		t.Fatalf("ping failed: %v", err)
	}

	if _, err := conn.Exec(ctx, "CREATE TABLE users (id INTEGER PRIMARY KEY, email TEXT)"); err != nil {
		t.Fatalf("create table failed: %v", err)
	}

	affected, err := conn.Exec(ctx, "INSERT INTO users (email) VALUES (?), (?)", "a@example.com", "b@example.com")
	if err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	if affected != 2 {
		t.Errorf("expected 2 affected rows, got %d", affected)
	}

	tree, err := conn.Query(ctx, "SELECT id, email FROM users ORDER BY id")
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if len(tree.Columns) != 2 || tree.Columns[0] != "id" {
		t.Errorf("unexpected columns %v", tree.Columns)
	}
	if len(tree.Rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(tree.Rows))
	}
	if tree.Rows[0][1] != "a@example.com" {
		t.Errorf("unexpected row %v", tree.Rows[0])
	}
}

func TestSQLiteConnectorTransaction(t *testing.T) {
	ctx := context.Background()
	connector := openSQLiteConnector(t)

	conn, err := connector.Open(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	if _, err := conn.Exec(ctx, "CREATE TABLE t (n INTEGER)"); err != nil {
		t.Fatal(err)
	}

	tx, err := conn.Begin(ctx)
	if err != nil {
		t.Fatalf("begin failed: %v", err)
	}
	if _, err := tx.Exec(ctx, "INSERT INTO t VALUES (1)"); err != nil {
		t.Fatal(err)
	}
	if err := tx.Rollback(ctx); err != nil {
		t.Fatalf("rollback failed: %v", err)
	}

	tree, err := conn.Query(ctx, "SELECT COUNT(*) FROM t")
	if err != nil {
		t.Fatal(err)
	}
	if tree.Rows[0][0] != int64(0) {
		t.Errorf("rolled-back insert should not be visible, got %v", tree.Rows[0][0])
	}

	tx, err = conn.Begin(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := tx.Exec(ctx, "INSERT INTO t VALUES (2)"); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit failed: %v", err)
	}

	tree, err = conn.Query(ctx, "SELECT COUNT(*) FROM t")
	if err != nil {
		t.Fatal(err)
	}
	if tree.Rows[0][0] != int64(1) {
		t.Errorf("committed insert should be visible, got %v", tree.Rows[0][0])
	}
}

func TestSQLiteConnectorBadDSN(t *testing.T) {
	_, err := newConnector("sqlite", "sqlite://", PoolConfig{})
	if err == nil {
		t.Error("expected error for DSN without a path")
	}
}

func TestSQLiteEngineEndToEnd(t *testing.T) {
	dsn := "sqlite://" + filepath.Join(t.TempDir(), "e2e.db")
	cfg := DefaultConfig(dsn)
	cfg.Pool.MaxConnections = 2

	eng := NewEngine(cfg)
	if err := eng.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	defer eng.Disconnect(context.Background())

	setup := &Plan{
		Kind: PlanWrite,
		Steps: []PlanStep{
			{Label: "create", Statement: "CREATE TABLE notes (body TEXT)"},
			{Label: "seed", Statement: "INSERT INTO notes VALUES ('hello')"},
		},
	}
	if _, err := eng.Execute(context.Background(), QueryRequest{Plan: setup}); err != nil {
		t.Fatalf("setup failed: %v", err)
	}

	tree, err := eng.Execute(context.Background(), QueryRequest{Plan: RawPlan("SELECT body FROM notes")})
	if err != nil {
		t.Fatalf("select failed: %v", err)
	}
	if len(tree.Rows) != 1 || tree.Rows[0][0] != "hello" {
		t.Errorf("unexpected result %+v", tree)
	}
}
