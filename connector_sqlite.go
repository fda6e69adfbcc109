package querybridge

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	// SQLite driver using pure Go implementation
	_ "modernc.org/sqlite"
)

func init() {
	RegisterConnectorFamily("sqlite", newSQLiteConnector)
	RegisterConnectorFamily("file", newSQLiteConnector)
}

// sqliteConnector opens connections against a local SQLite database.
// Each pooled handle is a dedicated *sql.Conn so the engine's arena, not
// database/sql, decides connection ownership.
type sqliteConnector struct {
	db  *sql.DB
	dsn string
}

func newSQLiteConnector(dsn string, cfg PoolConfig) (Connector, error) {
	path := strings.TrimPrefix(strings.TrimPrefix(dsn, "sqlite://"), "file://")
	if path == "" {
		return nil, newEngineError(ErrorKindConfiguration, "sqlite connection URL has no path", nil)
	}

	// WAL journaling and a busy timeout keep concurrent pooled handles from
	// tripping over SQLite's writer lock.
	connStr := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)

	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxConnections)
	db.SetMaxIdleConns(0)

	return &sqliteConnector{db: db, dsn: dsn}, nil
}

func (c *sqliteConnector) Family() string { return "sqlite" }

func (c *sqliteConnector) Open(ctx context.Context) (Conn, error) {
	conn, err := c.db.Conn(ctx)
	if err != nil {
		return nil, err
	}
	return &sqliteConn{conn: conn}, nil
}

func (c *sqliteConnector) Close() error {
	return c.db.Close()
}

// sqliteConn adapts one *sql.Conn to the Conn contract.
type sqliteConn struct {
	conn *sql.Conn
}

func (c *sqliteConn) Ping(ctx context.Context) error {
	return c.conn.PingContext(ctx)
}

func (c *sqliteConn) Query(ctx context.Context, stmt string, args ...any) (*ResultTree, error) {
	rows, err := c.conn.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, err
	}
	return scanRows(rows)
}

func (c *sqliteConn) Exec(ctx context.Context, stmt string, args ...any) (int64, error) {
	res, err := c.conn.ExecContext(ctx, stmt, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (c *sqliteConn) Begin(ctx context.Context) (Tx, error) {
	tx, err := c.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &sqliteTx{tx: tx}, nil
}

func (c *sqliteConn) Close() error {
	return c.conn.Close()
}

// sqliteTx adapts *sql.Tx to the Tx contract.
type sqliteTx struct {
	tx *sql.Tx
}

func (t *sqliteTx) Query(ctx context.Context, stmt string, args ...any) (*ResultTree, error) {
	rows, err := t.tx.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, err
	}
	return scanRows(rows)
}

func (t *sqliteTx) Exec(ctx context.Context, stmt string, args ...any) (int64, error) {
	res, err := t.tx.ExecContext(ctx, stmt, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (t *sqliteTx) Commit(ctx context.Context) error   { return t.tx.Commit() }
func (t *sqliteTx) Rollback(ctx context.Context) error { return t.tx.Rollback() }

// scanRows materializes a database/sql row set into a result tree with
// boundary-safe scalar values.
func scanRows(rows *sql.Rows) (*ResultTree, error) {
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	tree := &ResultTree{Columns: cols}
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		for i, v := range values {
			if b, ok := v.([]byte); ok {
				values[i] = string(b)
			}
		}
		tree.Rows = append(tree.Rows, values)
	}
	return tree, rows.Err()
}
