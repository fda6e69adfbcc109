package querybridge

import (
	"context"
	"reflect"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

func init() {
	RegisterConnectorFamily("clickhouse", newClickHouseConnector)
	RegisterConnectorFamily("tcp", newClickHouseConnector)
}

// clickhouseConnector opens native-protocol connections to a ClickHouse
// server. Each pooled handle is its own single-connection client so slot
// ownership stays with the engine's arena.
type clickhouseConnector struct {
	opts *clickhouse.Options
}

func newClickHouseConnector(dsn string, cfg PoolConfig) (Connector, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, newEngineError(ErrorKindConfiguration, "invalid clickhouse connection URL", err)
	}

	opts.MaxOpenConns = 1
	opts.MaxIdleConns = 1
	if cfg.MaxConnLifetime > 0 {
		opts.ConnMaxLifetime = 2 * cfg.MaxConnLifetime
	} else {
		opts.ConnMaxLifetime = time.Hour
	}

	return &clickhouseConnector{opts: opts}, nil
}

func (c *clickhouseConnector) Family() string { return "clickhouse" }

func (c *clickhouseConnector) Open(ctx context.Context) (Conn, error) {
	conn, err := clickhouse.Open(c.opts)
	if err != nil {
		return nil, err
	}
	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return &clickhouseConn{conn: conn}, nil
}

func (c *clickhouseConnector) Close() error {
	return nil
}

// clickhouseConn adapts one driver.Conn to the Conn contract.
type clickhouseConn struct {
	conn driver.Conn
}

func (c *clickhouseConn) Ping(ctx context.Context) error {
	return c.conn.Ping(ctx)
}

func (c *clickhouseConn) Query(ctx context.Context, stmt string, args ...any) (*ResultTree, error) {
	rows, err := c.conn.Query(ctx, stmt, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols := rows.Columns()
	tree := &ResultTree{Columns: cols}
	types := rows.ColumnTypes()

	for rows.Next() {
		values := make([]any, len(cols))
		for i := range values {
			values[i] = newScanTarget(types[i])
		}
		if err := rows.Scan(values...); err != nil {
			return nil, err
		}
		row := make([]any, len(values))
		for i, v := range values {
			row[i] = derefScanTarget(v)
		}
		tree.Rows = append(tree.Rows, row)
	}
	return tree, rows.Err()
}

func (c *clickhouseConn) Exec(ctx context.Context, stmt string, args ...any) (int64, error) {
	if err := c.conn.Exec(ctx, stmt, args...); err != nil {
		return 0, err
	}
	// The native protocol does not report affected rows for DDL/inserts.
	return 0, nil
}

func (c *clickhouseConn) Begin(ctx context.Context) (Tx, error) {
	return nil, newEngineError(ErrorKindQuery, "clickhouse does not support interactive transactions", nil)
}

func (c *clickhouseConn) Close() error {
	return c.conn.Close()
}

// newScanTarget allocates a scan destination for one column based on the
// driver's declared scan type.
func newScanTarget(t driver.ColumnType) any {
	st := t.ScanType()
	if st == nil {
		var v any
		return &v
	}
	return reflect.New(st).Interface()
}

// derefScanTarget unwraps a scan destination back to its scalar value.
func derefScanTarget(v any) any {
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Pointer && !rv.IsNil() {
		return rv.Elem().Interface()
	}
	return v
}
