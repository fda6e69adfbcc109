package querybridge

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Conn is one live backend connection. A Conn is exclusively owned by at most
// one in-flight query at a time; the pool enforces that ownership.
type Conn interface {
	// Ping verifies the connection is alive.
	Ping(ctx context.Context) error

	// Query runs a statement and returns its result rows.
	Query(ctx context.Context, stmt string, args ...any) (*ResultTree, error)

	// Exec runs a statement that returns no rows and reports affected rows.
	Exec(ctx context.Context, stmt string, args ...any) (int64, error)

	// Begin starts an interactive transaction on this connection. Connectors
	// without transaction support return an error translated to QueryError.
	Begin(ctx context.Context) (Tx, error)

	// Close releases the underlying connection.
	Close() error
}

// Tx is an interactive transaction pinned to one connection.
type Tx interface {
	Query(ctx context.Context, stmt string, args ...any) (*ResultTree, error)
	Exec(ctx context.Context, stmt string, args ...any) (int64, error)
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Connector opens connections to one storage backend family.
type Connector interface {
	// Family returns the connector family name for logging and stats.
	Family() string

	// Open establishes a new backend connection.
	Open(ctx context.Context) (Conn, error)

	// Close releases connector-level resources. Open connections are closed
	// by the pool, not the connector.
	Close() error
}

// ConnectorFactory builds a connector from a resolved connection string.
type ConnectorFactory func(dsn string, cfg PoolConfig) (Connector, error)

var (
	connectorFamiliesMu sync.RWMutex
	connectorFamilies   = map[string]ConnectorFactory{}
)

// RegisterConnectorFamily registers a factory for a URL scheme. Registration
// of a duplicate family panics; families are wired at init time.
func RegisterConnectorFamily(family string, factory ConnectorFactory) {
	connectorFamiliesMu.Lock()
	defer connectorFamiliesMu.Unlock()

	if _, dup := connectorFamilies[family]; dup {
		panic(fmt.Sprintf("querybridge: connector family %q registered twice", family))
	}
	connectorFamilies[family] = factory
}

// ConnectorFamilies returns the registered family names in sorted order.
func ConnectorFamilies() []string {
	connectorFamiliesMu.RLock()
	defer connectorFamiliesMu.RUnlock()

	names := make([]string, 0, len(connectorFamilies))
	for name := range connectorFamilies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// newConnector resolves a family name to a connector instance.
func newConnector(family, dsn string, cfg PoolConfig) (Connector, error) {
	connectorFamiliesMu.RLock()
	factory, ok := connectorFamilies[family]
	connectorFamiliesMu.RUnlock()

	if !ok {
		return nil, newEngineError(ErrorKindConfiguration,
			fmt.Sprintf("unknown connector family %q", family), nil)
	}

	conn, err := factory(dsn, cfg)
	if err != nil {
		return nil, translateConnectorErr(err)
	}
	return conn, nil
}

// translateConnectorErr keeps configuration failures distinguishable from
// backend reachability failures.
func translateConnectorErr(err error) error {
	var engineErr *EngineError
	if errors.As(err, &engineErr) {
		return err
	}
	return newEngineError(ErrorKindConnection, "cannot initialize connector", err)
}
