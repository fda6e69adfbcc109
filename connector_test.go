package querybridge

import (
	"errors"
	"testing"
)

func TestConnectorFamilies(t *testing.T) {
	families := ConnectorFamilies()

	want := map[string]bool{"sqlite": false, "file": false, "clickhouse": false, "memory": false}
	for _, f := range families {
		if _, ok := want[f]; ok {
			want[f] = true
		}
	}
	for f, seen := range want {
		if !seen {
			t.Errorf("family %q not registered", f)
		}
	}

	for i := 1; i < len(families); i++ {
		if families[i-1] >= families[i] {
			t.Fatalf("families not sorted: %v", families)
		}
	}
}

func TestRegisterConnectorFamilyDuplicatePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("duplicate registration should panic")
		}
	}()
	RegisterConnectorFamily("memory", func(dsn string, cfg PoolConfig) (Connector, error) {
		return nil, nil
	})
}

func TestNewConnectorUnknownFamily(t *testing.T) {
	_, err := newConnector("oracle", "oracle://host", PoolConfig{})
	var engineErr *EngineError
	if !errors.As(err, &engineErr) || engineErr.Kind != ErrorKindConfiguration {
		t.Errorf("unknown family should be a configuration error, got %v", err)
	}
}

func TestTranslateConnectorErr(t *testing.T) {
	var cfgErr error = newEngineError(ErrorKindConfiguration, "bad dsn", nil)
	if got := translateConnectorErr(cfgErr); got != cfgErr {
		t.Error("engine errors should pass through untouched")
	}

	raw := errors.New("dial tcp: connection refused")
	var engineErr *EngineError
	if !errors.As(translateConnectorErr(raw), &engineErr) || engineErr.Kind != ErrorKindConnection {
		t.Error("raw connector failures should become connection errors")
	}
}
