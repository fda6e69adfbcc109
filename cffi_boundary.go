package querybridge

import (
	"encoding/json"
	"sync"
	"time"
)

// Version is the querybridge library version.
const Version = "0.3.0"

// FFI handle registry
var (
	ffiEngines = make(map[uintptr]*Engine)
	ffiPending = make(map[uint64]*PendingResult)
	ffiMu      sync.RWMutex
	ffiNextID  uintptr = 1
	ffiNextTok uint64  = 1
)

func registerEngine(e *Engine) uintptr {
	ffiMu.Lock()
	defer ffiMu.Unlock()

	h := ffiNextID
	ffiNextID++
	ffiEngines[h] = e
	return h
}

func lookupEngine(h uintptr) (*Engine, bool) {
	ffiMu.RLock()
	defer ffiMu.RUnlock()

	e, ok := ffiEngines[h]
	return e, ok
}

func removeEngine(h uintptr) {
	ffiMu.Lock()
	defer ffiMu.Unlock()

	delete(ffiEngines, h)
}

// boundaryConfig is the JSON configuration shape accepted across the FFI.
type boundaryConfig struct {
	URL            string `json:"url"`
	Family         string `json:"family,omitempty"`
	MaxConnections int    `json:"max_connections,omitempty"`
	MinConnections int    `json:"min_connections,omitempty"`
	AcquireTimeout int64  `json:"acquire_timeout_ms,omitempty"`
	QueryTimeout   int64  `json:"query_timeout_ms,omitempty"`
	GracePeriod    int64  `json:"grace_period_ms,omitempty"`

	SchemaInline string `json:"schema_inline,omitempty"`
	SchemaPath   string `json:"schema_path,omitempty"`
	SchemaURL    string `json:"schema_url,omitempty"`
	SchemaStrict bool   `json:"schema_strict,omitempty"`

	TelemetryEnabled bool   `json:"telemetry_enabled,omitempty"`
	CollectorURL     string `json:"collector_url,omitempty"`
	RemoteWriteURL   string `json:"remote_write_url,omitempty"`
}

// parseBoundaryConfig decodes a host configuration document into a Config.
func parseBoundaryConfig(doc string) (Config, error) {
	var bc boundaryConfig
	if err := json.Unmarshal([]byte(doc), &bc); err != nil {
		return Config{}, newEngineError(ErrorKindConfiguration, "cannot parse configuration", err)
	}

	cfg := DefaultConfig(bc.URL)
	cfg.Family = bc.Family
	if bc.MaxConnections > 0 {
		cfg.Pool.MaxConnections = bc.MaxConnections
	}
	if bc.MinConnections > 0 {
		cfg.Pool.MinConnections = bc.MinConnections
	}
	if bc.AcquireTimeout > 0 {
		cfg.Pool.AcquireTimeout = time.Duration(bc.AcquireTimeout) * time.Millisecond
	}
	if bc.QueryTimeout > 0 {
		cfg.Query.DefaultTimeout = time.Duration(bc.QueryTimeout) * time.Millisecond
	}
	if bc.GracePeriod > 0 {
		cfg.Drain.GracePeriod = time.Duration(bc.GracePeriod) * time.Millisecond
	}
	cfg.Schema = SchemaConfig{
		Inline: bc.SchemaInline,
		Path:   bc.SchemaPath,
		URL:    bc.SchemaURL,
		Strict: bc.SchemaStrict,
	}
	cfg.Telemetry.Enabled = bc.TelemetryEnabled
	cfg.Telemetry.CollectorURL = bc.CollectorURL
	cfg.Telemetry.RemoteWriteURL = bc.RemoteWriteURL
	cfg.normalize()
	return cfg, nil
}

func registerPending(p *PendingResult) uint64 {
	ffiMu.Lock()
	defer ffiMu.Unlock()

	tok := ffiNextTok
	ffiNextTok++
	ffiPending[tok] = p
	return tok
}

// GenerateCHeader generates the C header file content for the FFI.
func GenerateCHeader() string {
	return `/*
 * querybridge embeddable query engine C/FFI interface
 * Auto-generated header file
 *
 * Usage:
 *   1. Build as a shared library: go build -buildmode=c-shared -o libquerybridge.so
 *   2. Include this header in your host runtime glue
 *   3. Link against libquerybridge.so
 *
 * All returned strings are JSON documents owned by the caller; free them
 * with querybridge_string_free. Errors are {"kind","message","meta"}.
 */

#ifndef QUERYBRIDGE_H
#define QUERYBRIDGE_H

#include <stdlib.h>
#include <stdint.h>

#ifdef __cplusplus
extern "C" {
#endif

/* Opaque engine handle */
typedef uintptr_t querybridge_engine_t;

/* Token identifying an in-flight asynchronous query */
typedef uint64_t querybridge_token_t;

/* Library version string; free with querybridge_string_free. */
char* querybridge_version(void);

/*
 * Build an engine from a JSON configuration document.
 * Returns 0 when the document cannot be parsed.
 * The engine is not connected yet; call querybridge_connect.
 */
querybridge_engine_t querybridge_engine_new(const char* config_json);

/* Returns NULL on success, an error JSON document otherwise. */
char* querybridge_connect(querybridge_engine_t engine);

/* Drains in-flight queries and tears down the pool.
 * Returns NULL on success, an error JSON document otherwise. */
char* querybridge_disconnect(querybridge_engine_t engine);

/*
 * Execute a query and wait for its result.
 * plan_json: structured plan document, or opaque raw statement text.
 * trace_id:  optional; generated when NULL.
 * deadline_ms: optional per-request deadline; 0 uses the engine default.
 * Returns {"data":...} or an error document.
 */
char* querybridge_execute(querybridge_engine_t engine, const char* plan_json,
                          const char* trace_id, int64_t deadline_ms);

/*
 * Submit a query without blocking the calling thread.
 * Returns a token to poll, or 0 when the engine handle is invalid.
 */
querybridge_token_t querybridge_execute_async(querybridge_engine_t engine,
                                              const char* plan_json,
                                              const char* trace_id,
                                              int64_t deadline_ms);

/*
 * Claim the result of an asynchronous query.
 * Returns NULL while the query is still running; afterwards returns the
 * result or error document exactly once and invalidates the token.
 */
char* querybridge_poll(querybridge_token_t token);

/* Metrics snapshot as a JSON document; safe in any engine state. */
char* querybridge_metrics(querybridge_engine_t engine);

/* Drop the engine handle. Does not disconnect first. */
void querybridge_engine_free(querybridge_engine_t engine);

/* Free any string returned by this library. */
void querybridge_string_free(char* s);

#ifdef __cplusplus
}
#endif

#endif /* QUERYBRIDGE_H */
`
}
