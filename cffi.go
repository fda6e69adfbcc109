package querybridge

/*
#include <stdlib.h>
#include <stdint.h>

// Opaque engine handle
typedef uintptr_t querybridge_engine_t;

// Token identifying an in-flight asynchronous query
typedef uint64_t querybridge_token_t;
*/
import "C"

import (
	"context"
	"encoding/json"
	"time"
	"unsafe"
)

//export querybridge_version
func querybridge_version() *C.char {
	return C.CString(Version)
}

//export querybridge_engine_new
func querybridge_engine_new(configJSON *C.char) C.querybridge_engine_t {
	if configJSON == nil {
		return 0
	}

	cfg, err := parseBoundaryConfig(C.GoString(configJSON))
	if err != nil {
		return 0
	}

	return C.querybridge_engine_t(registerEngine(NewEngine(cfg)))
}

//export querybridge_connect
func querybridge_connect(h C.querybridge_engine_t) *C.char {
	eng, ok := lookupEngine(uintptr(h))
	if !ok {
		return cBoundaryError("unknown engine handle")
	}

	if err := eng.Connect(context.Background()); err != nil {
		return C.CString(string(MarshalBoundary(err)))
	}
	return nil
}

//export querybridge_disconnect
func querybridge_disconnect(h C.querybridge_engine_t) *C.char {
	eng, ok := lookupEngine(uintptr(h))
	if !ok {
		return cBoundaryError("unknown engine handle")
	}

	if err := eng.Disconnect(context.Background()); err != nil {
		return C.CString(string(MarshalBoundary(err)))
	}
	return nil
}

// buildRequest converts boundary execute arguments to a QueryRequest.
func buildRequest(planJSON, traceID *C.char, deadlineMS C.int64_t) (QueryRequest, error) {
	plan, err := ParsePlan([]byte(C.GoString(planJSON)))
	if err != nil {
		return QueryRequest{}, err
	}

	req := QueryRequest{Plan: plan}
	if traceID != nil {
		req.TraceID = C.GoString(traceID)
	}
	if deadlineMS > 0 {
		req.Deadline = time.Duration(deadlineMS) * time.Millisecond
	}
	return req, nil
}

//export querybridge_execute
func querybridge_execute(h C.querybridge_engine_t, planJSON, traceID *C.char, deadlineMS C.int64_t) *C.char {
	eng, ok := lookupEngine(uintptr(h))
	if !ok {
		return cBoundaryError("unknown engine handle")
	}
	if planJSON == nil {
		return cBoundaryError("query descriptor is required")
	}

	req, err := buildRequest(planJSON, traceID, deadlineMS)
	if err != nil {
		return C.CString(string(MarshalBoundary(err)))
	}

	tree, err := eng.Execute(context.Background(), req)
	if err != nil {
		return C.CString(string(MarshalBoundary(err)))
	}
	return C.CString(string(MarshalBoundaryResult(tree)))
}

//export querybridge_execute_async
func querybridge_execute_async(h C.querybridge_engine_t, planJSON, traceID *C.char, deadlineMS C.int64_t) C.querybridge_token_t {
	eng, ok := lookupEngine(uintptr(h))
	if !ok || planJSON == nil {
		return 0
	}

	req, err := buildRequest(planJSON, traceID, deadlineMS)
	if err != nil {
		// Descriptor errors are still delivered through poll so the host
		// has one result path.
		p := &PendingResult{done: make(chan struct{}), err: err}
		close(p.done)
		return C.querybridge_token_t(registerPending(p))
	}

	return C.querybridge_token_t(registerPending(eng.Submit(context.Background(), req)))
}

//export querybridge_poll
func querybridge_poll(tok C.querybridge_token_t) *C.char {
	ffiMu.RLock()
	p, ok := ffiPending[uint64(tok)]
	ffiMu.RUnlock()

	if !ok {
		return cBoundaryError("unknown query token")
	}
	if !p.Ready() {
		return nil
	}

	ffiMu.Lock()
	delete(ffiPending, uint64(tok))
	ffiMu.Unlock()

	tree, err := p.Result()
	if err != nil {
		return C.CString(string(MarshalBoundary(err)))
	}
	return C.CString(string(MarshalBoundaryResult(tree)))
}

//export querybridge_metrics
func querybridge_metrics(h C.querybridge_engine_t) *C.char {
	eng, ok := lookupEngine(uintptr(h))
	if !ok {
		return nil
	}

	snap := eng.MetricsSnapshot()
	data, err := json.Marshal(snap)
	if err != nil {
		return nil
	}
	return C.CString(string(data))
}

//export querybridge_engine_free
func querybridge_engine_free(h C.querybridge_engine_t) {
	removeEngine(uintptr(h))
}

//export querybridge_string_free
func querybridge_string_free(s *C.char) {
	if s != nil {
		C.free(unsafe.Pointer(s))
	}
}

func cBoundaryError(message string) *C.char {
	return C.CString(string(MarshalBoundary(newEngineError(ErrorKindQuery, message, nil))))
}
