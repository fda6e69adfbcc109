// Package querybridge exposes a connection-pooled, asynchronously executing
// query engine to a foreign single-threaded host runtime.
//
// The package contains no query-planning logic of its own. It wires together
// an immutable schema context, pluggable storage connectors, and a telemetry
// sink behind a small lifecycle and dispatch API:
//
//	eng := querybridge.NewEngine(querybridge.DefaultConfig("memory://"))
//	if err := eng.Connect(ctx); err != nil { ... }
//	tree, err := eng.Execute(ctx, querybridge.QueryRequest{Plan: plan})
//	_ = eng.Disconnect(ctx)
//
// Host runtimes that embed the engine through a native extension use the
// exported C surface in cffi.go; the submit/poll pair there guarantees the
// host thread is never blocked by in-flight query work.
package querybridge
