package querybridge

import (
	"time"
)

// SpanEvent is one structured telemetry record. Unlike boundary errors,
// span events may carry internal diagnostic detail; they never cross back
// to the host.
type SpanEvent struct {
	TraceID    string            `json:"trace_id"`
	Name       string            `json:"name"`
	Phase      string            `json:"phase"` // "start" or "end"
	Timestamp  int64             `json:"timestamp"`
	DurationUS int64             `json:"duration_us,omitempty"`
	Attrs      map[string]string `json:"attrs,omitempty"`
	Error      string            `json:"error,omitempty"`
}

// TelemetrySink receives span/event records emitted during dispatch.
// Delivery is best-effort; implementations must never block dispatch.
type TelemetrySink interface {
	Emit(ev SpanEvent)
	Close() error
}

// NopSink discards all events.
type NopSink struct{}

func (NopSink) Emit(SpanEvent) {}
func (NopSink) Close() error   { return nil }

// spanStart emits a start event and returns the wall-clock start time.
func spanStart(sink TelemetrySink, traceID, name string, attrs map[string]string) time.Time {
	now := time.Now()
	sink.Emit(SpanEvent{
		TraceID:   traceID,
		Name:      name,
		Phase:     "start",
		Timestamp: now.UnixNano(),
		Attrs:     attrs,
	})
	return now
}

// spanEnd emits an end event carrying duration and, on failure, the full
// internal error text.
func spanEnd(sink TelemetrySink, traceID, name string, started time.Time, err error) {
	ev := SpanEvent{
		TraceID:    traceID,
		Name:       name,
		Phase:      "end",
		Timestamp:  time.Now().UnixNano(),
		DurationUS: time.Since(started).Microseconds(),
	}
	if err != nil {
		ev.Error = err.Error()
	}
	sink.Emit(ev)
}
