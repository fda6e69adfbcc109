package querybridge

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/golang/snappy"
	"github.com/gorilla/websocket"
)

// WebSocketSink streams span events to an external collector over a
// WebSocket connection. Frames are snappy-compressed JSON. Delivery is
// best-effort: events are dropped when the collector cannot keep up, and a
// broken connection is redialed lazily.
type WebSocketSink struct {
	url          string
	writeTimeout time.Duration
	logger       *slog.Logger

	events chan SpanEvent
	done   chan struct{}
	wg     sync.WaitGroup

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewWebSocketSink creates a sink streaming to the given ws:// or wss:// URL.
func NewWebSocketSink(cfg TelemetryConfig, logger *slog.Logger) *WebSocketSink {
	s := &WebSocketSink{
		url:          cfg.CollectorURL,
		writeTimeout: cfg.WriteTimeout,
		logger:       logger,
		events:       make(chan SpanEvent, cfg.BufferSize),
		done:         make(chan struct{}),
	}
	s.wg.Add(1)
	go s.writeLoop()
	return s
}

// Emit queues an event, dropping it when the buffer is full.
func (s *WebSocketSink) Emit(ev SpanEvent) {
	select {
	case s.events <- ev:
	default:
	}
}

// Close stops the writer and closes the collector connection.
func (s *WebSocketSink) Close() error {
	close(s.done)
	s.wg.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		err := s.conn.Close()
		s.conn = nil
		return err
	}
	return nil
}

func (s *WebSocketSink) writeLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.done:
			return
		case ev := <-s.events:
			if err := s.write(ev); err != nil {
				s.logger.Debug("telemetry write failed", "err", err)
				s.dropConn()
			}
		}
	}
}

func (s *WebSocketSink) write(ev SpanEvent) error {
	conn, err := s.ensureConn()
	if err != nil {
		return err
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	frame := snappy.Encode(nil, payload)

	_ = conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	return conn.WriteMessage(websocket.BinaryMessage, frame)
}

func (s *WebSocketSink) ensureConn() (*websocket.Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn != nil {
		return s.conn, nil
	}
	conn, _, err := websocket.DefaultDialer.Dial(s.url, nil)
	if err != nil {
		return nil, err
	}
	s.conn = conn
	return conn, nil
}

func (s *WebSocketSink) dropConn() {
	s.mu.Lock()
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
	s.mu.Unlock()
}
