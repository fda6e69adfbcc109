package querybridge

import (
	"bytes"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/golang/snappy"
	"github.com/prometheus/prometheus/prompb"
)

// metricsPublisher pushes engine metric snapshots to a Prometheus
// remote-write endpoint on a fixed interval. Best-effort: failed pushes are
// logged and skipped.
type metricsPublisher struct {
	url      string
	interval time.Duration
	client   *http.Client
	logger   *slog.Logger
	source   func() MetricsSnapshot

	done chan struct{}
	wg   sync.WaitGroup
}

func newMetricsPublisher(cfg TelemetryConfig, logger *slog.Logger, source func() MetricsSnapshot) *metricsPublisher {
	p := &metricsPublisher{
		url:      cfg.RemoteWriteURL,
		interval: cfg.FlushInterval,
		client:   &http.Client{Timeout: cfg.WriteTimeout},
		logger:   logger,
		source:   source,
		done:     make(chan struct{}),
	}
	p.wg.Add(1)
	go p.loop()
	return p
}

func (p *metricsPublisher) stop() {
	close(p.done)
	p.wg.Wait()
}

func (p *metricsPublisher) loop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			if err := p.push(p.source()); err != nil {
				p.logger.Debug("metrics remote write failed", "err", err)
			}
		}
	}
}

// push converts a snapshot to a remote-write request body and POSTs it.
func (p *metricsPublisher) push(snap MetricsSnapshot) error {
	req := snapshotToWriteRequest(snap)

	raw, err := req.Marshal()
	if err != nil {
		return err
	}
	body := snappy.Encode(nil, raw)

	httpReq, err := http.NewRequest(http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/x-protobuf")
	httpReq.Header.Set("Content-Encoding", "snappy")
	httpReq.Header.Set("X-Prometheus-Remote-Write-Version", "0.1.0")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("remote write returned %d", resp.StatusCode)
	}
	return nil
}

// snapshotToWriteRequest maps snapshot counters to remote-write series
// labelled by engine family.
func snapshotToWriteRequest(snap MetricsSnapshot) *prompb.WriteRequest {
	ts := snap.Timestamp / int64(time.Millisecond)

	series := []struct {
		name  string
		value float64
	}{
		{"querybridge_connects_total", float64(snap.Connects)},
		{"querybridge_disconnects_total", float64(snap.Disconnects)},
		{"querybridge_queries_started_total", float64(snap.QueriesStarted)},
		{"querybridge_queries_succeeded_total", float64(snap.QueriesSucceeded)},
		{"querybridge_queries_failed_total", float64(snap.QueriesFailed)},
		{"querybridge_queries_cancelled_total", float64(snap.QueriesCancelled)},
		{"querybridge_queries_in_flight", float64(snap.InFlight)},
		{"querybridge_pool_in_use", float64(snap.PoolInUse)},
		{"querybridge_pool_open", float64(snap.PoolOpen)},
		{"querybridge_handles_replaced_total", float64(snap.HandlesReplaced)},
	}

	req := &prompb.WriteRequest{Timeseries: make([]prompb.TimeSeries, 0, len(series))}
	for _, s := range series {
		labels := []prompb.Label{
			{Name: "__name__", Value: s.name},
		}
		if snap.Family != "" {
			labels = append(labels, prompb.Label{Name: "family", Value: snap.Family})
		}
		req.Timeseries = append(req.Timeseries, prompb.TimeSeries{
			Labels:  labels,
			Samples: []prompb.Sample{{Value: s.value, Timestamp: ts}},
		})
	}
	return req
}
