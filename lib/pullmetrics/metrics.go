// Package pullmetrics holds the optional OpenTelemetry instruments for the
// pull path. Grounded on the teacher's lib/images.Metrics gating pattern:
// a nil *Metrics makes every Record* call a no-op, so a caller that hasn't
// wired a Meter pays nothing for telemetry.
package pullmetrics

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the pull path's metrics instruments.
type Metrics struct {
	bytesDownloaded metric.Int64Counter
	cacheHits       metric.Int64Counter
	pullDuration    metric.Float64Histogram
}

// New creates and registers the pull path's metrics instruments against
// meter. A nil meter yields a nil *Metrics, which every method below treats
// as "telemetry disabled".
func New(meter metric.Meter) (*Metrics, error) {
	if meter == nil {
		return nil, nil
	}

	bytesDownloaded, err := meter.Int64Counter(
		"lumepull_bytes_downloaded_total",
		metric.WithDescription("Total bytes downloaded from registries"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}

	cacheHits, err := meter.Int64Counter(
		"lumepull_cache_hits_total",
		metric.WithDescription("Total pulls satisfied from the local cache"),
	)
	if err != nil {
		return nil, err
	}

	pullDuration, err := meter.Float64Histogram(
		"lumepull_pull_duration_seconds",
		metric.WithDescription("Wall-clock time to complete a pull"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		bytesDownloaded: bytesDownloaded,
		cacheHits:       cacheHits,
		pullDuration:    pullDuration,
	}, nil
}

// StartTimer returns the current time for a later RecordDuration call, or
// the zero Time if m is nil.
func (m *Metrics) StartTimer() time.Time {
	if m == nil {
		return time.Time{}
	}
	return time.Now()
}

// RecordDuration records the elapsed time since start.
func (m *Metrics) RecordDuration(start time.Time) {
	if m == nil || start.IsZero() {
		return
	}
	m.pullDuration.Record(context.Background(), time.Since(start).Seconds())
}

// RecordBytesDownloaded adds delta to the bytes-downloaded counter.
func (m *Metrics) RecordBytesDownloaded(delta int64) {
	if m == nil {
		return
	}
	m.bytesDownloaded.Add(context.Background(), delta)
}

// RecordCacheHit increments the cache-hit counter.
func (m *Metrics) RecordCacheHit() {
	if m == nil {
		return
	}
	m.cacheHits.Add(context.Background(), 1)
}
