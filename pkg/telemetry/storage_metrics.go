package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

// StorageMetrics holds the instruments recorded by the storage engine.
type StorageMetrics struct {
	PagesRead       metric.Int64Counter
	PagesWritten    metric.Int64Counter
	Syncs           metric.Int64Counter
	CacheHits       metric.Int64Counter
	CacheMisses     metric.Int64Counter
	Commits         metric.Int64Counter
	Rollbacks       metric.Int64Counter
	Checkpoints     metric.Int64Counter
	CheckpointPages metric.Int64Counter
	LockTimeouts    metric.Int64Counter
	LockWait        metric.Float64Histogram

	Tracer trace.Tracer
}

// NewStorageMetrics creates and registers the storage instruments.
func NewStorageMetrics(meter metric.Meter, tracer trace.Tracer) (*StorageMetrics, error) {
	m := &StorageMetrics{Tracer: tracer}
	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.PagesRead, "gojolite.disk.pages_read_total", "Pages read from disk, by file."},
		{&m.PagesWritten, "gojolite.disk.pages_written_total", "Pages written to disk, by file."},
		{&m.Syncs, "gojolite.disk.syncs_total", "File flushes to stable storage, by file."},
		{&m.CacheHits, "gojolite.cache.hits_total", "Page reads served from the page cache."},
		{&m.CacheMisses, "gojolite.cache.misses_total", "Page reads that went to disk."},
		{&m.Commits, "gojolite.transaction.commits_total", "Committed transactions."},
		{&m.Rollbacks, "gojolite.transaction.rollbacks_total", "Rolled back transactions."},
		{&m.Checkpoints, "gojolite.wal.checkpoints_total", "Completed checkpoints."},
		{&m.CheckpointPages, "gojolite.wal.checkpoint_pages_total", "Pages copied from the log into the data file."},
		{&m.LockTimeouts, "gojolite.lock.timeouts_total", "Lock acquisitions that timed out."},
	}
	for _, c := range counters {
		counter, err := meter.Int64Counter(c.name, metric.WithDescription(c.desc), metric.WithUnit("1"))
		if err != nil {
			return nil, err
		}
		*c.dst = counter
	}

	lockWait, err := meter.Float64Histogram(
		"gojolite.lock.wait_duration",
		metric.WithDescription("Time spent waiting for engine locks."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}
	m.LockWait = lockWait
	return m, nil
}

// NoopStorageMetrics returns instruments that record nothing.
func NoopStorageMetrics() *StorageMetrics {
	m, _ := NewStorageMetrics(noop.NewMeterProvider().Meter(""), nooptrace.NewTracerProvider().Tracer(""))
	return m
}

// OriginAttr tags page counters with the file they refer to.
func OriginAttr(origin string) metric.AddOption {
	return metric.WithAttributes(attribute.String("origin", origin))
}

// ObserveLockWait records the time spent waiting for a lock.
func (m *StorageMetrics) ObserveLockWait(ctx context.Context, lock string, start time.Time) {
	m.LockWait.Record(ctx, float64(time.Since(start).Microseconds())/1000,
		metric.WithAttributes(attribute.String("lock", lock)))
}
