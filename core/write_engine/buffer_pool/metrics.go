package bufferpool

import (
	"go.opentelemetry.io/otel/metric"
)

// poolMetrics holds the buffer pool's OpenTelemetry counters. A noop meter
// yields noop counters, so recording is always safe.
type poolMetrics struct {
	hits      metric.Int64Counter
	misses    metric.Int64Counter
	evictions metric.Int64Counter
	flushes   metric.Int64Counter
}

func newPoolMetrics(meter metric.Meter) (*poolMetrics, error) {
	hits, err := meter.Int64Counter("kagedb.bufferpool.hits",
		metric.WithDescription("Pages served from the buffer pool without disk I/O"))
	if err != nil {
		return nil, err
	}
	misses, err := meter.Int64Counter("kagedb.bufferpool.misses",
		metric.WithDescription("Pages that had to be read from disk"))
	if err != nil {
		return nil, err
	}
	evictions, err := meter.Int64Counter("kagedb.bufferpool.evictions",
		metric.WithDescription("Frames reclaimed by the replacer"))
	if err != nil {
		return nil, err
	}
	flushes, err := meter.Int64Counter("kagedb.bufferpool.flushes",
		metric.WithDescription("Page write-backs to disk"))
	if err != nil {
		return nil, err
	}
	return &poolMetrics{
		hits:      hits,
		misses:    misses,
		evictions: evictions,
		flushes:   flushes,
	}, nil
}
