package cache

import (
	"context"
	"sync"

	"github.com/olcf/containerbuilder/pkg/layer"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	indexPrometheusMetrics sync.Once

	indexLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "containerbuilder",
			Subsystem: "cache",
			Name:      "index_lookups_total",
			Help:      "Number of step cache lookups, by result.",
		},
		[]string{"name", "result"})
	indexRecords = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "containerbuilder",
			Subsystem: "cache",
			Name:      "index_records_total",
			Help:      "Number of step cache entries recorded.",
		},
		[]string{"name"})
)

type metricsIndex struct {
	base Index

	lookupsHit   prometheus.Counter
	lookupsMiss  prometheus.Counter
	lookupsError prometheus.Counter
	records      prometheus.Counter
}

// NewMetricsIndex creates a decorator for Index that exposes
// Prometheus metrics on the number of hits and misses.
func NewMetricsIndex(base Index, name string) Index {
	indexPrometheusMetrics.Do(func() {
		prometheus.MustRegister(indexLookups)
		prometheus.MustRegister(indexRecords)
	})

	return &metricsIndex{
		base: base,

		lookupsHit:   indexLookups.WithLabelValues(name, "Hit"),
		lookupsMiss:  indexLookups.WithLabelValues(name, "Miss"),
		lookupsError: indexLookups.WithLabelValues(name, "Error"),
		records:      indexRecords.WithLabelValues(name),
	}
}

func (ix *metricsIndex) Lookup(ctx context.Context, key Key) (layer.ID, bool, error) {
	id, ok, err := ix.base.Lookup(ctx, key)
	if err != nil {
		ix.lookupsError.Inc()
	} else if ok {
		ix.lookupsHit.Inc()
	} else {
		ix.lookupsMiss.Inc()
	}
	return id, ok, err
}

func (ix *metricsIndex) Record(ctx context.Context, key Key, id layer.ID) error {
	ix.records.Inc()
	return ix.base.Record(ctx, key, id)
}
