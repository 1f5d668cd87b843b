package cas

import (
	"context"
	"sync"
	"time"

	"github.com/olcf/containerbuilder/pkg/clock"
	"github.com/olcf/containerbuilder/pkg/digest"
	"github.com/olcf/containerbuilder/pkg/util"
	"github.com/prometheus/client_golang/prometheus"

	"google.golang.org/grpc/status"
)

var (
	contentStorePrometheusMetrics sync.Once

	contentStoreOperationsDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "containerbuilder",
			Subsystem: "cas",
			Name:      "content_store_operations_duration_seconds",
			Help:      "Amount of time spent per operation on Content Stores, in seconds.",
			Buckets:   util.DecimalExponentialBuckets(-3, 6, 2),
		},
		[]string{"name", "operation", "grpc_code"})
	contentStoreOperationsBlobSizeBytes = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "containerbuilder",
			Subsystem: "cas",
			Name:      "content_store_operations_blob_size_bytes",
			Help:      "Size of blobs being read or written by Content Stores, in bytes.",
			Buckets:   prometheus.ExponentialBuckets(1.0, 2.0, 33),
		},
		[]string{"name", "operation"})
	contentStoreOperationsFindMissingBatchSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "containerbuilder",
			Subsystem: "cas",
			Name:      "content_store_operations_find_missing_batch_size",
			Help:      "Number of digests provided to FindMissing().",
			Buckets:   prometheus.ExponentialBuckets(1.0, 2.0, 17),
		},
		[]string{"name", "direction"})
)

type metricsContentStore struct {
	base  ContentStore
	clock clock.Clock
	name  string

	getBlobSizeBytes        prometheus.Observer
	putBlobSizeBytes        prometheus.Observer
	findMissingBatchSizeIn  prometheus.Observer
	findMissingBatchSizeOut prometheus.Observer
}

// NewMetricsContentStore creates a decorator for ContentStore that
// exposes Prometheus metrics on the number of operations performed,
// their duration and the size of the blobs transferred.
func NewMetricsContentStore(base ContentStore, clock clock.Clock, name string) ContentStore {
	contentStorePrometheusMetrics.Do(func() {
		prometheus.MustRegister(contentStoreOperationsDurationSeconds)
		prometheus.MustRegister(contentStoreOperationsBlobSizeBytes)
		prometheus.MustRegister(contentStoreOperationsFindMissingBatchSize)
	})

	return &metricsContentStore{
		base:  base,
		clock: clock,
		name:  name,

		getBlobSizeBytes:        contentStoreOperationsBlobSizeBytes.WithLabelValues(name, "Get"),
		putBlobSizeBytes:        contentStoreOperationsBlobSizeBytes.WithLabelValues(name, "Put"),
		findMissingBatchSizeIn:  contentStoreOperationsFindMissingBatchSize.WithLabelValues(name, "In"),
		findMissingBatchSizeOut: contentStoreOperationsFindMissingBatchSize.WithLabelValues(name, "Out"),
	}
}

func (cs *metricsContentStore) updateDuration(operation string, timeStart time.Time, err error) {
	contentStoreOperationsDurationSeconds.
		WithLabelValues(cs.name, operation, status.Code(err).String()).
		Observe(cs.clock.Now().Sub(timeStart).Seconds())
}

func (cs *metricsContentStore) Put(ctx context.Context, data []byte) (digest.Digest, error) {
	timeStart := cs.clock.Now()
	d, err := cs.base.Put(ctx, data)
	cs.putBlobSizeBytes.Observe(float64(len(data)))
	cs.updateDuration("Put", timeStart, err)
	return d, err
}

func (cs *metricsContentStore) Get(ctx context.Context, d digest.Digest) ([]byte, error) {
	timeStart := cs.clock.Now()
	data, err := cs.base.Get(ctx, d)
	if err == nil {
		cs.getBlobSizeBytes.Observe(float64(len(data)))
	}
	cs.updateDuration("Get", timeStart, err)
	return data, err
}

func (cs *metricsContentStore) Has(ctx context.Context, d digest.Digest) (bool, error) {
	timeStart := cs.clock.Now()
	present, err := cs.base.Has(ctx, d)
	cs.updateDuration("Has", timeStart, err)
	return present, err
}

func (cs *metricsContentStore) FindMissing(ctx context.Context, digests digest.Set) (digest.Set, error) {
	timeStart := cs.clock.Now()
	missing, err := cs.base.FindMissing(ctx, digests)
	cs.findMissingBatchSizeIn.Observe(float64(digests.Length()))
	if err == nil {
		cs.findMissingBatchSizeOut.Observe(float64(missing.Length()))
	}
	cs.updateDuration("FindMissing", timeStart, err)
	return missing, err
}

func (cs *metricsContentStore) Delete(ctx context.Context, d digest.Digest) error {
	timeStart := cs.clock.Now()
	err := cs.base.Delete(ctx, d)
	cs.updateDuration("Delete", timeStart, err)
	return err
}

func (cs *metricsContentStore) Walk(ctx context.Context, fn func(d digest.Digest) error) error {
	timeStart := cs.clock.Now()
	err := cs.base.Walk(ctx, fn)
	cs.updateDuration("Walk", timeStart, err)
	return err
}
