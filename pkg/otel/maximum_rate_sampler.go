// Package otel contains OpenTelemetry building blocks that are not
// provided by the OpenTelemetry SDK itself.
package otel

import (
	"fmt"
	"sync"
	"time"

	"github.com/olcf/containerbuilder/pkg/clock"
	"github.com/prometheus/client_golang/prometheus"

	sdk_trace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

var (
	maximumRateSamplerPrometheusMetrics sync.Once

	maximumRateSamplerDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "containerbuilder",
			Subsystem: "tracing",
			Name:      "maximum_rate_sampler_decisions_total",
			Help:      "Number of sampling decisions made by the maximum rate sampler.",
		},
		[]string{"decision"})
	maximumRateSamplerDecisionsSampled = maximumRateSamplerDecisions.WithLabelValues("RecordAndSample")
	maximumRateSamplerDecisionsDropped = maximumRateSamplerDecisions.WithLabelValues("Drop")
)

type maximumRateSampler struct {
	clock           clock.Clock
	samplesPerEpoch int
	epochDuration   time.Duration

	lock             sync.Mutex
	samplesRemaining int
	epochEnd         time.Time
}

// NewMaximumRateSampler creates an OpenTelemetry Sampler that permits
// at most samplesPerEpoch traces to be started per epoch. Epochs start
// at the first sampling request after the previous epoch has ended,
// meaning that idle periods are not compensated for.
func NewMaximumRateSampler(clock clock.Clock, samplesPerEpoch int, epochDuration time.Duration) sdk_trace.Sampler {
	maximumRateSamplerPrometheusMetrics.Do(func() {
		prometheus.MustRegister(maximumRateSamplerDecisions)
	})

	return &maximumRateSampler{
		clock:           clock,
		samplesPerEpoch: samplesPerEpoch,
		epochDuration:   epochDuration,
	}
}

func (s *maximumRateSampler) sample() bool {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.samplesRemaining == 0 {
		now := s.clock.Now()
		if now.Before(s.epochEnd) {
			return false
		}
		s.samplesRemaining = s.samplesPerEpoch
		s.epochEnd = now.Add(s.epochDuration)
		if s.samplesRemaining <= 0 {
			return false
		}
	}
	s.samplesRemaining--
	return true
}

func (s *maximumRateSampler) ShouldSample(p sdk_trace.SamplingParameters) sdk_trace.SamplingResult {
	result := sdk_trace.SamplingResult{
		Decision:   sdk_trace.Drop,
		Tracestate: trace.SpanContextFromContext(p.ParentContext).TraceState(),
	}
	if s.sample() {
		result.Decision = sdk_trace.RecordAndSample
		maximumRateSamplerDecisionsSampled.Inc()
	} else {
		maximumRateSamplerDecisionsDropped.Inc()
	}
	return result
}

func (s *maximumRateSampler) Description() string {
	return fmt.Sprintf("MaximumRateSampler{%d/%s}", s.samplesPerEpoch, s.epochDuration)
}
