package otel_test

import (
	"testing"
	"time"

	"github.com/olcf/containerbuilder/internal/mock"
	"github.com/olcf/containerbuilder/pkg/otel"
	"github.com/stretchr/testify/require"

	"go.opentelemetry.io/otel/sdk/trace"

	"go.uber.org/mock/gomock"
)

func TestMaximumRateSampler(t *testing.T) {
	ctrl := gomock.NewController(t)

	clock := mock.NewMockClock(ctrl)
	sampler := otel.NewMaximumRateSampler(clock, 3, time.Minute)
	require.Equal(t, "MaximumRateSampler{3/1m0s}", sampler.Description())
	decide := func() trace.SamplingDecision {
		return sampler.ShouldSample(trace.SamplingParameters{}).Decision
	}

	// The first request opens an epoch lasting until t = 1060,
	// permitting three builds to be traced.
	clock.EXPECT().Now().Return(time.Unix(1000, 0))
	require.Equal(t, trace.RecordAndSample, decide())
	require.Equal(t, trace.RecordAndSample, decide())
	require.Equal(t, trace.RecordAndSample, decide())

	clock.EXPECT().Now().Return(time.Unix(1030, 0))
	require.Equal(t, trace.Drop, decide())
	clock.EXPECT().Now().Return(time.Unix(1059, 0))
	require.Equal(t, trace.Drop, decide())

	// After an idle period, the next epoch starts at the time of
	// the request, without making up for the samples that were
	// not taken in the meantime.
	clock.EXPECT().Now().Return(time.Unix(1300, 0))
	require.Equal(t, trace.RecordAndSample, decide())
	require.Equal(t, trace.RecordAndSample, decide())
	require.Equal(t, trace.RecordAndSample, decide())
	clock.EXPECT().Now().Return(time.Unix(1359, 0))
	require.Equal(t, trace.Drop, decide())
}

func TestMaximumRateSamplerZeroSamples(t *testing.T) {
	ctrl := gomock.NewController(t)

	clock := mock.NewMockClock(ctrl)
	sampler := otel.NewMaximumRateSampler(clock, 0, time.Second)

	clock.EXPECT().Now().Return(time.Unix(1000, 0))
	require.Equal(t, trace.Drop, sampler.ShouldSample(trace.SamplingParameters{}).Decision)
	clock.EXPECT().Now().Return(time.Unix(1001, 0))
	require.Equal(t, trace.Drop, sampler.ShouldSample(trace.SamplingParameters{}).Decision)
}
