package analytics

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAnalyzeTrendIncreasing(t *testing.T) {
	var samples []Sample
	for i := 0; i < 20; i++ {
		samples = append(samples, Sample{TimestampUnix: float64(i), Value: float64(i) * 10})
	}

	trend := AnalyzeTrend(samples)
	assert.Equal(t, Increasing, trend.Direction)
	assert.Greater(t, trend.Strength, 0.9)
	assert.Greater(t, trend.Slope, 0.0)
}

func TestAnalyzeTrendStableFlat(t *testing.T) {
	var samples []Sample
	for i := 0; i < 20; i++ {
		samples = append(samples, Sample{TimestampUnix: float64(i), Value: 100})
	}

	trend := AnalyzeTrend(samples)
	assert.Equal(t, Stable, trend.Direction)
}

func TestAnalyzeTrendTooFewSamples(t *testing.T) {
	trend := AnalyzeTrend([]Sample{{TimestampUnix: 1, Value: 1}})
	assert.Equal(t, Stable, trend.Direction)
	assert.Equal(t, 0.0, trend.Strength)
}

func TestDetectAnomaliesFlagsOutlier(t *testing.T) {
	var samples []Sample
	for i := 0; i < 50; i++ {
		samples = append(samples, Sample{TimestampUnix: float64(i), Value: 10})
	}
	samples = append(samples, Sample{TimestampUnix: 50, Value: 1000})

	anomalies := DetectAnomalies(samples, DefaultAnomalyThreshold)
	if assert.Len(t, anomalies, 1) {
		assert.Equal(t, len(samples)-1, anomalies[0].Index)
	}
}

func TestDetectAnomaliesZeroVarianceReturnsNone(t *testing.T) {
	var samples []Sample
	for i := 0; i < 10; i++ {
		samples = append(samples, Sample{TimestampUnix: float64(i), Value: 42})
	}

	anomalies := DetectAnomalies(samples, DefaultAnomalyThreshold)
	assert.Nil(t, anomalies)
}

func TestDetectAnomaliesEmptyInput(t *testing.T) {
	assert.Nil(t, DetectAnomalies(nil, DefaultAnomalyThreshold))
}

func TestCorrelateSystemsFindsStrongPositiveCorrelation(t *testing.T) {
	bySystem := make(map[string][]Sample)
	var a, b []Sample
	for i := 0; i < 60; i++ {
		ts := float64(i * 10)
		a = append(a, Sample{TimestampUnix: ts, Value: float64(i)})
		b = append(b, Sample{TimestampUnix: ts, Value: float64(i) * 2})
	}
	bySystem["sys-a"] = a
	bySystem["sys-b"] = b

	pairs := CorrelateSystems(bySystem, 10)
	if assert.Len(t, pairs, 1) {
		assert.InDelta(t, 1.0, pairs[0].R, 0.01)
		assert.Less(t, pairs[0].PValue, 0.05)
	}
}

func TestCorrelateSystemsSkipsSparseSystems(t *testing.T) {
	bySystem := map[string][]Sample{
		"sys-a": {{TimestampUnix: 0, Value: 1}, {TimestampUnix: 1, Value: 2}},
		"sys-b": {{TimestampUnix: 0, Value: 1}, {TimestampUnix: 1, Value: 2}},
	}

	pairs := CorrelateSystems(bySystem, 1)
	assert.Empty(t, pairs)
}
