package analytics

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRingBufferWrapAround(t *testing.T) {
	buf := NewRingBuffer(3)

	buf.Push(Sample{TimestampUnix: 1, Value: 10})
	buf.Push(Sample{TimestampUnix: 2, Value: 20})
	assert.Len(t, buf.Snapshot(), 2)

	// Fill past capacity: oldest entries should be overwritten.
	buf.Push(Sample{TimestampUnix: 3, Value: 30})
	buf.Push(Sample{TimestampUnix: 4, Value: 40})
	buf.Push(Sample{TimestampUnix: 5, Value: 50})

	snap := buf.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, []Sample{
		{TimestampUnix: 3, Value: 30},
		{TimestampUnix: 4, Value: 40},
		{TimestampUnix: 5, Value: 50},
	}, snap)
}

func TestRingBufferDefaultCapacity(t *testing.T) {
	buf := NewRingBuffer(0)
	assert.Equal(t, DefaultWindow, buf.capacity)
}

func TestRegistryRecordCreatesBuffer(t *testing.T) {
	reg := NewRegistry(100)

	_, ok := reg.Buffer("hit_rate", "sys-1")
	assert.False(t, ok)

	reg.Record("hit_rate", "sys-1", Sample{TimestampUnix: 1, Value: 0.9})
	buf, ok := reg.Buffer("hit_rate", "sys-1")
	require.True(t, ok)
	assert.Len(t, buf.Snapshot(), 1)
}

func TestRegistrySystemsForMetric(t *testing.T) {
	reg := NewRegistry(100)
	reg.Record("hit_rate", "sys-1", Sample{TimestampUnix: 1, Value: 1})
	reg.Record("hit_rate", "sys-2", Sample{TimestampUnix: 1, Value: 1})
	reg.Record("latency", "sys-3", Sample{TimestampUnix: 1, Value: 1})

	systems := reg.SystemsForMetric("hit_rate")
	assert.ElementsMatch(t, []string{"sys-1", "sys-2"}, systems)
}
