package vectorindex

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memoria/memcore/internal/record"
)

type fakeSource map[string][record.EmbeddingDim]float32

func (f fakeSource) Vector(id string) ([record.EmbeddingDim]float32, bool) {
	v, ok := f[id]
	return v, ok
}

func vecAt(first float32) [record.EmbeddingDim]float32 {
	var v [record.EmbeddingDim]float32
	v[0] = first
	return v
}

func TestSearchBeforeBuildReturnsNil(t *testing.T) {
	ix := New()
	assert.Nil(t, ix.Search(vecAt(1), 5))
	assert.False(t, ix.Ready())
}

func TestBuildThenSearchFindsClosestVector(t *testing.T) {
	src := fakeSource{}
	ids := make([]string, 0, 20)
	for i := 0; i < 20; i++ {
		id := fmt.Sprintf("r%d", i)
		v := vecAt(1)
		v[1] = float32(i)
		src[id] = v
		ids = append(ids, id)
	}

	ix := New()
	ix.Build(ids, src)
	require.True(t, ix.Ready())

	results := ix.Search(src["r19"], 3)
	require.NotEmpty(t, results)
	assert.Equal(t, "r19", results[0].RecordID)
}

func TestBuildResetsInsertsSinceCounter(t *testing.T) {
	ix := New()
	ix.RecordInsert()
	ix.RecordInsert()
	assert.Equal(t, int64(2), ix.InsertsSinceBuild())

	ix.Build(nil, fakeSource{})
	assert.Equal(t, int64(0), ix.InsertsSinceBuild())
}

func TestSearchSkipsRecordsMissingFromSource(t *testing.T) {
	src := fakeSource{"r1": vecAt(1)}
	ix := New()
	ix.Build([]string{"r1"}, src)

	results := ix.Search(vecAt(1), 5)
	require.Len(t, results, 1)
	assert.Equal(t, "r1", results[0].RecordID)
}
