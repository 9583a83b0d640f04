package dedup

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignatureIsDeterministic(t *testing.T) {
	content := "the quick brown fox jumps over the lazy dog"
	assert.Equal(t, Signature(content), Signature(content))
}

func TestEstimateJaccardOfIdenticalContentIsOne(t *testing.T) {
	sig := Signature("the quick brown fox jumps over the lazy dog")
	assert.Equal(t, 1.0, EstimateJaccard(sig, sig))
}

func TestEstimateJaccardOfUnrelatedContentIsLow(t *testing.T) {
	a := Signature("the quick brown fox jumps over the lazy dog repeatedly")
	b := Signature("quantum entanglement violates local hidden variable theories")
	assert.Less(t, EstimateJaccard(a, b), 0.3)
}

func TestBestMatchFindsNearDuplicate(t *testing.T) {
	ix := NewIndex()
	base := "the quick brown fox jumps over the lazy dog near the riverbank"
	nearDup := "the quick brown fox jumps over the lazy dog near the riverbank today"

	ix.Register("r1", Signature(base))

	id, sim, ok := ix.BestMatch(Signature(nearDup))
	require.True(t, ok)
	assert.Equal(t, "r1", id)
	assert.GreaterOrEqual(t, sim, NearDuplicateThreshold)
}

func TestBestMatchReturnsFalseForDissimilarContent(t *testing.T) {
	ix := NewIndex()
	ix.Register("r1", Signature("the quick brown fox jumps over the lazy dog"))

	_, _, ok := ix.BestMatch(Signature("quantum entanglement violates local hidden variable theories"))
	assert.False(t, ok)
}

func TestRemoveDropsRecordFromCandidates(t *testing.T) {
	ix := NewIndex()
	sig := Signature("the quick brown fox jumps over the lazy dog")
	ix.Register("r1", sig)
	ix.Remove("r1")

	assert.Empty(t, ix.Candidates(sig))
}

func TestCandidatesDeduplicatesAcrossBands(t *testing.T) {
	ix := NewIndex()
	sig := Signature("the quick brown fox jumps over the lazy dog")
	ix.Register("r1", sig)

	candidates := ix.Candidates(sig)
	seen := make(map[string]bool)
	for _, id := range candidates {
		assert.False(t, seen[id], "duplicate candidate returned: %s", id)
		seen[id] = true
	}
}
