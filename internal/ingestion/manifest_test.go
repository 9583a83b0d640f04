package ingestion

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/memoria/memcore/internal/errs"
)

func validManifest() Manifest {
	return Manifest{
		UploadID:   "up-1",
		UploadedAt: time.Now(),
		Count:      2,
		Checksum:   "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef",
		Files:      []string{"a.bin", "b.bin"},
	}
}

func TestManifestValidateAccepts(t *testing.T) {
	assert.NoError(t, validManifest().Validate())
}

func TestManifestValidateRejectsBadChecksum(t *testing.T) {
	m := validManifest()
	m.Checksum = "not-hex"
	err := m.Validate()
	assert.True(t, errs.Is(err, errs.KindValidation))
}

func TestManifestValidateRejectsCountMismatch(t *testing.T) {
	m := validManifest()
	m.Count = 5
	assert.True(t, errs.Is(m.Validate(), errs.KindValidation))
}

func TestManifestValidateRejectsPathTraversal(t *testing.T) {
	m := validManifest()
	m.Files = []string{"../etc/passwd"}
	m.Count = 1
	assert.True(t, errs.Is(m.Validate(), errs.KindValidation))
}

func TestManifestValidateRejectsAbsolutePath(t *testing.T) {
	m := validManifest()
	m.Files = []string{"/abs/path"}
	m.Count = 1
	assert.True(t, errs.Is(m.Validate(), errs.KindValidation))
}

func TestManifestValidateRejectsOutOfRangeCount(t *testing.T) {
	m := validManifest()
	m.Count = -1
	assert.True(t, errs.Is(m.Validate(), errs.KindValidation))
}
