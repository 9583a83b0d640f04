// Package ingestion implements the pull-based ingestion workers (§4.7):
// discovery of pending per-tenant uploads, manifest validation, per-record
// dedup/embed/route/insert, and the claim-table/backoff/rate-limit
// machinery that keeps multiple workers coordinated without stepping on
// each other.
package ingestion

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/memoria/memcore/internal/errs"
)

// maxManifestCount is the upper bound on a manifest's declared record
// count (§6: "count (0..1_000_000)").
const maxManifestCount = 1_000_000

var (
	checksumPattern = regexp.MustCompile(`^[a-f0-9]{64}$`)
	filenamePattern = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)
)

// Manifest is the per-upload descriptor read from
// systems/{system_id}/{date}/{upload_id}/manifest.json (§6).
type Manifest struct {
	UploadID   string    `json:"upload_id"`
	UploadedAt time.Time `json:"uploaded_at"`
	Count      int       `json:"count"`
	Checksum   string    `json:"checksum"`
	Files      []string  `json:"files"`
}

// Validate enforces §6's strict field set and §4.7's path-traversal
// rejection. A violation is always a Validation-kind error (§7, §8: "a
// manifest whose files contains '../etc/passwd' or '/abs/path' is
// rejected as Validation").
func (m Manifest) Validate() error {
	if m.UploadID == "" {
		return validationErr("upload_id is required")
	}
	if m.Count < 0 || m.Count > maxManifestCount {
		return validationErr(fmt.Sprintf("count %d out of range [0, %d]", m.Count, maxManifestCount))
	}
	if !checksumPattern.MatchString(m.Checksum) {
		return validationErr("checksum must be 64 lowercase hex characters")
	}
	if len(m.Files) != m.Count {
		return validationErr(fmt.Sprintf("declared count %d does not match %d files", m.Count, len(m.Files)))
	}
	for _, f := range m.Files {
		if err := validateFilename(f); err != nil {
			return err
		}
	}
	return nil
}

func validateFilename(f string) error {
	if strings.Contains(f, "..") {
		return validationErr(fmt.Sprintf("filename %q contains path traversal", f))
	}
	if strings.HasPrefix(f, "/") {
		return validationErr(fmt.Sprintf("filename %q is an absolute path", f))
	}
	if !filenamePattern.MatchString(f) {
		return validationErr(fmt.Sprintf("filename %q violates the allowed character set", f))
	}
	return nil
}

func validationErr(msg string) error {
	return errs.New("ingestion.Manifest.Validate", errs.KindValidation, fmt.Errorf("%s", msg))
}
