// Package coldstore implements the append-only archive of
// summaries (§4.4). Files are scoped to (year, month, shard); a reader
// only ever sees a file once it has been closed and atomically published
// (close-then-rename), matching §4.4 and §6's "Cold store files" layout.
//
// Each file holds one gob-encoded slice of rows (a row-oriented layout,
// not per-column data), zstd-compressed on Flush (github.com/klauspost/compress),
// the same compression family the wider corpus reaches for
// (kalbasit-ncps, Adithya-...-Search-Analytics-Platform) wherever bytes
// are persisted durably.
package coldstore

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/memoria/memcore/internal/record"
)

// Row is one archived record. Embeddings are never present in Cold (§3).
type Row struct {
	RecordID     string
	SystemID     string
	UltraSummary string
	Fingerprint  [16]byte
	Timestamp    time.Time
}

func rowFromRecord(r record.Cold) Row {
	return Row{
		RecordID:     r.RecordID,
		SystemID:     r.SystemID,
		UltraSummary: r.UltraSummary,
		Fingerprint:  r.Fingerprint,
		Timestamp:    r.Timestamp,
	}
}

// Store manages Cold-tier files for one shard under baseDir.
type Store struct {
	baseDir string
	shardID int

	mu      sync.Mutex // serializes appends so files aren't written concurrently
	pending map[string][]Row
}

// New returns a Cold store rooted at baseDir/cold for the given shard
// (§6: "{base}/cold/...").
func New(baseDir string, shardID int) *Store {
	return &Store{
		baseDir: filepath.Join(baseDir, "cold"),
		shardID: shardID,
		pending: make(map[string][]Row),
	}
}

func (s *Store) fileKey(t time.Time) string {
	return fmt.Sprintf("%04d-%02d-shard-%d", t.Year(), int(t.Month()), s.shardID)
}

func (s *Store) path(key string) string {
	return filepath.Join(s.baseDir, key+".zst")
}

// PendingLen reports the number of rows appended since the last Flush,
// for the storage-status surface (§4.14); Cold's durable cardinality only
// becomes observable once those rows are flushed to disk.
func (s *Store) PendingLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, rows := range s.pending {
		n += len(rows)
	}
	return n
}

// AppendBatch appends rows to the in-memory pending set for their
// (year, month) file; call Flush to durably close and publish.
// AppendBatch itself never partially fails: either every row is accepted
// or none are (§4.4's per-record atomicity applies at the batch level
// here since Cold never supports partial writes becoming visible).
func (s *Store) AppendBatch(rows []record.Cold) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range rows {
		key := s.fileKey(r.Timestamp)
		s.pending[key] = append(s.pending[key], rowFromRecord(r))
	}
	return nil
}

// Flush durably writes every pending file: existing on-disk content (if
// any) is merged with pending rows, encoded, zstd-compressed, written to a
// temp file, and renamed into place — so readers only ever observe a
// complete file (§4.4: "new file becomes visible only after close +
// rename").
func (s *Store) Flush() error {
	s.mu.Lock()
	pending := s.pending
	s.pending = make(map[string][]Row)
	s.mu.Unlock()

	if err := os.MkdirAll(s.baseDir, 0o755); err != nil {
		return fmt.Errorf("coldstore: mkdir: %w", err)
	}

	for key, rows := range pending {
		existing, err := s.readFile(key)
		if err != nil {
			return err
		}
		all := append(existing, rows...)
		if err := s.writeFileAtomic(key, all); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) writeFileAtomic(key string, rows []Row) error {
	var buf bytes.Buffer
	zw, err := zstd.NewWriter(&buf)
	if err != nil {
		return fmt.Errorf("coldstore: zstd writer: %w", err)
	}
	enc := gob.NewEncoder(zw)
	if err := enc.Encode(rows); err != nil {
		zw.Close()
		return fmt.Errorf("coldstore: encode: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("coldstore: zstd close: %w", err)
	}

	tmp := s.path(key) + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("coldstore: write temp: %w", err)
	}
	if err := os.Rename(tmp, s.path(key)); err != nil {
		return fmt.Errorf("coldstore: publish: %w", err)
	}
	return nil
}

func (s *Store) readFile(key string) ([]Row, error) {
	data, err := os.ReadFile(s.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("coldstore: read: %w", err)
	}
	zr, err := zstd.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("coldstore: zstd reader: %w", err)
	}
	defer zr.Close()

	var rows []Row
	if err := gob.NewDecoder(zr).Decode(&rows); err != nil {
		return nil, fmt.Errorf("coldstore: decode: %w", err)
	}
	return rows, nil
}

// ScanFilter reports whether a row should be included by Scan.
type ScanFilter func(Row) bool

// Scan reads every published file for this shard and returns rows
// matching filter. Cold supports no vector search (§4.4); this is the
// only read path.
func (s *Store) Scan(filter ScanFilter) ([]Row, error) {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("coldstore: readdir: %w", err)
	}

	var out []Row
	suffix := fmt.Sprintf("-shard-%d.zst", s.shardID)
	for _, e := range entries {
		if e.IsDir() || !hasSuffix(e.Name(), suffix) {
			continue
		}
		key := e.Name()[:len(e.Name())-len(".zst")]
		rows, err := s.readFile(key)
		if err != nil {
			return nil, err
		}
		for _, r := range rows {
			if filter == nil || filter(r) {
				out = append(out, r)
			}
		}
	}
	return out, nil
}

func hasSuffix(s, suffix string) bool {
	return len(s) >= len(suffix) && s[len(s)-len(suffix):] == suffix
}
