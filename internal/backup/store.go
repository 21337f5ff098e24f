// Package backup mirrors every applied stub to an append-only,
// date-partitioned, optionally gzip-compressed directory tree.
// Files are never mutated after creation; a SQLite manifest indexes them for
// listing and summary queries while the directory walk stays the source of
// truth for retention.
package backup

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog"

	"github.com/allaspects/meshmock/internal/model"
)

// backupVersion is embedded in every file's metadata.
const backupVersion = 1

// fileMetadata is the metadata half of a backup file.
type fileMetadata struct {
	BackupTimestamp time.Time `json:"backup_timestamp"`
	ID              string    `json:"id,omitempty"`
	Count           int       `json:"count,omitempty"`
	BackupVersion   int       `json:"backup_version"`
}

// singleFile is the on-disk form of a single-stub backup.
type singleFile struct {
	Payload  model.Stub   `json:"payload"`
	Metadata fileMetadata `json:"metadata"`
}

// batchFile is the on-disk form of a batch backup.
type batchFile struct {
	Payload  []model.Stub `json:"payload"`
	Metadata fileMetadata `json:"metadata"`
}

// Store writes and restores backup files under a root directory.
type Store struct {
	root     string
	compress bool
	manifest *Manifest
	log      zerolog.Logger
}

// NewStore creates a Store rooted at root. The manifest database lives next
// to the partitions as manifest.db.
func NewStore(root string, compress bool, logger zerolog.Logger) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("backup: create root %s: %w", root, err)
	}
	manifest, err := OpenManifest(filepath.Join(root, "manifest.db"))
	if err != nil {
		return nil, err
	}
	return &Store{root: root, compress: compress, manifest: manifest, log: logger}, nil
}

// Close closes the manifest database.
func (s *Store) Close() error {
	return s.manifest.Close()
}

// Manifest exposes the indexed listing and summary queries.
func (s *Store) Manifest() *Manifest {
	return s.manifest
}

// WriteStub appends a single-stub backup file and indexes it. The returned
// path is relative to the store root.
func (s *Store) WriteStub(stub model.Stub) (string, error) {
	now := time.Now().UTC()
	name := fmt.Sprintf("%s_%s.json", stub.ID, timestampSuffix(now))
	data, err := json.Marshal(singleFile{
		Payload: stub,
		Metadata: fileMetadata{
			BackupTimestamp: now,
			ID:              stub.ID,
			BackupVersion:   backupVersion,
		},
	})
	if err != nil {
		return "", fmt.Errorf("backup: marshalling stub: %w", err)
	}
	return s.writeFile(now, name, data, stub.ID, false, 1)
}

// WriteBatch appends a batch backup file carrying every stub in the batch.
func (s *Store) WriteBatch(stubs []model.Stub) (string, error) {
	now := time.Now().UTC()
	name := fmt.Sprintf("batch_%s.json", timestampSuffix(now))
	data, err := json.Marshal(batchFile{
		Payload: stubs,
		Metadata: fileMetadata{
			BackupTimestamp: now,
			Count:           len(stubs),
			BackupVersion:   backupVersion,
		},
	})
	if err != nil {
		return "", fmt.Errorf("backup: marshalling batch: %w", err)
	}
	return s.writeFile(now, name, data, "", true, len(stubs))
}

func (s *Store) writeFile(now time.Time, name string, data []byte, stubID string, isBatch bool, count int) (string, error) {
	dir := filepath.Join(s.root, now.Format("2006"), now.Format("01"), now.Format("02"))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("backup: create partition %s: %w", dir, err)
	}

	if s.compress {
		name += ".gz"
		compressed, err := gzipBytes(data)
		if err != nil {
			return "", fmt.Errorf("backup: compressing: %w", err)
		}
		data = compressed
	}

	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("backup: writing %s: %w", path, err)
	}

	rel, err := filepath.Rel(s.root, path)
	if err != nil {
		rel = path
	}
	if err := s.manifest.Upsert(ManifestRow{
		Path:       rel,
		StubID:     stubID,
		IsBatch:    isBatch,
		StubCount:  count,
		Bytes:      int64(len(data)),
		Compressed: s.compress,
		CreatedAt:  now,
	}); err != nil {
		// The file is the source of truth; a manifest miss only degrades
		// listing until the next sweep reconciles.
		s.log.Warn().Err(err).Str("path", rel).Msg("backup manifest upsert failed")
	}
	return rel, nil
}

// Restore reads the backup file at the given root-relative path, decompressing
// if needed, and returns the stubs it carries (one for a single file, many
// for a batch).
func (s *Store) Restore(relPath string) ([]model.Stub, error) {
	path, err := s.safePath(relPath)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("backup: reading %s: %w", relPath, err)
	}
	if strings.HasSuffix(path, ".gz") {
		data, err = gunzipBytes(data)
		if err != nil {
			return nil, fmt.Errorf("backup: decompressing %s: %w", relPath, err)
		}
	}

	if strings.HasPrefix(filepath.Base(path), "batch_") {
		var batch batchFile
		if err := json.Unmarshal(data, &batch); err != nil {
			return nil, fmt.Errorf("backup: parsing batch %s: %w", relPath, err)
		}
		return batch.Payload, nil
	}

	var single singleFile
	if err := json.Unmarshal(data, &single); err != nil {
		return nil, fmt.Errorf("backup: parsing %s: %w", relPath, err)
	}
	return []model.Stub{single.Payload}, nil
}

// Sweep walks partitions older than retentionDays, deletes their files and
// emptied directories, and reconciles the manifest. It is best-effort: an
// error on one partition does not stop the rest.
func (s *Store) Sweep(retentionDays int) (int, error) {
	if retentionDays <= 0 {
		return 0, nil
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays)
	cutoffDay := time.Date(cutoff.Year(), cutoff.Month(), cutoff.Day(), 0, 0, 0, 0, time.UTC)

	deleted := 0
	var firstErr error

	years, err := os.ReadDir(s.root)
	if err != nil {
		return 0, fmt.Errorf("backup: reading root: %w", err)
	}
	for _, y := range years {
		if !y.IsDir() || !isNumeric(y.Name()) {
			continue
		}
		months, err := os.ReadDir(filepath.Join(s.root, y.Name()))
		if err != nil {
			continue
		}
		for _, mo := range months {
			if !mo.IsDir() || !isNumeric(mo.Name()) {
				continue
			}
			days, err := os.ReadDir(filepath.Join(s.root, y.Name(), mo.Name()))
			if err != nil {
				continue
			}
			for _, d := range days {
				if !d.IsDir() || !isNumeric(d.Name()) {
					continue
				}
				day, err := time.Parse("2006/01/02", y.Name()+"/"+mo.Name()+"/"+d.Name())
				if err != nil || !day.Before(cutoffDay) {
					continue
				}
				dir := filepath.Join(s.root, y.Name(), mo.Name(), d.Name())
				n, err := s.deletePartition(dir)
				deleted += n
				if err != nil && firstErr == nil {
					firstErr = err
				}
			}
			removeIfEmpty(filepath.Join(s.root, y.Name(), mo.Name()))
		}
		removeIfEmpty(filepath.Join(s.root, y.Name()))
	}
	return deleted, firstErr
}

func (s *Store) deletePartition(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("backup: reading partition %s: %w", dir, err)
	}
	deleted := 0
	var firstErr error
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		path := filepath.Join(dir, e.Name())
		if err := os.Remove(path); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		deleted++
		if rel, err := filepath.Rel(s.root, path); err == nil {
			if err := s.manifest.Delete(rel); err != nil {
				s.log.Warn().Err(err).Str("path", rel).Msg("backup manifest delete failed")
			}
		}
	}
	removeIfEmpty(dir)
	return deleted, firstErr
}

// List returns indexed backups, optionally filtered by stub id and a trailing
// day window.
func (s *Store) List(stubID string, days int) ([]ManifestRow, error) {
	return s.manifest.List(stubID, days)
}

// Summary rolls up the manifest.
func (s *Store) Summary() (model.BackupSummary, error) {
	return s.manifest.Summary()
}

// safePath resolves a root-relative backup path, rejecting escapes from the
// store root.
func (s *Store) safePath(relPath string) (string, error) {
	clean := filepath.Clean(relPath)
	if filepath.IsAbs(clean) || strings.HasPrefix(clean, "..") {
		return "", fmt.Errorf("backup: invalid path %q", relPath)
	}
	return filepath.Join(s.root, clean), nil
}

// timestampSuffix formats HHMMSS_microseconds, the per-file uniqueness key
// within a day partition.
func timestampSuffix(t time.Time) string {
	return fmt.Sprintf("%s_%06d", t.Format("150405"), t.Nanosecond()/1000)
}

func gzipBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gunzipBytes(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

func isNumeric(s string) bool {
	if s == "" {
		return false
	}
	_, err := strconv.Atoi(s)
	return err == nil
}

func removeIfEmpty(dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil || len(entries) > 0 {
		return
	}
	_ = os.Remove(dir)
}