package backup

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/allaspects/meshmock/internal/model"
)

const schemaBackups = `
CREATE TABLE IF NOT EXISTS backups (
    path TEXT PRIMARY KEY,
    stub_id TEXT NOT NULL DEFAULT '',
    is_batch INTEGER NOT NULL DEFAULT 0,
    stub_count INTEGER NOT NULL DEFAULT 1,
    bytes INTEGER NOT NULL DEFAULT 0,
    compressed INTEGER NOT NULL DEFAULT 0,
    created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_backups_stub ON backups(stub_id);
CREATE INDEX IF NOT EXISTS idx_backups_created ON backups(created_at);
`

// Manifest is the SQLite index over backup files, so listing and summary
// queries are indexed reads rather than directory walks. It uses the
// two-connection pattern: a single writer connection serialising writes and
// a reader pool for concurrent reads.
type Manifest struct {
	writer    *sql.DB
	reader    *sql.DB
	closeOnce sync.Once
}

// ManifestRow is one indexed backup file.
type ManifestRow struct {
	Path       string    `json:"path"`
	StubID     string    `json:"stub_id,omitempty"`
	IsBatch    bool      `json:"is_batch"`
	StubCount  int       `json:"stub_count"`
	Bytes      int64     `json:"bytes"`
	Compressed bool      `json:"compressed"`
	CreatedAt  time.Time `json:"created_at"`
}

// OpenManifest opens (creating if needed) the manifest database at path and
// applies the schema.
func OpenManifest(path string) (*Manifest, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("backup: create manifest directory %s: %w", dir, err)
	}

	writerDSN := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	writer, err := sql.Open("sqlite", writerDSN)
	if err != nil {
		return nil, fmt.Errorf("backup: open manifest writer: %w", err)
	}
	writer.SetMaxOpenConns(1)
	writer.SetMaxIdleConns(1)

	if err := writer.Ping(); err != nil {
		writer.Close()
		return nil, fmt.Errorf("backup: ping manifest writer: %w", err)
	}
	if _, err := writer.Exec(schemaBackups); err != nil {
		writer.Close()
		return nil, fmt.Errorf("backup: apply manifest schema: %w", err)
	}

	readerDSN := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=query_only(ON)"
	reader, err := sql.Open("sqlite", readerDSN)
	if err != nil {
		writer.Close()
		return nil, fmt.Errorf("backup: open manifest reader: %w", err)
	}
	reader.SetMaxOpenConns(4)
	reader.SetMaxIdleConns(4)

	if err := reader.Ping(); err != nil {
		writer.Close()
		reader.Close()
		return nil, fmt.Errorf("backup: ping manifest reader: %w", err)
	}

	return &Manifest{writer: writer, reader: reader}, nil
}

// Close closes both database connections. Safe to call multiple times.
func (m *Manifest) Close() error {
	var firstErr error
	m.closeOnce.Do(func() {
		if err := m.writer.Close(); err != nil {
			firstErr = err
		}
		if err := m.reader.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	})
	return firstErr
}

// Upsert records a backup file, replacing any prior row for the same path.
func (m *Manifest) Upsert(row ManifestRow) error {
	_, err := m.writer.Exec(`
		INSERT INTO backups (path, stub_id, is_batch, stub_count, bytes, compressed, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			stub_id = excluded.stub_id,
			is_batch = excluded.is_batch,
			stub_count = excluded.stub_count,
			bytes = excluded.bytes,
			compressed = excluded.compressed,
			created_at = excluded.created_at`,
		row.Path, row.StubID, boolToInt(row.IsBatch), row.StubCount, row.Bytes,
		boolToInt(row.Compressed), row.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("backup: manifest upsert: %w", err)
	}
	return nil
}

// Delete removes the row for path. Missing rows are not an error.
func (m *Manifest) Delete(path string) error {
	if _, err := m.writer.Exec(`DELETE FROM backups WHERE path = ?`, path); err != nil {
		return fmt.Errorf("backup: manifest delete: %w", err)
	}
	return nil
}

// List returns indexed backups, newest first, optionally filtered by stub id
// and restricted to the last days days.
func (m *Manifest) List(stubID string, days int) ([]ManifestRow, error) {
	query := `SELECT path, stub_id, is_batch, stub_count, bytes, compressed, created_at FROM backups`
	var (
		clauses []string
		args    []interface{}
	)
	if stubID != "" {
		clauses = append(clauses, `stub_id = ?`)
		args = append(args, stubID)
	}
	if days > 0 {
		clauses = append(clauses, `created_at >= ?`)
		args = append(args, time.Now().UTC().AddDate(0, 0, -days).Format(time.RFC3339Nano))
	}
	for i, c := range clauses {
		if i == 0 {
			query += " WHERE " + c
		} else {
			query += " AND " + c
		}
	}
	query += ` ORDER BY created_at DESC`

	rows, err := m.reader.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("backup: manifest list: %w", err)
	}
	defer rows.Close()

	var out []ManifestRow
	for rows.Next() {
		var (
			r          ManifestRow
			isBatch    int
			compressed int
			createdAt  string
		)
		if err := rows.Scan(&r.Path, &r.StubID, &isBatch, &r.StubCount, &r.Bytes, &compressed, &createdAt); err != nil {
			return nil, fmt.Errorf("backup: manifest scan: %w", err)
		}
		r.IsBatch = isBatch != 0
		r.Compressed = compressed != 0
		r.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Summary rolls up the manifest into the control-surface summary document.
func (m *Manifest) Summary() (model.BackupSummary, error) {
	var summary model.BackupSummary

	var oldest, newest sql.NullString
	err := m.reader.QueryRow(`
		SELECT COUNT(*), COALESCE(SUM(bytes), 0), MIN(created_at), MAX(created_at) FROM backups`).
		Scan(&summary.TotalFiles, &summary.TotalBytes, &oldest, &newest)
	if err != nil {
		return summary, fmt.Errorf("backup: manifest summary: %w", err)
	}
	if oldest.Valid {
		summary.Oldest, _ = time.Parse(time.RFC3339Nano, oldest.String)
	}
	if newest.Valid {
		summary.Newest, _ = time.Parse(time.RFC3339Nano, newest.String)
	}

	rows, err := m.reader.Query(`
		SELECT substr(created_at, 1, 10) AS day, COUNT(*), COALESCE(SUM(bytes), 0)
		FROM backups GROUP BY day ORDER BY day DESC`)
	if err != nil {
		return summary, fmt.Errorf("backup: manifest summary by day: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var stat model.BackupDayStat
		if err := rows.Scan(&stat.Day, &stat.Files, &stat.Bytes); err != nil {
			return summary, fmt.Errorf("backup: manifest summary scan: %w", err)
		}
		summary.ByDay = append(summary.ByDay, stat)
	}
	return summary, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
