package sensorlog

import (
	"database/sql"
	"fmt"
	"math"
	"time"

	// SQLite driver using pure Go implementation
	_ "modernc.org/sqlite"
)

// ArchiveRecord describes one sealed segment in the catalog.
type ArchiveRecord struct {
	Name     string
	SealedAt time.Time
	SpanMin  time.Time
	SpanMax  time.Time
	Lines    int
}

// Catalog is a SQLite index of sealed archives: which time span each one
// covers and how many rows it holds. Queries use it to skip archives that
// cannot intersect the requested range. It is strictly an accelerator —
// archives missing from the catalog are still scanned.
type Catalog struct {
	db         *sql.DB
	insertStmt *sql.Stmt
	deleteStmt *sql.Stmt
}

const catalogSchema = `
CREATE TABLE IF NOT EXISTS archives (
	name      TEXT PRIMARY KEY,
	sealed_at INTEGER NOT NULL,
	span_min  INTEGER,
	span_max  INTEGER,
	lines     INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_archives_span ON archives(span_min, span_max);
`

// OpenCatalog opens or creates the archive catalog.
func OpenCatalog(path string) (*Catalog, error) {
	dsn := fmt.Sprintf("%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(catalogSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init catalog schema: %w", err)
	}

	insertStmt, err := db.Prepare(
		"INSERT OR REPLACE INTO archives (name, sealed_at, span_min, span_max, lines) VALUES (?, ?, ?, ?, ?)")
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("prepare insert: %w", err)
	}
	deleteStmt, err := db.Prepare("DELETE FROM archives WHERE name = ?")
	if err != nil {
		_ = insertStmt.Close()
		_ = db.Close()
		return nil, fmt.Errorf("prepare delete: %w", err)
	}

	return &Catalog{db: db, insertStmt: insertStmt, deleteStmt: deleteStmt}, nil
}

// Record stores or replaces an archive entry.
func (c *Catalog) Record(rec ArchiveRecord) error {
	var spanMin, spanMax any
	if !rec.SpanMin.IsZero() {
		spanMin = rec.SpanMin.UnixMicro()
	}
	if !rec.SpanMax.IsZero() {
		spanMax = rec.SpanMax.UnixMicro()
	}
	_, err := c.insertStmt.Exec(rec.Name, rec.SealedAt.UnixMicro(), spanMin, spanMax, rec.Lines)
	return err
}

// Delete removes an archive entry.
func (c *Catalog) Delete(name string) error {
	_, err := c.deleteStmt.Exec(name)
	return err
}

// Skippable returns the archives whose recorded span cannot intersect
// [start, end]. A zero start or end leaves that side unbounded.
func (c *Catalog) Skippable(start, end time.Time) (map[string]struct{}, error) {
	startMicro := int64(math.MinInt64)
	if !start.IsZero() {
		startMicro = start.UnixMicro()
	}
	endMicro := int64(math.MaxInt64)
	if !end.IsZero() {
		endMicro = end.UnixMicro()
	}

	rows, err := c.db.Query(`
		SELECT name FROM archives
		WHERE lines = 0
		   OR (span_max IS NOT NULL AND span_max < ?)
		   OR (span_min IS NOT NULL AND span_min > ?)`,
		startMicro, endMicro)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	skip := make(map[string]struct{})
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		skip[name] = struct{}{}
	}
	return skip, rows.Err()
}

// Len returns the number of cataloged archives.
func (c *Catalog) Len() (int, error) {
	var n int
	err := c.db.QueryRow("SELECT COUNT(*) FROM archives").Scan(&n)
	return n, err
}

// Close releases the catalog database.
func (c *Catalog) Close() error {
	_ = c.insertStmt.Close()
	_ = c.deleteStmt.Close()
	return c.db.Close()
}
