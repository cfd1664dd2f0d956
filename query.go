package sensorlog

import (
	"archive/zip"
	"context"
	"encoding/csv"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// Query selects readings whose timestamp lies in [Start, End] inclusive.
// A zero Start or End leaves that side unbounded. SensorID, when set,
// filters to one sensor.
type Query struct {
	Start    time.Time
	End      time.Time
	SensorID string

	// Limit caps the number of returned readings. 0 means no limit.
	Limit int
}

func (q Query) matches(r Reading) bool {
	if !q.Start.IsZero() && r.Timestamp.Before(q.Start) {
		return false
	}
	if !q.End.IsZero() && r.Timestamp.After(q.End) {
		return false
	}
	if q.SensorID != "" && r.SensorID != q.SensorID {
		return false
	}
	return true
}

// querySource is one file a cursor scans.
type querySource struct {
	path   string
	zipped bool
}

// Query returns a lazy cursor over all readings matching q. Live segment
// files are scanned before archives; order within a file is append order
// and unordered across files. Only flushed data is visible. Malformed rows
// and unreadable files are skipped.
func (s *Store) Query(q Query) *Cursor {
	return &Cursor{query: q, sources: s.querySources(q)}
}

// Execute runs a query and collects the matching readings.
func (s *Store) Execute(q Query) ([]Reading, error) {
	return s.ExecuteContext(context.Background(), q)
}

// ExecuteContext runs a query with context support for cancellation.
func (s *Store) ExecuteContext(ctx context.Context, q Query) ([]Reading, error) {
	cur := s.Query(q)
	defer cur.Close()

	var out []Reading
	for cur.Next() {
		select {
		case <-ctx.Done():
			return nil, ErrQueryCanceled
		default:
		}
		out = append(out, cur.Reading())
	}
	return out, cur.Err()
}

// querySources snapshots the files a query will scan: live CSV segments
// first, then sealed archives the catalog cannot rule out.
func (s *Store) querySources(q Query) []querySource {
	var sources []querySource

	live, _ := filepath.Glob(filepath.Join(s.config.LogDir, "*.csv"))
	sort.Strings(live)
	for _, path := range live {
		sources = append(sources, querySource{path: path})
	}

	var skip map[string]struct{}
	if s.catalog != nil {
		skip, _ = s.catalog.Skippable(q.Start, q.End)
	}

	archives, _ := filepath.Glob(filepath.Join(s.config.LogDir, archiveSubdir, "*.zip"))
	sort.Strings(archives)
	for _, path := range archives {
		if skip != nil {
			if _, ok := skip[filepath.Base(path)]; ok {
				continue
			}
		}
		sources = append(sources, querySource{path: path, zipped: true})
	}
	return sources
}

// Cursor iterates readings lazily across segment files and archives.
type Cursor struct {
	query   Query
	sources []querySource
	idx     int
	rows    rowReader
	cur     Reading
	count   int
	closed  bool
}

// Next advances to the next matching reading.
func (c *Cursor) Next() bool {
	if c.closed {
		return false
	}
	if c.query.Limit > 0 && c.count >= c.query.Limit {
		return false
	}

	for {
		if c.rows == nil {
			if c.idx >= len(c.sources) {
				return false
			}
			src := c.sources[c.idx]
			c.idx++
			rows, err := openRows(src)
			if err != nil {
				// Sources can vanish mid-scan (rotation) or be corrupt;
				// both are skipped, not reported.
				continue
			}
			c.rows = rows
		}

		row, err := c.rows.Next()
		if err != nil {
			// EOF or an unrecoverable reader error; either way this
			// source is done.
			c.rows.Close()
			c.rows = nil
			continue
		}

		r, err := readingFromRow(row)
		if err != nil {
			continue
		}
		if !c.query.matches(r) {
			continue
		}

		c.cur = r
		c.count++
		return true
	}
}

// Reading returns the reading at the current cursor position.
func (c *Cursor) Reading() Reading {
	return c.cur
}

// Err reports a terminal cursor error. Row-level corruption is never
// reported here.
func (c *Cursor) Err() error {
	return nil
}

// Close releases any open file handles. Safe to call multiple times.
func (c *Cursor) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	if c.rows != nil {
		c.rows.Close()
		c.rows = nil
	}
	return nil
}

// rowReader yields CSV rows from one source, header excluded.
type rowReader interface {
	Next() ([]string, error)
	Close()
}

func openRows(src querySource) (rowReader, error) {
	if src.zipped {
		return openZipRows(src.path)
	}
	return openFileRows(src.path)
}

type fileRows struct {
	f      *os.File
	r      *csv.Reader
	header bool
}

func openFileRows(path string) (rowReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	return &fileRows{f: f, r: tolerantCSVReader(f)}, nil
}

func (fr *fileRows) Next() ([]string, error) {
	for {
		row, err := fr.r.Read()
		if err != nil {
			return nil, err
		}
		if !fr.header {
			fr.header = true
			if len(row) > 0 && row[0] == segmentHeader[0] {
				continue
			}
		}
		return row, nil
	}
}

func (fr *fileRows) Close() {
	_ = fr.f.Close()
}

type zipRows struct {
	rc     *zip.ReadCloser
	entry  io.ReadCloser
	r      *csv.Reader
	header bool
}

func openZipRows(path string) (rowReader, error) {
	rc, err := zip.OpenReader(path)
	if err != nil {
		return nil, err
	}
	// The archive holds exactly one CSV entry.
	for _, f := range rc.File {
		if filepath.Ext(f.Name) != ".csv" {
			continue
		}
		entry, err := f.Open()
		if err != nil {
			break
		}
		return &zipRows{rc: rc, entry: entry, r: tolerantCSVReader(entry)}, nil
	}
	_ = rc.Close()
	return nil, io.EOF
}

func (zr *zipRows) Next() ([]string, error) {
	for {
		row, err := zr.r.Read()
		if err != nil {
			return nil, err
		}
		if !zr.header {
			zr.header = true
			if len(row) > 0 && row[0] == segmentHeader[0] {
				continue
			}
		}
		return row, nil
	}
}

func (zr *zipRows) Close() {
	_ = zr.entry.Close()
	_ = zr.rc.Close()
}

// tolerantCSVReader builds a reader that survives malformed rows so a scan
// can skip them instead of aborting.
func tolerantCSVReader(r io.Reader) *csv.Reader {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	return cr
}
