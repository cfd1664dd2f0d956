package sensorlog

import (
	"bufio"
	"encoding/csv"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ncruces/go-strftime"
)

// archiveSubdir holds sealed segments under LogDir.
const archiveSubdir = "archive"

// Store is an append-only time-series log with buffered writes, rotation,
// archival and retention pruning. All mutation is serialized behind one
// mutex; queries run against flushed data without holding it.
type Store struct {
	config StoreConfig

	mu       sync.Mutex
	buffer   []Reading
	file     *os.File
	writer   *csv.Writer
	filename string // active segment name within LogDir
	openedAt time.Time
	lines    int // data rows in the active segment
	spanMin  time.Time
	spanMax  time.Time
	// spanKnown is false when the segment already held rows at open time;
	// the tracked span then covers only part of the file.
	spanKnown bool
	closed    bool

	catalog *Catalog
	cold    *ColdStore
	logger  *slog.Logger
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithColdStore attaches a cold store that receives sealed archives.
func WithColdStore(cs *ColdStore) StoreOption {
	return func(s *Store) {
		s.cold = cs
	}
}

// WithStoreLogger sets the logger for operator-visible storage events.
func WithStoreLogger(l *slog.Logger) StoreOption {
	return func(s *Store) {
		s.logger = l
	}
}

// OpenStore opens the record store, creating the log and archive
// directories and the active segment as needed.
func OpenStore(cfg StoreConfig, opts ...StoreOption) (*Store, error) {
	if cfg.LogDir == "" {
		return nil, errors.New("LogDir is required")
	}
	cfg.normalize()

	if err := os.MkdirAll(cfg.LogDir, 0o755); err != nil {
		return nil, newStorageError(StorageErrorTypeOpen, "create log dir", cfg.LogDir, err)
	}
	if err := os.MkdirAll(filepath.Join(cfg.LogDir, archiveSubdir), 0o755); err != nil {
		return nil, newStorageError(StorageErrorTypeOpen, "create archive dir", cfg.LogDir, err)
	}

	s := &Store{
		config: cfg,
		buffer: make([]Reading, 0, cfg.BufferSize),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	if cfg.CatalogPath != "" {
		catalog, err := OpenCatalog(cfg.CatalogPath)
		if err != nil {
			return nil, err
		}
		s.catalog = catalog
	}

	if err := s.openSegmentLocked(); err != nil {
		if s.catalog != nil {
			_ = s.catalog.Close()
		}
		return nil, err
	}
	return s, nil
}

// Append adds a reading to the write buffer. When the buffer reaches the
// configured size it is flushed, and after any flush the rotation
// predicates are evaluated.
func (s *Store) Append(r Reading) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	s.buffer = append(s.buffer, r)
	if len(s.buffer) < s.config.BufferSize {
		return nil
	}

	if err := s.flushLocked(); err != nil {
		return err
	}
	return s.maybeRotateLocked()
}

// Flush writes all buffered readings to the active segment. On failure the
// buffer is retained for a later retry.
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if err := s.flushLocked(); err != nil {
		return err
	}
	return s.maybeRotateLocked()
}

// Rotate flushes the buffer, seals the active segment into the archive
// directory, prunes archives past retention and opens a fresh segment.
func (s *Store) Rotate() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if err := s.flushLocked(); err != nil {
		return err
	}
	return s.rotateLocked()
}

// Close flushes the buffer and closes the active segment. It is idempotent.
// If the flush fails the store stays open so the buffered readings can be
// retried.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	if err := s.flushLocked(); err != nil {
		return err
	}

	s.writer.Flush()
	err := s.file.Close()
	s.closed = true

	if s.catalog != nil {
		if cerr := s.catalog.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// StoreStats describes the current state of the store.
type StoreStats struct {
	BufferedReadings int
	SegmentLines     int
	SegmentPath      string
}

// Stats returns a snapshot of the store state.
func (s *Store) Stats() StoreStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return StoreStats{
		BufferedReadings: len(s.buffer),
		SegmentLines:     s.lines,
		SegmentPath:      filepath.Join(s.config.LogDir, s.filename),
	}
}

func (s *Store) flushLocked() error {
	if len(s.buffer) == 0 {
		return nil
	}

	for _, r := range s.buffer {
		if err := s.writer.Write(r.row()); err != nil {
			return newStorageError(StorageErrorTypeFlush, "write row", s.filename, err)
		}
	}
	s.writer.Flush()
	if err := s.writer.Error(); err != nil {
		// Buffer stays intact; duplicates on retry are permitted.
		s.writer = csv.NewWriter(s.file)
		s.logger.Error("segment flush failed", "segment", s.filename, "buffered", len(s.buffer), "err", err)
		return newStorageError(StorageErrorTypeFlush, "flush buffer", s.filename, err)
	}

	for _, r := range s.buffer {
		if s.spanMin.IsZero() || r.Timestamp.Before(s.spanMin) {
			s.spanMin = r.Timestamp
		}
		if s.spanMax.IsZero() || r.Timestamp.After(s.spanMax) {
			s.spanMax = r.Timestamp
		}
	}
	s.lines += len(s.buffer)
	s.buffer = s.buffer[:0]
	return nil
}

// maybeRotateLocked evaluates the rotation predicates; any true predicate
// triggers a rotation.
func (s *Store) maybeRotateLocked() error {
	if time.Since(s.openedAt) >= s.config.RotateEvery {
		return s.rotateLocked()
	}
	if info, err := s.file.Stat(); err == nil && info.Size() >= s.config.MaxSegmentBytes {
		return s.rotateLocked()
	}
	if s.lines >= s.config.RotateAfterLines {
		return s.rotateLocked()
	}
	return nil
}

func (s *Store) rotateLocked() error {
	s.writer.Flush()
	if err := s.file.Close(); err != nil {
		return newStorageError(StorageErrorTypeRotate, "close segment", s.filename, err)
	}

	sealedAt := time.Now()
	if err := s.sealSegmentLocked(sealedAt); err != nil {
		// The segment file is still on disk; reopen it so appends keep
		// working and a later rotation can retry the archival.
		if oerr := s.openSegmentLocked(); oerr != nil {
			return oerr
		}
		return err
	}

	s.pruneArchivesLocked(sealedAt)

	return s.openSegmentLocked()
}

// openSegmentLocked opens the active segment named from the filename
// pattern, writing the header row when the file is new.
func (s *Store) openSegmentLocked() error {
	filename := strftime.Format(s.config.FilenamePattern, time.Now())
	path := filepath.Join(s.config.LogDir, filename)

	info, err := os.Stat(path)
	isNew := os.IsNotExist(err)
	if err != nil && !isNew {
		return newStorageError(StorageErrorTypeOpen, "inspect segment", path, err)
	}
	// A zero-byte leftover still needs its header.
	if !isNew && info.Size() == 0 {
		isNew = true
	}

	existing := 0
	if !isNew {
		existing, err = countDataRows(path)
		if err != nil {
			return newStorageError(StorageErrorTypeOpen, "inspect segment", path, err)
		}
	}

	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return newStorageError(StorageErrorTypeOpen, "open segment", path, err)
	}

	s.file = file
	s.writer = csv.NewWriter(file)
	s.filename = filename
	s.openedAt = time.Now()
	s.lines = existing
	s.spanMin = time.Time{}
	s.spanMax = time.Time{}
	s.spanKnown = existing == 0

	if isNew {
		if err := s.writer.Write(segmentHeader); err != nil {
			return newStorageError(StorageErrorTypeOpen, "write header", path, err)
		}
		s.writer.Flush()
		if err := s.writer.Error(); err != nil {
			return newStorageError(StorageErrorTypeOpen, "write header", path, err)
		}
		s.lines = 0
	}
	return nil
}

// countDataRows counts the data rows of an existing segment so the line
// counter survives a process restart.
func countDataRows(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer func() { _ = f.Close() }()

	n := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		n++
	}
	if err := scanner.Err(); err != nil {
		return 0, err
	}
	if n > 0 {
		n-- // header row
	}
	return n, nil
}
