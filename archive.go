package sensorlog

import (
	"archive/zip"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// archiveTimeLayout encodes the sealing timestamp in archive names.
const archiveTimeLayout = "20060102_150405"

// archiveName builds the deterministic name of a sealed segment:
// <sealed_at>_<original_filename>.zip.
func archiveName(sealedAt time.Time, original string) string {
	return sealedAt.Format(archiveTimeLayout) + "_" + original + ".zip"
}

// archiveSealedAt recovers the sealing timestamp from an archive name.
func archiveSealedAt(name string) (time.Time, bool) {
	base := strings.TrimSuffix(name, ".zip")
	if len(base) < len(archiveTimeLayout)+1 {
		return time.Time{}, false
	}
	ts, err := time.ParseInLocation(archiveTimeLayout, base[:len(archiveTimeLayout)], time.Local)
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}

// sealSegmentLocked compresses the closed active segment into the archive
// directory, records it in the catalog and hands a copy to the cold store.
func (s *Store) sealSegmentLocked(sealedAt time.Time) error {
	src := filepath.Join(s.config.LogDir, s.filename)
	if _, err := os.Stat(src); os.IsNotExist(err) {
		return nil
	}

	name := archiveName(sealedAt, s.filename)
	dst := filepath.Join(s.config.LogDir, archiveSubdir, name)

	if err := zipFile(src, dst, s.filename); err != nil {
		_ = os.Remove(dst)
		return newStorageError(StorageErrorTypeArchive, "seal segment", src, err)
	}
	if err := os.Remove(src); err != nil {
		return newStorageError(StorageErrorTypeArchive, "remove sealed segment", src, err)
	}

	if s.catalog != nil {
		rec := ArchiveRecord{
			Name:     name,
			SealedAt: sealedAt,
			SpanMin:  s.spanMin,
			SpanMax:  s.spanMax,
			Lines:    s.lines,
		}
		if !s.spanKnown {
			// Part of the segment predates this process; an unknown span
			// keeps the archive scannable.
			rec.SpanMin, rec.SpanMax = time.Time{}, time.Time{}
		}
		if err := s.catalog.Record(rec); err != nil {
			// The catalog only accelerates queries; a stale catalog never
			// hides data, so archival proceeds.
			s.logger.Warn("catalog record failed", "archive", name, "err", err)
		}
	}

	if s.cold != nil {
		data, err := os.ReadFile(dst)
		if err == nil {
			err = s.cold.Store(context.Background(), name, data)
		}
		if err != nil {
			s.logger.Error("cold store upload failed", "archive", name, "err", err)
		}
	}
	return nil
}

// pruneArchivesLocked deletes archives whose sealing timestamp is past the
// retention window.
func (s *Store) pruneArchivesLocked(now time.Time) {
	archiveDir := filepath.Join(s.config.LogDir, archiveSubdir)
	entries, err := os.ReadDir(archiveDir)
	if err != nil {
		s.logger.Error("archive scan failed", "dir", archiveDir, "err", err)
		return
	}

	cutoff := now.Add(-s.config.Retention)
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".zip") {
			continue
		}
		sealedAt, ok := archiveSealedAt(name)
		if !ok || !sealedAt.Before(cutoff) {
			continue
		}

		if err := os.Remove(filepath.Join(archiveDir, name)); err != nil {
			s.logger.Error("archive prune failed", "archive", name, "err", err)
			continue
		}
		if s.catalog != nil {
			if err := s.catalog.Delete(name); err != nil {
				s.logger.Warn("catalog delete failed", "archive", name, "err", err)
			}
		}
		if s.cold != nil {
			if err := s.cold.Delete(context.Background(), name); err != nil {
				s.logger.Error("cold store delete failed", "archive", name, "err", err)
			}
		}
	}
}

// zipFile writes src into a single-entry zip at dst.
func zipFile(src, dst, entryName string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}

	zw := zip.NewWriter(out)
	entry, err := zw.Create(entryName)
	if err != nil {
		_ = out.Close()
		return err
	}
	if _, err := io.Copy(entry, in); err != nil {
		_ = out.Close()
		return err
	}
	if err := zw.Close(); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
