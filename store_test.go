package sensorlog

import (
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/sensorlog-db/sensorlog/internal/testutil"
)

func testReading(i int) Reading {
	return Reading{
		Timestamp: time.Date(2024, 3, 15, 10, 0, 0, 0, time.Local).Add(time.Duration(i) * time.Second),
		SensorID:  "temp1",
		Value:     float64(i),
		Unit:      "C",
	}
}

func mustOpenStore(t *testing.T, cfg StoreConfig, opts ...StoreOption) *Store {
	t.Helper()
	store, err := OpenStore(cfg, opts...)
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestAppendAndQueryOrder(t *testing.T) {
	logDir, _ := testutil.TempLogDir(t)
	store := mustOpenStore(t, StoreConfig{LogDir: logDir, BufferSize: 4})

	for i := 0; i < 10; i++ {
		if err := store.Append(testReading(i)); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if err := store.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	got, err := store.Execute(Query{})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(got) != 10 {
		t.Fatalf("len(readings) = %d, want 10", len(got))
	}
	for i, r := range got {
		if r.Value != float64(i) {
			t.Errorf("readings[%d].Value = %v, want %v", i, r.Value, float64(i))
		}
	}
}

func TestQuerySeesOnlyFlushedData(t *testing.T) {
	logDir, _ := testutil.TempLogDir(t)
	store := mustOpenStore(t, StoreConfig{LogDir: logDir, BufferSize: 100})

	for i := 0; i < 3; i++ {
		if err := store.Append(testReading(i)); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	got, err := store.Execute(Query{})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("len(readings) before flush = %d, want 0", len(got))
	}

	if err := store.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	got, err = store.Execute(Query{})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(got) != 3 {
		t.Errorf("len(readings) after flush = %d, want 3", len(got))
	}
}

func TestNoRotationBelowThresholds(t *testing.T) {
	logDir, archiveDir := testutil.TempLogDir(t)
	store := mustOpenStore(t, StoreConfig{LogDir: logDir, BufferSize: 5, RotateAfterLines: 10})

	for i := 0; i < 9; i++ {
		if err := store.Append(testReading(i)); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if err := store.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	if n := testutil.CountFiles(t, archiveDir, "*.zip"); n != 0 {
		t.Errorf("archive count = %d, want 0", n)
	}
}

func TestRotateAfterLines(t *testing.T) {
	logDir, archiveDir := testutil.TempLogDir(t)
	store := mustOpenStore(t, StoreConfig{LogDir: logDir, BufferSize: 5, RotateAfterLines: 10})

	for i := 0; i < 10; i++ {
		if err := store.Append(testReading(i)); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	if n := testutil.CountFiles(t, archiveDir, "*.zip"); n != 1 {
		t.Fatalf("archive count = %d, want 1", n)
	}

	archives, _ := filepath.Glob(filepath.Join(archiveDir, "*.zip"))
	namePattern := regexp.MustCompile(`^\d{8}_\d{6}_.+\.csv\.zip$`)
	if base := filepath.Base(archives[0]); !namePattern.MatchString(base) {
		t.Errorf("archive name = %q, want <YYYYMMDD_HHMMSS>_<original>.zip", base)
	}

	// The fresh segment starts empty.
	stats := store.Stats()
	if stats.SegmentLines != 0 {
		t.Errorf("SegmentLines after rotation = %d, want 0", stats.SegmentLines)
	}
	if stats.BufferedReadings != 0 {
		t.Errorf("BufferedReadings after rotation = %d, want 0", stats.BufferedReadings)
	}
}

func TestRotateOnSegmentSize(t *testing.T) {
	logDir, archiveDir := testutil.TempLogDir(t)
	store := mustOpenStore(t, StoreConfig{LogDir: logDir, BufferSize: 1, MaxSegmentBytes: 1})

	if err := store.Append(testReading(0)); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if n := testutil.CountFiles(t, archiveDir, "*.zip"); n != 1 {
		t.Errorf("archive count = %d, want 1", n)
	}
}

func TestRotateOnElapsedTime(t *testing.T) {
	logDir, archiveDir := testutil.TempLogDir(t)
	store := mustOpenStore(t, StoreConfig{LogDir: logDir, BufferSize: 1, RotateEvery: time.Hour})

	if err := store.Append(testReading(0)); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if n := testutil.CountFiles(t, archiveDir, "*.zip"); n != 0 {
		t.Fatalf("archive count before RotateEvery elapsed = %d, want 0", n)
	}

	// Age the segment past the rotation interval.
	store.mu.Lock()
	store.openedAt = time.Now().Add(-2 * time.Hour)
	store.mu.Unlock()

	if err := store.Append(testReading(1)); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if n := testutil.CountFiles(t, archiveDir, "*.zip"); n != 1 {
		t.Fatalf("archive count after RotateEvery elapsed = %d, want 1", n)
	}
	if got := store.Stats().SegmentLines; got != 0 {
		t.Errorf("SegmentLines after rotation = %d, want 0", got)
	}
}

func TestQuerySpansArchiveAndLive(t *testing.T) {
	logDir, _ := testutil.TempLogDir(t)
	store := mustOpenStore(t, StoreConfig{LogDir: logDir, BufferSize: 2})

	for i := 0; i < 10; i++ {
		if err := store.Append(testReading(i)); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if err := store.Rotate(); err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	for i := 10; i < 15; i++ {
		if err := store.Append(testReading(i)); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if err := store.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	got, err := store.Execute(Query{})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(got) != 15 {
		t.Fatalf("len(readings) = %d, want 15", len(got))
	}

	// No reading lost, none duplicated.
	seen := make(map[float64]bool)
	for _, r := range got {
		if seen[r.Value] {
			t.Errorf("duplicate reading with value %v", r.Value)
		}
		seen[r.Value] = true
	}
	for i := 0; i < 15; i++ {
		if !seen[float64(i)] {
			t.Errorf("missing reading with value %v", float64(i))
		}
	}
}

func TestRetentionPrunesOldArchives(t *testing.T) {
	logDir, archiveDir := testutil.TempLogDir(t)
	store := mustOpenStore(t, StoreConfig{LogDir: logDir, BufferSize: 1, Retention: time.Hour})

	oldName := archiveName(time.Now().Add(-2*time.Hour), "2020-01-01.csv")
	recentName := archiveName(time.Now().Add(-30*time.Minute), "2020-01-02.csv")
	for _, name := range []string{oldName, recentName} {
		if err := os.WriteFile(filepath.Join(archiveDir, name), []byte("zip"), 0o644); err != nil {
			t.Fatalf("write archive: %v", err)
		}
	}

	if err := store.Append(testReading(0)); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := store.Rotate(); err != nil {
		t.Fatalf("Rotate: %v", err)
	}

	testutil.MustNotExist(t, filepath.Join(archiveDir, oldName))
	if _, err := os.Stat(filepath.Join(archiveDir, recentName)); err != nil {
		t.Errorf("recent archive pruned: %v", err)
	}
	// The just-sealed segment plus the recent fake.
	if n := testutil.CountFiles(t, archiveDir, "*.zip"); n != 2 {
		t.Errorf("archive count = %d, want 2", n)
	}
}

func TestReopenRestoresLineCount(t *testing.T) {
	logDir, _ := testutil.TempLogDir(t)
	cfg := StoreConfig{LogDir: logDir, BufferSize: 1}

	store, err := OpenStore(cfg)
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := store.Append(testReading(i)); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened := mustOpenStore(t, cfg)
	if got := reopened.Stats().SegmentLines; got != 3 {
		t.Errorf("SegmentLines after reopen = %d, want 3", got)
	}
}

func TestCloseIdempotent(t *testing.T) {
	logDir, _ := testutil.TempLogDir(t)
	store, err := OpenStore(StoreConfig{LogDir: logDir})
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}

	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Errorf("second Close = %v, want nil", err)
	}
	if err := store.Append(testReading(0)); err != ErrClosed {
		t.Errorf("Append after Close = %v, want ErrClosed", err)
	}
	if err := store.Flush(); err != ErrClosed {
		t.Errorf("Flush after Close = %v, want ErrClosed", err)
	}
}

func TestConcurrentAppends(t *testing.T) {
	logDir, _ := testutil.TempLogDir(t)
	store := mustOpenStore(t, StoreConfig{LogDir: logDir, BufferSize: 50})

	const perSensor = 1000
	var wg sync.WaitGroup
	for _, sensor := range []string{"temp1", "temp2"} {
		wg.Add(1)
		go func(sensor string) {
			defer wg.Done()
			for i := 0; i < perSensor; i++ {
				r := testReading(i)
				r.SensorID = sensor
				if err := store.Append(r); err != nil {
					t.Errorf("Append(%s): %v", sensor, err)
					return
				}
			}
		}(sensor)
	}
	wg.Wait()

	if err := store.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	all, err := store.Execute(Query{})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(all) != 2*perSensor {
		t.Errorf("total readings = %d, want %d", len(all), 2*perSensor)
	}
	for _, sensor := range []string{"temp1", "temp2"} {
		got, err := store.Execute(Query{SensorID: sensor})
		if err != nil {
			t.Fatalf("Execute(%s): %v", sensor, err)
		}
		if len(got) != perSensor {
			t.Errorf("readings for %s = %d, want %d", sensor, len(got), perSensor)
		}
	}
}

func TestRotationRecordsCatalog(t *testing.T) {
	logDir, _ := testutil.TempLogDir(t)
	store := mustOpenStore(t, StoreConfig{
		LogDir:      logDir,
		BufferSize:  1,
		CatalogPath: filepath.Join(logDir, "catalog.db"),
	})

	if err := store.Append(testReading(0)); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := store.Rotate(); err != nil {
		t.Fatalf("Rotate: %v", err)
	}

	n, err := store.catalog.Len()
	if err != nil {
		t.Fatalf("catalog.Len: %v", err)
	}
	if n != 1 {
		t.Errorf("catalog entries = %d, want 1", n)
	}
}

func TestOpenStoreRequiresLogDir(t *testing.T) {
	if _, err := OpenStore(StoreConfig{}); err == nil {
		t.Error("OpenStore with empty LogDir = nil error, want error")
	}
}

func TestStoreStatsSegmentPath(t *testing.T) {
	logDir, _ := testutil.TempLogDir(t)
	store := mustOpenStore(t, StoreConfig{LogDir: logDir})

	want := filepath.Join(logDir, time.Now().Format("2006-01-02")+".csv")
	if got := store.Stats().SegmentPath; got != want {
		t.Errorf("SegmentPath = %q, want %q", got, want)
	}
}

func TestOpenStoreWritesHeaderToEmptySegment(t *testing.T) {
	logDir, _ := testutil.TempLogDir(t)
	path := filepath.Join(logDir, time.Now().Format("2006-01-02")+".csv")
	// A crash can leave a zero-byte segment behind; reopening must still
	// produce a headered file.
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatalf("write segment: %v", err)
	}

	store := mustOpenStore(t, StoreConfig{LogDir: logDir, BufferSize: 1})

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read segment: %v", err)
	}
	if string(data) != "timestamp,sensor_id,value,unit\n" {
		t.Fatalf("segment content = %q, want header only", data)
	}
	if got := store.Stats().SegmentLines; got != 0 {
		t.Errorf("SegmentLines = %d, want 0", got)
	}

	if err := store.Append(testReading(0)); err != nil {
		t.Fatalf("Append: %v", err)
	}
	got, err := store.Execute(Query{})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(got) != 1 {
		t.Errorf("len(readings) = %d, want 1", len(got))
	}
}

func TestSegmentHeaderWritten(t *testing.T) {
	logDir, _ := testutil.TempLogDir(t)
	store := mustOpenStore(t, StoreConfig{LogDir: logDir})

	data, err := os.ReadFile(store.Stats().SegmentPath)
	if err != nil {
		t.Fatalf("read segment: %v", err)
	}
	want := "timestamp,sensor_id,value,unit\n"
	if string(data) != want {
		t.Errorf("segment content = %q, want %q", data, want)
	}
}
