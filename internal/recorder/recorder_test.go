package recorder

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/shaunagostinho/obdsec/internal/obd"
)

func reading(pid string, v float64) obd.Reading {
	return obd.Reading{Timestamp: time.Unix(1700000000, 0).UTC(), PID: pid, Value: &v, Unit: "rpm", Raw: "410C1AF8"}
}

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	return rows
}

func TestRecordWritesRows(t *testing.T) {
	dir := t.TempDir()
	r := New(Config{Enabled: true, Path: dir})
	r.Record(reading("rpm", 1726))
	r.Record(obd.Reading{Timestamp: time.Unix(1700000001, 0).UTC(), PID: "speed", Unit: "km/h", Raw: "NO DATA"})
	r.Close()

	files, _ := filepath.Glob(filepath.Join(dir, "*.csv"))
	if len(files) != 1 {
		t.Fatalf("files = %v", files)
	}
	rows := readCSV(t, files[0])
	if len(rows) != 3 || !slices.Equal(rows[0], csvHeader) {
		t.Fatalf("rows = %v", rows)
	}
	if !slices.Equal(rows[1], []string{"2023-11-14T22:13:20Z", "rpm", "1726.00", "rpm", "410C1AF8"}) {
		t.Fatalf("row 1 = %v", rows[1])
	}
	if rows[2][2] != "" {
		t.Fatalf("missing value recorded as %q", rows[2][2])
	}
}

func TestRotateOnRows(t *testing.T) {
	dir := t.TempDir()
	r := New(Config{Enabled: true, Path: dir, MaxRows: 2})
	for i := range 5 {
		r.Record(reading("rpm", float64(i)))
	}
	r.Close()

	files, _ := filepath.Glob(filepath.Join(dir, "*.csv"))
	if len(files) != 3 {
		t.Fatalf("got %d files, want 3", len(files))
	}
}

func TestDisabledWritesNothing(t *testing.T) {
	dir := t.TempDir()
	r := New(Config{Path: dir})
	r.Record(reading("rpm", 1))
	if r.IsEnabled() {
		t.Fatal("enabled by default")
	}
	files, _ := filepath.Glob(filepath.Join(dir, "*.csv"))
	if len(files) != 0 {
		t.Fatalf("files = %v", files)
	}

	r.SetEnabled(true)
	r.Record(reading("rpm", 1))
	r.SetEnabled(false)
	files, _ = filepath.Glob(filepath.Join(dir, "*.csv"))
	if len(files) != 1 {
		t.Fatalf("files = %v", files)
	}
}
