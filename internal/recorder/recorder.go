// Package recorder writes monitor readings to rotating CSV files.
package recorder

import (
	"encoding/csv"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/shaunagostinho/obdsec/internal/obd"
)

// Config holds recorder configuration.
type Config struct {
	Enabled  bool
	Path     string
	MaxRows  int   // rotate after this many rows; 0 uses the default
	MaxBytes int64 // rotate once the file reaches this size; 0 disables
}

const defaultMaxRows = 100_000

var csvHeader = []string{"timestamp", "pid", "value", "unit", "raw"}

// Recorder appends one row per reading. It is safe for concurrent use.
type Recorder struct {
	mu       sync.Mutex
	dir      string
	enabled  bool
	maxRows  int
	maxBytes int64

	file   *os.File
	writer *csv.Writer
	rows   int
	bytes  int64
	seq    int
}

// New creates a Recorder. No file is opened until the first reading.
func New(cfg Config) *Recorder {
	if cfg.Path == "" {
		cfg.Path = "/var/log/obdsec"
	}
	if cfg.MaxRows <= 0 {
		cfg.MaxRows = defaultMaxRows
	}
	return &Recorder{
		dir:      cfg.Path,
		enabled:  cfg.Enabled,
		maxRows:  cfg.MaxRows,
		maxBytes: cfg.MaxBytes,
	}
}

// SetEnabled toggles recording at runtime.
func (r *Recorder) SetEnabled(on bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.enabled = on
	if !on {
		r.closeFile()
	}
}

// IsEnabled reports whether recording is active.
func (r *Recorder) IsEnabled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.enabled
}

// Record writes rd. Its signature matches monitor.Listener.
func (r *Recorder) Record(rd obd.Reading) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.enabled {
		return
	}
	if r.writer == nil || r.rows >= r.maxRows || (r.maxBytes > 0 && r.bytes >= r.maxBytes) {
		if err := r.rotateFile(time.Now()); err != nil {
			log.Printf("[recorder] rotate failed: %v", err)
			return
		}
	}

	ts := rd.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	value := ""
	if rd.Value != nil {
		value = rd.FormatValue()
	}
	row := []string{ts.Format(time.RFC3339Nano), rd.PID, value, rd.Unit, rd.Raw}
	if err := r.writer.Write(row); err != nil {
		log.Printf("[recorder] write failed: %v", err)
		return
	}
	r.writer.Flush()
	r.rows++
	for _, f := range row {
		r.bytes += int64(len(f)) + 1
	}
}

// Close flushes and closes the current file.
func (r *Recorder) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closeFile()
}

func (r *Recorder) rotateFile(now time.Time) error {
	r.closeFile()

	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", r.dir, err)
	}

	r.seq++
	path := filepath.Join(r.dir, fmt.Sprintf("obdsec_%s_%03d.csv", now.Format("2006-01-02_150405"), r.seq))
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}

	r.file = f
	r.writer = csv.NewWriter(f)
	r.rows = 0
	r.bytes = 0

	if err := r.writer.Write(csvHeader); err != nil {
		return err
	}
	r.writer.Flush()

	log.Printf("[recorder] opened %s", path)
	return nil
}

func (r *Recorder) closeFile() {
	if r.writer != nil {
		r.writer.Flush()
		r.writer = nil
	}
	if r.file != nil {
		r.file.Close()
		r.file = nil
	}
}
