package canbus

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"io"
	"log"
	"regexp"
	"strconv"
	"strings"
)

// captureLine matches candump -l output: "(1700000000.123) can0 1A3#DEADBEEF".
var captureLine = regexp.MustCompile(`^\((\d+(?:\.\d+)?)\)\s+(\S+)\s+([0-9A-Fa-f]{1,8})#([0-9A-Fa-f]*)$`)

// ParseCaptureLine parses one capture line. ok is false for anything that
// is not a well-formed data frame; callers skip those lines.
func ParseCaptureLine(line string) (Frame, bool) {
	m := captureLine.FindStringSubmatch(strings.TrimSpace(line))
	if m == nil {
		return Frame{}, false
	}
	ts, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return Frame{}, false
	}
	id, err := strconv.ParseUint(m[3], 16, 32)
	if err != nil {
		return Frame{}, false
	}
	data, err := hex.DecodeString(m[4])
	if err != nil {
		return Frame{}, false
	}
	f := Frame{
		Timestamp: ts,
		Interface: m[2],
		ID:        uint32(id),
		Extended:  len(m[3]) > 3 || id > maxStdID,
		Data:      data,
	}
	if f.Validate() != nil {
		return Frame{}, false
	}
	return f, true
}

// ParseCapture reads a whole capture, dropping lines that do not parse.
// Only read errors are returned.
func ParseCapture(r io.Reader) ([]Frame, error) {
	var frames []Frame
	sc := bufio.NewScanner(r)
	skipped := 0
	for sc.Scan() {
		line := sc.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		f, ok := ParseCaptureLine(line)
		if !ok {
			skipped++
			continue
		}
		frames = append(frames, f)
	}
	if skipped > 0 {
		log.Printf("[canbus] capture: skipped %d malformed lines", skipped)
	}
	if err := sc.Err(); err != nil {
		return frames, fmt.Errorf("canbus: read capture after %d frames: %w", len(frames), err)
	}
	return frames, nil
}

// FormatCaptureLine renders f in the form ParseCaptureLine accepts.
func FormatCaptureLine(f Frame) string {
	return fmt.Sprintf("(%.6f) %s", f.Timestamp, f.String())
}
