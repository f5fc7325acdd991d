package obd

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Reading is one decoded measurement. Value is nil when the response did
// not carry enough data bytes for the PID's formula.
type Reading struct {
	Timestamp time.Time `json:"timestamp"`
	PID       string    `json:"pid"`
	Value     *float64  `json:"value"`
	Unit      string    `json:"unit"`
	Raw       string    `json:"raw"`
}

// HasValue reports whether the reading carries a value.
func (r Reading) HasValue() bool { return r.Value != nil }

// FormatValue renders the value with two decimals, or "-" when absent.
func (r Reading) FormatValue() string {
	if r.Value == nil {
		return "-"
	}
	return strconv.FormatFloat(*r.Value, 'f', 2, 64)
}

type decoder struct {
	need int
	fn   func(d []byte) float64
}

var decoders = map[Formula]decoder{
	FormulaRPM:           {2, func(d []byte) float64 { return float64(int(d[0])*256+int(d[1])) / 4 }},
	FormulaDirect:        {1, func(d []byte) float64 { return float64(d[0]) }},
	FormulaTemp:          {1, func(d []byte) float64 { return float64(d[0]) - 40 }},
	FormulaMAF:           {2, func(d []byte) float64 { return float64(int(d[0])*256+int(d[1])) / 100 }},
	FormulaPercent:       {1, func(d []byte) float64 { return float64(d[0]) * 100 / 255 }},
	FormulaO2Voltage:     {1, func(d []byte) float64 { return float64(d[0]) / 200 }},
	FormulaFuelPressure:  {1, func(d []byte) float64 { return float64(d[0]) * 3 }},
	FormulaTimingAdvance: {1, func(d []byte) float64 { return float64(d[0])/2 - 64 }},
	FormulaCatalystTemp:  {2, func(d []byte) float64 { return float64(int(d[0])*256+int(d[1]))/10 - 40 }},
	FormulaRaw:           {1, func(d []byte) float64 { return float64(d[0]) }},
}

// Decode applies the formula to data bytes. ok is false when there are
// too few bytes or the formula is not numeric. An unrecognized formula
// falls back to the first data byte.
func Decode(f Formula, data []byte) (float64, bool) {
	if f == FormulaNone {
		return 0, false
	}
	d, known := decoders[f]
	if !known {
		d = decoders[FormulaRaw]
	}
	if len(data) < d.need {
		return 0, false
	}
	return d.fn(data), true
}

// ParseReading decodes the adapter's response to a PID request. A response
// that is NO DATA, lacks the mode+PID echo or is short of data bytes gives
// a Reading with a nil Value and no error.
func ParseReading(nameOrCode, raw string) (Reading, error) {
	p, err := Lookup(nameOrCode)
	if err != nil {
		return Reading{}, err
	}
	r := Reading{
		Timestamp: time.Now(),
		PID:       p.Name,
		Unit:      p.Unit,
		Raw:       raw,
	}
	b, ok := responseBytes(raw)
	if !ok {
		return r, nil
	}
	echo, err := echoBytes(p)
	if err != nil {
		return r, nil
	}
	data, ok := afterEcho(b, echo)
	if !ok {
		return r, nil
	}
	if v, ok := Decode(p.Formula, data); ok {
		r.Value = &v
	}
	return r, nil
}

// echoBytes returns the positive-response prefix for p: the mode plus 0x40,
// followed by the PID code when there is one.
func echoBytes(p PID) ([]byte, error) {
	mode, err := strconv.ParseUint(p.Mode, 16, 8)
	if err != nil {
		return nil, fmt.Errorf("obd: pid %s: bad mode: %w", p.Name, err)
	}
	echo := []byte{byte(mode) + 0x40}
	if p.Code != "" {
		code, err := hex.DecodeString(p.Code)
		if err != nil {
			return nil, fmt.Errorf("obd: pid %s: bad code: %w", p.Name, err)
		}
		echo = append(echo, code...)
	}
	return echo, nil
}

// afterEcho returns the bytes following the first occurrence of echo.
func afterEcho(b, echo []byte) ([]byte, bool) {
	for i := 0; i+len(echo) <= len(b); i++ {
		if string(b[i:i+len(echo)]) == string(echo) {
			return b[i+len(echo):], true
		}
	}
	return nil, false
}

// normalize strips adapter noise from a raw response: the prompt,
// SEARCHING..., line breaks, and spaces. Multi-frame line indices ("0:")
// and the leading byte count line are removed.
func normalize(raw string) string {
	raw = strings.ToUpper(raw)
	raw = strings.ReplaceAll(raw, ">", "")
	raw = strings.ReplaceAll(raw, "SEARCHING...", "\r")
	lines := strings.FieldsFunc(raw, func(r rune) bool { return r == '\r' || r == '\n' })
	multi := len(lines) > 1
	var sb strings.Builder
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "BUS INIT") {
			continue
		}
		if _, rest, ok := strings.Cut(line, ":"); ok {
			line = rest
		} else if multi && len(strings.ReplaceAll(line, " ", "")) <= 3 {
			// ISO-TP byte count, e.g. "014"
			continue
		}
		sb.WriteString(strings.ReplaceAll(line, " ", ""))
	}
	return sb.String()
}

// responseBytes normalizes raw and decodes it as hex. ok is false for NO
// DATA, error replies and anything that is not whole hex bytes.
func responseBytes(raw string) ([]byte, bool) {
	s := normalize(raw)
	if s == "" || strings.Contains(s, "NODATA") {
		return nil, false
	}
	if len(s)%2 != 0 {
		s = s[:len(s)-1]
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, false
	}
	return b, true
}
