package obd

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"testing"
	"time"
)

func TestBuildRequest(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"rpm", "010C"},
		{"RPM", "010C"},
		{"010c", "010C"},
		{"01 0D", "010D"},
		{"coolant_temp", "0105"},
		{"read_dtc", "03"},
		{"clear_dtc", "04"},
		{"vin", "0902"},
		{"ecu_name", "090A"},
	}
	for _, tt := range tests {
		got, err := BuildRequest(tt.in)
		if err != nil {
			t.Errorf("BuildRequest(%q) returned error: %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("BuildRequest(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}

	if _, err := BuildRequest("boost"); !errors.Is(err, ErrUnknownPID) {
		t.Fatalf("got %v, want ErrUnknownPID", err)
	}
}

func TestRequestCodesAreUnique(t *testing.T) {
	seen := map[string]string{}
	for _, p := range PIDs() {
		if other, ok := seen[p.Request()]; ok {
			t.Fatalf("%s and %s share request code %s", p.Name, other, p.Request())
		}
		seen[p.Request()] = p.Name
	}
}

func TestParseReading(t *testing.T) {
	tests := []struct {
		pid  string
		raw  string
		want float64
		unit string
	}{
		{"010C", "410C1AF8", 1726, "RPM"},
		{"rpm", "SEARCHING...\r41 0C 1A F8 \r\r>", 1726, "RPM"},
		{"speed", "41 0D 3C", 60, "km/h"},
		{"coolant_temp", "41 05 5A", 50, "°C"},
		{"intake_temp", "41 0F 28", 0, "°C"},
		{"maf", "41 10 01 F4", 5, "g/s"},
		{"throttle", "41 11 FF", 100, "%"},
		{"o2_voltage", "41 14 C8 FF", 1, "V"},
		{"fuel_pressure", "41 0A 64", 300, "kPa"},
		{"intake_pressure", "41 0B 65", 101, "kPa"},
		{"timing_advance", "41 0E 94", 10, "°"},
		{"baro_pressure", "41 33 65", 101, "kPa"},
		{"catalyst_temp", "41 3C 13 88", 460, "°C"},
	}
	for _, tt := range tests {
		r, err := ParseReading(tt.pid, tt.raw)
		if err != nil {
			t.Errorf("ParseReading(%q, %q) returned error: %v", tt.pid, tt.raw, err)
			continue
		}
		if r.Value == nil {
			t.Errorf("ParseReading(%q, %q) value is nil", tt.pid, tt.raw)
			continue
		}
		if math.Abs(*r.Value-tt.want) > 1e-9 {
			t.Errorf("ParseReading(%q, %q) = %v, want %v", tt.pid, tt.raw, *r.Value, tt.want)
		}
		if r.Unit != tt.unit {
			t.Errorf("ParseReading(%q) unit = %q, want %q", tt.pid, r.Unit, tt.unit)
		}
	}
}

func TestParseReadingWithoutData(t *testing.T) {
	for _, raw := range []string{"NO DATA", "410C1A", "410D", "7F0112", "?", ""} {
		pid := "rpm"
		if raw == "410D" {
			pid = "speed"
		}
		r, err := ParseReading(pid, raw)
		if err != nil {
			t.Fatalf("ParseReading(%q) returned error: %v", raw, err)
		}
		if r.Value != nil {
			t.Errorf("ParseReading(%q) = %v, want nil value", raw, *r.Value)
		}
	}
}

func TestDecodeFallsBackToFirstByte(t *testing.T) {
	v, ok := Decode(Formula("unknown"), []byte{0x2A, 0x01})
	if !ok || v != 42 {
		t.Fatalf("got %v, %v, want 42, true", v, ok)
	}
}

func TestParseDTCs(t *testing.T) {
	seq, err := ParseDTCs("43 01 23 01 33 00 00 02 20")
	if err != nil {
		t.Fatalf("ParseDTCs returned error: %v", err)
	}
	var got []string
	for d := range seq {
		got = append(got, d.String())
	}
	want := []string{"P0123", "P0133"}
	if !slices.Equal(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}

	// The sequence is restartable.
	if again := slices.Collect(seq); len(again) != 2 {
		t.Fatalf("second pass yielded %d codes, want 2", len(again))
	}
}

func TestParseDTCsDecodesEverySystem(t *testing.T) {
	seq, err := ParseDTCs("43 41 23 93 01 E1 03 12")
	if err != nil {
		t.Fatalf("ParseDTCs returned error: %v", err)
	}
	var got []string
	for d := range seq {
		got = append(got, d.String())
	}
	want := []string{"C0123", "B1301", "U2103"}
	if !slices.Equal(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestParseDTCsRequiresHeader(t *testing.T) {
	if _, err := ParseDTCs("41 01 23"); !errors.Is(err, ErrParse) {
		t.Fatalf("got %v, want ErrParse", err)
	}
	seq, err := ParseDTCs("NO DATA")
	if err != nil {
		t.Fatalf("NO DATA returned error: %v", err)
	}
	if n := len(slices.Collect(seq)); n != 0 {
		t.Fatalf("NO DATA yielded %d codes", n)
	}
}

func TestDTCRoundTrip(t *testing.T) {
	for _, prefix := range []string{"P", "C", "B", "U"} {
		for d1 := 0; d1 < 4; d1++ {
			for d2 := 0; d2 < 16; d2++ {
				for d34 := 0; d34 < 256; d34++ {
					in := DTC{Prefix: prefix, Code: fmt.Sprintf("%d%X%02X", d1, d2, d34)}
					a, b, err := EncodeDTC(in)
					if err != nil {
						t.Fatalf("EncodeDTC(%s) returned error: %v", in, err)
					}
					if out := DecodeDTC(a, b); out != in {
						t.Fatalf("round trip %s -> %02X %02X -> %s", in, a, b, out)
					}
				}
			}
		}
	}
}

func TestParseVIN(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"can multi-frame", "014\r0: 49 02 01 31 44 34\r1: 47 50 30 30 52 35 35\r2: 42 31 32 33 34 35 36\r\r>"},
		{"single line", "49 02 01 31 44 34 47 50 30 30 52 35 35 42 31 32 33 34 35 36"},
		{"legacy per-line echo", "49 02 01 00 00 00 31\r49 02 02 44 34 47 50\r49 02 03 30 30 52 35\r49 02 04 35 42 31 32\r49 02 05 33 34 35 36"},
	}
	for _, tt := range tests {
		got, err := ParseVIN(tt.raw)
		if err != nil {
			t.Errorf("%s: ParseVIN returned error: %v", tt.name, err)
			continue
		}
		if got != "1D4GP00R55B123456" {
			t.Errorf("%s: got %q, want %q", tt.name, got, "1D4GP00R55B123456")
		}
	}

	if _, err := ParseVIN("41 0C 1A F8"); !errors.Is(err, ErrParse) {
		t.Fatalf("got %v, want ErrParse", err)
	}
}

type fakeSender struct {
	replies map[string]string
	err     error
	sent    []string
}

func (f *fakeSender) Send(_ context.Context, cmd string, _ time.Duration) (string, error) {
	f.sent = append(f.sent, cmd)
	if f.err != nil {
		return "", f.err
	}
	return f.replies[cmd], nil
}

func TestClient(t *testing.T) {
	fs := &fakeSender{replies: map[string]string{
		"010C": "410C1AF8",
		"03":   "43 01 23 00 00",
		"04":   "44",
		"0902": "49 02 01 31 44 34 47 50 30 30 52 35 35 42 31 32 33 34 35 36",
	}}
	c := NewClient(fs)
	ctx := context.Background()

	r, err := c.ReadPID(ctx, "rpm")
	if err != nil || r.Value == nil || *r.Value != 1726 || r.Unit != "RPM" {
		t.Fatalf("ReadPID = %+v, %v", r, err)
	}

	dtcs, err := c.ReadDTCs(ctx)
	if err != nil || len(dtcs) != 1 || dtcs[0].String() != "P0123" {
		t.Fatalf("ReadDTCs = %v, %v", dtcs, err)
	}

	ok, err := c.ClearDTCs(ctx)
	if err != nil || !ok {
		t.Fatalf("ClearDTCs = %v, %v", ok, err)
	}

	vin, err := c.ReadVIN(ctx)
	if err != nil || vin != "1D4GP00R55B123456" {
		t.Fatalf("ReadVIN = %q, %v", vin, err)
	}

	if !slices.Equal(fs.sent, []string{"010C", "03", "04", "0902"}) {
		t.Fatalf("sent %v", fs.sent)
	}
}

func TestClientPropagatesTransportErrors(t *testing.T) {
	cause := errors.New("transport: timeout")
	c := NewClient(&fakeSender{err: cause})
	if _, err := c.ReadPID(context.Background(), "rpm"); !errors.Is(err, cause) {
		t.Fatalf("got %v, want wrapped transport error", err)
	}
	if ok, err := c.ClearDTCs(context.Background()); ok || !errors.Is(err, cause) {
		t.Fatalf("got %v, %v", ok, err)
	}
}

func TestClearDTCsRejected(t *testing.T) {
	c := NewClient(&fakeSender{replies: map[string]string{"04": "7F 04 22"}})
	ok, err := c.ClearDTCs(context.Background())
	if err != nil || ok {
		t.Fatalf("got %v, %v, want false, nil", ok, err)
	}
}
