package transport

import (
	"strings"
	"testing"
	"time"
)

func TestSimulatorReplies(t *testing.T) {
	sim := NewSimulator()
	deadline := time.Now().Add(time.Second)

	tests := []struct {
		cmd  string
		want string
	}{
		{"ATZ", "ELM327 v1.5"},
		{"ATE0", "OK"},
		{"03", "SEARCHING...\r43 01 23 01 33 00 00"},
		{"04", "44"},
		{"03", "43 00 00 00 00 00 00"},
		{"01FF", "NO DATA"},
		{"2101", "?"},
		{"can0 7DF#02010C", "OK"},
	}
	for _, tt := range tests {
		got, err := sim.Exchange(tt.cmd, deadline)
		if err != nil {
			t.Fatalf("Exchange(%q) returned error: %v", tt.cmd, err)
		}
		if got != tt.want {
			t.Errorf("Exchange(%q) = %q, want %q", tt.cmd, got, tt.want)
		}
	}
}

func TestSimulatorEngineEcho(t *testing.T) {
	sim := NewSimulator()
	sim.searched = true
	for _, pid := range []string{"0C", "0D", "05", "0F", "10", "11", "14", "0A", "0B", "0E", "2F", "33", "3C"} {
		got, err := sim.Exchange("01"+pid, time.Now().Add(time.Second))
		if err != nil {
			t.Fatalf("Exchange(01%s) returned error: %v", pid, err)
		}
		if !strings.HasPrefix(got, "41 "+pid+" ") {
			t.Errorf("Exchange(01%s) = %q, want 41 %s echo", pid, got, pid)
		}
	}
}

func TestSimulatorFuelLevelIsFixed(t *testing.T) {
	sim := NewSimulator()
	sim.searched = true
	got, err := sim.Exchange("012F", time.Now().Add(time.Second))
	if err != nil {
		t.Fatalf("Exchange(012F) returned error: %v", err)
	}
	if got != "41 2F 9E" {
		t.Fatalf("Exchange(012F) = %q, want 41 2F 9E (62%%)", got)
	}
}
