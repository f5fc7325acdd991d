package devices

import (
	"context"
	"errors"
	"slices"
	"testing"
)

type fakeExec struct {
	out  map[string]string
	runs []string
}

func (f *fakeExec) Run(_ context.Context, command string) Result {
	f.runs = append(f.runs, command)
	out, ok := f.out[command]
	if !ok {
		return Result{Error: "not found"}
	}
	return Result{Success: true, Output: out}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		output string
		kind   Kind
		ok     bool
	}{
		{"hackrf_info version: 2023.01.1\nFound HackRF\nIndex: 0", KindHackRF, true},
		{"[=] Proxmark3 RFID instrument", KindProxmark3, true},
		{"NFC device: ACS / ACR122U PICC Interface opened", KindACR122, true},
		{"Found 1 device(s):\n  0:  Realtek, RTL2838UHIDIR", KindRTLSDR, true},
		{"Found Rafael Micro R820T tuner", KindRTLSDR, true},
		{"No devices found", "", false},
	}
	for _, tt := range tests {
		d, ok := Classify(tt.output)
		if ok != tt.ok || d.Kind != tt.kind {
			t.Errorf("Classify(%q) = %v, %v, want %v, %v", tt.output, d.Kind, ok, tt.kind, tt.ok)
		}
	}
}

func TestDetect(t *testing.T) {
	f := &fakeExec{out: map[string]string{
		"hackrf_info": "Found HackRF\nSerial number: 0000000000000000",
		"rtl_test -t": "Found Rafael Micro R820T tuner",
	}}
	got := Detect(context.Background(), f)
	var kinds []Kind
	for _, d := range got {
		kinds = append(kinds, d.Kind)
	}
	if !slices.Equal(kinds, []Kind{KindHackRF, KindRTLSDR}) {
		t.Fatalf("Detect = %v", kinds)
	}
	if len(f.runs) != len(probes) {
		t.Fatalf("ran %d probes, want %d", len(f.runs), len(probes))
	}
	if got[0].Info != "Found HackRF" {
		t.Fatalf("info = %q", got[0].Info)
	}
}

func TestRequire(t *testing.T) {
	rtl := Device{Kind: KindRTLSDR, Capabilities: CapReceive}
	if err := Require(rtl, CapTransmit); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("got %v, want ErrUnsupported", err)
	}
	if err := Require(rtl, CapReceive); err != nil {
		t.Fatalf("receive on rtl-sdr: %v", err)
	}
	hackrf := Device{Kind: KindHackRF, Capabilities: CapReceive | CapTransmit}
	if err := Require(hackrf, CapReceive|CapTransmit); err != nil {
		t.Fatalf("hackrf: %v", err)
	}
}

func TestCapabilityString(t *testing.T) {
	if got := (CapReceive | CapTransmit).String(); got != "receive,transmit" {
		t.Fatalf("got %q", got)
	}
	if got := Capability(0).String(); got != "none" {
		t.Fatalf("got %q", got)
	}
}

func TestClone(t *testing.T) {
	pm3 := Device{Kind: KindProxmark3, Capabilities: CapReadTag | CapWriteTag}
	f := &fakeExec{out: map[string]string{
		`pm3 -c "lf em 410x clone --id 0F00112233"`: "[+] Done",
	}}
	res, err := Clone(context.Background(), f, pm3, "0F00112233")
	if err != nil || !res.Success {
		t.Fatalf("Clone = %+v, %v", res, err)
	}

	if _, err := Clone(context.Background(), f, pm3, "0F;rm"); !errors.Is(err, ErrNotAllowed) {
		t.Fatalf("got %v, want ErrNotAllowed", err)
	}
	acr := Device{Kind: KindACR122, Capabilities: CapReadTag | CapWriteTag}
	if _, err := Clone(context.Background(), f, acr, "0F00112233"); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("got %v, want ErrUnsupported", err)
	}
}

func TestShellExecutorCheck(t *testing.T) {
	tests := []struct {
		command string
		args    []string
		ok      bool
	}{
		{"hackrf_info", []string{"hackrf_info"}, true},
		{"rtl_sdr -f 433920000 -s 2048000 out.bin", []string{"rtl_sdr", "-f", "433920000", "-s", "2048000", "out.bin"}, true},
		{`pm3 -c "hf search"`, []string{"pm3", "-c", "hf search"}, true},
		{"nfc-list -v", []string{"nfc-list", "-v"}, true},
		{"rm -rf /", nil, false},
		{"hackrf_info; rm -rf /", nil, false},
		{"rtl_test $(id)", nil, false},
		{"pm3 | tee log", nil, false},
		{`pm3 -c "unterminated`, nil, false},
		{"   ", nil, false},
	}
	for _, tt := range tests {
		args, err := ShellExecutor{}.Check(tt.command)
		if tt.ok != (err == nil) {
			t.Errorf("Check(%q) error = %v, want ok=%v", tt.command, err, tt.ok)
			continue
		}
		if !tt.ok {
			if !errors.Is(err, ErrNotAllowed) {
				t.Errorf("Check(%q) = %v, want ErrNotAllowed", tt.command, err)
			}
			continue
		}
		if !slices.Equal(args, tt.args) {
			t.Errorf("Check(%q) = %q, want %q", tt.command, args, tt.args)
		}
	}
}

func TestShellExecutorRefusesWithoutSpawning(t *testing.T) {
	res := ShellExecutor{}.Run(context.Background(), "sh -c id")
	if res.Success || res.Error == "" {
		t.Fatalf("got %+v", res)
	}
}
