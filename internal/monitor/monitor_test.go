package monitor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shaunagostinho/obdsec/internal/obd"
	"github.com/shaunagostinho/obdsec/internal/transport"
)

type fakeReader struct {
	mu    sync.Mutex
	calls []string
	fail  map[string]error
}

func (f *fakeReader) ReadPID(_ context.Context, pid string) (obd.Reading, error) {
	f.mu.Lock()
	f.calls = append(f.calls, pid)
	err := f.fail[pid]
	f.mu.Unlock()
	if err != nil {
		return obd.Reading{}, err
	}
	v := 42.0
	return obd.Reading{Timestamp: time.Now(), PID: pid, Value: &v}, nil
}

func (f *fakeReader) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRegisterCanonicalizes(t *testing.T) {
	m := New(&fakeReader{})
	if err := m.Register("010C", func(obd.Reading) {}); err != nil {
		t.Fatalf("Register returned error: %v", err)
	}
	if err := m.Register("RPM", func(obd.Reading) {}); err != nil {
		t.Fatalf("Register returned error: %v", err)
	}
	if got := m.PIDs(); len(got) != 1 || got[0] != "rpm" {
		t.Fatalf("PIDs = %v, want [rpm]", got)
	}
	if err := m.Register("boost", func(obd.Reading) {}); !errors.Is(err, obd.ErrUnknownPID) {
		t.Fatalf("got %v, want ErrUnknownPID", err)
	}
	m.Unregister("rpm")
	if got := m.PIDs(); len(got) != 0 {
		t.Fatalf("PIDs after Unregister = %v", got)
	}
}

func TestDispatchAndErrors(t *testing.T) {
	r := &fakeReader{fail: map[string]error{"speed": errors.New("bus error")}}
	m := New(r)

	var rpm, coolant atomic.Int32
	var failed atomic.Value
	m.Register("rpm", func(obd.Reading) { rpm.Add(1) })
	m.Register("speed", func(obd.Reading) { t.Error("listener fired for failing pid") })
	m.Register("coolant_temp", func(obd.Reading) { coolant.Add(1) })
	m.AddErrorListener(func(pid string, err error) { failed.Store(pid) })

	if err := m.Start(context.Background(), 10*time.Millisecond); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	waitFor(t, func() bool { return rpm.Load() >= 3 && coolant.Load() >= 3 })
	m.Stop()

	if got, _ := failed.Load().(string); got != "speed" {
		t.Fatalf("error listener got %q, want speed", got)
	}
	latest := m.Latest()
	if _, ok := latest["rpm"]; !ok {
		t.Fatalf("Latest missing rpm: %v", latest)
	}
	if _, ok := latest["speed"]; ok {
		t.Fatal("Latest holds a failed pid")
	}
}

func TestPollsSequentiallyInOrder(t *testing.T) {
	r := &fakeReader{}
	m := New(r)
	m.Register("rpm", func(obd.Reading) {})
	m.Register("speed", func(obd.Reading) {})

	m.Start(context.Background(), 5*time.Millisecond)
	waitFor(t, func() bool { return r.count() >= 6 })
	m.Stop()

	r.mu.Lock()
	defer r.mu.Unlock()
	for i, pid := range r.calls {
		want := "rpm"
		if i%2 == 1 {
			want = "speed"
		}
		if pid != want {
			t.Fatalf("call %d = %s, want %s (%v)", i, pid, want, r.calls)
		}
	}
}

func TestStartTwice(t *testing.T) {
	m := New(&fakeReader{})
	if err := m.Start(context.Background(), time.Second); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	defer m.Stop()
	if err := m.Start(context.Background(), time.Second); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("got %v, want ErrAlreadyRunning", err)
	}
}

func TestNoCallbackAfterStop(t *testing.T) {
	r := &fakeReader{}
	m := New(r)
	var n atomic.Int32
	m.Register("rpm", func(obd.Reading) { n.Add(1) })

	m.Start(context.Background(), time.Millisecond)
	waitFor(t, func() bool { return n.Load() > 0 })
	m.Stop()

	after := n.Load()
	time.Sleep(30 * time.Millisecond)
	if got := n.Load(); got != after {
		t.Fatalf("%d callbacks after Stop returned", got-after)
	}
	if m.Running() {
		t.Fatal("Running after Stop")
	}
	m.Stop()
}

func TestRestartAfterStop(t *testing.T) {
	m := New(&fakeReader{})
	m.Start(context.Background(), time.Second)
	m.Stop()
	if err := m.Start(context.Background(), time.Second); err != nil {
		t.Fatalf("restart returned error: %v", err)
	}
	m.Stop()
}

func TestParentCancelEndsLoop(t *testing.T) {
	m := New(&fakeReader{})
	ctx, cancel := context.WithCancel(context.Background())
	m.Start(ctx, time.Millisecond)
	cancel()
	waitFor(t, func() bool { return !m.Running() })
	m.Stop()
}

func TestDisconnectStopsMonitor(t *testing.T) {
	tr := transport.New()
	if _, err := tr.Connect(context.Background(), transport.AdapterSim, "sim", 0); err != nil {
		t.Fatalf("Connect returned error: %v", err)
	}
	m := New(obd.NewClient(tr))
	tr.OnDisconnect(m.Stop)

	var n atomic.Int32
	m.Register("rpm", func(obd.Reading) { n.Add(1) })
	m.Start(context.Background(), 5*time.Millisecond)
	waitFor(t, func() bool { return n.Load() > 0 })

	if err := tr.Disconnect(); err != nil {
		t.Fatalf("Disconnect returned error: %v", err)
	}
	if m.Running() {
		t.Fatal("monitor still running after disconnect")
	}
}
