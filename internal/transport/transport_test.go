package transport

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"
)

func connectSim(t *testing.T, sim *Simulator) *Transport {
	t.Helper()
	tr := New(WithOpener(AdapterSim, sim.Opener()))
	if _, err := tr.Connect(context.Background(), AdapterSim, "sim", 0); err != nil {
		t.Fatalf("Connect returned error: %v", err)
	}
	t.Cleanup(func() { tr.Disconnect() })
	return tr
}

func TestConnectRunsInitSequenceInOrder(t *testing.T) {
	sim := NewSimulator()
	tr := connectSim(t, sim)

	conn := tr.Connection()
	if !conn.Connected || conn.AdapterKind != AdapterSim || conn.BaudRate != 38400 {
		t.Fatalf("unexpected connection %+v", conn)
	}
	want := []string{">ATZ", "<ATZ", ">ATE0", "<ATE0", ">ATL0", "<ATL0", ">ATSP0", "<ATSP0"}
	if got := sim.Wire(); !slices.Equal(got, want) {
		t.Fatalf("wire = %v, want %v", got, want)
	}
}

func TestSendReturnsTrimmedResponse(t *testing.T) {
	sim := NewSimulator()
	sim.Responses["010C"] = "410C1AF8\r\r"
	tr := connectSim(t, sim)

	resp, err := tr.Send(context.Background(), "010C", 0)
	if err != nil {
		t.Fatalf("Send returned error: %v", err)
	}
	if resp != "410C1AF8" {
		t.Fatalf("got %q, want %q", resp, "410C1AF8")
	}
}

func TestSendWithoutConnection(t *testing.T) {
	tr := New()
	if _, err := tr.Send(context.Background(), "010C", 0); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("got %v, want ErrNotConnected", err)
	}
}

func TestConcurrentSendsDoNotInterleave(t *testing.T) {
	sim := NewSimulator()
	sim.Latency = 20 * time.Millisecond
	cmds := []string{"AA01", "AA02", "AA03", "AA04"}
	for _, c := range cmds {
		sim.Responses[c] = "R" + c
	}
	tr := connectSim(t, sim)
	initEvents := len(sim.Wire())

	var wg sync.WaitGroup
	errs := make(chan error, len(cmds))
	for _, c := range cmds {
		wg.Add(1)
		go func(c string) {
			defer wg.Done()
			resp, err := tr.Send(context.Background(), c, time.Second)
			if err != nil {
				errs <- err
				return
			}
			if resp != "R"+c {
				errs <- errors.New("response " + resp + " delivered to " + c)
			}
		}(c)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}

	wire := sim.Wire()[initEvents:]
	if len(wire) != 2*len(cmds) {
		t.Fatalf("got %d wire events, want %d: %v", len(wire), 2*len(cmds), wire)
	}
	for i := 0; i < len(wire); i += 2 {
		if wire[i][0] != '>' || wire[i+1] != "<"+wire[i][1:] {
			t.Fatalf("interleaved exchange at %d: %v", i, wire)
		}
	}
}

func TestTimeoutDrainsBeforeNextCommand(t *testing.T) {
	sim := NewSimulator()
	sim.Hang["0100"] = true
	sim.Responses["010D"] = "410D3C"
	tr := connectSim(t, sim)

	start := time.Now()
	_, err := tr.Send(context.Background(), "0100", 50*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("got %v, want ErrTimeout", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("timeout took %v", elapsed)
	}

	resp, err := tr.Send(context.Background(), "010D", 0)
	if err != nil || resp != "410D3C" {
		t.Fatalf("got %q, %v after timeout", resp, err)
	}

	wire := sim.Wire()
	hangEnd := slices.Index(wire, "<0100")
	next := slices.Index(wire, ">010D")
	if hangEnd < 0 || next < hangEnd {
		t.Fatalf("next command reached the wire before the timed-out one finished: %v", wire)
	}
}

// stuckChannel never answers until closed, whatever the deadline says.
type stuckChannel struct {
	closed chan struct{}
	once   sync.Once
}

func (c *stuckChannel) Exchange(string, time.Time) (string, error) {
	<-c.closed
	return "", ErrClosed
}

func (c *stuckChannel) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func TestStuckChannelDoesNotWedgeQueue(t *testing.T) {
	ch := &stuckChannel{closed: make(chan struct{})}
	tr := New(WithOpener(AdapterPCSC, func(string, int) (Channel, error) { return ch, nil }))
	if _, err := tr.Connect(context.Background(), AdapterPCSC, "", 0); err != nil {
		t.Fatalf("Connect returned error: %v", err)
	}
	t.Cleanup(func() { tr.Disconnect() })

	for _, cmd := range []string{"FFCA000000", "FFB0000410", "FFB0000510"} {
		start := time.Now()
		_, err := tr.Send(context.Background(), cmd, 50*time.Millisecond)
		if !errors.Is(err, ErrTimeout) {
			t.Fatalf("%s: got %v, want ErrTimeout", cmd, err)
		}
		if elapsed := time.Since(start); elapsed > time.Second {
			t.Fatalf("%s: timeout took %v", cmd, elapsed)
		}
	}
}

func TestInitFailureLeavesNoConnection(t *testing.T) {
	sim := NewSimulator()
	sim.Fail["ATE0"] = errors.New("adapter rejected ATE0")
	tr := New(WithOpener(AdapterSim, sim.Opener()))

	if _, err := tr.Connect(context.Background(), AdapterSim, "sim", 0); err == nil {
		t.Fatal("Connect succeeded, want init error")
	}
	if tr.IsConnected() {
		t.Fatal("transport still connected after failed init")
	}
	if _, err := sim.Exchange("ATZ", time.Now().Add(time.Second)); !errors.Is(err, ErrClosed) {
		t.Fatalf("channel not closed after failed init: %v", err)
	}
	if _, err := tr.Send(context.Background(), "010C", 0); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("got %v, want ErrNotConnected", err)
	}
}

func TestConnectOpenFailure(t *testing.T) {
	cause := errors.New("no such file or directory")
	tr := New(WithOpener(AdapterELM327, func(string, int) (Channel, error) { return nil, cause }))

	_, err := tr.Connect(context.Background(), AdapterELM327, "/dev/ttyUSB9", 0)
	if !errors.Is(err, ErrDeviceUnavailable) || !errors.Is(err, cause) {
		t.Fatalf("got %v, want ErrDeviceUnavailable wrapping the cause", err)
	}
}

func TestConnectTwice(t *testing.T) {
	sim := NewSimulator()
	tr := connectSim(t, sim)
	if _, err := tr.Connect(context.Background(), AdapterSim, "sim", 0); !errors.Is(err, ErrAlreadyConnected) {
		t.Fatalf("got %v, want ErrAlreadyConnected", err)
	}
}

func TestDisconnectIsIdempotentAndFiresHooks(t *testing.T) {
	sim := NewSimulator()
	tr := connectSim(t, sim)
	calls := 0
	tr.OnDisconnect(func() { calls++ })

	if err := tr.Disconnect(); err != nil {
		t.Fatalf("Disconnect returned error: %v", err)
	}
	if err := tr.Disconnect(); err != nil {
		t.Fatalf("second Disconnect returned error: %v", err)
	}
	if calls != 1 {
		t.Fatalf("hook ran %d times, want 1", calls)
	}
	if tr.IsConnected() {
		t.Fatal("still connected")
	}
}

func TestDisconnectReleasesPendingSend(t *testing.T) {
	sim := NewSimulator()
	sim.Hang["0100"] = true
	tr := connectSim(t, sim)

	done := make(chan error, 1)
	go func() {
		_, err := tr.Send(context.Background(), "0100", 5*time.Second)
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	tr.Disconnect()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("pending Send succeeded after Disconnect")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending Send not released by Disconnect")
	}
}

func TestDefaultTimeouts(t *testing.T) {
	tests := []struct {
		kind AdapterKind
		want time.Duration
	}{
		{AdapterELM327, 2 * time.Second},
		{AdapterSocketCAN, 2 * time.Second},
		{AdapterSim, 2 * time.Second},
		{AdapterPCSC, 5 * time.Second},
	}
	for _, tt := range tests {
		if got := DefaultTimeout(tt.kind); got != tt.want {
			t.Errorf("DefaultTimeout(%s) = %v, want %v", tt.kind, got, tt.want)
		}
	}
}
