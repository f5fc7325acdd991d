package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"testing/fstest"
	"time"

	"github.com/gorilla/websocket"

	"github.com/shaunagostinho/obdsec/internal/canbus"
	"github.com/shaunagostinho/obdsec/internal/config"
	"github.com/shaunagostinho/obdsec/internal/obd"
	"github.com/shaunagostinho/obdsec/internal/session"
	"github.com/shaunagostinho/obdsec/internal/transport"
)

type fakeFrames []canbus.Frame

func (f fakeFrames) Recent(_ context.Context, _ string, limit int) ([]canbus.Frame, error) {
	return f[:min(limit, len(f))], nil
}

func newTestServer(t *testing.T, connect bool) (*Server, *httptest.Server, *transport.Simulator) {
	t.Helper()
	sim := transport.NewSimulator()
	sess := session.New(session.Options{
		Transport: transport.New(transport.WithOpener(transport.AdapterSim, sim.Opener())),
	})
	if connect {
		if _, err := sess.Connect(context.Background(), transport.AdapterSim, "sim", 0); err != nil {
			t.Fatalf("Connect returned error: %v", err)
		}
		t.Cleanup(func() { sess.Disconnect() })
	}
	webFS := fstest.MapFS{"index.html": {Data: []byte("<html>obdsec</html>")}}
	frames := fakeFrames{canbus.NewFrame("can0", 0x7E8, []byte{0x41, 0x0C})}
	s := New(config.DefaultConfig(), sess, webFS, frames)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, ts, sim
}

func getJSON(t *testing.T, method, url string, v any) int {
	t.Helper()
	req, _ := http.NewRequest(method, url, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if v != nil {
		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

func TestPIDEndpoint(t *testing.T) {
	_, ts, sim := newTestServer(t, true)
	sim.Responses["010C"] = "41 0C 1A F8"

	var rd obd.Reading
	if code := getJSON(t, http.MethodGet, ts.URL+"/api/pid/rpm", &rd); code != http.StatusOK {
		t.Fatalf("status %d", code)
	}
	if rd.Value == nil || *rd.Value != 1726 || rd.PID != "rpm" {
		t.Fatalf("reading = %+v", rd)
	}

	var e map[string]string
	if code := getJSON(t, http.MethodGet, ts.URL+"/api/pid/boost", &e); code != http.StatusNotFound {
		t.Fatalf("unknown pid status %d (%v)", code, e)
	}
}

func TestPIDEndpointNotConnected(t *testing.T) {
	_, ts, _ := newTestServer(t, false)
	if code := getJSON(t, http.MethodGet, ts.URL+"/api/pid/rpm", nil); code != http.StatusServiceUnavailable {
		t.Fatalf("status %d", code)
	}
}

func TestDTCEndpoints(t *testing.T) {
	_, ts, _ := newTestServer(t, true)

	var list struct{ Codes []string }
	if code := getJSON(t, http.MethodGet, ts.URL+"/api/dtc", &list); code != http.StatusOK {
		t.Fatalf("status %d", code)
	}
	if len(list.Codes) != 2 || list.Codes[0] != "P0123" || list.Codes[1] != "P0133" {
		t.Fatalf("codes = %v", list.Codes)
	}

	var cleared map[string]bool
	getJSON(t, http.MethodDelete, ts.URL+"/api/dtc", &cleared)
	if !cleared["cleared"] {
		t.Fatalf("clear = %v", cleared)
	}
	getJSON(t, http.MethodGet, ts.URL+"/api/dtc", &list)
	if len(list.Codes) != 0 {
		t.Fatalf("codes after clear = %v", list.Codes)
	}
}

func TestVINEndpoint(t *testing.T) {
	_, ts, _ := newTestServer(t, true)
	var got map[string]string
	getJSON(t, http.MethodGet, ts.URL+"/api/vin", &got)
	if got["vin"] != "1D4GP00R55B123456" {
		t.Fatalf("vin = %v", got)
	}
}

func TestConfigEndpoint(t *testing.T) {
	s, ts, _ := newTestServer(t, false)
	resp, err := http.Post(ts.URL+"/api/config", "application/json", strings.NewReader(`{"monitor":{"intervalMs":250}}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	if s.cfg.Monitor.IntervalMs != 250 {
		t.Fatalf("interval = %d", s.cfg.Monitor.IntervalMs)
	}

	var cfg map[string]any
	getJSON(t, http.MethodGet, ts.URL+"/api/config", &cfg)
	if _, ok := cfg["adapter"]; !ok {
		t.Fatalf("config = %v", cfg)
	}
	if code := getJSON(t, http.MethodPut, ts.URL+"/api/config", nil); code != http.StatusMethodNotAllowed {
		t.Fatalf("PUT status %d", code)
	}
}

func TestFramesAndHistory(t *testing.T) {
	_, ts, _ := newTestServer(t, false)
	var frames struct{ Frames []string }
	getJSON(t, http.MethodGet, ts.URL+"/api/frames?limit=5", &frames)
	if len(frames.Frames) != 1 || !strings.HasSuffix(frames.Frames[0], "can0 7E8#410C") {
		t.Fatalf("frames = %v", frames.Frames)
	}
	var hist []session.KeyRecord
	if code := getJSON(t, http.MethodGet, ts.URL+"/api/history", &hist); code != http.StatusOK || len(hist) != 0 {
		t.Fatalf("history %d %v", code, hist)
	}
}

func TestWebSocketBroadcast(t *testing.T) {
	s, ts, _ := newTestServer(t, true)
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var first Message
	if err := conn.ReadJSON(&first); err != nil {
		t.Fatalf("read status: %v", err)
	}
	if first.Status == nil || !first.Status.Connection.Connected {
		t.Fatalf("first message = %+v", first)
	}

	v := 88.0
	s.PublishReading(obd.Reading{PID: "speed", Value: &v, Unit: "km/h"})
	s.PublishError("maf", errors.New("NO DATA"))

	var msg Message
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read reading: %v", err)
	}
	if msg.Reading == nil || msg.Reading.PID != "speed" || *msg.Reading.Value != 88 {
		t.Fatalf("reading message = %+v", msg)
	}
	msg = Message{}
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read error: %v", err)
	}
	if msg.Error == nil || msg.Error.PID != "maf" {
		t.Fatalf("error message = %+v", msg)
	}
}

func TestStaticFiles(t *testing.T) {
	_, ts, _ := newTestServer(t, false)
	resp, err := http.Get(ts.URL + "/")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
}
