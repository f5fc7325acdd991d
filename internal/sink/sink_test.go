package sink

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/InfluxCommunity/influxdb3-go/v2/influxdb3"
	MQTT "github.com/eclipse/paho.mqtt.golang"

	"github.com/shaunagostinho/obdsec/internal/obd"
)

type doneToken struct{}

func (doneToken) Wait() bool                     { return true }
func (doneToken) WaitTimeout(time.Duration) bool { return true }
func (doneToken) Done() <-chan struct{} {
	c := make(chan struct{})
	close(c)
	return c
}
func (doneToken) Error() error { return nil }

type published struct {
	topic   string
	qos     byte
	payload []byte
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs []published
}

func (f *fakePublisher) Publish(topic string, qos byte, _ bool, payload interface{}) MQTT.Token {
	f.mu.Lock()
	f.msgs = append(f.msgs, published{topic, qos, payload.([]byte)})
	f.mu.Unlock()
	return doneToken{}
}

func rpmReading(v float64) obd.Reading {
	return obd.Reading{Timestamp: time.UnixMilli(1700000000123), PID: "rpm", Value: &v, Unit: "rpm", Raw: "410C1AF8"}
}

func TestMQTTPublish(t *testing.T) {
	f := &fakePublisher{}
	p := &MQTTPublisher{pub: f, prefix: "car/obd", qos: 1}
	p.Publish(rpmReading(1726))
	p.Publish(obd.Reading{PID: "speed", Unit: "km/h", Raw: "NO DATA"})

	if len(f.msgs) != 2 {
		t.Fatalf("published %d messages", len(f.msgs))
	}
	if f.msgs[0].topic != "car/obd/rpm" || f.msgs[0].qos != 1 {
		t.Fatalf("got topic %q qos %d", f.msgs[0].topic, f.msgs[0].qos)
	}
	var got Payload
	if err := json.Unmarshal(f.msgs[0].payload, &got); err != nil {
		t.Fatal(err)
	}
	if got.Value == nil || *got.Value != 1726 || got.Stamp != 1700000000123 {
		t.Fatalf("payload = %+v", got)
	}
	if err := json.Unmarshal(f.msgs[1].payload, &got); err != nil || got.Value != nil {
		t.Fatalf("missing value payload = %s", f.msgs[1].payload)
	}
}

func TestMQTTTopicWithoutPrefix(t *testing.T) {
	if got := (&MQTTPublisher{}).Topic("maf"); got != "maf" {
		t.Fatalf("got %q", got)
	}
}

type fakePoints struct {
	mu     sync.Mutex
	writes [][]*influxdb3.Point
	closed bool
}

func (f *fakePoints) WritePoints(_ context.Context, points []*influxdb3.Point, _ ...influxdb3.WriteOption) error {
	f.mu.Lock()
	f.writes = append(f.writes, points)
	f.mu.Unlock()
	return nil
}

func (f *fakePoints) Close() error {
	f.closed = true
	return nil
}

func (f *fakePoints) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, w := range f.writes {
		n += len(w)
	}
	return n
}

func TestInfluxBatches(t *testing.T) {
	f := &fakePoints{}
	w := newInfluxWriter(f, 3, time.Hour)
	for i := range 7 {
		w.Write(rpmReading(float64(i)))
	}
	deadline := time.Now().Add(2 * time.Second)
	for f.total() < 6 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := f.total(); got != 6 {
		t.Fatalf("wrote %d points before close, want 6", got)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close returned error: %v", err)
	}
	if got := f.total(); got != 7 {
		t.Fatalf("wrote %d points after close, want 7", got)
	}
	if !f.closed {
		t.Fatal("client not closed")
	}
	w.Close()
}

func TestInfluxFlushesOnTick(t *testing.T) {
	f := &fakePoints{}
	w := newInfluxWriter(f, 100, 10*time.Millisecond)
	defer w.Close()
	w.Write(rpmReading(1))
	deadline := time.Now().Add(2 * time.Second)
	for f.total() < 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if f.total() != 1 {
		t.Fatal("tick did not flush")
	}
}

func TestFieldsOmitMissingValue(t *testing.T) {
	f := fieldsFor(obd.Reading{PID: "speed", Raw: "NO DATA"})
	if _, ok := f["value"]; ok {
		t.Fatalf("fields = %v", f)
	}
	f = fieldsFor(rpmReading(900))
	if f["value"] != 900.0 {
		t.Fatalf("fields = %v", f)
	}
	if tags := tagsFor(rpmReading(1)); tags["pid"] != "rpm" {
		t.Fatalf("tags = %v", tags)
	}
}
