package sink

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/InfluxCommunity/influxdb3-go/v2/influxdb3"

	"github.com/shaunagostinho/obdsec/internal/obd"
)

// Measurement is the InfluxDB measurement readings are written to.
const Measurement = "obd_readings"

// InfluxConfig configures the InfluxDB writer.
type InfluxConfig struct {
	URL      string
	Token    string
	Database string
	Batch    int
}

type pointWriter interface {
	WritePoints(ctx context.Context, points []*influxdb3.Point, options ...influxdb3.WriteOption) error
	Close() error
}

// InfluxWriter batches readings and writes them as points. Write never
// blocks; readings are dropped when the queue is full.
type InfluxWriter struct {
	client    pointWriter
	batchSize int
	batch     []obd.Reading
	in        chan obd.Reading
	flushTick time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// NewInfluxWriter creates the client and starts the write loop.
func NewInfluxWriter(cfg InfluxConfig) (*InfluxWriter, error) {
	client, err := influxdb3.New(influxdb3.ClientConfig{
		Host:     cfg.URL,
		Token:    cfg.Token,
		Database: cfg.Database,
	})
	if err != nil {
		return nil, fmt.Errorf("sink: influxdb client: %w", err)
	}
	w := newInfluxWriter(client, cfg.Batch, time.Second)
	log.Printf("[influx] writing to %s/%s", cfg.URL, cfg.Database)
	return w, nil
}

func newInfluxWriter(client pointWriter, batchSize int, flushEvery time.Duration) *InfluxWriter {
	if batchSize <= 0 {
		batchSize = 50
	}
	ctx, cancel := context.WithCancel(context.Background())
	w := &InfluxWriter{
		client:    client,
		batchSize: batchSize,
		batch:     make([]obd.Reading, 0, batchSize),
		in:        make(chan obd.Reading, max(batchSize*2, 256)),
		flushTick: flushEvery,
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	go w.writeLoop()
	return w
}

// Write queues r. Its signature matches monitor.Listener.
func (w *InfluxWriter) Write(r obd.Reading) {
	select {
	case w.in <- r:
	case <-w.ctx.Done():
	default:
		log.Printf("[influx] queue full, dropping %s", r.PID)
	}
}

func (w *InfluxWriter) writeLoop() {
	defer close(w.done)
	tick := time.NewTicker(w.flushTick)
	defer tick.Stop()
	for {
		select {
		case <-w.ctx.Done():
			w.drain()
			w.flush(context.Background())
			return
		case r := <-w.in:
			w.batch = append(w.batch, r)
			if len(w.batch) >= w.batchSize {
				w.flush(w.ctx)
			}
		case <-tick.C:
			w.flush(w.ctx)
		}
	}
}

func (w *InfluxWriter) drain() {
	for {
		select {
		case r := <-w.in:
			w.batch = append(w.batch, r)
		default:
			return
		}
	}
}

func (w *InfluxWriter) flush(ctx context.Context) {
	if len(w.batch) == 0 {
		return
	}
	points := make([]*influxdb3.Point, 0, len(w.batch))
	for _, r := range w.batch {
		points = append(points, influxdb3.NewPoint(Measurement, tagsFor(r), fieldsFor(r), r.Timestamp))
	}
	if err := w.client.WritePoints(ctx, points); err != nil {
		log.Printf("[influx] write %d points: %v", len(points), err)
	}
	w.batch = w.batch[:0]
}

func tagsFor(r obd.Reading) map[string]string {
	return map[string]string{"pid": r.PID, "unit": r.Unit}
}

// fieldsFor omits value when the reading carried none.
func fieldsFor(r obd.Reading) map[string]any {
	f := map[string]any{"raw": r.Raw}
	if r.Value != nil {
		f["value"] = *r.Value
	}
	return f
}

// Close flushes pending readings and closes the client.
func (w *InfluxWriter) Close() error {
	var err error
	w.once.Do(func() {
		w.cancel()
		<-w.done
		err = w.client.Close()
	})
	return err
}
