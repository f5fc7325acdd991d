// Package archive stores sniffed CAN frames in ClickHouse.
package archive

import (
	"context"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/shaunagostinho/obdsec/internal/canbus"
)

// Config configures the archive connection.
type Config struct {
	Addr     string
	Database string
	Username string
	Password string
	Table    string // defaults to can_frames
	Batch    int
}

// sendFunc inserts one batch of frames.
type sendFunc func(ctx context.Context, frames []canbus.Frame) error

// Archive batches frames and inserts them. Write never blocks; frames are
// dropped when the queue is full.
type Archive struct {
	conn      driver.Conn
	table     string
	batchSize int
	send      sendFunc

	batch []canbus.Frame
	in    chan canbus.Frame

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once

	mu      sync.Mutex
	written int
	dropped int
}

// Open connects to ClickHouse, creates the table if needed and starts the
// write loop.
func Open(ctx context.Context, cfg Config) (*Archive, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{cfg.Addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		DialTimeout: 5 * time.Second,
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("archive: open %s: %w", cfg.Addr, err)
	}
	if err := conn.Ping(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("archive: ping %s: %w", cfg.Addr, err)
	}
	table := cfg.Table
	if table == "" {
		table = "can_frames"
	}
	if err := conn.Exec(ctx, createTableSQL(table)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("archive: create table %s: %w", table, err)
	}

	a := newArchive(conn, table, nil, cfg.Batch, time.Second)
	log.Printf("[archive] writing frames to %s.%s", cfg.Database, table)
	return a, nil
}

// newArchive starts the write loop. A nil send inserts through conn.
func newArchive(conn driver.Conn, table string, send sendFunc, batchSize int, flushEvery time.Duration) *Archive {
	if batchSize <= 0 {
		batchSize = 1000
	}
	ctx, cancel := context.WithCancel(context.Background())
	a := &Archive{
		conn:      conn,
		table:     table,
		batchSize: batchSize,
		send:      send,
		batch:     make([]canbus.Frame, 0, batchSize),
		in:        make(chan canbus.Frame, max(batchSize*2, 256)),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	if a.send == nil {
		a.send = a.insert
	}
	go a.writeLoop(flushEvery)
	return a
}

func createTableSQL(table string) string {
	return fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			timestamp DateTime64(6),
			interface String,
			can_id UInt32,
			extended Bool,
			data Array(UInt8)
		) ENGINE = MergeTree()
		ORDER BY (timestamp, can_id)
		PARTITION BY toYYYYMMDD(timestamp)
		TTL toDateTime(timestamp) + INTERVAL 1 MONTH
	`, table)
}

// Write queues f. Its signature matches the canbus.Sniff callback.
func (a *Archive) Write(f canbus.Frame) {
	select {
	case a.in <- f:
	default:
		a.mu.Lock()
		a.dropped++
		a.mu.Unlock()
	}
}

// Stats returns how many frames were inserted and dropped.
func (a *Archive) Stats() (written, dropped int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.written, a.dropped
}

func (a *Archive) writeLoop(flushEvery time.Duration) {
	defer close(a.done)
	tick := time.NewTicker(flushEvery)
	defer tick.Stop()
	for {
		select {
		case <-a.ctx.Done():
			a.drain()
			a.flush(context.Background())
			return
		case f := <-a.in:
			a.batch = append(a.batch, f)
			if len(a.batch) >= a.batchSize {
				a.flush(a.ctx)
			}
		case <-tick.C:
			a.flush(a.ctx)
		}
	}
}

func (a *Archive) drain() {
	for {
		select {
		case f := <-a.in:
			a.batch = append(a.batch, f)
		default:
			return
		}
	}
}

func (a *Archive) flush(ctx context.Context) {
	if len(a.batch) == 0 {
		return
	}
	if err := a.send(ctx, a.batch); err != nil {
		log.Printf("[archive] insert %d frames: %v", len(a.batch), err)
	} else {
		a.mu.Lock()
		a.written += len(a.batch)
		a.mu.Unlock()
	}
	a.batch = a.batch[:0]
}

func (a *Archive) insert(ctx context.Context, frames []canbus.Frame) error {
	batch, err := a.conn.PrepareBatch(ctx, "INSERT INTO "+a.table)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}
	for _, f := range frames {
		if err := batch.Append(frameTime(f.Timestamp), f.Interface, f.ID, f.Extended, f.Data); err != nil {
			return fmt.Errorf("append: %w", err)
		}
	}
	return batch.Send()
}

// Recent returns up to limit of the newest archived frames on iface,
// oldest first. An empty iface matches every interface.
func (a *Archive) Recent(ctx context.Context, iface string, limit int) ([]canbus.Frame, error) {
	if a.conn == nil {
		return nil, fmt.Errorf("archive: not connected")
	}
	rows, err := a.conn.Query(ctx, fmt.Sprintf(`
		SELECT timestamp, interface, can_id, extended, data FROM %s
		WHERE (? = '' OR interface = ?)
		ORDER BY timestamp DESC
		LIMIT ?`, a.table), iface, iface, limit)
	if err != nil {
		return nil, fmt.Errorf("archive: query: %w", err)
	}
	defer rows.Close()

	var out []canbus.Frame
	for rows.Next() {
		var (
			ts   time.Time
			f    canbus.Frame
			data []uint8
		)
		if err := rows.Scan(&ts, &f.Interface, &f.ID, &f.Extended, &data); err != nil {
			return nil, fmt.Errorf("archive: scan: %w", err)
		}
		f.Timestamp = float64(ts.UnixMicro()) / 1e6
		f.Data = data
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// frameTime converts a capture timestamp in seconds to a time.
func frameTime(sec float64) time.Time {
	whole, frac := math.Modf(sec)
	return time.Unix(int64(whole), int64(math.Round(frac*1e6))*1e3).UTC()
}

// Close flushes queued frames and closes the connection.
func (a *Archive) Close() error {
	var err error
	a.once.Do(func() {
		a.cancel()
		<-a.done
		if a.conn != nil {
			err = a.conn.Close()
		}
		w, d := a.Stats()
		log.Printf("[archive] closed (%d written, %d dropped)", w, d)
	})
	return err
}
