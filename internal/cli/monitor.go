package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/shaunagostinho/obdsec/internal/monitor"
	"github.com/shaunagostinho/obdsec/internal/obd"
	"github.com/shaunagostinho/obdsec/internal/recorder"
	"github.com/shaunagostinho/obdsec/internal/sink"
)

// sinks fans readings out to the recorder, MQTT and InfluxDB outputs
// enabled in the config.
type sinks struct {
	rec    *recorder.Recorder
	mqtt   *sink.MQTTPublisher
	influx *sink.InfluxWriter
}

// openSinks starts every enabled output. Outputs that fail to start are
// logged and skipped so monitoring still runs.
func (a *app) openSinks(ctx context.Context, recordPath string) *sinks {
	s := &sinks{}

	lc := a.cfg.Logging
	if recordPath != "" {
		lc.Enabled, lc.Path = true, recordPath
	}
	if lc.Enabled {
		s.rec = recorder.New(recorder.Config{Enabled: true, Path: lc.Path, MaxBytes: lc.MaxBytes})
	}

	if mc := a.cfg.MQTT; mc.Enabled {
		p := sink.NewMQTTPublisher(sink.MQTTConfig{
			Broker:   mc.Broker,
			ClientID: mc.ClientID,
			Username: mc.Username,
			Password: mc.Password,
			Prefix:   mc.Prefix,
			QoS:      mc.QoS,
		})
		cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		if err := p.Connect(cctx); err != nil {
			log.Printf("[mqtt] disabled: %v", err)
		} else {
			s.mqtt = p
		}
		cancel()
	}

	if ic := a.cfg.Influx; ic.Enabled {
		w, err := sink.NewInfluxWriter(sink.InfluxConfig{
			URL:      ic.URL,
			Token:    ic.Token,
			Database: ic.Database,
			Batch:    ic.Batch,
		})
		if err != nil {
			log.Printf("[influx] disabled: %v", err)
		} else {
			s.influx = w
		}
	}
	return s
}

// Write is a monitor.Listener.
func (s *sinks) Write(r obd.Reading) {
	if s.rec != nil {
		s.rec.Record(r)
	}
	if s.mqtt != nil {
		s.mqtt.Publish(r)
	}
	if s.influx != nil {
		s.influx.Write(r)
	}
}

func (s *sinks) Close() {
	if s.rec != nil {
		s.rec.Close()
	}
	if s.mqtt != nil {
		s.mqtt.Close()
	}
	if s.influx != nil {
		if err := s.influx.Close(); err != nil {
			log.Printf("[influx] close: %v", err)
		}
	}
}

// readingPrinter writes one line per reading. Table output is
// "timestamp pid value unit"; json and yaml both emit JSON lines.
type readingPrinter struct {
	mu    sync.Mutex
	w     io.Writer
	table bool
}

func (p *readingPrinter) Print(r obd.Reading) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.table {
		fmt.Fprintf(p.w, "%s  %-14s %10s %s\n", r.Timestamp.Format("15:04:05.000"), r.PID, r.FormatValue(), r.Unit)
		return
	}
	b, _ := json.Marshal(r)
	fmt.Fprintf(p.w, "%s\n", b)
}

func (p *readingPrinter) Error(pid string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.w, "%-14s error: %v\n", pid, err)
}

func newMonitorCmd(a *app) *cobra.Command {
	var (
		interval time.Duration
		duration time.Duration
		record   string
	)
	cmd := &cobra.Command{
		Use:   "monitor [pid]...",
		Short: "Poll PIDs periodically until interrupted",
		Long: `Poll PIDs at a fixed interval and print each reading. Readings are also
recorded to CSV and forwarded to MQTT and InfluxDB when those outputs are
enabled in the config. Without arguments the configured PID list is used.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			pids := args
			if len(pids) == 0 {
				pids = a.cfg.Monitor.PIDs
			}
			if !cmd.Flags().Changed("interval") && a.cfg.Monitor.IntervalMs > 0 {
				interval = time.Duration(a.cfg.Monitor.IntervalMs) * time.Millisecond
			}

			ctx := cmd.Context()
			if duration > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, duration)
				defer cancel()
			}

			sess, err := a.connect(ctx)
			if err != nil {
				return err
			}
			defer sess.Disconnect()

			out := a.openSinks(ctx, record)
			defer out.Close()
			pr := &readingPrinter{w: cmd.OutOrStdout(), table: a.output == "table"}

			m := sess.Monitor()
			for _, p := range pids {
				err := m.Register(p, func(r obd.Reading) {
					pr.Print(r)
					out.Write(r)
				})
				if err != nil {
					return err
				}
			}
			m.AddErrorListener(pr.Error)

			if err := m.Start(ctx, interval); err != nil {
				return err
			}
			<-ctx.Done()
			m.Stop()
			return nil
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", monitor.DefaultInterval, "poll interval")
	cmd.Flags().DurationVar(&duration, "duration", 0, "stop after this long (0 runs until interrupted)")
	cmd.Flags().StringVar(&record, "record", "", "record readings as CSV into this directory")
	return cmd
}
