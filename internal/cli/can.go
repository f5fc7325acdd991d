package cli

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/shaunagostinho/obdsec/internal/archive"
	"github.com/shaunagostinho/obdsec/internal/canbus"
)

type frameRow struct {
	Time      string `json:"time" yaml:"time"`
	Interface string `json:"interface" yaml:"interface"`
	ID        string `json:"id" yaml:"id"`
	Extended  bool   `json:"extended" yaml:"extended"`
	Data      string `json:"data" yaml:"data"`
}

func toRow(f canbus.Frame) frameRow {
	id := fmt.Sprintf("%03X", f.ID)
	if f.Extended {
		id = fmt.Sprintf("%08X", f.ID)
	}
	return frameRow{
		Time:      strconv.FormatFloat(f.Timestamp, 'f', 6, 64),
		Interface: f.Interface,
		ID:        id,
		Extended:  f.Extended,
		Data:      fmt.Sprintf("%X", f.Data),
	}
}

func newCANCmd(a *app) *cobra.Command {
	can := &cobra.Command{
		Use:   "can",
		Short: "Parse, replay, fuzz and sniff CAN traffic",
	}
	can.AddCommand(newCANParseCmd(a), newCANReplayCmd(a), newCANFuzzCmd(a), newCANSniffCmd(a))
	return can
}

// readCapture parses a candump log from path, or stdin for "-".
func readCapture(cmd *cobra.Command, path string) ([]canbus.Frame, error) {
	var r io.Reader = cmd.InOrStdin()
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		r = f
	}
	return canbus.ParseCapture(r)
}

func newCANParseCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "parse <capture-file>",
		Short: "Decode a candump log (\"-\" reads stdin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			frames, err := readCapture(cmd, args[0])
			if err != nil {
				return err
			}
			rows := make([]frameRow, len(frames))
			for i, f := range frames {
				rows[i] = toRow(f)
			}
			a.print(cmd, rows)
			return nil
		},
	}
}

// frameSender picks the replay/fuzz target: the SocketCAN bus when --bus
// is set, otherwise send commands over the adapter. The returned func
// releases whatever was opened.
func (a *app) frameSender(ctx context.Context, bus bool) (canbus.Sender, func(), error) {
	if bus {
		b, err := canbus.OpenBus(a.cfg.CAN.Interface)
		if err != nil {
			return nil, nil, err
		}
		return canbus.BusSender{Bus: b}, func() { b.Disconnect() }, nil
	}
	sess, err := a.connect(ctx)
	if err != nil {
		return nil, nil, err
	}
	return canbus.CommandSender{Commander: sess.Transport()}, func() { sess.Disconnect() }, nil
}

func newCANReplayCmd(a *app) *cobra.Command {
	var (
		delay time.Duration
		bus   bool
	)
	cmd := &cobra.Command{
		Use:   "replay <capture-file>",
		Short: "Send captured frames in order, preserving their timing",
		Long: `Replay a candump log. Frames are sent in file order and the gaps between
their timestamps are reproduced unless --delay sets a fixed gap.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			frames, err := readCapture(cmd, args[0])
			if err != nil {
				return err
			}
			if len(frames) == 0 {
				return fmt.Errorf("no frames in %s", args[0])
			}
			var df canbus.DelayFunc
			if cmd.Flags().Changed("delay") {
				df = canbus.FixedDelay(delay)
			}

			var n int
			if bus {
				s, release, err := a.frameSender(cmd.Context(), true)
				if err != nil {
					return err
				}
				defer release()
				n, err = canbus.Replay(cmd.Context(), s, frames, df)
				if err != nil {
					return err
				}
			} else {
				sess, err := a.connect(cmd.Context())
				if err != nil {
					return err
				}
				defer sess.Disconnect()
				// Replay through the session so a selected device's transmit
				// capability is checked.
				n, err = sess.Replay(cmd.Context(), frames, df)
				if err != nil {
					return err
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Replayed %d/%d frames.\n", n, len(frames))
			return nil
		},
	}
	cmd.Flags().DurationVar(&delay, "delay", 0, "fixed gap between frames instead of the captured timing")
	cmd.Flags().BoolVar(&bus, "bus", false, "publish directly on the configured SocketCAN interface")
	return cmd
}

func newCANFuzzCmd(a *app) *cobra.Command {
	var (
		lo, hi   uint32
		duration time.Duration
		rate     int
		maxN     int
		seed     uint64
		bus      bool
	)
	cmd := &cobra.Command{
		Use:   "fuzz",
		Short: "Send random frames with ids in [lo, hi]",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fl := cmd.Flags()
			if !fl.Changed("lo") {
				lo = a.cfg.CAN.FuzzLo
			}
			if !fl.Changed("hi") {
				hi = a.cfg.CAN.FuzzHi
			}
			if !fl.Changed("rate") && a.cfg.CAN.FuzzRateHz > 0 {
				rate = a.cfg.CAN.FuzzRateHz
			}
			if rate <= 0 {
				return fmt.Errorf("rate must be positive, got %d", rate)
			}

			s, release, err := a.frameSender(cmd.Context(), bus)
			if err != nil {
				return err
			}
			defer release()

			n, err := canbus.Fuzz(cmd.Context(), s, lo, hi, duration, canbus.FuzzOptions{
				Interface: a.cfg.CAN.Interface,
				Interval:  time.Second / time.Duration(rate),
				MaxFrames: maxN,
				Seed:      seed,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Sent %d frames with ids 0x%03X-0x%03X.\n", n, lo, hi)
			return nil
		},
	}
	f := cmd.Flags()
	f.Uint32Var(&lo, "lo", 0, "lowest id (default from config)")
	f.Uint32Var(&hi, "hi", 0x7FF, "highest id (default from config)")
	f.DurationVar(&duration, "duration", 10*time.Second, "how long to fuzz")
	f.IntVar(&rate, "rate", 100, "frames per second (default from config)")
	f.IntVar(&maxN, "max", 0, "stop after this many frames (0 for no limit)")
	f.Uint64Var(&seed, "seed", 0, "PRNG seed for a reproducible run (0 seeds from the clock)")
	f.BoolVar(&bus, "bus", false, "publish directly on the configured SocketCAN interface")
	return cmd
}

func newCANSniffCmd(a *app) *cobra.Command {
	var (
		duration time.Duration
		store    bool
	)
	cmd := &cobra.Command{
		Use:   "sniff",
		Short: "Print frames from the configured SocketCAN interface",
		Long: `Print every frame received on the configured SocketCAN interface in
candump log format. With --archive, or archive.enabled in the config,
frames are also stored in ClickHouse.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if duration > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, duration)
				defer cancel()
			}

			iface := a.cfg.CAN.Interface
			bus, err := canbus.OpenBus(iface)
			if err != nil {
				return err
			}
			defer bus.Disconnect()

			var arc *archive.Archive
			if store || a.cfg.Archive.Enabled {
				arc, err = a.openArchive(ctx)
				if err != nil {
					return err
				}
				defer arc.Close()
			}

			var mu sync.Mutex
			out := cmd.OutOrStdout()
			n := 0
			err = canbus.Sniff(ctx, bus, iface, func(f canbus.Frame) {
				mu.Lock()
				fmt.Fprintln(out, canbus.FormatCaptureLine(f))
				n++
				mu.Unlock()
				if arc != nil {
					arc.Write(f)
				}
			})
			mu.Lock()
			log.Printf("[can] sniffed %d frames on %s", n, iface)
			mu.Unlock()
			return err
		},
	}
	cmd.Flags().DurationVar(&duration, "duration", 0, "stop after this long (0 runs until interrupted)")
	cmd.Flags().BoolVar(&store, "archive", false, "store frames in the configured ClickHouse archive")
	return cmd
}

func (a *app) openArchive(ctx context.Context) (*archive.Archive, error) {
	ac := a.cfg.Archive
	return archive.Open(ctx, archive.Config{
		Addr:     ac.Addr,
		Database: ac.Database,
		Username: ac.Username,
		Password: ac.Password,
		Batch:    ac.Batch,
	})
}
