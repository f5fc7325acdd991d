// Package cli implements the obdsec command tree.
package cli

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/shaunagostinho/obdsec/internal/config"
	"github.com/shaunagostinho/obdsec/internal/devices"
	"github.com/shaunagostinho/obdsec/internal/security"
	"github.com/shaunagostinho/obdsec/internal/session"
	"github.com/shaunagostinho/obdsec/internal/transport"
)

// app holds global flags and the state built from them in
// PersistentPreRunE.
type app struct {
	cfgFile string
	output  string
	adapter string
	port    string
	baud    int
	demo    bool
	yes     bool

	cfg       *config.Config
	formatter Formatter

	// Test seams. Production leaves them nil.
	topts []transport.Option
	exec  devices.Executor
	stdin io.Reader
}

// Execute runs the root command until it returns or SIGINT/SIGTERM
// cancels it.
func Execute() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("[main] received %v, shutting down", sig)
		cancel()
	}()

	if err := NewRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	return newRootCmd(&app{})
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "obdsec",
		Short: "OBD-II diagnostics, CAN tooling and immobilizer key analysis",
		Long: `obdsec talks to a vehicle through an ELM327, SocketCAN or PC/SC adapter.
It reads and clears diagnostics, replays and fuzzes CAN traffic, analyses
captured transponder evidence and serves a live dashboard.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load(cmd)
		},
	}

	f := root.PersistentFlags()
	f.StringVar(&a.cfgFile, "config", "", "config file (default "+config.DefaultPath+")")
	f.StringVarP(&a.output, "output", "o", "table", "output format: table, json, yaml")
	f.StringVar(&a.adapter, "adapter", "", "adapter kind: elm327, socketcan, pcsc, sim")
	f.StringVar(&a.port, "port", "", "serial port, CAN interface or reader name")
	f.IntVar(&a.baud, "baud", 0, "serial baud rate")
	f.BoolVar(&a.demo, "demo", false, "use the simulated adapter")
	f.BoolVar(&a.yes, "yes", false, "skip confirmation prompts")

	root.AddCommand(
		newReadCmd(a),
		newPIDsCmd(a),
		newDTCCmd(a),
		newVINCmd(a),
		newMonitorCmd(a),
		newCANCmd(a),
		newCrackCmd(a),
		newPredictCmd(a),
		newDevicesCmd(a),
		newPortsCmd(a),
		newConfigCmd(a),
		newServeCmd(a),
		newVersionCmd(),
	)
	return root
}

func (a *app) load(cmd *cobra.Command) error {
	path := a.cfgFile
	if path == "" {
		path = config.DefaultPath
	}
	a.cfg = config.LoadConfig(path)

	if a.adapter != "" {
		a.cfg.Adapter.Kind = a.adapter
	}
	if a.demo {
		a.cfg.Adapter.Kind = string(transport.AdapterSim)
	}
	if a.port != "" {
		a.cfg.Adapter.Port = a.port
	}
	if a.baud > 0 {
		a.cfg.Adapter.BaudRate = a.baud
	}
	switch a.output {
	case "table", "json", "yaml":
	default:
		return fmt.Errorf("unknown output format %q", a.output)
	}
	a.formatter = NewFormatter(a.output)
	return nil
}

// newSession builds a disconnected session from the loaded config.
func (a *app) newSession() *session.Session {
	exec := a.exec
	if exec == nil {
		exec = devices.ShellExecutor{Allowed: a.cfg.Devices.Allowed}
	}
	return session.New(session.Options{
		Transport: transport.New(a.topts...),
		Registry: security.NewRegistryWithOptions(security.Options{
			ExtraKeys:       a.cfg.Security.Dictionary,
			BruteforceBound: a.cfg.Security.BruteforceBound,
			FaultSeed:       a.cfg.Security.FaultSeed,
		}),
		Executor: exec,
		Timeout:  time.Duration(a.cfg.Adapter.TimeoutMs) * time.Millisecond,
	})
}

// connect builds a session and opens the configured adapter. Callers must
// Disconnect it.
func (a *app) connect(ctx context.Context) (*session.Session, error) {
	kind, err := a.adapterKind()
	if err != nil {
		return nil, err
	}
	sess := a.newSession()
	if _, err := sess.Connect(ctx, kind, a.cfg.Adapter.Port, a.cfg.Adapter.BaudRate); err != nil {
		return nil, fmt.Errorf("connect %s on %s: %w", kind, a.cfg.Adapter.Port, err)
	}
	return sess, nil
}

func (a *app) adapterKind() (transport.AdapterKind, error) {
	kind := transport.AdapterKind(a.cfg.Adapter.Kind)
	if !slices.Contains(transport.Kinds(), kind) {
		return "", fmt.Errorf("unknown adapter %q", a.cfg.Adapter.Kind)
	}
	return kind, nil
}

func (a *app) print(cmd *cobra.Command, v any) {
	fmt.Fprint(cmd.OutOrStdout(), a.formatter.Format(v))
}
