package cli

import (
	"context"
	"log"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/shaunagostinho/obdsec/internal/obd"
	"github.com/shaunagostinho/obdsec/internal/server"
	"github.com/shaunagostinho/obdsec/internal/session"
	"github.com/shaunagostinho/obdsec/internal/transport"
	"github.com/shaunagostinho/obdsec/web"
)

func newServeCmd(a *app) *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the live dashboard and poll the configured PIDs",
		Long: `Start the web dashboard, then connect to the adapter in the background
and poll the configured PIDs. The dashboard is available immediately; the
adapter connection is retried with backoff until it succeeds.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if listen != "" {
				a.cfg.Server.ListenAddr = listen
			}
			kind, err := a.adapterKind()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			sess := a.newSession()
			defer sess.Disconnect()

			var frames server.FrameSource
			if a.cfg.Archive.Enabled {
				arc, err := a.openArchive(ctx)
				if err != nil {
					log.Printf("[archive] disabled: %v", err)
				} else {
					defer arc.Close()
					frames = arc
				}
			}

			srv := server.New(a.cfg, sess, web.FS, frames)
			out := a.openSinks(ctx, "")
			defer out.Close()

			g, ctx := errgroup.WithContext(ctx)
			g.Go(func() error { return srv.Run(ctx) })
			g.Go(func() error {
				return a.poll(ctx, sess, kind, srv, out)
			})
			return g.Wait()
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "override listen address (e.g. :8080)")
	return cmd
}

// poll connects, registers the configured PIDs and keeps the monitor
// running until ctx ends. A dropped connection is re-established.
func (a *app) poll(ctx context.Context, sess *session.Session, kind transport.AdapterKind, srv *server.Server, out *sinks) error {
	m := sess.Monitor()
	for _, p := range a.cfg.Monitor.PIDs {
		err := m.Register(p, func(r obd.Reading) {
			srv.PublishReading(r)
			out.Write(r)
		})
		if err != nil {
			log.Printf("[monitor] skipping %s: %v", p, err)
		}
	}
	m.AddErrorListener(srv.PublishError)
	interval := time.Duration(a.cfg.Monitor.IntervalMs) * time.Millisecond

	for {
		if !connectWithRetry(ctx, "adapter", func() error {
			_, err := sess.Connect(ctx, kind, a.cfg.Adapter.Port, a.cfg.Adapter.BaudRate)
			return err
		}, 10) {
			return nil
		}
		if err := m.Start(ctx, interval); err != nil {
			return err
		}
		// Disconnect stops the monitor; wait for that or shutdown.
		for m.Running() {
			select {
			case <-ctx.Done():
				m.Stop()
				return nil
			case <-time.After(time.Second):
			}
		}
		if ctx.Err() != nil {
			m.Stop()
			return nil
		}
		log.Printf("[adapter] connection lost, reconnecting")
		sess.Disconnect()
	}
}

// connectWithRetry calls connect with exponential backoff, starting at 1s
// and doubling up to 60s. After maxAttempts failures it keeps retrying at
// the maximum interval. It returns false if ctx ends first.
func connectWithRetry(ctx context.Context, name string, connect func() error, maxAttempts int) bool {
	delay := 1 * time.Second
	maxDelay := 60 * time.Second
	attempt := 0

	for {
		if ctx.Err() != nil {
			return false
		}
		err := connect()
		if err == nil {
			log.Printf("[%s] connected (attempt %d)", name, attempt+1)
			return true
		}
		attempt++
		if attempt <= maxAttempts {
			log.Printf("[%s] connect attempt %d/%d failed: %v (retry in %v)",
				name, attempt, maxAttempts, err, delay)
		} else {
			log.Printf("[%s] connect attempt %d failed: %v (retry in %v)",
				name, attempt, err, delay)
		}

		select {
		case <-ctx.Done():
			return false
		case <-time.After(delay):
		}
		delay = min(delay*2, maxDelay)
	}
}
