package cli

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/specforge/specforge/internal/engine"
	"github.com/specforge/specforge/internal/interfaces/rest"
	"github.com/specforge/specforge/internal/notify"
	"github.com/specforge/specforge/internal/refresh"
)

// ServeOptions holds flags for the serve command
type ServeOptions struct {
	*RootOptions
	Addr          string
	Driver        string
	DSN           string
	Bootstrap     bool
	FlushInterval time.Duration
}

// NewServeCommand creates the serve command
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve <actions-dir>",
		Short: "Serve compiled actions over HTTP",
		Long: `Serve compiles the action specs in the given directory and exposes
them at POST /api/actions/:name/invoke behind JWT auth. Deferred
view refreshes from batch actions flush on a background schedule.`,
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, args[0])
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", envOr("ADDR", ":8080"), "listen address")
	cmd.Flags().StringVar(&opts.Driver, "driver", envOr("DB_DRIVER", "sqlite3"), "database driver (sqlite3|mysql)")
	cmd.Flags().StringVar(&opts.DSN, "dsn", envOr("DB_DSN", "specforge.db"), "database DSN")
	cmd.Flags().BoolVar(&opts.Bootstrap, "bootstrap", false, "create entity and view tables on startup")
	cmd.Flags().DurationVar(&opts.FlushInterval, "flush-interval", 5*time.Second, "deferred refresh flush interval")

	return cmd
}

func runServe(opts *ServeOptions, actionsDir string) error {
	ctx, err := loadContext(opts.RootOptions)
	if err != nil {
		return err
	}

	eng, err := engine.Open(opts.Driver, opts.DSN)
	if err != nil {
		return err
	}
	defer eng.Close()

	pingCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	err = eng.Ping(pingCtx)
	cancel()
	if err != nil {
		return err
	}
	log.Printf("connected to %s database", opts.Driver)

	if opts.Bootstrap {
		if err := eng.CreateEntityTables(context.Background(), ctx.Entities, ctx.Views); err != nil {
			return err
		}
		log.Println("entity and view tables ready")
	}

	procs, err := compileDir(ctx, actionsDir)
	if err != nil {
		return err
	}
	log.Printf("compiled %d action(s)", len(procs))

	bus := notify.NewBus(256)
	defer bus.Close()
	ctx.Notifier = bus

	coalescer := refresh.NewCoalescer(eng, ctx)
	if err := coalescer.Start(opts.FlushInterval); err != nil {
		return err
	}
	defer coalescer.Stop()
	ctx.Deferred = coalescer

	srv := &http.Server{
		Addr:    opts.Addr,
		Handler: rest.NewRouter(ctx, eng),
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("listening on %s", opts.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return err
	case sig := <-quit:
		log.Printf("received %s, shutting down", sig)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
