package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"dvbsboard/config"
	"dvbsboard/engine"
	"dvbsboard/seeding"
)

// Tools is the store plus the settings the maintenance commands read.
type Tools struct {
	Config *config.Config
	Logger *slog.Logger
	Store  engine.DocumentStore
}

var (
	configFile  string
	concurrency int
)

var rootCmd = &cobra.Command{
	Use:           "dvbsboard",
	Short:         "Live scoreboard for a vacation Bible school",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scoreboard HTTP and WebSocket server",
	RunE:  runServe,
}

var seedCmd = &cobra.Command{
	Use:   "seed --file fixture.yaml",
	Short: "Write every document of a YAML or JSON fixture to the store",
	Long: `Seed replaces each document listed in the fixture. The fixture maps
collection -> document id -> fields, for example:

  points:
    primary: {Apoints: 0, Bpoints: 0}`,
	RunE: runSeed,
}

var copyCmd = &cobra.Command{
	Use:     "copy <from> <to>",
	Short:   "Copy every document of one collection into another",
	Example: "  dvbsboard copy sched sched2025",
	Args:    cobra.ExactArgs(2),
	RunE:    runCopy,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "JSON config file (environment variables override it)")
	rootCmd.PersistentFlags().IntVar(&concurrency, "concurrency", seeding.DefaultConcurrency, "Parallel document writes for seed and copy")

	seedCmd.Flags().StringP("file", "f", "", "Fixture file (YAML or JSON)")
	_ = seedCmd.MarkFlagRequired("file")

	rootCmd.AddCommand(serveCmd, seedCmd, copyCmd)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "dvbsboard: %v\n", err)
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	app, cleanup, err := BuildApp(context.Background(), ConfigPath(configFile))
	if err != nil {
		return fmt.Errorf("failed to initialize app: %w", err)
	}
	defer cleanup()

	cfg := app.Config
	logger := app.Logger
	logger.Info("starting dvbsboard server",
		"environment", cfg.Environment,
		"profile", cfg.Profile,
		"address", cfg.Server.Address,
		"storage_adapter", cfg.Storage.Adapter,
		"visitor_view", cfg.Board.VisitorView)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return serve(ctx, app)
}

// serve runs the API and metrics listeners until ctx ends or one fails, then
// shuts both down within the configured timeout.
func serve(ctx context.Context, app *App) error {
	cfg := app.Config
	servers := []*http.Server{app.Server}
	if app.MetricsServer.Server != nil {
		servers = append(servers, app.MetricsServer.Server)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, srv := range servers {
		g.Go(func() error {
			app.Logger.Info("server listening", "address", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("listen %s: %w", srv.Addr, err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		app.Logger.Info("shutting down server", "timeout", cfg.Server.ShutdownTimeout)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		var errs []error
		for _, srv := range servers {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				errs = append(errs, fmt.Errorf("shutdown %s: %w", srv.Addr, err))
			}
		}
		return errors.Join(errs...)
	})

	if err := g.Wait(); err != nil {
		app.Logger.Error("server stopped with error", "error", err)
		return err
	}
	app.Logger.Info("server stopped")
	return nil
}

func runSeed(cmd *cobra.Command, _ []string) error {
	path, _ := cmd.Flags().GetString("file")
	fx, err := seeding.LoadFile(path)
	if err != nil {
		return err
	}
	return withTools(cmd.Context(), func(ctx context.Context, t *Tools) error {
		start := time.Now()
		if err := seeding.New(t.Store, concurrency, t.Logger).Apply(ctx, fx); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "seeded %d documents in %s\n", fx.Count(), time.Since(start).Round(time.Millisecond))
		return nil
	})
}

func runCopy(cmd *cobra.Command, args []string) error {
	return withTools(cmd.Context(), func(ctx context.Context, t *Tools) error {
		n, err := seeding.New(t.Store, concurrency, t.Logger).Copy(ctx, args[0], args[1])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "copied %d documents from %s to %s\n", n, args[0], args[1])
		return nil
	})
}

func withTools(ctx context.Context, fn func(context.Context, *Tools) error) error {
	tools, cleanup, err := BuildTools(ctx, ConfigPath(configFile))
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	defer cleanup()
	return fn(ctx, tools)
}
