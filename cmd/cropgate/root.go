package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/pixeltools/cropgate/internal/logging"
	"github.com/pixeltools/cropgate/internal/metrics"
	"github.com/pixeltools/cropgate/internal/preview"
	"github.com/pixeltools/cropgate/internal/rendezvous"
	"github.com/pixeltools/cropgate/internal/server"
)

var (
	flagAddr          string
	flagPreviewDir    string
	flagPreviewMaxDim int
	flagPreviewMaxAge time.Duration
	flagPollInterval  time.Duration
	flagWaitTimeout   time.Duration
	flagLogLevel      string
)

var rootCmd = &cobra.Command{
	Use:   "cropgate",
	Short: "Rendezvous service for interactive image cropping",
	Long: `cropgate pairs blocked pipeline workers with asynchronous crop decisions.

It serves the decision submission endpoint, a server-sent-events feed of
pending crop requests, stored previews, and prometheus metrics. Pipeline
workers embed the library side (internal/pipeline) in the same process.`,
	RunE: runServe,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("cropgate %s\n", Version)
		fmt.Printf("  Build time: %s\n", BuildTime)
		fmt.Printf("  Git commit: %s\n", GitCommit)
	},
}

func init() {
	rootCmd.Flags().StringVar(&flagAddr, "addr", ":8188", "HTTP listen address")
	rootCmd.Flags().StringVar(&flagPreviewDir, "preview-dir", "", "directory for preview files (default: OS temp dir)")
	rootCmd.Flags().IntVar(&flagPreviewMaxDim, "preview-max-dim", preview.DefaultMaxDimension, "longest side of stored previews in pixels")
	rootCmd.Flags().DurationVar(&flagPreviewMaxAge, "preview-max-age", time.Hour, "age after which previews are swept")
	rootCmd.Flags().DurationVar(&flagPollInterval, "poll-interval", rendezvous.DefaultPollInterval, "cancellation poll cadence for waiting workers")
	rootCmd.Flags().DurationVar(&flagWaitTimeout, "wait-timeout", rendezvous.DefaultTimeout, "deadline for a crop decision to arrive")
	rootCmd.Flags().StringVar(&flagLogLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.AddCommand(versionCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	log := logging.New(logging.ParseLevel(flagLogLevel))
	log.Info("starting cropgate", "version", Version, "addr", flagAddr)

	registry := rendezvous.NewRegistry(log)
	previews, err := preview.NewStore(flagPreviewDir, flagPreviewMaxDim)
	if err != nil {
		return err
	}
	m := metrics.New(registry.Len)

	srv := server.New(server.Config{
		Registry: registry,
		Previews: previews,
		Metrics:  m,
		Log:      log,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go sweepPreviews(ctx, previews, flagPreviewMaxAge, log)

	httpSrv := &http.Server{
		Addr:    flagAddr,
		Handler: srv.Router(),
	}
	errCh := make(chan error, 1)
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}

// sweepPreviews periodically removes stale preview files.
func sweepPreviews(ctx context.Context, store *preview.Store, maxAge time.Duration, log *slog.Logger) {
	interval := maxAge / 4
	if interval < time.Minute {
		interval = time.Minute
	}
	tick := time.NewTicker(interval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			n, err := store.Sweep(maxAge)
			if err != nil {
				log.Warn("preview sweep failed", "error", err)
				continue
			}
			if n > 0 {
				log.Info("swept stale previews", "removed", n)
			}
		}
	}
}
