package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/Sternrassler/episode-browser/internal/web"
	"github.com/Sternrassler/episode-browser/pkg/client"
	"github.com/Sternrassler/episode-browser/pkg/guard"
)

const (
	shutdownTimeout = 10 * time.Second
	sweepInterval   = time.Minute
	loadingGrace    = 750 * time.Millisecond
)

func newServeCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the web server",
		Long:  `Starts the episode browser web server and blocks until SIGINT or SIGTERM.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if port, _ := cmd.Flags().GetString("port"); port != "" {
				a.cfg.Port = port
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.serve(ctx)
		},
	}
	cmd.Flags().StringP("port", "p", "", "Port to listen on (overrides config)")
	return cmd
}

// buildServer wires the web server. The returned flush waits for pending
// error reports.
func (a *app) buildServer(c *client.Client, rdb *redis.Client) (*web.Server, func(), error) {
	var reporter guard.Reporter = guard.NewLogReporter(a.logger)
	flush := func() {}
	if a.cfg.ReportURL != "" {
		fwd := guard.NewForwardReporter(a.cfg.ReportURL, nil, a.logger)
		reporter = guard.MultiReporter{reporter, fwd}
		flush = fwd.Flush
	}

	ready := func(ctx context.Context) error {
		if rdb == nil {
			return nil
		}
		return rdb.Ping(ctx).Err()
	}

	srv, err := web.NewServer(web.Options{
		Fetcher:        c,
		Reporter:       reporter,
		Ready:          ready,
		FaultDemo:      a.cfg.FaultDemo,
		SessionTTL:     a.cfg.SessionTTL,
		FetchTimeout:   a.cfg.FetchTimeout,
		AllowedOrigins: a.cfg.AllowedOrigins,
		MaxSessions:    a.cfg.MaxSessions,
		LoadingGrace:   loadingGrace,
		Logger:         &a.logger,
	})
	if err != nil {
		return nil, nil, err
	}
	return srv, flush, nil
}

func (a *app) serve(ctx context.Context) error {
	c, rdb, err := a.connect(ctx)
	if err != nil {
		return err
	}
	defer c.Close()
	if rdb != nil {
		defer rdb.Close()
	}

	srv, flush, err := a.buildServer(c, rdb)
	if err != nil {
		return err
	}
	defer flush()
	defer srv.Close()

	go srv.Sessions().Run(ctx, sweepInterval)

	httpSrv := &http.Server{
		Addr:              a.cfg.Addr(),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		a.logger.Info().
			Str("addr", httpSrv.Addr).
			Str("endpoint", a.cfg.GraphQLEndpoint).
			Bool("redis", rdb != nil).
			Msg("Starting episode browser")
		serverErrors <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err

	case <-ctx.Done():
		a.logger.Info().Msg("Shutdown signal received")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			a.logger.Warn().Err(err).Dur("timeout", shutdownTimeout).Msg("Graceful shutdown did not complete")
			if err := httpSrv.Close(); err != nil {
				a.logger.Error().Err(err).Msg("Error killing server")
			}
		}
		a.logger.Info().Msg("Server stopped gracefully")
		return nil
	}
}
