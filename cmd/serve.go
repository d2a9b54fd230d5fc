package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"reflect"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/terraconstructs/gridauth/internal/auth"
	"github.com/terraconstructs/gridauth/internal/config"
	"github.com/terraconstructs/gridauth/internal/logging"
	"github.com/terraconstructs/gridauth/internal/server"
	"github.com/terraconstructs/gridauth/internal/telemetry"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the authenticating proxy",
	Long: `Assembles the request pipeline, then serves HTTP/1.1 and h2c, proxying verified
requests to server.upstream_url.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.Server.UpstreamURL == "" {
			return errors.New("server.upstream_url is required")
		}

		logger, closeLog, err := logging.New(cfg.Log)
		if err != nil {
			return fmt.Errorf("configure logging: %w", err)
		}
		defer func() {
			_ = logger.Sync()
			_ = closeLog()
		}()

		shutdownTelemetry, err := telemetry.Init(cmd.Context(), cfg.Telemetry, logger)
		if err != nil {
			return fmt.Errorf("configure telemetry: %w", err)
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdownTelemetry(ctx); err != nil {
				logger.Warn("telemetry shutdown failed", zap.Error(err))
			}
		}()

		metrics, err := telemetry.NewAuthMetrics()
		if err != nil {
			return fmt.Errorf("create metrics: %w", err)
		}

		// Auth settings are re-read from the watched file on every verifier build, so
		// a missing discovery URL or audience can be fixed without a restart.
		watcher := config.Watch(cfg, func(err error) {
			logger.Error("configuration reload rejected", zap.Error(err))
		})
		settings := func() auth.VerifierSettings {
			return auth.SettingsFromConfig(watcher.Current())
		}

		comps, err := server.NewAuthComponents(cfg, settings, auth.OIDCBuilder(), logger, metrics)
		if err != nil {
			return err
		}

		previous := settings()
		watcher.Subscribe(func(next *config.Config) {
			updated := auth.SettingsFromConfig(next)
			if reflect.DeepEqual(previous, updated) {
				return
			}
			previous = updated
			if comps.Delegate.Ready() {
				comps.Delegate.Reset()
			}
			logger.Info("auth settings changed, token verifier will be rebuilt on next request")
		})

		upstream, err := server.NewUpstreamProxy(cfg.Server.UpstreamURL, logger.Named("proxy"))
		if err != nil {
			return err
		}

		router, err := server.NewRouter(server.RouterOptions{
			Cfg:       cfg,
			Auth:      comps,
			Logger:    logger,
			Metrics:   metrics,
			AccessLog: true,
			Upstream:  upstream,
		})
		if err != nil {
			return fmt.Errorf("assemble request pipeline: %w", err)
		}

		srv := &http.Server{
			Addr:              cfg.Server.Addr,
			Handler:           server.NewH2CHandler(router),
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      60 * time.Second,
			IdleTimeout:       120 * time.Second,
			ErrorLog:          zap.NewStdLog(logger.Named("http")),
		}

		serverErrors := make(chan error, 1)
		go func() {
			logger.Info("starting server",
				zap.String("addr", cfg.Server.Addr),
				zap.String("upstream", cfg.Server.UpstreamURL))
			serverErrors <- srv.ListenAndServe()
		}()

		shutdown := make(chan os.Signal, 1)
		signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(shutdown)

		select {
		case err := <-serverErrors:
			return fmt.Errorf("server error: %w", err)

		case sig := <-shutdown:
			logger.Info("shutting down gracefully", zap.Stringer("signal", sig))

			ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()

			if err := srv.Shutdown(ctx); err != nil {
				_ = srv.Close()
				return fmt.Errorf("graceful shutdown failed: %w", err)
			}

			logger.Info("server stopped")
			return nil
		}
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
