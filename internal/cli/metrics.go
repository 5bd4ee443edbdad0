// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-fwtrust.
//
// go-fwtrust is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

package cli

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/jeremyhahn/go-fwtrust/internal/config"
	"github.com/jeremyhahn/go-fwtrust/pkg/health"
	"github.com/jeremyhahn/go-fwtrust/pkg/logging"
	"github.com/jeremyhahn/go-fwtrust/pkg/metrics"
	"github.com/jeremyhahn/go-fwtrust/pkg/trust"
)

var metricsListen string

// metricsCmd represents the metrics command
var metricsCmd = &cobra.Command{
	Use:   "metrics",
	Short: "Prometheus metrics",
}

var metricsServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Initialize the subsystem and serve Prometheus metrics until interrupted",
	Long: `Initialize the subsystem and serve Prometheus metrics at the configured
path, plus health probes at /health/live, /health/ready and /health/startup.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSubsystem(cmd, func(ctx context.Context, s *trust.Subsystem, cfg *config.Config) error {
			if err := s.Init(ctx); err != nil {
				return err
			}
			addr := cfg.Metrics.Listen
			if metricsListen != "" {
				addr = metricsListen
			}
			return serveMetrics(ctx, s, addr, cfg.Metrics, getConfig().Logger(cfg))
		})
	},
}

// serveMetrics blocks until ctx is cancelled
func serveMetrics(ctx context.Context, s *trust.Subsystem, addr string, cfg config.MetricsConfig, logger *logging.Logger) error {
	metrics.Enable()
	collector := metrics.StartResourceCollector(ctx, cfg.Interval, s.SampleMetrics)
	defer collector.Stop()

	checker := health.NewChecker(cfg.Interval)
	s.RegisterHealthChecks(checker)
	checker.MarkStarted()

	path := cfg.Path
	if path == "" {
		path = "/metrics"
	}
	server := &http.Server{
		Addr:              addr,
		Handler:           newMetricsRouter(path, checker),
		ReadHeaderTimeout: 10 * time.Second, // Prevent Slowloris attacks
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting metrics server", "address", addr, "path", path)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	logger.Info("stopping metrics server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func newMetricsRouter(path string, checker *health.Checker) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Handle(path, promhttp.Handler())
	r.Get("/health/live", checker.LiveHandler)
	r.Get("/health/ready", checker.ReadyHandler)
	r.Get("/health/startup", checker.StartupHandler)
	return r
}

func init() {
	metricsServeCmd.Flags().StringVar(&metricsListen, "listen", "", "listen address (default: configured)")
	metricsCmd.AddCommand(metricsServeCmd)
}
