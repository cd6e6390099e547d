package commands

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/TimurManjosov/appconfig/appconfig"
	"github.com/TimurManjosov/appconfig/internal/telemetry"
)

var metricsAddr string

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow configuration changes",
	Long: `Keep the configuration in sync with the service and print a line for
every update until interrupted. With --offline the bootstrap file is watched
instead.

With --metrics-addr, Prometheus metrics are served on /metrics and a
liveness check on /healthz.

Examples:
  appconfig watch --profile prod
  appconfig watch --metrics-addr :9100`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return fmt.Errorf("configuration error: %w", err)
		}
		if metricsAddr == "" {
			metricsAddr = cfg.MetricsAddr
		}
		logger := newLogger(cfg)
		metrics := telemetry.New()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		app, err := connect(ctx, cfg, logger, metrics, false)
		if err != nil {
			return err
		}
		defer closeApp(app, logger)

		updates, unsubscribe, err := app.Subscribe()
		if err != nil {
			return err
		}
		defer unsubscribe()

		if metricsAddr != "" {
			ln, err := net.Listen("tcp", metricsAddr)
			if err != nil {
				return fmt.Errorf("metrics listener: %w", err)
			}
			srv := &http.Server{
				Handler:     metricsRouter(metrics),
				ReadTimeout: 3 * time.Second,
				IdleTimeout: 60 * time.Second,
			}
			go func() {
				logger.Info("serving metrics", zap.String("addr", ln.Addr().String()))
				if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
					logger.Error("metrics server", zap.Error(err))
				}
			}()
			defer func() {
				ctxShut, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
				defer cancel()
				_ = srv.Shutdown(ctxShut)
			}()
		}

		out := cmd.OutOrStdout()
		if !quiet {
			fmt.Fprintf(out, "watching collection %s in environment %s\n", cfg.CollectionID, cfg.EnvironmentID)
		}
		for {
			select {
			case <-ctx.Done():
				return nil
			case version, ok := <-updates:
				if !ok {
					return nil
				}
				if !quiet {
					fmt.Fprintln(out, describeUpdate(app, version))
				}
			}
		}
	},
}

func describeUpdate(app *appconfig.AppConfiguration, version string) string {
	features, _ := app.GetFeatures()
	props, _ := app.GetProperties()
	return fmt.Sprintf("%s configuration updated (version %s): %d features, %d properties",
		time.Now().UTC().Format(time.RFC3339), version, len(features), len(props))
}

func metricsRouter(metrics *telemetry.Metrics) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(httprate.LimitByIP(120, time.Minute))
	r.Handle("/metrics", metrics.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return r
}

func init() {
	watchCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
	rootCmd.AddCommand(watchCmd)
}
