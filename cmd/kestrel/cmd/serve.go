package cmd

import (
	"context"
	"errors"
	"net/http"
	"time"

	"kestrel/core/kernel"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().Duration("shutdown-timeout", 10*time.Second, "how long to wait for a graceful shutdown")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the host until interrupted or shut down remotely",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		rt, err := newRuntime(cfg, runtimeOptions{Bridge: true})
		if err != nil {
			return err
		}
		defer rt.close(context.Background())
		log := rt.log.Named("serve")

		if cfg.Metrics.Enabled {
			srv := &http.Server{Addr: cfg.Metrics.Address, Handler: metricsMux(), ReadHeaderTimeout: 5 * time.Second}
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("Metrics server failed", zap.Error(err))
				}
			}()
			defer srv.Close()
			log.Info("Serving metrics", zap.String("address", cfg.Metrics.Address))
		}

		stopped := make(chan struct{})
		rt.host.OnStateChange(func(from, to kernel.State) {
			if to == kernel.StateStopped {
				close(stopped)
			}
		})

		ctx := cmd.Context()
		if err := rt.host.Boot(ctx); err != nil {
			return err
		}
		log.Info("Host running", zap.String("version", version))

		select {
		case <-ctx.Done():
			log.Info("Signal received, shutting down")
		case <-stopped:
			log.Info("Host stopped remotely")
			return nil
		}

		timeout, _ := cmd.Flags().GetDuration("shutdown-timeout")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := rt.host.Shutdown(shutdownCtx); err != nil {
			log.Error("Shutdown completed with errors", zap.Error(err))
			return err
		}
		log.Info("Host stopped gracefully")
		return nil
	},
}

func metricsMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}
