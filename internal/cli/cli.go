package cli

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/relab/tomcast/internal/profiling"
	"github.com/relab/tomcast/logging"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func addProfilingFlags(cmd *cobra.Command) {
	cmd.Flags().String("cpu-profile", "", "path to store a CPU profile")
	cmd.Flags().String("mem-profile", "", "path to store a memory profile")
	cmd.Flags().String("trace", "", "path to store a trace")
	cmd.Flags().String("fgprof-profile", "", "path to store a fgprof profile")
}

func profilingPaths(v *viper.Viper) profiling.Paths {
	return profiling.Paths{
		CPU:    v.GetString("cpu-profile"),
		Mem:    v.GetString("mem-profile"),
		Trace:  v.GetString("trace"),
		Fgprof: v.GetString("fgprof-profile"),
	}
}

// serveMetrics serves the metrics in reg at addr until ctx is canceled.
func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry, logger logging.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	go func() {
		logger.Infof("Serving metrics on %s/metrics", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf("Metrics server failed: %v", err)
		}
	}()
}
