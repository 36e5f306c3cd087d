package common

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/alpacahq/durablemap/internal/di"
	"github.com/alpacahq/durablemap/metrics"
	"github.com/alpacahq/durablemap/utils/log"
)

const (
	MetricsAddrFlag = "metrics-addr"

	diskUsageMonitorInterval = 10 * time.Second
	readHeaderTimeout        = 5 * time.Second
)

// ServeMetrics exposes the prometheus collectors on addr and keeps the disk
// usage gauge of root fresh until ctx is done. It returns the bound address.
func ServeMetrics(ctx context.Context, addr, root string) (net.Addr, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: readHeaderTimeout}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server error: %v", err)
		}
	}()
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()
	go metrics.StartDiskUsageMonitor(ctx, metrics.TotalDiskUsageBytes, diskUsageMonitorInterval, root)
	return ln.Addr(), nil
}

// MaybeServeMetrics calls ServeMetrics if the metrics address flag is set.
func MaybeServeMetrics(ctx context.Context, cmd *cobra.Command, c *di.Container) error {
	flag := cmd.Flags().Lookup(MetricsAddrFlag)
	if flag == nil || flag.Value.String() == "" {
		return nil
	}
	root, err := c.GetAbsRootDir()
	if err != nil {
		return err
	}
	addr, err := ServeMetrics(ctx, flag.Value.String(), root)
	if err != nil {
		return err
	}
	log.Info("serving metrics on http://%s/metrics", addr)
	return nil
}
