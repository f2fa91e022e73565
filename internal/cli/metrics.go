package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/orgflow/orgflow/pkg/color"
	"github.com/orgflow/orgflow/pkg/metrics"
	"github.com/orgflow/orgflow/pkg/orgflow"
)

var metricsAddr string

var metricsCmd = &cobra.Command{
	Use:   "metrics",
	Short: "Show or serve orgflow metrics",
	Long: `Show the metrics and coordination cache counters gathered by this
process, or serve them for Prometheus with --addr.

Exposed families:
  - orgflow_operations_total{operation,outcome}
  - orgflow_operation_duration_seconds{operation}
  - orgflow_cache_lookups_total{result}
  - orgflow_drift_impacts_total{severity}
  - orgflow_audit_degraded_total

Examples:
  orgflow metrics
  orgflow metrics --addr :2112`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(c *orgflow.Client) error {
			if metricsAddr != "" {
				return serveMetrics(cmd.Context(), metricsAddr, c.Metrics())
			}
			samples, err := c.Metrics().Snapshot()
			if err != nil {
				return err
			}
			stats := c.CacheStats()
			if jsonOutput {
				if samples == nil {
					samples = []metrics.Sample{}
				}
				return outputJSON(map[string]any{"metrics": samples, "cache": stats})
			}
			fmt.Println(color.Header("Metrics"))
			if len(samples) == 0 {
				fmt.Println("  (none recorded)")
			}
			for _, s := range samples {
				fmt.Printf("  %s%s %v\n", s.Name, formatLabels(s.Labels), s.Value)
			}
			fmt.Println(color.Header("Cache"))
			fmt.Printf("  size=%d capacity=%d hits=%d misses=%d expired=%d\n",
				stats.Size, stats.Capacity, stats.Hits, stats.Misses, stats.Expired)
			return nil
		})
	},
}

// serveMetrics serves /metrics until ctx ends.
func serveMetrics(ctx context.Context, addr string, reg *metrics.Registry) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", reg.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	fmt.Printf("Metrics available at http://%s/metrics\n", addr)
	fmt.Println("Press Ctrl+C to stop")

	select {
	case err := <-errc:
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func formatLabels(labels map[string]string) string {
	if len(labels) == 0 {
		return ""
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%q", k, labels[k]))
	}
	return "{" + strings.Join(parts, ",") + "}"
}

func init() {
	metricsCmd.Flags().StringVarP(&metricsAddr, "addr", "a", "", "serve Prometheus metrics on this address")
	rootCmd.AddCommand(metricsCmd)
}
