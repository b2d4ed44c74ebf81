package main

import (
	"bufio"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/yerzham/thingsboard-visitor-count-client/internal/ports"
)

var (
	statsURL      string
	statsInterval time.Duration
)

var statsMetrics = []string{
	ports.MetricSamplesPublished,
	ports.MetricPublishFailures,
	ports.MetricPeopleCount,
	ports.MetricChannelLength,
	ports.MetricChannelDropped,
	ports.MetricWorkerStatus,
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Poll the Prometheus metrics endpoint and print live counters",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		ticker := time.NewTicker(statsInterval)
		defer ticker.Stop()

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Streaming metrics from %s (Ctrl+C to stop)\n", statsURL)
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				if err := printMetricsSnapshot(out, statsURL); err != nil {
					fmt.Fprintf(os.Stderr, "stats error: %v\n", err)
				}
			}
		}
	},
}

func init() {
	statsCmd.Flags().StringVar(&statsURL, "url", "http://localhost:9100/metrics", "Prometheus metrics endpoint")
	statsCmd.Flags().DurationVar(&statsInterval, "interval", 2*time.Second, "Refresh interval")
	rootCmd.AddCommand(statsCmd)
}

func printMetricsSnapshot(w io.Writer, url string) error {
	resp, err := http.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}

	values, err := scanMetrics(resp.Body, statsMetrics)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "[%s] published=%.0f failures=%.0f people=%.0f channel=%.0f dropped=%.0f worker=%.0f\n",
		time.Now().Format(time.RFC3339),
		values[ports.MetricSamplesPublished],
		values[ports.MetricPublishFailures],
		values[ports.MetricPeopleCount],
		values[ports.MetricChannelLength],
		values[ports.MetricChannelDropped],
		values[ports.MetricWorkerStatus],
	)
	return nil
}

// scanMetrics picks unlabelled sample values out of the Prometheus text
// exposition format. Missing metrics read as zero.
func scanMetrics(r io.Reader, names []string) (map[string]float64, error) {
	values := make(map[string]float64, len(names))
	for _, name := range names {
		values[name] = 0
	}

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "#") {
			continue
		}
		for _, name := range names {
			if strings.HasPrefix(line, name+" ") {
				var value float64
				if _, err := fmt.Sscanf(line, name+" %g", &value); err == nil {
					values[name] = value
				}
			}
		}
	}
	return values, scanner.Err()
}
