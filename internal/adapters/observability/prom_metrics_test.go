package observability

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/yerzham/thingsboard-visitor-count-client/internal/ports"
)

func withTestRegistry(t *testing.T) {
	t.Helper()
	origReg := prometheus.DefaultRegisterer
	origGatherer := prometheus.DefaultGatherer
	t.Cleanup(func() {
		prometheus.DefaultRegisterer = origReg
		prometheus.DefaultGatherer = origGatherer
	})

	reg := prometheus.NewRegistry()
	prometheus.DefaultRegisterer = reg
	prometheus.DefaultGatherer = reg
}

func TestPromObsMetrics(t *testing.T) {
	withTestRegistry(t)

	obs := NewPromObs(slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)))

	obs.IncCounter(ports.MetricSamplesPublished, 5)
	if got := testutil.ToFloat64(obs.counters[ports.MetricSamplesPublished]); got != 5 {
		t.Fatalf("expected published counter 5, got %f", got)
	}

	obs.IncCounter(ports.MetricChannelDropped, 2)
	if got := testutil.ToFloat64(obs.counters[ports.MetricChannelDropped]); got != 2 {
		t.Fatalf("expected drop counter 2, got %f", got)
	}

	obs.SetGauge(ports.MetricPeopleCount, 3)
	if got := testutil.ToFloat64(obs.gauges[ports.MetricPeopleCount]); got != 3 {
		t.Fatalf("expected people gauge 3, got %f", got)
	}

	obs.ObserveLatency(ports.MetricPublishLatency, 0.5)
	hCollector := obs.histos[ports.MetricPublishLatency].(prometheus.Collector)
	if samples := testutil.CollectAndCount(hCollector); samples != 1 {
		t.Fatalf("expected latency histogram to record 1 sample, got %d", samples)
	}

	obs.IncCounter("unknown_metric", 1)
	obs.SetGauge("unknown_gauge", 1)
}

func TestPromObsRegistersEveryMetricName(t *testing.T) {
	withTestRegistry(t)

	obs := NewPromObs(slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)))

	for _, name := range ports.MetricNames() {
		_, c := obs.counters[name]
		_, g := obs.gauges[name]
		_, h := obs.histos[name]
		n := 0
		for _, ok := range []bool{c, g, h} {
			if ok {
				n++
			}
		}
		if n != 1 {
			t.Fatalf("metric %s registered %d times, want exactly once", name, n)
		}
	}
	if total := len(obs.counters) + len(obs.gauges) + len(obs.histos); total != len(ports.MetricNames()) {
		t.Fatalf("registered %d metrics, names list has %d", total, len(ports.MetricNames()))
	}
}

func TestPromObsLogsFieldsAndErrors(t *testing.T) {
	withTestRegistry(t)

	var buf bytes.Buffer
	obs := NewPromObs(NewLogger("debug", "text", &buf))

	obs.LogError("telemetry_publish_failed", errors.New("broker gone"), ports.Field{Key: "count", Value: 4})
	out := buf.String()
	if !strings.Contains(out, "telemetry_publish_failed") || !strings.Contains(out, "broker gone") || !strings.Contains(out, "count=4") {
		t.Fatalf("unexpected log output: %s", out)
	}

	buf.Reset()
	obs.LogDebug("network_idle")
	if !strings.Contains(buf.String(), "level=DEBUG") {
		t.Fatalf("expected debug line, got %s", buf.String())
	}
}

func TestNewLoggerJSONAndLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger("warn", "json", &buf)

	logger.Info("hidden")
	logger.Warn("shown", "k", "v")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("info line should be filtered at warn level: %s", out)
	}
	if !strings.Contains(out, `"msg":"shown"`) {
		t.Fatalf("expected json warn line, got %s", out)
	}
}
