package main

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

const exposition = `# HELP visitor_samples_published_total Samples accepted by the platform.
# TYPE visitor_samples_published_total counter
visitor_samples_published_total 42
visitor_publish_failures_total 3
visitor_people_count 5
visitor_channel_length 0
visitor_worker_status 2
visitor_publish_latency_seconds_bucket{le="0.005"} 40
`

func TestScanMetrics(t *testing.T) {
	values, err := scanMetrics(strings.NewReader(exposition), statsMetrics)
	if err != nil {
		t.Fatalf("scanMetrics returned error: %v", err)
	}
	if values["visitor_samples_published_total"] != 42 {
		t.Fatalf("expected 42 published, got %v", values["visitor_samples_published_total"])
	}
	if values["visitor_people_count"] != 5 || values["visitor_worker_status"] != 2 {
		t.Fatalf("unexpected gauges %v", values)
	}
	if v, ok := values["visitor_channel_dropped_total"]; !ok || v != 0 {
		t.Fatalf("expected missing metric to read as zero, got %v (present=%v)", v, ok)
	}
}

func TestPrintMetricsSnapshot(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(exposition))
	}))
	defer srv.Close()

	var out bytes.Buffer
	if err := printMetricsSnapshot(&out, srv.URL); err != nil {
		t.Fatalf("printMetricsSnapshot returned error: %v", err)
	}
	if !strings.Contains(out.String(), "published=42") || !strings.Contains(out.String(), "people=5") {
		t.Fatalf("unexpected snapshot %q", out.String())
	}
}

func TestPrintMetricsSnapshotStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	if err := printMetricsSnapshot(&bytes.Buffer{}, srv.URL); err == nil {
		t.Fatalf("expected error for non-200 response")
	}
}
