package observability

import (
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/yerzham/thingsboard-visitor-count-client/internal/ports"
)

type PromObs struct {
	logger   *slog.Logger
	counters map[string]prometheus.Counter
	gauges   map[string]prometheus.Gauge
	histos   map[string]prometheus.Observer
}

func NewPromObs(logger *slog.Logger) *PromObs {
	if logger == nil {
		logger = slog.Default()
	}

	published := prometheus.NewCounter(prometheus.CounterOpts{
		Name: ports.MetricSamplesPublished,
		Help: "Samples delivered to the platform as telemetry.",
	})
	failures := prometheus.NewCounter(prometheus.CounterOpts{
		Name: ports.MetricPublishFailures,
		Help: "Telemetry or attribute publishes the transport rejected.",
	})
	dropped := prometheus.NewCounter(prometheus.CounterOpts{
		Name: ports.MetricChannelDropped,
		Help: "Samples discarded by the drop-oldest sample channel.",
	})
	attempts := prometheus.NewCounter(prometheus.CounterOpts{
		Name: ports.MetricWorkerInitAttempt,
		Help: "Camera and accelerator acquisition attempts.",
	})
	length := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: ports.MetricChannelLength,
		Help: "Samples currently buffered between worker and coordinator.",
	})
	status := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: ports.MetricWorkerStatus,
		Help: "Sensing worker status (0 not started, 1 starting, 2 running, 3 stopping, 4 failed).",
	})
	people := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: ports.MetricPeopleCount,
		Help: "People counted inside the region in the latest sample.",
	})
	publishLatency := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    ports.MetricPublishLatency,
		Help:    "Time spent handing one telemetry sample to the transport.",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
	})
	inferenceLatency := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    ports.MetricInferenceLatency,
		Help:    "Capture plus inference time for one frame.",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
	})

	prometheus.MustRegister(published, failures, dropped, attempts, length, status, people, publishLatency, inferenceLatency)

	return &PromObs{
		logger: logger,
		counters: map[string]prometheus.Counter{
			ports.MetricSamplesPublished:  published,
			ports.MetricPublishFailures:   failures,
			ports.MetricChannelDropped:    dropped,
			ports.MetricWorkerInitAttempt: attempts,
		},
		gauges: map[string]prometheus.Gauge{
			ports.MetricChannelLength: length,
			ports.MetricWorkerStatus:  status,
			ports.MetricPeopleCount:   people,
		},
		histos: map[string]prometheus.Observer{
			ports.MetricPublishLatency:   publishLatency,
			ports.MetricInferenceLatency: inferenceLatency,
		},
	}
}

func (p *PromObs) LogDebug(msg string, fields ...ports.Field) {
	p.logger.Debug(msg, attrs(nil, fields)...)
}

func (p *PromObs) LogInfo(msg string, fields ...ports.Field) {
	p.logger.Info(msg, attrs(nil, fields)...)
}

func (p *PromObs) LogWarn(msg string, err error, fields ...ports.Field) {
	p.logger.Warn(msg, attrs(err, fields)...)
}

func (p *PromObs) LogError(msg string, err error, fields ...ports.Field) {
	p.logger.Error(msg, attrs(err, fields)...)
}

func (p *PromObs) LogCritical(msg string, err error, fields ...ports.Field) {
	p.logger.Error(msg, append(attrs(err, fields), "critical", true)...)
}

func (p *PromObs) IncCounter(name string, v float64) {
	if c, ok := p.counters[name]; ok {
		c.Add(v)
	}
}

func (p *PromObs) ObserveLatency(name string, seconds float64) {
	if h, ok := p.histos[name]; ok {
		h.Observe(seconds)
	}
}

func (p *PromObs) SetGauge(name string, v float64) {
	if g, ok := p.gauges[name]; ok {
		g.Set(v)
	}
}

func attrs(err error, fields []ports.Field) []any {
	out := make([]any, 0, len(fields)*2+2)
	if err != nil {
		out = append(out, "error", err)
	}
	for _, f := range fields {
		out = append(out, f.Key, f.Value)
	}
	return out
}

var _ ports.Observability = (*PromObs)(nil)
