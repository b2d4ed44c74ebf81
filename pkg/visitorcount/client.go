package visitorcount

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/yerzham/thingsboard-visitor-count-client/internal/adapters/detector"
	"github.com/yerzham/thingsboard-visitor-count-client/internal/adapters/observability"
	"github.com/yerzham/thingsboard-visitor-count-client/internal/adapters/queue"
	"github.com/yerzham/thingsboard-visitor-count-client/internal/adapters/simsensor"
	"github.com/yerzham/thingsboard-visitor-count-client/internal/adapters/thingsboard"
	"github.com/yerzham/thingsboard-visitor-count-client/internal/app/coordinator"
	"github.com/yerzham/thingsboard-visitor-count-client/internal/app/sensing"
	"github.com/yerzham/thingsboard-visitor-count-client/internal/ports"
)

// ErrWorkerFailed is returned by Run when the sensing worker gave up and the
// client halted.
var ErrWorkerFailed = coordinator.ErrWorkerFailed

const (
	provisionTimeout = 30 * time.Second
	shutdownTimeout  = 5 * time.Second
)

// Option customizes the dependencies used by Client.
type Option func(*clientOverrides)

type clientOverrides struct {
	sensor        Sensor
	connection    Connection
	channel       SampleChannel
	observability Observability
	taps          []SampleTap
	noMetrics     bool
}

// WithSensor injects a custom camera and inference backend.
func WithSensor(s Sensor) Option {
	return func(o *clientOverrides) {
		o.sensor = s
	}
}

// WithConnection replaces the ThingsBoard MQTT session, e.g. with an
// in-memory platform for tests.
func WithConnection(c Connection) Option {
	return func(o *clientOverrides) {
		o.connection = c
	}
}

// WithSampleChannel injects a custom bounded channel between worker and coordinator.
func WithSampleChannel(ch SampleChannel) Option {
	return func(o *clientOverrides) {
		o.channel = ch
	}
}

// WithObservability plugs in a custom logging and metrics backend.
func WithObservability(obs Observability) Option {
	return func(o *clientOverrides) {
		o.observability = obs
	}
}

// WithTelemetryTap receives a copy of every sample the platform accepted.
func WithTelemetryTap(tap SampleTap) Option {
	return func(o *clientOverrides) {
		if tap != nil {
			o.taps = append(o.taps, tap)
		}
	}
}

// WithoutMetricsServer keeps the client from serving /metrics and /healthz.
func WithoutMetricsServer() Option {
	return func(o *clientOverrides) {
		o.noMetrics = true
	}
}

// Client wires sensor -> worker -> channel -> coordinator -> platform and
// exposes lifecycle hooks for embedding the people counter in a Go service.
type Client struct {
	cfg       *Config
	obs       ports.Observability
	ch        ports.SampleChannel
	sensor    ports.Sensor
	conn      ports.Connection
	worker    *sensing.Worker
	coord     *coordinator.Coordinator
	noMetrics bool

	metricsSrv  *http.Server
	gaugeStopCh chan struct{}

	stopOnce sync.Once
	stopErr  error
}

// NewClient bootstraps the default adapters (detector helper or simulated
// sensor, ring channel, ThingsBoard MQTT session, Prometheus observability).
// Without a connection override the access token is read from the
// credentials file or obtained through device provisioning.
func NewClient(cfg *Config, opts ...Option) (*Client, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}

	var overrides clientOverrides
	for _, opt := range opts {
		if opt != nil {
			opt(&overrides)
		}
	}

	obs := overrides.observability
	if obs == nil {
		logger := observability.NewLogger(cfg.Log.Level, cfg.Log.Format, os.Stderr)
		obs = observability.NewPromObs(logger)
	}

	ch := overrides.channel
	if ch == nil {
		ch = queue.NewRingChannel(cfg.Policy.ChannelCapacity)
	}

	var err error
	sensor := overrides.sensor
	if sensor == nil {
		sensor, err = newSensor(cfg, obs)
		if err != nil {
			return nil, err
		}
	}

	conn := overrides.connection
	if conn == nil {
		ctx, cancel := context.WithTimeout(context.Background(), provisionTimeout)
		defer cancel()
		conn, err = newConnection(ctx, cfg, obs)
		if err != nil {
			return nil, err
		}
	}
	if len(overrides.taps) > 0 {
		conn = &tappedConnection{Connection: conn, taps: overrides.taps, obs: obs}
	}

	worker := sensing.NewWorker(sensor, ch, obs, sensing.WithRetryPolicy(sensing.RetryPolicy{
		MaxAttempts: cfg.Policy.MaxInitAttempts,
		Backoff:     cfg.Policy.InitBackoff,
	}))

	return &Client{
		cfg:       cfg,
		obs:       obs,
		ch:        ch,
		sensor:    sensor,
		conn:      conn,
		worker:    worker,
		coord:     coordinator.New(conn, worker, ch, obs, cfg.Policy),
		noMetrics: overrides.noMetrics,
	}, nil
}

func newSensor(cfg *Config, obs ports.Observability) (ports.Sensor, error) {
	switch cfg.Sensing.Backend {
	case BackendSimulated:
		return simsensor.New(cfg.Sensing.Simulated), nil
	case BackendHelper, "":
		return detector.NewHelperSensor(detector.Config{
			Command:     cfg.Sensing.Helper.Command,
			Args:        cfg.Sensing.Helper.Args,
			Camera:      cfg.Sensing.Camera,
			Model:       cfg.Sensing.Model,
			CallTimeout: cfg.Sensing.Helper.CallTimeout,
			StopTimeout: cfg.Sensing.Helper.StopTimeout,
		}, obs)
	default:
		return nil, fmt.Errorf("unknown sensing backend %q", cfg.Sensing.Backend)
	}
}

func platformConfig(cfg *Config) thingsboard.Config {
	return thingsboard.Config{
		Host:               cfg.Platform.Host,
		Port:               cfg.Platform.Port,
		TLS:                cfg.Platform.UseTLS(),
		CAFile:             cfg.Platform.CAFile,
		InsecureSkipVerify: cfg.Platform.InsecureSkipVerify,
		ClientID:           cfg.Platform.ClientID,
		KeepAlive:          cfg.Platform.KeepAlive,
	}
}

func newConnection(ctx context.Context, cfg *Config, obs ports.Observability) (ports.Connection, error) {
	if cfg.Platform.Host == "" {
		return nil, fmt.Errorf("platform.host is required")
	}
	token, err := ObtainToken(ctx, cfg)
	if err != nil {
		return nil, err
	}
	tb := platformConfig(cfg)
	tb.Token = token
	return thingsboard.NewClient(tb, obs), nil
}

// ObtainToken returns the device access token stored in the credentials
// file. When the file is missing it provisions the device and stores the
// issued token.
func ObtainToken(ctx context.Context, cfg *Config) (string, error) {
	file := thingsboard.CredentialsFile{Path: cfg.Device.CredentialsFile}
	return thingsboard.ObtainToken(ctx, file, func(ctx context.Context) (string, error) {
		return thingsboard.Provision(ctx, platformConfig(cfg), thingsboard.ProvisionRequest{
			DeviceName:            cfg.Device.Name,
			ProvisionDeviceKey:    cfg.Platform.ProvisionDeviceKey,
			ProvisionDeviceSecret: cfg.Platform.ProvisionDeviceSecret,
		})
	})
}

// Start connects to the platform, launches the coordinator loop and the
// metrics endpoint. It returns immediately; call Run to block on a context
// instead.
func (c *Client) Start() error {
	if c == nil {
		return fmt.Errorf("client is nil")
	}
	if err := c.coord.Start(); err != nil {
		return err
	}
	c.obs.LogInfo("client_started",
		ports.Field{Key: "backend", Value: c.cfg.Sensing.Backend},
		ports.Field{Key: "channel_capacity", Value: c.ch.Cap()})
	c.startMetrics()
	return nil
}

// Run starts the client and blocks until ctx is cancelled or the worker
// fails. It returns ErrWorkerFailed (wrapped) in the latter case.
func (c *Client) Run(ctx context.Context) error {
	if err := c.Start(); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
	case <-c.coord.Done():
	}
	if err := c.Stop(); err != nil {
		return err
	}
	if c.coord.Failed() {
		return c.coord.Err()
	}
	return nil
}

// Stop halts the coordinator, which stops the worker, then closes the
// metrics server and the platform session. It is idempotent.
func (c *Client) Stop() error {
	c.stopOnce.Do(func() {
		c.coord.Stop()

		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		var errs []error
		if c.gaugeStopCh != nil {
			close(c.gaugeStopCh)
		}
		if c.metricsSrv != nil {
			if err := c.metricsSrv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errs = append(errs, err)
			}
		}
		if err := c.conn.Close(); err != nil {
			errs = append(errs, err)
		}
		c.stopErr = errors.Join(errs...)
	})
	return c.stopErr
}

// IsStopped reports whether the coordinator loop has exited.
func (c *Client) IsStopped() bool { return c.coord.IsStopped() }

// Failed reports whether the client halted because the worker failed.
func (c *Client) Failed() bool { return c.coord.Failed() }

// Err returns the reason the client halted, or nil.
func (c *Client) Err() error { return c.coord.Err() }

// Done is closed once the coordinator loop has exited.
func (c *Client) Done() <-chan struct{} { return c.coord.Done() }

// WorkerStatus reports the state of the current sensing worker instance.
func (c *Client) WorkerStatus() WorkerStatus { return c.worker.Status() }

func (c *Client) startMetrics() {
	c.gaugeStopCh = make(chan struct{})
	go c.recordChannelGauges(c.gaugeStopCh, time.Second)

	if c.noMetrics || c.cfg.Metrics.Addr == "" {
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", c.healthz)

	c.metricsSrv = &http.Server{
		Addr:              c.cfg.Metrics.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := c.metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			c.obs.LogError("metrics_server_exited", err, ports.Field{Key: "addr", Value: c.cfg.Metrics.Addr})
		}
	}()
}

func (c *Client) healthz(w http.ResponseWriter, _ *http.Request) {
	if c.coord.IsStopped() {
		w.WriteHeader(http.StatusServiceUnavailable)
		if c.coord.Failed() {
			_, _ = w.Write([]byte("failed"))
			return
		}
		_, _ = w.Write([]byte("stopped"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (c *Client) recordChannelGauges(stop <-chan struct{}, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.obs.SetGauge(ports.MetricChannelLength, float64(c.ch.Len()))
			c.obs.SetGauge(ports.MetricWorkerStatus, float64(c.worker.Status()))
		}
	}
}
