package visitorcount

import (
	"context"

	base "github.com/yerzham/thingsboard-visitor-count-client/pkg/visitorcount"
)

// Re-exported errors for convenience.
var (
	ErrWorkerFailed = base.ErrWorkerFailed
	ErrTapClosed    = base.ErrTapClosed
	ErrTapFull      = base.ErrTapFull
)

// Type aliases so consumers can import the module root directly.
type (
	Config             = base.Config
	Policy             = base.Policy
	DeviceConfig       = base.DeviceConfig
	PlatformConfig     = base.PlatformConfig
	SensingConfig      = base.SensingConfig
	HelperConfig       = base.HelperConfig
	CameraSettings     = base.CameraSettings
	ModelSettings      = base.ModelSettings
	SimulatedConfig    = base.SimulatedConfig
	MetricsConfig      = base.MetricsConfig
	LogConfig          = base.LogConfig
	Client             = base.Client
	Option             = base.Option
	Sample             = base.Sample
	SampleTap          = base.SampleTap
	Region             = base.Region
	Point              = base.Point
	WorkerStatus       = base.WorkerStatus
	Sensor             = base.Sensor
	DeviceHandle       = base.DeviceHandle
	Frame              = base.Frame
	Detection          = base.Detection
	InitError          = base.InitError
	ErrorKind          = base.ErrorKind
	Connection         = base.Connection
	ConnectivityError  = base.ConnectivityError
	SampleChannel      = base.SampleChannel
	Observability      = base.Observability
	Field              = base.Field
	LoopbackConnection = base.LoopbackConnection
)

// Config helpers.
func LoadConfig(path string) (*Config, error) {
	return base.LoadConfig(path)
}

func DefaultConfig() *Config {
	return base.DefaultConfig()
}

func Conf(path string, opts ...Option) (*Client, error) {
	return base.Conf(path, opts...)
}

func ObtainToken(ctx context.Context, cfg *Config) (string, error) {
	return base.ObtainToken(ctx, cfg)
}

// Client and options.
func NewClient(cfg *Config, opts ...Option) (*Client, error) {
	return base.NewClient(cfg, opts...)
}

func WithSensor(s Sensor) Option {
	return base.WithSensor(s)
}

func WithConnection(c Connection) Option {
	return base.WithConnection(c)
}

func WithSampleChannel(ch SampleChannel) Option {
	return base.WithSampleChannel(ch)
}

func WithObservability(obs Observability) Option {
	return base.WithObservability(obs)
}

func WithTelemetryTap(tap SampleTap) Option {
	return base.WithTelemetryTap(tap)
}

func WithoutMetricsServer() Option {
	return base.WithoutMetricsServer()
}

// Telemetry taps.
func NewChannelTap(buffer int) (SampleTap, <-chan Sample, func()) {
	return base.NewChannelTap(buffer)
}

// In-memory adapters.
func NewLoopbackConnection(shared map[string]any) *LoopbackConnection {
	return base.NewLoopbackConnection(shared)
}

func NewSimulatedSensor(cfg SimulatedConfig) Sensor {
	return base.NewSimulatedSensor(cfg)
}
