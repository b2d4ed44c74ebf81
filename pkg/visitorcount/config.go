package visitorcount

import (
	"github.com/yerzham/thingsboard-visitor-count-client/internal/adapters/detector"
	"github.com/yerzham/thingsboard-visitor-count-client/internal/adapters/simsensor"
	"github.com/yerzham/thingsboard-visitor-count-client/internal/app/config"
	"github.com/yerzham/thingsboard-visitor-count-client/internal/ports"
)

// Config re-exports the root configuration struct so embedding programs can
// construct or modify it programmatically.
type Config = config.Config

type (
	Policy          = ports.Policy
	DeviceConfig    = config.DeviceConfig
	PlatformConfig  = config.PlatformConfig
	SensingConfig   = config.SensingConfig
	HelperConfig    = config.HelperConfig
	CameraSettings  = detector.CameraSettings
	ModelSettings   = detector.ModelSettings
	SimulatedConfig = simsensor.Config
	MetricsConfig   = config.MetricsConfig
	LogConfig       = config.LogConfig
)

const (
	BackendHelper    = config.BackendHelper
	BackendSimulated = config.BackendSimulated
)

// LoadConfig loads YAML from disk using the internal config reader.
func LoadConfig(path string) (*Config, error) {
	return config.Load(path)
}

// DefaultConfig returns a configuration with all defaults applied. The
// platform host still has to be set.
func DefaultConfig() *Config {
	return config.Default()
}

// Conf loads YAML from disk and builds a client from it.
func Conf(path string, opts ...Option) (*Client, error) {
	cfg, err := LoadConfig(path)
	if err != nil {
		return nil, err
	}
	return NewClient(cfg, opts...)
}
