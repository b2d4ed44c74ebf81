package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/yerzham/thingsboard-visitor-count-client/internal/adapters/detector"
	"github.com/yerzham/thingsboard-visitor-count-client/internal/adapters/simsensor"
	"github.com/yerzham/thingsboard-visitor-count-client/internal/ports"
)

// Sensing backends.
const (
	BackendHelper    = "helper"
	BackendSimulated = "simulated"
)

// Environment variables that override the provisioning settings.
const (
	EnvProvisionKey    = "PROVISION_DEVICE_KEY"
	EnvProvisionSecret = "PROVISION_DEVICE_SECRET"
	EnvDeviceName      = "DEVICE_NAME"
)

type Config struct {
	Device   DeviceConfig   `yaml:"device"`
	Platform PlatformConfig `yaml:"platform"`
	Sensing  SensingConfig  `yaml:"sensing"`
	Policy   ports.Policy   `yaml:"policy"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Log      LogConfig      `yaml:"log"`
}

type DeviceConfig struct {
	Name            string `yaml:"name"`
	CredentialsFile string `yaml:"credentials_file"`
}

type PlatformConfig struct {
	Host                  string        `yaml:"host"`
	Port                  int           `yaml:"port"`
	TLS                   *bool         `yaml:"tls"`
	CAFile                string        `yaml:"ca_file"`
	InsecureSkipVerify    bool          `yaml:"insecure_skip_verify"`
	KeepAlive             time.Duration `yaml:"keepalive"`
	ClientID              string        `yaml:"client_id"`
	ProvisionDeviceKey    string        `yaml:"provision_device_key"`
	ProvisionDeviceSecret string        `yaml:"provision_device_secret"`
}

// UseTLS reports whether the broker connection is encrypted. It defaults to true.
func (p PlatformConfig) UseTLS() bool {
	return p.TLS == nil || *p.TLS
}

type SensingConfig struct {
	Backend   string                  `yaml:"backend"`
	Helper    HelperConfig            `yaml:"helper"`
	Camera    detector.CameraSettings `yaml:"camera"`
	Model     detector.ModelSettings  `yaml:"model"`
	Simulated simsensor.Config        `yaml:"simulated"`
}

type HelperConfig struct {
	Command     string        `yaml:"command"`
	Args        []string      `yaml:"args"`
	CallTimeout time.Duration `yaml:"call_timeout"`
	StopTimeout time.Duration `yaml:"stop_timeout"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(raw)
}

// Parse decodes YAML, applies environment overrides and defaults, then validates.
func Parse(raw []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, err
	}

	cfg.applyEnv(os.LookupEnv)
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Default returns a configuration with every default applied and no platform
// host set.
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

// Validate checks a configuration assembled in code.
func (c *Config) Validate() error {
	return c.validate()
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvProvisionKey); ok && v != "" {
		c.Platform.ProvisionDeviceKey = v
	}
	if v, ok := lookup(EnvProvisionSecret); ok && v != "" {
		c.Platform.ProvisionDeviceSecret = v
	}
	if v, ok := lookup(EnvDeviceName); ok && v != "" {
		c.Device.Name = v
	}
}

func (c *Config) applyDefaults() {
	if c.Device.CredentialsFile == "" {
		c.Device.CredentialsFile = "credentials.txt"
	}
	if c.Platform.Port == 0 {
		c.Platform.Port = 8883
	}
	if c.Platform.KeepAlive == 0 {
		c.Platform.KeepAlive = 2 * time.Second
	}
	if c.Sensing.Backend == "" {
		c.Sensing.Backend = BackendHelper
	}
	if c.Sensing.Camera.Width == 0 {
		c.Sensing.Camera.Width = 544
	}
	if c.Sensing.Camera.Height == 0 {
		c.Sensing.Camera.Height = 320
	}
	if c.Sensing.Camera.Framerate == 0 {
		c.Sensing.Camera.Framerate = 1
	}
	if c.Sensing.Model.Path == "" {
		c.Sensing.Model.Path = "models/pd_retail_13/FP16"
	}
	if c.Sensing.Model.Threshold == 0 {
		c.Sensing.Model.Threshold = 0.6
	}
	if c.Sensing.Model.Device == "" {
		c.Sensing.Model.Device = "MYRIAD"
	}
	if c.Sensing.Simulated.FrameInterval == 0 {
		c.Sensing.Simulated.FrameInterval = time.Second
	}
	if c.Policy.ChannelCapacity == 0 {
		c.Policy.ChannelCapacity = 50
	}
	if c.Policy.IdleInterval == 0 {
		c.Policy.IdleInterval = 1500 * time.Millisecond
	}
	if c.Policy.FetchTimeout == 0 {
		c.Policy.FetchTimeout = 10 * time.Second
	}
	if c.Policy.MaxInitAttempts == 0 {
		c.Policy.MaxInitAttempts = 5
	}
	if c.Policy.InitBackoff == 0 {
		c.Policy.InitBackoff = 5 * time.Second
	}
	if c.Metrics.Addr == "" {
		c.Metrics.Addr = ":9100"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
}

func (c *Config) validate() error {
	if c.Platform.Host == "" {
		return fmt.Errorf("platform.host is required")
	}
	if c.Platform.Port < 1 || c.Platform.Port > 65535 {
		return fmt.Errorf("platform.port %d out of range", c.Platform.Port)
	}
	switch c.Sensing.Backend {
	case BackendHelper:
		if c.Sensing.Helper.Command == "" {
			return fmt.Errorf("sensing.helper.command is required for the helper backend")
		}
	case BackendSimulated:
	default:
		return fmt.Errorf("sensing.backend %q is not one of %s, %s", c.Sensing.Backend, BackendHelper, BackendSimulated)
	}
	if c.Sensing.Camera.Width < 0 || c.Sensing.Camera.Height < 0 || c.Sensing.Camera.Framerate < 0 {
		return fmt.Errorf("sensing.camera dimensions and framerate must be positive")
	}
	if c.Sensing.Model.Threshold <= 0 || c.Sensing.Model.Threshold > 1 {
		return fmt.Errorf("sensing.model.threshold must be in (0,1]")
	}
	if c.Policy.ChannelCapacity < 1 {
		return fmt.Errorf("policy.channel_capacity must be at least 1")
	}
	if c.Policy.MaxInitAttempts < 1 {
		return fmt.Errorf("policy.max_init_attempts must be at least 1")
	}
	if c.Policy.IdleInterval < 0 || c.Policy.FetchTimeout < 0 || c.Policy.InitBackoff < 0 {
		return fmt.Errorf("policy durations must not be negative")
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format %q is not text or json", c.Log.Format)
	}
	return nil
}
