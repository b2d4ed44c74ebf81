package ports

import "time"

// Policy holds the coordinator and worker timing thresholds.
type Policy struct {
	ChannelCapacity int           `yaml:"channel_capacity"`
	IdleInterval    time.Duration `yaml:"idle_interval"`
	FetchTimeout    time.Duration `yaml:"fetch_timeout"`
	MaxInitAttempts int           `yaml:"max_init_attempts"`
	InitBackoff     time.Duration `yaml:"init_backoff"`
}
