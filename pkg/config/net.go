package config

import "time"

// NetConfig contains relay connection tuning options.
type NetConfig struct {
	DialBackoffInitialMS int `mapstructure:"dial_backoff_initial_ms"`
	DialBackoffMaxMS     int `mapstructure:"dial_backoff_max_ms"`
	DialBackoffJitterMS  int `mapstructure:"dial_backoff_jitter_ms"`

	// PublishTimeoutMS bounds the wait for a relay OK.
	PublishTimeoutMS int `mapstructure:"publish_timeout_ms"`
	// PublishRate is events per second per relay; 0 disables throttling.
	PublishRate  float64 `mapstructure:"publish_rate"`
	PublishBurst int     `mapstructure:"publish_burst"`

	PingIntervalMS int `mapstructure:"ping_interval_ms"`
}

// Backoff returns the dial backoff settings as durations.
func (n NetConfig) Backoff() (initial, maxDelay, jitter time.Duration) {
	return ms(n.DialBackoffInitialMS), ms(n.DialBackoffMaxMS), ms(n.DialBackoffJitterMS)
}

// PublishTimeout returns the OK wait as a duration.
func (n NetConfig) PublishTimeout() time.Duration { return ms(n.PublishTimeoutMS) }

// PingInterval returns the keepalive interval.
func (n NetConfig) PingInterval() time.Duration { return ms(n.PingIntervalMS) }

func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }
