package config

import (
	"github.com/spf13/viper"
)

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	// Database defaults
	v.SetDefault("database.path", "tidemark.db")

	// Server defaults
	v.SetDefault("server.port", 8714)

	// Scheduler defaults: daily run shortly after the US market close (UTC)
	v.SetDefault("scheduler.cron_hour", 21)
	v.SetDefault("scheduler.cron_minute", 30)
	v.SetDefault("scheduler.max_concurrent_units", 5)
	v.SetDefault("scheduler.paused", false)
	v.SetDefault("scheduler.staleness_hours", 48)
	v.SetDefault("scheduler.retention_days", 90)

	// Retry defaults
	v.SetDefault("retry.max_retries", 3)
	v.SetDefault("retry.initial_delay_seconds", 1.0)
	v.SetDefault("retry.max_delay_seconds", 60.0)
	v.SetDefault("retry.backoff_multiplier", 2.0)

	// Circuit breaker defaults
	v.SetDefault("circuit.failure_threshold", 0.5)
	v.SetDefault("circuit.recovery_timeout_seconds", 60)

	// Rate limit defaults: 5 requests/second sustained, small burst headroom
	v.SetDefault("rate_limit.requests_per_interval", 5)
	v.SetDefault("rate_limit.interval_seconds", 1)
	v.SetDefault("rate_limit.burst", 10)

	// Bulkhead defaults
	v.SetDefault("bulkhead.max_concurrent", 10)
	v.SetDefault("bulkhead.timeout_seconds", 30)

	// Upstream defaults
	v.SetDefault("upstream.base_url", "https://data.tidemark.dev")
	v.SetDefault("upstream.timeout_seconds", 30)
	v.SetDefault("upstream.lookback_days", 7)

	// Alerting defaults
	v.SetDefault("alerting.enabled", true)
	v.SetDefault("alerting.streak_threshold", 3)
}
