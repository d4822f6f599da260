// Package config owns the Tidemark configuration surface.
package config

import "time"

// Config represents the core Tidemark configuration
type Config struct {
	Database  DatabaseConfig  `mapstructure:"database"`
	Server    ServerConfig    `mapstructure:"server"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Retry     RetryConfig     `mapstructure:"retry"`
	Circuit   CircuitConfig   `mapstructure:"circuit"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Bulkhead  BulkheadConfig  `mapstructure:"bulkhead"`
	Upstream  UpstreamConfig  `mapstructure:"upstream"`
	Alerting  AlertingConfig  `mapstructure:"alerting"`
}

// DatabaseConfig configures the SQLite database
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// ServerConfig configures the Tidemark HTTP server
type ServerConfig struct {
	Port int `mapstructure:"port"` // API port (default: 8714)
}

// SchedulerConfig configures the daily ingestion run
type SchedulerConfig struct {
	CronHour           int  `mapstructure:"cron_hour"`            // Hour of day (UTC) for the scheduled run
	CronMinute         int  `mapstructure:"cron_minute"`          // Minute of hour for the scheduled run
	MaxConcurrentUnits int  `mapstructure:"max_concurrent_units"` // Units processed simultaneously within one run
	Paused             bool `mapstructure:"paused"`               // When set, triggered runs no-op and log
	StalenessHours     int  `mapstructure:"staleness_hours"`      // Hours without a completed ingest before a unit counts as stale
	RetentionDays      int  `mapstructure:"retention_days"`       // Run history retention for pruning
}

// RetryConfig configures per-unit retry with exponential backoff
type RetryConfig struct {
	MaxRetries          int     `mapstructure:"max_retries"`
	InitialDelaySeconds float64 `mapstructure:"initial_delay_seconds"`
	MaxDelaySeconds     float64 `mapstructure:"max_delay_seconds"`
	BackoffMultiplier   float64 `mapstructure:"backoff_multiplier"`
}

// InitialDelay returns the first retry delay as a duration
func (c RetryConfig) InitialDelay() time.Duration {
	return time.Duration(c.InitialDelaySeconds * float64(time.Second))
}

// MaxDelay returns the retry delay cap as a duration
func (c RetryConfig) MaxDelay() time.Duration {
	return time.Duration(c.MaxDelaySeconds * float64(time.Second))
}

// CircuitConfig configures the circuit breaker guarding the upstream source
type CircuitConfig struct {
	FailureThreshold       float64 `mapstructure:"failure_threshold"`        // Failure rate [0,1] that opens the breaker
	RecoveryTimeoutSeconds int     `mapstructure:"recovery_timeout_seconds"` // Seconds open before a half-open probe
}

// RecoveryTimeout returns the open-state hold time as a duration
func (c CircuitConfig) RecoveryTimeout() time.Duration {
	return time.Duration(c.RecoveryTimeoutSeconds) * time.Second
}

// RateLimitConfig configures the token-bucket limiter for upstream calls
type RateLimitConfig struct {
	RequestsPerInterval int `mapstructure:"requests_per_interval"`
	IntervalSeconds     int `mapstructure:"interval_seconds"`
	Burst               int `mapstructure:"burst"`
}

// RatePerSecond returns the refill rate in tokens per second
func (c RateLimitConfig) RatePerSecond() float64 {
	if c.IntervalSeconds <= 0 {
		return float64(c.RequestsPerInterval)
	}
	return float64(c.RequestsPerInterval) / float64(c.IntervalSeconds)
}

// BulkheadConfig caps concurrent in-flight upstream calls
type BulkheadConfig struct {
	MaxConcurrent  int `mapstructure:"max_concurrent"`
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
}

// Timeout returns the per-call bound as a duration
func (c BulkheadConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// UpstreamConfig configures the market-data source
type UpstreamConfig struct {
	BaseURL        string `mapstructure:"base_url"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	LookbackDays   int    `mapstructure:"lookback_days"` // Date range fetched per unit per run
}

// AlertingConfig configures failure streak alerting
type AlertingConfig struct {
	Enabled         bool `mapstructure:"enabled"`
	StreakThreshold int  `mapstructure:"streak_threshold"` // Consecutive failures before an alert fires
}
