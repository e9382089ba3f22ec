package config

import "time"

// ERPConfig holds ERP-specific configuration
type ERPConfig struct {
	BaseURL   string
	Token     string
	RateLimit RateLimitConfig
}

// RateLimitConfig holds retry and backoff configuration for upstream calls
type RateLimitConfig struct {
	MaxRetries      int
	InitialBackoff  time.Duration
	MaxBackoff      time.Duration
	RetryMultiplier float64
}

// DefaultERPConfig returns the default ERP configuration
func DefaultERPConfig() *ERPConfig {
	return &ERPConfig{
		RateLimit: RateLimitConfig{
			MaxRetries:      3,
			InitialBackoff:  time.Second,
			MaxBackoff:      time.Minute,
			RetryMultiplier: 2.0,
		},
	}
}
