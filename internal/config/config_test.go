package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	c := Default()
	require.NoError(t, c.Validate())
	assert.Equal(t, time.UTC, c.Location())

	w := c.Worker()
	assert.Equal(t, c.Workers, w.Workers)
	assert.Negative(t, w.ReapEvery)
	assert.Equal(t, 30*time.Second, w.Retry.Delay(1))
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no workers", func(c *Config) { c.Workers = 0 }},
		{"negative retries", func(c *Config) { c.MaxRetries = -1 }},
		{"zero poll", func(c *Config) { c.PollInterval = 0 }},
		{"retry max below initial", func(c *Config) { c.RetryMax = time.Second }},
		{"claim window shorter than handler", func(c *Config) { c.ClaimTimeout = time.Second }},
		{"unknown backend", func(c *Config) { c.QuotaBackend = "memcached" }},
		{"redis without addr", func(c *Config) { c.QuotaBackend = QuotaRedis; c.RedisAddr = "" }},
		{"bad gateway url", func(c *Config) { c.GatewayURL = "not a url" }},
		{"bad log level", func(c *Config) { c.LogLevel = "verbose" }},
		{"bad cron", func(c *Config) { c.HourlySpec = "every hour" }},
		{"bad timezone", func(c *Config) { c.Timezone = "Mars/Olympus" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			tt.mutate(&c)
			assert.Error(t, c.Validate())
		})
	}
}

func TestLocation(t *testing.T) {
	c := Default()
	c.Timezone = "Asia/Ho_Chi_Minh"
	if c.Validate() != nil {
		t.Skip("tzdata not available")
	}
	assert.Equal(t, "Asia/Ho_Chi_Minh", c.Location().String())
}
