// Package config holds every tunable of the reachflow binary.
package config

import (
	"errors"
	"fmt"
	"time"

	"reachflow/internal/backoff"
	"reachflow/internal/domain"
	"reachflow/internal/scheduler"
	"reachflow/internal/worker"
)

const (
	QuotaSQLite = "sqlite"
	QuotaRedis  = "redis"
)

type Config struct {
	Addr   string `validate:"required"`
	DBPath string `validate:"required"`
	Debug  bool

	Workers        int           `validate:"gte=1,lte=256"`
	PollInterval   time.Duration `validate:"gt=0"`
	BatchSize      int           `validate:"gte=1"`
	MaxRetries     int           `validate:"gte=0,lte=20"`
	RetryInitial   time.Duration `validate:"gt=0"`
	RetryMax       time.Duration `validate:"gtefield=RetryInitial"`
	RateLimitDelay time.Duration `validate:"gt=0"`
	PauseDelay     time.Duration `validate:"gt=0"`
	HandlerTimeout time.Duration `validate:"gt=0"`
	// ClaimTimeout is the maximum execution window; a claim older than this
	// is considered abandoned.
	ClaimTimeout time.Duration `validate:"gtfield=HandlerTimeout"`

	TickInterval  time.Duration `validate:"gt=0"`
	HourlySpec    string        `validate:"required"`
	DailySpec     string        `validate:"required"`
	RecoverSpec   string        `validate:"required"`
	Timezone      string        `validate:"required"`
	QuotaBackend  string        `validate:"oneof=sqlite redis"`
	RedisAddr     string        `validate:"required_if=QuotaBackend redis"`
	RedisPassword string
	RedisDB       int `validate:"gte=0"`

	GatewayURL     string `validate:"omitempty,url"`
	GatewayToken   string
	GatewayTimeout time.Duration `validate:"gt=0"`

	TemplatesFile string
	LogLevel      string `validate:"oneof=debug info warn error"`
}

func Default() Config {
	w := worker.DefaultConfig()
	return Config{
		Addr:           ":8080",
		DBPath:         "reachflow.db",
		Workers:        w.Workers,
		PollInterval:   w.PollEvery,
		BatchSize:      w.BatchSize,
		MaxRetries:     3,
		RetryInitial:   30 * time.Second,
		RetryMax:       30 * time.Minute,
		RateLimitDelay: w.RateLimitDelay,
		PauseDelay:     w.PauseDelay,
		HandlerTimeout: w.HandlerTimeout,
		ClaimTimeout:   w.ClaimTimeout,
		TickInterval:   time.Second,
		HourlySpec:     "0 * * * *",
		DailySpec:      "0 0 * * *",
		RecoverSpec:    "@every 1m",
		Timezone:       "UTC",
		QuotaBackend:   QuotaSQLite,
		RedisAddr:      "localhost:6379",
		GatewayTimeout: 30 * time.Second,
		LogLevel:       "info",
	}
}

func (c Config) Validate() error {
	if err := domain.Validator().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	var errs []error
	for name, spec := range map[string]string{"hourly": c.HourlySpec, "daily": c.DailySpec, "recover": c.RecoverSpec} {
		if err := scheduler.ValidateCronExpression(spec); err != nil {
			errs = append(errs, fmt.Errorf("%s schedule %q: %w", name, spec, err))
		}
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("timezone %q: %w", c.Timezone, err))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Location is the zone quota windows and cron schedules are evaluated in.
// Call after Validate.
func (c Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Worker returns the pool settings. Stale claims are recovered by the
// scheduler, so the pool's own reaper is off.
func (c Config) Worker() worker.Config {
	return worker.Config{
		Workers:        c.Workers,
		PollEvery:      c.PollInterval,
		BatchSize:      c.BatchSize,
		Retry:          backoff.NewExponential(c.RetryInitial, c.RetryMax),
		RateLimitDelay: c.RateLimitDelay,
		PauseDelay:     c.PauseDelay,
		HandlerTimeout: c.HandlerTimeout,
		ClaimTimeout:   c.ClaimTimeout,
		ReapEvery:      -1,
	}
}
