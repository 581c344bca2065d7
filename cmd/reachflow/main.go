package main

import (
	"context"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	cli "github.com/urfave/cli/v3"

	"reachflow/internal/config"
)

func main() {
	cmd := &cli.Command{
		Name:                  "reachflow",
		EnableShellCompletion: true,
		Usage:                 "Run multi-step customer outreach workflows under per-account quotas",
		Flags:                 flags(config.Default()),
		Commands: []*cli.Command{
			serveCommand(),
			migrateCommand(),
			resetCommand("reset-hourly", "Reset hourly quota counters once", false),
			resetCommand("reset-daily", "Reset daily quota counters once", true),
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		log.Fatal().Err(err).Msg("reachflow")
	}
}

func setupLogging(level string) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	return log.Logger
}

func flags(def config.Config) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "addr", Usage: "HTTP bind address", Value: def.Addr, Sources: cli.EnvVars("REACHFLOW_ADDR")},
		&cli.StringFlag{Name: "db", Usage: "SQLite database path", Value: def.DBPath, Sources: cli.EnvVars("REACHFLOW_DB")},
		&cli.BoolFlag{Name: "debug", Usage: "Expose pprof under /debug/pprof", Sources: cli.EnvVars("REACHFLOW_DEBUG")},
		&cli.IntFlag{Name: "workers", Usage: "Concurrent task executions", Value: int64(def.Workers), Sources: cli.EnvVars("REACHFLOW_WORKERS")},
		&cli.DurationFlag{Name: "poll", Usage: "Queue poll interval", Value: def.PollInterval, Sources: cli.EnvVars("REACHFLOW_POLL")},
		&cli.IntFlag{Name: "batch", Usage: "Due tasks fetched per poll", Value: int64(def.BatchSize), Sources: cli.EnvVars("REACHFLOW_BATCH")},
		&cli.IntFlag{Name: "max-retries", Usage: "Retries after a transport failure", Value: int64(def.MaxRetries), Sources: cli.EnvVars("REACHFLOW_MAX_RETRIES")},
		&cli.DurationFlag{Name: "retry-initial", Usage: "First retry delay", Value: def.RetryInitial, Sources: cli.EnvVars("REACHFLOW_RETRY_INITIAL")},
		&cli.DurationFlag{Name: "retry-max", Usage: "Retry delay cap", Value: def.RetryMax, Sources: cli.EnvVars("REACHFLOW_RETRY_MAX")},
		&cli.DurationFlag{Name: "rate-limit-delay", Usage: "Reschedule delay when quota is exhausted", Value: def.RateLimitDelay, Sources: cli.EnvVars("REACHFLOW_RATE_LIMIT_DELAY")},
		&cli.DurationFlag{Name: "pause-delay", Usage: "Recheck delay for steps of paused instances", Value: def.PauseDelay, Sources: cli.EnvVars("REACHFLOW_PAUSE_DELAY")},
		&cli.DurationFlag{Name: "handler-timeout", Usage: "Timeout of one action", Value: def.HandlerTimeout, Sources: cli.EnvVars("REACHFLOW_HANDLER_TIMEOUT")},
		&cli.DurationFlag{Name: "claim-timeout", Usage: "Age after which a claim is considered abandoned", Value: def.ClaimTimeout, Sources: cli.EnvVars("REACHFLOW_CLAIM_TIMEOUT")},
		&cli.DurationFlag{Name: "tick", Usage: "Periodic job check interval", Value: def.TickInterval, Sources: cli.EnvVars("REACHFLOW_TICK")},
		&cli.StringFlag{Name: "hourly-schedule", Usage: "Cron schedule of the hourly quota reset", Value: def.HourlySpec, Sources: cli.EnvVars("REACHFLOW_HOURLY_SCHEDULE")},
		&cli.StringFlag{Name: "daily-schedule", Usage: "Cron schedule of the daily quota reset", Value: def.DailySpec, Sources: cli.EnvVars("REACHFLOW_DAILY_SCHEDULE")},
		&cli.StringFlag{Name: "recover-schedule", Usage: "Cron schedule of stale claim recovery", Value: def.RecoverSpec, Sources: cli.EnvVars("REACHFLOW_RECOVER_SCHEDULE")},
		&cli.StringFlag{Name: "timezone", Usage: "Zone of quota windows and schedules", Value: def.Timezone, Sources: cli.EnvVars("REACHFLOW_TIMEZONE")},
		&cli.StringFlag{Name: "quota-backend", Usage: "Quota store (sqlite, redis)", Value: def.QuotaBackend, Sources: cli.EnvVars("REACHFLOW_QUOTA_BACKEND")},
		&cli.StringFlag{Name: "redis-addr", Usage: "Redis address for the redis quota backend", Value: def.RedisAddr, Sources: cli.EnvVars("REACHFLOW_REDIS_ADDR")},
		&cli.StringFlag{Name: "redis-password", Usage: "Redis password", Sources: cli.EnvVars("REACHFLOW_REDIS_PASSWORD")},
		&cli.IntFlag{Name: "redis-db", Usage: "Redis database number", Value: int64(def.RedisDB), Sources: cli.EnvVars("REACHFLOW_REDIS_DB")},
		&cli.StringFlag{Name: "gateway-url", Usage: "Base URL of the messaging gateway", Sources: cli.EnvVars("REACHFLOW_GATEWAY_URL")},
		&cli.StringFlag{Name: "gateway-token", Usage: "Bearer token for the messaging gateway", Sources: cli.EnvVars("REACHFLOW_GATEWAY_TOKEN")},
		&cli.DurationFlag{Name: "gateway-timeout", Usage: "HTTP timeout towards the gateway", Value: def.GatewayTimeout, Sources: cli.EnvVars("REACHFLOW_GATEWAY_TIMEOUT")},
		&cli.StringFlag{Name: "templates", Usage: "YAML file of workflow templates to seed", Sources: cli.EnvVars("REACHFLOW_TEMPLATES")},
		&cli.StringFlag{Name: "log-level", Usage: "Log level (debug, info, warn, error)", Value: def.LogLevel, Sources: cli.EnvVars("REACHFLOW_LOG_LEVEL")},
	}
}

func loadConfig(command *cli.Command) (config.Config, error) {
	cfg := config.Config{
		Addr:           command.String("addr"),
		DBPath:         command.String("db"),
		Debug:          command.Bool("debug"),
		Workers:        int(command.Int("workers")),
		PollInterval:   command.Duration("poll"),
		BatchSize:      int(command.Int("batch")),
		MaxRetries:     int(command.Int("max-retries")),
		RetryInitial:   command.Duration("retry-initial"),
		RetryMax:       command.Duration("retry-max"),
		RateLimitDelay: command.Duration("rate-limit-delay"),
		PauseDelay:     command.Duration("pause-delay"),
		HandlerTimeout: command.Duration("handler-timeout"),
		ClaimTimeout:   command.Duration("claim-timeout"),
		TickInterval:   command.Duration("tick"),
		HourlySpec:     command.String("hourly-schedule"),
		DailySpec:      command.String("daily-schedule"),
		RecoverSpec:    command.String("recover-schedule"),
		Timezone:       command.String("timezone"),
		QuotaBackend:   command.String("quota-backend"),
		RedisAddr:      command.String("redis-addr"),
		RedisPassword:  command.String("redis-password"),
		RedisDB:        int(command.Int("redis-db")),
		GatewayURL:     command.String("gateway-url"),
		GatewayToken:   command.String("gateway-token"),
		GatewayTimeout: command.Duration("gateway-timeout"),
		TemplatesFile:  command.String("templates"),
		LogLevel:       command.String("log-level"),
	}
	return cfg, cfg.Validate()
}
