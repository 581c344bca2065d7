package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	cli "github.com/urfave/cli/v3"

	"reachflow/internal/api"
	"reachflow/internal/channel"
	"reachflow/internal/clock"
	"reachflow/internal/config"
	"reachflow/internal/dispatch"
	"reachflow/internal/queue"
	"reachflow/internal/quota"
	"reachflow/internal/scheduler"
	"reachflow/internal/store"
	"reachflow/internal/worker"
	"reachflow/internal/workflow"
)

// app holds the storage-backed components every command shares.
type app struct {
	cfg       config.Config
	log       zerolog.Logger
	clock     clock.Clock
	db        *sql.DB
	redis     *goredis.Client
	accounts  *store.Accounts
	customers *store.Customers
	logs      *store.ActionLogs
	tracker   quota.Tracker
	repo      *queue.SQLiteRepo
}

func newApp(ctx context.Context, cfg config.Config, logger zerolog.Logger) (*app, error) {
	db, err := store.Open(ctx, store.FileDSN(cfg.DBPath))
	if err != nil {
		return nil, err
	}
	clk := clock.Real{}
	a := &app{
		cfg:       cfg,
		log:       logger,
		clock:     clk,
		db:        db,
		accounts:  store.NewAccounts(db, clk),
		customers: store.NewCustomers(db, clk),
		logs:      store.NewActionLogs(db, clk),
		repo:      queue.NewSQLiteRepo(db, clk, cfg.MaxRetries),
	}

	quotaLog := component(logger, "quota")
	switch cfg.QuotaBackend {
	case config.QuotaRedis:
		a.redis = goredis.NewClient(&goredis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		if err := a.redis.Ping(ctx).Err(); err != nil {
			a.Close()
			return nil, fmt.Errorf("connect redis %s: %w", cfg.RedisAddr, err)
		}
		tracker := quota.NewRedisTracker(a.redis, clk, cfg.Location(), quotaLog)
		if err := registerAccounts(ctx, a.accounts, tracker); err != nil {
			a.Close()
			return nil, err
		}
		a.tracker = tracker
	default:
		a.tracker = quota.NewSQLiteTracker(db, clk, cfg.Location(), quotaLog)
	}
	return a, nil
}

// registerAccounts copies stored account limits into the Redis tracker.
// Counters already in Redis are kept.
func registerAccounts(ctx context.Context, accounts *store.Accounts, t *quota.RedisTracker) error {
	list, err := accounts.List(ctx)
	if err != nil {
		return fmt.Errorf("list accounts: %w", err)
	}
	for _, acc := range list {
		if err := t.Register(ctx, acc); err != nil {
			return err
		}
	}
	return nil
}

func (a *app) Close() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.log.Error().Err(err).Msg("close redis")
		}
	}
	if err := a.db.Close(); err != nil {
		a.log.Error().Err(err).Msg("close db")
	}
}

func component(l zerolog.Logger, name string) zerolog.Logger {
	return l.With().Str("component", name).Logger()
}

func (a *app) seedTemplates(ctx context.Context, s *workflow.Store) error {
	if a.cfg.TemplatesFile == "" {
		return nil
	}
	f, err := os.Open(a.cfg.TemplatesFile)
	if err != nil {
		return fmt.Errorf("open templates: %w", err)
	}
	defer f.Close()
	tpls, err := workflow.LoadTemplatesYAML(f)
	if err != nil {
		return err
	}
	n, err := s.SeedTemplates(ctx, tpls)
	if err != nil {
		return fmt.Errorf("seed templates: %w", err)
	}
	a.log.Info().Int("created", n).Int("in_file", len(tpls)).Str("file", a.cfg.TemplatesFile).Msg("templates seeded")
	return nil
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run workers, periodic jobs and the HTTP API",
		Action: func(ctx context.Context, command *cli.Command) error {
			cfg, err := loadConfig(command)
			if err != nil {
				return err
			}
			logger := setupLogging(cfg.LogLevel)
			if cfg.GatewayURL == "" {
				return errors.New("serve needs --gateway-url")
			}

			a, err := newApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			gateway := channel.NewHTTPGateway(cfg.GatewayURL, cfg.GatewayTimeout, channel.WithToken(cfg.GatewayToken))
			dispatcher := dispatch.New(a.accounts, a.tracker, gateway, a.customers, a.logs, component(logger, "dispatch"))
			engine := workflow.NewEngine(a.db, a.customers, dispatcher, a.clock, cfg.MaxRetries, component(logger, "workflow"))
			if err := a.seedTemplates(ctx, engine.Store()); err != nil {
				return err
			}

			jobs := scheduler.QuotaJobs(a.tracker, cfg.HourlySpec, cfg.DailySpec, component(logger, "quota"))
			jobs = append(jobs, scheduler.RecoverJob(a.repo, cfg.RecoverSpec, cfg.ClaimTimeout, component(logger, "queue")))
			sched, err := scheduler.NewService(a.clock, cfg.Location(), cfg.TickInterval, component(logger, "scheduler"), jobs...)
			if err != nil {
				return err
			}
			a.repo.OnStepResolved(engine.FoldStep)
			pool := worker.NewPool(a.repo, engine, a.clock, cfg.Worker(), worker.WithLogger(component(logger, "worker")))

			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()

			poolDone := make(chan struct{})
			go func() {
				pool.Run(ctx)
				close(poolDone)
			}()
			go sched.Start(ctx)

			srv := &http.Server{
				Addr:              cfg.Addr,
				ReadHeaderTimeout: 10 * time.Second,
				Handler: api.NewServer(api.Deps{
					Workflows: engine,
					Templates: engine.Store(),
					Tasks:     a.repo,
					Tracker:   a.tracker,
					Accounts:  a.accounts,
					Customers: a.customers,
					Logs:      a.logs,
					Log:       component(logger, "http"),
					Debug:     cfg.Debug,
				}),
			}
			serveErr := make(chan error, 1)
			go func() {
				logger.Info().Str("addr", cfg.Addr).Msg("HTTP server starting")
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					serveErr <- err
				}
			}()

			select {
			case <-ctx.Done():
			case err := <-serveErr:
				logger.Error().Err(err).Msg("http server")
				stop()
			}

			logger.Info().Msg("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Error().Err(err).Msg("http shutdown")
			}
			<-poolDone
			return nil
		},
	}
}

func migrateCommand() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Create the database schema and seed templates",
		Action: func(ctx context.Context, command *cli.Command) error {
			cfg, err := loadConfig(command)
			if err != nil {
				return err
			}
			logger := setupLogging(cfg.LogLevel)
			db, err := store.Open(ctx, store.FileDSN(cfg.DBPath))
			if err != nil {
				return err
			}
			defer db.Close()
			logger.Info().Str("db", cfg.DBPath).Msg("schema ready")

			a := &app{cfg: cfg, log: logger}
			return a.seedTemplates(ctx, workflow.NewStore(db, clock.Real{}))
		},
	}
}

// resetCommand runs one quota reset, for deployments that drive resets from
// an external cron instead of serve.
func resetCommand(name, usage string, daily bool) *cli.Command {
	return &cli.Command{
		Name:  name,
		Usage: usage,
		Action: func(ctx context.Context, command *cli.Command) error {
			cfg, err := loadConfig(command)
			if err != nil {
				return err
			}
			logger := setupLogging(cfg.LogLevel)
			a, err := newApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			reset := a.tracker.ResetHourly
			if daily {
				reset = a.tracker.ResetDaily
			}
			report, err := reset(ctx)
			logger.Info().Str("command", name).Int("reset", report.Reset).Int("skipped", report.Skipped).
				Int("failed", report.Failed).Msg("quota reset finished")
			return err
		},
	}
}
