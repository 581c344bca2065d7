package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"reachflow/internal/backoff"
	"reachflow/internal/clock"
	"reachflow/internal/domain"
	"reachflow/internal/queue"
)

// Handler runs one claimed task. It reports failures through the outcome;
// a panic is recovered and treated as a transport failure.
type Handler interface {
	Handle(ctx context.Context, t domain.Task) domain.Outcome
}

type HandlerFunc func(ctx context.Context, t domain.Task) domain.Outcome

func (f HandlerFunc) Handle(ctx context.Context, t domain.Task) domain.Outcome { return f(ctx, t) }

type Config struct {
	Workers        int
	PollEvery      time.Duration
	BatchSize      int
	Retry          backoff.Strategy
	RateLimitDelay time.Duration
	PauseDelay     time.Duration
	HandlerTimeout time.Duration
	ClaimTimeout   time.Duration
	ReapEvery      time.Duration // negative leaves reaping to an outside job
}

func DefaultConfig() Config {
	return Config{
		Workers:        8,
		PollEvery:      250 * time.Millisecond,
		BatchSize:      32,
		Retry:          backoff.NewExponential(30*time.Second, 30*time.Minute),
		RateLimitDelay: 10 * time.Minute,
		PauseDelay:     15 * time.Minute,
		HandlerTimeout: time.Minute,
		ClaimTimeout:   5 * time.Minute,
		ReapEvery:      time.Minute,
	}
}

type Pool struct {
	repo    queue.Repository
	handler Handler
	clock   clock.Clock
	cfg     Config
	log     zerolog.Logger
	id      string
	sem     chan struct{}
	wg      sync.WaitGroup
}

type Option func(*Pool)

func WithLogger(l zerolog.Logger) Option { return func(p *Pool) { p.log = l } }

func NewPool(repo queue.Repository, handler Handler, clk clock.Clock, cfg Config, opts ...Option) *Pool {
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.PollEvery <= 0 {
		cfg.PollEvery = def.PollEvery
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.Retry == nil {
		cfg.Retry = def.Retry
	}
	if cfg.HandlerTimeout <= 0 {
		cfg.HandlerTimeout = def.HandlerTimeout
	}
	if cfg.ClaimTimeout <= 0 {
		cfg.ClaimTimeout = def.ClaimTimeout
	}
	if cfg.ReapEvery == 0 {
		cfg.ReapEvery = def.ReapEvery
	}
	p := &Pool{
		repo:    repo,
		handler: handler,
		clock:   clk,
		cfg:     cfg,
		log:     zerolog.Nop(),
		id:      "wrk_" + uuid.NewString()[:8],
		sem:     make(chan struct{}, cfg.Workers),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.log = p.log.With().Str("worker_id", p.id).Logger()
	return p
}

func (p *Pool) ID() string { return p.id }

// Run polls until ctx is done, then waits for in-flight tasks.
func (p *Pool) Run(ctx context.Context) {
	poll := p.clock.NewTicker(p.cfg.PollEvery)
	defer poll.Stop()
	// A nil channel never fires; reaping is then left to an outside job.
	var reapC <-chan time.Time
	if p.cfg.ReapEvery > 0 {
		reap := p.clock.NewTicker(p.cfg.ReapEvery)
		defer reap.Stop()
		reapC = reap.C()
	}

	p.log.Info().Int("workers", p.cfg.Workers).Dur("poll", p.cfg.PollEvery).Msg("worker pool started")
	defer p.wg.Wait()
	for {
		select {
		case <-ctx.Done():
			p.log.Info().Msg("worker pool stopping")
			return
		case <-poll.C():
			p.poll(ctx, true)
		case <-reapC:
			p.Reap(ctx)
		}
	}
}

// PollOnce claims and runs every due task inline and returns how many it ran.
func (p *Pool) PollOnce(ctx context.Context) int {
	return p.poll(ctx, false)
}

// Reap releases claims that outlived the claim timeout.
func (p *Pool) Reap(ctx context.Context) int {
	n, err := p.repo.RecoverStale(ctx, p.clock.Now(), p.cfg.ClaimTimeout)
	if err != nil {
		p.log.Error().Err(err).Msg("recover stale claims")
		return 0
	}
	if n > 0 {
		p.log.Warn().Int("recovered", n).Msg("released stale claims")
	}
	return n
}

func (p *Pool) poll(ctx context.Context, async bool) int {
	now := p.clock.Now()
	ids, err := p.repo.Due(ctx, now, p.cfg.BatchSize)
	if err != nil {
		p.log.Error().Err(err).Msg("list due tasks")
		return 0
	}

	ran := 0
	for _, id := range ids {
		select {
		case p.sem <- struct{}{}:
		case <-ctx.Done():
			return ran
		}
		task, ok, err := p.repo.Claim(ctx, id, p.id+":"+uuid.NewString(), p.clock.Now())
		if err != nil || !ok {
			<-p.sem
			if err != nil {
				p.log.Error().Err(err).Str("task_id", id).Msg("claim task")
			}
			continue
		}
		ran++
		if !async {
			p.execute(ctx, task)
			<-p.sem
			continue
		}
		p.wg.Add(1)
		go func(t domain.Task) {
			defer func() { <-p.sem; p.wg.Done() }()
			p.execute(ctx, t)
		}(task)
	}
	return ran
}

func (p *Pool) execute(ctx context.Context, t domain.Task) {
	outcome := p.invoke(ctx, t)
	// Resolution outlives shutdown so a finished handler is never re-run.
	ctx = context.WithoutCancel(ctx)
	if err := p.resolve(ctx, t, outcome); err != nil {
		if errors.Is(err, domain.ErrClaimLost) {
			p.log.Warn().Str("task_id", t.ID).Msg("claim lost before resolution")
		} else {
			p.log.Error().Err(err).Str("task_id", t.ID).Msg("resolve task")
		}
	}
}

func (p *Pool) invoke(ctx context.Context, t domain.Task) (out domain.Outcome) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error().Str("task_id", t.ID).Interface("panic", r).Msg("handler panicked")
			out = domain.TransportFailure(fmt.Sprintf("handler panic: %v", r))
		}
	}()
	c, cancel := context.WithTimeout(ctx, p.cfg.HandlerTimeout)
	defer cancel()
	return p.handler.Handle(c, t)
}

func (p *Pool) resolve(ctx context.Context, t domain.Task, o domain.Outcome) error {
	now := p.clock.Now()
	ev := p.log.Info().Str("task_id", t.ID).Str("action", string(t.ActionType)).Str("outcome", string(o.Status))
	if t.Payload.IsStep() {
		ev = ev.Str("instance_id", t.Payload.InstanceID).Int("step", t.Payload.StepIndex)
	}

	switch o.Status {
	case domain.OutcomeSuccess:
		ev.Msg("task succeeded")
		return p.repo.Succeed(ctx, t, domain.StepSuccess, o.Content)
	case domain.OutcomeSkipped:
		ev.Str("reason", o.Message).Msg("task skipped")
		return p.repo.Succeed(ctx, t, domain.StepSkipped, o.Message)
	case domain.OutcomeRateLimited:
		at := now.Add(p.cfg.RateLimitDelay)
		ev.Str("reason", o.Message).Time("next_run", at).Msg("task throttled")
		return p.repo.Reschedule(ctx, t, at, false, o.Message)
	case domain.OutcomeDeferred:
		at := now.Add(p.cfg.PauseDelay)
		ev.Time("next_run", at).Msg("task deferred")
		return p.repo.Reschedule(ctx, t, at, false, o.Message)
	case domain.OutcomeTransportFailure:
		if t.RetryCount < t.MaxRetries {
			at := now.Add(p.cfg.Retry.Delay(t.RetryCount + 1))
			ev.Int("retry", t.RetryCount+1).Time("next_run", at).Str("error", o.Message).Msg("task failed, retrying")
			return p.repo.Reschedule(ctx, t, at, true, o.Message)
		}
		ev.Int("retries", t.RetryCount).Str("error", o.Message).Msg("task failed permanently")
		return p.repo.Fail(ctx, t, "retries exhausted: "+o.Message)
	case domain.OutcomeValidationFailure:
		ev.Str("error", o.Message).Msg("task rejected")
		return p.repo.Fail(ctx, t, o.Message)
	case domain.OutcomeCanceled:
		ev.Msg("task canceled")
		return p.repo.Cancel(ctx, t, o.Message)
	default:
		ev.Msg("unknown outcome")
		return p.repo.Fail(ctx, t, "unknown outcome "+string(o.Status))
	}
}
