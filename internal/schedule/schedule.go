// Package schedule spreads the daily claim runs of all accounts over a
// jitter window, so they never land on the queue at once.
package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	gocron "github.com/go-co-op/gocron/v2"

	"github.com/epickiosk/kiosk/internal/log"
	"github.com/epickiosk/kiosk/internal/model"
)

const dispatchTag = "dispatch"

type Accounts interface {
	ListAccounts(ctx context.Context) ([]model.Account, error)
}

type Pusher interface {
	Push(ctx context.Context, task model.Task) error
}

// Dispatch is one planned enqueue.
type Dispatch struct {
	Identity string
	Delay    time.Duration
	At       time.Time
}

type Scheduler struct {
	ctx      context.Context
	sched    gocron.Scheduler
	trigger  gocron.Job
	accounts Accounts
	queue    Pusher
	jitter   time.Duration
	delay    func() time.Duration
}

// New builds the scheduler with its daily trigger, it does not start it.
func New(ctx context.Context, cfg model.Schedule, accounts Accounts, queue Pusher) (*Scheduler, error) {
	if _, err := model.ParseCron(cfg.Cron); err != nil {
		return nil, fmt.Errorf("parsing schedule.cron: %w", err)
	}
	loc, err := cfg.Location()
	if err != nil {
		return nil, fmt.Errorf("parsing schedule.timezone: %w", err)
	}

	sched, err := gocron.NewScheduler(gocron.WithLocation(loc))
	if err != nil {
		return nil, fmt.Errorf("initializing gocron scheduler: %w", err)
	}
	s := &Scheduler{
		ctx:      ctx,
		sched:    sched,
		accounts: accounts,
		queue:    queue,
		jitter:   cfg.JitterDuration(),
	}
	s.delay = s.randomDelay

	s.trigger, err = sched.NewJob(
		gocron.CronJob(cfg.Cron, false),
		gocron.NewTask(func() {
			if _, err := s.Fire(s.ctx); err != nil {
				slog.ErrorContext(s.ctx, "daily trigger failed", "error", err)
			}
		}),
		gocron.WithName("daily trigger"),
	)
	if err != nil {
		_ = sched.Shutdown()
		return nil, fmt.Errorf("initializing gocron job: %w", err)
	}
	slog.DebugContext(ctx, "scheduler ready", "cron", cfg.Cron, "location", loc.String(), "jitter", s.jitter.String())
	return s, nil
}

// WithDelay replaces the random delay source.
func (s *Scheduler) WithDelay(fn func() time.Duration) *Scheduler {
	s.delay = fn
	return s
}

func (s *Scheduler) Start() {
	s.sched.Start()
}

func (s *Scheduler) Shutdown() error {
	return s.sched.Shutdown()
}

// NextRun returns the next activation of the daily trigger.
func (s *Scheduler) NextRun() (time.Time, error) {
	return s.trigger.NextRun()
}

// Pending returns the number of dispatches not yet run.
func (s *Scheduler) Pending() int {
	var n int
	for _, job := range s.sched.Jobs() {
		for _, tag := range job.Tags() {
			if tag == dispatchTag {
				n++
			}
		}
	}
	return n
}

// Jobs returns the number of registered jobs, the trigger included.
func (s *Scheduler) Jobs() int {
	return len(s.sched.Jobs())
}

// Fire reads the accounts and plans one delayed claim run for each. A
// dispatch that can't be scheduled is logged and skipped.
func (s *Scheduler) Fire(ctx context.Context) ([]Dispatch, error) {
	accounts, err := s.accounts.ListAccounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing accounts: %w", err)
	}
	// dispatches outlive the caller, only Shutdown cancels them
	jobCtx := context.WithoutCancel(ctx)
	now := time.Now()
	plan := make([]Dispatch, 0, len(accounts))
	for _, acc := range accounts {
		d := Dispatch{Identity: acc.Identity, Delay: s.delay()}
		d.At = now.Add(d.Delay)

		start := gocron.OneTimeJobStartDateTime(d.At)
		if d.Delay < time.Second {
			start = gocron.OneTimeJobStartImmediately()
		}
		task := acc.Task(model.ModeClaim)
		_, err := s.sched.NewJob(
			gocron.OneTimeJob(start),
			gocron.NewTask(func() { s.enqueue(jobCtx, task) }),
			gocron.WithName("dispatch "+acc.Identity),
			gocron.WithTags(dispatchTag),
			gocron.WithLimitedRuns(1),
		)
		if err != nil {
			slog.ErrorContext(ctx, "scheduling a dispatch failed", "identity", acc.Identity, "error", err)
			continue
		}
		plan = append(plan, d)
	}
	slog.InfoContext(ctx, "daily dispatch planned", "accounts", len(accounts), "scheduled", len(plan))
	return plan, nil
}

func (s *Scheduler) enqueue(ctx context.Context, task model.Task) {
	ctx = log.ContextAttrs(ctx, slog.String("identity", task.Identity))
	if err := s.queue.Push(ctx, task); err != nil {
		slog.ErrorContext(ctx, "enqueue failed", "error", err)
		return
	}
	slog.InfoContext(ctx, "claim task enqueued")
}

func (s *Scheduler) randomDelay() time.Duration {
	n := int(s.jitter / time.Second)
	if n <= 0 {
		return 0
	}
	return time.Duration(rand.IntN(n)) * time.Second
}
