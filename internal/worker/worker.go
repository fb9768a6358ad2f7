package worker

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"time"

	"github.com/epickiosk/kiosk/internal/classify"
	"github.com/epickiosk/kiosk/internal/destroy"
	"github.com/epickiosk/kiosk/internal/lock"
	"github.com/epickiosk/kiosk/internal/log"
	"github.com/epickiosk/kiosk/internal/model"
	"github.com/epickiosk/kiosk/internal/queue"
	"github.com/epickiosk/kiosk/internal/status"
)

const (
	defaultPopTimeout = 5 * time.Second
	defaultLockTTL    = time.Hour
	errorBackoff      = time.Second
)

type Queue interface {
	Pop(ctx context.Context, timeout time.Duration) (model.Task, error)
}

type Leases interface {
	Acquire(ctx context.Context, identity string, ttl time.Duration) (func(context.Context), error)
}

// Store holds the per-identity run state. Clear drops the previous outcome.
type Store interface {
	classify.Store
	Clear(ctx context.Context, identity string) error
}

type Destroyer interface {
	Destroy(ctx context.Context, identity string) destroy.Summary
}

type Cleaner interface {
	Clean(ctx context.Context, identity string) int
}

// EnvNames are the variables the job reads its task from.
type EnvNames struct {
	Identity string
	Secret   string
	Mode     string
}

func (n EnvNames) environ(task model.Task) []string {
	return []string{
		n.Identity + "=" + task.Identity,
		n.Secret + "=" + task.Secret,
		n.Mode + "=" + string(task.Mode),
		"ENABLE_APSCHEDULER=false",
	}
}

type Worker struct {
	command    Command
	queue      Queue
	store      Store
	destroyer  Destroyer
	leases     Leases
	cleaner    Cleaner
	reporter   classify.Reporter
	covers     classify.Covers
	env        EnvNames
	baseEnv    []string
	popTimeout time.Duration
	lockTTL    time.Duration
}

func New(command Command, q Queue, store Store, destroyer Destroyer) *Worker {
	return &Worker{
		command:   command,
		queue:     q,
		store:     store,
		destroyer: destroyer,
		env: EnvNames{
			Identity: model.DefaultIdentityEnv,
			Secret:   model.DefaultSecretEnv,
			Mode:     model.DefaultModeEnv,
		},
		baseEnv:    os.Environ(),
		popTimeout: defaultPopTimeout,
		lockTTL:    defaultLockTTL,
	}
}

func (w *Worker) WithLeases(leases Leases, ttl time.Duration) *Worker {
	w.leases = leases
	if ttl > 0 {
		w.lockTTL = ttl
	}
	return w
}

func (w *Worker) WithCleaner(cleaner Cleaner) *Worker {
	w.cleaner = cleaner
	return w
}

func (w *Worker) WithReporter(reporter classify.Reporter, covers classify.Covers) *Worker {
	w.reporter = reporter
	w.covers = covers
	return w
}

func (w *Worker) WithEnvNames(names EnvNames) *Worker {
	if names.Identity != "" {
		w.env.Identity = names.Identity
	}
	if names.Secret != "" {
		w.env.Secret = names.Secret
	}
	if names.Mode != "" {
		w.env.Mode = names.Mode
	}
	return w
}

// WithBaseEnv replaces the inherited environment of the job.
func (w *Worker) WithBaseEnv(env []string) *Worker {
	w.baseEnv = env
	return w
}

func (w *Worker) WithPopTimeout(d time.Duration) *Worker {
	if d > 0 {
		w.popTimeout = d
	}
	return w
}

// Do pops and processes tasks until ctx is done. Queue failures are logged
// and retried, they never end the loop.
func (w *Worker) Do(ctx context.Context) error {
	slog.InfoContext(ctx, "worker started", "command", w.command.Path, "pop_timeout", w.popTimeout.String())
	for {
		if ctx.Err() != nil {
			slog.InfoContext(ctx, "worker stopped")
			return nil
		}
		task, err := w.queue.Pop(ctx, w.popTimeout)
		switch {
		case err == nil:
			w.Process(ctx, task)
		case errors.Is(err, queue.ErrEmpty):
		case errors.Is(err, queue.ErrMalformed):
			slog.ErrorContext(ctx, "dropping malformed task", "error", err)
		case ctx.Err() != nil:
		default:
			slog.ErrorContext(ctx, "popping a task failed", "error", err)
			sleep(ctx, errorBackoff)
		}
	}
}

// Process runs one task to its end.
func (w *Worker) Process(ctx context.Context, task model.Task) {
	ctx = log.ContextAttrs(ctx,
		slog.String("identity", task.Identity),
		slog.String("mode", string(task.Mode)),
	)
	slog.InfoContext(ctx, "task received")

	if w.leases != nil {
		release, err := w.leases.Acquire(ctx, task.Identity, w.lockTTL)
		if errors.Is(err, lock.ErrLocked) {
			slog.WarnContext(ctx, "identity is being processed by another worker, dropping the task")
			return
		}
		if err != nil {
			slog.ErrorContext(ctx, "acquiring a lease failed, dropping the task", "error", err)
			return
		}
		defer release(context.WithoutCancel(ctx))
	}

	if err := w.store.Clear(ctx, task.Identity); err != nil {
		slog.ErrorContext(ctx, "clearing the previous run failed", "error", err)
	}
	w.setStatus(ctx, task.Identity, classify.MsgInitializing)

	cmd := w.command.WithEnv(w.env.environ(task)...)
	cmd.Env = append(append([]string(nil), w.baseEnv...), cmd.Env...)
	proc, err := Start(ctx, cmd)
	if err != nil {
		slog.ErrorContext(ctx, "starting the job failed", "path", cmd.Path, "error", err)
		w.setStatus(ctx, task.Identity, classify.MsgSystemError)
		if err := w.store.SetResult(ctx, task.Identity, model.OutcomeFail, status.ResultTTL); err != nil {
			slog.ErrorContext(ctx, "storing result failed", "error", err)
		}
		return
	}
	slog.DebugContext(ctx, "job started", "pid", proc.Pid())

	c := classify.New(task, w.store, w.reporter, w.covers)
	for line := range proc.Lines() {
		slog.DebugContext(ctx, "job output", "line", line)
		if c.Feed(ctx, line) != classify.Abort {
			continue
		}
		if err := proc.Kill(); err != nil {
			slog.ErrorContext(ctx, "killing the job failed", "error", err)
		}
		res := proc.Wait()
		slog.WarnContext(ctx, "job killed on fatal failure", "lines", c.Lines(), "elapsed", res.Stopped.Sub(res.Started).String())
		w.destroyer.Destroy(ctx, task.Identity)
		return
	}

	res := proc.Wait()
	attrs := []any{
		"exit_code", res.ExitCode(),
		"lines", c.Lines(),
		"elapsed", res.Stopped.Sub(res.Started).String(),
	}
	switch {
	case res.TimedOut:
		slog.WarnContext(ctx, "job killed by the watchdog", attrs...)
	case res.Err != nil:
		slog.WarnContext(ctx, "job exited", append(attrs, "error", res.Err)...)
	default:
		slog.InfoContext(ctx, "job exited", attrs...)
	}

	if w.cleaner != nil {
		w.cleaner.Clean(ctx, task.Identity)
	}
	c.Finish(ctx)
	slog.InfoContext(ctx, "task done", "flags", c.Flags(), "claimed", c.Claimed())
}

func (w *Worker) setStatus(ctx context.Context, identity, msg string) {
	if err := w.store.SetStatus(ctx, identity, msg, status.StatusTTL); err != nil {
		slog.ErrorContext(ctx, "storing status failed", "error", err)
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
