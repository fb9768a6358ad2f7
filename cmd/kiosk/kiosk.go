package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/epickiosk/kiosk/internal/api"
	"github.com/epickiosk/kiosk/internal/destroy"
	"github.com/epickiosk/kiosk/internal/kv"
	"github.com/epickiosk/kiosk/internal/lock"
	"github.com/epickiosk/kiosk/internal/log"
	"github.com/epickiosk/kiosk/internal/model"
	"github.com/epickiosk/kiosk/internal/queue"
	"github.com/epickiosk/kiosk/internal/ratelimit"
	"github.com/epickiosk/kiosk/internal/schedule"
	"github.com/epickiosk/kiosk/internal/status"
	"github.com/epickiosk/kiosk/internal/store"
	"github.com/epickiosk/kiosk/internal/webapi"
	"github.com/epickiosk/kiosk/internal/worker"
)

func cmdContext(ctx context.Context, name string) context.Context {
	attrs := slog.Group("kiosk",
		slog.String("cmd", name),
		slog.Int("pid", os.Getpid()),
	)
	return log.ContextAttrs(ctx, attrs)
}

func doServe(cmd *cobra.Command, _ []string) error {
	ctx := cmdContext(cmd.Context(), "serve")

	rdb, err := kv.Open(ctx, config.Redis)
	if err != nil {
		return err
	}
	defer func() {
		_ = rdb.Close()
	}()
	db, err := store.Open(ctx, config.Database.Path)
	if err != nil {
		return err
	}
	defer func() {
		_ = db.Close()
	}()

	if !config.Service.Verbose {
		gin.SetMode(gin.ReleaseMode)
	}
	st := status.New(rdb)
	q := queue.New(rdb, config.Queue.Key)
	srv := api.New(api.Deps{
		Accounts: db,
		Status:   st,
		Queue:    q,
		// the server side deletes the row, a worker asked for it or the
		// user did
		Destroyer: destroy.Protocol{
			Accounts: db,
			Dirs:     config.Data.Profiles,
			Store:    st,
		},
		Limiter: ratelimit.New(rdb, config.Limiter.WindowDuration(), config.Limiter.Max),
		Token:   config.HTTP.Token,
		Images:  config.Data.Images,
	})

	var sched *schedule.Scheduler
	if config.Schedule.IsEnabled() {
		sched, err = schedule.New(ctx, config.Schedule, db, q)
		if err != nil {
			return err
		}
	} else {
		slog.InfoContext(ctx, "daily trigger disabled")
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.ListenAndServe(ctx, config.HTTP.Listen)
	})
	if sched != nil {
		sched.Start()
		if next, err := sched.NextRun(); err == nil {
			slog.InfoContext(ctx, "daily trigger scheduled", "next_run", next)
		}
		g.Go(func() error {
			<-ctx.Done()
			if err := sched.Shutdown(); err != nil {
				slog.ErrorContext(ctx, "shutting down gocron has failed", "error", err)
			}
			return nil
		})
	}

	return g.Wait()
}

func doWorker(cmd *cobra.Command, _ []string) error {
	ctx := log.ContextAttrs(cmdContext(cmd.Context(), "worker"),
		slog.String("worker_id", uuid.NewString()),
	)

	wcfg, err := worker.ParseConfig("worker")
	if err != nil {
		return fmt.Errorf("parsing worker.command: %w", err)
	}
	command := wcfg.Cmd()
	if command.Path == "" {
		return errors.New("worker.command.path is empty")
	}

	rdb, err := kv.Open(ctx, config.Redis)
	if err != nil {
		return err
	}
	defer func() {
		_ = rdb.Close()
	}()
	client, err := webapi.New(config.Web.URL, config.Web.Token)
	if err != nil {
		return fmt.Errorf("web.url: %w", err)
	}

	st := status.New(rdb)
	covers := worker.ImageCovers{Dir: config.Data.Images}
	w := worker.New(command, queue.New(rdb, config.Queue.Key), st, destroy.Protocol{
		Delay:  config.Worker.DestroyDelayDuration(),
		Remote: client,
		Dirs:   config.Data.Profiles,
		Store:  st,
	}).
		WithLeases(lock.New(rdb), config.Worker.LockTTLDuration()).
		WithCleaner(worker.ProfileCleaner{Dirs: config.Data.Profiles}).
		WithReporter(worker.ClaimReporter{Client: client, Covers: covers}, covers).
		WithEnvNames(worker.EnvNames{
			Identity: config.Worker.IdentityEnv,
			Secret:   config.Worker.SecretEnv,
			Mode:     config.Worker.ModeEnv,
		}).
		WithPopTimeout(config.Queue.PopTimeoutDuration())

	return w.Do(ctx)
}

func doEnqueue(cmd *cobra.Command, _ []string) error {
	ctx := cmdContext(cmd.Context(), "enqueue")
	mode := model.Mode(flagMode)
	if !mode.Valid() {
		return fmt.Errorf("%w: %q", model.ErrInvalidMode, flagMode)
	}

	db, err := store.Open(ctx, config.Database.Path)
	if err != nil {
		return err
	}
	defer func() {
		_ = db.Close()
	}()
	acc, err := db.Account(ctx, flagEmail)
	if err != nil {
		return fmt.Errorf("account %s: %w", flagEmail, err)
	}

	rdb, err := kv.Open(ctx, config.Redis)
	if err != nil {
		return err
	}
	defer func() {
		_ = rdb.Close()
	}()
	q := queue.New(rdb, config.Queue.Key)
	if err := q.Push(ctx, acc.Task(mode)); err != nil {
		return err
	}
	slog.InfoContext(ctx, "task enqueued", "identity", acc.Identity, "mode", string(mode), "queue", q.Key())
	return nil
}
