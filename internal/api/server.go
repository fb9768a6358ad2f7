// Package api serves the public endpoints (submission, polling, history,
// user deletion) and the trusted ones used by workers.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/epickiosk/kiosk/internal/destroy"
	"github.com/epickiosk/kiosk/internal/model"
	"github.com/epickiosk/kiosk/internal/ratelimit"
	"github.com/epickiosk/kiosk/internal/status"
)

const shutdownTimeout = 10 * time.Second

type Accounts interface {
	UpsertAccount(ctx context.Context, acc model.Account) error
	CheckSecret(ctx context.Context, identity, secret string) error
	RecordClaim(ctx context.Context, claim model.Claim) (bool, error)
	Claims(ctx context.Context, identity string) ([]model.Claim, error)
}

type Status interface {
	Clear(ctx context.Context, identity string) error
	Snapshot(ctx context.Context, identity string) (status.Snapshot, error)
	Result(ctx context.Context, identity string) (model.Outcome, bool, error)
	SetLastGame(ctx context.Context, identity, title string) error
}

type Enqueuer interface {
	Push(ctx context.Context, task model.Task) error
}

type Destroyer interface {
	Destroy(ctx context.Context, identity string) destroy.Summary
}

type Limiter interface {
	Admit(ctx context.Context, origin string) (ratelimit.Decision, error)
}

// Deps are the collaborators of the handlers.
type Deps struct {
	Accounts  Accounts
	Status    Status
	Queue     Enqueuer
	Destroyer Destroyer
	Limiter   Limiter
	// Token guards the trusted endpoints, empty disables them.
	Token string
	// Images is served under /images when set.
	Images string
}

type Server struct {
	deps   Deps
	engine *gin.Engine
}

func New(deps Deps) *Server {
	engine := gin.New()
	// origins are taken from the connection, forwarded headers are not trusted
	_ = engine.SetTrustedProxies(nil)
	engine.Use(gin.Recovery(), requestLog())

	s := &Server{deps: deps, engine: engine}
	s.routes()
	if deps.Token == "" {
		slog.Warn("http.token is empty, trusted endpoints are disabled")
	}
	return s
}

func (s *Server) routes() {
	r := s.engine
	r.GET("/healthz", s.healthz)
	if s.deps.Images != "" {
		r.Static("/images", s.deps.Images)
	}

	api := r.Group("/api")
	api.POST("/deposit", RateLimit(s.deps.Limiter), s.deposit)
	api.GET("/status/:email", s.status)
	api.POST("/delete_account", s.deleteAccount)
	api.POST("/confirm_success", s.confirmSuccess)
	api.POST("/query", s.query)

	trusted := api.Group("", TrustedToken(s.deps.Token))
	trusted.POST("/nuke_account", s.nukeAccount)
	trusted.POST("/report_game", s.reportGame)
}

func (s *Server) Handler() http.Handler {
	return s.engine
}

// ListenAndServe serves on addr until ctx is done, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	slog.InfoContext(ctx, "http server listening", "addr", addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	slog.InfoContext(ctx, "http server stopped")
	return nil
}
