package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/epickiosk/kiosk/internal/log"
	"github.com/epickiosk/kiosk/internal/model"
	"github.com/epickiosk/kiosk/internal/store"
	"github.com/epickiosk/kiosk/internal/webapi"
)

const (
	MsgQueued          = "queued"
	MsgWaiting         = "Waiting..."
	MsgWrongPassword   = "wrong password, account not deleted"
	MsgNotVerified     = "account was not verified successfully"
	MsgAlreadyRecorded = "Already recorded"
	MsgInternal        = "internal error"

	defaultImage = "default.jpg"
)

type accountRequest struct {
	Identity string `json:"email" binding:"required"`
	Secret   string `json:"password" binding:"required"`
}

type queryRequest struct {
	Identity string `json:"email" binding:"required"`
}

type claimView struct {
	Game  string `json:"game"`
	Time  string `json:"time"`
	Image string `json:"image"`
}

func fail(c *gin.Context, code int, msg string) {
	c.AbortWithStatusJSON(code, gin.H{"status": "error", "msg": msg})
}

// bind decodes the body and validates the identity. It writes the error
// response itself.
func bind[T any](c *gin.Context, identity func(*T) string) (*T, bool) {
	var req T
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "invalid request body")
		return nil, false
	}
	if err := model.ValidateIdentity(identity(&req)); err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return nil, false
	}
	c.Request = c.Request.WithContext(log.ContextAttrs(c.Request.Context(), slog.String("identity", identity(&req))))
	return &req, true
}

func (s *Server) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) deposit(c *gin.Context) {
	req, ok := bind(c, func(r *accountRequest) string { return r.Identity })
	if !ok {
		return
	}
	ctx := c.Request.Context()
	if err := s.deps.Status.Clear(ctx, req.Identity); err != nil {
		slog.ErrorContext(ctx, "clearing status failed", "error", err)
		fail(c, http.StatusServiceUnavailable, MsgUnavailable)
		return
	}
	task := model.Task{Identity: req.Identity, Secret: req.Secret, Mode: model.ModeVerify}
	if err := s.deps.Queue.Push(ctx, task); err != nil {
		slog.ErrorContext(ctx, "enqueue failed", "error", err)
		fail(c, http.StatusServiceUnavailable, MsgUnavailable)
		return
	}
	slog.InfoContext(ctx, "verification queued")
	c.JSON(http.StatusOK, gin.H{"status": "queued", "msg": MsgQueued})
}

func (s *Server) status(c *gin.Context) {
	ctx := c.Request.Context()
	identity := c.Param("email")
	snap, err := s.deps.Status.Snapshot(ctx, identity)
	if err != nil {
		slog.ErrorContext(ctx, "reading status failed", "identity", identity, "error", err)
	}
	if snap.Waiting {
		c.JSON(http.StatusOK, gin.H{"status": "waiting", "msg": MsgWaiting})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":     "processing",
		"msg":        snap.Message,
		"result":     nullable(string(snap.Result)),
		"game_title": nullable(snap.LastGame),
	})
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// deleteAccount is the user-initiated deletion. An unknown identity is
// still destroyed, there may be leftovers of an unconfirmed run.
func (s *Server) deleteAccount(c *gin.Context) {
	req, ok := bind(c, func(r *accountRequest) string { return r.Identity })
	if !ok {
		return
	}
	ctx := c.Request.Context()
	err := s.deps.Accounts.CheckSecret(ctx, req.Identity, req.Secret)
	switch {
	case errors.Is(err, store.ErrSecretInvalid):
		slog.WarnContext(ctx, "deletion refused, secret mismatch")
		c.JSON(http.StatusOK, gin.H{"status": "fail", "msg": MsgWrongPassword})
		return
	case err != nil && !errors.Is(err, store.ErrNotFound):
		slog.ErrorContext(ctx, "checking secret failed", "error", err)
		fail(c, http.StatusInternalServerError, MsgInternal)
		return
	}
	summary := s.deps.Destroyer.Destroy(ctx, req.Identity)
	c.JSON(http.StatusOK, gin.H{"status": "success", "msg": "deleted: " + summary.String()})
}

func (s *Server) nukeAccount(c *gin.Context) {
	req, ok := bind(c, func(r *webapi.NukeRequest) string { return r.Identity })
	if !ok {
		return
	}
	ctx := c.Request.Context()
	slog.WarnContext(ctx, "worker requested account destruction")
	summary := s.deps.Destroyer.Destroy(ctx, req.Identity)
	c.JSON(http.StatusOK, webapi.Response{Status: webapi.StatusSuccess, Msg: summary.String()})
}

func (s *Server) reportGame(c *gin.Context) {
	req, ok := bind(c, func(r *webapi.ReportRequest) string { return r.Identity })
	if !ok {
		return
	}
	ctx := c.Request.Context()
	if err := s.deps.Status.SetLastGame(ctx, req.Identity, req.Title); err != nil {
		slog.ErrorContext(ctx, "storing last game failed", "error", err)
	}
	recorded, err := s.deps.Accounts.RecordClaim(ctx, model.Claim{
		Identity: req.Identity,
		Title:    req.Title,
		Image:    req.Image,
	})
	if err != nil {
		slog.ErrorContext(ctx, "recording claim failed", "title", req.Title, "error", err)
		fail(c, http.StatusInternalServerError, MsgInternal)
		return
	}
	if !recorded {
		c.JSON(http.StatusOK, webapi.Response{Status: webapi.StatusSkipped, Msg: MsgAlreadyRecorded})
		return
	}
	slog.InfoContext(ctx, "claim recorded", "title", req.Title)
	c.JSON(http.StatusOK, webapi.Response{Status: webapi.StatusRecorded})
}

// confirmSuccess persists the account, but only once its verification
// succeeded.
func (s *Server) confirmSuccess(c *gin.Context) {
	req, ok := bind(c, func(r *accountRequest) string { return r.Identity })
	if !ok {
		return
	}
	ctx := c.Request.Context()
	outcome, found, err := s.deps.Status.Result(ctx, req.Identity)
	if err != nil {
		slog.ErrorContext(ctx, "reading result failed", "error", err)
		fail(c, http.StatusServiceUnavailable, MsgUnavailable)
		return
	}
	if !found || !outcome.Succeeded() {
		c.JSON(http.StatusConflict, gin.H{"status": "fail", "msg": MsgNotVerified})
		return
	}
	acc := model.Account{Identity: req.Identity, Secret: req.Secret}
	if err := s.deps.Accounts.UpsertAccount(ctx, acc); err != nil {
		slog.ErrorContext(ctx, "saving account failed", "error", err)
		fail(c, http.StatusInternalServerError, MsgInternal)
		return
	}
	slog.InfoContext(ctx, "account saved")
	c.JSON(http.StatusOK, gin.H{"status": "saved"})
}

func (s *Server) query(c *gin.Context) {
	req, ok := bind(c, func(r *queryRequest) string { return r.Identity })
	if !ok {
		return
	}
	ctx := c.Request.Context()
	claims, err := s.deps.Accounts.Claims(ctx, req.Identity)
	if err != nil {
		slog.ErrorContext(ctx, "reading claims failed", "error", err)
		fail(c, http.StatusInternalServerError, MsgInternal)
		return
	}
	data := make([]claimView, 0, len(claims))
	for _, claim := range claims {
		image := claim.Image
		if image == "" {
			image = defaultImage
		}
		data = append(data, claimView{
			Game:  claim.Title,
			Time:  claim.ClaimedAt.Format("2006-01-02 15:04"),
			Image: "/images/" + image,
		})
	}
	c.JSON(http.StatusOK, gin.H{"status": "success", "data": data})
}
