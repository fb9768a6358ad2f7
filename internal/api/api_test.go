package api_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"

	"github.com/epickiosk/kiosk/internal/api"
	"github.com/epickiosk/kiosk/internal/destroy"
	"github.com/epickiosk/kiosk/internal/model"
	"github.com/epickiosk/kiosk/internal/queue"
	"github.com/epickiosk/kiosk/internal/ratelimit"
	"github.com/epickiosk/kiosk/internal/status"
	"github.com/epickiosk/kiosk/internal/store"
	"github.com/epickiosk/kiosk/internal/webapi"
)

const (
	token    = "worker-token"
	identity = "player@example.com"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fixture struct {
	mr      *miniredis.Miniredis
	db      *store.DB
	status  *status.Store
	queue   *queue.Queue
	handler http.Handler
	data    string
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	db, err := store.Open(t.Context(), filepath.Join(t.TempDir(), "kiosk.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	st := status.New(rdb)
	q := queue.New(rdb, "")
	data := t.TempDir()
	srv := api.New(api.Deps{
		Accounts: db,
		Status:   st,
		Queue:    q,
		Destroyer: destroy.Protocol{
			Accounts: db,
			Dirs:     []string{data},
			Store:    st,
		},
		Limiter: ratelimit.New(rdb, time.Hour, 5),
		Token:   token,
	})
	return fixture{mr: mr, db: db, status: st, queue: q, handler: srv.Handler(), data: data}
}

type response struct {
	Status    string          `json:"status"`
	Msg       string          `json:"msg"`
	Result    *string         `json:"result"`
	GameTitle *string         `json:"game_title"`
	Data      json.RawMessage `json:"data"`
}

func (f fixture) do(t *testing.T, method, path string, body any, header ...string) (int, response) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)

	var resp response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp), rec.Body.String())
	return rec.Code, resp
}

func account(secret string) map[string]string {
	return map[string]string{"email": identity, "password": secret}
}

func TestDeposit(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := t.Context()
	require.NoError(t, f.status.SetStatus(ctx, identity, "old", time.Hour))
	require.NoError(t, f.status.SetResult(ctx, identity, model.OutcomeFail, time.Hour))

	code, resp := f.do(t, http.MethodPost, "/api/deposit", account("s3cret"))
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "queued", resp.Status)
	require.NotContains(t, resp.Msg, "s3cret")

	require.False(t, f.mr.Exists("status:"+identity))
	require.False(t, f.mr.Exists("result:"+identity))
	task, err := f.queue.Pop(ctx, time.Second)
	require.NoError(t, err)
	require.Equal(t, model.Task{Identity: identity, Secret: "s3cret", Mode: model.ModeVerify}, task)
}

func TestDeposit_BadRequest(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	code, _ := f.do(t, http.MethodPost, "/api/deposit", map[string]string{"email": identity})
	require.Equal(t, http.StatusBadRequest, code)
	code, _ = f.do(t, http.MethodPost, "/api/deposit", map[string]string{"email": "../etc", "password": "x"})
	require.Equal(t, http.StatusBadRequest, code)
}

func TestDeposit_RateLimit(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	for range 5 {
		code, _ := f.do(t, http.MethodPost, "/api/deposit", account("x"))
		require.Equal(t, http.StatusOK, code)
	}
	code, resp := f.do(t, http.MethodPost, "/api/deposit", account("x"))
	require.Equal(t, http.StatusForbidden, code)
	require.Equal(t, "banned", resp.Status)

	n, err := f.queue.Len(t.Context())
	require.NoError(t, err)
	require.EqualValues(t, 5, n)

	// the ban outlives the window
	f.mr.FastForward(2 * time.Hour)
	code, _ = f.do(t, http.MethodPost, "/api/deposit", account("x"))
	require.Equal(t, http.StatusForbidden, code)

	// polling is not rate limited
	code, _ = f.do(t, http.MethodGet, "/api/status/"+identity, nil)
	require.Equal(t, http.StatusOK, code)
}

func TestDeposit_LimiterDown(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.mr.Close()
	code, resp := f.do(t, http.MethodPost, "/api/deposit", account("x"))
	require.Equal(t, http.StatusServiceUnavailable, code)
	require.Equal(t, "error", resp.Status)
}

func TestStatus(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := t.Context()

	code, resp := f.do(t, http.MethodGet, "/api/status/"+identity, nil)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "waiting", resp.Status)

	require.NoError(t, f.status.SetStatus(ctx, identity, "login finished", time.Hour))
	_, resp = f.do(t, http.MethodGet, "/api/status/"+identity, nil)
	require.Equal(t, "processing", resp.Status)
	require.Equal(t, "login finished", resp.Msg)
	require.Nil(t, resp.Result)
	require.Nil(t, resp.GameTitle)

	require.NoError(t, f.status.SetResult(ctx, identity, model.OutcomeSuccessNew, time.Hour))
	require.NoError(t, f.status.SetLastGame(ctx, identity, "Sample Game"))
	_, resp = f.do(t, http.MethodGet, "/api/status/"+identity, nil)
	require.Equal(t, "success_new", *resp.Result)
	require.Equal(t, "Sample Game", *resp.GameTitle)
}

func TestStatus_StoreDown(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.mr.Close()
	code, resp := f.do(t, http.MethodGet, "/api/status/"+identity, nil)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "waiting", resp.Status)
}

func TestConfirmSuccess(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := t.Context()

	code, resp := f.do(t, http.MethodPost, "/api/confirm_success", account("s3cret"))
	require.Equal(t, http.StatusConflict, code)
	require.Equal(t, "fail", resp.Status)

	require.NoError(t, f.status.SetResult(ctx, identity, model.OutcomeFail, time.Hour))
	code, _ = f.do(t, http.MethodPost, "/api/confirm_success", account("s3cret"))
	require.Equal(t, http.StatusConflict, code)
	_, err := f.db.Account(ctx, identity)
	require.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, f.status.SetResult(ctx, identity, model.OutcomeSuccess, time.Hour))
	code, resp = f.do(t, http.MethodPost, "/api/confirm_success", account("s3cret"))
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "saved", resp.Status)
	require.NoError(t, f.db.CheckSecret(ctx, identity, "s3cret"))
}

func TestDeleteAccount(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := t.Context()
	require.NoError(t, f.db.UpsertAccount(ctx, model.Account{Identity: identity, Secret: "s3cret"}))
	require.NoError(t, f.status.SetStatus(ctx, identity, "x", time.Hour))
	require.NoError(t, os.MkdirAll(filepath.Join(f.data, identity), 0o755))

	code, resp := f.do(t, http.MethodPost, "/api/delete_account", account("wrong"))
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "fail", resp.Status)
	require.DirExists(t, filepath.Join(f.data, identity))
	require.True(t, f.mr.Exists("status:"+identity))

	code, resp = f.do(t, http.MethodPost, "/api/delete_account", account("s3cret"))
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "success", resp.Status)
	require.Contains(t, resp.Msg, "account row deleted")
	require.NoDirExists(t, filepath.Join(f.data, identity))
	require.False(t, f.mr.Exists("status:"+identity))
	_, err := f.db.Account(ctx, identity)
	require.ErrorIs(t, err, store.ErrNotFound)

	// unknown identity, still idempotent
	code, resp = f.do(t, http.MethodPost, "/api/delete_account", account("s3cret"))
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "success", resp.Status)
	require.Contains(t, resp.Msg, "account row absent")
}

func TestTrustedEndpoints(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := t.Context()
	require.NoError(t, f.db.UpsertAccount(ctx, model.Account{Identity: identity, Secret: "s3cret"}))

	nuke := webapi.NukeRequest{Identity: identity}
	code, _ := f.do(t, http.MethodPost, webapi.NukePath, nuke)
	require.Equal(t, http.StatusForbidden, code)
	code, _ = f.do(t, http.MethodPost, webapi.NukePath, nuke, webapi.TokenHeader, "guess")
	require.Equal(t, http.StatusForbidden, code)
	_, err := f.db.Account(ctx, identity)
	require.NoError(t, err)

	code, resp := f.do(t, http.MethodPost, webapi.NukePath, nuke, webapi.TokenHeader, token)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, webapi.StatusSuccess, resp.Status)
	_, err = f.db.Account(ctx, identity)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestReportGameAndQuery(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	report := webapi.ReportRequest{Identity: identity, Title: "Sample Game", Image: "sample_game.jpg"}

	code, _ := f.do(t, http.MethodPost, webapi.ReportPath, report)
	require.Equal(t, http.StatusForbidden, code)

	code, resp := f.do(t, http.MethodPost, webapi.ReportPath, report, webapi.TokenHeader, token)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, webapi.StatusRecorded, resp.Status)
	got, err := f.mr.Get("last_game:" + identity)
	require.NoError(t, err)
	require.Equal(t, "Sample Game", got)

	_, resp = f.do(t, http.MethodPost, webapi.ReportPath, report, webapi.TokenHeader, token)
	require.Equal(t, webapi.StatusSkipped, resp.Status)

	second := webapi.ReportRequest{Identity: identity, Title: "Other Game"}
	_, resp = f.do(t, http.MethodPost, webapi.ReportPath, second, webapi.TokenHeader, token)
	require.Equal(t, webapi.StatusRecorded, resp.Status)

	code, resp = f.do(t, http.MethodPost, "/api/query", map[string]string{"email": identity})
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "success", resp.Status)
	var data []struct {
		Game  string `json:"game"`
		Time  string `json:"time"`
		Image string `json:"image"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &data))
	require.Len(t, data, 2)
	require.Equal(t, "Other Game", data[0].Game)
	require.Equal(t, "/images/default.jpg", data[0].Image)
	require.Equal(t, "/images/sample_game.jpg", data[1].Image)
	_, err = time.Parse("2006-01-02 15:04", data[1].Time)
	require.NoError(t, err)
}

func TestDisabledToken(t *testing.T) {
	t.Parallel()
	srv := api.New(api.Deps{})
	req := httptest.NewRequest(http.MethodPost, webapi.NukePath, bytes.NewBufferString(`{"email":"a@b.c"}`))
	req.Header.Set(webapi.TokenHeader, "")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}
