package webapi_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/epickiosk/kiosk/internal/webapi"
)

func TestNew(t *testing.T) {
	t.Parallel()
	for _, bad := range []string{"web:8000", "http://web:8000/api", "://"} {
		_, err := webapi.New(bad, "")
		require.Error(t, err, bad)
	}
	_, err := webapi.New("http://web:8000/", "")
	require.NoError(t, err)
}

func TestClient(t *testing.T) {
	t.Parallel()
	var got []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "s3cret", r.Header.Get(webapi.TokenHeader))
		require.Equal(t, http.MethodPost, r.Method)
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		switch r.URL.Path {
		case webapi.NukePath:
			var req webapi.NukeRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			got = append(got, "nuke "+req.Identity)
			_ = json.NewEncoder(w).Encode(webapi.Response{Status: webapi.StatusSuccess, Msg: "account row deleted"})
		case webapi.ReportPath:
			var req webapi.ReportRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			got = append(got, "report "+req.Title+" "+req.Image)
			status := webapi.StatusRecorded
			if req.Title == "Old Game" {
				status = webapi.StatusSkipped
			}
			_ = json.NewEncoder(w).Encode(webapi.Response{Status: status})
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)

	client, err := webapi.New(srv.URL, "s3cret")
	require.NoError(t, err)
	ctx := t.Context()

	msg, err := client.Nuke(ctx, "a@b.c")
	require.NoError(t, err)
	require.Equal(t, "account row deleted", msg)

	recorded, err := client.ReportGame(ctx, "a@b.c", "Sample Game", "sample_game.jpg")
	require.NoError(t, err)
	require.True(t, recorded)

	recorded, err = client.ReportGame(ctx, "a@b.c", "Old Game", "default.png")
	require.NoError(t, err)
	require.False(t, recorded)

	require.Equal(t, []string{
		"nuke a@b.c",
		"report Sample Game sample_game.jpg",
		"report Old Game default.png",
	}, got)
}

func TestClient_Errors(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == webapi.NukePath {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("ok"))
	}))
	t.Cleanup(srv.Close)

	client, err := webapi.New(srv.URL, "")
	require.NoError(t, err)

	_, err = client.Nuke(t.Context(), "a@b.c")
	require.ErrorContains(t, err, "403")
	_, err = client.ReportGame(t.Context(), "a@b.c", "x", "")
	require.ErrorContains(t, err, "application/json")
}
