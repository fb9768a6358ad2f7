// Package webapi is the worker side of the trusted channel to the request
// serving component: account destruction and claim confirmation.
package webapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	// TokenHeader carries the shared secret of the trusted endpoints.
	TokenHeader = "X-Kiosk-Token"

	NukePath   = "/api/nuke_account"
	ReportPath = "/api/report_game"

	StatusSuccess  = "success"
	StatusRecorded = "recorded"
	StatusSkipped  = "skipped"

	defaultTimeout = 5 * time.Second
)

type NukeRequest struct {
	Identity string `json:"email" binding:"required"`
}

type ReportRequest struct {
	Identity string `json:"email" binding:"required"`
	Title    string `json:"game_title" binding:"required"`
	Image    string `json:"image_filename"`
}

// Response is the generic body of the JSON endpoints.
type Response struct {
	Status string `json:"status"`
	Msg    string `json:"msg,omitempty"`
}

type Client struct {
	base   *url.URL
	token  string
	client *http.Client
}

func New(serverURL, token string) (*Client, error) {
	parsedURL, err := url.Parse(serverURL)
	if err != nil {
		return nil, err
	}
	parsedURL.Path = strings.TrimRight(parsedURL.Path, "/")
	if parsedURL.Scheme == "" || parsedURL.Host == "" || parsedURL.Path != "" {
		return nil, errors.New("please define the server url with a scheme and without path, e.g. `http://web:8000`")
	}
	return &Client{
		base:   parsedURL,
		token:  token,
		client: &http.Client{Timeout: defaultTimeout},
	}, nil
}

// WithHTTPClient replaces the underlying client, used by tests.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.client = hc
	return c
}

// Nuke asks the server to destroy identity. It returns the server summary.
func (c *Client) Nuke(ctx context.Context, identity string) (string, error) {
	resp, err := c.post(ctx, NukePath, NukeRequest{Identity: identity})
	if err != nil {
		return "", err
	}
	if resp.Status != StatusSuccess {
		return "", fmt.Errorf("nuke of %s: unexpected status %q", identity, resp.Status)
	}
	return resp.Msg, nil
}

// ReportGame confirms a claim and reports whether the server recorded a
// new claim-log entry.
func (c *Client) ReportGame(ctx context.Context, identity, title, image string) (bool, error) {
	resp, err := c.post(ctx, ReportPath, ReportRequest{Identity: identity, Title: title, Image: image})
	if err != nil {
		return false, err
	}
	switch resp.Status {
	case StatusRecorded:
		return true, nil
	case StatusSkipped:
		return false, nil
	}
	return false, fmt.Errorf("report of %s: unexpected status %q", title, resp.Status)
}

func (c *Client) post(ctx context.Context, path string, body any) (Response, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return Response{}, err
	}
	u := *c.base
	u.Path = path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(raw))
	if err != nil {
		return Response{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set(TokenHeader, c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return Response{}, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	slog.DebugContext(ctx, "web api called", "path", path, "status_code", resp.StatusCode)
	return decodeResponse(resp)
}

func decodeResponse(resp *http.Response) (Response, error) {
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return Response{}, fmt.Errorf("unexpected status: %d, body: %s", resp.StatusCode, string(msg))
	}
	contentType, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil {
		return Response{}, fmt.Errorf("failed to parse response content type header: %w", err)
	}
	if contentType != "application/json" {
		return Response{}, fmt.Errorf("expected `application/json` content type, got: %s", contentType)
	}
	var out Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Response{}, fmt.Errorf("decoding json response failed: %w", err)
	}
	return out, nil
}
