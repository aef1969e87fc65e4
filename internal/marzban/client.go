package marzban

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/sourpls22-ux/MiraVPN/internal/config"
	"github.com/sourpls22-ux/MiraVPN/internal/metrics"
)

var (
	ErrUnauthorized = errors.New("panel rejected credentials")
	ErrNotFound     = errors.New("panel user not found")
)

// APIError is a non-2xx panel response other than 401 and 404.
type APIError struct {
	Method string
	Path   string
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("panel error: %s %s status=%d body=%s", e.Method, e.Path, e.Status, e.Body)
}

// Client talks to the Marzban panel REST API. It keeps one bearer token and
// refreshes it at most once per call when the panel answers 401.
type Client struct {
	baseURL        string
	username       string
	password       string
	flavor         string
	inboundTag     string
	freeInboundTag string
	groupIDs       []int
	freeGroupID    int
	flow           string
	httpClient     *http.Client
	log            *slog.Logger

	mu    sync.Mutex
	token string
}

func NewClient(cfg config.Config, log *slog.Logger) *Client {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	flavor := cfg.MarzbanFlavor
	if flavor == "" {
		flavor = config.FlavorLegacy
	}
	return &Client{
		baseURL:        strings.TrimRight(cfg.MarzbanURL, "/"),
		username:       cfg.MarzbanUsername,
		password:       cfg.MarzbanPassword,
		flavor:         flavor,
		inboundTag:     cfg.MarzbanInboundTag,
		freeInboundTag: cfg.MarzbanFreeInboundTag,
		groupIDs:       cfg.MarzbanGroupIDs,
		freeGroupID:    cfg.MarzbanFreeGroupID,
		flow:           cfg.MarzbanVLESSFlow,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		log: log,
	}
}

// Authenticate exchanges the admin credentials for a bearer token and stores it.
func (c *Client) Authenticate(ctx context.Context) (string, error) {
	form := url.Values{}
	form.Set("username", c.username)
	form.Set("password", c.password)
	form.Set("grant_type", "password")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/admin/token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		metrics.PanelRequests.WithLabelValues("authenticate", "error").Inc()
		return "", fmt.Errorf("post token: %w", err)
	}
	defer resp.Body.Close()

	rawBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response body: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		metrics.PanelRequests.WithLabelValues("authenticate", "unauthorized").Inc()
		return "", ErrUnauthorized
	case resp.StatusCode >= 300:
		metrics.PanelRequests.WithLabelValues("authenticate", "error").Inc()
		return "", &APIError{Method: http.MethodPost, Path: "/api/admin/token", Status: resp.StatusCode, Body: truncateBody(rawBody)}
	}

	var tokenResp struct {
		AccessToken string `json:"access_token"`
		TokenType   string `json:"token_type"`
	}
	if err := json.Unmarshal(rawBody, &tokenResp); err != nil {
		return "", fmt.Errorf("decode token response: %w (body=%s)", err, truncateBody(rawBody))
	}
	if tokenResp.AccessToken == "" {
		return "", fmt.Errorf("empty access_token in response")
	}

	c.mu.Lock()
	c.token = tokenResp.AccessToken
	c.mu.Unlock()

	metrics.PanelRequests.WithLabelValues("authenticate", "ok").Inc()
	if c.log != nil {
		c.log.Info("panel token refreshed")
	}
	return tokenResp.AccessToken, nil
}

func (c *Client) currentToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	token := c.token
	c.mu.Unlock()
	if token != "" {
		return token, nil
	}
	return c.Authenticate(ctx)
}

// do sends an authenticated JSON request. A 401 triggers one re-authentication
// and one retry; a second 401 is returned as ErrUnauthorized.
func (c *Client) do(ctx context.Context, op, method, path string, body any, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: marshal payload: %w", op, err)
		}
	}

	token, err := c.currentToken(ctx)
	if err != nil {
		return fmt.Errorf("%s: authenticate: %w", op, err)
	}

	status, rawBody, err := c.send(ctx, method, path, payload, token)
	if err != nil {
		metrics.PanelRequests.WithLabelValues(op, "error").Inc()
		return fmt.Errorf("%s: %w", op, err)
	}

	if status == http.StatusUnauthorized {
		if c.log != nil {
			c.log.Info("panel token rejected, re-authenticating", "op", op)
		}
		token, err = c.Authenticate(ctx)
		if err != nil {
			metrics.PanelRequests.WithLabelValues(op, "unauthorized").Inc()
			return fmt.Errorf("%s: reauthenticate: %w", op, err)
		}
		status, rawBody, err = c.send(ctx, method, path, payload, token)
		if err != nil {
			metrics.PanelRequests.WithLabelValues(op, "error").Inc()
			return fmt.Errorf("%s: %w", op, err)
		}
		if status == http.StatusUnauthorized {
			metrics.PanelRequests.WithLabelValues(op, "unauthorized").Inc()
			return fmt.Errorf("%s: %w", op, ErrUnauthorized)
		}
	}

	switch {
	case status == http.StatusNotFound:
		metrics.PanelRequests.WithLabelValues(op, "not_found").Inc()
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	case status >= 300:
		metrics.PanelRequests.WithLabelValues(op, "error").Inc()
		if c.log != nil {
			c.log.Error("panel request failed", "op", op, "status", status, "path", path, "body", truncateBody(rawBody))
		}
		return fmt.Errorf("%s: %w", op, &APIError{Method: method, Path: path, Status: status, Body: truncateBody(rawBody)})
	}

	metrics.PanelRequests.WithLabelValues(op, "ok").Inc()
	if out != nil && len(bytes.TrimSpace(rawBody)) > 0 {
		if err := json.Unmarshal(rawBody, out); err != nil {
			return fmt.Errorf("%s: decode response: %w (body=%s)", op, err, truncateBody(rawBody))
		}
	}
	return nil
}

func (c *Client) send(ctx context.Context, method, path string, payload []byte, token string) (int, []byte, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return 0, nil, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	rawBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("read response body: %w", err)
	}
	return resp.StatusCode, rawBody, nil
}

func userPath(username string) string {
	return "/api/user/" + url.PathEscape(username)
}

func truncateBody(body []byte) string {
	const limit = 512
	s := strings.TrimSpace(string(body))
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "…"
}
