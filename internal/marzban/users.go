package marzban

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sourpls22-ux/MiraVPN/internal/config"
	"github.com/sourpls22-ux/MiraVPN/internal/models"
)

// CreateUserRequest describes a new panel user. A zero DataLimitBytes means
// unlimited traffic and a nil ExpiresAt means the user never expires.
type CreateUserRequest struct {
	Username       string
	DataLimitBytes int64
	ExpiresAt      *time.Time
}

type userResponse struct {
	Username        string   `json:"username"`
	Status          string   `json:"status"`
	UsedTraffic     int64    `json:"used_traffic"`
	DataLimit       *int64   `json:"data_limit"`
	Expire          flexTime `json:"expire"`
	Links           []string `json:"links"`
	SubscriptionURL string   `json:"subscription_url"`
}

func (u userResponse) snapshot() models.PanelAccount {
	acc := models.PanelAccount{
		Username:        u.Username,
		Status:          models.ParsePanelStatus(u.Status),
		UsedBytes:       u.UsedTraffic,
		ExpiresAt:       u.Expire.Time,
		Links:           u.Links,
		SubscriptionURL: u.SubscriptionURL,
	}
	if u.DataLimit != nil && *u.DataLimit > 0 {
		limit := *u.DataLimit
		acc.LimitBytes = &limit
	}
	return acc
}

// flexTime accepts the expiry encodings seen across panel versions: unix
// seconds, numeric strings, RFC 3339 strings, and null or 0 for "never".
type flexTime struct {
	Time *time.Time
}

var expireLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

func (f *flexTime) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		f.Time = nil
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		return f.parseString(strings.TrimSpace(s))
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("expire: %w", err)
	}
	return f.parseString(n.String())
}

func (f *flexTime) parseString(s string) error {
	if s == "" {
		f.Time = nil
		return nil
	}
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		if secs <= 0 {
			f.Time = nil
			return nil
		}
		t := time.Unix(int64(secs), 0).UTC()
		f.Time = &t
		return nil
	}
	for _, layout := range expireLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			t = t.UTC()
			f.Time = &t
			return nil
		}
	}
	return fmt.Errorf("expire: unrecognized value %q", s)
}

// decodeUserList accepts both a bare JSON array and {"users": [...]}.
func decodeUserList(raw json.RawMessage) ([]userResponse, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, nil
	}
	if trimmed[0] == '[' {
		var users []userResponse
		if err := json.Unmarshal(trimmed, &users); err != nil {
			return nil, fmt.Errorf("decode user array: %w", err)
		}
		return users, nil
	}
	var wrapped struct {
		Users []userResponse `json:"users"`
	}
	if err := json.Unmarshal(trimmed, &wrapped); err != nil {
		return nil, fmt.Errorf("decode user list: %w", err)
	}
	return wrapped.Users, nil
}

func (c *Client) expireValue(t *time.Time) any {
	if t == nil {
		return nil
	}
	if c.flavor == config.FlavorCurrent {
		return t.UTC().Format(time.RFC3339)
	}
	return t.Unix()
}

func (c *Client) vlessSettings() map[string]any {
	return map[string]any{
		"vless": map[string]any{
			"flow": c.flow,
		},
	}
}

func (c *Client) createPayload(req CreateUserRequest) map[string]any {
	payload := map[string]any{
		"username":                  req.Username,
		"data_limit":                req.DataLimitBytes,
		"expire":                    c.expireValue(req.ExpiresAt),
		"data_limit_reset_strategy": "no_reset",
		"status":                    string(models.PanelStatusActive),
	}
	if c.flavor == config.FlavorCurrent {
		payload["proxy_settings"] = c.vlessSettings()
		payload["group_ids"] = c.groupIDs
	} else {
		payload["proxies"] = c.vlessSettings()
		payload["inbounds"] = map[string][]string{"vless": {c.inboundTag}}
	}
	return payload
}

// CreateUser registers a new panel user on the base inbound or groups.
func (c *Client) CreateUser(ctx context.Context, req CreateUserRequest) (*models.PanelAccount, error) {
	if strings.TrimSpace(req.Username) == "" {
		return nil, fmt.Errorf("create user: empty username")
	}
	var resp userResponse
	if err := c.do(ctx, "create_user", http.MethodPost, "/api/user", c.createPayload(req), &resp); err != nil {
		return nil, err
	}
	if resp.Username == "" {
		resp.Username = req.Username
	}
	acc := resp.snapshot()
	return &acc, nil
}

// GetUser returns nil, nil when the panel has no such user.
func (c *Client) GetUser(ctx context.Context, username string) (*models.PanelAccount, error) {
	var resp userResponse
	if err := c.do(ctx, "get_user", http.MethodGet, userPath(username), nil, &resp); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	acc := resp.snapshot()
	return &acc, nil
}

// ListUsers returns every panel user in one request.
func (c *Client) ListUsers(ctx context.Context) ([]models.PanelAccount, error) {
	var raw json.RawMessage
	if err := c.do(ctx, "list_users", http.MethodGet, "/api/users", nil, &raw); err != nil {
		return nil, err
	}
	users, err := decodeUserList(raw)
	if err != nil {
		return nil, fmt.Errorf("list_users: %w", err)
	}
	out := make([]models.PanelAccount, 0, len(users))
	for _, u := range users {
		out = append(out, u.snapshot())
	}
	return out, nil
}

// DeleteUser removes the user from the panel.
func (c *Client) DeleteUser(ctx context.Context, username string) error {
	return c.do(ctx, "delete_user", http.MethodDelete, userPath(username), nil, nil)
}

// ResetUsage zeroes the user's used traffic.
func (c *Client) ResetUsage(ctx context.Context, username string) error {
	return c.do(ctx, "reset_usage", http.MethodPost, userPath(username)+"/reset", nil, nil)
}

// DeliveryConfig returns the first connection link of the user, falling back
// to the subscription URL. An empty string means the panel has neither.
func (c *Client) DeliveryConfig(ctx context.Context, username string) (string, error) {
	user, err := c.GetUser(ctx, username)
	if err != nil {
		return "", err
	}
	if user == nil {
		return "", fmt.Errorf("delivery config: %w", ErrNotFound)
	}
	for _, link := range user.Links {
		if link = strings.TrimSpace(link); link != "" {
			return link, nil
		}
	}
	return c.absoluteURL(user.SubscriptionURL), nil
}

// AddQuota raises the data limit by gb gigabytes. An unlimited user is given
// gb on top of what it has already used. A limited user is re-activated.
func (c *Client) AddQuota(ctx context.Context, username string, gb int) (*models.PanelAccount, error) {
	if gb <= 0 {
		return nil, fmt.Errorf("add quota: non-positive amount %d", gb)
	}
	user, err := c.GetUser(ctx, username)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, fmt.Errorf("add quota: %w", ErrNotFound)
	}

	payload := map[string]any{
		"data_limit": raisedLimit(user, gb),
	}
	if user.Status == models.PanelStatusLimited {
		payload["status"] = string(models.PanelStatusActive)
	}

	var resp userResponse
	if err := c.do(ctx, "add_quota", http.MethodPut, userPath(username), payload, &resp); err != nil {
		return nil, err
	}
	acc := resp.snapshot()
	return &acc, nil
}

// RestoreBaseTariff moves a reduced-speed user back onto the base inbound
// (legacy) or groups (current), grants gb gigabytes on top of the current
// usage and sets a new expiry. A nil expiresAt removes the expiry.
func (c *Client) RestoreBaseTariff(ctx context.Context, username string, gb int, expiresAt *time.Time) (*models.PanelAccount, error) {
	if gb <= 0 {
		return nil, fmt.Errorf("restore base tariff: non-positive amount %d", gb)
	}
	user, err := c.GetUser(ctx, username)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, fmt.Errorf("restore base tariff: %w", ErrNotFound)
	}

	var expire any = 0
	if expiresAt != nil {
		expire = c.expireValue(expiresAt)
	}
	payload := map[string]any{
		"data_limit": raisedLimit(user, gb),
		"expire":     expire,
		"status":     string(models.PanelStatusActive),
	}
	if c.flavor == config.FlavorCurrent {
		payload["group_ids"] = c.groupIDs
	} else {
		payload["inbounds"] = map[string][]string{"vless": {c.inboundTag}}
	}

	var resp userResponse
	if err := c.do(ctx, "restore_base_tariff", http.MethodPut, userPath(username), payload, &resp); err != nil {
		return nil, err
	}
	acc := resp.snapshot()
	return &acc, nil
}

// raisedLimit adds gb to the current limit, or to the usage when unlimited.
func raisedLimit(user *models.PanelAccount, gb int) int64 {
	base := user.UsedBytes
	if user.LimitBytes != nil {
		base = *user.LimitBytes
	}
	return base + models.GBToBytes(float64(gb))
}

// SwitchToReducedSpeed moves the user onto the throttled inbound (legacy) or
// group (current) with no data limit until the given time.
func (c *Client) SwitchToReducedSpeed(ctx context.Context, username string, until time.Time) (*models.PanelAccount, error) {
	payload := map[string]any{
		"data_limit": 0,
		"expire":     c.expireValue(&until),
		"status":     string(models.PanelStatusActive),
	}
	if c.flavor == config.FlavorCurrent {
		payload["group_ids"] = []int{c.freeGroupID}
	} else {
		payload["inbounds"] = map[string][]string{"vless": {c.freeInboundTag}}
	}

	var resp userResponse
	if err := c.do(ctx, "reduced_speed", http.MethodPut, userPath(username), payload, &resp); err != nil {
		return nil, err
	}
	acc := resp.snapshot()
	return &acc, nil
}

func (c *Client) absoluteURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	ref, err := url.Parse(raw)
	if err != nil || ref.IsAbs() {
		return raw
	}
	base, err := url.Parse(c.baseURL + "/")
	if err != nil {
		return raw
	}
	return base.ResolveReference(ref).String()
}
