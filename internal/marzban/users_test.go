package marzban

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sourpls22-ux/MiraVPN/internal/config"
	"github.com/sourpls22-ux/MiraVPN/internal/models"
)

func TestFlexTimeDecoding(t *testing.T) {
	ref := time.Date(2025, 3, 31, 12, 0, 0, 0, time.UTC)
	cases := []struct {
		name string
		raw  string
		want *time.Time
	}{
		{"null", `null`, nil},
		{"zero", `0`, nil},
		{"epoch", `1743422400`, &ref},
		{"epoch string", `"1743422400"`, &ref},
		{"rfc3339", `"2025-03-31T12:00:00Z"`, &ref},
		{"rfc3339 offset", `"2025-03-31T15:00:00+03:00"`, &ref},
		{"naive", `"2025-03-31T12:00:00"`, &ref},
		{"empty string", `""`, nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var ft flexTime
			require.NoError(t, json.Unmarshal([]byte(tc.raw), &ft))
			if tc.want == nil {
				assert.Nil(t, ft.Time)
				return
			}
			require.NotNil(t, ft.Time)
			assert.True(t, tc.want.Equal(*ft.Time), "got %s", ft.Time)
		})
	}

	var ft flexTime
	assert.Error(t, json.Unmarshal([]byte(`"next tuesday"`), &ft))
}

func TestDecodeUserListShapes(t *testing.T) {
	wrapped, err := decodeUserList(json.RawMessage(`{"users":[{"username":"a","status":"limited","used_traffic":10,"data_limit":null}],"total":1}`))
	require.NoError(t, err)
	require.Len(t, wrapped, 1)

	bare, err := decodeUserList(json.RawMessage(`[{"username":"a","status":"limited","used_traffic":10,"data_limit":0}]`))
	require.NoError(t, err)
	require.Len(t, bare, 1)

	for _, u := range [][]userResponse{wrapped, bare} {
		snap := u[0].snapshot()
		assert.Equal(t, "a", snap.Username)
		assert.Equal(t, models.PanelStatusLimited, snap.Status)
		assert.True(t, snap.Unlimited())
	}
}

func TestListUsersAcceptsBareArray(t *testing.T) {
	ctx := context.Background()
	client, panel := newTestClient(t, config.FlavorCurrent)
	panel.listAsArray = true
	_, err := client.CreateUser(ctx, CreateUserRequest{Username: "user_1", DataLimitBytes: gib})
	require.NoError(t, err)

	users, err := client.ListUsers(ctx)
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, "user_1", users[0].Username)
}

func TestCreateUserLegacyPayload(t *testing.T) {
	client, panel := newTestClient(t, config.FlavorLegacy)
	expires := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)

	acc, err := client.CreateUser(context.Background(), CreateUserRequest{
		Username:       "user_42",
		DataLimitBytes: 100 * gib,
		ExpiresAt:      &expires,
	})
	require.NoError(t, err)
	assert.Equal(t, "user_42", acc.Username)
	require.NotNil(t, acc.LimitBytes)
	assert.Equal(t, 100*gib, *acc.LimitBytes)

	body := panel.lastBody
	assert.Equal(t, float64(expires.Unix()), body["expire"])
	assert.Equal(t, "no_reset", body["data_limit_reset_strategy"])
	assert.Equal(t, map[string]any{"vless": map[string]any{"flow": "xtls-rprx-vision"}}, body["proxies"])
	assert.Equal(t, map[string]any{"vless": []any{"VLESS + Reality"}}, body["inbounds"])
	assert.NotContains(t, body, "group_ids")
}

func TestCreateUserCurrentPayload(t *testing.T) {
	client, panel := newTestClient(t, config.FlavorCurrent)
	expires := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)

	acc, err := client.CreateUser(context.Background(), CreateUserRequest{
		Username:  "user_42",
		ExpiresAt: &expires,
	})
	require.NoError(t, err)
	require.NotNil(t, acc.ExpiresAt)
	assert.True(t, expires.Equal(*acc.ExpiresAt))
	assert.True(t, acc.Unlimited())

	body := panel.lastBody
	assert.Equal(t, "2025-05-01T00:00:00Z", body["expire"])
	assert.Equal(t, []any{float64(1)}, body["group_ids"])
	assert.Contains(t, body, "proxy_settings")
	assert.NotContains(t, body, "inbounds")
}

func TestCreateUserRejectsEmptyName(t *testing.T) {
	client, panel := newTestClient(t, config.FlavorLegacy)

	_, err := client.CreateUser(context.Background(), CreateUserRequest{Username: "  "})
	require.Error(t, err)
	assert.Zero(t, panel.apiCalls)
}

func TestAddQuotaRaisesLimitAndReactivates(t *testing.T) {
	ctx := context.Background()
	client, panel := newTestClient(t, config.FlavorLegacy)
	_, err := client.CreateUser(ctx, CreateUserRequest{Username: "user_1", DataLimitBytes: 100 * gib})
	require.NoError(t, err)
	panel.users["user_1"]["status"] = "limited"
	panel.users["user_1"]["used_traffic"] = 100 * gib

	acc, err := client.AddQuota(ctx, "user_1", 100)
	require.NoError(t, err)
	require.NotNil(t, acc.LimitBytes)
	assert.Equal(t, 200*gib, *acc.LimitBytes)
	assert.Equal(t, models.PanelStatusActive, acc.Status)
}

func TestAddQuotaOnUnlimitedStartsFromUsage(t *testing.T) {
	ctx := context.Background()
	client, panel := newTestClient(t, config.FlavorLegacy)
	_, err := client.CreateUser(ctx, CreateUserRequest{Username: "user_1"})
	require.NoError(t, err)
	panel.users["user_1"]["used_traffic"] = 5 * gib

	acc, err := client.AddQuota(ctx, "user_1", 10)
	require.NoError(t, err)
	require.NotNil(t, acc.LimitBytes)
	assert.Equal(t, 15*gib, *acc.LimitBytes)
	assert.NotContains(t, panel.lastBody, "status")
}

func TestAddQuotaMissingUser(t *testing.T) {
	client, _ := newTestClient(t, config.FlavorLegacy)

	_, err := client.AddQuota(context.Background(), "ghost", 100)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSwitchToReducedSpeed(t *testing.T) {
	until := time.Date(2025, 3, 31, 23, 59, 59, 0, time.UTC)

	t.Run("legacy", func(t *testing.T) {
		ctx := context.Background()
		client, panel := newTestClient(t, config.FlavorLegacy)
		_, err := client.CreateUser(ctx, CreateUserRequest{Username: "user_1", DataLimitBytes: gib})
		require.NoError(t, err)

		acc, err := client.SwitchToReducedSpeed(ctx, "user_1", until)
		require.NoError(t, err)
		assert.True(t, acc.Unlimited())
		assert.Equal(t, map[string]any{"vless": []any{"VLESS Free"}}, panel.lastBody["inbounds"])
		assert.Equal(t, float64(until.Unix()), panel.lastBody["expire"])
		assert.Equal(t, "active", panel.lastBody["status"])
	})

	t.Run("current", func(t *testing.T) {
		ctx := context.Background()
		client, panel := newTestClient(t, config.FlavorCurrent)
		_, err := client.CreateUser(ctx, CreateUserRequest{Username: "user_1", DataLimitBytes: gib})
		require.NoError(t, err)

		_, err = client.SwitchToReducedSpeed(ctx, "user_1", until)
		require.NoError(t, err)
		assert.Equal(t, []any{float64(2)}, panel.lastBody["group_ids"])
		assert.Equal(t, "2025-03-31T23:59:59Z", panel.lastBody["expire"])
	})
}

func TestRestoreBaseTariffLeavesReducedSpeed(t *testing.T) {
	expires := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
	until := time.Date(2025, 4, 30, 23, 59, 59, 0, time.UTC)

	t.Run("legacy", func(t *testing.T) {
		ctx := context.Background()
		client, panel := newTestClient(t, config.FlavorLegacy)
		_, err := client.CreateUser(ctx, CreateUserRequest{Username: "user_1", DataLimitBytes: 100 * gib})
		require.NoError(t, err)
		_, err = client.SwitchToReducedSpeed(ctx, "user_1", until)
		require.NoError(t, err)
		panel.users["user_1"]["used_traffic"] = 130 * gib

		acc, err := client.RestoreBaseTariff(ctx, "user_1", 100, &expires)
		require.NoError(t, err)
		require.NotNil(t, acc.LimitBytes)
		assert.Equal(t, 230*gib, *acc.LimitBytes)

		body := panel.lastBody
		assert.Equal(t, float64(230*gib), body["data_limit"])
		assert.Equal(t, map[string]any{"vless": []any{"VLESS + Reality"}}, body["inbounds"])
		assert.Equal(t, float64(expires.Unix()), body["expire"])
		assert.Equal(t, "active", body["status"])
	})

	t.Run("current", func(t *testing.T) {
		ctx := context.Background()
		client, panel := newTestClient(t, config.FlavorCurrent)
		_, err := client.CreateUser(ctx, CreateUserRequest{Username: "user_1", DataLimitBytes: 100 * gib})
		require.NoError(t, err)
		_, err = client.SwitchToReducedSpeed(ctx, "user_1", until)
		require.NoError(t, err)

		_, err = client.RestoreBaseTariff(ctx, "user_1", 100, &expires)
		require.NoError(t, err)
		assert.Equal(t, []any{float64(1)}, panel.lastBody["group_ids"])
		assert.Equal(t, "2025-05-01T00:00:00Z", panel.lastBody["expire"])
		assert.NotContains(t, panel.lastBody, "inbounds")
	})

	t.Run("no expiry", func(t *testing.T) {
		ctx := context.Background()
		client, panel := newTestClient(t, config.FlavorLegacy)
		_, err := client.CreateUser(ctx, CreateUserRequest{Username: "user_1"})
		require.NoError(t, err)

		_, err = client.RestoreBaseTariff(ctx, "user_1", 10, nil)
		require.NoError(t, err)
		assert.Equal(t, float64(0), panel.lastBody["expire"])
	})

	t.Run("missing user", func(t *testing.T) {
		client, _ := newTestClient(t, config.FlavorLegacy)

		_, err := client.RestoreBaseTariff(context.Background(), "ghost", 100, nil)
		require.ErrorIs(t, err, ErrNotFound)
	})
}

func TestDeliveryConfig(t *testing.T) {
	ctx := context.Background()
	client, panel := newTestClient(t, config.FlavorLegacy)
	_, err := client.CreateUser(ctx, CreateUserRequest{Username: "user_1"})
	require.NoError(t, err)

	cfg, err := client.DeliveryConfig(ctx, "user_1")
	require.NoError(t, err)
	assert.Equal(t, "vless://user_1@vpn.example.com:443", cfg)

	panel.users["user_1"]["links"] = []string{}
	cfg, err = client.DeliveryConfig(ctx, "user_1")
	require.NoError(t, err)
	assert.Equal(t, client.baseURL+"/sub/user_1", cfg)

	_, err = client.DeliveryConfig(ctx, "ghost")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteAndResetUsage(t *testing.T) {
	ctx := context.Background()
	client, panel := newTestClient(t, config.FlavorLegacy)
	_, err := client.CreateUser(ctx, CreateUserRequest{Username: "user_1"})
	require.NoError(t, err)
	panel.users["user_1"]["used_traffic"] = 3 * gib

	require.NoError(t, client.ResetUsage(ctx, "user_1"))
	acc, err := client.GetUser(ctx, "user_1")
	require.NoError(t, err)
	assert.Zero(t, acc.UsedBytes)

	require.NoError(t, client.DeleteUser(ctx, "user_1"))
	acc, err = client.GetUser(ctx, "user_1")
	require.NoError(t, err)
	assert.Nil(t, acc)

	require.ErrorIs(t, client.DeleteUser(ctx, "user_1"), ErrNotFound)
}
