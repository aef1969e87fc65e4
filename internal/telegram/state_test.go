package telegram

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sourpls22-ux/MiraVPN/internal/service"
)

func TestDialogueHappyPath(t *testing.T) {
	s := startDialogue()
	assert.Equal(t, StateAwaitingName, s.State)

	s, done, err := advance(s, " alice ")
	require.NoError(t, err)
	assert.False(t, done)
	assert.Equal(t, StateAwaitingQuota, s.State)
	assert.Equal(t, "alice", s.Name)

	s, done, err = advance(s, "12,5")
	require.NoError(t, err)
	assert.False(t, done)
	assert.Equal(t, StateAwaitingExpiry, s.State)
	assert.InDelta(t, 12.5, s.QuotaGB, 1e-9)

	s, done, err = advance(s, "0")
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, StateIdle, s.State)
	assert.Equal(t, service.KeySpec{Name: "alice", QuotaGB: 12.5, ExpireDays: 0}, s.KeySpec())
}

func TestDialogueMalformedInputDoesNotAdvance(t *testing.T) {
	cases := []struct {
		state Session
		input string
		want  error
	}{
		{Session{State: StateAwaitingName}, "", service.ErrInvalidKeyName},
		{Session{State: StateAwaitingName}, "bad name", service.ErrInvalidKeyName},
		{Session{State: StateAwaitingQuota, Name: "alice"}, "lots", service.ErrInvalidQuota},
		{Session{State: StateAwaitingQuota, Name: "alice"}, "-1", service.ErrInvalidQuota},
		{Session{State: StateAwaitingQuota, Name: "alice"}, "NaN", service.ErrInvalidQuota},
		{Session{State: StateAwaitingQuota, Name: "alice"}, "inf", service.ErrInvalidQuota},
		{Session{State: StateAwaitingQuota, Name: "alice"}, "-Inf", service.ErrInvalidQuota},
		{Session{State: StateAwaitingQuota, Name: "alice"}, "1e30", service.ErrInvalidQuota},
		{Session{State: StateAwaitingExpiry, Name: "alice"}, "1.5", service.ErrInvalidExpiry},
		{Session{State: StateAwaitingExpiry, Name: "alice"}, "-3", service.ErrInvalidExpiry},
	}
	for _, tc := range cases {
		next, done, err := advance(tc.state, tc.input)
		require.ErrorIs(t, err, tc.want, "input %q", tc.input)
		assert.False(t, done)
		assert.Equal(t, tc.state, next)
	}

	_, _, err := advance(Session{}, "alice")
	require.ErrorIs(t, err, errNoDialogue)
}

func TestSkipAppliesDefaults(t *testing.T) {
	s, done, err := skip(Session{State: StateAwaitingQuota, Name: "alice"})
	require.NoError(t, err)
	assert.False(t, done)
	assert.Equal(t, StateAwaitingExpiry, s.State)
	assert.Equal(t, float64(defaultKeyQuotaGB), s.QuotaGB)

	s, done, err = skip(s)
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, defaultKeyExpireDays, s.ExpireDays)

	_, _, err = skip(Session{State: StateAwaitingName})
	require.ErrorIs(t, err, errNothingToSkip)
	_, _, err = skip(Session{})
	require.ErrorIs(t, err, errNothingToSkip)
}

func TestStateManagerDropsIdleSessions(t *testing.T) {
	m := NewStateManager()
	assert.Equal(t, StateIdle, m.Get(1).State)

	m.Set(1, Session{State: StateAwaitingQuota, Name: "alice"})
	assert.Equal(t, "alice", m.Get(1).Name)
	assert.Equal(t, StateIdle, m.Get(2).State)

	m.Set(1, Session{State: StateIdle})
	assert.Empty(t, m.sessions)

	m.Set(1, startDialogue())
	m.Reset(1)
	assert.Equal(t, StateIdle, m.Get(1).State)
}
