package sweep

import (
	"context"
	"errors"
	"io"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sourpls22-ux/MiraVPN/internal/models"
	"github.com/sourpls22-ux/MiraVPN/pkg/logger"
)

type memStore struct {
	mu       sync.Mutex
	accounts []models.Account
	touched  map[int64]time.Time
	listErr  error
	touchErr error
}

func newMemStore(accounts ...models.Account) *memStore {
	return &memStore{accounts: accounts, touched: make(map[int64]time.Time)}
}

func (s *memStore) ListAll(context.Context) ([]models.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	return append([]models.Account(nil), s.accounts...), nil
}

func (s *memStore) TouchLastChecked(_ context.Context, id int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.touchErr != nil {
		return s.touchErr
	}
	s.touched[id] = at
	return nil
}

type stubPanel struct {
	users []models.PanelAccount
	err   error
	calls int
}

func (p *stubPanel) ListUsers(context.Context) ([]models.PanelAccount, error) {
	p.calls++
	return p.users, p.err
}

type recordingNotifier struct {
	mu     sync.Mutex
	sent   []int64
	failID int64
}

func (n *recordingNotifier) NotifyLimited(_ context.Context, acc models.Account, _ models.PanelAccount) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if acc.TelegramID == n.failID {
		return errors.New("bot was blocked by the user")
	}
	n.sent = append(n.sent, acc.TelegramID)
	return nil
}

func account(id int64) models.Account {
	return models.Account{TelegramID: id, Username: "user_" + strconv.FormatInt(id, 10), Tariff: models.TariffBase}
}

func remote(id int64, status models.PanelStatus) models.PanelAccount {
	return models.PanelAccount{Username: "user_" + strconv.FormatInt(id, 10), Status: status}
}

func newSweeper(store AccountStore, panel Panel, n Notifier) *Sweeper {
	s := New(logger.NewWithWriter(io.Discard, "error"), store, panel, n, time.Minute)
	s.now = func() time.Time { return time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC) }
	return s
}

func TestLimitedAccountNotifiedEverySweep(t *testing.T) {
	ctx := context.Background()
	store := newMemStore(account(1), account(2))
	panel := &stubPanel{users: []models.PanelAccount{remote(1, models.PanelStatusLimited), remote(2, models.PanelStatusActive)}}
	notifier := &recordingNotifier{}
	s := newSweeper(store, panel, notifier)

	res, err := s.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Checked)
	assert.Equal(t, 1, res.Limited)
	assert.Equal(t, 1, res.Notified)
	assert.NotEmpty(t, res.RunID)
	assert.Equal(t, []int64{1}, notifier.sent)

	second, err := s.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, second.Notified)
	assert.Equal(t, []int64{1, 1}, notifier.sent)
	assert.NotEqual(t, res.RunID, second.RunID)
}

func TestEveryMatchedAccountIsStamped(t *testing.T) {
	store := newMemStore(account(1), account(2), account(3))
	panel := &stubPanel{users: []models.PanelAccount{remote(1, models.PanelStatusActive), remote(2, models.PanelStatusLimited)}}
	s := newSweeper(store, panel, &recordingNotifier{})

	res, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Missing)
	assert.Contains(t, store.touched, int64(1))
	assert.Contains(t, store.touched, int64(2))
	assert.NotContains(t, store.touched, int64(3))
	assert.Equal(t, time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC), store.touched[1])
}

func TestRemoteFailureTouchesNothing(t *testing.T) {
	store := newMemStore(account(1))
	notifier := &recordingNotifier{}
	s := newSweeper(store, &stubPanel{err: errors.New("dial tcp: connection refused")}, notifier)

	_, err := s.RunOnce(context.Background())
	require.Error(t, err)
	assert.Empty(t, store.touched)
	assert.Empty(t, notifier.sent)
}

func TestEmptyRemoteListTouchesNothing(t *testing.T) {
	store := newMemStore(account(1))
	s := newSweeper(store, &stubPanel{}, &recordingNotifier{})

	_, err := s.RunOnce(context.Background())
	require.ErrorIs(t, err, ErrRemoteEmpty)
	assert.Empty(t, store.touched)
}

func TestNoLocalAccountsSkipsPanel(t *testing.T) {
	panel := &stubPanel{users: []models.PanelAccount{remote(1, models.PanelStatusLimited)}}
	s := newSweeper(newMemStore(), panel, &recordingNotifier{})

	res, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Checked)
	assert.Zero(t, panel.calls)
}

func TestNotificationFailureDoesNotAbortSweep(t *testing.T) {
	store := newMemStore(account(1), account(2))
	panel := &stubPanel{users: []models.PanelAccount{remote(1, models.PanelStatusLimited), remote(2, models.PanelStatusLimited)}}
	notifier := &recordingNotifier{failID: 1}
	s := newSweeper(store, panel, notifier)

	res, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Limited)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 1, res.Notified)
	assert.Equal(t, []int64{2}, notifier.sent)
	assert.Len(t, store.touched, 2)
}

func TestStampFailureDoesNotAbortSweep(t *testing.T) {
	store := newMemStore(account(1), account(2))
	store.touchErr = errors.New("database is locked")
	panel := &stubPanel{users: []models.PanelAccount{remote(1, models.PanelStatusLimited), remote(2, models.PanelStatusLimited)}}
	notifier := &recordingNotifier{}
	s := newSweeper(store, panel, notifier)

	res, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Notified)
}

func TestStoreFailureReturnsError(t *testing.T) {
	store := newMemStore()
	store.listErr = errors.New("no such table: users")
	panel := &stubPanel{}
	s := newSweeper(store, panel, &recordingNotifier{})

	_, err := s.RunOnce(context.Background())
	require.Error(t, err)
	assert.Zero(t, panel.calls)
}

func TestRunStopsOnCancel(t *testing.T) {
	store := newMemStore(account(1))
	panel := &stubPanel{users: []models.PanelAccount{remote(1, models.PanelStatusLimited)}}
	notifier := &recordingNotifier{}
	s := newSweeper(store, panel, notifier)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx, true)
		close(done)
	}()

	require.Eventually(t, func() bool {
		notifier.mu.Lock()
		defer notifier.mu.Unlock()
		return len(notifier.sent) == 1
	}, time.Second, 10*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}
