package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/sourpls22-ux/MiraVPN/internal/config"
	"github.com/sourpls22-ux/MiraVPN/internal/database"
	"github.com/sourpls22-ux/MiraVPN/internal/marzban"
	"github.com/sourpls22-ux/MiraVPN/internal/models"
	"github.com/sourpls22-ux/MiraVPN/internal/repository"
	"github.com/sourpls22-ux/MiraVPN/pkg/logger"
)

var errPanelDown = errors.New("connection refused")

type fakePanel struct {
	mu           sync.Mutex
	users        map[string]*models.PanelAccount
	created      []marzban.CreateUserRequest
	quotaAdds    []int
	reducedUntil map[string]time.Time
	restored     map[string]*time.Time
	deleted      []string
	resets       []string
	failWith     error
}

func newFakePanel() *fakePanel {
	return &fakePanel{
		users:        make(map[string]*models.PanelAccount),
		reducedUntil: make(map[string]time.Time),
		restored:     make(map[string]*time.Time),
	}
}

func (p *fakePanel) CreateUser(_ context.Context, req marzban.CreateUserRequest) (*models.PanelAccount, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failWith != nil {
		return nil, p.failWith
	}
	if _, ok := p.users[req.Username]; ok {
		return nil, &marzban.APIError{Method: "POST", Path: "/api/user", Status: 409, Body: "User already exists"}
	}
	acc := &models.PanelAccount{
		Username:  req.Username,
		Status:    models.PanelStatusActive,
		ExpiresAt: req.ExpiresAt,
		Links:     []string{"vless://" + req.Username},
	}
	if req.DataLimitBytes > 0 {
		limit := req.DataLimitBytes
		acc.LimitBytes = &limit
	}
	p.created = append(p.created, req)
	p.users[req.Username] = acc
	return acc, nil
}

func (p *fakePanel) GetUser(_ context.Context, username string) (*models.PanelAccount, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failWith != nil {
		return nil, p.failWith
	}
	acc, ok := p.users[username]
	if !ok {
		return nil, nil
	}
	cp := *acc
	return &cp, nil
}

func (p *fakePanel) ListUsers(_ context.Context) ([]models.PanelAccount, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failWith != nil {
		return nil, p.failWith
	}
	out := make([]models.PanelAccount, 0, len(p.users))
	for _, acc := range p.users {
		out = append(out, *acc)
	}
	return out, nil
}

func (p *fakePanel) DeleteUser(_ context.Context, username string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.users[username]; !ok {
		return fmt.Errorf("delete_user: %w", marzban.ErrNotFound)
	}
	delete(p.users, username)
	p.deleted = append(p.deleted, username)
	return nil
}

func (p *fakePanel) ResetUsage(_ context.Context, username string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	acc, ok := p.users[username]
	if !ok {
		return fmt.Errorf("reset_usage: %w", marzban.ErrNotFound)
	}
	acc.UsedBytes = 0
	p.resets = append(p.resets, username)
	return nil
}

func (p *fakePanel) DeliveryConfig(_ context.Context, username string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failWith != nil {
		return "", p.failWith
	}
	acc, ok := p.users[username]
	if !ok {
		return "", fmt.Errorf("delivery config: %w", marzban.ErrNotFound)
	}
	if len(acc.Links) == 0 {
		return "", nil
	}
	return acc.Links[0], nil
}

func (p *fakePanel) AddQuota(_ context.Context, username string, gb int) (*models.PanelAccount, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failWith != nil {
		return nil, p.failWith
	}
	acc, ok := p.users[username]
	if !ok {
		return nil, fmt.Errorf("add quota: %w", marzban.ErrNotFound)
	}
	base := acc.UsedBytes
	if acc.LimitBytes != nil {
		base = *acc.LimitBytes
	}
	limit := base + models.GBToBytes(float64(gb))
	acc.LimitBytes = &limit
	if acc.Status == models.PanelStatusLimited {
		acc.Status = models.PanelStatusActive
	}
	p.quotaAdds = append(p.quotaAdds, gb)
	cp := *acc
	return &cp, nil
}

func (p *fakePanel) SwitchToReducedSpeed(_ context.Context, username string, until time.Time) (*models.PanelAccount, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failWith != nil {
		return nil, p.failWith
	}
	acc, ok := p.users[username]
	if !ok {
		return nil, fmt.Errorf("reduced_speed: %w", marzban.ErrNotFound)
	}
	acc.LimitBytes = nil
	acc.ExpiresAt = &until
	acc.Status = models.PanelStatusActive
	p.reducedUntil[username] = until
	cp := *acc
	return &cp, nil
}

func (p *fakePanel) RestoreBaseTariff(_ context.Context, username string, gb int, expiresAt *time.Time) (*models.PanelAccount, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failWith != nil {
		return nil, p.failWith
	}
	acc, ok := p.users[username]
	if !ok {
		return nil, fmt.Errorf("restore base tariff: %w", marzban.ErrNotFound)
	}
	limit := acc.UsedBytes + models.GBToBytes(float64(gb))
	acc.LimitBytes = &limit
	acc.ExpiresAt = expiresAt
	acc.Status = models.PanelStatusActive
	delete(p.reducedUntil, username)
	p.restored[username] = expiresAt
	cp := *acc
	return &cp, nil
}

func testConfig() config.Config {
	return config.Config{
		AccountPrefix:     "user_",
		BaseTariffGB:      100,
		BaseTariffDays:    30,
		BaseTariffPrice:   19900,
		ExtraGBAmount:     100,
		ExtraGBPrice:      9900,
		FreeModeSpeedMbps: 2,
		Currency:          "RUB",
	}
}

type fixture struct {
	db           *sqlx.DB
	cfg          config.Config
	panel        *fakePanel
	accounts     *AccountService
	accountRepo  *repository.AccountRepository
	transactions *repository.TransactionRepository
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, database.Migrate(context.Background(), db))

	log := logger.NewWithWriter(io.Discard, "error")
	cfg := testConfig()
	panel := newFakePanel()
	accountRepo := repository.NewAccountRepository(db)
	transactions := repository.NewTransactionRepository(db)
	payments := NewPaymentService(log, transactions)

	return &fixture{
		db:           db,
		cfg:          cfg,
		panel:        panel,
		accounts:     NewAccountService(cfg, log, accountRepo, payments, panel),
		accountRepo:  accountRepo,
		transactions: transactions,
	}
}
