package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sourpls22-ux/MiraVPN/internal/config"
	"github.com/sourpls22-ux/MiraVPN/internal/marzban"
	"github.com/sourpls22-ux/MiraVPN/internal/models"
	"github.com/sourpls22-ux/MiraVPN/internal/repository"
)

var (
	ErrAccountExists         = errors.New("account already exists")
	ErrAccountNotFound       = errors.New("account not found")
	ErrRemoteAccountNotFound = errors.New("account not found on panel")
	ErrPanelUnavailable      = errors.New("panel request failed")
)

// AccountService implements the self-service operations shared by the chat
// and HTTP front doors.
type AccountService struct {
	cfg      config.Config
	log      *slog.Logger
	accounts *repository.AccountRepository
	payments *PaymentService
	panel    Panel
	now      func() time.Time
}

type ProvisionResult struct {
	Account    *models.Account
	Config     string
	LimitGB    int
	ExpireDays int
}

type AccountStatus struct {
	Account models.Account
	Remote  models.PanelAccount
}

type FreeModeResult struct {
	Until  time.Time
	Config string
}

type QuotaResult struct {
	Remote      models.PanelAccount
	Transaction *models.Transaction
}

func NewAccountService(cfg config.Config, log *slog.Logger, accounts *repository.AccountRepository, payments *PaymentService, panel Panel) *AccountService {
	return &AccountService{
		cfg:      cfg,
		log:      log,
		accounts: accounts,
		payments: payments,
		panel:    panel,
		now:      time.Now,
	}
}

func (s *AccountService) Get(ctx context.Context, telegramID int64) (*models.Account, error) {
	return s.accounts.GetByTelegramID(ctx, telegramID)
}

func (s *AccountService) ListAll(ctx context.Context) ([]models.Account, error) {
	return s.accounts.ListAll(ctx)
}

// Provision creates the panel user on the base tariff, stores the account and
// records the base tariff purchase. A second call for the same Telegram ID
// fails with ErrAccountExists.
func (s *AccountService) Provision(ctx context.Context, telegramID int64) (*ProvisionResult, error) {
	existing, err := s.accounts.GetByTelegramID(ctx, telegramID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, ErrAccountExists
	}

	username := s.cfg.Username(telegramID)
	req := marzban.CreateUserRequest{
		Username:       username,
		DataLimitBytes: models.GBToBytes(float64(s.cfg.BaseTariffGB)),
		ExpiresAt:      s.baseExpiry(),
	}
	if _, err := s.panel.CreateUser(ctx, req); err != nil {
		s.log.Error("create panel user", "telegram_id", telegramID, "username", username, "err", err)
		return nil, fmt.Errorf("%w: %v", ErrPanelUnavailable, err)
	}

	account := &models.Account{
		TelegramID: telegramID,
		Username:   username,
		Tariff:     models.TariffBase,
		CreatedAt:  s.now().UTC(),
	}
	if err := s.accounts.Create(ctx, account); err != nil {
		if errors.Is(err, repository.ErrAccountExists) {
			s.log.Warn("account created concurrently", "telegram_id", telegramID)
			return nil, ErrAccountExists
		}
		return nil, err
	}
	if _, err := s.payments.Charge(ctx, telegramID, models.TransactionBaseTariff, s.cfg.BaseTariffPrice); err != nil {
		return nil, err
	}

	cfg, err := s.panel.DeliveryConfig(ctx, username)
	if err != nil {
		s.log.Error("fetch config after provisioning", "username", username, "err", err)
	}

	s.log.Info("account provisioned", "telegram_id", telegramID, "username", username)
	return &ProvisionResult{
		Account:    account,
		Config:     cfg,
		LimitGB:    s.cfg.BaseTariffGB,
		ExpireDays: s.cfg.BaseTariffDays,
	}, nil
}

func (s *AccountService) mustGet(ctx context.Context, telegramID int64) (*models.Account, error) {
	account, err := s.accounts.GetByTelegramID(ctx, telegramID)
	if err != nil {
		return nil, err
	}
	if account == nil {
		return nil, ErrAccountNotFound
	}
	return account, nil
}

func (s *AccountService) Status(ctx context.Context, telegramID int64) (*AccountStatus, error) {
	account, err := s.mustGet(ctx, telegramID)
	if err != nil {
		return nil, err
	}
	remote, err := s.panel.GetUser(ctx, account.Username)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPanelUnavailable, err)
	}
	if remote == nil {
		return nil, ErrRemoteAccountNotFound
	}
	return &AccountStatus{Account: *account, Remote: *remote}, nil
}

func (s *AccountService) Config(ctx context.Context, telegramID int64) (string, error) {
	account, err := s.mustGet(ctx, telegramID)
	if err != nil {
		return "", err
	}
	cfg, err := s.panel.DeliveryConfig(ctx, account.Username)
	if err != nil {
		if errors.Is(err, marzban.ErrNotFound) {
			return "", ErrRemoteAccountNotFound
		}
		return "", fmt.Errorf("%w: %v", ErrPanelUnavailable, err)
	}
	if cfg == "" {
		return "", ErrRemoteAccountNotFound
	}
	return cfg, nil
}

// BuyExtra records the purchase and then adds the configured extra quota on
// the panel. The charge is voided when the panel call fails. An account in
// reduced-speed mode is moved back to the base tariff on both sides.
func (s *AccountService) BuyExtra(ctx context.Context, telegramID int64) (*QuotaResult, error) {
	account, err := s.mustGet(ctx, telegramID)
	if err != nil {
		return nil, err
	}
	tx, err := s.payments.Charge(ctx, telegramID, models.TransactionExtraGB, s.cfg.ExtraGBPrice)
	if err != nil {
		return nil, err
	}

	var remote *models.PanelAccount
	if account.FreeMode {
		remote, err = s.panel.RestoreBaseTariff(ctx, account.Username, s.cfg.ExtraGBAmount, s.baseExpiry())
	} else {
		remote, err = s.panel.AddQuota(ctx, account.Username, s.cfg.ExtraGBAmount)
	}
	if err != nil {
		if voidErr := s.payments.Void(ctx, tx); voidErr != nil {
			s.log.Error("charge kept without quota", "telegram_id", telegramID, "transaction_id", tx.ID, "err", voidErr)
		}
		if errors.Is(err, marzban.ErrNotFound) {
			return nil, ErrRemoteAccountNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrPanelUnavailable, err)
	}

	if account.FreeMode {
		if err := s.accounts.ClearFreeMode(ctx, telegramID); err != nil {
			return nil, err
		}
		if err := s.accounts.UpdateTariff(ctx, telegramID, models.TariffBase); err != nil {
			return nil, err
		}
	}
	s.log.Info("extra quota purchased", "telegram_id", telegramID, "gb", s.cfg.ExtraGBAmount, "left_free_mode", account.FreeMode)
	return &QuotaResult{Remote: *remote, Transaction: tx}, nil
}

// baseExpiry is the expiry of a fresh base tariff period, nil when the base
// tariff never expires.
func (s *AccountService) baseExpiry() *time.Time {
	if s.cfg.BaseTariffDays <= 0 {
		return nil
	}
	expires := s.now().UTC().AddDate(0, 0, s.cfg.BaseTariffDays)
	return &expires
}

// EnableFreeMode switches the account to the reduced-speed tariff until the
// end of the current month.
func (s *AccountService) EnableFreeMode(ctx context.Context, telegramID int64) (*FreeModeResult, error) {
	account, err := s.mustGet(ctx, telegramID)
	if err != nil {
		return nil, err
	}
	until := EndOfMonth(s.now())
	if _, err := s.panel.SwitchToReducedSpeed(ctx, account.Username, until); err != nil {
		if errors.Is(err, marzban.ErrNotFound) {
			return nil, ErrRemoteAccountNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrPanelUnavailable, err)
	}
	if err := s.accounts.SetFreeMode(ctx, telegramID, until); err != nil {
		return nil, err
	}
	if err := s.accounts.UpdateTariff(ctx, telegramID, models.TariffFree); err != nil {
		return nil, err
	}

	cfg, err := s.panel.DeliveryConfig(ctx, account.Username)
	if err != nil {
		s.log.Error("fetch config after free mode", "username", account.Username, "err", err)
	}
	s.log.Info("free mode enabled", "telegram_id", telegramID, "until", until)
	return &FreeModeResult{Until: until, Config: cfg}, nil
}

func (s *AccountService) Transactions(ctx context.Context, telegramID int64, limit int) ([]models.Transaction, error) {
	if _, err := s.mustGet(ctx, telegramID); err != nil {
		return nil, err
	}
	return s.payments.History(ctx, telegramID, limit)
}
