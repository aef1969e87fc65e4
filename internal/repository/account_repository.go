package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"

	"github.com/sourpls22-ux/MiraVPN/internal/models"
)

var ErrAccountExists = errors.New("account already exists")

const accountColumns = `telegram_id, username, tariff_type, created_at, last_check, free_mode_enabled, free_mode_until`

type AccountRepository struct {
	db *sqlx.DB
}

func NewAccountRepository(db *sqlx.DB) *AccountRepository {
	return &AccountRepository{db: db}
}

func (r *AccountRepository) GetByTelegramID(ctx context.Context, telegramID int64) (*models.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM users WHERE telegram_id = ?`
	var acc models.Account
	if err := r.db.GetContext(ctx, &acc, query, telegramID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get account: %w", err)
	}
	return &acc, nil
}

func (r *AccountRepository) GetByUsername(ctx context.Context, username string) (*models.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM users WHERE username = ?`
	var acc models.Account
	if err := r.db.GetContext(ctx, &acc, query, username); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get account by username: %w", err)
	}
	return &acc, nil
}

// Create inserts a new account. A second row for the same Telegram ID or
// username fails with ErrAccountExists.
func (r *AccountRepository) Create(ctx context.Context, acc *models.Account) error {
	if acc.CreatedAt.IsZero() {
		acc.CreatedAt = time.Now().UTC()
	}
	if acc.Tariff == "" {
		acc.Tariff = models.TariffBase
	}
	const query = `
INSERT INTO users (telegram_id, username, tariff_type, created_at, free_mode_enabled)
VALUES (?, ?, ?, ?, ?)`
	if _, err := r.db.ExecContext(ctx, query, acc.TelegramID, acc.Username, acc.Tariff, acc.CreatedAt, acc.FreeMode); err != nil {
		if isUniqueViolation(err) {
			return ErrAccountExists
		}
		return fmt.Errorf("insert account: %w", err)
	}
	return nil
}

func (r *AccountRepository) UpdateTariff(ctx context.Context, telegramID int64, tariff models.TariffTag) error {
	const query = `UPDATE users SET tariff_type = ? WHERE telegram_id = ?`
	if _, err := r.db.ExecContext(ctx, query, tariff, telegramID); err != nil {
		return fmt.Errorf("update tariff: %w", err)
	}
	return nil
}

func (r *AccountRepository) SetFreeMode(ctx context.Context, telegramID int64, until time.Time) error {
	const query = `UPDATE users SET free_mode_enabled = ?, free_mode_until = ? WHERE telegram_id = ?`
	if _, err := r.db.ExecContext(ctx, query, true, until.UTC(), telegramID); err != nil {
		return fmt.Errorf("set free mode: %w", err)
	}
	return nil
}

func (r *AccountRepository) ClearFreeMode(ctx context.Context, telegramID int64) error {
	const query = `UPDATE users SET free_mode_enabled = ?, free_mode_until = NULL WHERE telegram_id = ?`
	if _, err := r.db.ExecContext(ctx, query, false, telegramID); err != nil {
		return fmt.Errorf("clear free mode: %w", err)
	}
	return nil
}

func (r *AccountRepository) TouchLastChecked(ctx context.Context, telegramID int64, at time.Time) error {
	const query = `UPDATE users SET last_check = ? WHERE telegram_id = ?`
	if _, err := r.db.ExecContext(ctx, query, at.UTC(), telegramID); err != nil {
		return fmt.Errorf("touch last check: %w", err)
	}
	return nil
}

func (r *AccountRepository) ListAll(ctx context.Context) ([]models.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM users ORDER BY telegram_id`
	var accounts []models.Account
	if err := r.db.SelectContext(ctx, &accounts, query); err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	return accounts, nil
}

func isUniqueViolation(err error) bool {
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.ExtendedCode == sqlite3.ErrConstraintUnique || liteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == 1062
	}
	return false
}
