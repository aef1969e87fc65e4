package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/sourpls22-ux/MiraVPN/internal/models"
)

const defaultTransactionLimit = 10

type TransactionRepository struct {
	db *sqlx.DB
}

func NewTransactionRepository(db *sqlx.DB) *TransactionRepository {
	return &TransactionRepository{db: db}
}

func (r *TransactionRepository) Append(ctx context.Context, tx *models.Transaction) error {
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = time.Now().UTC()
	}
	const query = `INSERT INTO transactions (telegram_id, amount, type, created_at) VALUES (?, ?, ?, ?)`
	res, err := r.db.ExecContext(ctx, query, tx.TelegramID, tx.AmountMinor, tx.Kind, tx.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("last insert id: %w", err)
	}
	tx.ID = id
	return nil
}

// Delete removes a transaction whose purchase could not be delivered.
func (r *TransactionRepository) Delete(ctx context.Context, id int64) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM transactions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete transaction: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("delete transaction %d: %w", id, sql.ErrNoRows)
	}
	return nil
}

// ListByTelegramID returns the newest transactions first.
func (r *TransactionRepository) ListByTelegramID(ctx context.Context, telegramID int64, limit int) ([]models.Transaction, error) {
	if limit <= 0 {
		limit = defaultTransactionLimit
	}
	const query = `
SELECT id, telegram_id, amount, type, created_at
FROM transactions WHERE telegram_id = ?
ORDER BY created_at DESC, id DESC
LIMIT ?`
	var txs []models.Transaction
	if err := r.db.SelectContext(ctx, &txs, query, telegramID, limit); err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	return txs, nil
}
