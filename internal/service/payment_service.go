package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/sourpls22-ux/MiraVPN/internal/models"
	"github.com/sourpls22-ux/MiraVPN/internal/repository"
)

// PaymentService records simulated purchases. No payment provider is called;
// every charge succeeds and is written to the transaction ledger.
type PaymentService struct {
	log          *slog.Logger
	transactions *repository.TransactionRepository
	now          func() time.Time
}

func NewPaymentService(log *slog.Logger, transactions *repository.TransactionRepository) *PaymentService {
	return &PaymentService{
		log:          log,
		transactions: transactions,
		now:          time.Now,
	}
}

func (s *PaymentService) Charge(ctx context.Context, telegramID int64, kind models.TransactionKind, amountMinor int64) (*models.Transaction, error) {
	tx := &models.Transaction{
		TelegramID:  telegramID,
		AmountMinor: amountMinor,
		Kind:        kind,
		CreatedAt:   s.now().UTC(),
	}
	if err := s.transactions.Append(ctx, tx); err != nil {
		return nil, fmt.Errorf("record payment: %w", err)
	}
	s.log.Info("payment recorded", "telegram_id", telegramID, "kind", kind, "amount_minor", amountMinor)
	return tx, nil
}

// Void removes a recorded charge whose purchase was not delivered.
func (s *PaymentService) Void(ctx context.Context, tx *models.Transaction) error {
	if err := s.transactions.Delete(ctx, tx.ID); err != nil {
		return fmt.Errorf("void payment: %w", err)
	}
	s.log.Warn("payment voided", "telegram_id", tx.TelegramID, "transaction_id", tx.ID, "kind", tx.Kind)
	return nil
}

func (s *PaymentService) History(ctx context.Context, telegramID int64, limit int) ([]models.Transaction, error) {
	return s.transactions.ListByTelegramID(ctx, telegramID, limit)
}
