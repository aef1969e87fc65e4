package service

import (
	"context"
	"time"

	"github.com/sourpls22-ux/MiraVPN/internal/marzban"
	"github.com/sourpls22-ux/MiraVPN/internal/models"
)

// Panel is the subset of the panel client the services depend on.
type Panel interface {
	CreateUser(ctx context.Context, req marzban.CreateUserRequest) (*models.PanelAccount, error)
	GetUser(ctx context.Context, username string) (*models.PanelAccount, error)
	ListUsers(ctx context.Context) ([]models.PanelAccount, error)
	DeleteUser(ctx context.Context, username string) error
	ResetUsage(ctx context.Context, username string) error
	DeliveryConfig(ctx context.Context, username string) (string, error)
	AddQuota(ctx context.Context, username string, gb int) (*models.PanelAccount, error)
	SwitchToReducedSpeed(ctx context.Context, username string, until time.Time) (*models.PanelAccount, error)
	RestoreBaseTariff(ctx context.Context, username string, gb int, expiresAt *time.Time) (*models.PanelAccount, error)
}
