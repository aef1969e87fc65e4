package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/sourpls22-ux/MiraVPN/internal/marzban"
	"github.com/sourpls22-ux/MiraVPN/internal/models"
)

var (
	ErrInvalidKeyName = errors.New("invalid key name")
	ErrInvalidQuota   = errors.New("invalid quota")
	ErrInvalidExpiry  = errors.New("invalid expiry")
)

var keyNamePattern = regexp.MustCompile(`^[a-zA-Z0-9_]{3,32}$`)

// KeySpec describes a key created by the admin. Zero QuotaGB means unlimited
// traffic and zero ExpireDays means no expiry.
type KeySpec struct {
	Name       string
	QuotaGB    float64
	ExpireDays int
}

type CreatedKey struct {
	Account models.PanelAccount
	Config  string
}

// KeyService manages panel users directly on behalf of the admin. These keys
// have no local account row.
type KeyService struct {
	log   *slog.Logger
	panel Panel
	now   func() time.Time
}

func NewKeyService(log *slog.Logger, panel Panel) *KeyService {
	return &KeyService{log: log, panel: panel, now: time.Now}
}

func ValidateKeyName(name string) error {
	if !keyNamePattern.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidKeyName, name)
	}
	return nil
}

func (s *KeyService) Create(ctx context.Context, spec KeySpec) (*CreatedKey, error) {
	if err := ValidateKeyName(spec.Name); err != nil {
		return nil, err
	}
	if !models.ValidQuotaGB(spec.QuotaGB) {
		return nil, ErrInvalidQuota
	}
	if spec.ExpireDays < 0 {
		return nil, ErrInvalidExpiry
	}

	req := marzban.CreateUserRequest{
		Username:       spec.Name,
		DataLimitBytes: models.GBToBytes(spec.QuotaGB),
	}
	if spec.ExpireDays > 0 {
		expires := s.now().UTC().AddDate(0, 0, spec.ExpireDays)
		req.ExpiresAt = &expires
	}
	acc, err := s.panel.CreateUser(ctx, req)
	if err != nil {
		return nil, panelError(err)
	}
	cfg, err := s.panel.DeliveryConfig(ctx, spec.Name)
	if err != nil {
		s.log.Error("fetch key config", "name", spec.Name, "err", err)
	}
	s.log.Info("key created", "name", spec.Name, "quota_gb", spec.QuotaGB, "expire_days", spec.ExpireDays)
	return &CreatedKey{Account: *acc, Config: cfg}, nil
}

func (s *KeyService) List(ctx context.Context) ([]models.PanelAccount, error) {
	users, err := s.panel.ListUsers(ctx)
	if err != nil {
		return nil, panelError(err)
	}
	return users, nil
}

func (s *KeyService) Stats(ctx context.Context, name string) (*models.PanelAccount, error) {
	acc, err := s.panel.GetUser(ctx, name)
	if err != nil {
		return nil, panelError(err)
	}
	if acc == nil {
		return nil, ErrRemoteAccountNotFound
	}
	return acc, nil
}

func (s *KeyService) Config(ctx context.Context, name string) (string, error) {
	cfg, err := s.panel.DeliveryConfig(ctx, name)
	if err != nil {
		return "", panelError(err)
	}
	if cfg == "" {
		return "", ErrRemoteAccountNotFound
	}
	return cfg, nil
}

func (s *KeyService) Delete(ctx context.Context, name string) error {
	if err := s.panel.DeleteUser(ctx, name); err != nil {
		return panelError(err)
	}
	s.log.Info("key deleted", "name", name)
	return nil
}

func (s *KeyService) Reset(ctx context.Context, name string) error {
	if err := s.panel.ResetUsage(ctx, name); err != nil {
		return panelError(err)
	}
	s.log.Info("key usage reset", "name", name)
	return nil
}

func panelError(err error) error {
	if errors.Is(err, marzban.ErrNotFound) {
		return ErrRemoteAccountNotFound
	}
	return fmt.Errorf("%w: %v", ErrPanelUnavailable, err)
}
