package models

import (
	"math"
	"time"
)

type TariffTag string

const (
	TariffBase TariffTag = "base"
	TariffFree TariffTag = "free"
)

type TransactionKind string

const (
	TransactionBaseTariff TransactionKind = "base_tariff"
	TransactionExtraGB    TransactionKind = "extra_gb"
)

// Account is the local record of a provisioned panel user, keyed by Telegram ID.
type Account struct {
	TelegramID    int64      `db:"telegram_id" json:"telegram_id"`
	Username      string     `db:"username" json:"username"`
	Tariff        TariffTag  `db:"tariff_type" json:"tariff_type"`
	CreatedAt     time.Time  `db:"created_at" json:"created_at"`
	LastCheckedAt *time.Time `db:"last_check" json:"last_check,omitempty"`
	FreeMode      bool       `db:"free_mode_enabled" json:"free_mode"`
	FreeModeUntil *time.Time `db:"free_mode_until" json:"free_mode_until,omitempty"`
}

type Transaction struct {
	ID          int64           `db:"id" json:"id"`
	TelegramID  int64           `db:"telegram_id" json:"telegram_id"`
	AmountMinor int64           `db:"amount" json:"amount_minor"`
	Kind        TransactionKind `db:"type" json:"type"`
	CreatedAt   time.Time       `db:"created_at" json:"created_at"`
}

type PanelStatus string

const (
	PanelStatusActive   PanelStatus = "active"
	PanelStatusExpired  PanelStatus = "expired"
	PanelStatusLimited  PanelStatus = "limited"
	PanelStatusDisabled PanelStatus = "disabled"
	PanelStatusOnHold   PanelStatus = "on_hold"
	PanelStatusUnknown  PanelStatus = "unknown"
)

// ParsePanelStatus maps a raw panel status onto the known set.
func ParsePanelStatus(raw string) PanelStatus {
	switch s := PanelStatus(raw); s {
	case PanelStatusActive, PanelStatusExpired, PanelStatusLimited, PanelStatusDisabled, PanelStatusOnHold:
		return s
	default:
		return PanelStatusUnknown
	}
}

const bytesPerGB = 1 << 30

// PanelAccount is a transient snapshot of a user as the panel reports it.
// LimitBytes and ExpiresAt are nil when the panel reports no limit.
type PanelAccount struct {
	Username        string
	Status          PanelStatus
	UsedBytes       int64
	LimitBytes      *int64
	ExpiresAt       *time.Time
	Links           []string
	SubscriptionURL string
}

func (p PanelAccount) Unlimited() bool {
	return p.LimitBytes == nil
}

func (p PanelAccount) UsedGB() float64 {
	return float64(p.UsedBytes) / bytesPerGB
}

// LimitGB returns the data limit in GB, or nil when unlimited.
func (p PanelAccount) LimitGB() *float64 {
	if p.LimitBytes == nil {
		return nil
	}
	gb := float64(*p.LimitBytes) / bytesPerGB
	return &gb
}

// MaxQuotaGB is the largest quota whose byte count still fits in an int64.
const MaxQuotaGB = float64(math.MaxInt64 / bytesPerGB)

// ValidQuotaGB reports whether gb is a usable quota. NaN, infinities,
// negatives and amounts past MaxQuotaGB are rejected.
func ValidQuotaGB(gb float64) bool {
	return !math.IsNaN(gb) && gb >= 0 && gb <= MaxQuotaGB
}

// GBToBytes converts a whole or fractional GB amount to bytes.
func GBToBytes(gb float64) int64 {
	return int64(gb * bytesPerGB)
}
