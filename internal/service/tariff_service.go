package service

import (
	"time"

	"github.com/sourpls22-ux/MiraVPN/internal/config"
)

type BaseTariff struct {
	GB         int     `json:"gb"`
	Days       int     `json:"days"`
	PriceMinor int64   `json:"price_minor"`
	Price      float64 `json:"price"`
}

type ExtraTariff struct {
	GB         int     `json:"gb"`
	PriceMinor int64   `json:"price_minor"`
	Price      float64 `json:"price"`
}

type FreeModeTariff struct {
	SpeedMbps int `json:"speed_mbps"`
}

type TariffCatalog struct {
	Currency string         `json:"currency"`
	Base     BaseTariff     `json:"base"`
	Extra    ExtraTariff    `json:"extra"`
	FreeMode FreeModeTariff `json:"free_mode"`
}

// TariffService exposes the configured price list.
type TariffService struct {
	cfg config.Config
}

func NewTariffService(cfg config.Config) *TariffService {
	return &TariffService{cfg: cfg}
}

func (s *TariffService) Catalog() TariffCatalog {
	return TariffCatalog{
		Currency: s.cfg.Currency,
		Base: BaseTariff{
			GB:         s.cfg.BaseTariffGB,
			Days:       s.cfg.BaseTariffDays,
			PriceMinor: s.cfg.BaseTariffPrice,
			Price:      majorUnits(s.cfg.BaseTariffPrice),
		},
		Extra: ExtraTariff{
			GB:         s.cfg.ExtraGBAmount,
			PriceMinor: s.cfg.ExtraGBPrice,
			Price:      majorUnits(s.cfg.ExtraGBPrice),
		},
		FreeMode: FreeModeTariff{
			SpeedMbps: s.cfg.FreeModeSpeedMbps,
		},
	}
}

// majorUnits converts kopecks or cents to the displayed amount.
func majorUnits(minor int64) float64 {
	return float64(minor) / 100
}

// EndOfMonth returns the last second of the last calendar day of t's month,
// in t's location.
func EndOfMonth(t time.Time) time.Time {
	firstOfNext := time.Date(t.Year(), t.Month()+1, 1, 0, 0, 0, 0, t.Location())
	return firstOfNext.Add(-time.Second)
}
