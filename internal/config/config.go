package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	DriverSQLite = "sqlite"
	DriverMySQL  = "mysql"

	FlavorLegacy  = "legacy"
	FlavorCurrent = "current"
)

// Config aggregates runtime configuration for the bot and supporting services.
type Config struct {
	BotToken string
	AdminID  int64
	LogLevel string

	DatabaseDriver string
	DatabaseDSN    string
	LockPath       string

	MarzbanURL            string
	MarzbanUsername       string
	MarzbanPassword       string
	MarzbanFlavor         string
	MarzbanInboundTag     string
	MarzbanFreeInboundTag string
	MarzbanGroupIDs       []int
	MarzbanFreeGroupID    int
	MarzbanVLESSFlow      string
	RequestTimeout        time.Duration

	AccountPrefix     string
	BaseTariffGB      int
	BaseTariffDays    int
	BaseTariffPrice   int64
	ExtraGBAmount     int
	ExtraGBPrice      int64
	FreeModeSpeedMbps int
	Currency          string

	SweepInterval       time.Duration
	SweepOnStart        bool
	NotifyRatePerSecond float64

	HTTPListenAddr       string
	AdminUsername        string
	AdminPassword        string
	WebAppAllowedOrigins []string
}

// Load reads configuration from environment variables, applying sane defaults.
func Load() (Config, error) {
	if err := loadEnvFile(); err != nil {
		return Config{}, err
	}

	cfg := Config{
		LogLevel:              strings.ToLower(getEnv("LOG_LEVEL", "info")),
		DatabaseDriver:        strings.ToLower(getEnv("DATABASE_DRIVER", DriverSQLite)),
		DatabaseDSN:           getEnv("DATABASE_DSN", "vpn_bot.db"),
		LockPath:              getEnv("LOCK_PATH", "vpn_bot.lock"),
		MarzbanURL:            normalizeBaseURL(os.Getenv("MARZBAN_API_URL")),
		MarzbanFlavor:         strings.ToLower(getEnv("MARZBAN_FLAVOR", FlavorLegacy)),
		MarzbanInboundTag:     getEnv("MARZBAN_INBOUND_TAG", "VLESS + Reality"),
		MarzbanFreeInboundTag: getEnv("MARZBAN_FREE_INBOUND_TAG", "VLESS Free"),
		MarzbanGroupIDs:       getIntList("MARZBAN_GROUP_IDS", []int{1}),
		MarzbanFreeGroupID:    getInt("MARZBAN_FREE_GROUP_ID", 2),
		MarzbanVLESSFlow:      getEnv("MARZBAN_VLESS_FLOW", "xtls-rprx-vision"),
		RequestTimeout:        time.Second * time.Duration(getInt("HTTP_TIMEOUT_SECONDS", 30)),
		AccountPrefix:         getEnv("ACCOUNT_PREFIX", "user_"),
		BaseTariffGB:          getInt("BASE_TARIFF_GB", 100),
		BaseTariffDays:        getInt("BASE_TARIFF_DAYS", 30),
		BaseTariffPrice:       getInt64("BASE_TARIFF_PRICE", 19900),
		ExtraGBAmount:         getInt("EXTRA_GB_AMOUNT", 100),
		ExtraGBPrice:          getInt64("EXTRA_GB_PRICE", 9900),
		FreeModeSpeedMbps:     getInt("FREE_MODE_SPEED_MBPS", 2),
		Currency:              getEnv("CURRENCY", "RUB"),
		SweepInterval:         getDuration("SWEEP_INTERVAL", 5*time.Minute),
		SweepOnStart:          getBool("SWEEP_ON_START", false),
		NotifyRatePerSecond:   getFloat("NOTIFY_RATE_PER_SECOND", 20),
		HTTPListenAddr:        getEnv("HTTP_LISTEN_ADDR", "127.0.0.1:5000"),
		AdminUsername:         getEnv("ADMIN_USERNAME", "admin"),
		AdminPassword:         getEnv("ADMIN_PASSWORD", "change-me"),
		WebAppAllowedOrigins:  getList("WEBAPP_ALLOWED_ORIGINS", []string{"*"}),
	}

	cfg.BotToken = os.Getenv("TELEGRAM_BOT_TOKEN")
	cfg.AdminID = getInt64("TELEGRAM_ADMIN_ID", 0)
	cfg.MarzbanUsername = os.Getenv("MARZBAN_USERNAME")
	cfg.MarzbanPassword = os.Getenv("MARZBAN_PASSWORD")

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every missing or malformed setting at once.
func (c Config) Validate() error {
	var missing []string
	if c.BotToken == "" {
		missing = append(missing, "TELEGRAM_BOT_TOKEN")
	}
	if c.AdminID == 0 {
		missing = append(missing, "TELEGRAM_ADMIN_ID")
	}
	if c.MarzbanURL == "" {
		missing = append(missing, "MARZBAN_API_URL")
	}
	if c.MarzbanUsername == "" {
		missing = append(missing, "MARZBAN_USERNAME")
	}
	if c.MarzbanPassword == "" {
		missing = append(missing, "MARZBAN_PASSWORD")
	}
	if c.DatabaseDSN == "" {
		missing = append(missing, "DATABASE_DSN")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required environment variables: %v", missing)
	}

	switch c.DatabaseDriver {
	case DriverSQLite, DriverMySQL:
	default:
		return fmt.Errorf("unsupported DATABASE_DRIVER %q", c.DatabaseDriver)
	}
	switch c.MarzbanFlavor {
	case FlavorLegacy, FlavorCurrent:
	default:
		return fmt.Errorf("unsupported MARZBAN_FLAVOR %q", c.MarzbanFlavor)
	}
	if c.SweepInterval <= 0 {
		return errors.New("SWEEP_INTERVAL must be positive")
	}
	if c.ExtraGBAmount <= 0 || c.BaseTariffGB < 0 || c.BaseTariffDays < 0 {
		return errors.New("tariff amounts must not be negative and EXTRA_GB_AMOUNT must be positive")
	}
	return nil
}

// Username derives the panel username for a Telegram account.
func (c Config) Username(telegramID int64) string {
	return c.AccountPrefix + strconv.FormatInt(telegramID, 10)
}

// normalizeBaseURL trims trailing slashes and adds a scheme when one is missing.
func normalizeBaseURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return strings.TrimRight(raw, "/")
	}
	if parsed.Scheme == "" {
		parsed, err = url.Parse("https://" + raw)
		if err != nil {
			return strings.TrimRight(raw, "/")
		}
	}
	return strings.TrimRight(parsed.String(), "/")
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func getInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return i
}

func getFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func getBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func getDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func getList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}

func getIntList(key string, fallback []int) []int {
	parts := getList(key, nil)
	if parts == nil {
		return fallback
	}
	out := make([]int, 0, len(parts))
	for _, part := range parts {
		i, err := strconv.Atoi(part)
		if err != nil {
			return fallback
		}
		out = append(out, i)
	}
	return out
}

// loadEnvFile overlays the first .env file found. An explicit CONFIG_ENV_PATH
// must exist; the default locations are optional.
func loadEnvFile() error {
	if custom, ok := os.LookupEnv("CONFIG_ENV_PATH"); ok && custom != "" {
		if err := godotenv.Overload(custom); err != nil {
			return fmt.Errorf("load env file %s: %w", custom, err)
		}
		return nil
	}

	candidates := []string{
		filepath.Join("configs", ".env"),
		".env",
	}
	for _, path := range candidates {
		info, err := os.Stat(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return fmt.Errorf("access env file %s: %w", path, err)
		}
		if info.IsDir() {
			continue
		}
		if err := godotenv.Overload(path); err != nil {
			return fmt.Errorf("load env file %s: %w", path, err)
		}
		return nil
	}
	return nil
}
