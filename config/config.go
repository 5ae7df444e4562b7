package config

import (
	"VPN-Reseller-bot/internal/errs"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Card payment availability modes.
const (
	CardModeOn                = "on"
	CardModeOff               = "off"
	CardModePreviousCustomers = "previous_customers"
)

type AppConfig struct {
	BotToken string

	VPNAPIBaseURL string
	VPNAPIToken   string

	PaymentMerchantID  string
	PaymentAPIKey      string
	PaymentCallbackURL string
	PaymentReturnURL   string
	PaymentAPIBaseURL  string
	PaymentCurrency    string

	AdminUserIDs []int64

	// BackupInterval is the period of automatic backups; 0 turns them off.
	BackupInterval time.Duration
	BackupDir      string

	DebtWarningThreshold  decimal.Decimal
	DebtSuspendThreshold  decimal.Decimal
	DebtReminderInterval  time.Duration
	ResellerDiscountPct   int
	ReferralRewardPercent int

	MaxActiveInvoicesPerUser int

	DataDir     string
	DatabaseURL string

	WebhookListenAddr string
	WebhookPath       string

	LockDir         string
	MonitorInterval time.Duration

	CardNumber       string
	CardHolder       string
	CardExchangeRate decimal.Decimal
	CardPaymentMode  string

	Debug bool
}

var AppCfg AppConfig

// LoadConfig reads .env (if any) and the process environment into AppCfg.
func LoadConfig() error {
	if err := godotenv.Load(); err != nil {
		log.Println(".env file not found, relying on environment variables")
	}
	cfg, err := FromEnv()
	if err != nil {
		return err
	}
	AppCfg = cfg
	return nil
}

// FromEnv builds a configuration from the current environment without touching AppCfg.
func FromEnv() (AppConfig, error) {
	var cfg AppConfig
	var err error

	cfg.BotToken = os.Getenv("API_TOKEN")
	cfg.VPNAPIBaseURL = os.Getenv("VPN_API_BASE_URL")
	cfg.VPNAPIToken = os.Getenv("VPN_API_TOKEN")
	cfg.PaymentMerchantID = os.Getenv("PAYMENT_MERCHANT_ID")
	cfg.PaymentAPIKey = os.Getenv("PAYMENT_API_KEY")
	cfg.PaymentCallbackURL = os.Getenv("PAYMENT_CALLBACK_URL")
	cfg.PaymentReturnURL = os.Getenv("PAYMENT_RETURN_URL")
	cfg.PaymentAPIBaseURL = getEnv("PAYMENT_API_BASE_URL", "https://api.cryptomus.com")
	cfg.PaymentCurrency = getEnv("PAYMENT_CURRENCY", "USD")

	var missing []string
	for name, v := range map[string]string{
		"API_TOKEN":        cfg.BotToken,
		"VPN_API_BASE_URL": cfg.VPNAPIBaseURL,
		"VPN_API_TOKEN":    cfg.VPNAPIToken,
	} {
		if v == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return cfg, fmt.Errorf("%w: missing %s", errs.ErrConfig, strings.Join(missing, ", "))
	}

	if cfg.AdminUserIDs, err = ParseAdminIDs(os.Getenv("ADMIN_USER_IDS")); err != nil {
		return cfg, err
	}

	backupHours, err := getEnvInt("BACKUP_INTERVAL_HOUR", 0)
	if err != nil {
		return cfg, err
	}
	cfg.BackupInterval = time.Duration(backupHours) * time.Hour
	cfg.BackupDir = getEnv("BACKUP_DIR", "backups")

	if cfg.DebtWarningThreshold, err = getEnvDecimal("RESELLER_DEBT_WARNING_THRESHOLD", "20"); err != nil {
		return cfg, err
	}
	if cfg.DebtSuspendThreshold, err = getEnvDecimal("RESELLER_DEBT_SUSPEND_THRESHOLD", "50"); err != nil {
		return cfg, err
	}
	if cfg.DebtSuspendThreshold.LessThan(cfg.DebtWarningThreshold) {
		return cfg, fmt.Errorf("%w: suspend threshold below warning threshold", errs.ErrConfig)
	}
	hours, err := getEnvInt("RESELLER_DEBT_REMINDER_INTERVAL_HOURS", 24)
	if err != nil {
		return cfg, err
	}
	cfg.DebtReminderInterval = time.Duration(hours) * time.Hour

	if cfg.ResellerDiscountPct, err = getEnvInt("RESELLER_DISCOUNT_PERCENT", 20); err != nil {
		return cfg, err
	}
	if cfg.ReferralRewardPercent, err = getEnvInt("REFERRAL_REWARD_PERCENT", 10); err != nil {
		return cfg, err
	}
	if cfg.MaxActiveInvoicesPerUser, err = getEnvInt("MAX_ACTIVE_INVOICES_PER_USER", 5); err != nil {
		return cfg, err
	}

	cfg.DataDir = getEnv("DATA_DIR", "data")
	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	cfg.WebhookListenAddr = getEnv("WEBHOOK_LISTEN_ADDR", ":8080")
	cfg.WebhookPath = getEnv("WEBHOOK_PATH", "/payment/webhook")
	cfg.LockDir = getEnv("LOCK_DIR", "/tmp")

	minutes, err := getEnvInt("MONITOR_INTERVAL_MINUTES", 5)
	if err != nil {
		return cfg, err
	}
	cfg.MonitorInterval = time.Duration(minutes) * time.Minute

	cfg.CardNumber = os.Getenv("CARD_NUMBER")
	cfg.CardHolder = os.Getenv("CARD_HOLDER")
	if cfg.CardExchangeRate, err = getEnvDecimal("CARD_EXCHANGE_RATE", "0"); err != nil {
		return cfg, err
	}
	cfg.CardPaymentMode = getEnv("CARD_PAYMENT_MODE", CardModeOn)
	switch cfg.CardPaymentMode {
	case CardModeOn, CardModeOff, CardModePreviousCustomers:
	default:
		return cfg, fmt.Errorf("%w: CARD_PAYMENT_MODE=%q", errs.ErrConfig, cfg.CardPaymentMode)
	}

	cfg.Debug = strings.EqualFold(os.Getenv("LOG_LEVEL"), "debug")
	return cfg, nil
}

// CryptoEnabled reports whether the payment gateway is configured.
func (c AppConfig) CryptoEnabled() bool {
	return c.PaymentMerchantID != "" && c.PaymentAPIKey != ""
}

// CardEnabled reports whether card-to-card payments can be offered at all.
func (c AppConfig) CardEnabled() bool {
	return c.CardPaymentMode != CardModeOff && c.CardNumber != "" && c.CardExchangeRate.IsPositive()
}

// ParseAdminIDs accepts "1,2,3" and "[1, 2, 3]".
func ParseAdminIDs(raw string) ([]int64, error) {
	raw = strings.Trim(strings.TrimSpace(raw), "[]")
	if raw == "" {
		return nil, nil
	}
	var ids []int64
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: ADMIN_USER_IDS entry %q", errs.ErrConfig, part)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: %s=%q", errs.ErrConfig, key, v)
	}
	return n, nil
}

func getEnvDecimal(key, def string) (decimal.Decimal, error) {
	v := getEnv(key, def)
	d, err := decimal.NewFromString(v)
	if err != nil || d.IsNegative() {
		return decimal.Zero, fmt.Errorf("%w: %s=%q", errs.ErrConfig, key, v)
	}
	return d, nil
}
