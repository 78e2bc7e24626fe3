package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/Tinglum/tinglumgard-sub003/models"
)

// LineSchedule holds the season deadlines for one product line.
type LineSchedule struct {
	// RemainderCutoff is when unpaid remainders start being flagged at risk.
	RemainderCutoff time.Time
	// LockDate is when deposit-paid orders are frozen against edits.
	LockDate time.Time
}

type Provider struct {
	BaseURL        string
	APIKey         string
	MerchantSerial string
	TermsURL       string
	// CallbackURL is where the provider posts webhook notifications.
	CallbackURL string
	// WebhookSecret is the pre-shared bearer credential the provider sends back.
	WebhookSecret string
}

type Config struct {
	HTTPAddr string

	// DepositPercent is the single source of truth for the deposit share of
	// the order total. The checkout broker derives every deposit charge from
	// it instead of trusting the stored amount.
	DepositPercent int

	ReconcileTimeout  time.Duration
	SchedulerInterval time.Duration

	JWTSecret string

	Provider Provider

	Schedules map[models.ProductLine]LineSchedule
}

// Load reads configuration from the environment with development defaults.
func Load() (*Config, error) {
	cfg := &Config{
		HTTPAddr:          getEnv("HTTP_ADDR", ":8084"),
		DepositPercent:    getEnvInt("DEPOSIT_PERCENT", 50),
		ReconcileTimeout:  getEnvDuration("RECONCILE_TIMEOUT", 3*time.Second),
		SchedulerInterval: getEnvDuration("SCHEDULER_INTERVAL", 10*time.Minute),
		JWTSecret:         getEnv("JWT_SECRET", "dev-secret-change-in-production"),
		Provider: Provider{
			BaseURL:        getEnv("CHECKOUT_API_URL", "https://api.checkout.example.com"),
			APIKey:         getEnv("CHECKOUT_API_KEY", ""),
			MerchantSerial: getEnv("CHECKOUT_MERCHANT_SERIAL", ""),
			TermsURL:       getEnv("CHECKOUT_TERMS_URL", "https://tinglumgard.no/terms"),
			CallbackURL:    getEnv("CHECKOUT_CALLBACK_URL", "https://tinglumgard.no/api/payments/webhook"),
			WebhookSecret:  getEnv("CHECKOUT_WEBHOOK_SECRET", ""),
		},
		Schedules: map[models.ProductLine]LineSchedule{},
	}

	if cfg.DepositPercent <= 0 || cfg.DepositPercent >= 100 {
		return nil, fmt.Errorf("invalid DEPOSIT_PERCENT %d: must be between 1 and 99", cfg.DepositPercent)
	}

	lines := map[models.ProductLine]string{
		models.ProductLinePorkBox:      "PORK",
		models.ProductLineHatchingEggs: "EGGS",
		models.ProductLineLiveChickens: "CHICKENS",
	}
	for line, prefix := range lines {
		cutoff, err := getEnvDate(prefix+"_REMAINDER_CUTOFF", defaultCutoff)
		if err != nil {
			return nil, err
		}
		lock, err := getEnvDate(prefix+"_LOCK_DATE", defaultLock)
		if err != nil {
			return nil, err
		}
		cfg.Schedules[line] = LineSchedule{RemainderCutoff: cutoff, LockDate: lock}
	}

	return cfg, nil
}

const (
	defaultCutoff = "2026-09-01"
	defaultLock   = "2026-10-01"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvDate(key, defaultValue string) (time.Time, error) {
	value := getEnv(key, defaultValue)
	t, err := time.Parse("2006-01-02", value)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date in %s: %w", key, err)
	}
	return t, nil
}
