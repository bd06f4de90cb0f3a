package config

import (
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/shopspring/decimal"
)

type Config struct {
	RunAddress  string `env:"RUN_ADDRESS" envDefault:":8080"`
	DatabaseURI string `env:"DATABASE_URI"`
	RedisURL    string `env:"REDIS_URL"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	JWTSecret   string `env:"JWT_SECRET"`

	BotToken       string `env:"BOT_TOKEN"`
	BotUsername    string `env:"BOT_USERNAME"`
	TelegramAPIURL string `env:"TELEGRAM_API_URL" envDefault:"https://api.telegram.org"`
	AdminID        int64  `env:"ADMIN_ID"`
	PaymentChannel string `env:"PAYMENT_CHANNEL"`
	UPIID          string `env:"UPI_ID"`

	SMMAPIURL       string        `env:"SMM_API_URL"`
	SMMAPIKey       string        `env:"SMM_API_KEY"`
	ProviderTimeout time.Duration `env:"PROVIDER_TIMEOUT" envDefault:"30s"`
	NotifyTimeout   time.Duration `env:"NOTIFY_TIMEOUT" envDefault:"10s"`

	MarkupPercent    decimal.Decimal `env:"MARKUP_PERCENT" envDefault:"20"`
	ReferralPercent  decimal.Decimal `env:"REFERRAL_PERCENT" envDefault:"10"`
	BonusEnabled     bool            `env:"BONUS_ENABLED" envDefault:"true"`
	DailyBonusAmount decimal.Decimal `env:"DAILY_BONUS_AMOUNT" envDefault:"10"`
	BonusCooldown    time.Duration   `env:"BONUS_COOLDOWN" envDefault:"24h"`

	DepositTimeout     time.Duration `env:"DEPOSIT_TIMEOUT" envDefault:"5m"`
	OrderTimeout       time.Duration `env:"ORDER_TIMEOUT" envDefault:"10m"`
	TrackTimeout       time.Duration `env:"TRACK_TIMEOUT" envDefault:"2m"`
	StatusPollInterval time.Duration `env:"STATUS_POLL_INTERVAL" envDefault:"1m"`

	KafkaBrokers []string `env:"KAFKA_BROKERS" envSeparator:","`
	KafkaTopic   string   `env:"KAFKA_TOPIC" envDefault:"payments"`
}

func New() (*Config, error) {
	cfg := &Config{}
	err := env.ParseWithOptions(cfg, env.Options{
		FuncMap: map[reflect.Type]env.ParserFunc{
			reflect.TypeOf(decimal.Decimal{}): func(v string) (interface{}, error) {
				return decimal.NewFromString(v)
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// Validate checks what serve needs. migrate and token only need parts of it.
func (c *Config) Validate() error {
	var errs []error
	if c.SMMAPIURL == "" {
		errs = append(errs, errors.New("SMM_API_URL is required"))
	}
	if c.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.AdminID == 0 {
		errs = append(errs, errors.New("ADMIN_ID is required"))
	}
	if c.MarkupPercent.IsNegative() {
		errs = append(errs, errors.New("MARKUP_PERCENT must not be negative"))
	}
	if c.ReferralPercent.IsNegative() {
		errs = append(errs, errors.New("REFERRAL_PERCENT must not be negative"))
	}
	if !c.DailyBonusAmount.IsPositive() && c.BonusEnabled {
		errs = append(errs, errors.New("DAILY_BONUS_AMOUNT must be positive"))
	}
	return errors.Join(errs...)
}
