package app

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
	"github.com/vladislavdragonenkov/marketplace/internal/provider/fondy"
	"github.com/vladislavdragonenkov/marketplace/internal/provider/novaposhta"
	"github.com/vladislavdragonenkov/marketplace/internal/provider/telegram"
	"github.com/vladislavdragonenkov/marketplace/internal/service/policy"
)

const (
	// StorageDriverMemory использует in-memory store.
	StorageDriverMemory = "memory"
	// StorageDriverPostgres использует PostgreSQL store.
	StorageDriverPostgres = "postgres"

	// ConfigFileEnv — путь к необязательному YAML-файлу конфигурации.
	ConfigFileEnv = "MARKETPLACE_CONFIG"
)

// Config описывает настройки запуска приложения.
type Config struct {
	HTTPAddr    string
	GRPCAddr    string
	MetricsAddr string
	CORSOrigins []string

	StorageDriver       string
	PostgresDSN         string
	DBName              string
	PostgresAutoMigrate bool
	PostgresSQLDriver   string
	PostgresMaxConns    int

	JWTSecret          string
	JWTAlg             string
	AccessTokenTTLDays int

	Fondy           fondy.Config
	NovaPoshta      novaposhta.Config
	NPStatusMapFile string
	Telegram        telegram.Config
	AlertsQuietMode bool

	Policy policy.Config

	KafkaBrokers []string
	AMQPURL      string
	RedisAddr    string

	OutboxPollInterval          time.Duration
	OutboxBatchSize             int
	OutboxMaxAttempts           int
	WorkerBatchSize             int
	ProviderTimeout             time.Duration
	IdempotencyCleanupBatchSize int
	OutboxMaxLag                time.Duration
}

// DefaultConfig возвращает конфигурацию для локального запуска на memory store.
func DefaultConfig() Config {
	return Config{
		HTTPAddr:                    ":8080",
		GRPCAddr:                    ":50051",
		MetricsAddr:                 ":9090",
		StorageDriver:               StorageDriverMemory,
		PostgresAutoMigrate:         true,
		PostgresSQLDriver:           "pgx",
		PostgresMaxConns:            25,
		JWTAlg:                      "HS256",
		AccessTokenTTLDays:          30,
		Policy:                      policy.DefaultConfig(),
		OutboxPollInterval:          2 * time.Second,
		OutboxBatchSize:             100,
		OutboxMaxAttempts:           10,
		WorkerBatchSize:             200,
		ProviderTimeout:             10 * time.Second,
		IdempotencyCleanupBatchSize: 500,
		OutboxMaxLag:                15 * time.Minute,
	}
}

// LoadConfig читает конфигурацию из окружения и, если задан MARKETPLACE_CONFIG,
// из YAML-файла. Переменные окружения имеют приоритет над файлом.
func LoadConfig() (Config, error) {
	v := viper.New()
	setDefaults(v, DefaultConfig())
	v.AutomaticEnv()

	if path := strings.TrimSpace(v.GetString(ConfigFileEnv)); path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	return configFromViper(v)
}

func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("HTTP_ADDR", d.HTTPAddr)
	v.SetDefault("GRPC_ADDR", d.GRPCAddr)
	v.SetDefault("METRICS_ADDR", d.MetricsAddr)
	v.SetDefault("STORAGE_DRIVER", d.StorageDriver)
	v.SetDefault("POSTGRES_AUTO_MIGRATE", d.PostgresAutoMigrate)
	v.SetDefault("POSTGRES_SQL_DRIVER", d.PostgresSQLDriver)
	v.SetDefault("POSTGRES_MAX_CONNS", d.PostgresMaxConns)
	v.SetDefault("JWT_ALG", d.JWTAlg)
	v.SetDefault("ACCESS_TOKEN_TTL_DAYS", d.AccessTokenTTLDays)
	v.SetDefault("POLICY_NEW_LARGE_UAH", d.Policy.NewLargeThreshold.String())
	v.SetDefault("POLICY_UNKNOWN_CITY_UAH", d.Policy.UnknownCityThreshold.String())
	v.SetDefault("SHIP_DEPOSIT_UAH", d.Policy.DepositAmount.String())
	v.SetDefault("PREPAID_DISCOUNT_MODE", d.Policy.Discount.Mode)
	v.SetDefault("PREPAID_DISCOUNT_APPLY_TO", string(domain.PolicyFullPrepaid))
	v.SetDefault("OUTBOX_POLL_INTERVAL", d.OutboxPollInterval)
	v.SetDefault("OUTBOX_BATCH_SIZE", d.OutboxBatchSize)
	v.SetDefault("OUTBOX_MAX_ATTEMPTS", d.OutboxMaxAttempts)
	v.SetDefault("OUTBOX_MAX_LAG", d.OutboxMaxLag)
	v.SetDefault("WORKER_BATCH_SIZE", d.WorkerBatchSize)
	v.SetDefault("PROVIDER_TIMEOUT", d.ProviderTimeout)
	v.SetDefault("IDEMPOTENCY_CLEANUP_BATCH_SIZE", d.IdempotencyCleanupBatchSize)
}

func configFromViper(v *viper.Viper) (Config, error) {
	cfg := DefaultConfig()

	cfg.HTTPAddr = v.GetString("HTTP_ADDR")
	cfg.GRPCAddr = v.GetString("GRPC_ADDR")
	cfg.MetricsAddr = v.GetString("METRICS_ADDR")
	cfg.CORSOrigins = splitList(v.GetString("CORS_ORIGINS"))

	cfg.StorageDriver = strings.ToLower(strings.TrimSpace(v.GetString("STORAGE_DRIVER")))
	cfg.PostgresDSN = strings.TrimSpace(v.GetString("POSTGRES_DSN"))
	cfg.DBName = strings.TrimSpace(v.GetString("DB_NAME"))
	cfg.PostgresAutoMigrate = v.GetBool("POSTGRES_AUTO_MIGRATE")
	cfg.PostgresSQLDriver = strings.ToLower(strings.TrimSpace(v.GetString("POSTGRES_SQL_DRIVER")))
	cfg.PostgresMaxConns = v.GetInt("POSTGRES_MAX_CONNS")
	if cfg.PostgresDSN == "" && strings.TrimSpace(v.GetString("MONGO_URL")) != "" {
		return Config{}, fmt.Errorf("MONGO_URL is not supported: orders are stored in PostgreSQL, set POSTGRES_DSN")
	}

	cfg.JWTSecret = v.GetString("JWT_SECRET")
	cfg.JWTAlg = strings.ToUpper(v.GetString("JWT_ALG"))
	cfg.AccessTokenTTLDays = v.GetInt("ACCESS_TOKEN_TTL_DAYS")

	cfg.ProviderTimeout = v.GetDuration("PROVIDER_TIMEOUT")
	cfg.Fondy = fondy.Config{
		MerchantID:  v.GetString("FONDY_MERCHANT_ID"),
		Password:    v.GetString("FONDY_MERCHANT_PASSWORD"),
		CallbackURL: v.GetString("FONDY_CALLBACK_URL"),
		ReturnURL:   v.GetString("FONDY_RETURN_URL"),
		BaseURL:     v.GetString("FONDY_API_URL"),
		Timeout:     cfg.ProviderTimeout,
	}
	cfg.NovaPoshta = novaposhta.Config{
		APIKey:  v.GetString("NP_API_KEY"),
		BaseURL: v.GetString("NP_API_URL"),
		Timeout: cfg.ProviderTimeout,
		Sender: novaposhta.Sender{
			Ref:        v.GetString("NP_SENDER_REF"),
			ContactRef: v.GetString("NP_SENDER_CONTACT_REF"),
			AddressRef: v.GetString("NP_SENDER_ADDRESS_REF"),
			CityRef:    v.GetString("NP_SENDER_CITY_REF"),
			Phone:      v.GetString("NP_SENDER_PHONE"),
		},
	}
	cfg.NPStatusMapFile = v.GetString("NP_STATUS_MAP_FILE")
	cfg.Telegram = telegram.Config{
		BotToken: v.GetString("TELEGRAM_BOT_TOKEN"),
		ChatID:   v.GetString("TELEGRAM_ADMIN_CHAT_ID"),
		Timeout:  cfg.ProviderTimeout,
	}
	cfg.AlertsQuietMode = v.GetBool("ALERTS_QUIET_MODE")

	pol, err := policyFromViper(v)
	if err != nil {
		return Config{}, err
	}
	cfg.Policy = pol

	cfg.KafkaBrokers = splitList(v.GetString("KAFKA_BROKERS"))
	cfg.AMQPURL = v.GetString("AMQP_URL")
	cfg.RedisAddr = v.GetString("REDIS_ADDR")

	cfg.OutboxPollInterval = v.GetDuration("OUTBOX_POLL_INTERVAL")
	cfg.OutboxBatchSize = v.GetInt("OUTBOX_BATCH_SIZE")
	cfg.OutboxMaxAttempts = v.GetInt("OUTBOX_MAX_ATTEMPTS")
	cfg.OutboxMaxLag = v.GetDuration("OUTBOX_MAX_LAG")
	cfg.WorkerBatchSize = v.GetInt("WORKER_BATCH_SIZE")
	cfg.IdempotencyCleanupBatchSize = v.GetInt("IDEMPOTENCY_CLEANUP_BATCH_SIZE")

	return cfg, cfg.Validate()
}

func policyFromViper(v *viper.Viper) (policy.Config, error) {
	cfg := policy.DefaultConfig()

	amounts := []struct {
		key    string
		target *decimal.Decimal
	}{
		{"POLICY_NEW_LARGE_UAH", &cfg.NewLargeThreshold},
		{"POLICY_UNKNOWN_CITY_UAH", &cfg.UnknownCityThreshold},
		{"SHIP_DEPOSIT_UAH", &cfg.DepositAmount},
		{"PREPAID_DISCOUNT_VALUE", &cfg.Discount.Value},
		{"PREPAID_DISCOUNT_MAX_UAH", &cfg.Discount.MaxUAH},
		{"PREPAID_DISCOUNT_MIN_ORDER", &cfg.Discount.MinOrder},
	}
	for _, a := range amounts {
		raw := strings.TrimSpace(v.GetString(a.key))
		if raw == "" {
			continue
		}
		d, err := decimal.NewFromString(raw)
		if err != nil {
			return policy.Config{}, fmt.Errorf("%s: invalid amount %q: %w", a.key, raw, err)
		}
		if d.IsNegative() {
			return policy.Config{}, fmt.Errorf("%s must not be negative", a.key)
		}
		*a.target = d
	}

	cfg.Discount.Enabled = v.GetBool("PREPAID_DISCOUNT_ENABLED")
	cfg.Discount.Mode = strings.ToUpper(strings.TrimSpace(v.GetString("PREPAID_DISCOUNT_MODE")))
	if cfg.Discount.Mode != policy.DiscountModePercent && cfg.Discount.Mode != policy.DiscountModeFixed {
		return policy.Config{}, fmt.Errorf("PREPAID_DISCOUNT_MODE must be %s or %s, got %q",
			policy.DiscountModePercent, policy.DiscountModeFixed, cfg.Discount.Mode)
	}

	cfg.Discount.ApplyTo = nil
	for _, raw := range splitList(v.GetString("PREPAID_DISCOUNT_APPLY_TO")) {
		mode := domain.PolicyMode(strings.ToUpper(raw))
		if mode != domain.PolicyFullPrepaid && mode != domain.PolicyShipDeposit {
			return policy.Config{}, fmt.Errorf("PREPAID_DISCOUNT_APPLY_TO: unsupported mode %q", raw)
		}
		cfg.Discount.ApplyTo = append(cfg.Discount.ApplyTo, mode)
	}
	return cfg, nil
}

// Validate проверяет согласованность настроек.
func (c Config) Validate() error {
	switch c.StorageDriver {
	case StorageDriverMemory:
	case StorageDriverPostgres:
		if c.PostgresDSN == "" {
			return fmt.Errorf("POSTGRES_DSN is required for storage driver %q", StorageDriverPostgres)
		}
	default:
		return fmt.Errorf("unsupported storage driver %q", c.StorageDriver)
	}
	if c.OutboxBatchSize <= 0 || c.OutboxMaxAttempts <= 0 || c.WorkerBatchSize <= 0 {
		return fmt.Errorf("batch sizes and max attempts must be positive")
	}
	if c.AccessTokenTTLDays < 0 {
		return fmt.Errorf("ACCESS_TOKEN_TTL_DAYS must not be negative")
	}
	return nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
