package app

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
)

func TestDefaultConfig_Values(t *testing.T) {
	cfg := DefaultConfig()

	require.Equal(t, ":8080", cfg.HTTPAddr)
	require.Equal(t, ":50051", cfg.GRPCAddr)
	require.Equal(t, ":9090", cfg.MetricsAddr)
	require.Equal(t, StorageDriverMemory, cfg.StorageDriver)
	require.True(t, cfg.PostgresAutoMigrate)
	require.Equal(t, "pgx", cfg.PostgresSQLDriver)
	require.Equal(t, 100, cfg.OutboxBatchSize)
	require.Equal(t, 10, cfg.OutboxMaxAttempts)
	require.Equal(t, 200, cfg.WorkerBatchSize)
	require.Equal(t, 10*time.Second, cfg.ProviderTimeout)
	require.True(t, cfg.Policy.NewLargeThreshold.Equal(decimal.NewFromInt(5000)))
	require.True(t, cfg.Policy.UnknownCityThreshold.Equal(decimal.NewFromInt(3000)))
	require.True(t, cfg.Policy.DepositAmount.Equal(decimal.NewFromInt(200)))
	require.NoError(t, cfg.Validate())
}

func TestLoadConfig_Env(t *testing.T) {
	t.Setenv("HTTP_ADDR", ":18080")
	t.Setenv("STORAGE_DRIVER", "Postgres")
	t.Setenv("POSTGRES_DSN", "postgres://u:p@localhost:5432/shop?sslmode=disable")
	t.Setenv("POSTGRES_AUTO_MIGRATE", "false")
	t.Setenv("POSTGRES_SQL_DRIVER", "Postgres")
	t.Setenv("POSTGRES_MAX_CONNS", "8")
	t.Setenv("CORS_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("JWT_SECRET", "secret")
	t.Setenv("ACCESS_TOKEN_TTL_DAYS", "7")
	t.Setenv("FONDY_MERCHANT_ID", "1396424")
	t.Setenv("FONDY_MERCHANT_PASSWORD", "test")
	t.Setenv("NP_API_KEY", "np-key")
	t.Setenv("NP_SENDER_PHONE", "380501112233")
	t.Setenv("TELEGRAM_BOT_TOKEN", "bot")
	t.Setenv("TELEGRAM_ADMIN_CHAT_ID", "-100")
	t.Setenv("ALERTS_QUIET_MODE", "true")
	t.Setenv("PREPAID_DISCOUNT_ENABLED", "true")
	t.Setenv("PREPAID_DISCOUNT_MODE", "fixed")
	t.Setenv("PREPAID_DISCOUNT_VALUE", "50")
	t.Setenv("PREPAID_DISCOUNT_APPLY_TO", "FULL_PREPAID,SHIP_DEPOSIT")
	t.Setenv("POLICY_NEW_LARGE_UAH", "7000")
	t.Setenv("SHIP_DEPOSIT_UAH", "150.50")
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("OUTBOX_BATCH_SIZE", "25")
	t.Setenv("PROVIDER_TIMEOUT", "3s")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	require.Equal(t, ":18080", cfg.HTTPAddr)
	require.Equal(t, StorageDriverPostgres, cfg.StorageDriver)
	require.False(t, cfg.PostgresAutoMigrate)
	require.Equal(t, "postgres", cfg.PostgresSQLDriver)
	require.Equal(t, 8, cfg.PostgresMaxConns)
	require.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORSOrigins)
	require.Equal(t, 7, cfg.AccessTokenTTLDays)
	require.Equal(t, "1396424", cfg.Fondy.MerchantID)
	require.Equal(t, 3*time.Second, cfg.Fondy.Timeout)
	require.Equal(t, "380501112233", cfg.NovaPoshta.Sender.Phone)
	require.Equal(t, "-100", cfg.Telegram.ChatID)
	require.True(t, cfg.AlertsQuietMode)
	require.True(t, cfg.Policy.Discount.Enabled)
	require.Equal(t, "FIXED", cfg.Policy.Discount.Mode)
	require.Equal(t, []domain.PolicyMode{domain.PolicyFullPrepaid, domain.PolicyShipDeposit}, cfg.Policy.Discount.ApplyTo)
	require.True(t, cfg.Policy.NewLargeThreshold.Equal(decimal.NewFromInt(7000)))
	require.True(t, cfg.Policy.DepositAmount.Equal(decimal.RequireFromString("150.50")))
	require.True(t, cfg.Policy.UnknownCityThreshold.Equal(decimal.NewFromInt(3000)))
	require.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	require.Equal(t, 25, cfg.OutboxBatchSize)
}

func TestLoadConfig_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "marketplace.yaml")
	content := "http_addr: \":7000\"\nworker_batch_size: 50\nnp_status_map_file: /etc/np.yaml\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	t.Setenv(ConfigFileEnv, path)
	t.Setenv("WORKER_BATCH_SIZE", "75")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.Equal(t, ":7000", cfg.HTTPAddr)
	require.Equal(t, 75, cfg.WorkerBatchSize, "environment overrides the file")
	require.Equal(t, "/etc/np.yaml", cfg.NPStatusMapFile)
}

func TestLoadConfig_Errors(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{name: "mongo url", env: map[string]string{"MONGO_URL": "mongodb://localhost"}},
		{name: "postgres without dsn", env: map[string]string{"STORAGE_DRIVER": "postgres"}},
		{name: "unsupported driver", env: map[string]string{"STORAGE_DRIVER": "sqlite"}},
		{name: "bad amount", env: map[string]string{"POLICY_UNKNOWN_CITY_UAH": "abc"}},
		{name: "negative deposit", env: map[string]string{"SHIP_DEPOSIT_UAH": "-1"}},
		{name: "bad discount mode", env: map[string]string{"PREPAID_DISCOUNT_MODE": "HALF"}},
		{name: "bad apply to", env: map[string]string{"PREPAID_DISCOUNT_APPLY_TO": "COD_ALLOWED"}},
		{name: "missing config file", env: map[string]string{ConfigFileEnv: "/nonexistent/marketplace.yaml"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := LoadConfig()
			require.Error(t, err)
		})
	}
}

func TestWithSearchPath(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		dsn    string
		schema string
		want   string
	}{
		{name: "no schema", dsn: "postgres://u@h/db", want: "postgres://u@h/db"},
		{name: "url", dsn: "postgres://u@h/db?sslmode=disable", schema: "shop", want: "postgres://u@h/db?search_path=shop&sslmode=disable"},
		{name: "keyword", dsn: "host=h dbname=db", schema: "shop", want: "host=h dbname=db search_path=shop"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := withSearchPath(tt.dsn, tt.schema)
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}
