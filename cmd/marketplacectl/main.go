// Command marketplacectl — административная утилита маркетплейса: миграции
// схемы, ручной запуск фоновых задач, выпуск токенов и повтор событий из DLQ.
package main

import (
	"fmt"
	"os"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/vladislavdragonenkov/marketplace/internal/version"
)

const (
	flagDSN    = "dsn"
	flagAPIURL = "api-url"
	flagToken  = "token"
	flagSecret = "jwt-secret"
)

func main() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// newRootCmd собирает дерево команд. Флаги корневой команды можно задать
// переменными окружения: POSTGRES_DSN, MARKETPLACE_API_URL, MARKETPLACE_TOKEN, JWT_SECRET.
func newRootCmd() *cobra.Command {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	root := &cobra.Command{
		Use:           "marketplacectl",
		Short:         "Administrative tool for the marketplace order service",
		Version:       version.String(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := root.PersistentFlags()
	flags.String(flagDSN, "", "PostgreSQL DSN (env POSTGRES_DSN)")
	flags.String(flagAPIURL, "http://localhost:8080", "marketplace API base URL (env MARKETPLACE_API_URL)")
	flags.String(flagToken, "", "admin bearer token (env MARKETPLACE_TOKEN)")
	flags.String(flagSecret, "", "JWT secret used to mint an admin token when --token is empty (env JWT_SECRET)")
	_ = v.BindPFlag(flagDSN, flags.Lookup(flagDSN))
	_ = v.BindPFlag(flagAPIURL, flags.Lookup(flagAPIURL))
	_ = v.BindPFlag(flagToken, flags.Lookup(flagToken))
	_ = v.BindPFlag(flagSecret, flags.Lookup(flagSecret))
	_ = v.BindEnv(flagDSN, "POSTGRES_DSN")
	_ = v.BindEnv(flagAPIURL, "MARKETPLACE_API_URL")
	_ = v.BindEnv(flagToken, "MARKETPLACE_TOKEN")
	_ = v.BindEnv(flagSecret, "JWT_SECRET")
	_ = v.BindEnv("jwt_alg", "JWT_ALG")
	_ = v.BindEnv("kafka_brokers", "KAFKA_BROKERS")

	root.AddCommand(
		migrateCmd(v),
		jobsCmd(v),
		tokenCmd(v),
		dlqCmd(v),
	)
	return root
}
