package main

import (
	"context"
	"fmt"
	"os/signal"
	"strings"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/vladislavdragonenkov/marketplace/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/marketplace/internal/storage/postgres"
)

func dlqCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Work with the dead letter queue",
	}

	var (
		brokers    string
		groupID    string
		fromOldest bool
	)
	replay := &cobra.Command{
		Use:   "replay",
		Short: "Put dead-lettered events back into the outbox until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if brokers == "" {
				brokers = v.GetString("kafka_brokers")
			}
			list := splitBrokers(brokers)
			if len(list) == 0 {
				return fmt.Errorf("--brokers (or KAFKA_BROKERS) is required")
			}
			dsn := strings.TrimSpace(v.GetString(flagDSN))
			if dsn == "" {
				return fmt.Errorf("POSTGRES_DSN (or --dsn) is required")
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runReplay(ctx, dsn, kafka.ConsumerConfig{
				Brokers:    list,
				GroupID:    groupID,
				Topics:     []string{kafka.TopicDeadLetterQueue},
				MaxRetries: 3,
				RetryDelay: time.Second,
				FromOldest: fromOldest,
			})
		},
	}
	replay.Flags().StringVar(&brokers, "brokers", "", "comma separated kafka brokers (env KAFKA_BROKERS)")
	replay.Flags().StringVar(&groupID, "group", "marketplace-dlq-replay", "consumer group id")
	replay.Flags().BoolVar(&fromOldest, "from-oldest", true, "start from the oldest offset when the group has none")

	cmd.AddCommand(replay)
	return cmd
}

func runReplay(ctx context.Context, dsn string, cfg kafka.ConsumerConfig) error {
	logger := log.WithField("component", "dlq-replay")

	store, err := postgres.Open(ctx, dsn)
	if err != nil {
		return fmt.Errorf("open postgres store: %w", err)
	}
	defer store.Close()

	handler := kafka.NewReplayHandler(store.Repositories().Events, nil, logger)
	consumer, err := kafka.NewConsumer(cfg, handler, nil, logger)
	if err != nil {
		return err
	}
	if err := consumer.Start(ctx); err != nil {
		return fmt.Errorf("start consumer: %w", err)
	}
	logger.WithField("brokers", cfg.Brokers).WithField("group", cfg.GroupID).Info("dlq replay started")

	<-ctx.Done()
	logger.Info("dlq replay stopping")
	return consumer.Stop()
}

func splitBrokers(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
