package app

import (
	"context"
	"errors"
	"net/http"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/marketplace/internal/clock"
	"github.com/vladislavdragonenkov/marketplace/internal/domain"
	"github.com/vladislavdragonenkov/marketplace/internal/messaging/amqp"
	"github.com/vladislavdragonenkov/marketplace/internal/provider/fondy"
	"github.com/vladislavdragonenkov/marketplace/internal/provider/novaposhta"
	"github.com/vladislavdragonenkov/marketplace/internal/provider/telegram"
	"github.com/vladislavdragonenkov/marketplace/internal/scheduler"
	"github.com/vladislavdragonenkov/marketplace/internal/service/alerts"
	"github.com/vladislavdragonenkov/marketplace/internal/service/notify"
	"github.com/vladislavdragonenkov/marketplace/internal/service/payment"
	"github.com/vladislavdragonenkov/marketplace/internal/storage/redislock"
)

// sandboxShippingCost — стоимость доставки, которую отдаёт песочница НП.
var sandboxShippingCost = decimal.NewFromInt(70)

// integrations — внешние адаптеры: провайдеры, транспорты и брокеры.
// Каждый необязательный адаптер без настроек заменяется локальной реализацией.
type integrations struct {
	payment      domain.PaymentProvider
	verifiers    []payment.WebhookVerifier
	delivery     domain.DeliveryProvider
	alertSender  domain.AlertSender
	notifySender domain.NotificationSender
	locker       scheduler.Locker
	mirror       eventMirror
	closers      []func() error
}

func initIntegrations(ctx context.Context, cfg Config, clk clock.Clock, logger *log.Entry) (*integrations, error) {
	in := &integrations{}
	httpClient := &http.Client{Timeout: cfg.ProviderTimeout}

	if cfg.Fondy.MerchantID != "" {
		client, err := fondy.New(cfg.Fondy, httpClient, logger.WithField("component", "fondy"))
		if err != nil {
			return nil, err
		}
		in.payment = client
		in.verifiers = []payment.WebhookVerifier{client}
		logger.WithField("merchant_id", cfg.Fondy.MerchantID).Info("fondy provider enabled")
	} else {
		in.payment = payment.NewMockProvider()
		logger.Warn("FONDY_MERCHANT_ID is not set, using mock payment provider; webhooks are disabled")
	}

	if cfg.NovaPoshta.APIKey != "" {
		client, err := novaposhta.New(cfg.NovaPoshta, httpClient, logger.WithField("component", "novaposhta"))
		if err != nil {
			return nil, err
		}
		in.delivery = client
	} else {
		in.delivery = novaposhta.NewSandbox(sandboxShippingCost)
		logger.Warn("NP_API_KEY is not set, using nova poshta sandbox")
	}

	if cfg.Telegram.BotToken != "" {
		sender, err := telegram.New(cfg.Telegram, httpClient, logger.WithField("component", "telegram"))
		if err != nil {
			return nil, err
		}
		in.alertSender = sender
	} else {
		in.alertSender = alerts.LogSender{Logger: logger.WithField("component", "alert-log-sender")}
	}

	if cfg.AMQPURL != "" {
		sender, err := amqp.Dial(cfg.AMQPURL, amqp.DefaultExchange, logger.WithField("component", "amqp"))
		if err != nil {
			in.close(logger)
			return nil, err
		}
		in.notifySender = sender
		in.closers = append(in.closers, sender.Close)
	} else {
		in.notifySender = notify.LogSender{Logger: logger.WithField("component", "notification-log-sender")}
	}

	if cfg.RedisAddr != "" {
		client, err := redislock.NewClient(ctx, cfg.RedisAddr, "", 0)
		if err != nil {
			logger.WithError(err).Warn("redis is unavailable, jobs are guarded by the local scheduler only")
		} else {
			in.locker = redislock.New(client, "", logger.WithField("component", "redislock"))
			in.closers = append(in.closers, client.Close)
		}
	}

	// ошибка Kafka не фатальна: зеркало событий необязательно
	in.mirror, _ = initEventMirror(cfg.KafkaBrokers, clk, logger)

	return in, nil
}

// providers возвращает платёжных провайдеров по имени для отмены оплат.
func (in *integrations) providers() map[string]domain.PaymentProvider {
	return map[string]domain.PaymentProvider{in.payment.Name(): in.payment}
}

func (in *integrations) close(logger *log.Entry) {
	if in == nil {
		return
	}
	var errs []error
	for i := len(in.closers) - 1; i >= 0; i-- {
		if err := in.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		logger.WithError(err).Warn("failed to close integrations")
	}
	in.mirror.close(logger)
}
