package amqp

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
)

type published struct {
	exchange string
	key      string
	msg      amqp091.Publishing
}

type fakeChannel struct {
	declared   []string
	declareErr error
	publishErr error
	published  []published
	closed     bool
}

func (f *fakeChannel) ExchangeDeclare(name, kind string, _, _, _, _ bool, _ amqp091.Table) error {
	f.declared = append(f.declared, name+":"+kind)
	return f.declareErr
}

func (f *fakeChannel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp091.Publishing) error {
	if f.publishErr != nil {
		return f.publishErr
	}
	f.published = append(f.published, published{exchange: exchange, key: key, msg: msg})
	return nil
}

func (f *fakeChannel) Close() error {
	f.closed = true
	return nil
}

func TestSenderPublishesNotification(t *testing.T) {
	t.Parallel()

	ch := &fakeChannel{}
	sender, err := NewSender(ch, "", nil)
	require.NoError(t, err)
	require.Equal(t, []string{"notifications:topic"}, ch.declared)

	n := domain.Notification{
		ID:        "n-1",
		OrderID:   "o-1",
		Channel:   domain.ChannelSMS,
		To:        "380501234567",
		Template:  domain.TemplatePickupReminder,
		Payload:   json.RawMessage(`{"ttn":"20451234567890","level":"D7"}`),
		DedupeKey: "pickup:20451234567890:D7",
		Attempts:  2,
	}
	require.NoError(t, sender.Send(context.Background(), n))

	require.Len(t, ch.published, 1)
	got := ch.published[0]
	require.Equal(t, DefaultExchange, got.exchange)
	require.Equal(t, RoutingKey(n), got.key)
	require.Equal(t, "pickup:20451234567890:D7", got.msg.MessageId)
	require.Equal(t, amqp091.Persistent, got.msg.DeliveryMode)

	var body Message
	require.NoError(t, json.Unmarshal(got.msg.Body, &body))
	require.Equal(t, 3, body.Attempt)
	require.Equal(t, "380501234567", body.To)
	require.JSONEq(t, `{"ttn":"20451234567890","level":"D7"}`, string(body.Payload))

	require.NoError(t, sender.Close())
	require.True(t, ch.closed)
}

func TestSenderErrors(t *testing.T) {
	t.Parallel()

	_, err := NewSender(&fakeChannel{declareErr: errors.New("access refused")}, "x", nil)
	require.Error(t, err)

	sender, err := NewSender(&fakeChannel{publishErr: amqp091.ErrClosed}, "x", nil)
	require.NoError(t, err)
	err = sender.Send(context.Background(), domain.Notification{ID: "n-2", Channel: domain.ChannelEmail, Template: "payment_reminder"})
	require.ErrorIs(t, err, domain.ErrProviderUnavailable)
	require.ErrorIs(t, err, amqp091.ErrClosed)
	require.False(t, domain.IsPermanentProviderError(err))
}

func TestRoutingKey(t *testing.T) {
	t.Parallel()

	require.Equal(t, "email.refund_approved", RoutingKey(domain.Notification{Channel: domain.ChannelEmail, Template: "refund_approved"}))
}
