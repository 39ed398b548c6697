package kafka

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/marketplace/internal/clock"
)

// fakeGroup, fakeSession и fakeClaim переопределяют только нужные методы,
// остальные вызовы упадут на nil-интерфейсе.
type fakeGroup struct {
	sarama.ConsumerGroup
	consume  func(ctx context.Context) error
	errs     chan error
	closeErr error
	calls    atomic.Int32
}

func (g *fakeGroup) Consume(ctx context.Context, _ []string, _ sarama.ConsumerGroupHandler) error {
	g.calls.Add(1)
	if g.consume != nil {
		return g.consume(ctx)
	}
	<-ctx.Done()
	return nil
}

func (g *fakeGroup) Errors() <-chan error { return g.errs }

func (g *fakeGroup) Close() error {
	close(g.errs)
	return g.closeErr
}

type fakeSession struct {
	sarama.ConsumerGroupSession
	ctx    context.Context
	mu     sync.Mutex
	marked []int64
}

func (s *fakeSession) Context() context.Context { return s.ctx }

func (s *fakeSession) MarkMessage(msg *sarama.ConsumerMessage, _ string) {
	s.mu.Lock()
	s.marked = append(s.marked, msg.Offset)
	s.mu.Unlock()
}

type fakeClaim struct {
	sarama.ConsumerGroupClaim
	messages chan *sarama.ConsumerMessage
}

func (c fakeClaim) Messages() <-chan *sarama.ConsumerMessage { return c.messages }

func claimOf(msgs ...*sarama.ConsumerMessage) fakeClaim {
	ch := make(chan *sarama.ConsumerMessage, len(msgs))
	for _, m := range msgs {
		ch <- m
	}
	close(ch)
	return fakeClaim{messages: ch}
}

func testConsumer(handler MessageHandler, dlq *Producer, retries int) *Consumer {
	return newConsumer(&fakeGroup{errs: make(chan error)}, ConsumerConfig{
		Topics:     []string{TopicOrderEvents},
		MaxRetries: retries,
		Clock:      clock.NewManual(time.Date(2024, 6, 3, 12, 0, 0, 0, time.UTC)),
	}, handler, dlq, log.WithField("test", "consumer"))
}

func msgAt(offset int64, headers ...*sarama.RecordHeader) *sarama.ConsumerMessage {
	return &sarama.ConsumerMessage{Topic: TopicOrderEvents, Offset: offset, Key: []byte("o-1"), Value: []byte(`{"id":"ev-1"}`), Headers: headers}
}

func TestNewConsumer_Validation(t *testing.T) {
	t.Parallel()

	handler := func(context.Context, *sarama.ConsumerMessage) error { return nil }
	tests := []struct {
		name    string
		cfg     ConsumerConfig
		handler MessageHandler
		wantErr string
	}{
		{name: "no brokers", cfg: ConsumerConfig{GroupID: "g", Topics: []string{"t"}}, handler: handler, wantErr: "brokers are required"},
		{name: "no group", cfg: ConsumerConfig{Brokers: []string{"b:9092"}, Topics: []string{"t"}}, handler: handler, wantErr: "group id is required"},
		{name: "no topics", cfg: ConsumerConfig{Brokers: []string{"b:9092"}, GroupID: "g"}, handler: handler, wantErr: "topics are required"},
		{name: "no handler", cfg: ConsumerConfig{Brokers: []string{"b:9092"}, GroupID: "g", Topics: []string{"t"}}, wantErr: "handler is required"},
		{name: "unreachable broker", cfg: ConsumerConfig{Brokers: []string{"invalid-broker:9092"}, GroupID: "g", Topics: []string{"t"}}, handler: handler, wantErr: "create kafka consumer group"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := NewConsumer(tt.cfg, tt.handler, nil, nil)
			require.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestConsumer_StartStop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	group := &fakeGroup{errs: make(chan error, 1)}
	consumer := newConsumer(group, ConsumerConfig{Topics: []string{TopicDeadLetterQueue}},
		func(context.Context, *sarama.ConsumerMessage) error { return nil }, nil, nil)

	group.errs <- errors.New("broker went away")
	require.NoError(t, consumer.Start(ctx))
	require.Eventually(t, func() bool { return group.calls.Load() > 0 }, time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, consumer.Stop())
}

func TestConsumer_StopsOnClosedGroup(t *testing.T) {
	group := &fakeGroup{errs: make(chan error), consume: func(context.Context) error {
		return sarama.ErrClosedConsumerGroup
	}}
	consumer := newConsumer(group, ConsumerConfig{}, func(context.Context, *sarama.ConsumerMessage) error { return nil }, nil, nil)

	require.NoError(t, consumer.Start(context.Background()))
	require.NoError(t, consumer.Stop())
	require.EqualValues(t, 1, group.calls.Load())
}

func TestConsumer_StopReportsCloseError(t *testing.T) {
	group := &fakeGroup{errs: make(chan error), closeErr: errors.New("close failed")}
	consumer := newConsumer(group, ConsumerConfig{}, func(context.Context, *sarama.ConsumerMessage) error { return nil }, nil, nil)

	require.ErrorContains(t, consumer.Stop(), "close failed")
}

func TestConsumeClaim_MarksOnlyHandled(t *testing.T) {
	t.Parallel()

	consumer := testConsumer(func(_ context.Context, m *sarama.ConsumerMessage) error {
		if m.Offset == 2 {
			return errors.New("poison")
		}
		return nil
	}, nil, 1)

	session := &fakeSession{ctx: context.Background()}
	require.NoError(t, consumer.ConsumeClaim(session, claimOf(msgAt(1), msgAt(2), msgAt(3))))
	require.Equal(t, []int64{1, 3}, session.marked)
}

func TestConsumeClaim_ReturnsOnCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	consumer := testConsumer(func(context.Context, *sarama.ConsumerMessage) error { return nil }, nil, 1)
	open := fakeClaim{messages: make(chan *sarama.ConsumerMessage)}

	done := make(chan error, 1)
	go func() { done <- consumer.ConsumeClaim(&fakeSession{ctx: ctx}, open) }()
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("ConsumeClaim did not return after cancellation")
	}
}

func TestConsumer_ProcessRetries(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name         string
		failures     int
		retries      int
		priorRetries string
		wantCalls    int
		wantErr      bool
	}{
		{name: "first attempt succeeds", failures: 0, retries: 2, wantCalls: 1},
		{name: "recovers on retry", failures: 1, retries: 3, wantCalls: 2},
		{name: "exhausts budget", failures: 10, retries: 2, wantCalls: 3, wantErr: true},
		{name: "budget continues from header", failures: 10, retries: 3, priorRetries: "1", wantCalls: 3, wantErr: true},
		{name: "bad header counts from zero", failures: 10, retries: 1, priorRetries: "bad", wantCalls: 2, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			calls := 0
			consumer := testConsumer(func(context.Context, *sarama.ConsumerMessage) error {
				calls++
				if calls <= tt.failures {
					return errors.New("temporary")
				}
				return nil
			}, nil, tt.retries)

			msg := msgAt(1)
			if tt.priorRetries != "" {
				msg.Headers = []*sarama.RecordHeader{{Key: []byte(HeaderRetryCount), Value: []byte(tt.priorRetries)}}
			}

			err := consumer.process(context.Background(), msg)
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
			require.Equal(t, tt.wantCalls, calls)
		})
	}
}

func TestConsumer_ForwardsExhaustedToDLQ(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(m *sarama.ProducerMessage) error {
		value, err := m.Value.Encode()
		require.NoError(t, err)
		require.Equal(t, TopicDeadLetterQueue, m.Topic)
		require.JSONEq(t, `{"id":"ev-1"}`, string(value), "dlq must carry the original body")

		headers := map[string]string{}
		for _, h := range m.Headers {
			headers[string(h.Key)] = string(h.Value)
		}
		require.Equal(t, TopicOrderEvents, headers[HeaderOriginalTopic])
		require.Equal(t, "permanent", headers[HeaderErrorMessage])
		require.Equal(t, "2024-06-03T12:00:00Z", headers[HeaderFailedAt])
		require.Equal(t, "1", headers[HeaderRetryCount])
		return nil
	})

	consumer := testConsumer(func(context.Context, *sarama.ConsumerMessage) error {
		return errors.New("permanent")
	}, NewProducerFromSync(producer, nil), 1)

	session := &fakeSession{ctx: context.Background()}
	require.NoError(t, consumer.ConsumeClaim(session, claimOf(msgAt(7))))
	require.Equal(t, []int64{7}, session.marked, "message forwarded to dlq is committed")
	require.NoError(t, producer.Close())
}

func TestConsumer_DLQFailureLeavesMessage(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	consumer := testConsumer(func(context.Context, *sarama.ConsumerMessage) error {
		return errors.New("permanent")
	}, NewProducerFromSync(producer, nil), 1)

	err := consumer.process(context.Background(), msgAt(1))
	require.ErrorContains(t, err, "forward to dlq")
	require.NoError(t, producer.Close())
}

func TestConsumer_RetryDelayHonoursContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	consumer := testConsumer(func(context.Context, *sarama.ConsumerMessage) error {
		cancel()
		return errors.New("temporary")
	}, nil, 3)
	consumer.retryDelay = time.Hour

	require.ErrorIs(t, consumer.process(ctx, msgAt(1)), context.Canceled)
}
