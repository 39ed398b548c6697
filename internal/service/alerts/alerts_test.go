package alerts

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/marketplace/internal/clock"
	"github.com/vladislavdragonenkov/marketplace/internal/domain"
	"github.com/vladislavdragonenkov/marketplace/internal/storage/memory"
)

var start = time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)

type stubSender struct {
	err  error
	sent []domain.AdminAlert
}

func (s *stubSender) SendAlert(_ context.Context, alert domain.AdminAlert) error {
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, alert)
	return nil
}

func TestQueue_RaiseDeduplicates(t *testing.T) {
	t.Parallel()

	q := NewQueue(memory.NewAlertRepository(), clock.NewManual(start), nil)
	alert := domain.AdminAlert{Type: domain.AlertTTNCreated, Text: "ТТН створено", DedupeKey: "ttn_created:o-1"}

	created, err := q.Raise(context.Background(), alert)
	require.NoError(t, err)
	require.True(t, created)

	created, err = q.Raise(context.Background(), alert)
	require.NoError(t, err)
	require.False(t, created)
}

func TestDispatcher_QuietModeDefersNonCritical(t *testing.T) {
	t.Parallel()

	repo := memory.NewAlertRepository()
	clk := clock.NewManual(start)
	q := NewQueue(repo, clk, nil)
	sender := &stubSender{}
	d := NewDispatcher(repo, sender, WithClock(clk), WithQuietMode(true))

	_, err := q.Raise(context.Background(), domain.AdminAlert{Type: domain.AlertTTNCreated, Text: "ttn", DedupeKey: "a-1"})
	require.NoError(t, err)
	_, err = q.Raise(context.Background(), domain.AdminAlert{Type: domain.AlertOutboxDead, Text: "dead", DedupeKey: "a-2"})
	require.NoError(t, err)

	sent, err := d.ProcessOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, sent)
	require.Len(t, sender.sent, 1)
	require.Equal(t, domain.AlertOutboxDead, sender.sent[0].Type)

	// отложенный алерт не возвращается раньше 15 минут
	sent, err = d.ProcessOnce(context.Background())
	require.NoError(t, err)
	require.Zero(t, sent)

	d.SetQuietMode(false)
	clk.Advance(quietDeferral)
	sent, err = d.ProcessOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, sent)
	require.Equal(t, domain.AlertTTNCreated, sender.sent[1].Type)
}

func TestDispatcher_FailureRetriesWithBackoff(t *testing.T) {
	t.Parallel()

	repo := memory.NewAlertRepository()
	clk := clock.NewManual(start)
	q := NewQueue(repo, clk, nil)
	sender := &stubSender{err: errors.New("telegram unavailable")}
	d := NewDispatcher(repo, sender, WithClock(clk), WithMaxAttempts(2))

	_, err := q.Raise(context.Background(), domain.AdminAlert{Type: domain.AlertGuardIncident, Text: "incident"})
	require.NoError(t, err)

	sent, err := d.ProcessOnce(context.Background())
	require.NoError(t, err)
	require.Zero(t, sent)

	clk.Advance(59 * time.Second)
	sent, err = d.ProcessOnce(context.Background())
	require.NoError(t, err)
	require.Zero(t, sent)

	sender.err = nil
	clk.Advance(time.Second)
	sent, err = d.ProcessOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, sent)
}

func TestDispatcher_PermanentErrorIsTerminal(t *testing.T) {
	t.Parallel()

	repo := memory.NewAlertRepository()
	clk := clock.NewManual(start)
	q := NewQueue(repo, clk, nil)
	sender := &stubSender{err: &domain.ProviderError{Provider: "telegram", StatusCode: 400, Message: "chat not found"}}
	d := NewDispatcher(repo, sender, WithClock(clk))

	_, err := q.Raise(context.Background(), domain.AdminAlert{Type: domain.AlertTTNFailed, Text: "x"})
	require.NoError(t, err)
	_, err = d.ProcessOnce(context.Background())
	require.NoError(t, err)

	sender.err = nil
	clk.Advance(24 * time.Hour)
	sent, err := d.ProcessOnce(context.Background())
	require.NoError(t, err)
	require.Zero(t, sent, "terminal alert must not be retried")
}
