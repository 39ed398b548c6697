package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/lib/pq"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
)

const (
	connectTimeout = 5 * time.Second
	opTimeout      = 5 * time.Second

	// DriverPGX — драйвер по умолчанию (jackc/pgx stdlib).
	DriverPGX = "pgx"
	// DriverPQ — lib/pq, для окружений, где pgx недоступен (pgbouncer в session mode и т.п.).
	DriverPQ = "postgres"
)

// Store оборачивает пул подключений к PostgreSQL и знает, каким драйвером он открыт.
type Store struct {
	db     *sql.DB
	driver string
}

type options struct {
	driver      string
	maxConns    int
	maxLifetime time.Duration
	maxIdleTime time.Duration
}

// Option настраивает Open.
type Option func(*options)

// WithDriver выбирает database/sql драйвер: DriverPGX или DriverPQ.
func WithDriver(driver string) Option {
	return func(o *options) { o.driver = strings.TrimSpace(driver) }
}

// WithMaxConns ограничивает размер пула; простаивающих держится столько же.
func WithMaxConns(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxConns = n
		}
	}
}

// Open открывает пул и проверяет, что база отвечает.
func Open(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	o := options{driver: DriverPGX, maxConns: 25, maxLifetime: 30 * time.Minute, maxIdleTime: 5 * time.Minute}
	for _, apply := range opts {
		apply(&o)
	}
	if o.driver == "" {
		o.driver = DriverPGX
	}
	if o.driver != DriverPGX && o.driver != DriverPQ {
		return nil, fmt.Errorf("unsupported postgres driver %q", o.driver)
	}

	db, err := sql.Open(o.driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}
	db.SetMaxOpenConns(o.maxConns)
	db.SetMaxIdleConns(o.maxConns)
	db.SetConnMaxLifetime(o.maxLifetime)
	db.SetConnMaxIdleTime(o.maxIdleTime)

	store := &Store{db: db, driver: o.driver}
	if err := store.Ping(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return store, nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return errStoreNotInitialized
	}

	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	return s.db.PingContext(ctx)
}

// EnsureSchema применяет все up-миграции.
func (s *Store) EnsureSchema(ctx context.Context) error {
	return s.MigrateUp(ctx, 0)
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Repositories собирает PostgreSQL-реализации всех коллекций.
func (s *Store) Repositories() domain.Store {
	return domain.Store{
		Orders:        NewOrderRepository(s),
		OrderOps:      NewOrderOpRepository(s),
		PaymentEvents: NewPaymentEventRepository(s),
		Idempotency:   NewIdempotencyRepository(s),
		Events:        NewOutboxRepository(s),
		Notifications: NewNotificationRepository(s),
		Alerts:        NewAlertRepository(s),
		Ledger:        NewLedgerRepository(s),
		Refunds:       NewRefundRepository(s),
		Incidents:     NewIncidentRepository(s),
		Analytics:     NewAnalyticsRepository(s),
		Customers:     NewCustomerRepository(s),
	}
}

// textArray готовит []string для параметра text[]: lib/pq требует pq.Array,
// pgx кодирует срез сам.
func (s *Store) textArray(values []string) any {
	if s.driver == DriverPQ {
		return pq.Array(values)
	}
	return values
}
