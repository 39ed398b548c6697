package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/marketplace/internal/clock"
	"github.com/vladislavdragonenkov/marketplace/internal/metrics"
)

var (
	// ErrJobRunning — предыдущий запуск задачи ещё не завершён.
	ErrJobRunning = errors.New("job is already running")
	// ErrUnknownJob — задача с таким именем не зарегистрирована.
	ErrUnknownJob = errors.New("unknown job")
)

// Имена задач.
const (
	JobTracking       = "tracking"
	JobNotifications  = "notifications"
	JobAdminAlerts    = "admin_alerts"
	JobAutomation     = "automation"
	JobGuard          = "guard"
	JobAnalyticsDaily = "analytics_daily"
	JobPickupControl  = "pickup_control"
	JobPaymentRetry   = "payment_retry"
	JobReconciliation = "reconciliation"
	JobReturns        = "returns"
	JobOutbox         = "outbox"
)

// Runner — единица работы задачи.
type Runner interface {
	Run(ctx context.Context) error
}

// RunnerFunc адаптирует функцию к Runner.
type RunnerFunc func(ctx context.Context) error

// Run вызывает f(ctx).
func (f RunnerFunc) Run(ctx context.Context) error { return f(ctx) }

// Locker — распределённая защита от параллельного запуска на нескольких инстансах.
type Locker interface {
	// TryLock возвращает release и true, если блокировка захвачена.
	TryLock(ctx context.Context, name string, ttl time.Duration) (func(), bool, error)
}

// DailyAt — ежедневный запуск в заданное время UTC.
type DailyAt struct {
	Hour   int
	Minute int
}

// Job описывает периодическую задачу. Задаётся Interval либо Daily.
type Job struct {
	Name     string
	Interval time.Duration
	Daily    *DailyAt
	Timeout  time.Duration
	Runner   Runner
}

// Status — состояние задачи для админского API.
type Status struct {
	Name         string        `json:"name"`
	Interval     string        `json:"interval"`
	Running      bool          `json:"running"`
	Runs         int64         `json:"runs"`
	Skipped      int64         `json:"skipped"`
	LastStartAt  *time.Time    `json:"last_start_at,omitempty"`
	LastDuration time.Duration `json:"last_duration_ns"`
	LastError    string        `json:"last_error,omitempty"`
}

type jobState struct {
	job     Job
	running atomic.Bool

	mu           sync.Mutex
	runs         int64
	skipped      int64
	lastStartAt  *time.Time
	lastDuration time.Duration
	lastError    string
}

// Options задаёт параметры планировщика.
type Options struct {
	Logger  *log.Entry
	Clock   clock.Clock
	Metrics *metrics.LifecycleMetrics
	Locker  Locker
}

// Option настраивает Scheduler.
type Option func(*Options)

// WithLogger задаёт logger.
func WithLogger(logger *log.Entry) Option {
	return func(opts *Options) { opts.Logger = logger }
}

// WithClock задаёт источник времени для отметок запусков.
func WithClock(c clock.Clock) Option {
	return func(opts *Options) { opts.Clock = c }
}

// WithMetrics задаёт коллекторы метрик.
func WithMetrics(m *metrics.LifecycleMetrics) Option {
	return func(opts *Options) { opts.Metrics = m }
}

// WithLocker включает распределённую блокировку задач.
func WithLocker(l Locker) Option {
	return func(opts *Options) { opts.Locker = l }
}

// Scheduler запускает именованные задачи по расписанию без перекрытий.
type Scheduler struct {
	logger  *log.Entry
	clock   clock.Clock
	metrics *metrics.LifecycleMetrics
	locker  Locker

	mu   sync.RWMutex
	jobs map[string]*jobState
}

// New создаёт планировщик.
func New(options ...Option) *Scheduler {
	var opts Options
	for _, option := range options {
		option(&opts)
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.WithField("component", "scheduler")
	}
	return &Scheduler{
		logger:  logger,
		clock:   clock.OrDefault(opts.Clock),
		metrics: metrics.OrDefault(opts.Metrics),
		locker:  opts.Locker,
		jobs:    make(map[string]*jobState),
	}
}

// Register добавляет задачу. Имя должно быть уникальным.
func (s *Scheduler) Register(job Job) error {
	if job.Name == "" || job.Runner == nil {
		return fmt.Errorf("job name and runner are required")
	}
	if job.Interval <= 0 && job.Daily == nil {
		return fmt.Errorf("job %s: interval or daily schedule is required", job.Name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.Name]; exists {
		return fmt.Errorf("job %s already registered", job.Name)
	}
	s.jobs[job.Name] = &jobState{job: job}
	return nil
}

// Start запускает все задачи и блокируется до отмены ctx.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.RLock()
	states := make([]*jobState, 0, len(s.jobs))
	for _, st := range s.jobs {
		states = append(states, st)
	}
	s.mu.RUnlock()

	var wg sync.WaitGroup
	for _, st := range states {
		wg.Add(1)
		go func(st *jobState) {
			defer wg.Done()
			s.loop(ctx, st)
		}(st)
	}
	s.logger.WithField("jobs", len(states)).Info("scheduler started")

	<-ctx.Done()
	wg.Wait()
	s.logger.Info("scheduler stopped")
	return nil
}

func (s *Scheduler) loop(ctx context.Context, st *jobState) {
	for {
		wait := st.job.Interval
		if st.job.Daily != nil {
			now := s.clock.Now()
			wait = NextDaily(now, *st.job.Daily).Sub(now)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		if err := s.execute(ctx, st); err != nil && !errors.Is(err, ErrJobRunning) {
			s.logger.WithError(err).WithField("job", st.job.Name).Warn("job run failed")
		}
	}
}

// RunNow синхронно запускает задачу вне расписания.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.RLock()
	st, ok := s.jobs[name]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%s: %w", name, ErrUnknownJob)
	}
	return s.execute(ctx, st)
}

func (s *Scheduler) execute(ctx context.Context, st *jobState) error {
	name := st.job.Name
	if !st.running.CompareAndSwap(false, true) {
		s.skip(st)
		return fmt.Errorf("%s: %w", name, ErrJobRunning)
	}
	defer st.running.Store(false)

	if s.locker != nil {
		release, ok, err := s.locker.TryLock(ctx, name, s.lockTTL(st.job))
		if err != nil {
			return fmt.Errorf("lock job %s: %w", name, err)
		}
		if !ok {
			s.skip(st)
			return fmt.Errorf("%s: %w", name, ErrJobRunning)
		}
		defer release()
	}

	runCtx := ctx
	if st.job.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, st.job.Timeout)
		defer cancel()
	}

	startedAt := s.clock.Now()
	begin := time.Now()
	s.metrics.RecordJobStarted()
	err := st.job.Runner.Run(runCtx)
	duration := time.Since(begin)
	s.metrics.RecordJobFinished(name, duration, err)

	st.mu.Lock()
	st.runs++
	st.lastStartAt = &startedAt
	st.lastDuration = duration
	st.lastError = ""
	if err != nil {
		st.lastError = err.Error()
	}
	st.mu.Unlock()

	return err
}

func (s *Scheduler) skip(st *jobState) {
	s.metrics.RecordJobSkipped(st.job.Name)
	st.mu.Lock()
	st.skipped++
	st.mu.Unlock()
	s.logger.WithField("job", st.job.Name).Debug("previous run still in progress, skipping")
}

func (s *Scheduler) lockTTL(job Job) time.Duration {
	if job.Timeout > 0 {
		return job.Timeout
	}
	if job.Interval >= time.Minute {
		return job.Interval
	}
	return time.Minute
}

// Jobs возвращает состояние всех задач по имени.
func (s *Scheduler) Jobs() []Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]Status, 0, len(s.jobs))
	for _, st := range s.jobs {
		st.mu.Lock()
		status := Status{
			Name:         st.job.Name,
			Interval:     describeSchedule(st.job),
			Running:      st.running.Load(),
			Runs:         st.runs,
			Skipped:      st.skipped,
			LastStartAt:  st.lastStartAt,
			LastDuration: st.lastDuration,
			LastError:    st.lastError,
		}
		st.mu.Unlock()
		result = append(result, status)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result
}

// NextDaily возвращает ближайший момент hh:mm UTC строго после now.
func NextDaily(now time.Time, at DailyAt) time.Time {
	now = now.UTC()
	next := time.Date(now.Year(), now.Month(), now.Day(), at.Hour, at.Minute, 0, 0, time.UTC)
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

func describeSchedule(job Job) string {
	if job.Daily != nil {
		return fmt.Sprintf("daily %02d:%02d UTC", job.Daily.Hour, job.Daily.Minute)
	}
	return job.Interval.String()
}
