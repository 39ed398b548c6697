// Package app собирает сервис маркетплейса: хранилище, провайдеров, фоновые
// задачи, HTTP API, gRPC health и сервер метрик.
package app

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	promgrpc "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/vladislavdragonenkov/marketplace/internal/clock"
	healthcheck "github.com/vladislavdragonenkov/marketplace/internal/health"
	"github.com/vladislavdragonenkov/marketplace/internal/httpapi"
	"github.com/vladislavdragonenkov/marketplace/internal/metrics"
	"github.com/vladislavdragonenkov/marketplace/internal/scheduler"
	"github.com/vladislavdragonenkov/marketplace/internal/version"
)

const (
	shutdownTimeout        = 5 * time.Second
	readinessProbeInterval = 10 * time.Second
)

// Run поднимает сервис и блокируется до отмены ctx или падения одного из серверов.
func Run(ctx context.Context, cfg Config) error {
	logger := log.WithField("component", "app")
	clk := clock.System{}

	deps, err := initRuntimeDependencies(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if deps.closeFn != nil {
		defer func() {
			if err := deps.closeFn(); err != nil {
				logger.WithError(err).Warn("failed to close storage")
			}
		}()
	}

	in, err := initIntegrations(ctx, cfg, clk, logger)
	if err != nil {
		return err
	}
	defer in.close(logger)

	lifecycleMetrics := metrics.NewLifecycleMetrics()
	svc, err := buildServices(cfg, deps.store, in, clk, lifecycleMetrics, logger)
	if err != nil {
		return err
	}

	opts := []scheduler.Option{
		scheduler.WithLogger(logger.WithField("component", "scheduler")),
		scheduler.WithClock(clk),
		scheduler.WithMetrics(lifecycleMetrics),
	}
	if in.locker != nil {
		opts = append(opts, scheduler.WithLocker(in.locker))
	}
	sched := scheduler.New(opts...)
	if err := registerJobs(sched, svc, cfg); err != nil {
		return err
	}

	auth, err := newAuthenticator(cfg, clk, logger)
	if err != nil {
		return err
	}
	router := httpapi.NewRouter(httpapi.Deps{
		Auth:        auth,
		Ingress:     svc.ingress,
		Decider:     svc.decider,
		Payments:    svc.payments,
		Health:      svc.payHealth,
		Checkout:    svc.checkout,
		Refunds:     svc.refunds,
		Timeline:    svc.timeline,
		Machine:     svc.machine,
		TTN:         svc.ttn,
		Guard:       svc.guard,
		Jobs:        sched,
		Idempotency: deps.store.Idempotency,
		Clock:       clk,
		Logger:      logger.WithField("component", "httpapi"),
	}, httpapi.Config{CORSOrigins: cfg.CORSOrigins})

	healthHandler := healthcheck.NewHandler(version.GetVersion())
	healthHandler.RegisterChecker("storage", deps.storageChecker)
	healthHandler.RegisterChecker("outbox", healthcheck.OutboxChecker{
		Events: deps.store.Events,
		MaxLag: cfg.OutboxMaxLag,
		Clock:  clk,
	})

	grpcServer, healthServer := newGRPCServer(logger)

	httpLis, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		return err
	}
	grpcLis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		_ = httpLis.Close()
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	metricsSrv := startMetricsServer(gctx, cfg.MetricsAddr, logger, healthHandler)
	httpSrv := &http.Server{Handler: router, ReadHeaderTimeout: 10 * time.Second}

	g.Go(func() error {
		logger.Infof("HTTP API слушает %s", httpLis.Addr())
		if err := httpSrv.Serve(httpLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		logger.Infof("gRPC сервер слушает %s", grpcLis.Addr())
		if err := grpcServer.Serve(grpcLis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return sched.Start(gctx)
	})
	g.Go(func() error {
		watchReadiness(gctx, healthHandler, healthServer)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("получен сигнал остановки, останавливаем серверы")
		healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
		shutdownHTTP(httpSrv, logger)
		stopGRPC(grpcServer, logger)
		shutdownHTTP(metricsSrv, logger)
		return nil
	})

	err = g.Wait()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func newAuthenticator(cfg Config, clk clock.Clock, logger *log.Entry) (*httpapi.Authenticator, error) {
	secret := cfg.JWTSecret
	if secret == "" {
		secret = clock.NewID()
		logger.Warn("JWT_SECRET is not set, using an ephemeral secret; external tokens will be rejected")
	}
	return httpapi.NewAuthenticator(httpapi.AuthConfig{
		Secret:    secret,
		Algorithm: cfg.JWTAlg,
		MaxAge:    time.Duration(cfg.AccessTokenTTLDays) * 24 * time.Hour,
	}, clk)
}

// newGRPCServer создаёт gRPC-сервер с health-сервисом и метриками Prometheus.
func newGRPCServer(logger *log.Entry) (*grpc.Server, *health.Server) {
	grpcMetrics := promgrpc.NewServerMetrics()
	if err := prometheus.Register(grpcMetrics); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok2 := are.ExistingCollector.(*promgrpc.ServerMetrics); ok2 {
				grpcMetrics = existing
			}
		} else {
			logger.WithError(err).Warn("failed to register grpc metrics")
		}
	}

	grpcServer := grpc.NewServer(
		grpc.ChainUnaryInterceptor(grpcMetrics.UnaryServerInterceptor()),
		grpc.ChainStreamInterceptor(grpcMetrics.StreamServerInterceptor()),
	)
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	grpcMetrics.InitializeMetrics(grpcServer)
	reflection.Register(grpcServer)

	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	return grpcServer, healthServer
}

// watchReadiness переводит gRPC health в NOT_SERVING, пока проверки не проходят.
func watchReadiness(ctx context.Context, checks *healthcheck.Handler, srv *health.Server) {
	ticker := time.NewTicker(readinessProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			status := healthpb.HealthCheckResponse_SERVING
			if !checks.Ready(ctx) {
				status = healthpb.HealthCheckResponse_NOT_SERVING
			}
			srv.SetServingStatus("", status)
		}
	}
}

func stopGRPC(srv *grpc.Server, logger *log.Entry) {
	stopped := make(chan struct{})
	go func() {
		srv.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(shutdownTimeout):
		logger.Warn("graceful stop превысил таймаут, принудительно останавливаем")
		srv.Stop()
	}
}

// startMetricsServer запускает HTTP-обработчики /metrics и health probes.
func startMetricsServer(ctx context.Context, addr string, logger *log.Entry, healthHandler *healthcheck.Handler) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/healthz", healthHandler)
	mux.HandleFunc("/livez", healthcheck.LivenessHandler)
	mux.HandleFunc("/readyz", healthHandler.ReadinessHandler)

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		logger.Infof("метрики доступны по адресу %s/metrics", addr)
		logger.Infof("health checks: %s/healthz, %s/livez, %s/readyz", addr, addr, addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Warn("metrics server failed")
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownHTTP(srv, logger)
	}()

	return srv
}

// shutdownHTTP аккуратно останавливает HTTP-сервер.
func shutdownHTTP(srv *http.Server, logger *log.Entry) {
	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.WithError(err).Warn("http shutdown with error")
	}
}
