// Package app собирает сервис отслеживания заказов из конфигурации и управляет его жизненным циклом.
package app

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"

	"github.com/vladislavdragonenkov/ordertrack/internal/domain"
	healthcheck "github.com/vladislavdragonenkov/ordertrack/internal/health"
	"github.com/vladislavdragonenkov/ordertrack/internal/jobs"
	"github.com/vladislavdragonenkov/ordertrack/internal/metrics"
	"github.com/vladislavdragonenkov/ordertrack/internal/service/idempotency"
	"github.com/vladislavdragonenkov/ordertrack/internal/service/orders"
	"github.com/vladislavdragonenkov/ordertrack/internal/tracking"
	"github.com/vladislavdragonenkov/ordertrack/internal/transport/grpcapi"
	"github.com/vladislavdragonenkov/ordertrack/internal/transport/httpapi"
	"github.com/vladislavdragonenkov/ordertrack/internal/version"
)

// notifier: Hub или Poller, в зависимости от режима отслеживания.
type notifier interface {
	orders.Notifier
	ReapIdle(before time.Time) int
	Close()
}

// application описывает собранный, но ещё не запущенный сервис.
type application struct {
	cfg    Config
	logger *log.Entry

	deps      *runtimeDependencies
	service   *orders.Service
	notifier  notifier
	hub       *tracking.Hub
	kafka     *kafkaRuntime
	scheduler *jobs.Scheduler

	health     *healthcheck.Handler
	api        http.Handler
	metrics    http.Handler
	grpcServer *grpc.Server
	grpcHealth *grpchealth.Server
}

// Run собирает сервис, запускает серверы и фоновые задачи и блокируется до отмены ctx
// или ошибки одного из серверов.
func Run(ctx context.Context, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	a, err := newApplication(ctx, cfg, prometheus.DefaultRegisterer, prometheus.DefaultGatherer)
	if err != nil {
		return err
	}
	return a.run(ctx)
}

func newApplication(ctx context.Context, cfg Config, registerer prometheus.Registerer, gatherer prometheus.Gatherer) (*application, error) {
	logger := log.WithField("component", "app")

	deps, err := initRuntimeDependencies(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	a := &application{cfg: cfg, logger: logger, deps: deps}

	switch cfg.TrackingMode {
	case TrackingModePoll:
		a.notifier = tracking.NewPoller(deps.orders, cfg.PollInterval, nil)
	default:
		a.hub = tracking.NewHub(tracking.DefaultConfig(), nil, metrics.NewNotifierMetricsWithRegisterer(registerer))
		a.notifier = a.hub
	}

	a.kafka, err = initKafka(cfg, deps.outbox, metrics.NewOutboxMetricsWithRegisterer(registerer), logger)
	if err != nil {
		logger.WithError(err).Warn("failed to create kafka producer, continuing without kafka")
		a.kafka = nil
	}

	facadeDeps := orders.Dependencies{
		Orders:   deps.orders,
		Stats:    deps.stats,
		Catalog:  deps.catalog,
		Payment:  deps.payment,
		Notifier: a.notifier,
		Metrics:  metrics.NewOrderMetricsWithRegisterer(registerer),
	}
	if a.kafka != nil {
		facadeDeps.Outbox = deps.outbox
	}
	machine := domain.NewStateMachine(cfg.RefundWindow, cfg.CancelledRefundWindow)
	a.service = orders.NewService(facadeDeps, machine, nil)

	a.scheduler = jobs.NewScheduler(nil, metrics.NewMaintenanceMetricsWithRegisterer(registerer))
	if err := a.scheduleJobs(); err != nil {
		a.release()
		return nil, err
	}

	auth := httpapi.NewAuthenticator(cfg.JWTSecret, cfg.JWTIssuer)
	guard := idempotency.NewGuard(deps.idempotency, cfg.IdempotencyTTL, nil)
	a.api = httpapi.NewRouter(httpapi.NewHandler(a.service, guard, cfg.PollInterval, nil), auth, nil)
	a.grpcServer, a.grpcHealth = grpcapi.NewServer(grpcapi.NewTrackingServer(a.service, auth, nil), registerer)

	a.health = healthcheck.NewHandler(version.GetVersion())
	if deps.storagePing != nil {
		a.health.RegisterChecker("storage", healthcheck.NewCheckFunc("storage", deps.storagePing))
	}
	if deps.cachePing != nil {
		a.health.RegisterOptional("stats_cache", healthcheck.NewCheckFunc("stats_cache", deps.cachePing))
	}
	a.metrics = metricsMux(gatherer, a.health)

	return a, nil
}

func (a *application) scheduleJobs() error {
	tasks := []jobs.Task{
		jobs.IdempotencyCleanupTask(idempotency.NewCleaner(a.deps.idempotency, a.cfg.IdempotencyCleanupBatchSize), a.cfg.IdempotencyCleanupSchedule),
	}
	if a.notifier != nil {
		tasks = append(tasks, jobs.IdleSubscriptionTask(a.notifier, a.cfg.SubscriptionIdleAfter, a.cfg.IdleSubscriptionsSchedule))
	}
	if a.kafka != nil {
		tasks = append(tasks, jobs.OutboxPurgeTask(a.kafka.worker, a.cfg.OutboxRetention, a.cfg.OutboxPurgeSchedule))
	}
	for _, task := range tasks {
		if err := a.scheduler.Add(task); err != nil {
			return err
		}
	}
	return nil
}

func (a *application) run(ctx context.Context) error {
	grpcLis, err := net.Listen("tcp", a.cfg.GRPCAddr)
	if err != nil {
		a.release()
		return err
	}
	httpLis, err := net.Listen("tcp", a.cfg.HTTPAddr)
	if err != nil {
		_ = grpcLis.Close()
		a.release()
		return err
	}

	bgCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	var bg sync.WaitGroup

	if a.kafka != nil {
		bg.Add(1)
		go func() {
			defer bg.Done()
			a.kafka.worker.Run(bgCtx)
		}()
		if a.hub != nil {
			if err := a.kafka.startRelay(bgCtx, a.cfg, a.hub); err != nil {
				a.logger.WithError(err).Warn("kafka relay disabled")
			}
		}
	}
	a.scheduler.Start()

	metricsSrv := startMetricsServer(a.cfg.MetricsAddr, a.metrics, a.logger)
	httpSrv := &http.Server{Handler: a.api, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 2)
	go func() {
		a.logger.Infof("HTTP API слушает %s", httpLis.Addr())
		if err := httpSrv.Serve(httpLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	go func() {
		a.logger.Infof("gRPC сервер слушает %s", grpcLis.Addr())
		if err := a.grpcServer.Serve(grpcLis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		a.logger.Info("получен сигнал остановки, останавливаем сервис")
		runErr = ctx.Err()
	case runErr = <-errCh:
		a.logger.WithError(runErr).Error("сервер завершился с ошибкой")
	}

	a.shutdown(httpSrv, metricsSrv)
	cancel()
	bg.Wait()
	a.release()
	return runErr
}

// shutdown останавливает приём запросов: сначала серверы, затем фоновые задачи.
func (a *application) shutdown(httpSrv, metricsSrv *http.Server) {
	a.grpcHealth.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
	defer cancel()

	shutdownHTTP(shutdownCtx, httpSrv, a.logger)

	stopped := make(chan struct{})
	go func() {
		a.grpcServer.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-shutdownCtx.Done():
		a.logger.Warn("graceful stop превысил таймаут, принудительно останавливаем")
		a.grpcServer.Stop()
	}

	a.scheduler.Stop(shutdownCtx)
	shutdownHTTP(shutdownCtx, metricsSrv, a.logger)
}

// release закрывает подписки, Kafka и хранилища.
func (a *application) release() {
	if a.notifier != nil {
		a.notifier.Close()
	}
	a.kafka.close()
	if err := a.deps.Close(); err != nil {
		a.logger.WithError(err).Warn("failed to close storage")
	}
}

func metricsMux(gatherer prometheus.Gatherer, health *healthcheck.Handler) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.Handle("/healthz", health)
	mux.HandleFunc("/readyz", health.ReadinessHandler)
	mux.HandleFunc("/livez", healthcheck.LivenessHandler)
	return mux
}

// startMetricsServer запускает HTTP-обработчик /metrics и health-проверок.
func startMetricsServer(addr string, handler http.Handler, logger *log.Entry) *http.Server {
	srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Infof("метрики доступны по адресу %s/metrics", addr)
		logger.Infof("health checks: %s/healthz, %s/readyz, %s/livez", addr, addr, addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Warn("metrics server failed")
		}
	}()
	return srv
}

// shutdownHTTP аккуратно останавливает HTTP-сервер.
func shutdownHTTP(ctx context.Context, srv *http.Server, logger *log.Entry) {
	if srv == nil {
		return
	}
	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.WithError(err).Warn("http shutdown with error")
	}
}
