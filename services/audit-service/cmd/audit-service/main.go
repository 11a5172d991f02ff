package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/md-rashed-zaman/eventrelay/libs/busmon"
	"github.com/md-rashed-zaman/eventrelay/libs/config"
	"github.com/md-rashed-zaman/eventrelay/libs/consumer"
	"github.com/md-rashed-zaman/eventrelay/libs/event"
	"github.com/md-rashed-zaman/eventrelay/libs/grpcx"
	"github.com/md-rashed-zaman/eventrelay/libs/httpx"
	"github.com/md-rashed-zaman/eventrelay/libs/inbox"
	"github.com/md-rashed-zaman/eventrelay/libs/kafkax"
	otelx "github.com/md-rashed-zaman/eventrelay/libs/otel"
	"github.com/md-rashed-zaman/eventrelay/libs/outbox"
	"github.com/md-rashed-zaman/eventrelay/libs/runtime"
	"github.com/md-rashed-zaman/eventrelay/libs/uow"
	"github.com/md-rashed-zaman/eventrelay/services/audit-service/internal/audit"
	"github.com/md-rashed-zaman/eventrelay/services/audit-service/internal/handlers"
	"github.com/md-rashed-zaman/eventrelay/services/audit-service/internal/projection"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "healthcheck" {
		os.Exit(runHealthcheck())
	}
	cfg, err := loadConfig()
	if err != nil {
		panic(err)
	}
	port, err := config.Port("PORT", "8090")
	if err != nil {
		panic(err)
	}
	grpcPort, err := config.Port("GRPC_PORT", "9090")
	if err != nil {
		panic(err)
	}
	logger := runtime.NewLogger(cfg.ServiceName)

	ctx, stop := runtime.SignalContext(context.Background())
	defer stop()

	otelCfg, err := otelx.ConfigFromEnv(cfg.ServiceName)
	if err != nil {
		panic(err)
	}
	otelShutdown, err := otelx.Setup(ctx, otelCfg)
	if err != nil {
		logger.Error("otel setup failed", "err", err)
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = otelShutdown(shutdownCtx)
		}()
	}

	be, err := openBackend(ctx, cfg)
	if err != nil {
		logger.Error("storage setup failed", "driver", cfg.StoreDriver, "err", err)
		panic(err)
	}
	defer be.close()

	writer := kafkax.NewWriter(cfg.KafkaBrokers)
	defer func() { _ = writer.Close() }()

	relay := outbox.NewRelay(be.beginner, be.outbox, writer, logger, cfg.Relay)
	manager := uow.NewManager(be.beginner, outbox.NewEnlister(be.outbox),
		uow.WithAfterCommit(relay.NotifyAfterCommit()),
		uow.WithLogger(logger),
	)

	svc, err := audit.NewService(manager, be.repo, logger)
	if err != nil {
		logger.Error("audit pipeline misconfigured", "err", err)
		panic(err)
	}

	var rdb *redis.Client
	ledgerOpts := []inbox.Option{inbox.WithLogger(logger)}
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer func() { _ = rdb.Close() }()
		ledgerOpts = append(ledgerOpts, inbox.WithCache(inbox.NewRedisCache(rdb, cfg.InboxCacheTTL, "inbox")))
	}
	ledger := inbox.NewLedger(manager, be.inbox, ledgerOpts...)

	registry := event.NewRegistry()
	audit.RegisterEvents(registry)
	consumerHandlers := consumer.NewHandlers()
	projection.NewCounts(be.repo, logger).Register(consumerHandlers)

	monitor := busmon.New(cfg.IdleDebounce)
	defer monitor.Stop()
	if err := monitor.RegisterMetrics("audit.consumer"); err != nil {
		logger.Warn("bus monitor metrics unavailable", "err", err)
	}

	topics := make([]string, 0, len(consumerHandlers.Types()))
	for _, t := range consumerHandlers.Types() {
		topics = append(topics, cfg.Relay.TopicPrefix+t)
	}
	reader := kafkax.NewReader(kafkax.ReaderConfig{
		Brokers: cfg.KafkaBrokers,
		GroupID: cfg.Consumer.GroupID,
		Topics:  topics,
	})
	countsConsumer := consumer.New(projection.ConsumerName, reader, consumerHandlers,
		consumer.WithLedger(ledger),
		consumer.WithRegistry(registry),
		consumer.WithMonitor(monitor),
		consumer.WithDeadLetter(writer),
		consumer.WithLogger(logger),
		consumer.WithConfig(cfg.Consumer),
	)

	var workers sync.WaitGroup
	workers.Add(2)
	go func() {
		defer workers.Done()
		relay.Run(ctx)
	}()
	go func() {
		defer workers.Done()
		countsConsumer.Run(ctx)
	}()

	checks := []runtime.ReadyCheck{
		be.ready,
		{Name: "kafka", Check: kafkax.ReadyCheck(cfg.KafkaBrokers)},
		{Name: "bus", Detail: func() string { return monitor.State().String() }},
	}
	if rdb != nil {
		checks = append(checks, runtime.ReadyCheck{Name: "redis", Check: func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}})
	}
	mux := runtime.NewBaseMuxWithReady(checks...)
	handlers.NewAuditHandler(svc, logger).Register(mux)

	middleware := []httpx.Middleware{
		httpx.WithRecover(logger),
		httpx.WithRequestID,
		httpx.WithActor,
		httpx.WithAccessLog(logger),
	}
	if rdb != nil {
		limiter := httpx.NewRedisRateLimiter(rdb, cfg.RateLimit, time.Minute, "ratelimit:audit")
		middleware = append(middleware, limiter.Middleware(logger, true))
	}
	middleware = append(middleware,
		httpx.WithBodyLimit(cfg.BodyLimit),
		httpx.WithTimeout(cfg.RequestTimeout),
	)
	handler := otelhttp.NewHandler(httpx.Chain(mux, middleware...), "audit")
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	grpcSrv, healthSrv := grpcx.NewServer()
	healthSrv.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	lis, err := net.Listen("tcp", ":"+grpcPort)
	if err != nil {
		logger.Error("grpc listen failed", "err", err)
		panic(err)
	}

	go func() {
		logger.Info("http server starting", "addr", srv.Addr, "driver", cfg.StoreDriver)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "err", err)
		}
	}()
	go func() {
		logger.Info("grpc health server starting", "addr", lis.Addr().String())
		if err := grpcSrv.Serve(lis); err != nil {
			logger.Error("grpc server error", "err", err)
		}
	}()

	<-ctx.Done()
	healthSrv.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.DrainTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "err", err)
	}
	grpcSrv.GracefulStop()

	if err := monitor.WaitIdle(shutdownCtx); err != nil {
		logger.Warn("bus did not go idle before shutdown", "in_flight", monitor.InFlight(), "err", err)
	}
	workers.Wait()

	// Publish what the last requests committed.
	if err := relay.Flush(shutdownCtx); err != nil {
		logger.Warn("final outbox flush failed", "err", err)
	}
	logger.Info("audit service stopped")
}
