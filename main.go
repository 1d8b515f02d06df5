package main

import (
	"context"
	"errors"
	stdlog "log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"cpapsync/internal/analysis"
	"cpapsync/internal/config"
	"cpapsync/internal/db"
	"cpapsync/internal/http/handlers"
	appmw "cpapsync/internal/http/middleware"
	"cpapsync/internal/logging"
	"cpapsync/internal/notify"
	"cpapsync/internal/protocol"
	"cpapsync/internal/store"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	log, err := logging.New(cfg.LogLevel, cfg.LogFormat, "cpapsync")
	if err != nil {
		stdlog.Fatalf("failed to build logger: %v", err)
	}
	defer func() { _ = log.Sync() }()

	if err := run(cfg, log); err != nil {
		log.Fatal("server error", zap.Error(err))
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	analyzer, err := analysis.NewAnalyzer(cfg.Analysis)
	if err != nil {
		return err
	}

	var (
		backend store.Backend
		keys    appmw.KeyStore
	)
	if cfg.DatabaseURL != "" {
		sqlDB, err := db.Connect(cfg)
		if err != nil {
			return err
		}
		if err := db.EnsureBootstrapAPIKeys(sqlDB, cfg); err != nil {
			return err
		}
		backend = store.NewGormBackend(sqlDB)
		if cfg.AuthEnabled() {
			keys = db.NewKeyRepo(sqlDB)
		}
		log.Info("using postgres storage")
	} else {
		backend = store.NewMemoryBackend()
		if cfg.AuthEnabled() {
			static, err := db.NewStaticKeys(cfg.BootstrapTokens())
			if err != nil {
				return err
			}
			keys = static
		}
		log.Warn("CPAP_DATABASE_URL not set, history is kept in memory only")
	}
	if keys == nil {
		log.Warn("no API keys configured, authentication is disabled")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := handlers.NewMetrics(reg)

	opts := []store.Option{
		store.WithCommitHook(metrics.ObserveCommit),
		store.WithVacateHook(metrics.ForgetRoom),
	}
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
		defer client.Close()

		pingCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := client.Ping(pingCtx).Err(); err != nil {
			log.Warn("redis not reachable at startup, publishing stays best effort",
				zap.String("addr", cfg.RedisAddr), zap.Error(err))
		}
		cancel()

		pub := notify.NewRedisPublisher(client, cfg.RedisStream, cfg.RedisStreamMaxLen)
		queue := notify.NewQueue(pub, 1024, 2*time.Second, log)
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := queue.Close(closeCtx); err != nil {
				log.Warn("publish queue not drained", zap.Error(err))
			}
		}()
		opts = append(opts, store.WithCommitHook(queue.Hook))
		log.Info("publishing room updates", zap.String("stream", cfg.RedisStream))
	}

	st := store.New(backend, opts...)
	svc := protocol.NewService(analyzer, st, protocol.PressureLimits{
		Min: cfg.MinPressure,
		Max: cfg.MaxPressure,
	}, log)
	metrics.TrackOccupancy(reg, svc.Rooms)

	server := &fasthttp.Server{
		Handler:            handlers.NewRouter(svc, metrics, keys, log),
		Name:               "cpapsync",
		ReadTimeout:        15 * time.Second,
		WriteTimeout:       15 * time.Second,
		IdleTimeout:        60 * time.Second,
		MaxRequestBodySize: 32 << 20,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errc := make(chan error, 1)
	go func() {
		log.Info("cpapsync listening", zap.String("addr", cfg.ListenAddr))
		errc <- server.ListenAndServe(cfg.ListenAddr)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.ShutdownWithContext(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return nil
}
