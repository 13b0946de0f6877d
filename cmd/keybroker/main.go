package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/xiaopang/keybroker/internal/api"
	"github.com/xiaopang/keybroker/internal/config"
	"github.com/xiaopang/keybroker/internal/core"
	"github.com/xiaopang/keybroker/internal/logger"
	"github.com/xiaopang/keybroker/internal/queue"
	"github.com/xiaopang/keybroker/internal/reconcile"
	"github.com/xiaopang/keybroker/internal/store"
)

func main() {
	configPath := flag.String("config", "", "optional YAML config file; environment variables take precedence over its values")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Errorf("failed to load config: %v", err)
		return
	}
	logger.Info("config loaded", "configPath", *configPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	keyStore, err := store.New(ctx, cfg.Mongo.URI, cfg.Mongo.DBName)
	if err != nil {
		logger.Errorf("failed to init key store: %v", err)
		return
	}
	defer keyStore.Close(context.Background())
	logger.Info("key store connected", "dbName", cfg.Mongo.DBName)

	policy := core.NewPlanPolicy(cfg.Plans.ProIntervalMs, cfg.Plans.UltimateIntervalMs)
	registry := core.NewRegistry(keyStore, policy)
	engine := core.NewEngine(keyStore)

	scheduler := core.NewScheduler(keyStore)
	scheduler.Start(ctx)
	defer scheduler.Stop()
	logger.Info("maintenance scheduler started")

	syncer := reconcile.NewConfigSyncer(registry)
	syncer.KeysJSON = cfg.Preload.KeysJSON
	syncer.KeysJSONPath = cfg.Preload.KeysJSONPath
	syncer.KeysWithPlan = cfg.Preload.KeysWithPlan
	syncer.Keys = cfg.Preload.Keys
	if cfg.Preload.DefaultPlan != "" {
		syncer.DefaultPlan = cfg.Preload.DefaultPlan
	}
	if err := syncer.Sync(ctx); err != nil {
		logger.Warn("initial config sync failed", "error", err)
	}

	prober := reconcile.NewHealthProber(registry, nil)
	prober.Start(ctx)
	defer prober.Stop()
	logger.Info("health prober started")

	var waitQueue *queue.WaitQueue
	if redisOptions, ok := resolveRedisOptions(cfg); ok {
		redisOpt := asynq.RedisClientOpt{Addr: redisOptions.Addr, Password: redisOptions.Password, DB: redisOptions.DB}
		rdb := redis.NewClient(redisOptions)
		waitQueue = queue.New(queue.Config{
			Concurrency:      cfg.Queue.Concurrency,
			BackoffMs:        cfg.Queue.BackoffMs,
			MaxWaitMs:        cfg.Queue.MaxWaitMs,
			RequestTimeoutMs: cfg.Queue.RequestTimeoutMs,
		}, engine, redisOpt, rdb)

		go func() {
			if err := waitQueue.Run(); err != nil {
				logger.Errorf("wait queue worker stopped: %v", err)
			}
		}()
		defer waitQueue.Shutdown()
		logger.Info("wait queue started", "concurrency", cfg.Queue.Concurrency)
	} else {
		logger.Warn("no Redis configured, /key/available/queued will fall back to a single non-blocking attempt")
	}

	handler := api.NewKeyHandler(engine, registry, policy, waitQueue)
	router := api.SetupRouter(handler, cfg.AdminKey)

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{Addr: addr, Handler: router}

	srvErr := make(chan error, 1)
	go func() {
		logger.Info("keybroker starting", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srvErr <- err
		}
		close(srvErr)
	}()

	select {
	case err := <-srvErr:
		if err != nil {
			logger.Errorf("failed to start server: %v", err)
			return
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received, draining connections")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server shutdown error", "error", err)
	}

	_ = logger.Sync()
	logger.Info("server stopped gracefully")
}

// resolveRedisOptions builds *redis.Options from either REDIS_URL or the
// discrete host/port/password fields, per spec.md §6's configuration
// surface. ok is false when neither is configured.
func resolveRedisOptions(cfg *config.Config) (*redis.Options, bool) {
	if cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			logger.Warn("invalid REDIS_URL, ignoring", "error", err)
			return nil, false
		}
		return opts, true
	}
	if cfg.Redis.Host == "" {
		return nil, false
	}
	return &redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port),
		Password: cfg.Redis.Password,
	}, true
}
