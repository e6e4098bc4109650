// cmd/docgen-server/main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"docgen/internal/api"
	"docgen/internal/cache"
	awsclient "docgen/internal/common/aws"
	"docgen/internal/common/config"
	"docgen/internal/common/database"
	httpclient "docgen/internal/common/http"
	"docgen/internal/common/logger"
	"docgen/internal/common/observability"
	"docgen/internal/jobs"
	"docgen/internal/markup"
	"docgen/internal/notifier"
	"docgen/internal/pipeline"
	"docgen/internal/ratelimit"
	"docgen/internal/render"
	"docgen/internal/storage"
)

// retryWithBackoff attempts to execute a function with exponential backoff
func retryWithBackoff(ctx context.Context, operation func() error, maxRetries int, initialDelay time.Duration, log *zap.Logger, operationName string) error {
	var err error
	delay := initialDelay

	for i := 0; i < maxRetries; i++ {
		err = operation()
		if err == nil {
			return nil
		}

		if i < maxRetries-1 {
			log.Warn(fmt.Sprintf("%s failed, retrying...", operationName),
				zap.Error(err),
				zap.Int("attempt", i+1),
				zap.Int("maxRetries", maxRetries),
				zap.Duration("nextRetryIn", delay),
			)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", operationName, maxRetries, err)
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		os.Exit(1)
	}

	zapLog := logger.NewFromConfig(cfg.Logging)
	defer zapLog.Sync()
	log := logger.NewZapAdapter(zapLog)

	zapLog.Info("Starting docgen server...",
		zap.String("version", cfg.App.Version),
		zap.String("environment", cfg.App.Environment),
		zap.String("runtime", cfg.App.Runtime),
	)

	obs := observability.New(cfg.App.Name)
	defer obs.Shutdown()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Init Redis and PostgreSQL concurrently, both with retry ---
	var (
		redisClient *database.RedisClient
		pg          *database.PostgresClient
	)
	g, gctx := errgroup.WithContext(ctx)
	if cfg.Database.Redis.Configured() {
		g.Go(func() error {
			return retryWithBackoff(gctx, func() error {
				client, err := database.NewRedis(cfg.Database.Redis)
				if err != nil {
					return err
				}
				if err := client.Ping(gctx); err != nil {
					_ = client.Close()
					return err
				}
				redisClient = client
				return nil
			}, 10, 2*time.Second, zapLog, "Redis connection")
		})
	}
	if cfg.Database.Postgres.Enabled {
		g.Go(func() error {
			return retryWithBackoff(gctx, func() error {
				client, err := database.NewPostgres(cfg.Database.Postgres)
				if err != nil {
					return err
				}
				if err := client.Ping(gctx); err != nil {
					_ = client.Close()
					return err
				}
				pg = client
				return nil
			}, 15, 2*time.Second, zapLog, "PostgreSQL connection")
		})
	}
	if err := g.Wait(); err != nil {
		zapLog.Fatal("dependency initialisation failed", zap.Error(err))
	}
	if redisClient != nil {
		defer redisClient.Close()
		zapLog.Info("Redis connected successfully")
	}
	if pg != nil {
		defer pg.Close()
		zapLog.Info("PostgreSQL connected successfully")
	}

	rdb := redisClientOf(redisClient)

	// --- Stores, limiter and queue ---
	cacheCfg := cache.LoadConfig(cfg)
	cacheStore, err := cache.NewStore(cacheCfg, rdb)
	if err != nil {
		zapLog.Fatal("cache store init failed", zap.Error(err))
	}
	contentCache := cache.New(cacheCfg, cacheStore, log)

	limiter, err := ratelimit.NewLimiter(cfg.RateLimit, rdb, log)
	if err != nil {
		zapLog.Fatal("rate limiter init failed", zap.Error(err))
	}
	guard := ratelimit.NewGuard(limiter, ratelimit.NewPolicy(cfg.RateLimit), log)

	jobsCfg := jobs.LoadConfig(cfg)
	queue, err := jobs.NewQueue(jobsCfg, rdb, log)
	if err != nil {
		zapLog.Fatal("job queue init failed", zap.Error(err))
	}
	defer queue.Close()

	var jobStore jobs.Store = jobs.NewMemoryStore()
	if pg != nil {
		pgStore := jobs.NewPostgresStore(pg.DB, log)
		if err := pgStore.EnsureSchema(ctx); err != nil {
			zapLog.Fatal("job schema init failed", zap.Error(err))
		}
		jobStore = pgStore
	}

	results, err := storage.NewResultStore(ctx, cfg.Storage, log)
	if err != nil {
		zapLog.Fatal("result store init failed", zap.Error(err))
	}

	// --- Markup generator ---
	markupCfg := markup.LoadConfig(cfg)
	upstream := httpclient.NewClient(markupCfg.Timeout)
	defer upstream.CloseIdleConnections()
	ring, err := markup.NewKeyRing(ctx, cfg.GenAI.APIKeys, upstream.HTTPClient(), markupCfg.KeyCooldown)
	if err != nil {
		zapLog.Fatal("genai client init failed", zap.Error(err))
	}
	if ring.Len() == 0 {
		zapLog.Warn("no GenAI API keys configured, every document uses the fallback template")
	}
	generator := markup.NewGenerator(markupCfg, ring, log)

	// --- Render chain ---
	page := render.LoadPageOptions(cfg)
	pool := startRenderPool(ctx, cfg, log, zapLog)
	if pool != nil {
		defer pool.Close()
	}
	chain := pipeline.BuildChain(pool, page, render.NewDegradedRenderer(page, log), log)

	// --- Notifier and outbound events ---
	jobNotifier := notifier.New(notifier.LoadConfig(cfg), log)
	defer jobNotifier.Close()

	var events pipeline.EventSink
	if cfg.Events.SNS.Enabled {
		snsClient, err := awsclient.NewSNSClient(ctx, cfg.Events.SNS.Region)
		if err != nil {
			zapLog.Fatal("sns client init failed", zap.Error(err))
		}
		events = awsclient.NewSNSPublisher(snsClient, cfg.Events.SNS.TopicARN, log)
	}

	pipelineCfg := pipeline.LoadConfig(cfg)
	orchestrator, err := pipeline.NewOrchestrator(pipelineCfg, pipeline.Dependencies{
		Jobs:          jobStore,
		Queue:         queue,
		Cache:         contentCache,
		Guard:         guard,
		Generator:     generator,
		Chain:         chain,
		Results:       results,
		Notifier:      jobNotifier,
		Events:        events,
		Observability: obs,
	}, log)
	if err != nil {
		zapLog.Fatal("orchestrator init failed", zap.Error(err))
	}

	zapLog.Info("Pipeline ready",
		zap.String("cache", contentCache.Backend()),
		zap.String("results", results.Backend()),
		zap.Strings("renderStrategies", chain.Strategies()),
		zap.Int("workers", pipelineCfg.Workers),
	)

	// --- HTTP server ---
	checks := map[string]api.ReadinessCheck{}
	if redisClient != nil {
		checks["redis"] = redisClient.Ping
	}
	if pg != nil {
		checks["postgres"] = pg.Ping
	}
	server := api.NewServer(&api.Config{}, orchestrator, guard, checks, log)

	httpServer := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      server.Router(),
		ReadTimeout:  config.GetDuration(cfg.Server.ReadTimeout),
		WriteTimeout: config.GetDuration(cfg.Server.WriteTimeout),
	}

	dispatcher := pipeline.NewDispatcher(orchestrator, queue, pipelineCfg.Workers, log)

	run, runCtx := errgroup.WithContext(ctx)
	run.Go(func() error {
		zapLog.Info("HTTP server listening", zap.String("address", cfg.Server.Address))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	run.Go(func() error {
		if cfg.App.IsServerless() {
			return runInvocations(runCtx, dispatcher, pipelineCfg.Batch, zapLog)
		}
		return dispatcher.Run(runCtx)
	})
	run.Go(func() error {
		<-runCtx.Done()
		zapLog.Info("Shutdown signal received, draining...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), config.GetDuration(cfg.Server.ShutdownTimeout))
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := run.Wait(); err != nil {
		zapLog.Error("server stopped with error", zap.Error(err))
	}
	zapLog.Info("Docgen server stopped")
}

func redisClientOf(c *database.RedisClient) *redis.Client {
	if c == nil {
		return nil
	}
	return c.Client
}

// startRenderPool builds the headless browser pool and proves it with one
// launch. Any failure leaves the degraded path as the only strategy.
func startRenderPool(ctx context.Context, cfg *config.Config, log logger.Logger, zapLog *zap.Logger) *render.Pool {
	if !cfg.Render.Enabled {
		zapLog.Info("Render pool disabled by configuration")
		return nil
	}
	if cfg.App.IsServerless() {
		zapLog.Info("Render pool skipped on serverless runtime")
		return nil
	}

	pool, err := render.NewPool(render.LoadPoolConfig(cfg), render.NewRodLauncher(render.LoadLaunchConfig(cfg), log), log)
	if err != nil {
		zapLog.Warn("render pool unavailable, using degraded renderer", zap.Error(err))
		return nil
	}

	warmCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := pool.Warm(warmCtx); err != nil {
		zapLog.Warn("headless browser failed to start, using degraded renderer", zap.Error(err))
		_ = pool.Close()
		return nil
	}
	zapLog.Info("Render pool ready", zap.Int("size", cfg.Render.PoolSize))
	return pool
}

// runInvocations drains the queue in bounded batches. Between batches the
// process idles so the host can freeze it.
func runInvocations(ctx context.Context, d *pipeline.Dispatcher, limits pipeline.BatchLimits, zapLog *zap.Logger) error {
	for {
		report, err := d.RunBatch(ctx, limits)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		if report.Processed > 0 {
			zapLog.Info("invocation batch finished",
				zap.Int("processed", report.Processed),
				zap.String("stoppedBy", report.StoppedBy),
			)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(time.Second):
		}
	}
}
