package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/urfave/cli/v2"

	"docgen/internal/cache"
	"docgen/internal/common/config"
	"docgen/internal/common/database"
	httpclient "docgen/internal/common/http"
	"docgen/internal/common/logger"
	"docgen/internal/jobs"
	"docgen/internal/markup"
	"docgen/internal/models"
	"docgen/internal/notifier"
	"docgen/internal/pipeline"
	"docgen/internal/ratelimit"
	"docgen/internal/render"
	"docgen/internal/script"
	"docgen/internal/storage"
)

const cliIdentity = "operator:docgen-render"

func loadConfig(c *cli.Context) (*config.Config, error) {
	if path := c.String("config"); path != "" {
		return config.LoadFromFile(path)
	}
	return config.Default(), nil
}

func toolLogger(cfg *config.Config) logger.Logger {
	return logger.NewStructured(cfg.Logging.Level, "console")
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// ==========================
// render
// ==========================

type renderOptions struct {
	Prompt    string
	Tier      string
	Watermark bool
	Brand     string
	NoBrowser bool
}

type renderSummary struct {
	JobID          string `json:"jobId"`
	Output         string `json:"output"`
	Bytes          int    `json:"bytes"`
	MarkupSource   string `json:"markupSource"`
	RenderStrategy string `json:"renderStrategy"`
}

func renderCommand() *cli.Command {
	return &cli.Command{
		Name:  "render",
		Usage: "Generate one document in-process and write the PDF",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "prompt", Aliases: []string{"p"}, Usage: "Prompt describing the document", Required: true},
			&cli.StringFlag{Name: "tier", Value: string(models.TierEnterprise), Usage: "Subscription tier to apply"},
			&cli.StringFlag{Name: "out", Aliases: []string{"o"}, Value: "document.pdf", Usage: "Output file"},
			&cli.StringFlag{Name: "brand", Usage: "Company name printed as the title"},
			&cli.BoolFlag{Name: "watermark", Usage: "Overlay a watermark"},
			&cli.BoolFlag{Name: "no-browser", Usage: "Skip the headless browser and use the direct PDF writer"},
		},
		Action: renderAction,
	}
}

func renderAction(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return cli.Exit(err.Error(), 2)
	}

	outcome, err := renderDocument(c.Context, cfg, renderOptions{
		Prompt:    c.String("prompt"),
		Tier:      c.String("tier"),
		Watermark: c.Bool("watermark"),
		Brand:     c.String("brand"),
		NoBrowser: c.Bool("no-browser"),
	}, toolLogger(cfg))
	if err != nil {
		return cli.Exit(fmt.Sprintf("render failed: %v", err), 1)
	}

	out := c.String("out")
	if err := os.WriteFile(out, outcome.PDF, 0o644); err != nil {
		return cli.Exit(fmt.Sprintf("write %s: %v", out, err), 1)
	}
	return writeJSON(c.App.Writer, renderSummary{
		JobID:          outcome.Job.ID,
		Output:         out,
		Bytes:          len(outcome.PDF),
		MarkupSource:   outcome.Job.MarkupSource,
		RenderStrategy: outcome.Job.RenderStrategy,
	})
}

// renderDocument runs one request through an in-memory pipeline.
func renderDocument(ctx context.Context, cfg *config.Config, opts renderOptions, log logger.Logger) (*pipeline.Outcome, error) {
	dir, err := os.MkdirTemp("", "docgen-render-")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(dir)

	results, err := storage.NewFileStore(dir)
	if err != nil {
		return nil, err
	}

	queue := jobs.NewMemoryQueue(1)
	orch, cleanup, err := newPipeline(ctx, cfg, pipelineParts{
		jobs:      jobs.NewMemoryStore(),
		queue:     queue,
		results:   results,
		noBrowser: opts.NoBrowser,
	}, log)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	job, err := orch.Submit(ctx, &models.GenerationRequest{
		Identity:  cliIdentity,
		Prompt:    opts.Prompt,
		Tier:      models.Tier(opts.Tier),
		Watermark: opts.Watermark,
		Brand:     models.BrandContext{CompanyName: opts.Brand},
	})
	if err != nil {
		return nil, err
	}
	return orch.Process(ctx, job.ID)
}

// ==========================
// detect
// ==========================

func detectCommand() *cli.Command {
	return &cli.Command{
		Name:  "detect",
		Usage: "Print the script profile of a text",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "text", Aliases: []string{"t"}, Usage: "Text to analyse", Required: true},
		},
		Action: func(c *cli.Context) error {
			return writeJSON(c.App.Writer, script.Detect(c.String("text")))
		},
	}
}

// ==========================
// batch
// ==========================

func batchCommand() *cli.Command {
	return &cli.Command{
		Name:  "batch",
		Usage: "Drain queued jobs under invocation limits",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "max-jobs", Usage: "Stop after this many jobs (0 uses pipeline.max_jobs_per_invocation)"},
			&cli.DurationFlag{Name: "max-wall", Usage: "Start no job after this long (0 uses pipeline.max_invocation_time)"},
			&cli.DurationFlag{Name: "idle-wait", Value: time.Second, Usage: "Finish once the queue stays empty this long"},
			&cli.BoolFlag{Name: "no-browser", Usage: "Skip the headless browser and use the direct PDF writer"},
		},
		Action: batchAction,
	}
}

func batchAction(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return cli.Exit(err.Error(), 2)
	}
	if !cfg.Database.Redis.Configured() || !cfg.Database.Postgres.Enabled {
		return cli.Exit("batch needs the shared Redis queue and the PostgreSQL job store", 2)
	}
	log := toolLogger(cfg)

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	redisClient, err := database.NewRedis(cfg.Database.Redis)
	if err != nil {
		return cli.Exit(err.Error(), 2)
	}
	defer redisClient.Close()
	if err := redisClient.Ping(ctx); err != nil {
		return cli.Exit(err.Error(), 2)
	}

	pg, err := database.NewPostgres(cfg.Database.Postgres)
	if err != nil {
		return cli.Exit(err.Error(), 2)
	}
	defer pg.Close()
	if err := pg.Ping(ctx); err != nil {
		return cli.Exit(err.Error(), 2)
	}

	queue := jobs.NewRedisQueue(redisClient.Client, jobs.LoadConfig(cfg).QueueKey, time.Second, log)
	results, err := storage.NewResultStore(ctx, cfg.Storage, log)
	if err != nil {
		return cli.Exit(err.Error(), 2)
	}

	orch, cleanup, err := newPipeline(ctx, cfg, pipelineParts{
		jobs:      jobs.NewPostgresStore(pg.DB, log),
		queue:     queue,
		results:   results,
		rdb:       redisClient.Client,
		noBrowser: c.Bool("no-browser"),
	}, log)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	defer cleanup()

	limits := pipeline.LoadConfig(cfg).Batch
	if n := c.Int("max-jobs"); n > 0 {
		limits.MaxJobs = n
	}
	if d := c.Duration("max-wall"); d > 0 {
		limits.MaxWall = d
	}
	limits.IdleWait = c.Duration("idle-wait")

	workers := cfg.Pipeline.Workers
	report, err := pipeline.NewDispatcher(orch, queue, workers, log).RunBatch(ctx, limits)
	if report != nil {
		_ = writeJSON(c.App.Writer, report)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return cli.Exit(err.Error(), 1)
	}
	return nil
}

// ==========================
// shared wiring
// ==========================

type pipelineParts struct {
	jobs      jobs.Store
	queue     jobs.Queue
	results   storage.ResultStore
	rdb       *redis.Client
	noBrowser bool
}

// newPipeline assembles an orchestrator from the configuration. The
// returned cleanup releases the browser pool and idle connections.
func newPipeline(ctx context.Context, cfg *config.Config, parts pipelineParts, log logger.Logger) (*pipeline.Orchestrator, func(), error) {
	cacheCfg := cache.LoadConfig(cfg)
	store, err := cache.NewStore(cacheCfg, parts.rdb)
	if err != nil {
		return nil, nil, err
	}

	limiter, err := ratelimit.NewLimiter(cfg.RateLimit, parts.rdb, log)
	if err != nil {
		return nil, nil, err
	}

	markupCfg := markup.LoadConfig(cfg)
	upstream := httpclient.NewClient(markupCfg.Timeout)
	ring, err := markup.NewKeyRing(ctx, cfg.GenAI.APIKeys, upstream.HTTPClient(), markupCfg.KeyCooldown)
	if err != nil {
		return nil, nil, err
	}

	page := render.LoadPageOptions(cfg)
	var pool *render.Pool
	if !parts.noBrowser && cfg.Render.Enabled {
		pool, err = render.NewPool(render.LoadPoolConfig(cfg), render.NewRodLauncher(render.LoadLaunchConfig(cfg), log), log)
		if err == nil {
			if werr := pool.Warm(ctx); werr != nil {
				log.Warn("headless browser unavailable, using direct PDF writer", map[string]interface{}{"error": werr.Error()})
				_ = pool.Close()
				pool = nil
			}
		} else {
			pool = nil
		}
	}

	n := notifier.New(notifier.LoadConfig(cfg), log)
	cleanup := func() {
		n.Close()
		if pool != nil {
			_ = pool.Close()
		}
		upstream.CloseIdleConnections()
	}

	orch, err := pipeline.NewOrchestrator(pipeline.LoadConfig(cfg), pipeline.Dependencies{
		Jobs:      parts.jobs,
		Queue:     parts.queue,
		Cache:     cache.New(cacheCfg, store, log),
		Guard:     ratelimit.NewGuard(limiter, ratelimit.NewPolicy(cfg.RateLimit), log),
		Generator: markup.NewGenerator(markupCfg, ring, log),
		Chain:     pipeline.BuildChain(pool, page, render.NewDegradedRenderer(page, log), log),
		Results:   parts.results,
		Notifier:  n,
	}, log)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	return orch, cleanup, nil
}
