// Command kxpipe-worker is the pipeline's worker daemon: it runs
// migrations, then starts one poll-loop runner per job type (scrape,
// crawl, extract) plus the LLM worker pool and the orphan-recovery
// sweep, all wired explicitly from config — no ambient globals.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"kxpipe/internal/alert"
	"kxpipe/internal/chunk"
	"kxpipe/internal/config"
	"kxpipe/internal/crawlworker"
	"kxpipe/internal/dbsql"
	"kxpipe/internal/errs"
	"kxpipe/internal/extractworker"
	"kxpipe/internal/fetcher"
	"kxpipe/internal/jobstore"
	"kxpipe/internal/llm"
	"kxpipe/internal/llmqueue"
	"kxpipe/internal/llmworker"
	"kxpipe/internal/logging"
	"kxpipe/internal/migrate"
	"kxpipe/internal/model"
	"kxpipe/internal/orchestrator"
	"kxpipe/internal/pipeline"
	"kxpipe/internal/ratelimit"
	"kxpipe/internal/relstore"
	"kxpipe/internal/retry"
	"kxpipe/internal/runner"
	"kxpipe/internal/vectorindex"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to config file")
	flag.Parse()

	bootLog := logging.New(logging.Config{Level: "info", Format: "console"})

	cfg, err := config.Load(*configPath)
	if err != nil {
		bootLog.Fatal().Err(err).Msg("load config")
	}
	if err := cfg.Validate(); err != nil {
		bootLog.Fatal().Err(err).Msg("invalid config")
	}

	log := logging.New(logging.Config(cfg.Logging))

	if err := migrate.Run(cfg.Database.DSN); err != nil {
		log.Fatal().Err(err).Msg("migrations failed")
	}

	db, err := dbsql.Open(cfg.Database.DSN)
	if err != nil {
		log.Fatal().Err(err).Msg("open database failed")
	}
	defer db.Close()

	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.URL})
	defer rdb.Close()

	jobs := jobstore.New(db)
	rel := relstore.New(db)

	chatBackend := llm.NewChatClient(llm.Config{
		BaseURL: cfg.LLM.BaseURL, APIKey: cfg.LLM.APIKey, Model: cfg.LLM.ChatModel,
		Timeout: time.Duration(cfg.LLM.TimeoutMs) * time.Millisecond,
	})
	embedClient := llm.NewEmbeddingClient(llm.Config{
		BaseURL: cfg.LLM.BaseURL, APIKey: cfg.LLM.APIKey, EmbeddingModel: cfg.LLM.EmbeddingModel,
		Timeout: time.Duration(cfg.LLM.TimeoutMs) * time.Millisecond,
	})

	index := vectorindex.New(vectorindex.Config{BaseURL: cfg.VectorIndex.BaseURL, APIKey: cfg.VectorIndex.APIKey})
	alertSvc := alert.New(cfg.Alert.WebhookURL, time.Duration(cfg.Alert.ThrottleSeconds)*time.Second, log)

	pipeCfg := pipeline.DefaultConfig()
	pipeCfg.Collection = cfg.VectorIndex.Collection
	pipeCfg.EmbeddingDim = cfg.VectorIndex.EmbeddingDim
	if cfg.Recovery.MaxBatches > 0 {
		pipeCfg.MaxBatches = cfg.Recovery.MaxBatches
	}
	if cfg.Recovery.BatchSize > 0 {
		pipeCfg.BatchSize = cfg.Recovery.BatchSize
	}
	if cfg.Recovery.MaxConcurrency > 0 {
		pipeCfg.MaxConcurrency = int64(cfg.Recovery.MaxConcurrency)
	}
	pipe := pipeline.New(rel, embedClient, index, alertSvc, pipeCfg, log)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := pipe.EnsureCollection(ctx); err != nil {
		log.Warn().Err(err).Msg("vector collection init failed")
	}

	queue, err := llmqueue.New(ctx, rdb)
	if err != nil {
		log.Fatal().Err(err).Msg("llm queue init failed")
	}

	llmWorkerCfg := llmworker.DefaultConfig()
	llmWorkerCfg.MinPermits = orDefault(cfg.LLMWorker.MinPermits, llmWorkerCfg.MinPermits)
	llmWorkerCfg.MaxPermits = orDefault(cfg.LLMWorker.MaxPermits, llmWorkerCfg.MaxPermits)
	llmWorkerCfg.StartPermits = orDefault(cfg.LLMWorker.StartPermits, llmWorkerCfg.StartPermits)
	llmWorkerCfg.ClaimCount = int64(orDefault(cfg.LLMWorker.ClaimCount, int(llmWorkerCfg.ClaimCount)))

	pool := llmworker.New(queue, llmWorkerCfg, chatHandler(chatBackend), log.With().Str("component", "llmworker").Logger())
	go func() {
		if err := pool.Run(ctx, "llmworker-1"); err != nil {
			log.Error().Err(err).Msg("llm worker pool stopped")
		}
	}()

	rlCfg := ratelimit.Config{
		DelayMin:   time.Duration(cfg.RateLimit.DelayMinMs) * time.Millisecond,
		DelayMax:   time.Duration(cfg.RateLimit.DelayMaxMs) * time.Millisecond,
		DailyLimit: cfg.RateLimit.DailyLimit,
	}
	limiter := ratelimit.New(rdb, rlCfg)

	retryCfg := retry.DefaultConfig()
	if cfg.Retry.MaxRetries > 0 {
		retryCfg = retry.Config{
			MaxRetries:      cfg.Retry.MaxRetries,
			BaseDelay:       time.Duration(cfg.Retry.BaseDelayMs) * time.Millisecond,
			MaxDelay:        time.Duration(cfg.Retry.MaxDelayMs) * time.Millisecond,
			ExponentialBase: cfg.Retry.ExponentialBase,
			Jitter:          true,
		}
	}

	plainFetch := fetcher.NewHTTPClient(time.Duration(cfg.Fetcher.TimeoutMs) * time.Millisecond)
	var renderedFetch fetcher.Client = plainFetch
	if cfg.Fetcher.RodEnabled {
		renderedFetch = fetcher.NewRodClient(time.Duration(cfg.Fetcher.RodTimeoutMs) * time.Millisecond)
	}

	crawlWk := crawlworker.New(jobs, rel, plainFetch, renderedFetch, limiter, retryCfg, log.With().Str("component", "crawlworker").Logger())
	extractWk := extractworker.New(jobs, rel, pipe, log.With().Str("component", "extractworker").Logger())

	chunkCfg := chunk.DefaultConfig()
	if cfg.Chunk.MaxTokens > 0 {
		chunkCfg.MaxTokens = cfg.Chunk.MaxTokens
	}
	if cfg.Chunk.OverlapTokens > 0 {
		chunkCfg.OverlapTokens = cfg.Chunk.OverlapTokens
	}

	scrapeConcurrency := orDefault(cfg.CrawlWorker.ScrapeConcurrency, 4)
	crawlConcurrency := orDefault(cfg.CrawlWorker.CrawlConcurrency, 4)
	extractConcurrency := orDefault(cfg.LLMWorker.MaxPermits, 4)

	scrapeRunner := runner.New(jobs, runner.DefaultConfig(model.JobTypeScrape, scrapeConcurrency),
		withProject(rel, crawlWk.RunScrapeJob), log.With().Str("runner", "scrape").Logger())

	crawlRunner := runner.New(jobs, runner.DefaultConfig(model.JobTypeCrawl, crawlConcurrency),
		withProject(rel, crawlWk.RunCrawlJob), log.With().Str("runner", "crawl").Logger())

	extractRunner := runner.New(jobs, runner.DefaultConfig(model.JobTypeExtract, extractConcurrency),
		withProject(rel, func(ctx context.Context, job *model.Job, project *model.Project) error {
			var p extractworker.Payload
			if err := json.Unmarshal(job.Payload, &p); err != nil {
				return errs.New(errs.KindValidationViolation, "main.extractRunner", err)
			}
			orc := orchestrator.New(
				llmqueue.NewChatClient(queue, project.ID, p.SourceID, project.ExtractionSchema.Name),
				chunkCfg, project.ExtractionContext.SourceTypeLabel,
			)
			return extractWk.RunExtractJob(ctx, job, project, orc)
		}), log.With().Str("runner", "extract").Logger())

	go scrapeRunner.Start(ctx)
	go crawlRunner.Start(ctx)
	go extractRunner.Start(ctx)

	if cfg.Recovery.Enabled {
		go recoveryLoop(ctx, rel, pipe, time.Duration(cfg.Recovery.IntervalMin)*time.Minute, log)
	}

	if cfg.Retention.Enabled {
		go retentionLoop(ctx, jobs, index, cfg.VectorIndex.Collection,
			time.Duration(cfg.Retention.CleanupIntervalMinutes)*time.Minute,
			time.Duration(cfg.Retention.JobRetentionDays)*24*time.Hour, log)
	}

	log.Info().Msg("worker daemon started")
	<-ctx.Done()
	log.Info().Msg("shutting down")
}

// withProject adapts a (job, project) handler into a runner.Handler by
// loading the job's project first, the lookup step every job-type
// handler needs before it can reach the project's schema/config.
func withProject(rel *relstore.Store, fn func(ctx context.Context, job *model.Job, project *model.Project) error) runner.Handler {
	return func(ctx context.Context, job *model.Job) error {
		project, err := rel.GetProject(ctx, job.ProjectID)
		if err != nil {
			return err
		}
		return fn(ctx, job, project)
	}
}

// chatHandler adapts the real chat backend to the llmworker.Handler
// shape: unmarshal the queued request's payload as a ChatRequest, call
// the backend, marshal the ChatResponse back as the result payload.
func chatHandler(backend llm.ChatClient) llmworker.Handler {
	return func(ctx context.Context, req llmqueue.Request) ([]byte, error) {
		var chatReq llm.ChatRequest
		if err := json.Unmarshal(req.Payload, &chatReq); err != nil {
			return nil, errs.New(errs.KindValidationViolation, "main.chatHandler", err)
		}
		resp, err := backend.Chat(ctx, chatReq)
		if err != nil {
			return nil, err
		}
		return json.Marshal(resp)
	}
}

// recoveryLoop periodically sweeps every active project for orphaned
// extractions left behind by a vector upsert that failed after the
// relational commit succeeded.
func recoveryLoop(ctx context.Context, rel *relstore.Store, pipe *pipeline.Pipeline, interval time.Duration, log zerolog.Logger) {
	if interval <= 0 {
		interval = 30 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			projects, err := rel.ListActiveProjects(ctx)
			if err != nil {
				log.Warn().Err(err).Msg("recovery sweep: list projects failed")
				continue
			}
			for _, p := range projects {
				summary, err := pipe.RecoverOrphans(ctx, p.ID, func(ex *model.Extraction) string {
					b, _ := json.Marshal(ex.Data)
					return string(b)
				})
				if err != nil {
					log.Warn().Err(err).Str("project_id", p.ID.String()).Msg("recovery sweep failed")
					continue
				}
				if summary.Recovered > 0 || summary.Failed > 0 {
					log.Info().Str("project_id", p.ID.String()).Int("recovered", summary.Recovered).Int("failed", summary.Failed).Msg("recovery sweep complete")
				}
			}
		}
	}
}

// retentionLoop periodically finds terminal jobs older than retainFor
// and deletes the artifacts they produced (vector points, then sources,
// cascading to extractions/entity links) before removing the job row
// itself.
func retentionLoop(ctx context.Context, jobs *jobstore.Store, index vectorindex.Index, collection string, interval, retainFor time.Duration, log zerolog.Logger) {
	if interval <= 0 {
		interval = 60 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stale, err := jobs.ListTerminalOlderThan(ctx, retainFor, 100)
			if err != nil {
				log.Warn().Err(err).Msg("retention sweep: list failed")
				continue
			}
			for _, job := range stale {
				counts, err := jobs.DeleteArtifacts(ctx, job.ID, index, collection)
				if err != nil {
					log.Warn().Err(err).Str("job_id", job.ID.String()).Msg("retention sweep: delete artifacts failed")
					continue
				}
				if err := jobs.Delete(ctx, job.ID); err != nil {
					log.Warn().Err(err).Str("job_id", job.ID.String()).Msg("retention sweep: delete job failed")
					continue
				}
				log.Info().Str("job_id", job.ID.String()).Int("vector_points", counts.VectorPoints).
					Int("sources", counts.Sources).Msg("retention sweep: job purged")
			}
		}
	}
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
