package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/filingwatch/filingwatch/budget"
	"github.com/filingwatch/filingwatch/diffs"
	"github.com/filingwatch/filingwatch/download"
	"github.com/filingwatch/filingwatch/entity"
	"github.com/filingwatch/filingwatch/feed"
	"github.com/filingwatch/filingwatch/ingest"
	"github.com/filingwatch/filingwatch/llm"
	"github.com/filingwatch/filingwatch/parse"
	"github.com/filingwatch/filingwatch/queue"
	"github.com/filingwatch/filingwatch/storage"
	"github.com/filingwatch/filingwatch/store"
	"github.com/filingwatch/filingwatch/summarize"
)

// App is a fully wired filingwatch process: pollers, worker pools, and the
// metrics endpoint, sharing one Redis client and one datastore.
type App struct {
	cfg Config

	redis redis.UniversalClient
	store store.Store
	blobs storage.Store

	downloadQueue queue.Queue[ingest.DownloadTask]
	parseQueue    queue.Queue[ingest.ParseTask]
	chunkQueue    queue.Queue[parse.ChunkTask]
	entityQueue   queue.Queue[parse.ChunkTask]
	diffQueue     queue.Queue[diffs.DiffTask]

	pollers []*ingest.Poller

	downloadWorker *download.Worker
	parseWorker    *parse.Worker
	summaryWorker  *summarize.Worker
	entityWorker   *entity.Worker
	diffWorker     *diffs.Worker
}

// NewApp wires an App from |cfg|. The returned App owns its connections and
// must be Closed.
func NewApp(ctx context.Context, cfg Config) (*App, error) {
	var app = &App{cfg: cfg}

	app.redis = redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Address,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := app.redis.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("pinging redis: %w", err)
	}

	var err error
	if app.store, err = store.NewPostgres(ctx, cfg.Postgres.DSN); err != nil {
		return nil, err
	}
	if app.blobs, err = openBlobStore(ctx, cfg.Storage); err != nil {
		return nil, err
	}

	var queueOpts = queue.Options{
		VisibilityTimeout: cfg.Pipeline.VisibilityTimeout,
		ReclaimBatch:      cfg.Pipeline.ReclaimBatch,
	}
	var downloadQ = queue.NewRedisQueue[ingest.DownloadTask](app.redis, ingest.DownloadQueue, queueOpts)
	var chunkQ = queue.NewRedisQueue[parse.ChunkTask](app.redis, parse.ChunkQueue, queueOpts)
	app.downloadQueue = downloadQ
	app.parseQueue = queue.NewRedisQueue[ingest.ParseTask](app.redis, ingest.ParseQueue, queueOpts)
	app.chunkQueue = chunkQ
	app.entityQueue = queue.NewRedisQueue[parse.ChunkTask](app.redis, parse.EntityQueue, queueOpts)
	app.diffQueue = queue.NewRedisQueue[diffs.DiffTask](app.redis, diffs.DiffQueue, queueOpts)

	var downloadGate = queue.NewBackpressure(downloadQ,
		cfg.Pipeline.PauseHi, cfg.Pipeline.ResumeLo, time.Second)
	var chunkGate = queue.NewBackpressure(chunkQ,
		cfg.Pipeline.PauseHi, cfg.Pipeline.ResumeLo, time.Second)

	var seen = ingest.NewRedisSeenSet(app.redis, "")
	var feedClient = feed.NewClient(cfg.Ingest.UserAgent, cfg.Ingest.FeedTimeout)
	if cfg.Ingest.GlobalFeed {
		app.pollers = append(app.pollers, ingest.NewGlobalPoller(
			feedClient, "", seen, app.downloadQueue, downloadGate, cfg.Ingest.PollInterval))
	}
	for _, cik := range cfg.Ingest.Companies {
		app.pollers = append(app.pollers, ingest.NewCompanyPoller(
			feedClient, cik, seen, app.downloadQueue, downloadGate, cfg.Ingest.PollInterval))
	}

	var completer = llm.NewClient(cfg.LLM.BaseURL, cfg.LLM.APIKey, cfg.LLM.Timeout)
	var budgets = budget.NewManager(app.redis, "", cfg.LLM.BudgetCooldown)
	var limiter = func(service string) *budget.Limiter {
		return budgets.Limiter(budget.Scope{Service: service, Model: cfg.LLM.Model}, cfg.LLM.DailyTokens)
	}

	app.downloadWorker = download.NewWorker(
		app.downloadQueue, app.parseQueue, app.store, app.blobs,
		download.Options{
			UserAgent:  cfg.Ingest.UserAgent,
			MaxRetries: cfg.Pipeline.DownloadRetries,
		})
	app.parseWorker = parse.NewWorker(
		app.parseQueue, app.chunkQueue, app.entityQueue, app.diffQueue,
		chunkGate, app.store, app.blobs,
		parse.Options{Chunking: parse.ChunkOptions{
			MaxTokens:         cfg.Pipeline.ChunkMaxTokens,
			MinTokens:         cfg.Pipeline.ChunkMinTokens,
			OverlapParagraphs: cfg.Pipeline.ChunkOverlap,
		}})
	app.summaryWorker = summarize.NewWorker(
		app.chunkQueue, app.store, completer, limiter("summarizer"),
		summarize.Options{
			Model:           cfg.LLM.Model,
			MaxOutputTokens: cfg.LLM.MaxOutputTokens,
			Temperature:     cfg.LLM.Temperature,
			MaxRetries:      cfg.Pipeline.LLMRetries,
		})
	app.entityWorker = entity.NewWorker(
		app.entityQueue, app.store, completer, limiter("entities"),
		entity.Options{
			Model:           cfg.LLM.Model,
			MaxOutputTokens: cfg.LLM.MaxOutputTokens,
			Temperature:     cfg.LLM.Temperature,
			MaxRetries:      cfg.Pipeline.LLMRetries,
		})
	app.diffWorker = diffs.NewWorker(
		app.diffQueue, app.store, completer, limiter("diff"),
		diffs.Options{
			Model:           cfg.LLM.Model,
			MaxOutputTokens: cfg.LLM.MaxOutputTokens,
			Temperature:     cfg.LLM.Temperature,
			MaxRetries:      cfg.Pipeline.LLMRetries,
		})

	return app, nil
}

// openBlobStore selects the artifact store by the bucket URI scheme.
func openBlobStore(ctx context.Context, cfg StorageConfig) (storage.Store, error) {
	switch {
	case strings.HasPrefix(cfg.Bucket, "s3://"):
		return storage.NewS3Store(ctx, strings.TrimPrefix(cfg.Bucket, "s3://"), cfg.S3Endpoint)
	case strings.HasPrefix(cfg.Bucket, "gs://"):
		return storage.NewGCSStore(ctx, strings.TrimPrefix(cfg.Bucket, "gs://"))
	case strings.HasPrefix(cfg.Bucket, "file://"):
		return storage.NewFileStore(strings.TrimPrefix(cfg.Bucket, "file://")), nil
	case strings.HasPrefix(cfg.Bucket, "mem://"):
		return storage.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unsupported bucket %q", cfg.Bucket)
	}
}

// Run drives the process until |ctx| is cancelled, then drains cleanly.
func (a *App) Run(ctx context.Context) error {
	var group, groupCtx = errgroup.WithContext(ctx)

	group.Go(func() error { return a.serveMetrics(groupCtx) })

	for _, p := range a.pollers {
		var poller = p
		group.Go(func() error { return ignoreCancel(poller.Run(groupCtx)) })
	}
	spawn(group, a.cfg.Pipeline.DownloadWorkers, func() error {
		return ignoreCancel(a.downloadWorker.Run(groupCtx))
	})
	spawn(group, a.cfg.Pipeline.ParseWorkers, func() error {
		return ignoreCancel(a.parseWorker.Run(groupCtx))
	})
	spawn(group, a.cfg.Pipeline.SummaryWorkers, func() error {
		return ignoreCancel(a.summaryWorker.Run(groupCtx))
	})
	spawn(group, a.cfg.Pipeline.EntityWorkers, func() error {
		return ignoreCancel(a.entityWorker.Run(groupCtx))
	})
	spawn(group, a.cfg.Pipeline.DiffWorkers, func() error {
		return ignoreCancel(a.diffWorker.Run(groupCtx))
	})

	log.WithFields(log.Fields{
		"pollers":   len(a.pollers),
		"downloads": a.cfg.Pipeline.DownloadWorkers,
		"parses":    a.cfg.Pipeline.ParseWorkers,
		"summaries": a.cfg.Pipeline.SummaryWorkers,
		"entities":  a.cfg.Pipeline.EntityWorkers,
		"diffs":     a.cfg.Pipeline.DiffWorkers,
	}).Info("filingwatch started")

	return group.Wait()
}

func (a *App) serveMetrics(ctx context.Context) error {
	var mux = http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	var server = &http.Server{Addr: a.cfg.Metrics.Address, Handler: mux}

	go func() {
		<-ctx.Done()
		var shutdownCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	log.WithField("address", a.cfg.Metrics.Address).Info("serving metrics")
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("serving metrics: %w", err)
	}
	return nil
}

// Close releases the App's connections.
func (a *App) Close() {
	if a.store != nil {
		a.store.Close()
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
}

func spawn(group *errgroup.Group, n int, fn func() error) {
	if n < 1 {
		n = 1
	}
	for i := 0; i < n; i++ {
		group.Go(fn)
	}
}

func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}
