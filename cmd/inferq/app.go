package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/kiranshivaraju/inferq/internal/api"
	"github.com/kiranshivaraju/inferq/internal/api/handler"
	mw "github.com/kiranshivaraju/inferq/internal/api/middleware"
	"github.com/kiranshivaraju/inferq/internal/broadcast"
	"github.com/kiranshivaraju/inferq/internal/cache"
	"github.com/kiranshivaraju/inferq/internal/config"
	"github.com/kiranshivaraju/inferq/internal/inference"
	"github.com/kiranshivaraju/inferq/internal/jobs"
	"github.com/kiranshivaraju/inferq/internal/media"
	"github.com/kiranshivaraju/inferq/internal/storage"
	"github.com/kiranshivaraju/inferq/internal/store"
	"github.com/kiranshivaraju/inferq/internal/store/memory"
	"github.com/kiranshivaraju/inferq/internal/vectorstore"
	"github.com/kiranshivaraju/inferq/internal/worker"
	"github.com/kiranshivaraju/inferq/pkg/models"
	"github.com/redis/go-redis/v9"
)

const broadcastStopTimeout = 5 * time.Second

// app is the wired process: one store, one job service, and the backends
// the API and workers share.
type app struct {
	cfg         *config.Config
	store       store.Store
	svc         *jobs.Service
	cache       cache.Cache
	broadcaster *broadcast.Broadcaster
	media       media.Client
	provider    models.InferenceProvider
	vectors     vectorstore.Store
	artifacts   storage.ArtifactStore
	pingers     map[string]handler.Pinger

	closers []func() error
}

// buildApp connects every backend named in cfg. On error, whatever was
// already opened is closed again.
func buildApp(ctx context.Context, cfg *config.Config, migrationsDir string) (_ *app, err error) {
	a := &app{cfg: cfg, pingers: map[string]handler.Pinger{}}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	// 1. Job store
	switch cfg.Database.Type {
	case "memory":
		a.store = memory.New()
		slog.Warn("using in-memory job store; jobs are lost on restart")
	default:
		pool, err := store.Connect(ctx, cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("connect database: %w", err)
		}
		a.onClose(func() error { pool.Close(); return nil })
		slog.Info("database connected")

		if err := store.RunMigrations(cfg.Database.URL, migrationsDir); err != nil {
			return nil, fmt.Errorf("run migrations: %w", err)
		}
		slog.Info("database migrations applied")
		a.store = store.NewPostgresStore(pool)
	}

	// 2. Redis, shared by the cache, the vector store, and the broadcaster
	var rdb *redis.Client
	if cfg.NeedsRedis() || cfg.Redis.URL != "" {
		rc, err := cache.NewRedisCache(cfg.Redis.URL)
		if err != nil {
			return nil, fmt.Errorf("create redis cache: %w", err)
		}
		a.onClose(rc.Close)
		if err := rc.Ping(ctx); err != nil {
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		slog.Info("redis connected")
		a.cache = rc
		a.pingers["cache"] = rc
		rdb = rc.Client()
	} else {
		a.cache = cache.NewMemory()
	}

	// 3. Vector store
	switch cfg.Vector.Type {
	case "memory":
		a.vectors = vectorstore.NewMemory()
	default:
		a.vectors = vectorstore.NewRedisStore(rdb)
	}

	// 4. Artifact storage
	switch cfg.Storage.Type {
	case "minio":
		ms, err := storage.NewMinioStore(storage.MinioConfig{
			Endpoint:  cfg.Storage.Minio.Endpoint,
			AccessKey: cfg.Storage.Minio.AccessKey,
			SecretKey: cfg.Storage.Minio.SecretKey,
			Bucket:    cfg.Storage.Minio.Bucket,
			UseSSL:    cfg.Storage.Minio.UseSSL,
		})
		if err != nil {
			return nil, err
		}
		if err := ms.EnsureBucket(ctx); err != nil {
			return nil, fmt.Errorf("ensure artifact bucket: %w", err)
		}
		a.artifacts = ms
	default:
		ls, err := storage.NewLocalStore(cfg.Storage.Dir)
		if err != nil {
			return nil, err
		}
		a.artifacts = ls
	}

	// 5. Event broadcaster
	var transport broadcast.Transport = broadcast.Nop{}
	switch cfg.Broadcast.Type {
	case "redis":
		transport = broadcast.NewRedisTransportFromClient(rdb)
	case "amqp":
		transport = broadcast.NewAMQPTransport(cfg.Broadcast.AMQPURL)
	}
	a.broadcaster = broadcast.New(transport, cfg.Broadcast.Topic, slog.Default())
	a.broadcaster.Start(ctx)
	a.onClose(func() error {
		stopCtx, cancel := context.WithTimeout(context.Background(), broadcastStopTimeout)
		defer cancel()
		return a.broadcaster.Stop(stopCtx)
	})

	// 6. Media store and inference provider
	if cfg.Media.Stub {
		a.media = media.NewStub()
		slog.Warn("using stub media store")
	} else {
		a.media = media.NewHTTPClient(cfg.Media.URL, cfg.Media.Token, cfg.Media.Timeout)
	}
	if a.provider, err = inference.NewProvider(cfg.Inference); err != nil {
		return nil, fmt.Errorf("create inference provider: %w", err)
	}
	slog.Info("inference provider initialized", "provider", a.provider.Name())

	a.svc = jobs.NewService(a.store, jobs.Options{
		MaxRetries:      cfg.Worker.MaxRetries,
		DuplicatePolicy: jobs.DuplicatePolicy(cfg.Worker.DuplicatePolicy),
		Publisher:       a.broadcaster,
		Artifacts:       a.artifacts,
		Vectors:         a.vectors,
		Logger:          slog.Default(),
	})
	return a, nil
}

func (a *app) onClose(fn func() error) {
	a.closers = append(a.closers, fn)
}

// close releases resources in reverse order of acquisition.
func (a *app) close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// handler builds the HTTP API over the app.
func (a *app) handler() http.Handler {
	keys := make([]mw.Key, len(a.cfg.Auth.APIKeys))
	for i, k := range a.cfg.Auth.APIKeys {
		keys[i] = mw.Key{Name: k.Name, Hash: k.Hash, Scopes: k.Scopes}
	}
	if len(keys) == 0 {
		slog.Warn("no API_KEYS configured; authenticated endpoints will reject every request")
	}

	h := handler.NewJobs(a.svc, a.cache)
	return api.NewRouter(api.Dependencies{
		Auth:      mw.NewAuth(keys),
		RateLimit: mw.NewRateLimit(a.cache, a.cfg.Auth.RateLimitPerMinute),

		HealthHandler:    handler.Health(a.store, a.svc, a.pingers),
		CreateJobHandler: h.Create,
		GetJobHandler:    h.Get,
		DeleteJobHandler: h.Delete,
		QueueHandler:     handler.Queue(a.svc),
		StatsHandler:     handler.Stats(a.svc),
	})
}

// runWorkers starts the configured number of workers and, when a claim
// lease is set, the stale-claim sweeper. It blocks until ctx is done and
// every worker has finished its current job.
func (a *app) runWorkers(ctx context.Context) {
	wc := a.cfg.Worker
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}

	deliverer := worker.NewDeliverer(a.media, a.svc, worker.DeliveryConfig{
		MaxAttempts: a.cfg.Delivery.MaxAttempts,
		Timeout:     a.cfg.Delivery.Timeout,
	}, slog.Default())

	var wg sync.WaitGroup
	for i := range wc.Concurrency {
		w := worker.New(host+"-"+strconv.Itoa(i+1), a.svc, a.media, a.provider, a.vectors,
			worker.WithPollInterval(wc.PollInterval),
			worker.WithMediaTimeout(a.cfg.Media.Timeout),
			worker.WithArtifacts(a.artifacts),
			worker.WithDeliverer(deliverer),
		)
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.Run(ctx)
		}()
	}

	if wc.ClaimLease > 0 {
		sw := worker.NewSweeper(a.svc, wc.ClaimLease, wc.SweepInterval, slog.Default())
		wg.Add(1)
		go func() {
			defer wg.Done()
			sw.Run(ctx)
		}()
	}

	slog.Info("workers started", "concurrency", wc.Concurrency, "claim_lease", wc.ClaimLease)
	wg.Wait()
	slog.Info("workers stopped")
}
