// Command ocr-server runs the OCR-backed document pre-review service
// described by spec.md: submission intake, fetch/OCR/rule pipeline, and the
// operator query/admin surface, in standalone, master, or worker role
// (spec §6, §4.8).
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tomshen124/ocr-server/internal/apperrors"
	"github.com/tomshen124/ocr-server/internal/auth"
	"github.com/tomshen124/ocr-server/internal/config"
	"github.com/tomshen124/ocr-server/internal/distfabric"
	"github.com/tomshen124/ocr-server/internal/failoverblob"
	"github.com/tomshen124/ocr-server/internal/failoverstore"
	"github.com/tomshen124/ocr-server/internal/fetch"
	"github.com/tomshen124/ocr-server/internal/httpapi"
	"github.com/tomshen124/ocr-server/internal/metrics"
	"github.com/tomshen124/ocr-server/internal/obslog"
	"github.com/tomshen124/ocr-server/internal/ocradapter"
	"github.com/tomshen124/ocr-server/internal/queue"
	"github.com/tomshen124/ocr-server/internal/scheduler"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "ocr-server:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	log := obslog.New(obslog.Config{JSON: cfg.LogJSON, Debug: cfg.LogDebug}, "ocr-server")
	log.Info("starting", "role", string(cfg.Role), "listen_addr", cfg.ListenAddr)

	reg := metrics.New()

	store, err := buildStore(cfg, log, reg)
	if err != nil {
		return fmt.Errorf("build store: %w", err)
	}
	defer store.Close()

	blobs, err := buildBlobs(cfg, log, reg)
	if err != nil {
		return fmt.Errorf("build blobs: %w", err)
	}
	defer blobs.Close()

	var rdb *redis.Client
	if cfg.DistributedEnabled {
		opts, err := redis.ParseURL(cfg.PubSubURL)
		if err != nil {
			return fmt.Errorf("parse pubSubUrl: %w", err)
		}
		rdb = redis.NewClient(opts)
		defer rdb.Close()
	}

	q, err := buildQueue(cfg, rdb, log)
	if err != nil {
		return fmt.Errorf("build queue: %w", err)
	}
	defer q.Close()

	fetcher := fetch.New(fetch.Config{}, blobs, log, reg)

	ocrPool, err := ocradapter.New(ocradapter.Config{
		BinaryPath: cfg.OCRBinaryPath,
		PoolSize:   cfg.OCRPermits,
	}, log, reg)
	if err != nil {
		return fmt.Errorf("build ocr pool: %w", err)
	}
	defer ocrPool.Close()

	authenticator := auth.New(auth.Config{
		SignatureTolerance: cfg.SignatureTolerance,
		SessionTTL:         cfg.SessionTTL,
		RatePerMinute:      cfg.RatePerMinute,
		RatePerHour:        cfg.RatePerHour,
	}, auth.StaticSecrets(cfg.AccessKeys), store)

	// jobStore is whichever store the scheduler should drive transitions
	// against: the real failover store directly for standalone/master, or
	// a fabric-backed proxy for worker nodes (spec §4.8 "workers do not
	// write job-state directly to the master's store").
	var sched *scheduler.Scheduler
	var master *distfabric.Master
	var worker *distfabric.Worker

	schedCfg := scheduler.Config{
		Permits:  cfg.OCRPermits,
		WorkerID: cfg.WorkerID,
	}

	switch cfg.Role {
	case config.RoleWorker:
		worker = distfabric.NewWorker(rdb, cfg.KeyPrefix, cfg.WorkerID, cfg.WorkerCapacity, store, log)
		proxy := distfabric.NewStoreProxy(worker)
		sched = scheduler.NewWithStore(schedCfg, proxy, blobs, q, fetcher, ocrPool, nil, log, reg)
		worker.Start()
		defer worker.Stop()
	case config.RoleMaster:
		master = distfabric.NewMaster(rdb, cfg.KeyPrefix, store, log)
		master.Start()
		defer master.Stop()
		sched = scheduler.New(schedCfg, store, blobs, q, fetcher, ocrPool, nil, log, reg)
	default:
		sched = scheduler.New(schedCfg, store, blobs, q, fetcher, ocrPool, nil, log, reg)
	}

	sched.Start()
	defer sched.Stop()

	api := &httpapi.API{
		Store:         store,
		Blobs:         blobs,
		Queue:         q,
		Scheduler:     sched,
		Auth:          authenticator,
		Log:           log,
		Metrics:       reg,
		QueueDepthCap: cfg.QueueDepthCap,
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("listening", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func buildStore(cfg config.Config, log *obslog.Logger, reg *metrics.Registry) (*failoverstore.Store, error) {
	primary := failoverstore.NewPrimaryHTTPBackend(failoverstore.HTTPConfig{
		BaseURL: cfg.PrimaryStoreGatewayURL,
		APIKey:  cfg.PrimaryStoreAPIKey,
	}, log)

	fallback, err := failoverstore.NewFallbackSQLiteBackend(cfg.FallbackStorePath, log)
	if err != nil {
		return nil, err
	}

	return failoverstore.New(primary, fallback, failoverstore.Config{}, log, reg), nil
}

func buildBlobs(cfg config.Config, log *obslog.Logger, reg *metrics.Registry) (*failoverblob.Store, error) {
	primary, err := failoverblob.NewS3Backend(failoverblob.S3Config{
		Bucket:      cfg.ObjectStoreBucket,
		Region:      cfg.ObjectStoreRegion,
		AccessKeyID: cfg.ObjectStoreAccessKeyID,
		SecretKey:   cfg.ObjectStoreSecretKey,
		Endpoint:    cfg.ObjectStoreEndpoint,
	}, log)
	if err != nil {
		return nil, err
	}

	fallback, err := failoverblob.NewLocalFSBackend(failoverblob.LocalFSConfig{
		Root:          cfg.LocalBlobPath,
		PublicBaseURL: cfg.LocalBlobPublicBaseURL,
		SigningSecret: cfg.LocalBlobSigningSecret,
	}, log)
	if err != nil {
		return nil, err
	}

	return failoverblob.New(primary, fallback, failoverblob.Config{}, log, reg), nil
}

func buildQueue(cfg config.Config, rdb *redis.Client, log *obslog.Logger) (queue.Queue, error) {
	if !cfg.DistributedEnabled {
		return queue.NewMemQueue(), nil
	}
	if rdb == nil {
		return nil, apperrors.New(apperrors.KindInternal, "distributed mode requires pubSubUrl")
	}
	return queue.NewRedisQueue(cfg.PubSubURL, cfg.KeyPrefix, log)
}
