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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"civic-reports-go/internal/api"
	"civic-reports-go/internal/classifier"
	"civic-reports-go/internal/config"
	"civic-reports-go/internal/dedup"
	"civic-reports-go/internal/extractor"
	"civic-reports-go/internal/logger"
	"civic-reports-go/internal/metrics"
	"civic-reports-go/internal/notify"
	"civic-reports-go/internal/pipeline"
	"civic-reports-go/internal/processor"
	"civic-reports-go/internal/report"
	"civic-reports-go/internal/routing"
	"civic-reports-go/internal/safety"
	"civic-reports-go/internal/storage"
	"civic-reports-go/internal/submitter"
	"civic-reports-go/internal/transcription"
	"civic-reports-go/internal/types"
)

const (
	dedupPurgeSchedule = "@every 15m"
	jobTimeout         = 2 * time.Minute
	shutdownTimeout    = 20 * time.Second
)

func main() {
	log := logger.New()
	log.WithField("service", "civic-reports-go").Info("starting service")

	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("failed to load config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// Storage
	log.WithField("db_path", cfg.Storage.DBPath).Info("opening complaint store")
	store, err := storage.NewSQLite(cfg.Storage.DBPath, log)
	if err != nil {
		log.WithError(err).Fatal("failed to open store")
	}
	defer store.Close()

	// Redis (optional): shared dedup window and notification stream
	var window dedup.Window = dedup.NewMemoryWindow()
	notifier := notify.Fanout{notify.NewLogNotifier(log)}
	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			log.WithError(err).WithField("redis_addr", cfg.Redis.Addr).Fatal("redis unreachable")
		}
		defer rdb.Close()
		window = dedup.NewRedisWindow(rdb, log)
		notifier = append(notifier, notify.NewStreamNotifier(rdb, cfg.Redis.NotifyChannel, log))
		log.WithField("redis_addr", cfg.Redis.Addr).Info("using redis for dedup window and notifications")
	}

	// Departments
	general := routing.Department{
		Name:    cfg.Departments.GeneralName,
		Contact: types.ContactInfo{Email: cfg.Departments.GeneralEmail, Phone: cfg.Departments.GeneralPhone},
	}
	mapping := routing.DefaultMapping(general)
	if cfg.Departments.Workbook != "" {
		mapping, err = routing.LoadWorkbook(cfg.Departments.Workbook, general, log)
		if err != nil {
			log.WithError(err).WithField("workbook", cfg.Departments.Workbook).Fatal("failed to load department workbook")
		}
	}
	router, err := routing.NewRouter(mapping)
	if err != nil {
		log.WithError(err).Fatal("invalid department mapping")
	}
	log.WithField("version", router.Version()).WithField("entries", len(mapping.Entries)).Info("department mapping loaded")

	var reload func(context.Context) (int, error)
	if cfg.Departments.Workbook != "" {
		reload = func(context.Context) (int, error) {
			next, err := routing.LoadWorkbook(cfg.Departments.Workbook, general, log)
			if err != nil {
				return 0, err
			}
			if err := router.Swap(next); err != nil {
				return 0, err
			}
			return router.Version(), nil
		}
	}

	// Municipal submitter
	var client submitter.Client = submitter.NewDryRunClient(log)
	if cfg.Municipal.Endpoint != "" {
		client = submitter.NewHTTPClient(cfg.Municipal.Endpoint, cfg.Municipal.APIKey, cfg.Municipal.Timeout, log)
	} else {
		log.Warn("MUNICIPAL_ENDPOINT not set; reports are accepted by the dry-run client")
	}
	sub := submitter.New(client, store, submitter.Options{
		Name:             endpointName(cfg.Municipal.Endpoint),
		MaxAttempts:      cfg.Municipal.MaxAttempts,
		AttemptTimeout:   cfg.Municipal.Timeout,
		InitialBackoff:   cfg.Municipal.InitialBackoff,
		MaxBackoff:       cfg.Municipal.MaxBackoff,
		RequestsPerSec:   cfg.Municipal.RequestsPerSec,
		FailureThreshold: cfg.Municipal.FailureThreshold,
		Cooldown:         cfg.Municipal.BreakerCooldown,
	}, log, m)

	// Pipeline
	dedupGate := dedup.NewGate(window, cfg.Dedup.Window, cfg.Dedup.Threshold)
	orch := pipeline.New(pipeline.Deps{
		Store:          store,
		Queue:          store,
		Safety:         safety.NewGate(),
		Dedup:          dedupGate,
		Classifier:     classifier.New(classifier.DefaultSignatures()...),
		Router:         router,
		Composer:       report.NewComposer(),
		Submitter:      sub,
		Notifier:       notifier,
		Metrics:        m,
		Log:            log,
		RetryBaseDelay: cfg.Retry.BaseDelay,
		RetryMaxDelay:  cfg.Retry.MaxDelay,
	})
	pool := pipeline.NewDeliveryPool(orch, cfg.Server.DeliveryWorkers, cfg.Server.DeliveryWorkers*16)
	pool.Start(ctx)

	go func() {
		if n, err := orch.ResumePending(ctx, pool.Submit); err != nil {
			log.WithError(err).Warn("resuming pending complaints failed")
		} else if n > 0 {
			log.WithField("resumed", n).Info("resumed complaints left mid-pipeline")
		}
	}()

	// Background jobs
	sched := pipeline.NewScheduler(log)
	mustSchedule(log, sched.AddJob("retry-driver", cfg.Retry.Schedule, jobTimeout, func(ctx context.Context) error {
		_, err := orch.RetryDue(ctx, cfg.Retry.BatchSize)
		return err
	}))
	mustSchedule(log, sched.AddJob("dedup-purge", dedupPurgeSchedule, jobTimeout, func(ctx context.Context) error {
		_, err := dedupGate.Purge(ctx)
		return err
	}))
	if reload != nil {
		mustSchedule(log, sched.AddJob("department-reload", cfg.Departments.ReloadSchedule, jobTimeout, func(ctx context.Context) error {
			_, err := reload(ctx)
			return err
		}))
	}
	sched.Start()

	// Intake preparation
	var stt processor.Transcriber
	if cfg.Transcribe.URL != "" || cfg.Transcribe.UseMock {
		stt = transcription.NewClient(transcription.Config{URL: cfg.Transcribe.URL, UseMock: cfg.Transcribe.UseMock}, log)
	}
	var primary extractor.Extractor
	if cfg.Extractor.GatewayURL != "" || cfg.Extractor.UseMock {
		primary = extractor.NewGatewayExtractor(extractor.GatewayConfig{
			URL:     cfg.Extractor.GatewayURL,
			APIKey:  cfg.Extractor.APIKey,
			Model:   cfg.Extractor.Model,
			UseMock: cfg.Extractor.UseMock,
		}, log)
	}
	proc := processor.New(stt, extractor.NewFallback(primary, extractor.NewLexiconExtractor(), log), log)

	// HTTP
	health := func(ctx context.Context) error {
		if err := store.Ping(ctx); err != nil {
			return err
		}
		if rdb != nil {
			return rdb.Ping(ctx).Err()
		}
		return nil
	}
	handler := api.NewHandler(api.Deps{
		Pipeline:  orch,
		Processor: proc,
		Delivery:  pool,
		Store:     store,
		Reload:    reload,
		Health:    health,
		Gatherer:  reg,
		Metrics:   m,
		Log:       log,
	})

	addr := fmt.Sprintf(":%s", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      api.NewRouter(handler),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.WithField("addr", addr).Info("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("server terminated")
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("http shutdown")
	}
	sched.Stop()
	pool.Stop()
	log.Info("stopped")
}

func mustSchedule(log *logger.Logger, err error) {
	if err != nil {
		log.WithError(err).Fatal("failed to schedule job")
	}
}

func endpointName(endpoint string) string {
	if endpoint == "" {
		return "municipal-dry-run"
	}
	return endpoint
}
