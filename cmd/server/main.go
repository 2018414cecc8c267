// Command server wires the evidentiary core and serves the HTTP API. All
// business logic lives in internal services; main only assembles them.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"veridoc/internal/certify"
	"veridoc/internal/ledger"
	"veridoc/internal/ledger/outbox"
	pgstore "veridoc/internal/ledger/store/postgres"
	"veridoc/internal/notary"
	"veridoc/internal/platform/config"
	"veridoc/internal/platform/httpserver"
	"veridoc/internal/platform/logger"
	"veridoc/internal/platform/metrics"
	platformredis "veridoc/internal/platform/redis"
	"veridoc/internal/presence"
	"veridoc/internal/storage"
	"veridoc/internal/token"
	httptransport "veridoc/internal/transport/http"
)

func main() {
	cfg := config.FromEnv()
	log := logger.New(cfg.Server.LogLevel)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()

	// Ledger store: postgres when configured, in-memory otherwise.
	var ledgerStore ledger.Store
	if cfg.Postgres.DSN != "" {
		store, err := pgstore.Open(ctx, cfg.Postgres.DSN)
		if err != nil {
			log.Error("open ledger database", "error", err)
			os.Exit(1)
		}
		defer store.Close()
		ledgerStore = store
	} else {
		log.Warn("no ledger database configured, using in-memory store")
		ledgerStore = ledger.NewInMemoryStore()
	}

	// Kafka outbox: absent brokers disable publication.
	publisher, err := outbox.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic)
	if err != nil {
		log.Error("create kafka publisher", "error", err)
		os.Exit(1)
	}
	var outboxWorker *outbox.Worker
	ledgerOpts := []ledger.Option{ledger.WithLogger(log), ledger.WithMetrics(m)}
	if publisher != nil {
		defer publisher.Close()
		outboxWorker = outbox.NewWorker(publisher, 256, log)
		ledgerOpts = append(ledgerOpts, ledger.WithSink(outboxWorker))
	}

	ledgerSvc, err := ledger.NewService(ledgerStore, ledgerOpts...)
	if err != nil {
		log.Error("create ledger service", "error", err)
		os.Exit(1)
	}

	keypair, err := notary.KeypairFromConfig(cfg.Signing)
	if err != nil {
		log.Error("load signing key", "error", err)
		os.Exit(1)
	}
	if keypair == nil {
		log.Warn("no signing key configured, institutional signatures will degrade")
	}

	objects, err := storage.NewS3Store(ctx, cfg.ObjectStore)
	if err != nil {
		log.Error("create object store", "error", err)
		os.Exit(1)
	}
	var objectStore storage.ObjectStore
	if objects != nil {
		objectStore = objects
	} else {
		log.Warn("no object store configured, artifacts kept in memory")
		objectStore = storage.NewInMemoryStore()
	}

	tsaClient := certify.NewTSAClient(cfg.TSA.URL, cfg.TSA.Timeout)

	certifyOpts := []certify.Option{
		certify.WithLogger(log),
		certify.WithMetrics(m),
		certify.WithKeypair(keypair),
		certify.WithTSA(tsaClient),
		certify.WithObjectStore(objectStore),
		certify.WithMaxClockSkew(cfg.TSA.MaxClockSkew),
		certify.WithSubmitTimeout(cfg.Anchors.SubmitTimeout),
	}
	if cfg.Anchors.PolygonURL != "" {
		certifyOpts = append(certifyOpts, certify.WithProvider(
			certify.NewHTTPProvider("polygon", cfg.Anchors.PolygonURL, cfg.Anchors.SubmitTimeout)))
	}
	if cfg.Anchors.BitcoinURL != "" {
		certifyOpts = append(certifyOpts, certify.WithProvider(
			certify.NewHTTPProvider("bitcoin", cfg.Anchors.BitcoinURL, cfg.Anchors.SubmitTimeout)))
	}
	certifySvc, err := certify.NewService(ledgerSvc, certifyOpts...)
	if err != nil {
		log.Error("create certify service", "error", err)
		os.Exit(1)
	}

	signer := notary.NewSigner(keypair, cfg.Signing.SignerID, cfg.Signing.Strict,
		notary.WithSignerLogger(log))
	transparency := notary.NewTransparency(cfg.Signing.TransparencyURL, cfg.Signing.TransparencyTimeout, log)

	// Session and OTP stores: redis when configured, in-memory otherwise.
	redisClient, err := platformredis.New(cfg.Redis)
	if err != nil {
		log.Error("connect redis", "error", err)
		os.Exit(1)
	}
	var sessionStore presence.SessionStore
	var otpStore presence.OTPStore
	if redisClient != nil {
		defer redisClient.Close()
		sessionStore = presence.NewRedisSessionStore(redisClient)
		otpStore = presence.NewRedisOTPStore(redisClient)
	} else {
		log.Warn("no redis configured, sessions kept in memory")
		sessionStore = presence.NewInMemorySessionStore()
		otpStore = presence.NewInMemoryOTPStore()
	}

	presenceSvc, err := presence.NewService(sessionStore, otpStore, ledgerSvc, signer,
		presence.WithLogger(log),
		presence.WithMetrics(m),
		presence.WithTransparency(transparency),
		presence.WithTSA(tsaClient),
		presence.WithSessionTTL(cfg.Presence.SessionTTL),
		presence.WithOTPTTL(cfg.Presence.OTPTTL),
		presence.WithMaxAttempts(cfg.Presence.MaxAttempts),
	)
	if err != nil {
		log.Error("create presence service", "error", err)
		os.Exit(1)
	}

	tokens := token.NewService(cfg.Server.JWTSigningKey, "veridoc", "veridoc-api")

	router := httptransport.NewRouter(httptransport.RouterDeps{
		Documents: httptransport.NewDocumentsHandler(certifySvc, ledgerSvc, objectStore, cfg.ObjectStore.SignedURLTTL, log),
		Sessions:  httptransport.NewSessionsHandler(presenceSvc, log),
		Validator: tokens,
		Logger:    log,
		Metrics:   m,
	})

	if outboxWorker != nil {
		go func() { _ = outboxWorker.Run(ctx) }()
	}

	poller := certify.NewPoller(certifySvc, cfg.Anchors.PollInterval, log)
	go poller.Run(ctx)

	srv := httpserver.New(cfg.Server.Addr, router)

	go func() {
		log.Info("server listening", "addr", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("graceful shutdown failed", "error", err)
		os.Exit(1)
	}
}
