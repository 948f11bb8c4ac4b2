package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	consentService "tally/internal/consent/service"
	jwttoken "tally/internal/jwt_token"
	"tally/internal/ledger/adapters"
	ledgerModels "tally/internal/ledger/models"
	ledgerService "tally/internal/ledger/service"
	"tally/internal/platform/config"
	"tally/internal/platform/httpserver"
	"tally/internal/platform/logger"
	"tally/internal/platform/metrics"
	"tally/internal/platform/tracing"
	"tally/internal/profile"
	httptransport "tally/internal/transport/http"
	"tally/pkg/platform/audit/publisher"
	"tally/pkg/platform/audit/sink/kafka"
	"tally/pkg/platform/circuit"
	"tally/pkg/platform/retry"
	"tally/pkg/platform/ttlcache"
)

// main wires high-level dependencies, exposes the HTTP router, and keeps the
// server lifecycle small. Business logic lives in internal services packages.
func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "tally: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.Server.JWTSigningKey == "" {
		return errors.New("TALLY_JWT_SIGNING_KEY is required")
	}
	log := logger.New(cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Setup(ctx, "tally", cfg.Tracing)
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			log.Error("flushing traces", "error", err)
		}
	}()

	reg := metrics.New()

	stores, err := openBackends(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := stores.Close(); err != nil {
			log.Error("closing stores", "error", err)
		}
	}()
	health := stores.health

	publisherOpts := []publisher.Option{
		publisher.WithAsyncBuffer(cfg.Audit.BufferSize),
		publisher.WithWriteTimeout(cfg.Audit.WriteTimeout),
		publisher.WithLogger(log),
		publisher.WithMetrics(publisher.NewMetrics(reg.Registerer())),
	}
	if cfg.Kafka.Enabled() {
		sink, err := kafka.New(kafka.Config{
			Brokers:           cfg.Kafka.Brokers,
			Topic:             cfg.Kafka.AuditTopic,
			Partitions:        cfg.Kafka.Partitions,
			ReplicationFactor: cfg.Kafka.ReplicationFactor,
		})
		if err != nil {
			return err
		}
		defer sink.Close()
		if err := sink.EnsureTopic(ctx, cfg.Kafka.Partitions, cfg.Kafka.ReplicationFactor); err != nil {
			return err
		}
		publisherOpts = append(publisherOpts, publisher.WithMirror(sink))
		health = append(health, httptransport.HealthCheck{Name: "kafka", Check: sink.Ping})
	}
	// Registered after the sink so records still queued are mirrored before
	// the producer closes.
	auditTrail := publisher.NewPublisher(stores.audit, publisherOpts...)
	defer auditTrail.Close()

	consentOpts := []consentService.Option{
		consentService.WithAuditEmitter(auditTrail),
		consentService.WithLogger(log),
		consentService.WithTx(stores.consentTx),
	}
	if cfg.Consent.Version != "" {
		consentOpts = append(consentOpts, consentService.WithVersion(cfg.Consent.Version))
	}
	consent := consentService.NewService(stores.consent, consentOpts...)

	breakerMetrics := circuit.NewMetrics(reg.Registerer())
	retryMetrics := retry.NewMetrics(reg.Registerer())
	policy := retry.Policy{
		MaxRetries:   cfg.Retry.MaxRetries,
		InitialDelay: cfg.Retry.InitialDelay,
		MaxDelay:     cfg.Retry.MaxDelay,
		Base:         cfg.Retry.Base,
		Jitter:       cfg.Retry.Jitter,
	}
	newBreaker := func(name string, opts ...circuit.Option) *circuit.Breaker {
		base := []circuit.Option{
			circuit.WithFailureThreshold(cfg.Breaker.FailureThreshold),
			circuit.WithRecoveryTimeout(cfg.Breaker.RecoveryTimeout),
			circuit.WithLogger(log),
			circuit.WithMetrics(breakerMetrics),
		}
		return circuit.New(name, append(base, opts...)...)
	}

	storeBreaker := newBreaker("ledger_store", circuit.WithFailurePredicate(ledgerService.IsStoreFailure))
	cache := ttlcache.New[ledgerModels.Record](
		ttlcache.WithTTL(cfg.Cache.TTL),
		ttlcache.WithMetrics(ttlcache.NewMetrics(reg.Registerer(), "ledger")),
	)
	ttlcache.RegisterEntriesGauge(reg.Registerer(), "ledger", cache)
	if cfg.Cache.JanitorInterval > 0 {
		cache.StartJanitor(ctx, cfg.Cache.JanitorInterval)
	}

	ledgerOpts := []ledgerService.Option{
		ledgerService.WithCache(cache),
		ledgerService.WithAuditTrail(auditTrail),
		ledgerService.WithBreaker(storeBreaker),
		ledgerService.WithRetrier(retry.New(policy,
			retry.WithName("ledger_read"),
			retry.WithLogger(log),
			retry.WithMetrics(retryMetrics),
		)),
		ledgerService.WithLogger(log),
		ledgerService.WithMetrics(ledgerService.NewMetrics(reg.Registerer())),
	}
	if cfg.Consent.Required {
		ledgerOpts = append(ledgerOpts, ledgerService.WithConsentGate(adapters.NewConsentAdapter(consent)))
	}
	ledger := ledgerService.New(stores.ledger, ledgerOpts...)
	health = append([]httptransport.HealthCheck{{Name: "ledger_store", Check: ledger.Ping}}, health...)

	deps := httptransport.Deps{
		Ledger:    ledger,
		Audit:     auditTrail,
		Consent:   consent,
		Breakers:  []*circuit.Breaker{storeBreaker},
		Health:    health,
		Metrics:   reg,
		Validator: jwttoken.NewJWTServiceAdapter(jwttoken.NewJWTService(cfg.Server.JWTSigningKey, jwttoken.Issuer, jwttoken.Audience)),
		Logger:    log,
	}
	if cfg.Profile.BaseURL != "" {
		profileCache := ttlcache.New[*profile.Profile](
			ttlcache.WithTTL(cfg.Profile.CacheTTL),
			ttlcache.WithMetrics(ttlcache.NewMetrics(reg.Registerer(), "profile")),
		)
		ttlcache.RegisterEntriesGauge(reg.Registerer(), "profile", profileCache)
		if cfg.Cache.JanitorInterval > 0 {
			profileCache.StartJanitor(ctx, cfg.Cache.JanitorInterval)
		}
		client := profile.New(cfg.Profile.BaseURL,
			profile.WithTimeout(cfg.Profile.Timeout),
			profile.WithBreaker(newBreaker("profile_api")),
			profile.WithRetrier(retry.New(policy,
				retry.WithName("profile_fetch"),
				retry.WithLogger(log),
				retry.WithMetrics(retryMetrics),
			)),
			profile.WithCache(profileCache),
			profile.WithLogger(log),
		)
		deps.Profiles = client
		deps.Breakers = append(deps.Breakers, client.Breaker())
	}

	router := httptransport.NewRouter(httptransport.NewHandler(deps))
	srv := httpserver.New(cfg.Server.Addr, router)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return httpserver.Run(gctx, srv, cfg.Server.ShutdownTimeout, log)
	})
	log.InfoContext(ctx, "tally started",
		"addr", cfg.Server.Addr,
		"store_backend", cfg.Store.Backend,
		"consent_required", cfg.Consent.Required,
		"audit_mirror", cfg.Kafka.Enabled(),
		"tracing", cfg.Tracing.Endpoint != "",
	)
	return g.Wait()
}
