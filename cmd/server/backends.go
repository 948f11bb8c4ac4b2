package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	consentService "tally/internal/consent/service"
	consentMemory "tally/internal/consent/store/memory"
	consentPostgres "tally/internal/consent/store/postgres"
	"tally/internal/ledger"
	ledgerMemory "tally/internal/ledger/store/memory"
	ledgerPostgres "tally/internal/ledger/store/postgres"
	ledgerRedis "tally/internal/ledger/store/redis"
	"tally/internal/platform/config"
	platformredis "tally/internal/platform/redis"
	httptransport "tally/internal/transport/http"
	audit "tally/pkg/platform/audit"
	auditMemory "tally/pkg/platform/audit/store/memory"
	auditPostgres "tally/pkg/platform/audit/store/postgres"
	pg "tally/pkg/platform/postgres"
	txcontext "tally/pkg/platform/tx"
)

// backends holds the stores selected by configuration. Balance records follow
// TALLY_STORE_BACKEND; consent and audit records live in Postgres whenever a
// DSN is configured and in memory otherwise.
type backends struct {
	ledger    ledger.Store
	consent   consentService.Store
	consentTx consentService.ConsentStoreTx
	audit     audit.Store
	health    []httptransport.HealthCheck
	closers   []func() error
}

func (b *backends) Close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		errs = append(errs, b.closers[i]())
	}
	return errors.Join(errs...)
}

func openBackends(ctx context.Context, cfg config.Config, log *slog.Logger) (*backends, error) {
	b := &backends{}

	var db *sql.DB
	if cfg.Store.PostgresDSN != "" {
		var err error
		db, err = pg.Open(ctx, pg.Config{
			DSN:             cfg.Store.PostgresDSN,
			MaxOpenConns:    cfg.Store.MaxOpenConns,
			MaxIdleConns:    cfg.Store.MaxIdleConns,
			ConnMaxLifetime: cfg.Store.ConnMaxLifetime,
		})
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, db.Close)
		b.health = append(b.health, httptransport.HealthCheck{Name: "postgres", Check: db.PingContext})
		if cfg.Store.Migrate {
			if err := pg.Migrate(ctx, db); err != nil {
				_ = b.Close()
				return nil, err
			}
		}
	}

	switch cfg.Store.Backend {
	case config.BackendPostgres:
		b.ledger = ledgerPostgres.NewPostgres(db)
	case config.BackendRedis:
		client, err := platformredis.New(ctx, cfg.Redis)
		if err != nil {
			_ = b.Close()
			return nil, err
		}
		b.closers = append(b.closers, client.Close)
		b.health = append(b.health, httptransport.HealthCheck{Name: "redis", Check: client.Health})
		b.ledger = ledgerRedis.NewRedis(client.Client)
	case config.BackendMemory:
		b.ledger = ledgerMemory.NewInMemoryStore()
	default:
		_ = b.Close()
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}

	if db != nil {
		store := consentPostgres.NewPostgres(db)
		b.consent = store
		b.consentTx = consentService.NewSQLTx(txcontext.NewSQLRunner(db), store)
		b.audit = auditPostgres.New(db)
	} else {
		store := consentMemory.NewInMemoryStore()
		b.consent = store
		b.consentTx = consentService.NewShardedTx(store)
		b.audit = auditMemory.NewInMemoryStore()
		log.WarnContext(ctx, "consent and audit records are held in memory; set TALLY_POSTGRES_DSN to persist them")
	}
	return b, nil
}
