// Package app assembles the runtime: database, stores, aggregation
// adapters, payment gateways and the engine, from the workspace config.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"grantline/internal/aggregate"
	"grantline/internal/audit"
	"grantline/internal/config"
	"grantline/internal/db"
	"grantline/internal/domain"
	"grantline/internal/engine"
	"grantline/internal/ledger"
	"grantline/internal/payment"
)

type App struct {
	DB     *sql.DB
	Config *config.Config
	Engine engine.Engine
	Log    *logrus.Logger
}

// Build opens the workspace database, runs migrations and wires the full
// engine. The caller owns closing App.DB.
func Build(ctx context.Context, workspace string, log *logrus.Logger) (*App, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(workspace)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	store := ledger.NewSQLStore(conn)
	trail := audit.NewSQLTrail(conn)

	agg := aggregate.New(log, cfg.Aggregation.CacheTTL.Duration, cfg.Aggregation.SourceTimeout.Duration)
	for logical, sources := range cfg.Aggregation.Sources {
		for _, src := range sources {
			switch src.Kind {
			case "http":
				agg.Register(logical, aggregate.NewHTTPSource(src.Name, src.Endpoint, src.APIKey))
			case "static":
				agg.Register(logical, aggregate.NewStaticSource(src.Name))
			}
		}
	}

	orch := &payment.Orchestrator{
		Ledger:      store,
		Trail:       trail,
		Gateways:    simGateways(),
		Deferred:    payment.NewRetryQueue(),
		Currency:    cfg.Payment.Currency,
		MaxAttempts: cfg.Payment.MaxAttempts,
		BaseDelay:   cfg.Payment.BaseDelay.Duration,
		MaxDelay:    cfg.Payment.MaxDelay.Duration,
		Log:         log,
	}

	eng := engine.New(store, trail, agg, orch, cfg, log)
	orch.Now = eng.Now

	a := &App{DB: conn, Config: cfg, Engine: eng, Log: log}
	if err := a.seedPrincipals(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return a, nil
}

// TODO: replace the simulated gateways with real provider adapters once a
// provider account exists per method.
func simGateways() map[domain.PaymentMethod]payment.Gateway {
	methods := []domain.PaymentMethod{
		domain.MethodBankTransfer,
		domain.MethodCard,
		domain.MethodWire,
		domain.MethodCrypto,
	}
	out := make(map[domain.PaymentMethod]payment.Gateway, len(methods))
	for _, m := range methods {
		out[m] = payment.NewSimGateway(m)
	}
	return out
}

func (a *App) seedPrincipals(ctx context.Context) error {
	for _, seed := range a.Config.Principals {
		_, err := a.Engine.Ledger.GetPrincipal(ctx, seed.ID)
		if err == nil {
			continue
		}
		p := domain.Principal{
			ID:        seed.ID,
			Role:      domain.Role(seed.Role),
			WalletRef: seed.WalletRef,
			CreatedAt: a.Engine.Now().UTC().Format(time.RFC3339),
		}
		if err := a.Engine.Ledger.RegisterPrincipal(ctx, p); err != nil {
			return fmt.Errorf("seed principal %s: %w", seed.ID, err)
		}
		a.Log.WithField("principal", seed.ID).Info("seeded principal")
	}
	return nil
}
