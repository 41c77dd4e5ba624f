package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	jwttoken "gigverify/internal/jwt_token"
	"gigverify/internal/platform/config"
	"gigverify/internal/platform/httpserver"
	"gigverify/internal/platform/logger"
	"gigverify/internal/platform/middleware"
	"gigverify/internal/platform/postgres"
	"gigverify/internal/platform/redis"
	"gigverify/internal/verification/handler"
	"gigverify/internal/verification/metrics"
	"gigverify/internal/verification/service"
	"gigverify/internal/verification/sla"
	"gigverify/internal/verification/stats"
	"gigverify/internal/verification/store/entity"
	"gigverify/internal/verification/store/ledger"
	"gigverify/pkg/platform/httputil"
)

// registry is what main needs from an entity store: the service surface plus
// Create for seeding.
type registry interface {
	service.EntityStore
	entity.Creator
}

// infra holds the stores chosen from configuration.
type infra struct {
	entities registry
	ledger   service.Ledger
	tx       service.Tx
	health   []func(context.Context) error
	closers  []func() error
}

// main wires dependencies, exposes the HTTP router, and keeps the server
// lifecycle small. Business logic lives in internal/verification.
func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}
	log := logger.New(cfg.Log.Format, cfg.Log.Level)
	slog.SetDefault(log)

	if err := run(cfg, log); err != nil {
		log.Error("server stopped with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	backends, err := buildInfra(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer backends.close(log)

	m := metrics.New(prometheus.DefaultRegisterer)
	svc := service.New(backends.entities, backends.ledger,
		service.WithLogger(log),
		service.WithMetrics(m),
		service.WithTx(backends.tx),
	)

	tokens := jwttoken.NewService(cfg.Server.JWTSigningKey, cfg.Server.JWTIssuer)
	if cfg.SeedDemo {
		if err := seedDemo(ctx, backends.entities, tokens, log); err != nil {
			return err
		}
	}

	calc := sla.NewCalculator(sla.Thresholds{Warning: cfg.SLA.WarningAfter, Critical: cfg.SLA.CriticalAfter})
	sweeper := sla.NewSweeper(calc, svc, m, log, cfg.SLA.SweepInterval)
	if err := sweeper.Start(ctx); err != nil {
		return fmt.Errorf("start sla sweeper: %w", err)
	}
	defer sweeper.Stop()

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RequestTime)
	r.Use(middleware.Logger(log))
	r.Use(middleware.Recovery(log))
	r.Get("/healthz", healthz(backends.health))
	r.Handle("/metrics", promhttp.Handler())
	handler.New(svc, stats.NewAggregator(svc), calc, jwttoken.NewServiceAdapter(tokens), log).Register(r)

	srv := httpserver.New(cfg.Server.Addr, r)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("starting gigverify", "addr", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		return nil
	})
	return g.Wait()
}

// buildInfra picks the backends: PostgreSQL for both stores when DATABASE_URL
// is set, otherwise a Redis or in-memory registry with the in-memory ledger.
func buildInfra(ctx context.Context, cfg config.Config, log *slog.Logger) (*infra, error) {
	if cfg.Postgres.URL != "" {
		db, err := postgres.Open(ctx, postgres.Config{
			URL:             cfg.Postgres.URL,
			MaxOpenConns:    cfg.Postgres.MaxOpenConns,
			MaxIdleConns:    cfg.Postgres.MaxIdleConns,
			ConnMaxLifetime: cfg.Postgres.ConnMaxLifetime,
		})
		if err != nil {
			return nil, err
		}
		if err := postgres.EnsureSchema(ctx, db); err != nil {
			_ = db.Close()
			return nil, err
		}
		log.Info("using postgres registry and ledger")
		return &infra{
			entities: entity.NewPostgres(db),
			ledger:   ledger.NewPostgres(db),
			tx:       service.NewSQLTx(db),
			health:   []func(context.Context) error{pingDB(db)},
			closers:  []func() error{db.Close},
		}, nil
	}

	in := &infra{
		ledger: ledger.NewInMemory(ledger.WithMaxEntries(cfg.Ledger.MaxEntries)),
		tx:     service.NewShardedTx(),
	}
	rc, err := redis.New(ctx, cfg.Redis)
	if err != nil {
		return nil, err
	}
	if rc != nil {
		log.Info("using redis registry and in-memory ledger", "ledger_max_entries", cfg.Ledger.MaxEntries)
		in.entities = entity.NewRedis(rc.Client)
		in.health = append(in.health, rc.Health)
		in.closers = append(in.closers, rc.Close)
		return in, nil
	}
	log.Info("using in-memory registry and ledger", "ledger_max_entries", cfg.Ledger.MaxEntries)
	in.entities = entity.NewInMemory()
	return in, nil
}

func (i *infra) close(log *slog.Logger) {
	for _, c := range i.closers {
		if err := c(); err != nil {
			log.Warn("failed to close resource", "error", err)
		}
	}
}

func pingDB(db *sql.DB) func(context.Context) error {
	return db.PingContext
}

func seedDemo(ctx context.Context, entities entity.Creator, tokens *jwttoken.Service, log *slog.Logger) error {
	created, err := entity.SeedDemo(ctx, entities, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("seed demo data: %w", err)
	}
	token, err := tokens.IssueVerifierToken("verifier_demo", "Demo Verifier", 24*time.Hour)
	if err != nil {
		return fmt.Errorf("issue demo token: %w", err)
	}
	log.Info("demo data seeded", "created", created)
	log.Debug("demo verifier token", "verifier_token", token)
	return nil
}

func healthz(checks []func(context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		for _, check := range checks {
			if err := check(ctx); err != nil {
				httputil.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
				return
			}
		}
		httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
