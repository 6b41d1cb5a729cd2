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

	_ "github.com/jackc/pgx/v5/stdlib"
	"golang.org/x/sync/errgroup"

	"idvault/internal/capability"
	capabilityhandler "idvault/internal/capability/handler"
	"idvault/internal/credential"
	credentialhandler "idvault/internal/credential/handler"
	"idvault/internal/event"
	"idvault/internal/identity"
	identityhandler "idvault/internal/identity/handler"
	memorystore "idvault/internal/identity/store/memory"
	postgresstore "idvault/internal/identity/store/postgres"
	redisstore "idvault/internal/identity/store/redis"
	"idvault/internal/permission"
	permissionhandler "idvault/internal/permission/handler"
	"idvault/internal/platform/config"
	"idvault/internal/platform/httpserver"
	"idvault/internal/platform/logger"
	"idvault/internal/platform/metrics"
	platformredis "idvault/internal/platform/redis"
	"idvault/internal/recovery"
	recoveryhandler "idvault/internal/recovery/handler"
	httptransport "idvault/internal/transport/http"
)

const shutdownGrace = 10 * time.Second

// main wires high-level dependencies, exposes the HTTP router, and keeps the
// server lifecycle small. Business logic lives in the internal service
// packages.
func main() {
	cfg := config.FromEnv()
	log := logger.New(cfg.LogLevel)

	if err := run(cfg, log); err != nil {
		log.Error("server exited with error", "error", err.Error())
		os.Exit(1)
	}
}

func run(cfg config.Server, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.New()

	store, txRunner, closeStore, err := newIdentityStore(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("initialize identity store: %w", err)
	}
	defer closeStore()

	publisher := event.NewPublisher(256, log)
	sink, closeSink, err := newEventSink(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("initialize event sink: %w", err)
	}
	defer closeSink()
	worker := event.NewWorker(sink, publisher.Inbox(), log)

	minter := capability.NewMinter(cfg.CapabilitySigningKey)

	identitySvc := identity.NewService(store, txRunner, publisher, m)
	permissionSvc := permission.NewService(txRunner, publisher, m)
	credentialSvc := credential.NewService(txRunner, publisher, m)
	recoverySvc := recovery.NewService(txRunner, publisher, minter, m)

	router := httptransport.NewRouter(log,
		identityhandler.New(identitySvc, minter, log),
		permissionhandler.New(permissionSvc, log),
		credentialhandler.New(credentialSvc, minter, log),
		recoveryhandler.New(recoverySvc, minter, log),
		capabilityhandler.New(minter, log),
	)

	srv := httpserver.New(cfg.Addr, router)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("starting idvault", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		if err := worker.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("event worker: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down", "grace", shutdownGrace.String())
		return httpserver.Shutdown(srv, shutdownGrace)
	})

	return g.Wait()
}

// newIdentityStore picks the persistence backend from configuration. Postgres
// wins when a DSN is set, then Redis, then the in-memory store.
func newIdentityStore(ctx context.Context, cfg config.Server, log *slog.Logger) (identity.Store, identity.TxRunner, func(), error) {
	if cfg.PostgresDSN != "" {
		db, err := sql.Open("pgx", cfg.PostgresDSN)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("open postgres: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, nil, nil, fmt.Errorf("ping postgres: %w", err)
		}
		if err := postgresstore.Migrate(ctx, db); err != nil {
			db.Close()
			return nil, nil, nil, fmt.Errorf("migrate postgres: %w", err)
		}
		log.Info("using postgres identity store")
		return postgresstore.NewStore(db), postgresstore.NewTx(db), func() { db.Close() }, nil
	}

	if cfg.Redis.URL != "" {
		client, err := platformredis.New(cfg.Redis)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("connect redis: %w", err)
		}
		store := redisstore.NewStore(client.Client)
		log.Info("using redis identity store")
		return store, redisstore.NewShardedTx(store), func() { client.Close() }, nil
	}

	log.Info("using in-memory identity store")
	store := memorystore.NewStore()
	return store, memorystore.NewShardedTx(store), func() {}, nil
}

// newEventSink returns the Kafka sink when brokers are configured, otherwise
// a log sink so transitions remain visible in development.
func newEventSink(ctx context.Context, cfg config.Server, log *slog.Logger) (event.Sink, func(), error) {
	if len(cfg.KafkaBrokers) > 0 {
		sink, err := event.NewKafkaSink(ctx, cfg.KafkaBrokers, cfg.KafkaTopic)
		if err != nil {
			return nil, nil, fmt.Errorf("connect kafka: %w", err)
		}
		log.Info("publishing events to kafka", "topic", cfg.KafkaTopic)
		return sink, sink.Close, nil
	}
	return event.NewLogSink(log), func() {}, nil
}
