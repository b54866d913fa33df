package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"golang.org/x/sync/errgroup"

	"github.com/jackc/pgx/v5/pgxpool"

	"orderflow/api"
	"orderflow/bus"
	"orderflow/cache"
	"orderflow/command"
	"orderflow/config"
	"orderflow/eventstore"
	"orderflow/idempotency"
	"orderflow/observability"
	"orderflow/outbox"
	"orderflow/projection"
	"orderflow/saga"
	"orderflow/saga/orderworkflow"
	"orderflow/view"
)

func main() {
	log.Println("🚀 Starting orderflow...")
	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tel := observability.Noop()
	defer func() {
		if err := tel.Shutdown(context.Background()); err != nil {
			log.Printf("❌ telemetry shutdown: %v", err)
		}
	}()

	db := connectPostgres(cfg.DatabaseURL)
	defer db.Close()

	pool := connectPgx(ctx, cfg.DatabaseURL)
	defer pool.Close()

	store := eventstore.NewPostgresEventStore(db)
	mustMigrate("event store", store.Migrate(ctx))

	snapshots := eventstore.NewPostgresSnapshotStore(db)
	mustMigrate("snapshots", snapshots.Migrate(ctx))

	outboxStore := outbox.NewPostgresStore(db)
	mustMigrate("outbox", outboxStore.Migrate(ctx))

	idempotencyStore := idempotency.NewPostgresStore(db)
	mustMigrate("idempotency", idempotencyStore.Migrate(ctx))

	sagaStore := saga.NewPostgresStore(db, cfg.SagaRetention)
	mustMigrate("saga", sagaStore.Migrate(ctx))

	views := view.NewPostgresOrderStore(pool)
	mustMigrate("views", views.Migrate(ctx))

	messageBus := connectRabbitMQ(cfg.BusBrokers)
	defer messageBus.Close()

	orderTopic := cfg.BusTopics[0]
	paymentTopic := cfg.BusTopics[1]
	inventoryTopic := cfg.BusTopics[2]

	uow := &command.PostgresUnitOfWork{Store: store, Outbox: outboxStore}
	pipeline := command.NewPipeline(store, uow, idempotencyStore, orderTopic, cfg.IdempotencyTTL, tel)

	readCache := cache.NewTTLCache(cfg.CacheTTL)

	proj := projection.NewOrderProjection(views, tel)
	projSubscriber := projection.NewSubscriber(messageBus, proj, cfg.BusTopics)

	sagaRegistry := saga.NewRegistry()
	sagaRegistry.Register(orderworkflow.Definition(
		&orderworkflow.BalanceCheckExecutor{Bus: messageBus, Topic: orderTopic},
		&orderworkflow.InventoryExecutor{Bus: messageBus, Topic: inventoryTopic},
		&orderworkflow.PaymentExecutor{Bus: messageBus, Topic: paymentTopic},
		&orderworkflow.ConfirmOrderExecutor{Pipeline: pipeline},
		3,
	))
	coordinator := saga.NewCoordinator(sagaStore, sagaRegistry, tel)
	trigger := orderworkflow.NewTrigger(coordinator, pipeline, idempotencyStore)

	relay := outbox.NewRelay(outboxStore, messageBus)

	handler := api.NewOrderHandler(pipeline, views, readCache)
	mux := http.NewServeMux()
	handler.Routes(mux)
	server := &http.Server{Addr: cfg.HTTPAddr, Handler: mux}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		log.Println("🔄 Starting outbox relay...")
		return relay.Run(groupCtx)
	})
	group.Go(func() error {
		log.Println("🔄 Starting order projection subscriber...")
		return projSubscriber.Run(groupCtx)
	})
	group.Go(func() error {
		log.Println("🔄 Starting order saga trigger...")
		return trigger.Run(groupCtx, messageBus, cfg.ConsumerGroup+"-saga", orderTopic)
	})
	group.Go(func() error {
		log.Printf("🌐 Starting HTTP server on %s...", cfg.HTTPAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	log.Println("✅ orderflow is up")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	select {
	case <-sigChan:
		log.Println("🛑 shutting down gracefully...")
	case <-groupCtx.Done():
		log.Println("🛑 a background worker failed, shutting down...")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("❌ HTTP server shutdown error: %v", err)
	}

	cancel()
	if err := group.Wait(); err != nil && err != context.Canceled {
		log.Printf("⚠️ background worker exited with error: %v", err)
	}
	log.Println("👋 goodbye")
}

func connectPostgres(dbURL string) *sql.DB {
	var db *sql.DB
	var err error
	for i := 0; i < 10; i++ {
		db, err = sql.Open("postgres", dbURL)
		if err == nil {
			err = db.Ping()
		}
		if err == nil {
			log.Println("✅ Connected to PostgreSQL")
			return db
		}
		log.Printf("⏳ Attempt %d/10: database not ready: %v", i+1, err)
		if db != nil {
			db.Close()
		}
		time.Sleep(2 * time.Second)
	}
	log.Fatalf("❌ failed to connect to database after 10 attempts: %v", err)
	return nil
}

func connectPgx(ctx context.Context, dbURL string) *pgxpool.Pool {
	var pool *pgxpool.Pool
	var err error
	for i := 0; i < 10; i++ {
		pool, err = pgxpool.New(ctx, dbURL)
		if err == nil {
			err = pool.Ping(ctx)
		}
		if err == nil {
			log.Println("✅ Connected view store pool to PostgreSQL")
			return pool
		}
		log.Printf("⏳ Attempt %d/10: view store pool not ready: %v", i+1, err)
		if pool != nil {
			pool.Close()
		}
		time.Sleep(2 * time.Second)
	}
	log.Fatalf("❌ failed to connect view store pool after 10 attempts: %v", err)
	return nil
}

func connectRabbitMQ(url string) *bus.RabbitMQBus {
	b := bus.NewRabbitMQBus(url)
	var err error
	for i := 0; i < 10; i++ {
		err = b.Connect()
		if err == nil {
			return b
		}
		log.Printf("⏳ Attempt %d/10: failed to connect to RabbitMQ: %v", i+1, err)
		time.Sleep(2 * time.Second)
	}
	log.Fatalf("❌ failed to connect to RabbitMQ after 10 attempts: %v", err)
	return nil
}

func mustMigrate(component string, err error) {
	if err != nil {
		log.Fatalf("❌ migrate %s: %v", component, err)
	}
	log.Printf("✅ %s migrated", component)
}
