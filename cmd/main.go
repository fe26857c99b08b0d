package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ledgerline/invoicing-service/internal/audit"
	"github.com/ledgerline/invoicing-service/internal/db"
	"github.com/ledgerline/invoicing-service/internal/distlock"
	"github.com/ledgerline/invoicing-service/internal/events"
	httpapi "github.com/ledgerline/invoicing-service/internal/http"
	"github.com/ledgerline/invoicing-service/internal/idempotency"
	"github.com/ledgerline/invoicing-service/internal/inventory"
	"github.com/ledgerline/invoicing-service/internal/invoice"
	"github.com/ledgerline/invoicing-service/internal/kv"
	"github.com/ledgerline/invoicing-service/internal/resilience"
	"github.com/ledgerline/invoicing-service/internal/saga"
	"github.com/ledgerline/invoicing-service/internal/sequence"
)

type config struct {
	port          string
	runMigrations bool

	lockStoreAddrs []string
	lockInvoices   bool

	inventoryURL string
	auditURL     string

	idempotencyTTL time.Duration
	dlqQueueSize   int
}

func loadConfig() config {
	return config{
		port:           env("PORT", "8085"),
		runMigrations:  envBool("RUN_MIGRATIONS", true),
		lockStoreAddrs: strings.Split(env("LOCK_STORE_ADDRS", "localhost:6379"), ","),
		lockInvoices:   envBool("LOCK_INVOICE_CREATION", false),
		inventoryURL:   env("INVENTORY_URL", "http://localhost:8083"),
		auditURL:       env("AUDIT_URL", "http://localhost:8084"),
		idempotencyTTL: envDuration("IDEMPOTENCY_TTL", 24*time.Hour),
		dlqQueueSize:   envInt("DLQ_QUEUE_SIZE", 256),
	}
}

func main() {
	cfg := loadConfig()

	logger := log.New(os.Stdout, "[invoicing-service] ", log.LstdFlags|log.Lmicroseconds)

	// DB
	dsn := db.GetDSN()
	if cfg.runMigrations {
		if err := db.RunMigrations(dsn, logger); err != nil {
			logger.Fatalf("migrations: %v", err)
		}
	}
	database := db.MustOpen()
	defer database.Close()

	invoiceRepo := invoice.NewRepository(database)
	seqRepo := sequence.NewRepository(database)

	// Lock stores and idempotency cache share the same key-value backends.
	stores := make([]kv.Store, 0, len(cfg.lockStoreAddrs))
	for _, addr := range cfg.lockStoreAddrs {
		client := redis.NewClient(&redis.Options{Addr: strings.TrimSpace(addr)})
		stores = append(stores, kv.NewRedisStore(client))
	}
	lockManager := distlock.NewManager(stores, logger)
	idemStore := idempotency.NewStore(stores[0], cfg.idempotencyTTL, 10*time.Second)

	// RabbitMQ
	rabbitConn := events.MustDialRabbit()
	defer rabbitConn.Close()

	publisher, err := events.NewPublisher(rabbitConn, seqRepo, "invoicing-service")
	if err != nil {
		logger.Fatalf("events publisher: %v", err)
	}
	defer publisher.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dlq := events.NewDLQWorker(publisher, logger, cfg.dlqQueueSize)
	dlq.Start(ctx)

	// Resilience stack for the inventory collaborator.
	breaker := resilience.NewBreaker(resilience.BreakerConfig{
		Name:         "inventory",
		CallTimeout:  5 * time.Second,
		Window:       time.Minute,
		ResetTimeout: 30 * time.Second,
		OnStateChange: func(name string, from, to resilience.BreakerState) {
			logger.Printf("breaker %s: %s -> %s", name, from, to)
		},
	})
	retry := resilience.NewRetry(3, 100*time.Millisecond, 2*time.Second)
	bulkhead := resilience.NewBulkhead(10, 20)
	guard := resilience.Compose(bulkhead, breaker, retry)

	inventoryClient := inventory.NewClient(cfg.inventoryURL, 5*time.Second)
	auditClient := audit.NewClient(cfg.auditURL, 3*time.Second)

	invoiceSaga := saga.NewInvoiceCreationSaga(saga.Config{
		Inventory:   inventoryClient,
		Invoices:    invoiceRepo,
		Auditor:     auditClient,
		Publisher:   publisher,
		DeadLetters: dlq,
		Locks:       lockManager,
		Guard:       guard,
		Logger:      logger,
	})

	// HTTP
	handler := httpapi.NewHandler(invoiceSaga, invoiceRepo, idemStore, logger, cfg.lockInvoices)
	router := httpapi.NewRouter(handler, idemStore, logger)

	srv := &http.Server{
		Addr:         ":" + cfg.port,
		Handler:      router,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 35 * time.Second,
	}

	go func() {
		logger.Printf("invoicing-service listening on :%s", cfg.port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("server error: %v", err)
		}
	}()

	// Graceful shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	logger.Println("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)

	// drain pending dead letters before the broker connection goes away
	dlq.Close()
	cancel()
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
		}
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		n, err := strconv.Atoi(v)
		if err == nil {
			return n
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err == nil {
			return d
		}
	}
	return def
}
