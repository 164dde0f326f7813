package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/ariefcatur/gadget-settlement/internal/config"
	"github.com/ariefcatur/gadget-settlement/internal/gateway"
	"github.com/ariefcatur/gadget-settlement/internal/httpx"
	"github.com/ariefcatur/gadget-settlement/internal/inventory"
	kafkax "github.com/ariefcatur/gadget-settlement/internal/kafka"
	"github.com/ariefcatur/gadget-settlement/internal/ledger"
	"github.com/ariefcatur/gadget-settlement/internal/ledger/memory"
	"github.com/ariefcatur/gadget-settlement/internal/notify"
	"github.com/ariefcatur/gadget-settlement/internal/postgres"
	"github.com/ariefcatur/gadget-settlement/internal/redisx"
	"github.com/ariefcatur/gadget-settlement/internal/settlement"
)

func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Ledger
	var store ledger.Store
	switch cfg.StoreDriver {
	case "memory":
		log.Println("using in-memory ledger; state is lost on exit")
		store = memory.New()
	default:
		db, err := postgres.Connect(ctx, cfg.PostgresDSN)
		if err != nil {
			log.Fatalf("db connect: %v", err)
		}
		defer db.Close()
		if err := postgres.Migrate(ctx, db); err != nil {
			log.Fatalf("db migrate: %v", err)
		}
		store = &postgres.Store{DB: db}
	}

	// Redis
	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()
	cache := &redisx.OrderCache{RDB: rdb, Logger: logger}
	avail := &redisx.AvailabilityCache{RDB: rdb, Logger: logger}

	// Kafka producer
	prod := kafkax.NewProducer(cfg.KafkaBrokers, 1024, logger)
	prod.Start(ctx)

	// Gateway
	client, err := gateway.NewClient(gateway.Config{
		BaseURL:      cfg.GatewayBaseURL,
		APIKey:       cfg.GatewayAPIKey,
		PrivateKey:   cfg.GatewayPrivateKey,
		MerchantCode: cfg.GatewayMerchantCode,
		Timeout:      cfg.GatewayTimeout,
	})
	if err != nil {
		log.Fatalf("gateway: %v", err)
	}
	adapter := &gateway.Adapter{
		Client:      client,
		CallbackURL: cfg.CallbackURL,
		ReturnURL:   cfg.ReturnURL,
		TTL:         cfg.PaymentTTL,
		Logger:      logger,
	}

	policy, err := settlement.PolicyByName(cfg.SplitFailurePolicy)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	inv := &inventory.Service{Store: store, Cache: avail, Logger: logger}
	rec := &settlement.Reconciler{
		Store:     store,
		Inventory: inv,
		Gateway:   client,
		Reissuer:  adapter,
		Notifier: notify.Multi{
			notify.Log{Logger: logger},
			&notify.Kafka{Publisher: prod, Producer: cfg.ServiceName},
		},
		Events:        prod,
		Cache:         cache,
		Policy:        policy,
		Ceiling:       cfg.GatewayMaxAmount,
		Service:       cfg.ServiceName,
		NotifyTimeout: cfg.NotifyTimeout,
		Logger:        logger,
	}
	co := &settlement.Checkout{
		Store:        store,
		Gateway:      adapter,
		Events:       prod,
		Availability: avail,
		Ceiling:      cfg.GatewayMaxAmount,
		Service:      cfg.ServiceName,
		Logger:       logger,
	}

	// Missed callbacks
	sweeper := &settlement.Sweeper{
		Reconciler: rec,
		Interval:   cfg.SweepInterval,
		MinAge:     cfg.SweepMinAge,
		Logger:     logger,
	}
	go sweeper.Run(ctx)

	// HTTP
	router := httpx.NewRouter()
	(&httpx.WebhookHandler{
		Reconciler: rec,
		PrivateKey: cfg.GatewayPrivateKey,
		Redis:      rdb,
		Service:    cfg.ServiceName,
		Logger:     logger,
	}).Register(router)
	(&httpx.OrdersHandler{
		Checkout:   co,
		Reconciler: rec,
		Store:      store,
		Redis:      rdb,
		Cache:      cache,
	}).Register(router)
	(&httpx.UnitsHandler{Inventory: inv, Redis: rdb}).Register(router)

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router}

	// graceful shutdown
	go func() {
		log.Printf("HTTP listening at %s", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Println("shutting down...")

	ctx2, cancel2 := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel2()
	_ = srv.Shutdown(ctx2)
	prod.Close()      // stop accepting, flush inbox
	cancel()          // stop sweeper and producer loop
	prod.WaitClosed() // writer closed
}
