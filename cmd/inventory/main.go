package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/ariefcatur/gadget-settlement/internal/config"
	"github.com/ariefcatur/gadget-settlement/internal/inventory"
	kafkax "github.com/ariefcatur/gadget-settlement/internal/kafka"
	"github.com/ariefcatur/gadget-settlement/internal/orders"
	"github.com/ariefcatur/gadget-settlement/internal/redisx"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Redis
	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()

	avail := &inventory.Availability{
		Redis:   rdb,
		Service: cfg.ServiceName + "-inventory",
		Logger:  logger,
	}

	// Consumer
	cons := kafkax.NewConsumer(cfg.KafkaBrokers, cfg.InventoryGroup, orders.TopicOrderFinalized, cfg.InventoryWorkers, logger)

	done := make(chan struct{})
	go func() {
		defer close(done)
		log.Printf("inventory consumer started: group=%s topic=%s workers=%d",
			cfg.InventoryGroup, orders.TopicOrderFinalized, cfg.InventoryWorkers)
		if err := cons.Start(ctx, avail.HandleOrderFinalized); err != nil {
			log.Printf("consumer exit: %v", err)
			cancel()
		}
	}()

	// graceful shutdown
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sig:
	case <-ctx.Done():
	}
	log.Println("shutting down consumer...")
	cancel()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		log.Println("consumer did not drain in time")
	}
}
