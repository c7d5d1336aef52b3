package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"mailcadence/internal/analytics"
	"mailcadence/internal/circuitbreaker"
	"mailcadence/internal/config"
	"mailcadence/internal/dispatcher"
	"mailcadence/internal/reconciler"
	"mailcadence/internal/store/postgres"
	"mailcadence/internal/transport/channel"

	_ "github.com/lib/pq"
)

// The worker is a dispatch-only replica. It never claims runs itself: the
// reconciler re-emits executions the main process claimed but failed to
// dispatch, and the dispatcher drains them. Useful for working off a
// backlog after a provider outage without restarting the main process.
func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(2)
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open database: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	db.SetMaxOpenConns(cfg.DBMaxOpenConns)
	db.SetMaxIdleConns(cfg.DBMaxIdleConns)
	db.SetConnMaxLifetime(cfg.DBConnMaxLifetime)

	if err := db.Ping(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to connect to database: %v\n", err)
		os.Exit(1)
	}

	store := postgres.New(db)
	sender := dispatcher.NewHTTPProviderSender(dispatcher.ProviderConfig{
		URL:     cfg.ProviderURL,
		APIKey:  cfg.ProviderAPIKey,
		From:    cfg.SenderFrom,
		Timeout: cfg.ProviderTimeout,
	})

	bus := channel.NewEventBus(cfg.EventBusBufferSize)

	disp := dispatcher.New(store, sender).
		WithDrainTimeout(cfg.DispatcherDrainTimeout)
	if cfg.SendRate > 0 {
		disp = disp.WithRateLimiter(rate.NewLimiter(rate.Limit(cfg.SendRate), cfg.SendBurst))
	}
	if cfg.CircuitBreakerThreshold > 0 {
		disp = disp.WithBreaker(circuitbreaker.New(cfg.CircuitBreakerThreshold, cfg.CircuitBreakerCooldown))
	}

	if cfg.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{
			Addr: cfg.RedisAddr,
		})
		disp = disp.WithAnalytics(analytics.NewRedisSink(redisClient))
		log.Printf("worker: analytics enabled (redis=%s)", cfg.RedisAddr)
	} else {
		log.Println("worker: REDIS_ADDR not set; analytics disabled")
	}

	recon := reconciler.New(
		reconciler.Config{
			Interval:  cfg.ReconcileInterval,
			Threshold: cfg.ReconcileThreshold,
			BatchSize: cfg.ReconcileBatchSize,
		},
		store,
		bus,
	)

	// Reconciler stops first so no new events are emitted, then the
	// dispatcher drains what is left on the bus.
	reconcilerCtx, cancelReconciler := context.WithCancel(context.Background())
	dispatcherCtx, cancelDispatcher := context.WithCancel(context.Background())

	var reconcilerWg sync.WaitGroup
	var dispatcherWg sync.WaitGroup

	reconcilerWg.Add(1)
	go func() {
		defer reconcilerWg.Done()
		recon.Run(reconcilerCtx)
	}()

	dispatcherWg.Add(1)
	go func() {
		defer dispatcherWg.Done()
		disp.Run(dispatcherCtx, bus.Channel())
	}()

	log.Printf("worker: started (reconcile_interval=%s, threshold=%s, batch=%d)",
		cfg.ReconcileInterval, cfg.ReconcileThreshold, cfg.ReconcileBatchSize)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	received := <-sig

	log.Printf("worker: received signal %v, shutting down", received)

	log.Println("worker: stopping reconciler...")
	cancelReconciler()
	reconcilerWg.Wait()
	log.Println("worker: reconciler stopped")

	log.Println("worker: stopping dispatcher (draining events)...")
	cancelDispatcher()
	dispatcherWg.Wait()
	log.Println("worker: dispatcher stopped")

	log.Println("worker: stopped")
}
