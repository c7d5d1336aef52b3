package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"mailcadence/internal/analytics"
	"mailcadence/internal/api"
	"mailcadence/internal/circuitbreaker"
	"mailcadence/internal/config"
	"mailcadence/internal/dispatcher"
	"mailcadence/internal/leaderelection"
	"mailcadence/internal/metrics"
	"mailcadence/internal/reconciler"
	"mailcadence/internal/recurrence"
	"mailcadence/internal/scheduler"
	"mailcadence/internal/store/postgres"
	"mailcadence/internal/transport/channel"

	_ "github.com/lib/pq"
)

// Build-time variables set via -ldflags
var (
	version = "dev"
	commit  = "unknown"
)

const (
	exitSuccess       = 0
	exitRuntimeError  = 1
	exitInvalidConfig = 2
)

func main() {
	// A .env file in the working directory seeds the environment for
	// local development; missing files are not an error.
	_ = godotenv.Load()

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(exitRuntimeError)
	}

	cmd := os.Args[1]

	switch cmd {
	case "serve":
		os.Exit(runServe())
	case "validate":
		os.Exit(runValidate())
	case "config":
		os.Exit(runConfig())
	case "version":
		os.Exit(runVersion())
	case "--help", "-h", "help":
		printUsage()
		os.Exit(exitSuccess)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		printUsage()
		os.Exit(exitRuntimeError)
	}
}

func printUsage() {
	fmt.Println(`mailcadence - recurring email schedule service

Usage:
  mailcadence <command>

Commands:
  serve      Start the API, scheduler and dispatcher
  validate   Validate configuration (no connections made)
  config     Print effective configuration as JSON (secrets masked)
  version    Print version information

Environment Variables:
  DATABASE_URL              PostgreSQL connection string (required)
  REDIS_ADDR                Redis address for send analytics (optional)
  HTTP_ADDR                 HTTP server address (default: ":8080")

  TICK_INTERVAL             Scheduler tick interval (default: "30s")
  FIRING_WINDOW             Half-width of the send-time window (default: "2m30s")

  PROVIDER_URL              Email delivery API endpoint (required)
  PROVIDER_API_KEY          Email delivery API key
  SENDER_FROM               From address on outgoing mail (required)
  PROVIDER_TIMEOUT          Per-request provider timeout (default: "30s")
  SEND_RATE                 Provider requests per second, 0 disables pacing (default: "10")
  SEND_BURST                Rate limiter burst (default: "20")

  DB_OP_TIMEOUT             Database operation timeout (default: "5s")
  DB_MAX_OPEN_CONNS         Max open database connections (default: "25")
  DB_MAX_IDLE_CONNS         Max idle database connections (default: "5")
  DB_CONN_MAX_LIFETIME      Max connection lifetime (default: "30m")

  HTTP_SHUTDOWN_TIMEOUT     Graceful HTTP shutdown timeout (default: "10s")
  DISPATCHER_DRAIN_TIMEOUT  Dispatcher event drain timeout (default: "30s")

  METRICS_ENABLED           Enable Prometheus metrics (default: "false")
  METRICS_PATH              Metrics endpoint path (default: "/metrics")

  RECONCILE_ENABLED         Enable orphan execution reconciler (default: "false")
  RECONCILE_INTERVAL        How often to scan for orphans (default: "5m")
  RECONCILE_THRESHOLD       Age before an execution is orphaned (default: "15m")
  RECONCILE_BATCH_SIZE      Max orphans per cycle (default: "100")

  EVENTBUS_BUFFER_SIZE      Trigger event buffer size (default: "100")
  CIRCUIT_BREAKER_THRESHOLD Consecutive provider failures before opening, 0 disables (default: "5")
  CIRCUIT_BREAKER_COOLDOWN  Open state duration (default: "2m")

  LEADER_LOCK_KEY           Advisory lock key shared by all replicas (default: "911407")
  LEADER_RETRY_INTERVAL     Delay between acquisition attempts (default: "5s")
  LEADER_HEARTBEAT_INTERVAL Lock connection liveness check interval (default: "2s")`)
}

func runServe() int {
	cfg := config.Load()

	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return exitInvalidConfig
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open database: %v\n", err)
		return exitRuntimeError
	}
	defer db.Close()

	db.SetMaxOpenConns(cfg.DBMaxOpenConns)
	db.SetMaxIdleConns(cfg.DBMaxIdleConns)
	db.SetConnMaxLifetime(cfg.DBConnMaxLifetime)

	log.Printf("mailcadence: db pool configured (max_open=%d, max_idle=%d, max_lifetime=%s)",
		cfg.DBMaxOpenConns, cfg.DBMaxIdleConns, cfg.DBConnMaxLifetime)

	if err := db.Ping(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to connect to database: %v\n", err)
		return exitRuntimeError
	}

	store := postgres.New(db)
	eval := recurrence.NewEvaluator(cfg.FiringWindow)
	sender := dispatcher.NewHTTPProviderSender(dispatcher.ProviderConfig{
		URL:     cfg.ProviderURL,
		APIKey:  cfg.ProviderAPIKey,
		From:    cfg.SenderFrom,
		Timeout: cfg.ProviderTimeout,
	})

	var metricsSink *metrics.PrometheusSink
	if cfg.MetricsEnabled {
		metricsSink = metrics.NewPrometheusSink(prometheus.DefaultRegisterer)
		log.Printf("mailcadence: metrics enabled (path=%s)", cfg.MetricsPath)
	} else {
		log.Println("mailcadence: METRICS_ENABLED not set; metrics disabled")
	}

	var busOpts []channel.Option
	if metricsSink != nil {
		busOpts = append(busOpts, channel.WithMetrics(metricsSink))
	}
	bus := channel.NewEventBus(cfg.EventBusBufferSize, busOpts...)

	sched := scheduler.New(
		scheduler.Config{TickInterval: cfg.TickInterval},
		store,
		eval,
		bus,
	)
	if metricsSink != nil {
		sched = sched.WithMetrics(metricsSink)
	}

	disp := dispatcher.New(store, sender).
		WithDrainTimeout(cfg.DispatcherDrainTimeout)
	if metricsSink != nil {
		disp = disp.WithMetrics(metricsSink)
	}
	if cfg.SendRate > 0 {
		disp = disp.WithRateLimiter(rate.NewLimiter(rate.Limit(cfg.SendRate), cfg.SendBurst))
		log.Printf("mailcadence: send pacing enabled (rate=%.1f/s, burst=%d)", cfg.SendRate, cfg.SendBurst)
	}
	if cfg.CircuitBreakerThreshold > 0 {
		disp = disp.WithBreaker(circuitbreaker.New(cfg.CircuitBreakerThreshold, cfg.CircuitBreakerCooldown))
		log.Printf("mailcadence: circuit breaker enabled (threshold=%d, cooldown=%s)",
			cfg.CircuitBreakerThreshold, cfg.CircuitBreakerCooldown)
	}

	if cfg.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{
			Addr: cfg.RedisAddr,
		})
		disp = disp.WithAnalytics(analytics.NewRedisSink(redisClient))
		log.Printf("mailcadence: analytics enabled (redis=%s)", cfg.RedisAddr)
	} else {
		log.Println("mailcadence: REDIS_ADDR not set; analytics disabled")
	}

	// Scheduler and reconciler run only on the elected leader; the
	// dispatcher runs on every replica so any instance can drain events.
	var leaderWg sync.WaitGroup
	onElected := func(ctx context.Context) {
		leaderWg.Add(1)
		go func() {
			defer leaderWg.Done()
			if err := sched.Run(ctx); err != nil && err != context.Canceled {
				log.Printf("mailcadence: scheduler stopped with error: %v", err)
			}
		}()

		if cfg.ReconcileEnabled {
			recon := reconciler.New(
				reconciler.Config{
					Interval:  cfg.ReconcileInterval,
					Threshold: cfg.ReconcileThreshold,
					BatchSize: cfg.ReconcileBatchSize,
				},
				store,
				bus,
			)
			leaderWg.Add(1)
			go func() {
				defer leaderWg.Done()
				recon.Run(ctx)
			}()
			log.Printf("mailcadence: reconciler enabled (interval=%s, threshold=%s, batch=%d)",
				cfg.ReconcileInterval, cfg.ReconcileThreshold, cfg.ReconcileBatchSize)
		}
	}
	onDemoted := func() {
		leaderWg.Wait()
	}

	elector := leaderelection.New(
		db,
		cfg.LeaderLockKey,
		cfg.LeaderRetryInterval,
		cfg.LeaderHeartbeatInterval,
		onElected,
		onDemoted,
	)
	if metricsSink != nil {
		elector = elector.WithMetrics(metricsSink)
	}

	apiHandler := api.NewHandler(store, eval).
		WithHealthChecker(store).
		WithLeaderReporter(elector)

	mux := http.NewServeMux()
	if cfg.MetricsEnabled {
		mux.Handle(cfg.MetricsPath, promhttp.Handler())
	}
	mux.Handle("/", apiHandler)

	httpServer := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: mux,
	}

	go func() {
		log.Printf("mailcadence: http server listening on %s", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("mailcadence: http server error: %v", err)
		}
	}()

	electorCtx, cancelElector := context.WithCancel(context.Background())
	dispatcherCtx, cancelDispatcher := context.WithCancel(context.Background())

	var electorWg sync.WaitGroup
	var dispatcherWg sync.WaitGroup

	electorWg.Add(1)
	go func() {
		defer electorWg.Done()
		elector.Run(electorCtx)
	}()

	dispatcherWg.Add(1)
	go func() {
		defer dispatcherWg.Done()
		disp.Run(dispatcherCtx, bus.Channel())
	}()

	log.Printf("mailcadence: started (tick=%s, window=%s, http=%s)",
		cfg.TickInterval, cfg.FiringWindow, cfg.HTTPAddr)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	received := <-sig

	log.Printf("mailcadence: received signal %v, shutting down", received)

	// Phase 1: Release leadership; this stops the scheduler and reconciler
	// so no new events are emitted.
	log.Println("mailcadence: releasing leadership...")
	cancelElector()
	electorWg.Wait()
	leaderWg.Wait()
	log.Println("mailcadence: leader duties stopped")

	// Phase 2: Stop dispatcher (will drain buffered events before returning)
	log.Println("mailcadence: stopping dispatcher (draining events)...")
	cancelDispatcher()
	dispatcherWg.Wait()
	log.Println("mailcadence: dispatcher stopped")

	// Phase 3: Stop HTTP server with graceful shutdown
	log.Println("mailcadence: stopping http server...")
	httpShutdownCtx, httpShutdownCancel := context.WithTimeout(context.Background(), cfg.HTTPShutdownTimeout)
	defer httpShutdownCancel()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil {
		log.Printf("mailcadence: http server shutdown error: %v", err)
	}
	log.Println("mailcadence: http server stopped")

	log.Println("mailcadence: stopped")
	return exitSuccess
}

func runValidate() int {
	cfg := config.Load()

	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return exitInvalidConfig
	}

	fmt.Println("configuration valid")
	return exitSuccess
}

func runConfig() int {
	cfg := config.Load()

	data, err := cfg.MaskedJSON()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to marshal config: %v\n", err)
		return exitRuntimeError
	}

	fmt.Println(string(data))
	return exitSuccess
}

func runVersion() int {
	fmt.Printf("mailcadence version %s (commit: %s)\n", version, commit)
	return exitSuccess
}
