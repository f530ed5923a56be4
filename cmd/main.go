/**
 * @description
 * This is the main entry point for the claim-service. It is responsible for
 * initializing all components of the service, including configuration, database
 * connection, the ledger client, the message broker, the Redis-backed lock and
 * rate limiter, the drop scheduler, and the HTTP server. It wires everything
 * together and starts the service.
 *
 * @dependencies
 * - log, net/http: Standard Go libraries for logging and HTTP server functionality.
 * - github.com/go-chi/chi/v5: For HTTP routing.
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - internal/api, internal/app, internal/config, internal/store: Internal packages for the service.
 * - pkg/ledgerclient: Client for the external rewards ledger.
 * - pkg/rabbitmq: Client for RabbitMQ.
 */

package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rewardrush/claim-service/internal/api"
	"github.com/rewardrush/claim-service/internal/app"
	"github.com/rewardrush/claim-service/internal/config"
	"github.com/rewardrush/claim-service/internal/domain"
	"github.com/rewardrush/claim-service/internal/store"
	"github.com/rewardrush/claim-service/pkg/ledgerclient"
	rrrabbit "github.com/rewardrush/claim-service/pkg/rabbitmq"
)

func main() {
	// Load application configuration from environment variables.
	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}
	if strings.TrimSpace(cfg.InternalAPIKey) == "" {
		log.Fatalf("level=fatal component=bootstrap msg=\"internal api key must be configured\" env=INTERNAL_API_KEY")
	}

	log.Printf("level=info component=bootstrap msg=\"starting claim-service\" port=%s", cfg.ServerPort)

	// Establish a connection pool to the PostgreSQL database.
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database url parse failed\" err=%v", err)
	}

	// Connection pool sizing for claim bursts: every claimant hits the
	// service within seconds of a drop notification.
	poolConfig.MaxConns = 100
	poolConfig.MinConns = 20
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	// Disable prepared statement caching to prevent conflicts
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database connection failed\" err=%v", err)
	}
	defer dbpool.Close()
	log.Println("level=info component=bootstrap msg=\"database connected\"")

	// Initialize the RabbitMQ producer to publish drop/claim events. A
	// broker outage degrades to a logging fallback rather than blocking boot.
	var publisher rrrabbit.Publisher
	rabbitProducer, err := rrrabbit.NewEventProducer(cfg.RabbitMQURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq producer unavailable; using fallback\" err=%v", err)
		publisher = &rrrabbit.EventProducerFallback{}
	} else {
		defer rabbitProducer.Close()
		publisher = rabbitProducer
		log.Println("level=info component=bootstrap msg=\"rabbitmq producer connected\"")
	}

	// Initialize the client for the external rewards ledger.
	ledgerClient := ledgerclient.NewClient(cfg.LedgerAPIBaseURL, cfg.LedgerAPIKey)

	// Connect Redis for the drop lock and claim rate limiter. Without
	// Redis the service falls back to in-process implementations, which
	// are only correct for a single instance.
	var redisClient *redis.Client
	if strings.TrimSpace(cfg.RedisURL) == "" {
		log.Println("level=warn component=bootstrap msg=\"redis url missing; using in-process lock and rate limiter\" env=REDIS_URL")
	} else {
		redisOptions, parseErr := redis.ParseURL(cfg.RedisURL)
		if parseErr != nil {
			log.Printf("level=warn component=bootstrap msg=\"redis url parse failed; using in-process lock and rate limiter\" err=%v", parseErr)
		} else {
			redisClient = redis.NewClient(redisOptions)
			pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancelPing()
			if pingErr := redisClient.Ping(pingCtx).Err(); pingErr != nil {
				log.Printf("level=warn component=bootstrap msg=\"redis ping failed; using in-process lock and rate limiter\" err=%v", pingErr)
				redisClient.Close()
				redisClient = nil
			} else {
				defer redisClient.Close()
				log.Println("level=info component=bootstrap msg=\"redis connected\"")
			}
		}
	}

	lockTTL := time.Duration(cfg.DropLockLeaseSec) * time.Second
	rateWindow := time.Duration(cfg.ClaimRateLimitWindowSec) * time.Second
	var locker app.DropLocker
	var limiter app.RateLimiter
	if redisClient != nil {
		locker = app.NewRedisDropLocker(redisClient, cfg.RedisKeyPrefix, lockTTL)
		limiter = app.NewRedisRateLimiter(redisClient, cfg.RedisKeyPrefix, cfg.ClaimRateLimitAttempts, rateWindow)
	} else {
		locker = app.NewMemoryDropLocker(lockTTL)
		limiter = app.NewMemoryRateLimiter(cfg.ClaimRateLimitAttempts, rateWindow)
	}

	// Initialize the data access layer (repository).
	repository := store.NewPostgresRepository(dbpool)

	// Initialize the core application service with its dependencies.
	screener := app.NewRiskScreener(repository)
	dispatcher := app.NewDispatcher(repository, ledgerClient, cfg.LedgerFundingAccountID)
	claimWindow := time.Duration(cfg.ClaimWindowMinutes) * time.Minute
	claimService := app.NewService(
		repository,
		locker,
		limiter,
		screener,
		dispatcher,
		publisher,
		claimWindow,
		time.Duration(cfg.ReconcileAfterMinutes)*time.Minute,
	)

	// Build the drop scheduler from the configured window and blackouts.
	tz, err := time.LoadLocation(cfg.DropTimezone)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"invalid drop timezone\" tz=%q err=%v", cfg.DropTimezone, err)
	}
	windowStart, err := parseMinute(cfg.DropWindowStart)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"invalid drop window start\" value=%q err=%v", cfg.DropWindowStart, err)
	}
	windowEnd, err := parseMinute(cfg.DropWindowEnd)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"invalid drop window end\" value=%q err=%v", cfg.DropWindowEnd, err)
	}
	blackouts, err := app.ParseBlackoutWindows(cfg.BlackoutWindows)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"invalid blackout windows\" err=%v", err)
	}

	scheduler := app.NewDropScheduler(repository, claimService, app.SchedulerConfig{
		WindowStartMin: windowStart,
		WindowEndMin:   windowEnd,
		Timezone:       tz,
		ClaimWindow:    claimWindow,
		Blackouts:      blackouts,
		DailySpec:      cfg.DailyDropSchedule,
		ReconcileSpec:  cfg.ReconcileSchedule,
		DefaultReward: domain.RewardConfig{
			BaseAmount:             cfg.DefaultBaseAmount,
			Currency:               cfg.DefaultCurrency,
			SpeedMultiplier:        cfg.DefaultSpeedMultiplier,
			StreakMultiplier:       cfg.DefaultStreakMultiplier,
			WeekendBonus:           cfg.DefaultWeekendBonus,
			SpecialEventMultiplier: 1.0,
			MinRewardAmount:        cfg.DefaultMinReward,
			MaxRewardAmount:        cfg.DefaultMaxReward,
		},
		DefaultEligibility: domain.Eligibility{
			WinnerCooldownDays: cfg.WinnerCooldownDays,
			WeeklyWinCap:       cfg.WeeklyWinCap,
		},
	}, slog.New(slog.NewTextHandler(os.Stdout, nil)))

	// Rebuild timers from durable drop state, then start the cron entries.
	rearmCtx, cancelRearm := context.WithTimeout(context.Background(), 30*time.Second)
	if err := scheduler.RearmFromStore(rearmCtx); err != nil {
		log.Printf("level=error component=bootstrap msg=\"timer re-arming failed\" err=%v", err)
	}
	cancelRearm()
	scheduler.Start()

	// Initialize the API handlers.
	claimHandlers := api.NewClaimHandlers(claimService, scheduler)

	// Set up the HTTP router and define the API routes.
	router := chi.NewRouter()
	router.Mount("/", api.ClaimRoutes(claimHandlers, cfg.AuthJWKSURL, cfg.InternalAPIKey))

	serverAddr := fmt.Sprintf(":%s", cfg.ServerPort)
	log.Printf("level=info component=http msg=\"server listening\" addr=%s", serverAddr)

	server := &http.Server{
		Addr:    serverAddr,
		Handler: router,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("level=fatal component=http msg=\"server stopped unexpectedly\" err=%v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Println("level=info component=http msg=\"shutdown started\"")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	<-scheduler.Stop().Done()
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("level=error component=http msg=\"shutdown failed\" err=%v", err)
	}

	log.Println("level=info component=http msg=\"shutdown complete\"")
}

// parseMinute converts "HH:MM" into minutes from midnight.
func parseMinute(s string) (int, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	return t.Hour()*60 + t.Minute(), nil
}
