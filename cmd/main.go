/**
 * @description
 * This is the main entry point for the ledger-service. It loads configuration,
 * connects the storage, cache and message-broker backends, assembles the
 * transaction engine and serves the HTTP API until a shutdown signal arrives.
 *
 * @dependencies
 * - github.com/joho/godotenv: For loading .env files during local development.
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - github.com/redis/go-redis/v9: OTP storage, rate limiting and distributed locks.
 * - internal/api, internal/app, internal/config, internal/limits, internal/otp, internal/store.
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

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/transfa/ledger-service/internal/api"
	"github.com/transfa/ledger-service/internal/app"
	"github.com/transfa/ledger-service/internal/config"
	"github.com/transfa/ledger-service/internal/limits"
	"github.com/transfa/ledger-service/internal/otp"
	"github.com/transfa/ledger-service/internal/store"
	rmrabbit "github.com/transfa/ledger-service/pkg/rabbitmq"
)

func main() {
	// Load .env file for local development.
	if err := godotenv.Load(); err != nil {
		log.Println("level=info component=bootstrap msg=\"no .env file found, using environment variables\"")
	}

	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}
	if strings.TrimSpace(cfg.JWTSecret) == "" {
		log.Fatalf("level=fatal component=bootstrap msg=\"jwt secret must be configured\" env=JWT_SECRET")
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("service", "ledger-service")
	log.Printf("level=info component=bootstrap msg=\"starting ledger-service\" port=%s", cfg.ServerPort)

	var repository store.Repository
	var limitLoader limits.Loader
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		log.Println("level=warn component=bootstrap msg=\"database url missing; using in-memory ledger\" env=DATABASE_URL")
		repository = store.NewMemoryRepository()
	} else {
		poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("level=fatal component=bootstrap msg=\"database url parse failed\" err=%v", err)
		}
		poolConfig.MaxConns = 100
		poolConfig.MinConns = 20
		poolConfig.MaxConnLifetime = 30 * time.Minute
		poolConfig.MaxConnIdleTime = 5 * time.Minute
		poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

		dbpool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
		if err != nil {
			log.Fatalf("level=fatal component=bootstrap msg=\"database connection failed\" err=%v", err)
		}
		defer dbpool.Close()
		log.Println("level=info component=bootstrap msg=\"database connected\"")

		pgRepo := store.NewPostgresRepository(dbpool)
		schemaCtx, cancelSchema := context.WithTimeout(context.Background(), 30*time.Second)
		err = pgRepo.EnsureSchema(schemaCtx)
		cancelSchema()
		if err != nil {
			log.Fatalf("level=fatal component=bootstrap msg=\"schema setup failed\" err=%v", err)
		}
		repository = pgRepo
		limitLoader = pgRepo
	}

	var registry *limits.Registry
	if cfg.LimitsSource == config.LimitsSourcePostgres && limitLoader != nil {
		loadCtx, cancelLoad := context.WithTimeout(context.Background(), 10*time.Second)
		registry, err = limits.Load(loadCtx, limitLoader)
		cancelLoad()
	} else {
		if cfg.LimitsSource == config.LimitsSourcePostgres {
			log.Println("level=warn component=bootstrap msg=\"postgres limits requested without database; using configured limits\"")
		}
		registry, err = limits.New(cfg.Limits...)
	}
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"limit registry load failed\" err=%v", err)
	}

	var redisClient *redis.Client
	if strings.TrimSpace(cfg.RedisURL) == "" {
		log.Println("level=warn component=bootstrap msg=\"redis url missing; otp codes kept in memory and rate limiting disabled\" env=REDIS_URL")
	} else {
		redisOptions, parseErr := redis.ParseURL(cfg.RedisURL)
		if parseErr != nil {
			log.Printf("level=warn component=bootstrap msg=\"redis url parse failed; falling back to memory\" err=%v", parseErr)
		} else {
			redisClient = redis.NewClient(redisOptions)
			pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
			pingErr := redisClient.Ping(pingCtx).Err()
			cancelPing()
			if pingErr != nil {
				log.Printf("level=warn component=bootstrap msg=\"redis ping failed; falling back to memory\" err=%v", pingErr)
				redisClient.Close()
				redisClient = nil
			} else {
				defer redisClient.Close()
				log.Println("level=info component=bootstrap msg=\"redis connected\"")
			}
		}
	}

	var otpStore otp.Store
	var scheduler *app.Scheduler
	if redisClient != nil {
		otpStore = otp.NewRedisStore(redisClient, cfg.RedisKeyPrefix)
	} else {
		memoryStore := otp.NewMemoryStore()
		otpStore = memoryStore
		scheduler = app.NewScheduler(app.NewJobs(memoryStore, logger), logger, cfg.OTPPurgeSchedule)
		if err := scheduler.Start(); err != nil {
			log.Fatalf("level=fatal component=bootstrap msg=\"otp purge scheduler start failed\" err=%v", err)
		}
	}
	authorizer := otp.NewAuthorizer(otpStore, cfg.OTPTTL(), otp.WithBcryptCost(cfg.OTPBcryptCost))

	var publisher rmrabbit.Publisher = &rmrabbit.EventProducerFallback{}
	rabbitProducer, err := rmrabbit.NewEventProducer(cfg.RabbitMQURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq producer unavailable; using fallback\" err=%v", err)
	} else {
		publisher = rmrabbit.NewBreakerPublisher(rabbitProducer, rmrabbit.BreakerSettings{Name: "ledger-notifications"})
		defer publisher.Close()
		log.Println("level=info component=bootstrap msg=\"rabbitmq producer connected\"")
	}
	notifier := app.NewEventNotifier(publisher, cfg.NotificationExchange)

	ledgerService := app.NewService(repository, registry, authorizer, notifier, app.ServiceConfig{
		FeeRate:                    cfg.FeeRate,
		FeeDecimalPlaces:           cfg.FeeDecimalPlaces,
		Location:                   cfg.Location,
		OTPTTL:                     cfg.OTPTTL(),
		OTPIssueRateLimitPerMinute: cfg.OTPIssueRateLimitPerMinute,
		NotifyTimeout:              cfg.NotifyTimeout(),
	}, logger)
	if redisClient != nil {
		ledgerService.SetRateLimiter(app.NewRedisRateLimiter(redisClient, cfg.RedisKeyPrefix))
		if cfg.LockBackend == config.LockBackendRedis {
			ledgerService.SetLocker(app.NewRedisLocker(redisClient, cfg.RedisKeyPrefix, cfg.LockExpiry(), logger))
			log.Println("level=info component=bootstrap msg=\"using redis account locks\"")
		}
	} else if cfg.LockBackend == config.LockBackendRedis {
		log.Println("level=warn component=bootstrap msg=\"redis lock backend requested without redis; using in-process locks\"")
	}

	rabbitConsumer, err := rmrabbit.NewConsumer(cfg.RabbitMQURL, rmrabbit.ConsumerOptions{})
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq consumer unavailable; account provisioning disabled\" err=%v", err)
	} else {
		defer rabbitConsumer.Close()
		provisioner := app.NewAccountProvisioner(repository, logger)
		bindings := map[string]rmrabbit.Handler{
			"customer.registered": provisioner.HandleMessage,
		}
		if err := rabbitConsumer.ConsumeWithBindings(cfg.NotificationExchange, cfg.CustomerEventQueue, bindings); err != nil {
			log.Fatalf("level=fatal component=bootstrap msg=\"customer consumer start failed\" err=%v", err)
		}
	}

	handlers := api.NewLedgerHandlers(ledgerService)
	router := api.LedgerRoutes(handlers, api.RouterOptions{
		JWTSecret:      []byte(cfg.JWTSecret),
		JWTIssuer:      cfg.JWTIssuer,
		AllowedOrigins: cfg.CORSAllowedOrigins,
	})

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

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("level=error component=http msg=\"shutdown failed\" err=%v", err)
	}
	if scheduler != nil {
		<-scheduler.Stop().Done()
	}
	ledgerService.Wait()

	log.Println("level=info component=http msg=\"shutdown complete\"")
}
