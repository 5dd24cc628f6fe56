/**
 * @description
 * This is the main entry point for the escrow-service. It is responsible for
 * initializing all components of the service, including configuration, database connection,
 * external API clients, message brokers, repositories, the core application service,
 * and the HTTP server. It wires everything together and starts the service.
 *
 * @dependencies
 * - log, net/http: Standard Go libraries for logging and HTTP server functionality.
 * - github.com/go-chi/chi/v5: For HTTP routing.
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - internal/api, internal/app, internal/config, internal/store: Internal packages for the service.
 * - pkg/ledgerclient, pkg/rateoracle, pkg/payoutclient: External service clients.
 * - pkg/rabbitmq: Client for RabbitMQ.
 */

package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/paymesh/escrow-service/internal/api"
	"github.com/paymesh/escrow-service/internal/app"
	"github.com/paymesh/escrow-service/internal/config"
	"github.com/paymesh/escrow-service/internal/domain"
	"github.com/paymesh/escrow-service/internal/store"
	"github.com/paymesh/escrow-service/pkg/ledgerclient"
	"github.com/paymesh/escrow-service/pkg/payoutclient"
	"github.com/paymesh/escrow-service/pkg/rabbitmq"
	"github.com/paymesh/escrow-service/pkg/rateoracle"
	"github.com/redis/go-redis/v9"
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

	log.Printf("level=info component=bootstrap msg=\"starting escrow-service\" port=%s", cfg.ServerPort)

	// Establish a connection pool to the PostgreSQL database.
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database url parse failed\" err=%v", err)
	}

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

	// Initialize the RabbitMQ producer to publish lifecycle events. Events are
	// also recorded durably in Postgres, so a missing broker degrades rather
	// than blocks.
	var producer rabbitmq.Publisher
	rabbitProducer, err := rabbitmq.NewEventProducer(cfg.RabbitMQURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq producer unavailable; using fallback\" err=%v", err)
		producer = &rabbitmq.FallbackProducer{}
	} else {
		defer rabbitProducer.Close()
		producer = rabbitProducer
		log.Println("level=info component=bootstrap msg=\"rabbitmq producer connected\"")
	}

	// Initialize the external service clients.
	ledgerClient := ledgerclient.NewClient(cfg.LedgerAPIBaseURL, cfg.LedgerAPIKey)
	oracleClient := rateoracle.NewClient(cfg.RateOracleBaseURL, cfg.RateOracleAPIKey)
	payoutClient := payoutclient.NewClient(cfg.PayoutRailBaseURL, cfg.PayoutRailAPIKey)

	// Redis backs the refund consumer's duplicate-delivery fast path; the
	// durable marker in Postgres is authoritative, so Redis is optional.
	var redisClient *redis.Client
	if strings.TrimSpace(cfg.RedisURL) == "" {
		log.Println("level=warn component=bootstrap msg=\"redis url missing; refund dedupe fast path disabled\" env=REDIS_URL")
	} else {
		redisOptions, parseErr := redis.ParseURL(cfg.RedisURL)
		if parseErr != nil {
			log.Printf("level=warn component=bootstrap msg=\"redis url parse failed; refund dedupe fast path disabled\" err=%v", parseErr)
		} else {
			redisClient = redis.NewClient(redisOptions)
			pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancelPing()
			if pingErr := redisClient.Ping(pingCtx).Err(); pingErr != nil {
				log.Printf("level=warn component=bootstrap msg=\"redis ping failed; refund dedupe fast path disabled\" err=%v", pingErr)
				redisClient.Close()
				redisClient = nil
			} else {
				defer redisClient.Close()
				log.Println("level=info component=bootstrap msg=\"redis connected\"")
			}
		}
	}

	// Parse the holding-currency allow-list and build the conversion policy.
	holdingOptions, err := app.ParseHoldingOptions(cfg.HoldingCurrencies)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"holding currency allow-list invalid\" err=%v", err)
	}
	policy, err := app.NewConversionPolicy(oracleClient, holdingOptions, cfg.HoldingFeeWeight, cfg.HoldingTimeWeight, cfg.MaxSlippageBps)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"conversion policy invalid\" err=%v", err)
	}

	railSettlement, err := domain.ParseAccountAddress(cfg.RailSettlementAcct)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"rail settlement account invalid\" err=%v", err)
	}

	// Initialize the data access layer (repository).
	repository := store.NewPostgresRepository(dbpool)

	// Initialize the core application service with its dependencies.
	escrowAdapter := app.NewEscrowAdapter(ledgerClient)
	transferService := app.NewService(
		repository,
		escrowAdapter,
		policy,
		payoutClient,
		producer,
		app.Config{
			DefaultExpiryWindow:   time.Duration(cfg.DefaultExpiryHours) * time.Hour,
			SweepBatchSize:        cfg.SweepBatchSize,
			RailSettlementAddress: railSettlement,
		},
	)

	// Start the expiry sweeper.
	sweeper := app.NewSweeper(transferService, cfg.SweepSchedule, 2*time.Minute)
	if err := sweeper.Start(); err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"expiry sweeper start failed\" err=%v", err)
	}
	defer sweeper.Stop()

	// Start the refund consumer: it performs the compensating release for
	// declined, cancelled, and expired transfers.
	rabbitConsumer, err := rabbitmq.NewConsumer(cfg.RabbitMQURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"rabbitmq consumer init failed\" err=%v", err)
	}
	defer rabbitConsumer.Close()

	refundConsumer := app.NewRefundConsumer(transferService, rabbitConsumer, redisClient, cfg.RefundQueue)
	if err := refundConsumer.Start(); err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"refund consumer start failed\" err=%v", err)
	}

	// Initialize the API handlers.
	transferHandlers := api.NewTransferHandlers(transferService)

	// Set up the HTTP router and define the API routes.
	router := chi.NewRouter()
	router.Mount("/", api.TransferRoutes(transferHandlers, cfg.JWKSURL, cfg.InternalAPIKey))

	// Start the HTTP server.
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

	log.Println("level=info component=http msg=\"shutdown complete\"")
}
