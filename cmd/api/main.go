package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"

	"github.com/tezmarket/api/internal/handlers"
	"github.com/tezmarket/api/internal/platform/auth"
	"github.com/tezmarket/api/internal/platform/config"
	pfirestore "github.com/tezmarket/api/internal/platform/firestore"
	"github.com/tezmarket/api/internal/platform/idempotency"
	"github.com/tezmarket/api/internal/platform/jobs"
	"github.com/tezmarket/api/internal/platform/observability"
	firestoreRepo "github.com/tezmarket/api/internal/repositories/firestore"
	"github.com/tezmarket/api/internal/services"
)

func main() {
	ctx := context.Background()
	startedAt := time.Now().UTC()

	baseLogger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()

	logger := baseLogger.Named("api")
	ctx = observability.WithLogger(ctx, logger)

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	firestoreProvider := pfirestore.NewProvider(cfg.Firestore)
	if _, err := firestoreProvider.Client(ctx); err != nil {
		logger.Fatal("failed to initialise firestore client", zap.Error(err))
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := firestoreProvider.Close(closeCtx); err != nil {
			logger.Warn("firestore close error", zap.Error(err))
		}
	}()

	registry, err := firestoreRepo.NewRegistry(firestoreProvider)
	if err != nil {
		logger.Fatal("failed to initialise repositories", zap.Error(err))
	}

	var orderEvents services.OrderEventPublisher
	var stockEvents services.StockEventPublisher
	var pubsubClient *pubsub.Client
	if cfg.PubSub.OrderTopic != "" || cfg.PubSub.StockTopic != "" {
		pubsubClient, err = pubsub.NewClient(ctx, cfg.PubSub.ProjectID)
		if err != nil {
			logger.Fatal("failed to initialise pubsub client", zap.Error(err))
		}
		defer func() {
			if err := pubsubClient.Close(); err != nil {
				logger.Warn("pubsub close error", zap.Error(err))
			}
		}()

		if cfg.PubSub.OrderTopic != "" {
			publisher, err := jobs.NewPubSubOrderEventPublisher(pubsubClient.Topic(cfg.PubSub.OrderTopic))
			if err != nil {
				logger.Fatal("failed to initialise order event publisher", zap.Error(err))
			}
			orderEvents = publisher
		}
		if cfg.PubSub.StockTopic != "" {
			publisher, err := jobs.NewPubSubStockEventPublisher(pubsubClient.Topic(cfg.PubSub.StockTopic))
			if err != nil {
				logger.Fatal("failed to initialise stock event publisher", zap.Error(err))
			}
			stockEvents = publisher
		}
	}

	authenticator, err := auth.NewAuthenticator(cfg.Auth)
	if err != nil {
		logger.Fatal("failed to initialise authenticator", zap.Error(err))
	}

	serviceLogger := eventLogger(logger.Named("services"))

	orderService, err := services.NewOrderService(services.OrderServiceDeps{
		Orders:      registry.Orders(),
		Events:      orderEvents,
		StockEvents: stockEvents,
		Logger:      serviceLogger,
	})
	if err != nil {
		logger.Fatal("failed to initialise order service", zap.Error(err))
	}

	inventoryService, err := services.NewInventoryService(services.InventoryServiceDeps{
		Inventory: registry.Inventory(),
		Events:    stockEvents,
		Logger:    serviceLogger,
	})
	if err != nil {
		logger.Fatal("failed to initialise inventory service", zap.Error(err))
	}

	checkoutService, err := services.NewCheckoutService(services.CheckoutServiceDeps{
		Orders:      registry.Orders(),
		Carts:       registry.Carts(),
		Counters:    registry.Counters(),
		Idempotency: idempotency.NewFirestoreStore(firestoreProvider),
		Events:      orderEvents,
		StockEvents: stockEvents,
		Logger:      serviceLogger,
	})
	if err != nil {
		logger.Fatal("failed to initialise checkout service", zap.Error(err))
	}

	cartService, err := services.NewCartService(services.CartServiceDeps{
		Carts: registry.Carts(),
	})
	if err != nil {
		logger.Fatal("failed to initialise cart service", zap.Error(err))
	}

	systemService, err := services.NewSystemService(services.SystemServiceDeps{
		Health:      registry.Health(),
		Version:     buildValue("API_BUILD_VERSION", "dev"),
		CommitSHA:   buildValue("API_BUILD_COMMIT_SHA", "unknown"),
		Environment: buildValue("API_ENVIRONMENT", "local"),
		StartedAt:   startedAt,
	})
	if err != nil {
		logger.Fatal("failed to initialise system service", zap.Error(err))
	}

	orderHandlers := handlers.NewOrderHandlers(authenticator, orderService, checkoutService)
	inventoryHandlers := handlers.NewInventoryHandlers(authenticator, inventoryService)
	cartHandlers := handlers.NewCartHandlers(authenticator, cartService)
	healthHandlers := handlers.NewHealthHandlers(systemService)

	router := handlers.NewRouter(
		handlers.WithMiddlewares(
			observability.InjectLoggerMiddleware(logger.Named("http")),
			observability.TraceContextMiddleware(),
			observability.RequestLoggerMiddleware(),
			observability.MetricsMiddleware(),
		),
		handlers.WithHealthHandlers(healthHandlers),
		handlers.WithOrderRoutes(orderHandlers.Routes),
		handlers.WithInventoryRoutes(inventoryHandlers.Routes),
		handlers.WithCartRoutes(cartHandlers.Routes),
	)

	server := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	serverLogger := logger.Named("http").With(zap.String("addr", server.Addr))
	go func() {
		serverLogger.Info("tezmarket api listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverLogger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-shutdown
	logger.Info("shutdown signal received; draining requests")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}

func eventLogger(logger *zap.Logger) func(ctx context.Context, event string, fields map[string]any) {
	return func(_ context.Context, event string, fields map[string]any) {
		zFields := make([]zap.Field, 0, len(fields))
		for k, v := range fields {
			zFields = append(zFields, zap.Any(k, v))
		}
		logger.Info(event, zFields...)
	}
}

func buildValue(name, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(name)); value != "" {
		return value
	}
	return fallback
}
