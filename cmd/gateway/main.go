package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lalithlochan/herald/internal/api"
	"github.com/lalithlochan/herald/internal/config"
	"github.com/lalithlochan/herald/internal/contacts"
	"github.com/lalithlochan/herald/internal/dispatch"
	"github.com/lalithlochan/herald/internal/feedback"
	"github.com/lalithlochan/herald/internal/metrics"
	"github.com/lalithlochan/herald/internal/observ"
	"github.com/lalithlochan/herald/internal/phone"
	"github.com/lalithlochan/herald/internal/reconcile"
	"github.com/lalithlochan/herald/internal/redis"
	"github.com/lalithlochan/herald/internal/sns"
	"github.com/lalithlochan/herald/internal/sqs"
	"github.com/lalithlochan/herald/internal/template"
	"github.com/lalithlochan/herald/internal/webhook"
	"github.com/lalithlochan/herald/internal/window"
)

const version = "v0.1.0"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// .env is optional; real deployments set the environment directly
	_ = godotenv.Load()

	// Load config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Setup logger
	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting herald gateway",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
		zap.String("version", version),
		zap.String("store_backend", cfg.StoreBackend),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStores(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.close()

	normalizer := phone.New(cfg.DefaultCountryCode)

	var fallback contacts.FallbackPolicy
	if cfg.OwnerFallback == "latest_event" {
		fallback = contacts.LatestEventOwner
	}
	owners := contacts.NewOwnerResolver(st.directory, fallback, logger)

	// Redis for idempotency and rate limiting
	var (
		redisClient *redis.Client
		idempotency *redis.IdempotencyService
		limiter     api.Limiter
		recipients  *redis.RateLimiter
	)
	if cfg.RedisEnabled() {
		redisClient, err = redis.New(ctx, redis.Config{
			URL:      cfg.RedisURL,
			Host:     cfg.RedisHost,
			Port:     cfg.RedisPort,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		}, logger)
		if err != nil {
			logger.Warn("redis unavailable, idempotency and rate limiting disabled",
				zap.Error(err),
			)
		}
	}
	if redisClient != nil {
		defer redisClient.Close()
		idempotency = redis.NewIdempotencyService(redisClient, logger)
		limiter = redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
			Limit:  cfg.RateLimit,
			Window: cfg.RateLimitWindow,
		})
		if cfg.RecipientLimit > 0 {
			recipients = redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
				Limit:  cfg.RecipientLimit,
				Window: cfg.RateLimitWindow,
			})
		}
	}

	adapter, err := buildAdapter(ctx, cfg, logger)
	if err != nil {
		return err
	}

	var catalog template.Catalog
	if cfg.TemplateCatalog != "" {
		catalog, err = template.LoadCatalog(cfg.TemplateCatalog)
		if err != nil {
			return fmt.Errorf("failed to load template catalog: %w", err)
		}
	}

	policy := window.New(st.conversations, logger,
		window.WithWindow(cfg.WhatsAppWindow),
		window.WithOwnerResolver(owners),
	)

	projections := []dispatch.Projection{
		dispatch.NewDeliveryLogProjection(st.deliveries),
		dispatch.NewConversationProjection(st.conversations, owners),
		dispatch.MetricsProjection{},
	}
	if cfg.EventsTopicARN != "" {
		publisher, err := sns.NewPublisher(ctx, cfg.EventsTopicARN, cfg.AWSRegion)
		if err != nil {
			logger.Warn("event publisher unavailable, delivery events will not be published",
				zap.Error(err),
			)
		} else {
			projections = append(projections, publisher)
		}
	}

	dispatcher := dispatch.New(adapter, policy, template.NewRenderer(catalog), dispatch.Config{
		SMSPacing:   cfg.SMSPacing,
		SendTimeout: cfg.SendTimeout,
		Normalizer:  normalizer,
	}, logger, projections...)

	reconciler := reconcile.New(st.deliveries, st.conversations, owners, normalizer, logger)

	handler := api.NewHandler(logger, dispatcher, st.deliveries, st.conversations)
	if idempotency != nil {
		handler = api.NewHandlerWithIdempotency(logger, dispatcher, st.deliveries, st.conversations, idempotency)
	}
	handler.WithNormalizer(normalizer)
	if recipients != nil {
		handler.WithRecipientLimiter(recipients)
	}

	routerCfg := api.RouterConfig{
		Handler:     handler,
		SMS:         webhook.NewSMSHandler(reconciler, logger),
		Limiter:     limiter,
		Logger:      logger,
		CORSOrigins: cfg.CORSOrigins,
		Health:      st.health,
	}
	if cfg.WhatsAppVerifyToken != "" || cfg.WhatsAppEnabled() {
		routerCfg.WhatsApp = webhook.NewWhatsAppHandler(webhook.WhatsAppConfig{
			VerifyToken: cfg.WhatsAppVerifyToken,
			AppSecret:   cfg.WhatsAppAppSecret,
		}, reconciler, logger)
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           api.NewRouter(routerCfg),
		ReadHeaderTimeout: 15 * time.Second,
		ReadTimeout:       60 * time.Second,
		// paced SMS batches keep the response open for a while
		WriteTimeout: 15 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		// Give outstanding requests 30 seconds to complete
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			srv.Close()
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		logger.Info("server stopped gracefully")
		return nil
	})

	if cfg.SESFeedbackQueueURL != "" {
		consumer, err := sqs.NewConsumer(ctx, sqs.Config{
			Region:   cfg.AWSRegion,
			QueueURL: cfg.SESFeedbackQueueURL,
		}, logger)
		if err != nil {
			logger.Warn("ses feedback consumer unavailable, email statuses will stay at SENT",
				zap.Error(err),
			)
		} else {
			poller := feedback.New(consumer, reconciler, feedback.Config{}, logger)
			g.Go(func() error { return poller.Start(gctx) })
		}
	}

	g.Go(func() error {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				st.reportConnections()
				if redisClient != nil {
					metrics.SetRedisConnections(redisClient.TotalConns())
				}
			}
		}
	})

	return g.Wait()
}
