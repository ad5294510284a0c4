package main // Entry point package

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"

	"github.com/iliyamo/mess-backend/internal/config"
	"github.com/iliyamo/mess-backend/internal/database"
	"github.com/iliyamo/mess-backend/internal/handler"
	"github.com/iliyamo/mess-backend/internal/metrics"
	"github.com/iliyamo/mess-backend/internal/middleware"
	"github.com/iliyamo/mess-backend/internal/payment"
	"github.com/iliyamo/mess-backend/internal/queue"
	"github.com/iliyamo/mess-backend/internal/repository"
	"github.com/iliyamo/mess-backend/internal/router"
	"github.com/iliyamo/mess-backend/internal/scheduler"
	"github.com/iliyamo/mess-backend/internal/service"
	"github.com/iliyamo/mess-backend/internal/utils"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Error("load config", "err", err)
		os.Exit(1)
	}
	if err := run(cfg, logger); err != nil {
		logger.Error("server stopped", "err", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.Open(cfg.DSN())
	if err != nil {
		return err
	}
	defer db.Close()
	if cfg.DBMigrate {
		if err := database.Migrate(ctx, db); err != nil {
			return err
		}
		logger.Info("schema applied")
	}

	// Redis backs the limiter, the menu cache and the revoked-token cache.
	// Without it those features are disabled and the API keeps serving.
	var rdb *redis.Client
	if cfg.RateLimit.Enabled || cfg.Cache.Enabled {
		rdb, err = config.NewRedisClient(cfg.Redis)
		if err != nil {
			logger.Warn("redis unavailable, limiter and caches disabled", "err", err)
		} else {
			defer rdb.Close()
		}
	}

	loc := cfg.Location()
	mc := metrics.New("mess")

	users := repository.NewUserRepo(db)
	tokens := repository.NewTokenRepo(db, repository.NewRevokedCache(rdb))
	subs := repository.NewSubscriptionRepo(db)
	purchases := repository.NewPurchaseRepo(db)
	menu := repository.NewMenuRepo(db)
	entries := repository.NewMealEntryRepo(db)
	reports := repository.NewReportRepo(db)

	var events service.EventPublisher = service.NoopPublisher{}
	if cfg.EventsEnabled {
		events = &service.AMQPPublisher{URL: cfg.RabbitMQURL}
	}
	if cfg.EventsConsumerEnabled {
		consumer := &queue.Consumer{URL: cfg.RabbitMQURL, LogDir: cfg.EventsLogDir, Log: logger}
		go func() {
			if err := consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("billing consumer stopped", "err", err)
			}
		}()
	}

	gateway := payment.NewStripeGateway(payment.Config{
		SecretKey:       cfg.StripeSecretKey,
		APIURL:          cfg.StripeAPIURL,
		Timeout:         cfg.GatewayTimeout,
		Currency:        cfg.Currency,
		FrontendBaseURL: cfg.FrontendBaseURL,
		MonthlyAmount:   cfg.MonthlyPrice,
		DurationMonths:  cfg.DurationMonths,
		CheckoutTTL:     cfg.PendingPaymentTTL,
	})

	authSvc := service.NewAuthService(users, tokens, utils.NewSigner(cfg.JWTSecret), service.AuthConfig{
		AccessTTL:   cfg.AccessTTL,
		RefreshTTL:  cfg.RefreshTTL,
		BcryptCost:  cfg.BcryptCost,
		PhoneRegion: cfg.PhoneRegion,
	}, logger)
	subSvc := service.NewSubscriptionService(subs, users, gateway, events, mc, service.SubscriptionConfig{
		Currency:       cfg.Currency,
		DurationMonths: cfg.DurationMonths,
		DefaultPriceID: cfg.DefaultPriceID,
		PendingTTL:     cfg.PendingPaymentTTL,
		Location:       loc,
	}, logger)
	purchaseSvc := service.NewPurchaseService(purchases, menu, users, gateway, events, mc, cfg.Currency, logger)
	mealSvc := service.NewMealService(menu, entries, subSvc, loc, logger)
	reportSvc := service.NewReportService(reports, loc)
	dispatcher := service.NewWebhookDispatcher(
		payment.NewWebhookVerifier(cfg.StripeWebhookSecret, loc), subSvc, purchaseSvc, mc, logger)

	jobs := scheduler.New(tokens, subSvc, mc, logger, scheduler.Config{
		CleanupSchedule: cfg.CleanupSchedule,
		SweepSchedule:   cfg.SweepSchedule,
	})
	if err := jobs.Start(); err != nil {
		return err
	}
	defer func() { <-jobs.Stop().Done() }()

	e := echo.New()
	e.HideBanner = true
	e.HTTPErrorHandler = handler.ErrorHandler(logger)
	e.Use(echomw.Recover())
	e.Use(echomw.RequestLoggerWithConfig(echomw.RequestLoggerConfig{
		LogMethod:   true,
		LogURI:      true,
		LogStatus:   true,
		LogLatency:  true,
		LogError:    true,
		HandleError: true,
		LogValuesFunc: func(c echo.Context, v echomw.RequestLoggerValues) error {
			attrs := []any{"method", v.Method, "uri", v.URI, "status", v.Status, "latency", v.Latency}
			if v.Error != nil {
				logger.Warn("request", append(attrs, "err", v.Error)...)
				return nil
			}
			logger.Info("request", attrs...)
			return nil
		},
	}))

	var menuCache handler.CacheInvalidator
	respCache := middleware.NewResponseCache(cfg.Cache, rdb, logger)
	if respCache != nil {
		menuCache = respCache
	}

	router.Register(e, router.Handlers{
		Auth:          handler.NewAuthHandler(authSvc, cfg.CookieSecure),
		Subscriptions: handler.NewSubscriptionHandler(subSvc),
		Webhooks:      handler.NewWebhookHandler(dispatcher),
		Purchases:     handler.NewPurchaseHandler(purchaseSvc),
		Menu:          handler.NewMenuHandler(mealSvc, menuCache, logger),
		MealEntries:   handler.NewMealEntryHandler(mealSvc),
		Reports:       handler.NewReportHandler(reportSvc),
	}, router.Options{
		Verifier:  authSvc,
		RateLimit: middleware.NewTokenBucket(cfg.RateLimit, rdb, logger),
		Cache:     respCache,
		Metrics:   mc,
		DB:        db,
	})

	addr := ":" + cfg.Port
	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", addr, "env", cfg.Env)
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return e.Shutdown(shutdownCtx)
}
