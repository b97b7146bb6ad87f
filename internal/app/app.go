// Package app assembles the services shared by the API server, the admin CLI
// and the worker.
package app

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"
	"github.com/uptrace/bun"

	"tabesh/internal/ai"
	aidb "tabesh/internal/ai/db"
	"tabesh/internal/ai/provider"
	"tabesh/internal/analytics"
	"tabesh/internal/cleanup"
	"tabesh/internal/config"
	"tabesh/internal/database"
	"tabesh/internal/database/migrations"
	"tabesh/internal/dataio"
	"tabesh/internal/download"
	downloaddb "tabesh/internal/download/db"
	"tabesh/internal/events"
	"tabesh/internal/logger"
	"tabesh/internal/order"
	orderdb "tabesh/internal/order/db"
	"tabesh/internal/order/jobsheet"
	"tabesh/internal/order/pricing"
	"tabesh/internal/qr"
	"tabesh/internal/settings"
	"tabesh/internal/upload"
	uploaddb "tabesh/internal/upload/db"
	uploadredis "tabesh/internal/upload/redis"
	"tabesh/internal/upload/storage"
)

type App struct {
	Config *config.Config
	Logger *logger.Logger
	DB     *bun.DB
	Redis  *redis.Client
	Store  storage.BlobStore

	Settings  *settings.Store
	Orders    *order.OrderService
	Uploads   *upload.Service
	Downloads *download.Service
	AI        *ai.Service
	DataIO    *dataio.Service
	Cleanup   *cleanup.Service
	Analytics *analytics.Service
}

// Connect opens the database and Redis and applies pending migrations when
// DB_AUTO_MIGRATE is set.
func Connect(ctx context.Context, cfg *config.Config, log *logger.Logger) (*bun.DB, *redis.Client, error) {
	db, err := database.Open(ctx, cfg.Database, log)
	if err != nil {
		return nil, nil, err
	}

	if cfg.Database.AutoMigrate {
		// The runner stays open: closing it would close db as well.
		if err := migrations.NewRunner(db, cfg.Database.Driver, log).MigrateUp(); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("migrate: %w", err)
		}
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("redis ping %s: %w", cfg.Redis.Addr, err)
	}
	log.Info("REDIS", fmt.Sprintf("Redis connection successful to %s (DB: %d)", cfg.Redis.Addr, cfg.Redis.DB))
	return db, rdb, nil
}

// New wires every service over an open database and Redis client. Lifecycle
// events go to publisher.
func New(cfg *config.Config, db *bun.DB, rdb *redis.Client, publisher events.Publisher, log *logger.Logger) (*App, error) {
	store, err := storage.New(cfg.Upload, log)
	if err != nil {
		return nil, fmt.Errorf("blob store: %w", err)
	}
	if publisher == nil {
		publisher = events.Nop{}
	}

	settingsStore := settings.NewStore(db)
	qrGen := qr.NewGenerator(256)

	orders := order.NewOrderService(
		orderdb.New(db),
		pricing.NewEngine(settingsStore, settings.PricingMatrix),
		publisher,
		log,
	)
	orders.JobSheets = jobsheet.NewGenerator(cfg.PDF.FontPath)
	orders.QR = qrGen
	orders.PublicURL = cfg.Server.PublicURL

	uploads := upload.NewService(
		uploaddb.New(db),
		store,
		uploadredis.NewRedis(rdb, cfg.Upload.LockTTL, log),
		orders,
		upload.NewRuleSource(upload.RulesFromConfig(cfg.Upload), settingsStore, settings.UploadRules),
		publisher,
		log,
	)
	uploads.RejectedRetention = cfg.Upload.RejectedRetention
	orders.Files = uploads

	downloads := download.NewService(
		downloaddb.New(db),
		uploads,
		qrGen,
		cfg.Server.PublicURL,
		cfg.Download.TokenTTL,
		cfg.Download.MaxTokenTTL,
		log,
	)

	var llm provider.Provider
	if cfg.AI.Enabled {
		llm = provider.NewOpenAI(provider.Options{
			APIKey:      cfg.AI.APIKey,
			BaseURL:     cfg.AI.BaseURL,
			Model:       cfg.AI.Model,
			MaxTokens:   cfg.AI.MaxTokens,
			Temperature: cfg.AI.Temperature,
			Timeout:     cfg.AI.Timeout,
		})
	}
	assistant := ai.NewService(
		aidb.New(db),
		ai.NewProfileCache(rdb, cfg.AI.ProfileCacheTTL),
		ai.NewRateLimiter(rdb, cfg.AI.RateLimit, cfg.AI.RateWindow),
		llm,
		orders,
		ai.Options{
			Enabled:      cfg.AI.Enabled,
			HistoryLimit: cfg.AI.HistoryLimit,
			RefreshEvery: cfg.AI.ProfileEvery,
			Timeout:      cfg.AI.Timeout,
		},
		log,
	)

	return &App{
		Config:    cfg,
		Logger:    log,
		DB:        db,
		Redis:     rdb,
		Store:     store,
		Settings:  settingsStore,
		Orders:    orders,
		Uploads:   uploads,
		Downloads: downloads,
		AI:        assistant,
		DataIO:    dataio.NewService(db, store, log),
		Cleanup:   cleanup.NewService(db, downloads, uploads, assistant, log),
		Analytics: analytics.NewService(db),
	}, nil
}

func (a *App) Close() {
	if err := a.Redis.Close(); err != nil {
		a.Logger.Warn("REDIS", fmt.Sprintf("Redis close: %v", err))
	}
	if err := a.DB.Close(); err != nil {
		a.Logger.Warn("DATABASE", fmt.Sprintf("Database close: %v", err))
	}
}
