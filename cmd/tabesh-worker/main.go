package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"tabesh/internal/app"
	"tabesh/internal/config"
	"tabesh/internal/kafka"
	"tabesh/internal/logger"
	"tabesh/internal/worker"
)

func main() {
	envErr := godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(cfg.Log.Dir, cfg.Log.Name+"-worker", cfg.Log.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Close()

	log.Info("APP", "Starting Tabesh worker")
	if envErr != nil {
		log.Warn("CONFIG", ".env file not found, using environment variables")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, rdb, err := app.Connect(ctx, cfg, log)
	if err != nil {
		log.Fatal("DATABASE", fmt.Sprintf("Startup failed: %v", err))
	}
	a, err := app.New(cfg, db, rdb, nil, log)
	if err != nil {
		log.Fatal("APP", fmt.Sprintf("Service wiring failed: %v", err))
	}
	defer a.Close()

	g, gctx := errgroup.WithContext(ctx)

	scheduler := &worker.Scheduler{
		Cleanup:  a.Cleanup,
		Jobs:     worker.DefaultJobs(int(cfg.Worker.BehaviorRetention.Hours() / 24)),
		Interval: cfg.Worker.CleanupInterval,
		Logger:   log,
	}
	g.Go(func() error { return scheduler.Run(gctx) })

	if cfg.Kafka.Enabled {
		startAudit(gctx, g, cfg.Kafka, log)
	} else {
		log.Info("KAFKA", "Kafka disabled, order audit consumer not started")
	}

	if err := g.Wait(); err != nil {
		log.Error("APP", fmt.Sprintf("Worker stopped with error: %v", err))
		return
	}
	log.Info("APP", "Worker shutdown complete")
}

func startAudit(ctx context.Context, g *errgroup.Group, cfg config.KafkaConfig, log *logger.Logger) {
	if err := kafka.EnsureTopicsExist(ctx, cfg.Brokers, []string{cfg.OrdersTopic}, log); err != nil {
		log.Warn("KAFKA", fmt.Sprintf("Topic creation might have failed: %v", err))
	}
	consumer := kafka.NewConsumer(cfg.Brokers, cfg.OrdersTopic, cfg.GroupID+"-audit", log)
	g.Go(func() error {
		defer consumer.Close()
		return consumer.Start(ctx, worker.Audit(log))
	})
}
