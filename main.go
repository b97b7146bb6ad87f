package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"tabesh/internal/app"
	"tabesh/internal/config"
	"tabesh/internal/events"
	"tabesh/internal/kafka"
	"tabesh/internal/logger"
	"tabesh/internal/sse"
)

// relayGroupID gives every API instance its own consumer group so each one
// sees every event for its own SSE clients.
func relayGroupID(base string) string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "local"
	}
	return fmt.Sprintf("%s-sse-%s", base, host)
}

// startKafka publishes lifecycle events to Kafka and relays both topics back
// into the local SSE emitter.
func startKafka(ctx context.Context, g *errgroup.Group, cfg config.KafkaConfig, emitter *sse.Emitter, log *logger.Logger) events.Publisher {
	topics := []string{cfg.OrdersTopic, cfg.FilesTopic}
	if err := kafka.EnsureTopicsExist(ctx, cfg.Brokers, topics, log); err != nil {
		log.Warn("KAFKA", fmt.Sprintf("Topic creation might have failed: %v", err))
	} else {
		log.Info("KAFKA", "Required topics ensured successfully")
	}

	producer := kafka.NewProducer(cfg.Brokers, cfg.OrdersTopic, cfg.FilesTopic, log)
	log.Info("KAFKA", "Kafka producer initialized successfully")

	groupID := relayGroupID(cfg.GroupID)
	for _, topic := range topics {
		consumer := kafka.NewConsumer(cfg.Brokers, topic, groupID, log)
		g.Go(func() error {
			defer consumer.Close()
			if err := consumer.Start(ctx, emitter.Publish); err != nil {
				log.Error("KAFKA", fmt.Sprintf("SSE relay for %s stopped: %v", topic, err))
			}
			return nil
		})
	}
	g.Go(func() error {
		<-ctx.Done()
		return producer.Close()
	})
	return producer
}

func main() {
	envErr := godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(cfg.Log.Dir, cfg.Log.Name, cfg.Log.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Close()

	log.Info("APP", "Starting Tabesh API initialization")
	if envErr != nil {
		log.Warn("CONFIG", ".env file not found, using environment variables")
	} else {
		log.Info("CONFIG", "Loaded environment variables from .env file")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, rdb, err := app.Connect(ctx, cfg, log)
	if err != nil {
		log.Fatal("DATABASE", fmt.Sprintf("Startup failed: %v", err))
	}

	g, gctx := errgroup.WithContext(ctx)

	emitter := sse.NewEmitter()
	var publisher events.Publisher = emitter
	if cfg.Kafka.Enabled {
		log.Info("KAFKA", fmt.Sprintf("Using Kafka brokers %v", cfg.Kafka.Brokers))
		publisher = startKafka(gctx, g, cfg.Kafka, emitter, log)
	} else {
		log.Info("KAFKA", "Kafka disabled, events go straight to the SSE stream")
	}

	a, err := app.New(cfg, db, rdb, publisher, log)
	if err != nil {
		log.Fatal("APP", fmt.Sprintf("Service wiring failed: %v", err))
	}
	defer a.Close()

	verifier, err := app.NewVerifier(ctx, cfg.Auth)
	if err != nil {
		log.Fatal("AUTH", fmt.Sprintf("Token verifier setup failed: %v", err))
	}

	log.Info("HTTP", "Setting up router and middleware")
	server := &http.Server{
		Addr:         cfg.Server.Port,
		Handler:      a.Router(verifier, emitter),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	g.Go(func() error {
		log.Info("HTTP", fmt.Sprintf("Tabesh API running on %s", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info("APP", "Shutdown signal received, initiating graceful shutdown")
		ctxShutdown, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return server.Shutdown(ctxShutdown)
	})

	if err := g.Wait(); err != nil {
		log.Error("APP", fmt.Sprintf("Stopped with error: %v", err))
		return
	}
	log.Info("HTTP", "Tabesh API shutdown complete")
}
