package main

import (
	"context"
	"database/sql"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/IBM/sarama"
	"github.com/ThreeDotsLabs/watermill"
	watermillkafka "github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	_ "github.com/lib/pq"

	"github.com/ordercore/orderservice/internal/command"
	"github.com/ordercore/orderservice/internal/config"
	"github.com/ordercore/orderservice/internal/eventstore"
	"github.com/ordercore/orderservice/internal/outbox"
	"github.com/ordercore/orderservice/internal/projection"
	"github.com/ordercore/orderservice/internal/publish"
	"github.com/ordercore/orderservice/internal/readmodel"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "err", err)
		os.Exit(1)
	}

	level := new(slog.LevelVar)
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level.Set(slog.LevelInfo)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})))

	logger := watermill.NewSlogLoggerWithLevelMapping(nil, map[slog.Level]slog.Level{
		slog.LevelInfo: slog.LevelDebug,
	})

	db, err := initDB(cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to init database", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	store := eventstore.NewPostgresStore(db, cfg.SnapshotEvery)
	readStore := readmodel.NewPostgresStore(db)

	kafkaMarshaler := watermillkafka.NewWithPartitioningMarshaler(func(_ string, msg *message.Message) (string, error) {
		return msg.Metadata.Get("aggregate_id"), nil
	})

	wPublisher, err := watermillkafka.NewPublisher(
		watermillkafka.PublisherConfig{Brokers: cfg.KafkaBrokers, Marshaler: kafkaMarshaler},
		logger,
	)
	if err != nil {
		slog.Error("failed to create kafka publisher", "err", err)
		os.Exit(1)
	}
	defer wPublisher.Close()

	saramaSubscriberConfig := watermillkafka.DefaultSaramaSubscriberConfig()
	saramaSubscriberConfig.Consumer.Offsets.Initial = offsetResetFor(cfg.ConsumerAutoOffsetReset)
	saramaSubscriberConfig.Consumer.Offsets.AutoCommit.Enable = cfg.ConsumerEnableAutoCommit

	subscriber, err := watermillkafka.NewSubscriber(
		watermillkafka.SubscriberConfig{
			Brokers:               cfg.KafkaBrokers,
			Unmarshaler:           kafkaMarshaler,
			OverwriteSaramaConfig: saramaSubscriberConfig,
			ConsumerGroup:         cfg.ConsumerGroupID,
		},
		logger,
	)
	if err != nil {
		slog.Error("failed to create kafka subscriber", "err", err)
		os.Exit(1)
	}
	defer subscriber.Close()

	eventPublisher := publish.NewPublisher(wPublisher, cfg.PublishMaxRetries)

	// handler is the entry point for whatever command surface runs in
	// front of this service (HTTP, gRPC, CLI — out of scope here, §1).
	// It is constructed here so process init/shutdown of its
	// dependencies is centralized in one place.
	_ = command.NewHandler(store, eventPublisher, cfg.CommandMaxRetries)

	router, err := message.NewRouter(message.RouterConfig{}, logger)
	if err != nil {
		slog.Error("failed to create router", "err", err)
		os.Exit(1)
	}
	router.AddMiddleware(middleware.Recoverer, middleware.CorrelationID)

	consumer := projection.NewConsumer(readStore, cfg.ParkedEventLimit)
	consumer.RegisterHandlers(router, subscriber)

	sweeper := outbox.NewSweeper(store, eventPublisher)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := sweeper.Start(ctx, cfg.OutboxSweepSchedule); err != nil {
		slog.Error("failed to start outbox sweep", "err", err)
		os.Exit(1)
	}
	defer sweeper.Stop()

	go func() {
		slog.Info("projection router starting")
		if err := router.Run(ctx); err != nil {
			slog.Error("projection router stopped with error", "err", err)
			cancel()
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")
}

// offsetResetFor maps consumer.auto_offset_reset (§6) to the sarama
// constant; any value other than "latest" defaults to OffsetOldest, the
// safer choice for a consumer group that must not silently skip events.
func offsetResetFor(reset string) int64 {
	if reset == "latest" {
		return sarama.OffsetNewest
	}
	return sarama.OffsetOldest
}

func initDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	if err := eventstore.Migrate(db); err != nil {
		return nil, err
	}
	if err := readmodel.Migrate(db); err != nil {
		return nil, err
	}
	return db, nil
}
