package app

import (
	"context"
	"log/slog"

	metricsapp "github.com/horaoen/reservation/internal/app/metrics"
	storageapp "github.com/horaoen/reservation/internal/app/storage"
	redisapp "github.com/horaoen/reservation/internal/app/storage/redis"
	"github.com/horaoen/reservation/internal/config"
	"github.com/horaoen/reservation/internal/feed"
	"github.com/horaoen/reservation/internal/kafka"
	relayservice "github.com/horaoen/reservation/internal/services/relay"
	reservationservice "github.com/horaoen/reservation/internal/services/reservation"
)

type App struct {
	// Reservations is the engine surface consumed by request-handling
	// layers.
	Reservations *reservationservice.Service

	metrics      *metricsapp.App
	storage      *storageapp.App
	redisStorage *redisapp.App
	relay        *relayservice.Relay
	producer     *kafka.Producer

	relayCancel context.CancelFunc
}

func New(log *slog.Logger, cfg *config.Config) *App {
	metrics := metricsapp.New(log, cfg.Metrics.Port)

	changes := feed.New(cfg.Feed.BufferSize, metrics.DroppedListeners.Inc)

	storage := storageapp.MustCreateApp(cfg.Storage.Driver, cfg.Storage.DSN, log)

	var (
		redisStorage *redisapp.App
		cache        reservationservice.SnapshotCache
	)
	if cfg.Redis.Addr != "" {
		redisStorage = redisapp.New(log, cfg.Redis.Addr, cfg.Redis.TTL)
		cache = redisStorage.Storage
	}

	// Only the durable backends persist a change log.
	changelog, _ := storage.Storage.(reservationservice.ChangeLog)

	reservations := reservationservice.New(
		log,
		storage.Storage,
		storage.Storage,
		cache,
		changelog,
		changes,
		reservationservice.Metrics{
			Created:   metrics.ReservationsCreated,
			Conflicts: metrics.ReservationConflicts,
			Cancelled: metrics.ReservationsCancelled,
		},
	)

	var (
		relay    *relayservice.Relay
		producer *kafka.Producer
	)
	if len(cfg.Kafka.Brokers) > 0 {
		producer = kafka.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		relay = relayservice.New(log, producer, changes)
	}

	return &App{
		Reservations: reservations,
		metrics:      metrics,
		storage:      storage,
		redisStorage: redisStorage,
		relay:        relay,
		producer:     producer,
	}
}

func (a *App) MustRun() {
	go a.metrics.MustRun()

	if a.relay != nil {
		ctx, cancel := context.WithCancel(context.Background())
		a.relayCancel = cancel
		a.relay.Start(ctx)
	}
}

func (a *App) Stop() error {
	if a.relay != nil {
		a.relay.Stop()
		a.relayCancel()
		if err := a.producer.Close(); err != nil {
			return err
		}
	}

	a.storage.Stop()

	if a.redisStorage != nil {
		return a.redisStorage.Stop()
	}
	return nil
}
