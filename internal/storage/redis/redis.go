// Package redis caches reservation snapshots for point lookups. The
// cache is best effort: entries are refreshed on every commit and
// expire after a TTL, and any failure falls through to the primary
// storage.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/horaoen/reservation/internal/domain/converter"
	"github.com/horaoen/reservation/internal/domain/models"
	"github.com/horaoen/reservation/internal/storage"
	storageModel "github.com/horaoen/reservation/internal/storage/model"
)

type Storage struct {
	client *redis.Client
	ttl    time.Duration
}

func New(addr string, ttl time.Duration) *Storage {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: "", // no password set
		DB:       0,  // use default DB
	})

	return &Storage{client: client, ttl: ttl}
}

func (s *Storage) Reservation(ctx context.Context, id uuid.UUID) (models.Reservation, error) {
	const op = "storage.redis.Reservation"

	data := s.client.Get(ctx, fmt.Sprintf("reservation:%s", id)).Val()

	if len(data) == 0 {
		return models.Reservation{}, fmt.Errorf("%s: %w", op, storage.ErrNotFound)
	}

	var row storageModel.Reservation
	if err := json.Unmarshal([]byte(data), &row); err != nil {
		return models.Reservation{}, fmt.Errorf("%s: %w", op, err)
	}

	return converter.ToReservationFromStorage(row), nil
}

func (s *Storage) SaveReservation(ctx context.Context, res models.Reservation) error {
	const op = "storage.redis.SaveReservation"

	data, err := json.Marshal(converter.ToStorageFromReservation(res))
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	if err = s.client.Set(ctx, fmt.Sprintf("reservation:%s", res.ID), string(data), s.ttl).Err(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

func (s *Storage) Stop() error {
	const op = "storage.redis.Stop"

	if err := s.client.Close(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}
