package storageapp

import (
	"fmt"
	"log/slog"

	reservationservice "github.com/horaoen/reservation/internal/services/reservation"
	"github.com/horaoen/reservation/internal/storage/memory"
	"github.com/horaoen/reservation/internal/storage/postgres"
	"github.com/horaoen/reservation/internal/storage/sqlite"
)

// Storage is what every backend provides to the reservation service.
type Storage interface {
	reservationservice.ReservationSaver
	reservationservice.ReservationProvider
}

type App struct {
	Storage Storage
	log     *slog.Logger
	closeFn func() error
}

func MustCreateApp(driver, dsn string, log *slog.Logger) *App {
	app, err := New(driver, dsn, log)
	if err != nil {
		panic(err)
	}
	return app
}

func New(driver, dsn string, log *slog.Logger) (*App, error) {
	const op = "storageapp.New"

	switch driver {
	case "postgres":
		pg, err := postgres.New(dsn)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		return &App{Storage: pg, log: log, closeFn: func() error {
			pg.ClosePool()
			return nil
		}}, nil

	case "sqlite":
		lite, err := sqlite.New(dsn)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		return &App{Storage: lite, log: log, closeFn: lite.Close}, nil

	case "memory":
		return &App{Storage: memory.New(), log: log, closeFn: func() error { return nil }}, nil
	}

	return nil, fmt.Errorf("%s: unknown storage driver %q", op, driver)
}

func (a *App) Stop() {
	const op = "storageapp.Stop"
	log := a.log.With(slog.String("op", op))
	log.Info("stopping storage app")

	if err := a.closeFn(); err != nil {
		log.Error("failed to close storage", "err", err)
	}
}
