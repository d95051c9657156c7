package metricsapp

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/horaoen/reservation/internal/lib/logger/sl"
)

type App struct {
	log  *slog.Logger
	port int
	reg  *prometheus.Registry

	ReservationsCreated   prometheus.Counter
	ReservationConflicts  prometheus.Counter
	ReservationsCancelled prometheus.Counter
	DroppedListeners      prometheus.Counter
}

func New(log *slog.Logger, port int) *App {
	reg := prometheus.NewRegistry()

	created := promauto.With(reg).NewCounter(prometheus.CounterOpts{
		Name: "reservations_created_total",
		Help: "Total number of reservations created.",
	})
	conflicts := promauto.With(reg).NewCounter(prometheus.CounterOpts{
		Name: "reservation_conflicts_total",
		Help: "Total number of reservation attempts rejected for overlap.",
	})
	cancelled := promauto.With(reg).NewCounter(prometheus.CounterOpts{
		Name: "reservations_cancelled_total",
		Help: "Total number of reservations cancelled.",
	})
	dropped := promauto.With(reg).NewCounter(prometheus.CounterOpts{
		Name: "feed_listeners_dropped_total",
		Help: "Total number of change feed listeners dropped for lagging.",
	})

	return &App{
		log:                   log,
		port:                  port,
		reg:                   reg,
		ReservationsCreated:   created,
		ReservationConflicts:  conflicts,
		ReservationsCancelled: cancelled,
		DroppedListeners:      dropped,
	}
}

func (a *App) MustRun() {
	err := a.Run()
	if errors.Is(err, http.ErrServerClosed) {
		a.log.Info("Prometheus server closed", sl.Err(err))
	} else if err != nil {
		a.log.Error("Failed to start Prometheus", sl.Err(err))
		panic(err)
	}
}

func (a *App) Run() error {
	const op = "metricsapp.Run"
	log := a.log.With(slog.String("op", op), slog.Int("port", a.port))

	log.Info("exposing Prometheus metrics")

	http.Handle("/metrics", promhttp.HandlerFor(
		a.reg,
		promhttp.HandlerOpts{
			// Opt into OpenMetrics e.g. to support exemplars.
			EnableOpenMetrics: true,
		},
	))

	return http.ListenAndServe(fmt.Sprintf(":%d", a.port), nil)
}
