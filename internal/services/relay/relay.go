// Package relay bridges the in-process change feed to external
// subscribers over Kafka. It is itself a feed listener: if it lags and
// gets dropped, it logs the gap and resubscribes to the live tail
// rather than stalling writers.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/horaoen/reservation/internal/domain/models"
	"github.com/horaoen/reservation/internal/feed"
	"github.com/horaoen/reservation/internal/lib/logger/sl"
)

type EventPublisher interface {
	Publish(ctx context.Context, key, data []byte) error
}

type Relay struct {
	log       *slog.Logger
	publisher EventPublisher
	changes   *feed.Feed
	stopChan  chan struct{}
	doneChan  chan struct{}
}

func New(log *slog.Logger, publisher EventPublisher, changes *feed.Feed) *Relay {
	return &Relay{
		log:       log,
		publisher: publisher,
		changes:   changes,
		stopChan:  make(chan struct{}),
		doneChan:  make(chan struct{}),
	}
}

// Start consumes the change feed until the context is done or Stop is
// called.
func (r *Relay) Start(ctx context.Context) {
	const op = "service.relay.Start"
	log := r.log.With(slog.String("op", op))

	log.Info("starting change relay")

	go func() {
		defer close(r.doneChan)
		defer log.Info("stopping change relay")

		listener := r.changes.Subscribe()
		// The lag path below swaps listener for a fresh subscription,
		// so the deferred Close must resolve it at exit time, not here.
		defer func() { listener.Close() }()

		for {
			select {
			case <-ctx.Done():
				return
			case <-r.stopChan:
				return
			case ev, ok := <-listener.Events():
				if !ok {
					if errors.Is(listener.Err(), feed.ErrListenerLagged) {
						log.Warn("relay lagged behind the feed, resubscribing", sl.Err(listener.Err()))
						listener = r.changes.Subscribe()
						continue
					}
					return
				}
				r.publishEvent(ctx, ev)
			}
		}
	}()
}

func (r *Relay) publishEvent(ctx context.Context, ev models.ChangeEvent) {
	const op = "service.relay.publishEvent"
	log := r.log.With(slog.String("op", op), slog.Uint64("sequence", ev.Sequence))

	payload, err := json.Marshal(ev)
	if err != nil {
		log.Error("failed to marshal change event", sl.Err(err))
		return
	}

	if err := r.publisher.Publish(ctx, []byte(ev.ReservationID.String()), payload); err != nil {
		log.Error("failed to publish change event", sl.Err(err))
	}
}

func (r *Relay) Stop() {
	close(r.stopChan)
	<-r.doneChan
}
