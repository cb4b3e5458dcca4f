package arbiter

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/publish"
	"github.com/example/ride-dispatch/internal/storage"
)

// Outcome is what a driver's accept attempt resolved to. AlreadyTaken
// and OfferExpired are expected, frequent results the driver UI
// branches on; they are not errors.
type Outcome string

const (
	Accepted     Outcome = "accepted"
	AlreadyTaken Outcome = "already_taken"
	OfferExpired Outcome = "offer_expired"
)

// Arbiter resolves concurrent accept attempts. The at-most-one-winner
// guarantee lives in the store's accept transaction; the arbiter's job
// is classification and the post-commit notifications.
type Arbiter struct {
	Store     storage.DispatchStore
	Publisher publish.Publisher
	Logger    *slog.Logger
	Cfg       config.DispatchConfig
}

// Accept claims the trip for the driver. First accept to commit wins;
// every later attempt gets AlreadyTaken and mutates nothing.
func (a *Arbiter) Accept(ctx context.Context, tripID, driverID string) (Outcome, *models.Trip, error) {
	res, err := a.Store.AcceptOffer(ctx, tripID, driverID, a.Cfg.LockTTL, time.Now())
	switch {
	case err == nil:
	case errors.Is(err, storage.ErrAlreadyTaken), errors.Is(err, storage.ErrDriverUnavailable):
		observability.AcceptsLost.Inc()
		return AlreadyTaken, nil, nil
	case errors.Is(err, storage.ErrOfferExpired):
		observability.AcceptsLost.Inc()
		return OfferExpired, nil, nil
	default:
		return "", nil, err
	}

	observability.AcceptsWon.Inc()
	a.Logger.Info("driver assigned", "trip_id", tripID, "driver_id", driverID)

	// notifications are best-effort and happen strictly after commit
	for _, loser := range res.SupersededDriverIDs {
		ev := models.Event{Type: models.EventOfferSuperseded, Data: map[string]string{"trip_id": tripID}}
		if err := a.Publisher.Publish(ctx, models.DriverChannel(loser), ev); err != nil {
			observability.EventPublishErrs.Inc()
			a.Logger.Warn("supersede push failed", "trip_id", tripID, "driver_id", loser, "error", err)
		}
	}
	assigned := models.Event{Type: models.EventDriverAssigned, Data: map[string]string{
		"trip_id":   tripID,
		"driver_id": driverID,
	}}
	if err := a.Publisher.Publish(ctx, models.RiderChannel(res.Trip.RiderID), assigned); err != nil {
		observability.EventPublishErrs.Inc()
		a.Logger.Warn("assignment push failed", "trip_id", tripID, "error", err)
	}
	return Accepted, res.Trip, nil
}

// Reject records the driver's refusal. Other drivers' offers and the
// trip itself are untouched; the round still runs out its window.
func (a *Arbiter) Reject(ctx context.Context, tripID, driverID string) error {
	return a.Store.RejectOffer(ctx, tripID, driverID, time.Now())
}
