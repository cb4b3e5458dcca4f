package broadcast

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/publish"
	"github.com/example/ride-dispatch/internal/storage"
)

// Coordinator runs one dispatch round: pick nearby eligible drivers,
// open their offers in a single ledger transaction, then push the offer
// events. Events go out only after the transaction commits and are
// best-effort; a driver that misses the push can still accept through
// the API until the offer expires.
type Coordinator struct {
	Geo       geo.Index
	Store     storage.DispatchStore
	Publisher publish.Publisher
	Logger    *slog.Logger
	Cfg       config.DispatchConfig

	// optional pickup-ETA enrichment for offer payloads
	ETAClient eta.Client
	ETACache  *eta.Cache
	SpeedMps  float64
}

// StartRound opens the next round for a trip that is SEARCHING. Radius
// grows linearly with the round number, so every retry searches
// strictly wider than the last. A lost optimistic race against a
// concurrent accept/cancel/retry is a silent no-op.
func (c *Coordinator) StartRound(ctx context.Context, trip *models.Trip) error {
	if trip.Status != models.TripSearching {
		return storage.ErrInvalidState
	}
	round := trip.Round + 1
	radius := c.Cfg.BaseRadiusM * float64(round)
	now := time.Now()

	cands, err := c.Geo.FindCandidates(ctx, trip.Pickup, trip.VehicleClass, radius, c.Cfg.CandidateCap)
	if err != nil {
		return err
	}
	ids := make([]string, len(cands))
	byID := make(map[string]geo.Candidate, len(cands))
	for i, cand := range cands {
		ids[i] = cand.DriverID
		byID[cand.DriverID] = cand
	}
	// the geo index answers from heartbeat data; the canonical records
	// decide locks and approval
	eligible, err := c.Store.FilterEligible(ctx, ids, trip.VehicleClass)
	if err != nil {
		return err
	}

	if len(eligible) == 0 {
		// no candidates: no window to wait out, the deadline is already
		// due so the retry sweep escalates on its next tick
		_, err := c.Store.OpenRound(ctx, trip.ID, round, radius, now, now, nil)
		if errors.Is(err, storage.ErrRoundMoved) {
			return nil
		}
		if err != nil {
			return err
		}
		observability.RoundsStarted.Inc()
		c.Logger.Info("round opened with no candidates", "trip_id", trip.ID, "round", round, "radius_m", radius)
		return nil
	}

	window := c.Cfg.RoundWindow
	if round == 1 && trip.ScheduledAt != nil {
		window = c.Cfg.ScheduledWindow
	}
	deadline := now.Add(window)
	offerExpiry := deadline.Add(c.Cfg.AcceptGrace)

	created, err := c.Store.OpenRound(ctx, trip.ID, round, radius, deadline, offerExpiry, eligible)
	if errors.Is(err, storage.ErrRoundMoved) {
		return nil
	}
	if err != nil {
		return err
	}
	observability.RoundsStarted.Inc()
	observability.OffersOpened.Add(float64(len(created)))
	c.Logger.Info("round opened", "trip_id", trip.ID, "round", round, "radius_m", radius, "offers", len(created))

	for _, offer := range created {
		payload := models.OfferEvent{
			TripID:       trip.ID,
			Pickup:       trip.Pickup,
			Drop:         trip.Drop,
			VehicleClass: trip.VehicleClass,
			FareEstimate: trip.FareEstimate,
			RiderName:    trip.RiderName,
			ExpiresAt:    offer.ExpiresAt,
		}
		if cand, ok := byID[offer.DriverID]; ok {
			payload.PickupETASec = c.pickupETA(cand.Loc, trip.Pickup)
		}
		ev := models.Event{Type: models.EventTripOffer, Data: payload}
		if err := c.Publisher.Publish(ctx, models.DriverChannel(offer.DriverID), ev); err != nil {
			observability.EventPublishErrs.Inc()
			c.Logger.Warn("offer push failed", "trip_id", trip.ID, "driver_id", offer.DriverID, "error", err)
		}
	}
	return nil
}

func (c *Coordinator) pickupETA(from, to models.Coord) float64 {
	if c.ETACache != nil {
		if v, ok := c.ETACache.Get(from, to); ok {
			return v
		}
	}
	if c.ETAClient != nil {
		if v, err := c.ETAClient.EstimateSeconds(from, to); err == nil {
			if c.ETACache != nil {
				c.ETACache.Set(from, to, v)
			}
			return v
		}
	}
	return eta.EstimateSeconds(from, to, c.SpeedMps)
}
