package sweeper

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/example/ride-dispatch/internal/broadcast"
	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/payments"
	"github.com/example/ride-dispatch/internal/publish"
	"github.com/example/ride-dispatch/internal/storage"
)

const sweepBatch = 200

// Sweeper is the expiry/retry scheduler. It runs off persisted
// deadlines on a fixed tick, so a process restart loses nothing: any
// round whose deadline passed is picked up on the next tick wherever it
// is found. Every state change it makes is guarded on current
// status/round fields, which is what makes a double sweep a no-op.
type Sweeper struct {
	Store       storage.DispatchStore
	Coordinator *broadcast.Coordinator
	Publisher   publish.Publisher
	Payments    payments.Gateway // nil when no gateway is configured
	Logger      *slog.Logger
	Cfg         config.DispatchConfig
}

// Run ticks until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.Cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SweepOnce(ctx, time.Now())
		}
	}
}

// SweepOnce promotes due scheduled trips and resolves every SEARCHING
// trip whose round deadline has passed: retry with a wider radius while
// rounds remain, terminate as UNFULFILLED once they are spent.
func (s *Sweeper) SweepOnce(ctx context.Context, now time.Time) {
	start := time.Now()
	defer func() {
		observability.SweepDuration.Observe(time.Since(start).Seconds())
	}()

	s.promoteScheduled(ctx, now)

	due, err := s.Store.DueSearchingTrips(ctx, now, sweepBatch)
	if err != nil {
		s.Logger.Error("due-trip query failed", "error", err)
		return
	}
	for i := range due {
		s.resolve(ctx, &due[i], now)
	}

	// defensive: frees locks whose lease lapsed or whose trip went
	// terminal without the normal release path running
	if released, err := s.Store.ReleaseStaleLocks(ctx, now); err != nil {
		s.Logger.Error("stale lock release failed", "error", err)
	} else if len(released) > 0 {
		s.Logger.Warn("released stale driver locks", "driver_ids", released)
	}
}

func (s *Sweeper) promoteScheduled(ctx context.Context, now time.Time) {
	dueScheduled, err := s.Store.DueScheduledTrips(ctx, now, s.Cfg.ScheduleLead, sweepBatch)
	if err != nil {
		s.Logger.Error("scheduled-trip query failed", "error", err)
		return
	}
	for i := range dueScheduled {
		trip, err := s.Store.MarkSearching(ctx, dueScheduled[i].ID)
		if errors.Is(err, storage.ErrInvalidState) {
			continue // raced with a concurrent promotion
		}
		if err != nil {
			s.Logger.Error("scheduled promotion failed", "trip_id", dueScheduled[i].ID, "error", err)
			continue
		}
		if err := s.Coordinator.StartRound(ctx, trip); err != nil {
			s.Logger.Error("scheduled broadcast failed", "trip_id", trip.ID, "error", err)
		}
	}
}

func (s *Sweeper) resolve(ctx context.Context, trip *models.Trip, now time.Time) {
	// a PENDING offer still inside its accept window means a response
	// may be in flight; leave the trip for the next tick
	live, err := s.Store.HasLivePendingOffers(ctx, trip.ID, now)
	if err != nil {
		s.Logger.Error("pending-offer check failed", "trip_id", trip.ID, "error", err)
		return
	}
	if live {
		return
	}
	if _, err := s.Store.ExpirePendingOffers(ctx, trip.ID, now); err != nil {
		s.Logger.Error("offer expiry failed", "trip_id", trip.ID, "error", err)
		return
	}

	if trip.Round < s.Cfg.MaxRounds {
		if err := s.Coordinator.StartRound(ctx, trip); err != nil {
			s.Logger.Error("retry round failed", "trip_id", trip.ID, "round", trip.Round+1, "error", err)
		}
		return
	}

	t, err := s.Store.MarkUnfulfilled(ctx, trip.ID, now)
	if errors.Is(err, storage.ErrRoundMoved) {
		return // someone accepted or cancelled between the query and now
	}
	if err != nil {
		s.Logger.Error("unfulfilled transition failed", "trip_id", trip.ID, "error", err)
		return
	}
	observability.TripsUnfulfilled.Inc()
	s.Logger.Info("trip unfulfilled", "trip_id", t.ID, "rounds", t.Round)
	if t.PaymentIntentID != "" && s.Payments != nil {
		if err := s.Payments.Cancel(ctx, t.PaymentIntentID); err != nil {
			s.Logger.Warn("payment hold release failed", "trip_id", t.ID, "error", err)
		}
	}
	ev := models.Event{Type: models.EventTripUnfulfilled, Data: map[string]string{
		"trip_id": t.ID,
		"reason":  "no driver available",
	}}
	if err := s.Publisher.Publish(ctx, models.RiderChannel(t.RiderID), ev); err != nil {
		observability.EventPublishErrs.Inc()
		s.Logger.Warn("unfulfilled push failed", "trip_id", t.ID, "error", err)
	}
}

// RunHygiene periodically deletes resolved offers older than the
// retention window. Hygiene only; correctness never depends on it.
func (s *Sweeper) RunHygiene(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.HygieneOnce(ctx, time.Now())
		}
	}
}

func (s *Sweeper) HygieneOnce(ctx context.Context, now time.Time) {
	n, err := s.Store.DeleteStaleOffers(ctx, now.Add(-s.Cfg.OfferRetention))
	if err != nil {
		s.Logger.Error("stale offer cleanup failed", "error", err)
		return
	}
	if n > 0 {
		s.Logger.Info("stale offers deleted", "count", n)
	}
}
