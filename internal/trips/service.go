package trips

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/example/ride-dispatch/internal/broadcast"
	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/fare"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/payments"
	"github.com/example/ride-dispatch/internal/publish"
	"github.com/example/ride-dispatch/internal/storage"
)

// ErrValidation marks requests rejected before anything is persisted.
var ErrValidation = errors.New("invalid trip request")

const fareCurrency = "inr"

// Service owns the trip lifecycle outside the auction itself: intake,
// cancellation, and the assigned-driver progression through to
// settlement.
type Service struct {
	Store       storage.DispatchStore
	Fare        *fare.Estimator
	Coordinator *broadcast.Coordinator
	Publisher   publish.Publisher
	Payments    payments.Gateway // nil when no gateway is configured
	Logger      *slog.Logger
	Cfg         config.DispatchConfig
}

type CreateRequest struct {
	RiderID      string              `json:"rider_id"`
	RiderName    string              `json:"rider_name"`
	Pickup       models.Coord        `json:"pickup"`
	Drop         models.Coord        `json:"drop"`
	VehicleClass models.VehicleClass `json:"vehicle_class"`
	ScheduledAt  *time.Time          `json:"scheduled_at,omitempty"`
}

type CreateResult struct {
	TripID           string            `json:"trip_id"`
	Status           models.TripStatus `json:"status"`
	VerificationCode string            `json:"verification_code"`
	Fare             fare.Breakdown    `json:"fare"`
}

func (s *Service) validate(req CreateRequest) error {
	if req.RiderID == "" {
		return fmt.Errorf("%w: rider_id required", ErrValidation)
	}
	if !models.KnownVehicleClass(req.VehicleClass) {
		return fmt.Errorf("%w: unknown vehicle class %q", ErrValidation, req.VehicleClass)
	}
	for _, c := range []models.Coord{req.Pickup, req.Drop} {
		if c.Lat < -90 || c.Lat > 90 || c.Lon < -180 || c.Lon > 180 {
			return fmt.Errorf("%w: coordinates out of range", ErrValidation)
		}
	}
	if req.Pickup == req.Drop {
		return fmt.Errorf("%w: pickup and drop are the same point", ErrValidation)
	}
	if req.ScheduledAt != nil && !req.ScheduledAt.After(time.Now()) {
		return fmt.Errorf("%w: scheduled time must be in the future", ErrValidation)
	}
	return nil
}

// CreateTrip validates, quotes, persists and (for live trips) starts
// the first broadcast round. Live trips are inserted already SEARCHING
// so a failed first round leaves a row the deadline sweep will retry,
// never a stranded one. The verification code in the result is shown
// only to the rider; the driver keys it in at pickup.
func (s *Service) CreateTrip(ctx context.Context, req CreateRequest) (*CreateResult, error) {
	if err := s.validate(req); err != nil {
		return nil, err
	}

	distanceKm := geo.Haversine(req.Pickup.Lat, req.Pickup.Lon, req.Drop.Lat, req.Drop.Lon) / 1000
	quote, err := s.Fare.Estimate(ctx, distanceKm, req.VehicleClass)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	trip := &models.Trip{
		ID:                 newID(),
		RiderID:            req.RiderID,
		RiderName:          req.RiderName,
		Pickup:             req.Pickup,
		Drop:               req.Drop,
		VehicleClass:       req.VehicleClass,
		Status:             models.TripSearching,
		FareEstimate:       quote.TotalFare,
		VerificationCode:   newVerificationCode(),
		VerificationExpiry: now.Add(s.Cfg.CodeTTL),
		ScheduledAt:        req.ScheduledAt,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if req.ScheduledAt != nil {
		trip.Status = models.TripScheduled
	}

	if s.Payments != nil {
		piID, err := s.Payments.Hold(ctx, quote.TotalFare, fareCurrency, req.RiderID)
		if err != nil {
			// a failed hold downgrades to pay-on-completion, it does
			// not block dispatch
			s.Logger.Warn("payment hold failed", "rider_id", req.RiderID, "error", err)
		} else {
			trip.PaymentIntentID = piID
		}
	}

	if err := s.Store.CreateTrip(ctx, trip); err != nil {
		return nil, err
	}
	s.Logger.Info("trip created", "trip_id", trip.ID, "rider_id", trip.RiderID,
		"vehicle_class", trip.VehicleClass, "fare_estimate", quote.TotalFare, "scheduled", req.ScheduledAt != nil)

	if trip.Status == models.TripSearching {
		if err := s.Coordinator.StartRound(ctx, trip); err != nil {
			// the trip is SEARCHING with no deadline; the sweep picks
			// it up on its next tick
			s.Logger.Error("initial round failed", "trip_id", trip.ID, "error", err)
		}
	}

	return &CreateResult{
		TripID:           trip.ID,
		Status:           trip.Status,
		VerificationCode: trip.VerificationCode,
		Fare:             quote,
	}, nil
}

type CancelResult struct {
	Status             models.TripStatus `json:"status"`
	CancellationCharge int64             `json:"cancellation_charge"`
}

// CancelTrip cancels on behalf of the rider or the platform. A rider
// cancelling after a driver was assigned pays the configured percentage
// of the estimate; the store decides the fee inside the cancel
// transaction itself, so an accept racing the cancel cannot slip a
// free cancellation through. The assigned driver's lock is released in
// the same transaction as the transition.
func (s *Service) CancelTrip(ctx context.Context, tripID, actor, reason string) (*CancelResult, error) {
	res, err := s.Store.CancelTrip(ctx, tripID, actor, s.Cfg.CancelFeePct, reason, time.Now())
	if err != nil {
		return nil, err
	}
	s.Logger.Info("trip cancelled", "trip_id", tripID, "actor", actor, "fee", res.Trip.CancelFee)

	ev := models.Event{Type: models.EventTripCancelled, Data: map[string]string{"trip_id": tripID, "reason": reason}}
	for _, driverID := range res.NotifiedDriverIDs {
		s.publish(ctx, models.DriverChannel(driverID), ev)
	}
	if res.ReleasedDriverID != "" {
		s.publish(ctx, models.DriverChannel(res.ReleasedDriverID), ev)
	}
	s.publish(ctx, models.RiderChannel(res.Trip.RiderID), ev)

	if res.Trip.PaymentIntentID != "" && s.Payments != nil {
		if err := s.Payments.Cancel(ctx, res.Trip.PaymentIntentID); err != nil {
			s.Logger.Warn("payment hold release failed", "trip_id", tripID, "error", err)
		}
	}
	return &CancelResult{Status: res.Trip.Status, CancellationCharge: res.Trip.CancelFee}, nil
}

// MarkArrived records the assigned driver reaching the pickup point.
func (s *Service) MarkArrived(ctx context.Context, tripID, driverID string) (*models.Trip, error) {
	trip, err := s.Store.MarkArrived(ctx, tripID, driverID, time.Now())
	if err != nil {
		return nil, err
	}
	s.notifyStatus(ctx, trip)
	return trip, nil
}

// StartTrip begins the ride once the driver keys in the rider's
// verification code. The code is single-use and expires.
func (s *Service) StartTrip(ctx context.Context, tripID, driverID, code string) (*models.Trip, error) {
	trip, err := s.Store.StartTrip(ctx, tripID, driverID, code, time.Now())
	if err != nil {
		return nil, err
	}
	s.notifyStatus(ctx, trip)
	return trip, nil
}

// CompleteTrip ends the ride, frees the driver and captures the held
// payment. Capture success settles the trip; a capture failure leaves
// it COMPLETED for out-of-band settlement.
func (s *Service) CompleteTrip(ctx context.Context, tripID, driverID string) (*models.Trip, error) {
	current, err := s.Store.GetTrip(ctx, tripID)
	if err != nil {
		return nil, err
	}
	trip, err := s.Store.CompleteTrip(ctx, tripID, driverID, current.FareEstimate, time.Now())
	if err != nil {
		return nil, err
	}
	s.notifyStatus(ctx, trip)

	if trip.PaymentIntentID != "" && s.Payments != nil {
		if err := s.Payments.Capture(ctx, trip.PaymentIntentID); err != nil {
			s.Logger.Warn("payment capture failed", "trip_id", tripID, "error", err)
			return trip, nil
		}
		settled, err := s.Store.SettleTrip(ctx, tripID, time.Now())
		if err != nil {
			s.Logger.Error("settle transition failed", "trip_id", tripID, "error", err)
			return trip, nil
		}
		trip = settled
		s.notifyStatus(ctx, trip)
	}
	return trip, nil
}

func (s *Service) GetTrip(ctx context.Context, tripID string) (*models.Trip, error) {
	return s.Store.GetTrip(ctx, tripID)
}

func (s *Service) notifyStatus(ctx context.Context, trip *models.Trip) {
	ev := models.Event{Type: models.EventTripStatus, Data: map[string]string{
		"trip_id": trip.ID,
		"status":  string(trip.Status),
	}}
	s.publish(ctx, models.RiderChannel(trip.RiderID), ev)
}

func (s *Service) publish(ctx context.Context, channel string, ev models.Event) {
	if err := s.Publisher.Publish(ctx, channel, ev); err != nil {
		s.Logger.Warn("event push failed", "channel", channel, "type", ev.Type, "error", err)
	}
}

func newID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// newVerificationCode returns a 6-digit code for trip-start verification.
func newVerificationCode() string {
	n, err := rand.Int(rand.Reader, big.NewInt(1000000))
	if err != nil {
		return "000000"
	}
	return fmt.Sprintf("%06d", n.Int64())
}
