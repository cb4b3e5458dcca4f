package storage

import (
	"context"
	"errors"
	"time"

	"github.com/example/ride-dispatch/internal/fare"
	"github.com/example/ride-dispatch/internal/models"
)

var (
	ErrNotFound = errors.New("not found")

	// ErrAlreadyTaken means another driver's accept committed first, or
	// the trip has otherwise left SEARCHING. Callers branch on it; it is
	// an expected outcome, not a failure.
	ErrAlreadyTaken = errors.New("booking already taken")

	ErrOfferExpired      = errors.New("offer expired")
	ErrDriverUnavailable = errors.New("driver unavailable")
	ErrInvalidState      = errors.New("invalid state transition")
	ErrCodeMismatch      = errors.New("verification code mismatch")
	ErrCodeExpired       = errors.New("verification code expired")

	// ErrRoundMoved means a round open/expiry lost the optimistic race
	// against a concurrent transition; the caller just drops the work.
	ErrRoundMoved = errors.New("round already advanced")
)

// AcceptResult reports the outcome of a winning accept transaction.
type AcceptResult struct {
	Trip *models.Trip
	// SupersededDriverIDs lists the losing drivers whose PENDING offers
	// were flipped in the same transaction.
	SupersededDriverIDs []string
}

// CancelResult reports a completed cancellation.
type CancelResult struct {
	Trip *models.Trip
	// ReleasedDriverID is set when the cancel released a driver lock.
	ReleasedDriverID string
	// NotifiedDriverIDs lists drivers whose PENDING offers were cancelled.
	NotifiedDriverIDs []string
}

// DispatchStore is the durable dispatch ledger: trips, offers and driver
// availability, with every multi-record mutation exposed as one atomic,
// conditionally-guarded operation. Both implementations (postgres and
// in-memory) linearize accepts so at-most-one-winner holds structurally.
type DispatchStore interface {
	fare.RateStore

	// trips
	CreateTrip(ctx context.Context, t *models.Trip) error
	GetTrip(ctx context.Context, id string) (*models.Trip, error)
	// MarkSearching flips INITIATED or SCHEDULED to SEARCHING.
	MarkSearching(ctx context.Context, tripID string) (*models.Trip, error)

	// OpenRound atomically sets the trip's round counter, radius and
	// deadline (guarded on status=SEARCHING and round=expected) and
	// inserts one PENDING offer per driver. The (trip,driver) uniqueness
	// rule silently skips drivers that already hold an offer for the
	// trip. Returns the offers actually created.
	OpenRound(ctx context.Context, tripID string, round int, radiusM float64, deadline, offerExpiry time.Time, driverIDs []string) ([]models.Offer, error)

	// AcceptOffer is the auction-winning transaction: offer PENDING and
	// unexpired, trip SEARCHING, driver unlocked and AVAILABLE; then the
	// offer flips ACCEPTED, all other PENDING offers SUPERSEDED, the
	// driver is locked onto the trip, and the trip becomes
	// DRIVER_ASSIGNED. First commit wins.
	AcceptOffer(ctx context.Context, tripID, driverID string, lockTTL time.Duration, now time.Time) (*AcceptResult, error)
	RejectOffer(ctx context.Context, tripID, driverID string, now time.Time) error
	OffersByTrip(ctx context.Context, tripID string) ([]models.Offer, error)

	// lifecycle
	// CancelTrip decides the cancellation fee off the row it reads in
	// its own transaction: a rider cancelling a DRIVER_ASSIGNED trip is
	// charged feePct of the estimate even when the accept committed an
	// instant earlier. The charge comes back in Trip.CancelFee.
	CancelTrip(ctx context.Context, tripID, actor string, feePct float64, reason string, now time.Time) (*CancelResult, error)
	MarkArrived(ctx context.Context, tripID, driverID string, now time.Time) (*models.Trip, error)
	StartTrip(ctx context.Context, tripID, driverID, code string, now time.Time) (*models.Trip, error)
	CompleteTrip(ctx context.Context, tripID, driverID string, finalFare int64, now time.Time) (*models.Trip, error)
	SettleTrip(ctx context.Context, tripID string, now time.Time) (*models.Trip, error)

	// sweeps
	DueSearchingTrips(ctx context.Context, now time.Time, limit int) ([]models.Trip, error)
	DueScheduledTrips(ctx context.Context, now time.Time, lead time.Duration, limit int) ([]models.Trip, error)
	// HasLivePendingOffers reports PENDING offers still inside their
	// accept window (a response may be in flight).
	HasLivePendingOffers(ctx context.Context, tripID string, now time.Time) (bool, error)
	ExpirePendingOffers(ctx context.Context, tripID string, now time.Time) (int, error)
	MarkUnfulfilled(ctx context.Context, tripID string, now time.Time) (*models.Trip, error)
	DeleteStaleOffers(ctx context.Context, cutoff time.Time) (int, error)
	// ReleaseStaleLocks frees driver locks whose lease expired or whose
	// owning trip is terminal; returns the released driver ids.
	ReleaseStaleLocks(ctx context.Context, now time.Time) ([]string, error)

	// drivers
	UpsertDriverHeartbeat(ctx context.Context, hb models.Heartbeat, now time.Time) (*models.DriverState, error)
	GetDriver(ctx context.Context, id string) (*models.DriverState, error)
	// FilterEligible keeps ids whose canonical record is online,
	// approved, unlocked, AVAILABLE and serving the class, preserving
	// input order.
	FilterEligible(ctx context.Context, ids []string, class models.VehicleClass) ([]string, error)
	SetDriverApproval(ctx context.Context, id string, approved bool) error
}
