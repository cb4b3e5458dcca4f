package storage

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/fare"
	"github.com/example/ride-dispatch/internal/models"
)

// MemoryStore keeps the whole ledger behind one mutex. Every method is
// one critical section, so the conditional-update guarantees match the
// postgres implementation. Used for tests and redis/pg-less local runs.
type MemoryStore struct {
	mu      sync.Mutex
	trips   map[string]*models.Trip
	offers  map[string]map[string]*models.Offer // tripID -> driverID -> offer
	drivers map[string]*models.DriverState
	rates   map[models.VehicleClass]fare.Rate
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		trips:   make(map[string]*models.Trip),
		offers:  make(map[string]map[string]*models.Offer),
		drivers: make(map[string]*models.DriverState),
		rates:   make(map[models.VehicleClass]fare.Rate),
	}
}

func copyTrip(t *models.Trip) *models.Trip                 { c := *t; return &c }
func copyDriver(d *models.DriverState) *models.DriverState { c := *d; return &c }

func (m *MemoryStore) CreateTrip(_ context.Context, t *models.Trip) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trips[t.ID] = copyTrip(t)
	m.offers[t.ID] = make(map[string]*models.Offer)
	return nil
}

func (m *MemoryStore) GetTrip(_ context.Context, id string) (*models.Trip, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trips[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyTrip(t), nil
}

func (m *MemoryStore) MarkSearching(_ context.Context, tripID string) (*models.Trip, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trips[tripID]
	if !ok {
		return nil, ErrNotFound
	}
	if t.Status != models.TripInitiated && t.Status != models.TripScheduled {
		return nil, ErrInvalidState
	}
	t.Status = models.TripSearching
	t.UpdatedAt = time.Now()
	return copyTrip(t), nil
}

func (m *MemoryStore) OpenRound(_ context.Context, tripID string, round int, radiusM float64, deadline, offerExpiry time.Time, driverIDs []string) ([]models.Offer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trips[tripID]
	if !ok {
		return nil, ErrNotFound
	}
	if t.Status != models.TripSearching || t.Round != round-1 {
		return nil, ErrRoundMoved
	}
	t.Round = round
	t.RadiusM = radiusM
	t.RoundDeadline = &deadline
	t.UpdatedAt = time.Now()

	created := make([]models.Offer, 0, len(driverIDs))
	for _, id := range driverIDs {
		if _, exists := m.offers[tripID][id]; exists {
			continue // (trip,driver) uniqueness
		}
		o := &models.Offer{
			TripID:    tripID,
			DriverID:  id,
			Round:     round,
			Status:    models.OfferPending,
			ExpiresAt: offerExpiry,
			CreatedAt: time.Now(),
		}
		m.offers[tripID][id] = o
		created = append(created, *o)
	}
	return created, nil
}

func (m *MemoryStore) AcceptOffer(_ context.Context, tripID, driverID string, lockTTL time.Duration, now time.Time) (*AcceptResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trips[tripID]
	if !ok {
		return nil, ErrNotFound
	}
	o, ok := m.offers[tripID][driverID]
	if !ok {
		return nil, ErrNotFound
	}
	if t.Status != models.TripSearching {
		return nil, ErrAlreadyTaken
	}
	switch o.Status {
	case models.OfferPending:
	case models.OfferExpired:
		return nil, ErrOfferExpired
	default:
		return nil, ErrAlreadyTaken
	}
	if o.Expired(now) {
		return nil, ErrOfferExpired
	}
	d, ok := m.drivers[driverID]
	if !ok || d.Locked || !d.Online || d.Availability != models.DriverAvailable {
		return nil, ErrDriverUnavailable
	}

	// commit point: every mutation below happens or none did
	respondedAt := now
	o.Status = models.OfferAccepted
	o.RespondedAt = &respondedAt

	superseded := make([]string, 0, len(m.offers[tripID]))
	for id, other := range m.offers[tripID] {
		if id == driverID || other.Status != models.OfferPending {
			continue
		}
		other.Status = models.OfferSuperseded
		superseded = append(superseded, id)
	}

	until := now.Add(lockTTL)
	d.Locked = true
	d.LockedUntil = &until
	d.Availability = models.DriverOnTrip
	d.CurrentTripID = tripID

	t.DriverID = driverID
	t.Status = models.TripDriverAssigned
	t.RoundDeadline = nil
	t.UpdatedAt = now

	return &AcceptResult{Trip: copyTrip(t), SupersededDriverIDs: superseded}, nil
}

func (m *MemoryStore) RejectOffer(_ context.Context, tripID, driverID string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.offers[tripID][driverID]
	if !ok {
		return ErrNotFound
	}
	if o.Status != models.OfferPending {
		return nil // response already recorded one way or another
	}
	respondedAt := now
	o.Status = models.OfferRejected
	o.RespondedAt = &respondedAt
	return nil
}

func (m *MemoryStore) OffersByTrip(_ context.Context, tripID string) ([]models.Offer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Offer, 0, len(m.offers[tripID]))
	for _, o := range m.offers[tripID] {
		out = append(out, *o)
	}
	return out, nil
}

func (m *MemoryStore) CancelTrip(_ context.Context, tripID, actor string, feePct float64, reason string, now time.Time) (*CancelResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trips[tripID]
	if !ok {
		return nil, ErrNotFound
	}
	if !models.Cancellable(t.Status) {
		return nil, ErrInvalidState
	}
	// the fee is decided off the status this critical section sees, not
	// off anything the caller read earlier
	var fee int64
	if actor == "rider" && models.Assigned(t.Status) {
		fee = int64(math.Round(float64(t.FareEstimate) * feePct / 100))
	}

	res := &CancelResult{}
	if t.DriverID != "" {
		if d, ok := m.drivers[t.DriverID]; ok && d.Locked && d.CurrentTripID == tripID {
			m.releaseLockLocked(d)
			res.ReleasedDriverID = d.ID
		}
	}
	for id, o := range m.offers[tripID] {
		if o.Status == models.OfferPending {
			o.Status = models.OfferCancelled
			res.NotifiedDriverIDs = append(res.NotifiedDriverIDs, id)
		}
	}

	t.Status = models.TripCancelled
	t.CancelFee = fee
	t.CancelReason = reason
	t.RoundDeadline = nil
	t.UpdatedAt = now
	res.Trip = copyTrip(t)
	return res, nil
}

func (m *MemoryStore) MarkArrived(_ context.Context, tripID, driverID string, now time.Time) (*models.Trip, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trips[tripID]
	if !ok {
		return nil, ErrNotFound
	}
	if t.Status != models.TripDriverAssigned || t.DriverID != driverID {
		return nil, ErrInvalidState
	}
	t.Status = models.TripArrived
	t.UpdatedAt = now
	return copyTrip(t), nil
}

func (m *MemoryStore) StartTrip(_ context.Context, tripID, driverID, code string, now time.Time) (*models.Trip, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trips[tripID]
	if !ok {
		return nil, ErrNotFound
	}
	if t.Status != models.TripArrived || t.DriverID != driverID {
		return nil, ErrInvalidState
	}
	if t.VerificationUsed || now.After(t.VerificationExpiry) {
		return nil, ErrCodeExpired
	}
	if t.VerificationCode != code {
		return nil, ErrCodeMismatch
	}
	t.VerificationUsed = true
	t.Status = models.TripInProgress
	t.UpdatedAt = now
	return copyTrip(t), nil
}

func (m *MemoryStore) CompleteTrip(_ context.Context, tripID, driverID string, finalFare int64, now time.Time) (*models.Trip, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trips[tripID]
	if !ok {
		return nil, ErrNotFound
	}
	if t.Status != models.TripInProgress || t.DriverID != driverID {
		return nil, ErrInvalidState
	}
	if d, ok := m.drivers[driverID]; ok && d.Locked && d.CurrentTripID == tripID {
		m.releaseLockLocked(d)
	}
	t.Status = models.TripCompleted
	t.FinalFare = finalFare
	t.UpdatedAt = now
	return copyTrip(t), nil
}

func (m *MemoryStore) SettleTrip(_ context.Context, tripID string, now time.Time) (*models.Trip, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trips[tripID]
	if !ok {
		return nil, ErrNotFound
	}
	if t.Status != models.TripCompleted {
		return nil, ErrInvalidState
	}
	t.Status = models.TripSettled
	t.UpdatedAt = now
	return copyTrip(t), nil
}

func (m *MemoryStore) DueSearchingTrips(_ context.Context, now time.Time, limit int) ([]models.Trip, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Trip, 0)
	for _, t := range m.trips {
		if len(out) == limit {
			break
		}
		// a nil deadline means round open never ran; treat it as due
		if t.Status == models.TripSearching && (t.RoundDeadline == nil || now.After(*t.RoundDeadline)) {
			out = append(out, *copyTrip(t))
		}
	}
	return out, nil
}

func (m *MemoryStore) DueScheduledTrips(_ context.Context, now time.Time, lead time.Duration, limit int) ([]models.Trip, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Trip, 0)
	horizon := now.Add(lead)
	for _, t := range m.trips {
		if len(out) == limit {
			break
		}
		if t.Status == models.TripScheduled && t.ScheduledAt != nil && t.ScheduledAt.Before(horizon) {
			out = append(out, *copyTrip(t))
		}
	}
	return out, nil
}

func (m *MemoryStore) HasLivePendingOffers(_ context.Context, tripID string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.offers[tripID] {
		if o.Status == models.OfferPending && o.ExpiresAt.After(now) {
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryStore) ExpirePendingOffers(_ context.Context, tripID string, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, o := range m.offers[tripID] {
		if o.Status == models.OfferPending && !o.ExpiresAt.After(now) {
			o.Status = models.OfferExpired
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) MarkUnfulfilled(_ context.Context, tripID string, now time.Time) (*models.Trip, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trips[tripID]
	if !ok {
		return nil, ErrNotFound
	}
	if t.Status != models.TripSearching {
		return nil, ErrRoundMoved
	}
	t.Status = models.TripUnfulfilled
	t.RoundDeadline = nil
	t.UpdatedAt = now
	return copyTrip(t), nil
}

func (m *MemoryStore) DeleteStaleOffers(_ context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for tripID, byDriver := range m.offers {
		for driverID, o := range byDriver {
			if o.Status != models.OfferAccepted && o.CreatedAt.Before(cutoff) {
				delete(m.offers[tripID], driverID)
				n++
			}
		}
	}
	return n, nil
}

func (m *MemoryStore) ReleaseStaleLocks(_ context.Context, now time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	released := []string{}
	for _, d := range m.drivers {
		if !d.Locked {
			continue
		}
		stale := d.LockedUntil != nil && now.After(*d.LockedUntil)
		if !stale && d.CurrentTripID != "" {
			if t, ok := m.trips[d.CurrentTripID]; ok {
				stale = models.Terminal(t.Status)
			}
		}
		if stale {
			m.releaseLockLocked(d)
			released = append(released, d.ID)
		}
	}
	return released, nil
}

func (m *MemoryStore) UpsertDriverHeartbeat(_ context.Context, hb models.Heartbeat, now time.Time) (*models.DriverState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drivers[hb.DriverID]
	if !ok {
		d = &models.DriverState{ID: hb.DriverID, Approved: true}
		m.drivers[hb.DriverID] = d
	}
	d.Loc = hb.Loc
	d.VehicleClass = hb.VehicleClass
	d.Online = hb.Online
	d.Updated = now
	// lock/availability pair is owned by the arbiter and lifecycle paths
	if !d.Locked {
		if hb.Online {
			d.Availability = models.DriverAvailable
		} else {
			d.Availability = models.DriverOffline
		}
	}
	return copyDriver(d), nil
}

func (m *MemoryStore) GetDriver(_ context.Context, id string) (*models.DriverState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drivers[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyDriver(d), nil
}

func (m *MemoryStore) FilterEligible(_ context.Context, ids []string, class models.VehicleClass) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if d, ok := m.drivers[id]; ok && d.Eligible(class) {
			out = append(out, id)
		}
	}
	return out, nil
}

func (m *MemoryStore) SetDriverApproval(_ context.Context, id string, approved bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drivers[id]
	if !ok {
		return ErrNotFound
	}
	d.Approved = approved
	return nil
}

func (m *MemoryStore) GetRate(_ context.Context, class models.VehicleClass) (fare.Rate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rates[class]
	if !ok {
		return fare.Rate{}, fare.ErrNoRate
	}
	return r, nil
}

func (m *MemoryStore) PutRate(_ context.Context, r fare.Rate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rates[r.Class] = r
	return nil
}

// releaseLockLocked clears the lock triple; caller holds the mutex.
func (m *MemoryStore) releaseLockLocked(d *models.DriverState) {
	d.Locked = false
	d.LockedUntil = nil
	d.CurrentTripID = ""
	if d.Online {
		d.Availability = models.DriverAvailable
	} else {
		d.Availability = models.DriverOffline
	}
}
