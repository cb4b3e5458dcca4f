package sweeper

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/broadcast"
	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/storage"
)

type capturePublisher struct {
	mu     sync.Mutex
	byChan map[string][]models.Event
}

func newCapturePublisher() *capturePublisher {
	return &capturePublisher{byChan: make(map[string][]models.Event)}
}

func (p *capturePublisher) Publish(_ context.Context, channel string, ev models.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.byChan[channel] = append(p.byChan[channel], ev)
	return nil
}

func testCfg() config.DispatchConfig {
	return config.DispatchConfig{
		BaseRadiusM:     2000,
		CandidateCap:    20,
		RoundWindow:     30 * time.Second,
		ScheduledWindow: 2 * time.Minute,
		AcceptGrace:     5 * time.Second,
		MaxRounds:       3,
		LockTTL:         30 * time.Minute,
		SweepInterval:   30 * time.Second,
		OfferRetention:  24 * time.Hour,
		ScheduleLead:    15 * time.Minute,
	}
}

func newSweeper(store *storage.MemoryStore, index geo.Index, pub *capturePublisher) *Sweeper {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := testCfg()
	c := &broadcast.Coordinator{
		Geo: index, Store: store, Publisher: pub, Logger: logger, Cfg: cfg, SpeedMps: 10,
	}
	return &Sweeper{Store: store, Coordinator: c, Publisher: pub, Logger: logger, Cfg: cfg}
}

func seedSearching(t *testing.T, store *storage.MemoryStore, id string) {
	t.Helper()
	ctx := context.Background()
	trip := &models.Trip{
		ID: id, RiderID: "r1", VehicleClass: models.ClassSedan,
		Status: models.TripInitiated, FareEstimate: 150,
		VerificationExpiry: time.Now().Add(time.Hour),
	}
	if err := store.CreateTrip(ctx, trip); err != nil {
		t.Fatal(err)
	}
	if _, err := store.MarkSearching(ctx, id); err != nil {
		t.Fatal(err)
	}
}

func TestEmptyCityRunsOutOfRounds(t *testing.T) {
	store := storage.NewMemoryStore()
	pub := newCapturePublisher()
	sw := newSweeper(store, geo.NewMemIndex(), pub)
	seedSearching(t, store, "t1")

	ctx := context.Background()
	// rounds 1..3 each open empty with an immediately-due deadline
	for i := 0; i < 3; i++ {
		sw.SweepOnce(ctx, time.Now())
		trip, _ := store.GetTrip(ctx, "t1")
		if trip.Round != i+1 {
			t.Fatalf("sweep %d: expected round %d, got %d", i, i+1, trip.Round)
		}
		if trip.Status != models.TripSearching {
			t.Fatalf("sweep %d: expected SEARCHING, got %s", i, trip.Status)
		}
	}

	// rounds spent: next sweep terminates
	sw.SweepOnce(ctx, time.Now())
	trip, _ := store.GetTrip(ctx, "t1")
	if trip.Status != models.TripUnfulfilled {
		t.Fatalf("expected UNFULFILLED, got %s", trip.Status)
	}

	evs := pub.byChan[models.RiderChannel("r1")]
	if len(evs) != 1 || evs[0].Type != models.EventTripUnfulfilled {
		t.Fatalf("rider must get one unfulfilled push, got %v", evs)
	}
}

func TestSweepIsIdempotent(t *testing.T) {
	store := storage.NewMemoryStore()
	pub := newCapturePublisher()
	sw := newSweeper(store, geo.NewMemIndex(), pub)
	seedSearching(t, store, "t1")

	ctx := context.Background()
	for i := 0; i < 6; i++ {
		sw.SweepOnce(ctx, time.Now())
	}
	trip, _ := store.GetTrip(ctx, "t1")
	if trip.Status != models.TripUnfulfilled {
		t.Fatalf("expected UNFULFILLED, got %s", trip.Status)
	}
	if trip.Round != 3 {
		t.Fatalf("extra sweeps must not advance rounds, got %d", trip.Round)
	}
	if evs := pub.byChan[models.RiderChannel("r1")]; len(evs) != 1 {
		t.Fatalf("expected exactly one unfulfilled push, got %d", len(evs))
	}
}

func TestSweepWaitsForLivePendingOffer(t *testing.T) {
	store := storage.NewMemoryStore()
	index := geo.NewMemIndex()
	pub := newCapturePublisher()
	sw := newSweeper(store, index, pub)
	seedSearching(t, store, "t1")

	ctx := context.Background()
	if _, err := store.UpsertDriverHeartbeat(ctx, models.Heartbeat{
		DriverID: "d1", VehicleClass: models.ClassSedan, Online: true,
	}, time.Now()); err != nil {
		t.Fatal(err)
	}
	// deadline already past, but the offer is inside its accept grace
	deadline := time.Now().Add(-time.Second)
	if _, err := store.OpenRound(ctx, "t1", 1, 2000, deadline, time.Now().Add(4*time.Second), []string{"d1"}); err != nil {
		t.Fatal(err)
	}

	sw.SweepOnce(ctx, time.Now())

	trip, _ := store.GetTrip(ctx, "t1")
	if trip.Round != 1 || trip.Status != models.TripSearching {
		t.Fatalf("in-flight response window must be respected: %+v", trip)
	}
	offers, _ := store.OffersByTrip(ctx, "t1")
	if offers[0].Status != models.OfferPending {
		t.Fatalf("offer must stay PENDING, got %s", offers[0].Status)
	}
}

func TestSweepExpiresOffersThenRetries(t *testing.T) {
	store := storage.NewMemoryStore()
	index := geo.NewMemIndex()
	pub := newCapturePublisher()
	sw := newSweeper(store, index, pub)
	seedSearching(t, store, "t1")

	ctx := context.Background()
	hb := models.Heartbeat{DriverID: "d1", Loc: models.Coord{Lat: 0.001}, VehicleClass: models.ClassSedan, Online: true}
	if _, err := store.UpsertDriverHeartbeat(ctx, hb, time.Now()); err != nil {
		t.Fatal(err)
	}
	if err := index.Upsert(ctx, hb); err != nil {
		t.Fatal(err)
	}

	past := time.Now().Add(-time.Minute)
	if _, err := store.OpenRound(ctx, "t1", 1, 2000, past, past, []string{"d1"}); err != nil {
		t.Fatal(err)
	}

	sw.SweepOnce(ctx, time.Now())

	trip, _ := store.GetTrip(ctx, "t1")
	if trip.Round != 2 {
		t.Fatalf("expected escalation to round 2, got %d", trip.Round)
	}
	offers, _ := store.OffersByTrip(ctx, "t1")
	// d1 already holds an offer for this trip; round 2 flips it EXPIRED
	// and creates nothing new for the same driver
	if len(offers) != 1 || offers[0].Status != models.OfferExpired {
		t.Fatalf("expected d1's offer EXPIRED with no duplicate, got %v", offers)
	}
}

func TestScheduledTripPromotedWithinLead(t *testing.T) {
	store := storage.NewMemoryStore()
	pub := newCapturePublisher()
	sw := newSweeper(store, geo.NewMemIndex(), pub)

	ctx := context.Background()
	soon := time.Now().Add(10 * time.Minute)
	later := time.Now().Add(2 * time.Hour)
	for id, at := range map[string]time.Time{"soon": soon, "later": later} {
		at := at
		trip := &models.Trip{
			ID: id, RiderID: "r-" + id, VehicleClass: models.ClassSedan,
			Status: models.TripScheduled, ScheduledAt: &at,
			VerificationExpiry: time.Now().Add(3 * time.Hour),
		}
		if err := store.CreateTrip(ctx, trip); err != nil {
			t.Fatal(err)
		}
	}

	sw.SweepOnce(ctx, time.Now())

	got, _ := store.GetTrip(ctx, "soon")
	if got.Status != models.TripSearching {
		t.Fatalf("trip inside the lead window must enter broadcast, got %s", got.Status)
	}
	far, _ := store.GetTrip(ctx, "later")
	if far.Status != models.TripScheduled {
		t.Fatalf("distant trip must stay SCHEDULED, got %s", far.Status)
	}
}

func TestHygieneDeletesOldResolvedOffers(t *testing.T) {
	store := storage.NewMemoryStore()
	pub := newCapturePublisher()
	sw := newSweeper(store, geo.NewMemIndex(), pub)
	seedSearching(t, store, "t1")

	ctx := context.Background()
	past := time.Now().Add(-48 * time.Hour)
	if _, err := store.OpenRound(ctx, "t1", 1, 2000, past, past, []string{"d1"}); err != nil {
		t.Fatal(err)
	}
	if _, err := store.ExpirePendingOffers(ctx, "t1", time.Now()); err != nil {
		t.Fatal(err)
	}

	// run the cleanup as if the retention window has fully elapsed
	sw.HygieneOnce(ctx, time.Now().Add(48*time.Hour))

	offers, _ := store.OffersByTrip(ctx, "t1")
	if len(offers) != 0 {
		t.Fatalf("expected expired offer purged, got %v", offers)
	}
}
