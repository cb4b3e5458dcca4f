package broadcast

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

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
	}
}

func newCoordinator(store storage.DispatchStore, index geo.Index, pub *capturePublisher) *Coordinator {
	return &Coordinator{
		Geo:       index,
		Store:     store,
		Publisher: pub,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		Cfg:       testCfg(),
		SpeedMps:  10,
	}
}

func seedSearchingTrip(t *testing.T, store *storage.MemoryStore, id string) *models.Trip {
	t.Helper()
	ctx := context.Background()
	trip := &models.Trip{
		ID:                 id,
		RiderID:            "r1",
		RiderName:          "Asha",
		Pickup:             models.Coord{Lat: 0, Lon: 0},
		Drop:               models.Coord{Lat: 0.05, Lon: 0.05},
		VehicleClass:       models.ClassSedan,
		Status:             models.TripInitiated,
		FareEstimate:       180,
		VerificationExpiry: time.Now().Add(time.Hour),
	}
	if err := store.CreateTrip(ctx, trip); err != nil {
		t.Fatal(err)
	}
	searching, err := store.MarkSearching(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	return searching
}

func addDriver(t *testing.T, store *storage.MemoryStore, index geo.Index, id string, lat, lon float64, class models.VehicleClass) {
	t.Helper()
	hb := models.Heartbeat{DriverID: id, Loc: models.Coord{Lat: lat, Lon: lon}, VehicleClass: class, Online: true}
	if _, err := store.UpsertDriverHeartbeat(context.Background(), hb, time.Now()); err != nil {
		t.Fatal(err)
	}
	if err := index.Upsert(context.Background(), hb); err != nil {
		t.Fatal(err)
	}
}

func TestStartRoundOpensOffersForEligibleDrivers(t *testing.T) {
	store := storage.NewMemoryStore()
	index := geo.NewMemIndex()
	pub := newCapturePublisher()
	c := newCoordinator(store, index, pub)

	trip := seedSearchingTrip(t, store, "t1")
	addDriver(t, store, index, "d1", 0.001, 0, models.ClassSedan)
	addDriver(t, store, index, "d2", 0.002, 0, models.ClassSedan)
	addDriver(t, store, index, "d3", 0.003, 0, models.ClassSedan)

	if err := c.StartRound(context.Background(), trip); err != nil {
		t.Fatal(err)
	}

	got, err := store.GetTrip(context.Background(), "t1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Round != 1 || got.RadiusM != 2000 {
		t.Fatalf("round state wrong: round=%d radius=%f", got.Round, got.RadiusM)
	}
	if got.RoundDeadline == nil || !got.RoundDeadline.After(time.Now()) {
		t.Fatalf("expected live deadline, got %v", got.RoundDeadline)
	}

	offers, _ := store.OffersByTrip(context.Background(), "t1")
	if len(offers) != 3 {
		t.Fatalf("expected 3 offers, got %d", len(offers))
	}
	for _, o := range offers {
		if o.Status != models.OfferPending {
			t.Fatalf("offer %s is %s", o.DriverID, o.Status)
		}
		if !o.ExpiresAt.After(*got.RoundDeadline) {
			t.Fatal("offer expiry must extend past the round deadline")
		}
	}
	for _, id := range []string{"d1", "d2", "d3"} {
		evs := pub.byChan[models.DriverChannel(id)]
		if len(evs) != 1 || evs[0].Type != models.EventTripOffer {
			t.Fatalf("driver %s missing offer push: %v", id, evs)
		}
		payload, ok := evs[0].Data.(models.OfferEvent)
		if !ok {
			t.Fatalf("wrong payload type %T", evs[0].Data)
		}
		if payload.TripID != "t1" || payload.FareEstimate != 180 {
			t.Fatalf("payload wrong: %+v", payload)
		}
	}
}

func TestStartRoundSkipsIneligibleCanonicalState(t *testing.T) {
	store := storage.NewMemoryStore()
	index := geo.NewMemIndex()
	pub := newCapturePublisher()
	c := newCoordinator(store, index, pub)

	trip := seedSearchingTrip(t, store, "t1")
	addDriver(t, store, index, "free", 0.001, 0, models.ClassSedan)
	addDriver(t, store, index, "busy", 0.001, 0, models.ClassSedan)

	// lock "busy" onto another trip; the geo index still lists it
	other := seedSearchingTrip(t, store, "t2")
	deadline := time.Now().Add(time.Minute)
	if _, err := store.OpenRound(context.Background(), other.ID, 1, 2000, deadline, deadline.Add(5*time.Second), []string{"busy"}); err != nil {
		t.Fatal(err)
	}
	if _, err := store.AcceptOffer(context.Background(), other.ID, "busy", time.Minute, time.Now()); err != nil {
		t.Fatal(err)
	}

	if err := c.StartRound(context.Background(), trip); err != nil {
		t.Fatal(err)
	}
	offers, _ := store.OffersByTrip(context.Background(), "t1")
	if len(offers) != 1 || offers[0].DriverID != "free" {
		t.Fatalf("expected only 'free' offered, got %v", offers)
	}
}

func TestRadiusEscalatesPerRound(t *testing.T) {
	store := storage.NewMemoryStore()
	index := geo.NewMemIndex()
	pub := newCapturePublisher()
	c := newCoordinator(store, index, pub)

	seedSearchingTrip(t, store, "t1")

	var lastRadius float64
	for round := 1; round <= 3; round++ {
		trip, err := store.GetTrip(context.Background(), "t1")
		if err != nil {
			t.Fatal(err)
		}
		if err := c.StartRound(context.Background(), trip); err != nil {
			t.Fatal(err)
		}
		got, _ := store.GetTrip(context.Background(), "t1")
		if got.Round != round {
			t.Fatalf("expected round %d, got %d", round, got.Round)
		}
		if got.RadiusM <= lastRadius {
			t.Fatalf("radius must grow: %f after %f", got.RadiusM, lastRadius)
		}
		lastRadius = got.RadiusM
	}
	if lastRadius != 6000 {
		t.Fatalf("expected 6000m at round 3, got %f", lastRadius)
	}
}

func TestNoCandidatesLeavesDueDeadline(t *testing.T) {
	store := storage.NewMemoryStore()
	index := geo.NewMemIndex()
	pub := newCapturePublisher()
	c := newCoordinator(store, index, pub)

	trip := seedSearchingTrip(t, store, "t1")
	if err := c.StartRound(context.Background(), trip); err != nil {
		t.Fatal(err)
	}

	got, _ := store.GetTrip(context.Background(), "t1")
	if got.Round != 1 {
		t.Fatalf("round must still advance, got %d", got.Round)
	}
	if got.RoundDeadline == nil || got.RoundDeadline.After(time.Now()) {
		t.Fatalf("empty round must be immediately due, got %v", got.RoundDeadline)
	}
	if len(pub.byChan) != 0 {
		t.Fatalf("no offers means no pushes, got %v", pub.byChan)
	}
}

func TestCandidateCapRespected(t *testing.T) {
	store := storage.NewMemoryStore()
	index := geo.NewMemIndex()
	pub := newCapturePublisher()
	c := newCoordinator(store, index, pub)
	c.Cfg.CandidateCap = 5

	trip := seedSearchingTrip(t, store, "t1")
	for i := 0; i < 12; i++ {
		addDriver(t, store, index, fmt.Sprintf("d%d", i), 0.0001*float64(i+1), 0, models.ClassSedan)
	}

	if err := c.StartRound(context.Background(), trip); err != nil {
		t.Fatal(err)
	}
	offers, _ := store.OffersByTrip(context.Background(), "t1")
	if len(offers) != 5 {
		t.Fatalf("expected cap of 5 offers, got %d", len(offers))
	}
}

func TestStartRoundStaleTripIsNoOp(t *testing.T) {
	store := storage.NewMemoryStore()
	index := geo.NewMemIndex()
	pub := newCapturePublisher()
	c := newCoordinator(store, index, pub)

	trip := seedSearchingTrip(t, store, "t1")
	addDriver(t, store, index, "d1", 0.001, 0, models.ClassSedan)

	if err := c.StartRound(context.Background(), trip); err != nil {
		t.Fatal(err)
	}
	// replay with the stale round-0 snapshot: lost race, silent no-op
	if err := c.StartRound(context.Background(), trip); err != nil {
		t.Fatal(err)
	}
	got, _ := store.GetTrip(context.Background(), "t1")
	if got.Round != 1 {
		t.Fatalf("stale replay must not advance the round, got %d", got.Round)
	}
}

func TestScheduledTripGetsLongerFirstWindow(t *testing.T) {
	store := storage.NewMemoryStore()
	index := geo.NewMemIndex()
	pub := newCapturePublisher()
	c := newCoordinator(store, index, pub)

	ctx := context.Background()
	at := time.Now().Add(10 * time.Minute)
	trip := &models.Trip{
		ID: "t1", RiderID: "r1", VehicleClass: models.ClassSedan,
		Status: models.TripScheduled, ScheduledAt: &at,
		VerificationExpiry: time.Now().Add(time.Hour),
	}
	if err := store.CreateTrip(ctx, trip); err != nil {
		t.Fatal(err)
	}
	searching, err := store.MarkSearching(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	addDriver(t, store, index, "d1", 0.001, 0, models.ClassSedan)

	if err := c.StartRound(ctx, searching); err != nil {
		t.Fatal(err)
	}
	got, _ := store.GetTrip(ctx, "t1")
	// scheduled first round waits the longer window
	if got.RoundDeadline == nil || time.Until(*got.RoundDeadline) < time.Minute {
		t.Fatalf("expected the scheduled window, got %v", got.RoundDeadline)
	}
}
