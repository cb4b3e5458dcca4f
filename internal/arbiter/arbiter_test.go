package arbiter

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/publish"
	"github.com/example/ride-dispatch/internal/storage"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []recorded
}

type recorded struct {
	channel string
	ev      models.Event
}

func (p *recordingPublisher) Publish(_ context.Context, channel string, ev models.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, recorded{channel: channel, ev: ev})
	return nil
}

func (p *recordingPublisher) byType(typ string) []recorded {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []recorded
	for _, r := range p.events {
		if r.ev.Type == typ {
			out = append(out, r)
		}
	}
	return out
}

var _ publish.Publisher = (*recordingPublisher)(nil)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newArbiter(store storage.DispatchStore, pub publish.Publisher) *Arbiter {
	return &Arbiter{
		Store:     store,
		Publisher: pub,
		Logger:    testLogger(),
		Cfg:       config.DispatchConfig{LockTTL: 30 * time.Minute},
	}
}

func seedAuction(t *testing.T, store *storage.MemoryStore, tripID string, driverIDs ...string) {
	t.Helper()
	ctx := context.Background()
	trip := &models.Trip{
		ID:                 tripID,
		RiderID:            "r1",
		VehicleClass:       models.ClassSedan,
		Status:             models.TripInitiated,
		FareEstimate:       200,
		VerificationCode:   "123456",
		VerificationExpiry: time.Now().Add(30 * time.Minute),
	}
	if err := store.CreateTrip(ctx, trip); err != nil {
		t.Fatal(err)
	}
	if _, err := store.MarkSearching(ctx, tripID); err != nil {
		t.Fatal(err)
	}
	for _, id := range driverIDs {
		if _, err := store.UpsertDriverHeartbeat(ctx, models.Heartbeat{
			DriverID: id, VehicleClass: models.ClassSedan, Online: true,
		}, time.Now()); err != nil {
			t.Fatal(err)
		}
	}
	deadline := time.Now().Add(30 * time.Second)
	if _, err := store.OpenRound(ctx, tripID, 1, 2000, deadline, deadline.Add(5*time.Second), driverIDs); err != nil {
		t.Fatal(err)
	}
}

func TestConcurrentAcceptsSingleWinner(t *testing.T) {
	store := storage.NewMemoryStore()
	pub := &recordingPublisher{}
	arb := newArbiter(store, pub)

	const drivers = 8
	ids := make([]string, drivers)
	for i := range ids {
		ids[i] = fmt.Sprintf("d%d", i)
	}
	seedAuction(t, store, "t1", ids...)

	var wg sync.WaitGroup
	outcomes := make(chan Outcome, drivers)
	for _, id := range ids {
		wg.Add(1)
		go func(driverID string) {
			defer wg.Done()
			outcome, _, err := arb.Accept(context.Background(), "t1", driverID)
			if err != nil {
				t.Errorf("accept %s: %v", driverID, err)
				return
			}
			outcomes <- outcome
		}(id)
	}
	wg.Wait()
	close(outcomes)

	won, lost := 0, 0
	for o := range outcomes {
		switch o {
		case Accepted:
			won++
		case AlreadyTaken:
			lost++
		default:
			t.Fatalf("unexpected outcome %s", o)
		}
	}
	if won != 1 {
		t.Fatalf("expected exactly 1 winner, got %d", won)
	}
	if lost != drivers-1 {
		t.Fatalf("expected %d losers, got %d", drivers-1, lost)
	}

	trip, err := store.GetTrip(context.Background(), "t1")
	if err != nil {
		t.Fatal(err)
	}
	if trip.Status != models.TripDriverAssigned || trip.DriverID == "" {
		t.Fatalf("trip not assigned after race: %+v", trip)
	}
	winner, err := store.GetDriver(context.Background(), trip.DriverID)
	if err != nil {
		t.Fatal(err)
	}
	if !winner.Locked || winner.CurrentTripID != "t1" {
		t.Fatalf("winner not locked: %+v", winner)
	}
	// everyone else stays free
	for _, id := range ids {
		if id == trip.DriverID {
			continue
		}
		d, _ := store.GetDriver(context.Background(), id)
		if d.Locked {
			t.Fatalf("loser %s is locked", id)
		}
	}
}

func TestAcceptNotifiesAfterCommit(t *testing.T) {
	store := storage.NewMemoryStore()
	pub := &recordingPublisher{}
	arb := newArbiter(store, pub)
	seedAuction(t, store, "t1", "d1", "d2", "d3")

	outcome, trip, err := arb.Accept(context.Background(), "t1", "d2")
	if err != nil {
		t.Fatal(err)
	}
	if outcome != Accepted || trip.DriverID != "d2" {
		t.Fatalf("unexpected result: %s %+v", outcome, trip)
	}

	superseded := pub.byType(models.EventOfferSuperseded)
	if len(superseded) != 2 {
		t.Fatalf("expected 2 supersede pushes, got %d", len(superseded))
	}
	for _, r := range superseded {
		if r.channel == models.DriverChannel("d2") {
			t.Fatal("winner must not receive a supersede push")
		}
	}
	assigned := pub.byType(models.EventDriverAssigned)
	if len(assigned) != 1 || assigned[0].channel != models.RiderChannel("r1") {
		t.Fatalf("rider assignment push wrong: %v", assigned)
	}
}

func TestAcceptExpiredOfferOutcome(t *testing.T) {
	store := storage.NewMemoryStore()
	pub := &recordingPublisher{}
	arb := newArbiter(store, pub)

	ctx := context.Background()
	trip := &models.Trip{
		ID: "t1", RiderID: "r1", VehicleClass: models.ClassSedan,
		Status: models.TripInitiated, VerificationExpiry: time.Now().Add(time.Hour),
	}
	if err := store.CreateTrip(ctx, trip); err != nil {
		t.Fatal(err)
	}
	if _, err := store.MarkSearching(ctx, "t1"); err != nil {
		t.Fatal(err)
	}
	if _, err := store.UpsertDriverHeartbeat(ctx, models.Heartbeat{
		DriverID: "d1", VehicleClass: models.ClassSedan, Online: true,
	}, time.Now()); err != nil {
		t.Fatal(err)
	}
	past := time.Now().Add(-time.Minute)
	if _, err := store.OpenRound(ctx, "t1", 1, 2000, past, past, []string{"d1"}); err != nil {
		t.Fatal(err)
	}

	outcome, _, err := arb.Accept(ctx, "t1", "d1")
	if err != nil {
		t.Fatal(err)
	}
	if outcome != OfferExpired {
		t.Fatalf("expected OfferExpired, got %s", outcome)
	}
	if len(pub.events) != 0 {
		t.Fatalf("lost accept must push nothing, got %v", pub.events)
	}
}

func TestRejectLeavesAuctionOpen(t *testing.T) {
	store := storage.NewMemoryStore()
	pub := &recordingPublisher{}
	arb := newArbiter(store, pub)
	seedAuction(t, store, "t1", "d1", "d2")

	if err := arb.Reject(context.Background(), "t1", "d1"); err != nil {
		t.Fatal(err)
	}
	trip, _ := store.GetTrip(context.Background(), "t1")
	if trip.Status != models.TripSearching {
		t.Fatalf("reject must not move the trip, got %s", trip.Status)
	}
	outcome, _, err := arb.Accept(context.Background(), "t1", "d2")
	if err != nil {
		t.Fatal(err)
	}
	if outcome != Accepted {
		t.Fatalf("remaining driver should win, got %s", outcome)
	}
}
