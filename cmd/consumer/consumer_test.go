package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
)

// retryIndex fails a set number of upserts before succeeding
type retryIndex struct {
	failures int
	calls    int
}

func (f *retryIndex) Upsert(_ context.Context, _ models.Heartbeat) error {
	f.calls++
	if f.calls <= f.failures {
		return errors.New("redis blip")
	}
	return nil
}

func (f *retryIndex) FindCandidates(_ context.Context, _ models.Coord, _ models.VehicleClass, _ float64, _ int) ([]geo.Candidate, error) {
	return nil, nil
}

func TestUpsertWithRetrySucceedsAfterRetries(t *testing.T) {
	f := &retryIndex{failures: 2}
	hb := models.Heartbeat{DriverID: "d1", Loc: models.Coord{Lat: 1, Lon: 2}, VehicleClass: models.ClassSedan, Online: true}
	start := time.Now()
	if err := upsertWithRetry(context.Background(), f, hb, 3, 10*time.Millisecond); err != nil {
		t.Fatalf("expected success, got err=%v", err)
	}
	if f.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", f.calls)
	}
	if time.Since(start) < 10*time.Millisecond {
		t.Fatal("expected at least one backoff")
	}
}

func TestUpsertWithRetryFailsWhenExhausted(t *testing.T) {
	f := &retryIndex{failures: 5}
	hb := models.Heartbeat{DriverID: "d1", VehicleClass: models.ClassSedan, Online: true}
	if err := upsertWithRetry(context.Background(), f, hb, 3, 5*time.Millisecond); err == nil {
		t.Fatal("expected error after retries")
	}
	if f.calls != 3 {
		t.Fatalf("expected attempts capped at 3, got %d", f.calls)
	}
}
