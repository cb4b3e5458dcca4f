package eta

import (
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

func TestEstimateSecondsScalesWithSpeed(t *testing.T) {
	from := models.Coord{Lat: 0, Lon: 0}
	to := models.Coord{Lat: 0.01, Lon: 0}
	slow := EstimateSeconds(from, to, 5)
	fast := EstimateSeconds(from, to, 10)
	if slow <= fast {
		t.Fatalf("slower speed must mean longer ETA: %f vs %f", slow, fast)
	}
	if EstimateSeconds(from, from, 10) != 0 {
		t.Fatal("zero distance must be zero seconds")
	}
}

func TestEstimateSecondsDefaultsSpeed(t *testing.T) {
	from := models.Coord{Lat: 0, Lon: 0}
	to := models.Coord{Lat: 0.01, Lon: 0}
	if EstimateSeconds(from, to, 0) != EstimateSeconds(from, to, 8) {
		t.Fatal("non-positive speed must fall back to the default")
	}
}

func TestCacheRoundTripAndExpiry(t *testing.T) {
	c := NewCache(50 * time.Millisecond)
	a := models.Coord{Lat: 1, Lon: 2}
	b := models.Coord{Lat: 3, Lon: 4}

	if _, ok := c.Get(a, b); ok {
		t.Fatal("empty cache must miss")
	}
	c.Set(a, b, 120)
	if v, ok := c.Get(a, b); !ok || v != 120 {
		t.Fatalf("expected hit of 120, got %f %v", v, ok)
	}
	// direction matters
	if _, ok := c.Get(b, a); ok {
		t.Fatal("reverse direction must miss")
	}

	time.Sleep(60 * time.Millisecond)
	if _, ok := c.Get(a, b); ok {
		t.Fatal("expired entry must miss")
	}
}
