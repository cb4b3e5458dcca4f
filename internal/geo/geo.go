package geo

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// Candidate is one nearby driver, nearest-first in query results.
type Candidate struct {
	DriverID  string
	Loc       models.Coord
	DistanceM float64
}

// Index is the proximity lookup used by the broadcast coordinator. It
// answers "who is physically near and plausibly eligible" from heartbeat
// data; the canonical availability record still has the final word on
// locks and approval.
type Index interface {
	FindCandidates(ctx context.Context, p models.Coord, class models.VehicleClass, radiusM float64, limit int) ([]Candidate, error)
	Upsert(ctx context.Context, hb models.Heartbeat) error
}

type memEntry struct {
	loc     models.Coord
	class   models.VehicleClass
	online  bool
	updated time.Time
}

// MemIndex is the full-scan fallback used when no redis is configured.
type MemIndex struct {
	mu      sync.RWMutex
	drivers map[string]memEntry
}

func NewMemIndex() *MemIndex {
	return &MemIndex{drivers: make(map[string]memEntry)}
}

func (g *MemIndex) Upsert(_ context.Context, hb models.Heartbeat) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.drivers[hb.DriverID] = memEntry{loc: hb.Loc, class: hb.VehicleClass, online: hb.Online, updated: time.Now()}
	return nil
}

// FindCandidates scans every known driver and keeps the nearest matches
// inside the radius. Fine for the scale one process serves; the redis
// GEO index takes over beyond that.
func (g *MemIndex) FindCandidates(_ context.Context, p models.Coord, class models.VehicleClass, radiusM float64, limit int) ([]Candidate, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	arr := make([]Candidate, 0, len(g.drivers))
	for id, e := range g.drivers {
		if !e.online || e.class != class {
			continue
		}
		dist := Haversine(p.Lat, p.Lon, e.loc.Lat, e.loc.Lon)
		if dist > radiusM {
			continue
		}
		arr = append(arr, Candidate{DriverID: id, Loc: e.loc, DistanceM: dist})
	}
	// partial selection sort for top-N
	n := limit
	if n > len(arr) {
		n = len(arr)
	}
	for i := 0; i < n; i++ {
		minIdx := i
		for j := i + 1; j < len(arr); j++ {
			if arr[j].DistanceM < arr[minIdx].DistanceM {
				minIdx = j
			}
		}
		arr[i], arr[minIdx] = arr[minIdx], arr[i]
	}
	return arr[:n], nil
}

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}
