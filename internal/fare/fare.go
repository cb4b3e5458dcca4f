package fare

import (
	"context"
	"errors"
	"math"

	"github.com/example/ride-dispatch/internal/models"
)

// Rate is one pricing row, keyed by vehicle class.
type Rate struct {
	Class         models.VehicleClass
	BaseFare      int64
	PerKm         int64
	CommissionPct float64
}

// Breakdown is the fare quote returned to the rider.
type Breakdown struct {
	BaseFare  int64 `json:"base_fare"`
	PerKmRate int64 `json:"per_km_rate"`
	TotalFare int64 `json:"total_fare"`
}

// ErrNoRate is returned by a RateStore when no pricing row exists for
// the class.
var ErrNoRate = errors.New("no pricing row for vehicle class")

// RateStore is the pricing lookup collaborator.
type RateStore interface {
	GetRate(ctx context.Context, class models.VehicleClass) (Rate, error)
	PutRate(ctx context.Context, r Rate) error
}

// Compute is the pure estimate: deterministic for a fixed rate, total
// rounded to the nearest integer currency unit.
func Compute(distanceKm float64, r Rate) Breakdown {
	total := float64(r.BaseFare) + distanceKm*float64(r.PerKm)
	return Breakdown{
		BaseFare:  r.BaseFare,
		PerKmRate: r.PerKm,
		TotalFare: int64(math.Round(total)),
	}
}

// defaultRates seeds classes that have no pricing row yet.
var defaultRates = map[models.VehicleClass]Rate{
	models.ClassBike:      {Class: models.ClassBike, BaseFare: 20, PerKm: 6, CommissionPct: 20},
	models.ClassHatchback: {Class: models.ClassHatchback, BaseFare: 40, PerKm: 10, CommissionPct: 20},
	models.ClassSedan:     {Class: models.ClassSedan, BaseFare: 50, PerKm: 12, CommissionPct: 20},
	models.ClassSUV:       {Class: models.ClassSUV, BaseFare: 80, PerKm: 15, CommissionPct: 20},
}

func DefaultRate(class models.VehicleClass) Rate {
	if r, ok := defaultRates[class]; ok {
		return r
	}
	return Rate{Class: class, BaseFare: 50, PerKm: 12, CommissionPct: 20}
}

// Estimator resolves the rate for a class and computes the quote.
type Estimator struct {
	Store RateStore
}

// Estimate looks the class up in the pricing store. A missing row falls
// back to the default table, and the default is written back so future
// lookups hit the store.
func (e *Estimator) Estimate(ctx context.Context, distanceKm float64, class models.VehicleClass) (Breakdown, error) {
	r, err := e.Store.GetRate(ctx, class)
	if errors.Is(err, ErrNoRate) {
		r = DefaultRate(class)
		// seed write is best-effort; a failure just retries next estimate
		_ = e.Store.PutRate(ctx, r)
	} else if err != nil {
		return Breakdown{}, err
	}
	return Compute(distanceKm, r), nil
}
