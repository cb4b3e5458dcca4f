package geo

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/models"
)

// RedisIndex implements Index on redis GEO commands plus a per-driver
// metadata hash for the class/online filters.
type RedisIndex struct {
	client *redis.Client
	key    string
}

func NewRedisIndex(addr, password, key string) *RedisIndex {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &RedisIndex{client: c, key: key}
}

// NewRedisIndexFromClient wraps an existing client (used by the consumer
// binary, which owns its own connection).
func NewRedisIndexFromClient(c *redis.Client, key string) *RedisIndex {
	return &RedisIndex{client: c, key: key}
}

func (r *RedisIndex) Upsert(ctx context.Context, hb models.Heartbeat) error {
	if err := r.client.GeoAdd(ctx, r.key, &redis.GeoLocation{
		Longitude: hb.Loc.Lon,
		Latitude:  hb.Loc.Lat,
		Name:      hb.DriverID,
	}).Err(); err != nil {
		return err
	}
	return r.client.HSet(ctx, metaKey(hb.DriverID), map[string]interface{}{
		"vehicle_class": string(hb.VehicleClass),
		"online":        strconv.FormatBool(hb.Online),
		"updated":       time.Now().Format(time.RFC3339),
	}).Err()
}

func (r *RedisIndex) FindCandidates(ctx context.Context, p models.Coord, class models.VehicleClass, radiusM float64, limit int) ([]Candidate, error) {
	res, err := r.client.GeoSearchLocation(ctx, r.key, &redis.GeoSearchLocationQuery{
		GeoSearchQuery: redis.GeoSearchQuery{
			Longitude:  p.Lon,
			Latitude:   p.Lat,
			Radius:     radiusM,
			RadiusUnit: "m",
			Sort:       "ASC",
			// over-fetch so the class filter below still fills the cap
			Count: limit * 3,
		},
		WithCoord: true,
		WithDist:  true,
	}).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Candidate, 0, limit)
	for _, g := range res {
		if len(out) == limit {
			break
		}
		m, err := r.client.HGetAll(ctx, metaKey(g.Name)).Result()
		if err != nil {
			continue
		}
		if m["online"] != "true" || m["vehicle_class"] != string(class) {
			continue
		}
		out = append(out, Candidate{
			DriverID:  g.Name,
			Loc:       models.Coord{Lat: g.Latitude, Lon: g.Longitude},
			DistanceM: g.Dist, // dist unit follows RadiusUnit
		})
	}
	return out, nil
}

func metaKey(id string) string { return "driver:meta:" + id }
