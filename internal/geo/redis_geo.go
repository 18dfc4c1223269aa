package geo

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/trip-dispatch/internal/models"
	"github.com/example/trip-dispatch/internal/observability"
)

// RedisGeo implements Registry over Redis GEO commands, with the
// in-memory Index as a write-through fallback: if redis is unavailable,
// Near degrades to the fallback and logs a staleness warning instead of
// failing the caller.
type RedisGeo struct {
	client   *redis.Client
	key      string
	liveness time.Duration
	fallback *Index
	log      *slog.Logger
}

func NewRedisGeo(client *redis.Client, key string, liveness time.Duration, log *slog.Logger) *RedisGeo {
	return &RedisGeo{
		client:   client,
		key:      key,
		liveness: liveness,
		fallback: NewIndex(liveness),
		log:      log,
	}
}

func (r *RedisGeo) Report(ctx context.Context, loc models.WorkerLocation) error {
	if loc.CapturedAt.IsZero() {
		loc.CapturedAt = time.Now().UTC()
	}
	_ = r.fallback.Report(ctx, loc)

	if _, err := r.client.GeoAdd(ctx, r.key, &redis.GeoLocation{
		Longitude: loc.Loc.Lng, Latitude: loc.Loc.Lat, Name: loc.WorkerID,
	}).Result(); err != nil {
		r.log.Warn("redis geoadd failed, index may go stale", "worker_id", loc.WorkerID, "error", err)
		return nil
	}
	err := r.client.HSet(ctx, metaKey(loc.WorkerID), map[string]interface{}{
		"online":    strconv.FormatBool(loc.Online),
		"available": strconv.FormatBool(loc.Available),
		"vehicle":   loc.VehicleType,
		"captured":  loc.CapturedAt.Format(time.RFC3339),
	}).Err()
	if err != nil {
		r.log.Warn("redis meta update failed", "worker_id", loc.WorkerID, "error", err)
	}
	return nil
}

func (r *RedisGeo) Near(ctx context.Context, at models.Coord, radiusKm float64, f Filters, limit int) ([]Nearby, error) {
	res, err := r.client.GeoRadius(ctx, r.key, at.Lng, at.Lat, &redis.GeoRadiusQuery{
		Radius: radiusKm, Unit: "km", WithCoord: true, WithDist: true, Sort: "ASC",
	}).Result()
	if err != nil {
		observability.RegistryDegraded.Inc()
		r.log.Warn("redis proximity query failed, serving from in-memory index", "error", err)
		return r.fallback.Near(ctx, at, radiusKm, f, limit)
	}

	cutoff := time.Now().Add(-r.liveness)
	out := make([]Nearby, 0, len(res))
	for _, g := range res {
		if limit > 0 && len(out) >= limit {
			break
		}
		meta, err := r.client.HGetAll(ctx, metaKey(g.Name)).Result()
		if err != nil {
			continue
		}
		if meta["online"] != "true" || meta["available"] != "true" {
			continue
		}
		if f.VehicleType != "" && meta["vehicle"] != f.VehicleType {
			continue
		}
		if captured, err := time.Parse(time.RFC3339, meta["captured"]); err != nil || captured.Before(cutoff) {
			continue
		}
		out = append(out, Nearby{
			WorkerID:   g.Name,
			Loc:        models.Coord{Lat: g.Latitude, Lng: g.Longitude},
			DistanceKm: g.Dist,
		})
	}
	return out, nil
}

func metaKey(id string) string { return "worker:meta:" + id }
