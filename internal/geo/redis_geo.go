package geo

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/site-logistics/internal/models"
)

// GEOSEARCH requires a radius; unbounded queries use this.
const maxSearchMiles = 500.0

// RedisGeo implements Locator using Redis GEO commands, one sorted set per project.
type RedisGeo struct {
	client  *redis.Client
	prefix  string
	timeout time.Duration
}

func NewRedisGeo(addr, password, prefix string) *RedisGeo {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return NewRedisGeoFromClient(c, prefix)
}

func NewRedisGeoFromClient(c *redis.Client, prefix string) *RedisGeo {
	if prefix == "" {
		prefix = "tickets_geo"
	}
	return &RedisGeo{client: c, prefix: prefix, timeout: 2 * time.Second}
}

func (r *RedisGeo) Upsert(projectID, ticketID string, loc models.Coordinate) error {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	if err := r.client.GeoAdd(ctx, r.Key(projectID), &redis.GeoLocation{Longitude: loc.Lng, Latitude: loc.Lat, Name: ticketID}).Err(); err != nil {
		return fmt.Errorf("geoadd %s: %w", ticketID, err)
	}
	return r.client.HSet(ctx, MetaKey(ticketID), map[string]interface{}{
		"project_id": projectID,
		"updated":    time.Now().UTC().Format(time.RFC3339),
	}).Err()
}

func (r *RedisGeo) Remove(projectID, ticketID string) error {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	if err := r.client.ZRem(ctx, r.Key(projectID), ticketID).Err(); err != nil {
		return err
	}
	return r.client.Del(ctx, MetaKey(ticketID)).Err()
}

func (r *RedisGeo) Nearest(projectID string, center models.Coordinate, radiusMiles float64, limit int) ([]Hit, error) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	radius := radiusMiles
	if radius <= 0 {
		radius = maxSearchMiles
	}
	q := &redis.GeoSearchLocationQuery{
		GeoSearchQuery: redis.GeoSearchQuery{
			Longitude:  center.Lng,
			Latitude:   center.Lat,
			Radius:     radius,
			RadiusUnit: "mi",
			Sort:       "ASC",
			Count:      limit,
		},
		WithCoord: true,
		WithDist:  true,
	}
	res, err := r.client.GeoSearchLocation(ctx, r.Key(projectID), q).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Hit, 0, len(res))
	for _, g := range res {
		out = append(out, Hit{
			TicketID:      g.Name,
			Loc:           models.Coordinate{Lat: g.Latitude, Lng: g.Longitude},
			DistanceMiles: g.Dist,
		})
	}
	return out, nil
}

func (r *RedisGeo) Ping(ctx context.Context) error { return r.client.Ping(ctx).Err() }

func (r *RedisGeo) Close() error { return r.client.Close() }

func (r *RedisGeo) Key(projectID string) string { return r.prefix + ":" + projectID }

func MetaKey(ticketID string) string { return "ticket:meta:" + ticketID }
