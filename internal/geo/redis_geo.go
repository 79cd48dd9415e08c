package geo

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-sync/internal/models"
)

// RedisIndex keeps open-offer pickup points in a Redis GEO set so other
// processes can ask for offers near a position.
type RedisIndex struct {
	client redis.UniversalClient
	key    string
}

func NewRedisIndex(client redis.UniversalClient, key string) *RedisIndex {
	return &RedisIndex{client: client, key: key}
}

func (r *RedisIndex) Upsert(ctx context.Context, rideID string, at models.Coord) error {
	err := r.client.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: at.Lon, Latitude: at.Lat, Name: rideID}).Err()
	if err != nil {
		return fmt.Errorf("geoadd %s: %w", rideID, err)
	}
	return nil
}

func (r *RedisIndex) Remove(ctx context.Context, rideID string) error {
	return r.client.ZRem(ctx, r.key, rideID).Err()
}

// Nearby returns ride IDs within radiusMeters of at, nearest first.
func (r *RedisIndex) Nearby(ctx context.Context, at models.Coord, radiusMeters float64, limit int) ([]string, error) {
	res, err := r.client.GeoSearch(ctx, r.key, &redis.GeoSearchQuery{
		Longitude:  at.Lon,
		Latitude:   at.Lat,
		Radius:     radiusMeters,
		RadiusUnit: "m",
		Sort:       "ASC",
		Count:      limit,
	}).Result()
	if err != nil {
		return nil, err
	}
	return res, nil
}
