package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-sync/internal/geo"
	"github.com/example/ride-sync/internal/models"
	"github.com/example/ride-sync/internal/protocol"
	"github.com/example/ride-sync/internal/ride"
	"github.com/example/ride-sync/internal/storage"
)

const (
	offersGeoKey = "offers_geo"
	rideKey      = "ride:"
	offerKey     = "offer:"
	unreadKey    = "unread:"
)

// RedisUpdater is the subset of redis operations the mirror needs.
type RedisUpdater interface {
	UpsertOffer(ctx context.Context, rideID string, at models.Coord) error
	RemoveOffer(ctx context.Context, rideID string) error
	HSet(ctx context.Context, key string, values map[string]interface{}) error
	Set(ctx context.Context, key string, value interface{}) error
	Del(ctx context.Context, keys ...string) error
}

type redisAdapter struct {
	c   *redis.Client
	geo *geo.RedisIndex
}

func newRedisAdapter(c *redis.Client) *redisAdapter {
	return &redisAdapter{c: c, geo: geo.NewRedisIndex(c, offersGeoKey)}
}

func (r *redisAdapter) UpsertOffer(ctx context.Context, rideID string, at models.Coord) error {
	return r.geo.Upsert(ctx, rideID, at)
}

func (r *redisAdapter) RemoveOffer(ctx context.Context, rideID string) error {
	return r.geo.Remove(ctx, rideID)
}

func (r *redisAdapter) HSet(ctx context.Context, key string, values map[string]interface{}) error {
	return r.c.HSet(ctx, key, values).Err()
}

func (r *redisAdapter) Set(ctx context.Context, key string, value interface{}) error {
	return r.c.Set(ctx, key, value, 0).Err()
}

func (r *redisAdapter) Del(ctx context.Context, keys ...string) error {
	return r.c.Del(ctx, keys...).Err()
}

// mirror projects journal entries into Redis. Entries for one ride arrive in
// order because the producer keys by ride.
type mirror struct {
	rc       RedisUpdater
	attempts int
	delay    time.Duration
	log      *slog.Logger

	// last offer set seen per user, so offers that drop out of a
	// snapshot leave the geo index too.
	offers map[string]map[string]bool
}

func newMirror(rc RedisUpdater, log *slog.Logger) *mirror {
	return &mirror{rc: rc, attempts: 3, delay: 200 * time.Millisecond, log: log, offers: make(map[string]map[string]bool)}
}

var errSkipped = errors.New("entry kind not mirrored")

func (m *mirror) Apply(ctx context.Context, e storage.Entry) error {
	switch e.Kind {
	case storage.KindOffersChanged:
		var points []storage.OfferPoint
		if err := json.Unmarshal(e.Payload, &points); err != nil {
			return fmt.Errorf("offers payload: %w", err)
		}
		return m.applyOffers(ctx, e.UserID, points)
	case storage.KindOfferExpired, storage.KindOfferAccepted:
		if e.RideID == "" {
			return fmt.Errorf("%s without ride id", e.Kind)
		}
		if set := m.offers[e.UserID]; set != nil {
			delete(set, e.RideID)
		}
		return m.removeOffer(ctx, e.RideID)
	case storage.KindRideUpdated:
		var r models.Ride
		if err := json.Unmarshal(e.Payload, &r); err != nil {
			return fmt.Errorf("ride payload: %w", err)
		}
		fields := map[string]interface{}{
			"status":     string(r.Status),
			"requester":  r.Requester.ID,
			"updated_at": e.At.Format(time.RFC3339),
		}
		if r.Fulfiller != nil {
			fields["fulfiller"] = r.Fulfiller.ID
		}
		return m.retry(ctx, func(ctx context.Context) error { return m.rc.HSet(ctx, rideKey+r.ID, fields) })
	case storage.KindRideExit:
		var x ride.Exit
		if err := json.Unmarshal(e.Payload, &x); err != nil {
			return fmt.Errorf("exit payload: %w", err)
		}
		fields := map[string]interface{}{"exit": string(x.Reason), "updated_at": e.At.Format(time.RFC3339)}
		if x.Ride != nil {
			fields["status"] = string(x.Ride.Status)
		}
		return m.retry(ctx, func(ctx context.Context) error { return m.rc.HSet(ctx, rideKey+x.RideID, fields) })
	case storage.KindUnreadChanged:
		var u protocol.UnreadCount
		if err := json.Unmarshal(e.Payload, &u); err != nil {
			return fmt.Errorf("unread payload: %w", err)
		}
		return m.retry(ctx, func(ctx context.Context) error {
			return m.rc.Set(ctx, unreadKey+e.UserID, strconv.Itoa(u.Count))
		})
	default:
		return errSkipped
	}
}

func (m *mirror) applyOffers(ctx context.Context, userID string, points []storage.OfferPoint) error {
	prev := m.offers[userID]
	next := make(map[string]bool, len(points))
	for _, p := range points {
		next[p.RideID] = true
		err := m.retry(ctx, func(ctx context.Context) error {
			if err := m.rc.UpsertOffer(ctx, p.RideID, p.Pickup); err != nil {
				return err
			}
			return m.rc.HSet(ctx, offerKey+p.RideID, map[string]interface{}{
				"vehicle_category": p.VehicleCategory,
				"actionable":       p.Actionable,
				"seen_by":          userID,
			})
		})
		if err != nil {
			return err
		}
	}
	m.offers[userID] = next
	for id := range prev {
		if next[id] {
			continue
		}
		if err := m.removeOffer(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func (m *mirror) removeOffer(ctx context.Context, rideID string) error {
	return m.retry(ctx, func(ctx context.Context) error {
		if err := m.rc.RemoveOffer(ctx, rideID); err != nil {
			return err
		}
		return m.rc.Del(ctx, offerKey+rideID)
	})
}

// retry runs op up to m.attempts times, doubling the delay between tries.
func (m *mirror) retry(ctx context.Context, op func(context.Context) error) error {
	delay := m.delay
	var err error
	for i := 0; i < m.attempts; i++ {
		if err = op(ctx); err == nil {
			return nil
		}
		if i == m.attempts-1 {
			break
		}
		m.log.Debug("redis update failed, retrying", "attempt", i+1, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}
