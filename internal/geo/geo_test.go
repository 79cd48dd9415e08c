package geo

import (
	"math"
	"testing"
	"time"

	"github.com/example/ride-sync/internal/models"
)

func TestHaversineZero(t *testing.T) {
	d := Haversine(0, 0, 0, 0)
	if d != 0 {
		t.Fatalf("expected 0, got %f", d)
	}
}

func TestDistanceOneDegreeLatitude(t *testing.T) {
	d := Distance(models.Coord{Lat: 10, Lon: 20}, models.Coord{Lat: 11, Lon: 20})
	if math.Abs(d-111195) > 50 {
		t.Fatalf("expected ~111.2km, got %f", d)
	}
}

func TestEstimatorUsesDefaultSpeedAndCaches(t *testing.T) {
	e := NewEstimator(0, time.Minute)
	from := models.Coord{Lat: 14.5995, Lon: 120.9842}
	to := models.Coord{Lat: 14.6091, Lon: 120.9842}

	est := e.Estimate(from, to)
	if est.DistanceMeters <= 0 {
		t.Fatalf("distance not computed: %+v", est)
	}
	if math.Abs(est.ETASeconds-est.DistanceMeters/8) > 1e-9 {
		t.Fatalf("eta should use 8 m/s default, got %+v", est)
	}
	e.Estimate(from, to)
	if e.cache.Len() != 1 {
		t.Fatalf("expected one cached pair, got %d", e.cache.Len())
	}
}
