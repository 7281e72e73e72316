// Package proximity estimates where a technician will be when a job starts
// and how long the drive to the customer takes.
package proximity

import (
	"context"
	"errors"
	"math"
	"time"
)

const earthRadiusKm = 6371

// DefaultSpeedKmh is the straight-line speed assumed when routing is unavailable.
const DefaultSpeedKmh = 40.0

var ErrNoResult = errors.New("proximity: no result")

// Coordinates is a WGS84 point.
type Coordinates struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Geocoder resolves a street address to coordinates.
type Geocoder interface {
	Geocode(ctx context.Context, address string) (Coordinates, error)
}

// Router returns the expected drive time between two points.
type Router interface {
	DriveTime(ctx context.Context, from, to Coordinates) (time.Duration, error)
}

// Haversine returns the great-circle distance in kilometres.
func Haversine(a, b Coordinates) float64 {
	dLat := (b.Lat - a.Lat) * (math.Pi / 180)
	dLon := (b.Lng - a.Lng) * (math.Pi / 180)
	lat1Rad := a.Lat * (math.Pi / 180)
	lat2Rad := b.Lat * (math.Pi / 180)
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1Rad)*math.Cos(lat2Rad)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return earthRadiusKm * c
}

// EstimateDrive converts a straight-line distance into a drive time at speedKmh.
func EstimateDrive(distanceKm, speedKmh float64) time.Duration {
	if speedKmh <= 0 {
		speedKmh = DefaultSpeedKmh
	}
	hours := distanceKm / speedKmh
	return time.Duration(hours * float64(time.Hour)).Round(time.Second)
}
