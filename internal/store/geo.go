package store

import (
	"fmt"
	"math"

	apperrors "uvexchange.io/uvx/internal/pkg/errors"
)

// Locations are stored as WKT points, longitude first.

// FormatPoint renders a WKT point.
func FormatPoint(lng, lat float64) string {
	return fmt.Sprintf("POINT(%g %g)", lng, lat)
}

// ParsePoint extracts longitude and latitude from a WKT point.
func ParsePoint(wkt string) (lng, lat float64, err error) {
	if _, err = fmt.Sscanf(wkt, "POINT(%f %f)", &lng, &lat); err != nil {
		return 0, 0, apperrors.BadPayload(err, "malformed point: "+wkt)
	}
	return lng, lat, nil
}

// HaversineMeters is the great-circle distance between two WKT points,
// in meters.
func HaversineMeters(a, b string) (int, error) {
	lng1, lat1, err := ParsePoint(a)
	if err != nil {
		return 0, err
	}
	lng2, lat2, err := ParsePoint(b)
	if err != nil {
		return 0, err
	}
	const earthRadius = 6371000.0
	toRad := func(d float64) float64 { return d * math.Pi / 180 }
	dLat := toRad(lat2 - lat1)
	dLng := toRad(lng2 - lng1)
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Sin(dLng/2)*math.Sin(dLng/2)
	return int(2 * earthRadius * math.Asin(math.Sqrt(h))), nil
}
