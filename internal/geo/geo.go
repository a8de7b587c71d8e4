// Package geo provides great-circle distance helpers for listing and user proximity search.
package geo

import (
	"math"

	"refeed/internal/domain"
)

const earthRadiusKm = 6371

// kmPerDegreeLat is the approximate length of one degree of latitude.
const kmPerDegreeLat = 111.0

// DistanceKm returns the haversine distance between two points in kilometers.
func DistanceKm(a, b domain.Coordinates) float64 {
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLng := (b.Lng - a.Lng) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(a.Lat*math.Pi/180)*math.Cos(b.Lat*math.Pi/180)*
			math.Sin(dLng/2)*math.Sin(dLng/2)

	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return earthRadiusKm * c
}

// Box is a lat/lng bounding box used to prefilter rows in SQL before exact distance checks.
// Longitudes are normalized to [-180, 180]; a box crossing the antimeridian has MinLng > MaxLng.
type Box struct {
	MinLat, MaxLat float64
	MinLng, MaxLng float64
	// AllLng is set when the box spans every longitude (near a pole or a huge radius).
	AllLng bool
}

// BoundingBox returns a box that contains every point within radiusKm of center.
func BoundingBox(center domain.Coordinates, radiusKm float64) Box {
	dLat := radiusKm / kmPerDegreeLat
	b := Box{
		MinLat: math.Max(-90, center.Lat-dLat),
		MaxLat: math.Min(90, center.Lat+dLat),
	}
	cosLat := math.Cos(center.Lat * math.Pi / 180)
	if b.MinLat <= -90 || b.MaxLat >= 90 || cosLat <= 1e-6 {
		b.AllLng = true
		return b
	}
	dLng := radiusKm / (kmPerDegreeLat * cosLat)
	if dLng >= 180 {
		b.AllLng = true
		return b
	}
	b.MinLng = wrapLng(center.Lng - dLng)
	b.MaxLng = wrapLng(center.Lng + dLng)
	return b
}

func wrapLng(lng float64) float64 {
	switch {
	case lng < -180:
		return lng + 360
	case lng > 180:
		return lng - 360
	}
	return lng
}

// Contains reports whether p falls inside the box.
func (b Box) Contains(p domain.Coordinates) bool {
	if p.Lat < b.MinLat || p.Lat > b.MaxLat {
		return false
	}
	switch {
	case b.AllLng:
		return true
	case b.MinLng <= b.MaxLng:
		return p.Lng >= b.MinLng && p.Lng <= b.MaxLng
	default:
		return p.Lng >= b.MinLng || p.Lng <= b.MaxLng
	}
}

// Where renders the box as a SQL predicate over the given columns.
func (b Box) Where(latCol, lngCol string) (string, []any) {
	clause := latCol + " BETWEEN ? AND ?"
	args := []any{b.MinLat, b.MaxLat}
	switch {
	case b.AllLng:
	case b.MinLng <= b.MaxLng:
		clause += " AND " + lngCol + " BETWEEN ? AND ?"
		args = append(args, b.MinLng, b.MaxLng)
	default:
		clause += " AND (" + lngCol + " >= ? OR " + lngCol + " <= ?)"
		args = append(args, b.MinLng, b.MaxLng)
	}
	return clause, args
}

// Within reports whether p lies within radiusKm of center.
func Within(center, p domain.Coordinates, radiusKm float64) bool {
	return DistanceKm(center, p) <= radiusKm
}
