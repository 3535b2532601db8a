package geo

import (
	"math"

	"urban-density-analytics/api/internal/models"
)

const earthRadiusMeters = 6371000

// ClosePolygon returns a polygon whose boundary ends on its first point.
// An already-closed boundary is returned unchanged. This is normalization,
// not validation: open input is legal everywhere in the pipeline.
func ClosePolygon(p models.Polygon) models.Polygon {
	n := len(p.Boundary)
	if n == 0 {
		return p
	}
	first := p.Boundary[0]
	last := p.Boundary[n-1]
	if first.Latitude == last.Latitude && first.Longitude == last.Longitude {
		return p
	}
	boundary := make([]models.Point, n+1)
	copy(boundary, p.Boundary)
	boundary[n] = first
	return models.Polygon{Boundary: boundary}
}

// Normalize closes polygon areas and passes circles through.
func Normalize(a models.Area) models.Area {
	switch v := a.(type) {
	case models.Polygon:
		return ClosePolygon(v)
	case models.Circle:
		return v
	default:
		return a
	}
}

// Contains reports whether pt lies inside the area.
func Contains(a models.Area, pt models.Point) bool {
	switch v := a.(type) {
	case models.Circle:
		return Haversine(v.Center, pt) <= v.RadiusM
	case models.Polygon:
		return pointInPolygon(pt, ClosePolygon(v).Boundary)
	default:
		return false
	}
}

// pointInPolygon is a standard ray cast over a closed boundary.
func pointInPolygon(pt models.Point, boundary []models.Point) bool {
	n := len(boundary)
	if n < 4 {
		return false
	}
	inside := false
	for i, j := 0, n-1; i < n; j, i = i, i+1 {
		pi, pj := boundary[i], boundary[j]
		if (pi.Latitude > pt.Latitude) == (pj.Latitude > pt.Latitude) {
			continue
		}
		x := (pj.Longitude-pi.Longitude)*(pt.Latitude-pi.Latitude)/(pj.Latitude-pi.Latitude) + pi.Longitude
		if pt.Longitude < x {
			inside = !inside
		}
	}
	return inside
}

func Haversine(a models.Point, b models.Point) float64 {
	dLat := toRad(b.Latitude - a.Latitude)
	dLon := toRad(b.Longitude - a.Longitude)
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(a.Latitude))*math.Cos(toRad(b.Latitude))*math.Sin(dLon/2)*math.Sin(dLon/2)
	return earthRadiusMeters * 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

// PathLengthKm sums segment distances along a polyline.
func PathLengthKm(path []models.Point) float64 {
	var meters float64
	for i := 1; i < len(path); i++ {
		meters += Haversine(path[i-1], path[i])
	}
	return meters / 1000
}

type BBox struct {
	MinLat float64
	MinLon float64
	MaxLat float64
	MaxLon float64
}

// Bound returns the bounding box of an area: the polygon's bbox, or a box
// around the circle's disc.
func Bound(a models.Area) BBox {
	switch v := a.(type) {
	case models.Polygon:
		box := BBox{MinLat: 90, MinLon: 180, MaxLat: -90, MaxLon: -180}
		for _, p := range v.Boundary {
			box.MinLat = math.Min(box.MinLat, p.Latitude)
			box.MaxLat = math.Max(box.MaxLat, p.Latitude)
			box.MinLon = math.Min(box.MinLon, p.Longitude)
			box.MaxLon = math.Max(box.MaxLon, p.Longitude)
		}
		return box
	case models.Circle:
		dLat := v.RadiusM / 111320
		cosLat := math.Cos(toRad(v.Center.Latitude))
		if cosLat < 0.01 {
			cosLat = 0.01
		}
		dLon := v.RadiusM / (111320 * cosLat)
		return BBox{
			MinLat: v.Center.Latitude - dLat,
			MaxLat: v.Center.Latitude + dLat,
			MinLon: v.Center.Longitude - dLon,
			MaxLon: v.Center.Longitude + dLon,
		}
	default:
		return BBox{}
	}
}

// Rectangle builds a closed polygon from a bounding box.
func Rectangle(box BBox) models.Polygon {
	return models.Polygon{Boundary: []models.Point{
		{Latitude: box.MinLat, Longitude: box.MinLon},
		{Latitude: box.MinLat, Longitude: box.MaxLon},
		{Latitude: box.MaxLat, Longitude: box.MaxLon},
		{Latitude: box.MaxLat, Longitude: box.MinLon},
		{Latitude: box.MinLat, Longitude: box.MinLon},
	}}
}

// BoundaryPolygon converts any area to a closed polygon boundary for
// upstream queries that only accept polygons.
func BoundaryPolygon(a models.Area) models.Polygon {
	switch v := a.(type) {
	case models.Polygon:
		return ClosePolygon(v)
	case models.Circle:
		return Rectangle(Bound(v))
	default:
		return models.Polygon{}
	}
}

func toRad(deg float64) float64 {
	return deg * math.Pi / 180
}
