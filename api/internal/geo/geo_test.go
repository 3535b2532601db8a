package geo

import (
	"math"
	"testing"

	"urban-density-analytics/api/internal/models"
)

func TestClosePolygon(t *testing.T) {
	open := models.Polygon{Boundary: []models.Point{
		{Latitude: 0, Longitude: 0},
		{Latitude: 0, Longitude: 1},
		{Latitude: 1, Longitude: 1},
	}}
	closed := ClosePolygon(open)
	if len(closed.Boundary) != 4 {
		t.Fatalf("expected 4 points, got %d", len(closed.Boundary))
	}
	if closed.Boundary[0] != closed.Boundary[3] {
		t.Fatalf("boundary not closed: %+v", closed.Boundary)
	}

	again := ClosePolygon(closed)
	if len(again.Boundary) != 4 {
		t.Fatalf("closing a closed polygon changed it: %d points", len(again.Boundary))
	}
}

func TestContainsPolygon(t *testing.T) {
	square := models.Polygon{Boundary: []models.Point{
		{Latitude: 44.40, Longitude: 26.00},
		{Latitude: 44.40, Longitude: 26.10},
		{Latitude: 44.50, Longitude: 26.10},
		{Latitude: 44.50, Longitude: 26.00},
	}}

	tests := []struct {
		name string
		pt   models.Point
		want bool
	}{
		{"center", models.Point{Latitude: 44.45, Longitude: 26.05}, true},
		{"outside north", models.Point{Latitude: 44.55, Longitude: 26.05}, false},
		{"outside east", models.Point{Latitude: 44.45, Longitude: 26.15}, false},
		{"near corner inside", models.Point{Latitude: 44.401, Longitude: 26.001}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Contains(square, tt.pt); got != tt.want {
				t.Fatalf("Contains(%+v) = %v, want %v", tt.pt, got, tt.want)
			}
		})
	}
}

func TestContainsCircle(t *testing.T) {
	circle := models.Circle{Center: models.Point{Latitude: 44.43, Longitude: 26.10}, RadiusM: 500}

	inside := models.Point{Latitude: 44.431, Longitude: 26.101}
	if !Contains(circle, inside) {
		t.Fatalf("point %.1fm away should be inside", Haversine(circle.Center, inside))
	}
	outside := models.Point{Latitude: 44.44, Longitude: 26.12}
	if Contains(circle, outside) {
		t.Fatalf("point %.1fm away should be outside", Haversine(circle.Center, outside))
	}
}

func TestHaversine(t *testing.T) {
	// Bucharest to Cluj-Napoca is roughly 324 km.
	bucharest := models.Point{Latitude: 44.4268, Longitude: 26.1025}
	cluj := models.Point{Latitude: 46.7712, Longitude: 23.6236}
	km := Haversine(bucharest, cluj) / 1000
	if km < 300 || km > 350 {
		t.Fatalf("unexpected distance %.1f km", km)
	}
	if Haversine(bucharest, bucharest) != 0 {
		t.Fatal("distance to self should be zero")
	}
}

func TestPathLengthKm(t *testing.T) {
	path := []models.Point{
		{Latitude: 44.42, Longitude: 26.10},
		{Latitude: 44.43, Longitude: 26.10},
		{Latitude: 44.44, Longitude: 26.10},
	}
	total := PathLengthKm(path)
	direct := Haversine(path[0], path[2]) / 1000
	if math.Abs(total-direct) > 0.01 {
		t.Fatalf("collinear path length %.3f != direct %.3f", total, direct)
	}
	if PathLengthKm(path[:1]) != 0 {
		t.Fatal("single point path should have zero length")
	}
}

func TestBoundCircleCoversDisc(t *testing.T) {
	circle := models.Circle{Center: models.Point{Latitude: 44.43, Longitude: 26.10}, RadiusM: 1000}
	box := Bound(circle)
	if box.MinLat >= circle.Center.Latitude || box.MaxLat <= circle.Center.Latitude {
		t.Fatalf("box %+v does not straddle center latitude", box)
	}
	north := models.Point{Latitude: box.MaxLat, Longitude: circle.Center.Longitude}
	if d := Haversine(circle.Center, north); d < circle.RadiusM*0.98 {
		t.Fatalf("box edge only %.1fm from center, radius %.1fm", d, circle.RadiusM)
	}
}

func TestBoundaryPolygonFromCircle(t *testing.T) {
	circle := models.Circle{Center: models.Point{Latitude: 44.43, Longitude: 26.10}, RadiusM: 300}
	poly := BoundaryPolygon(circle)
	if len(poly.Boundary) != 5 {
		t.Fatalf("expected closed rectangle, got %d points", len(poly.Boundary))
	}
	if poly.Boundary[0] != poly.Boundary[4] {
		t.Fatal("rectangle not closed")
	}
	if !pointInPolygon(circle.Center, poly.Boundary) {
		t.Fatal("center should be inside the bounding rectangle")
	}
}
