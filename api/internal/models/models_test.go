package models

import (
	"encoding/json"
	"testing"
)

func TestParseArea(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr bool
		check   func(t *testing.T, a Area)
	}{
		{
			name: "tagged polygon",
			raw:  `{"areaType":"POLYGON","boundary":[{"latitude":44.41,"longitude":26.08},{"latitude":44.41,"longitude":26.12},{"latitude":44.44,"longitude":26.12}]}`,
			check: func(t *testing.T, a Area) {
				p, ok := a.(Polygon)
				if !ok {
					t.Fatalf("expected Polygon, got %T", a)
				}
				if len(p.Boundary) != 3 {
					t.Fatalf("expected 3 points, got %d", len(p.Boundary))
				}
			},
		},
		{
			name: "tagged circle",
			raw:  `{"areaType":"CIRCLE","center":{"latitude":44.43,"longitude":26.10},"radius":250}`,
			check: func(t *testing.T, a Area) {
				c, ok := a.(Circle)
				if !ok {
					t.Fatalf("expected Circle, got %T", a)
				}
				if c.RadiusM != 250 {
					t.Fatalf("radius = %v", c.RadiusM)
				}
			},
		},
		{
			name: "legacy coordinates lon lat order",
			raw:  `{"coordinates":[[26.08,44.41],[26.12,44.41],[26.12,44.44]]}`,
			check: func(t *testing.T, a Area) {
				p, ok := a.(Polygon)
				if !ok {
					t.Fatalf("expected Polygon, got %T", a)
				}
				if p.Boundary[0].Latitude != 44.41 || p.Boundary[0].Longitude != 26.08 {
					t.Fatalf("lon/lat order not honored: %+v", p.Boundary[0])
				}
			},
		},
		{name: "polygon too few points", raw: `{"areaType":"POLYGON","boundary":[{"latitude":1,"longitude":1},{"latitude":2,"longitude":2}]}`, wantErr: true},
		{name: "circle missing center", raw: `{"areaType":"CIRCLE","radius":100}`, wantErr: true},
		{name: "circle sub meter radius", raw: `{"areaType":"CIRCLE","center":{"latitude":1,"longitude":1},"radius":0.5}`, wantErr: true},
		{name: "unknown area type", raw: `{"areaType":"HEXAGON"}`, wantErr: true},
		{name: "empty", raw: ``, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			area, err := ParseArea(json.RawMessage(tt.raw))
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			tt.check(t, area)
		})
	}
}

func TestAreaMarshalRoundTrip(t *testing.T) {
	circle := Circle{Center: Point{Latitude: 44.43, Longitude: 26.10}, RadiusM: 300}
	b, err := json.Marshal(circle)
	if err != nil {
		t.Fatal(err)
	}
	parsed, err := ParseArea(b)
	if err != nil {
		t.Fatalf("marshaled circle did not parse: %v", err)
	}
	if parsed.(Circle) != circle {
		t.Fatalf("round trip changed circle: %+v", parsed)
	}
}

func TestHasChannel(t *testing.T) {
	rule := GeofenceRule{AlertChannels: []AlertChannel{ChannelUI}}
	if !rule.HasChannel(ChannelUI) {
		t.Fatal("ui channel should be present")
	}
	if rule.HasChannel(ChannelWebhook) {
		t.Fatal("webhook channel should be absent")
	}
}
