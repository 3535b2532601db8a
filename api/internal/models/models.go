package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type Point struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

type AreaType string

const (
	AreaTypeCircle  AreaType = "CIRCLE"
	AreaTypePolygon AreaType = "POLYGON"
)

// Area is the spatial query region: either a Circle or a Polygon.
// Consumers switch exhaustively on the concrete type.
type Area interface {
	AreaType() AreaType
}

type Circle struct {
	Center  Point   `json:"center"`
	RadiusM float64 `json:"radius"`
}

func (Circle) AreaType() AreaType { return AreaTypeCircle }

func (c Circle) MarshalJSON() ([]byte, error) {
	type alias Circle
	return json.Marshal(struct {
		Type AreaType `json:"areaType"`
		alias
	}{Type: AreaTypeCircle, alias: alias(c)})
}

type Polygon struct {
	Boundary []Point `json:"boundary"`
}

func (Polygon) AreaType() AreaType { return AreaTypePolygon }

func (p Polygon) MarshalJSON() ([]byte, error) {
	type alias Polygon
	return json.Marshal(struct {
		Type AreaType `json:"areaType"`
		alias
	}{Type: AreaTypePolygon, alias: alias(p)})
}

// ParseArea decodes an area descriptor. It accepts the tagged form
// ({areaType, boundary} or {areaType, center, radius}) and the legacy
// form ({coordinates: [[lon,lat],...]}).
func ParseArea(raw json.RawMessage) (Area, error) {
	if len(raw) == 0 {
		return nil, errors.New("area is required")
	}
	var probe struct {
		AreaType    AreaType     `json:"areaType"`
		Boundary    []Point      `json:"boundary"`
		Center      *Point       `json:"center"`
		Radius      float64      `json:"radius"`
		Coordinates [][2]float64 `json:"coordinates"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, fmt.Errorf("invalid area: %w", err)
	}
	switch probe.AreaType {
	case AreaTypeCircle:
		if probe.Center == nil {
			return nil, errors.New("circle area requires center")
		}
		if probe.Radius < 1 {
			return nil, errors.New("circle radius must be >= 1 meter")
		}
		return Circle{Center: *probe.Center, RadiusM: probe.Radius}, nil
	case AreaTypePolygon:
		if len(probe.Boundary) < 3 || len(probe.Boundary) > 15 {
			return nil, errors.New("polygon boundary must have 3-15 points")
		}
		return Polygon{Boundary: probe.Boundary}, nil
	case "":
		// Legacy coordinate array, lon/lat order.
		if len(probe.Coordinates) < 3 {
			return nil, errors.New("area must be a tagged CIRCLE/POLYGON or a legacy coordinates array")
		}
		boundary := make([]Point, 0, len(probe.Coordinates))
		for _, c := range probe.Coordinates {
			boundary = append(boundary, Point{Latitude: c[1], Longitude: c[0]})
		}
		return Polygon{Boundary: boundary}, nil
	default:
		return nil, fmt.Errorf("unsupported area type %q", probe.AreaType)
	}
}

// LatLon is the compact coordinate pair used by device location
// payloads.
type LatLon struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

const (
	LocationSourceNetwork = "network"
	LocationSourceGPS     = "gps"
)

type DeviceLocation struct {
	DeviceID       string    `json:"deviceId"`
	Location       LatLon    `json:"location"`
	AccuracyMeters int       `json:"accuracyMeters"`
	Timestamp      time.Time `json:"timestamp"`
	Source         string    `json:"source"`
}

type DensityPoint struct {
	Lat   float64 `json:"lat"`
	Lon   float64 `json:"lon"`
	Count int     `json:"count"`
}

type DensitySnapshot struct {
	AreaID       string         `json:"areaId"`
	Timestamp    time.Time      `json:"timestamp"`
	TotalDevices int            `json:"totalDevices"`
	Points       []DensityPoint `json:"points"`
}

type FlowSample struct {
	Timestamp    time.Time `json:"timestamp"`
	TotalDevices int       `json:"totalDevices"`
}

type FlowSeries struct {
	AreaID          string       `json:"areaId"`
	IntervalMinutes int          `json:"intervalMinutes"`
	Series          []FlowSample `json:"series"`
}

type AlertChannel string

const (
	ChannelUI      AlertChannel = "ui"
	ChannelWebhook AlertChannel = "webhook"
)

type AlertLevel string

const (
	LevelInfo     AlertLevel = "info"
	LevelWarning  AlertLevel = "warning"
	LevelCritical AlertLevel = "critical"
)

// RuleSpec is a geofence rule as submitted by a caller, before the
// engine assigns an id.
type RuleSpec struct {
	Name             string         `json:"name"`
	Area             Area           `json:"polygon"`
	ThresholdDevices int            `json:"thresholdDevices"`
	AlertChannels    []AlertChannel `json:"alertChannels"`
	WebhookURL       string         `json:"webhookUrl,omitempty"`
	Active           bool           `json:"active"`
}

type GeofenceRule struct {
	ID               string         `json:"id"`
	Name             string         `json:"name"`
	Area             Area           `json:"polygon"`
	ThresholdDevices int            `json:"thresholdDevices"`
	AlertChannels    []AlertChannel `json:"alertChannels"`
	WebhookURL       string         `json:"webhookUrl,omitempty"`
	Active           bool           `json:"active"`
}

func (r GeofenceRule) HasChannel(ch AlertChannel) bool {
	for _, c := range r.AlertChannels {
		if c == ch {
			return true
		}
	}
	return false
}

type AlertEvent struct {
	RuleID       string     `json:"ruleId"`
	TriggeredAt  time.Time  `json:"triggeredAt"`
	TotalDevices int        `json:"totalDevices"`
	Level        AlertLevel `json:"level"`
	Message      string     `json:"message"`
}

type RoutePlan struct {
	From       Point    `json:"from"`
	To         Point    `json:"to"`
	Path       []Point  `json:"path"`
	ETAMinutes int      `json:"etaMinutes"`
	Advisories []string `json:"advisories"`
}
