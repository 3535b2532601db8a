package density

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mmcloughlin/geohash"

	"urban-density-analytics/api/internal/geo"
	"urban-density-analytics/api/internal/models"
	"urban-density-analytics/shared/clients/camara"
)

type fakeLive struct {
	resp camara.DensityResponse
	err  error
	reqs []camara.DensityRequest
}

func (f *fakeLive) RetrieveDensity(_ context.Context, req camara.DensityRequest) (camara.DensityResponse, error) {
	f.reqs = append(f.reqs, req)
	return f.resp, f.err
}

func fptr(v float64) *float64 { return &v }

var testArea = geo.Rectangle(geo.BBox{MinLat: 44.41, MinLon: 26.08, MaxLat: 44.44, MaxLon: 26.12})

func TestSyntheticSnapshot(t *testing.T) {
	agg := NewAggregator(Config{})
	snap, err := agg.Snapshot(context.Background(), "test-area", testArea, 0)
	if err != nil {
		t.Fatal(err)
	}
	if snap.AreaID != "test-area" {
		t.Fatalf("area id = %q", snap.AreaID)
	}
	if len(snap.Points) == 0 {
		t.Fatal("expected synthetic points")
	}
	sum := 0
	for _, p := range snap.Points {
		if p.Count <= 0 {
			t.Fatalf("point count must be positive, got %d", p.Count)
		}
		if !geo.Contains(testArea, models.Point{Latitude: p.Lat, Longitude: p.Lon}) {
			t.Fatalf("point outside area: %+v", p)
		}
		sum += p.Count
	}
	if sum != snap.TotalDevices {
		t.Fatalf("total %d != sum of points %d", snap.TotalDevices, sum)
	}
}

func TestFlowUnknownArea(t *testing.T) {
	agg := NewAggregator(Config{})
	if _, err := agg.Flow(context.Background(), "never-seen"); !errors.Is(err, ErrDataUnavailable) {
		t.Fatalf("expected ErrDataUnavailable, got %v", err)
	}
}

func TestFlowDefaultArea(t *testing.T) {
	agg := NewAggregator(Config{DefaultAreaEnabled: true, FlowHours: 6})
	series, err := agg.Flow(context.Background(), DefaultAreaID)
	if err != nil {
		t.Fatal(err)
	}
	if series.IntervalMinutes != 15 {
		t.Fatalf("interval = %d", series.IntervalMinutes)
	}
	if len(series.Series) != 24 {
		t.Fatalf("expected 24 samples for 6 hours, got %d", len(series.Series))
	}
	for i, s := range series.Series {
		if s.TotalDevices < walkFloor {
			t.Fatalf("sample %d below floor: %d", i, s.TotalDevices)
		}
		if i > 0 && !s.Timestamp.After(series.Series[i-1].Timestamp) {
			t.Fatalf("timestamps not ascending at %d", i)
		}
	}
}

func TestSnapshotRegistersAreaForFlow(t *testing.T) {
	agg := NewAggregator(Config{})
	if _, err := agg.Snapshot(context.Background(), "plaza", testArea, 0); err != nil {
		t.Fatal(err)
	}
	if _, err := agg.Flow(context.Background(), "plaza"); err != nil {
		t.Fatalf("area seen by snapshot should be known to flow: %v", err)
	}
}

func TestLiveSnapshotUsesLatestInterval(t *testing.T) {
	now := time.Now().UTC()
	hash := geohash.EncodeWithPrecision(44.43, 26.10, 7)
	live := &fakeLive{resp: camara.DensityResponse{
		TimedPopulationDensityData: []camara.TimedInterval{
			{
				EndTime: now.Add(-15 * time.Minute),
				CellPopulationDensityData: []camara.Cell{
					{Geohash: hash, DataType: "DENSITY_ESTIMATION", PplDensity: fptr(999)},
				},
			},
			{
				EndTime: now,
				CellPopulationDensityData: []camara.Cell{
					{Geohash: hash, DataType: "DENSITY_ESTIMATION", PplDensity: fptr(10)},
					{Geohash: hash, DataType: "DENSITY_ESTIMATION", MaxPplDensity: fptr(20), MinPplDensity: fptr(10)},
					{Geohash: hash, DataType: "DENSITY_ESTIMATION"},
					{Geohash: hash, DataType: "LOW_DENSITY", PplDensity: fptr(500)},
				},
			},
		},
	}}

	agg := NewAggregator(Config{Live: live})
	snap, err := agg.Snapshot(context.Background(), "plaza", testArea, 0)
	if err != nil {
		t.Fatal(err)
	}
	// 10 + midpoint(10,20)=15 + 0; the non density cell is skipped.
	if snap.TotalDevices != 25 {
		t.Fatalf("total = %d, want 25", snap.TotalDevices)
	}
	if len(snap.Points) != 3 {
		t.Fatalf("points = %d, want 3", len(snap.Points))
	}
	if !snap.Timestamp.Equal(now) {
		t.Fatalf("timestamp = %v, want latest interval end %v", snap.Timestamp, now)
	}
	if len(live.reqs) != 1 {
		t.Fatalf("expected 1 upstream call, got %d", len(live.reqs))
	}
	if live.reqs[0].Area.AreaType != "POLYGON" {
		t.Fatalf("upstream area type = %q", live.reqs[0].Area.AreaType)
	}
	if live.reqs[0].Precision != 7 {
		t.Fatalf("default precision = %d, want 7", live.reqs[0].Precision)
	}
}

func TestLiveFlowIntervalFromProvider(t *testing.T) {
	now := time.Now().UTC()
	hash := geohash.EncodeWithPrecision(44.43, 26.10, 7)
	live := &fakeLive{resp: camara.DensityResponse{
		TimedPopulationDensityData: []camara.TimedInterval{
			{
				StartTime: now.Add(-2 * time.Hour),
				EndTime:   now.Add(-time.Hour),
				CellPopulationDensityData: []camara.Cell{
					{Geohash: hash, DataType: "DENSITY_ESTIMATION", PplDensity: fptr(40)},
				},
			},
			{
				StartTime: now.Add(-time.Hour),
				EndTime:   now,
				CellPopulationDensityData: []camara.Cell{
					{Geohash: hash, DataType: "DENSITY_ESTIMATION", PplDensity: fptr(60)},
				},
			},
		},
	}}

	agg := NewAggregator(Config{Live: live})
	agg.RegisterArea("plaza", testArea)
	series, err := agg.Flow(context.Background(), "plaza")
	if err != nil {
		t.Fatal(err)
	}
	if series.IntervalMinutes != 60 {
		t.Fatalf("interval = %d, want provider bucket of 60", series.IntervalMinutes)
	}
	if len(series.Series) != 2 {
		t.Fatalf("samples = %d", len(series.Series))
	}
	if series.Series[0].TotalDevices != 40 || series.Series[1].TotalDevices != 60 {
		t.Fatalf("samples = %+v", series.Series)
	}
}

func TestLiveFlowIntervalDefaultsHourly(t *testing.T) {
	// Provider omitted start times, so the bucket length cannot be derived.
	live := &fakeLive{resp: camara.DensityResponse{
		TimedPopulationDensityData: []camara.TimedInterval{
			{EndTime: time.Now().UTC()},
		},
	}}

	agg := NewAggregator(Config{Live: live})
	agg.RegisterArea("plaza", testArea)
	series, err := agg.Flow(context.Background(), "plaza")
	if err != nil {
		t.Fatal(err)
	}
	if series.IntervalMinutes != 60 {
		t.Fatalf("interval = %d, want hourly default", series.IntervalMinutes)
	}
}

func TestSnapshotPrecisionOverride(t *testing.T) {
	live := &fakeLive{resp: camara.DensityResponse{}}
	agg := NewAggregator(Config{Live: live})
	if _, err := agg.Snapshot(context.Background(), "plaza", testArea, 5); err != nil {
		t.Fatal(err)
	}
	if live.reqs[0].Precision != 5 {
		t.Fatalf("precision = %d, want 5", live.reqs[0].Precision)
	}
}

func TestLiveSnapshotEmptyIntervals(t *testing.T) {
	live := &fakeLive{resp: camara.DensityResponse{}}
	agg := NewAggregator(Config{Live: live})
	snap, err := agg.Snapshot(context.Background(), "plaza", testArea, 0)
	if err != nil {
		t.Fatal(err)
	}
	if snap.TotalDevices != 0 || len(snap.Points) != 0 {
		t.Fatalf("expected empty snapshot, got %+v", snap)
	}
	if snap.Timestamp.IsZero() {
		t.Fatal("empty snapshot still carries a timestamp")
	}
}

func TestLiveFailureFallsBackToSynthetic(t *testing.T) {
	live := &fakeLive{err: errors.New("upstream down")}
	agg := NewAggregator(Config{Live: live})
	snap, err := agg.Snapshot(context.Background(), "plaza", testArea, 0)
	if err != nil {
		t.Fatalf("live failure should degrade, not fail: %v", err)
	}
	if len(snap.Points) == 0 {
		t.Fatal("expected synthetic fallback points")
	}
}

func TestSnapshotNilAreaUnknownID(t *testing.T) {
	agg := NewAggregator(Config{})
	if _, err := agg.Snapshot(context.Background(), "ghost", nil, 0); !errors.Is(err, ErrDataUnavailable) {
		t.Fatalf("expected ErrDataUnavailable, got %v", err)
	}
}
