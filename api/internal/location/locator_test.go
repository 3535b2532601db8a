package location

import (
	"context"
	"errors"
	"testing"

	"urban-density-analytics/api/internal/models"
	"urban-density-analytics/shared/clients/camara"
)

type fakeLocation struct {
	resp camara.LocationResponse
	err  error
	ids  []string
}

func (f *fakeLocation) RetrieveLocation(_ context.Context, deviceID string) (camara.LocationResponse, error) {
	f.ids = append(f.ids, deviceID)
	return f.resp, f.err
}

func TestLocateRejectsShortDeviceID(t *testing.T) {
	locator := NewLocator(Config{})
	if _, err := locator.Locate(context.Background(), "ab"); !errors.Is(err, ErrInvalidDeviceID) {
		t.Fatalf("expected ErrInvalidDeviceID, got %v", err)
	}
}

func TestLocateSynthetic(t *testing.T) {
	locator := NewLocator(Config{})
	loc, err := locator.Locate(context.Background(), "+40700000001")
	if err != nil {
		t.Fatal(err)
	}
	if loc.DeviceID != "+40700000001" {
		t.Fatalf("device id = %q", loc.DeviceID)
	}
	if loc.Location.Lat < baseLat-latJitter || loc.Location.Lat > baseLat+latJitter {
		t.Fatalf("lat %f outside synthetic band", loc.Location.Lat)
	}
	if loc.Location.Lon < baseLon-lonJitter || loc.Location.Lon > baseLon+lonJitter {
		t.Fatalf("lon %f outside synthetic band", loc.Location.Lon)
	}
	if loc.AccuracyMeters < accuracyMinM || loc.AccuracyMeters > accuracyMaxM {
		t.Fatalf("accuracy = %d", loc.AccuracyMeters)
	}
	if loc.Source != models.LocationSourceNetwork && loc.Source != models.LocationSourceGPS {
		t.Fatalf("source = %q", loc.Source)
	}
	if loc.Timestamp.IsZero() {
		t.Fatal("timestamp not set")
	}
}

func TestLocateLiveAreaResponse(t *testing.T) {
	live := &fakeLocation{resp: camara.LocationResponse{
		Area: &camara.LocationArea{
			Center: camara.BoundaryPoint{Latitude: 44.43, Longitude: 26.10},
			Radius: 75.4,
		},
	}}
	locator := NewLocator(Config{Live: live})

	loc, err := locator.Locate(context.Background(), "+40700000002")
	if err != nil {
		t.Fatal(err)
	}
	if loc.Location.Lat != 44.43 || loc.Location.Lon != 26.10 {
		t.Fatalf("location = %+v", loc.Location)
	}
	if loc.AccuracyMeters != 75 {
		t.Fatalf("accuracy = %d, want area radius rounded", loc.AccuracyMeters)
	}
	if loc.Source != models.LocationSourceNetwork {
		t.Fatalf("source = %q", loc.Source)
	}
	if len(live.ids) != 1 || live.ids[0] != "+40700000002" {
		t.Fatalf("upstream calls = %v", live.ids)
	}
}

func TestLocateLiveBareCoordinates(t *testing.T) {
	live := &fakeLocation{resp: camara.LocationResponse{
		Latitude:  44.41,
		Longitude: 26.09,
		Accuracy:  30,
	}}
	locator := NewLocator(Config{Live: live})

	loc, err := locator.Locate(context.Background(), "+40700000003")
	if err != nil {
		t.Fatal(err)
	}
	if loc.Location.Lat != 44.41 || loc.Location.Lon != 26.09 {
		t.Fatalf("location = %+v", loc.Location)
	}
	if loc.AccuracyMeters != 30 {
		t.Fatalf("accuracy = %d", loc.AccuracyMeters)
	}
}

func TestLocateLiveFailureSurfaces(t *testing.T) {
	live := &fakeLocation{err: errors.New("upstream down")}
	locator := NewLocator(Config{Live: live})

	if _, err := locator.Locate(context.Background(), "+40700000004"); err == nil {
		t.Fatal("live failure must surface, not degrade")
	}
}

func TestLocateLiveDisabledSurfaces(t *testing.T) {
	live := &fakeLocation{err: camara.ErrLocationDisabled}
	locator := NewLocator(Config{Live: live})

	_, err := locator.Locate(context.Background(), "+40700000005")
	if !errors.Is(err, camara.ErrLocationDisabled) {
		t.Fatalf("expected ErrLocationDisabled, got %v", err)
	}
}
