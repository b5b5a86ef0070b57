package restserver

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/evaonline/matopiba/internal/types"
	"github.com/evaonline/matopiba/pkg/config"
)

type fakeStore struct {
	snapshot *types.Snapshot
	metadata *types.RunMetadata
	snapErr  error
	metaErr  error
	delay    time.Duration
}

func (s *fakeStore) GetSnapshot(ctx context.Context) (*types.Snapshot, error) {
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return s.snapshot, s.snapErr
}

func (s *fakeStore) GetMetadata(ctx context.Context) (*types.RunMetadata, error) {
	return s.metadata, s.metaErr
}

func sampleSnapshot() *types.Snapshot {
	updated := time.Date(2024, 5, 15, 12, 0, 0, 0, time.UTC)
	return &types.Snapshot{
		Forecasts: map[string]types.CityForecast{
			"2100055": {
				CityName:   "Açailândia",
				State:      "MA",
				Latitude:   -4.95,
				Longitude:  -47.50,
				ElevationM: 250,
				Days: []types.DailyForecast{
					{Date: "2024-05-15", TMaxC: 33.1, TMinC: 22.4, EToModelMmDay: 4.8, EToProviderMmDay: 4.6},
					{Date: "2024-05-16", TMaxC: 32.7, TMinC: 22.0, EToModelMmDay: 4.5, EToProviderMmDay: 4.4},
				},
			},
		},
		Validation: types.ValidationMetrics{
			R2: 0.91, RMSEMmDay: 0.4, BiasMmDay: 0.1, MAEMmDay: 0.3,
			NSamples: 674, Quality: types.QualityExcellent,
		},
		Metadata: types.RunMetadata{
			RunLabel:         "12h UTC",
			UpdatedAtUTC:     updated,
			NextUpdateUTC:    updated.Add(6 * time.Hour),
			NCitiesAttempted: 337,
			NCitiesSucceeded: 337,
			SuccessRate:      1.0,
			Version:          "1.0.0",
		},
	}
}

func newTestServer(t *testing.T, store SnapshotStore) *httptest.Server {
	t.Helper()
	provider := config.NewStaticProvider(&config.Config{
		KVURL:           "redis://localhost:6379",
		ProviderBaseURL: "https://api.open-meteo.com/v1/forecast",
		ListenAddr:      ":0",
	})
	ctrl, err := NewController(context.Background(), &sync.WaitGroup{}, provider, store, zap.NewNop().Sugar())
	if err != nil {
		t.Fatalf("NewController: %v", err)
	}
	srv := httptest.NewServer(ctrl.Server.Handler)
	t.Cleanup(srv.Close)
	return srv
}

func getJSON(t *testing.T, url string, out interface{}) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decoding response from %s: %v", url, err)
		}
	}
	return resp
}

func TestGetForecasts(t *testing.T) {
	snap := sampleSnapshot()
	srv := newTestServer(t, &fakeStore{snapshot: snap, metadata: &snap.Metadata})

	var got types.Snapshot
	resp := getJSON(t, srv.URL+"/api/v1/matopiba/forecasts", &got)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, expected 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
	if cors := resp.Header.Get("Access-Control-Allow-Origin"); cors != "*" {
		t.Errorf("Access-Control-Allow-Origin = %q", cors)
	}
	if cc := resp.Header.Get("Cache-Control"); cc != "max-age=60" {
		t.Errorf("Cache-Control = %q", cc)
	}

	city, ok := got.Forecasts["2100055"]
	if !ok {
		t.Fatal("city 2100055 missing from response")
	}
	if len(city.Days) != 2 || city.Days[0].Date != "2024-05-15" {
		t.Errorf("unexpected days: %+v", city.Days)
	}
	if got.Metadata.SuccessRate != 1.0 || got.Metadata.RunLabel != "12h UTC" {
		t.Errorf("unexpected metadata: %+v", got.Metadata)
	}
	if got.Validation.NSamples != 674 {
		t.Errorf("unexpected validation: %+v", got.Validation)
	}
}

func TestGetForecastsCacheEmptyWithHint(t *testing.T) {
	meta := &sampleSnapshot().Metadata
	srv := newTestServer(t, &fakeStore{snapErr: errors.New("redis: nil"), metadata: meta})

	var got errorResponse
	resp := getJSON(t, srv.URL+"/api/v1/matopiba/forecasts", &got)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, expected 503", resp.StatusCode)
	}
	if got.Error != "cache_empty" {
		t.Errorf("error = %q, expected cache_empty", got.Error)
	}
	if got.NextUpdateUTC == nil || !got.NextUpdateUTC.Equal(meta.NextUpdateUTC) {
		t.Errorf("next_update_utc = %v, expected %v", got.NextUpdateUTC, meta.NextUpdateUTC)
	}
}

func TestGetForecastsCacheEmptyNoHint(t *testing.T) {
	srv := newTestServer(t, &fakeStore{
		snapErr: errors.New("redis: nil"),
		metaErr: errors.New("redis: nil"),
	})

	var got errorResponse
	resp := getJSON(t, srv.URL+"/api/v1/matopiba/forecasts", &got)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, expected 503", resp.StatusCode)
	}
	if got.NextUpdateUTC != nil {
		t.Errorf("next_update_utc = %v, expected absent", got.NextUpdateUTC)
	}
}

func TestGetForecastsNonFiniteValidation(t *testing.T) {
	snap := sampleSnapshot()
	snap.Validation = types.ValidationMetrics{
		R2: math.NaN(), RMSEMmDay: math.NaN(), BiasMmDay: math.NaN(), MAEMmDay: math.NaN(),
		NSamples: 0, Quality: types.QualityBelowExpected,
	}
	srv := newTestServer(t, &fakeStore{snapshot: snap})

	var got struct {
		Validation map[string]interface{} `json:"validation"`
	}
	resp := getJSON(t, srv.URL+"/api/v1/matopiba/forecasts", &got)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, expected 200", resp.StatusCode)
	}
	if got.Validation["r2"] != nil {
		t.Errorf("r2 = %v, expected null", got.Validation["r2"])
	}
	if got.Validation["quality"] != "BELOW_EXPECTED" {
		t.Errorf("quality = %v", got.Validation["quality"])
	}
}

func TestGetCityForecast(t *testing.T) {
	srv := newTestServer(t, &fakeStore{snapshot: sampleSnapshot()})

	var city types.CityForecast
	resp := getJSON(t, srv.URL+"/api/v1/matopiba/forecasts/2100055", &city)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, expected 200", resp.StatusCode)
	}
	if city.CityName != "Açailândia" || city.State != "MA" {
		t.Errorf("unexpected city: %+v", city)
	}

	var errResp errorResponse
	resp = getJSON(t, srv.URL+"/api/v1/matopiba/forecasts/9999999", &errResp)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, expected 404", resp.StatusCode)
	}
	if errResp.Error != "city_not_found" {
		t.Errorf("error = %q", errResp.Error)
	}
}

func TestGetMetadata(t *testing.T) {
	meta := &sampleSnapshot().Metadata
	srv := newTestServer(t, &fakeStore{metadata: meta})

	var got types.RunMetadata
	resp := getJSON(t, srv.URL+"/api/v1/matopiba/metadata", &got)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, expected 200", resp.StatusCode)
	}
	if got.RunLabel != "12h UTC" || got.NCitiesSucceeded != 337 {
		t.Errorf("unexpected metadata: %+v", got)
	}
}

func TestGetMetadataCacheEmpty(t *testing.T) {
	srv := newTestServer(t, &fakeStore{metaErr: errors.New("redis: nil")})

	var got errorResponse
	resp := getJSON(t, srv.URL+"/api/v1/matopiba/metadata", &got)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, expected 503", resp.StatusCode)
	}
	if got.Error != "cache_empty" {
		t.Errorf("error = %q", got.Error)
	}
}

func TestGetHealthIgnoresCache(t *testing.T) {
	srv := newTestServer(t, &fakeStore{
		snapErr: errors.New("redis unreachable"),
		metaErr: errors.New("redis unreachable"),
	})

	var got map[string]string
	resp := getJSON(t, srv.URL+"/api/v1/matopiba/health", &got)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, expected 200", resp.StatusCode)
	}
	if got["status"] != "ok" || got["version"] == "" || got["service"] == "" {
		t.Errorf("unexpected health body: %v", got)
	}
}

func TestLookupTimeout(t *testing.T) {
	// A store that hangs longer than the per-lookup timeout.
	srv := newTestServer(t, &fakeStore{
		snapshot: sampleSnapshot(),
		delay:    lookupTimeout + time.Second,
		metaErr:  errors.New("redis unreachable"),
	})

	start := time.Now()
	var got errorResponse
	resp := getJSON(t, srv.URL+"/api/v1/matopiba/forecasts", &got)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, expected 503", resp.StatusCode)
	}
	if got.Error != "cache_empty" {
		t.Errorf("error = %q", got.Error)
	}
	if elapsed := time.Since(start); elapsed > lookupTimeout+time.Second {
		t.Errorf("request took %s, lookup timeout did not bound it", elapsed)
	}
}
