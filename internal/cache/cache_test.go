package cache

import (
	"bytes"
	"math"
	"testing"
	"time"

	"github.com/evaonline/matopiba/internal/types"
)

func sampleSnapshot() *types.Snapshot {
	updated := time.Date(2024, 5, 15, 6, 0, 0, 0, time.UTC)
	return &types.Snapshot{
		Forecasts: map[string]types.CityForecast{
			"1702109": {
				CityName:   "Araguaína",
				State:      "TO",
				Latitude:   -7.19,
				Longitude:  -48.21,
				ElevationM: 227,
				Days: []types.DailyForecast{
					{Date: "2024-05-15", TMaxC: 33.1, TMinC: 21.4, TMeanC: 26.8, RHMeanPct: 68, WSMeanMs: 2.1, RadiationSumMJM2: 19.5, PrecipitationSumMm: 0, EToModelMmDay: 4.6, EToProviderMmDay: 4.4},
					{Date: "2024-05-16", TMaxC: 32.7, TMinC: 21.0, TMeanC: 26.3, RHMeanPct: 70, WSMeanMs: 1.9, RadiationSumMJM2: 18.9, PrecipitationSumMm: 1.2, EToModelMmDay: 4.4, EToProviderMmDay: 4.3},
				},
			},
			"2111300": {
				CityName:   "Balsas",
				State:      "MA",
				Latitude:   -7.53,
				Longitude:  -46.04,
				ElevationM: 280,
				Days: []types.DailyForecast{
					{Date: "2024-05-15", EToModelMmDay: 5.0, EToProviderMmDay: 4.9},
					{Date: "2024-05-16", EToModelMmDay: 5.1, EToProviderMmDay: 5.0},
				},
			},
		},
		Validation: types.ValidationMetrics{
			R2: 0.87, RMSEMmDay: 0.4, BiasMmDay: 0.1, MAEMmDay: 0.3,
			NSamples: 4, Quality: types.QualityExcellent,
		},
		Metadata: types.RunMetadata{
			RunLabel:         "06h UTC",
			UpdatedAtUTC:     updated,
			NextUpdateUTC:    updated.Add(6 * time.Hour),
			NCitiesAttempted: 337,
			NCitiesSucceeded: 2,
			SuccessRate:      2.0 / 337,
			Version:          "1.0.0",
		},
	}
}

// Go randomizes map iteration order, so a handful of encodes of a
// multi-city snapshot will exercise different orders; every one must
// produce the same bytes.
func TestEncodeSnapshotDeterministic(t *testing.T) {
	first, err := EncodeSnapshot(sampleSnapshot())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for round := 1; round < 64; round++ {
		b, err := EncodeSnapshot(sampleSnapshot())
		if err != nil {
			t.Fatalf("round %d: unexpected error: %v", round, err)
		}
		if !bytes.Equal(first, b) {
			t.Fatalf("round %d: encoding of an identical snapshot differs byte-for-byte", round)
		}
	}
}

func TestEncodeSnapshotSortsCityCodes(t *testing.T) {
	s := sampleSnapshot()
	data, err := EncodeSnapshot(s)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// "1702109" sorts before "2111300"; the encoded stream must carry
	// the codes in that order regardless of map iteration order.
	i := bytes.Index(data, []byte("1702109"))
	j := bytes.Index(data, []byte("2111300"))
	if i < 0 || j < 0 {
		t.Fatalf("city codes missing from encoding (%d, %d)", i, j)
	}
	if i > j {
		t.Errorf("city codes encoded out of sorted order: %d > %d", i, j)
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	original := sampleSnapshot()
	data, err := EncodeSnapshot(original)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := DecodeSnapshot(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	if len(decoded.Forecasts) != len(original.Forecasts) {
		t.Fatalf("forecasts: %d cities, expected %d", len(decoded.Forecasts), len(original.Forecasts))
	}
	for code, want := range original.Forecasts {
		got, ok := decoded.Forecasts[code]
		if !ok {
			t.Errorf("city %s missing after round trip", code)
			continue
		}
		if got.CityName != want.CityName || len(got.Days) != len(want.Days) {
			t.Errorf("city %s: %+v != %+v", code, got, want)
			continue
		}
		for i := range want.Days {
			if got.Days[i] != want.Days[i] {
				t.Errorf("city %s day %d: %+v != %+v", code, i, got.Days[i], want.Days[i])
			}
		}
	}
	if decoded.Validation != original.Validation {
		t.Errorf("validation: %+v != %+v", decoded.Validation, original.Validation)
	}
	if !decoded.Metadata.UpdatedAtUTC.Equal(original.Metadata.UpdatedAtUTC) {
		t.Errorf("updated_at: %v != %v", decoded.Metadata.UpdatedAtUTC, original.Metadata.UpdatedAtUTC)
	}
	if decoded.Metadata.RunLabel != original.Metadata.RunLabel {
		t.Errorf("run_label: %s != %s", decoded.Metadata.RunLabel, original.Metadata.RunLabel)
	}
}

func TestSnapshotRoundTripPreservesNaN(t *testing.T) {
	s := sampleSnapshot()
	s.Forecasts = map[string]types.CityForecast{}
	s.Validation = types.ValidationMetrics{
		R2:        math.NaN(),
		RMSEMmDay: math.NaN(),
		BiasMmDay: math.NaN(),
		MAEMmDay:  math.NaN(),
		NSamples:  0,
		Quality:   types.QualityBelowExpected,
	}

	data, err := EncodeSnapshot(s)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := DecodeSnapshot(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !math.IsNaN(decoded.Validation.R2) {
		t.Errorf("r2 = %v after round trip, expected NaN", decoded.Validation.R2)
	}
	if decoded.Validation.NSamples != 0 {
		t.Errorf("n_samples = %d, expected 0", decoded.Validation.NSamples)
	}
	if len(decoded.Forecasts) != 0 {
		t.Errorf("expected empty forecasts map, got %d entries", len(decoded.Forecasts))
	}
}

func TestKeyLayout(t *testing.T) {
	if SnapshotKey != "matopiba:forecasts:latest" {
		t.Errorf("snapshot key = %s", SnapshotKey)
	}
	if MetadataKey != "matopiba:metadata:latest" {
		t.Errorf("metadata key = %s", MetadataKey)
	}
	if SnapshotTTL != 21600*time.Second {
		t.Errorf("ttl = %s, expected 6h", SnapshotTTL)
	}
	if RunLockTTL != 10*time.Minute {
		t.Errorf("lock ttl = %s, expected 10m", RunLockTTL)
	}
}
