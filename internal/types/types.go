// Package types contains shared data types used across the MATOPIBA
// forecast pipeline.
package types

import (
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// CityRef identifies one municipality of the static city table. The table
// is loaded once at startup and is immutable for the process lifetime.
type CityRef struct {
	Code       string  `json:"code"`
	Name       string  `json:"name"`
	State      string  `json:"state"`
	Latitude   float64 `json:"latitude"`
	Longitude  float64 `json:"longitude"`
	ElevationM float64 `json:"elevation_m"`
}

// HourlySeries holds one city's hourly forecast observations as parallel
// arrays aligned by index. DewPointC may be nil when the provider omitted
// the column; individual cells of any column may be NaN.
type HourlySeries struct {
	Times                 []time.Time `json:"times"`
	TempC                 []float64   `json:"temp_c"`
	RelativeHumidityPct   []float64   `json:"relative_humidity_pct"`
	WindSpeed10mMs        []float64   `json:"wind_speed_10m_ms"`
	ShortwaveRadiationWm2 []float64   `json:"shortwave_radiation_wm2"`
	PrecipitationMm       []float64   `json:"precipitation_mm"`
	DewPointC             []float64   `json:"dew_point_c,omitempty"`
	ProviderEToMmH        []float64   `json:"provider_eto_mm_h"`
}

// Len returns the number of hours in the series.
func (s *HourlySeries) Len() int {
	return len(s.Times)
}

// Validate checks that all present columns share the timestamp axis length.
func (s *HourlySeries) Validate() error {
	n := len(s.Times)
	cols := map[string]int{
		"temp_c":                  len(s.TempC),
		"relative_humidity_pct":   len(s.RelativeHumidityPct),
		"wind_speed_10m_ms":       len(s.WindSpeed10mMs),
		"shortwave_radiation_wm2": len(s.ShortwaveRadiationWm2),
		"precipitation_mm":        len(s.PrecipitationMm),
		"provider_eto_mm_h":       len(s.ProviderEToMmH),
	}
	if s.DewPointC != nil {
		cols["dew_point_c"] = len(s.DewPointC)
	}
	for name, l := range cols {
		if l != n {
			return fmt.Errorf("column %s has %d rows, expected %d", name, l, n)
		}
	}
	return nil
}

// DailyForecast is one city's aggregated forecast for a single local
// calendar date.
type DailyForecast struct {
	Date               string  `json:"date"`
	TMaxC              float64 `json:"t_max_c"`
	TMinC              float64 `json:"t_min_c"`
	TMeanC             float64 `json:"t_mean_c"`
	RHMeanPct          float64 `json:"rh_mean_pct"`
	WSMeanMs           float64 `json:"ws_mean_ms"`
	RadiationSumMJM2   float64 `json:"radiation_sum_mj_m2"`
	PrecipitationSumMm float64 `json:"precipitation_sum_mm"`
	EToModelMmDay      float64 `json:"eto_model_mm_day"`
	EToProviderMmDay   float64 `json:"eto_provider_mm_day"`
}

// CityForecast is one city's entry in the snapshot: static city info plus
// exactly two consecutive daily forecasts (today and tomorrow).
type CityForecast struct {
	CityName   string          `json:"city_name"`
	State      string          `json:"state"`
	Latitude   float64         `json:"latitude"`
	Longitude  float64         `json:"longitude"`
	ElevationM float64         `json:"elevation_m"`
	Days       []DailyForecast `json:"days"`
}

// Quality classifies a run's model-vs-provider agreement.
type Quality string

const (
	QualityExcellent     Quality = "EXCELLENT"
	QualityAcceptable    Quality = "ACCEPTABLE"
	QualityBelowExpected Quality = "BELOW_EXPECTED"
)

// ValidationMetrics carries the global model-vs-provider comparison for one
// run. R2 is NaN when no samples were available.
type ValidationMetrics struct {
	R2        float64 `json:"r2"`
	RMSEMmDay float64 `json:"rmse_mm_day"`
	BiasMmDay float64 `json:"bias_mm_day"`
	MAEMmDay  float64 `json:"mae_mm_day"`
	NSamples  int     `json:"n_samples"`
	Quality   Quality `json:"quality"`
}

// validationMetricsJSON mirrors ValidationMetrics with nullable metric
// fields. encoding/json rejects NaN, so non-finite values cross the JSON
// boundary as null. The MessagePack snapshot encoding carries NaN natively
// and does not pass through here.
type validationMetricsJSON struct {
	R2        *float64 `json:"r2"`
	RMSEMmDay *float64 `json:"rmse_mm_day"`
	BiasMmDay *float64 `json:"bias_mm_day"`
	MAEMmDay  *float64 `json:"mae_mm_day"`
	NSamples  int      `json:"n_samples"`
	Quality   Quality  `json:"quality"`
}

func finiteOrNil(x float64) *float64 {
	if math.IsNaN(x) || math.IsInf(x, 0) {
		return nil
	}
	return &x
}

func nilOrNaN(p *float64) float64 {
	if p == nil {
		return math.NaN()
	}
	return *p
}

func (v ValidationMetrics) MarshalJSON() ([]byte, error) {
	return json.Marshal(validationMetricsJSON{
		R2:        finiteOrNil(v.R2),
		RMSEMmDay: finiteOrNil(v.RMSEMmDay),
		BiasMmDay: finiteOrNil(v.BiasMmDay),
		MAEMmDay:  finiteOrNil(v.MAEMmDay),
		NSamples:  v.NSamples,
		Quality:   v.Quality,
	})
}

func (v *ValidationMetrics) UnmarshalJSON(data []byte) error {
	var j validationMetricsJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return err
	}
	v.R2 = nilOrNaN(j.R2)
	v.RMSEMmDay = nilOrNaN(j.RMSEMmDay)
	v.BiasMmDay = nilOrNaN(j.BiasMmDay)
	v.MAEMmDay = nilOrNaN(j.MAEMmDay)
	v.NSamples = j.NSamples
	v.Quality = j.Quality
	return nil
}

// RunMetadata describes one pipeline run.
type RunMetadata struct {
	RunLabel         string    `json:"run_label"`
	UpdatedAtUTC     time.Time `json:"updated_at_utc"`
	NextUpdateUTC    time.Time `json:"next_update_utc"`
	NCitiesAttempted int       `json:"n_cities_attempted"`
	NCitiesSucceeded int       `json:"n_cities_succeeded"`
	SuccessRate      float64   `json:"success_rate"`
	Version          string    `json:"version"`
}

// Snapshot is the complete output of a single run, published atomically to
// the hot cache. It entirely replaces the previous run's snapshot.
type Snapshot struct {
	Forecasts  map[string]CityForecast `json:"forecasts"`
	Validation ValidationMetrics       `json:"validation"`
	Metadata   RunMetadata             `json:"metadata"`
}

// ErrorKind names a failure category from the pipeline's error taxonomy.
type ErrorKind string

const (
	ErrTransientNetwork     ErrorKind = "TransientNetwork"
	ErrTimeout              ErrorKind = "Timeout"
	ErrUpstreamRateLimited  ErrorKind = "UpstreamRateLimited"
	ErrUpstreamBadRequest   ErrorKind = "UpstreamBadRequest"
	ErrUpstreamMalformed    ErrorKind = "UpstreamMalformed"
	ErrMissingColumns       ErrorKind = "MissingColumns"
	ErrInsufficientHours    ErrorKind = "InsufficientHours"
	ErrNonFiniteOutput      ErrorKind = "NonFiniteOutput"
	ErrCacheWriteFailed     ErrorKind = "CacheWriteFailed"
	ErrAuditWriteFailed     ErrorKind = "AuditWriteFailed"
	ErrCityListInvalid      ErrorKind = "CityListInvalid"
	ErrMissingConfig        ErrorKind = "MissingConfig"
	ErrRunAlreadyInProgress ErrorKind = "RunAlreadyInProgress"
)

// CityFailure records why one city was dropped from a run.
type CityFailure struct {
	CityCode  string    `json:"city_code"`
	ErrorKind ErrorKind `json:"error_kind"`
}

// TaskReport is the structured result of one orchestration run. It is
// logged and stored in the audit row's metadata column.
type TaskReport struct {
	RunID            string        `json:"run_id"`
	Success          bool          `json:"success"`
	RunLabel         string        `json:"run_label"`
	DurationS        float64       `json:"duration_s"`
	NCitiesAttempted int           `json:"n_cities_attempted"`
	NCitiesSucceeded int           `json:"n_cities_succeeded"`
	Quality          Quality       `json:"quality"`
	Failures         []CityFailure `json:"failures"`
}
