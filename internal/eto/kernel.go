// Package eto computes hourly FAO-56 Penman-Monteith reference
// evapotranspiration for one city's hourly forecast series and aggregates
// it into local calendar days.
//
// All steps except the extraterrestrial radiation term operate as whole
// column passes over the hour axis; Ra is the only per-hour computation
// because it depends on the timestamp.
package eto

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/evaonline/matopiba/internal/types"
)

// Kernel failure sentinels. Both drop the affected city from the run
// without aborting the batch.
var (
	ErrMissingColumns    = errors.New("missing required columns")
	ErrInsufficientHours = errors.New("insufficient hours")
)

// MinHours is the minimum series length the kernel accepts.
const MinHours = 24

// Input is one city's kernel invocation.
type Input struct {
	Series     *types.HourlySeries
	Latitude   float64
	Longitude  float64
	ElevationM float64
}

// ComputeHourly returns the hourly reference ETo in mm/h, aligned with
// in.Series.Times, plus the number of non-finite cells that were
// substituted with zero. A non-zero substitution count is a per-city
// warning, never an error.
func ComputeHourly(in Input) ([]float64, int, error) {
	s := in.Series
	if s == nil {
		return nil, 0, fmt.Errorf("%w: nil series", ErrMissingColumns)
	}
	if err := checkColumns(s); err != nil {
		return nil, 0, err
	}
	n := s.Len()
	if n < MinHours {
		return nil, 0, fmt.Errorf("%w: got %d hours, need at least %d", ErrInsufficientHours, n, MinHours)
	}

	// Wind adjustment 10m -> 2m (FAO-56 Eq. 47). Zero or negative wind
	// readings fall back to 0.5 m/s at 2m.
	u2 := make([]float64, n)
	windFactor := 4.87 / math.Log(67.8*10-5.42)
	for i, u10 := range s.WindSpeed10mMs {
		if u10 <= 0 || math.IsNaN(u10) {
			u2[i] = 0.5
		} else {
			u2[i] = u10 * windFactor
		}
	}

	// Atmospheric pressure and psychrometric constant are scalar per
	// station (FAO-56 Eq. 7/8).
	p := 101.3 * math.Pow((293-0.0065*in.ElevationM)/293, 5.26)
	gamma := 0.000665 * p

	// Saturation and actual vapor pressure (FAO-56 Eq. 11/14). Missing
	// dew point cells substitute T - 5 cell-wise.
	es := make([]float64, n)
	ea := make([]float64, n)
	vpd := make([]float64, n)
	delta := make([]float64, n)
	for i, t := range s.TempC {
		es[i] = satVaporPressure(t)
		td := t - 5
		if s.DewPointC != nil && !math.IsNaN(s.DewPointC[i]) {
			td = s.DewPointC[i]
		}
		ea[i] = satVaporPressure(td)
		vpd[i] = math.Max(es[i]-ea[i], 0)
		delta[i] = 4098 * es[i] / ((t + 237.3) * (t + 237.3))
	}

	// Shortwave W/m² -> MJ/m²/h; negative sensor readings clamp to zero.
	rs := make([]float64, n)
	for i, w := range s.ShortwaveRadiationWm2 {
		rs[i] = math.Max(w, 0) * 3600 / 1e6
	}

	// Extraterrestrial radiation, per hour (timestamp dependent).
	latRad := in.Latitude * math.Pi / 180
	ra := make([]float64, n)
	for i, ts := range s.Times {
		ra[i] = extraterrestrialRadiation(ts, latRad, in.Longitude)
	}

	// Net radiation and soil heat flux (FAO-56 Eq. 37-40, 45/46).
	rn := make([]float64, n)
	g := make([]float64, n)
	for i := range rn {
		rso := (0.75 + 2e-5*in.ElevationM) * ra[i]
		ratio := 0.3
		if rso > 0.001 && rs[i] > 0 {
			ratio = rs[i] / rso
			if ratio > 1 {
				ratio = 1
			}
		}
		tk := s.TempC[i] + 273.16
		rnl := 2.043e-10 * tk * tk * tk * tk *
			(0.34 - 0.14*math.Sqrt(math.Max(ea[i], 0))) *
			(1.35*ratio - 0.35)
		rn[i] = 0.77*rs[i] - rnl
		if rn[i] > 0 {
			g[i] = 0.1 * rn[i]
		} else {
			g[i] = 0.5 * rn[i]
		}
	}

	// Penman-Monteith with the standardized hourly coefficients. The
	// night switch matters: without Cn=6/Cd=0.96 after dark, nighttime
	// ETo inflates and the daily sum drifts from the provider's.
	eto := make([]float64, n)
	substituted := 0
	for i := range eto {
		cn, cd := 37.0, 0.24
		if s.ShortwaveRadiationWm2[i] <= 0 {
			cn, cd = 6.0, 0.96
		}
		t := s.TempC[i]
		num := 0.408*delta[i]*(rn[i]-g[i]) + gamma*(cn/(t+273))*u2[i]*vpd[i]
		den := delta[i] + gamma*(1+cd*u2[i])
		var v float64
		if den > 0 {
			v = num / den
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			v = 0
			substituted++
		}
		if v < 0 {
			v = 0
		}
		eto[i] = v
	}

	return eto, substituted, nil
}

func checkColumns(s *types.HourlySeries) error {
	var missing []string
	if len(s.Times) == 0 {
		missing = append(missing, "timestamp_utc")
	}
	if s.TempC == nil {
		missing = append(missing, "temp_c")
	}
	if s.RelativeHumidityPct == nil && s.DewPointC == nil {
		missing = append(missing, "relative_humidity_pct")
	}
	if s.WindSpeed10mMs == nil {
		missing = append(missing, "wind_speed_10m_ms")
	}
	if s.ShortwaveRadiationWm2 == nil {
		missing = append(missing, "shortwave_radiation_wm2")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %v", ErrMissingColumns, missing)
	}
	return s.Validate()
}

// satVaporPressure returns the saturation vapor pressure in kPa at
// temperature t in °C (FAO-56 Eq. 11).
func satVaporPressure(t float64) float64 {
	return 0.6108 * math.Exp(17.27*t/(t+237.3))
}

// AggregateDaily groups the series and its computed hourly ETo into local
// calendar days in loc, sorted ascending by date. Hours with NaN cells
// contribute nothing to that column's aggregate.
func AggregateDaily(s *types.HourlySeries, etoHourly []float64, loc *time.Location) ([]types.DailyForecast, error) {
	if len(etoHourly) != s.Len() {
		return nil, fmt.Errorf("eto series has %d rows, expected %d", len(etoHourly), s.Len())
	}

	type dayAccum struct {
		tMax, tMin          float64
		tSum, rhSum, wsSum  float64
		tN, rhN, wsN        int
		radSumW, precipSum  float64
		etoSum, providerSum float64
	}

	accums := make(map[string]*dayAccum)
	var order []string
	for i, ts := range s.Times {
		date := ts.In(loc).Format("2006-01-02")
		a, ok := accums[date]
		if !ok {
			a = &dayAccum{tMax: math.Inf(-1), tMin: math.Inf(1)}
			accums[date] = a
			order = append(order, date)
		}
		if t := s.TempC[i]; !math.IsNaN(t) {
			a.tMax = math.Max(a.tMax, t)
			a.tMin = math.Min(a.tMin, t)
			a.tSum += t
			a.tN++
		}
		if s.RelativeHumidityPct != nil && !math.IsNaN(s.RelativeHumidityPct[i]) {
			a.rhSum += s.RelativeHumidityPct[i]
			a.rhN++
		}
		if s.WindSpeed10mMs != nil && !math.IsNaN(s.WindSpeed10mMs[i]) {
			a.wsSum += s.WindSpeed10mMs[i]
			a.wsN++
		}
		if s.ShortwaveRadiationWm2 != nil && !math.IsNaN(s.ShortwaveRadiationWm2[i]) {
			a.radSumW += math.Max(s.ShortwaveRadiationWm2[i], 0)
		}
		if s.PrecipitationMm != nil && !math.IsNaN(s.PrecipitationMm[i]) {
			a.precipSum += s.PrecipitationMm[i]
		}
		a.etoSum += etoHourly[i]
		if s.ProviderEToMmH != nil && !math.IsNaN(s.ProviderEToMmH[i]) {
			a.providerSum += s.ProviderEToMmH[i]
		}
	}

	// The series arrives in chronological order, so first-seen order is
	// date order; sort defensively anyway.
	for i := 1; i < len(order); i++ {
		for j := i; j > 0 && order[j] < order[j-1]; j-- {
			order[j], order[j-1] = order[j-1], order[j]
		}
	}

	days := make([]types.DailyForecast, 0, len(order))
	for _, date := range order {
		a := accums[date]
		d := types.DailyForecast{
			Date:               date,
			RadiationSumMJM2:   a.radSumW * 3600 / 1e6,
			PrecipitationSumMm: a.precipSum,
			EToModelMmDay:      a.etoSum,
			EToProviderMmDay:   a.providerSum,
		}
		if a.tN > 0 {
			d.TMaxC = a.tMax
			d.TMinC = a.tMin
			d.TMeanC = a.tSum / float64(a.tN)
		}
		if a.rhN > 0 {
			d.RHMeanPct = a.rhSum / float64(a.rhN)
		}
		if a.wsN > 0 {
			d.WSMeanMs = a.wsSum / float64(a.wsN)
		}
		days = append(days, d)
	}
	return days, nil
}

// HoursPerDay reports how many series rows fall on each local date, in
// the same order AggregateDaily returns days. The pipeline uses it to
// drop cities whose series does not cover two full local days.
func HoursPerDay(s *types.HourlySeries, loc *time.Location) map[string]int {
	counts := make(map[string]int)
	for _, ts := range s.Times {
		counts[ts.In(loc).Format("2006-01-02")]++
	}
	return counts
}
