package pipeline

import (
	"context"
	"errors"
	"math"
	"sort"

	"github.com/evaonline/matopiba/internal/auditlog"
	"github.com/evaonline/matopiba/internal/eto"
	"github.com/evaonline/matopiba/internal/types"
)

// ForecastDays is the number of full local days each city must cover.
const ForecastDays = 2

// computeAll runs the ETo kernel for every fetched city and assembles
// the per-city forecasts. Kernel failures drop the city and are
// reported; they never abort the run.
func (r *Runner) computeAll(hourly map[string]*types.HourlySeries) (map[string]types.CityForecast, []types.CityFailure) {
	forecasts := make(map[string]types.CityForecast, len(hourly))
	var failures []types.CityFailure

	for _, city := range r.cities {
		series, ok := hourly[city.Code]
		if !ok {
			continue // already reported by the fetch phase
		}

		etoHourly, substituted, err := eto.ComputeHourly(eto.Input{
			Series:     series,
			Latitude:   city.Latitude,
			Longitude:  city.Longitude,
			ElevationM: city.ElevationM,
		})
		if err != nil {
			kind := kernelErrorKind(err)
			r.logger.Warnf("city %s (%s): kernel failed (%s): %v", city.Code, city.Name, kind, err)
			failures = append(failures, types.CityFailure{CityCode: city.Code, ErrorKind: kind})
			continue
		}
		if substituted > 0 {
			r.logger.Warnf("city %s (%s): %d non-finite ETo cells substituted with 0",
				city.Code, city.Name, substituted)
		}

		days, err := eto.AggregateDaily(series, etoHourly, r.localTZ)
		if err != nil {
			r.logger.Warnf("city %s (%s): aggregation failed: %v", city.Code, city.Name, err)
			failures = append(failures, types.CityFailure{CityCode: city.Code, ErrorKind: types.ErrInsufficientHours})
			continue
		}

		full := fullDays(days, eto.HoursPerDay(series, r.localTZ))
		if len(full) < ForecastDays {
			r.logger.Warnf("city %s (%s): only %d full local days, expected %d",
				city.Code, city.Name, len(full), ForecastDays)
			failures = append(failures, types.CityFailure{CityCode: city.Code, ErrorKind: types.ErrInsufficientHours})
			continue
		}

		forecasts[city.Code] = types.CityForecast{
			CityName:   city.Name,
			State:      city.State,
			Latitude:   city.Latitude,
			Longitude:  city.Longitude,
			ElevationM: city.ElevationM,
			Days:       full[:ForecastDays],
		}
	}
	return forecasts, failures
}

// fullDays keeps the days covered by 24 hourly rows, in date order.
func fullDays(days []types.DailyForecast, hoursPerDay map[string]int) []types.DailyForecast {
	var full []types.DailyForecast
	for _, d := range days {
		if hoursPerDay[d.Date] == 24 {
			full = append(full, d)
		}
	}
	sort.Slice(full, func(i, j int) bool { return full[i].Date < full[j].Date })
	return full
}

func kernelErrorKind(err error) types.ErrorKind {
	switch {
	case errors.Is(err, eto.ErrMissingColumns):
		return types.ErrMissingColumns
	case errors.Is(err, eto.ErrInsufficientHours):
		return types.ErrInsufficientHours
	default:
		return types.ErrNonFiniteOutput
	}
}

// flattenPairs collects the finite (model, provider) daily ETo pairs
// across all cities, ordered by city code and date so validation input
// is deterministic.
func flattenPairs(forecasts map[string]types.CityForecast) (model, provider []float64) {
	codes := make([]string, 0, len(forecasts))
	for code := range forecasts {
		codes = append(codes, code)
	}
	sort.Strings(codes)

	for _, code := range codes {
		for _, d := range forecasts[code].Days {
			if math.IsNaN(d.EToModelMmDay) || math.IsInf(d.EToModelMmDay, 0) {
				continue
			}
			if math.IsNaN(d.EToProviderMmDay) || math.IsInf(d.EToProviderMmDay, 0) {
				continue
			}
			model = append(model, d.EToModelMmDay)
			provider = append(provider, d.EToProviderMmDay)
		}
	}
	return model, provider
}

// persistAudit is Phase 5: upsert one row keyed on the run timestamp.
// Any failure logs a warning and is swallowed; the hot cache is
// authoritative for read availability.
func (r *Runner) persistAudit(ctx context.Context, meta types.RunMetadata, metrics types.ValidationMetrics, report *types.TaskReport) {
	if r.audit == nil {
		r.logger.Warn("audit log not configured, skipping run record")
		return
	}
	rec, err := auditlog.BuildRecord(meta, metrics, report)
	if err != nil {
		r.logger.Warnf("cannot build audit record: %v", err)
		return
	}
	if err := r.audit.UpsertRun(ctx, rec); err != nil {
		r.logger.Warnf("audit log write failed: %v", err)
	}
}
