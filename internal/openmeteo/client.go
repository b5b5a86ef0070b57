// Package openmeteo fetches hourly weather forecasts for the MATOPIBA
// municipalities from the Open-Meteo batch API. Cities are requested in
// batches of 50 coordinates, batches run concurrently under a small
// limit, and a failed batch reports its cities as failures without
// aborting the rest of the run.
package openmeteo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/evaonline/matopiba/internal/types"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	// BatchSize is the provider's coordinate limit per request.
	BatchSize = 50
	// ForecastDays covers today and tomorrow.
	ForecastDays = 2
	// ExpectedHours is the hourly row count for a two-day forecast.
	ExpectedHours = 24 * ForecastDays

	requestTimeout       = 30 * time.Second
	maxConcurrentBatches = 4
	maxRetries           = 2 // 3 attempts total: 1s, 2s backoff
)

var hourlyVariables = []string{
	"temperature_2m",
	"relative_humidity_2m",
	"dew_point_2m",
	"wind_speed_10m",
	"shortwave_radiation",
	"precipitation",
	"et0_fao_evapotranspiration",
}

// Client is the batched forecast provider client.
type Client struct {
	baseURL    string
	timezone   *time.Location
	httpClient *http.Client
	logger     *zap.SugaredLogger
}

// NewClient creates a forecast client. Hourly timestamps are requested
// and parsed in tz so the 48 returned hours align to local midnight.
func NewClient(baseURL string, tz *time.Location, logger *zap.SugaredLogger) *Client {
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		timezone: tz,
		httpClient: &http.Client{
			Timeout: requestTimeout,
		},
		logger: logger,
	}
}

// FetchAll fetches hourly forecasts for all cities. It returns the
// per-city series for every city whose batch succeeded and parsed, the
// failures for everything else, and a non-nil error only when every
// batch failed (a complete upstream outage, the task-level retry
// trigger).
func (c *Client) FetchAll(ctx context.Context, cities []types.CityRef) (map[string]*types.HourlySeries, []types.CityFailure, error) {
	batches := splitBatches(cities, BatchSize)
	c.logger.Infof("fetching forecasts for %d cities in %d batches", len(cities), len(batches))

	var mu sync.Mutex
	results := make(map[string]*types.HourlySeries)
	var failures []types.CityFailure
	succeededBatches := 0

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentBatches)
	for i, batch := range batches {
		i, batch := i, batch
		g.Go(func() error {
			series, batchFailures, err := c.fetchBatch(gctx, batch)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				kind := classifyError(err)
				c.logger.Warnf("batch %d/%d failed (%s): %v", i+1, len(batches), kind, err)
				for _, city := range batch {
					failures = append(failures, types.CityFailure{CityCode: city.Code, ErrorKind: kind})
				}
				// A failed batch never aborts the other batches.
				return nil
			}
			succeededBatches++
			for code, s := range series {
				results[code] = s
			}
			failures = append(failures, batchFailures...)
			return nil
		})
	}
	g.Wait()

	if len(batches) > 0 && succeededBatches == 0 {
		return nil, failures, fmt.Errorf("all %d forecast batches failed", len(batches))
	}
	return results, failures, nil
}

func splitBatches(cities []types.CityRef, size int) [][]types.CityRef {
	var batches [][]types.CityRef
	for start := 0; start < len(cities); start += size {
		end := start + size
		if end > len(cities) {
			end = len(cities)
		}
		batches = append(batches, cities[start:end])
	}
	return batches
}

// fetchBatch requests one coordinate batch with retry and parses the
// per-location hourly arrays. Cities whose arrays are too short come
// back as individual failures, not errors.
func (c *Client) fetchBatch(ctx context.Context, batch []types.CityRef) (map[string]*types.HourlySeries, []types.CityFailure, error) {
	reqURL := c.buildBatchURL(batch)

	var body []byte
	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusOK:
		case resp.StatusCode == http.StatusTooManyRequests:
			return &statusError{code: resp.StatusCode}
		case resp.StatusCode >= 500:
			return &statusError{code: resp.StatusCode}
		default:
			// Other 4xx will not improve on retry.
			return backoff.Permanent(&statusError{code: resp.StatusCode})
		}

		body, err = io.ReadAll(resp.Body)
		return err
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = time.Second
	eb.Multiplier = 2
	eb.RandomizationFactor = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, maxRetries), ctx)

	if err := backoff.Retry(operation, policy); err != nil {
		return nil, nil, err
	}

	locations, err := decodeLocations(body)
	if err != nil {
		return nil, nil, &malformedError{err: err}
	}
	if len(locations) != len(batch) {
		return nil, nil, &malformedError{err: fmt.Errorf("got %d locations for %d requested cities", len(locations), len(batch))}
	}

	results := make(map[string]*types.HourlySeries, len(batch))
	var failures []types.CityFailure
	for i, city := range batch {
		series, err := parseHourly(&locations[i].Hourly, c.timezone)
		if err != nil {
			c.logger.Warnf("city %s (%s): %v", city.Code, city.Name, err)
			failures = append(failures, types.CityFailure{CityCode: city.Code, ErrorKind: types.ErrUpstreamMalformed})
			continue
		}
		if series.Len() < ExpectedHours {
			c.logger.Warnf("city %s (%s): %d hours returned, expected %d", city.Code, city.Name, series.Len(), ExpectedHours)
			failures = append(failures, types.CityFailure{CityCode: city.Code, ErrorKind: types.ErrInsufficientHours})
			continue
		}
		results[city.Code] = series
	}
	return results, failures, nil
}

func (c *Client) buildBatchURL(batch []types.CityRef) string {
	lats := make([]string, len(batch))
	lons := make([]string, len(batch))
	for i, city := range batch {
		lats[i] = strconv.FormatFloat(city.Latitude, 'f', 4, 64)
		lons[i] = strconv.FormatFloat(city.Longitude, 'f', 4, 64)
	}

	v := url.Values{}
	v.Set("latitude", strings.Join(lats, ","))
	v.Set("longitude", strings.Join(lons, ","))
	v.Set("hourly", strings.Join(hourlyVariables, ","))
	v.Set("forecast_days", strconv.Itoa(ForecastDays))
	v.Set("timezone", c.timezone.String())

	return c.baseURL + "/v1/forecast?" + v.Encode()
}

// locationResponse is one per-coordinate object of the provider's
// response. Multi-location requests return a JSON array; a single
// location may come back as a bare object.
type locationResponse struct {
	Latitude  float64     `json:"latitude"`
	Longitude float64     `json:"longitude"`
	Hourly    hourlyBlock `json:"hourly"`
}

type hourlyBlock struct {
	Time                     []string   `json:"time"`
	Temperature2m            []*float64 `json:"temperature_2m"`
	RelativeHumidity2m       []*float64 `json:"relative_humidity_2m"`
	DewPoint2m               []*float64 `json:"dew_point_2m"`
	WindSpeed10m             []*float64 `json:"wind_speed_10m"`
	ShortwaveRadiation       []*float64 `json:"shortwave_radiation"`
	Precipitation            []*float64 `json:"precipitation"`
	ET0FAOEvapotranspiration []*float64 `json:"et0_fao_evapotranspiration"`
}

func decodeLocations(body []byte) ([]locationResponse, error) {
	trimmed := strings.TrimSpace(string(body))
	if strings.HasPrefix(trimmed, "[") {
		var locations []locationResponse
		if err := json.Unmarshal(body, &locations); err != nil {
			return nil, fmt.Errorf("cannot decode provider response: %v", err)
		}
		return locations, nil
	}
	var single locationResponse
	if err := json.Unmarshal(body, &single); err != nil {
		return nil, fmt.Errorf("cannot decode provider response: %v", err)
	}
	if len(single.Hourly.Time) == 0 {
		return nil, errors.New("provider response has no hourly block")
	}
	return []locationResponse{single}, nil
}

// parseHourly converts one location's parallel arrays into an
// HourlySeries. Null cells become NaN; a column that is entirely absent
// stays nil so the kernel can apply its substitution rules.
func parseHourly(h *hourlyBlock, tz *time.Location) (*types.HourlySeries, error) {
	n := len(h.Time)
	if n == 0 {
		return nil, errors.New("empty hourly time axis")
	}

	times := make([]time.Time, n)
	for i, raw := range h.Time {
		ts, err := time.ParseInLocation("2006-01-02T15:04", raw, tz)
		if err != nil {
			return nil, fmt.Errorf("bad hourly timestamp %q: %v", raw, err)
		}
		times[i] = ts
	}

	s := &types.HourlySeries{
		Times:                 times,
		TempC:                 toFloats(h.Temperature2m, n),
		RelativeHumidityPct:   toFloats(h.RelativeHumidity2m, n),
		WindSpeed10mMs:        toFloats(h.WindSpeed10m, n),
		ShortwaveRadiationWm2: toFloats(h.ShortwaveRadiation, n),
		PrecipitationMm:       toFloats(h.Precipitation, n),
		DewPointC:             toFloats(h.DewPoint2m, n),
		ProviderEToMmH:        toFloats(h.ET0FAOEvapotranspiration, n),
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

func toFloats(col []*float64, n int) []float64 {
	if col == nil {
		return nil
	}
	if len(col) != n {
		// Let the series shape check surface the mismatch.
		n = len(col)
	}
	out := make([]float64, len(col))
	for i, p := range col {
		if p == nil {
			out[i] = math.NaN()
		} else {
			out[i] = *p
		}
	}
	return out
}

// statusError carries a non-200 upstream status through the retry loop.
type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("upstream returned HTTP %d", e.code)
}

// malformedError marks a response that decoded badly.
type malformedError struct {
	err error
}

func (e *malformedError) Error() string { return e.err.Error() }

// classifyError maps a batch failure to the pipeline's error taxonomy.
func classifyError(err error) types.ErrorKind {
	var mal *malformedError
	if errors.As(err, &mal) {
		return types.ErrUpstreamMalformed
	}
	var status *statusError
	if errors.As(err, &status) {
		switch {
		case status.code == http.StatusTooManyRequests:
			return types.ErrUpstreamRateLimited
		case status.code >= 500:
			return types.ErrTransientNetwork
		default:
			return types.ErrUpstreamBadRequest
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return types.ErrTimeout
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return types.ErrTimeout
	}
	return types.ErrTransientNetwork
}
