// Package cities provides the static MATOPIBA municipality table. The
// table is bundled with the binary and loaded once at process start; a
// malformed table is a startup failure, never a runtime one.
package cities

import (
	"embed"
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"strconv"
	"time"

	"github.com/evaonline/matopiba/internal/types"
)

//go:embed cities.csv
var content embed.FS

// ExpectedCount is the number of municipalities in the MATOPIBA region.
const ExpectedCount = 337

var validStates = map[string]bool{"MA": true, "TO": true, "PI": true, "BA": true}

var localTZ *time.Location

func init() {
	var err error
	localTZ, err = time.LoadLocation("America/Sao_Paulo")
	if err != nil {
		// The zone is bundled in the Go toolchain's tzdata on every
		// supported platform; a failure here means a broken install.
		panic(fmt.Sprintf("cannot load America/Sao_Paulo timezone: %v", err))
	}
}

// LocalTZ returns the civil timezone shared by all 337 municipalities,
// used for grouping hourly data into local calendar days.
func LocalTZ() *time.Location {
	return localTZ
}

// Load parses and validates the bundled city table.
func Load() ([]types.CityRef, error) {
	f, err := content.Open("cities.csv")
	if err != nil {
		return nil, fmt.Errorf("city list invalid: cannot open bundled table: %v", err)
	}
	defer f.Close()

	return parse(f)
}

func parse(r io.Reader) ([]types.CityRef, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = 6

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("city list invalid: cannot read header: %v", err)
	}
	expected := []string{"code", "name", "state", "latitude", "longitude", "elevation_m"}
	for i, col := range expected {
		if header[i] != col {
			return nil, fmt.Errorf("city list invalid: header column %d is %q, expected %q", i, header[i], col)
		}
	}

	var refs []types.CityRef
	seen := make(map[string]bool)

	for line := 2; ; line++ {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("city list invalid: line %d: %v", line, err)
		}

		ref, err := parseRow(record)
		if err != nil {
			return nil, fmt.Errorf("city list invalid: line %d: %v", line, err)
		}
		if seen[ref.Code] {
			return nil, fmt.Errorf("city list invalid: line %d: duplicate code %s", line, ref.Code)
		}
		seen[ref.Code] = true
		refs = append(refs, ref)
	}

	if len(refs) != ExpectedCount {
		return nil, fmt.Errorf("city list invalid: expected %d cities, found %d", ExpectedCount, len(refs))
	}

	return refs, nil
}

func parseRow(record []string) (types.CityRef, error) {
	code, name, state := record[0], record[1], record[2]
	if code == "" {
		return types.CityRef{}, fmt.Errorf("empty code")
	}
	if name == "" {
		return types.CityRef{}, fmt.Errorf("empty name for code %s", code)
	}
	if !validStates[state] {
		return types.CityRef{}, fmt.Errorf("invalid state %q for code %s", state, code)
	}

	lat, err := parseCoord(record[3], "latitude", code)
	if err != nil {
		return types.CityRef{}, err
	}
	lon, err := parseCoord(record[4], "longitude", code)
	if err != nil {
		return types.CityRef{}, err
	}
	elev, err := parseCoord(record[5], "elevation_m", code)
	if err != nil {
		return types.CityRef{}, err
	}

	if lat < -90 || lat > 90 {
		return types.CityRef{}, fmt.Errorf("latitude %v out of range for code %s", lat, code)
	}
	if lon < -180 || lon > 180 {
		return types.CityRef{}, fmt.Errorf("longitude %v out of range for code %s", lon, code)
	}

	return types.CityRef{
		Code:       code,
		Name:       name,
		State:      state,
		Latitude:   lat,
		Longitude:  lon,
		ElevationM: elev,
	}, nil
}

func parseCoord(s, field, code string) (float64, error) {
	if s == "" {
		return 0, fmt.Errorf("null %s for code %s", field, code)
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("bad %s %q for code %s: %v", field, s, code, err)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("non-finite %s for code %s", field, code)
	}
	return v, nil
}
