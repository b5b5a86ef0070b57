package eto

import (
	"math"
	"time"
)

// solarConstant is the solar constant in MJ/m²/min (FAO-56 Eq. 28).
const solarConstant = 0.0820

// declination returns the solar declination in radians for a day of year
// (FAO-56 Eq. 24).
func declination(dayOfYear float64) float64 {
	return 0.409 * math.Sin(2*math.Pi*dayOfYear/365-1.39)
}

// inverseRelativeDistance returns the inverse relative Earth-Sun distance
// factor for a day of year (FAO-56 Eq. 23).
func inverseRelativeDistance(dayOfYear float64) float64 {
	return 1 + 0.033*math.Cos(2*math.Pi*dayOfYear/365)
}

// seasonalCorrection returns the seasonal correction for solar time in
// hours (FAO-56 Eq. 32/33).
func seasonalCorrection(dayOfYear float64) float64 {
	b := 2 * math.Pi * (dayOfYear - 81) / 364
	return 0.1645*math.Sin(2*b) - 0.1255*math.Cos(b) - 0.025*math.Sin(b)
}

// extraterrestrialRadiation returns Ra in MJ/m²/h for the hourly period
// beginning at ts (FAO-56 Eq. 28-31). ts carries the UTC wall clock;
// longitude (degrees east, negative west) converts it to true solar time.
// Hours with the sun fully below the horizon return 0.
func extraterrestrialRadiation(ts time.Time, latRad, lonDeg float64) float64 {
	utc := ts.UTC()
	j := float64(utc.YearDay())

	dr := inverseRelativeDistance(j)
	decl := declination(j)

	// Solar time at the midpoint of the one-hour period.
	clock := float64(utc.Hour()) + float64(utc.Minute())/60 + 0.5
	solar := clock + lonDeg/15 + seasonalCorrection(j)
	solar = math.Mod(solar, 24)
	if solar < 0 {
		solar += 24
	}

	omega := math.Pi / 12 * (solar - 12)

	// Sunset hour angle bounds the integration window.
	x := -math.Tan(latRad) * math.Tan(decl)
	var omegaS float64
	switch {
	case x >= 1: // polar night
		return 0
	case x <= -1: // polar day
		omegaS = math.Pi
	default:
		omegaS = math.Acos(x)
	}
	if omega < -omegaS || omega > omegaS {
		return 0
	}

	omega1 := omega - math.Pi/24
	omega2 := omega + math.Pi/24
	if omega1 < -omegaS {
		omega1 = -omegaS
	}
	if omega2 > omegaS {
		omega2 = omegaS
	}

	ra := 12 * 60 / math.Pi * solarConstant * dr *
		((omega2-omega1)*math.Sin(latRad)*math.Sin(decl) +
			math.Cos(latRad)*math.Cos(decl)*(math.Sin(omega2)-math.Sin(omega1)))
	if ra < 0 {
		return 0
	}
	return ra
}
