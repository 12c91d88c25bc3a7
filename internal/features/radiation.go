package features

import (
	"math"

	"github.com/lox/damforecast/internal/models"
)

// FAO-56 radiation constants.
const (
	solarConstant   = 0.0820   // Gsc, MJ m-2 min-1
	stefanBoltzmann = 4.903e-9 // σ, MJ K-4 m-2 day-1
	albedo          = 0.23     // grass reference crop
	referenceDayLen = 12.0     // hours; sunshine is expressed as a fraction of this
)

// Site holds the fixed location constants of a reservoir's weather station.
// AltitudeM is part of the site record but does not enter Rn: clear-sky
// radiation uses the Angström form (0.25 + 0.5·n/N)·Ra.
type Site struct {
	AltitudeM   float64
	LatitudeDeg float64
}

// NetRadiation returns the FAO-56 net radiation Rn (MJ m-2 day-1) for one day,
// rounded to two decimals. sunshineFrac is n/N in [0, 1].
func NetRadiation(site Site, tmean, rh, sunshineFrac float64, doy int) float64 {
	es := saturationVapourPressure(tmean)
	ea := es * (rh / 100)

	ra := ExtraterrestrialRadiation(site.LatitudeDeg, doy)
	rso := (0.25 + 0.5*sunshineFrac) * ra
	rns := (1 - albedo) * rso

	f := 0.9*sunshineFrac + 0.1
	eps := 0.34 - 0.14*math.Sqrt(ea)
	rnl := stefanBoltzmann * math.Pow(tmean+273.16, 4) * f * eps

	return models.Round2(rns - rnl)
}

// ExtraterrestrialRadiation returns Ra (MJ m-2 day-1) from solar geometry.
func ExtraterrestrialRadiation(latitudeDeg float64, doy int) float64 {
	d := float64(doy)
	dr := 1 + 0.033*math.Cos(2*math.Pi/365*d)
	decl := 0.409 * math.Sin(2*math.Pi/365*d-1.39)
	lat := latitudeDeg * math.Pi / 180
	ws := sunsetHourAngle(lat, decl)
	return (24 * 60 / math.Pi) * solarConstant * dr *
		(ws*math.Sin(lat)*math.Sin(decl) + math.Cos(lat)*math.Cos(decl)*math.Sin(ws))
}

func saturationVapourPressure(t float64) float64 {
	return 0.6108 * math.Exp((17.27*t)/(t+237.3))
}

// sunsetHourAngle clamps the acos argument so polar day and night stay finite.
func sunsetHourAngle(lat, decl float64) float64 {
	x := -math.Tan(lat) * math.Tan(decl)
	if x > 1 {
		x = 1
	} else if x < -1 {
		x = -1
	}
	return math.Acos(x)
}
