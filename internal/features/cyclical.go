package features

import "math"

const daysPerYear = 365.25

// EncodeDayOfYear maps a day-of-year onto the unit circle.
func EncodeDayOfYear(doy int) (sinDay, cosDay float64) {
	angle := 2 * math.Pi * float64(doy) / daysPerYear
	return math.Sin(angle), math.Cos(angle)
}
