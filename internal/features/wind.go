package features

import "math"

// WindComponents is a wind speed split into orthogonal components.
type WindComponents struct {
	WX, WY       float64
	MaxWX, MaxWY float64
}

// DecomposeWind projects mean and gust speed onto the shared direction
// (degrees). Both speeds use the same direction column.
func DecomposeWind(speed, gust, directionDeg float64) WindComponents {
	theta := directionDeg * math.Pi / 180
	cos, sin := math.Cos(theta), math.Sin(theta)
	return WindComponents{
		WX:    speed * cos,
		WY:    speed * sin,
		MaxWX: gust * cos,
		MaxWY: gust * sin,
	}
}
