package ingest

import (
	"encoding/json"
	"time"

	"github.com/lox/damforecast/internal/models"
)

const (
	FlagTempOutOfRange     = "temp_out_of_range"
	FlagHumidityInvalid    = "humidity_invalid"
	FlagRainfallNegative   = "rainfall_negative"
	FlagSunshineInvalid    = "sunshine_invalid"
	FlagWindSpeedUnlikely  = "wind_speed_unlikely"
	FlagGustBelowMean      = "gust_below_mean"
	FlagWindDirInvalid     = "wind_dir_invalid"
	FlagWaterLevelNegative = "water_level_negative"
)

// ValidateObservation returns quality flags for suspicious readings. Flagged
// rows are kept; the flags are recorded with the upload.
func ValidateObservation(obs models.RawObservation) []string {
	var flags []string

	if obs.TAvg < -10 || obs.TAvg > 50 {
		flags = append(flags, FlagTempOutOfRange)
	}

	if obs.RHAvg < 0 || obs.RHAvg > 100 {
		flags = append(flags, FlagHumidityInvalid)
	}

	if obs.RR < 0 {
		flags = append(flags, FlagRainfallNegative)
	}

	if obs.SS < 0 || obs.SS > 24 {
		flags = append(flags, FlagSunshineInvalid)
	}

	if obs.FFAvg < 0 || obs.FFAvg > 60 || obs.FFX < 0 || obs.FFX > 100 {
		flags = append(flags, FlagWindSpeedUnlikely)
	}
	if obs.FFX < obs.FFAvg {
		flags = append(flags, FlagGustBelowMean)
	}

	if obs.DDDX < 0 || obs.DDDX > 360 {
		flags = append(flags, FlagWindDirInvalid)
	}

	if obs.TMA < 0 {
		flags = append(flags, FlagWaterLevelNegative)
	}

	return flags
}

// QualityFlagsToJSON encodes per-row flags keyed by ISO date.
func QualityFlagsToJSON(t *Table) string {
	if len(t.Flags) == 0 {
		return ""
	}
	byDate := make(map[string][]string, len(t.Flags))
	for i, flags := range t.Flags {
		byDate[t.Observations[i].Date.Format(time.DateOnly)] = flags
	}
	b, _ := json.Marshal(byDate)
	return string(b)
}
