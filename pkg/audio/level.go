package audio

import (
	"math"
)

const (
	// MaxLevel is the largest level [Peak] can report. The magnitude of
	// math.MinInt16 saturates to this value.
	MaxLevel int16 = math.MaxInt16

	// MinDB is the floor reported by [DBFS] for a silent frame.
	MinDB = -96.0
)

// SaturatingAbs returns |s|, clamping math.MinInt16 to math.MaxInt16 instead
// of wrapping back to a negative value.
func SaturatingAbs(s int16) int16 {
	if s >= 0 {
		return s
	}
	if s == math.MinInt16 {
		return math.MaxInt16
	}
	return -s
}

// Peak returns the maximum absolute sample value in samples. The result is
// always in [0, MaxLevel]; an empty slice yields 0.
func Peak(samples []int16) int16 {
	var peak int16
	for _, s := range samples {
		if a := SaturatingAbs(s); a > peak {
			peak = a
		}
	}
	return peak
}

// DBFS converts a peak level into decibels relative to full scale. Levels of
// zero (or below) report [MinDB].
func DBFS(level int16) float64 {
	if level <= 0 {
		return MinDB
	}
	return max(20*math.Log10(float64(level)/float64(MaxLevel)), MinDB)
}
