package soroban

import "math"

// Fixed-point factors used by the contract's u32 arguments.
const (
	MicroFactor   = 1_000_000
	PercentFactor = 100
)

// ScaleMicro encodes a money amount as micro-units, saturating at
// math.MaxUint32. Negative and NaN inputs encode as 0.
func ScaleMicro(v float64) uint32 {
	return saturate(v * MicroFactor)
}

// MicroSaturates reports whether ScaleMicro(v) is clipped to
// math.MaxUint32, about 4294.97 units.
func MicroSaturates(v float64) bool {
	return v*MicroFactor >= math.MaxUint32
}

// UnscaleMicro decodes a micro-unit amount.
func UnscaleMicro(u uint32) float64 {
	return float64(u) / MicroFactor
}

// ScalePercent encodes a [0,1] ratio as a whole percentage.
func ScalePercent(v float64) uint32 {
	return saturate(v * PercentFactor)
}

// UnscalePercent decodes a whole percentage into a ratio.
func UnscalePercent(u uint32) float64 {
	return float64(u) / PercentFactor
}

// ScaleCount rounds a non-negative count into a u32.
func ScaleCount(v float64) uint32 {
	return saturate(v)
}

func saturate(v float64) uint32 {
	switch {
	case math.IsNaN(v) || v <= 0:
		return 0
	case v >= math.MaxUint32:
		return math.MaxUint32
	default:
		return uint32(math.Round(v))
	}
}
