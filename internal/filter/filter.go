// Package filter implements the per-sensor smoothing pipeline.
// A Filter is a tagged variant: one flat struct holds the state for
// every kind, dispatched on Kind. Sensors embed their filter by value,
// so a full sensor table costs no per-sensor allocations.
package filter

import (
	"fmt"
	"sort"
)

// Kind selects the smoothing algorithm.
type Kind uint8

const (
	None Kind = iota
	MovingAverage
	EMA
	Median
	DualRate
)

func (k Kind) String() string {
	switch k {
	case None:
		return "none"
	case MovingAverage:
		return "moving_average"
	case EMA:
		return "ema"
	case Median:
		return "median"
	case DualRate:
		return "dual_rate"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// ParseKind converts a config string into a Kind.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "", "none":
		return None, nil
	case "moving_average":
		return MovingAverage, nil
	case "ema":
		return EMA, nil
	case "median":
		return Median, nil
	case "dual_rate":
		return DualRate, nil
	}
	return None, fmt.Errorf("unknown filter kind %q", s)
}

const (
	// MaxWindow bounds the moving-average window.
	MaxWindow = 16
	// MaxMedianWindow bounds the median window.
	MaxMedianWindow = 9
)

// ema is a single exponential moving average. The first sample seeds
// the state directly so the output never ramps up from zero.
type ema struct {
	alpha  float64
	value  float64
	seeded bool
}

func (e *ema) update(x float64) float64 {
	if !e.seeded {
		e.value = x
		e.seeded = true
	} else {
		e.value = e.alpha*x + (1-e.alpha)*e.value
	}
	return e.value
}

func (e *ema) reset() {
	e.value = 0
	e.seeded = false
}

// Filter is one sensor's smoothing state.
type Filter struct {
	kind Kind

	// EMA state; doubles as the base filter for DualRate.
	base ema

	// DualRate high-rate side and blend ratio.
	extra ema
	blend float64

	// Ring buffer shared by MovingAverage and Median.
	buf    [MaxWindow]float64
	window int
	index  int
	count  int
	sum    float64 // running sum, MovingAverage only

	// Last value, None only.
	last float64
}

// NewNone returns an identity passthrough.
func NewNone() Filter {
	return Filter{kind: None}
}

// NewEMA returns an exponential moving average with the given alpha.
func NewEMA(alpha float64) Filter {
	return Filter{kind: EMA, base: ema{alpha: alpha}}
}

// NewMovingAverage returns a windowed mean. The window is clamped to
// [1, MaxWindow].
func NewMovingAverage(window int) Filter {
	if window < 1 {
		window = 1
	}
	if window > MaxWindow {
		window = MaxWindow
	}
	return Filter{kind: MovingAverage, window: window}
}

// NewMedian returns a windowed median. The window is clamped to
// [3, MaxMedianWindow] and forced odd so the middle element is exact.
func NewMedian(window int) Filter {
	if window > MaxMedianWindow {
		window = MaxMedianWindow
	}
	if window%2 == 0 {
		window--
	}
	if window < 3 {
		window = 3
	}
	return Filter{kind: Median, window: window}
}

// NewDualRate combines a low-rate/high-trust base EMA with a
// high-rate/low-trust extra EMA, blended once both are seeded.
func NewDualRate(baseAlpha, extraAlpha, blend float64) Filter {
	return Filter{
		kind:  DualRate,
		base:  ema{alpha: baseAlpha},
		extra: ema{alpha: extraAlpha},
		blend: blend,
	}
}

// Update feeds one sample through the filter and returns the new
// filtered value. For DualRate this is the extra (high-rate) path.
func (f *Filter) Update(x float64) float64 {
	switch f.kind {
	case EMA:
		return f.base.update(x)
	case MovingAverage:
		if f.count == f.window {
			f.sum -= f.buf[f.index]
		}
		f.buf[f.index] = x
		f.sum += x
		f.index = (f.index + 1) % f.window
		if f.count < f.window {
			f.count++
		}
		return f.Value()
	case Median:
		f.buf[f.index] = x
		f.index = (f.index + 1) % f.window
		if f.count < f.window {
			f.count++
		}
		return f.Value()
	case DualRate:
		f.extra.update(x)
		return f.Value()
	default:
		f.last = x
		return x
	}
}

// UpdateBase feeds a base (low-rate, high-trust) sample. Only DualRate
// distinguishes it; every other kind treats it as a plain Update.
func (f *Filter) UpdateBase(x float64) float64 {
	if f.kind != DualRate {
		return f.Update(x)
	}
	f.base.update(x)
	return f.Value()
}

// Value returns the current filtered value without consuming a sample.
func (f *Filter) Value() float64 {
	switch f.kind {
	case EMA:
		return f.base.value
	case MovingAverage:
		if f.count == 0 {
			return 0
		}
		return f.sum / float64(f.count)
	case Median:
		if f.count == 0 {
			return 0
		}
		var scratch [MaxMedianWindow]float64
		sorted := scratch[:f.count]
		copy(sorted, f.buf[:f.count])
		sort.Float64s(sorted)
		return sorted[f.count/2]
	case DualRate:
		if !f.base.seeded {
			return f.extra.value
		}
		if !f.extra.seeded {
			return f.base.value
		}
		return f.blend*f.extra.value + (1-f.blend)*f.base.value
	default:
		return f.last
	}
}

// Ready reports whether the filter has converged enough to trust:
// EMA needs its seed sample, windowed filters a full window, DualRate
// either side seeded. None is always ready.
func (f *Filter) Ready() bool {
	switch f.kind {
	case EMA:
		return f.base.seeded
	case MovingAverage, Median:
		return f.count == f.window
	case DualRate:
		return f.base.seeded || f.extra.seeded
	default:
		return true
	}
}

// Reset clears all state, keeping the kind and parameters.
func (f *Filter) Reset() {
	f.base.reset()
	f.extra.reset()
	f.index = 0
	f.count = 0
	f.sum = 0
	f.last = 0
	for i := range f.buf {
		f.buf[i] = 0
	}
}

// Kind returns the filter's algorithm tag.
func (f *Filter) Kind() Kind { return f.kind }
