package stages

import (
	"context"
	"sort"

	"gonum.org/v1/gonum/stat"

	"tomorecon/internal/common"
	"tomorecon/internal/models"
)

const (
	axisDetector = "detector"
	axisAngle    = "angle"
)

var ringParams = Schema{
	{Name: "enabled", Type: TypeBool, Default: true, Doc: "false passes the input through unchanged"},
	{Name: "strength", Type: TypeFloat, Default: 0.5, Min: bound(0), Max: bound(1), Doc: "0 leaves the data untouched, 1 applies the full correction"},
	{Name: "axis", Type: TypeString, Default: axisDetector, Enum: []string{axisDetector, axisAngle}, Doc: "axis along which stripes are filtered"},
	{Name: "window", Type: TypeInt, Default: 5, Min: bound(1), Max: bound(101), Doc: "median filter width"},
}

// removeRings suppresses stripe artifacts in the sinograms. A stripe is a
// detector column whose response is offset at every angle; it turns into a
// ring after reconstruction.
//
// On the detector axis the angle-averaged profile of each detector row is
// compared with its running median and the difference is subtracted. On the
// angle axis every value is pulled towards the median of its neighbours in
// angle. Strength 0 returns an exact copy of the input.
func removeRings(_ context.Context, in Input) (Output, error) {
	src := in.Array
	p := in.Params
	strength := p.Float("strength")
	window := p.Int("window")

	out := src.Clone()
	if strength == 0 || !p.Bool("enabled") {
		return Output{Array: out}, nil
	}

	switch p.String("axis") {
	case axisAngle:
		filterAngles(src, out, strength, window)
	default:
		filterDetector(src, out, strength, window)
	}

	if !out.AllFinite() {
		return Output{}, common.Errorf(common.NumericalError, "ring removal produced non-finite values")
	}
	return Output{Array: out}, nil
}

func filterDetector(src, dst *models.Stack, strength float64, window int) {
	profile := make([]float64, src.Width)
	column := make([]float64, src.Depth)
	for y := 0; y < src.Height; y++ {
		for x := 0; x < src.Width; x++ {
			for z := 0; z < src.Depth; z++ {
				column[z] = src.At(z, y, x)
			}
			profile[x] = stat.Mean(column, nil)
		}
		smooth := runningMedian(profile, window)
		for x := 0; x < src.Width; x++ {
			stripe := profile[x] - smooth[x]
			if stripe == 0 {
				continue
			}
			for z := 0; z < src.Depth; z++ {
				i := src.Index(z, y, x)
				dst.Data[i] = src.Data[i] - strength*stripe
			}
		}
	}
}

func filterAngles(src, dst *models.Stack, strength float64, window int) {
	half := window / 2
	buf := make([]float64, 0, 2*half+1)
	for y := 0; y < src.Height; y++ {
		for x := 0; x < src.Width; x++ {
			for z := 0; z < src.Depth; z++ {
				buf = buf[:0]
				for k := z - half; k <= z+half; k++ {
					if k < 0 || k >= src.Depth {
						continue
					}
					buf = append(buf, src.At(k, y, x))
				}
				i := src.Index(z, y, x)
				dst.Data[i] = (1-strength)*src.Data[i] + strength*median(buf)
			}
		}
	}
}

// runningMedian filters values with a centred median window, truncated at
// the edges.
func runningMedian(values []float64, window int) []float64 {
	half := window / 2
	out := make([]float64, len(values))
	for i := range values {
		lo, hi := i-half, i+half+1
		if lo < 0 {
			lo = 0
		}
		if hi > len(values) {
			hi = len(values)
		}
		out[i] = median(values[lo:hi])
	}
	return out
}

// median returns the median of values without modifying them. Even-length
// inputs average the two middle values.
func median(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	n := len(sorted)
	if n%2 == 0 {
		return (sorted[n/2-1] + sorted[n/2]) / 2
	}
	return sorted[n/2]
}
