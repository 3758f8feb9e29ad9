package stages

import (
	"context"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"tomorecon/internal/common"
	"tomorecon/internal/models"
)

var normalizationParams = Schema{
	{Name: "enabled", Type: TypeBool, Default: true, Doc: "false passes the raw projections through unchanged"},
	{Name: "epsilon", Type: TypeFloat, Default: 1e-6, Min: bound(0), Doc: "lower bound of the flat-dark denominator"},
	{Name: "clip_min", Type: TypeFloat, Default: 0.0, Doc: "values below are clipped"},
	{Name: "clip_max", Type: TypeFloat, Optional: true, Doc: "values above are clipped; unset means no upper clip"},
	{Name: "minus_log", Type: TypeBool, Default: false, Doc: "convert transmission to attenuation with -ln"},
}

// normalize applies flat/dark field correction:
//
//	out = (raw - dark) / max(flat - dark, epsilon)
//
// flat and dark are the per-pixel means of their stacks. Without flats the
// projections are min-max scaled to [0, 1] instead.
func normalize(_ context.Context, in Input) (Output, error) {
	raw := in.Array
	ds := in.Dataset
	p := in.Params

	if !p.Bool("enabled") {
		return Output{Array: raw.Clone()}, nil
	}

	var out *models.Stack
	if ds.Flats == nil {
		out = minMaxScale(raw)
	} else {
		if !ds.Flats.SameFrame(raw) {
			return Output{}, common.Errorf(common.InvalidInput, "flat frame %dx%d does not match projection frame %dx%d",
				ds.Flats.Height, ds.Flats.Width, raw.Height, raw.Width)
		}
		flat := meanFrame(ds.Flats)
		dark := make([]float64, len(flat))
		if ds.Darks != nil {
			if !ds.Darks.SameFrame(raw) {
				return Output{}, common.Errorf(common.InvalidInput, "dark frame %dx%d does not match projection frame %dx%d",
					ds.Darks.Height, ds.Darks.Width, raw.Height, raw.Width)
			}
			dark = meanFrame(ds.Darks)
		}

		eps := p.Float("epsilon")
		out = models.NewStack(raw.Depth, raw.Height, raw.Width)
		frame := raw.Height * raw.Width
		for z := 0; z < raw.Depth; z++ {
			src := raw.Plane(z)
			dst := out.Plane(z)
			for i := 0; i < frame; i++ {
				dst[i] = (src[i] - dark[i]) / math.Max(flat[i]-dark[i], eps)
			}
		}
	}

	clipMin := p.Float("clip_min")
	clipMax, hasMax := p.OptFloat("clip_max")
	minusLog := p.Bool("minus_log")
	eps := math.Max(p.Float("epsilon"), math.SmallestNonzeroFloat64)
	for i, v := range out.Data {
		if v < clipMin {
			v = clipMin
		}
		if hasMax && v > clipMax {
			v = clipMax
		}
		if minusLog {
			v = -math.Log(math.Max(v, eps))
		}
		out.Data[i] = v
	}

	if !out.AllFinite() {
		return Output{}, common.Errorf(common.NumericalError, "normalization produced non-finite values")
	}
	return Output{Array: out}, nil
}

// meanFrame averages a stack over its depth, pixel by pixel.
func meanFrame(s *models.Stack) []float64 {
	frame := s.Height * s.Width
	out := make([]float64, frame)
	column := make([]float64, s.Depth)
	for i := 0; i < frame; i++ {
		for z := 0; z < s.Depth; z++ {
			column[z] = s.Data[z*frame+i]
		}
		out[i] = stat.Mean(column, nil)
	}
	return out
}

func minMaxScale(s *models.Stack) *models.Stack {
	out := s.Clone()
	lo, hi := floats.Min(s.Data), floats.Max(s.Data)
	if hi == lo {
		for i := range out.Data {
			out.Data[i] = 0
		}
		return out
	}
	floats.AddConst(-lo, out.Data)
	floats.Scale(1/(hi-lo), out.Data)
	return out
}
