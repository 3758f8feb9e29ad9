package stages

import (
	"context"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"tomorecon/internal/common"
	"tomorecon/internal/models"
)

var corParams = Schema{
	{Name: "search_range", Type: TypeRange, Optional: true, Doc: "candidate centers [lo, hi], clipped to the detector; defaults to the detector middle +/- a quarter width"},
	{Name: "step", Type: TypeFloat, Default: 0.5, Min: bound(0.01), Doc: "spacing between candidates"},
	{Name: "refine", Type: TypeBool, Default: true, Doc: "fit a parabola around the best candidate for a sub-step estimate"},
	{Name: "center", Type: TypeFloat, Optional: true, Doc: "use this center and skip the search"},
}

// A pair of views taken half a turn apart. Without noise, view b is view a
// mirrored about the rotation axis.
type viewPair struct{ a, b int }

// maxCandidates bounds the search grid.
const maxCandidates = 1 << 16

type candidate struct {
	center float64
	score  float64
	valid  bool
}

// estimateCenter finds the detector position of the rotation axis. Each
// candidate c is scored by the mean squared difference between p(theta, x)
// and p(theta+pi, 2c-x) over all opposing view pairs and detector rows. The
// lowest score wins; ties go to the candidate nearest the detector middle,
// then to the lower one.
func estimateCenter(ctx context.Context, in Input) (Output, error) {
	p := in.Params
	if c, ok := p.OptFloat("center"); ok {
		return Output{Scalar: &c}, nil
	}

	proj := in.Array
	width := proj.Width
	middle := float64(width-1) / 2

	lo, hi := middle-float64(width/4), middle+float64(width/4)
	if r, ok := p.Range("search_range"); ok {
		lo, hi = r[0], r[1]
	}
	step := p.Float("step")

	// an axis off the detector has no mirrored samples to compare
	lo, hi = math.Max(lo, 0), math.Min(hi, float64(width-1))
	if lo > hi {
		return Output{}, common.Errorf(common.InvalidParameter,
			"search range lies outside the detector [0, %d]", width-1)
	}
	if n := (hi-lo)/step + 1; n > maxCandidates {
		return Output{}, common.Errorf(common.InvalidParameter,
			"search range [%g, %g] with step %g gives %.0f candidates, at most %d are allowed", lo, hi, step, n, maxCandidates)
	}

	pairs := opposingViews(in.Dataset.Meta.Angles)
	if len(pairs) == 0 {
		return Output{}, common.Errorf(common.ConvergenceError,
			"no projection pairs half a turn apart; the angles must cover pi")
	}

	var cands []candidate
	for k := 0; ; k++ {
		c := lo + float64(k)*step
		if c > hi+1e-9 {
			break
		}
		cands = append(cands, candidate{center: c})
	}
	samples := make([]float64, 0, 2*len(pairs)*proj.Height*width)

	minOverlap := width / 4
	if minOverlap < 2 {
		minOverlap = 2
	}

	best := -1
	var bestBaseline float64
	for i := range cands {
		if err := ctx.Err(); err != nil {
			return Output{}, common.Wrap(common.Canceled, err, "center search")
		}
		score, baseline, ok := mirrorScore(proj, pairs, cands[i].center, minOverlap, samples[:0])
		if !ok {
			continue
		}
		cands[i].score = score
		cands[i].valid = true
		if best < 0 || better(cands[i], cands[best], middle) {
			best = i
			bestBaseline = baseline
		}
	}

	if best < 0 {
		return Output{}, common.Errorf(common.ConvergenceError,
			"no candidate in [%g, %g] overlaps enough of the detector", lo, hi)
	}
	if !(cands[best].score < bestBaseline) {
		return Output{}, common.Errorf(common.ConvergenceError,
			"best candidate %g does not beat the baseline (score %g, baseline %g)", cands[best].center, cands[best].score, bestBaseline)
	}

	center := cands[best].center
	if p.Bool("refine") {
		if refined, ok := refineCenter(cands, best); ok {
			center = math.Min(math.Max(refined, lo), hi)
		}
	}
	return Output{Scalar: &center}, nil
}

func better(a, b candidate, middle float64) bool {
	tol := 1e-12 * math.Max(1, math.Abs(b.score))
	if a.score < b.score-tol {
		return true
	}
	if a.score > b.score+tol {
		return false
	}
	da, db := math.Abs(a.center-middle), math.Abs(b.center-middle)
	if da != db {
		return da < db
	}
	return a.center < b.center
}

// opposingViews pairs each view with the view closest to half a turn later,
// accepting pairs within half of the mean angular step.
func opposingViews(angles []float64) []viewPair {
	n := len(angles)
	if n < 2 {
		return nil
	}
	lo, hi := angles[0], angles[0]
	for _, a := range angles {
		lo = math.Min(lo, a)
		hi = math.Max(hi, a)
	}
	tol := (hi - lo) / float64(n-1) / 2
	if tol == 0 {
		return nil
	}

	var pairs []viewPair
	for i, a := range angles {
		bestJ, bestD := -1, math.Inf(1)
		for j, b := range angles {
			if j == i {
				continue
			}
			d := math.Abs(wrapAngle(b - a - math.Pi))
			if d < bestD {
				bestJ, bestD = j, d
			}
		}
		if bestJ >= 0 && bestD <= tol {
			pairs = append(pairs, viewPair{a: i, b: bestJ})
		}
	}
	return pairs
}

// wrapAngle maps an angle to [-pi, pi).
func wrapAngle(a float64) float64 {
	a = math.Mod(a+math.Pi, 2*math.Pi)
	if a < 0 {
		a += 2 * math.Pi
	}
	return a - math.Pi
}

// mirrorScore returns the mean squared mismatch of the mirrored view pairs
// for center c, together with the variance of the compared samples as the
// baseline a constant predictor would reach. The samples are collected in
// buf, which must have room for two per compared pixel.
func mirrorScore(proj *models.Stack, pairs []viewPair, c float64, minOverlap int, buf []float64) (float64, float64, bool) {
	width := proj.Width
	xlo := int(math.Ceil(2*c - float64(width-1)))
	xhi := int(math.Floor(2 * c))
	if xlo < 0 {
		xlo = 0
	}
	if xhi > width-1 {
		xhi = width - 1
	}
	if xhi-xlo+1 < minOverlap {
		return 0, 0, false
	}

	var sum float64
	samples := buf
	for _, pair := range pairs {
		for y := 0; y < proj.Height; y++ {
			a := proj.Data[proj.Index(pair.a, y, 0) : proj.Index(pair.a, y, 0)+width]
			b := proj.Data[proj.Index(pair.b, y, 0) : proj.Index(pair.b, y, 0)+width]
			for x := xlo; x <= xhi; x++ {
				mirrored := sampleLinear(b, 2*c-float64(x))
				d := a[x] - mirrored
				sum += d * d
				samples = append(samples, a[x], mirrored)
			}
		}
	}
	n := float64(len(samples) / 2)
	return sum / n, stat.Variance(samples, nil), true
}

// sampleLinear interpolates row at a fractional position within [0, len-1].
func sampleLinear(row []float64, pos float64) float64 {
	i := int(math.Floor(pos))
	if i >= len(row)-1 {
		return row[len(row)-1]
	}
	if i < 0 {
		return row[0]
	}
	f := pos - float64(i)
	return row[i]*(1-f) + row[i+1]*f
}

// refineCenter fits score = a*d^2 + b*d + k, d = c - c_best, by least squares
// over the valid candidates within two steps of the best and returns the
// vertex when the fit is convex and the vertex lies between the outermost
// fitted candidates.
func refineCenter(cands []candidate, best int) (float64, bool) {
	var xs, ys []float64
	for i := best - 2; i <= best+2; i++ {
		if i < 0 || i >= len(cands) || !cands[i].valid {
			continue
		}
		xs = append(xs, cands[i].center-cands[best].center)
		ys = append(ys, cands[i].score)
	}
	if len(xs) < 3 {
		return 0, false
	}

	A := mat.NewDense(len(xs), 3, nil)
	b := mat.NewVecDense(len(ys), ys)
	for i, d := range xs {
		A.Set(i, 0, d*d)
		A.Set(i, 1, d)
		A.Set(i, 2, 1)
	}

	var qr mat.QR
	qr.Factorize(A)
	coef := mat.NewDense(3, 1, nil)
	if err := qr.SolveTo(coef, false, b); err != nil {
		return 0, false
	}

	a, lin := coef.At(0, 0), coef.At(1, 0)
	if !(a > 0) {
		return 0, false
	}
	vertex := -lin / (2 * a)
	if vertex < xs[0] || vertex > xs[len(xs)-1] || math.IsNaN(vertex) {
		return 0, false
	}
	return cands[best].center + vertex, true
}
