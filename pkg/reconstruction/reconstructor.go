// Package reconstruction implements parallel-beam filtered back-projection.
//
// Projections are laid out as a Stack of (angle, row, detector). Every
// detector row is an independent sinogram and reconstructs to one W x W
// slice, so the output volume has one slice per detector row.
package reconstruction

import (
	"context"
	"math"
	"runtime"
	"sync"

	"tomorecon/internal/common"
	"tomorecon/internal/models"
)

// ProgressCallback is called after each reconstructed slice with the number
// of completed slices and the total. Calls never overlap.
type ProgressCallback func(done, total int)

// Params controls a reconstruction.
type Params struct {
	// Center is the detector position of the rotation axis, in pixels.
	Center float64

	// Angles holds one projection angle in radians per projection.
	Angles []float64

	// Filter is one of the Filter* names. Empty means ramlak.
	Filter string

	// NumWorkers bounds the goroutines used. Zero means NumCPU.
	NumWorkers int

	// ClipCircle zeroes pixels outside the inscribed circle, which no
	// projection fully covers.
	ClipCircle bool

	Progress ProgressCallback
}

// Reconstruct runs filtered back-projection over every detector row.
//
// Parameters:
//   - ctx: Checked between slices; a canceled context aborts the run
//   - proj: Projection stack (angles x rows x detector width)
//   - params: Geometry and filter settings
//
// Returns:
//   - A stack of rows slices, each width x width
//   - InvalidInput for inconsistent geometry, NumericalError when the output
//     contains NaN or Inf, Canceled when ctx is done
func Reconstruct(ctx context.Context, proj *models.Stack, params Params) (*models.Stack, error) {
	if err := proj.Validate(); err != nil {
		return nil, common.Wrap(common.InvalidInput, err, "invalid projection stack")
	}
	if len(params.Angles) != proj.Depth {
		return nil, common.Errorf(common.InvalidInput, "got %d angles for %d projections", len(params.Angles), proj.Depth)
	}
	if math.IsNaN(params.Center) || math.IsInf(params.Center, 0) {
		return nil, common.Errorf(common.InvalidInput, "center of rotation must be finite, got %v", params.Center)
	}

	filter, err := newRampFilter(proj.Width, params.Filter)
	if err != nil {
		return nil, common.Wrap(common.InvalidParameter, err, "reconstruction filter")
	}

	numWorkers := params.NumWorkers
	if numWorkers <= 0 {
		numWorkers = runtime.NumCPU()
	}
	rows := proj.Height
	if numWorkers > rows {
		numWorkers = rows
	}

	geo := newGeometry(proj.Width, params)
	volume := models.NewStack(rows, proj.Width, proj.Width)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		done     int
		canceled bool
	)
	rowsPerWorker := (rows + numWorkers - 1) / numWorkers

	for w := 0; w < numWorkers; w++ {
		start := w * rowsPerWorker
		end := start + rowsPerWorker
		if end > rows {
			end = rows
		}
		if start >= end {
			continue
		}

		wg.Add(1)
		go func(start, end int, f *rampFilter) {
			defer wg.Done()
			sino := make([]float64, proj.Depth*proj.Width)
			for y := start; y < end; y++ {
				if ctx.Err() != nil {
					mu.Lock()
					canceled = true
					mu.Unlock()
					return
				}
				for a := 0; a < proj.Depth; a++ {
					base := proj.Index(a, y, 0)
					f.apply(sino[a*proj.Width:(a+1)*proj.Width], proj.Data[base:base+proj.Width])
				}
				geo.backproject(volume.Plane(y), sino)

				mu.Lock()
				done++
				if params.Progress != nil {
					params.Progress(done, rows)
				}
				mu.Unlock()
			}
		}(start, end, filter.clone())
	}
	wg.Wait()

	if canceled {
		return nil, common.Wrap(common.Canceled, ctx.Err(), "reconstruction")
	}
	if !volume.AllFinite() {
		return nil, common.Errorf(common.NumericalError, "reconstruction produced non-finite values")
	}
	return volume, nil
}

type geometry struct {
	width  int
	center float64
	middle float64
	cos    []float64
	sin    []float64
	scale  float64
	clip   bool
}

func newGeometry(width int, params Params) *geometry {
	g := &geometry{
		width:  width,
		center: params.Center,
		middle: float64(width-1) / 2,
		cos:    make([]float64, len(params.Angles)),
		sin:    make([]float64, len(params.Angles)),
		// the ramp response is doubled, hence 2 * angles
		scale: math.Pi / (2 * float64(len(params.Angles))),
		clip:  params.ClipCircle,
	}
	for i, theta := range params.Angles {
		g.cos[i] = math.Cos(theta)
		g.sin[i] = math.Sin(theta)
	}
	return g
}

// backproject smears every filtered view across the image. Pixel (i, j)
// sits at X = j - middle, Y = i - middle and sees detector position
// s = X cos(theta) - Y sin(theta) + center.
func (g *geometry) backproject(dst, sino []float64) {
	w := g.width
	last := float64(w - 1)
	radius2 := g.middle * g.middle
	for i := 0; i < w; i++ {
		Y := float64(i) - g.middle
		for j := 0; j < w; j++ {
			X := float64(j) - g.middle
			if g.clip && X*X+Y*Y > radius2 {
				dst[i*w+j] = 0
				continue
			}
			var sum float64
			for a := range g.cos {
				s := X*g.cos[a] - Y*g.sin[a] + g.center
				if s < 0 || s > last {
					continue
				}
				k := int(s)
				row := sino[a*w : (a+1)*w]
				if k >= w-1 {
					sum += row[w-1]
					continue
				}
				f := s - float64(k)
				sum += row[k]*(1-f) + row[k+1]*f
			}
			dst[i*w+j] = sum * g.scale
		}
	}
}
