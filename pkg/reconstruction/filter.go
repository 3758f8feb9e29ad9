package reconstruction

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/dsp/fourier"
)

// Filter names accepted by the reconstruction.
const (
	FilterRamLak     = "ramlak"
	FilterSheppLogan = "shepp-logan"
	FilterCosine     = "cosine"
	FilterHann       = "hann"
)

// Filters lists the supported filter names.
var Filters = []string{FilterRamLak, FilterSheppLogan, FilterCosine, FilterHann}

// rampFilter holds the frequency response used to filter one detector row.
// The FFT plan is not safe for concurrent use, so each worker owns one.
type rampFilter struct {
	width    int
	size     int
	fft      *fourier.FFT
	response []float64
	padded   []float64
	coeffs   []complex128
}

// paddedSize returns the smallest power of two that is at least twice the
// detector width, and never below 64.
func paddedSize(width int) int {
	size := 64
	for size < 2*width {
		size <<= 1
	}
	return size
}

// newRampFilter builds the frequency response of a windowed ramp filter.
//
// The ramp is computed from its band-limited spatial kernel
// (h[0] = 1/4, h[k] = -1/(pi k)^2 for odd k) so that the zero frequency term
// is not forced to zero. The window is then applied on top.
//
// Parameters:
//   - width: Detector width in pixels
//   - name: One of the Filter* names
//
// Returns:
//   - The filter, or an error for an unknown name
func newRampFilter(width int, name string) (*rampFilter, error) {
	size := paddedSize(width)
	fft := fourier.NewFFT(size)

	kernel := make([]float64, size)
	kernel[0] = 0.25
	for k := 1; k < size/2; k += 2 {
		v := -1 / (math.Pi * float64(k) * math.Pi * float64(k))
		kernel[k] = v
		kernel[size-k] = v
	}
	spectrum := fft.Coefficients(nil, kernel)

	response := make([]float64, len(spectrum))
	for k := range response {
		response[k] = 2 * real(spectrum[k])
	}

	switch name {
	case FilterRamLak, "":
	case FilterSheppLogan:
		for k := 1; k < len(response); k++ {
			omega := math.Pi * float64(k) / float64(size)
			response[k] *= math.Sin(omega) / omega
		}
	case FilterCosine:
		for k := range response {
			response[k] *= math.Cos(math.Pi * float64(k) / float64(size))
		}
	case FilterHann:
		for k := range response {
			m := (k + size/2) % size
			response[k] *= 0.5 - 0.5*math.Cos(2*math.Pi*float64(m)/float64(size-1))
		}
	default:
		return nil, fmt.Errorf("unknown filter %q", name)
	}

	return &rampFilter{
		width:    width,
		size:     size,
		fft:      fft,
		response: response,
		padded:   make([]float64, size),
		coeffs:   make([]complex128, size/2+1),
	}, nil
}

// clone returns a filter sharing the response but owning its own plan and buffers.
func (f *rampFilter) clone() *rampFilter {
	return &rampFilter{
		width:    f.width,
		size:     f.size,
		fft:      fourier.NewFFT(f.size),
		response: f.response,
		padded:   make([]float64, f.size),
		coeffs:   make([]complex128, f.size/2+1),
	}
}

// apply filters one detector row into dst. The row is zero padded to the
// filter size, which keeps the circular convolution from wrapping around.
func (f *rampFilter) apply(dst, row []float64) {
	copy(f.padded, row)
	for i := len(row); i < f.size; i++ {
		f.padded[i] = 0
	}
	f.fft.Coefficients(f.coeffs, f.padded)
	for k, r := range f.response {
		f.coeffs[k] *= complex(r, 0)
	}
	f.fft.Sequence(f.padded, f.coeffs)

	// gonum's inverse transform is unnormalised
	scale := 1 / float64(f.size)
	for i := 0; i < f.width; i++ {
		dst[i] = f.padded[i] * scale
	}
}
