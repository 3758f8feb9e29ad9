// Package phantom generates synthetic parallel-beam acquisitions with a
// known answer: Gaussian blobs whose projections are computed analytically.
package phantom

import (
	"math"

	"tomorecon/internal/models"
)

// Blob is a 2D Gaussian in slice coordinates relative to the rotation axis.
type Blob struct {
	X         float64
	Y         float64
	Sigma     float64
	Amplitude float64
}

// Projections returns the projection stack (angles x rows x width) of the
// blobs rotating about detector position center. Every row sees the same
// slice.
func Projections(width, rows int, angles []float64, center float64, blobs ...Blob) *models.Stack {
	stack := models.NewStack(len(angles), rows, width)
	row := make([]float64, width)
	for a, theta := range angles {
		c, s := math.Cos(theta), math.Sin(theta)
		for x := range row {
			row[x] = 0
		}
		for _, b := range blobs {
			s0 := b.X*c - b.Y*s + center
			norm := b.Amplitude * math.Sqrt(2*math.Pi) * b.Sigma
			for x := range row {
				d := float64(x) - s0
				row[x] += norm * math.Exp(-d*d/(2*b.Sigma*b.Sigma))
			}
		}
		for y := 0; y < rows; y++ {
			copy(stack.Data[stack.Index(a, y, 0):], row)
		}
	}
	return stack
}

// Image returns the width x width ground truth slice. Pixel (i, j) sits at
// X = j - (width-1)/2, Y = i - (width-1)/2.
func Image(width int, blobs ...Blob) []float64 {
	middle := float64(width-1) / 2
	img := make([]float64, width*width)
	for i := 0; i < width; i++ {
		for j := 0; j < width; j++ {
			X, Y := float64(j)-middle, float64(i)-middle
			for _, b := range blobs {
				dx, dy := X-b.X, Y-b.Y
				img[i*width+j] += b.Amplitude * math.Exp(-(dx*dx+dy*dy)/(2*b.Sigma*b.Sigma))
			}
		}
	}
	return img
}

// Acquisition wraps projections as transmission data with flat and dark
// fields: raw = dark + flat * exp(-attenuation * scale).
func Acquisition(proj *models.Stack, flat, dark, scale float64) (raw, flats, darks *models.Stack) {
	raw = models.NewStack(proj.Depth, proj.Height, proj.Width)
	for i, v := range proj.Data {
		raw.Data[i] = dark + flat*math.Exp(-v*scale)
	}
	flats = models.NewStack(2, proj.Height, proj.Width)
	for i := range flats.Data {
		flats.Data[i] = flat
	}
	darks = models.NewStack(1, proj.Height, proj.Width)
	for i := range darks.Data {
		darks.Data[i] = dark
	}
	return raw, flats, darks
}
