package models

import (
	"fmt"
	"math"
	"time"
)

// Stack is a 3D array stored as a 1D slice in row-major order:
// index = z*Height*Width + y*Width + x.
//
// For projection data the depth axis is the rotation angle. For a
// reconstructed volume the depth axis is the detector row.
type Stack struct {
	Depth  int
	Height int
	Width  int
	Data   []float64
}

// NewStack allocates a zeroed stack.
func NewStack(depth, height, width int) *Stack {
	return &Stack{
		Depth:  depth,
		Height: height,
		Width:  width,
		Data:   make([]float64, depth*height*width),
	}
}

// Validate checks that the dimensions are positive and match the data length.
func (s *Stack) Validate() error {
	if s == nil {
		return fmt.Errorf("stack is nil")
	}
	if s.Depth <= 0 || s.Height <= 0 || s.Width <= 0 {
		return fmt.Errorf("stack dimensions must be positive, got %dx%dx%d", s.Depth, s.Height, s.Width)
	}
	if len(s.Data) != s.Depth*s.Height*s.Width {
		return fmt.Errorf("stack data length %d does not match %dx%dx%d", len(s.Data), s.Depth, s.Height, s.Width)
	}
	return nil
}

// Index returns the flat offset of (z, y, x).
func (s *Stack) Index(z, y, x int) int {
	return z*s.Height*s.Width + y*s.Width + x
}

// At returns the value at (z, y, x).
func (s *Stack) At(z, y, x int) float64 {
	return s.Data[s.Index(z, y, x)]
}

// Plane returns the 2D plane at depth z. The returned slice aliases the stack.
func (s *Stack) Plane(z int) []float64 {
	size := s.Height * s.Width
	return s.Data[z*size : (z+1)*size]
}

// Clone returns a deep copy.
func (s *Stack) Clone() *Stack {
	data := make([]float64, len(s.Data))
	copy(data, s.Data)
	return &Stack{Depth: s.Depth, Height: s.Height, Width: s.Width, Data: data}
}

// SameFrame reports whether o has the same height and width as s.
func (s *Stack) SameFrame(o *Stack) bool {
	return s.Height == o.Height && s.Width == o.Width
}

// AllFinite reports whether every value is neither NaN nor infinite.
func (s *Stack) AllFinite() bool {
	for _, v := range s.Data {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// Slice is a single 2D image taken from a stack.
type Slice struct {
	Index  int       `json:"index"`
	Height int       `json:"height"`
	Width  int       `json:"width"`
	Data   []float64 `json:"data"`
}

// Resolution is the physical size of a voxel along each axis.
type Resolution struct {
	X float64 `json:"x" yaml:"x"`
	Y float64 `json:"y" yaml:"y"`
	Z float64 `json:"z" yaml:"z"`
}

// Metadata describes an uploaded dataset. It is display-only to the pipeline,
// except for Angles which drive reconstruction geometry.
type Metadata struct {
	SourceName string     `json:"source_name"`
	DType      string     `json:"dtype"`
	SliceCount int        `json:"slice_count"`
	Resolution Resolution `json:"resolution"`
	// Angles holds one rotation angle in radians per projection.
	Angles []float64 `json:"angles"`
}

// DefaultAngles spreads n angles evenly over [0, pi], both ends included.
func DefaultAngles(n int) []float64 {
	angles := make([]float64, n)
	if n == 1 {
		return angles
	}
	for i := range angles {
		angles[i] = math.Pi * float64(i) / float64(n-1)
	}
	return angles
}

// Dataset is an ingested tomography acquisition. It is never mutated after ingestion.
type Dataset struct {
	ID          string    `json:"id"`
	Projections *Stack    `json:"-"`
	Flats       *Stack    `json:"-"`
	Darks       *Stack    `json:"-"`
	Meta        Metadata  `json:"metadata"`
	CreatedAt   time.Time `json:"created_at"`
}

// Shape returns (angles, height, width) of the projection stack.
func (d *Dataset) Shape() [3]int {
	return [3]int{d.Projections.Depth, d.Projections.Height, d.Projections.Width}
}
