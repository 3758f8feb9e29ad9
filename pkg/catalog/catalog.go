// Package catalog is the read-only view over published stage results:
// listing, slice access, sinograms, previews and export.
package catalog

import (
	"archive/zip"
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"path/filepath"

	"gonum.org/v1/gonum/floats"

	"tomorecon/internal/common"
	"tomorecon/internal/models"
	"tomorecon/pkg/stages"
	"tomorecon/pkg/store"
	"tomorecon/pkg/tiffstack"
)

// MaxPageSize bounds the number of slices returned by Page.
const MaxPageSize = 64

// Result kinds reported by Info.
const (
	KindVolume = "volume"
	KindScalar = "scalar"
)

// ResultInfo summarizes a published result.
type ResultInfo struct {
	Stage      string   `json:"stage"`
	RunID      string   `json:"run_id"`
	Kind       string   `json:"kind"`
	SliceCount int      `json:"slice_count,omitempty"`
	Height     int      `json:"height,omitempty"`
	Width      int      `json:"width,omitempty"`
	Scalar     *float64 `json:"scalar,omitempty"`
}

// Page is a window of consecutive slices.
type Page struct {
	Total  int             `json:"total"`
	Offset int             `json:"offset"`
	Slices []*models.Slice `json:"slices"`
}

// Catalog is the ResultCatalog. It holds no state of its own; every call
// reads the results currently published in the store.
type Catalog struct {
	store    *store.Store
	registry *stages.Registry
}

// New creates a catalog over a store. The registry supplies stage order.
func New(st *store.Store, registry *stages.Registry) *Catalog {
	return &Catalog{store: st, registry: registry}
}

// ListResults returns the stages with a published result, in pipeline order.
func (c *Catalog) ListResults(datasetID string) ([]string, error) {
	var out []string
	for _, name := range c.registry.Names() {
		_, ok, err := c.store.GetStageResult(datasetID, name)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, name)
		}
	}
	return out, nil
}

func (c *Catalog) result(datasetID, stage string) (models.StageResult, error) {
	if _, ok := c.registry.Lookup(stage); !ok {
		return models.StageResult{}, common.Errorf(common.NotFound, "unknown stage %q", stage)
	}
	res, ok, err := c.store.GetStageResult(datasetID, stage)
	if err != nil {
		return models.StageResult{}, err
	}
	if !ok {
		return models.StageResult{}, common.Errorf(common.NotFound, "stage %s has no result for dataset %s", stage, datasetID)
	}
	return res, nil
}

func (c *Catalog) volume(datasetID, stage string) (*models.Stack, error) {
	res, err := c.result(datasetID, stage)
	if err != nil {
		return nil, err
	}
	if res.Array == nil {
		return nil, common.Errorf(common.InvalidInput, "stage %s produced a scalar, not slices", stage)
	}
	return res.Array, nil
}

// Info describes the published result of a stage.
func (c *Catalog) Info(datasetID, stage string) (ResultInfo, error) {
	res, err := c.result(datasetID, stage)
	if err != nil {
		return ResultInfo{}, err
	}
	info := ResultInfo{Stage: stage, RunID: res.RunID}
	if res.Array == nil {
		info.Kind = KindScalar
		info.Scalar = res.Scalar
		return info, nil
	}
	info.Kind = KindVolume
	info.SliceCount = res.Array.Depth
	info.Height = res.Array.Height
	info.Width = res.Array.Width
	return info, nil
}

// GetSlice returns the 2D slice at a depth index. Indexes outside
// [0, count) are IndexOutOfRange.
func (c *Catalog) GetSlice(datasetID, stage string, index int) (*models.Slice, error) {
	vol, err := c.volume(datasetID, stage)
	if err != nil {
		return nil, err
	}
	return sliceAt(vol, index)
}

func sliceAt(vol *models.Stack, index int) (*models.Slice, error) {
	if index < 0 || index >= vol.Depth {
		return nil, common.Errorf(common.IndexOutOfRange, "slice %d out of range [0, %d)", index, vol.Depth)
	}
	data := make([]float64, vol.Height*vol.Width)
	copy(data, vol.Plane(index))
	return &models.Slice{Index: index, Height: vol.Height, Width: vol.Width, Data: data}, nil
}

// Page returns up to limit slices starting at offset. limit is clamped to
// [1, MaxPageSize]; an offset at or past the end yields an empty page.
func (c *Catalog) Page(datasetID, stage string, offset, limit int) (Page, error) {
	vol, err := c.volume(datasetID, stage)
	if err != nil {
		return Page{}, err
	}
	if offset < 0 {
		return Page{}, common.Errorf(common.IndexOutOfRange, "negative offset %d", offset)
	}
	if limit < 1 {
		limit = 1
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}

	page := Page{Total: vol.Depth, Offset: offset, Slices: []*models.Slice{}}
	for i := offset; i < vol.Depth && i < offset+limit; i++ {
		s, err := sliceAt(vol, i)
		if err != nil {
			return Page{}, err
		}
		page.Slices = append(page.Slices, s)
	}
	return page, nil
}

// Clamp maps index into the valid slice range of a stage, for viewers that
// navigate past the ends.
func (c *Catalog) Clamp(datasetID, stage string, index int) (int, error) {
	vol, err := c.volume(datasetID, stage)
	if err != nil {
		return 0, err
	}
	if index < 0 {
		return 0, nil
	}
	if index >= vol.Depth {
		return vol.Depth - 1, nil
	}
	return index, nil
}

// Section cuts a plane through a result along an axis. "z" is a depth slice
// (GetSlice), "y" fixes a row and spans depth x width, "x" fixes a column and
// spans height x depth.
func (c *Catalog) Section(datasetID, stage, axis string, position int) (*models.Slice, error) {
	vol, err := c.volume(datasetID, stage)
	if err != nil {
		return nil, err
	}
	return section(vol, axis, position)
}

// GetSinogram returns the sinogram (angle x width) of one detector row of a
// projection-shaped result.
func (c *Catalog) GetSinogram(datasetID, stage string, row int) (*models.Slice, error) {
	return c.Section(datasetID, stage, "y", row)
}

func section(vol *models.Stack, axis string, position int) (*models.Slice, error) {
	switch axis {
	case "z", "Z":
		return sliceAt(vol, position)

	case "y", "Y":
		if position < 0 || position >= vol.Height {
			return nil, common.Errorf(common.IndexOutOfRange, "row %d out of range [0, %d)", position, vol.Height)
		}
		out := &models.Slice{Index: position, Height: vol.Depth, Width: vol.Width, Data: make([]float64, vol.Depth*vol.Width)}
		for z := 0; z < vol.Depth; z++ {
			copy(out.Data[z*vol.Width:(z+1)*vol.Width], vol.Data[vol.Index(z, position, 0):])
		}
		return out, nil

	case "x", "X":
		if position < 0 || position >= vol.Width {
			return nil, common.Errorf(common.IndexOutOfRange, "column %d out of range [0, %d)", position, vol.Width)
		}
		out := &models.Slice{Index: position, Height: vol.Height, Width: vol.Depth, Data: make([]float64, vol.Height*vol.Depth)}
		for y := 0; y < vol.Height; y++ {
			for z := 0; z < vol.Depth; z++ {
				out.Data[y*vol.Depth+z] = vol.At(z, y, position)
			}
		}
		return out, nil
	}
	return nil, common.Errorf(common.InvalidParameter, "invalid axis %q (must be x, y or z)", axis)
}

// Preview renders a slice as a 16-bit grayscale image, min-max scaled.
// A constant slice renders black.
func (c *Catalog) Preview(datasetID, stage string, index int) (*image.Gray16, error) {
	s, err := c.GetSlice(datasetID, stage, index)
	if err != nil {
		return nil, err
	}
	return Gray16(s), nil
}

// PreviewPNG is Preview encoded as PNG.
func (c *Catalog) PreviewPNG(datasetID, stage string, index int) ([]byte, error) {
	img, err := c.Preview(datasetID, stage, index)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, common.Wrap(common.Internal, err, "encoding preview")
	}
	return buf.Bytes(), nil
}

// Gray16 scales a slice to the full 16-bit range.
func Gray16(s *models.Slice) *image.Gray16 {
	img := image.NewGray16(image.Rect(0, 0, s.Width, s.Height))
	if len(s.Data) == 0 {
		return img
	}
	lo, hi := floats.Min(s.Data), floats.Max(s.Data)
	if hi == lo {
		return img
	}
	scale := 65535 / (hi - lo)
	for y := 0; y < s.Height; y++ {
		for x := 0; x < s.Width; x++ {
			v := math.Round((s.Data[y*s.Width+x] - lo) * scale)
			img.SetGray16(x, y, color.Gray16{Y: uint16(math.Max(0, math.Min(65535, v)))})
		}
	}
	return img
}

// Export encodes a stage's array as a multi-page float32 TIFF, one page per
// depth index. The same result always encodes to the same bytes.
func (c *Catalog) Export(datasetID, stage string) ([]byte, error) {
	vol, err := c.volume(datasetID, stage)
	if err != nil {
		return nil, err
	}
	data, err := tiffstack.EncodeBytes(vol)
	if err != nil {
		return nil, common.Wrap(common.Internal, err, "exporting %s", stage)
	}
	return data, nil
}

// ExportAll packs the stage result of every dataset that has one into a zip
// archive of <stage>_<dataset id>.tif entries, oldest dataset first. Datasets
// without the result are left out; when none has it the error is NotFound.
func (c *Catalog) ExportAll(stage string) ([]byte, int, error) {
	if _, ok := c.registry.Lookup(stage); !ok {
		return nil, 0, common.Errorf(common.NotFound, "unknown stage %q", stage)
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	count := 0
	for _, ds := range c.store.List() {
		data, err := c.Export(ds.ID, stage)
		if common.IsKind(err, common.NotFound) {
			continue
		}
		if err != nil {
			return nil, 0, err
		}
		w, err := zw.CreateHeader(&zip.FileHeader{
			Name:     fmt.Sprintf("%s_%s.tif", stage, ds.ID),
			Method:   zip.Deflate,
			Modified: ds.CreatedAt,
		})
		if err != nil {
			return nil, 0, common.Wrap(common.Internal, err, "archiving %s", ds.ID)
		}
		if _, err := w.Write(data); err != nil {
			return nil, 0, common.Wrap(common.Internal, err, "archiving %s", ds.ID)
		}
		count++
	}
	if err := zw.Close(); err != nil {
		return nil, 0, common.Wrap(common.Internal, err, "closing archive")
	}
	if count == 0 {
		return nil, 0, common.Errorf(common.NotFound, "no dataset has a %s result", stage)
	}
	return buf.Bytes(), count, nil
}

// SavePreviews writes a PNG preview of every slice of a stage into dir as
// <stage>_NNN.png.
func (c *Catalog) SavePreviews(datasetID, stage, dir string) error {
	vol, err := c.volume(datasetID, stage)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	for z := 0; z < vol.Depth; z++ {
		s, _ := sliceAt(vol, z)
		var buf bytes.Buffer
		if err := png.Encode(&buf, Gray16(s)); err != nil {
			return err
		}
		name := filepath.Join(dir, fmt.Sprintf("%s_%03d.png", stage, z))
		if err := os.WriteFile(name, buf.Bytes(), 0644); err != nil {
			return err
		}
	}
	return nil
}
