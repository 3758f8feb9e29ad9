// Package ingest turns uploaded files into datasets in the store.
package ingest

import (
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"tomorecon/internal/common"
	"tomorecon/internal/models"
	"tomorecon/pkg/store"
	"tomorecon/pkg/tiffstack"
)

// Source is one uploaded file.
type Source struct {
	Name   string
	Reader io.Reader
}

// Request is a complete upload: projections plus optional references.
type Request struct {
	Projections Source
	Flats       *Source
	Darks       *Source
	// Angles in radians, one per projection. Empty means evenly over [0, pi].
	Angles     []float64
	Resolution models.Resolution
}

var supported = map[string]bool{".tif": true, ".tiff": true, ".h5": true, ".hdf5": true}

// Validate checks the file name against the accepted upload formats.
func Validate(name string) error {
	ext := strings.ToLower(filepath.Ext(name))
	if !supported[ext] {
		return common.Errorf(common.InvalidInput, "%s: unsupported file type %q (expected .tif, .tiff, .h5 or .hdf5)", name, ext)
	}
	return nil
}

// Load decodes one file into a stack. For HDF5 files this is the
// exchange/data projection volume.
func Load(src Source) (*models.Stack, string, error) {
	ex, err := load(src)
	if err != nil {
		return nil, "", err
	}
	return ex.data, ex.dtype, nil
}

func load(src Source) (*exchange, error) {
	if err := Validate(src.Name); err != nil {
		return nil, err
	}
	switch strings.ToLower(filepath.Ext(src.Name)) {
	case ".h5", ".hdf5":
		ex, err := readExchange(src.Reader)
		if err != nil {
			return nil, common.Wrap(common.InvalidInput, err, "%s", src.Name)
		}
		return ex, nil
	}

	stack, info, err := tiffstack.Decode(src.Reader)
	if err != nil {
		return nil, common.Wrap(common.InvalidInput, err, "%s", src.Name)
	}
	return &exchange{data: stack, dtype: info.DType}, nil
}

// Ingest decodes a request and stores it, returning the dataset id.
func Ingest(st *store.Store, req Request, log *zap.Logger) (string, error) {
	log = common.OrNop(log)

	ex, err := load(req.Projections)
	if err != nil {
		return "", err
	}
	raw, dtype := ex.data, ex.dtype
	// references stored next to the projections are used unless uploaded separately
	flats, darks := ex.white, ex.dark
	if req.Flats != nil {
		if flats, _, err = Load(*req.Flats); err != nil {
			return "", err
		}
	}
	if req.Darks != nil {
		if darks, _, err = Load(*req.Darks); err != nil {
			return "", err
		}
	}

	meta := models.Metadata{
		SourceName: req.Projections.Name,
		DType:      dtype,
		SliceCount: raw.Height,
		Resolution: req.Resolution,
		Angles:     req.Angles,
	}
	if len(meta.Angles) == 0 {
		meta.Angles = nil
	}

	id, err := st.Put(raw, flats, darks, meta)
	if err != nil {
		return "", err
	}
	log.Info("dataset ingested",
		zap.String("dataset", id),
		zap.String("source", req.Projections.Name),
		zap.String("dtype", dtype),
		zap.Bool("flats", flats != nil),
		zap.Bool("darks", darks != nil))
	return id, nil
}

// IngestFiles opens files from disk and ingests them. Empty flat or dark
// paths are skipped.
func IngestFiles(st *store.Store, projections, flats, darks string, angles []float64, log *zap.Logger) (string, error) {
	var closers []io.Closer
	defer func() {
		for _, c := range closers {
			c.Close()
		}
	}()

	open := func(path string) (*Source, error) {
		if path == "" {
			return nil, nil
		}
		f, err := os.Open(path)
		if err != nil {
			return nil, common.Wrap(common.InvalidInput, err, "opening %s", path)
		}
		closers = append(closers, f)
		return &Source{Name: filepath.Base(path), Reader: f}, nil
	}

	proj, err := open(projections)
	if err != nil {
		return "", err
	}
	if proj == nil {
		return "", common.Errorf(common.InvalidInput, "a projection file is required")
	}
	req := Request{Projections: *proj, Angles: angles}
	if req.Flats, err = open(flats); err != nil {
		return "", err
	}
	if req.Darks, err = open(darks); err != nil {
		return "", err
	}
	return Ingest(st, req, log)
}

// ParseAngles parses a comma separated angle list. With degrees set the
// values are converted to radians. An empty string yields nil.
func ParseAngles(s string, degrees bool) ([]float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	out := make([]float64, 0, len(parts))
	for _, part := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
		if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, common.Errorf(common.InvalidInput, "invalid angle %q", part)
		}
		if degrees {
			v = v * math.Pi / 180
		}
		out = append(out, v)
	}
	return out, nil
}
