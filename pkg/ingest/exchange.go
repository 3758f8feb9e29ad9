package ingest

import (
	"fmt"

	"tomorecon/internal/models"
)

// Dataset paths of the tomography exchange layout.
const (
	exchangeData  = "exchange/data"
	exchangeWhite = "exchange/data_white"
	exchangeDark  = "exchange/data_dark"
)

// maxSamples bounds the size of one HDF5 volume.
const maxSamples = 1 << 28

// exchange holds the volumes read from one file. TIFF files only fill data.
type exchange struct {
	data, white, dark *models.Stack
	dtype             string
}

// volumeFor allocates the stack for a dataset of the given extent. A two
// dimensional dataset holds a single image.
func volumeFor(name string, dims []uint) (*models.Stack, error) {
	switch len(dims) {
	case 2:
		dims = []uint{1, dims[0], dims[1]}
	case 3:
	default:
		return nil, fmt.Errorf("%s has %d dimensions, expected 2 or 3", name, len(dims))
	}
	total := uint64(1)
	for _, d := range dims {
		if d == 0 {
			return nil, fmt.Errorf("%s is empty", name)
		}
		if uint64(d) > maxSamples/total {
			return nil, fmt.Errorf("%s holds more than %d samples", name, maxSamples)
		}
		total *= uint64(d)
	}
	return models.NewStack(int(dims[0]), int(dims[1]), int(dims[2])), nil
}
