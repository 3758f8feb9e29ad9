//go:build !hdf5

package ingest

import (
	"fmt"
	"io"
)

// readExchange needs the HDF5 C library, which is linked only into builds
// made with -tags hdf5.
func readExchange(r io.Reader) (*exchange, error) {
	return nil, fmt.Errorf("HDF5 input needs a build with -tags hdf5; convert to a TIFF stack or rebuild")
}
