//go:build hdf5

package ingest

import (
	"fmt"
	"io"
	"os"

	"gonum.org/v1/hdf5"

	"tomorecon/internal/models"
)

// readExchange reads the projections and, when present, the white and dark
// references of an exchange file.
func readExchange(r io.Reader) (*exchange, error) {
	// the library only opens files by name
	tmp, err := os.CreateTemp("", "tomorecon-*.h5")
	if err != nil {
		return nil, err
	}
	defer os.Remove(tmp.Name())
	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return nil, err
	}
	if err := tmp.Close(); err != nil {
		return nil, err
	}

	f, err := hdf5.OpenFile(tmp.Name(), hdf5.F_ACC_RDONLY)
	if err != nil {
		return nil, fmt.Errorf("not an HDF5 file: %v", err)
	}
	defer f.Close()

	if !f.LinkExists("exchange") || !f.LinkExists(exchangeData) {
		return nil, fmt.Errorf("missing dataset %s", exchangeData)
	}
	ex := &exchange{}
	if ex.data, ex.dtype, err = readVolume(f, exchangeData); err != nil {
		return nil, err
	}
	if f.LinkExists(exchangeWhite) {
		if ex.white, _, err = readVolume(f, exchangeWhite); err != nil {
			return nil, err
		}
	}
	if f.LinkExists(exchangeDark) {
		if ex.dark, _, err = readVolume(f, exchangeDark); err != nil {
			return nil, err
		}
	}
	return ex, nil
}

func readVolume(f *hdf5.File, name string) (*models.Stack, string, error) {
	ds, err := f.OpenDataset(name)
	if err != nil {
		return nil, "", fmt.Errorf("opening %s: %v", name, err)
	}
	defer ds.Close()

	space := ds.Space()
	defer space.Close()
	dims, _, err := space.SimpleExtentDims()
	if err != nil {
		return nil, "", fmt.Errorf("reading the extent of %s: %v", name, err)
	}
	stack, err := volumeFor(name, dims)
	if err != nil {
		return nil, "", err
	}

	dt, err := ds.Datatype()
	if err != nil {
		return nil, "", fmt.Errorf("reading the type of %s: %v", name, err)
	}
	defer dt.Close()

	// Read copies samples in the file's own type, so the buffer must match it
	switch {
	case dt.Equal(hdf5.T_NATIVE_UINT8):
		err = readInto[uint8](ds, stack.Data)
		return stack, "uint8", err
	case dt.Equal(hdf5.T_NATIVE_INT8):
		err = readInto[int8](ds, stack.Data)
		return stack, "int8", err
	case dt.Equal(hdf5.T_NATIVE_UINT16):
		err = readInto[uint16](ds, stack.Data)
		return stack, "uint16", err
	case dt.Equal(hdf5.T_NATIVE_INT16):
		err = readInto[int16](ds, stack.Data)
		return stack, "int16", err
	case dt.Equal(hdf5.T_NATIVE_UINT32):
		err = readInto[uint32](ds, stack.Data)
		return stack, "uint32", err
	case dt.Equal(hdf5.T_NATIVE_INT32):
		err = readInto[int32](ds, stack.Data)
		return stack, "int32", err
	case dt.Equal(hdf5.T_NATIVE_FLOAT):
		err = readInto[float32](ds, stack.Data)
		return stack, "float32", err
	case dt.Equal(hdf5.T_NATIVE_DOUBLE):
		err = readInto[float64](ds, stack.Data)
		return stack, "float64", err
	}
	return nil, "", fmt.Errorf("%s has an unsupported sample type", name)
}

func readInto[T uint8 | int8 | uint16 | int16 | uint32 | int32 | float32 | float64](ds *hdf5.Dataset, dst []float64) error {
	buf := make([]T, len(dst))
	if err := ds.Read(&buf); err != nil {
		return err
	}
	for i, v := range buf {
		dst[i] = float64(v)
	}
	return nil
}
