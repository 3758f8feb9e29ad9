//go:build !hdf5

package ingest

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"

	"tomorecon/internal/common"
)

func TestLoadHDF5NeedsTag(t *testing.T) {
	_, _, err := Load(Source{Name: "scan.h5", Reader: bytes.NewReader(nil)})
	assert.True(t, common.IsKind(err, common.InvalidInput))
	assert.Contains(t, err.Error(), "-tags hdf5")
}
