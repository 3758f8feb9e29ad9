package reconstruction

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"tomorecon/internal/common"
	"tomorecon/internal/models"
	"tomorecon/pkg/phantom"
)

const (
	testWidth  = 65
	testCenter = 34.0
)

var testBlob = phantom.Blob{X: 5, Y: -3, Sigma: 3, Amplitude: 1}

func testProjections(rows int) (*models.Stack, []float64) {
	angles := models.DefaultAngles(91)
	return phantom.Projections(testWidth, rows, angles, testCenter, testBlob), angles
}

func TestReconstructLocatesBlob(t *testing.T) {
	proj, angles := testProjections(3)
	vol, err := Reconstruct(context.Background(), proj, Params{Center: testCenter, Angles: angles, NumWorkers: 2})
	require.NoError(t, err)

	assert.Equal(t, 3, vol.Depth)
	assert.Equal(t, testWidth, vol.Height)
	assert.Equal(t, testWidth, vol.Width)

	truth := phantom.Image(testWidth, testBlob)
	for z := 0; z < vol.Depth; z++ {
		slice := vol.Plane(z)
		peak := floats.MaxIdx(slice)
		// middle is 32, so the blob sits at row 29, column 37
		assert.Equal(t, 29, peak/testWidth, "slice %d peak row", z)
		assert.Equal(t, 37, peak%testWidth, "slice %d peak column", z)
		assert.InDelta(t, testBlob.Amplitude, slice[peak], 0.25)
		assert.Greater(t, stat.Correlation(slice, truth, nil), 0.9)
	}
}

func TestReconstructWrongCenterBlurs(t *testing.T) {
	proj, angles := testProjections(1)
	good, err := Reconstruct(context.Background(), proj, Params{Center: testCenter, Angles: angles})
	require.NoError(t, err)
	bad, err := Reconstruct(context.Background(), proj, Params{Center: testCenter - 4, Angles: angles})
	require.NoError(t, err)

	assert.Greater(t, floats.Max(good.Data), floats.Max(bad.Data))
}

func TestFilters(t *testing.T) {
	proj, angles := testProjections(1)
	for _, name := range Filters {
		t.Run(name, func(t *testing.T) {
			vol, err := Reconstruct(context.Background(), proj, Params{Center: testCenter, Angles: angles, Filter: name})
			require.NoError(t, err)
			peak := floats.MaxIdx(vol.Data)
			assert.Equal(t, 29, peak/testWidth)
			assert.Equal(t, 37, peak%testWidth)
		})
	}

	_, err := Reconstruct(context.Background(), proj, Params{Center: testCenter, Angles: angles, Filter: "butterworth"})
	assert.True(t, common.IsKind(err, common.InvalidParameter))
}

func TestClipCircle(t *testing.T) {
	proj, angles := testProjections(1)
	vol, err := Reconstruct(context.Background(), proj, Params{Center: testCenter, Angles: angles, ClipCircle: true})
	require.NoError(t, err)
	assert.Equal(t, 0.0, vol.Data[0])
	assert.Equal(t, 0.0, vol.Data[testWidth*testWidth-1])
}

func TestReconstructErrors(t *testing.T) {
	proj, angles := testProjections(2)

	_, err := Reconstruct(context.Background(), proj, Params{Center: testCenter, Angles: angles[:10]})
	assert.True(t, common.IsKind(err, common.InvalidInput))

	_, err = Reconstruct(context.Background(), proj, Params{Center: math.NaN(), Angles: angles})
	assert.True(t, common.IsKind(err, common.InvalidInput))

	poisoned := proj.Clone()
	poisoned.Data[7] = math.Inf(1)
	_, err = Reconstruct(context.Background(), poisoned, Params{Center: testCenter, Angles: angles})
	assert.True(t, common.IsKind(err, common.NumericalError))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = Reconstruct(ctx, proj, Params{Center: testCenter, Angles: angles})
	assert.True(t, common.IsKind(err, common.Canceled))
}

func TestProgressReportsEverySlice(t *testing.T) {
	proj, angles := testProjections(4)
	var calls []int
	_, err := Reconstruct(context.Background(), proj, Params{
		Center:     testCenter,
		Angles:     angles,
		NumWorkers: 1,
		Progress:   func(done, total int) { calls = append(calls, done) },
	})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3, 4}, calls)
}

func TestProgressIsSerialAcrossWorkers(t *testing.T) {
	proj, angles := testProjections(6)
	var calls []int
	_, err := Reconstruct(context.Background(), proj, Params{
		Center:     testCenter,
		Angles:     angles,
		NumWorkers: 3,
		Progress: func(done, total int) {
			assert.Equal(t, 6, total)
			calls = append(calls, done)
		},
	})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3, 4, 5, 6}, calls)
}

func TestPaddedSize(t *testing.T) {
	assert.Equal(t, 64, paddedSize(10))
	assert.Equal(t, 256, paddedSize(65))
	assert.Equal(t, 256, paddedSize(128))
}
