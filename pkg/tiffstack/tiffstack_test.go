package tiffstack

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tomorecon/internal/models"
)

func testStack() *models.Stack {
	s := models.NewStack(3, 2, 5)
	for i := range s.Data {
		s.Data[i] = float64(i)*0.5 - 3
	}
	return s
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	s := testStack()
	data, err := EncodeBytes(s)
	require.NoError(t, err)

	assert.Equal(t, []byte("II*\x00"), data[:4])

	got, info, err := Decode(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, Info{Pages: 3, DType: "float32"}, info)
	assert.Equal(t, s.Depth, got.Depth)
	assert.Equal(t, s.Height, got.Height)
	assert.Equal(t, s.Width, got.Width)
	assert.Equal(t, s.Data, got.Data)
}

func TestEncodeIsDeterministic(t *testing.T) {
	a, err := EncodeBytes(testStack())
	require.NoError(t, err)
	b, err := EncodeBytes(testStack())
	require.NoError(t, err)
	assert.Equal(t, a, b)

	// 8 byte header, then per page a 150 byte directory and 40 bytes of samples
	assert.Len(t, a, 8+3*(150+40))
}

func TestEncodeRejectsInvalidStack(t *testing.T) {
	_, err := EncodeBytes(&models.Stack{Depth: 1, Height: 2, Width: 2, Data: []float64{1}})
	assert.Error(t, err)
}

// writeUint16Page builds a single page 16-bit TIFF the way common imaging
// tools write one: directory after the pixel data, two strips.
func writeUint16Page(order binary.ByteOrder, width, height int, pixels []uint16) []byte {
	var buf bytes.Buffer
	if order == binary.LittleEndian {
		buf.WriteString("II")
	} else {
		buf.WriteString("MM")
	}
	head := make([]byte, 6)
	order.PutUint16(head, 42)
	stripBytes := uint32(width * height * 2)
	order.PutUint32(head[2:], headerSize+stripBytes)
	buf.Write(head)

	for _, v := range pixels {
		b := make([]byte, 2)
		order.PutUint16(b, v)
		buf.Write(b)
	}

	half := uint32(width*(height/2)) * 2
	entries := []ifdEntry{
		{tagImageWidth, typeShort, 1, uint32(width)},
		{tagImageLength, typeShort, 1, uint32(height)},
		{tagBitsPerSample, typeShort, 1, 16},
		{tagStripOffsets, typeShort, 2, headerSize | (headerSize+half)<<16},
		{tagStripByteCounts, typeShort, 2, half | (stripBytes-half)<<16},
	}
	_ = writeIFD(&buf, order, entries, 0)
	return buf.Bytes()
}

func TestDecodeUint16(t *testing.T) {
	pixels := []uint16{0, 1, 2, 3, 65535, 1000, 7, 8}
	for name, order := range map[string]binary.ByteOrder{"little": binary.LittleEndian, "big": binary.BigEndian} {
		t.Run(name, func(t *testing.T) {
			got, info, err := Decode(bytes.NewReader(writeUint16Page(order, 4, 2, pixels)))
			require.NoError(t, err)
			assert.Equal(t, "uint16", info.DType)
			assert.Equal(t, 1, got.Depth)
			assert.Equal(t, []float64{0, 1, 2, 3, 65535, 1000, 7, 8}, got.Data)
		})
	}
}

func TestDecodeErrors(t *testing.T) {
	_, _, err := Decode(bytes.NewReader([]byte("hello world")))
	assert.Error(t, err)

	_, _, err = Decode(bytes.NewReader([]byte("II")))
	assert.Error(t, err)

	data, err := EncodeBytes(testStack())
	require.NoError(t, err)
	_, _, err = Decode(bytes.NewReader(data[:len(data)-10]))
	assert.Error(t, err)

	// flip the first page to LZW compression
	compressed := append([]byte(nil), data...)
	ifd := compressed[8:]
	for i := 0; i < int(binary.LittleEndian.Uint16(ifd)); i++ {
		e := ifd[2+12*i:]
		if binary.LittleEndian.Uint16(e) == tagCompression {
			binary.LittleEndian.PutUint16(e[8:], 5)
		}
	}
	_, _, err = Decode(bytes.NewReader(compressed))
	assert.Error(t, err)
}

// headerOnlyPage builds a page whose header claims width x height 32-bit
// samples while the file carries a single 4 byte strip.
func headerOnlyPage(width, height uint32, next uint32) []byte {
	var buf bytes.Buffer
	buf.WriteString("II")
	head := make([]byte, 6)
	binary.LittleEndian.PutUint16(head, 42)
	binary.LittleEndian.PutUint32(head[2:], headerSize+4)
	buf.Write(head)
	buf.Write([]byte{1, 2, 3, 4})

	entries := []ifdEntry{
		{tagImageWidth, typeLong, 1, width},
		{tagImageLength, typeLong, 1, height},
		{tagBitsPerSample, typeShort, 1, 32},
		{tagStripOffsets, typeLong, 1, headerSize},
		{tagStripByteCounts, typeLong, 1, 4},
		{tagSampleFormat, typeShort, 1, formatFloat},
	}
	_ = writeIFD(&buf, binary.LittleEndian, entries, next)
	return buf.Bytes()
}

func TestDecodeRejectsOversizedHeader(t *testing.T) {
	for name, size := range map[string][2]uint32{
		"max uint32":       {0xFFFFFFFF, 0xFFFFFFFF},
		"50000x50000":      {50000, 50000},
		"one row too many": {1, 2},
	} {
		t.Run(name, func(t *testing.T) {
			data := headerOnlyPage(size[0], size[1], 0)
			assert.Less(t, len(data), 128)
			assert.NotPanics(t, func() {
				_, _, err := Decode(bytes.NewReader(data))
				assert.Error(t, err)
			})
		})
	}

	_, _, err := Decode(bytes.NewReader(headerOnlyPage(1, 1, 0)))
	assert.NoError(t, err)
}

func TestDecodeRejectsDirectoryCycle(t *testing.T) {
	// the directory points back to itself
	data := headerOnlyPage(1, 1, headerSize+4)
	_, _, err := Decode(bytes.NewReader(data))
	assert.ErrorContains(t, err, "repeats")
}

func TestEncodePageNumberOnlyWhenItFits(t *testing.T) {
	entryCount := func(data []byte) uint16 { return binary.LittleEndian.Uint16(data[headerSize:]) }

	small, err := EncodeBytes(testStack())
	require.NoError(t, err)
	assert.Equal(t, uint16(12), entryCount(small))

	deep := models.NewStack(1<<16, 1, 1)
	data, err := EncodeBytes(deep)
	require.NoError(t, err)
	assert.Equal(t, uint16(11), entryCount(data))

	got, info, err := Decode(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, 1<<16, info.Pages)
	assert.Equal(t, 1<<16, got.Depth)
}
