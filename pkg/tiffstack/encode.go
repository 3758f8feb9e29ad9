// Package tiffstack reads and writes multi-page TIFF files holding one
// image per depth index of a Stack.
//
// Encoding always produces little-endian, uncompressed, single-strip pages
// with 32-bit IEEE float samples. The encoder writes no timestamps or
// software tags, so equal stacks encode to equal bytes.
package tiffstack

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"sort"

	"tomorecon/internal/models"
)

// TIFF tag ids.
const (
	tagImageWidth      = 256
	tagImageLength     = 257
	tagBitsPerSample   = 258
	tagCompression     = 259
	tagPhotometric     = 262
	tagStripOffsets    = 273
	tagSamplesPerPixel = 277
	tagRowsPerStrip    = 278
	tagStripByteCounts = 279
	tagPlanarConfig    = 284
	tagPageNumber      = 297
	tagSampleFormat    = 339
)

// TIFF field types.
const (
	typeByte   = 1
	typeShort  = 3
	typeLong   = 4
	typeSShort = 8
	typeSLong  = 9
)

// SampleFormat values.
const (
	formatUint  = 1
	formatInt   = 2
	formatFloat = 3
)

const headerSize = 8

type ifdEntry struct {
	tag   uint16
	typ   uint16
	count uint32
	value uint32
}

// Encode writes the stack as a multi-page float32 TIFF, one page per depth
// index.
func Encode(w io.Writer, s *models.Stack) error {
	if err := s.Validate(); err != nil {
		return fmt.Errorf("cannot encode stack: %v", err)
	}
	if s.Width > math.MaxUint32/4 || s.Height*s.Width > math.MaxUint32/4 {
		return fmt.Errorf("page %dx%d is too large for TIFF", s.Width, s.Height)
	}

	order := binary.LittleEndian
	pageBytes := uint32(s.Height * s.Width * 4)

	bw := bufio.NewWriter(w)
	header := make([]byte, headerSize)
	copy(header, "II")
	order.PutUint16(header[2:], 42)
	order.PutUint32(header[4:], headerSize)
	if _, err := bw.Write(header); err != nil {
		return err
	}

	offset := uint64(headerSize)
	sample := make([]byte, 4)
	for z := 0; z < s.Depth; z++ {
		entries := []ifdEntry{
			{tagImageWidth, typeLong, 1, uint32(s.Width)},
			{tagImageLength, typeLong, 1, uint32(s.Height)},
			{tagBitsPerSample, typeShort, 1, 32},
			{tagCompression, typeShort, 1, 1},
			{tagPhotometric, typeShort, 1, 1},
			{tagStripOffsets, typeLong, 1, 0},
			{tagSamplesPerPixel, typeShort, 1, 1},
			{tagRowsPerStrip, typeLong, 1, uint32(s.Height)},
			{tagStripByteCounts, typeLong, 1, pageBytes},
			{tagPlanarConfig, typeShort, 1, 1},
			{tagSampleFormat, typeShort, 1, formatFloat},
		}
		// PageNumber holds 16-bit values; deeper stacks go without it
		if s.Depth <= math.MaxUint16 {
			entries = append(entries, ifdEntry{tagPageNumber, typeShort, 2, uint32(z) | uint32(s.Depth)<<16})
		}
		ifdSize := uint64(2 + 12*len(entries) + 4)

		// page layout: IFD followed by its strip
		ifdOffset := offset
		stripOffset := ifdOffset + ifdSize
		next := stripOffset + uint64(pageBytes)
		if next > math.MaxUint32 {
			return fmt.Errorf("stack of %d pages exceeds the 4 GiB TIFF limit", s.Depth)
		}
		entries[5].value = uint32(stripOffset)
		nextIFD := uint32(next)
		if z == s.Depth-1 {
			nextIFD = 0
		}

		if err := writeIFD(bw, order, entries, nextIFD); err != nil {
			return err
		}
		for _, v := range s.Plane(z) {
			order.PutUint32(sample, math.Float32bits(float32(v)))
			if _, err := bw.Write(sample); err != nil {
				return err
			}
		}
		offset = next
	}
	return bw.Flush()
}

// EncodeBytes returns the encoding of s.
func EncodeBytes(s *models.Stack) ([]byte, error) {
	var buf bytes.Buffer
	if err := Encode(&buf, s); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeIFD(w io.Writer, order binary.ByteOrder, entries []ifdEntry, next uint32) error {
	sort.Slice(entries, func(i, j int) bool { return entries[i].tag < entries[j].tag })

	buf := make([]byte, 2+12*len(entries)+4)
	order.PutUint16(buf, uint16(len(entries)))
	for i, e := range entries {
		p := buf[2+12*i:]
		order.PutUint16(p[0:], e.tag)
		order.PutUint16(p[2:], e.typ)
		order.PutUint32(p[4:], e.count)
		if e.typ == typeShort && e.count == 2 {
			order.PutUint16(p[8:], uint16(e.value))
			order.PutUint16(p[10:], uint16(e.value>>16))
		} else if e.typ == typeShort {
			order.PutUint16(p[8:], uint16(e.value))
		} else {
			order.PutUint32(p[8:], e.value)
		}
	}
	order.PutUint32(buf[len(buf)-4:], next)
	_, err := w.Write(buf)
	return err
}
