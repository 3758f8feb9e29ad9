package tiffstack

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"tomorecon/internal/models"
)

// maxPages bounds the directory chain of malformed files.
const maxPages = 1 << 16

// Info describes a decoded file.
type Info struct {
	Pages int
	// DType names the sample type, for example "uint16" or "float32".
	DType string
}

type page struct {
	width, height  int
	bits           int
	format         int
	compression    int
	samples        int
	stripOffsets   []uint32
	stripByteCount []uint32
}

// Decode reads every page of a TIFF into a stack. Pages must be
// uncompressed, single-sample and share one size. Supported samples are
// 8/16/32 bit unsigned or signed integers and 32/64 bit floats.
func Decode(r io.Reader) (*models.Stack, Info, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, Info{}, fmt.Errorf("reading tiff: %v", err)
	}
	if len(data) < headerSize {
		return nil, Info{}, fmt.Errorf("file too short for a tiff header")
	}

	var order binary.ByteOrder
	switch string(data[:2]) {
	case "II":
		order = binary.LittleEndian
	case "MM":
		order = binary.BigEndian
	default:
		return nil, Info{}, fmt.Errorf("not a tiff file")
	}
	if order.Uint16(data[2:]) != 42 {
		return nil, Info{}, fmt.Errorf("unsupported tiff version %d", order.Uint16(data[2:]))
	}

	var pages []page
	seen := map[uint32]bool{}
	next := order.Uint32(data[4:])
	for next != 0 {
		if len(pages) == maxPages {
			return nil, Info{}, fmt.Errorf("more than %d pages", maxPages)
		}
		if seen[next] {
			return nil, Info{}, fmt.Errorf("page %d: directory at %d repeats", len(pages), next)
		}
		seen[next] = true
		p, n, err := readIFD(data, order, next)
		if err != nil {
			return nil, Info{}, fmt.Errorf("page %d: %v", len(pages), err)
		}
		pages = append(pages, p)
		next = n
	}
	if len(pages) == 0 {
		return nil, Info{}, fmt.Errorf("tiff has no pages")
	}

	first := pages[0]
	dtype, err := sampleType(first)
	if err != nil {
		return nil, Info{}, err
	}
	// every page is checked against the file before anything is allocated
	for z, p := range pages {
		if p.width != first.width || p.height != first.height {
			return nil, Info{}, fmt.Errorf("page %d is %dx%d, page 0 is %dx%d", z, p.width, p.height, first.width, first.height)
		}
		if p.bits != first.bits || p.format != first.format {
			return nil, Info{}, fmt.Errorf("page %d changes the sample type", z)
		}
		if err := checkStrips(p, len(data)); err != nil {
			return nil, Info{}, fmt.Errorf("page %d: %v", z, err)
		}
	}

	need, _ := pageBytes(first)
	if need*uint64(len(pages)) > uint64(len(data)) {
		return nil, Info{}, fmt.Errorf("%d pages of %d bytes do not fit in a %d byte file", len(pages), need, len(data))
	}

	stack := models.NewStack(len(pages), first.height, first.width)
	for z, p := range pages {
		if err := decodePage(data, order, p, stack.Plane(z)); err != nil {
			return nil, Info{}, fmt.Errorf("page %d: %v", z, err)
		}
	}
	return stack, Info{Pages: len(pages), DType: dtype}, nil
}

func readIFD(data []byte, order binary.ByteOrder, offset uint32) (page, uint32, error) {
	p := page{compression: 1, samples: 1, bits: 1, format: formatUint}
	if uint64(offset)+2 > uint64(len(data)) {
		return p, 0, fmt.Errorf("directory offset %d out of bounds", offset)
	}
	count := int(order.Uint16(data[offset:]))
	end := uint64(offset) + 2 + 12*uint64(count) + 4
	if end > uint64(len(data)) {
		return p, 0, fmt.Errorf("directory at %d is truncated", offset)
	}

	for i := 0; i < count; i++ {
		e := data[int(offset)+2+12*i:]
		tag := order.Uint16(e[0:])
		typ := order.Uint16(e[2:])
		n := order.Uint32(e[4:])
		values, err := fieldValues(data, order, typ, n, e[8:12])
		if err != nil {
			return p, 0, fmt.Errorf("tag %d: %v", tag, err)
		}
		if len(values) == 0 {
			continue
		}
		switch tag {
		case tagImageWidth:
			p.width = int(values[0])
		case tagImageLength:
			p.height = int(values[0])
		case tagBitsPerSample:
			p.bits = int(values[0])
		case tagCompression:
			p.compression = int(values[0])
		case tagSamplesPerPixel:
			p.samples = int(values[0])
		case tagSampleFormat:
			p.format = int(values[0])
		case tagStripOffsets:
			p.stripOffsets = values
		case tagStripByteCounts:
			p.stripByteCount = values
		}
	}

	if p.width <= 0 || p.height <= 0 {
		return p, 0, fmt.Errorf("missing image size")
	}
	if p.compression != 1 {
		return p, 0, fmt.Errorf("compression %d is not supported", p.compression)
	}
	if p.samples != 1 {
		return p, 0, fmt.Errorf("%d samples per pixel; only single-channel images are supported", p.samples)
	}
	if len(p.stripOffsets) == 0 || len(p.stripOffsets) != len(p.stripByteCount) {
		return p, 0, fmt.Errorf("missing or inconsistent strip layout")
	}
	return p, order.Uint32(data[end-4:]), nil
}

// fieldValues returns the values of an integer field, reading out-of-line
// data when it does not fit in the entry.
func fieldValues(data []byte, order binary.ByteOrder, typ uint16, n uint32, inline []byte) ([]uint32, error) {
	var size uint32
	switch typ {
	case typeByte:
		size = 1
	case typeShort, typeSShort:
		size = 2
	case typeLong, typeSLong:
		size = 4
	default:
		return nil, nil
	}
	total := uint64(size) * uint64(n)
	raw := inline
	if total > 4 {
		off := uint64(order.Uint32(inline))
		if off+total > uint64(len(data)) {
			return nil, fmt.Errorf("values out of bounds")
		}
		raw = data[off : off+total]
	}

	out := make([]uint32, n)
	for i := range out {
		switch size {
		case 1:
			out[i] = uint32(raw[i])
		case 2:
			out[i] = uint32(order.Uint16(raw[2*i:]))
		case 4:
			out[i] = order.Uint32(raw[4*i:])
		}
	}
	return out, nil
}

func sampleType(p page) (string, error) {
	switch {
	case p.format == formatUint && (p.bits == 8 || p.bits == 16 || p.bits == 32):
		return fmt.Sprintf("uint%d", p.bits), nil
	case p.format == formatInt && (p.bits == 8 || p.bits == 16 || p.bits == 32):
		return fmt.Sprintf("int%d", p.bits), nil
	case p.format == formatFloat && (p.bits == 32 || p.bits == 64):
		return fmt.Sprintf("float%d", p.bits), nil
	}
	return "", fmt.Errorf("unsupported sample type: %d bits, format %d", p.bits, p.format)
}

// pageBytes is the size of one page's samples, or an error when the header
// size does not fit in memory.
func pageBytes(p page) (uint64, error) {
	const limit = math.MaxInt32
	w, h, b := uint64(p.width), uint64(p.height), uint64(p.bits/8)
	if w > limit || h > limit || w*h > limit/b {
		return 0, fmt.Errorf("image size %dx%d is too large", p.width, p.height)
	}
	return w * h * b, nil
}

// checkStrips verifies that the strips lie inside the file and hold at least
// one page of samples.
func checkStrips(p page, size int) error {
	need, err := pageBytes(p)
	if err != nil {
		return err
	}
	if need > uint64(size) {
		return fmt.Errorf("%dx%d samples need %d bytes, file holds %d", p.width, p.height, need, size)
	}
	var total uint64
	for i, off := range p.stripOffsets {
		end := uint64(off) + uint64(p.stripByteCount[i])
		if end > uint64(size) {
			return fmt.Errorf("strip %d out of bounds", i)
		}
		total += uint64(p.stripByteCount[i])
	}
	if total < need {
		return fmt.Errorf("strips hold %d bytes, need %d", total, need)
	}
	return nil
}

func decodePage(data []byte, order binary.ByteOrder, p page, dst []float64) error {
	bytesPer := p.bits / 8
	need := len(dst) * bytesPer
	buf := make([]byte, 0, need)
	for i, off := range p.stripOffsets {
		end := uint64(off) + uint64(p.stripByteCount[i])
		if end > uint64(len(data)) {
			return fmt.Errorf("strip %d out of bounds", i)
		}
		buf = append(buf, data[off:end]...)
	}
	if len(buf) < need {
		return fmt.Errorf("strips hold %d bytes, need %d", len(buf), need)
	}

	for i := range dst {
		b := buf[i*bytesPer:]
		switch {
		case p.format == formatFloat && p.bits == 32:
			dst[i] = float64(math.Float32frombits(order.Uint32(b)))
		case p.format == formatFloat && p.bits == 64:
			dst[i] = math.Float64frombits(order.Uint64(b))
		case p.bits == 8 && p.format == formatInt:
			dst[i] = float64(int8(b[0]))
		case p.bits == 8:
			dst[i] = float64(b[0])
		case p.bits == 16 && p.format == formatInt:
			dst[i] = float64(int16(order.Uint16(b)))
		case p.bits == 16:
			dst[i] = float64(order.Uint16(b))
		case p.bits == 32 && p.format == formatInt:
			dst[i] = float64(int32(order.Uint32(b)))
		default:
			dst[i] = float64(order.Uint32(b))
		}
	}
	return nil
}
