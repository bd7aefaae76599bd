package blocks

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/charmbracelet/log"
)

// DefaultLengthBeforeBlock is how far into a message the block start may be
// found before it is considered suspicious.
const DefaultLengthBeforeBlock = 25

var (
	// ErrNoBlockStart is returned when no block start marker is found.
	ErrNoBlockStart = errors.New("block start not found")
	// ErrLateBlock is returned when the block start is found beyond the
	// allowed offset and ParseOptions.RaiseOnLateBlock is set.
	ErrLateBlock = errors.New("block start found unexpectedly late")
	// ErrIncompleteBlock is returned when the block holds fewer bytes than
	// its header announces.
	ErrIncompleteBlock = errors.New("binary data is incomplete")
	// ErrMalformedBlock is returned when offset and length do not fit the
	// block.
	ErrMalformedBlock = errors.New("malformed binary block")
	// ErrBlockTooLarge is returned when data does not fit the length field.
	ErrBlockTooLarge = errors.New("data too large for block header")
)

// Number lists the element types a binary block can carry.
type Number interface {
	~int8 | ~uint8 | ~int16 | ~uint16 | ~int32 | ~uint32 | ~int64 | ~uint64 | ~float32 | ~float64
}

// ParseOptions controls header parsing.
type ParseOptions struct {
	// LengthBeforeBlock is the largest expected offset of the block start.
	// Zero means DefaultLengthBeforeBlock.
	LengthBeforeBlock int
	// RaiseOnLateBlock turns a late block start into ErrLateBlock instead of
	// a logged warning.
	RaiseOnLateBlock bool
	// Logger receives the late block warning. Nil means log.Default().
	Logger *log.Logger
}

func (o ParseOptions) lengthBeforeBlock() int {
	if o.LengthBeforeBlock <= 0 {
		return DefaultLengthBeforeBlock
	}
	return o.LengthBeforeBlock
}

func (o ParseOptions) logger() *log.Logger {
	if o.Logger == nil {
		return log.Default()
	}
	return o.Logger
}

// checkBegin applies the late block policy to a block start found at begin.
func (o ParseOptions) checkBegin(begin int, block []byte) error {
	if begin <= o.lengthBeforeBlock() {
		return nil
	}
	if o.RaiseOnLateBlock {
		return fmt.Errorf("%w: block start at %d: the block may have lost its header and contained a marker in its data",
			ErrLateBlock, begin)
	}
	o.logger().Warn("block start found at an unexpectedly large offset; the block may have lost its header",
		"offset", begin, "prefix", fmt.Sprintf("%q", truncate(block, 40)))
	return nil
}

func byteOrder(bigEndian bool) binary.ByteOrder {
	if bigEndian {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

// elementSize returns the encoded size of one T.
func elementSize[T Number]() int {
	var zero T
	return binary.Size(zero)
}

// DecodeBinary decodes length bytes of block starting at offset into
// elements of T. A negative length means "to the end of block". A length
// that is not a multiple of the element size is truncated.
func DecodeBinary[T Number](block []byte, offset, length int, bigEndian bool) ([]T, error) {
	if offset < 0 || offset > len(block) {
		return nil, fmt.Errorf("%w: offset %d outside block of %d bytes", ErrMalformedBlock, offset, len(block))
	}
	if length < 0 {
		length = len(block) - offset
	}
	if length > len(block)-offset {
		return nil, fmt.Errorf("%w: %d bytes from offset %d exceed block of %d bytes",
			ErrMalformedBlock, length, offset, len(block))
	}

	size := elementSize[T]()
	values := make([]T, length/size)
	if len(values) == 0 {
		return values, nil
	}

	r := bytes.NewReader(block[offset : offset+len(values)*size])
	if err := binary.Read(r, byteOrder(bigEndian), values); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedBlock, err)
	}
	return values, nil
}

// EncodeBinary encodes values without any header.
func EncodeBinary[T Number](values []T, bigEndian bool) []byte {
	var buf bytes.Buffer
	buf.Grow(len(values) * elementSize[T]())
	// Writes to a bytes.Buffer of fixed-size values cannot fail.
	_ = binary.Write(&buf, byteOrder(bigEndian), values)
	return buf.Bytes()
}

// IEEEHeader describes a parsed IEEE 488.2 block header.
type IEEEHeader struct {
	// Offset is the index of the first data byte.
	Offset int
	// Length is the announced data length, -1 for an indefinite block.
	Length int
	// LengthDigits is the number of digits of the length field, 0 for an
	// indefinite block.
	LengthDigits int
}

// ParseIEEEHeader locates and parses an IEEE 488.2 block header.
func ParseIEEEHeader(block []byte, opts ParseOptions) (IEEEHeader, error) {
	begin := bytes.IndexByte(block, '#')
	if begin < 0 {
		return IEEEHeader{}, fmt.Errorf("%w: could not find hash sign (#) indicating the start of the block; the block begins with %q",
			ErrNoBlockStart, truncate(block, 25))
	}
	if err := opts.checkBegin(begin, block); err != nil {
		return IEEEHeader{}, err
	}

	if begin+1 == len(block) {
		return IEEEHeader{}, fmt.Errorf("%w: block ends after the hash sign", ErrIncompleteBlock)
	}
	digits := 0
	if c := block[begin+1]; c >= '0' && c <= '9' {
		digits = int(c - '0')
	}

	h := IEEEHeader{Offset: begin + 2 + digits, Length: -1, LengthDigits: digits}
	if digits == 0 {
		return h, nil
	}
	if h.Offset > len(block) {
		return IEEEHeader{}, fmt.Errorf("%w: header announces %d length digits but the block has %d bytes",
			ErrIncompleteBlock, digits, len(block))
	}

	length := 0
	for _, c := range block[begin+2 : h.Offset] {
		if c < '0' || c > '9' {
			return IEEEHeader{}, fmt.Errorf("%w: invalid length field %q", ErrMalformedBlock, block[begin+2:h.Offset])
		}
		length = length*10 + int(c-'0')
	}
	h.Length = length
	return h, nil
}

// DecodeIEEE decodes an IEEE 488.2 binary block into elements of T.
func DecodeIEEE[T Number](block []byte, bigEndian bool) ([]T, error) {
	return DecodeIEEEWithOptions[T](block, bigEndian, ParseOptions{})
}

// DecodeIEEEWithOptions is DecodeIEEE with explicit header parsing options.
func DecodeIEEEWithOptions[T Number](block []byte, bigEndian bool, opts ParseOptions) ([]T, error) {
	h, err := ParseIEEEHeader(block, opts)
	if err != nil {
		return nil, err
	}

	length := h.Length
	switch {
	case length < 0:
		// Indefinite block: take everything, the termination is not known.
		length = len(block) - h.Offset
	case length == 0:
		// Unreported length: drop the termination byte.
		length = max(len(block)-h.Offset-1, 0)
	}

	if len(block) < h.Offset+length {
		return nil, fmt.Errorf("%w: the header states %d data bytes, but %d were received",
			ErrIncompleteBlock, length, len(block)-h.Offset)
	}
	return DecodeBinary[T](block, h.Offset, length, bigEndian)
}

// EncodeIEEE encodes values as a definite length IEEE 488.2 block.
func EncodeIEEE[T Number](values []T, bigEndian bool) ([]byte, error) {
	data := EncodeBinary(values, bigEndian)
	length := fmt.Sprintf("%d", len(data))
	if len(length) > 9 {
		return nil, fmt.Errorf("%w: %d bytes", ErrBlockTooLarge, len(data))
	}

	out := make([]byte, 0, 2+len(length)+len(data))
	out = append(out, '#', byte('0'+len(length)))
	out = append(out, length...)
	return append(out, data...), nil
}

// HPHeader describes a parsed HP block header.
type HPHeader struct {
	Offset int
	Length int
}

// ParseHPHeader locates and parses an HP block header.
func ParseHPHeader(block []byte, bigEndian bool, opts ParseOptions) (HPHeader, error) {
	begin := bytes.Index(block, []byte("#A"))
	if begin < 0 {
		return HPHeader{}, fmt.Errorf("%w: could not find the standard block header (#A) indicating the start of the block; the block begins with %q",
			ErrNoBlockStart, truncate(block, 25))
	}
	if err := opts.checkBegin(begin, block); err != nil {
		return HPHeader{}, err
	}

	offset := begin + 4
	if offset > len(block) {
		return HPHeader{}, fmt.Errorf("%w: truncated HP block header", ErrIncompleteBlock)
	}
	return HPHeader{
		Offset: offset,
		Length: int(byteOrder(bigEndian).Uint16(block[begin+2 : offset])),
	}, nil
}

// DecodeHP decodes an HP binary block into elements of T.
func DecodeHP[T Number](block []byte, bigEndian bool) ([]T, error) {
	return DecodeHPWithOptions[T](block, bigEndian, ParseOptions{})
}

// DecodeHPWithOptions is DecodeHP with explicit header parsing options.
func DecodeHPWithOptions[T Number](block []byte, bigEndian bool, opts ParseOptions) ([]T, error) {
	h, err := ParseHPHeader(block, bigEndian, opts)
	if err != nil {
		return nil, err
	}

	length := h.Length
	if length == 0 {
		length = max(len(block)-h.Offset-1, 0)
	}
	if len(block) < h.Offset+length {
		return nil, fmt.Errorf("%w: the header states %d data bytes, but %d were received",
			ErrIncompleteBlock, length, len(block)-h.Offset)
	}
	return DecodeBinary[T](block, h.Offset, length, bigEndian)
}

// EncodeHP encodes values as an HP block.
func EncodeHP[T Number](values []T, bigEndian bool) ([]byte, error) {
	data := EncodeBinary(values, bigEndian)
	if len(data) > math.MaxUint16 {
		return nil, fmt.Errorf("%w: %d bytes exceed the 16-bit HP length field", ErrBlockTooLarge, len(data))
	}

	out := make([]byte, 4, 4+len(data))
	out[0], out[1] = '#', 'A'
	byteOrder(bigEndian).PutUint16(out[2:4], uint16(len(data))) // #nosec G115 -- checked against MaxUint16 above
	return append(out, data...), nil
}

// ReadIEEE reads one definite length IEEE block from r, consuming exactly
// the header and the data. Bytes before the '#' are discarded.
func ReadIEEE(r io.ByteReader) ([]byte, error) {
	for {
		c, err := r.ReadByte()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrNoBlockStart, err)
		}
		if c == '#' {
			break
		}
	}

	c, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIncompleteBlock, err)
	}
	if c < '1' || c > '9' {
		return nil, fmt.Errorf("%w: only definite length blocks can be streamed, got %q", ErrMalformedBlock, c)
	}

	header := []byte{'#', c}
	length := 0
	for i := 0; i < int(c-'0'); i++ {
		d, err := r.ReadByte()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrIncompleteBlock, err)
		}
		if d < '0' || d > '9' {
			return nil, fmt.Errorf("%w: invalid length digit %q", ErrMalformedBlock, d)
		}
		header = append(header, d)
		length = length*10 + int(d-'0')
	}

	out := make([]byte, len(header), len(header)+length)
	copy(out, header)
	for i := 0; i < length; i++ {
		d, err := r.ReadByte()
		if err != nil {
			return nil, fmt.Errorf("%w: the header states %d data bytes, but %d were received", ErrIncompleteBlock, length, i)
		}
		out = append(out, d)
	}
	return out, nil
}

// truncate shortens a block for error messages.
func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}
