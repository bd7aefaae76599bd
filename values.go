package visa

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/smnsjas/go-visacore/blocks"
	"github.com/smnsjas/go-visacore/constants"
)

// BlockFormat selects the binary block header.
type BlockFormat int

const (
	// BlockIEEE is the IEEE 488.2 "#<n><length><data>" block.
	BlockIEEE BlockFormat = iota
	// BlockHP is the HP "#A<uint16 length><data>" block.
	BlockHP
	// BlockEmpty is raw data without header.
	BlockEmpty
)

func (f BlockFormat) String() string {
	switch f {
	case BlockIEEE:
		return "ieee"
	case BlockHP:
		return "hp"
	case BlockEmpty:
		return "empty"
	default:
		return fmt.Sprintf("BlockFormat(%d)", int(f))
	}
}

// ErrUnknownBlockFormat is returned for an invalid BlockFormat.
var ErrUnknownBlockFormat = errors.New("unknown block format")

// BinaryOptions controls binary value transfers.
type BinaryOptions struct {
	Format    BlockFormat
	BigEndian bool
	// NoTermination tells that the instrument sends nothing after the
	// block. By default the read termination following it is consumed.
	NoTermination bool
	// Parse is passed to the header parser.
	Parse blocks.ParseOptions
}

// ASCIIOptions controls ASCII value transfers. The zero value uses the 'f'
// converter and a comma separator.
type ASCIIOptions struct {
	Converter byte
	Separator string
}

func (o ASCIIOptions) converter() byte {
	if o.Converter == 0 {
		return 'f'
	}
	return o.Converter
}

func (o ASCIIOptions) separator() string {
	if o.Separator == "" {
		return blocks.DefaultSeparator
	}
	return o.Separator
}

// ReadASCIIValues reads a message and converts its separated values.
func ReadASCIIValues[T blocks.Numeric](ctx context.Context, r *MessageResource, opts ASCIIOptions) ([]T, error) {
	msg, err := r.Read(ctx)
	if err != nil {
		return nil, err
	}
	values, err := blocks.DecodeASCII[T](msg, opts.converter(), opts.separator())
	if err != nil {
		return nil, fmt.Errorf("%s: %w", r.name, err)
	}
	return values, nil
}

// QueryASCIIValues writes cmd and reads the ASCII values of the response.
func QueryASCIIValues[T blocks.Numeric](ctx context.Context, r *MessageResource, cmd string, opts ASCIIOptions) ([]T, error) {
	if err := r.writeAndWait(ctx, cmd); err != nil {
		return nil, err
	}
	return ReadASCIIValues[T](ctx, r, opts)
}

// WriteASCIIValues writes cmd immediately followed by the formatted values.
func WriteASCIIValues[T blocks.Numeric](ctx context.Context, r *MessageResource, cmd string, values []T, opts ASCIIOptions) (int, error) {
	text, err := blocks.EncodeASCII(values, opts.converter(), opts.separator())
	if err != nil {
		return 0, err
	}
	return r.Write(ctx, cmd+text)
}

// headerSize is how much is read before the header is parsed.
const headerSize = 64

// ReadBinaryValues reads a binary block and decodes its values. The block
// length from the header decides how much is read, so termination
// characters inside the data do not cut it short.
func ReadBinaryValues[T blocks.Number](ctx context.Context, r *MessageResource, opts BinaryOptions) ([]T, error) {
	term, _, _, _, err := r.settings()
	if err != nil {
		return nil, err
	}

	if opts.Format == BlockEmpty {
		raw, err := r.ReadRaw(ctx)
		if err != nil {
			return nil, err
		}
		raw = bytes.TrimSuffix(raw, []byte(term))
		return blocks.DecodeBinary[T](raw, 0, -1, opts.BigEndian)
	}

	buf, status, err := r.readChunk(ctx, headerSize)
	if err != nil {
		return nil, err
	}
	for {
		total, known, err := blockSize(buf, opts)
		switch {
		case errors.Is(err, blocks.ErrIncompleteBlock) && status != constants.StatusSuccess:
			// Header split across reads.
			more, st, err := r.readChunk(ctx, headerSize)
			buf = append(buf, more...)
			if err != nil {
				return nil, err
			}
			status = st
			continue
		case err != nil:
			return nil, fmt.Errorf("%s: %w", r.name, err)
		case !known:
			// Indefinite block: read to the end of the message.
			if status == constants.StatusSuccessMaxCount {
				rest, err := r.ReadRaw(ctx)
				buf = append(buf, rest...)
				if err != nil {
					return nil, err
				}
			}
			if !opts.NoTermination {
				buf = bytes.TrimSuffix(buf, []byte(term))
			}
		default:
			if !opts.NoTermination {
				total += len(term)
			}
			if len(buf) < total && status != constants.StatusSuccess {
				rest, err := r.ReadBytes(ctx, total-len(buf))
				buf = append(buf, rest...)
				if err != nil {
					return nil, err
				}
			}
		}
		values, err := decodeBlock[T](buf, opts)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", r.name, err)
		}
		return values, nil
	}
}

// blockSize returns the total size (header and data) of the block at the
// start of buf. known is false for indefinite blocks and for headers that
// are not complete yet (err is then ErrIncompleteBlock).
func blockSize(buf []byte, opts BinaryOptions) (total int, known bool, err error) {
	switch opts.Format {
	case BlockIEEE:
		h, err := blocks.ParseIEEEHeader(buf, opts.Parse)
		if err != nil {
			return 0, false, err
		}
		if h.Length < 0 {
			return 0, false, nil
		}
		return h.Offset + h.Length, true, nil
	case BlockHP:
		h, err := blocks.ParseHPHeader(buf, opts.BigEndian, opts.Parse)
		if err != nil {
			return 0, false, err
		}
		return h.Offset + h.Length, true, nil
	default:
		return 0, false, fmt.Errorf("%w: %s", ErrUnknownBlockFormat, opts.Format)
	}
}

func decodeBlock[T blocks.Number](buf []byte, opts BinaryOptions) ([]T, error) {
	switch opts.Format {
	case BlockIEEE:
		return blocks.DecodeIEEEWithOptions[T](buf, opts.BigEndian, opts.Parse)
	case BlockHP:
		return blocks.DecodeHPWithOptions[T](buf, opts.BigEndian, opts.Parse)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownBlockFormat, opts.Format)
	}
}

// QueryBinaryValues writes cmd and reads the binary block of the response.
func QueryBinaryValues[T blocks.Number](ctx context.Context, r *MessageResource, cmd string, opts BinaryOptions) ([]T, error) {
	if err := r.writeAndWait(ctx, cmd); err != nil {
		return nil, err
	}
	return ReadBinaryValues[T](ctx, r, opts)
}

// WriteBinaryValues writes cmd followed by the values as a binary block and
// the write termination.
func WriteBinaryValues[T blocks.Number](ctx context.Context, r *MessageResource, cmd string, values []T, opts BinaryOptions) (int, error) {
	_, term, _, _, err := r.settings()
	if err != nil {
		return 0, err
	}

	var block []byte
	switch opts.Format {
	case BlockIEEE:
		block, err = blocks.EncodeIEEE(values, opts.BigEndian)
	case BlockHP:
		block, err = blocks.EncodeHP(values, opts.BigEndian)
	case BlockEmpty:
		block = blocks.EncodeBinary(values, opts.BigEndian)
	default:
		err = fmt.Errorf("%w: %s", ErrUnknownBlockFormat, opts.Format)
	}
	if err != nil {
		return 0, err
	}

	msg := make([]byte, 0, len(cmd)+len(block)+len(term))
	msg = append(msg, cmd...)
	msg = append(msg, block...)
	msg = append(msg, term...)
	return r.WriteRaw(ctx, msg)
}
