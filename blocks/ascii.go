package blocks

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	// ErrUnsupportedFormat is returned for an unknown EncodeASCII code.
	ErrUnsupportedFormat = errors.New("unsupported format character")
	// ErrInvalidConverter is returned for an unknown DecodeASCII code.
	ErrInvalidConverter = errors.New("invalid code for converter")
)

// DefaultSeparator separates values in ASCII blocks.
const DefaultSeparator = ","

// Numeric lists the element types ASCII blocks can carry.
type Numeric interface {
	Number | ~int | ~uint
}

const (
	intCodes   = "dboxX"
	floatCodes = "eEfFgG"
)

// EncodeASCII prints values with the printf-like code and joins them with
// separator.
func EncodeASCII[T Numeric](values []T, code byte, separator string) (string, error) {
	if !strings.ContainsRune(intCodes+floatCodes, rune(code)) {
		return "", fmt.Errorf("%w: %q, expected one of %q", ErrUnsupportedFormat, code, intCodes+floatCodes)
	}

	verb := "%" + string(code)
	isFloat := strings.ContainsRune(floatCodes, rune(code))
	parts := make([]string, len(values))
	for i, v := range values {
		if isFloat {
			parts[i] = fmt.Sprintf(verb, float64(v))
		} else {
			parts[i] = fmt.Sprintf(verb, int64(v))
		}
	}
	return strings.Join(parts, separator), nil
}

// EncodeASCIIFunc formats each value with format and combines the results
// with join.
func EncodeASCIIFunc[T any](values []T, format func(T) string, join func([]string) string) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = format(v)
	}
	return join(parts)
}

// DecodeASCII splits data on separator and converts each field according to
// the converter code. Surrounding whitespace of each field is ignored.
func DecodeASCII[T Numeric](data string, code byte, separator string) ([]T, error) {
	conv, err := converter[T](code)
	if err != nil {
		return nil, err
	}
	return DecodeASCIIFunc(data, conv, func(s string) []string {
		return strings.Split(s, separator)
	})
}

// DecodeASCIIFunc splits data with split and converts each field with
// convert.
func DecodeASCIIFunc[T any](data string, convert func(string) (T, error), split func(string) []string) ([]T, error) {
	data = strings.TrimSpace(data)
	if data == "" {
		return []T{}, nil
	}

	fields := split(data)
	values := make([]T, 0, len(fields))
	for i, field := range fields {
		v, err := convert(strings.TrimSpace(field))
		if err != nil {
			return nil, fmt.Errorf("value %d (%q): %w", i, field, err)
		}
		values = append(values, v)
	}
	return values, nil
}

func converter[T Numeric](code byte) (func(string) (T, error), error) {
	base := 0
	switch code {
	case 'd':
		base = 10
	case 'b':
		base = 2
	case 'o':
		base = 8
	case 'x', 'X':
		base = 16
	case 'e', 'E', 'f', 'F', 'g', 'G':
		return func(s string) (T, error) {
			f, err := strconv.ParseFloat(s, 64)
			return T(f), err
		}, nil
	default:
		return nil, fmt.Errorf("%w: %q not in %q", ErrInvalidConverter, code, intCodes+floatCodes)
	}

	return func(s string) (T, error) {
		s = trimBasePrefix(s, base)
		i, err := strconv.ParseInt(s, base, 64)
		if err != nil {
			// Unsigned values above MaxInt64.
			u, uerr := strconv.ParseUint(s, base, 64)
			if uerr != nil {
				return 0, err
			}
			return T(u), nil
		}
		return T(i), nil
	}, nil
}

// trimBasePrefix removes a 0x/0o/0b prefix matching base, keeping the sign.
func trimBasePrefix(s string, base int) string {
	sign := ""
	if strings.HasPrefix(s, "-") || strings.HasPrefix(s, "+") {
		sign, s = s[:1], s[1:]
	}
	lower := strings.ToLower(s)
	switch {
	case base == 16 && strings.HasPrefix(lower, "0x"),
		base == 8 && strings.HasPrefix(lower, "0o"),
		base == 2 && strings.HasPrefix(lower, "0b"):
		s = s[2:]
	}
	return sign + s
}
