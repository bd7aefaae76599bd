// Package blocks encodes and decodes the data blocks instruments use to
// transfer arrays of values.
//
// # Binary Blocks
//
// IEEE 488.2 definite length arbitrary block:
//
//	┌─────┬───────────────┬──────────────────────┬──────────────────────┐
//	│ '#' │ n (1 digit)   │ length (n digits)    │ data (length bytes)  │
//	└─────┴───────────────┴──────────────────────┴──────────────────────┘
//
// IEEE 488.2 indefinite length arbitrary block (data runs to the end of the
// message, usually terminated by a newline):
//
//	┌─────┬─────┬──────────────────────────────────────────────────────┐
//	│ '#' │ '0' │ data                                                 │
//	└─────┴─────┴──────────────────────────────────────────────────────┘
//
// HP block, as used by older HP/Agilent instruments:
//
//	┌─────┬─────┬──────────────────────┬──────────────────────┐
//	│ '#' │ 'A' │ length (2 bytes)     │ data (length bytes)  │
//	└─────┴─────┴──────────────────────┴──────────────────────┘
//
// The HP length field uses the same byte order as the data.
//
// Some instruments prepend text (an echo of the command, a header) before
// the block, so the decoders search for the block start. A start found
// unexpectedly far in the message usually means the real header was lost
// and a '#' inside the binary payload was picked up instead. That case is
// logged, or rejected with ErrLateBlock when ParseOptions.RaiseOnLateBlock
// is set.
//
// Some instruments report a length of zero instead of the actual length.
// The decoders then use everything after the header except the final
// termination byte.
//
// # Byte Order (Endianness)
//
// Element byte order is chosen by the caller. Most instruments default to
// big-endian ("network order") but many can be switched with a command such
// as FORM:BORD SWAP.
//
// # ASCII Blocks
//
// ASCII blocks are separated lists of printed values ("1.0,2.5,3e-3").
// EncodeASCII uses printf-like codes, DecodeASCII uses converter codes:
//
//	d        decimal integer
//	b o x X  integer in base 2, 8, 16
//	e E f F  floating point
//	g G      floating point
//
// # Usage
//
//	block, err := blocks.EncodeIEEE([]float32{1, 2, 3}, false)
//	values, err := blocks.DecodeIEEE[float32](block, false)
//
// # Reference
//
// IEEE 488.2-1992 Section 7.7.6 (Arbitrary Block Program Data).
package blocks
