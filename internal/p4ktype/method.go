package p4ktype

import "strconv"

// Method identifies the compression method of an entry.
type Method uint16

const (
	// MethodStore marks entries stored without compression.
	MethodStore Method = 0

	// MethodZstd marks entries compressed with the vendor codec, which uses
	// zstd framing.
	MethodZstd Method = 100
)

// Supported reports whether entries using m can be decoded.
func (m Method) Supported() bool {
	return m == MethodStore || m == MethodZstd
}

// String returns the human-readable name of the method.
func (m Method) String() string {
	switch m {
	case MethodStore:
		return "store"
	case MethodZstd:
		return "zstd"
	default:
		return "method(" + strconv.Itoa(int(m)) + ")"
	}
}
