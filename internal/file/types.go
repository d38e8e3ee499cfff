package file

import "github.com/meigma/p4k/internal/p4ktype"

// Types shared with the index and batch packages.
type (
	Entry  = p4ktype.Entry
	Method = p4ktype.Method
)

// Re-export method constants.
const (
	MethodStore = p4ktype.MethodStore
	MethodZstd  = p4ktype.MethodZstd
)

// Re-export sentinel errors.
var (
	ErrCorruptEntry           = p4ktype.ErrCorruptEntry
	ErrDecompression          = p4ktype.ErrDecompression
	ErrChecksumMismatch       = p4ktype.ErrChecksumMismatch
	ErrSizeOverflow           = p4ktype.ErrSizeOverflow
	ErrUnsupportedCompression = p4ktype.ErrUnsupportedCompression
)
