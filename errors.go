package p4k

import "github.com/meigma/p4k/internal/p4ktype"

// Errors re-exported from the internal packages.
var (
	// ErrNotFound is returned when an end record signature cannot be located.
	// It is always joined with ErrCorruptArchive.
	ErrNotFound = p4ktype.ErrNotFound

	// ErrUnsupportedFormat is returned when the container is not a Zip64 archive.
	ErrUnsupportedFormat = p4ktype.ErrUnsupportedFormat

	// ErrUnsupportedCompression is returned for entries using a compression
	// method other than store or zstd. It also matches ErrUnsupportedFormat.
	ErrUnsupportedCompression = p4ktype.ErrUnsupportedCompression

	// ErrCorruptArchive is returned when the end records or the central
	// directory are malformed.
	ErrCorruptArchive = p4ktype.ErrCorruptArchive

	// ErrCorruptEntry is returned when a single entry's local header or
	// payload is malformed.
	ErrCorruptEntry = p4ktype.ErrCorruptEntry

	// ErrDecompression is returned when decompression fails.
	ErrDecompression = p4ktype.ErrDecompression

	// ErrChecksumMismatch is returned when verification is enabled and
	// decoded content does not match the recorded size or CRC-32.
	ErrChecksumMismatch = p4ktype.ErrChecksumMismatch

	// ErrSizeOverflow is returned when a size value overflows, or a crypted
	// entry exceeds the buffered bytes budget.
	ErrSizeOverflow = p4ktype.ErrSizeOverflow
)
