package p4ktype

import "errors"

// Sentinel errors for p4k operations.
var (
	// ErrNotFound is returned when a record signature cannot be located
	// within its search window.
	ErrNotFound = errors.New("p4k: signature not found")

	// ErrUnsupportedFormat is returned when the container is not a Zip64
	// archive, or an entry uses a feature this reader does not implement.
	ErrUnsupportedFormat = errors.New("p4k: unsupported format")

	// ErrUnsupportedCompression is returned for compression methods other
	// than store and zstd. It matches ErrUnsupportedFormat under errors.Is.
	ErrUnsupportedCompression = &unsupportedError{msg: "p4k: unsupported compression method"}

	// ErrCorruptArchive is returned when the archive directory structures are
	// malformed. No partial index is returned alongside it.
	ErrCorruptArchive = errors.New("p4k: corrupt archive")

	// ErrCorruptEntry is returned when a single entry cannot be read.
	ErrCorruptEntry = errors.New("p4k: corrupt entry")

	// ErrDecompression is returned when decompression fails.
	ErrDecompression = errors.New("p4k: decompression failed")

	// ErrChecksumMismatch is returned by verifying readers when decoded
	// content disagrees with the size or CRC-32 recorded for the entry.
	ErrChecksumMismatch = errors.New("p4k: checksum mismatch")

	// ErrSizeOverflow is returned when byte counts exceed supported limits.
	ErrSizeOverflow = errors.New("p4k: size overflow")
)

type unsupportedError struct {
	msg string
}

func (e *unsupportedError) Error() string { return e.msg }

// Is reports ErrUnsupportedFormat as a match.
func (e *unsupportedError) Is(target error) bool {
	return target == ErrUnsupportedFormat
}
