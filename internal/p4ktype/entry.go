package p4ktype

import (
	"strings"
	"time"
)

// Entry describes a member of the archive as recorded in the central
// directory. Sizes and the local header offset are already widened from
// their Zip64 extra-field values.
type Entry struct {
	// Name is the archive-relative path exactly as stored. Shipped
	// containers use backslash separators.
	Name string

	// Comment is the per-entry comment. It carries no meaning for extraction.
	Comment string

	// CompressedSize is the number of payload bytes following the local
	// header. For crypted entries this is the ciphertext length.
	CompressedSize uint64

	// UncompressedSize is the decoded size in bytes.
	UncompressedSize uint64

	// LocalHeaderOffset is the absolute offset of the entry's local header.
	LocalHeaderOffset uint64

	// DiskNumberStart is the disk holding the local header.
	DiskNumberStart uint32

	// CRC32 is the checksum recorded in the central directory.
	CRC32 uint32

	// ModTime is the modification time decoded from the MS-DOS fields.
	ModTime time.Time

	// Method is the compression method.
	Method Method

	// Crypted reports whether the payload is AES encrypted.
	Crypted bool
}

// OutputPath returns Name as a slash-separated relative path.
func (e *Entry) OutputPath() string {
	return NormalizeName(e.Name)
}

// NormalizeName converts an archive name to a slash-separated path with no
// leading separator.
func NormalizeName(name string) string {
	name = strings.ReplaceAll(name, `\`, "/")
	return strings.TrimLeft(name, "/")
}
