package file

import (
	"fmt"

	"github.com/meigma/p4k/internal/format"
	"github.com/meigma/p4k/internal/sizing"
)

// ValidateMethod checks that the entry's compression method can be decoded
// and that stored entries declare equal sizes.
//
// The size rule applies to crypted stored entries too: their compressed size
// includes block padding, so they only pass when the plaintext is already
// block aligned.
func ValidateMethod(entry *Entry) error {
	if !entry.Method.Supported() {
		return fmt.Errorf("%w: %s", ErrUnsupportedCompression, entry.Method)
	}
	if entry.Method == MethodStore && entry.CompressedSize != entry.UncompressedSize {
		return fmt.Errorf("%w: stored entry has compressed size %d but uncompressed size %d",
			ErrCorruptEntry, entry.CompressedSize, entry.UncompressedSize)
	}
	return nil
}

// ValidateHeaderRange checks that the fixed local header of entry lies inside
// a container of sourceSize bytes.
func ValidateHeaderRange(entry *Entry, sourceSize int64) error {
	if !sizing.Within(entry.LocalHeaderOffset, 4+format.LocalHeaderLen, sourceSize) {
		return fmt.Errorf("%w: local header offset %d outside container of %d bytes",
			ErrCorruptEntry, entry.LocalHeaderOffset, sourceSize)
	}
	return nil
}

// ValidatePayloadRange checks that [dataOffset, dataOffset+CompressedSize)
// lies inside a container of sourceSize bytes.
func ValidatePayloadRange(entry *Entry, dataOffset uint64, sourceSize int64) error {
	if !sizing.Within(dataOffset, entry.CompressedSize, sourceSize) {
		return fmt.Errorf("%w: payload [%d, +%d) outside container of %d bytes",
			ErrCorruptEntry, dataOffset, entry.CompressedSize, sourceSize)
	}
	return nil
}
