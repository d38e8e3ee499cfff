package format

import (
	"encoding/binary"
	"fmt"

	"github.com/meigma/p4k/internal/p4ktype"
)

// Extra-field sub-record ids, in the order they must appear.
const (
	Zip64ExtraID    uint16 = 0x0001
	PaddingExtraID  uint16 = 0x5000
	CryptExtraID    uint16 = 0x5002
	TrailerExtraID  uint16 = 0x5003
	CryptExtraSize  uint16 = 6
	vendorHeaderLen        = 4
)

// Extra holds the values carried in a central directory extra field,
// already merged with the 32-bit header fields they widen.
type Extra struct {
	UncompressedSize  uint64
	CompressedSize    uint64
	LocalHeaderOffset uint64
	DiskNumberStart   uint32
	Crypted           bool
}

// ParseExtra decodes a vendor extra field. There is no sub-record directory,
// so each sub-record must appear at its fixed position: the Zip64 block, the
// 0x5000 padding, the 0x5002 crypt flag and the 0x5003 padding. Padding sizes
// count their own 4-byte header. The walk must consume buf exactly.
func ParseExtra(buf []byte, hdr CentralDirHeader) (Extra, error) {
	c := extraCursor{buf: buf}
	ex := Extra{
		UncompressedSize:  uint64(hdr.UncompressedSize),
		CompressedSize:    uint64(hdr.CompressedSize),
		LocalHeaderOffset: uint64(hdr.LocalHeaderOffset),
		DiskNumberStart:   uint32(hdr.DiskNumberStart),
	}

	if id := c.u16(); id != Zip64ExtraID {
		return Extra{}, c.fail("zip64 extra id %#04x", id)
	}
	_ = c.u16() // zip64 block size; the sentinel fields decide what follows
	if hdr.UncompressedSize == Sentinel32 {
		ex.UncompressedSize = c.u64()
	}
	if hdr.CompressedSize == Sentinel32 {
		ex.CompressedSize = c.u64()
	}
	if hdr.LocalHeaderOffset == Sentinel32 {
		ex.LocalHeaderOffset = c.u64()
	}
	if hdr.DiskNumberStart == Sentinel16 {
		ex.DiskNumberStart = c.u32()
	}

	if err := c.skipPadding(PaddingExtraID); err != nil {
		return Extra{}, err
	}

	if id := c.u16(); id != CryptExtraID {
		return Extra{}, c.fail("extra id %#04x, want %#04x", id, CryptExtraID)
	}
	if size := c.u16(); size != CryptExtraSize {
		return Extra{}, c.fail("crypt extra size %d, want %d", size, CryptExtraSize)
	}
	ex.Crypted = c.u16() != 0

	if err := c.skipPadding(TrailerExtraID); err != nil {
		return Extra{}, err
	}

	if c.short {
		return Extra{}, c.fail("extra field truncated")
	}
	if c.pos != len(buf) {
		return Extra{}, c.fail("consumed %d of %d extra field bytes", c.pos, len(buf))
	}
	return ex, nil
}

// EncodeExtra builds an extra field the way ParseExtra expects it. Only
// the widened values whose header field holds a sentinel are written.
func EncodeExtra(ex Extra, hdr CentralDirHeader, padding, trailer int) []byte {
	var zip64 []byte
	if hdr.UncompressedSize == Sentinel32 {
		zip64 = binary.LittleEndian.AppendUint64(zip64, ex.UncompressedSize)
	}
	if hdr.CompressedSize == Sentinel32 {
		zip64 = binary.LittleEndian.AppendUint64(zip64, ex.CompressedSize)
	}
	if hdr.LocalHeaderOffset == Sentinel32 {
		zip64 = binary.LittleEndian.AppendUint64(zip64, ex.LocalHeaderOffset)
	}
	if hdr.DiskNumberStart == Sentinel16 {
		zip64 = binary.LittleEndian.AppendUint32(zip64, ex.DiskNumberStart)
	}

	out := make([]byte, 0, 4+len(zip64)+vendorHeaderLen*3+padding+trailer+2)
	out = binary.LittleEndian.AppendUint16(out, Zip64ExtraID)
	out = binary.LittleEndian.AppendUint16(out, uint16(len(zip64))) //nolint:gosec // at most 28 bytes
	out = append(out, zip64...)

	out = binary.LittleEndian.AppendUint16(out, PaddingExtraID)
	out = binary.LittleEndian.AppendUint16(out, uint16(padding+vendorHeaderLen)) //nolint:gosec // fixture sizes are small
	out = append(out, make([]byte, padding)...)

	var crypted uint16
	if ex.Crypted {
		crypted = 1
	}
	out = binary.LittleEndian.AppendUint16(out, CryptExtraID)
	out = binary.LittleEndian.AppendUint16(out, CryptExtraSize)
	out = binary.LittleEndian.AppendUint16(out, crypted)

	out = binary.LittleEndian.AppendUint16(out, TrailerExtraID)
	out = binary.LittleEndian.AppendUint16(out, uint16(trailer+vendorHeaderLen)) //nolint:gosec // fixture sizes are small
	out = append(out, make([]byte, trailer)...)
	return out
}

// extraCursor reads little-endian values from an extra field. Reads past the
// end return zero and set short, so callers check once at the end.
type extraCursor struct {
	buf   []byte
	pos   int
	short bool
}

func (c *extraCursor) take(n int) []byte {
	if c.short || n > len(c.buf)-c.pos {
		c.short = true
		return nil
	}
	b := c.buf[c.pos : c.pos+n]
	c.pos += n
	return b
}

func (c *extraCursor) u16() uint16 {
	if b := c.take(2); b != nil {
		return binary.LittleEndian.Uint16(b)
	}
	return 0
}

func (c *extraCursor) u32() uint32 {
	if b := c.take(4); b != nil {
		return binary.LittleEndian.Uint32(b)
	}
	return 0
}

func (c *extraCursor) u64() uint64 {
	if b := c.take(8); b != nil {
		return binary.LittleEndian.Uint64(b)
	}
	return 0
}

func (c *extraCursor) skipPadding(want uint16) error {
	if id := c.u16(); id != want {
		return c.fail("extra id %#04x, want %#04x", id, want)
	}
	size := c.u16()
	if size < vendorHeaderLen {
		return c.fail("extra %#04x size %d below header size", want, size)
	}
	c.take(int(size) - vendorHeaderLen)
	return nil
}

func (c *extraCursor) fail(format string, args ...any) error {
	if c.short {
		return fmt.Errorf("%w: extra field truncated at byte %d of %d", p4ktype.ErrCorruptArchive, c.pos, len(c.buf))
	}
	return fmt.Errorf("%w: %s", p4ktype.ErrCorruptArchive, fmt.Sprintf(format, args...))
}
