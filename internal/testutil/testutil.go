// Package testutil synthesizes p4k containers for tests.
package testutil

import (
	"bytes"
	"hash/crc32"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/klauspost/compress/zstd"

	"github.com/meigma/p4k/internal/crypt"
	"github.com/meigma/p4k/internal/format"
	"github.com/meigma/p4k/internal/p4ktype"
)

// localExtraLen is the size of the opaque local extra field written before
// each payload, so extraction has something to skip.
const localExtraLen = 8

// Entry describes one member to synthesize.
type Entry struct {
	Name    string
	Comment string

	// Data is the plaintext content the extractor should reproduce.
	Data []byte

	// Method is written verbatim. MethodZstd entries are compressed.
	Method p4ktype.Method

	// Crypted zero-pads and encrypts the payload with the fixed key.
	Crypted bool

	// PlainSizes writes real 32-bit sizes and offset instead of sentinels,
	// leaving the zip64 block empty.
	PlainSizes bool

	// LocalSignature overrides the local header signature when nonzero.
	LocalSignature uint32

	// ExtraLenSkew is added to the declared extra field length.
	ExtraLenSkew int

	// UncompressedSkew is added to the declared uncompressed size.
	UncompressedSkew int64
}

// Builder assembles a container in memory.
type Builder struct {
	Entries []Entry
	Comment string

	// NotZip64 writes a classic EOCD without Zip64 records.
	NotZip64 bool

	// Zip64Signature overrides the Zip64 EOCD signature when nonzero.
	Zip64Signature uint32

	// OmitLocator drops the Zip64 locator record.
	OmitLocator bool

	// EntriesOnDiskSkew is added to the Zip64 entries-on-disk count.
	EntriesOnDiskSkew int64
}

// Add appends entries and returns the builder.
func (b *Builder) Add(entries ...Entry) *Builder {
	b.Entries = append(b.Entries, entries...)
	return b
}

// Bytes returns the encoded container.
func (b *Builder) Bytes(tb testing.TB) []byte {
	tb.Helper()

	var out bytes.Buffer
	type written struct {
		entry      Entry
		offset     uint64
		compressed uint64
		crc        uint32
	}
	layout := make([]written, 0, len(b.Entries))

	for _, e := range b.Entries {
		payload := Encode(tb, e)
		sig := e.LocalSignature
		if sig == 0 {
			sig = format.LocalHeaderSignature
		}
		offset := uint64(out.Len()) //nolint:gosec // non-negative
		lh := format.LocalFileHeader{
			VersionNeeded:    45,
			Method:           uint16(e.Method),
			CompressedSize:   format.Sentinel32,
			UncompressedSize: format.Sentinel32,
			FilenameLength:   uint16(len(e.Name)), //nolint:gosec // fixture names are short
			ExtraFieldLength: localExtraLen,
		}
		out.Write(lh.Encode(sig))
		out.WriteString(e.Name)
		out.Write(bytes.Repeat([]byte{0xEE}, localExtraLen))
		out.Write(payload)
		layout = append(layout, written{
			entry:      e,
			offset:     offset,
			compressed: uint64(len(payload)),
			crc:        crc32.ChecksumIEEE(e.Data),
		})
	}

	cdOffset := uint64(out.Len()) //nolint:gosec // non-negative
	for _, w := range layout {
		e := w.entry
		uncompressed := uint64(int64(len(e.Data)) + e.UncompressedSkew) //nolint:gosec // fixture sizes are small
		hdr := format.CentralDirHeader{
			Signature:         format.CentralDirSignature,
			VersionMadeBy:     45,
			VersionNeeded:     45,
			Method:            uint16(e.Method),
			ModTime:           0x6000,
			ModDate:           0x5621,
			CRC32:             w.crc,
			CompressedSize:    format.Sentinel32,
			UncompressedSize:  format.Sentinel32,
			LocalHeaderOffset: format.Sentinel32,
			FilenameLength:    uint16(len(e.Name)),    //nolint:gosec // fixture names are short
			CommentLength:     uint16(len(e.Comment)), //nolint:gosec // fixture comments are short
		}
		if e.PlainSizes {
			hdr.CompressedSize = uint32(w.compressed)  //nolint:gosec // fixture sizes are small
			hdr.UncompressedSize = uint32(uncompressed) //nolint:gosec // fixture sizes are small
			hdr.LocalHeaderOffset = uint32(w.offset)    //nolint:gosec // fixture offsets are small
		}
		extra := format.EncodeExtra(format.Extra{
			UncompressedSize:  uncompressed,
			CompressedSize:    w.compressed,
			LocalHeaderOffset: w.offset,
			Crypted:           e.Crypted,
		}, hdr, 12, 28)
		hdr.ExtraFieldLength = uint16(len(extra) + e.ExtraLenSkew) //nolint:gosec // fixture extras are small

		out.Write(hdr.Encode())
		out.WriteString(e.Name)
		out.Write(extra)
		out.WriteString(e.Comment)
	}
	cdSize := uint64(out.Len()) - cdOffset //nolint:gosec // non-negative

	count := uint64(len(layout))
	eocd := format.EndOfCentralDir{
		Signature:     format.EndOfCentralDirSignature,
		CommentLength: uint16(len(b.Comment)), //nolint:gosec // fixture comments are short
	}
	if b.NotZip64 {
		eocd.EntriesOnDisk = uint16(count)      //nolint:gosec // fixture counts are small
		eocd.TotalEntries = uint16(count)       //nolint:gosec // fixture counts are small
		eocd.CentralDirSize = uint32(cdSize)    //nolint:gosec // fixture sizes are small
		eocd.CentralDirOffset = uint32(cdOffset) //nolint:gosec // fixture offsets are small
	} else {
		zip64Offset := uint64(out.Len()) //nolint:gosec // non-negative
		sig := b.Zip64Signature
		if sig == 0 {
			sig = format.Zip64EndOfCentralDirSignature
		}
		out.Write(format.Zip64EndOfCentralDir{
			Signature:        sig,
			RecordSize:       format.Zip64EndOfCentralDirLen - 12,
			VersionMadeBy:    45,
			VersionNeeded:    45,
			EntriesOnDisk:    uint64(int64(count) + b.EntriesOnDiskSkew), //nolint:gosec // fixture counts are small
			TotalEntries:     count,
			CentralDirSize:   cdSize,
			CentralDirOffset: cdOffset,
		}.Encode())
		if !b.OmitLocator {
			out.Write(format.Zip64Locator{
				Signature:               format.Zip64LocatorSignature,
				Zip64EndOfCentralDirOff: zip64Offset,
				TotalDisks:              1,
			}.Encode())
		}
		eocd.EntriesOnDisk = format.Sentinel16
		eocd.TotalEntries = format.Sentinel16
		eocd.CentralDirSize = format.Sentinel32
		eocd.CentralDirOffset = format.Sentinel32
	}
	out.Write(eocd.Encode())
	out.WriteString(b.Comment)
	return out.Bytes()
}

// WriteFile writes the container into dir and returns its path.
func (b *Builder) WriteFile(tb testing.TB, dir string) string {
	tb.Helper()

	path := filepath.Join(dir, "Data.p4k")
	if err := os.WriteFile(path, b.Bytes(tb), 0o600); err != nil {
		tb.Fatalf("write container: %v", err)
	}
	return path
}

// Encode returns the payload bytes stored for e.
func Encode(tb testing.TB, e Entry) []byte {
	tb.Helper()

	payload := e.Data
	if e.Method == p4ktype.MethodZstd {
		payload = CompressZstd(tb, e.Data)
		if e.Crypted {
			payload = compressNonZeroTail(tb, e.Data)
		}
	}
	if e.Crypted {
		payload = crypt.Encrypt(payload)
	}
	return payload
}

var (
	encodersOnce sync.Once
	encoders     []*zstd.Encoder
)

func zstdEncoders() []*zstd.Encoder {
	encodersOnce.Do(func() {
		for _, level := range []zstd.EncoderLevel{zstd.SpeedFastest, zstd.SpeedDefault, zstd.SpeedBetterCompression} {
			for _, crc := range []bool{true, false} {
				enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(level), zstd.WithEncoderCRC(crc))
				if err != nil {
					panic(err)
				}
				encoders = append(encoders, enc)
			}
		}
	})
	return encoders
}

// CompressZstd compresses data into a single zstd frame.
func CompressZstd(tb testing.TB, data []byte) []byte {
	tb.Helper()
	return zstdEncoders()[0].EncodeAll(data, nil)
}

// compressNonZeroTail returns a zstd frame whose last byte is nonzero, so
// zero-padding trim after decryption cannot eat into it.
func compressNonZeroTail(tb testing.TB, data []byte) []byte {
	tb.Helper()
	for _, enc := range zstdEncoders() {
		out := enc.EncodeAll(data, nil)
		if len(out) > 0 && out[len(out)-1] != 0 {
			return out
		}
	}
	tb.Fatalf("no zstd encoding of %d bytes ends in a nonzero byte", len(data))
	return nil
}

// MemOpener serves handles over an in-memory container and counts opens.
type MemOpener struct {
	Data   []byte
	opens  atomic.Int64
	closes atomic.Int64
}

// OpenHandle implements p4ktype.Opener.
func (o *MemOpener) OpenHandle() (p4ktype.Handle, error) {
	o.opens.Add(1)
	return &memHandle{Reader: bytes.NewReader(o.Data), owner: o}, nil
}

// Opens returns the number of handles opened so far.
func (o *MemOpener) Opens() int64 {
	return o.opens.Load()
}

// Closes returns the number of handles closed so far.
func (o *MemOpener) Closes() int64 {
	return o.closes.Load()
}

type memHandle struct {
	*bytes.Reader
	owner  *MemOpener
	closed atomic.Bool
}

func (h *memHandle) Close() error {
	if h.closed.CompareAndSwap(false, true) {
		h.owner.closes.Add(1)
	}
	return nil
}
