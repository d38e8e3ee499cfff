// Package format decodes the fixed-layout little-endian records of a p4k
// container.
//
// Every Read function consumes exactly the record's encoded size from its
// source. Encode functions exist so fixtures can synthesize containers.
package format

import (
	"encoding/binary"
	"fmt"
	"io"
	"time"
)

// Record signatures.
const (
	EndOfCentralDirSignature      uint32 = 0x06054b50
	Zip64LocatorSignature         uint32 = 0x07064b50
	Zip64EndOfCentralDirSignature uint32 = 0x06064b50
	CentralDirSignature           uint32 = 0x02014b50
	LocalHeaderSignature          uint32 = 0x04034b50

	// VendorLocalHeaderSignature shares the standard local header layout.
	VendorLocalHeaderSignature uint32 = 0x14034b50
)

// Encoded record sizes, signatures included unless noted.
const (
	EndOfCentralDirLen      = 22
	Zip64LocatorLen         = 20
	Zip64EndOfCentralDirLen = 56
	CentralDirHeaderLen     = 46

	// LocalHeaderLen excludes the 4-byte signature, which callers read first.
	LocalHeaderLen = 26

	// MaxCommentLen is the largest archive comment an EOCD can declare.
	MaxCommentLen = 0xFFFF
)

// Sentinels marking a field whose real value lives in the Zip64 records.
const (
	Sentinel16 uint16 = 0xFFFF
	Sentinel32 uint32 = 0xFFFFFFFF
)

// IsLocalHeaderSignature reports whether sig starts a local file header.
func IsLocalHeaderSignature(sig uint32) bool {
	return sig == LocalHeaderSignature || sig == VendorLocalHeaderSignature
}

// EndOfCentralDir is the classic end of central directory record.
type EndOfCentralDir struct {
	Signature        uint32
	DiskNumber       uint16
	CentralDirDisk   uint16
	EntriesOnDisk    uint16
	TotalEntries     uint16
	CentralDirSize   uint32
	CentralDirOffset uint32
	CommentLength    uint16
}

// IsZip64 reports whether any field defers to the Zip64 records.
func (e EndOfCentralDir) IsZip64() bool {
	return e.DiskNumber == Sentinel16 ||
		e.CentralDirDisk == Sentinel16 ||
		e.EntriesOnDisk == Sentinel16 ||
		e.TotalEntries == Sentinel16 ||
		e.CentralDirSize == Sentinel32 ||
		e.CentralDirOffset == Sentinel32
}

// ReadEndOfCentralDir decodes an EOCD record including its signature.
func ReadEndOfCentralDir(r io.Reader) (EndOfCentralDir, error) {
	var buf [EndOfCentralDirLen]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return EndOfCentralDir{}, fmt.Errorf("read end of central directory: %w", err)
	}
	return EndOfCentralDir{
		Signature:        binary.LittleEndian.Uint32(buf[0:4]),
		DiskNumber:       binary.LittleEndian.Uint16(buf[4:6]),
		CentralDirDisk:   binary.LittleEndian.Uint16(buf[6:8]),
		EntriesOnDisk:    binary.LittleEndian.Uint16(buf[8:10]),
		TotalEntries:     binary.LittleEndian.Uint16(buf[10:12]),
		CentralDirSize:   binary.LittleEndian.Uint32(buf[12:16]),
		CentralDirOffset: binary.LittleEndian.Uint32(buf[16:20]),
		CommentLength:    binary.LittleEndian.Uint16(buf[20:22]),
	}, nil
}

// Encode returns the record bytes. The comment itself is not included.
func (e EndOfCentralDir) Encode() []byte {
	buf := make([]byte, EndOfCentralDirLen)
	binary.LittleEndian.PutUint32(buf[0:4], e.Signature)
	binary.LittleEndian.PutUint16(buf[4:6], e.DiskNumber)
	binary.LittleEndian.PutUint16(buf[6:8], e.CentralDirDisk)
	binary.LittleEndian.PutUint16(buf[8:10], e.EntriesOnDisk)
	binary.LittleEndian.PutUint16(buf[10:12], e.TotalEntries)
	binary.LittleEndian.PutUint32(buf[12:16], e.CentralDirSize)
	binary.LittleEndian.PutUint32(buf[16:20], e.CentralDirOffset)
	binary.LittleEndian.PutUint16(buf[20:22], e.CommentLength)
	return buf
}

// Zip64Locator points at the Zip64 end of central directory record.
type Zip64Locator struct {
	Signature                uint32
	Zip64EndOfCentralDirDisk uint32
	Zip64EndOfCentralDirOff  uint64
	TotalDisks               uint32
}

// ReadZip64Locator decodes a Zip64 locator including its signature.
func ReadZip64Locator(r io.Reader) (Zip64Locator, error) {
	var buf [Zip64LocatorLen]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return Zip64Locator{}, fmt.Errorf("read zip64 locator: %w", err)
	}
	return Zip64Locator{
		Signature:                binary.LittleEndian.Uint32(buf[0:4]),
		Zip64EndOfCentralDirDisk: binary.LittleEndian.Uint32(buf[4:8]),
		Zip64EndOfCentralDirOff:  binary.LittleEndian.Uint64(buf[8:16]),
		TotalDisks:               binary.LittleEndian.Uint32(buf[16:20]),
	}, nil
}

// Encode returns the record bytes.
func (l Zip64Locator) Encode() []byte {
	buf := make([]byte, Zip64LocatorLen)
	binary.LittleEndian.PutUint32(buf[0:4], l.Signature)
	binary.LittleEndian.PutUint32(buf[4:8], l.Zip64EndOfCentralDirDisk)
	binary.LittleEndian.PutUint64(buf[8:16], l.Zip64EndOfCentralDirOff)
	binary.LittleEndian.PutUint32(buf[16:20], l.TotalDisks)
	return buf
}

// Zip64EndOfCentralDir carries the 64-bit entry counts and directory offset.
type Zip64EndOfCentralDir struct {
	Signature        uint32
	RecordSize       uint64
	VersionMadeBy    uint16
	VersionNeeded    uint16
	DiskNumber       uint32
	CentralDirDisk   uint32
	EntriesOnDisk    uint64
	TotalEntries     uint64
	CentralDirSize   uint64
	CentralDirOffset uint64
}

// ReadZip64EndOfCentralDir decodes the fixed part of a Zip64 EOCD record.
// The extensible data sector, if any, is not consumed.
func ReadZip64EndOfCentralDir(r io.Reader) (Zip64EndOfCentralDir, error) {
	var buf [Zip64EndOfCentralDirLen]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return Zip64EndOfCentralDir{}, fmt.Errorf("read zip64 end of central directory: %w", err)
	}
	return Zip64EndOfCentralDir{
		Signature:        binary.LittleEndian.Uint32(buf[0:4]),
		RecordSize:       binary.LittleEndian.Uint64(buf[4:12]),
		VersionMadeBy:    binary.LittleEndian.Uint16(buf[12:14]),
		VersionNeeded:    binary.LittleEndian.Uint16(buf[14:16]),
		DiskNumber:       binary.LittleEndian.Uint32(buf[16:20]),
		CentralDirDisk:   binary.LittleEndian.Uint32(buf[20:24]),
		EntriesOnDisk:    binary.LittleEndian.Uint64(buf[24:32]),
		TotalEntries:     binary.LittleEndian.Uint64(buf[32:40]),
		CentralDirSize:   binary.LittleEndian.Uint64(buf[40:48]),
		CentralDirOffset: binary.LittleEndian.Uint64(buf[48:56]),
	}, nil
}

// Encode returns the record bytes.
func (e Zip64EndOfCentralDir) Encode() []byte {
	buf := make([]byte, Zip64EndOfCentralDirLen)
	binary.LittleEndian.PutUint32(buf[0:4], e.Signature)
	binary.LittleEndian.PutUint64(buf[4:12], e.RecordSize)
	binary.LittleEndian.PutUint16(buf[12:14], e.VersionMadeBy)
	binary.LittleEndian.PutUint16(buf[14:16], e.VersionNeeded)
	binary.LittleEndian.PutUint32(buf[16:20], e.DiskNumber)
	binary.LittleEndian.PutUint32(buf[20:24], e.CentralDirDisk)
	binary.LittleEndian.PutUint64(buf[24:32], e.EntriesOnDisk)
	binary.LittleEndian.PutUint64(buf[32:40], e.TotalEntries)
	binary.LittleEndian.PutUint64(buf[40:48], e.CentralDirSize)
	binary.LittleEndian.PutUint64(buf[48:56], e.CentralDirOffset)
	return buf
}

// CentralDirHeader is the fixed part of a central directory entry.
//
// The signature is decoded but not checked; containers in the wild carry
// vendor variants of it.
type CentralDirHeader struct {
	Signature          uint32
	VersionMadeBy      uint16
	VersionNeeded      uint16
	Flags              uint16
	Method             uint16
	ModTime            uint16
	ModDate            uint16
	CRC32              uint32
	CompressedSize     uint32
	UncompressedSize   uint32
	FilenameLength     uint16
	ExtraFieldLength   uint16
	CommentLength      uint16
	DiskNumberStart    uint16
	InternalAttributes uint16
	ExternalAttributes uint32
	LocalHeaderOffset  uint32
}

// ReadCentralDirHeader decodes a central directory header.
func ReadCentralDirHeader(r io.Reader) (CentralDirHeader, error) {
	var buf [CentralDirHeaderLen]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return CentralDirHeader{}, fmt.Errorf("read central directory header: %w", err)
	}
	return CentralDirHeader{
		Signature:          binary.LittleEndian.Uint32(buf[0:4]),
		VersionMadeBy:      binary.LittleEndian.Uint16(buf[4:6]),
		VersionNeeded:      binary.LittleEndian.Uint16(buf[6:8]),
		Flags:              binary.LittleEndian.Uint16(buf[8:10]),
		Method:             binary.LittleEndian.Uint16(buf[10:12]),
		ModTime:            binary.LittleEndian.Uint16(buf[12:14]),
		ModDate:            binary.LittleEndian.Uint16(buf[14:16]),
		CRC32:              binary.LittleEndian.Uint32(buf[16:20]),
		CompressedSize:     binary.LittleEndian.Uint32(buf[20:24]),
		UncompressedSize:   binary.LittleEndian.Uint32(buf[24:28]),
		FilenameLength:     binary.LittleEndian.Uint16(buf[28:30]),
		ExtraFieldLength:   binary.LittleEndian.Uint16(buf[30:32]),
		CommentLength:      binary.LittleEndian.Uint16(buf[32:34]),
		DiskNumberStart:    binary.LittleEndian.Uint16(buf[34:36]),
		InternalAttributes: binary.LittleEndian.Uint16(buf[36:38]),
		ExternalAttributes: binary.LittleEndian.Uint32(buf[38:42]),
		LocalHeaderOffset:  binary.LittleEndian.Uint32(buf[42:46]),
	}, nil
}

// Encode returns the header bytes without the variable-length fields.
func (h CentralDirHeader) Encode() []byte {
	buf := make([]byte, CentralDirHeaderLen)
	binary.LittleEndian.PutUint32(buf[0:4], h.Signature)
	binary.LittleEndian.PutUint16(buf[4:6], h.VersionMadeBy)
	binary.LittleEndian.PutUint16(buf[6:8], h.VersionNeeded)
	binary.LittleEndian.PutUint16(buf[8:10], h.Flags)
	binary.LittleEndian.PutUint16(buf[10:12], h.Method)
	binary.LittleEndian.PutUint16(buf[12:14], h.ModTime)
	binary.LittleEndian.PutUint16(buf[14:16], h.ModDate)
	binary.LittleEndian.PutUint32(buf[16:20], h.CRC32)
	binary.LittleEndian.PutUint32(buf[20:24], h.CompressedSize)
	binary.LittleEndian.PutUint32(buf[24:28], h.UncompressedSize)
	binary.LittleEndian.PutUint16(buf[28:30], h.FilenameLength)
	binary.LittleEndian.PutUint16(buf[30:32], h.ExtraFieldLength)
	binary.LittleEndian.PutUint16(buf[32:34], h.CommentLength)
	binary.LittleEndian.PutUint16(buf[34:36], h.DiskNumberStart)
	binary.LittleEndian.PutUint16(buf[36:38], h.InternalAttributes)
	binary.LittleEndian.PutUint32(buf[38:42], h.ExternalAttributes)
	binary.LittleEndian.PutUint32(buf[42:46], h.LocalHeaderOffset)
	return buf
}

// LocalFileHeader is the fixed part of a local header, after its signature.
// Sizes and method here are not trusted; the central directory wins.
type LocalFileHeader struct {
	VersionNeeded    uint16
	Flags            uint16
	Method           uint16
	ModTime          uint16
	ModDate          uint16
	CRC32            uint32
	CompressedSize   uint32
	UncompressedSize uint32
	FilenameLength   uint16
	ExtraFieldLength uint16
}

// VariableLen returns the number of bytes between the fixed header and the
// entry payload.
func (h LocalFileHeader) VariableLen() int64 {
	return int64(h.FilenameLength) + int64(h.ExtraFieldLength)
}

// ReadLocalFileHeader decodes a local header whose signature was already read.
func ReadLocalFileHeader(r io.Reader) (LocalFileHeader, error) {
	var buf [LocalHeaderLen]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return LocalFileHeader{}, fmt.Errorf("read local file header: %w", err)
	}
	return LocalFileHeader{
		VersionNeeded:    binary.LittleEndian.Uint16(buf[0:2]),
		Flags:            binary.LittleEndian.Uint16(buf[2:4]),
		Method:           binary.LittleEndian.Uint16(buf[4:6]),
		ModTime:          binary.LittleEndian.Uint16(buf[6:8]),
		ModDate:          binary.LittleEndian.Uint16(buf[8:10]),
		CRC32:            binary.LittleEndian.Uint32(buf[10:14]),
		CompressedSize:   binary.LittleEndian.Uint32(buf[14:18]),
		UncompressedSize: binary.LittleEndian.Uint32(buf[18:22]),
		FilenameLength:   binary.LittleEndian.Uint16(buf[22:24]),
		ExtraFieldLength: binary.LittleEndian.Uint16(buf[24:26]),
	}, nil
}

// Encode returns the signature followed by the fixed header bytes.
func (h LocalFileHeader) Encode(signature uint32) []byte {
	buf := make([]byte, 4+LocalHeaderLen)
	binary.LittleEndian.PutUint32(buf[0:4], signature)
	binary.LittleEndian.PutUint16(buf[4:6], h.VersionNeeded)
	binary.LittleEndian.PutUint16(buf[6:8], h.Flags)
	binary.LittleEndian.PutUint16(buf[8:10], h.Method)
	binary.LittleEndian.PutUint16(buf[10:12], h.ModTime)
	binary.LittleEndian.PutUint16(buf[12:14], h.ModDate)
	binary.LittleEndian.PutUint32(buf[14:18], h.CRC32)
	binary.LittleEndian.PutUint32(buf[18:22], h.CompressedSize)
	binary.LittleEndian.PutUint32(buf[22:26], h.UncompressedSize)
	binary.LittleEndian.PutUint16(buf[26:28], h.FilenameLength)
	binary.LittleEndian.PutUint16(buf[28:30], h.ExtraFieldLength)
	return buf
}

// DOSTime converts an MS-DOS date and time pair to a UTC time.
// A zero date yields the zero time.
func DOSTime(date, clock uint16) time.Time {
	if date == 0 {
		return time.Time{}
	}
	return time.Date(
		int(date>>9)+1980,
		time.Month(date>>5&0xf),
		int(date&0x1f),
		int(clock>>11),
		int(clock>>5&0x3f),
		int(clock&0x1f)*2,
		0,
		time.UTC,
	)
}
