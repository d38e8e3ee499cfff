// Package index builds the immutable entry table of a p4k container from its
// Zip64 end records and central directory.
package index

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"

	"github.com/meigma/p4k/internal/format"
	"github.com/meigma/p4k/internal/p4ktype"
	"github.com/meigma/p4k/internal/sizing"
)

// Entry is an alias for p4ktype.Entry.
type Entry = p4ktype.Entry

const cdBufferSize = 64 << 10

// Index is the ordered entry table of an archive.
//
// An Index is never mutated after Build returns, so it can be shared by
// reference across extraction workers without synchronization.
type Index struct {
	entries []Entry
	byName  map[string]int
	comment string
	size    int64
	eocd64  format.Zip64EndOfCentralDir
}

// Option configures Build.
type Option func(*builder)

// WithLogger sets the logger for index construction.
// If not set, logging is disabled.
func WithLogger(logger *slog.Logger) Option {
	return func(b *builder) {
		b.logger = logger
	}
}

// WithProgress reports central directory progress every 5% of entries.
func WithProgress(fn p4ktype.ProgressFunc) Option {
	return func(b *builder) {
		b.progress = fn
	}
}

type builder struct {
	r        io.ReaderAt
	size     int64
	logger   *slog.Logger
	progress p4ktype.ProgressFunc
}

// log returns the logger, falling back to a discard logger if nil.
func (b *builder) log() *slog.Logger {
	if b.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return b.logger
}

// Build reads the end records and the central directory of the container
// held by r. It either returns a complete Index or an error; no partial
// index is ever exposed.
func Build(ctx context.Context, r io.ReaderAt, size int64, opts ...Option) (*Index, error) {
	b := &builder{r: r, size: size}
	for _, opt := range opts {
		opt(b)
	}
	return b.build(ctx)
}

func (b *builder) build(ctx context.Context) (*Index, error) {
	if b.size < format.EndOfCentralDirLen {
		return nil, fmt.Errorf("%w: file too small (%d bytes)", p4ktype.ErrCorruptArchive, b.size)
	}

	eocdOffset, err := format.Locate(b.r, format.EndOfCentralDirSignature, b.size, format.EndOfCentralDirLen+format.MaxCommentLen)
	if err != nil {
		return nil, fmt.Errorf("%w: end of central directory: %w", p4ktype.ErrCorruptArchive, err)
	}

	tail := io.NewSectionReader(b.r, eocdOffset, b.size-eocdOffset)
	eocd, err := format.ReadEndOfCentralDir(tail)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", p4ktype.ErrCorruptArchive, err)
	}
	comment, err := readString(tail, int(eocd.CommentLength))
	if err != nil {
		return nil, fmt.Errorf("%w: archive comment: %w", p4ktype.ErrCorruptArchive, err)
	}

	if !eocd.IsZip64() {
		return nil, fmt.Errorf("%w: not a zip64 archive", p4ktype.ErrUnsupportedFormat)
	}

	// The locator sits directly in front of the EOCD; bound the search by
	// the distance the EOCD already sits from the end.
	fromEnd := b.size - eocdOffset
	locOffset, err := format.Locate(b.r, format.Zip64LocatorSignature, eocdOffset, fromEnd)
	if err != nil {
		return nil, fmt.Errorf("%w: zip64 locator: %w", p4ktype.ErrCorruptArchive, err)
	}
	loc, err := format.ReadZip64Locator(io.NewSectionReader(b.r, locOffset, format.Zip64LocatorLen))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", p4ktype.ErrCorruptArchive, err)
	}

	eocd64, err := b.readZip64EndOfCentralDir(loc)
	if err != nil {
		return nil, err
	}

	entries, err := b.readCentralDir(ctx, eocd64)
	if err != nil {
		return nil, err
	}

	idx := &Index{
		entries: entries,
		byName:  make(map[string]int, len(entries)),
		comment: comment,
		size:    b.size,
		eocd64:  eocd64,
	}
	crypted := 0
	for i := range entries {
		// First occurrence wins for duplicate names.
		name := p4ktype.NormalizeName(entries[i].Name)
		if _, ok := idx.byName[name]; !ok {
			idx.byName[name] = i
		}
		if entries[i].Crypted {
			crypted++
		}
	}
	b.log().Debug("index built", "entries", len(entries), "crypted", crypted)
	return idx, nil
}

func (b *builder) readZip64EndOfCentralDir(loc format.Zip64Locator) (format.Zip64EndOfCentralDir, error) {
	var zero format.Zip64EndOfCentralDir

	off, err := sizing.ToInt64(loc.Zip64EndOfCentralDirOff, p4ktype.ErrSizeOverflow)
	if err != nil || !sizing.Within(loc.Zip64EndOfCentralDirOff, format.Zip64EndOfCentralDirLen, b.size) {
		return zero, fmt.Errorf("%w: zip64 end of central directory offset %d out of range",
			p4ktype.ErrCorruptArchive, loc.Zip64EndOfCentralDirOff)
	}

	eocd64, err := format.ReadZip64EndOfCentralDir(io.NewSectionReader(b.r, off, format.Zip64EndOfCentralDirLen))
	if err != nil {
		return zero, fmt.Errorf("%w: %w", p4ktype.ErrCorruptArchive, err)
	}
	if eocd64.Signature != format.Zip64EndOfCentralDirSignature {
		return zero, fmt.Errorf("%w: invalid zip64 end of central directory signature %#08x",
			p4ktype.ErrCorruptArchive, eocd64.Signature)
	}
	if eocd64.EntriesOnDisk != eocd64.TotalEntries {
		return zero, fmt.Errorf("%w: %d entries on disk but %d in total; multi-volume archives are not supported",
			p4ktype.ErrCorruptArchive, eocd64.EntriesOnDisk, eocd64.TotalEntries)
	}
	if !sizing.Within(eocd64.CentralDirOffset, 0, b.size) {
		return zero, fmt.Errorf("%w: central directory offset %d out of range",
			p4ktype.ErrCorruptArchive, eocd64.CentralDirOffset)
	}
	return eocd64, nil
}

func (b *builder) readCentralDir(ctx context.Context, eocd64 format.Zip64EndOfCentralDir) ([]Entry, error) {
	total := eocd64.TotalEntries
	cdOffset := int64(eocd64.CentralDirOffset) //nolint:gosec // bounded by size in readZip64EndOfCentralDir

	// A forged count must not drive the allocation; every entry needs at
	// least a fixed header in the remaining bytes.
	maxEntries := uint64(b.size-cdOffset) / format.CentralDirHeaderLen
	if total > maxEntries {
		return nil, fmt.Errorf("%w: %d entries cannot fit in %d central directory bytes",
			p4ktype.ErrCorruptArchive, total, b.size-cdOffset)
	}
	count, err := sizing.ToInt(total, p4ktype.ErrSizeOverflow)
	if err != nil {
		return nil, err
	}

	entries := make([]Entry, count)
	br := bufio.NewReaderSize(io.NewSectionReader(b.r, cdOffset, b.size-cdOffset), cdBufferSize)
	step := max(count/20, 1)

	for i := range count {
		if i%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		entry, err := readEntry(br)
		if err != nil {
			return nil, fmt.Errorf("central directory entry %d: %w", i, err)
		}
		entries[i] = entry

		if b.progress != nil && ((i+1)%step == 0 || i+1 == count) {
			b.progress(p4ktype.ProgressEvent{
				Stage:      p4ktype.StageIndexing,
				Path:       entry.Name,
				FilesDone:  i + 1,
				FilesTotal: count,
				Fraction:   float64(i+1) / float64(count),
			})
		}
	}
	return entries, nil
}

// readEntry decodes one central directory entry from r.
func readEntry(r io.Reader) (Entry, error) {
	hdr, err := format.ReadCentralDirHeader(r)
	if err != nil {
		return Entry{}, fmt.Errorf("%w: %w", p4ktype.ErrCorruptArchive, err)
	}
	name, err := readString(r, int(hdr.FilenameLength))
	if err != nil {
		return Entry{}, fmt.Errorf("%w: file name: %w", p4ktype.ErrCorruptArchive, err)
	}

	extraBuf := make([]byte, hdr.ExtraFieldLength)
	if _, err := io.ReadFull(r, extraBuf); err != nil {
		return Entry{}, fmt.Errorf("%w: %s: extra field: %w", p4ktype.ErrCorruptArchive, name, err)
	}
	extra, err := format.ParseExtra(extraBuf, hdr)
	if err != nil {
		return Entry{}, fmt.Errorf("%s: %w", name, err)
	}

	comment, err := readString(r, int(hdr.CommentLength))
	if err != nil {
		return Entry{}, fmt.Errorf("%w: %s: comment: %w", p4ktype.ErrCorruptArchive, name, err)
	}

	return Entry{
		Name:              name,
		Comment:           comment,
		CompressedSize:    extra.CompressedSize,
		UncompressedSize:  extra.UncompressedSize,
		LocalHeaderOffset: extra.LocalHeaderOffset,
		DiskNumberStart:   extra.DiskNumberStart,
		CRC32:             hdr.CRC32,
		ModTime:           format.DOSTime(hdr.ModDate, hdr.ModTime),
		Method:            p4ktype.Method(hdr.Method),
		Crypted:           extra.Crypted,
	}, nil
}

func readString(r io.Reader, n int) (string, error) {
	if n == 0 {
		return "", nil
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return "", err
	}
	return string(buf), nil
}

// Len returns the number of entries.
func (idx *Index) Len() int {
	return len(idx.entries)
}

// Entry returns the i-th entry in central directory order.
func (idx *Index) Entry(i int) Entry {
	return idx.entries[i]
}

// Entries iterates over entries in central directory order.
func (idx *Index) Entries() iter.Seq2[int, Entry] {
	return func(yield func(int, Entry) bool) {
		for i := range idx.entries {
			if !yield(i, idx.entries[i]) {
				return
			}
		}
	}
}

// Lookup finds an entry by name. Backslash and slash separators are
// equivalent.
func (idx *Index) Lookup(name string) (Entry, bool) {
	i, ok := idx.byName[p4ktype.NormalizeName(name)]
	if !ok {
		return Entry{}, false
	}
	return idx.entries[i], true
}

// Comment returns the archive comment.
func (idx *Index) Comment() string {
	return idx.comment
}

// Size returns the container size in bytes.
func (idx *Index) Size() int64 {
	return idx.size
}

// CentralDirOffset returns the offset of the central directory.
func (idx *Index) CentralDirOffset() uint64 {
	return idx.eocd64.CentralDirOffset
}
