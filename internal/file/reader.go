// Package file reads and decodes individual p4k entries.
package file

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"golang.org/x/sync/semaphore"

	"github.com/meigma/p4k/internal/crypt"
	"github.com/meigma/p4k/internal/format"
	"github.com/meigma/p4k/internal/p4ktype"
	"github.com/meigma/p4k/internal/sizing"
)

// DefaultMaxDecoderMemory is the default maximum decoder memory (256MB).
const DefaultMaxDecoderMemory = 256 << 20

// Reader opens entries of one container. It is safe for concurrent use:
// every Open call reads through its own handle from the Opener.
type Reader struct {
	opener           p4ktype.Opener
	size             int64
	maxDecoderMemory uint64
	decoderOpts      []zstd.DOption
	maxBufferedBytes int64
	budget           *semaphore.Weighted
	verify           bool
	decoders         *decoderPool
}

// Option configures a Reader.
type Option func(*Reader)

// WithMaxDecoderMemory sets the maximum decoder memory limit.
// Set to 0 to disable the limit.
func WithMaxDecoderMemory(limit uint64) Option {
	return func(r *Reader) {
		r.maxDecoderMemory = limit
	}
}

// WithDecoderConcurrency sets the zstd decoder concurrency (default: 1).
// Values < 1 use GOMAXPROCS.
func WithDecoderConcurrency(n int) Option {
	return func(r *Reader) {
		r.decoderOpts = append(r.decoderOpts, zstd.WithDecoderConcurrency(max(n, 0)))
	}
}

// WithDecoderLowmem sets whether zstd decoders use low-memory mode.
func WithDecoderLowmem(enabled bool) Option {
	return func(r *Reader) {
		r.decoderOpts = append(r.decoderOpts, zstd.WithDecoderLowmem(enabled))
	}
}

// WithMaxBufferedBytes caps the ciphertext held in memory across all
// concurrent Opens of crypted entries. Crypted entries larger than the cap
// fail with ErrSizeOverflow. A value of 0 disables the budget.
func WithMaxBufferedBytes(limit int64) Option {
	return func(r *Reader) {
		r.maxBufferedBytes = max(limit, 0)
	}
}

// WithVerify checks the decoded size and CRC-32 of every entry against the
// central directory when its stream reaches EOF.
func WithVerify(enabled bool) Option {
	return func(r *Reader) {
		r.verify = enabled
	}
}

// NewReader creates a Reader for a container of size bytes.
func NewReader(opener p4ktype.Opener, size int64, opts ...Option) *Reader {
	r := &Reader{
		opener:           opener,
		size:             size,
		maxDecoderMemory: DefaultMaxDecoderMemory,
		// One decoder per worker already; extra decoder goroutines only
		// add contention. Later options override this.
		decoderOpts: []zstd.DOption{zstd.WithDecoderConcurrency(1)},
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.maxBufferedBytes > 0 {
		r.budget = semaphore.NewWeighted(r.maxBufferedBytes)
	}
	if r.maxDecoderMemory > 0 {
		r.decoderOpts = append(r.decoderOpts, zstd.WithDecoderMaxMemory(r.maxDecoderMemory))
	}
	r.decoders = &decoderPool{opts: r.decoderOpts}
	return r
}

// Size returns the container size.
func (r *Reader) Size() int64 {
	return r.size
}

// Open returns the decoded content of entry. The stream holds a container
// handle, and for crypted entries a share of the buffer budget, until it is
// closed. ctx only bounds the wait for that budget.
func (r *Reader) Open(ctx context.Context, entry *Entry) (io.ReadCloser, error) {
	if err := ValidateHeaderRange(entry, r.size); err != nil {
		return nil, fmt.Errorf("open %s: %w", entry.Name, err)
	}

	h, err := r.opener.OpenHandle()
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", entry.Name, err)
	}
	s := &Stream{entry: *entry, verify: r.verify}
	s.release = append(s.release, h.Close)

	if err := r.init(ctx, s, h); err != nil {
		_ = s.Close() //nolint:errcheck // best-effort cleanup
		return nil, fmt.Errorf("open %s: %w", entry.Name, err)
	}
	return s, nil
}

// Extract writes the decoded content of entry to w and returns the number of
// bytes written.
func (r *Reader) Extract(ctx context.Context, entry *Entry, w io.Writer) (int64, error) {
	rc, err := r.Open(ctx, entry)
	if err != nil {
		return 0, err
	}

	n, err := Copy(w, rc)
	closeErr := rc.Close()
	if err != nil {
		return n, fmt.Errorf("extract %s: %w", entry.Name, err)
	}
	if closeErr != nil {
		return n, fmt.Errorf("extract %s: close: %w", entry.Name, closeErr)
	}
	return n, nil
}

// ReadAll returns the decoded content of entry.
func (r *Reader) ReadAll(ctx context.Context, entry *Entry) ([]byte, error) {
	size, err := sizing.ToInt(entry.UncompressedSize, ErrSizeOverflow)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", entry.Name, err)
	}
	var buf bytes.Buffer
	// The recorded size is a hint; cap it so a forged value cannot force
	// a huge allocation.
	buf.Grow(min(size, 64<<20))
	if _, err := r.Extract(ctx, entry, &buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// init locates the payload behind the local header and stacks decryption and
// decompression on top of it.
func (r *Reader) init(ctx context.Context, s *Stream, h p4ktype.Handle) error {
	entry := &s.entry
	payload, err := r.payload(h, entry)
	if err != nil {
		return err
	}
	// Checked only once the local header is known good.
	if err := ValidateMethod(entry); err != nil {
		return err
	}

	var src io.Reader = payload
	if entry.Crypted {
		plain, release, err := r.decrypt(ctx, payload)
		if err != nil {
			return err
		}
		s.release = append(s.release, func() error { release(); return nil })
		src = bytes.NewReader(plain)
	}

	switch entry.Method {
	case MethodStore:
		s.r = src
	case MethodZstd:
		dec, release, err := r.decoders.get(src)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrDecompression, err)
		}
		s.release = append(s.release, func() error { release(); return nil })
		s.r = dec
		s.decoding = true
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedCompression, entry.Method)
	}
	return nil
}

// payload checks the local header signature and returns a reader bounded to
// exactly the entry's compressed bytes.
func (r *Reader) payload(h p4ktype.Handle, entry *Entry) (*io.SectionReader, error) {
	offset, err := sizing.ToInt64(entry.LocalHeaderOffset, ErrSizeOverflow)
	if err != nil {
		return nil, err
	}

	hr := io.NewSectionReader(h, offset, 4+format.LocalHeaderLen)
	var sig [4]byte
	if _, err := io.ReadFull(hr, sig[:]); err != nil {
		return nil, fmt.Errorf("%w: local header signature: %w", ErrCorruptEntry, unexpectedEOF(err))
	}
	if v := binary.LittleEndian.Uint32(sig[:]); !format.IsLocalHeaderSignature(v) {
		return nil, fmt.Errorf("%w: invalid local header signature %#08x at offset %d",
			ErrCorruptEntry, v, offset)
	}
	lh, err := format.ReadLocalFileHeader(hr)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorruptEntry, unexpectedEOF(err))
	}

	// Name and extra lengths are taken from the local header as is; their
	// content is not compared with the central directory.
	dataOffset := entry.LocalHeaderOffset + 4 + format.LocalHeaderLen + uint64(lh.VariableLen()) //nolint:gosec // VariableLen is at most 128KiB
	if dataOffset < entry.LocalHeaderOffset {
		return nil, fmt.Errorf("%w: local header offset overflows", ErrCorruptEntry)
	}
	if err := ValidatePayloadRange(entry, dataOffset, r.size); err != nil {
		return nil, err
	}
	return io.NewSectionReader(h, int64(dataOffset), int64(entry.CompressedSize)), nil //nolint:gosec // bounded by size above
}

// decrypt buffers and decrypts the whole payload, then drops the zero bytes
// that padded the plaintext to a block multiple.
func (r *Reader) decrypt(ctx context.Context, payload *io.SectionReader) ([]byte, func(), error) {
	n := payload.Size()
	if n%crypt.BlockSize != 0 {
		return nil, nil, fmt.Errorf("%w: ciphertext length %d is not a multiple of %d",
			ErrCorruptEntry, n, crypt.BlockSize)
	}

	release := func() {}
	if r.budget != nil {
		if n > r.maxBufferedBytes {
			return nil, nil, fmt.Errorf("%w: crypted payload of %d bytes exceeds buffer budget of %d",
				ErrSizeOverflow, n, r.maxBufferedBytes)
		}
		if err := r.budget.Acquire(ctx, n); err != nil {
			return nil, nil, err
		}
		release = func() { r.budget.Release(n) }
	}

	buf := make([]byte, n)
	if _, err := io.ReadFull(payload, buf); err != nil {
		release()
		return nil, nil, fmt.Errorf("read crypted payload: %w", unexpectedEOF(err))
	}
	if err := crypt.Decrypt(buf); err != nil {
		release()
		return nil, nil, err
	}
	return crypt.TrimZeroPadding(buf), release, nil
}

func unexpectedEOF(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}
