package file

import (
	"errors"
	"fmt"
	"hash"
	"hash/crc32"
	"io"
	"io/fs"
)

// Stream is the decoded content of one entry.
type Stream struct {
	entry    Entry
	r        io.Reader
	decoding bool
	verify   bool

	hasher hash.Hash32
	n      uint64

	verified  bool
	verifyErr error

	// release runs in reverse order on Close.
	release []func() error
	closed  bool
}

// Interface compliance.
var _ io.ReadCloser = (*Stream)(nil)

// Read implements io.Reader.
func (s *Stream) Read(p []byte) (int, error) {
	if s.closed {
		return 0, fmt.Errorf("read %s: %w", s.entry.Name, fs.ErrClosed)
	}
	if s.verifyErr != nil {
		return 0, s.verifyErr
	}

	n, err := s.r.Read(p)
	if n > 0 {
		s.n += uint64(n)
		if s.verify {
			if s.hasher == nil {
				s.hasher = crc32.NewIEEE()
			}
			_, _ = s.hasher.Write(p[:n]) //nolint:errcheck // hash writes never fail
		}
	}

	switch {
	case err == nil:
		return n, nil
	case errors.Is(err, io.EOF):
		if verifyErr := s.check(); verifyErr != nil {
			return n, verifyErr
		}
		return n, io.EOF
	case s.decoding:
		return n, fmt.Errorf("%w: %w", ErrDecompression, err)
	default:
		return n, err
	}
}

// Entry returns the entry being read.
func (s *Stream) Entry() Entry {
	return s.entry
}

// Close releases the decoder, the buffer budget and the container handle.
// It is safe to call more than once.
func (s *Stream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true

	var errs []error
	for i := len(s.release) - 1; i >= 0; i-- {
		if err := s.release[i](); err != nil {
			errs = append(errs, err)
		}
	}
	s.release = nil
	return errors.Join(errs...)
}

func (s *Stream) check() error {
	if !s.verify || s.verified {
		return s.verifyErr
	}
	s.verified = true

	if s.n != s.entry.UncompressedSize {
		s.verifyErr = fmt.Errorf("%s: %w: decoded %d bytes, want %d",
			s.entry.Name, ErrChecksumMismatch, s.n, s.entry.UncompressedSize)
		return s.verifyErr
	}
	var sum uint32
	if s.hasher != nil {
		sum = s.hasher.Sum32()
	}
	if sum != s.entry.CRC32 {
		s.verifyErr = fmt.Errorf("%s: %w: crc32 %08x, want %08x",
			s.entry.Name, ErrChecksumMismatch, sum, s.entry.CRC32)
	}
	return s.verifyErr
}
