package batch

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/meigma/p4k/internal/p4ktype"
)

// FileSink writes entries below a destination directory.
//
// All paths are resolved through an os.Root, so entry names that climb out
// of the destination ("..", absolute paths, symlinks) fail instead of
// writing elsewhere. By default files are written in place and existing
// files are overwritten.
type FileSink struct {
	destDir       string
	overwrite     bool
	atomic        bool
	preserveTimes bool
}

// FileSinkOption configures a FileSink.
type FileSinkOption func(*FileSink)

// WithOverwrite controls whether existing files are replaced (default: true).
// When false, entries whose output already exists are skipped.
func WithOverwrite(overwrite bool) FileSinkOption {
	return func(s *FileSink) {
		s.overwrite = overwrite
	}
}

// WithAtomicWrites writes each entry to a temporary file in the same
// directory and renames it into place on Commit, so a failed entry never
// leaves a truncated file at its final path.
func WithAtomicWrites(enabled bool) FileSinkOption {
	return func(s *FileSink) {
		s.atomic = enabled
	}
}

// WithPreserveTimes sets each file's modification time from the archive.
// By default, files use the current time.
func WithPreserveTimes(preserve bool) FileSinkOption {
	return func(s *FileSink) {
		s.preserveTimes = preserve
	}
}

// NewFileSink creates a FileSink that writes to destDir, which must exist.
// Parent directories of entries are created automatically.
func NewFileSink(destDir string, opts ...FileSinkOption) *FileSink {
	s := &FileSink{
		destDir:   destDir,
		overwrite: true,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// relPath returns the entry's output path relative to the destination.
func relPath(entry *Entry) (string, error) {
	rel := p4ktype.NormalizeName(entry.Name)
	if !fs.ValidPath(rel) || rel == "." {
		return "", &fs.PathError{Op: "extract", Path: entry.Name, Err: fs.ErrInvalid}
	}
	return filepath.FromSlash(rel), nil
}

func isDir(entry *Entry) bool {
	return strings.HasSuffix(p4ktype.NormalizeName(entry.Name), "/")
}

// ShouldProcess returns false for directory entries, and for files that
// already exist when overwrite is disabled.
func (s *FileSink) ShouldProcess(entry *Entry) bool {
	if isDir(entry) {
		return false
	}
	if s.overwrite {
		return true
	}
	rel, err := relPath(entry)
	if err != nil {
		// Let Writer report the invalid name.
		return true
	}
	_, err = os.Lstat(filepath.Join(s.destDir, rel))
	return errors.Is(err, fs.ErrNotExist)
}

// Writer returns a Committer for the entry's output file.
func (s *FileSink) Writer(entry *Entry) (Committer, error) {
	rel, err := relPath(entry)
	if err != nil {
		return nil, err
	}

	root, err := os.OpenRoot(s.destDir)
	if err != nil {
		return nil, fmt.Errorf("open destination root %s: %w", s.destDir, err)
	}
	if err := root.MkdirAll(filepath.Dir(rel), 0o750); err != nil {
		_ = root.Close() //nolint:errcheck // best-effort cleanup
		return nil, fmt.Errorf("create directory for %s: %w", rel, err)
	}

	c := &fileCommitter{entry: entry, rel: rel, path: rel, root: root, times: s.preserveTimes}
	if s.atomic {
		c.file, c.path, err = createTempFile(root, filepath.Dir(rel), ".p4k-")
	} else {
		c.file, err = root.OpenFile(rel, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	}
	if err != nil {
		_ = root.Close() //nolint:errcheck // best-effort cleanup
		return nil, fmt.Errorf("create %s: %w", rel, err)
	}
	return c, nil
}

// fileCommitter writes one entry to path. For atomic writes path is a
// temporary sibling that Commit renames to rel; otherwise path is rel.
type fileCommitter struct {
	entry *Entry
	rel   string
	path  string
	file  *os.File
	root  *os.Root
	times bool
}

// Write implements io.Writer.
func (c *fileCommitter) Write(p []byte) (int, error) {
	return c.file.Write(p)
}

// Commit closes the file, applies the entry's mod time if requested and
// moves a temporary file into place. On failure the output is removed.
func (c *fileCommitter) Commit() error {
	err := c.finish()
	if err != nil {
		_ = c.root.Remove(c.path) //nolint:errcheck // best-effort cleanup
	}
	return errors.Join(err, c.root.Close())
}

func (c *fileCommitter) finish() error {
	if err := c.file.Close(); err != nil {
		return fmt.Errorf("close %s: %w", c.rel, err)
	}
	if mod := c.entry.ModTime; c.times && !mod.IsZero() {
		if err := c.root.Chtimes(c.path, mod, mod); err != nil {
			return fmt.Errorf("chtimes %s: %w", c.rel, err)
		}
	}
	if c.path != c.rel {
		if err := c.root.Rename(c.path, c.rel); err != nil {
			return fmt.Errorf("rename to %s: %w", c.rel, err)
		}
	}
	return nil
}

// Discard closes the file and removes what was written so far.
func (c *fileCommitter) Discard() error {
	_ = c.file.Close() //nolint:errcheck // removed below
	return errors.Join(c.root.Remove(c.path), c.root.Close())
}

func createTempFile(root *os.Root, dir, prefix string) (*os.File, string, error) {
	const attempts = 10
	for range attempts {
		name, err := randomSuffix()
		if err != nil {
			return nil, "", err
		}
		relPath := filepath.Join(dir, prefix+name)
		f, err := root.OpenFile(relPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			return f, relPath, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, "", err
		}
	}
	return nil, "", errors.New("create temp file: exhausted retries")
}

func randomSuffix() (string, error) {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(b[:]), nil
}
