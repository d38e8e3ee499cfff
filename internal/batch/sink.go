package batch

import (
	"io"

	"github.com/meigma/p4k/internal/p4ktype"
)

// Entry is an alias for p4ktype.Entry.
type Entry = p4ktype.Entry

// Sink receives decoded entry content during batch processing.
//
// Implementations determine where content is written and can filter which
// entries to process.
type Sink interface {
	// ShouldProcess returns false if this entry should be skipped, for
	// example because its output already exists.
	ShouldProcess(entry *Entry) bool

	// Writer returns a writer for the entry's content.
	// The returned Committer must have Commit() called after a successful
	// write, or Discard() called on any error.
	Writer(entry *Entry) (Committer, error)
}

// Committer is a writer that can be committed or discarded.
type Committer interface {
	io.Writer

	// Commit finalizes the write, making content available.
	Commit() error

	// Discard aborts the write and cleans up any partial output.
	Discard() error
}
