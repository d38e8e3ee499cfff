package batch

import (
	"errors"
	"fmt"
)

// Failure records an entry that could not be extracted.
type Failure struct {
	Name string
	Err  error

	index int
}

// Error implements error.
func (f Failure) Error() string {
	return fmt.Sprintf("%s: %v", f.Name, f.Err)
}

// Unwrap returns the underlying error.
func (f Failure) Unwrap() error {
	return f.Err
}

// Report summarizes a batch run. Every entry is counted exactly once in
// Succeeded, Skipped, Canceled or Failures.
type Report struct {
	// Total is the number of entries handed to Process.
	Total int

	// Succeeded is the number of entries written to the sink.
	Succeeded int

	// Skipped is the number of entries the sink declined.
	Skipped int

	// Canceled is the number of entries never dispatched because the
	// context was done.
	Canceled int

	// Failures lists failed entries in input order.
	Failures []Failure

	// BytesWritten is the decoded size of all succeeded entries.
	BytesWritten int64
}

// Failed returns the number of failed entries.
func (r *Report) Failed() int {
	return len(r.Failures)
}

// OK reports whether every entry either succeeded or was skipped.
func (r *Report) OK() bool {
	return len(r.Failures) == 0 && r.Canceled == 0
}

// Err joins all failures into one error, or returns nil.
func (r *Report) Err() error {
	if len(r.Failures) == 0 {
		return nil
	}
	errs := make([]error, len(r.Failures))
	for i, f := range r.Failures {
		errs[i] = f
	}
	return errors.Join(errs...)
}
