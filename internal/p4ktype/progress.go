package p4ktype

// ProgressEvent represents a progress update during indexing or extraction.
type ProgressEvent struct {
	// Stage identifies the current phase of the operation.
	Stage ProgressStage

	// Path is the entry that completed last, if applicable.
	Path string

	// FilesDone is the number of entries completed, successful or not.
	FilesDone int

	// FilesTotal is the total number of entries.
	FilesTotal int

	// Fraction is FilesDone / FilesTotal in [0, 1].
	Fraction float64
}

// ProgressStage identifies the current phase of an operation.
type ProgressStage uint8

const (
	// StageIndexing indicates the central directory is being read.
	StageIndexing ProgressStage = iota

	// StageExtracting indicates entries are being extracted.
	StageExtracting
)

// String returns the string representation of the stage.
func (s ProgressStage) String() string {
	switch s {
	case StageIndexing:
		return "indexing"
	case StageExtracting:
		return "extracting"
	default:
		return "unknown"
	}
}

// ProgressFunc receives progress updates during operations.
// Calls are serialized by the caller, so values arrive in order.
type ProgressFunc func(ProgressEvent)
