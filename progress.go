package p4k

import (
	"github.com/meigma/p4k/internal/batch"
	"github.com/meigma/p4k/internal/p4ktype"
)

// Entry describes a member of the archive.
type Entry = p4ktype.Entry

// Method identifies the compression method of an entry.
type Method = p4ktype.Method

// Compression methods.
const (
	MethodStore = p4ktype.MethodStore
	MethodZstd  = p4ktype.MethodZstd
)

// ProgressEvent represents a progress update during indexing or extraction.
type ProgressEvent = p4ktype.ProgressEvent

// ProgressStage identifies the current phase of an operation.
type ProgressStage = p4ktype.ProgressStage

// Progress stages.
const (
	StageIndexing   = p4ktype.StageIndexing
	StageExtracting = p4ktype.StageExtracting
)

// ProgressFunc receives progress updates. Calls are serialized, so a
// callback needs no locking of its own.
type ProgressFunc = p4ktype.ProgressFunc

// Report summarizes an extraction.
type Report = batch.Report

// Failure records an entry that could not be extracted.
type Failure = batch.Failure
