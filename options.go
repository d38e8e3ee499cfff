package p4k

import (
	"log/slog"
	"strings"

	"github.com/meigma/p4k/internal/p4ktype"
)

// Option configures an Archive.
type Option func(*Archive)

// WithLogger sets the logger for archive operations.
// If not set, logging is disabled.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Archive) {
		a.logger = logger
	}
}

// WithIndexProgress reports progress while the central directory is read.
func WithIndexProgress(fn ProgressFunc) Option {
	return func(a *Archive) {
		a.indexProgress = fn
	}
}

// WithMaxDecoderMemory limits the memory a zstd decoder may allocate
// (default: 256MB). Set to 0 to disable the limit.
func WithMaxDecoderMemory(limit uint64) Option {
	return func(a *Archive) {
		a.maxDecoderMemory = limit
		a.maxDecoderMemorySet = true
	}
}

// WithDecoderConcurrency sets the zstd decoder concurrency (default: 1).
// Extraction already runs one decoder per worker, so values above 1 mostly
// help when reading single large entries.
func WithDecoderConcurrency(n int) Option {
	return func(a *Archive) {
		a.decoderConcurrency = &n
	}
}

// WithDecoderLowmem sets whether zstd decoders use low-memory mode.
func WithDecoderLowmem(enabled bool) Option {
	return func(a *Archive) {
		a.decoderLowmem = &enabled
	}
}

// WithMaxBufferedBytes bounds the ciphertext held in memory across all
// concurrently decrypted entries. A crypted entry larger than limit fails
// with ErrSizeOverflow. A value of 0 (the default) disables the bound.
func WithMaxBufferedBytes(limit int64) Option {
	return func(a *Archive) {
		a.maxBufferedBytes = limit
	}
}

// WithVerify checks every decoded entry against the size and CRC-32
// recorded in the central directory. Mismatches fail with
// ErrChecksumMismatch when the entry's stream reaches EOF.
func WithVerify(enabled bool) Option {
	return func(a *Archive) {
		a.verify = enabled
	}
}

// ExtractOption configures Extract and ExtractEntry.
type ExtractOption func(*extractConfig)

type extractConfig struct {
	workers       int
	progress      ProgressFunc
	overwrite     bool
	atomic        bool
	preserveTimes bool
	filter        func(Entry) bool
	prefix        string
	prefixSet     bool
}

func newExtractConfig(opts []ExtractOption) *extractConfig {
	cfg := &extractConfig{overwrite: true}
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}

// ExtractWithWorkers sets the number of concurrent workers.
// Values < 1 use runtime.GOMAXPROCS(0).
func ExtractWithWorkers(n int) ExtractOption {
	return func(cfg *extractConfig) {
		cfg.workers = n
	}
}

// ExtractWithProgress reports progress every 5% of the selected entries and
// once more when the last entry completes.
func ExtractWithProgress(fn ProgressFunc) ExtractOption {
	return func(cfg *extractConfig) {
		cfg.progress = fn
	}
}

// ExtractWithOverwrite controls whether existing files are replaced
// (default: true). When false, entries whose output exists are skipped.
func ExtractWithOverwrite(overwrite bool) ExtractOption {
	return func(cfg *extractConfig) {
		cfg.overwrite = overwrite
	}
}

// ExtractWithAtomicWrites writes each file to a temporary name and renames
// it into place once the entry decoded successfully.
func ExtractWithAtomicWrites(enabled bool) ExtractOption {
	return func(cfg *extractConfig) {
		cfg.atomic = enabled
	}
}

// ExtractWithPreserveTimes sets each file's modification time from the
// archive.
func ExtractWithPreserveTimes(enabled bool) ExtractOption {
	return func(cfg *extractConfig) {
		cfg.preserveTimes = enabled
	}
}

// ExtractWithFilter extracts only entries for which fn returns true.
// Ignored by ExtractEntry.
func ExtractWithFilter(fn func(Entry) bool) ExtractOption {
	return func(cfg *extractConfig) {
		cfg.filter = fn
	}
}

// ExtractWithPrefix extracts only entries whose name starts with prefix.
// Separators are normalized and the comparison ignores case.
// Ignored by ExtractEntry.
func ExtractWithPrefix(prefix string) ExtractOption {
	return func(cfg *extractConfig) {
		cfg.prefix = prefix
		cfg.prefixSet = true
	}
}

// selects reports whether entry passes the prefix and filter options.
func (cfg *extractConfig) selects(entry *Entry) bool {
	if cfg.prefixSet && !hasPrefixFold(entry.Name, cfg.prefix) {
		return false
	}
	if cfg.filter != nil && !cfg.filter(*entry) {
		return false
	}
	return true
}

// hasPrefixFold reports whether name starts with prefix after both are
// normalized, ignoring case.
func hasPrefixFold(name, prefix string) bool {
	name, prefix = p4ktype.NormalizeName(name), p4ktype.NormalizeName(prefix)
	return len(name) >= len(prefix) && strings.EqualFold(name[:len(prefix)], prefix)
}
