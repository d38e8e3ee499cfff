package p4k

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"io/fs"
	"iter"
	"log/slog"
	"os"

	"golang.org/x/sync/singleflight"

	"github.com/meigma/p4k/internal/batch"
	"github.com/meigma/p4k/internal/file"
	"github.com/meigma/p4k/internal/index"
	"github.com/meigma/p4k/internal/p4ktype"
)

// Archive provides access to the entries of an opened p4k container.
//
// The index is read once by Open and never changes afterwards. Every read
// and extraction opens its own handle on the container file, so an Archive
// is safe for concurrent use and holds no open files between calls.
type Archive struct {
	path   string
	idx    *index.Index
	reader *file.Reader

	maxDecoderMemory    uint64
	maxDecoderMemorySet bool
	decoderConcurrency  *int
	decoderLowmem       *bool
	maxBufferedBytes    int64
	verify              bool
	indexProgress       ProgressFunc

	readGroup singleflight.Group // zero value is valid
	logger    *slog.Logger
}

// log returns the logger, falling back to a discard logger if nil.
func (a *Archive) log() *slog.Logger {
	if a.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return a.logger
}

// Open reads the index of the container at path.
func Open(path string, opts ...Option) (*Archive, error) {
	return OpenContext(context.Background(), path, opts...)
}

// OpenContext is like Open but stops reading the central directory when ctx
// is done.
func OpenContext(ctx context.Context, path string, opts ...Option) (*Archive, error) {
	a := &Archive{path: path}
	for _, opt := range opts {
		opt(a)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close() //nolint:errcheck // read-only handle

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}

	idx, err := index.Build(ctx, f, info.Size(),
		index.WithLogger(a.logger),
		index.WithProgress(a.indexProgress),
	)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	a.idx = idx
	a.reader = file.NewReader(p4ktype.FileOpener{Path: path}, info.Size(), a.readerOptions()...)

	a.log().Debug("archive opened", "path", path, "entries", idx.Len(), "size", info.Size())
	return a, nil
}

func (a *Archive) readerOptions() []file.Option {
	opts := []file.Option{
		file.WithMaxBufferedBytes(a.maxBufferedBytes),
		file.WithVerify(a.verify),
	}
	if a.maxDecoderMemorySet {
		opts = append(opts, file.WithMaxDecoderMemory(a.maxDecoderMemory))
	}
	if a.decoderConcurrency != nil {
		opts = append(opts, file.WithDecoderConcurrency(*a.decoderConcurrency))
	}
	if a.decoderLowmem != nil {
		opts = append(opts, file.WithDecoderLowmem(*a.decoderLowmem))
	}
	return opts
}

// Path returns the path the archive was opened from.
func (a *Archive) Path() string {
	return a.path
}

// Size returns the container size in bytes.
func (a *Archive) Size() int64 {
	return a.idx.Size()
}

// Len returns the number of entries.
func (a *Archive) Len() int {
	return a.idx.Len()
}

// Comment returns the archive comment.
func (a *Archive) Comment() string {
	return a.idx.Comment()
}

// Entries iterates over entries in central directory order.
func (a *Archive) Entries() iter.Seq[Entry] {
	return func(yield func(Entry) bool) {
		for _, entry := range a.idx.Entries() {
			if !yield(entry) {
				return
			}
		}
	}
}

// EntriesWithPrefix iterates over entries whose name starts with prefix,
// using the same matching as ExtractWithPrefix.
func (a *Archive) EntriesWithPrefix(prefix string) iter.Seq[Entry] {
	return func(yield func(Entry) bool) {
		for _, entry := range a.idx.Entries() {
			if hasPrefixFold(entry.Name, prefix) && !yield(entry) {
				return
			}
		}
	}
}

// Entry looks up an entry by name. Backslash and slash separators are
// equivalent.
func (a *Archive) Entry(name string) (Entry, bool) {
	return a.idx.Lookup(name)
}

func (a *Archive) lookup(op, name string) (*Entry, error) {
	entry, ok := a.idx.Lookup(name)
	if !ok {
		return nil, &fs.PathError{Op: op, Path: name, Err: fs.ErrNotExist}
	}
	return &entry, nil
}

// Open returns a stream of the decoded content of the named entry.
// The caller must close it.
func (a *Archive) Open(name string) (io.ReadCloser, error) {
	entry, err := a.lookup("open", name)
	if err != nil {
		return nil, err
	}
	return a.reader.Open(context.Background(), entry)
}

// ReadFile returns the decoded content of the named entry.
//
// Concurrent calls for the same entry share a single read.
func (a *Archive) ReadFile(name string) ([]byte, error) {
	entry, err := a.lookup("read", name)
	if err != nil {
		return nil, err
	}

	result, err, shared := a.readGroup.Do(p4ktype.NormalizeName(entry.Name), func() (any, error) {
		return a.reader.ReadAll(context.Background(), entry)
	})
	if err != nil {
		return nil, err
	}
	content := result.([]byte) //nolint:errcheck // type assertion always succeeds when err is nil
	if shared {
		// Callers own their slice.
		content = bytes.Clone(content)
	}
	return content, nil
}

// ExtractEntry writes the named entry below destDir, creating destDir and
// any parent directories as needed. Filter and prefix options are ignored.
func (a *Archive) ExtractEntry(name, destDir string, opts ...ExtractOption) error {
	entry, err := a.lookup("extract", name)
	if err != nil {
		return err
	}
	cfg := newExtractConfig(opts)
	cfg.workers = 1

	report, err := a.extract(context.Background(), destDir, []*Entry{entry}, cfg)
	if err != nil {
		return err
	}
	if report.Failed() > 0 {
		return report.Failures[0].Err
	}
	return nil
}

// Extract writes all selected entries below destDir using a pool of
// workers, creating destDir if needed.
//
// Entries that fail are listed in the report and do not stop the others,
// so a nil error does not mean every entry was written; check Report.OK.
// When ctx is done no further entries are started, entries already running
// finish, and ctx.Err() is returned with the partial report.
//
// When several entries share a name, only the first is extracted, the same
// one Entry and ReadFile resolve to.
func (a *Archive) Extract(ctx context.Context, destDir string, opts ...ExtractOption) (*Report, error) {
	cfg := newExtractConfig(opts)

	var duplicates int
	seen := make(map[string]struct{}, a.idx.Len())
	entries := make([]*Entry, 0, a.idx.Len())
	for _, entry := range a.idx.Entries() {
		if !cfg.selects(&entry) {
			continue
		}
		name := p4ktype.NormalizeName(entry.Name)
		if _, ok := seen[name]; ok {
			duplicates++
			continue
		}
		seen[name] = struct{}{}
		entries = append(entries, &entry)
	}
	if duplicates > 0 {
		a.log().Debug("skipping duplicate entries", "count", duplicates)
	}
	return a.extract(ctx, destDir, entries, cfg)
}

func (a *Archive) extract(ctx context.Context, destDir string, entries []*Entry, cfg *extractConfig) (*Report, error) {
	if err := os.MkdirAll(destDir, 0o750); err != nil {
		return nil, fmt.Errorf("create destination: %w", err)
	}

	sink := batch.NewFileSink(destDir,
		batch.WithOverwrite(cfg.overwrite),
		batch.WithAtomicWrites(cfg.atomic),
		batch.WithPreserveTimes(cfg.preserveTimes),
	)
	proc := batch.NewProcessor(a.reader,
		batch.WithWorkers(cfg.workers),
		batch.WithProgress(cfg.progress),
		batch.WithProcessorLogger(a.logger),
	)

	a.log().Debug("extracting", "entries", len(entries), "dest", destDir)
	return proc.Process(ctx, entries, sink)
}
