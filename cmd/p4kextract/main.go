// Command p4kextract lists and extracts the contents of a p4k container.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/meigma/p4k"
)

type config struct {
	archive          string
	outDir           string
	workers          int
	prefix           string
	overwrite        bool
	atomic           bool
	preserveTimes    bool
	verify           bool
	list             bool
	verbose          bool
	maxBuffered      int64
	maxDecoderMemory uint64
}

func main() {
	cfg, err := parseFlags(os.Args[1:], os.Stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "p4kextract: %v\n", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := run(ctx, cfg, os.Stdout, newLogger(os.Stderr, cfg.verbose)); err != nil {
		fmt.Fprintf(os.Stderr, "p4kextract: %v\n", err)
		stop()
		os.Exit(1) //nolint:gocritic // stop is called explicitly above
	}
}

func parseFlags(args []string, output io.Writer) (config, error) {
	var (
		cfg              config
		maxBuffered      string
		maxDecoderMemory string
	)
	fs := flag.NewFlagSet("p4kextract", flag.ContinueOnError)
	fs.SetOutput(output)
	fs.StringVar(&cfg.archive, "p4k", "Data.p4k", "path to the p4k container")
	fs.StringVar(&cfg.outDir, "out", "extracted", "destination directory")
	fs.IntVar(&cfg.workers, "workers", 0, "extraction workers (0 uses GOMAXPROCS)")
	fs.StringVar(&cfg.prefix, "prefix", "", "only entries whose name starts with prefix")
	fs.BoolVar(&cfg.overwrite, "overwrite", true, "replace existing files")
	fs.BoolVar(&cfg.atomic, "atomic", false, "write to a temporary file and rename into place")
	fs.BoolVar(&cfg.preserveTimes, "preserve-times", false, "set file times from the archive")
	fs.BoolVar(&cfg.verify, "verify", false, "check size and CRC-32 of every entry")
	fs.BoolVar(&cfg.list, "list", false, "list entries instead of extracting")
	fs.BoolVar(&cfg.verbose, "v", false, "verbose logging")
	fs.StringVar(&maxBuffered, "max-buffered", "", "cap on ciphertext held in memory (e.g. 512MiB)")
	fs.StringVar(&maxDecoderMemory, "max-decoder-mem", "", "zstd decoder memory limit (e.g. 256MiB)")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	if maxBuffered != "" {
		n, err := humanize.ParseBytes(maxBuffered)
		if err != nil {
			return cfg, fmt.Errorf("max-buffered: %w", err)
		}
		cfg.maxBuffered = int64(min(n, 1<<62)) //nolint:gosec // clamped
	}
	if maxDecoderMemory != "" {
		n, err := humanize.ParseBytes(maxDecoderMemory)
		if err != nil {
			return cfg, fmt.Errorf("max-decoder-mem: %w", err)
		}
		cfg.maxDecoderMemory = n
	}
	return cfg, nil
}

func newLogger(w io.Writer, verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

func (cfg config) archiveOptions(logger *slog.Logger) []p4k.Option {
	opts := []p4k.Option{
		p4k.WithLogger(logger),
		p4k.WithMaxBufferedBytes(cfg.maxBuffered),
		p4k.WithVerify(cfg.verify),
	}
	if cfg.maxDecoderMemory > 0 {
		opts = append(opts, p4k.WithMaxDecoderMemory(cfg.maxDecoderMemory))
	}
	return opts
}

func run(ctx context.Context, cfg config, out io.Writer, logger *slog.Logger) error {
	start := time.Now()
	archive, err := p4k.OpenContext(ctx, cfg.archive, cfg.archiveOptions(logger)...)
	if err != nil {
		return err
	}
	logger.Info("archive indexed",
		"path", archive.Path(),
		"entries", archive.Len(),
		"size", humanize.IBytes(uint64(archive.Size())), //nolint:gosec // file sizes are non-negative
		"elapsed", time.Since(start).Round(time.Millisecond))

	if cfg.list {
		return list(out, archive, cfg.prefix)
	}

	opts := []p4k.ExtractOption{
		p4k.ExtractWithWorkers(cfg.workers),
		p4k.ExtractWithOverwrite(cfg.overwrite),
		p4k.ExtractWithAtomicWrites(cfg.atomic),
		p4k.ExtractWithPreserveTimes(cfg.preserveTimes),
		p4k.ExtractWithProgress(func(ev p4k.ProgressEvent) {
			logger.Info("progress",
				"percent", int(ev.Fraction*100),
				"done", ev.FilesDone,
				"total", ev.FilesTotal)
		}),
	}
	if cfg.prefix != "" {
		opts = append(opts, p4k.ExtractWithPrefix(cfg.prefix))
	}

	start = time.Now()
	report, err := archive.Extract(ctx, cfg.outDir, opts...)
	if report != nil {
		for _, f := range report.Failures {
			logger.Error("entry failed", "entry", f.Name, "err", f.Err)
		}
		fmt.Fprintf(out, "extracted %s files (%s) in %s: %d skipped, %d failed, %d canceled\n",
			humanize.Comma(int64(report.Succeeded)),
			humanize.IBytes(uint64(report.BytesWritten)), //nolint:gosec // byte counts are non-negative
			time.Since(start).Round(time.Millisecond),
			report.Skipped,
			report.Failed(),
			report.Canceled)
	}
	if err != nil {
		return err
	}
	if !report.OK() {
		return fmt.Errorf("%d of %d entries failed", report.Failed(), report.Total)
	}
	return nil
}

func list(out io.Writer, archive *p4k.Archive, prefix string) error {
	var (
		count int
		total uint64
	)
	for entry := range archive.EntriesWithPrefix(prefix) {
		mark := " "
		if entry.Crypted {
			mark = "C"
		}
		if _, err := fmt.Fprintf(out, "%s %-5s %10s  %s  %s\n",
			mark,
			entry.Method,
			humanize.IBytes(entry.UncompressedSize),
			entry.ModTime.Format(time.DateTime),
			entry.Name); err != nil {
			return err
		}
		count++
		total += entry.UncompressedSize
	}
	_, err := fmt.Fprintf(out, "%s entries, %s\n", humanize.Comma(int64(count)), humanize.IBytes(total))
	return err
}
