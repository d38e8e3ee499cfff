// Package p4k reads p4k containers and extracts their entries.
//
// A p4k container is a Zip64 archive with vendor extensions: entries carry
// extra fields of their own, may be encrypted with a fixed AES key, and are
// either stored or compressed with a zstd-framed codec (method 100). The
// archive index is built once when the container is opened; entries are
// then read or extracted concurrently, each through its own file handle.
//
// # Quick Start
//
// List and read entries:
//
//	archive, err := p4k.Open("Data.p4k")
//	if err != nil {
//	    return err
//	}
//	for entry := range archive.Entries() {
//	    fmt.Println(entry.Name, entry.UncompressedSize)
//	}
//	content, err := archive.ReadFile(`Data\game.cfg`)
//
// Extract everything below a directory:
//
//	report, err := archive.Extract(ctx, "./extracted",
//	    p4k.ExtractWithWorkers(8),
//	    p4k.ExtractWithPrefix(`Data\Libs\`),
//	)
//	if err != nil {
//	    return err
//	}
//	for _, f := range report.Failures {
//	    log.Printf("%s: %v", f.Name, f.Err)
//	}
//
// # Failures
//
// A malformed archive directory fails [Open] with [ErrCorruptArchive] or
// [ErrUnsupportedFormat]; no partial archive is returned. Problems with a
// single entry never stop an extraction: they are listed in the returned
// [Report] and the remaining entries are still written.
package p4k
