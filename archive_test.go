package p4k

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/p4k/internal/testutil"
)

func sampleBuilder() *testutil.Builder {
	return (&testutil.Builder{Comment: "build 3.18"}).Add(
		testutil.Entry{Name: `Data\game.cfg`, Data: []byte("r_DisplayInfo = 1\n")},
		testutil.Entry{Name: `Data\Libs\Config\defaultProfile.xml`, Data: []byte(strings.Repeat("<profile/>\n", 40)), Method: MethodZstd},
		testutil.Entry{Name: `Data\Libs\Config\secret.xml`, Data: []byte("<secret>crypted</secret>"), Method: MethodZstd, Crypted: true},
		testutil.Entry{Name: `Data\Objects\ship.cgf`, Data: []byte(strings.Repeat("mesh", 300)), Method: MethodZstd},
		testutil.Entry{Name: `Engine\shaders.pak`, Data: []byte("shaders"), PlainSizes: true},
	)
}

func openSample(t *testing.T, b *testutil.Builder, opts ...Option) *Archive {
	t.Helper()
	path := b.WriteFile(t, t.TempDir())
	a, err := Open(path, opts...)
	require.NoError(t, err)
	return a
}

func TestOpen_Accessors(t *testing.T) {
	t.Parallel()

	b := sampleBuilder()
	a := openSample(t, b)

	assert.Equal(t, len(b.Entries), a.Len())
	assert.Equal(t, "build 3.18", a.Comment())
	assert.Equal(t, "Data.p4k", filepath.Base(a.Path()))

	info, err := os.Stat(a.Path())
	require.NoError(t, err)
	assert.Equal(t, info.Size(), a.Size())

	var names []string
	for entry := range a.Entries() {
		names = append(names, entry.Name)
	}
	want := make([]string, len(b.Entries))
	for i, e := range b.Entries {
		want[i] = e.Name
	}
	assert.Equal(t, want, names)

	entry, ok := a.Entry("Data/Libs/Config/secret.xml")
	require.True(t, ok)
	assert.True(t, entry.Crypted)
	assert.Equal(t, MethodZstd, entry.Method)

	_, ok = a.Entry(`Data\missing.xml`)
	assert.False(t, ok)
}

func TestOpen_Errors(t *testing.T) {
	t.Parallel()

	t.Run("missing file", func(t *testing.T) {
		t.Parallel()
		_, err := Open(filepath.Join(t.TempDir(), "absent.p4k"))
		require.ErrorIs(t, err, fs.ErrNotExist)
	})

	t.Run("not zip64", func(t *testing.T) {
		t.Parallel()
		b := sampleBuilder()
		b.NotZip64 = true
		_, err := Open(b.WriteFile(t, t.TempDir()))
		require.ErrorIs(t, err, ErrUnsupportedFormat)
	})

	t.Run("garbage", func(t *testing.T) {
		t.Parallel()
		path := filepath.Join(t.TempDir(), "Data.p4k")
		require.NoError(t, os.WriteFile(path, []byte(strings.Repeat("not an archive ", 10)), 0o600))
		_, err := Open(path)
		require.ErrorIs(t, err, ErrCorruptArchive)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("canceled", func(t *testing.T) {
		t.Parallel()
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := OpenContext(ctx, sampleBuilder().WriteFile(t, t.TempDir()))
		require.ErrorIs(t, err, context.Canceled)
	})
}

func TestOpen_IndexProgress(t *testing.T) {
	t.Parallel()

	var events []ProgressEvent
	openSample(t, sampleBuilder(), WithIndexProgress(func(ev ProgressEvent) {
		events = append(events, ev)
	}))

	require.Len(t, events, 5)
	last := events[len(events)-1]
	assert.Equal(t, StageIndexing, last.Stage)
	assert.Equal(t, 1.0, last.Fraction)
}

func TestArchive_EntriesWithPrefix(t *testing.T) {
	t.Parallel()

	a := openSample(t, sampleBuilder())

	var names []string
	for entry := range a.EntriesWithPrefix(`\DATA\libs`) {
		names = append(names, entry.Name)
	}
	assert.Equal(t, []string{`Data\Libs\Config\defaultProfile.xml`, `Data\Libs\Config\secret.xml`}, names)

	count := 0
	for range a.EntriesWithPrefix("") {
		count++
	}
	assert.Equal(t, a.Len(), count)
}

func TestArchive_ReadFile(t *testing.T) {
	t.Parallel()

	b := sampleBuilder()
	a := openSample(t, b)

	for _, e := range b.Entries {
		t.Run(e.Name, func(t *testing.T) {
			t.Parallel()
			got, err := a.ReadFile(e.Name)
			require.NoError(t, err)
			assert.Equal(t, e.Data, got)
		})
	}
}

func TestArchive_ReadFileNotFound(t *testing.T) {
	t.Parallel()

	a := openSample(t, sampleBuilder())
	_, err := a.ReadFile("nope.txt")
	require.ErrorIs(t, err, fs.ErrNotExist)

	var pathErr *fs.PathError
	require.ErrorAs(t, err, &pathErr)
	assert.Equal(t, "nope.txt", pathErr.Path)
}

func TestArchive_ReadFileConcurrent(t *testing.T) {
	t.Parallel()

	b := sampleBuilder()
	a := openSample(t, b)
	want := b.Entries[3].Data

	const callers = 16
	results := make([][]byte, callers)
	var wg sync.WaitGroup
	for i := range callers {
		wg.Go(func() {
			got, err := a.ReadFile(`Data\Objects\ship.cgf`)
			assert.NoError(t, err)
			results[i] = got
		})
	}
	wg.Wait()

	for _, got := range results {
		assert.Equal(t, want, got)
	}
	// Every caller owns its slice.
	results[0][0] ^= 0xff
	assert.Equal(t, want, results[1])
}

func TestArchive_Open(t *testing.T) {
	t.Parallel()

	b := sampleBuilder()
	a := openSample(t, b)

	rc, err := a.Open("data/libs/config/secret.xml")
	require.ErrorIs(t, err, fs.ErrNotExist, "lookup is exact apart from separators")
	assert.Nil(t, rc)

	rc, err = a.Open("Data/Libs/Config/secret.xml")
	require.NoError(t, err)
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, b.Entries[2].Data, got)
}

func TestArchive_Verify(t *testing.T) {
	t.Parallel()

	b := (&testutil.Builder{}).Add(
		testutil.Entry{Name: "ok.bin", Data: []byte("fine"), Method: MethodZstd},
		testutil.Entry{Name: "short.bin", Data: []byte("declared longer"), Method: MethodZstd, UncompressedSkew: 3},
	)
	a := openSample(t, b, WithVerify(true))

	got, err := a.ReadFile("ok.bin")
	require.NoError(t, err)
	assert.Equal(t, []byte("fine"), got)

	_, err = a.ReadFile("short.bin")
	require.ErrorIs(t, err, ErrChecksumMismatch)
}

func TestArchive_ExtractEntry(t *testing.T) {
	t.Parallel()

	b := sampleBuilder()
	a := openSample(t, b)
	dest := filepath.Join(t.TempDir(), "out")

	require.NoError(t, a.ExtractEntry(`Data\Libs\Config\secret.xml`, dest))
	got, err := os.ReadFile(filepath.Join(dest, "Data", "Libs", "Config", "secret.xml"))
	require.NoError(t, err)
	assert.Equal(t, b.Entries[2].Data, got)

	// Only the requested entry is written.
	_, err = os.Stat(filepath.Join(dest, "Data", "game.cfg"))
	assert.ErrorIs(t, err, fs.ErrNotExist)

	err = a.ExtractEntry("missing", dest)
	require.ErrorIs(t, err, fs.ErrNotExist)
}

func TestArchive_ExtractEntryCorrupt(t *testing.T) {
	t.Parallel()

	b := (&testutil.Builder{}).Add(
		testutil.Entry{Name: `Data\broken.bin`, Data: []byte("xx"), LocalSignature: 0x12345678},
	)
	a := openSample(t, b)
	dest := t.TempDir()

	err := a.ExtractEntry(`Data\broken.bin`, dest)
	require.ErrorIs(t, err, ErrCorruptEntry)
	assert.Contains(t, err.Error(), `Data\broken.bin`)

	_, err = os.Stat(filepath.Join(dest, "Data", "broken.bin"))
	assert.ErrorIs(t, err, fs.ErrNotExist)
}

func TestArchive_ExtractEntryNoOverwrite(t *testing.T) {
	t.Parallel()

	a := openSample(t, sampleBuilder())
	dest := t.TempDir()
	path := filepath.Join(dest, "Data", "game.cfg")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o750))
	require.NoError(t, os.WriteFile(path, []byte("mine"), 0o600))

	require.NoError(t, a.ExtractEntry(`Data\game.cfg`, dest, ExtractWithOverwrite(false)))
	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "mine", string(got))
}

func TestArchive_Extract(t *testing.T) {
	t.Parallel()

	b := sampleBuilder()

	tests := []struct {
		name string
		opts []ExtractOption
		want []string
	}{
		{
			name: "all",
			want: []string{`Data\game.cfg`, `Data\Libs\Config\defaultProfile.xml`, `Data\Libs\Config\secret.xml`, `Data\Objects\ship.cgf`, `Engine\shaders.pak`},
		},
		{
			name: "prefix ignores case and separators",
			opts: []ExtractOption{ExtractWithPrefix("data/libs/")},
			want: []string{`Data\Libs\Config\defaultProfile.xml`, `Data\Libs\Config\secret.xml`},
		},
		{
			name: "filter",
			opts: []ExtractOption{ExtractWithFilter(func(e Entry) bool { return e.Method == MethodStore })},
			want: []string{`Data\game.cfg`, `Engine\shaders.pak`},
		},
		{
			name: "prefix and filter",
			opts: []ExtractOption{
				ExtractWithPrefix(`Data\`),
				ExtractWithFilter(func(e Entry) bool { return !e.Crypted }),
			},
			want: []string{`Data\game.cfg`, `Data\Libs\Config\defaultProfile.xml`, `Data\Objects\ship.cgf`},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			a := openSample(t, b)
			dest := t.TempDir()
			opts := append([]ExtractOption{ExtractWithWorkers(3), ExtractWithAtomicWrites(true)}, tc.opts...)

			report, err := a.Extract(context.Background(), dest, opts...)
			require.NoError(t, err)
			require.True(t, report.OK(), "failures: %v", report.Err())
			assert.Equal(t, len(tc.want), report.Total)
			assert.Equal(t, len(tc.want), report.Succeeded)

			var found []string
			err = filepath.WalkDir(dest, func(path string, d fs.DirEntry, err error) error {
				if err != nil || d.IsDir() {
					return err
				}
				rel, err := filepath.Rel(dest, path)
				if err != nil {
					return err
				}
				found = append(found, strings.ReplaceAll(filepath.ToSlash(rel), "/", `\`))
				return nil
			})
			require.NoError(t, err)
			assert.ElementsMatch(t, tc.want, found)

			for _, e := range b.Entries {
				if !contains(tc.want, e.Name) {
					continue
				}
				got, err := os.ReadFile(filepath.Join(dest, filepath.FromSlash(strings.ReplaceAll(e.Name, `\`, "/"))))
				require.NoError(t, err)
				assert.Equal(t, e.Data, got, e.Name)
			}
		})
	}
}

func contains(names []string, name string) bool {
	for _, n := range names {
		if n == name {
			return true
		}
	}
	return false
}

func TestArchive_ExtractReport(t *testing.T) {
	t.Parallel()

	b := &testutil.Builder{}
	var total int64
	for i := range 60 {
		data := []byte(fmt.Sprintf("payload %d\n", i))
		e := testutil.Entry{Name: fmt.Sprintf(`Data\f%02d.txt`, i), Data: data, Method: MethodZstd, Crypted: i%5 == 0}
		if i == 13 || i == 42 {
			e.Method = 8
		} else {
			total += int64(len(data))
		}
		b.Add(e)
	}
	a := openSample(t, b)

	var (
		mu     sync.Mutex
		events []ProgressEvent
	)
	report, err := a.Extract(context.Background(), t.TempDir(),
		ExtractWithWorkers(4),
		ExtractWithProgress(func(ev ProgressEvent) {
			mu.Lock()
			defer mu.Unlock()
			events = append(events, ev)
		}),
	)
	require.NoError(t, err)

	assert.Equal(t, 60, report.Total)
	assert.Equal(t, 58, report.Succeeded)
	assert.Equal(t, total, report.BytesWritten)
	require.Len(t, report.Failures, 2)
	assert.Equal(t, `Data\f13.txt`, report.Failures[0].Name)
	assert.Equal(t, `Data\f42.txt`, report.Failures[1].Name)
	for _, f := range report.Failures {
		require.ErrorIs(t, f.Err, ErrUnsupportedCompression)
		assert.ErrorIs(t, f, ErrUnsupportedFormat)
	}

	require.Len(t, events, 20)
	assert.Equal(t, 1.0, events[len(events)-1].Fraction)
	assert.Equal(t, StageExtracting, events[0].Stage)
}

func TestArchive_ExtractDuplicateNames(t *testing.T) {
	t.Parallel()

	big := bytes.Repeat([]byte("A"), 1<<20)
	a := openSample(t, (&testutil.Builder{}).Add(
		testutil.Entry{Name: `Data\dup.txt`, Data: big},
		testutil.Entry{Name: `Data\dup.txt`, Data: []byte("small")},
		testutil.Entry{Name: "Data/dup.txt", Data: []byte("other"), Method: MethodZstd},
		testutil.Entry{Name: `Data\only.txt`, Data: []byte("only")},
	))

	for range 5 {
		dir := t.TempDir()
		report, err := a.Extract(context.Background(), dir, ExtractWithWorkers(2))
		require.NoError(t, err)
		assert.Equal(t, 2, report.Total)
		assert.Equal(t, 2, report.Succeeded)
		assert.Equal(t, int64(len(big)+len("only")), report.BytesWritten)

		got, err := os.ReadFile(filepath.Join(dir, "Data", "dup.txt"))
		require.NoError(t, err)
		require.Len(t, got, len(big))
		assert.True(t, bytes.Equal(big, got), "dup.txt does not hold the first entry")
	}

	content, err := a.ReadFile("Data/dup.txt")
	require.NoError(t, err)
	assert.Len(t, content, len(big))
}

func TestArchive_ExtractCanceled(t *testing.T) {
	t.Parallel()

	a := openSample(t, sampleBuilder())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := a.Extract(ctx, t.TempDir())
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, a.Len(), report.Canceled)
	assert.False(t, report.OK())
}

func TestArchive_ExtractDestinationIsFile(t *testing.T) {
	t.Parallel()

	a := openSample(t, sampleBuilder())
	dest := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(dest, nil, 0o600))

	_, err := a.Extract(context.Background(), dest)
	require.Error(t, err)
}
