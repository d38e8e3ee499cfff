package index

import (
	"bytes"
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/p4k/internal/format"
	"github.com/meigma/p4k/internal/p4ktype"
	"github.com/meigma/p4k/internal/testutil"
)

func build(t *testing.T, b *testutil.Builder) (*Index, error) {
	t.Helper()
	data := b.Bytes(t)
	return Build(context.Background(), bytes.NewReader(data), int64(len(data)))
}

func TestBuild_Entries(t *testing.T) {
	t.Parallel()

	b := (&testutil.Builder{Comment: "build 3.23.1"}).Add(
		testutil.Entry{Name: `Data\Objects\ship.cgf`, Data: []byte("stored"), Method: p4ktype.MethodStore, Comment: "c1"},
		testutil.Entry{Name: `Data\Libs\table.dcb`, Data: bytes.Repeat([]byte("zz"), 500), Method: p4ktype.MethodZstd},
		testutil.Entry{Name: `Data\secret.xml`, Data: []byte("<xml/>"), Method: p4ktype.MethodStore, Crypted: true},
	)

	idx, err := build(t, b)
	require.NoError(t, err)

	require.Equal(t, 3, idx.Len())
	assert.Equal(t, "build 3.23.1", idx.Comment())

	first := idx.Entry(0)
	assert.Equal(t, `Data\Objects\ship.cgf`, first.Name)
	assert.Equal(t, "c1", first.Comment)
	assert.Equal(t, p4ktype.MethodStore, first.Method)
	assert.Equal(t, uint64(6), first.CompressedSize)
	assert.Equal(t, uint64(6), first.UncompressedSize)
	assert.Equal(t, uint64(0), first.LocalHeaderOffset)
	assert.False(t, first.Crypted)
	assert.False(t, first.ModTime.IsZero())

	second := idx.Entry(1)
	assert.Equal(t, p4ktype.MethodZstd, second.Method)
	assert.Equal(t, uint64(1000), second.UncompressedSize)
	assert.Less(t, second.CompressedSize, second.UncompressedSize)
	assert.Greater(t, second.LocalHeaderOffset, first.LocalHeaderOffset)

	third := idx.Entry(2)
	assert.True(t, third.Crypted)
	assert.Equal(t, uint64(16), third.CompressedSize)
	assert.Equal(t, uint64(6), third.UncompressedSize)
}

func TestBuild_CountMatchesZip64Total(t *testing.T) {
	t.Parallel()

	b := &testutil.Builder{}
	for i := range 250 {
		b.Add(testutil.Entry{Name: fmt.Sprintf("dir/%03d.bin", i), Data: []byte{byte(i), 1}})
	}

	idx, err := build(t, b)
	require.NoError(t, err)
	assert.Equal(t, 250, idx.Len())

	n := 0
	for i, e := range idx.Entries() {
		assert.Equal(t, fmt.Sprintf("dir/%03d.bin", i), e.Name)
		n++
	}
	assert.Equal(t, 250, n)
}

func TestBuild_PlainAndSentinelFields(t *testing.T) {
	t.Parallel()

	data := []byte("same content either way")
	b := (&testutil.Builder{}).Add(
		testutil.Entry{Name: "plain", Data: data, PlainSizes: true},
		testutil.Entry{Name: "wide", Data: data},
	)
	raw := b.Bytes(t)
	idx, err := Build(context.Background(), bytes.NewReader(raw), int64(len(raw)))
	require.NoError(t, err)

	plain, wide := idx.Entry(0), idx.Entry(1)
	assert.Equal(t, uint64(len(data)), plain.CompressedSize)
	assert.Equal(t, uint64(len(data)), plain.UncompressedSize)
	assert.Equal(t, plain.CompressedSize, wide.CompressedSize)
	assert.Equal(t, plain.UncompressedSize, wide.UncompressedSize)
	assert.Equal(t, uint64(0), plain.LocalHeaderOffset)

	// Each local header is 30 bytes plus name, 8 extra bytes and payload.
	want := uint64(30 + len("plain") + 8 + len(data))
	assert.Equal(t, want, wide.LocalHeaderOffset)
}

func TestBuild_Lookup(t *testing.T) {
	t.Parallel()

	b := (&testutil.Builder{}).Add(
		testutil.Entry{Name: `Data\a.txt`, Data: []byte("a")},
		testutil.Entry{Name: `Data\b.txt`, Data: []byte("b")},
	)
	idx, err := build(t, b)
	require.NoError(t, err)

	e, ok := idx.Lookup("Data/b.txt")
	require.True(t, ok)
	assert.Equal(t, `Data\b.txt`, e.Name)

	e, ok = idx.Lookup(`Data\a.txt`)
	require.True(t, ok)
	assert.Equal(t, `Data\a.txt`, e.Name)

	_, ok = idx.Lookup("Data/missing.txt")
	assert.False(t, ok)
}

func TestBuild_Empty(t *testing.T) {
	t.Parallel()

	idx, err := build(t, &testutil.Builder{Comment: "empty"})
	require.NoError(t, err)
	assert.Equal(t, 0, idx.Len())
	assert.Equal(t, "empty", idx.Comment())
}

func TestBuild_ExtraFieldLengthSkew(t *testing.T) {
	t.Parallel()

	for _, skew := range []int{1, -1} {
		t.Run(fmt.Sprintf("skew %d", skew), func(t *testing.T) {
			t.Parallel()

			b := (&testutil.Builder{}).Add(
				testutil.Entry{Name: "first", Data: []byte("1")},
				testutil.Entry{Name: "second", Data: []byte("2"), ExtraLenSkew: skew},
				testutil.Entry{Name: "third", Data: []byte("3")},
			)
			idx, err := build(t, b)
			require.ErrorIs(t, err, p4ktype.ErrCorruptArchive)
			assert.Nil(t, idx)
			assert.Contains(t, err.Error(), "entry 1")
		})
	}
}

func TestBuild_Errors(t *testing.T) {
	t.Parallel()

	entry := testutil.Entry{Name: "x", Data: []byte("x")}

	tests := []struct {
		name    string
		data    func(t *testing.T) []byte
		wantErr []error
	}{
		{
			name: "not zip64",
			data: func(t *testing.T) []byte {
				return (&testutil.Builder{NotZip64: true}).Add(entry).Bytes(t)
			},
			wantErr: []error{p4ktype.ErrUnsupportedFormat},
		},
		{
			name: "no end of central directory",
			data: func(*testing.T) []byte {
				return bytes.Repeat([]byte{0x11}, 512)
			},
			wantErr: []error{p4ktype.ErrCorruptArchive, p4ktype.ErrNotFound},
		},
		{
			name: "too small",
			data: func(*testing.T) []byte {
				return []byte{0x50, 0x4b}
			},
			wantErr: []error{p4ktype.ErrCorruptArchive},
		},
		{
			name: "missing locator",
			data: func(t *testing.T) []byte {
				return (&testutil.Builder{OmitLocator: true}).Add(entry).Bytes(t)
			},
			wantErr: []error{p4ktype.ErrCorruptArchive, p4ktype.ErrNotFound},
		},
		{
			name: "bad zip64 signature",
			data: func(t *testing.T) []byte {
				return (&testutil.Builder{Zip64Signature: 0xdeadbeef}).Add(entry).Bytes(t)
			},
			wantErr: []error{p4ktype.ErrCorruptArchive},
		},
		{
			name: "entries on disk disagree with total",
			data: func(t *testing.T) []byte {
				return (&testutil.Builder{EntriesOnDiskSkew: 1}).Add(entry).Bytes(t)
			},
			wantErr: []error{p4ktype.ErrCorruptArchive},
		},
		{
			name: "truncated central directory",
			data: func(t *testing.T) []byte {
				raw := (&testutil.Builder{}).Add(entry, entry).Bytes(t)
				idx, err := Build(context.Background(), bytes.NewReader(raw), int64(len(raw)))
				require.NoError(t, err)
				// Claim three entries where two are stored.
				cd := idx.CentralDirOffset()
				tail := raw[cd:]
				z64 := bytes.LastIndex(tail, []byte{0x50, 0x4b, 0x06, 0x06})
				require.GreaterOrEqual(t, z64, 0)
				rec := tail[z64:]
				rec[24], rec[32] = 3, 3
				return raw
			},
			wantErr: []error{p4ktype.ErrCorruptArchive},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			data := tc.data(t)
			idx, err := Build(context.Background(), bytes.NewReader(data), int64(len(data)))
			require.Error(t, err)
			assert.Nil(t, idx)
			for _, want := range tc.wantErr {
				assert.ErrorIs(t, err, want)
			}
		})
	}
}

func TestBuild_Canceled(t *testing.T) {
	t.Parallel()

	data := (&testutil.Builder{}).Add(testutil.Entry{Name: "x", Data: []byte("x")}).Bytes(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Build(ctx, bytes.NewReader(data), int64(len(data)))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestBuild_Progress(t *testing.T) {
	t.Parallel()

	b := &testutil.Builder{}
	for i := range 45 {
		b.Add(testutil.Entry{Name: fmt.Sprintf("%d", i), Data: []byte{1}})
	}
	data := b.Bytes(t)

	var events []p4ktype.ProgressEvent
	_, err := Build(context.Background(), bytes.NewReader(data), int64(len(data)),
		WithProgress(func(ev p4ktype.ProgressEvent) { events = append(events, ev) }))
	require.NoError(t, err)

	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, p4ktype.StageIndexing, last.Stage)
	assert.Equal(t, 45, last.FilesDone)
	assert.Equal(t, 1.0, last.Fraction)
	for i := 1; i < len(events); i++ {
		assert.GreaterOrEqual(t, events[i].Fraction, events[i-1].Fraction)
	}
}

func TestReadEntry_RejectsWrongVendorOrder(t *testing.T) {
	t.Parallel()

	hdr := format.CentralDirHeader{CompressedSize: 1, UncompressedSize: 1, FilenameLength: 1}
	extra := format.EncodeExtra(format.Extra{}, hdr, 0, 0)
	// Swap the crypt flag id with the trailing padding id.
	extra[8], extra[14] = extra[14], extra[8]
	hdr.ExtraFieldLength = uint16(len(extra))

	var buf bytes.Buffer
	buf.Write(hdr.Encode())
	buf.WriteString("n")
	buf.Write(extra)

	_, err := readEntry(&buf)
	assert.ErrorIs(t, err, p4ktype.ErrCorruptArchive)
}
