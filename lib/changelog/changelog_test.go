package changelog_test

import (
	"io"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
	"github.com/vkvlabs/vKV/lib/changelog"
	"github.com/vkvlabs/vKV/lib/engine"
)

func writeSample(t *testing.T, fs afero.Fs, path string, version uint64, compress bool) []changelog.Record {
	t.Helper()
	w, err := changelog.NewWriter(fs, path, version, compress)
	require.NoError(t, err)

	require.NoError(t, w.CreateFamily("events", true))
	require.NoError(t, w.Put("default", []byte("k1"), []byte("v1")))
	require.NoError(t, w.Put("default", []byte("k2"), []byte("v2")))
	require.NoError(t, w.Merge("events", []byte("e1"), []byte("a")))
	require.NoError(t, w.Merge("events", []byte("e1"), []byte("b")))
	require.NoError(t, w.Remove("default", []byte("k2")))
	require.NoError(t, w.Commit())

	return []changelog.Record{
		{Op: changelog.OpCreateFamily, Family: "events", Value: []byte{1}},
		{Op: changelog.OpPut, Family: "default", Key: []byte("k1"), Value: []byte("v1")},
		{Op: changelog.OpPut, Family: "default", Key: []byte("k2"), Value: []byte("v2")},
		{Op: changelog.OpMerge, Family: "events", Key: []byte("e1"), Value: []byte("a")},
		{Op: changelog.OpMerge, Family: "events", Key: []byte("e1"), Value: []byte("b")},
		{Op: changelog.OpRemove, Family: "default", Key: []byte("k2")},
	}
}

func TestWriteReadRoundTrip(t *testing.T) {
	for _, compress := range []bool{false, true} {
		name := "uncompressed"
		if compress {
			name = "compressed"
		}
		t.Run(name, func(t *testing.T) {
			fs := afero.NewMemMapFs()
			want := writeSample(t, fs, "/logs/7.changelog", 7, compress)

			rd, err := changelog.NewReader(fs, "/logs/7.changelog")
			require.NoError(t, err)
			defer rd.Close()
			require.Equal(t, uint64(7), rd.Version())

			for i, wantRec := range want {
				rec, err := rd.Next()
				require.NoError(t, err, "record %d", i)
				require.Equal(t, wantRec.Op, rec.Op)
				require.Equal(t, wantRec.Family, rec.Family)
				require.Equal(t, wantRec.Key, rec.Key)
				require.Equal(t, wantRec.Value, rec.Value)
			}
			_, err = rd.Next()
			require.ErrorIs(t, err, io.EOF)
		})
	}
}

func TestWriterRefusesExistingFile(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeSample(t, fs, "/logs/3.changelog", 3, false)

	_, err := changelog.NewWriter(fs, "/logs/3.changelog", 3, false)
	require.Error(t, err)
}

func TestAbortRemovesFile(t *testing.T) {
	fs := afero.NewMemMapFs()
	w, err := changelog.NewWriter(fs, "/logs/5.changelog", 5, false)
	require.NoError(t, err)
	require.NoError(t, w.Put("default", []byte("k"), []byte("v")))
	require.NoError(t, w.Abort())

	exists, err := afero.Exists(fs, "/logs/5.changelog")
	require.NoError(t, err)
	require.False(t, exists)

	// Abort after Commit is a no-op and must not remove the file.
	want := writeSample(t, fs, "/logs/6.changelog", 6, false)
	require.NotEmpty(t, want)
	w2, err := changelog.NewReader(fs, "/logs/6.changelog")
	require.NoError(t, err)
	require.NoError(t, w2.Close())
}

func TestReaderRejectsForeignFile(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/logs/junk", []byte("definitely not a changelog"), 0o644))

	_, err := changelog.NewReader(fs, "/logs/junk")
	require.Error(t, err)
}

func TestReplayReconstructsState(t *testing.T) {
	fs := afero.NewMemMapFs()

	// Two consecutive changelog files: the second overrides and extends the
	// first, so replay order matters.
	w1, err := changelog.NewWriter(fs, "/logs/1.changelog", 1, true)
	require.NoError(t, err)
	require.NoError(t, w1.CreateFamily("counts", false))
	require.NoError(t, w1.CreateFamily("events", true))
	require.NoError(t, w1.Put("counts", []byte("a"), []byte("1")))
	require.NoError(t, w1.Put("counts", []byte("b"), []byte("1")))
	require.NoError(t, w1.Merge("events", []byte("e"), []byte("x")))
	require.NoError(t, w1.Commit())

	w2, err := changelog.NewWriter(fs, "/logs/2.changelog", 2, true)
	require.NoError(t, err)
	require.NoError(t, w2.CreateFamily("counts", false)) // replayed idempotently
	require.NoError(t, w2.Put("counts", []byte("a"), []byte("2")))
	require.NoError(t, w2.Remove("counts", []byte("b")))
	require.NoError(t, w2.Merge("events", []byte("e"), []byte("y")))
	require.NoError(t, w2.Commit())

	eng, err := engine.Open(t.TempDir(), engine.DefaultOptions())
	require.NoError(t, err)
	defer eng.Close()

	require.NoError(t, changelog.Replay(fs, []string{"/logs/1.changelog", "/logs/2.changelog"}, eng))

	got, found, err := eng.Get("counts", []byte("a"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("2"), got)

	_, found, err = eng.Get("counts", []byte("b"))
	require.NoError(t, err)
	require.False(t, found)

	vals, found, err := eng.Values("events", []byte("e"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, [][]byte{[]byte("x"), []byte("y")}, vals)
}
