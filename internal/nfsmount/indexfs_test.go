package nfsmount

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/ohler55/ojg/oj"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/perchfs/perch/internal/eagle"
	"github.com/perchfs/perch/internal/index"
)

func newFS(t *testing.T) *IndexFS {
	t.Helper()
	root := filepath.Join(t.TempDir(), "pets.library")
	require.NoError(t, os.MkdirAll(filepath.Join(root, "images", "A1.info"), 0o755))

	writeJSON := func(rel string, v any) {
		raw, err := oj.Marshal(v)
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(filepath.Join(root, rel), raw, 0o644))
	}
	writeJSON("metadata.json", &eagle.Meta{
		Folders:          []*eagle.Folder{{ID: "FPHOTOS", Name: "Photos"}},
		ModificationTime: 1000,
	})
	writeJSON("mtime.json", map[string]int64{"A1": 10})
	writeJSON(filepath.Join("images", "A1.info", "metadata.json"), &eagle.Asset{
		ID: "A1", Name: "cat", Ext: "png", Size: 9, Folders: []string{"FPHOTOS"},
	})
	require.NoError(t, os.WriteFile(
		filepath.Join(root, "images", "A1.info", "cat.png"), []byte("abcdefghi"), 0o644))

	idx := index.New(eagle.NewStore(root), zap.NewNop())
	require.NoError(t, idx.Build())
	return NewIndexFS(idx, zap.NewNop())
}

func TestReadDirAndLstat(t *testing.T) {
	fs := newFS(t)

	infos, err := fs.ReadDir("/")
	require.NoError(t, err)
	names := make([]string, len(infos))
	for i, fi := range infos {
		names[i] = fi.Name()
	}
	assert.ElementsMatch(t, []string{summaryFile, "Photos", index.UnfiledName}, names)

	fi, err := fs.Lstat("/Photos/cat.png")
	require.NoError(t, err)
	assert.False(t, fi.IsDir())
	assert.Equal(t, int64(9), fi.Size())

	fi, err = fs.Lstat("/Photos")
	require.NoError(t, err)
	assert.True(t, fi.IsDir())

	_, err = fs.Lstat("/Photos/dog.png")
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestOpenAndRead(t *testing.T) {
	fs := newFS(t)

	f, err := fs.Open("/Photos/cat.png")
	require.NoError(t, err)
	defer f.Close()

	data, err := io.ReadAll(f)
	require.NoError(t, err)
	assert.Equal(t, "abcdefghi", string(data))

	buf := make([]byte, 3)
	n, err := f.ReadAt(buf, 6)
	require.NoError(t, err)
	assert.Equal(t, "ghi", string(buf[:n]))

	_, err = fs.Open("/Photos")
	assert.Error(t, err)
}

func TestSummaryFile(t *testing.T) {
	fs := newFS(t)

	f, err := fs.Open("/" + summaryFile)
	require.NoError(t, err)
	data, err := io.ReadAll(f)
	require.NoError(t, err)

	var sum index.Summary
	require.NoError(t, oj.Unmarshal(data, &sum))
	assert.Equal(t, 1, sum.Folders)
	assert.Equal(t, 1, sum.Assets)
}

func TestWritesRejected(t *testing.T) {
	fs := newFS(t)

	_, err := fs.Create("/Photos/new.png")
	assert.ErrorIs(t, err, errReadOnly)
	_, err = fs.OpenFile("/Photos/cat.png", os.O_RDWR, 0o644)
	assert.ErrorIs(t, err, errReadOnly)
	assert.ErrorIs(t, fs.Remove("/Photos/cat.png"), errReadOnly)
	assert.ErrorIs(t, fs.Rename("/Photos/cat.png", "/Photos/dog.png"), errReadOnly)
	assert.ErrorIs(t, fs.MkdirAll("/New", 0o755), errReadOnly)

	f, err := fs.Open("/Photos/cat.png")
	require.NoError(t, err)
	_, err = f.Write([]byte("x"))
	assert.ErrorIs(t, err, errReadOnly)
}
