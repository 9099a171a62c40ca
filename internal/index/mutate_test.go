package index

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perchfs/perch/internal/eagle"
)

func TestCreateWriteReadAsset(t *testing.T) {
	f := newFixture(t)
	f.addFolder(nil, "FPHOTOS", "Photos")
	f.flush()
	ix := f.index()

	a, err := ix.CreateAsset("/Photos/new.txt")
	require.NoError(t, err)
	assert.Equal(t, "new", a.Name)
	assert.Equal(t, "txt", a.Ext)
	assert.Equal(t, []string{"FPHOTOS"}, a.Folders)
	assert.Len(t, a.ID, 13)

	n, err := ix.WriteAt("/Photos/new.txt", []byte("hello"), 0)
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	buf := make([]byte, 5)
	n, err = ix.ReadAt("/Photos/new.txt", buf, 0)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf[:n]))

	got, err := ix.AssetByID(a.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(5), got.Size)

	// The write landed in the library's change-tracking file.
	mt, err := eagle.NewStore(f.root).ReadMtimes()
	require.NoError(t, err)
	assert.Contains(t, mt, a.ID)
}

func TestCreateAssetRejections(t *testing.T) {
	f := newFixture(t)
	f.addFolder(nil, "FPHOTOS", "Photos")
	f.putAsset(&eagle.Asset{ID: "A1", Name: "cat", Ext: "png", Folders: []string{"FPHOTOS"}}, "a", 10)
	f.flush()
	ix := f.index()

	_, err := ix.CreateAsset("/Photos/cat.png")
	assert.ErrorIs(t, err, eagle.ErrExists)
	_, err = ix.CreateAsset("/direct.txt")
	assert.ErrorIs(t, err, eagle.ErrInvalid, "assets cannot sit directly under the root")
	_, err = ix.CreateAsset("/Missing/x.txt")
	assert.ErrorIs(t, err, eagle.ErrNotFound)
}

func TestCreateAssetInUnfiled(t *testing.T) {
	f := newFixture(t)
	ix := f.index()

	a, err := ix.CreateAsset("/" + UnfiledName + "/scratch.md")
	require.NoError(t, err)
	assert.Empty(t, a.Folders)
	assert.Equal(t, []string{"scratch.md"}, names(t, ix, "/"+UnfiledName))
}

func TestMkdirRmdir(t *testing.T) {
	f := newFixture(t)
	f.addFolder(nil, "FPHOTOS", "Photos")
	f.flush()
	ix := f.index()

	require.NoError(t, ix.CreateFolder("/Photos/Trips"))
	assert.Equal(t, []string{"Trips"}, names(t, ix, "/Photos"))
	assert.ErrorIs(t, ix.CreateFolder("/Photos/Trips"), eagle.ErrExists)
	assert.ErrorIs(t, ix.CreateFolder("/"+UnfiledName+"/Nope"), eagle.ErrInvalid)

	// The structural write is visible to a fresh index of the same
	// directory.
	ix2 := f.index()
	assert.Equal(t, []string{"Trips"}, names(t, ix2, "/Photos"))

	_, err := ix.CreateAsset("/Photos/Trips/beach.jpg")
	require.NoError(t, err)
	assert.ErrorIs(t, ix.RemoveFolder("/Photos/Trips"), eagle.ErrNotEmpty)

	require.NoError(t, ix.RemoveAsset("/Photos/Trips/beach.jpg"))
	require.NoError(t, ix.RemoveFolder("/Photos/Trips"))
	assert.Empty(t, names(t, ix, "/Photos"))

	assert.ErrorIs(t, ix.RemoveFolder("/"+UnfiledName), eagle.ErrInvalid)
}

func TestUnlinkTombstones(t *testing.T) {
	f := newFixture(t)
	f.addFolder(nil, "FPHOTOS", "Photos")
	f.putAsset(&eagle.Asset{ID: "A1", Name: "cat", Ext: "png", Folders: []string{"FPHOTOS"}}, "abc", 10)
	f.flush()
	ix := f.index()

	require.NoError(t, ix.RemoveAsset("/Photos/cat.png"))
	_, err := ix.Resolve("/Photos/cat.png")
	assert.ErrorIs(t, err, eagle.ErrNotFound)

	// Tombstone, not removal: record flagged, content left in place.
	rec, err := eagle.NewStore(f.root).ReadAsset("A1")
	require.NoError(t, err)
	assert.True(t, rec.IsDeleted)
	assert.FileExists(t, filepath.Join(f.root, "images", "A1.info", "cat.png"))
}

func TestTruncateAndTouch(t *testing.T) {
	f := newFixture(t)
	f.addFolder(nil, "FPHOTOS", "Photos")
	f.putAsset(&eagle.Asset{ID: "A1", Name: "cat", Ext: "png", Size: 9, Folders: []string{"FPHOTOS"}}, "abcdefghi", 10)
	f.flush()
	ix := f.index()

	require.NoError(t, ix.Truncate("/Photos/cat.png", 4))
	a, err := ix.AssetByID("A1")
	require.NoError(t, err)
	assert.Equal(t, int64(4), a.Size)
	info, err := os.Stat(filepath.Join(f.root, "images", "A1.info", "cat.png"))
	require.NoError(t, err)
	assert.Equal(t, int64(4), info.Size())

	require.NoError(t, ix.Touch("/Photos/cat.png", 123456))
	a, err = ix.AssetByID("A1")
	require.NoError(t, err)
	assert.Equal(t, int64(123456), a.MTime)

	// Folder timestamps are accepted and ignored.
	require.NoError(t, ix.Touch("/Photos", 123456))
}

func TestRenameAssetSameFolder(t *testing.T) {
	f := newFixture(t)
	f.addFolder(nil, "FPHOTOS", "Photos")
	f.putAsset(&eagle.Asset{ID: "A1", Name: "cat", Ext: "png", Folders: []string{"FPHOTOS"}}, "abc", 10)
	f.flush()
	ix := f.index()

	require.NoError(t, ix.Rename("/Photos/cat.png", "/Photos/kitten.png"))
	assert.Equal(t, []string{"kitten.png"}, names(t, ix, "/Photos"))
	assert.FileExists(t, filepath.Join(f.root, "images", "A1.info", "kitten.png"))

	a, err := ix.AssetByID("A1")
	require.NoError(t, err)
	assert.Equal(t, "kitten", a.Name)
	assert.Equal(t, []string{"FPHOTOS"}, a.Folders, "same-folder rename keeps membership")
}

func TestRenameAssetAcrossFolders(t *testing.T) {
	f := newFixture(t)
	f.addFolder(nil, "FPHOTOS", "Photos")
	f.addFolder(nil, "FFAV", "Favorites")
	f.putAsset(&eagle.Asset{ID: "A1", Name: "cat", Ext: "png", Folders: []string{"FPHOTOS"}}, "abc", 10)
	f.flush()
	ix := f.index()

	require.NoError(t, ix.Rename("/Photos/cat.png", "/Favorites/cat.png"))
	assert.Empty(t, names(t, ix, "/Photos"))
	assert.Equal(t, []string{"cat.png"}, names(t, ix, "/Favorites"))

	a, err := ix.AssetByID("A1")
	require.NoError(t, err)
	assert.Equal(t, []string{"FFAV"}, a.Folders)

	// Into the Unfiled bucket: membership empties out.
	require.NoError(t, ix.Rename("/Favorites/cat.png", "/"+UnfiledName+"/cat.png"))
	a, err = ix.AssetByID("A1")
	require.NoError(t, err)
	assert.Empty(t, a.Folders)
	assert.Equal(t, []string{"cat.png"}, names(t, ix, "/"+UnfiledName))
}

func TestRenameFolderMovesSubtree(t *testing.T) {
	f := newFixture(t)
	photos := f.addFolder(nil, "FPHOTOS", "Photos")
	f.addFolder(photos, "FTRIPS", "Trips")
	f.addFolder(nil, "FARCH", "Archive")
	f.putAsset(&eagle.Asset{ID: "A1", Name: "beach", Ext: "jpg", Folders: []string{"FTRIPS"}}, "x", 10)
	f.flush()
	ix := f.index()

	require.NoError(t, ix.Rename("/Photos/Trips", "/Archive/Trips2024"))
	assert.Empty(t, names(t, ix, "/Photos"))
	assert.Equal(t, []string{"Trips2024"}, names(t, ix, "/Archive"))
	assert.Equal(t, []string{"beach.jpg"}, names(t, ix, "/Archive/Trips2024"))

	// Moving a folder into its own subtree is refused.
	assert.ErrorIs(t, ix.Rename("/Archive", "/Archive/Trips2024/Archive"), eagle.ErrInvalid)
}

func TestRenameCollisionAndMissing(t *testing.T) {
	f := newFixture(t)
	f.addFolder(nil, "FPHOTOS", "Photos")
	f.putAsset(&eagle.Asset{ID: "A1", Name: "cat", Ext: "png", Folders: []string{"FPHOTOS"}}, "a", 10)
	f.putAsset(&eagle.Asset{ID: "A2", Name: "dog", Ext: "png", Folders: []string{"FPHOTOS"}}, "b", 10)
	f.flush()
	ix := f.index()

	assert.ErrorIs(t, ix.Rename("/Photos/cat.png", "/Photos/dog.png"), eagle.ErrExists)
	assert.ErrorIs(t, ix.Rename("/Photos/ghost.png", "/Photos/x.png"), eagle.ErrNotFound)
	assert.ErrorIs(t, ix.Rename("/Photos/cat.png", "/Missing/cat.png"), eagle.ErrNotFound)
}

// A rename whose record write fails must leave the namespace on the
// old name, with the content file restored.
func TestRenameRevertsOnRecordWriteFailure(t *testing.T) {
	f := newFixture(t)
	f.addFolder(nil, "FPHOTOS", "Photos")
	f.putAsset(&eagle.Asset{ID: "A1", Name: "cat", Ext: "png", Folders: []string{"FPHOTOS"}}, "abc", 10)
	f.flush()
	ix := f.index()

	// Replacing the record file with a directory makes the next record
	// write fail.
	recPath := filepath.Join(f.root, "images", "A1.info", "metadata.json")
	require.NoError(t, os.Remove(recPath))
	require.NoError(t, os.Mkdir(recPath, 0o755))

	err := ix.Rename("/Photos/cat.png", "/Photos/kitten.png")
	require.Error(t, err)

	assert.Equal(t, []string{"cat.png"}, names(t, ix, "/Photos"))
	a, aerr := ix.AssetByID("A1")
	require.NoError(t, aerr)
	assert.Equal(t, "cat", a.Name)
	assert.FileExists(t, filepath.Join(f.root, "images", "A1.info", "cat.png"))
	assert.NoFileExists(t, filepath.Join(f.root, "images", "A1.info", "kitten.png"))
}
