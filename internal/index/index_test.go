package index

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/ohler55/ojg/oj"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/perchfs/perch/internal/eagle"
)

// fixture builds a library directory on disk the way the owning
// application lays one out. Mutate the in-memory meta/mt fields, then
// flush before handing the directory to an Index.
type fixture struct {
	t    *testing.T
	root string
	meta *eagle.Meta
	mt   map[string]int64
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := filepath.Join(t.TempDir(), "pets.library")
	require.NoError(t, os.MkdirAll(filepath.Join(root, "images"), 0o755))
	f := &fixture{
		t:    t,
		root: root,
		meta: &eagle.Meta{ModificationTime: 1000, ApplicationVersion: "4.0.0"},
		mt:   map[string]int64{},
	}
	f.flush()
	return f
}

func (f *fixture) flush() {
	f.t.Helper()
	writeJSON(f.t, filepath.Join(f.root, "metadata.json"), f.meta)
	writeJSON(f.t, filepath.Join(f.root, "mtime.json"), f.mt)
}

func writeJSON(t *testing.T, path string, v any) {
	t.Helper()
	raw, err := oj.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, raw, 0o644))
}

func (f *fixture) addFolder(parent *eagle.Folder, id, name string) *eagle.Folder {
	fl := &eagle.Folder{ID: id, Name: name, ModificationTime: f.meta.ModificationTime}
	if parent == nil {
		f.meta.Folders = append(f.meta.Folders, fl)
	} else {
		parent.Children = append(parent.Children, fl)
	}
	return fl
}

func (f *fixture) putAsset(a *eagle.Asset, content string, ts int64) {
	f.t.Helper()
	dir := filepath.Join(f.root, "images", a.ID+".info")
	require.NoError(f.t, os.MkdirAll(dir, 0o755))
	writeJSON(f.t, filepath.Join(dir, "metadata.json"), a)
	if content != "" {
		require.NoError(f.t, os.WriteFile(filepath.Join(dir, a.FullName()), []byte(content), 0o644))
	}
	f.mt[a.ID] = ts
}

func (f *fixture) index() *Index {
	f.t.Helper()
	ix := New(eagle.NewStore(f.root), zap.NewNop())
	require.NoError(f.t, ix.Build())
	return ix
}

func names(t *testing.T, ix *Index, p string) []string {
	t.Helper()
	ents, err := ix.Children(p)
	require.NoError(t, err)
	out := make([]string, len(ents))
	for i, e := range ents {
		out[i] = e.Name
	}
	return out
}

func TestBuildIndexesLibrary(t *testing.T) {
	f := newFixture(t)
	photos := f.addFolder(nil, "FPHOTOS", "Photos")
	f.addFolder(photos, "FTRIPS", "Trips")
	f.putAsset(&eagle.Asset{ID: "A1", Name: "cat", Ext: "png", Size: 3, Folders: []string{"FPHOTOS"}}, "abc", 10)
	f.putAsset(&eagle.Asset{ID: "A2", Name: "notes", Ext: "txt", Size: 5}, "hello", 10)
	f.flush()
	ix := f.index()

	assert.Equal(t, []string{"Photos", UnfiledName}, names(t, ix, "/"))
	assert.Equal(t, []string{"Trips", "cat.png"}, names(t, ix, "/Photos"))
	assert.Equal(t, []string{"notes.txt"}, names(t, ix, "/"+UnfiledName))

	ent, err := ix.Resolve("/Photos/cat.png")
	require.NoError(t, err)
	require.NotNil(t, ent.Asset)
	assert.Equal(t, "A1", ent.Asset.ID)

	_, err = ix.Resolve("/Photos/dog.png")
	assert.ErrorIs(t, err, eagle.ErrNotFound)

	sum := ix.Summarize()
	assert.Equal(t, 2, sum.Folders)
	assert.Equal(t, 2, sum.Assets)
	assert.Equal(t, 1, sum.Unfiled)
}

func TestBuildSkipsTombstonedAssets(t *testing.T) {
	f := newFixture(t)
	f.addFolder(nil, "FPHOTOS", "Photos")
	f.putAsset(&eagle.Asset{ID: "A1", Name: "cat", Ext: "png", Folders: []string{"FPHOTOS"}}, "abc", 10)
	f.putAsset(&eagle.Asset{ID: "A2", Name: "dog", Ext: "png", IsDeleted: true, Folders: []string{"FPHOTOS"}}, "def", 10)
	f.flush()
	ix := f.index()

	assert.Equal(t, []string{"cat.png"}, names(t, ix, "/Photos"))
	_, err := ix.AssetByID("A2")
	assert.ErrorIs(t, err, eagle.ErrNotFound)
}

func TestBuildDisambiguatesSiblingNames(t *testing.T) {
	f := newFixture(t)
	f.addFolder(nil, "FPHOTOS", "Photos")
	f.addFolder(nil, "FDUP1", "Photos")
	f.putAsset(&eagle.Asset{ID: "A1", Name: "cat", Ext: "png", Folders: []string{"FPHOTOS"}}, "a", 10)
	f.putAsset(&eagle.Asset{ID: "A2", Name: "cat", Ext: "png", Folders: []string{"FPHOTOS"}}, "b", 10)
	f.flush()
	ix := f.index()

	// Ascending id order: the lower id keeps the plain name.
	assert.Equal(t, []string{"cat.png", "cat~A2.png"}, names(t, ix, "/Photos"))
	root := names(t, ix, "/")
	assert.Contains(t, root, "Photos")
	assert.Contains(t, root, "Photos~FDUP1")

	ent, err := ix.Resolve("/Photos/cat~A2.png")
	require.NoError(t, err)
	assert.Equal(t, "A2", ent.Asset.ID)
}

func TestAssetInUnknownFolderLandsInUnfiled(t *testing.T) {
	f := newFixture(t)
	f.putAsset(&eagle.Asset{ID: "A1", Name: "lost", Ext: "jpg", Folders: []string{"GONE"}}, "x", 10)
	f.flush()
	ix := f.index()

	assert.Equal(t, []string{"lost.jpg"}, names(t, ix, "/"+UnfiledName))
}

func TestReadAt(t *testing.T) {
	f := newFixture(t)
	f.addFolder(nil, "FPHOTOS", "Photos")
	f.putAsset(&eagle.Asset{ID: "A1", Name: "cat", Ext: "png", Size: 9, Folders: []string{"FPHOTOS"}}, "abcdefghi", 10)
	f.flush()
	ix := f.index()

	buf := make([]byte, 4)
	n, err := ix.ReadAt("/Photos/cat.png", buf, 3)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, "defg", string(buf[:n]))

	_, err = ix.ReadAt("/Photos", buf, 0)
	assert.ErrorIs(t, err, eagle.ErrInvalid)
	_, err = ix.ReadAt("/Photos/cat.png", buf, -1)
	assert.ErrorIs(t, err, eagle.ErrInvalid)
}

func TestReturnedRecordsAreDetached(t *testing.T) {
	f := newFixture(t)
	f.addFolder(nil, "FPHOTOS", "Photos")
	f.putAsset(&eagle.Asset{ID: "A1", Name: "cat", Ext: "png", Size: 3, Folders: []string{"FPHOTOS"}}, "abc", 10)
	f.flush()
	ix := f.index()

	ent, err := ix.Resolve("/Photos/cat.png")
	require.NoError(t, err)
	byID, err := ix.AssetByID("A1")
	require.NoError(t, err)

	// A later write must not show through records handed out earlier.
	_, err = ix.WriteAt("/Photos/cat.png", []byte("hello"), 0)
	require.NoError(t, err)
	assert.Equal(t, int64(3), ent.Asset.Size)
	assert.Equal(t, int64(3), byID.Size)

	// And scribbling on a returned record must not reach the index.
	ent.Asset.Name = "mangled"
	ent.Asset.Folders = append(ent.Asset.Folders, "BOGUS")
	fresh, err := ix.Resolve("/Photos/cat.png")
	require.NoError(t, err)
	assert.Equal(t, "cat", fresh.Asset.Name)
	assert.Equal(t, []string{"FPHOTOS"}, fresh.Asset.Folders)

	dir, err := ix.Resolve("/Photos")
	require.NoError(t, err)
	dir.Folder.Name = "mangled"
	freshDir, err := ix.Resolve("/Photos")
	require.NoError(t, err)
	assert.Equal(t, "Photos", freshDir.Folder.Name)
}

func TestConcurrentResolveAndWrite(t *testing.T) {
	f := newFixture(t)
	f.addFolder(nil, "FPHOTOS", "Photos")
	f.putAsset(&eagle.Asset{ID: "A1", Name: "cat", Ext: "png", Size: 3, Folders: []string{"FPHOTOS"}}, "abc", 10)
	f.flush()
	ix := f.index()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			ent, err := ix.Resolve("/Photos/cat.png")
			if err != nil {
				continue
			}
			_ = ent.Asset.Size
			_ = len(ent.Asset.Folders)
			_ = ent.Asset.FullName()
		}
	}()
	for i := 0; i < 200; i++ {
		_, err := ix.WriteAt("/Photos/cat.png", []byte("hello"), 0)
		require.NoError(t, err)
	}
	wg.Wait()
}

func TestBuildFailsWithoutMetadata(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, os.Remove(filepath.Join(f.root, "metadata.json")))
	ix := New(eagle.NewStore(f.root), zap.NewNop())
	assert.Error(t, ix.Build())
}
