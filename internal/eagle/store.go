package eagle

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ohler55/ojg/oj"
)

const (
	metaFile   = "metadata.json"
	mtimesFile = "mtime.json"
	imagesDir  = "images"
	infoSuffix = ".info"
)

// Store is the backing-store surface of one library directory. It owns
// all reads and writes of the library's JSON metadata and binary
// content files. It holds no cache; the index layers caching on top.
type Store struct {
	root string
}

// NewStore returns a Store rooted at the library directory.
func NewStore(root string) *Store {
	return &Store{root: root}
}

// Root returns the library directory path.
func (s *Store) Root() string { return s.root }

// AssetDir returns the images/<id>.info directory for an asset.
func (s *Store) AssetDir(id string) string {
	return filepath.Join(s.root, imagesDir, id+infoSuffix)
}

// ContentPath returns the path of an asset's binary content file.
func (s *Store) ContentPath(a *Asset) string {
	return filepath.Join(s.AssetDir(a.ID), a.FullName())
}

// ThumbnailPath returns the path of an asset's library-side thumbnail.
func (s *Store) ThumbnailPath(id string) string {
	return filepath.Join(s.AssetDir(id), id+"_thumbnail.png")
}

// ReadMeta parses the library's metadata.json.
func (s *Store) ReadMeta() (*Meta, error) {
	raw, err := os.ReadFile(filepath.Join(s.root, metaFile))
	if err != nil {
		return nil, fmt.Errorf("read library metadata: %w", err)
	}
	var m Meta
	if err := oj.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("parse library metadata: %w", err)
	}
	return &m, nil
}

// WriteMeta serializes the folder tree back to metadata.json, stamping
// ModificationTime and sorting top-level folders by name (the owning
// application keeps them sorted).
func (s *Store) WriteMeta(m *Meta) error {
	m.ModificationTime = Now()
	sort.Slice(m.Folders, func(i, j int) bool { return m.Folders[i].Name < m.Folders[j].Name })
	raw, err := oj.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode library metadata: %w", err)
	}
	if err := os.WriteFile(filepath.Join(s.root, metaFile), raw, 0o644); err != nil {
		return fmt.Errorf("write library metadata: %w", err)
	}
	return nil
}

// ReadMtimes parses mtime.json, the per-asset change-tracking file.
func (s *Store) ReadMtimes() (map[string]int64, error) {
	raw, err := os.ReadFile(filepath.Join(s.root, mtimesFile))
	if err != nil {
		return nil, fmt.Errorf("read mtime index: %w", err)
	}
	mt := map[string]int64{}
	if err := oj.Unmarshal(raw, &mt); err != nil {
		return nil, fmt.Errorf("parse mtime index: %w", err)
	}
	return mt, nil
}

// TouchMtime stamps one asset in mtime.json and returns the stamp. A
// missing mtime.json is recreated, matching the owning application.
func (s *Store) TouchMtime(id string) (int64, error) {
	mt, err := s.ReadMtimes()
	if err != nil {
		mt = map[string]int64{}
	}
	ts := Now()
	mt[id] = ts
	raw, err := oj.Marshal(mt)
	if err != nil {
		return 0, fmt.Errorf("encode mtime index: %w", err)
	}
	if err := os.WriteFile(filepath.Join(s.root, mtimesFile), raw, 0o644); err != nil {
		return 0, fmt.Errorf("write mtime index: %w", err)
	}
	return ts, nil
}

// ListAssetIDs returns the ids of all asset directories under images/.
func (s *Store) ListAssetIDs() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, imagesDir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list assets: %w", err)
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() || !strings.HasSuffix(e.Name(), infoSuffix) {
			continue
		}
		ids = append(ids, strings.TrimSuffix(e.Name(), infoSuffix))
	}
	return ids, nil
}

// ReadAsset parses images/<id>.info/metadata.json.
func (s *Store) ReadAsset(id string) (*Asset, error) {
	raw, err := os.ReadFile(filepath.Join(s.AssetDir(id), metaFile))
	if err != nil {
		return nil, fmt.Errorf("read asset %s: %w", id, err)
	}
	var a Asset
	if err := oj.Unmarshal(raw, &a); err != nil {
		return nil, fmt.Errorf("parse asset %s: %w", id, err)
	}
	return &a, nil
}

// WriteAsset serializes the asset record, creating its directory if
// needed. The caller pairs this with TouchMtime so external readers of
// mtime.json observe the change.
func (s *Store) WriteAsset(a *Asset) error {
	dir := s.AssetDir(a.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create asset dir %s: %w", a.ID, err)
	}
	raw, err := oj.Marshal(a)
	if err != nil {
		return fmt.Errorf("encode asset %s: %w", a.ID, err)
	}
	if err := os.WriteFile(filepath.Join(dir, metaFile), raw, 0o644); err != nil {
		return fmt.Errorf("write asset %s: %w", a.ID, err)
	}
	return nil
}

// ReadContentAt reads a byte range of the asset's content. A missing
// content file reads as empty: newly created assets have a record
// before their first write materializes the file.
func (s *Store) ReadContentAt(a *Asset, buf []byte, off int64) (int, error) {
	f, err := os.Open(s.ContentPath(a))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("open content %s: %w", a.ID, err)
	}
	defer f.Close()
	n, err := f.ReadAt(buf, off)
	if err != nil && err != io.EOF {
		return n, fmt.Errorf("read content %s: %w", a.ID, err)
	}
	return n, nil
}

// WriteContentAt writes bytes at the given offset, materializing the
// content file on first write. Returns the bytes written and the
// resulting file size.
func (s *Store) WriteContentAt(a *Asset, data []byte, off int64) (int, int64, error) {
	if err := os.MkdirAll(s.AssetDir(a.ID), 0o755); err != nil {
		return 0, 0, fmt.Errorf("create asset dir %s: %w", a.ID, err)
	}
	f, err := os.OpenFile(s.ContentPath(a), os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return 0, 0, fmt.Errorf("open content %s: %w", a.ID, err)
	}
	defer f.Close()
	n, err := f.WriteAt(data, off)
	if err != nil {
		return n, 0, fmt.Errorf("write content %s: %w", a.ID, err)
	}
	info, err := f.Stat()
	if err != nil {
		return n, 0, fmt.Errorf("stat content %s: %w", a.ID, err)
	}
	return n, info.Size(), nil
}

// TruncateContent resizes the content file, materializing it if absent.
func (s *Store) TruncateContent(a *Asset, size int64) error {
	if err := os.MkdirAll(s.AssetDir(a.ID), 0o755); err != nil {
		return fmt.Errorf("create asset dir %s: %w", a.ID, err)
	}
	f, err := os.OpenFile(s.ContentPath(a), os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("open content %s: %w", a.ID, err)
	}
	defer f.Close()
	if err := f.Truncate(size); err != nil {
		return fmt.Errorf("truncate content %s: %w", a.ID, err)
	}
	return nil
}

// RenameContent moves the content file when an asset's name or
// extension changes. Missing source files are tolerated: the asset may
// never have been written.
func (s *Store) RenameContent(id, oldFullName, newFullName string) error {
	if oldFullName == newFullName {
		return nil
	}
	oldPath := filepath.Join(s.AssetDir(id), oldFullName)
	newPath := filepath.Join(s.AssetDir(id), newFullName)
	if _, err := os.Stat(oldPath); os.IsNotExist(err) {
		return nil
	}
	if err := os.Rename(oldPath, newPath); err != nil {
		return fmt.Errorf("rename content %s: %w", id, err)
	}
	return nil
}
