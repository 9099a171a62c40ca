package index

import (
	"fmt"
	"path"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/perchfs/perch/internal/eagle"
)

// DefaultThrottle is the minimum interval between reconciliation disk
// reads.
const DefaultThrottle = time.Second

// Index owns the Snapshot and the reconciliation clock for one
// library. All access goes through its methods; the mutex covers the
// whole "read clock -> maybe rebuild/diff -> mutate snapshot" region so
// a rebuild is never observed half-applied, even under multi-threaded
// filesystem dispatch.
type Index struct {
	store *eagle.Store
	log   *zap.Logger

	mu       sync.Mutex
	snap     *Snapshot
	meta     *eagle.Meta
	metaByID map[string]*eagle.Folder
	metaMod  int64            // structure timestamp the snapshot was built from
	mtimes   map[string]int64 // cached per-asset change-tracking timestamps
	last     time.Time        // last completed reconciliation pass

	throttle time.Duration
	now      func() time.Time
}

// New returns an Index over the given store. Call Build before any
// query or mutation.
func New(store *eagle.Store, log *zap.Logger) *Index {
	return &Index{
		store:    store,
		log:      log,
		throttle: DefaultThrottle,
		now:      time.Now,
	}
}

// Store exposes the backing store, for collaborators that address
// asset files directly (thumbnails, statfs).
func (ix *Index) Store() *eagle.Store { return ix.store }

// SetThrottle overrides the minimum interval between reconciliation
// disk reads. Zero disables throttling.
func (ix *Index) SetThrottle(d time.Duration) {
	ix.mu.Lock()
	ix.throttle = d
	ix.mu.Unlock()
}

// Entry is a resolved namespace node: exactly one of Asset or Folder
// is set.
type Entry struct {
	Name   string
	Asset  *eagle.Asset
	Folder *FolderNode
}

// IsDir reports whether the entry is a folder.
func (e Entry) IsDir() bool { return e.Folder != nil }

// detach copies the entry's record so the caller holds no pointer into
// the live snapshot. Snapshot records mutate under the index lock;
// entries escape it.
func (e Entry) detach() Entry {
	if e.Asset != nil {
		e.Asset = e.Asset.Clone()
	}
	if e.Folder != nil {
		f := *e.Folder
		e.Folder = &f
	}
	return e
}

// Build performs the full library scan, replacing the snapshot. Errors
// reading metadata.json or mtime.json are fatal: the library cannot be
// served without its change-tracking files.
func (ix *Index) Build() error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.buildLocked()
}

// buildLocked constructs a fresh snapshot and swaps it in only on
// success, so a failed rebuild leaves the previous view in force.
func (ix *Index) buildLocked() error {
	meta, err := ix.store.ReadMeta()
	if err != nil {
		return err
	}
	mtimes, err := ix.store.ReadMtimes()
	if err != nil {
		return err
	}

	snap := newSnapshot()
	byID := make(map[string]*eagle.Folder)
	var walk func(fs []*eagle.Folder, parentID string)
	walk = func(fs []*eagle.Folder, parentID string) {
		for _, f := range fs {
			byID[f.ID] = f
			snap.addFolder(f, parentID)
			walk(f.Children, f.ID)
		}
	}
	walk(meta.Folders, RootID)

	ids, err := ix.store.ListAssetIDs()
	if err != nil {
		return err
	}
	// Ascending id order keeps name disambiguation deterministic: on a
	// sibling collision the lowest id wins the plain name.
	sort.Strings(ids)
	for _, id := range ids {
		a, err := ix.store.ReadAsset(id)
		if err != nil {
			ix.log.Warn("skipping unreadable asset record", zap.String("id", id), zap.Error(err))
			continue
		}
		if a.IsDeleted {
			continue
		}
		for _, fid := range snap.addAsset(a) {
			ix.log.Warn("asset references unknown folder",
				zap.String("asset", a.ID), zap.String("folder", fid))
		}
	}

	ix.snap = snap
	ix.meta = meta
	ix.metaByID = byID
	ix.metaMod = meta.ModificationTime
	ix.mtimes = mtimes
	ix.last = ix.now()
	return nil
}

// resolveLocked maps a namespace path to an entry.
func (ix *Index) resolveLocked(p string) (Entry, error) {
	p = cleanPath(p)
	if fid, ok := ix.snap.paths[p]; ok {
		node := ix.snap.folders[fid]
		return Entry{Name: node.Display, Folder: node}, nil
	}
	dir, base := path.Split(p)
	fid, ok := ix.snap.paths[cleanPath(dir)]
	if !ok {
		return Entry{}, fmt.Errorf("%s: %w", p, eagle.ErrNotFound)
	}
	r, ok := ix.snap.names[fid][base]
	if !ok {
		return Entry{}, fmt.Errorf("%s: %w", p, eagle.ErrNotFound)
	}
	if r.dir {
		node := ix.snap.folders[r.id]
		return Entry{Name: node.Display, Folder: node}, nil
	}
	return Entry{Name: base, Asset: ix.snap.assets[r.id]}, nil
}

// Resolve maps a namespace path to an asset or folder. The returned
// entry is a detached copy; it does not track later mutations.
func (ix *Index) Resolve(p string) (Entry, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ent, err := ix.resolveLocked(p)
	if err != nil {
		return Entry{}, err
	}
	return ent.detach(), nil
}

// Children lists a folder's entries, disambiguated and ordered by
// name.
func (ix *Index) Children(p string) ([]Entry, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ent, err := ix.resolveLocked(p)
	if err != nil {
		return nil, err
	}
	if !ent.IsDir() {
		return nil, fmt.Errorf("%s: %w", p, eagle.ErrInvalid)
	}
	out := make([]Entry, 0, len(ix.snap.names[ent.Folder.ID]))
	for name, r := range ix.snap.names[ent.Folder.ID] {
		if r.dir {
			out = append(out, Entry{Name: name, Folder: ix.snap.folders[r.id]}.detach())
		} else {
			out = append(out, Entry{Name: name, Asset: ix.snap.assets[r.id]}.detach())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// AssetByID looks an asset up by its stable identifier. The returned
// record is a detached copy.
func (ix *Index) AssetByID(id string) (*eagle.Asset, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	a, ok := ix.snap.assets[id]
	if !ok {
		return nil, fmt.Errorf("asset %s: %w", id, eagle.ErrNotFound)
	}
	return a.Clone(), nil
}

// AssetIDs returns all indexed asset ids in ascending order.
func (ix *Index) AssetIDs() []string {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ids := make([]string, 0, len(ix.snap.assets))
	for id := range ix.snap.assets {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ReadAt reads a byte range of the asset at the given path. An asset
// that vanished between reconciliation and the read surfaces as
// NotFound, the normal outcome of racing an external deletion.
func (ix *Index) ReadAt(p string, buf []byte, off int64) (int, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if off < 0 {
		return 0, fmt.Errorf("offset %d: %w", off, eagle.ErrInvalid)
	}
	ent, err := ix.resolveLocked(p)
	if err != nil {
		return 0, err
	}
	if ent.IsDir() {
		return 0, fmt.Errorf("%s: %w", p, eagle.ErrInvalid)
	}
	return ix.store.ReadContentAt(ent.Asset, buf, off)
}

// Summary describes an indexed library; used by the inspect command.
type Summary struct {
	Folders           int   `json:"folders"`
	Assets            int   `json:"assets"`
	Unfiled           int   `json:"unfiled"`
	StructureModified int64 `json:"structureModified"`
}

// Summarize reports index-level counts.
func (ix *Index) Summarize() Summary {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return Summary{
		Folders:           len(ix.snap.folders) - 2, // exclude root and Unfiled
		Assets:            len(ix.snap.assets),
		Unfiled:           int(ix.snap.members[UnfiledID].GetCardinality()),
		StructureModified: ix.metaMod,
	}
}
