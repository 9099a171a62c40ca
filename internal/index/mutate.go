package index

import (
	"fmt"
	"path"
	"strings"

	"go.uber.org/zap"

	"github.com/perchfs/perch/internal/eagle"
)

// Mutations apply the backing-store write first and touch the snapshot
// strictly last, so a failed write leaves the in-memory view untouched
// and the store and index never diverge from a write we made ourselves.
// Cached change-tracking timestamps are deliberately not updated here:
// the next reconciliation pass reabsorbs our own writes through the
// same path as everyone else's.

// splitPath returns the parent directory and base name of a cleaned
// namespace path.
func splitPath(p string) (string, string) {
	p = cleanPath(p)
	dir, base := path.Split(p)
	return cleanPath(dir), base
}

// splitName splits a file name into stem and extension, without the
// dot. A leading-dot name has no extension.
func splitName(base string) (stem, ext string) {
	e := path.Ext(base)
	stem = strings.TrimSuffix(base, e)
	if stem == "" {
		return base, ""
	}
	return stem, strings.TrimPrefix(e, ".")
}

// membership returns the folder list an asset carries when filed
// directly under the given folder. The synthetic Unfiled bucket maps
// to the empty list.
func membership(folderID string) []string {
	if folderID == UnfiledID {
		return nil
	}
	return []string{folderID}
}

// parentSliceLocked returns the metadata slice holding the children of
// parentID.
func (ix *Index) parentSliceLocked(parentID string) *[]*eagle.Folder {
	if parentID == RootID {
		return &ix.meta.Folders
	}
	return &ix.metaByID[parentID].Children
}

// detachLocked removes a folder record from its parent's child slice.
func (ix *Index) detachLocked(parentID string, f *eagle.Folder) {
	sl := ix.parentSliceLocked(parentID)
	for i, c := range *sl {
		if c == f {
			*sl = append((*sl)[:i], (*sl)[i+1:]...)
			return
		}
	}
}

// parentDirLocked resolves the parent directory of a namespace path,
// returning the folder node and the base name.
func (ix *Index) parentDirLocked(p string) (*FolderNode, string, error) {
	dir, base := splitPath(p)
	if base == "" {
		return nil, "", fmt.Errorf("%s: %w", p, eagle.ErrInvalid)
	}
	fid, ok := ix.snap.paths[dir]
	if !ok {
		return nil, "", fmt.Errorf("%s: %w", dir, eagle.ErrNotFound)
	}
	return ix.snap.folders[fid], base, nil
}

// CreateAsset allocates a new asset record for the given path. The
// content file materializes on first write. Assets live inside folders
// or the Unfiled bucket, never directly under the namespace root.
func (ix *Index) CreateAsset(p string) (*eagle.Asset, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	parent, base, err := ix.parentDirLocked(p)
	if err != nil {
		return nil, err
	}
	if parent.ID == RootID {
		return nil, fmt.Errorf("%s: %w", p, eagle.ErrInvalid)
	}
	if _, taken := ix.snap.names[parent.ID][base]; taken {
		return nil, fmt.Errorf("%s: %w", p, eagle.ErrExists)
	}
	stem, ext := splitName(base)
	a := &eagle.Asset{
		ID:      eagle.NewID(),
		Name:    stem,
		Ext:     ext,
		BTime:   eagle.Now(),
		Folders: membership(parent.ID),
	}
	a.Stamp(a.BTime)
	if err := ix.store.WriteAsset(a); err != nil {
		return nil, err
	}
	if _, err := ix.store.TouchMtime(a.ID); err != nil {
		ix.log.Warn("mtime index not updated after create", zap.String("id", a.ID), zap.Error(err))
	}
	ix.snap.addAsset(a)
	return a.Clone(), nil
}

// CreateFolder adds a folder under the given path's parent. Folders
// cannot nest under the synthetic Unfiled bucket.
func (ix *Index) CreateFolder(p string) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	parent, base, err := ix.parentDirLocked(p)
	if err != nil {
		return err
	}
	if parent.ID == UnfiledID {
		return fmt.Errorf("%s: %w", p, eagle.ErrInvalid)
	}
	if _, taken := ix.snap.names[parent.ID][base]; taken {
		return fmt.Errorf("%s: %w", p, eagle.ErrExists)
	}
	f := &eagle.Folder{ID: eagle.NewID(), Name: base, ModificationTime: eagle.Now()}
	sl := ix.parentSliceLocked(parent.ID)
	*sl = append(*sl, f)
	if err := ix.store.WriteMeta(ix.meta); err != nil {
		ix.detachLocked(parent.ID, f)
		return err
	}
	ix.metaMod = ix.meta.ModificationTime
	ix.metaByID[f.ID] = f
	ix.snap.addFolder(f, parent.ID)
	return nil
}

// WriteAt writes bytes into the asset at the given path, updating its
// record's size and timestamps.
func (ix *Index) WriteAt(p string, data []byte, off int64) (int, error) {
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
	a := ent.Asset
	n, size, err := ix.store.WriteContentAt(a, data, off)
	if err != nil {
		return n, err
	}
	a.Size = size
	a.Stamp(eagle.Now())
	if err := ix.store.WriteAsset(a); err != nil {
		return n, err
	}
	if _, err := ix.store.TouchMtime(a.ID); err != nil {
		ix.log.Warn("mtime index not updated after write", zap.String("id", a.ID), zap.Error(err))
	}
	return n, nil
}

// Truncate resizes the asset's content file and record.
func (ix *Index) Truncate(p string, size int64) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if size < 0 {
		return fmt.Errorf("size %d: %w", size, eagle.ErrInvalid)
	}
	ent, err := ix.resolveLocked(p)
	if err != nil {
		return err
	}
	if ent.IsDir() {
		return fmt.Errorf("%s: %w", p, eagle.ErrInvalid)
	}
	a := ent.Asset
	if err := ix.store.TruncateContent(a, size); err != nil {
		return err
	}
	a.Size = size
	a.Stamp(eagle.Now())
	if err := ix.store.WriteAsset(a); err != nil {
		return err
	}
	if _, err := ix.store.TouchMtime(a.ID); err != nil {
		ix.log.Warn("mtime index not updated after truncate", zap.String("id", a.ID), zap.Error(err))
	}
	return nil
}

// Touch sets the asset's content timestamp. Timestamp updates on
// folders are accepted and ignored; the structure timestamp tracks
// child changes only.
func (ix *Index) Touch(p string, ms int64) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ent, err := ix.resolveLocked(p)
	if err != nil {
		return err
	}
	if ent.IsDir() {
		return nil
	}
	a := ent.Asset
	a.MTime = ms
	a.LastModified = ms
	a.ModificationTime = eagle.Now()
	if err := ix.store.WriteAsset(a); err != nil {
		return err
	}
	if _, err := ix.store.TouchMtime(a.ID); err != nil {
		ix.log.Warn("mtime index not updated after touch", zap.String("id", a.ID), zap.Error(err))
	}
	return nil
}

// RemoveAsset deletes the asset at the given path. Deletion is a
// tombstone: the record's isDeleted flag is set and the content files
// stay in place, matching how the owning application trashes items.
func (ix *Index) RemoveAsset(p string) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ent, err := ix.resolveLocked(p)
	if err != nil {
		return err
	}
	if ent.IsDir() {
		return fmt.Errorf("%s: %w", p, eagle.ErrInvalid)
	}
	a := ent.Asset
	a.IsDeleted = true
	a.Stamp(eagle.Now())
	if err := ix.store.WriteAsset(a); err != nil {
		a.IsDeleted = false
		return err
	}
	if _, err := ix.store.TouchMtime(a.ID); err != nil {
		ix.log.Warn("mtime index not updated after unlink", zap.String("id", a.ID), zap.Error(err))
	}
	ix.snap.removeAsset(a.ID)
	return nil
}

// RemoveFolder deletes an empty folder. The synthetic root and Unfiled
// folders cannot be removed.
func (ix *Index) RemoveFolder(p string) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ent, err := ix.resolveLocked(p)
	if err != nil {
		return err
	}
	if !ent.IsDir() {
		return fmt.Errorf("%s: %w", p, eagle.ErrInvalid)
	}
	node := ent.Folder
	if node.ID == RootID || node.ID == UnfiledID {
		return fmt.Errorf("%s: %w", p, eagle.ErrInvalid)
	}
	if !ix.snap.folderEmpty(node.ID) {
		return fmt.Errorf("%s: %w", p, eagle.ErrNotEmpty)
	}
	f := ix.metaByID[node.ID]
	ix.detachLocked(node.ParentID, f)
	if err := ix.store.WriteMeta(ix.meta); err != nil {
		sl := ix.parentSliceLocked(node.ParentID)
		*sl = append(*sl, f)
		return err
	}
	ix.metaMod = ix.meta.ModificationTime
	delete(ix.metaByID, node.ID)
	ix.snap.removeFolder(node.ID)
	return nil
}

// Rename moves or renames an asset or folder. The backing store is
// updated first and reverted on failure; the snapshot only changes
// once every backing write has succeeded.
func (ix *Index) Rename(oldp, newp string) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	oldp, newp = cleanPath(oldp), cleanPath(newp)
	if oldp == "/" || newp == "/" {
		return fmt.Errorf("rename %s: %w", oldp, eagle.ErrInvalid)
	}
	if oldp == newp {
		return nil
	}
	ent, err := ix.resolveLocked(oldp)
	if err != nil {
		return err
	}
	newParent, newBase, err := ix.parentDirLocked(newp)
	if err != nil {
		return err
	}
	entID := ""
	if ent.IsDir() {
		entID = ent.Folder.ID
	} else {
		entID = ent.Asset.ID
	}
	if r, taken := ix.snap.names[newParent.ID][newBase]; taken && r.id != entID {
		return fmt.Errorf("%s: %w", newp, eagle.ErrExists)
	}
	if ent.IsDir() {
		return ix.renameFolderLocked(ent.Folder, newParent, newBase)
	}
	oldDir, _ := splitPath(oldp)
	oldParentID := ix.snap.paths[oldDir]
	return ix.renameAssetLocked(ent.Asset, oldParentID, newParent, newBase)
}

func (ix *Index) renameFolderLocked(node *FolderNode, newParent *FolderNode, newBase string) error {
	if node.ID == RootID || node.ID == UnfiledID || newParent.ID == UnfiledID {
		return fmt.Errorf("%s: %w", node.Path, eagle.ErrInvalid)
	}
	// A folder cannot move into its own subtree.
	for n := newParent; n != nil && n.ID != RootID; n = ix.snap.folders[n.ParentID] {
		if n.ID == node.ID {
			return fmt.Errorf("%s: %w", node.Path, eagle.ErrInvalid)
		}
	}
	f := ix.metaByID[node.ID]
	oldName, oldParentID := f.Name, node.ParentID

	ix.detachLocked(oldParentID, f)
	f.Name = newBase
	f.ModificationTime = eagle.Now()
	sl := ix.parentSliceLocked(newParent.ID)
	*sl = append(*sl, f)
	if err := ix.store.WriteMeta(ix.meta); err != nil {
		ix.detachLocked(newParent.ID, f)
		f.Name = oldName
		old := ix.parentSliceLocked(oldParentID)
		*old = append(*old, f)
		return err
	}
	ix.metaMod = ix.meta.ModificationTime

	ix.snap.removeName(oldParentID, node.ID)
	node.Name = newBase
	node.ModTime = f.ModificationTime
	node.ParentID = newParent.ID
	ix.snap.insertName(newParent.ID, newBase, node.ID, true)
	ix.snap.rebuildPaths()
	return nil
}

func (ix *Index) renameAssetLocked(a *eagle.Asset, oldParentID string, newParent *FolderNode, newBase string) error {
	if newParent.ID == RootID {
		return fmt.Errorf("%s: %w", newBase, eagle.ErrInvalid)
	}
	stem, ext := splitName(newBase)
	oldFull := a.FullName()
	oldName, oldExt, oldFolders := a.Name, a.Ext, a.Folders

	a.Name, a.Ext = stem, ext
	if err := ix.store.RenameContent(a.ID, oldFull, a.FullName()); err != nil {
		a.Name, a.Ext = oldName, oldExt
		return err
	}
	if newParent.ID != oldParentID {
		ff := a.Folders[:0:0]
		for _, fid := range a.Folders {
			if fid != oldParentID {
				ff = append(ff, fid)
			}
		}
		if newParent.ID != UnfiledID {
			ff = append(ff, newParent.ID)
		}
		a.Folders = ff
	}
	a.Stamp(eagle.Now())
	if err := ix.store.WriteAsset(a); err != nil {
		if rerr := ix.store.RenameContent(a.ID, a.FullName(), oldFull); rerr != nil {
			ix.log.Warn("content rename not reverted", zap.String("id", a.ID), zap.Error(rerr))
		}
		a.Name, a.Ext, a.Folders = oldName, oldExt, oldFolders
		return err
	}
	if _, err := ix.store.TouchMtime(a.ID); err != nil {
		ix.log.Warn("mtime index not updated after rename", zap.String("id", a.ID), zap.Error(err))
	}
	ix.snap.removeAsset(a.ID)
	ix.snap.addAsset(a)
	return nil
}
