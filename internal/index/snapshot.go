// Package index maintains the in-memory view of a library — assets,
// folders and the derived lookup maps — and the throttled
// reconciliation that keeps it synchronized with changes made to the
// library by other processes.
package index

import (
	"path"
	"strings"

	"github.com/RoaringBitmap/roaring"

	"github.com/perchfs/perch/internal/eagle"
)

// Synthetic folders: the namespace root and the bucket for assets that
// belong to no library folder. Neither exists in metadata.json.
const (
	RootID      = "root"
	UnfiledID   = "unfiled"
	UnfiledName = "Unfiled"
)

// FolderNode is a folder as exposed through the namespace. Name is the
// library's raw name; Display is the namespace entry name after
// sibling collisions are disambiguated.
type FolderNode struct {
	ID       string
	Name     string
	Display  string
	ParentID string
	Path     string
	ModTime  int64
}

// ref points a directory entry at either an asset or a folder.
type ref struct {
	id  string
	dir bool
}

// Snapshot holds the reconciled index: asset-by-id, folder-by-id,
// folder membership bitmaps, path->folder lookup and the per-directory
// entry names. The maps are kept mutually consistent; only the Index
// mutates a Snapshot, under its lock.
type Snapshot struct {
	assets  map[string]*eagle.Asset
	folders map[string]*FolderNode
	members map[string]*roaring.Bitmap
	paths   map[string]string
	names   map[string]map[string]ref

	// Asset ids interned to uint32 for the membership bitmaps, the
	// same scheme the graph layer uses for its file->node index.
	assetInt   map[string]uint32
	intToAsset []string
}

func newSnapshot() *Snapshot {
	s := &Snapshot{
		assets:   make(map[string]*eagle.Asset),
		folders:  make(map[string]*FolderNode),
		members:  make(map[string]*roaring.Bitmap),
		paths:    make(map[string]string),
		names:    make(map[string]map[string]ref),
		assetInt: make(map[string]uint32),
	}
	root := &FolderNode{ID: RootID, Name: "/", Display: "/", Path: "/"}
	s.folders[RootID] = root
	s.members[RootID] = roaring.New()
	s.names[RootID] = make(map[string]ref)
	s.paths["/"] = RootID

	unfiled := &eagle.Folder{ID: UnfiledID, Name: UnfiledName}
	s.addFolder(unfiled, RootID)
	return s
}

func (s *Snapshot) intern(id string) uint32 {
	if n, ok := s.assetInt[id]; ok {
		return n
	}
	n := uint32(len(s.intToAsset))
	s.assetInt[id] = n
	s.intToAsset = append(s.intToAsset, id)
	return n
}

// insertName claims a directory entry name under folderID, suffixing
// with the owner id on collision so sibling names stay unique.
func (s *Snapshot) insertName(folderID, want, id string, dir bool) string {
	m := s.names[folderID]
	name := want
	if _, taken := m[name]; taken {
		name = disambiguate(want, id, dir)
		for {
			if _, taken := m[name]; !taken {
				break
			}
			name += "~"
		}
	}
	m[name] = ref{id: id, dir: dir}
	return name
}

// removeName drops every entry under folderID that points at id.
func (s *Snapshot) removeName(folderID, id string) {
	for name, r := range s.names[folderID] {
		if r.id == id {
			delete(s.names[folderID], name)
		}
	}
}

func disambiguate(want, id string, dir bool) string {
	if dir {
		return want + "~" + id
	}
	ext := path.Ext(want)
	return strings.TrimSuffix(want, ext) + "~" + id + ext
}

// addFolder registers a folder under parentID and returns its node.
func (s *Snapshot) addFolder(f *eagle.Folder, parentID string) *FolderNode {
	parent := s.folders[parentID]
	display := s.insertName(parentID, f.Name, f.ID, true)
	node := &FolderNode{
		ID:       f.ID,
		Name:     f.Name,
		Display:  display,
		ParentID: parentID,
		Path:     childPath(parent.Path, display),
		ModTime:  f.ModificationTime,
	}
	s.folders[f.ID] = node
	s.members[f.ID] = roaring.New()
	s.names[f.ID] = make(map[string]ref)
	s.paths[node.Path] = f.ID
	return node
}

// removeFolder unregisters a childless folder.
func (s *Snapshot) removeFolder(id string) {
	node, ok := s.folders[id]
	if !ok {
		return
	}
	s.removeName(node.ParentID, id)
	delete(s.paths, node.Path)
	delete(s.names, id)
	delete(s.members, id)
	delete(s.folders, id)
}

// addAsset places an asset into the children sets of its folders.
// Memberships pointing at unknown folders, and empty membership lists,
// land in Unfiled. The ids of unknown folders are returned so the
// caller can log them.
func (s *Snapshot) addAsset(a *eagle.Asset) (unknown []string) {
	placed := false
	for _, fid := range a.Folders {
		if _, ok := s.folders[fid]; !ok {
			unknown = append(unknown, fid)
			continue
		}
		s.insertName(fid, a.FullName(), a.ID, false)
		s.members[fid].Add(s.intern(a.ID))
		placed = true
	}
	if !placed {
		s.insertName(UnfiledID, a.FullName(), a.ID, false)
		s.members[UnfiledID].Add(s.intern(a.ID))
	}
	s.assets[a.ID] = a
	return unknown
}

// removeAsset removes the asset from asset-by-id and from every
// folder's children set. It scans all folders rather than trusting the
// record's membership list, which may be stale after external edits.
func (s *Snapshot) removeAsset(id string) {
	if _, ok := s.assets[id]; !ok {
		return
	}
	n, interned := s.assetInt[id]
	for fid, bm := range s.members {
		if interned && bm.Contains(n) {
			bm.Remove(n)
			s.removeName(fid, id)
		}
	}
	delete(s.assets, id)
}

// folderEmpty reports whether a folder has no entries and no members.
func (s *Snapshot) folderEmpty(id string) bool {
	return len(s.names[id]) == 0 && s.members[id].IsEmpty()
}

// rebuildPaths rederives every folder's Path and the path->folder map
// from the entry-name tree. Pure in-memory work; used after folder
// renames and moves, where it cannot fail halfway.
func (s *Snapshot) rebuildPaths() {
	s.paths = make(map[string]string, len(s.folders))
	s.paths["/"] = RootID
	var walk func(fid string)
	walk = func(fid string) {
		parent := s.folders[fid]
		for name, r := range s.names[fid] {
			if !r.dir {
				continue
			}
			child := s.folders[r.id]
			child.Display = name
			child.ParentID = fid
			child.Path = childPath(parent.Path, name)
			s.paths[child.Path] = r.id
			walk(r.id)
		}
	}
	walk(RootID)
}

func childPath(parent, name string) string {
	if parent == "/" {
		return "/" + name
	}
	return parent + "/" + name
}

// cleanPath normalizes an adapter path to a clean absolute path.
func cleanPath(p string) string {
	p = path.Clean("/" + strings.ReplaceAll(p, "\\", "/"))
	if p == "." {
		return "/"
	}
	return p
}
