// Package nfsmount serves a library index over NFS. It adapts the
// index to billy.Filesystem for use with willscott/go-nfs, as a
// FUSE-free alternative for hosts without a kernel FUSE module. The
// export is read-only; writes go through the FUSE mount.
package nfsmount

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	billy "github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/helper/chroot"
	"github.com/ohler55/ojg/oj"
	"go.uber.org/zap"

	"github.com/perchfs/perch/internal/index"
)

var errReadOnly = fmt.Errorf("read-only filesystem")

// summaryFile is a virtual root entry describing the indexed library.
const summaryFile = "_library.json"

// IndexFS adapts a library index to billy.Filesystem.
type IndexFS struct {
	idx       *index.Index
	log       *zap.Logger
	mountTime time.Time
}

// NewIndexFS returns a read-only billy.Filesystem over the index.
func NewIndexFS(idx *index.Index, log *zap.Logger) *IndexFS {
	return &IndexFS{idx: idx, log: log, mountTime: time.Now()}
}

// sync runs a reconciliation pass; failures keep the stale snapshot
// serving.
func (fs *IndexFS) sync() {
	if err := fs.idx.Reconcile(time.Now()); err != nil {
		fs.log.Warn("reconciliation failed, serving stale view", zap.Error(err))
	}
}

func (fs *IndexFS) summaryJSON() []byte {
	raw, _ := oj.Marshal(fs.idx.Summarize())
	return append(raw, '\n')
}

// --- billy.Basic ---

func (fs *IndexFS) Create(filename string) (billy.File, error) {
	return nil, errReadOnly
}

func (fs *IndexFS) Open(filename string) (billy.File, error) {
	return fs.OpenFile(filename, os.O_RDONLY, 0)
}

func (fs *IndexFS) OpenFile(filename string, flag int, perm os.FileMode) (billy.File, error) {
	if flag&(os.O_WRONLY|os.O_RDWR|os.O_CREATE|os.O_TRUNC) != 0 {
		return nil, errReadOnly
	}
	fs.sync()
	filename = cleanPath(filename)

	if filename == "/"+summaryFile {
		return &bytesFile{name: summaryFile, data: fs.summaryJSON()}, nil
	}

	ent, err := fs.idx.Resolve(filename)
	if err != nil {
		return nil, &os.PathError{Op: "open", Path: filename, Err: os.ErrNotExist}
	}
	if ent.IsDir() {
		return nil, &os.PathError{Op: "open", Path: filename, Err: fmt.Errorf("is a directory")}
	}

	return &indexFile{
		path: filename,
		size: ent.Asset.Size,
		idx:  fs.idx,
	}, nil
}

func (fs *IndexFS) Stat(filename string) (os.FileInfo, error) {
	return fs.Lstat(filename)
}

func (fs *IndexFS) Rename(oldpath, newpath string) error {
	return errReadOnly
}

func (fs *IndexFS) Remove(filename string) error {
	return errReadOnly
}

func (fs *IndexFS) Join(elem ...string) string {
	return filepath.Join(elem...)
}

// --- billy.TempFile ---

func (fs *IndexFS) TempFile(dir, prefix string) (billy.File, error) {
	return nil, billy.ErrNotSupported
}

// --- billy.Dir ---

func (fs *IndexFS) ReadDir(path string) ([]os.FileInfo, error) {
	fs.sync()
	path = cleanPath(path)

	ents, err := fs.idx.Children(path)
	if err != nil {
		return nil, &os.PathError{Op: "readdir", Path: path, Err: os.ErrNotExist}
	}

	infos := make([]os.FileInfo, 0, len(ents)+1)
	if path == "/" {
		infos = append(infos, &staticFileInfo{
			name:    summaryFile,
			size:    int64(len(fs.summaryJSON())),
			mode:    0o444,
			modTime: fs.mountTime,
		})
	}
	for _, e := range ents {
		infos = append(infos, entryToFileInfo(e))
	}
	return infos, nil
}

func (fs *IndexFS) MkdirAll(filename string, perm os.FileMode) error {
	return errReadOnly
}

// --- billy.Symlink ---

func (fs *IndexFS) Lstat(filename string) (os.FileInfo, error) {
	fs.sync()
	filename = cleanPath(filename)

	if filename == "/" {
		return &staticFileInfo{
			name:    "/",
			mode:    os.ModeDir | 0o555,
			modTime: fs.mountTime,
		}, nil
	}
	if filename == "/"+summaryFile {
		return &staticFileInfo{
			name:    summaryFile,
			size:    int64(len(fs.summaryJSON())),
			mode:    0o444,
			modTime: fs.mountTime,
		}, nil
	}

	ent, err := fs.idx.Resolve(filename)
	if err != nil {
		return nil, &os.PathError{Op: "lstat", Path: filename, Err: os.ErrNotExist}
	}
	return entryToFileInfo(ent), nil
}

func (fs *IndexFS) Symlink(target, link string) error {
	return billy.ErrNotSupported
}

func (fs *IndexFS) Readlink(link string) (string, error) {
	return "", billy.ErrNotSupported
}

// --- billy.Chroot ---

func (fs *IndexFS) Chroot(path string) (billy.Filesystem, error) {
	return chroot.New(fs, path), nil
}

func (fs *IndexFS) Root() string {
	return "/"
}

// --- billy.Capable ---

func (fs *IndexFS) Capabilities() billy.Capability {
	return billy.ReadCapability | billy.SeekCapability
}

// --- internals ---

func cleanPath(path string) string {
	path = filepath.Clean("/" + path)
	if path == "." {
		return "/"
	}
	return path
}

func entryToFileInfo(e index.Entry) os.FileInfo {
	if e.IsDir() {
		return &staticFileInfo{
			name:    e.Name,
			mode:    os.ModeDir | 0o555,
			modTime: time.UnixMilli(e.Folder.ModTime),
		}
	}
	return &staticFileInfo{
		name:    e.Name,
		size:    e.Asset.Size,
		mode:    0o444,
		modTime: time.UnixMilli(e.Asset.MTime),
	}
}

// staticFileInfo implements os.FileInfo with static values.
type staticFileInfo struct {
	name    string
	size    int64
	mode    os.FileMode
	modTime time.Time
}

func (fi *staticFileInfo) Name() string       { return fi.name }
func (fi *staticFileInfo) Size() int64        { return fi.size }
func (fi *staticFileInfo) Mode() os.FileMode  { return fi.mode }
func (fi *staticFileInfo) ModTime() time.Time { return fi.modTime }
func (fi *staticFileInfo) IsDir() bool        { return fi.mode.IsDir() }
func (fi *staticFileInfo) Sys() interface{}   { return nil }

// Compile-time interface checks.
var (
	_ billy.Filesystem = (*IndexFS)(nil)
	_ billy.Capable    = (*IndexFS)(nil)
)
