// Package fs adapts a library index to the FUSE operation surface via
// cgofuse. Every operation starts with a reconciliation attempt, so
// external edits to the library become visible within one throttle
// interval; if reconciliation fails the operation proceeds on the last
// good snapshot.
package fs

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/winfsp/cgofuse/fuse"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/perchfs/perch/internal/eagle"
	"github.com/perchfs/perch/internal/index"
	"github.com/perchfs/perch/internal/thumb"
)

// ThumbDir is the virtual directory exposing one rendered preview per
// asset, named <asset-id>.png. It exists only in the mounted
// namespace, never in the library.
const ThumbDir = "/.thumbnails"

// LibraryFS implements the cgofuse filesystem over one library index.
type LibraryFS struct {
	fuse.FileSystemBase
	idx    *index.Index
	thumbs *thumb.Service
	log    *zap.Logger

	mu    sync.Mutex
	dirty map[string]struct{} // asset ids written since their last release
}

// New returns a LibraryFS. thumbs may be nil, which disables the
// preview directory.
func New(idx *index.Index, thumbs *thumb.Service, log *zap.Logger) *LibraryFS {
	return &LibraryFS{
		idx:    idx,
		thumbs: thumbs,
		log:    log,
		dirty:  make(map[string]struct{}),
	}
}

// sync runs a reconciliation pass. Failures keep the stale snapshot
// serving, so they are logged rather than surfaced to the caller.
func (l *LibraryFS) sync() {
	if err := l.idx.Reconcile(time.Now()); err != nil {
		l.log.Warn("reconciliation failed, serving stale view", zap.Error(err))
	}
}

func errno(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, eagle.ErrNotFound):
		return -fuse.ENOENT
	case errors.Is(err, eagle.ErrExists):
		return -fuse.EEXIST
	case errors.Is(err, eagle.ErrNotEmpty):
		return -fuse.ENOTEMPTY
	case errors.Is(err, eagle.ErrInvalid):
		return -fuse.EINVAL
	default:
		return -fuse.EIO
	}
}

func msTimespec(ms int64) fuse.Timespec {
	return fuse.Timespec{Sec: ms / 1000, Nsec: (ms % 1000) * int64(time.Millisecond)}
}

// thumbTarget maps a preview path to its asset id.
func thumbTarget(p string) (string, bool) {
	rest, ok := strings.CutPrefix(p, ThumbDir+"/")
	if !ok || rest == "" || strings.Contains(rest, "/") {
		return "", false
	}
	id, ok := strings.CutSuffix(rest, ".png")
	return id, ok && id != ""
}

func (l *LibraryFS) Getattr(path string, stat *fuse.Stat_t, fh uint64) int {
	l.sync()
	if l.thumbs != nil {
		if path == ThumbDir {
			stat.Mode = fuse.S_IFDIR | 0o555
			stat.Nlink = 2
			return 0
		}
		if id, ok := thumbTarget(path); ok {
			a, err := l.idx.AssetByID(id)
			if err != nil {
				return -fuse.ENOENT
			}
			raw, err := l.thumbs.Thumbnail(a)
			if err != nil {
				return -fuse.ENOENT
			}
			stat.Mode = fuse.S_IFREG | 0o444
			stat.Nlink = 1
			stat.Size = int64(len(raw))
			stat.Mtim = msTimespec(a.MTime)
			return 0
		}
	}
	ent, err := l.idx.Resolve(path)
	if err != nil {
		return errno(err)
	}
	if ent.IsDir() {
		stat.Mode = fuse.S_IFDIR | 0o755
		stat.Nlink = 2
		stat.Mtim = msTimespec(ent.Folder.ModTime)
	} else {
		stat.Mode = fuse.S_IFREG | 0o644
		stat.Nlink = 1
		stat.Size = ent.Asset.Size
		stat.Mtim = msTimespec(ent.Asset.MTime)
		stat.Birthtim = msTimespec(ent.Asset.BTime)
	}
	stat.Ctim = stat.Mtim
	stat.Atim = stat.Mtim
	return 0
}

func (l *LibraryFS) Readdir(path string, fill func(name string, stat *fuse.Stat_t, ofst int64) bool, ofst int64, fh uint64) int {
	l.sync()
	fill(".", nil, 0)
	fill("..", nil, 0)
	if l.thumbs != nil {
		if path == ThumbDir {
			for _, id := range l.idx.AssetIDs() {
				fill(id+".png", nil, 0)
			}
			return 0
		}
		if path == "/" {
			fill(strings.TrimPrefix(ThumbDir, "/"), nil, 0)
		}
	}
	ents, err := l.idx.Children(path)
	if err != nil {
		return errno(err)
	}
	for _, e := range ents {
		fill(e.Name, nil, 0)
	}
	return 0
}

func (l *LibraryFS) Open(path string, flags int) (int, uint64) {
	l.sync()
	if l.thumbs != nil {
		if id, ok := thumbTarget(path); ok {
			if _, err := l.idx.AssetByID(id); err != nil {
				return -fuse.ENOENT, ^uint64(0)
			}
			return 0, 0
		}
	}
	ent, err := l.idx.Resolve(path)
	if err != nil {
		return errno(err), ^uint64(0)
	}
	if ent.IsDir() {
		return -fuse.EISDIR, ^uint64(0)
	}
	return 0, 0
}

func (l *LibraryFS) Read(path string, buff []byte, ofst int64, fh uint64) int {
	l.sync()
	if l.thumbs != nil {
		if id, ok := thumbTarget(path); ok {
			a, err := l.idx.AssetByID(id)
			if err != nil {
				return -fuse.ENOENT
			}
			raw, err := l.thumbs.Thumbnail(a)
			if err != nil {
				return -fuse.EIO
			}
			if ofst >= int64(len(raw)) {
				return 0
			}
			return copy(buff, raw[ofst:])
		}
	}
	n, err := l.idx.ReadAt(path, buff, ofst)
	if err != nil {
		return errno(err)
	}
	return n
}

func (l *LibraryFS) Write(path string, buff []byte, ofst int64, fh uint64) int {
	l.sync()
	ent, err := l.idx.Resolve(path)
	if err != nil {
		return errno(err)
	}
	if ent.IsDir() {
		return -fuse.EISDIR
	}
	n, err := l.idx.WriteAt(path, buff, ofst)
	if err != nil {
		return errno(err)
	}
	l.mu.Lock()
	l.dirty[ent.Asset.ID] = struct{}{}
	l.mu.Unlock()
	return n
}

func (l *LibraryFS) Create(path string, flags int, mode uint32) (int, uint64) {
	l.sync()
	if strings.HasPrefix(path, ThumbDir) {
		return -fuse.EACCES, ^uint64(0)
	}
	if _, err := l.idx.CreateAsset(path); err != nil {
		return errno(err), ^uint64(0)
	}
	return 0, 0
}

func (l *LibraryFS) Mkdir(path string, mode uint32) int {
	l.sync()
	if strings.HasPrefix(path, ThumbDir) {
		return -fuse.EACCES
	}
	return errno(l.idx.CreateFolder(path))
}

func (l *LibraryFS) Unlink(path string) int {
	l.sync()
	if strings.HasPrefix(path, ThumbDir) {
		return -fuse.EACCES
	}
	return errno(l.idx.RemoveAsset(path))
}

func (l *LibraryFS) Rmdir(path string) int {
	l.sync()
	if strings.HasPrefix(path, ThumbDir) {
		return -fuse.EACCES
	}
	return errno(l.idx.RemoveFolder(path))
}

func (l *LibraryFS) Rename(oldpath string, newpath string) int {
	l.sync()
	if strings.HasPrefix(oldpath, ThumbDir) || strings.HasPrefix(newpath, ThumbDir) {
		return -fuse.EACCES
	}
	return errno(l.idx.Rename(oldpath, newpath))
}

func (l *LibraryFS) Truncate(path string, size int64, fh uint64) int {
	l.sync()
	ent, err := l.idx.Resolve(path)
	if err != nil {
		return errno(err)
	}
	if ent.IsDir() {
		return -fuse.EISDIR
	}
	if err := l.idx.Truncate(path, size); err != nil {
		return errno(err)
	}
	l.mu.Lock()
	l.dirty[ent.Asset.ID] = struct{}{}
	l.mu.Unlock()
	return 0
}

func (l *LibraryFS) Utimens(path string, tmsp []fuse.Timespec) int {
	l.sync()
	ms := eagle.Now()
	if len(tmsp) > 1 && !tmsp[1].Time().IsZero() {
		ms = tmsp[1].Time().UnixMilli()
	}
	return errno(l.idx.Touch(path, ms))
}

// Release regenerates the library-side preview for assets written
// through this mount, once per open-write-close cycle.
func (l *LibraryFS) Release(path string, fh uint64) int {
	ent, err := l.idx.Resolve(path)
	if err != nil {
		return 0
	}
	if ent.IsDir() {
		return 0
	}
	l.mu.Lock()
	_, wasDirty := l.dirty[ent.Asset.ID]
	delete(l.dirty, ent.Asset.ID)
	l.mu.Unlock()
	if wasDirty && l.thumbs != nil {
		if err := l.thumbs.Refresh(ent.Asset); err != nil {
			l.log.Debug("thumbnail refresh failed", zap.String("id", ent.Asset.ID), zap.Error(err))
		}
	}
	return 0
}

func (l *LibraryFS) Statfs(path string, stat *fuse.Statfs_t) int {
	var st unix.Statfs_t
	if err := unix.Statfs(l.idx.Store().Root(), &st); err != nil {
		return -fuse.EIO
	}
	stat.Bsize = uint64(st.Bsize)
	stat.Frsize = uint64(st.Frsize)
	stat.Blocks = st.Blocks
	stat.Bfree = st.Bfree
	stat.Bavail = st.Bavail
	stat.Files = st.Files
	stat.Ffree = st.Ffree
	stat.Favail = st.Ffree
	stat.Namemax = uint64(st.Namelen)
	return 0
}
