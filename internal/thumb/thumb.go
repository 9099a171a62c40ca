// Package thumb renders and caches PNG previews for library assets.
// Previews come from three places, in order: the thumbnail file the
// owning application keeps next to the asset, a local sqlite cache
// keyed by asset id and content timestamp, and a fresh render of the
// content itself.
package thumb

import (
	"bytes"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/disintegration/imaging"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/perchfs/perch/internal/eagle"
)

// Size is the bounding box of generated previews, in pixels.
const Size = 256

// ErrUnavailable means no preview can be produced for the asset, for
// example because its format is not decodable.
var ErrUnavailable = errors.New("thumbnail unavailable")

// Extensions the renderer can decode. Anything else only gets a
// preview if the owning application left one in the library.
var renderable = map[string]bool{
	"jpg": true, "jpeg": true, "png": true, "gif": true,
	"bmp": true, "tif": true, "tiff": true,
}

const schema = `
CREATE TABLE IF NOT EXISTS thumbs (
	asset_id TEXT PRIMARY KEY,
	mtime    INTEGER NOT NULL,
	png      BLOB NOT NULL
);`

// Service renders previews against one library's store.
type Service struct {
	store *eagle.Store
	db    *sql.DB
	log   *zap.Logger
}

// Open opens or creates the preview cache at cachePath.
func Open(store *eagle.Store, cachePath string, log *zap.Logger) (*Service, error) {
	db, err := sql.Open("sqlite", cachePath)
	if err != nil {
		return nil, fmt.Errorf("open thumbnail cache: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init thumbnail cache: %w", err)
	}
	return &Service{store: store, db: db, log: log}, nil
}

// Close releases the cache database.
func (s *Service) Close() error { return s.db.Close() }

// Thumbnail returns PNG preview bytes for the asset. A library-side
// thumbnail file wins; otherwise the cache is consulted, and on a miss
// or a stale row the content is re-rendered and the row upserted.
func (s *Service) Thumbnail(a *eagle.Asset) ([]byte, error) {
	if raw, err := os.ReadFile(s.store.ThumbnailPath(a.ID)); err == nil {
		return raw, nil
	}
	var (
		mt  int64
		png []byte
	)
	err := s.db.QueryRow(`SELECT mtime, png FROM thumbs WHERE asset_id = ?`, a.ID).Scan(&mt, &png)
	switch {
	case err == nil && mt == a.MTime:
		return png, nil
	case err != nil && !errors.Is(err, sql.ErrNoRows):
		s.log.Warn("thumbnail cache read failed", zap.String("id", a.ID), zap.Error(err))
	}
	png, err = s.render(a)
	if err != nil {
		return nil, err
	}
	if _, err := s.db.Exec(
		`INSERT INTO thumbs (asset_id, mtime, png) VALUES (?, ?, ?)
		 ON CONFLICT(asset_id) DO UPDATE SET mtime = excluded.mtime, png = excluded.png`,
		a.ID, a.MTime, png,
	); err != nil {
		s.log.Warn("thumbnail cache write failed", zap.String("id", a.ID), zap.Error(err))
	}
	return png, nil
}

// Refresh regenerates the library-side thumbnail file after the
// asset's content changed. Assets with no renderable preview are
// skipped without error.
func (s *Service) Refresh(a *eagle.Asset) error {
	png, err := s.render(a)
	if errors.Is(err, ErrUnavailable) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := os.WriteFile(s.store.ThumbnailPath(a.ID), png, 0o644); err != nil {
		return fmt.Errorf("write thumbnail %s: %w", a.ID, err)
	}
	if _, err := s.db.Exec(
		`INSERT INTO thumbs (asset_id, mtime, png) VALUES (?, ?, ?)
		 ON CONFLICT(asset_id) DO UPDATE SET mtime = excluded.mtime, png = excluded.png`,
		a.ID, a.MTime, png,
	); err != nil {
		s.log.Warn("thumbnail cache write failed", zap.String("id", a.ID), zap.Error(err))
	}
	return nil
}

func (s *Service) render(a *eagle.Asset) ([]byte, error) {
	if !renderable[strings.ToLower(a.Ext)] {
		return nil, fmt.Errorf("%s.%s: %w", a.ID, a.Ext, ErrUnavailable)
	}
	img, err := imaging.Open(s.store.ContentPath(a))
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", a.ID, ErrUnavailable)
	}
	fit := imaging.Fit(img, Size, Size, imaging.Lanczos)
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, fit, imaging.PNG); err != nil {
		return nil, fmt.Errorf("encode thumbnail %s: %w", a.ID, err)
	}
	return buf.Bytes(), nil
}
