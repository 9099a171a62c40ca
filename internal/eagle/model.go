// Package eagle defines the on-disk data model of an Eagle-style media
// library and the Store that reads and writes it. A library is a
// directory whose metadata lives in JSON files:
//
//	<name>.library/
//	  metadata.json            folder tree + structure modificationTime
//	  mtime.json               asset id -> last-modified ms timestamp
//	  images/<id>.info/
//	    metadata.json          asset record
//	    <name>.<ext>           binary content
//	    <id>_thumbnail.png     optional preview image
package eagle

import (
	"crypto/rand"
	"errors"
	"time"
)

// Error kinds surfaced by the index and the filesystem adapters.
var (
	ErrNotFound = errors.New("not found")
	ErrExists   = errors.New("already exists")
	ErrNotEmpty = errors.New("directory not empty")
	ErrInvalid  = errors.New("invalid argument")
)

// Palette is one dominant color extracted from an asset's pixels.
type Palette struct {
	Color []int   `json:"color"`
	Ratio float64 `json:"ratio"`
}

// Asset is one media item. The id is opaque and immutable; the binary
// content lives at images/<id>.info/<name>.<ext>.
type Asset struct {
	ID               string    `json:"id"`
	Name             string    `json:"name"`
	Size             int64     `json:"size"`
	BTime            int64     `json:"btime"`
	MTime            int64     `json:"mtime"`
	Ext              string    `json:"ext"`
	Tags             []string  `json:"tags"`
	Folders          []string  `json:"folders"`
	IsDeleted        bool      `json:"isDeleted"`
	URL              string    `json:"url"`
	Annotation       string    `json:"annotation"`
	ModificationTime int64     `json:"modificationTime"`
	Height           int       `json:"height"`
	Width            int       `json:"width"`
	LastModified     int64     `json:"lastModified"`
	Palettes         []Palette `json:"palettes"`
}

// FullName returns the asset's display name with extension.
func (a *Asset) FullName() string {
	if a.Ext == "" {
		return a.Name
	}
	return a.Name + "." + a.Ext
}

// Stamp sets all modification timestamps to ms.
func (a *Asset) Stamp(ms int64) {
	a.MTime = ms
	a.ModificationTime = ms
	a.LastModified = ms
}

// Clone returns a detached copy of the record. Index queries hand out
// clones so callers never alias the live snapshot record, which keeps
// mutating under the index lock.
func (a *Asset) Clone() *Asset {
	c := *a
	c.Tags = append([]string(nil), a.Tags...)
	c.Folders = append([]string(nil), a.Folders...)
	c.Palettes = append([]Palette(nil), a.Palettes...)
	return &c
}

// Folder is one node of the library's folder tree as stored in
// metadata.json. ModificationTime tracks child additions, removals and
// renames, not the content of member assets.
type Folder struct {
	ID               string    `json:"id"`
	Name             string    `json:"name"`
	Description      string    `json:"description"`
	Children         []*Folder `json:"children"`
	ModificationTime int64     `json:"modificationTime"`
	Tags             []string  `json:"tags"`
}

// Meta is the library's top-level metadata.json.
type Meta struct {
	Folders            []*Folder `json:"folders"`
	SmartFolders       []*Folder `json:"smartFolders"`
	QuickAccess        []any     `json:"quickAccess"`
	TagsGroups         []any     `json:"tagsGroups"`
	ModificationTime   int64     `json:"modificationTime"`
	ApplicationVersion string    `json:"applicationVersion"`
}

// Now returns the current time as a millisecond Unix timestamp, the
// unit used throughout the library's metadata.
func Now() int64 {
	return time.Now().UnixMilli()
}

const idChars = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// NewID generates a 13-character uppercase alphanumeric identifier in
// the library's native format.
func NewID() string {
	var buf [13]byte
	_, _ = rand.Read(buf[:])
	for i, b := range buf {
		buf[i] = idChars[int(b)%len(idChars)]
	}
	return string(buf[:])
}
