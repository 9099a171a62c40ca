package index

import (
	"sort"
	"time"

	"go.uber.org/zap"
)

// Reconcile brings the snapshot up to date with the backing library.
// It is throttled: passes within the throttle window of the previous
// completed pass return immediately. A pass that fails leaves the
// clock unadvanced, so the next call retries instead of waiting out
// the window on a stale view.
func (ix *Index) Reconcile(now time.Time) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.reconcileLocked(now)
}

func (ix *Index) reconcileLocked(now time.Time) error {
	if now.Sub(ix.last) < ix.throttle {
		return nil
	}

	meta, err := ix.store.ReadMeta()
	if err != nil {
		return err
	}
	if meta.ModificationTime != ix.metaMod {
		// Folder structure changed: a structural edit can invalidate
		// any number of paths and membership sets, so rebuild outright
		// rather than diffing.
		ix.log.Debug("folder structure changed, rebuilding",
			zap.Int64("from", ix.metaMod), zap.Int64("to", meta.ModificationTime))
		return ix.buildLocked()
	}

	disk, err := ix.store.ReadMtimes()
	if err != nil {
		return err
	}

	// Removals: cached assets whose change-tracking entry vanished.
	for id := range ix.mtimes {
		if _, ok := disk[id]; ok {
			continue
		}
		if _, ok := ix.snap.assets[id]; ok {
			ix.log.Debug("asset removed from library", zap.String("id", id))
			ix.snap.removeAsset(id)
		}
	}

	// Apply changed assets in id order so that name collisions between
	// assets arriving in the same pass resolve the same way a full
	// rebuild would.
	changed := make([]string, 0, len(disk))
	for id, ts := range disk {
		if cached, ok := ix.mtimes[id]; ok && cached == ts {
			continue
		}
		changed = append(changed, id)
	}
	sort.Strings(changed)

	for _, id := range changed {
		a, err := ix.store.ReadAsset(id)
		if err != nil {
			// Keep the stale timestamp so the next pass retries this
			// asset; the rest of the pass proceeds.
			ix.log.Warn("asset record unreadable, deferring", zap.String("id", id), zap.Error(err))
			if cached, ok := ix.mtimes[id]; ok {
				disk[id] = cached
			} else {
				delete(disk, id)
			}
			continue
		}
		if _, ok := ix.snap.assets[id]; ok {
			ix.snap.removeAsset(id)
		}
		if a.IsDeleted {
			ix.log.Debug("asset tombstoned", zap.String("id", id))
			continue
		}
		for _, fid := range ix.snap.addAsset(a) {
			ix.log.Warn("asset references unknown folder",
				zap.String("asset", a.ID), zap.String("folder", fid))
		}
	}

	ix.mtimes = disk
	ix.metaMod = meta.ModificationTime
	ix.last = now
	return nil
}
