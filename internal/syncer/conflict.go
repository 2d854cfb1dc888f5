package syncer

import (
	"sort"

	"github.com/driftlab/driftsync/internal/directory"
	"github.com/driftlab/driftsync/internal/sessions"
	"github.com/driftlab/driftsync/internal/status"
)

// resolveConflicts walks each group's conflict worklist on that group's
// worker. Only items that carry both a local edit and a staged server version
// can be decided here; everything else waits for more data.
func (sy *Syncer) resolveConflicts(s *sessions.SyncSession) {
	ctx := s.Context()
	dir, ok := ctx.Directory()
	if !ok {
		return
	}
	for _, worker := range s.Workers() {
		group, err := s.Status().Group(worker.Group())
		if err != nil {
			ctx.Logger().Error("resolve conflicts", "group", worker.Group(), "error", err)
			continue
		}
		ids := group.ConflictProgress().ConflictingItemIDs()
		if len(ids) == 0 {
			continue
		}
		sort.Strings(ids)
		w := worker
		if err := w.DoWork(func() error {
			return sy.resolveConflictsForGroup(s, dir, group, ids)
		}); err != nil {
			ctx.Logger().Error("resolve conflicts worker", "group", w.Group(), "error", err)
		}
	}
}

// resolveConflictsForGroup decides double-edited items. Deletes win no matter
// which side they came from, so removed data stays removed; between two edits
// the local one survives and goes back out with the server version
// acknowledged, letting the next commit settle it.
func (sy *Syncer) resolveConflictsForGroup(s *sessions.SyncSession, dir *directory.Directory, group *status.GroupView, ids []string) error {
	global := s.Status().Global()
	resolved := false
	err := dir.Update(directory.WriterSyncer, func(tx *directory.WriteTx) error {
		for _, id := range ids {
			e, ok := tx.EntryByID(directory.ID(id))
			if !ok {
				group.EraseConflictingItem(id)
				continue
			}
			if !e.Unsynced || !e.UnappliedUpdate {
				// A commit conflict without the server's copy, or an apply
				// blocked on hierarchy or encryption. More downloads or a
				// passphrase will unblock it; nothing to decide now.
				continue
			}
			if e.ServerDeleted {
				// The server-side delete wins over the local edit.
				e.Unsynced = false
				if err := applyServerFields(tx, e); err != nil {
					return err
				}
				global.IncrementNumServerOverwrites()
			} else {
				// The local version survives, tombstone and edit alike. The
				// server version is acknowledged so the recommit wins.
				e.BaseVersion = e.ServerVersion
				e.UnappliedUpdate = false
				if err := tx.Put(e); err != nil {
					return err
				}
				global.IncrementNumLocalOverwrites()
			}
			group.EraseConflictingItem(id)
			resolved = true
		}
		return nil
	})
	if err != nil {
		return err
	}
	global.UpdateConflictsResolved(resolved)
	return nil
}
