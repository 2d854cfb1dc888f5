package syncer

import (
	"github.com/driftlab/driftsync/internal/crypto"
	"github.com/driftlab/driftsync/internal/directory"
	"github.com/driftlab/driftsync/internal/modeltype"
	"github.com/driftlab/driftsync/internal/sessions"
	"github.com/driftlab/driftsync/internal/status"
)

// applyUpdates folds staged server state into the visible entry fields, one
// worker group at a time so every type is only touched from its model safe
// group.
func (sy *Syncer) applyUpdates(s *sessions.SyncSession) {
	ctx := s.Context()
	dir, ok := ctx.Directory()
	if !ok {
		return
	}
	for _, worker := range s.Workers() {
		group, err := s.Status().Group(worker.Group())
		if err != nil {
			ctx.Logger().Error("apply updates", "group", worker.Group(), "error", err)
			continue
		}
		w := worker
		if err := w.DoWork(func() error {
			return sy.applyUpdatesForGroup(s, dir, group)
		}); err != nil {
			ctx.Logger().Error("apply updates worker", "group", w.Group(), "error", err)
		}
	}
}

// applyUpdatesForGroup applies the group's unapplied entries inside a single
// write transaction. Children can arrive before their parents, so laps repeat
// until one makes no progress; whatever remains is some flavor of conflict.
func (sy *Syncer) applyUpdatesForGroup(s *sessions.SyncSession, dir *directory.Directory, group *status.GroupView) error {
	routes := s.RoutingInfo()
	return dir.Update(directory.WriterSyncer, func(tx *directory.WriteTx) error {
		cry := s.Context().Directories().Cryptographer(tx)

		var mine []int64
		for _, h := range tx.UnappliedUpdateHandles() {
			e, ok := tx.EntryByHandle(h)
			if !ok {
				continue
			}
			if routes.GroupFor(e.Type) != group.Group() {
				continue
			}
			mine = append(mine, h)
		}

		results := make(map[int64]status.UpdateAttemptResult, len(mine))
		for {
			progress := false
			for _, h := range mine {
				e, ok := tx.EntryByHandle(h)
				if !ok || !e.UnappliedUpdate {
					continue
				}
				result := attemptToApply(tx, cry, e)
				results[h] = result
				if result == status.UpdateSuccess {
					progress = true
				}
			}
			if !progress {
				break
			}
		}

		for _, h := range mine {
			result, attempted := results[h]
			if !attempted {
				continue
			}
			group.AddAppliedUpdate(result, h)
			e, ok := tx.EntryByHandle(h)
			if !ok {
				continue
			}
			if result == status.UpdateSuccess {
				group.EraseConflictingItem(string(e.ID))
			} else {
				group.AddConflictingItem(string(e.ID))
			}
		}
		return nil
	})
}

// attemptToApply tries to fold one staged server version into the visible
// fields. Entries with local edits are simple conflicts for the resolver;
// entries whose parent has not applied yet are hierarchy conflicts that may
// clear on a later lap.
func attemptToApply(tx *directory.WriteTx, cry *crypto.Cryptographer, e directory.EntryKernel) status.UpdateAttemptResult {
	if e.Unsynced {
		return status.UpdateConflictingSimple
	}
	if !e.ServerDeleted {
		parent, ok := tx.EntryByID(e.ServerParentID)
		if !ok || !parent.Folder || !parent.Exists() {
			return status.UpdateConflictingHierarchy
		}
	} else if e.Folder {
		for _, h := range tx.ChildHandles(e.ID) {
			if child, ok := tx.EntryByHandle(h); ok && child.Exists() {
				// Still-live children block deleting their folder.
				return status.UpdateConflictingHierarchy
			}
		}
	}
	if result := checkEncryption(cry, &e); result != status.UpdateSuccess {
		return result
	}
	if err := applyServerFields(tx, e); err != nil {
		return status.UpdateConflictingSimple
	}
	return status.UpdateSuccess
}

// checkEncryption gates application on the cryptographer being able to read
// the payload. NIGORI updates are the exception: their keybag feeds the
// cryptographer, installing immediately when a known key sealed it and
// parking in pending otherwise.
func checkEncryption(cry *crypto.Cryptographer, e *directory.EntryKernel) status.UpdateAttemptResult {
	if cry == nil || e.ServerDeleted {
		return status.UpdateSuccess
	}
	specifics := decodeSpecifics(e.ServerSpecifics)
	if e.Type == modeltype.Nigori {
		payload := specifics[modeltype.Nigori.SpecificsMarker()]
		if n, err := crypto.ParseNigoriSpecifics(payload); err == nil {
			cry.Update(n)
		}
		return status.UpdateSuccess
	}
	if e.Folder {
		return status.UpdateSuccess
	}
	env := crypto.EncryptedEnvelope(specifics[e.Type.SpecificsMarker()])
	if env != nil && !cry.CanDecrypt(env) {
		return status.UpdateConflictingEncryption
	}
	return status.UpdateSuccess
}

// applyServerFields moves the server shadow onto the visible fields and
// clears the unapplied mark. Deletions keep their last name and parent the
// way the server's lightweight tombstones do.
func applyServerFields(tx *directory.WriteTx, e directory.EntryKernel) error {
	e.Specifics = e.ServerSpecifics
	if e.ServerDeleted {
		e.Deleted = true
	} else {
		e.Name = e.ServerName
		e.ParentID = e.ServerParentID
		e.Position = e.ServerPosition
		e.Deleted = false
	}
	e.BaseVersion = e.ServerVersion
	e.UnappliedUpdate = false
	return tx.Put(e)
}
