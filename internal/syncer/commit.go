package syncer

import (
	"context"
	"time"

	"github.com/driftlab/driftsync/internal/directory"
	"github.com/driftlab/driftsync/internal/modeltype"
	"github.com/driftlab/driftsync/internal/sessions"
	"github.com/driftlab/driftsync/internal/status"
	"github.com/driftlab/driftsync/internal/transport"
)

// buildCommitRequest snapshots the unsynced entries and picks the batch that
// goes on the wire. Deleted entries the server never learned about need no
// round trip; their unsynced mark is simply dropped so the store can vacuum
// them.
func (sy *Syncer) buildCommitRequest(s *sessions.SyncSession, cy *cycle) {
	cy.request = nil
	ctx := s.Context()
	dir, ok := ctx.Directory()
	if !ok {
		return
	}
	global := s.Status().Global()
	limit := ctx.MaxCommitBatchSize()

	var ids []string
	var stillborn []int64
	_ = dir.View(func(tx *directory.ReadTx) error {
		handles := tx.UnsyncedHandles()
		global.SetUnsyncedHandles(handles)
		for _, h := range handles {
			e, ok := tx.EntryByHandle(h)
			if !ok {
				continue
			}
			if e.Deleted && e.ID.IsLocal() {
				stillborn = append(stillborn, h)
				continue
			}
			if e.UnappliedUpdate {
				// In conflict with a downloaded update. The resolver rules
				// on it first; committing now would clobber the verdict.
				continue
			}
			if len(cy.request) == limit {
				continue
			}
			cy.request = append(cy.request, commitEntity(dir.CacheGUID(), &e))
			ids = append(ids, string(e.ID))
		}
		return nil
	})
	global.SetCommitIDs(ids)

	if len(stillborn) == 0 {
		return
	}
	err := dir.Update(directory.WriterSyncer, func(tx *directory.WriteTx) error {
		for _, h := range stillborn {
			e, ok := tx.EntryByHandle(h)
			if !ok {
				continue
			}
			e.Unsynced = false
			if err := tx.Put(e); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		ctx.Logger().Error("drop uncommitted deletions", "error", err)
	}
}

// commitEntity is the wire form of one local change. Entries on their first
// commit go out at version zero and name this client as originator so the
// server can deduplicate retried creates.
func commitEntity(cacheGUID string, e *directory.EntryKernel) transport.Entity {
	entity := transport.Entity{
		ID:        string(e.ID),
		ParentID:  string(e.ParentID),
		Version:   e.BaseVersion,
		Name:      e.Name,
		Deleted:   e.Deleted,
		Folder:    e.Folder,
		Position:  e.Position,
		CTime:     e.CTime.Unix(),
		MTime:     e.MTime.Unix(),
		Specifics: decodeSpecifics(e.Specifics),
	}
	if e.BaseVersion == directory.BaseVersionNone {
		entity.Version = 0
	}
	if e.ID.IsLocal() {
		entity.OriginatorCacheGUID = cacheGUID
		entity.OriginatorClientItemID = string(e.ID)
	}
	return entity
}

// postCommitMessage ships the batch. Transport failures record the commit
// result immediately; per-entity verdicts wait for the response step.
func (sy *Syncer) postCommitMessage(s *sessions.SyncSession, cy *cycle) {
	cy.commit = nil
	if len(cy.request) == 0 {
		return
	}
	ctx := s.Context()
	dir, ok := ctx.Directory()
	if !ok {
		return
	}
	global := s.Status().Global()
	resp, err := ctx.Connection().Commit(context.Background(), &transport.CommitRequest{
		CacheGUID: dir.CacheGUID(),
		Entities:  cy.request,
	})
	if err != nil {
		ctx.Logger().Warn("commit failed", "error", err, "entities", len(cy.request))
		global.SetCommitResult(exchangeResult(ctx.Connection()))
		return
	}
	if resp.Error != nil {
		perr := resp.Error.ToProtocolError()
		sy.handleProtocolError(s, perr, time.Duration(resp.ThrottleDelaySeconds)*time.Second)
		if perr.Type == transport.ErrorInvalidCredential {
			global.SetCommitResult(status.ResultAuthError)
		} else {
			global.SetCommitResult(status.ResultServerError)
		}
		return
	}
	cy.commit = resp
}

// processCommitResponse applies the server's per-entity verdicts. Successes
// take their new id and version, conflicts go to the resolver's worklist, and
// anything transient fails the commit as a whole so the scheduler retries.
func (sy *Syncer) processCommitResponse(s *sessions.SyncSession, cy *cycle) {
	if cy.commit == nil || len(cy.request) == 0 {
		return
	}
	ctx := s.Context()
	dir, ok := ctx.Directory()
	if !ok {
		return
	}
	global := s.Status().Global()
	routes := s.RoutingInfo()

	verdicts := make(map[string]transport.CommitResult, len(cy.commit.Results))
	for _, r := range cy.commit.Results {
		verdicts[r.ID] = r
	}

	conflicts := 0
	transients := 0
	err := dir.Update(directory.WriterSyncer, func(tx *directory.WriteTx) error {
		for i := range cy.request {
			submitted := &cy.request[i]
			verdict, answered := verdicts[submitted.ID]
			if !answered {
				ctx.Logger().Warn("commit verdict missing", "id", submitted.ID)
				transients++
				continue
			}
			switch verdict.Response {
			case transport.CommitSuccess:
				sy.recordCommitSuccess(s, tx, submitted.ID, &verdict)
			case transport.CommitConflict:
				conflicts++
				t := submitted.ModelType()
				if group, err := s.Status().Group(routes.GroupFor(t)); err == nil {
					group.AddConflictingItem(submitted.ID)
				}
			default:
				ctx.Logger().Warn("commit rejected",
					"id", submitted.ID, "response", verdict.Response)
				transients++
			}
		}
		return nil
	})
	if err != nil {
		ctx.Logger().Error("process commit response", "error", err)
	}

	global.IncrementNumConflictingCommitsBy(conflicts)
	if transients > 0 {
		global.SetCommitResult(status.ResultServerError)
	} else {
		global.SetCommitResult(status.ResultOK)
	}
}

// recordCommitSuccess finalizes one committed entry: the server id replaces a
// local one, versions advance, and the unsynced mark clears.
func (sy *Syncer) recordCommitSuccess(s *sessions.SyncSession, tx *directory.WriteTx, id string, verdict *transport.CommitResult) {
	e, ok := tx.EntryByID(directory.ID(id))
	if !ok {
		return
	}
	if verdict.NewID != "" && verdict.NewID != id {
		if err := tx.ChangeEntryID(e.ID, directory.ID(verdict.NewID)); err != nil {
			s.Context().Logger().Error("adopt server id",
				"id", id, "newId", verdict.NewID, "error", err)
			return
		}
		e, ok = tx.EntryByID(directory.ID(verdict.NewID))
		if !ok {
			return
		}
	}
	e.BaseVersion = verdict.NewVersion
	e.ServerVersion = verdict.NewVersion
	if verdict.Position != 0 {
		e.Position = verdict.Position
	}
	e.Unsynced = false
	if err := tx.Put(e); err != nil {
		s.Context().Logger().Error("record commit", "id", id, "error", err)
		return
	}
	global := s.Status().Global()
	global.IncrementNumSuccessfulCommits()
	if e.Type == modeltype.Bookmarks {
		global.IncrementNumSuccessfulBookmarkCommits()
	}
	global.SetItemsCommitted()
}
