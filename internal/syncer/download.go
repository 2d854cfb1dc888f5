package syncer

import (
	"context"
	"time"

	"github.com/driftlab/driftsync/internal/directory"
	"github.com/driftlab/driftsync/internal/modeltype"
	"github.com/driftlab/driftsync/internal/routing"
	"github.com/driftlab/driftsync/internal/sessions"
	"github.com/driftlab/driftsync/internal/status"
	"github.com/driftlab/driftsync/internal/transport"
)

// defaultDownloadBatchSize caps how many entities one download round trip
// asks for. The server may return fewer and reports what remains.
const defaultDownloadBatchSize = 100

// downloadUpdates runs one GetUpdates round trip for every routed type,
// starting each from its stored progress watermark. The raw response is kept
// on the cycle for the steps that follow.
func (sy *Syncer) downloadUpdates(s *sessions.SyncSession, cy *cycle) {
	ctx := s.Context()
	global := s.Status().Global()
	dir, ok := ctx.Directory()
	if !ok {
		ctx.Logger().Error("download updates: no directory open", "account", ctx.AccountName())
		return
	}

	routes := s.RoutingInfo()
	payloads := s.Source().Types
	req := &transport.DownloadUpdatesRequest{
		CacheGUID:            dir.CacheGUID(),
		Source:               s.Source().Source.String(),
		FromTimestamps:       make(map[modeltype.ModelType]int64, len(routes)),
		TypePayloads:         make(map[modeltype.ModelType]string, len(routes)),
		NotificationsEnabled: ctx.NotificationsEnabled(),
		BatchSize:            defaultDownloadBatchSize,
	}
	for t := range routes {
		req.FromTimestamps[t] = dir.DownloadProgress(t)
		req.TypePayloads[t] = payloads[t]
	}

	resp, err := ctx.Connection().DownloadUpdates(context.Background(), req)
	if err != nil {
		ctx.Logger().Warn("download updates failed", "error", err)
		global.SetLastDownloadUpdatesResult(exchangeResult(ctx.Connection()))
		return
	}
	cy.resp = resp
	global.IncrementNumUpdatesDownloadedBy(len(resp.Entities))
	if resp.Error != nil {
		perr := resp.Error.ToProtocolError()
		sy.handleProtocolError(s, perr, time.Duration(resp.ThrottleDelaySeconds)*time.Second)
		if perr.Type == transport.ErrorInvalidCredential {
			global.SetLastDownloadUpdatesResult(status.ResultAuthError)
		} else {
			global.SetLastDownloadUpdatesResult(status.ResultServerError)
		}
		return
	}
	global.SetLastDownloadUpdatesResult(status.ResultOK)
}

// processClientCommand applies the tuning values the server piggybacked on
// the download response. Zero fields mean the server had no update.
func (sy *Syncer) processClientCommand(s *sessions.SyncSession, cy *cycle) {
	resp := cy.resp
	if resp == nil {
		return
	}
	d := s.Delegate()
	if resp.ShortPollIntervalSeconds > 0 {
		d.OnReceivedShortPollIntervalUpdate(time.Duration(resp.ShortPollIntervalSeconds) * time.Second)
	}
	if resp.LongPollIntervalSeconds > 0 {
		d.OnReceivedLongPollIntervalUpdate(time.Duration(resp.LongPollIntervalSeconds) * time.Second)
	}
	if resp.SessionsCommitDelaySeconds > 0 {
		d.OnReceivedSessionsCommitDelay(time.Duration(resp.SessionsCommitDelaySeconds) * time.Second)
	}
}

// verifyUpdates classifies each downloaded entity before anything touches
// the directory. Only entities that pass move on to staging.
func (sy *Syncer) verifyUpdates(s *sessions.SyncSession, cy *cycle) {
	cy.verified = cy.verified[:0]
	if cy.resp == nil || len(cy.resp.Entities) == 0 {
		return
	}
	ctx := s.Context()
	dir, ok := ctx.Directory()
	if !ok {
		return
	}
	routes := s.RoutingInfo()
	st := s.Status()
	_ = dir.View(func(tx *directory.ReadTx) error {
		for i := range cy.resp.Entities {
			entity := &cy.resp.Entities[i]
			result := verifyUpdate(tx, entity, routes)
			group, err := st.Group(routes.GroupFor(entity.ModelType()))
			if err != nil {
				ctx.Logger().Error("verify updates", "id", entity.ID, "error", err)
				continue
			}
			group.AddVerifyResult(result, entity.ID)
			if result == status.VerifySuccess || result == status.VerifyUndelete {
				cy.verified = append(cy.verified, *entity)
			} else {
				ctx.Logger().Debug("update dropped at verification",
					"id", entity.ID, "result", result)
			}
		}
		return nil
	})
}

func verifyUpdate(tx *directory.ReadTx, entity *transport.Entity, routes routing.Info) status.VerifyResult {
	id := directory.ID(entity.ID)
	if id == "" || id.IsRoot() {
		return status.VerifyFail
	}
	t := entity.ModelType()
	target, exists := tx.EntryByID(id)
	if !exists {
		if entity.Deleted {
			// Deleting something never seen needs no work.
			return status.VerifySkip
		}
		if t == modeltype.Unspecified {
			return status.VerifySkip
		}
		if _, routed := routes[t]; !routed {
			return status.VerifySkip
		}
		return status.VerifySuccess
	}
	if entity.Deleted {
		// Deletions are lightweight and carry no payload to distrust.
		return status.VerifySuccess
	}
	if t == modeltype.Unspecified {
		return status.VerifySkip
	}
	if t != target.Type || entity.Folder != target.Folder {
		return status.VerifyFail
	}
	if target.ServerVersion > 0 && entity.Version < target.ServerVersion {
		// A newer version was already staged.
		return status.VerifySkip
	}
	if target.ServerDeleted || (target.Deleted && !target.Unsynced && target.BaseVersion > 0) {
		return status.VerifyUndelete
	}
	return status.VerifySuccess
}

// processUpdates stages every verified entity into the directory's server
// shadow fields. Visible data does not move until the apply step.
func (sy *Syncer) processUpdates(s *sessions.SyncSession, cy *cycle) {
	if len(cy.verified) == 0 {
		return
	}
	ctx := s.Context()
	dir, ok := ctx.Directory()
	if !ok {
		return
	}
	tombstones := 0
	err := dir.Update(directory.WriterSyncer, func(tx *directory.WriteTx) error {
		for i := range cy.verified {
			entity := &cy.verified[i]
			if entity.Deleted {
				tombstones++
			}
			if err := stageUpdate(tx, entity); err != nil {
				ctx.Logger().Error("stage update", "id", entity.ID, "error", err)
			}
		}
		return nil
	})
	if err != nil {
		ctx.Logger().Error("process updates", "error", err)
	}
	if tombstones > 0 {
		s.Status().Global().IncrementNumTombstoneUpdatesDownloadedBy(tombstones)
	}
}

// stageUpdate lands one update in the entry's server shadow fields. First
// sightings come in as invisible placeholders that stay Deleted until apply
// makes them real.
func stageUpdate(tx *directory.WriteTx, entity *transport.Entity) error {
	id := directory.ID(entity.ID)
	parent := directory.ID(entity.ParentID)
	if parent == "" {
		parent = directory.Root
	}
	target, exists := tx.EntryByID(id)
	if !exists {
		placeholder := directory.EntryKernel{
			ID:          id,
			ParentID:    parent,
			Type:        entity.ModelType(),
			Folder:      entity.Folder,
			Deleted:     true,
			BaseVersion: directory.BaseVersionNone,
		}
		if entity.CTime > 0 {
			placeholder.CTime = time.Unix(entity.CTime, 0).UTC()
		}
		if entity.MTime > 0 {
			placeholder.MTime = time.Unix(entity.MTime, 0).UTC()
		}
		created, err := tx.Create(placeholder)
		if err != nil {
			return err
		}
		target = created
	}

	if entity.Deleted {
		if target.ServerDeleted {
			// Our own committed deletion must not clobber a later undeletion.
			return nil
		}
		target.ServerDeleted = true
		target.ServerVersion = max(target.ServerVersion, target.BaseVersion) + 1
		target.UnappliedUpdate = true
		return tx.Put(target)
	}

	target.ServerParentID = parent
	target.ServerName = entity.Name
	target.ServerVersion = entity.Version
	target.ServerPosition = entity.Position
	target.ServerSpecifics = encodeSpecifics(entity.Specifics)
	target.ServerDeleted = false
	if entity.Version > target.BaseVersion {
		target.UnappliedUpdate = true
	}
	return tx.Put(target)
}

// storeTimestamps persists the new progress watermarks and decides whether
// the download loop has drained the server. A clean drain is what completes
// a type's initial sync.
func (sy *Syncer) storeTimestamps(s *sessions.SyncSession, cy *cycle) {
	resp := cy.resp
	if resp == nil {
		return
	}
	dir, ok := s.Context().Directory()
	if !ok {
		return
	}
	for t, ts := range resp.NewTimestamps {
		dir.SetDownloadProgress(t, ts)
	}
	s.Status().Global().SetNumServerChangesRemaining(resp.ChangesRemaining)
	if s.Status().ServerSaysNothingMoreToDownload() {
		for t := range s.RoutingInfo() {
			dir.MarkInitialSyncEnded(t)
		}
	}
}
