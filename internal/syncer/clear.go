package syncer

import (
	"context"

	"github.com/driftlab/driftsync/internal/modeltype"
	"github.com/driftlab/driftsync/internal/sessions"
	"github.com/driftlab/driftsync/internal/transport"
)

// clearPrivateData asks the server to wipe the account. On success every
// listener hears about it and syncing shuts down for good; the embedder
// decides what happens to the local store.
func (sy *Syncer) clearPrivateData(s *sessions.SyncSession) {
	ctx := s.Context()
	dir, ok := ctx.Directory()
	if !ok {
		return
	}
	resp, err := ctx.Connection().ClearUserData(context.Background(), &transport.ClearUserDataRequest{
		CacheGUID: dir.CacheGUID(),
	})
	if err != nil {
		ctx.Logger().Warn("clear user data failed", "error", err)
		ctx.NotifyListeners(sessions.Event{Cause: sessions.EventClearServerDataFailed})
		return
	}
	if resp.Error != nil {
		sy.handleProtocolError(s, resp.Error.ToProtocolError(), 0)
		ctx.NotifyListeners(sessions.Event{Cause: sessions.EventClearServerDataFailed})
		return
	}
	ctx.Logger().Info("server data cleared", "account", ctx.AccountName())
	ctx.NotifyListeners(sessions.Event{Cause: sessions.EventClearServerDataSucceeded})
	s.Delegate().OnShouldStopSyncingPermanently()
}

// cleanupDisabledTypes purges local data for types that were routed in the
// previous cycle but are gone from this one. Purging resets their download
// progress, so re-enabling a type starts it over from scratch.
func (sy *Syncer) cleanupDisabledTypes(s *sessions.SyncSession) {
	ctx := s.Context()
	previous := ctx.PreviousSessionRoutingInfo()
	if len(previous) == 0 {
		return
	}
	disabled := modeltype.Difference(previous.TypeSet(), s.RoutingInfo().TypeSet())
	if disabled.Empty() {
		return
	}
	dir, ok := ctx.Directory()
	if !ok {
		return
	}
	ctx.Logger().Info("purging disabled types", "types", disabled)
	if err := dir.PurgeEntriesWithTypeIn(disabled); err != nil {
		ctx.Logger().Error("purge disabled types", "error", err)
	}
}
