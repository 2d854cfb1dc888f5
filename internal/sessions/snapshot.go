package sessions

import (
	"github.com/driftlab/driftsync/internal/modeltype"
	"github.com/driftlab/driftsync/internal/status"
)

// Snapshot is an immutable copy of session and store state taken when a
// status event fires. It is safe to hand across goroutines and feeds the
// manager's aggregated status, the observers and the debug surface.
type Snapshot struct {
	SyncerStatus              status.SyncerStatus
	Errors                    status.ErrorCounters
	NumServerChangesRemaining int64
	IsShareUsable             bool
	InitialSyncEnded          modeltype.Set
	DownloadProgress          map[modeltype.ModelType]int64
	HasMoreToSync             bool
	IsSilenced                bool
	UnsyncedCount             int64
	NumConflictingUpdates     int
	NumSimpleConflicts        int
	NumHierarchyConflicts     int
	NumEncryptionConflicts    int
	NumServerConflicts        int
	DidCommitItems            bool
	Source                    SourceInfo
	NumEntries                int
}

// TakeSnapshot folds the session status and the backing directory state into
// one view. The share counts as usable only once every routed type has
// finished its initial sync.
func (s *SyncSession) TakeSnapshot() *Snapshot {
	dir, ok := s.context.Directory()
	if !ok {
		s.context.logger.Error("directory lookup failed while snapshotting",
			"account", s.context.AccountName())
	}

	usable := ok
	var initialSyncEnded modeltype.Set
	progress := make(map[modeltype.ModelType]int64, modeltype.Count)
	entries := 0
	if ok {
		for t := modeltype.FirstRealType; t <= modeltype.LastRealType; t++ {
			if _, routed := s.routes[t]; routed {
				if dir.InitialSyncEnded(t) {
					initialSyncEnded = initialSyncEnded.With(t)
				} else {
					usable = false
				}
			}
			progress[t] = dir.DownloadProgress(t)
		}
		entries = dir.EntriesCount()
	}

	return &Snapshot{
		SyncerStatus:              s.status.SyncerStatus(),
		Errors:                    s.status.Errors(),
		NumServerChangesRemaining: s.status.NumServerChangesRemaining(),
		IsShareUsable:             usable,
		InitialSyncEnded:          initialSyncEnded,
		DownloadProgress:          progress,
		HasMoreToSync:             s.HasMoreToSync(),
		IsSilenced:                s.delegate.IsSyncingCurrentlySilenced(),
		UnsyncedCount:             int64(len(s.status.UnsyncedHandles())),
		NumConflictingUpdates:     s.status.TotalNumConflictingItems(),
		NumSimpleConflicts:        s.status.TotalNumSimpleConflicts(),
		NumHierarchyConflicts:     s.status.TotalNumHierarchyConflicts(),
		NumEncryptionConflicts:    s.status.TotalNumEncryptionConflicts(),
		NumServerConflicts:        s.status.TotalNumServerConflicts(),
		DidCommitItems:            s.status.ItemsCommitted(),
		Source:                    SourceInfo{Source: s.source.Source, Types: s.source.Types.Copy()},
		NumEntries:                entries,
	}
}
