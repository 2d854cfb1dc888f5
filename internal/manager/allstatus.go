package manager

import (
	"log/slog"
	"sync"
	"time"

	"github.com/driftlab/driftsync/internal/sessions"
	"github.com/driftlab/driftsync/internal/transport"
)

// SyncStatus is the cumulative, cross-cycle view of the engine. Lifetime
// counters only ever grow; the per-cycle fields describe the most recent
// cycle and reset when a new one begins reporting.
type SyncStatus struct {
	Connection            transport.ConnectionCode `json:"connection"`
	NotificationsEnabled  bool                     `json:"notificationsEnabled"`
	NotificationsReceived int64                    `json:"notificationsReceived"`

	// Lifetime counters.
	UpdatesReceived    int64 `json:"updatesReceived"`
	TombstonesReceived int64 `json:"tombstonesReceived"`
	SuccessfulCommits  int64 `json:"successfulCommits"`
	LocalOverwrites    int64 `json:"localOverwrites"`
	ServerOverwrites   int64 `json:"serverOverwrites"`
	CyclesCompleted    int64 `json:"cyclesCompleted"`

	// Most recent cycle.
	Syncing              bool      `json:"syncing"`
	InitialSyncEnded     bool      `json:"initialSyncEnded"`
	UnsyncedCount        int64     `json:"unsyncedCount"`
	ConflictingCount     int       `json:"conflictingCount"`
	UpdatesAvailable     int64     `json:"updatesAvailable"`
	MaxConsecutiveErrors int       `json:"maxConsecutiveErrors"`
	LastSyncedAt         time.Time `json:"lastSyncedAt"`

	ProtocolError transport.SyncProtocolError `json:"protocolError"`
}

// AllStatus folds engine and transport events into one SyncStatus. Events
// arrive on the scheduler or transport goroutines; readers take a by-value
// copy through Status. It registers as a session event listener and a
// connection listener.
type AllStatus struct {
	logger *slog.Logger
	now    func() time.Time

	mu     sync.Mutex
	status SyncStatus
}

func NewAllStatus(logger *slog.Logger, now func() time.Time) *AllStatus {
	if logger == nil {
		logger = slog.Default()
	}
	if now == nil {
		now = time.Now
	}
	return &AllStatus{logger: logger, now: now}
}

// Status returns a copy of the current aggregate.
func (a *AllStatus) Status() SyncStatus {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

// OnSyncEngineEvent implements sessions.EventListener.
func (a *AllStatus) OnSyncEngineEvent(event sessions.Event) {
	switch event.Cause {
	case sessions.EventStatusChanged, sessions.EventSyncCycleEnded:
		if event.Snapshot == nil {
			a.logger.Warn("status event without snapshot", "cause", event.Cause)
			return
		}
		a.mu.Lock()
		a.status = a.calcSyncing(event.Snapshot, event.Cause == sessions.EventSyncCycleEnded)
		a.mu.Unlock()
	case sessions.EventStopSyncingPermanently,
		sessions.EventClearServerDataSucceeded,
		sessions.EventClearServerDataFailed,
		sessions.EventUpdatedToken,
		sessions.EventActionableError:
		// Observed by the manager's forwarders; nothing to aggregate.
	default:
		a.logger.Warn("unexpected sync engine event", "cause", event.Cause)
	}
}

// OnConnectionEvent implements transport.Listener.
func (a *AllStatus) OnConnectionEvent(e transport.Event) {
	a.mu.Lock()
	a.status.Connection = e.Code
	a.mu.Unlock()
}

// SetNotificationsEnabled records the push channel's health.
func (a *AllStatus) SetNotificationsEnabled(enabled bool) {
	a.mu.Lock()
	a.status.NotificationsEnabled = enabled
	a.mu.Unlock()
}

// IncrementNotificationsReceived counts one arrived invalidation.
func (a *AllStatus) IncrementNotificationsReceived() {
	a.mu.Lock()
	a.status.NotificationsReceived++
	a.mu.Unlock()
}

// createBlankStatus starts a fresh per-cycle view, carrying every lifetime
// counter forward untouched. Callers hold a.mu.
func (a *AllStatus) createBlankStatus() SyncStatus {
	next := a.status
	next.Syncing = false
	next.InitialSyncEnded = false
	next.UnsyncedCount = 0
	next.ConflictingCount = 0
	next.UpdatesAvailable = 0
	next.ProtocolError = transport.SyncProtocolError{}
	return next
}

// calcSyncing merges one snapshot into a blank per-cycle view. Lifetime
// counters accumulate only when the cycle has ended, so mid-cycle status
// events cannot double-count. Callers hold a.mu.
func (a *AllStatus) calcSyncing(snap *sessions.Snapshot, cycleEnded bool) SyncStatus {
	next := a.createBlankStatus()
	next.Syncing = snap.HasMoreToSync || snap.UnsyncedCount > 0 ||
		snap.NumServerChangesRemaining > 0
	next.InitialSyncEnded = snap.IsShareUsable
	next.UnsyncedCount = snap.UnsyncedCount
	next.ConflictingCount = snap.NumConflictingUpdates
	next.UpdatesAvailable = snap.NumServerChangesRemaining
	next.ProtocolError = snap.Errors.ProtocolError
	if snap.Errors.ConsecutiveErrors > next.MaxConsecutiveErrors {
		next.MaxConsecutiveErrors = snap.Errors.ConsecutiveErrors
	}
	if cycleEnded {
		next.UpdatesReceived += int64(snap.SyncerStatus.NumUpdatesDownloadedTotal)
		next.TombstonesReceived += int64(snap.SyncerStatus.NumTombstoneUpdatesDownloadedTotal)
		next.SuccessfulCommits += int64(snap.SyncerStatus.NumSuccessfulCommits)
		next.LocalOverwrites += int64(snap.SyncerStatus.NumLocalOverwrites)
		next.ServerOverwrites += int64(snap.SyncerStatus.NumServerOverwrites)
		next.CyclesCompleted++
		next.LastSyncedAt = a.now()
	}
	return next
}
