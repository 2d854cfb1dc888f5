package sessions

import (
	"fmt"
	"time"
)

// EventCause labels the engine events fanned out to listeners as cycles
// progress.
type EventCause int

const (
	EventStatusChanged EventCause = iota
	EventSyncCycleEnded
	EventStopSyncingPermanently
	EventClearServerDataSucceeded
	EventClearServerDataFailed
	EventUpdatedToken
	EventActionableError
)

var eventCauseNames = []string{
	"STATUS_CHANGED",
	"SYNC_CYCLE_ENDED",
	"STOP_SYNCING_PERMANENTLY",
	"CLEAR_SERVER_DATA_SUCCEEDED",
	"CLEAR_SERVER_DATA_FAILED",
	"UPDATED_TOKEN",
	"ACTIONABLE_ERROR",
}

func (c EventCause) String() string {
	if c < 0 || int(c) >= len(eventCauseNames) {
		return fmt.Sprintf("EventCause(%d)", int(c))
	}
	return eventCauseNames[c]
}

// Event is delivered to every EventListener registered on the Context.
// Snapshot is set for status, cycle-ended and actionable-error events;
// UpdatedToken only for token updates.
type Event struct {
	Cause        EventCause
	Snapshot     *Snapshot
	UpdatedToken string
}

// EventListener receives engine events on the scheduler goroutine, in
// registration order. Handlers must not block and must not call back into
// the scheduler synchronously.
type EventListener interface {
	OnSyncEngineEvent(event Event)
}

// Delegate is the scheduler-facing side of a session. The syncer reports
// server-driven control changes through it while a cycle is in flight.
type Delegate interface {
	// OnSilencedUntil tells the scheduler the server has throttled us and no
	// traffic may be sent before the given time.
	OnSilencedUntil(silencedUntil time.Time)

	// IsSyncingCurrentlySilenced reports whether a server throttle is in
	// effect right now.
	IsSyncingCurrentlySilenced() bool

	// OnReceivedShortPollIntervalUpdate applies a server-pushed short poll
	// interval.
	OnReceivedShortPollIntervalUpdate(newInterval time.Duration)

	// OnReceivedLongPollIntervalUpdate applies a server-pushed long poll
	// interval.
	OnReceivedLongPollIntervalUpdate(newInterval time.Duration)

	// OnReceivedSessionsCommitDelay applies a server-pushed commit delay for
	// SESSIONS-typed local changes.
	OnReceivedSessionsCommitDelay(newDelay time.Duration)

	// OnShouldStopSyncingPermanently is the server telling this client to
	// stop syncing for good, e.g. after the account's data was cleared.
	OnShouldStopSyncingPermanently()

	// OnSyncProtocolError reports a server-specified error recorded during
	// the in-flight cycle, so the scheduler can abort the remaining steps or
	// surface an actionable error to observers.
	OnSyncProtocolError(snapshot *Snapshot)
}
