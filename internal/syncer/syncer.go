// Package syncer executes sync cycles. A Syncer walks the step state machine
// over one session: download changes from the server, stage them as unapplied
// server state, apply them to the directory on the right workers, commit
// local changes back, and resolve whatever conflicts remain. The scheduler
// decides when cycles run and with which step range; the syncer only knows
// how to run them.
package syncer

import (
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/driftlab/driftsync/internal/sessions"
	"github.com/driftlab/driftsync/internal/status"
	"github.com/driftlab/driftsync/internal/transport"
)

// defaultThrottleDelay applies when the server throttles without advertising
// how long to stay away.
const defaultThrottleDelay = 2 * time.Hour

// Syncer runs one cycle at a time on the scheduler goroutine. The only
// cross-goroutine entry point is RequestEarlyExit, which latches: a syncer
// asked to exit abandons the current cycle at the next step boundary and
// refuses to start new ones.
type Syncer struct {
	clock  clockwork.Clock
	logger *slog.Logger

	earlyExit atomic.Bool
}

// New builds a Syncer. A nil clock means wall clock and a nil logger means
// slog.Default().
func New(clock clockwork.Clock, logger *slog.Logger) *Syncer {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Syncer{clock: clock, logger: logger}
}

// RequestEarlyExit stops the syncer at the next step boundary. Safe to call
// from any goroutine. The latch never resets.
func (sy *Syncer) RequestEarlyExit() { sy.earlyExit.Store(true) }

// ExitRequested reports whether RequestEarlyExit has been called.
func (sy *Syncer) ExitRequested() bool { return sy.earlyExit.Load() }

// cycle is the scratch state threaded between the steps of one SyncShare
// call: the latest download response and the in-flight commit.
type cycle struct {
	resp     *transport.DownloadUpdatesResponse
	verified []transport.Entity
	request  []transport.Entity
	commit   *transport.CommitResponse
}

// SyncShare runs the steps from begin through end inclusive over s. Outcomes
// land in the session's status controller; listeners hear a status-changed
// event between steps whenever observable state moved.
func (sy *Syncer) SyncShare(s *sessions.SyncSession, begin, end Step) {
	cy := &cycle{}
	current := begin
	for !sy.ExitRequested() {
		sy.logger.Debug("syncer step", "step", current, "source", s.Source().Source)
		switch current {
		case StepBegin:
			sy.begin(s)
		case StepCleanupDisabledTypes:
			sy.cleanupDisabledTypes(s)
		case StepDownloadUpdates:
			sy.downloadUpdates(s, cy)
		case StepProcessClientCommand:
			sy.processClientCommand(s, cy)
		case StepVerifyUpdates:
			sy.verifyUpdates(s, cy)
		case StepProcessUpdates:
			sy.processUpdates(s, cy)
		case StepStoreTimestamps:
			sy.storeTimestamps(s, cy)
		case StepApplyUpdates:
			sy.applyUpdates(s)
		case StepBuildCommitRequest:
			sy.buildCommitRequest(s, cy)
		case StepPostCommitMessage:
			sy.postCommitMessage(s, cy)
		case StepProcessCommitResponse:
			sy.processCommitResponse(s, cy)
		case StepResolveConflicts:
			sy.resolveConflicts(s)
		case StepClearPrivateData:
			sy.clearPrivateData(s)
		case StepEnd:
			sy.end(s)
		}
		if current == end {
			break
		}
		if s.Status().TestAndClearIsDirty() {
			s.Context().NotifyListeners(sessions.Event{
				Cause:    sessions.EventStatusChanged,
				Snapshot: s.TakeSnapshot(),
			})
		}
		current = nextStep(s, current)
	}
}

// nextStep is the cycle's transition table. Downloading loops back on itself
// until the server has nothing more batched, and a pass with nothing to
// commit skips straight to conflict resolution.
func nextStep(s *sessions.SyncSession, current Step) Step {
	st := s.Status()
	switch current {
	case StepBegin:
		return StepCleanupDisabledTypes
	case StepCleanupDisabledTypes:
		return StepDownloadUpdates
	case StepDownloadUpdates:
		return StepProcessClientCommand
	case StepProcessClientCommand:
		return StepVerifyUpdates
	case StepVerifyUpdates:
		return StepProcessUpdates
	case StepProcessUpdates:
		return StepStoreTimestamps
	case StepStoreTimestamps:
		if st.DownloadUpdatesSucceeded() && !st.ServerSaysNothingMoreToDownload() {
			return StepDownloadUpdates
		}
		return StepApplyUpdates
	case StepApplyUpdates:
		return StepBuildCommitRequest
	case StepBuildCommitRequest:
		if len(st.CommitIDs()) == 0 {
			return StepResolveConflicts
		}
		return StepPostCommitMessage
	case StepPostCommitMessage:
		return StepProcessCommitResponse
	case StepProcessCommitResponse:
		return StepResolveConflicts
	default:
		return StepEnd
	}
}

func (sy *Syncer) begin(s *sessions.SyncSession) {
	global := s.Status().Global()
	global.SetSyncing(true)
	global.ResetConflictsResolved()
}

// end closes the cycle and tells every listener how it went. Initial sync
// completion is recorded by the timestamp step, not here, so configuration
// ranges that stop before SYNCER_END still make first-download progress.
func (sy *Syncer) end(s *sessions.SyncSession) {
	s.Status().Global().SetSyncing(false)
	s.Context().NotifyListeners(sessions.Event{
		Cause:    sessions.EventSyncCycleEnded,
		Snapshot: s.TakeSnapshot(),
	})
}

// handleProtocolError records the server's verdict and fans it out to the
// delegate hooks that act on it. Throttling silences the scheduler, birthday
// mismatches and pending clears end syncing for good, and everything else is
// left to the delegate's protocol error handling.
func (sy *Syncer) handleProtocolError(s *sessions.SyncSession, perr transport.SyncProtocolError, throttle time.Duration) {
	s.Status().Global().SetSyncProtocolError(perr)
	sy.logger.Warn("server returned protocol error",
		"type", perr.Type, "action", perr.Action, "description", perr.Description)
	switch perr.Type {
	case transport.ErrorThrottled:
		if throttle <= 0 {
			throttle = defaultThrottleDelay
		}
		s.Delegate().OnSilencedUntil(sy.clock.Now().Add(throttle))
	case transport.ErrorNotMyBirthday, transport.ErrorClearPending:
		s.Delegate().OnShouldStopSyncingPermanently()
	}
	s.Delegate().OnSyncProtocolError(s.TakeSnapshot())
}

// exchangeResult classifies a failed server exchange by what the connection
// manager learned from it.
func exchangeResult(conn sessions.ServerConnection) status.Result {
	if conn.Status() == transport.ConnectionAuthError {
		return status.ResultAuthError
	}
	return status.ResultNetworkError
}
