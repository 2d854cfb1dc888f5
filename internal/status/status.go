// Package status aggregates the counters and flags produced by one sync
// cycle. A Controller is owned by its session, lives on the sync goroutine,
// and is rebuilt whenever the session resets transient state, so everything
// here is per-cycle; lifetime aggregation happens in the manager layer.
//
// Access is split into typed views. Cross-group state is mutated through a
// GlobalView and per-group state through a GroupView, so mixing the two up
// is a compile error rather than a runtime assertion.
package status

import (
	"fmt"

	"github.com/driftlab/driftsync/internal/modeltype"
	"github.com/driftlab/driftsync/internal/routing"
	"github.com/driftlab/driftsync/internal/transport"
)

// Result classifies the outcome of a syncer step that talked to the server.
type Result int

const (
	ResultUnset Result = iota
	ResultOK
	ResultNetworkError
	ResultServerError
	ResultAuthError
)

func (r Result) String() string {
	switch r {
	case ResultUnset:
		return "UNSET"
	case ResultOK:
		return "OK"
	case ResultNetworkError:
		return "NETWORK_ERROR"
	case ResultServerError:
		return "SERVER_ERROR"
	case ResultAuthError:
		return "AUTH_ERROR"
	}
	return "INVALID"
}

// SyncerStatus carries the cycle's cross-group work counters. It is copied
// into snapshots by value.
type SyncerStatus struct {
	InvalidStore                       bool
	NumSuccessfulCommits               int
	NumSuccessfulBookmarkCommits       int
	NumUpdatesDownloadedTotal          int
	NumTombstoneUpdatesDownloadedTotal int
	TypesNeedingLocalMigration         modeltype.Set
	NumLocalOverwrites                 int
	NumServerOverwrites                int
}

// ErrorCounters tracks failures within the cycle. ConsecutiveErrors resets
// whenever a download or commit step succeeds.
type ErrorCounters struct {
	NumConflictingCommits            int
	ConsecutiveTransientErrorCommits int
	ConsecutiveErrors                int
	ProtocolError                    transport.SyncProtocolError
}

// Controller is the mutable per-cycle status record. It is confined to the
// sync goroutine; cross-thread readers only ever see value copies taken from
// it while it is quiescent.
type Controller struct {
	routes routing.Info
	dirty  bool

	syncerStatus SyncerStatus
	errors       ErrorCounters

	numServerChangesRemaining int64
	syncing                   bool
	unsyncedHandles           []int64
	commitIDs                 []string
	itemsCommitted            bool
	conflictsResolved         bool

	lastDownloadResult Result
	lastCommitResult   Result

	groups map[routing.ModelSafeGroup]*groupState
}

// NewController builds a blank cycle record scoped to the session's routes.
func NewController(routes routing.Info) *Controller {
	return &Controller{
		routes: routes.Copy(),
		groups: make(map[routing.ModelSafeGroup]*groupState),
	}
}

// TestAndClearIsDirty reports whether observable state changed since the
// last call and resets the flag. The syncer polls it between steps to decide
// whether a status-changed event is due.
func (c *Controller) TestAndClearIsDirty() bool {
	d := c.dirty
	c.dirty = false
	return d
}

// Global returns the view over cross-group state.
func (c *Controller) Global() *GlobalView { return &GlobalView{c: c} }

// Group returns the view restricted to g, creating the group's state on
// first access. Groups the session does not route to are an error.
func (c *Controller) Group(g routing.ModelSafeGroup) (*GroupView, error) {
	routed := false
	for _, have := range c.routes {
		if have == g {
			routed = true
			break
		}
	}
	if !routed && g != routing.GroupPassive {
		return nil, fmt.Errorf("group %s is not routed in this session", g)
	}
	st, ok := c.groups[g]
	if !ok {
		st = &groupState{}
		c.groups[g] = st
	}
	return &GroupView{c: c, g: g, state: st}, nil
}

func (c *Controller) SyncerStatus() SyncerStatus { return c.syncerStatus }
func (c *Controller) Errors() ErrorCounters      { return c.errors }

func (c *Controller) NumServerChangesRemaining() int64 { return c.numServerChangesRemaining }
func (c *Controller) Syncing() bool                    { return c.syncing }
func (c *Controller) UnsyncedHandles() []int64         { return c.unsyncedHandles }
func (c *Controller) CommitIDs() []string              { return c.commitIDs }
func (c *Controller) ItemsCommitted() bool             { return c.itemsCommitted }
func (c *Controller) ConflictsResolved() bool          { return c.conflictsResolved }

func (c *Controller) LastDownloadUpdatesResult() Result { return c.lastDownloadResult }
func (c *Controller) LastCommitResult() Result          { return c.lastCommitResult }

// DownloadUpdatesSucceeded reports whether the cycle's download step ran and
// came back clean.
func (c *Controller) DownloadUpdatesSucceeded() bool {
	return c.lastDownloadResult == ResultOK
}

// ServerSaysNothingMoreToDownload is only meaningful after a successful
// download step.
func (c *Controller) ServerSaysNothingMoreToDownload() bool {
	return c.DownloadUpdatesSucceeded() && c.numServerChangesRemaining == 0
}

// TotalNumConflictingItems sums commit conflicts across every group touched
// this cycle.
func (c *Controller) TotalNumConflictingItems() int {
	n := 0
	for _, st := range c.groups {
		n += st.conflicts.ConflictingItemsSize()
	}
	return n
}

// TotalNumSimpleConflicts counts update applications that hit an ordinary
// data conflict.
func (c *Controller) TotalNumSimpleConflicts() int {
	return c.totalApplied(UpdateConflictingSimple)
}

// TotalNumHierarchyConflicts counts applications blocked on a parent that
// has not synced yet.
func (c *Controller) TotalNumHierarchyConflicts() int {
	return c.totalApplied(UpdateConflictingHierarchy)
}

// TotalNumEncryptionConflicts counts applications blocked on undecryptable
// specifics.
func (c *Controller) TotalNumEncryptionConflicts() int {
	return c.totalApplied(UpdateConflictingEncryption)
}

// TotalNumServerConflicts counts commits the server rejected as conflicting.
func (c *Controller) TotalNumServerConflicts() int {
	return c.errors.NumConflictingCommits
}

func (c *Controller) totalApplied(result UpdateAttemptResult) int {
	n := 0
	for _, st := range c.groups {
		n += st.updates.countApplied(result)
	}
	return n
}

func (c *Controller) markDirty() { c.dirty = true }

func int64SlicesEqual(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// GlobalView mutates the cycle's cross-group state. Obtain one per logical
// scope rather than holding it across steps.
type GlobalView struct {
	c *Controller
}

func (v *GlobalView) SetNumServerChangesRemaining(n int64) {
	if v.c.numServerChangesRemaining != n {
		v.c.numServerChangesRemaining = n
		v.c.markDirty()
	}
}

func (v *GlobalView) SetInvalidStore(invalid bool) {
	if v.c.syncerStatus.InvalidStore != invalid {
		v.c.syncerStatus.InvalidStore = invalid
		v.c.markDirty()
	}
}

func (v *GlobalView) SetSyncing(syncing bool) {
	if v.c.syncing != syncing {
		v.c.syncing = syncing
		v.c.markDirty()
	}
}

func (v *GlobalView) IncrementNumSuccessfulCommits() {
	v.c.syncerStatus.NumSuccessfulCommits++
	v.c.markDirty()
}

func (v *GlobalView) IncrementNumSuccessfulBookmarkCommits() {
	v.c.syncerStatus.NumSuccessfulBookmarkCommits++
	v.c.markDirty()
}

func (v *GlobalView) SetNumSuccessfulBookmarkCommits(n int) {
	if v.c.syncerStatus.NumSuccessfulBookmarkCommits != n {
		v.c.syncerStatus.NumSuccessfulBookmarkCommits = n
		v.c.markDirty()
	}
}

func (v *GlobalView) IncrementNumUpdatesDownloadedBy(n int) {
	v.c.syncerStatus.NumUpdatesDownloadedTotal += n
	v.c.markDirty()
}

func (v *GlobalView) IncrementNumTombstoneUpdatesDownloadedBy(n int) {
	v.c.syncerStatus.NumTombstoneUpdatesDownloadedTotal += n
	v.c.markDirty()
}

func (v *GlobalView) SetTypesNeedingLocalMigration(types modeltype.Set) {
	if !v.c.syncerStatus.TypesNeedingLocalMigration.Equal(types) {
		v.c.syncerStatus.TypesNeedingLocalMigration = types
		v.c.markDirty()
	}
}

func (v *GlobalView) IncrementNumLocalOverwrites() {
	v.c.syncerStatus.NumLocalOverwrites++
	v.c.markDirty()
}

func (v *GlobalView) IncrementNumServerOverwrites() {
	v.c.syncerStatus.NumServerOverwrites++
	v.c.markDirty()
}

func (v *GlobalView) SetUnsyncedHandles(handles []int64) {
	if int64SlicesEqual(v.c.unsyncedHandles, handles) {
		return
	}
	v.c.unsyncedHandles = handles
	v.c.markDirty()
}

// SetCommitIDs and SetItemsCommitted steer control flow within the cycle;
// they are not observable status and do not dirty it.
func (v *GlobalView) SetCommitIDs(ids []string) {
	v.c.commitIDs = ids
}

func (v *GlobalView) SetItemsCommitted() {
	v.c.itemsCommitted = true
}

func (v *GlobalView) IncrementNumConflictingCommitsBy(n int) {
	if n == 0 {
		return
	}
	v.c.errors.NumConflictingCommits += n
	v.c.markDirty()
}

func (v *GlobalView) UpdateConflictsResolved(resolved bool) {
	v.c.conflictsResolved = v.c.conflictsResolved || resolved
}

func (v *GlobalView) ResetConflictsResolved() {
	v.c.conflictsResolved = false
}

func (v *GlobalView) SetSyncProtocolError(err transport.SyncProtocolError) {
	v.c.errors.ProtocolError = err
	v.c.markDirty()
}

// SetLastDownloadUpdatesResult records the download step outcome. Failures
// feed the consecutive error count; success resets it.
func (v *GlobalView) SetLastDownloadUpdatesResult(r Result) {
	v.c.lastDownloadResult = r
	v.bumpErrorCounters(r, false)
	v.c.markDirty()
}

// SetCommitResult records the commit step outcome.
func (v *GlobalView) SetCommitResult(r Result) {
	v.c.lastCommitResult = r
	v.bumpErrorCounters(r, true)
	v.c.markDirty()
}

func (v *GlobalView) bumpErrorCounters(r Result, commit bool) {
	switch r {
	case ResultOK:
		v.c.errors.ConsecutiveErrors = 0
		if commit {
			v.c.errors.ConsecutiveTransientErrorCommits = 0
		}
	case ResultNetworkError, ResultServerError, ResultAuthError:
		v.c.errors.ConsecutiveErrors++
		if commit && r != ResultAuthError {
			v.c.errors.ConsecutiveTransientErrorCommits++
		}
	}
}

// GroupView mutates one group's slice of the cycle. Only code running on
// that group's worker may hold its view.
type GroupView struct {
	c     *Controller
	g     routing.ModelSafeGroup
	state *groupState
}

func (v *GroupView) Group() routing.ModelSafeGroup { return v.g }

func (v *GroupView) UpdateProgress() *UpdateProgress     { return &v.state.updates }
func (v *GroupView) ConflictProgress() *ConflictProgress { return &v.state.conflicts }

func (v *GroupView) AddVerifyResult(result VerifyResult, id string) {
	v.state.updates.verified = append(v.state.updates.verified, verifiedUpdate{result: result, id: id})
	v.c.markDirty()
}

func (v *GroupView) AddAppliedUpdate(result UpdateAttemptResult, handle int64) {
	v.state.updates.applied = append(v.state.updates.applied, appliedUpdate{result: result, handle: handle})
	v.c.markDirty()
}

// AddConflictingItem marks id as in conflict. Re-adding a known conflict is
// a no-op and does not dirty the cycle.
func (v *GroupView) AddConflictingItem(id string) {
	if v.state.conflicts.conflictingIDs == nil {
		v.state.conflicts.conflictingIDs = make(map[string]bool)
	}
	if v.state.conflicts.conflictingIDs[id] {
		return
	}
	v.state.conflicts.conflictingIDs[id] = true
	v.c.markDirty()
}

// EraseConflictingItem clears id's conflict mark if present.
func (v *GroupView) EraseConflictingItem(id string) {
	if !v.state.conflicts.conflictingIDs[id] {
		return
	}
	delete(v.state.conflicts.conflictingIDs, id)
	v.c.markDirty()
}
