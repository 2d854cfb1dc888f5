package status

// VerifyResult classifies one downloaded update during verification.
type VerifyResult int

const (
	VerifyUndecided VerifyResult = iota
	VerifySuccess
	VerifyUndelete
	VerifySkip
	VerifyFail
)

// UpdateAttemptResult classifies one attempt to apply a downloaded update
// to the local directory.
type UpdateAttemptResult int

const (
	UpdateSuccess UpdateAttemptResult = iota
	UpdateConflictingSimple
	UpdateConflictingHierarchy
	UpdateConflictingEncryption
)

// UpdateProgress counts download verification and application outcomes for
// one model safe group within one cycle.
type UpdateProgress struct {
	verified []verifiedUpdate
	applied  []appliedUpdate
}

type verifiedUpdate struct {
	result VerifyResult
	id     string
}

type appliedUpdate struct {
	result UpdateAttemptResult
	handle int64
}

func (p *UpdateProgress) VerifiedUpdatesSize() int { return len(p.verified) }
func (p *UpdateProgress) AppliedUpdatesSize() int  { return len(p.applied) }

// SuccessfullyAppliedUpdateCount returns how many applications succeeded
// outright this cycle.
func (p *UpdateProgress) SuccessfullyAppliedUpdateCount() int {
	n := 0
	for _, a := range p.applied {
		if a.result == UpdateSuccess {
			n++
		}
	}
	return n
}

// HasConflictingUpdates reports whether any application attempt ended in a
// conflict of any flavor.
func (p *UpdateProgress) HasConflictingUpdates() bool {
	for _, a := range p.applied {
		if a.result != UpdateSuccess {
			return true
		}
	}
	return false
}

func (p *UpdateProgress) countApplied(result UpdateAttemptResult) int {
	n := 0
	for _, a := range p.applied {
		if a.result == result {
			n++
		}
	}
	return n
}

// ConflictProgress tracks the set of items known to be in commit conflict
// for one model safe group.
type ConflictProgress struct {
	conflictingIDs map[string]bool
}

func (p *ConflictProgress) ConflictingItemsSize() int { return len(p.conflictingIDs) }

func (p *ConflictProgress) HasConflictingItem(id string) bool {
	return p.conflictingIDs[id]
}

// ConflictingItemIDs returns the conflicting ids in unspecified order.
func (p *ConflictProgress) ConflictingItemIDs() []string {
	ids := make([]string, 0, len(p.conflictingIDs))
	for id := range p.conflictingIDs {
		ids = append(ids, id)
	}
	return ids
}

// groupState is the lazily created per group slice of a cycle's status.
type groupState struct {
	updates   UpdateProgress
	conflicts ConflictProgress
}
