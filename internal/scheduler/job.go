package scheduler

import (
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/driftlab/driftsync/internal/sessions"
)

// jobPurpose says why a sync job exists. The purpose picks the syncer step
// range the cycle walks and which decision policy gates the job before it
// may run.
type jobPurpose int

const (
	purposeUnknown jobPurpose = iota
	purposePoll
	purposeNudge
	purposeClearUserData
	purposeConfiguration
	purposeCleanupDisabledTypes
)

var jobPurposeNames = []string{
	"UNKNOWN",
	"POLL",
	"NUDGE",
	"CLEAR_USER_DATA",
	"CONFIGURATION",
	"CLEANUP_DISABLED_TYPES",
}

func (p jobPurpose) String() string {
	if p < 0 || int(p) >= len(jobPurposeNames) {
		return fmt.Sprintf("jobPurpose(%d)", int(p))
	}
	return jobPurposeNames[p]
}

// syncSessionJob pairs a session with the moment it should run. Jobs are
// value types and copy freely; copies share the underlying session, which is
// how a saved copy keeps coalescing with its original.
type syncSessionJob struct {
	purpose        jobPurpose
	scheduledStart time.Time
	session        *sessions.SyncSession

	// isCanary marks a retry dispatched by an expiring wait interval or a
	// restored connection. Canaries pass gates that would hold back an
	// ordinary job.
	isCanary bool

	// ready fires once the job's cycle succeeds. Only configuration jobs
	// carry it; saves and retries keep it alive until a cycle goes through.
	ready func()
}

// decision is the verdict on a job at the moment it is about to run.
type decision int

const (
	// decisionContinue lets the job run now.
	decisionContinue decision = iota
	// decisionSave stashes the job to retry when circumstances change.
	decisionSave
	// decisionDrop discards the job.
	decisionDrop
)

var decisionNames = []string{"CONTINUE", "SAVE", "DROP"}

func (d decision) String() string {
	if d < 0 || int(d) >= len(decisionNames) {
		return fmt.Sprintf("decision(%d)", int(d))
	}
	return decisionNames[d]
}

// waitMode labels why the scheduler is waiting instead of syncing.
type waitMode int

const (
	waitUnknown waitMode = iota
	// waitExponentialBackoff follows consecutive failed cycles.
	waitExponentialBackoff
	// waitThrottled honors an explicit hold handed down by the server.
	waitThrottled
)

var waitModeNames = []string{"UNKNOWN", "EXPONENTIAL_BACKOFF", "THROTTLED"}

func (m waitMode) String() string {
	if m < 0 || int(m) >= len(waitModeNames) {
		return fmt.Sprintf("waitMode(%d)", int(m))
	}
	return waitModeNames[m]
}

// waitInterval is one backoff or throttle episode. Every field belongs to
// the scheduler goroutine. Timer fires re-validate against the live interval
// and its timerSeq before acting, so a fire that lost a race with a stop or
// a restart is inert.
type waitInterval struct {
	mode   waitMode
	length time.Duration

	timer    clockwork.Timer
	timerSeq uint64

	// fired flips when the interval's timer task actually ran; until then
	// the interval is still counting down.
	fired bool

	// hadNudge marks that this backoff interval already admitted its one
	// nudge. Further nudges are dropped until the interval ends.
	hadNudge bool

	// pendingConfigureJob holds the configuration job to retry as soon as
	// the interval lets one through.
	pendingConfigureJob *syncSessionJob
}
