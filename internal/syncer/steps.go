package syncer

// Step names one stage of the sync cycle state machine. SyncShare walks an
// inclusive range of steps; which range depends on why the cycle was
// scheduled, so a configuration cycle stops after applying updates and a
// clear-data cycle runs its single step and nothing else.
type Step int

const (
	StepBegin Step = iota
	StepCleanupDisabledTypes
	StepDownloadUpdates
	StepProcessClientCommand
	StepVerifyUpdates
	StepProcessUpdates
	StepStoreTimestamps
	StepApplyUpdates
	StepBuildCommitRequest
	StepPostCommitMessage
	StepProcessCommitResponse
	StepResolveConflicts
	StepClearPrivateData
	StepEnd
)

var stepNames = []string{
	"SYNCER_BEGIN",
	"CLEANUP_DISABLED_TYPES",
	"DOWNLOAD_UPDATES",
	"PROCESS_CLIENT_COMMAND",
	"VERIFY_UPDATES",
	"PROCESS_UPDATES",
	"STORE_TIMESTAMPS",
	"APPLY_UPDATES",
	"BUILD_COMMIT_REQUEST",
	"POST_COMMIT_MESSAGE",
	"PROCESS_COMMIT_RESPONSE",
	"RESOLVE_CONFLICTS",
	"CLEAR_PRIVATE_DATA",
	"SYNCER_END",
}

func (s Step) String() string {
	if s < StepBegin || s > StepEnd {
		return "INVALID"
	}
	return stepNames[s]
}
