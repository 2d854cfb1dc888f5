package sessions

import (
	"fmt"

	"github.com/driftlab/driftsync/internal/modeltype"
)

// UpdatesSource tells the server why a download is happening. It is reported
// verbatim in the caller info of every download request.
type UpdatesSource int

const (
	SourceUnknown UpdatesSource = iota
	SourceFirstUpdate
	SourceLocal
	SourceNotification
	SourcePeriodic
	SourceSyncCycleContinuation
	SourceClearPrivateData
	SourceNewlySupportedDatatype
	SourceMigration
	SourceNewClient
	SourceReconfiguration
	SourceDatatypeRefresh
)

var updatesSourceNames = []string{
	"UNKNOWN",
	"FIRST_UPDATE",
	"LOCAL",
	"NOTIFICATION",
	"PERIODIC",
	"SYNC_CYCLE_CONTINUATION",
	"CLEAR_PRIVATE_DATA",
	"NEWLY_SUPPORTED_DATATYPE",
	"MIGRATION",
	"NEW_CLIENT",
	"RECONFIGURATION",
	"DATATYPE_REFRESH",
}

func (s UpdatesSource) String() string {
	if s < 0 || int(s) >= len(updatesSourceNames) {
		return fmt.Sprintf("UpdatesSource(%d)", int(s))
	}
	return updatesSourceNames[s]
}

func (s UpdatesSource) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *UpdatesSource) UnmarshalText(text []byte) error {
	name := string(text)
	for i, n := range updatesSourceNames {
		if n == name {
			*s = UpdatesSource(i)
			return nil
		}
	}
	return fmt.Errorf("unknown updates source %q", name)
}

// IsConfigRelated reports whether the source belongs to a configuration flow
// rather than steady-state syncing.
func (s UpdatesSource) IsConfigRelated() bool {
	switch s {
	case SourceReconfiguration, SourceMigration, SourceNewClient, SourceNewlySupportedDatatype:
		return true
	}
	return false
}

// NudgeSource identifies what asked for an opportunistic sync.
type NudgeSource int

const (
	NudgeUnknown NudgeSource = iota
	NudgeNotification
	NudgeLocal
	NudgeContinuation
	NudgeLocalRefresh
)

var nudgeSourceNames = []string{
	"NUDGE_SOURCE_UNKNOWN",
	"NUDGE_SOURCE_NOTIFICATION",
	"NUDGE_SOURCE_LOCAL",
	"NUDGE_SOURCE_CONTINUATION",
	"NUDGE_SOURCE_LOCAL_REFRESH",
}

func (s NudgeSource) String() string {
	if s < 0 || int(s) >= len(nudgeSourceNames) {
		return fmt.Sprintf("NudgeSource(%d)", int(s))
	}
	return nudgeSourceNames[s]
}

// UpdatesSourceFromNudge maps a nudge trigger onto the caller info recorded
// on the resulting cycle.
func UpdatesSourceFromNudge(source NudgeSource) UpdatesSource {
	switch source {
	case NudgeNotification:
		return SourceNotification
	case NudgeLocal:
		return SourceLocal
	case NudgeContinuation:
		return SourceSyncCycleContinuation
	case NudgeLocalRefresh:
		return SourceDatatypeRefresh
	}
	return SourceUnknown
}

// SourceInfo pairs the reason a cycle started with the types that triggered
// it, each with an optional opaque payload from the notification server.
type SourceInfo struct {
	Source UpdatesSource
	Types  modeltype.PayloadMap
}

func NewSourceInfo(source UpdatesSource, types modeltype.PayloadMap) SourceInfo {
	return SourceInfo{Source: source, Types: types}
}
