package transport

// ErrorType is the server's verdict on a sync request, carried in the
// response body rather than the HTTP status line.
type ErrorType int

const (
	// ErrorSuccess means the server processed the request.
	ErrorSuccess ErrorType = iota
	// ErrorNotMyBirthday means the server's store was reset and the client's
	// birthday no longer matches; local sync state must be discarded.
	ErrorNotMyBirthday
	// ErrorThrottled tells the client to back off for the advertised delay.
	ErrorThrottled
	// ErrorClearPending means a clear-user-data request is still being
	// processed server side; syncing must stay suspended until it settles.
	ErrorClearPending
	// ErrorTransient covers failures worth retrying with backoff.
	ErrorTransient
	// ErrorInvalidCredential means the auth token was rejected.
	ErrorInvalidCredential
	// ErrorMigrationDone means the listed types were migrated server side and
	// must be purged and re-downloaded.
	ErrorMigrationDone
	ErrorUnknown
)

var errorTypeNames = map[ErrorType]string{
	ErrorSuccess:           "SUCCESS",
	ErrorNotMyBirthday:     "NOT_MY_BIRTHDAY",
	ErrorThrottled:         "THROTTLED",
	ErrorClearPending:      "CLEAR_PENDING",
	ErrorTransient:         "TRANSIENT_ERROR",
	ErrorInvalidCredential: "INVALID_CREDENTIAL",
	ErrorMigrationDone:     "MIGRATION_DONE",
	ErrorUnknown:           "UNKNOWN_ERROR",
}

func (t ErrorType) String() string {
	if n, ok := errorTypeNames[t]; ok {
		return n
	}
	return "INVALID"
}

// ErrorTypeFromWire maps a response body error string to its enum value.
// Unknown strings degrade to ErrorUnknown.
func ErrorTypeFromWire(s string) ErrorType {
	for t, n := range errorTypeNames {
		if n == s {
			return t
		}
	}
	return ErrorUnknown
}

// ClientAction is what the server wants the client to do about an error.
type ClientAction int

const (
	ActionUnknown ClientAction = iota
	ActionUpgradeClient
	ActionClearUserDataAndResync
	ActionEnableSyncOnAccount
	ActionStopAndRestartSync
	ActionDisableSyncOnClient
)

var clientActionNames = map[ClientAction]string{
	ActionUnknown:                "UNKNOWN_ACTION",
	ActionUpgradeClient:          "UPGRADE_CLIENT",
	ActionClearUserDataAndResync: "CLEAR_USER_DATA_AND_RESYNC",
	ActionEnableSyncOnAccount:    "ENABLE_SYNC_ON_ACCOUNT",
	ActionStopAndRestartSync:     "STOP_AND_RESTART_SYNC",
	ActionDisableSyncOnClient:    "DISABLE_SYNC_ON_CLIENT",
}

func (a ClientAction) String() string {
	if n, ok := clientActionNames[a]; ok {
		return n
	}
	return "INVALID"
}

// ClientActionFromWire maps a response body action string to its enum value.
func ClientActionFromWire(s string) ClientAction {
	for a, n := range clientActionNames {
		if n == s {
			return a
		}
	}
	return ActionUnknown
}

// SyncProtocolError bundles the server's verdict with the remedial action it
// prescribed, if any.
type SyncProtocolError struct {
	Type        ErrorType
	Action      ClientAction
	URL         string
	Description string
}

// ShouldRequestEarlyExit reports whether the error is severe enough that the
// syncer must abandon the remaining steps of the current cycle. Birthday
// mismatches and pending clears carry a prescribed action, so the observer
// still hears about the aborted cycle; credential failures are surfaced
// through the connection event instead.
func ShouldRequestEarlyExit(err SyncProtocolError) bool {
	switch err.Type {
	case ErrorNotMyBirthday, ErrorClearPending, ErrorInvalidCredential:
		return true
	default:
		return false
	}
}

// IsActionableError reports whether the server prescribed a concrete action
// the embedder must take.
func IsActionableError(err SyncProtocolError) bool {
	return err.Action != ActionUnknown
}
