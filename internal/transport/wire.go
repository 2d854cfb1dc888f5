package transport

import (
	"github.com/driftlab/driftsync/internal/modeltype"
)

// Entity is the wire form of one sync item.
type Entity struct {
	ID                     string                    `json:"id"`
	ParentID               string                    `json:"parentId,omitempty"`
	Version                int64                     `json:"version"`
	Name                   string                    `json:"name,omitempty"`
	Deleted                bool                      `json:"deleted,omitempty"`
	Folder                 bool                      `json:"folder,omitempty"`
	Position               int64                     `json:"position,omitempty"`
	OriginatorCacheGUID    string                    `json:"originatorCacheGuid,omitempty"`
	OriginatorClientItemID string                    `json:"originatorClientItemId,omitempty"`
	CTime                  int64                     `json:"ctime,omitempty"`
	MTime                  int64                     `json:"mtime,omitempty"`
	Specifics              modeltype.EntitySpecifics `json:"specifics,omitempty"`
}

// ModelType infers the entity's type from its specifics.
func (e *Entity) ModelType() modeltype.ModelType {
	return modeltype.FromSpecifics(e.Specifics)
}

// WireError is the response body form of a SyncProtocolError.
type WireError struct {
	Type        string `json:"type"`
	Action      string `json:"action,omitempty"`
	URL         string `json:"url,omitempty"`
	Description string `json:"description,omitempty"`
}

// ToProtocolError decodes the wire strings into the typed form.
func (w *WireError) ToProtocolError() SyncProtocolError {
	if w == nil {
		return SyncProtocolError{Type: ErrorSuccess}
	}
	return SyncProtocolError{
		Type:        ErrorTypeFromWire(w.Type),
		Action:      ClientActionFromWire(w.Action),
		URL:         w.URL,
		Description: w.Description,
	}
}

// DownloadUpdatesRequest asks the server for changes the client has not seen.
// FromTimestamps carries the per-type progress watermarks; TypePayloads names
// the requested types along with any invalidation payload hints.
type DownloadUpdatesRequest struct {
	CacheGUID            string                          `json:"cacheGuid"`
	Source               string                          `json:"source"`
	FromTimestamps       map[modeltype.ModelType]int64   `json:"fromTimestamps,omitempty"`
	TypePayloads         map[modeltype.ModelType]string  `json:"typePayloads"`
	NotificationsEnabled bool                            `json:"notificationsEnabled"`
	BatchSize            int                             `json:"batchSize,omitempty"`
}

// DownloadUpdatesResponse returns the changed entities plus any server-pushed
// tuning values. Interval fields are zero when the server has no update.
type DownloadUpdatesResponse struct {
	Entities         []Entity                      `json:"entities,omitempty"`
	NewTimestamps    map[modeltype.ModelType]int64 `json:"newTimestamps,omitempty"`
	ChangesRemaining int64                         `json:"changesRemaining"`

	ShortPollIntervalSeconds   int `json:"shortPollIntervalSeconds,omitempty"`
	LongPollIntervalSeconds    int `json:"longPollIntervalSeconds,omitempty"`
	SessionsCommitDelaySeconds int `json:"sessionsCommitDelaySeconds,omitempty"`
	ThrottleDelaySeconds       int `json:"throttleDelaySeconds,omitempty"`

	Error *WireError `json:"error,omitempty"`
}

// CommitResponseType is the server's per-entity verdict on a commit.
type CommitResponseType string

const (
	CommitSuccess        CommitResponseType = "SUCCESS"
	CommitConflict       CommitResponseType = "CONFLICT"
	CommitRetry          CommitResponseType = "RETRY"
	CommitInvalidMessage CommitResponseType = "INVALID_MESSAGE"
	CommitOverQuota      CommitResponseType = "OVER_QUOTA"
	CommitTransientError CommitResponseType = "TRANSIENT_ERROR"
)

// CommitRequest uploads locally changed entities.
type CommitRequest struct {
	CacheGUID string   `json:"cacheGuid"`
	Entities  []Entity `json:"entities"`
}

// CommitResult is the verdict for one committed entity. The server may
// assign a permanent id and bumps the version on success.
type CommitResult struct {
	ID         string             `json:"id"`
	Response   CommitResponseType `json:"response"`
	NewID      string             `json:"newId,omitempty"`
	NewVersion int64              `json:"newVersion,omitempty"`
	Position   int64              `json:"position,omitempty"`
}

type CommitResponse struct {
	Results              []CommitResult `json:"results,omitempty"`
	ThrottleDelaySeconds int            `json:"throttleDelaySeconds,omitempty"`
	Error                *WireError     `json:"error,omitempty"`
}

// ClearUserDataRequest asks the server to wipe everything it holds for this
// account.
type ClearUserDataRequest struct {
	CacheGUID string `json:"cacheGuid"`
}

type ClearUserDataResponse struct {
	Error *WireError `json:"error,omitempty"`
}
