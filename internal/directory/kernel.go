package directory

import (
	"strconv"
	"strings"
	"time"

	"github.com/driftlab/driftsync/internal/modeltype"
)

// ID identifies one sync entry. Server issued ids are opaque strings; entries
// created on this client carry a "local-<n>" id until their first commit
// succeeds and the server assigns a permanent one.
type ID string

// Root is the id of the permanent root entry. Its parent is the empty id.
const Root ID = "r"

const localIDPrefix = "local-"

func (id ID) IsRoot() bool { return id == Root }

// IsLocal reports whether the id was minted by this client and has not been
// replaced by a server id yet.
func (id ID) IsLocal() bool { return strings.HasPrefix(string(id), localIDPrefix) }

func localID(n int64) ID { return ID(localIDPrefix + strconv.FormatInt(n, 10)) }

// BaseVersionNone marks an entry that has never completed a commit.
const BaseVersionNone int64 = -1

// EntryKernel is the full in-memory state of one sync entry. The plain fields
// describe what the local model sees now; the Server* shadow fields hold the
// newest downloaded server state while an update is still unapplied. Entries
// staged from the server and never applied are kept Deleted until apply makes
// them visible.
type EntryKernel struct {
	Handle      int64               `json:"handle"`
	ID          ID                  `json:"id"`
	ParentID    ID                  `json:"parentId"`
	Type        modeltype.ModelType `json:"modelType"`
	Name        string              `json:"name"`
	Folder      bool                `json:"folder"`
	CTime       time.Time           `json:"ctime"`
	MTime       time.Time           `json:"mtime"`
	BaseVersion int64               `json:"baseVersion"`
	Deleted     bool                `json:"deleted"`
	Position    int64               `json:"position"`
	Specifics   string              `json:"specifics"`

	Unsynced        bool `json:"unsynced"`
	UnappliedUpdate bool `json:"unappliedUpdate"`

	ServerVersion   int64  `json:"serverVersion"`
	ServerParentID  ID     `json:"serverParentId"`
	ServerName      string `json:"serverName"`
	ServerDeleted   bool   `json:"serverDeleted"`
	ServerPosition  int64  `json:"serverPosition"`
	ServerSpecifics string `json:"serverSpecifics"`
}

// Exists reports whether the entry is visible to the local model. Tombstones
// and never-applied server placeholders are not.
func (e *EntryKernel) Exists() bool { return !e.Deleted }

// visiblePropsDiffer compares the fields observers can see. Flag and shadow
// field churn does not count as a change.
func visiblePropsDiffer(a, b *EntryKernel) bool {
	return a.ParentID != b.ParentID ||
		a.Name != b.Name ||
		a.Specifics != b.Specifics ||
		a.Position != b.Position
}

// Writer tags who is mutating inside a write transaction. Change observers
// use it to tell server applied changes apart from local ones.
type Writer int

const (
	WriterLocal Writer = iota
	WriterSyncer
)

func (w Writer) String() string {
	switch w {
	case WriterLocal:
		return "LOCAL"
	case WriterSyncer:
		return "SYNCER"
	default:
		return "UNKNOWN"
	}
}

// ChangeType says what happened to an entry during a write transaction.
type ChangeType int

const (
	ChangeAdd ChangeType = iota
	ChangeUpdate
	ChangeDelete
)

func (c ChangeType) String() string {
	switch c {
	case ChangeAdd:
		return "ADD"
	case ChangeUpdate:
		return "UPDATE"
	case ChangeDelete:
		return "DELETE"
	default:
		return "UNKNOWN"
	}
}

// ChangeRecord describes one visible entry mutation. Handle is the stable key
// across id rewrites. Deletes carry the specifics the entry had before removal
// so observers can still tell what was lost.
type ChangeRecord struct {
	Handle    int64               `json:"handle"`
	ID        ID                  `json:"id"`
	ParentID  ID                  `json:"parentId"`
	Type      modeltype.ModelType `json:"modelType"`
	Change    ChangeType          `json:"change"`
	Specifics string              `json:"specifics,omitempty"`
}

// ChangeDelegate receives the visible mutations of each write transaction,
// after the transaction's lock is released, in mutation order.
type ChangeDelegate interface {
	HandleTransactionCompleteChangeEvent(writer Writer, records []ChangeRecord)
}

// shareInfo is the per-store singleton state persisted next to the entries.
type shareInfo struct {
	CacheGUID         string
	StoreBirthday     string
	NotificationState string
	BootstrapToken    string
	InitialSyncEnded  modeltype.Set
	DownloadProgress  map[modeltype.ModelType]int64
}

func (s *shareInfo) copy() shareInfo {
	out := *s
	out.DownloadProgress = make(map[modeltype.ModelType]int64, len(s.DownloadProgress))
	for t, ts := range s.DownloadProgress {
		out.DownloadProgress[t] = ts
	}
	return out
}

// kernel is the in-memory image of one directory store. All access goes
// through the owning Directory's locks.
type kernel struct {
	byHandle  map[int64]*EntryKernel
	byID      map[ID]int64
	unsynced  map[int64]struct{}
	unapplied map[int64]struct{}

	// dirty entries need a flush; purged handles need a row delete.
	dirty  map[int64]struct{}
	purged map[int64]struct{}

	nextHandle int64
	nextLocal  int64

	info       shareInfo
	shareDirty bool
}

func newKernel() *kernel {
	return &kernel{
		byHandle:   make(map[int64]*EntryKernel),
		byID:       make(map[ID]int64),
		unsynced:   make(map[int64]struct{}),
		unapplied:  make(map[int64]struct{}),
		dirty:      make(map[int64]struct{}),
		purged:     make(map[int64]struct{}),
		nextHandle: 1,
		nextLocal:  1,
		info: shareInfo{
			DownloadProgress: make(map[modeltype.ModelType]int64),
		},
	}
}

// index installs an entry and keeps nextHandle ahead of every known handle.
func (k *kernel) index(e *EntryKernel) {
	k.byHandle[e.Handle] = e
	k.byID[e.ID] = e.Handle
	if e.Handle >= k.nextHandle {
		k.nextHandle = e.Handle + 1
	}
	k.reindexFlags(e)
}

func (k *kernel) reindexFlags(e *EntryKernel) {
	if e.Unsynced {
		k.unsynced[e.Handle] = struct{}{}
	} else {
		delete(k.unsynced, e.Handle)
	}
	if e.UnappliedUpdate {
		k.unapplied[e.Handle] = struct{}{}
	} else {
		delete(k.unapplied, e.Handle)
	}
}

func (k *kernel) drop(e *EntryKernel) {
	delete(k.byHandle, e.Handle)
	delete(k.byID, e.ID)
	delete(k.unsynced, e.Handle)
	delete(k.unapplied, e.Handle)
	delete(k.dirty, e.Handle)
}
