// Package sessions holds the state of one sync attempt. A SyncSession is
// created per job by the scheduler, handed to the syncer for the duration of
// a SyncShare call, and read back afterwards to decide what happens next.
// The long-lived collaborators shared by every session live on the Context.
//
// Sessions are confined to the scheduler goroutine. The only cross-goroutine
// pieces are the Context tunables, which are mutex-guarded, and snapshots,
// which are immutable copies.
package sessions

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/driftlab/driftsync/internal/directory"
	"github.com/driftlab/driftsync/internal/modeltype"
	"github.com/driftlab/driftsync/internal/routing"
	"github.com/driftlab/driftsync/internal/status"
	"github.com/driftlab/driftsync/internal/transport"
)

// DefaultMaxCommitBatchSize bounds how many unsynced entries a single commit
// request may carry.
const DefaultMaxCommitBatchSize = 25

// ServerConnection is the slice of the transport client the engine uses.
// *transport.ConnectionManager implements it; tests substitute fakes.
type ServerConnection interface {
	Status() transport.ConnectionCode
	ServerReachable() bool
	DownloadUpdates(ctx context.Context, r *transport.DownloadUpdatesRequest) (*transport.DownloadUpdatesResponse, error)
	Commit(ctx context.Context, r *transport.CommitRequest) (*transport.CommitResponse, error)
	ClearUserData(ctx context.Context, r *transport.ClearUserDataRequest) (*transport.ClearUserDataResponse, error)
}

// Context carries everything shared across sessions: the server connection,
// the directory manager, the worker registrar and the engine event
// listeners. One Context outlives all sessions created from it.
type Context struct {
	conn      ServerConnection
	dirs      *directory.Manager
	account   string
	registrar routing.Registrar
	listeners []EventListener
	logger    *slog.Logger

	mu                   sync.Mutex
	notificationsEnabled bool
	maxCommitBatchSize   int
	previousRoutes       routing.Info
}

// NewContext wires the shared collaborators. The listener set is fixed here;
// events fan out synchronously in the order given.
func NewContext(conn ServerConnection, dirs *directory.Manager, account string,
	registrar routing.Registrar, listeners []EventListener, logger *slog.Logger) *Context {
	if logger == nil {
		logger = slog.Default()
	}
	return &Context{
		conn:               conn,
		dirs:               dirs,
		account:            account,
		registrar:          registrar,
		listeners:          append([]EventListener(nil), listeners...),
		logger:             logger,
		maxCommitBatchSize: DefaultMaxCommitBatchSize,
	}
}

func (c *Context) Connection() ServerConnection    { return c.conn }
func (c *Context) Directories() *directory.Manager { return c.dirs }
func (c *Context) AccountName() string             { return c.account }
func (c *Context) Registrar() routing.Registrar    { return c.registrar }
func (c *Context) Logger() *slog.Logger            { return c.logger }

// Directory resolves the account's backing store. The second return is false
// until the directory has been opened.
func (c *Context) Directory() (*directory.Directory, bool) {
	if c.dirs == nil {
		return nil, false
	}
	return c.dirs.Lookup(c.account)
}

// NotifyListeners fans the event out synchronously, in registration order.
func (c *Context) NotifyListeners(event Event) {
	for _, l := range c.listeners {
		l.OnSyncEngineEvent(event)
	}
}

// NotificationsEnabled reports whether the invalidation channel is up. The
// scheduler polls at the long interval while it is.
func (c *Context) NotificationsEnabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.notificationsEnabled
}

func (c *Context) SetNotificationsEnabled(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notificationsEnabled = enabled
}

func (c *Context) MaxCommitBatchSize() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.maxCommitBatchSize
}

func (c *Context) SetMaxCommitBatchSize(n int) {
	if n <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.maxCommitBatchSize = n
}

// PreviousSessionRoutingInfo returns the routing info carried over from the
// last completed cycle. Configuration cycles grow it; see the scheduler's
// carryover handling.
func (c *Context) PreviousSessionRoutingInfo() routing.Info {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.previousRoutes.Copy()
}

func (c *Context) SetPreviousSessionRoutingInfo(info routing.Info) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.previousRoutes = info.Copy()
}

// SyncSession is the mutable record of a single sync attempt: why it
// started, which types are routed to which worker groups, and the status the
// syncer accumulates while working through its steps.
type SyncSession struct {
	context  *Context
	delegate Delegate
	source   SourceInfo
	routes   routing.Info
	workers  []routing.Worker
	status   *status.Controller
}

// New builds a session over private copies of the source types and routing
// info. Workers are kept sorted by group so unions and intersections stay
// deterministic.
func New(ctx *Context, delegate Delegate, source SourceInfo,
	routes routing.Info, workers []routing.Worker) *SyncSession {
	s := &SyncSession{
		context:  ctx,
		delegate: delegate,
		source:   SourceInfo{Source: source.Source, Types: source.Types.Copy()},
		routes:   routes.Copy(),
		workers:  sortWorkers(append([]routing.Worker(nil), workers...)),
	}
	s.status = status.NewController(s.routes)
	return s
}

func (s *SyncSession) Context() *Context          { return s.context }
func (s *SyncSession) Delegate() Delegate         { return s.delegate }
func (s *SyncSession) Source() SourceInfo         { return s.source }
func (s *SyncSession) RoutingInfo() routing.Info  { return s.routes }
func (s *SyncSession) Workers() []routing.Worker  { return s.workers }
func (s *SyncSession) Status() *status.Controller { return s.status }

// Coalesce folds another pending request into this session: types union with
// the newer payload winning, the source reason is replaced by the newer one,
// and routing info and workers grow to cover both requests.
func (s *SyncSession) Coalesce(other *SyncSession) {
	if s.context != other.context || s.delegate != other.delegate {
		s.context.logger.Error("refusing to coalesce sessions from different engines")
		return
	}
	merged := s.source.Types.Copy()
	merged.Merge(other.source.Types)
	s.source = SourceInfo{Source: other.source.Source, Types: merged}
	s.routes.Merge(other.routes)
	s.workers = unionWorkers(s.workers, other.workers)
}

// RebaseRoutingInfoWithLatest narrows the session to the routing info of a
// newer session: only types still routed survive, taking the newer group
// assignment; payloads for dropped types are purged and the worker set
// shrinks to match. A job that sat in the queue across a configuration
// change must not sync types that were since disabled.
func (s *SyncSession) RebaseRoutingInfoWithLatest(latest *SyncSession) {
	rebased := make(routing.Info, len(s.routes))
	for t, g := range latest.routes {
		if _, ok := s.routes[t]; ok {
			rebased[t] = g
		}
	}
	s.routes = rebased
	s.source.Types = purgeStalePayloads(s.source.Types, s.routes)
	s.workers = intersectWorkers(s.workers, latest.workers)
}

// ResetTransientState drops all per-cycle status so the same job can run
// another syncer pass over its routing info.
func (s *SyncSession) ResetTransientState() {
	s.status = status.NewController(s.routes)
}

// HasMoreToSync reports whether the last pass left work behind: unsynced
// entries that did not fit the commit batch, or resolved conflicts that may
// have unblocked further progress.
func (s *SyncSession) HasMoreToSync() bool {
	return len(s.status.CommitIDs()) < len(s.status.UnsyncedHandles()) ||
		s.status.ConflictsResolved()
}

// Succeeded reports whether the cycle reached the server and every step that
// recorded a result came back clean. A cycle that recorded nothing did not
// succeed.
func (s *SyncSession) Succeeded() bool {
	download := s.status.LastDownloadUpdatesResult()
	commit := s.status.LastCommitResult()
	if download == status.ResultUnset && commit == status.ResultUnset {
		return false
	}
	return (download == status.ResultUnset || download == status.ResultOK) &&
		(commit == status.ResultUnset || commit == status.ResultOK)
}

func sortWorkers(ws []routing.Worker) []routing.Worker {
	sort.Slice(ws, func(i, j int) bool { return ws[i].Group() < ws[j].Group() })
	return ws
}

// unionWorkers merges two worker sets keyed by group; on overlap the first
// set's worker is kept.
func unionWorkers(a, b []routing.Worker) []routing.Worker {
	byGroup := make(map[routing.ModelSafeGroup]routing.Worker, len(a)+len(b))
	for _, w := range a {
		byGroup[w.Group()] = w
	}
	for _, w := range b {
		if _, ok := byGroup[w.Group()]; !ok {
			byGroup[w.Group()] = w
		}
	}
	out := make([]routing.Worker, 0, len(byGroup))
	for _, w := range byGroup {
		out = append(out, w)
	}
	return sortWorkers(out)
}

// intersectWorkers keeps the workers of a whose group also appears in b.
func intersectWorkers(a, b []routing.Worker) []routing.Worker {
	groups := make(map[routing.ModelSafeGroup]struct{}, len(b))
	for _, w := range b {
		groups[w.Group()] = struct{}{}
	}
	out := make([]routing.Worker, 0, len(a))
	for _, w := range a {
		if _, ok := groups[w.Group()]; ok {
			out = append(out, w)
		}
	}
	return out
}

func purgeStalePayloads(types modeltype.PayloadMap, routes routing.Info) modeltype.PayloadMap {
	kept := make(modeltype.PayloadMap, len(types))
	for t, payload := range types {
		if _, ok := routes[t]; ok {
			kept[t] = payload
		}
	}
	return kept
}
