// Package scheduler decides when sync cycles run. One goroutine owns the
// whole state machine: pending jobs, the backoff or throttle interval and
// the poll timer. Everything public posts onto the scheduler's mailbox and
// returns; the loop goroutine picks the task up, applies the decision policy
// and, when a job survives it, drives the syncer through the step range that
// matches the job's purpose.
package scheduler

import (
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/driftlab/driftsync/internal/modeltype"
	"github.com/driftlab/driftsync/internal/queue"
	"github.com/driftlab/driftsync/internal/routing"
	"github.com/driftlab/driftsync/internal/sessions"
	"github.com/driftlab/driftsync/internal/syncer"
	"github.com/driftlab/driftsync/internal/transport"
)

// Default intervals. Polling runs at the long interval while push
// notifications are flowing and falls back to the short one when they are
// not. Server-pushed client commands may retune any of these at runtime.
const (
	DefaultShortPollInterval   = 60 * time.Second
	DefaultLongPollInterval    = 3600 * time.Second
	DefaultSessionsCommitDelay = 10 * time.Second
	DefaultNudgeDelay          = 200 * time.Millisecond
)

// errNoRegistrar reports a configuration request before any worker
// registrar was installed on the session context.
var errNoRegistrar = errors.New("scheduler: no worker registrar")

// Mode selects which job purposes a started scheduler lets through. Normal
// mode serves nudges and polls; configuration mode serves only configuration
// downloads while the embedder decides which types to enable.
type Mode int

const (
	ModeNormal Mode = iota
	ModeConfiguration
)

func (m Mode) String() string {
	switch m {
	case ModeNormal:
		return "NORMAL_MODE"
	case ModeConfiguration:
		return "CONFIGURATION_MODE"
	}
	return "INVALID"
}

// SessionSyncer runs sync cycles. *syncer.Syncer is the real one; scheduler
// tests script outcomes with fakes.
type SessionSyncer interface {
	SyncShare(s *sessions.SyncSession, begin, end syncer.Step)
	RequestEarlyExit()
}

type task struct {
	name string
	fn   func()
}

// Mailbox priorities. Clear-user-data represents explicit user intent to
// wipe state, so its posts jump ahead of queued work.
const (
	taskPriorityClear = iota
	taskPriorityNormal
)

// Scheduler is the sync engine's control loop.
type Scheduler struct {
	name   string
	clock  clockwork.Clock
	logger *slog.Logger
	sctx   *sessions.Context
	syncer SessionSyncer
	delay  DelayProvider

	mailbox *queue.PriorityQueue[task]
	wake    chan struct{}
	done    chan struct{}
	started atomic.Bool
	halted  atomic.Bool

	// sessionsCommitDelay is read by the manager from app goroutines when it
	// schedules SESSIONS-typed nudges, hence the atomic.
	sessionsCommitDelay atomic.Int64

	// Everything below belongs to the loop goroutine.
	mode               Mode
	stopping           bool
	shortPollInterval  time.Duration
	longPollInterval   time.Duration
	serverConnectionOK bool
	connectionCode     transport.ConnectionCode
	pendingNudge       *syncSessionJob
	waitInterval       *waitInterval
	lastCycleEnd       time.Time

	pollTimer    clockwork.Timer
	pollInterval time.Duration
	pollGen      uint64
	timerSeq     uint64
}

// Option tunes a Scheduler at construction time.
type Option func(*Scheduler)

// WithClock substitutes the timer source. Tests pass a fake clock.
func WithClock(c clockwork.Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

// WithDelayProvider substitutes the backoff policy.
func WithDelayProvider(p DelayProvider) Option {
	return func(s *Scheduler) { s.delay = p }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// WithPollIntervals overrides the default poll cadence.
func WithPollIntervals(short, long time.Duration) Option {
	return func(s *Scheduler) {
		if short > 0 {
			s.shortPollInterval = short
		}
		if long > 0 {
			s.longPollInterval = long
		}
	}
}

// New builds a scheduler over the shared session context and starts its loop
// goroutine. The loop idles until Start; Stop shuts it down for good.
func New(name string, sctx *sessions.Context, sy SessionSyncer, opts ...Option) *Scheduler {
	s := &Scheduler{
		name:               name,
		clock:              clockwork.NewRealClock(),
		logger:             slog.Default(),
		sctx:               sctx,
		syncer:             sy,
		delay:              defaultDelayProvider{},
		mailbox:            queue.NewPriorityQueue[task](),
		wake:               make(chan struct{}, 1),
		done:               make(chan struct{}),
		shortPollInterval:  DefaultShortPollInterval,
		longPollInterval:   DefaultLongPollInterval,
		serverConnectionOK: true,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("scheduler", name)
	s.sessionsCommitDelay.Store(int64(DefaultSessionsCommitDelay))
	go s.run()
	return s
}

func (s *Scheduler) run() {
	defer close(s.done)
	for range s.wake {
		for {
			t, ok := s.mailbox.Dequeue()
			if !ok {
				break
			}
			s.logger.Debug("running task", "task", t.name)
			t.fn()
			if s.stopping {
				return
			}
		}
	}
}

// post queues fn for the loop goroutine. Posts to a scheduler that was never
// started, or has been stopped, are dropped.
func (s *Scheduler) post(name string, fn func()) {
	s.postPriority(taskPriorityNormal, name, fn)
}

func (s *Scheduler) postPriority(priority int, name string, fn func()) {
	if !s.started.Load() {
		s.logger.Debug("not posting task, scheduler is stopped", "task", name)
		return
	}
	s.enqueue(priority, name, fn)
}

func (s *Scheduler) enqueue(priority int, name string, fn func()) {
	s.mailbox.Enqueue(task{name: name, fn: fn}, priority)
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Start switches the scheduler to mode. In-flight jobs finish under the old
// mode; ready, if non-nil, runs on the loop goroutine once the transition
// has taken effect. The first Start also emits one blank status snapshot so
// observers have a baseline before any cycle runs.
func (s *Scheduler) Start(mode Mode, ready func()) {
	if s.halted.Load() {
		s.logger.Warn("ignoring Start on a stopped scheduler")
		return
	}
	if s.started.CompareAndSwap(false, true) {
		s.enqueue(taskPriorityNormal, "SendInitialSnapshot", s.sendInitialSnapshot)
	}
	s.enqueue(taskPriorityNormal, "StartImpl", func() { s.startImpl(mode, ready) })
}

// Stop tells the syncer to abandon any in-flight cycle at the next step
// boundary, then joins the loop goroutine. The currently executing task is
// allowed to finish; the scheduler cannot be restarted afterwards.
func (s *Scheduler) Stop() {
	s.syncer.RequestEarlyExit()
	if s.halted.CompareAndSwap(false, true) {
		s.started.Store(false)
		s.enqueue(taskPriorityNormal, "StopImpl", s.stopImpl)
	}
	<-s.done
}

func (s *Scheduler) stopImpl() {
	s.logger.Debug("stopping scheduler loop")
	s.stopping = true
	s.pollGen++
	s.timerSeq++
	if s.pollTimer != nil {
		s.pollTimer.Stop()
	}
	if s.waitInterval != nil && s.waitInterval.timer != nil {
		s.waitInterval.timer.Stop()
	}
	s.waitInterval = nil
	s.pendingNudge = nil
}

func (s *Scheduler) startImpl(mode Mode, ready func()) {
	old := s.mode
	s.mode = mode
	s.logger.Debug("scheduler started", "mode", mode)
	s.adjustPolling(nil)
	if ready != nil {
		ready()
	}
	if old != mode {
		// A mode flip may have unblocked a saved job.
		s.doPendingJobIfPossible(false)
	}
}

func (s *Scheduler) sendInitialSnapshot() {
	dummy := sessions.New(s.sctx, s, sessions.SourceInfo{}, routing.Info{}, nil)
	s.sctx.NotifyListeners(sessions.Event{
		Cause:    sessions.EventStatusChanged,
		Snapshot: dummy.TakeSnapshot(),
	})
}

// ScheduleNudge requests an opportunistic sync of types after delay.
func (s *Scheduler) ScheduleNudge(delay time.Duration, source sessions.NudgeSource, types modeltype.Set) {
	s.ScheduleNudgeWithPayloads(delay, source, modeltype.PayloadMapFromSet(types, ""))
}

// ScheduleNudgeWithPayloads is ScheduleNudge carrying opaque per-type
// payloads, typically the notification hints the server sent along.
func (s *Scheduler) ScheduleNudgeWithPayloads(delay time.Duration, source sessions.NudgeSource, payloads modeltype.PayloadMap) {
	src := sessions.UpdatesSourceFromNudge(source)
	copied := payloads.Copy()
	s.post("ScheduleNudgeImpl", func() { s.scheduleNudgeImpl(delay, src, copied, false) })
}

// ScheduleConfig requests a configuration download for exactly the given
// types. Meaningful only in configuration mode. ready runs on the loop
// goroutine once a configuration cycle for these types has succeeded, even
// if that takes retries across backoff or throttle intervals.
func (s *Scheduler) ScheduleConfig(types modeltype.Set, source sessions.UpdatesSource, ready func()) error {
	if !source.IsConfigRelated() {
		s.logger.Warn("scheduling config with non-config source", "source", source)
	}
	reg := s.sctx.Registrar()
	if reg == nil {
		s.logger.Error("cannot schedule config without a registrar")
		return errNoRegistrar
	}
	routes, workers, err := routing.FilterForTypes(types, reg)
	if err != nil {
		s.logger.Error("cannot schedule config", "types", types, "error", err)
		return err
	}
	s.post("ScheduleConfigImpl", func() { s.scheduleConfigImpl(routes, workers, source, ready) })
	return nil
}

// ScheduleClearUserData asks the server to wipe this account's data. It is
// the one request that runs under every scheduler state.
func (s *Scheduler) ScheduleClearUserData() {
	s.postPriority(taskPriorityClear, "ScheduleClearUserDataImpl", func() {
		info := sessions.NewSourceInfo(sessions.SourceClearPrivateData, modeltype.PayloadMap{})
		job := syncSessionJob{
			purpose:        purposeClearUserData,
			scheduledStart: s.clock.Now(),
			session:        s.createSyncSession(info),
		}
		s.scheduleSyncSessionJob(job)
	})
}

// ScheduleCleanupDisabledTypes purges local state for types no longer routed
// anywhere, comparing against the previous session's routing info.
func (s *Scheduler) ScheduleCleanupDisabledTypes() {
	s.post("ScheduleCleanupDisabledTypesImpl", func() {
		job := syncSessionJob{
			purpose:        purposeCleanupDisabledTypes,
			scheduledStart: s.clock.Now(),
			session:        s.createSyncSession(sessions.SourceInfo{}),
		}
		s.scheduleSyncSessionJob(job)
	})
}

// SetNotificationsEnabled records whether the push channel is up and flips
// the poll cadence accordingly.
func (s *Scheduler) SetNotificationsEnabled(enabled bool) {
	s.post("SetNotificationsEnabled", func() {
		s.sctx.SetNotificationsEnabled(enabled)
		s.adjustPolling(nil)
	})
}

// OnCredentialsUpdated tells the scheduler fresh credentials were installed.
// If the last cycle died on an auth error this probes the server again.
func (s *Scheduler) OnCredentialsUpdated() {
	s.post("OnCredentialsUpdated", func() {
		if s.connectionCode == transport.ConnectionAuthError {
			s.serverConnectionErrorFixed()
		}
	})
}

// OnConnectionEvent implements transport.Listener. Status changes arrive on
// whatever goroutine saw them and are marshaled onto the loop.
func (s *Scheduler) OnConnectionEvent(e transport.Event) {
	s.post("OnConnectionEvent", func() {
		wasOK := s.serverConnectionOK
		s.updateConnectionStatus(e.Code)
		if !wasOK && s.serverConnectionOK {
			s.logger.Debug("server connection restored, doing canary job")
			s.doCanaryJob()
		}
	})
}

// SessionsCommitDelay is the server-tunable hold applied to SESSIONS-typed
// local nudges. Safe to read from any goroutine.
func (s *Scheduler) SessionsCommitDelay() time.Duration {
	return time.Duration(s.sessionsCommitDelay.Load())
}

func (s *Scheduler) serverConnectionErrorFixed() {
	s.connectionCode = transport.ConnectionOK
	s.serverConnectionOK = true
	s.doCanaryJob()
}

func (s *Scheduler) updateConnectionStatus(code transport.ConnectionCode) {
	if code == s.connectionCode {
		return
	}
	s.logger.Debug("new server connection code", "code", code)
	s.connectionCode = code
	switch code {
	case transport.ConnectionUnavailable, transport.ConnectionAuthError:
		s.serverConnectionOK = false
	case transport.ConnectionOK:
		s.serverConnectionOK = true
	}
}

func (s *Scheduler) scheduleNudgeImpl(delay time.Duration, source sessions.UpdatesSource,
	payloads modeltype.PayloadMap, isCanary bool) {
	s.logger.Debug("scheduling nudge",
		"delay", delay, "source", source, "types", payloads.TypeSet(), "canary", isCanary)

	info := sessions.NewSourceInfo(source, payloads)
	job := syncSessionJob{
		purpose:        purposeNudge,
		scheduledStart: s.clock.Now().Add(delay),
		session:        s.createSyncSession(info),
		isCanary:       isCanary,
	}
	if !s.shouldRunJob(job) {
		return
	}

	if s.pendingNudge != nil {
		if s.isBackingOff() && delay > time.Second {
			s.logger.Debug("dropping nudge, backing off and the canary covers it")
			return
		}
		s.pendingNudge.session.Coalesce(job.session)
		ps := s.pendingNudge.session
		job.session = sessions.New(ps.Context(), ps.Delegate(), ps.Source(), ps.RoutingInfo(), ps.Workers())
		if s.pendingNudge.scheduledStart.Before(job.scheduledStart) {
			job.scheduledStart = s.pendingNudge.scheduledStart
		}
		s.pendingNudge = nil
	}
	s.scheduleSyncSessionJob(job)
}

func (s *Scheduler) scheduleConfigImpl(routes routing.Info, workers []routing.Worker,
	source sessions.UpdatesSource, ready func()) {
	s.logger.Debug("scheduling config", "types", routes.TypeSet(), "source", source)
	info := sessions.NewSourceInfo(source, modeltype.PayloadMapFromSet(routes.TypeSet(), ""))
	job := syncSessionJob{
		purpose:        purposeConfiguration,
		scheduledStart: s.clock.Now(),
		session:        sessions.New(s.sctx, s, info, routes, workers),
		ready:          ready,
	}
	s.scheduleSyncSessionJob(job)
}

// createSyncSession builds a session over the registrar's full current
// routing table, with the scheduler itself as delegate.
func (s *Scheduler) createSyncSession(info sessions.SourceInfo) *sessions.SyncSession {
	var routes routing.Info
	var workers []routing.Worker
	if reg := s.sctx.Registrar(); reg != nil {
		routes = reg.RoutingInfo()
		workers = reg.Workers()
	}
	return sessions.New(s.sctx, s, info, routes, workers)
}

// scheduleSyncSessionJob arms the job to run at its scheduled start. A nudge
// becomes the pending nudge so later requests can coalesce into it until it
// dispatches.
func (s *Scheduler) scheduleSyncSessionJob(job syncSessionJob) {
	delay := job.scheduledStart.Sub(s.clock.Now())
	if delay < 0 {
		delay = 0
	}
	s.logger.Debug("scheduling job", "purpose", job.purpose, "delay", delay)

	if job.purpose == purposeNudge {
		pending := job
		s.pendingNudge = &pending
	}
	if delay == 0 {
		s.post("DoSyncSessionJob", func() { s.doSyncSessionJob(job) })
		return
	}
	s.clock.AfterFunc(delay, func() {
		s.post("DoSyncSessionJob", func() { s.doSyncSessionJob(job) })
	})
}

func (s *Scheduler) doSyncSessionJob(job syncSessionJob) {
	if !s.shouldRunJob(job) {
		s.logger.Debug("not executing job",
			"purpose", job.purpose, "source", job.session.Source().Source)
		return
	}

	if job.purpose == purposeNudge {
		if s.pendingNudge == nil || s.pendingNudge.session != job.session {
			s.logger.Debug("dropping nudge, another was scheduled meanwhile")
			return
		}
		s.pendingNudge = nil

		// Routing may have changed while the job sat in the queue. Rebase
		// against a fresh session so disabled types do not sync.
		latest := s.createSyncSession(job.session.Source())
		job.session.RebaseRoutingInfoWithLatest(latest)
	}

	begin, end := stepsForPurpose(job.purpose)
	s.logger.Debug("executing job", "purpose", job.purpose, "begin", begin, "end", end)
	for {
		s.syncer.SyncShare(job.session, begin, end)
		if !job.session.HasMoreToSync() {
			break
		}
		s.logger.Debug("syncer reports more to sync, continuing cycle")
		job.session.ResetTransientState()
		if !s.shouldRunJob(job) {
			break
		}
	}
	s.finishSyncSessionJob(job)
}

// stepsForPurpose maps a job purpose to the syncer step range it may run.
func stepsForPurpose(p jobPurpose) (syncer.Step, syncer.Step) {
	switch p {
	case purposeConfiguration:
		return syncer.StepDownloadUpdates, syncer.StepApplyUpdates
	case purposeClearUserData:
		return syncer.StepClearPrivateData, syncer.StepClearPrivateData
	case purposeCleanupDisabledTypes:
		return syncer.StepCleanupDisabledTypes, syncer.StepCleanupDisabledTypes
	case purposeNudge, purposePoll:
		return syncer.StepBegin, syncer.StepEnd
	}
	return syncer.StepEnd, syncer.StepEnd
}

// shouldRunJob applies the decision policy. A SAVE verdict stashes the job
// and reports false.
func (s *Scheduler) shouldRunJob(job syncSessionJob) bool {
	d := s.decideOnJob(job)
	s.logger.Debug("job decision", "purpose", job.purpose, "mode", s.mode, "decision", d)
	if d == decisionSave {
		s.saveJob(job)
		return false
	}
	return d == decisionContinue
}

func (s *Scheduler) decideOnJob(job syncSessionJob) decision {
	// Explicit user intent and local cleanup run under all circumstances.
	if job.purpose == purposeClearUserData || job.purpose == purposeCleanupDisabledTypes {
		return decisionContinue
	}

	if s.waitInterval != nil {
		return s.decideWhileInWaitInterval(job)
	}

	if s.mode == ModeConfiguration {
		switch job.purpose {
		case purposeNudge:
			// Saved until the mode flips back to normal.
			return decisionSave
		case purposeConfiguration:
			return decisionContinue
		default:
			return decisionDrop
		}
	}

	if job.purpose == purposeConfiguration {
		s.logger.Warn("dropping configuration job outside configuration mode")
		return decisionDrop
	}

	// Work scheduled before the last cycle ended was absorbed by it.
	if !job.isCanary && job.scheduledStart.Before(s.lastCycleEnd) {
		s.logger.Debug("dropping job because of freshness")
		return decisionDrop
	}

	if s.serverConnectionOK {
		return decisionContinue
	}
	if job.purpose == purposeNudge {
		// Replayed by the canary when the connection comes back.
		return decisionSave
	}
	return decisionDrop
}

func (s *Scheduler) decideWhileInWaitInterval(job syncSessionJob) decision {
	wi := s.waitInterval
	s.logger.Debug("deciding job inside wait interval",
		"mode", wi.mode, "hadNudge", wi.hadNudge, "canary", job.isCanary)

	if job.purpose == purposePoll {
		return decisionDrop
	}
	// Canaries exist to probe whether the interval can end early; they pass.
	if job.isCanary {
		return decisionContinue
	}
	if wi.mode == waitThrottled {
		if job.purpose == purposeConfiguration {
			return decisionSave
		}
		return decisionDrop
	}

	// Exponential backoff.
	if job.purpose == purposeNudge {
		if s.mode == ModeConfiguration {
			return decisionSave
		}
		if wi.hadNudge {
			return decisionDrop
		}
		return decisionContinue
	}
	return decisionSave
}

func (s *Scheduler) saveJob(job syncSessionJob) {
	switch job.purpose {
	case purposeNudge:
		s.logger.Debug("saving nudge job")
		s.initOrCoalescePendingJob(job)
	case purposeConfiguration:
		if s.waitInterval == nil {
			s.logger.Error("no wait interval to save a configuration job into")
			return
		}
		s.logger.Debug("saving configuration job")
		old := job.session
		saved := job
		saved.session = sessions.New(s.sctx, s, old.Source(), old.RoutingInfo(), old.Workers())
		saved.scheduledStart = s.clock.Now()
		saved.isCanary = false
		s.waitInterval.pendingConfigureJob = &saved
	default:
		// Other purposes are regenerated by their timers; nothing to keep.
	}
}

// initOrCoalescePendingJob makes job the pending nudge, or folds it into the
// one already waiting.
func (s *Scheduler) initOrCoalescePendingJob(job syncSessionJob) {
	if s.pendingNudge == nil {
		src := job.session
		session := sessions.New(src.Context(), src.Delegate(), src.Source(), src.RoutingInfo(), src.Workers())
		pending := syncSessionJob{
			purpose:        purposeNudge,
			scheduledStart: job.scheduledStart,
			session:        session,
		}
		s.pendingNudge = &pending
		return
	}
	s.logger.Debug("coalescing into pending nudge")
	s.pendingNudge.session.Coalesce(job.session)
	s.pendingNudge.scheduledStart = job.scheduledStart
}

func (s *Scheduler) finishSyncSessionJob(job syncSessionJob) {
	s.lastCycleEnd = s.clock.Now()

	// The in-cycle exchanges are the authoritative reachability signal.
	s.updateConnectionStatus(s.sctx.Connection().Status())

	s.updateCarryoverSessionState(job)

	if s.IsSyncingCurrentlySilenced() {
		s.logger.Debug("throttled, not scheduling next sync")
		s.saveJob(job)
		return
	}
	s.scheduleNextSync(job)
}

// updateCarryoverSessionState records which types the finished job touched
// so a later cleanup pass knows what was ever downloaded.
func (s *Scheduler) updateCarryoverSessionState(job syncSessionJob) {
	if job.purpose == purposeConfiguration {
		prev := s.sctx.PreviousSessionRoutingInfo()
		if len(prev) > 0 {
			prev.Merge(job.session.RoutingInfo())
			s.sctx.SetPreviousSessionRoutingInfo(prev)
			return
		}
	}
	s.sctx.SetPreviousSessionRoutingInfo(job.session.RoutingInfo())
}

func (s *Scheduler) scheduleNextSync(oldJob syncSessionJob) {
	s.adjustPolling(&oldJob)

	if oldJob.session.Succeeded() {
		// Success implies backoff relief.
		s.clearWaitInterval()
		s.logger.Debug("job succeeded, not scheduling more jobs")
		if oldJob.ready != nil {
			oldJob.ready()
		}
		return
	}

	if s.isBackingOff() && !s.waitInterval.fired && s.mode == ModeNormal {
		// The one nudge this backoff interval admits just failed. Keep it
		// pending for the canary and resume waiting; hadNudge stays set
		// until the interval completes.
		s.logger.Debug("nudge failed during backoff")
		s.waitInterval.hadNudge = true
		s.initOrCoalescePendingJob(oldJob)
		s.restartWaiting()
		return
	}

	if oldJob.session.Source().Source == sessions.SourceSyncCycleContinuation {
		// No forward progress; start or extend backoff.
		s.handleConsecutiveContinuationError(oldJob)
		return
	}

	s.logger.Debug("job failed, scheduling continuation")
	if oldJob.purpose == purposeConfiguration {
		s.scheduleConfigImpl(oldJob.session.RoutingInfo(), oldJob.session.Workers(),
			sessions.SourceSyncCycleContinuation, oldJob.ready)
		return
	}
	s.scheduleNudgeImpl(0, sessions.SourceSyncCycleContinuation,
		oldJob.session.Source().Types, false)
}

func (s *Scheduler) handleConsecutiveContinuationError(oldJob syncSessionJob) {
	last := time.Second
	if s.isBackingOff() {
		last = s.waitInterval.length
	}
	length := s.delay.GetDelay(last)
	s.logger.Debug("continuation error, backing off",
		"purpose", oldJob.purpose, "length", length)

	s.setWaitInterval(waitExponentialBackoff, length)
	if oldJob.purpose == purposeConfiguration {
		old := oldJob.session
		saved := oldJob
		saved.session = sessions.New(s.sctx, s, old.Source(), old.RoutingInfo(), old.Workers())
		saved.scheduledStart = s.clock.Now().Add(length)
		saved.isCanary = false
		s.waitInterval.pendingConfigureJob = &saved
		return
	}
	s.initOrCoalescePendingJob(oldJob)
}

// adjustPolling picks the poll interval for the current notification state.
// Any non-poll job completion resets the timer's phase so polls stay spaced
// a full interval from real work.
func (s *Scheduler) adjustPolling(oldJob *syncSessionJob) {
	interval := s.shortPollInterval
	if s.sctx.NotificationsEnabled() {
		interval = s.longPollInterval
	}
	rateChanged := s.pollTimer == nil || interval != s.pollInterval
	if !rateChanged {
		if oldJob != nil && oldJob.purpose != purposePoll {
			s.armPollTimer(interval)
		}
		return
	}
	s.logger.Debug("adjusting poll interval", "interval", interval)
	s.armPollTimer(interval)
}

func (s *Scheduler) armPollTimer(interval time.Duration) {
	if s.pollTimer != nil {
		s.pollTimer.Stop()
	}
	s.pollGen++
	s.pollInterval = interval
	gen := s.pollGen
	s.pollTimer = s.clock.AfterFunc(interval, func() {
		s.post("PollTimerCallback", func() { s.pollTick(gen) })
	})
}

// pollTick re-arms the repeating poll timer and enqueues one poll job.
// A stale generation means the timer was superseded; the fire is inert.
func (s *Scheduler) pollTick(gen uint64) {
	if gen != s.pollGen || s.stopping {
		return
	}
	s.pollTimer = s.clock.AfterFunc(s.pollInterval, func() {
		s.post("PollTimerCallback", func() { s.pollTick(gen) })
	})
	info := sessions.NewSourceInfo(sessions.SourcePeriodic, modeltype.PayloadMap{})
	job := syncSessionJob{
		purpose:        purposePoll,
		scheduledStart: s.clock.Now(),
		session:        s.createSyncSession(info),
	}
	s.scheduleSyncSessionJob(job)
}

func (s *Scheduler) setWaitInterval(mode waitMode, length time.Duration) {
	s.clearWaitInterval()
	s.waitInterval = &waitInterval{mode: mode, length: length}
	s.restartWaiting()
}

func (s *Scheduler) clearWaitInterval() {
	if s.waitInterval == nil {
		return
	}
	if s.waitInterval.timer != nil {
		s.waitInterval.timer.Stop()
	}
	s.timerSeq++
	s.waitInterval = nil
}

// restartWaiting arms (or re-arms) the live wait interval's timer for its
// full length.
func (s *Scheduler) restartWaiting() {
	wi := s.waitInterval
	if wi == nil {
		return
	}
	if wi.timer != nil {
		wi.timer.Stop()
	}
	s.timerSeq++
	seq := s.timerSeq
	wi.timerSeq = seq
	wi.fired = false
	wi.timer = s.clock.AfterFunc(wi.length, func() {
		s.post("WaitIntervalTimer", func() { s.onWaitIntervalTimer(wi, seq) })
	})
}

func (s *Scheduler) onWaitIntervalTimer(wi *waitInterval, seq uint64) {
	if s.waitInterval != wi || wi.timerSeq != seq {
		return
	}
	wi.fired = true
	if wi.mode == waitThrottled {
		s.unthrottle()
		return
	}
	s.logger.Debug("backoff interval ended, doing canary job")
	s.doCanaryJob()
}

// unthrottle ends a throttle interval. The interval is cleared before the
// canary runs so the canary's own completion does not see itself as still
// silenced and save the job back into the interval being torn down.
func (s *Scheduler) unthrottle() {
	s.logger.Debug("unthrottled")
	pendingConfig := s.waitInterval.pendingConfigureJob
	s.clearWaitInterval()
	if s.mode == ModeConfiguration && pendingConfig != nil {
		job := *pendingConfig
		job.isCanary = true
		s.doSyncSessionJob(job)
		return
	}
	s.doCanaryJob()
}

func (s *Scheduler) doCanaryJob() {
	s.doPendingJobIfPossible(true)
}

// doPendingJobIfPossible replays whichever saved job the current mode cares
// about: the wait interval's configuration job in configuration mode, the
// pending nudge in normal mode.
func (s *Scheduler) doPendingJobIfPossible(isCanary bool) {
	var pending *syncSessionJob
	switch {
	case s.mode == ModeConfiguration && s.waitInterval != nil && s.waitInterval.pendingConfigureJob != nil:
		s.logger.Debug("found pending configure job")
		pending = s.waitInterval.pendingConfigureJob
	case s.mode == ModeNormal && s.pendingNudge != nil:
		s.logger.Debug("found pending nudge job")
		if s.pendingNudge.scheduledStart.Before(s.clock.Now()) {
			s.pendingNudge.scheduledStart = s.clock.Now()
		}
		// Fold in the latest routing info before replaying.
		latest := s.createSyncSession(s.pendingNudge.session.Source())
		s.pendingNudge.session.Coalesce(latest)
		pending = s.pendingNudge
	default:
		return
	}
	job := *pending
	job.isCanary = isCanary
	s.doSyncSessionJob(job)
}

func (s *Scheduler) isBackingOff() bool {
	return s.waitInterval != nil && s.waitInterval.mode == waitExponentialBackoff
}

// The scheduler is the delegate of every session it creates. The syncer
// calls these while a cycle runs, which puts them on the loop goroutine.

func (s *Scheduler) OnSilencedUntil(silencedUntil time.Time) {
	s.setWaitInterval(waitThrottled, silencedUntil.Sub(s.clock.Now()))
}

func (s *Scheduler) IsSyncingCurrentlySilenced() bool {
	return s.waitInterval != nil && s.waitInterval.mode == waitThrottled
}

func (s *Scheduler) OnReceivedShortPollIntervalUpdate(newInterval time.Duration) {
	s.shortPollInterval = newInterval
}

func (s *Scheduler) OnReceivedLongPollIntervalUpdate(newInterval time.Duration) {
	s.longPollInterval = newInterval
}

func (s *Scheduler) OnReceivedSessionsCommitDelay(newDelay time.Duration) {
	s.sessionsCommitDelay.Store(int64(newDelay))
}

func (s *Scheduler) OnShouldStopSyncingPermanently() {
	s.logger.Warn("server ordered permanent sync stop")
	s.syncer.RequestEarlyExit()
	s.sctx.NotifyListeners(sessions.Event{Cause: sessions.EventStopSyncingPermanently})
}

func (s *Scheduler) OnSyncProtocolError(snapshot *sessions.Snapshot) {
	if transport.ShouldRequestEarlyExit(snapshot.Errors.ProtocolError) {
		s.logger.Debug("sync protocol error, requesting early exit")
		s.syncer.RequestEarlyExit()
	}
	if transport.IsActionableError(snapshot.Errors.ProtocolError) {
		s.sctx.NotifyListeners(sessions.Event{
			Cause:    sessions.EventActionableError,
			Snapshot: snapshot,
		})
	}
}
