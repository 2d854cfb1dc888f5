// Package manager is the process-facing façade over the sync engine. It
// owns the directory, the scheduler, the aggregated status and the observer
// fan-out; application goroutines talk to the engine exclusively through a
// SyncManager.
package manager

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/driftlab/driftsync/internal/crypto"
	"github.com/driftlab/driftsync/internal/directory"
	"github.com/driftlab/driftsync/internal/jsonx"
	"github.com/driftlab/driftsync/internal/modeltype"
	"github.com/driftlab/driftsync/internal/routing"
	"github.com/driftlab/driftsync/internal/scheduler"
	"github.com/driftlab/driftsync/internal/sessions"
	"github.com/driftlab/driftsync/internal/syncer"
	"github.com/driftlab/driftsync/internal/transport"
)

var (
	ErrAlreadyInitialized = errors.New("manager: already initialized")
	ErrNotInitialized     = errors.New("manager: not initialized")
	ErrNoConnection       = errors.New("manager: no server connection configured")
	ErrNoRegistrar        = errors.New("manager: no worker registrar configured")
)

// DefaultSaveInterval is how often dirty directory state flushes to disk
// between cycles.
const DefaultSaveInterval = 10 * time.Second

// ConnectionEventSource lets the manager subscribe engine components to
// transport status changes. *transport.ConnectionManager implements it.
type ConnectionEventSource interface {
	AddListener(transport.Listener)
	RemoveListener(transport.Listener)
}

// CredentialStore accepts refreshed credentials.
// *transport.ConnectionManager implements it.
type CredentialStore interface {
	SetCredentials(transport.Credentials) error
}

// Config wires a SyncManager. Account, DataDir, Connection and Registrar are
// required; everything else has defaults.
type Config struct {
	Account string
	DataDir string

	Connection sessions.ServerConnection
	// ConnectionEvents, when set, feeds transport status changes to the
	// scheduler, the status aggregate and the observers.
	ConnectionEvents ConnectionEventSource
	// Credentials, when set, receives UpdateCredentials calls.
	Credentials CredentialStore

	Registrar routing.Registrar

	// MachineSecret overrides the hardware-bound bootstrap secret. Tests set
	// it; production leaves it empty.
	MachineSecret string

	ShortPollInterval time.Duration
	LongPollInterval  time.Duration
	SaveInterval      time.Duration

	Clock  clockwork.Clock
	Logger *slog.Logger
}

// SyncManager is the engine façade. Construct with NewSyncManager, wire with
// Init, tear down with StopSyncingForShutdown then ShutdownOnSyncThread.
type SyncManager struct {
	name   string
	logger *slog.Logger
	clock  clockwork.Clock

	mu          sync.Mutex
	initialized bool
	observers   []Observer

	account   string
	hostname  string
	dirs      *directory.Manager
	dir       *directory.Directory
	conn      sessions.ServerConnection
	connEvts  ConnectionEventSource
	creds     CredentialStore
	registrar routing.Registrar
	sctx      *sessions.Context
	sched     *scheduler.Scheduler
	allStatus *AllStatus

	encryptedTypes    modeltype.Set
	encryptEverything bool

	saveInterval time.Duration
	saveStop     chan struct{}
	saveDone     chan struct{}
}

func NewSyncManager(name string) *SyncManager {
	return &SyncManager{
		name:   name,
		logger: slog.Default().With("manager", name),
		clock:  clockwork.NewRealClock(),
	}
}

// Init opens the directory, restores encryption state, builds the session
// context and the scheduler, and starts the periodic save loop. It must run
// exactly once, before any other engine call.
func (m *SyncManager) Init(cfg Config) error {
	m.mu.Lock()
	if m.initialized {
		m.mu.Unlock()
		return ErrAlreadyInitialized
	}
	m.mu.Unlock()

	if err := m.initImpl(cfg); err != nil {
		m.notifyObservers(func(o Observer) { o.OnInitializationComplete(false) })
		return err
	}
	m.notifyObservers(func(o Observer) { o.OnInitializationComplete(true) })
	return nil
}

func (m *SyncManager) initImpl(cfg Config) error {
	if cfg.Connection == nil {
		return ErrNoConnection
	}
	if cfg.Registrar == nil {
		return ErrNoRegistrar
	}
	if cfg.Logger != nil {
		m.logger = cfg.Logger.With("manager", m.name)
	}
	if cfg.Clock != nil {
		m.clock = cfg.Clock
	}

	cry := crypto.NewCryptographer()
	if cfg.MachineSecret != "" {
		cry = crypto.NewCryptographerWithMachineSecret(cfg.MachineSecret)
	}
	dirs, err := directory.NewManager(cfg.DataDir, cry)
	if err != nil {
		return fmt.Errorf("open directory manager: %w", err)
	}
	dir, err := dirs.Open(cfg.Account)
	if err != nil {
		dirs.CloseAll()
		return fmt.Errorf("open directory for %s: %w", cfg.Account, err)
	}

	// Restore the keybag minted by the last run, if any. A stale or foreign
	// token is not fatal; the passphrase flow recovers.
	if err := m.bootstrapEncryption(dirs, dir); err != nil {
		m.logger.Warn("bootstrap token rejected, passphrase required", "error", err)
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "localhost"
	}

	m.mu.Lock()
	m.account = cfg.Account
	m.hostname = hostname
	m.dirs = dirs
	m.dir = dir
	m.conn = cfg.Connection
	m.connEvts = cfg.ConnectionEvents
	m.creds = cfg.Credentials
	m.registrar = cfg.Registrar
	m.encryptedTypes = modeltype.NewSet(modeltype.Passwords)
	m.allStatus = NewAllStatus(m.logger, m.clock.Now)
	m.saveInterval = cfg.SaveInterval
	if m.saveInterval <= 0 {
		m.saveInterval = DefaultSaveInterval
	}
	m.mu.Unlock()

	m.sctx = sessions.NewContext(cfg.Connection, dirs, cfg.Account, cfg.Registrar,
		[]sessions.EventListener{m.allStatus, sessionForwarder{m}}, m.logger)

	sy := syncer.New(m.clock, m.logger)
	m.sched = scheduler.New(m.name, m.sctx, sy,
		scheduler.WithClock(m.clock),
		scheduler.WithLogger(m.logger),
		scheduler.WithPollIntervals(cfg.ShortPollInterval, cfg.LongPollInterval))

	if m.connEvts != nil {
		m.connEvts.AddListener(m.sched)
		m.connEvts.AddListener(m.allStatus)
		m.connEvts.AddListener(connectionForwarder{m})
	}
	dir.SetChangeDelegate(changeForwarder{m})

	m.saveStop = make(chan struct{})
	m.saveDone = make(chan struct{})
	go m.saveLoop()

	m.mu.Lock()
	m.initialized = true
	m.mu.Unlock()
	m.logger.Info("sync manager initialized",
		"account", cfg.Account, "cacheGuid", dir.CacheGUID())
	return nil
}

func (m *SyncManager) bootstrapEncryption(dirs *directory.Manager, dir *directory.Directory) error {
	token := dir.BootstrapToken()
	if token == "" {
		return nil
	}
	return dir.View(func(tx *directory.ReadTx) error {
		return dirs.Cryptographer(tx).Bootstrap(token)
	})
}

// AddObserver registers o. Registration before Init is allowed.
func (m *SyncManager) AddObserver(o Observer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, o)
}

// RemoveObserver drops a previously registered observer.
func (m *SyncManager) RemoveObserver(o Observer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, have := range m.observers {
		if have == o {
			m.observers = append(m.observers[:i], m.observers[i+1:]...)
			return
		}
	}
}

// notifyObservers calls fn for every observer, in registration order, outside
// the manager lock.
func (m *SyncManager) notifyObservers(fn func(Observer)) {
	m.mu.Lock()
	observers := append([]Observer(nil), m.observers...)
	m.mu.Unlock()
	for _, o := range observers {
		fn(o)
	}
}

// ConfigureSyncer switches the scheduler to configuration mode and downloads
// exactly the given types. ready fires only once a configuration cycle for
// those types has succeeded; the caller then resumes normal syncing with
// StartSyncingNormally.
func (m *SyncManager) ConfigureSyncer(types modeltype.Set, ready func()) error {
	if m.sched == nil {
		return ErrNotInitialized
	}
	m.logger.Info("configuring syncer", "types", types)
	m.sched.Start(scheduler.ModeConfiguration, nil)
	return m.sched.ScheduleConfig(types, sessions.SourceReconfiguration, ready)
}

// StartSyncingNormally flips the scheduler into normal mode, releasing any
// nudges saved while configuring.
func (m *SyncManager) StartSyncingNormally() {
	if m.sched == nil {
		return
	}
	m.sched.Start(scheduler.ModeNormal, nil)
}

// RequestNudge schedules a sync of every currently routed type.
func (m *SyncManager) RequestNudge(delay time.Duration) {
	if m.sched == nil {
		return
	}
	m.sched.ScheduleNudge(delay, sessions.NudgeLocal, m.registrar.RoutingInfo().TypeSet())
}

// RequestNudgeForTypes schedules a sync of just the given types, after the
// default nudge hold. SESSIONS changes wait out the server-tuned commit
// delay instead so rapid tab churn batches.
func (m *SyncManager) RequestNudgeForTypes(types modeltype.Set) {
	if m.sched == nil {
		return
	}
	delay := scheduler.DefaultNudgeDelay
	if types.Has(modeltype.Sessions) {
		if d := m.sched.SessionsCommitDelay(); d > delay {
			delay = d
		}
	}
	m.sched.ScheduleNudge(delay, sessions.NudgeLocal, types)
}

// RequestClearServerData asks the server to wipe this account.
func (m *SyncManager) RequestClearServerData() {
	if m.sched == nil {
		return
	}
	m.sched.ScheduleClearUserData()
}

// RequestCleanupDisabledTypes purges local state for types dropped from the
// routing table since the previous session.
func (m *SyncManager) RequestCleanupDisabledTypes() {
	if m.sched == nil {
		return
	}
	m.sched.ScheduleCleanupDisabledTypes()
}

// UpdateCredentials installs fresh credentials and pokes the scheduler in
// case the last cycle died on an auth error.
func (m *SyncManager) UpdateCredentials(creds transport.Credentials) error {
	if m.creds != nil {
		if err := m.creds.SetCredentials(creds); err != nil {
			return err
		}
	}
	if m.sched != nil {
		m.sched.OnCredentialsUpdated()
	}
	return nil
}

// OnIncomingInvalidation is the notifier's entry point: server-pushed type
// payloads become a notification-sourced nudge.
func (m *SyncManager) OnIncomingInvalidation(payloads modeltype.PayloadMap) {
	if m.sched == nil {
		return
	}
	m.allStatus.IncrementNotificationsReceived()
	m.sched.ScheduleNudgeWithPayloads(scheduler.DefaultNudgeDelay, sessions.NudgeNotification, payloads)
}

// OnNotificationStateChange tracks push channel health: the scheduler flips
// its poll cadence and the aggregate records it.
func (m *SyncManager) OnNotificationStateChange(enabled bool) {
	if m.sched == nil {
		return
	}
	m.allStatus.SetNotificationsEnabled(enabled)
	m.sched.SetNotificationsEnabled(enabled)
}

// SetEncryptionPassphrase installs a passphrase for encrypting data. Setting
// the passphrase that is already in effect is a no-op. If sealed keys from
// another device are pending, the passphrase is tried against them instead
// of minting a new key.
func (m *SyncManager) SetEncryptionPassphrase(passphrase string) error {
	return m.setPassphrase(passphrase, false)
}

// SetDecryptionPassphrase supplies the passphrase for pending keys received
// from the server. Re-supplying an accepted passphrase is a no-op.
func (m *SyncManager) SetDecryptionPassphrase(passphrase string) error {
	return m.setPassphrase(passphrase, true)
}

func (m *SyncManager) setPassphrase(passphrase string, forDecryption bool) error {
	if m.dir == nil {
		return ErrNotInitialized
	}
	params := crypto.KeyParams{
		Hostname: m.hostname,
		Username: m.account,
		Password: passphrase,
	}

	var token string
	var alreadyApplied, wrongPassphrase bool
	var pending *crypto.EncryptedData
	err := m.dir.Update(directory.WriterLocal, func(tx *directory.WriteTx) error {
		cry := m.dirs.Cryptographer(tx)
		if cry.IsDefaultKey(params) && !cry.HasPendingKeys() {
			alreadyApplied = true
			return nil
		}
		if cry.HasPendingKeys() {
			if err := cry.DecryptPendingKeys(params); err != nil {
				wrongPassphrase = true
				pending = cry.PendingKeys()
				return err
			}
		} else {
			if forDecryption {
				return crypto.ErrNoPendingKeys
			}
			if err := cry.AddKey(params); err != nil {
				return err
			}
		}
		var err error
		token, err = cry.BootstrapToken()
		return err
	})
	if alreadyApplied {
		m.logger.Debug("passphrase already in effect")
		return nil
	}
	if wrongPassphrase {
		m.notifyObservers(func(o Observer) {
			o.OnPassphraseRequired(ReasonSetPassphraseFailed, pending)
		})
		return err
	}
	if err != nil {
		return err
	}

	m.dir.SetBootstrapToken(token)
	m.notifyObservers(func(o Observer) { o.OnPassphraseAccepted(token) })

	// Publish the new keybag and re-sync anything waiting on the keys.
	if err := m.updateNigoriNode(); err != nil {
		m.logger.Error("could not stage nigori keybag", "error", err)
	}
	m.RequestNudgeForTypes(modeltype.NewSet(modeltype.Nigori))
	return nil
}

// EncryptDataTypes extends the encrypted set to cover types. Passwords are
// always encrypted and cannot be removed. Shrinking the set is not
// supported; already-encrypted types stay encrypted.
func (m *SyncManager) EncryptDataTypes(types modeltype.Set) error {
	if m.dir == nil {
		return ErrNotInitialized
	}
	m.mu.Lock()
	next := m.encryptedTypes | types.With(modeltype.Passwords)
	changed := !next.Equal(m.encryptedTypes)
	encryptEverything := m.encryptEverything
	m.mu.Unlock()
	if !changed {
		return nil
	}

	var ready bool
	var pending *crypto.EncryptedData
	_ = m.dir.View(func(tx *directory.ReadTx) error {
		cry := m.dirs.Cryptographer(tx)
		ready = cry.Ready()
		pending = cry.PendingKeys()
		return nil
	})
	if !ready {
		reason := ReasonEncryption
		if pending != nil {
			reason = ReasonDecryption
		}
		m.notifyObservers(func(o Observer) { o.OnPassphraseRequired(reason, pending) })
		return crypto.ErrNotReady
	}

	m.mu.Lock()
	m.encryptedTypes = next
	m.mu.Unlock()
	if err := m.updateNigoriNode(); err != nil {
		return err
	}
	m.notifyObservers(func(o Observer) {
		o.OnEncryptedTypesChanged(next, encryptEverything)
	})
	m.RequestNudgeForTypes(modeltype.NewSet(modeltype.Nigori))
	return nil
}

// EncryptedTypes returns the current encrypted set.
func (m *SyncManager) EncryptedTypes() (modeltype.Set, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.encryptedTypes, m.encryptEverything
}

// updateNigoriNode stages the current keybag and encrypted-types set onto
// the NIGORI entry, creating it on first use, and marks it for commit.
func (m *SyncManager) updateNigoriNode() error {
	m.mu.Lock()
	types := m.encryptedTypes
	encryptEverything := m.encryptEverything
	m.mu.Unlock()

	return m.dir.Update(directory.WriterLocal, func(tx *directory.WriteTx) error {
		cry := m.dirs.Cryptographer(tx)
		keys, err := cry.GetKeys()
		if err != nil {
			return err
		}
		spec := crypto.NigoriSpecifics{
			Keybag:            keys,
			EncryptedTypes:    types,
			EncryptEverything: encryptEverything,
		}
		payload, err := spec.Marshal()
		if err != nil {
			return err
		}
		raw, err := jsonx.Marshal(modeltype.EntitySpecifics{"nigori": payload})
		if err != nil {
			return err
		}

		for _, h := range tx.Handles() {
			e, ok := tx.EntryByHandle(h)
			if !ok || e.Type != modeltype.Nigori || e.Deleted {
				continue
			}
			e.Specifics = string(raw)
			e.Unsynced = true
			return tx.Put(e)
		}
		_, err = tx.Create(directory.EntryKernel{
			ParentID:  directory.Root,
			Type:      modeltype.Nigori,
			Name:      "Nigori",
			Specifics: string(raw),
			Unsynced:  true,
		})
		return err
	})
}

// IsUsingExplicitPassphrase reports whether a key is installed and no keys
// are pending.
func (m *SyncManager) IsUsingExplicitPassphrase() bool {
	if m.dir == nil {
		return false
	}
	var ready bool
	_ = m.dir.View(func(tx *directory.ReadTx) error {
		ready = m.dirs.Cryptographer(tx).Ready()
		return nil
	})
	return ready
}

// GetStatus returns the aggregated engine status.
func (m *SyncManager) GetStatus() SyncStatus {
	if m.allStatus == nil {
		return SyncStatus{}
	}
	return m.allStatus.Status()
}

// HasUnsyncedItems reports whether local changes await commit.
func (m *SyncManager) HasUnsyncedItems() bool {
	if m.dir == nil {
		return false
	}
	return m.dir.UnsyncedCount() > 0
}

// CacheGUID is this install's stable client id.
func (m *SyncManager) CacheGUID() string {
	if m.dir == nil {
		return ""
	}
	return m.dir.CacheGUID()
}

// Directory exposes the account store for the debug surface.
func (m *SyncManager) Directory() *directory.Directory { return m.dir }

// SaveChanges flushes dirty directory state now.
func (m *SyncManager) SaveChanges() error {
	if m.dir == nil {
		return ErrNotInitialized
	}
	return m.dir.SaveChanges()
}

func (m *SyncManager) saveLoop() {
	defer close(m.saveDone)
	ticker := m.clock.NewTicker(m.saveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.Chan():
			if err := m.dir.SaveChanges(); err != nil {
				m.logger.Error("periodic save failed", "error", err)
			}
		case <-m.saveStop:
			return
		}
	}
}

// StopSyncingForShutdown is shutdown phase one: abort any in-flight cycle at
// the next step boundary and stop accepting work. Safe to call more than
// once.
func (m *SyncManager) StopSyncingForShutdown() {
	if m.sched == nil {
		return
	}
	m.logger.Info("stopping sync for shutdown")
	m.sched.Stop()
}

// ShutdownOnSyncThread is shutdown phase two: flush and release everything.
// Call after StopSyncingForShutdown has returned.
func (m *SyncManager) ShutdownOnSyncThread() error {
	m.mu.Lock()
	if !m.initialized {
		m.mu.Unlock()
		return nil
	}
	m.initialized = false
	m.mu.Unlock()

	close(m.saveStop)
	<-m.saveDone

	if m.connEvts != nil {
		m.connEvts.RemoveListener(m.sched)
		m.connEvts.RemoveListener(m.allStatus)
		m.connEvts.RemoveListener(connectionForwarder{m})
	}
	m.dir.SetChangeDelegate(nil)

	var errs []error
	if err := m.dir.SaveChanges(); err != nil {
		errs = append(errs, fmt.Errorf("final save: %w", err))
	}
	if err := m.dirs.CloseAll(); err != nil {
		errs = append(errs, fmt.Errorf("close directories: %w", err))
	}
	m.logger.Info("sync manager shut down")
	return errors.Join(errs...)
}

// sessionForwarder translates engine events into observer callbacks.
type sessionForwarder struct {
	m *SyncManager
}

func (f sessionForwarder) OnSyncEngineEvent(event sessions.Event) {
	switch event.Cause {
	case sessions.EventSyncCycleEnded:
		f.m.notifyObservers(func(o Observer) { o.OnSyncCycleCompleted(event.Snapshot) })
	case sessions.EventStatusChanged:
		// Aggregated by AllStatus; observers only hear completed cycles.
	case sessions.EventStopSyncingPermanently:
		f.m.notifyObservers(func(o Observer) { o.OnStopSyncingPermanently() })
	case sessions.EventClearServerDataSucceeded:
		f.m.notifyObservers(func(o Observer) { o.OnClearServerDataSucceeded() })
	case sessions.EventClearServerDataFailed:
		f.m.notifyObservers(func(o Observer) { o.OnClearServerDataFailed() })
	case sessions.EventUpdatedToken:
		f.m.notifyObservers(func(o Observer) { o.OnUpdatedToken(event.UpdatedToken) })
	case sessions.EventActionableError:
		if event.Snapshot == nil {
			return
		}
		perr := event.Snapshot.Errors.ProtocolError
		f.m.notifyObservers(func(o Observer) { o.OnActionableError(perr) })
	}
}

// connectionForwarder mirrors transport status changes to observers.
type connectionForwarder struct {
	m *SyncManager
}

func (f connectionForwarder) OnConnectionEvent(e transport.Event) {
	f.m.notifyObservers(func(o Observer) { o.OnConnectionStatusChange(e.Code) })
}
