package manager

import (
	"context"
	"sync"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftlab/driftsync/internal/crypto"
	"github.com/driftlab/driftsync/internal/directory"
	"github.com/driftlab/driftsync/internal/modeltype"
	"github.com/driftlab/driftsync/internal/routing"
	"github.com/driftlab/driftsync/internal/transport"
)

const testAccount = "pilot@driftlab.dev"

type stubConnection struct {
	mu   sync.Mutex
	code transport.ConnectionCode
}

func (c *stubConnection) Status() transport.ConnectionCode {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.code == transport.ConnectionNone {
		return transport.ConnectionOK
	}
	return c.code
}

func (c *stubConnection) ServerReachable() bool {
	return c.Status() != transport.ConnectionUnavailable
}

func (c *stubConnection) DownloadUpdates(context.Context, *transport.DownloadUpdatesRequest) (*transport.DownloadUpdatesResponse, error) {
	return &transport.DownloadUpdatesResponse{}, nil
}

func (c *stubConnection) Commit(context.Context, *transport.CommitRequest) (*transport.CommitResponse, error) {
	return &transport.CommitResponse{}, nil
}

func (c *stubConnection) ClearUserData(context.Context, *transport.ClearUserDataRequest) (*transport.ClearUserDataResponse, error) {
	return &transport.ClearUserDataResponse{}, nil
}

type fakeRegistrar struct {
	routes  routing.Info
	workers []routing.Worker
}

func (r *fakeRegistrar) RoutingInfo() routing.Info  { return r.routes.Copy() }
func (r *fakeRegistrar) Workers() []routing.Worker { return r.workers }

// fakeConnEvents records listener registration and fans events out like the
// real connection manager.
type fakeConnEvents struct {
	mu        sync.Mutex
	listeners []transport.Listener
}

func (f *fakeConnEvents) AddListener(l transport.Listener) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listeners = append(f.listeners, l)
}

func (f *fakeConnEvents) RemoveListener(l transport.Listener) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, have := range f.listeners {
		if have == l {
			f.listeners = append(f.listeners[:i], f.listeners[i+1:]...)
			return
		}
	}
}

func (f *fakeConnEvents) emit(e transport.Event) {
	f.mu.Lock()
	listeners := append([]transport.Listener(nil), f.listeners...)
	f.mu.Unlock()
	for _, l := range listeners {
		l.OnConnectionEvent(e)
	}
}

// managerObserver records every observer callback relevant to these tests.
type managerObserver struct {
	NoopObserver
	mu                sync.Mutex
	initResults       []bool
	passphraseReqs    []PassphraseReason
	acceptedTokens    []string
	encryptedTypes    []modeltype.Set
	connectionChanges []transport.ConnectionCode
}

func (o *managerObserver) OnInitializationComplete(success bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.initResults = append(o.initResults, success)
}

func (o *managerObserver) OnPassphraseRequired(reason PassphraseReason, _ *crypto.EncryptedData) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.passphraseReqs = append(o.passphraseReqs, reason)
}

func (o *managerObserver) OnPassphraseAccepted(token string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.acceptedTokens = append(o.acceptedTokens, token)
}

func (o *managerObserver) OnEncryptedTypesChanged(types modeltype.Set, _ bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.encryptedTypes = append(o.encryptedTypes, types)
}

func (o *managerObserver) OnConnectionStatusChange(code transport.ConnectionCode) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.connectionChanges = append(o.connectionChanges, code)
}

type managerFixture struct {
	m      *SyncManager
	obs    *managerObserver
	conn   *stubConnection
	events *fakeConnEvents
	clock  clockwork.FakeClock
}

func newManagerFixture(t *testing.T) *managerFixture {
	t.Helper()
	f := &managerFixture{
		obs:    &managerObserver{},
		conn:   &stubConnection{},
		events: &fakeConnEvents{},
		clock:  clockwork.NewFakeClock(),
	}
	f.m = NewSyncManager("test")
	f.m.AddObserver(f.obs)

	reg := &fakeRegistrar{
		routes: routing.Info{
			modeltype.Bookmarks:   routing.GroupUI,
			modeltype.Preferences: routing.GroupUI,
			modeltype.Nigori:      routing.GroupPassive,
		},
		workers: []routing.Worker{
			routing.PassiveWorker{},
			routing.InlineWorker{ModelGroup: routing.GroupUI},
		},
	}

	err := f.m.Init(Config{
		Account:          testAccount,
		DataDir:          t.TempDir(),
		Connection:       f.conn,
		ConnectionEvents: f.events,
		Registrar:        reg,
		MachineSecret:    "mgr-secret",
		Clock:            f.clock,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		f.m.StopSyncingForShutdown()
		_ = f.m.ShutdownOnSyncThread()
	})
	return f
}

func TestInitRunsOnce(t *testing.T) {
	f := newManagerFixture(t)
	assert.Equal(t, []bool{true}, f.obs.initResults)

	err := f.m.Init(Config{})
	assert.ErrorIs(t, err, ErrAlreadyInitialized)
	assert.Equal(t, []bool{true}, f.obs.initResults)
}

func TestInitRequiresConnectionAndRegistrar(t *testing.T) {
	obs := &managerObserver{}
	m := NewSyncManager("test")
	m.AddObserver(obs)

	err := m.Init(Config{Registrar: &fakeRegistrar{}})
	assert.ErrorIs(t, err, ErrNoConnection)

	err = m.Init(Config{Connection: &stubConnection{}})
	assert.ErrorIs(t, err, ErrNoRegistrar)

	assert.Equal(t, []bool{false, false}, obs.initResults)
}

func TestCacheGUIDStable(t *testing.T) {
	f := newManagerFixture(t)
	guid := f.m.CacheGUID()
	assert.NotEmpty(t, guid)
	assert.Equal(t, guid, f.m.CacheGUID())
}

func TestSetEncryptionPassphraseIsIdempotent(t *testing.T) {
	f := newManagerFixture(t)

	require.NoError(t, f.m.SetEncryptionPassphrase("hunter2"))
	require.Len(t, f.obs.acceptedTokens, 1)
	assert.NotEmpty(t, f.obs.acceptedTokens[0])
	assert.True(t, f.m.IsUsingExplicitPassphrase())

	// Staging the keybag marks the nigori entry for commit.
	assert.True(t, f.m.HasUnsyncedItems())

	// Same passphrase again changes nothing and stays quiet.
	require.NoError(t, f.m.SetEncryptionPassphrase("hunter2"))
	assert.Len(t, f.obs.acceptedTokens, 1)
	assert.Empty(t, f.obs.passphraseReqs)
}

func TestSetDecryptionPassphraseWithoutPendingKeys(t *testing.T) {
	f := newManagerFixture(t)
	err := f.m.SetDecryptionPassphrase("hunter2")
	assert.ErrorIs(t, err, crypto.ErrNoPendingKeys)
}

// installPendingKeys seals a keybag with another device's passphrase and
// plants it as pending, as if it had just arrived in a nigori update.
func installPendingKeys(t *testing.T, f *managerFixture, passphrase string) {
	t.Helper()
	other := crypto.NewCryptographerWithMachineSecret("other-device")
	require.NoError(t, other.AddKey(crypto.KeyParams{
		Hostname: "elsewhere",
		Username: testAccount,
		Password: passphrase,
	}))
	keys, err := other.GetKeys()
	require.NoError(t, err)

	require.NoError(t, f.m.dir.Update(directory.WriterSyncer, func(tx *directory.WriteTx) error {
		f.m.dirs.Cryptographer(tx).SetPendingKeys(keys)
		return nil
	}))
}

func TestSetDecryptionPassphrase(t *testing.T) {
	f := newManagerFixture(t)
	installPendingKeys(t, f, "correct horse")

	err := f.m.SetDecryptionPassphrase("battery staple")
	assert.Error(t, err)
	require.Len(t, f.obs.passphraseReqs, 1)
	assert.Equal(t, ReasonSetPassphraseFailed, f.obs.passphraseReqs[0])
	assert.False(t, f.m.IsUsingExplicitPassphrase())

	require.NoError(t, f.m.SetDecryptionPassphrase("correct horse"))
	require.Len(t, f.obs.acceptedTokens, 1)
	assert.True(t, f.m.IsUsingExplicitPassphrase())
}

func TestEncryptionPassphraseResolvesPendingKeys(t *testing.T) {
	f := newManagerFixture(t)
	installPendingKeys(t, f, "correct horse")

	// With keys pending, a "new" encryption passphrase is really a
	// decryption attempt against them.
	require.NoError(t, f.m.SetEncryptionPassphrase("correct horse"))
	assert.Len(t, f.obs.acceptedTokens, 1)
	assert.True(t, f.m.IsUsingExplicitPassphrase())
}

func TestEncryptDataTypesRequiresPassphrase(t *testing.T) {
	f := newManagerFixture(t)

	err := f.m.EncryptDataTypes(modeltype.NewSet(modeltype.Bookmarks))
	assert.ErrorIs(t, err, crypto.ErrNotReady)
	require.Len(t, f.obs.passphraseReqs, 1)
	assert.Equal(t, ReasonEncryption, f.obs.passphraseReqs[0])

	// The encrypted set must not grow on failure.
	types, _ := f.m.EncryptedTypes()
	assert.True(t, types.Equal(modeltype.NewSet(modeltype.Passwords)))
}

func TestEncryptDataTypesStagesKeybag(t *testing.T) {
	f := newManagerFixture(t)
	require.NoError(t, f.m.SetEncryptionPassphrase("hunter2"))

	require.NoError(t, f.m.EncryptDataTypes(modeltype.NewSet(modeltype.Bookmarks)))
	want := modeltype.NewSet(modeltype.Bookmarks, modeltype.Passwords)
	require.Len(t, f.obs.encryptedTypes, 1)
	assert.True(t, f.obs.encryptedTypes[0].Equal(want))

	types, everything := f.m.EncryptedTypes()
	assert.True(t, types.Equal(want))
	assert.False(t, everything)

	// The directory now has exactly one staged nigori entry.
	nigoriCount := 0
	require.NoError(t, f.m.dir.View(func(tx *directory.ReadTx) error {
		for _, h := range tx.Handles() {
			if e, ok := tx.EntryByHandle(h); ok && e.Type == modeltype.Nigori {
				nigoriCount++
				assert.True(t, e.Unsynced)
			}
		}
		return nil
	}))
	assert.Equal(t, 1, nigoriCount)

	// Requesting the same coverage again is a no-op.
	require.NoError(t, f.m.EncryptDataTypes(modeltype.NewSet(modeltype.Bookmarks)))
	assert.Len(t, f.obs.encryptedTypes, 1)
}

func TestConnectionEventsReachStatusAndObservers(t *testing.T) {
	f := newManagerFixture(t)

	f.events.emit(transport.Event{Code: transport.ConnectionAuthError})
	assert.Equal(t, transport.ConnectionAuthError, f.m.GetStatus().Connection)
	require.NotEmpty(t, f.obs.connectionChanges)
	assert.Equal(t, transport.ConnectionAuthError, f.obs.connectionChanges[0])
}

func TestDirectoryChangesReachObservers(t *testing.T) {
	f := newManagerFixture(t)
	obs := &recordingObserver{}
	f.m.AddObserver(obs)

	require.NoError(t, f.m.dir.Update(directory.WriterLocal, func(tx *directory.WriteTx) error {
		_, err := tx.Create(directory.EntryKernel{
			ParentID: directory.Root,
			Type:     modeltype.Bookmarks,
			Name:     "docs",
			Unsynced: true,
		})
		return err
	}))

	require.Len(t, obs.applied, 1)
	assert.Equal(t, modeltype.Bookmarks, obs.applied[0].typ)
	require.Len(t, obs.applied[0].records, 1)
	assert.Equal(t, directory.ChangeAdd, obs.applied[0].records[0].Change)
	assert.Equal(t, []modeltype.ModelType{modeltype.Bookmarks}, obs.complete)

	assert.True(t, f.m.HasUnsyncedItems())
}

func TestShutdownIsIdempotent(t *testing.T) {
	f := newManagerFixture(t)

	f.m.StopSyncingForShutdown()
	require.NoError(t, f.m.ShutdownOnSyncThread())

	// Second round is a no-op; cleanup in the fixture runs it again too.
	f.m.StopSyncingForShutdown()
	assert.NoError(t, f.m.ShutdownOnSyncThread())
}

func TestBootstrapTokenRestoresKeysAcrossRestart(t *testing.T) {
	dataDir := t.TempDir()
	reg := func() *fakeRegistrar {
		return &fakeRegistrar{
			routes:  routing.Info{modeltype.Bookmarks: routing.GroupUI},
			workers: []routing.Worker{routing.PassiveWorker{}, routing.InlineWorker{ModelGroup: routing.GroupUI}},
		}
	}

	first := NewSyncManager("first")
	require.NoError(t, first.Init(Config{
		Account:       testAccount,
		DataDir:       dataDir,
		Connection:    &stubConnection{},
		Registrar:     reg(),
		MachineSecret: "mgr-secret",
		Clock:         clockwork.NewFakeClock(),
	}))
	require.NoError(t, first.SetEncryptionPassphrase("hunter2"))
	first.StopSyncingForShutdown()
	require.NoError(t, first.ShutdownOnSyncThread())

	second := NewSyncManager("second")
	require.NoError(t, second.Init(Config{
		Account:       testAccount,
		DataDir:       dataDir,
		Connection:    &stubConnection{},
		Registrar:     reg(),
		MachineSecret: "mgr-secret",
		Clock:         clockwork.NewFakeClock(),
	}))
	t.Cleanup(func() {
		second.StopSyncingForShutdown()
		_ = second.ShutdownOnSyncThread()
	})

	// The persisted bootstrap token restores the keybag without asking for
	// the passphrase again.
	assert.True(t, second.IsUsingExplicitPassphrase())
	require.NoError(t, second.SetEncryptionPassphrase("hunter2"))
}
