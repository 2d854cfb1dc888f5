package syncer

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftlab/driftsync/internal/crypto"
	"github.com/driftlab/driftsync/internal/directory"
	"github.com/driftlab/driftsync/internal/jsonx"
	"github.com/driftlab/driftsync/internal/modeltype"
	"github.com/driftlab/driftsync/internal/routing"
	"github.com/driftlab/driftsync/internal/sessions"
	"github.com/driftlab/driftsync/internal/status"
	"github.com/driftlab/driftsync/internal/transport"
)

const testAccount = "pilot@driftlab.dev"

// fakeConnection scripts the server side of a cycle. Download responses pop
// off a queue and an exhausted queue answers with an empty, drained response.
// Commits accept everything unless the test installs its own verdicts.
type fakeConnection struct {
	status transport.ConnectionCode

	downloads    []*transport.DownloadUpdatesResponse
	downloadErr  error
	downloadReqs []*transport.DownloadUpdatesRequest

	commitFn   func(*transport.CommitRequest) *transport.CommitResponse
	commitErr  error
	commitReqs []*transport.CommitRequest

	clearErr   error
	clearCalls int

	nextServerID int
}

func newFakeConnection() *fakeConnection {
	return &fakeConnection{status: transport.ConnectionOK}
}

func (f *fakeConnection) Status() transport.ConnectionCode { return f.status }
func (f *fakeConnection) ServerReachable() bool            { return f.status != transport.ConnectionUnavailable }

func (f *fakeConnection) DownloadUpdates(_ context.Context, r *transport.DownloadUpdatesRequest) (*transport.DownloadUpdatesResponse, error) {
	f.downloadReqs = append(f.downloadReqs, r)
	if f.downloadErr != nil {
		return nil, f.downloadErr
	}
	if len(f.downloads) == 0 {
		return &transport.DownloadUpdatesResponse{}, nil
	}
	resp := f.downloads[0]
	f.downloads = f.downloads[1:]
	return resp, nil
}

func (f *fakeConnection) Commit(_ context.Context, r *transport.CommitRequest) (*transport.CommitResponse, error) {
	f.commitReqs = append(f.commitReqs, r)
	if f.commitErr != nil {
		return nil, f.commitErr
	}
	if f.commitFn != nil {
		return f.commitFn(r), nil
	}
	return f.acceptAll(r), nil
}

// acceptAll answers SUCCESS for every submitted entity, assigning a server id
// and version 1 to first commits and bumping the version otherwise.
func (f *fakeConnection) acceptAll(r *transport.CommitRequest) *transport.CommitResponse {
	resp := &transport.CommitResponse{}
	for _, e := range r.Entities {
		result := transport.CommitResult{
			ID:         e.ID,
			Response:   transport.CommitSuccess,
			NewVersion: e.Version + 1,
		}
		if directory.ID(e.ID).IsLocal() {
			f.nextServerID++
			result.NewID = fmt.Sprintf("srv-%d", f.nextServerID)
			result.NewVersion = 1
		}
		resp.Results = append(resp.Results, result)
	}
	return resp
}

func (f *fakeConnection) ClearUserData(_ context.Context, _ *transport.ClearUserDataRequest) (*transport.ClearUserDataResponse, error) {
	f.clearCalls++
	if f.clearErr != nil {
		return nil, f.clearErr
	}
	return &transport.ClearUserDataResponse{}, nil
}

type fakeDelegate struct {
	silenced       bool
	silencedUntil  time.Time
	shortPoll      time.Duration
	longPoll       time.Duration
	commitDelay    time.Duration
	stopped        bool
	protocolErrors int
}

func (d *fakeDelegate) OnSilencedUntil(until time.Time)                   { d.silencedUntil = until }
func (d *fakeDelegate) IsSyncingCurrentlySilenced() bool                  { return d.silenced }
func (d *fakeDelegate) OnReceivedShortPollIntervalUpdate(i time.Duration) { d.shortPoll = i }
func (d *fakeDelegate) OnReceivedLongPollIntervalUpdate(i time.Duration)  { d.longPoll = i }
func (d *fakeDelegate) OnReceivedSessionsCommitDelay(delay time.Duration) { d.commitDelay = delay }
func (d *fakeDelegate) OnShouldStopSyncingPermanently()                   { d.stopped = true }
func (d *fakeDelegate) OnSyncProtocolError(*sessions.Snapshot)            { d.protocolErrors++ }

type recordingListener struct {
	events []sessions.Event
}

func (l *recordingListener) OnSyncEngineEvent(event sessions.Event) {
	l.events = append(l.events, event)
}

func (l *recordingListener) causes() []sessions.EventCause {
	out := make([]sessions.EventCause, 0, len(l.events))
	for _, e := range l.events {
		out = append(out, e.Cause)
	}
	return out
}

type fixture struct {
	conn     *fakeConnection
	cry      *crypto.Cryptographer
	dir      *directory.Directory
	ctx      *sessions.Context
	delegate *fakeDelegate
	events   *recordingListener
	clock    clockwork.FakeClock
	syncer   *Syncer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cry := crypto.NewCryptographerWithMachineSecret("fixture-secret")
	require.NoError(t, cry.AddKey(crypto.KeyParams{
		Hostname: "device.local",
		Username: testAccount,
		Password: "hunter2",
	}))
	dirs, err := directory.NewManager(t.TempDir(), cry)
	require.NoError(t, err)
	t.Cleanup(func() { dirs.CloseAll() })
	dir, err := dirs.Open(testAccount)
	require.NoError(t, err)

	f := &fixture{
		conn:     newFakeConnection(),
		cry:      cry,
		dir:      dir,
		delegate: &fakeDelegate{},
		events:   &recordingListener{},
		clock:    clockwork.NewFakeClock(),
	}
	f.ctx = sessions.NewContext(f.conn, dirs, testAccount, nil,
		[]sessions.EventListener{f.events}, nil)
	f.syncer = New(f.clock, nil)
	return f
}

// session builds a sync session over the fixture's standing routes: bookmarks
// on the UI group, autofill on the DB group, passwords on the password group
// and the encryption keys passive.
func (f *fixture) session(source sessions.UpdatesSource, types modeltype.PayloadMap) *sessions.SyncSession {
	routes := routing.Info{
		modeltype.Bookmarks: routing.GroupUI,
		modeltype.Autofill:  routing.GroupDB,
		modeltype.Passwords: routing.GroupPassword,
		modeltype.Nigori:    routing.GroupPassive,
	}
	workers := []routing.Worker{
		routing.PassiveWorker{},
		routing.InlineWorker{ModelGroup: routing.GroupUI},
		routing.InlineWorker{ModelGroup: routing.GroupDB},
		routing.InlineWorker{ModelGroup: routing.GroupPassword},
	}
	return sessions.New(f.ctx, f.delegate, sessions.NewSourceInfo(source, types), routes, workers)
}

// seed creates an entry outside any cycle, standing in for the local model.
func (f *fixture) seed(t *testing.T, e directory.EntryKernel) directory.EntryKernel {
	t.Helper()
	var created directory.EntryKernel
	require.NoError(t, f.dir.Update(directory.WriterLocal, func(tx *directory.WriteTx) error {
		var err error
		created, err = tx.Create(e)
		return err
	}))
	return created
}

func (f *fixture) entry(t *testing.T, id string) (directory.EntryKernel, bool) {
	t.Helper()
	var e directory.EntryKernel
	var ok bool
	require.NoError(t, f.dir.View(func(tx *directory.ReadTx) error {
		e, ok = tx.EntryByID(directory.ID(id))
		return nil
	}))
	return e, ok
}

func bookmark(id, parent string, version int64, name string) transport.Entity {
	return transport.Entity{
		ID:       id,
		ParentID: parent,
		Version:  version,
		Name:     name,
		Specifics: modeltype.EntitySpecifics{
			"bookmark": []byte(`{"url":"https://drift.test/` + name + `"}`),
		},
	}
}

func bookmarkFolder(id, parent string, version int64, name string) transport.Entity {
	e := bookmark(id, parent, version, name)
	e.Folder = true
	return e
}

func tombstone(id string, version int64) transport.Entity {
	return transport.Entity{ID: id, Version: version, Deleted: true}
}

func TestSyncShareDownloadsAndApplies(t *testing.T) {
	f := newFixture(t)
	f.ctx.SetNotificationsEnabled(true)
	f.conn.downloads = []*transport.DownloadUpdatesResponse{{
		Entities: []transport.Entity{
			bookmark("b1", "", 5, "recipes"),
			{
				ID:        "a1",
				Version:   3,
				Specifics: modeltype.EntitySpecifics{"autofill": []byte(`{"field":"email"}`)},
			},
		},
		NewTimestamps: map[modeltype.ModelType]int64{
			modeltype.Bookmarks: 105,
			modeltype.Autofill:  103,
		},
	}}

	s := f.session(sessions.SourceLocal, modeltype.PayloadMap{modeltype.Bookmarks: "hint"})
	f.syncer.SyncShare(s, StepBegin, StepEnd)

	require.Len(t, f.conn.downloadReqs, 1)
	req := f.conn.downloadReqs[0]
	assert.Equal(t, f.dir.CacheGUID(), req.CacheGUID)
	assert.Equal(t, "LOCAL", req.Source)
	assert.True(t, req.NotificationsEnabled)
	assert.Equal(t, int64(0), req.FromTimestamps[modeltype.Bookmarks])
	assert.Equal(t, "hint", req.TypePayloads[modeltype.Bookmarks])

	b, ok := f.entry(t, "b1")
	require.True(t, ok)
	assert.True(t, b.Exists())
	assert.Equal(t, "recipes", b.Name)
	assert.Equal(t, directory.Root, b.ParentID)
	assert.Equal(t, int64(5), b.BaseVersion)
	assert.False(t, b.UnappliedUpdate)

	a, ok := f.entry(t, "a1")
	require.True(t, ok)
	assert.True(t, a.Exists())

	assert.Equal(t, int64(105), f.dir.DownloadProgress(modeltype.Bookmarks))
	assert.True(t, f.dir.InitialSyncEnded(modeltype.Bookmarks))
	assert.True(t, f.dir.InitialSyncEnded(modeltype.Autofill))

	st := s.Status()
	assert.Equal(t, 2, st.SyncerStatus().NumUpdatesDownloadedTotal)
	ui, err := st.Group(routing.GroupUI)
	require.NoError(t, err)
	assert.Equal(t, 1, ui.UpdateProgress().SuccessfullyAppliedUpdateCount())
	assert.True(t, s.Succeeded())
	assert.False(t, s.HasMoreToSync())

	require.NotEmpty(t, f.events.events)
	last := f.events.events[len(f.events.events)-1]
	assert.Equal(t, sessions.EventSyncCycleEnded, last.Cause)
	require.NotNil(t, last.Snapshot)
	assert.True(t, last.Snapshot.IsShareUsable)
	assert.Contains(t, f.events.causes(), sessions.EventStatusChanged,
		"listeners hear progress between steps")
}

func TestDownloadLoopDrainsServerBatches(t *testing.T) {
	f := newFixture(t)
	f.conn.downloads = []*transport.DownloadUpdatesResponse{
		{
			Entities:         []transport.Entity{bookmark("b1", "", 10, "first")},
			NewTimestamps:    map[modeltype.ModelType]int64{modeltype.Bookmarks: 10},
			ChangesRemaining: 4,
		},
		{
			Entities:      []transport.Entity{bookmark("b2", "", 20, "second")},
			NewTimestamps: map[modeltype.ModelType]int64{modeltype.Bookmarks: 20},
		},
	}

	s := f.session(sessions.SourcePeriodic, nil)
	f.syncer.SyncShare(s, StepBegin, StepEnd)

	require.Len(t, f.conn.downloadReqs, 2)
	assert.Equal(t, int64(10), f.conn.downloadReqs[1].FromTimestamps[modeltype.Bookmarks],
		"second round starts from the first round's watermark")
	assert.Equal(t, int64(20), f.dir.DownloadProgress(modeltype.Bookmarks))

	for _, id := range []string{"b1", "b2"} {
		e, ok := f.entry(t, id)
		require.True(t, ok, id)
		assert.True(t, e.Exists(), id)
	}
	assert.Equal(t, 2, s.Status().SyncerStatus().NumUpdatesDownloadedTotal)
	assert.True(t, f.dir.InitialSyncEnded(modeltype.Bookmarks),
		"initial sync completes only once the server is drained")
}

func TestChildArrivingBeforeParentApplies(t *testing.T) {
	f := newFixture(t)
	f.conn.downloads = []*transport.DownloadUpdatesResponse{{
		Entities: []transport.Entity{
			bookmark("leaf", "branch", 2, "leaf"),
			bookmarkFolder("branch", "", 1, "branch"),
		},
		NewTimestamps: map[modeltype.ModelType]int64{modeltype.Bookmarks: 2},
	}}

	s := f.session(sessions.SourceNotification, nil)
	f.syncer.SyncShare(s, StepBegin, StepEnd)

	leaf, ok := f.entry(t, "leaf")
	require.True(t, ok)
	assert.True(t, leaf.Exists())
	assert.Equal(t, directory.ID("branch"), leaf.ParentID)
	branch, ok := f.entry(t, "branch")
	require.True(t, ok)
	assert.True(t, branch.Exists())

	assert.Equal(t, 0, s.Status().TotalNumConflictingItems())
	ui, err := s.Status().Group(routing.GroupUI)
	require.NoError(t, err)
	assert.Equal(t, 2, ui.UpdateProgress().SuccessfullyAppliedUpdateCount())
}

func TestCommitAssignsServerIDs(t *testing.T) {
	f := newFixture(t)
	created := f.seed(t, directory.EntryKernel{
		ParentID:  directory.Root,
		Type:      modeltype.Bookmarks,
		Name:      "draft",
		Specifics: encodeSpecifics(modeltype.EntitySpecifics{"bookmark": []byte(`{"url":"u"}`)}),
		Unsynced:  true,
	})
	require.True(t, created.ID.IsLocal())

	s := f.session(sessions.SourceLocal, nil)
	f.syncer.SyncShare(s, StepBegin, StepEnd)

	require.Len(t, f.conn.commitReqs, 1)
	require.Len(t, f.conn.commitReqs[0].Entities, 1)
	sent := f.conn.commitReqs[0].Entities[0]
	assert.Equal(t, string(created.ID), sent.ID)
	assert.Equal(t, int64(0), sent.Version, "first commit goes out at version zero")
	assert.Equal(t, f.dir.CacheGUID(), sent.OriginatorCacheGUID)
	assert.Equal(t, string(created.ID), sent.OriginatorClientItemID)

	_, ok := f.entry(t, string(created.ID))
	assert.False(t, ok, "the local id is gone after adoption")
	e, ok := f.entry(t, "srv-1")
	require.True(t, ok)
	assert.Equal(t, int64(1), e.BaseVersion)
	assert.False(t, e.Unsynced)

	st := s.Status()
	assert.Equal(t, 1, st.SyncerStatus().NumSuccessfulCommits)
	assert.Equal(t, 1, st.SyncerStatus().NumSuccessfulBookmarkCommits)
	assert.True(t, st.ItemsCommitted())
	assert.True(t, s.Succeeded())
	assert.False(t, s.HasMoreToSync())
}

func TestCommitBatchLeavesRemainderForNextCycle(t *testing.T) {
	f := newFixture(t)
	f.ctx.SetMaxCommitBatchSize(2)
	for i := 0; i < 3; i++ {
		f.seed(t, directory.EntryKernel{
			ParentID: directory.Root,
			Type:     modeltype.Bookmarks,
			Name:     fmt.Sprintf("item-%d", i),
			Unsynced: true,
		})
	}

	s := f.session(sessions.SourceLocal, nil)
	f.syncer.SyncShare(s, StepBegin, StepEnd)

	require.Len(t, f.conn.commitReqs, 1)
	assert.Len(t, f.conn.commitReqs[0].Entities, 2)
	assert.True(t, s.HasMoreToSync(), "one unsynced entry did not fit the batch")
	assert.Equal(t, 1, f.dir.UnsyncedCount())
}

func TestStillbornDeletionNeverCommits(t *testing.T) {
	f := newFixture(t)
	created := f.seed(t, directory.EntryKernel{
		ParentID: directory.Root,
		Type:     modeltype.Bookmarks,
		Name:     "fleeting",
		Unsynced: true,
	})
	require.NoError(t, f.dir.Update(directory.WriterLocal, func(tx *directory.WriteTx) error {
		e, ok := tx.EntryByID(created.ID)
		require.True(t, ok)
		e.Deleted = true
		return tx.Put(e)
	}))

	s := f.session(sessions.SourceLocal, nil)
	f.syncer.SyncShare(s, StepBegin, StepEnd)

	assert.Empty(t, f.conn.commitReqs, "the server never knew this entry")
	assert.Equal(t, 0, f.dir.UnsyncedCount())
}

func TestCommitConflictWaitsForServerCopy(t *testing.T) {
	f := newFixture(t)
	f.seed(t, directory.EntryKernel{
		ID:          "b-srv",
		ParentID:    directory.Root,
		Type:        modeltype.Bookmarks,
		Name:        "local-edit",
		Specifics:   encodeSpecifics(modeltype.EntitySpecifics{"bookmark": []byte(`{"url":"u"}`)}),
		BaseVersion: 1,
		Unsynced:    true,
	})
	f.conn.commitFn = func(*transport.CommitRequest) *transport.CommitResponse {
		return &transport.CommitResponse{Results: []transport.CommitResult{
			{ID: "b-srv", Response: transport.CommitConflict},
		}}
	}

	s := f.session(sessions.SourceLocal, nil)
	f.syncer.SyncShare(s, StepBegin, StepEnd)

	e, ok := f.entry(t, "b-srv")
	require.True(t, ok)
	assert.True(t, e.Unsynced, "the local edit stays pending")
	assert.Equal(t, "local-edit", e.Name)

	st := s.Status()
	assert.Equal(t, 1, st.TotalNumServerConflicts())
	assert.Equal(t, 1, st.TotalNumConflictingItems(), "the entry is parked in its group's conflict set")
	assert.Equal(t, status.ResultOK, st.LastCommitResult(), "a conflict is not a transport failure")
	assert.False(t, s.HasMoreToSync(), "resolution needs the server copy from the next download")
}

func TestEditEditConflictLocalWins(t *testing.T) {
	f := newFixture(t)
	f.seed(t, directory.EntryKernel{
		ID:            "b-srv",
		ParentID:      directory.Root,
		Type:          modeltype.Bookmarks,
		Name:          "local-edit",
		BaseVersion:   1,
		ServerVersion: 1,
		Unsynced:      true,
	})
	f.conn.downloads = []*transport.DownloadUpdatesResponse{{
		Entities:      []transport.Entity{bookmark("b-srv", "", 2, "server-edit")},
		NewTimestamps: map[modeltype.ModelType]int64{modeltype.Bookmarks: 2},
	}}

	s := f.session(sessions.SourceLocal, nil)
	f.syncer.SyncShare(s, StepBegin, StepEnd)

	assert.Empty(t, f.conn.commitReqs, "conflicted entries stay off the wire")
	e, ok := f.entry(t, "b-srv")
	require.True(t, ok)
	assert.Equal(t, "local-edit", e.Name, "the local edit survives")
	assert.Equal(t, int64(2), e.BaseVersion, "the server version is acknowledged")
	assert.True(t, e.Unsynced)
	assert.False(t, e.UnappliedUpdate)

	st := s.Status()
	assert.Equal(t, 1, st.SyncerStatus().NumLocalOverwrites)
	assert.Equal(t, 1, st.TotalNumSimpleConflicts())
	assert.True(t, s.HasMoreToSync(), "the surviving edit still needs a commit")

	// The next cycle ships the edit, exactly like the scheduler's
	// has-more-to-sync loop would.
	s.ResetTransientState()
	f.syncer.SyncShare(s, StepBegin, StepEnd)

	require.Len(t, f.conn.commitReqs, 1)
	require.Len(t, f.conn.commitReqs[0].Entities, 1)
	sent := f.conn.commitReqs[0].Entities[0]
	assert.Equal(t, int64(2), sent.Version)
	assert.Equal(t, "local-edit", sent.Name)

	e, ok = f.entry(t, "b-srv")
	require.True(t, ok)
	assert.False(t, e.Unsynced)
	assert.Equal(t, int64(3), e.BaseVersion)
	assert.False(t, s.HasMoreToSync())
}

func TestDeleteEditConflictServerDeleteWins(t *testing.T) {
	f := newFixture(t)
	f.seed(t, directory.EntryKernel{
		ID:            "b-srv",
		ParentID:      directory.Root,
		Type:          modeltype.Bookmarks,
		Name:          "local-edit",
		BaseVersion:   1,
		ServerVersion: 1,
		Unsynced:      true,
	})
	f.conn.downloads = []*transport.DownloadUpdatesResponse{{
		Entities:      []transport.Entity{tombstone("b-srv", 2)},
		NewTimestamps: map[modeltype.ModelType]int64{modeltype.Bookmarks: 2},
	}}

	s := f.session(sessions.SourceLocal, nil)
	f.syncer.SyncShare(s, StepBegin, StepEnd)

	e, ok := f.entry(t, "b-srv")
	require.True(t, ok)
	assert.False(t, e.Exists(), "the delete wins over the local edit")
	assert.False(t, e.Unsynced)
	assert.False(t, e.UnappliedUpdate)
	assert.Equal(t, int64(2), e.BaseVersion)
	assert.Equal(t, 1, s.Status().SyncerStatus().NumServerOverwrites)
	assert.Empty(t, f.conn.commitReqs)
}

func TestEncryptedUpdateWaitsForKeys(t *testing.T) {
	f := newFixture(t)
	sealed, err := jsonx.Marshal(&crypto.EncryptedData{
		KeyName: "peer-device-key",
		Blob:    []byte("sealed-elsewhere"),
	})
	require.NoError(t, err)
	f.conn.downloads = []*transport.DownloadUpdatesResponse{{
		Entities: []transport.Entity{{
			ID:        "pw1",
			Version:   6,
			Specifics: modeltype.EntitySpecifics{"password": sealed},
		}},
		NewTimestamps: map[modeltype.ModelType]int64{modeltype.Passwords: 6},
	}}

	s := f.session(sessions.SourceNotification, nil)
	f.syncer.SyncShare(s, StepBegin, StepEnd)

	e, ok := f.entry(t, "pw1")
	require.True(t, ok)
	assert.False(t, e.Exists(), "stays an invisible placeholder until the keys arrive")
	assert.True(t, e.UnappliedUpdate)
	assert.Equal(t, 1, s.Status().TotalNumEncryptionConflicts())
	assert.False(t, s.HasMoreToSync(), "a passphrase, not another cycle, unblocks this")
}

func TestNigoriKeybagParksPendingKeys(t *testing.T) {
	f := newFixture(t)
	require.False(t, f.cry.HasPendingKeys())
	nigori := crypto.NigoriSpecifics{
		Keybag:         &crypto.EncryptedData{KeyName: "peer-device-key", Blob: []byte("sealed-bag")},
		EncryptedTypes: modeltype.NewSet(modeltype.Passwords),
	}
	payload, err := nigori.Marshal()
	require.NoError(t, err)
	f.conn.downloads = []*transport.DownloadUpdatesResponse{{
		Entities: []transport.Entity{{
			ID:        "nigori-node",
			Version:   1,
			Specifics: modeltype.EntitySpecifics{"nigori": payload},
		}},
		NewTimestamps: map[modeltype.ModelType]int64{modeltype.Nigori: 1},
	}}

	s := f.session(sessions.SourceNotification, nil)
	f.syncer.SyncShare(s, StepBegin, StepEnd)

	e, ok := f.entry(t, "nigori-node")
	require.True(t, ok)
	assert.True(t, e.Exists(), "keybag updates apply even when they cannot be opened yet")
	require.True(t, f.cry.HasPendingKeys())
	assert.Equal(t, "peer-device-key", f.cry.PendingKeys().KeyName)
}

func TestServerRetunesSchedulerIntervals(t *testing.T) {
	f := newFixture(t)
	f.conn.downloads = []*transport.DownloadUpdatesResponse{{
		ShortPollIntervalSeconds:   30,
		LongPollIntervalSeconds:    7200,
		SessionsCommitDelaySeconds: 20,
	}}

	s := f.session(sessions.SourcePeriodic, nil)
	f.syncer.SyncShare(s, StepBegin, StepEnd)

	assert.Equal(t, 30*time.Second, f.delegate.shortPoll)
	assert.Equal(t, 7200*time.Second, f.delegate.longPoll)
	assert.Equal(t, 20*time.Second, f.delegate.commitDelay)
}

func TestThrottledServerSilencesScheduler(t *testing.T) {
	f := newFixture(t)
	f.conn.downloads = []*transport.DownloadUpdatesResponse{{
		ThrottleDelaySeconds: 60,
		Error:                &transport.WireError{Type: "THROTTLED"},
	}}

	s := f.session(sessions.SourcePeriodic, nil)
	f.syncer.SyncShare(s, StepBegin, StepEnd)

	assert.Equal(t, f.clock.Now().Add(time.Minute), f.delegate.silencedUntil)
	assert.Equal(t, 1, f.delegate.protocolErrors)
	assert.False(t, f.delegate.stopped)

	st := s.Status()
	assert.Equal(t, transport.ErrorThrottled, st.Errors().ProtocolError.Type)
	assert.Equal(t, status.ResultServerError, st.LastDownloadUpdatesResult())
	assert.False(t, s.Succeeded())
}

func TestThrottleWithoutDelayUsesDefault(t *testing.T) {
	f := newFixture(t)
	f.conn.downloads = []*transport.DownloadUpdatesResponse{{
		Error: &transport.WireError{Type: "THROTTLED"},
	}}

	s := f.session(sessions.SourcePeriodic, nil)
	f.syncer.SyncShare(s, StepBegin, StepEnd)

	assert.Equal(t, f.clock.Now().Add(defaultThrottleDelay), f.delegate.silencedUntil)
}

func TestBirthdayMismatchStopsSyncing(t *testing.T) {
	f := newFixture(t)
	f.conn.downloads = []*transport.DownloadUpdatesResponse{{
		Error: &transport.WireError{
			Type:   "NOT_MY_BIRTHDAY",
			Action: "DISABLE_SYNC_ON_CLIENT",
		},
	}}

	s := f.session(sessions.SourcePeriodic, nil)
	f.syncer.SyncShare(s, StepBegin, StepEnd)

	assert.True(t, f.delegate.stopped)
	assert.Equal(t, 1, f.delegate.protocolErrors)

	perr := s.Status().Errors().ProtocolError
	assert.Equal(t, transport.ErrorNotMyBirthday, perr.Type)
	assert.Equal(t, transport.ActionDisableSyncOnClient, perr.Action)
}

func TestDownloadFailureUsesConnectionStatus(t *testing.T) {
	cases := []struct {
		name string
		code transport.ConnectionCode
		want status.Result
	}{
		{"server unreachable", transport.ConnectionUnavailable, status.ResultNetworkError},
		{"credentials rejected", transport.ConnectionAuthError, status.ResultAuthError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			f.conn.downloadErr = errors.New("post /updates: boom")
			f.conn.status = tc.code

			s := f.session(sessions.SourceLocal, nil)
			f.syncer.SyncShare(s, StepBegin, StepEnd)

			assert.Equal(t, tc.want, s.Status().LastDownloadUpdatesResult())
			assert.False(t, s.Succeeded())
			assert.Empty(t, f.conn.commitReqs)
		})
	}
}

func TestCommitTransportFailureKeepsEntryPending(t *testing.T) {
	f := newFixture(t)
	created := f.seed(t, directory.EntryKernel{
		ParentID: directory.Root,
		Type:     modeltype.Bookmarks,
		Name:     "pending",
		Unsynced: true,
	})
	f.conn.commitErr = errors.New("post /commit: connection reset")
	f.conn.status = transport.ConnectionUnavailable

	s := f.session(sessions.SourceLocal, nil)
	f.syncer.SyncShare(s, StepBegin, StepEnd)

	assert.Equal(t, status.ResultNetworkError, s.Status().LastCommitResult())
	assert.False(t, s.Succeeded())
	e, ok := f.entry(t, string(created.ID))
	require.True(t, ok)
	assert.True(t, e.Unsynced, "the entry stays pending for the retry")
}

func TestCommitWithoutVerdictFailsCycle(t *testing.T) {
	f := newFixture(t)
	created := f.seed(t, directory.EntryKernel{
		ParentID: directory.Root,
		Type:     modeltype.Bookmarks,
		Name:     "ignored",
		Unsynced: true,
	})
	f.conn.commitFn = func(*transport.CommitRequest) *transport.CommitResponse {
		return &transport.CommitResponse{}
	}

	s := f.session(sessions.SourceLocal, nil)
	f.syncer.SyncShare(s, StepBegin, StepEnd)

	assert.Equal(t, status.ResultServerError, s.Status().LastCommitResult())
	e, ok := f.entry(t, string(created.ID))
	require.True(t, ok)
	assert.True(t, e.Unsynced)
}

func TestEarlyExitAbandonsCycle(t *testing.T) {
	f := newFixture(t)
	f.syncer.RequestEarlyExit()
	require.True(t, f.syncer.ExitRequested())

	s := f.session(sessions.SourceLocal, nil)
	f.syncer.SyncShare(s, StepBegin, StepEnd)

	assert.Empty(t, f.conn.downloadReqs)
	assert.Empty(t, f.events.events, "an abandoned cycle emits nothing")
}

func TestConfigurationRangeNeverCommits(t *testing.T) {
	f := newFixture(t)
	pending := f.seed(t, directory.EntryKernel{
		ParentID: directory.Root,
		Type:     modeltype.Bookmarks,
		Name:     "must-wait",
		Unsynced: true,
	})
	f.conn.downloads = []*transport.DownloadUpdatesResponse{{
		Entities:      []transport.Entity{bookmark("b9", "", 4, "configured")},
		NewTimestamps: map[modeltype.ModelType]int64{modeltype.Bookmarks: 4},
	}}

	s := f.session(sessions.SourceReconfiguration, nil)
	f.syncer.SyncShare(s, StepDownloadUpdates, StepApplyUpdates)

	assert.Empty(t, f.conn.commitReqs)
	e, ok := f.entry(t, "b9")
	require.True(t, ok)
	assert.True(t, e.Exists(), "downloaded data lands")
	assert.True(t, f.dir.InitialSyncEnded(modeltype.Bookmarks),
		"first download completes inside the configuration range")

	local, ok := f.entry(t, string(pending.ID))
	require.True(t, ok)
	assert.True(t, local.Unsynced, "local changes wait for a normal cycle")
	assert.NotContains(t, f.events.causes(), sessions.EventSyncCycleEnded)
}

func TestClearServerData(t *testing.T) {
	f := newFixture(t)
	s := f.session(sessions.SourceClearPrivateData, nil)
	f.syncer.SyncShare(s, StepClearPrivateData, StepClearPrivateData)

	assert.Equal(t, 1, f.conn.clearCalls)
	assert.True(t, f.delegate.stopped, "a wiped account must not keep syncing")
	require.Len(t, f.events.events, 1)
	assert.Equal(t, sessions.EventClearServerDataSucceeded, f.events.events[0].Cause)
}

func TestClearServerDataFailure(t *testing.T) {
	f := newFixture(t)
	f.conn.clearErr = errors.New("post /clear: 503")

	s := f.session(sessions.SourceClearPrivateData, nil)
	f.syncer.SyncShare(s, StepClearPrivateData, StepClearPrivateData)

	assert.False(t, f.delegate.stopped)
	require.Len(t, f.events.events, 1)
	assert.Equal(t, sessions.EventClearServerDataFailed, f.events.events[0].Cause)
}

func TestCleanupPurgesDisabledTypes(t *testing.T) {
	f := newFixture(t)
	f.seed(t, directory.EntryKernel{
		ID:          "t1",
		ParentID:    directory.Root,
		Type:        modeltype.Themes,
		Name:        "midnight",
		BaseVersion: 3,
	})
	f.seed(t, directory.EntryKernel{
		ID:          "b1",
		ParentID:    directory.Root,
		Type:        modeltype.Bookmarks,
		Name:        "keeper",
		BaseVersion: 3,
	})
	f.dir.SetDownloadProgress(modeltype.Themes, 9)
	f.dir.MarkInitialSyncEnded(modeltype.Themes)
	f.ctx.SetPreviousSessionRoutingInfo(routing.Info{
		modeltype.Bookmarks: routing.GroupUI,
		modeltype.Themes:    routing.GroupUI,
	})

	s := f.session(sessions.SourceLocal, nil)
	f.syncer.SyncShare(s, StepCleanupDisabledTypes, StepCleanupDisabledTypes)

	_, ok := f.entry(t, "t1")
	assert.False(t, ok, "data of the disabled type is purged")
	_, ok = f.entry(t, "b1")
	assert.True(t, ok)
	assert.Equal(t, int64(0), f.dir.DownloadProgress(modeltype.Themes))
	assert.False(t, f.dir.InitialSyncEnded(modeltype.Themes),
		"re-enabling the type starts it over")
}

func TestVerifyUpdateRules(t *testing.T) {
	f := newFixture(t)
	routes := routing.Info{
		modeltype.Bookmarks: routing.GroupUI,
		modeltype.Autofill:  routing.GroupDB,
	}
	f.seed(t, directory.EntryKernel{
		ID:            "known",
		ParentID:      directory.Root,
		Type:          modeltype.Bookmarks,
		Name:          "known",
		BaseVersion:   4,
		ServerVersion: 4,
	})
	f.seed(t, directory.EntryKernel{
		ID:          "gone",
		ParentID:    directory.Root,
		Type:        modeltype.Bookmarks,
		Name:        "gone",
		BaseVersion: 2,
		Deleted:     true,
	})

	cases := []struct {
		name   string
		entity transport.Entity
		want   status.VerifyResult
	}{
		{"empty id", transport.Entity{Version: 1}, status.VerifyFail},
		{"root id", bookmark("r", "", 1, "x"), status.VerifyFail},
		{"tombstone for unknown entry", tombstone("ghost", 2), status.VerifySkip},
		{"typeless payload", transport.Entity{ID: "n1", Version: 1}, status.VerifySkip},
		{"unrouted type", transport.Entity{
			ID:        "n2",
			Version:   1,
			Specifics: modeltype.EntitySpecifics{"password": []byte("x")},
		}, status.VerifySkip},
		{"new entry", bookmark("n3", "", 1, "fresh"), status.VerifySuccess},
		{"stale version for known entry", bookmark("known", "", 3, "old"), status.VerifySkip},
		{"type mismatch", transport.Entity{
			ID:        "known",
			Version:   9,
			Specifics: modeltype.EntitySpecifics{"autofill": []byte("x")},
		}, status.VerifyFail},
		{"folder mismatch", bookmarkFolder("known", "", 9, "now a folder"), status.VerifyFail},
		{"tombstone for known entry", tombstone("known", 9), status.VerifySuccess},
		{"update revives a tombstone", bookmark("gone", "", 5, "back"), status.VerifyUndelete},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.NoError(t, f.dir.View(func(tx *directory.ReadTx) error {
				assert.Equal(t, tc.want, verifyUpdate(tx, &tc.entity, routes))
				return nil
			}))
		})
	}
}

func TestStepNames(t *testing.T) {
	assert.Equal(t, "SYNCER_BEGIN", StepBegin.String())
	assert.Equal(t, "APPLY_UPDATES", StepApplyUpdates.String())
	assert.Equal(t, "SYNCER_END", StepEnd.String())
	assert.Equal(t, "INVALID", Step(99).String())
}
