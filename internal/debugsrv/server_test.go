package debugsrv

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftlab/driftsync/internal/crypto"
	"github.com/driftlab/driftsync/internal/directory"
	"github.com/driftlab/driftsync/internal/jsonx"
	"github.com/driftlab/driftsync/internal/manager"
	"github.com/driftlab/driftsync/internal/modeltype"
	"github.com/driftlab/driftsync/internal/notifier"
	"github.com/driftlab/driftsync/internal/scheduler"
)

type fakeEngine struct {
	status      manager.SyncStatus
	dir         *directory.Directory
	nudges      []time.Duration
	typedNudges []modeltype.Set
	clears      int
}

func (f *fakeEngine) GetStatus() manager.SyncStatus    { return f.status }
func (f *fakeEngine) Directory() *directory.Directory  { return f.dir }
func (f *fakeEngine) CacheGUID() string                { return "guid-1234" }
func (f *fakeEngine) HasUnsyncedItems() bool           { return false }
func (f *fakeEngine) RequestNudge(delay time.Duration) { f.nudges = append(f.nudges, delay) }
func (f *fakeEngine) RequestNudgeForTypes(types modeltype.Set) {
	f.typedNudges = append(f.typedNudges, types)
}
func (f *fakeEngine) RequestClearServerData() { f.clears++ }

type fakePush struct {
	connected bool
	topics    []string
	stats     map[string]notifier.TopicStats
	dropped   int64
}

func (f *fakePush) IsConnected() bool          { return f.connected }
func (f *fakePush) RegisteredTopics() []string { return f.topics }
func (f *fakePush) Stats() (map[string]notifier.TopicStats, int64) {
	return f.stats, f.dropped
}

type fixture struct {
	srv    *Server
	engine *fakeEngine
	folder directory.EntryKernel
	leaf   directory.EntryKernel
}

func newFixture(t *testing.T, push PushChannel) *fixture {
	t.Helper()
	dirs, err := directory.NewManager(t.TempDir(), crypto.NewCryptographerWithMachineSecret("dbg-secret"))
	require.NoError(t, err)
	t.Cleanup(func() { dirs.CloseAll() })
	dir, err := dirs.Open("pilot@driftlab.dev")
	require.NoError(t, err)

	f := &fixture{engine: &fakeEngine{dir: dir}}
	require.NoError(t, dir.Update(directory.WriterLocal, func(tx *directory.WriteTx) error {
		f.folder, err = tx.Create(directory.EntryKernel{
			ParentID: directory.Root,
			Type:     modeltype.Bookmarks,
			Name:     "reading list",
			Folder:   true,
		})
		if err != nil {
			return err
		}
		f.leaf, err = tx.Create(directory.EntryKernel{
			ParentID:  f.folder.ID,
			Type:      modeltype.Bookmarks,
			Name:      "golang blog",
			Specifics: `{"url":"https://go.dev/blog"}`,
		})
		return err
	}))

	f.srv, err = New(Config{Addr: "127.0.0.1:0"}, f.engine, push)
	require.NoError(t, err)
	return f
}

func (f *fixture) get(t *testing.T, path string, out any) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	if out != nil && rec.Code == http.StatusOK {
		require.NoError(t, jsonx.Unmarshal(rec.Body.Bytes(), out))
	}
	return rec
}

func (f *fixture) post(t *testing.T, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestGetStatus(t *testing.T) {
	f := newFixture(t, nil)
	f.engine.status = manager.SyncStatus{CyclesCompleted: 3, NotificationsEnabled: true}

	var got struct {
		Status    manager.SyncStatus `json:"status"`
		CacheGUID string             `json:"cacheGuid"`
	}
	rec := f.get(t, "/v1/getStatus", &got)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(3), got.Status.CyclesCompleted)
	assert.Equal(t, "guid-1234", got.CacheGUID)
}

func TestGetRootNodeDetails(t *testing.T) {
	f := newFixture(t, nil)

	var root nodeDetails
	rec := f.get(t, "/v1/getRootNodeDetails", &root)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, directory.Root, root.ID)
	assert.True(t, root.Folder)
	assert.Equal(t, []int64{f.folder.Handle}, root.ChildHandles)
}

func TestGetNodeDetailsByIDRoundTrip(t *testing.T) {
	f := newFixture(t, nil)

	var node nodeDetails
	rec := f.get(t, "/v1/getNodeDetailsById?id="+string(f.folder.ID), &node)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "reading list", node.Name)
	assert.Equal(t, []int64{f.leaf.Handle}, node.ChildHandles)

	// Handle lookup resolves the same node.
	var byHandle nodeDetails
	rec = f.get(t, fmt.Sprintf("/v1/getNodeDetailsById?handle=%d", f.leaf.Handle), &byHandle)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "golang blog", byHandle.Name)

	rec = f.get(t, "/v1/getNodeDetailsById?id=no-such-node", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.get(t, "/v1/getNodeDetailsById", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestFindNodesContainingString(t *testing.T) {
	f := newFixture(t, nil)

	var got struct {
		Nodes []nodeDetails `json:"nodes"`
		Count int           `json:"count"`
	}
	rec := f.get(t, "/v1/findNodesContainingString?query=GOLANG", &got)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 1, got.Count)
	assert.Equal(t, "golang blog", got.Nodes[0].Name)

	// Specifics text is searched too.
	rec = f.get(t, "/v1/findNodesContainingString?query=go.dev", &got)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, got.Count)

	rec = f.get(t, "/v1/findNodesContainingString", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetNotificationInfo(t *testing.T) {
	push := &fakePush{
		connected: true,
		topics:    []string{"BOOKMARK"},
		stats:     map[string]notifier.TopicStats{"BOOKMARK": {ReceivedCount: 4, LastVersion: 9}},
		dropped:   2,
	}
	f := newFixture(t, push)

	var got struct {
		RegisteredTopics []string                       `json:"registeredTopics"`
		Topics           map[string]notifier.TopicStats `json:"topics"`
		DroppedStale     int64                          `json:"droppedStale"`
	}
	rec := f.get(t, "/v1/getNotificationInfo", &got)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"BOOKMARK"}, got.RegisteredTopics)
	assert.Equal(t, int64(2), got.DroppedStale)
	assert.Equal(t, int64(9), got.Topics["BOOKMARK"].LastVersion)
}

func TestGetNotificationInfoWithoutPush(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.get(t, "/v1/getNotificationInfo", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRequestNudge(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.post(t, "/v1/requestNudge", `{"delayMs":500}`)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, f.engine.nudges, 1)
	assert.Equal(t, 500*time.Millisecond, f.engine.nudges[0])

	rec = f.post(t, "/v1/requestNudge", "")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, f.engine.nudges, 2)
	assert.Equal(t, scheduler.DefaultNudgeDelay, f.engine.nudges[1])
}

func TestRequestNudgeForTypes(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.post(t, "/v1/requestNudge", `{"types":["bookmark","session"]}`)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, f.engine.typedNudges, 1)
	assert.True(t, f.engine.typedNudges[0].Equal(modeltype.NewSet(modeltype.Bookmarks, modeltype.Sessions)))
	assert.Empty(t, f.engine.nudges)

	rec = f.post(t, "/v1/requestNudge", `{"types":["no_such_type"]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRequestClearServerData(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.post(t, "/v1/requestClearServerData", "")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, 1, f.engine.clears)
}

func TestGetClientInfo(t *testing.T) {
	f := newFixture(t, nil)
	var got map[string]any
	rec := f.get(t, "/v1/getClientInfo", &got)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, got["version"])
	assert.NotEmpty(t, got["goVersion"])
}
