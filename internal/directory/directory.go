package directory

import (
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/driftlab/driftsync/internal/modeltype"
)

// Directory is one account's sync metadata store: an in-memory kernel of
// entries over a sqlite journal. Entry access goes through View and Update
// transactions. Singleton share state (cache guid, birthday, progress marks)
// sits behind its own small lock so it stays reachable from inside a
// transaction.
type Directory struct {
	name string

	// mu guards the kernel's entry maps and both id counters. infoMu guards
	// k.info and k.shareDirty; lock order is mu before infoMu.
	mu     sync.RWMutex
	infoMu sync.Mutex

	k        *kernel
	store    *store
	delegate ChangeDelegate
	closed   bool
}

// ReadTx is a live read transaction. Entry accessors return copies that stay
// valid after the transaction ends.
type ReadTx struct {
	d *Directory
}

// Token marks a live directory transaction of either kind. Accessors that
// must only run under a transaction take one as proof.
type Token interface{ txToken() }

func (*ReadTx) txToken() {}

// WriteTx extends ReadTx with mutation. All writes funnel through Create and
// Put so flag indexes and change records stay consistent.
type WriteTx struct {
	ReadTx
	records []ChangeRecord
}

func open(name, path string) (*Directory, error) {
	st, err := openStore(path)
	if err != nil {
		return nil, err
	}
	k := newKernel()
	d := &Directory{name: name, k: k, store: st}

	share, found, err := st.loadShare()
	if err != nil {
		st.Close()
		return nil, err
	}
	if found {
		k.info = share.info
		k.nextLocal = share.nextLocal
		entries, err := st.loadEntries()
		if err != nil {
			st.Close()
			return nil, err
		}
		for i := range entries {
			e := entries[i]
			k.index(&e)
		}
		return d, nil
	}

	// Fresh store: mint the cache guid and the permanent root entry, then
	// persist both before handing the directory out.
	k.info.CacheGUID = generateCacheGUID(name)
	k.shareDirty = true
	now := time.Now().UTC()
	root := &EntryKernel{
		Handle: k.nextHandle,
		ID:     Root,
		Type:   modeltype.TopLevelFolder,
		Folder: true,
		CTime:  now,
		MTime:  now,
	}
	k.index(root)
	k.dirty[root.Handle] = struct{}{}
	if err := d.SaveChanges(); err != nil {
		st.Close()
		return nil, err
	}
	return d, nil
}

func (d *Directory) Name() string { return d.name }

// SetChangeDelegate installs the observer for committed write transactions.
func (d *Directory) SetChangeDelegate(delegate ChangeDelegate) {
	d.mu.Lock()
	d.delegate = delegate
	d.mu.Unlock()
}

// View runs fn under a shared read lock.
func (d *Directory) View(fn func(tx *ReadTx) error) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrDirectoryClosed
	}
	return fn(&ReadTx{d: d})
}

// Update runs fn under the exclusive write lock. There is no rollback:
// mutations stand even when fn returns an error, and their change records are
// delivered to the delegate after the lock is released.
func (d *Directory) Update(writer Writer, fn func(tx *WriteTx) error) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrDirectoryClosed
	}
	tx := &WriteTx{ReadTx: ReadTx{d: d}}
	err := fn(tx)
	delegate := d.delegate
	records := tx.records
	d.mu.Unlock()

	if delegate != nil && len(records) > 0 {
		delegate.HandleTransactionCompleteChangeEvent(writer, records)
	}
	return err
}

func (tx *ReadTx) EntryByHandle(h int64) (EntryKernel, bool) {
	e, ok := tx.d.k.byHandle[h]
	if !ok {
		return EntryKernel{}, false
	}
	return *e, true
}

func (tx *ReadTx) EntryByID(id ID) (EntryKernel, bool) {
	h, ok := tx.d.k.byID[id]
	if !ok {
		return EntryKernel{}, false
	}
	return *tx.d.k.byHandle[h], true
}

// Handles returns every known metahandle in ascending order.
func (tx *ReadTx) Handles() []int64 {
	return slices.Sorted(maps.Keys(tx.d.k.byHandle))
}

// UnsyncedHandles returns the handles of entries with local changes pending
// commit, in ascending handle order so parents created locally precede their
// children.
func (tx *ReadTx) UnsyncedHandles() []int64 {
	return slices.Sorted(maps.Keys(tx.d.k.unsynced))
}

// UnappliedUpdateHandles returns the handles of entries holding a downloaded
// server version that has not been applied yet.
func (tx *ReadTx) UnappliedUpdateHandles() []int64 {
	return slices.Sorted(maps.Keys(tx.d.k.unapplied))
}

// ChildHandles returns the handles of parent's children ordered by position,
// then handle.
func (tx *ReadTx) ChildHandles(parent ID) []int64 {
	var out []int64
	for h, e := range tx.d.k.byHandle {
		if e.ParentID == parent {
			out = append(out, h)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := tx.d.k.byHandle[out[i]], tx.d.k.byHandle[out[j]]
		if a.Position != b.Position {
			return a.Position < b.Position
		}
		return a.Handle < b.Handle
	})
	return out
}

func (tx *ReadTx) EntriesCount() int { return len(tx.d.k.byHandle) }

// Create installs a new entry and returns the completed copy. A zero Handle
// is assigned, zero times are stamped, and an empty id is minted locally,
// which forces BaseVersionNone.
func (tx *WriteTx) Create(e EntryKernel) (EntryKernel, error) {
	k := tx.d.k
	if e.ID == "" {
		e.ID = localID(k.nextLocal)
		k.nextLocal++
		e.BaseVersion = BaseVersionNone
	}
	if _, exists := k.byID[e.ID]; exists {
		return EntryKernel{}, fmt.Errorf("create %s: %w", e.ID, ErrEntryExists)
	}
	e.Handle = k.nextHandle
	now := time.Now().UTC()
	if e.CTime.IsZero() {
		e.CTime = now
	}
	if e.MTime.IsZero() {
		e.MTime = now
	}
	entry := e
	k.index(&entry)
	k.dirty[entry.Handle] = struct{}{}
	tx.recordChange(nil, &entry)
	return entry, nil
}

// Put replaces the entry with e's handle. Identity fields are immutable: the
// id changes only through ChangeEntryID and the model type never changes.
func (tx *WriteTx) Put(e EntryKernel) error {
	k := tx.d.k
	old, ok := k.byHandle[e.Handle]
	if !ok {
		return fmt.Errorf("put handle %d: %w", e.Handle, ErrNoSuchEntry)
	}
	if e.ID != old.ID {
		return fmt.Errorf("put %s: id is immutable, use ChangeEntryID", old.ID)
	}
	if e.Type != old.Type {
		return fmt.Errorf("put %s: model type is immutable", old.ID)
	}
	prev := *old
	*old = e
	k.reindexFlags(old)
	k.dirty[e.Handle] = struct{}{}
	tx.recordChange(&prev, old)
	return nil
}

// ChangeEntryID rewrites an entry's id after a successful commit and repoints
// every child at the new id. Handles are stable, so no change records fire.
func (tx *WriteTx) ChangeEntryID(oldID, newID ID) error {
	k := tx.d.k
	h, ok := k.byID[oldID]
	if !ok {
		return fmt.Errorf("change id %s: %w", oldID, ErrNoSuchEntry)
	}
	if _, taken := k.byID[newID]; taken {
		return fmt.Errorf("change id %s to %s: %w", oldID, newID, ErrEntryExists)
	}
	e := k.byHandle[h]
	delete(k.byID, oldID)
	e.ID = newID
	k.byID[newID] = h
	k.dirty[h] = struct{}{}
	for ch, child := range k.byHandle {
		if child.ParentID == oldID {
			child.ParentID = newID
			k.dirty[ch] = struct{}{}
		}
	}
	return nil
}

// recordChange appends a change record when the visible state of a real-type
// entry moved. Placeholder staging and flag churn produce none.
func (tx *WriteTx) recordChange(before, after *EntryKernel) {
	if !after.Type.IsRealType() {
		return
	}
	existedBefore := before != nil && before.Exists()
	existsNow := after.Exists()
	switch {
	case existsNow && !existedBefore:
		tx.records = append(tx.records, ChangeRecord{
			Handle:   after.Handle,
			ID:       after.ID,
			ParentID: after.ParentID,
			Type:     after.Type,
			Change:   ChangeAdd,
		})
	case !existsNow && existedBefore:
		tx.records = append(tx.records, ChangeRecord{
			Handle:    after.Handle,
			ID:        after.ID,
			ParentID:  before.ParentID,
			Type:      after.Type,
			Change:    ChangeDelete,
			Specifics: before.Specifics,
		})
	case existsNow && existedBefore && visiblePropsDiffer(before, after):
		tx.records = append(tx.records, ChangeRecord{
			Handle:   after.Handle,
			ID:       after.ID,
			ParentID: after.ParentID,
			Type:     after.Type,
			Change:   ChangeUpdate,
		})
	}
}

// EntriesCount takes the entry lock; do not call it inside a write
// transaction.
func (d *Directory) EntriesCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.k.byHandle)
}

// UnsyncedCount takes the entry lock; do not call it inside a write
// transaction.
func (d *Directory) UnsyncedCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.k.unsynced)
}

// Usable reports whether the directory is open and can serve transactions.
func (d *Directory) Usable() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return !d.closed
}

func (d *Directory) CacheGUID() string {
	d.infoMu.Lock()
	defer d.infoMu.Unlock()
	return d.k.info.CacheGUID
}

func (d *Directory) StoreBirthday() string {
	d.infoMu.Lock()
	defer d.infoMu.Unlock()
	return d.k.info.StoreBirthday
}

func (d *Directory) SetStoreBirthday(birthday string) {
	d.infoMu.Lock()
	defer d.infoMu.Unlock()
	if d.k.info.StoreBirthday == birthday {
		return
	}
	d.k.info.StoreBirthday = birthday
	d.k.shareDirty = true
}

func (d *Directory) NotificationState() string {
	d.infoMu.Lock()
	defer d.infoMu.Unlock()
	return d.k.info.NotificationState
}

func (d *Directory) SetNotificationState(state string) {
	d.infoMu.Lock()
	defer d.infoMu.Unlock()
	if d.k.info.NotificationState == state {
		return
	}
	d.k.info.NotificationState = state
	d.k.shareDirty = true
}

func (d *Directory) BootstrapToken() string {
	d.infoMu.Lock()
	defer d.infoMu.Unlock()
	return d.k.info.BootstrapToken
}

func (d *Directory) SetBootstrapToken(token string) {
	d.infoMu.Lock()
	defer d.infoMu.Unlock()
	if d.k.info.BootstrapToken == token {
		return
	}
	d.k.info.BootstrapToken = token
	d.k.shareDirty = true
}

// InitialSyncEnded reports whether t has completed its first full download.
func (d *Directory) InitialSyncEnded(t modeltype.ModelType) bool {
	d.infoMu.Lock()
	defer d.infoMu.Unlock()
	return d.k.info.InitialSyncEnded.Has(t)
}

func (d *Directory) InitialSyncEndedTypes() modeltype.Set {
	d.infoMu.Lock()
	defer d.infoMu.Unlock()
	return d.k.info.InitialSyncEnded
}

func (d *Directory) MarkInitialSyncEnded(t modeltype.ModelType) {
	d.infoMu.Lock()
	defer d.infoMu.Unlock()
	if d.k.info.InitialSyncEnded.Has(t) {
		return
	}
	d.k.info.InitialSyncEnded = d.k.info.InitialSyncEnded.With(t)
	d.k.shareDirty = true
}

// DownloadProgress returns the newest server timestamp fully processed for t;
// zero means download from the beginning.
func (d *Directory) DownloadProgress(t modeltype.ModelType) int64 {
	d.infoMu.Lock()
	defer d.infoMu.Unlock()
	return d.k.info.DownloadProgress[t]
}

func (d *Directory) SetDownloadProgress(t modeltype.ModelType, timestamp int64) {
	d.infoMu.Lock()
	defer d.infoMu.Unlock()
	if d.k.info.DownloadProgress[t] == timestamp {
		return
	}
	d.k.info.DownloadProgress[t] = timestamp
	d.k.shareDirty = true
}

// saveSnapshot is what one SaveChanges call ships to the journal.
type saveSnapshot struct {
	dirty     []EntryKernel
	dirtySet  map[int64]struct{}
	purged    []int64
	info      shareInfo
	infoDirty bool
	nextLocal int64
}

// SaveChanges flushes dirty entries and share state to the journal. Dirty
// marks clear at snapshot time and are restored if the flush fails, so each
// change is written exactly once. Tombstones that finished their server round
// trip are vacuumed from memory after a successful flush; their rows go on
// the next call.
func (d *Directory) SaveChanges() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrDirectoryClosed
	}
	snap := d.takeSaveSnapshot()
	d.mu.Unlock()
	if snap == nil {
		return nil
	}

	if err := d.store.flush(snap); err != nil {
		d.handleSaveFailure(snap)
		return fmt.Errorf("save directory %s: %w", d.name, err)
	}

	d.mu.Lock()
	d.vacuumAfterSave(snap)
	d.mu.Unlock()
	return nil
}

// takeSaveSnapshot copies out everything pending and clears the pending
// marks. Caller holds mu. Returns nil when there is nothing to write.
func (d *Directory) takeSaveSnapshot() *saveSnapshot {
	k := d.k
	d.infoMu.Lock()
	infoDirty := k.shareDirty
	if len(k.dirty) == 0 && len(k.purged) == 0 && !infoDirty {
		d.infoMu.Unlock()
		return nil
	}
	snap := &saveSnapshot{
		dirtySet:  k.dirty,
		info:      k.info.copy(),
		infoDirty: infoDirty,
		nextLocal: k.nextLocal,
	}
	k.shareDirty = false
	d.infoMu.Unlock()

	snap.dirty = make([]EntryKernel, 0, len(k.dirty))
	for h := range k.dirty {
		if e, ok := k.byHandle[h]; ok {
			snap.dirty = append(snap.dirty, *e)
		}
	}
	sort.Slice(snap.dirty, func(i, j int) bool { return snap.dirty[i].Handle < snap.dirty[j].Handle })
	snap.purged = slices.Sorted(maps.Keys(k.purged))
	k.dirty = make(map[int64]struct{})
	k.purged = make(map[int64]struct{})
	return snap
}

// handleSaveFailure re-marks everything the failed flush was carrying so the
// next SaveChanges retries it.
func (d *Directory) handleSaveFailure(snap *saveSnapshot) {
	d.mu.Lock()
	for h := range snap.dirtySet {
		if _, ok := d.k.byHandle[h]; ok {
			d.k.dirty[h] = struct{}{}
		}
	}
	for _, h := range snap.purged {
		d.k.purged[h] = struct{}{}
	}
	d.infoMu.Lock()
	if snap.infoDirty {
		d.k.shareDirty = true
	}
	d.infoMu.Unlock()
	d.mu.Unlock()
}

// vacuumAfterSave drops tombstones whose server round trip is finished,
// unless they were re-dirtied while the flush ran. Caller holds mu.
func (d *Directory) vacuumAfterSave(snap *saveSnapshot) {
	for i := range snap.dirty {
		e, ok := d.k.byHandle[snap.dirty[i].Handle]
		if !ok {
			continue
		}
		if _, stillDirty := d.k.dirty[e.Handle]; stillDirty {
			continue
		}
		if e.Deleted && !e.Unsynced && !e.UnappliedUpdate {
			d.k.drop(e)
			d.k.purged[e.Handle] = struct{}{}
		}
	}
}

// PurgeEntriesWithTypeIn removes every entry of the given types from memory
// and schedules their rows for deletion. Download progress and the initial
// sync mark of those types reset, so re-enabling a type starts from scratch.
func (d *Directory) PurgeEntriesWithTypeIn(types modeltype.Set) error {
	if types.Empty() {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrDirectoryClosed
	}
	for _, e := range d.k.byHandle {
		if types.Has(e.Type) {
			d.k.drop(e)
			d.k.purged[e.Handle] = struct{}{}
		}
	}
	d.infoMu.Lock()
	for _, t := range types.Types() {
		delete(d.k.info.DownloadProgress, t)
	}
	d.k.info.InitialSyncEnded = modeltype.Difference(d.k.info.InitialSyncEnded, types)
	d.k.shareDirty = true
	d.infoMu.Unlock()
	return nil
}

// close flushes once and marks the directory unusable. The Manager owns the
// lifecycle; callers outside this package go through Manager.CloseAll.
func (d *Directory) close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.mu.Unlock()

	err := d.SaveChanges()
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	if cerr := d.store.Close(); err == nil {
		err = cerr
	}
	return err
}
