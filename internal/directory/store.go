package directory

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/driftlab/driftsync/internal/db"
	"github.com/driftlab/driftsync/internal/jsonx"
	"github.com/driftlab/driftsync/internal/modeltype"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS metas (
	metahandle INTEGER PRIMARY KEY,
	id TEXT NOT NULL UNIQUE,
	parent_id TEXT NOT NULL,
	model_type INTEGER NOT NULL,
	name TEXT NOT NULL,
	is_folder INTEGER NOT NULL,
	ctime TEXT NOT NULL, -- RFC3339
	mtime TEXT NOT NULL, -- RFC3339
	base_version INTEGER NOT NULL,
	is_deleted INTEGER NOT NULL,
	position INTEGER NOT NULL,
	specifics TEXT NOT NULL,
	is_unsynced INTEGER NOT NULL,
	is_unapplied INTEGER NOT NULL,
	server_version INTEGER NOT NULL,
	server_parent_id TEXT NOT NULL,
	server_name TEXT NOT NULL,
	server_is_deleted INTEGER NOT NULL,
	server_position INTEGER NOT NULL,
	server_specifics TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_metas_parent ON metas(parent_id);
CREATE INDEX IF NOT EXISTS idx_metas_type ON metas(model_type);

CREATE TABLE IF NOT EXISTS share_info (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	cache_guid TEXT NOT NULL,
	store_birthday TEXT NOT NULL,
	notification_state TEXT NOT NULL,
	bootstrap_token TEXT NOT NULL,
	initial_sync_ended TEXT NOT NULL, -- JSON list of type names
	download_progress TEXT NOT NULL,  -- JSON object, type name to timestamp
	next_local_id INTEGER NOT NULL
);
`

const metaColumns = `metahandle, id, parent_id, model_type, name, is_folder,
	ctime, mtime, base_version, is_deleted, position, specifics, is_unsynced,
	is_unapplied, server_version, server_parent_id, server_name,
	server_is_deleted, server_position, server_specifics`

const metaUpsertSQL = `INSERT OR REPLACE INTO metas (` + metaColumns + `)
	VALUES (:metahandle, :id, :parent_id, :model_type, :name, :is_folder,
	:ctime, :mtime, :base_version, :is_deleted, :position, :specifics,
	:is_unsynced, :is_unapplied, :server_version, :server_parent_id,
	:server_name, :server_is_deleted, :server_position, :server_specifics)`

// metaRow is the journal image of one EntryKernel. Times travel as RFC3339
// strings.
type metaRow struct {
	Handle          int64               `db:"metahandle"`
	ID              ID                  `db:"id"`
	ParentID        ID                  `db:"parent_id"`
	ModelType       modeltype.ModelType `db:"model_type"`
	Name            string              `db:"name"`
	IsFolder        bool                `db:"is_folder"`
	CTime           string              `db:"ctime"`
	MTime           string              `db:"mtime"`
	BaseVersion     int64               `db:"base_version"`
	IsDeleted       bool                `db:"is_deleted"`
	Position        int64               `db:"position"`
	Specifics       string              `db:"specifics"`
	IsUnsynced      bool                `db:"is_unsynced"`
	IsUnapplied     bool                `db:"is_unapplied"`
	ServerVersion   int64               `db:"server_version"`
	ServerParentID  ID                  `db:"server_parent_id"`
	ServerName      string              `db:"server_name"`
	ServerIsDeleted bool                `db:"server_is_deleted"`
	ServerPosition  int64               `db:"server_position"`
	ServerSpecifics string              `db:"server_specifics"`
}

func rowFromKernel(e *EntryKernel) metaRow {
	return metaRow{
		Handle:          e.Handle,
		ID:              e.ID,
		ParentID:        e.ParentID,
		ModelType:       e.Type,
		Name:            e.Name,
		IsFolder:        e.Folder,
		CTime:           e.CTime.Format(time.RFC3339Nano),
		MTime:           e.MTime.Format(time.RFC3339Nano),
		BaseVersion:     e.BaseVersion,
		IsDeleted:       e.Deleted,
		Position:        e.Position,
		Specifics:       e.Specifics,
		IsUnsynced:      e.Unsynced,
		IsUnapplied:     e.UnappliedUpdate,
		ServerVersion:   e.ServerVersion,
		ServerParentID:  e.ServerParentID,
		ServerName:      e.ServerName,
		ServerIsDeleted: e.ServerDeleted,
		ServerPosition:  e.ServerPosition,
		ServerSpecifics: e.ServerSpecifics,
	}
}

func (r *metaRow) toKernel() (EntryKernel, error) {
	ctime, err := time.Parse(time.RFC3339Nano, r.CTime)
	if err != nil {
		return EntryKernel{}, fmt.Errorf("parse ctime of entry %s: %w", r.ID, err)
	}
	mtime, err := time.Parse(time.RFC3339Nano, r.MTime)
	if err != nil {
		return EntryKernel{}, fmt.Errorf("parse mtime of entry %s: %w", r.ID, err)
	}
	return EntryKernel{
		Handle:          r.Handle,
		ID:              r.ID,
		ParentID:        r.ParentID,
		Type:            r.ModelType,
		Name:            r.Name,
		Folder:          r.IsFolder,
		CTime:           ctime,
		MTime:           mtime,
		BaseVersion:     r.BaseVersion,
		Deleted:         r.IsDeleted,
		Position:        r.Position,
		Specifics:       r.Specifics,
		Unsynced:        r.IsUnsynced,
		UnappliedUpdate: r.IsUnapplied,
		ServerVersion:   r.ServerVersion,
		ServerParentID:  r.ServerParentID,
		ServerName:      r.ServerName,
		ServerDeleted:   r.ServerIsDeleted,
		ServerPosition:  r.ServerPosition,
		ServerSpecifics: r.ServerSpecifics,
	}, nil
}

type shareRow struct {
	CacheGUID         string `db:"cache_guid"`
	StoreBirthday     string `db:"store_birthday"`
	NotificationState string `db:"notification_state"`
	BootstrapToken    string `db:"bootstrap_token"`
	InitialSyncEnded  string `db:"initial_sync_ended"`
	DownloadProgress  string `db:"download_progress"`
	NextLocalID       int64  `db:"next_local_id"`
}

type shareLoad struct {
	info      shareInfo
	nextLocal int64
}

// store is the sqlite journal behind one Directory.
type store struct {
	db *sqlx.DB
}

func openStore(path string) (*store, error) {
	sdb, err := db.NewSqliteDB(db.WithPath(path), db.WithMaxOpenConns(1))
	if err != nil {
		return nil, fmt.Errorf("open directory store: %w", err)
	}
	if _, err := sdb.Exec(schemaSQL); err != nil {
		sdb.Close()
		return nil, fmt.Errorf("initialize directory schema: %w", err)
	}
	return &store{db: sdb}, nil
}

func (s *store) Close() error {
	return s.db.Close()
}

func (s *store) loadShare() (*shareLoad, bool, error) {
	var row shareRow
	err := s.db.Get(&row, `SELECT cache_guid, store_birthday, notification_state,
		bootstrap_token, initial_sync_ended, download_progress, next_local_id
		FROM share_info WHERE id = 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("load share info: %w", err)
	}

	load := &shareLoad{
		info: shareInfo{
			CacheGUID:         row.CacheGUID,
			StoreBirthday:     row.StoreBirthday,
			NotificationState: row.NotificationState,
			BootstrapToken:    row.BootstrapToken,
			DownloadProgress:  make(map[modeltype.ModelType]int64),
		},
		nextLocal: row.NextLocalID,
	}
	if err := jsonx.Unmarshal([]byte(row.InitialSyncEnded), &load.info.InitialSyncEnded); err != nil {
		return nil, false, fmt.Errorf("decode initial sync state: %w", err)
	}
	if err := jsonx.Unmarshal([]byte(row.DownloadProgress), &load.info.DownloadProgress); err != nil {
		return nil, false, fmt.Errorf("decode download progress: %w", err)
	}
	return load, true, nil
}

func (s *store) loadEntries() ([]EntryKernel, error) {
	var rows []metaRow
	if err := s.db.Select(&rows, `SELECT `+metaColumns+` FROM metas`); err != nil {
		return nil, fmt.Errorf("load entries: %w", err)
	}
	out := make([]EntryKernel, 0, len(rows))
	for i := range rows {
		e, err := rows[i].toKernel()
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// flush writes one save snapshot in a single transaction: dirty entry
// upserts, purged row deletes, then the share_info singleton.
func (s *store) flush(snap *saveSnapshot) error {
	initialJSON, err := jsonx.Marshal(snap.info.InitialSyncEnded)
	if err != nil {
		return fmt.Errorf("encode initial sync state: %w", err)
	}
	progressJSON, err := jsonx.Marshal(snap.info.DownloadProgress)
	if err != nil {
		return fmt.Errorf("encode download progress: %w", err)
	}

	tx, err := s.db.Beginx()
	if err != nil {
		return fmt.Errorf("begin flush: %w", err)
	}

	stmt, err := tx.PrepareNamed(metaUpsertSQL)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("prepare meta upsert: %w", err)
	}
	for i := range snap.dirty {
		row := rowFromKernel(&snap.dirty[i])
		if _, err := stmt.Exec(row); err != nil {
			tx.Rollback()
			return fmt.Errorf("flush entry %d: %w", row.Handle, err)
		}
	}

	for _, h := range snap.purged {
		if _, err := tx.Exec(`DELETE FROM metas WHERE metahandle = ?`, h); err != nil {
			tx.Rollback()
			return fmt.Errorf("purge entry %d: %w", h, err)
		}
	}

	if _, err := tx.Exec(`INSERT OR REPLACE INTO share_info (id, cache_guid,
		store_birthday, notification_state, bootstrap_token, initial_sync_ended,
		download_progress, next_local_id) VALUES (1, ?, ?, ?, ?, ?, ?, ?)`,
		snap.info.CacheGUID, snap.info.StoreBirthday, snap.info.NotificationState,
		snap.info.BootstrapToken, string(initialJSON), string(progressJSON),
		snap.nextLocal); err != nil {
		tx.Rollback()
		return fmt.Errorf("flush share info: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit flush: %w", err)
	}
	return nil
}
