package directory

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/gofrs/flock"
	"github.com/google/uuid"

	"github.com/driftlab/driftsync/internal/crypto"
	"github.com/driftlab/driftsync/internal/utils"
)

const (
	lockFile = "driftsync.lock"
	dbSuffix = ".sync.db"
)

// Manager owns every open directory under one data dir, the dir-wide process
// lock, and the shared cryptographer. Key material is handed out only against
// a live transaction token.
type Manager struct {
	root string
	lock *flock.Flock
	cry  *crypto.Cryptographer

	mu   sync.Mutex
	dirs map[string]*Directory
}

// NewManager claims the data dir for this process. A second process opening
// the same dir gets ErrDataDirLocked.
func NewManager(root string, cry *crypto.Cryptographer) (*Manager, error) {
	resolved, err := utils.ResolvePath(root)
	if err != nil {
		return nil, fmt.Errorf("resolve data dir %s: %w", root, err)
	}
	if err := utils.EnsureDir(resolved); err != nil {
		return nil, fmt.Errorf("create data dir %s: %w", resolved, err)
	}

	lock := flock.New(filepath.Join(resolved, lockFile))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock data dir: %w", err)
	}
	if !locked {
		return nil, ErrDataDirLocked
	}

	return &Manager{
		root: resolved,
		lock: lock,
		cry:  cry,
		dirs: make(map[string]*Directory),
	}, nil
}

// Cryptographer hands out the shared key store. The token parameter forces
// callers to hold a directory transaction first.
func (m *Manager) Cryptographer(Token) *crypto.Cryptographer {
	return m.cry
}

// Open loads or creates the named account store. Opening the same name twice
// returns the same instance. A stored bootstrap token is replayed into the
// cryptographer so a previously accepted passphrase survives restarts.
func (m *Manager) Open(name string) (*Directory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d, ok := m.dirs[name]; ok {
		return d, nil
	}

	path := filepath.Join(m.root, sanitizeName(name)+dbSuffix)
	d, err := open(name, path)
	if err != nil {
		return nil, fmt.Errorf("open directory %s: %w", name, err)
	}
	if token := d.BootstrapToken(); token != "" && m.cry != nil {
		if err := m.cry.Bootstrap(token); err != nil {
			slog.Warn("stored bootstrap token rejected", "directory", name, "error", err)
		}
	}

	m.dirs[name] = d
	slog.Info("directory open", "name", name, "path", path, "entries", d.EntriesCount())
	return d, nil
}

func (m *Manager) Lookup(name string) (*Directory, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.dirs[name]
	return d, ok
}

// SaveAll flushes every open directory, continuing past failures.
func (m *Manager) SaveAll() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var errs []error
	for _, d := range m.dirs {
		if err := d.SaveChanges(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// CloseAll saves and closes every directory, then releases the data dir lock.
func (m *Manager) CloseAll() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var errs []error
	for name, d := range m.dirs {
		if err := d.close(); err != nil {
			errs = append(errs, fmt.Errorf("close directory %s: %w", name, err))
		}
		delete(m.dirs, name)
	}
	if m.lock.Locked() {
		if err := m.lock.Unlock(); err != nil {
			errs = append(errs, fmt.Errorf("unlock data dir: %w", err))
		} else {
			os.Remove(m.lock.Path())
		}
	}
	return errors.Join(errs...)
}

// generateCacheGUID derives the guid identifying this client to the server.
// It is stable per machine and account: the same pair always maps to the same
// guid, even after the local store is wiped.
func generateCacheGUID(name string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("driftsync://"+utils.HWID+"/"+name)).String()
}

func sanitizeName(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '.', r == '@', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}
