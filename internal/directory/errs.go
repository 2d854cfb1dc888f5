package directory

import "errors"

var (
	ErrDirectoryClosed = errors.New("directory is closed")
	ErrDataDirLocked   = errors.New("data directory locked by another process")
	ErrNoSuchEntry     = errors.New("no such entry")
	ErrEntryExists     = errors.New("entry already exists")
)
