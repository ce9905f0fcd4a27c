package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

// ErrSharedFilesystem is wrapped by OpenSQLite when the history database
// would sit on a filesystem where SQLite locking cannot be trusted.
var ErrSharedFilesystem = errors.New("history database on shared filesystem")

var errNoStatfs = errors.New("filesystem type unavailable on this platform")

// sharedFilesystems lists network and cluster filesystems. Output
// locations on HPC hosts commonly live on one of these.
var sharedFilesystems = []string{
	"afpfs", "beegfs", "ceph", "cifs", "gpfs", "lustre", "nfs", "smb2", "smbfs", "webdav",
}

// mount is the filesystem found beneath a history database path.
type mount struct {
	dir    string // deepest ancestor of the path that exists
	fsType string // empty when the platform cannot tell
}

func (m mount) shared() bool {
	return slices.Contains(sharedFilesystems, strings.ToLower(strings.TrimSpace(m.fsType)))
}

// checkHistoryLocation refuses a run history database on a shared mount.
func checkHistoryLocation(dbPath string) error {
	return checkHistoryLocationWith(dbPath, filesystemType)
}

func checkHistoryLocationWith(dbPath string, fsType func(dir string) (string, error)) error {
	if dbPath == "" {
		return errors.New("history database path is empty")
	}
	m, err := findMount(dbPath, fsType)
	if err != nil {
		return fmt.Errorf("history database %s: %w", dbPath, err)
	}
	if m.shared() {
		return fmt.Errorf("history database %s is on %s: %w; point --db at a local disk or run with --no-history",
			dbPath, m.fsType, ErrSharedFilesystem)
	}
	return nil
}

func findMount(dbPath string, fsType func(dir string) (string, error)) (mount, error) {
	dir, err := filepath.Abs(dbPath)
	if err != nil {
		return mount{}, err
	}
	for {
		_, err := os.Stat(dir)
		if err == nil {
			break
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return mount{}, err
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return mount{}, errors.New("no existing ancestor directory")
		}
		dir = parent
	}

	t, err := fsType(dir)
	switch {
	case errors.Is(err, errNoStatfs):
		return mount{dir: dir}, nil
	case err != nil:
		return mount{}, fmt.Errorf("filesystem of %s: %w", dir, err)
	}
	return mount{dir: dir, fsType: t}, nil
}
