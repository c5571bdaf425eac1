// Package cachedir implements the Cache Directory Manager, component
// I: validating/creating the on-disk cache root and persisting
// bookkeeping metadata (what was deployed, with pid and implementation
// id) in an embedded key-value store. Grounded
// in device_service.go's directory-layout conventions
// (<root>/device-manager/device-data/...) for the directory shape, and
// in the pack's own badger wrapper (services/trace/storage/badger) for
// how to wire github.com/dgraph-io/badger/v4 idiomatically.
package cachedir

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"syscall"

	"github.com/dgraph-io/badger/v4"
	"golang.org/x/sys/unix"

	deverrors "github.com/sdrkit/devmgr/internal/errors"
	"github.com/sdrkit/devmgr/internal/logging"
)

var log = logging.New("cachedir")

// bookkeepingSubdir is where the badger store lives beneath the cache
// root, mirroring the original's device-data subdirectory.
const bookkeepingSubdir = "device-data"

// dirMode is rwx/rwx/r-x, the exact mode spec.md §4.I's makeDirectory
// creates every missing ancestor with.
const dirMode = 0o775

// Manager owns the cache directory on disk plus a badger-backed store
// of local bookkeeping: which labels were deployed and what
// pid/implementation they were launched with. The store is written
// during deployment; nothing reads it back when the device manager
// starts.
type Manager struct {
	Root string
	db   *badger.DB
}

// Entry is one bookkeeping record.
type Entry struct {
	Label          string
	ImplementationID string
	Pid            int
}

// Open validates that root exists and is a writable directory tree
// (creating root if absent, per spec.md §4.I's makeDirectory), then
// opens the badger store beneath it.
func Open(root string) (*Manager, error) {
	if err := makeDirectory(root); err != nil {
		return nil, err
	}
	if err := verifyTreeWritable(root); err != nil {
		return nil, err
	}
	dbPath := filepath.Join(root, bookkeepingSubdir)
	opts := badger.DefaultOptions(dbPath).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, deverrors.New("Open", classifyErrno(err), err, "opening bookkeeping store at %s", dbPath)
	}
	return &Manager{Root: root, db: db}, nil
}

// makeDirectory creates path and any missing ancestors with mode
// rwx/rwx/r-x, matching the original's makeDirectory, and confirms the
// result is in fact a directory. A root it creates is chmod'ed to
// dirMode afterwards so the process umask does not narrow it; an
// existing root keeps its mode.
func makeDirectory(path string) error {
	_, statErr := os.Stat(path)
	created := os.IsNotExist(statErr)
	if err := os.MkdirAll(path, dirMode); err != nil {
		return deverrors.New("makeDirectory", classifyErrno(err), err, "creating cache root %s", path)
	}
	if created {
		if err := os.Chmod(path, dirMode); err != nil {
			return deverrors.New("makeDirectory", classifyErrno(err), err, "setting mode of cache root %s", path)
		}
	}
	info, err := os.Stat(path)
	if err != nil {
		return deverrors.New("makeDirectory", classifyErrno(err), err, "stat cache root %s", path)
	}
	if !info.IsDir() {
		return deverrors.New("makeDirectory", deverrors.CacheDirNotADirectory, nil, "cache root %s is not a directory", path)
	}
	return nil
}

// verifyTreeWritable walks root and confirms every entry is writable
// by this process, per spec.md §4.I's recursive access check. It never
// modifies anything; it only probes.
func verifyTreeWritable(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return deverrors.New("verifyTreeWritable", classifyErrno(err), err, "walking %s", path)
		}
		if err := unix.Access(path, unix.W_OK); err != nil {
			return deverrors.New("verifyTreeWritable", classifyErrno(err), err, "write access check on %s", path)
		}
		return nil
	})
}

// classifyErrno maps a POSIX errno raised while manipulating the cache
// directory to one of the CacheDir* kinds, so callers can distinguish
// "doesn't exist yet", "no permission", "not a directory" and similar
// failure families instead of a single undifferentiated error.
func classifyErrno(err error) deverrors.Kind {
	var errno syscall.Errno
	if !errors.As(err, &errno) {
		return deverrors.FilesystemError
	}
	switch errno {
	case syscall.ENOENT:
		return deverrors.CacheDirMissingParent
	case syscall.EACCES:
		return deverrors.CacheDirPermissionDenied
	case syscall.ENOTDIR:
		return deverrors.CacheDirNotADirectory
	case syscall.ELOOP:
		return deverrors.CacheDirSymlinkLoop
	case syscall.EMLINK:
		return deverrors.CacheDirTooManyLinks
	case syscall.ENAMETOOLONG:
		return deverrors.CacheDirNameTooLong
	case syscall.EROFS:
		return deverrors.CacheDirReadOnly
	default:
		return deverrors.FilesystemError
	}
}

// Close closes the underlying store.
func (m *Manager) Close() error {
	return m.db.Close()
}

// Put records or updates an entry.
func (m *Manager) Put(e Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return deverrors.New("Put", deverrors.FilesystemError, err, "marshaling entry %s", e.Label)
	}
	err = m.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(e.Label), data)
	})
	if err != nil {
		return deverrors.New("Put", deverrors.FilesystemError, err, "writing entry %s", e.Label)
	}
	return nil
}

// Delete removes an entry. The device manager calls it when a child it
// launched exits unexpectedly; shutdown teardown leaves entries in place.
func (m *Manager) Delete(label string) error {
	err := m.db.Update(func(txn *badger.Txn) error {
		err := txn.Delete([]byte(label))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		return err
	})
	if err != nil {
		return deverrors.New("Delete", deverrors.FilesystemError, err, "deleting entry %s", label)
	}
	return nil
}

// All returns every recorded entry. The device manager's startup does
// not call it: Run deploys from the node descriptor alone and does not
// reconcile against entries left by an earlier run.
func (m *Manager) All() ([]Entry, error) {
	var out []Entry
	err := m.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			var e Entry
			if copyErr := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &e)
			}); copyErr != nil {
				return copyErr
			}
			out = append(out, e)
		}
		return nil
	})
	if err != nil {
		return nil, deverrors.New("All", deverrors.FilesystemError, err, "scanning bookkeeping store")
	}
	return out, nil
}

// LogDir returns (and creates) the device manager's own log directory,
// matching the original's device-manager/logs convention.
func (m *Manager) LogDir() (string, error) {
	dir := filepath.Join(m.Root, "logs")
	if err := os.MkdirAll(dir, dirMode); err != nil {
		return "", fmt.Errorf("creating log dir %s: %w", dir, err)
	}
	log.Infof("using log directory %s", dir)
	return dir, nil
}
