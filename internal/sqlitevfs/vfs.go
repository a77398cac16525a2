// Package sqlitevfs registers a read-only SQLite VFS that decrypts an
// AES-256-CBC-encrypted database file on the fly through cbcreader,
// exposing it to github.com/ncruces/go-sqlite3 as an ordinary database
// file. It is the Go analogue of a libsqlite3_sys-level custom VFS: open,
// close, read, file size and device characteristics do real work; write,
// truncate and delete are refused with a read-only error; sync, lock,
// unlock and the reserved-lock check succeed without doing anything.
package sqlitevfs

import (
	"io"
	"os"

	"github.com/ncruces/go-sqlite3/vfs"

	"github.com/ibackupfs/ibackupfs/internal/cbcreader"
)

// Name is the VFS name registered with SQLite; pass it as the "vfs" URI
// parameter when opening the encrypted database.
const Name = "ibackupfs-cbc"

// VFS decrypts every file opened under it with a single, fixed AES-256
// key — the unwrapped Manifest.db key. It is installed once at startup
// via Register.
type VFS struct {
	key [32]byte
}

// Register installs a VFS keyed by dbKey under Name.
func Register(dbKey [32]byte) {
	vfs.Register(Name, &VFS{key: dbKey})
}

// Open implements vfs.VFS. An empty name means SQLite wants a temporary
// or journal file; those are never encrypted, so the request is handed
// to the default OS VFS rather than decrypted.
func (v *VFS) Open(name string, flags vfs.OpenFlag) (vfs.File, vfs.OpenFlag, error) {
	if name == "" {
		return vfs.Find("").Open(name, flags)
	}

	f, err := os.Open(name)
	if err != nil {
		return nil, flags, err
	}

	readFlags := (flags &^ vfs.OPEN_READWRITE) | vfs.OPEN_READONLY
	return &file{f: f, state: cbcreader.NewState(v.key, name)}, readFlags, nil
}

// Delete always fails, since nothing ever writes through this VFS.
// SQLite still calls Access and FullPathname during normal read-only
// operation: Access checks the filesystem for name, and FullPathname
// returns name unchanged.
func (v *VFS) Delete(name string, dirSync bool) error {
	return vfs.ReadOnlyError
}

func (v *VFS) Access(name string, flags vfs.AccessFlag) (bool, error) {
	_, err := os.Stat(name)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (v *VFS) FullPathname(name string) (string, error) {
	return name, nil
}

type file struct {
	f     *os.File
	state *cbcreader.State
}

func (fl *file) Close() error {
	return fl.f.Close()
}

// ReadAt routes every read through the CBC decryptor.
func (fl *file) ReadAt(p []byte, off int64) (int, error) {
	if err := fl.state.Decrypt(fl.f, p, off); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (fl *file) WriteAt(p []byte, off int64) (int, error) {
	return 0, vfs.ReadOnlyError
}

func (fl *file) Truncate(size int64) error {
	return vfs.ReadOnlyError
}

func (fl *file) Sync(flag vfs.SyncFlag) error {
	return nil
}

func (fl *file) Size() (int64, error) {
	fi, err := fl.f.Stat()
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

func (fl *file) Lock(lock vfs.LockLevel) error   { return nil }
func (fl *file) Unlock(lock vfs.LockLevel) error { return nil }
func (fl *file) CheckReservedLock() (bool, error) {
	return false, nil
}

func (fl *file) SectorSize() int { return 0 }

// DeviceCharacteristics advertises IMMUTABLE so SQLite never attempts to
// lock the file, matching the source format's own VFS.
func (fl *file) DeviceCharacteristics() vfs.DeviceCharacteristic {
	return vfs.IOCAP_IMMUTABLE
}

var _ io.Closer = (*file)(nil)
