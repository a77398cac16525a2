// Command ibackupfs mounts an encrypted iOS device backup as a read-only
// FUSE filesystem.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"golang.org/x/sys/unix"
	"howett.net/plist"

	"github.com/ibackupfs/ibackupfs/internal/backupfs"
	"github.com/ibackupfs/ibackupfs/internal/keybag"
	"github.com/ibackupfs/ibackupfs/internal/manifest"
	"github.com/ibackupfs/ibackupfs/internal/sqlitevfs"
)

// manifestPlist is Manifest.plist's top level. Fields beyond BackupKeyBag
// and ManifestKey don't drive any behavior but are parsed and logged at
// startup, per SPEC_FULL.md §6's supplemented-features list. Lockdown and
// Applications are opaque nested dictionaries in the source format (the
// original keeps them as untyped plist.Value); only their presence is
// logged, not their contents.
type manifestPlist struct {
	BackupKeyBag         []byte    `plist:"BackupKeyBag"`
	ManifestKey          []byte    `plist:"ManifestKey"`
	Version              string    `plist:"Version"`
	Date                 time.Time `plist:"Date"`
	SystemDomainsVersion string    `plist:"SystemDomainsVersion"`
	WasPasscodeSet       bool      `plist:"WasPasscodeSet"`
	IsEncrypted          bool      `plist:"IsEncrypted"`
	Lockdown             any       `plist:"Lockdown"`
	Applications         any       `plist:"Applications"`
}

func main() {
	if len(os.Args) != 4 {
		fmt.Fprintln(os.Stderr, "usage: ibackupfs <backup_base_path> <mountpoint> <passphrase>")
		os.Exit(1)
	}
	basePath, mountpoint, passphrase := os.Args[1], os.Args[2], os.Args[3]

	if err := run(basePath, mountpoint, passphrase); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func run(basePath, mountpoint, passphrase string) error {
	slog.Info("reading Manifest.plist")
	mf, err := readManifestPlist(filepath.Join(basePath, "Manifest.plist"))
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	slog.Info("loaded Manifest.plist",
		"version", mf.Version,
		"date", mf.Date,
		"systemDomainsVersion", mf.SystemDomainsVersion,
		"wasPasscodeSet", mf.WasPasscodeSet,
		"isEncrypted", mf.IsEncrypted,
		"hasLockdown", mf.Lockdown != nil,
		"hasApplications", mf.Applications != nil)

	slog.Info("verifying passphrase")
	kb, err := keybag.Parse(mf.BackupKeyBag)
	if err != nil {
		return fmt.Errorf("parse keybag: %w", err)
	}
	classKeys, err := kb.DeriveClassKeys([]byte(passphrase))
	if err != nil {
		if errors.Is(err, keybag.ErrIncorrectPassphrase) {
			return errors.New("incorrect passphrase")
		}
		return fmt.Errorf("derive class keys: %w", err)
	}

	dbKeyBytes, err := classKeys.Unwrap(mf.ManifestKey)
	if err != nil {
		return fmt.Errorf("unwrap manifest key: %w", err)
	}
	var dbKey [32]byte
	copy(dbKey[:], dbKeyBytes)
	sqlitevfs.Register(dbKey)

	slog.Info("reading Manifest.db")
	dsn := fmt.Sprintf("file:%s?vfs=%s&mode=ro&immutable=1", filepath.Join(basePath, "Manifest.db"), sqlitevfs.Name)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return fmt.Errorf("open manifest db: %w", err)
	}
	defer db.Close()

	tree, err := manifest.Ingest(context.Background(), db)
	if err != nil {
		return fmt.Errorf("ingest manifest: %w", err)
	}

	slog.Info("removing empty directories")
	tree.PruneEmptyDirectories()

	bfs, err := backupfs.New(backupfs.Config{
		Tree:     tree,
		DB:       db,
		Keys:     classKeys,
		BasePath: basePath,
		Options:  backupfs.Options{VerifyDigests: verifyDigestsFromEnv()},
	})
	if err != nil {
		return fmt.Errorf("build filesystem: %w", err)
	}

	server, err := fs.Mount(mountpoint, bfs.Root(), &fs.Options{
		MountOptions: fuse.MountOptions{
			AllowOther: true,
			Name:       "ibackupfs",
			FsName:     "ibackupfs",
		},
	})
	if err != nil {
		return fmt.Errorf("mount: %w", err)
	}

	slog.Info("serving filesystem", "mountpoint", mountpoint)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, unix.SIGTERM)
	go func() {
		<-sig
		slog.Info("unmounting")
		if err := server.Unmount(); err != nil {
			slog.Error("unmount failed", "err", err)
		}
	}()

	server.Wait()
	return nil
}

func readManifestPlist(path string) (*manifestPlist, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var mf manifestPlist
	if err := plist.Unmarshal(data, &mf); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &mf, nil
}

// verifyDigestsFromEnv mirrors the teacher's BEGB environment-variable
// convention (memlimit.go): an optional tunable, off unless explicitly
// set, with a malformed value treated as unset rather than fatal.
func verifyDigestsFromEnv() bool {
	v, ok := os.LookupEnv("BACKUPFS_VERIFY_DIGESTS")
	if !ok {
		return false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		slog.Warn("ignoring malformed BACKUPFS_VERIFY_DIGESTS", "value", v)
		return false
	}
	return b
}
