package backupfs

import (
	"context"
	"log/slog"
	"sort"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/ibackupfs/ibackupfs/internal/manifest"
)

// bfsNode is the fs.InodeEmbedder backing every inode in the mounted
// tree. It carries no state of its own beyond which tree index it
// represents — all durable state lives in the shared *FS.
type bfsNode struct {
	fs.Inode
	fsys *FS
	ino  int
}

var (
	_ fs.InodeEmbedder   = (*bfsNode)(nil)
	_ fs.NodeLookuper    = (*bfsNode)(nil)
	_ fs.NodeGetattrer   = (*bfsNode)(nil)
	_ fs.NodeReaddirer   = (*bfsNode)(nil)
	_ fs.NodeOpener      = (*bfsNode)(nil)
	_ fs.NodeGetxattrer  = (*bfsNode)(nil)
	_ fs.NodeListxattrer = (*bfsNode)(nil)
	_ fs.NodeStatfser    = (*bfsNode)(nil)
)

func (n *bfsNode) node() *manifest.Inode { return &n.fsys.tree.Nodes[n.ino] }

// Lookup maps name within the parent's children to a child inode,
// matching spec.md §4.6's lookup callback.
func (n *bfsNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	node := n.node()
	if node.Children == nil {
		return nil, syscall.ENOTDIR
	}
	childIdx, ok := node.Children[name]
	if !ok {
		return nil, syscall.ENOENT
	}

	if err := n.fsys.fillAttr(childIdx, &out.Attr); err != nil {
		slog.Warn("getattr failed during lookup", "name", name, "err", err)
		return nil, syscall.EIO
	}

	mode := uint32(fuse.S_IFREG)
	if n.fsys.tree.Nodes[childIdx].Type == manifest.Folder {
		mode = fuse.S_IFDIR
	}
	child := &bfsNode{fsys: n.fsys, ino: childIdx}
	return n.NewInode(ctx, child, fs.StableAttr{Mode: mode, Ino: uint64(childIdx)}), fs.OK
}

// Getattr answers spec.md §4.6's getattr callback.
func (n *bfsNode) Getattr(ctx context.Context, f fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	if err := n.fsys.fillAttr(n.ino, &out.Attr); err != nil {
		return syscall.EIO
	}
	return fs.OK
}

// Readdir enumerates children in insertion order. The children map does
// not keep that order itself, but Tree.Insert appends every new inode to
// the table, so sorting children by tree index recovers it.
func (n *bfsNode) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	node := n.node()
	if node.Children == nil {
		return nil, syscall.ENOTDIR
	}

	names := make([]string, 0, len(node.Children))
	for name := range node.Children {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		return node.Children[names[i]] < node.Children[names[j]]
	})

	entries := make([]fuse.DirEntry, 0, len(names))
	for _, name := range names {
		idx := node.Children[name]
		mode := uint32(fuse.S_IFREG)
		if n.fsys.tree.Nodes[idx].Type == manifest.Folder {
			mode = fuse.S_IFDIR
		}
		entries = append(entries, fuse.DirEntry{Name: name, Ino: uint64(idx), Mode: mode})
	}
	return fs.NewListDirStream(entries), fs.OK
}

// Open resolves the content file, unwraps its key, and validates the
// ciphertext, exactly per spec.md §4.6's open callback.
func (n *bfsNode) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	mb, err := n.fsys.getMBFile(n.ino)
	if err != nil {
		slog.Warn("open: MBFile lookup failed", "err", err)
		return nil, 0, syscall.EIO
	}

	h, errno := n.fsys.openContent(n.node().ID, mb)
	if errno != 0 {
		return nil, 0, errno
	}
	return h, 0, fs.OK
}

// Getxattr implements spec.md §4.6's getxattr callback. A value whose
// underlying plist type is not byte data is a per-attribute EIO, not a
// failure of the whole lookup (spec.md §4.6's "non-data value → EIO" row).
func (n *bfsNode) Getxattr(ctx context.Context, attr string, dest []byte) (uint32, syscall.Errno) {
	mb, err := n.fsys.getMBFile(n.ino)
	if err != nil {
		return 0, syscall.EIO
	}
	raw, ok := mb.ExtendedAttributes[attr]
	if !ok {
		return 0, syscall.ENODATA
	}
	val, ok := raw.([]byte)
	if !ok {
		return 0, syscall.EIO
	}
	if len(dest) == 0 {
		return uint32(len(val)), fs.OK
	}
	if len(val) > len(dest) {
		return 0, syscall.ERANGE
	}
	return uint32(copy(dest, val)), fs.OK
}

// Listxattr implements spec.md §4.6's listxattr callback.
func (n *bfsNode) Listxattr(ctx context.Context, dest []byte) (uint32, syscall.Errno) {
	mb, err := n.fsys.getMBFile(n.ino)
	if err != nil {
		return 0, syscall.EIO
	}

	keys := make([]string, 0, len(mb.ExtendedAttributes))
	var total uint64
	for k := range mb.ExtendedAttributes {
		keys = append(keys, k)
		total += uint64(len(k)) + 1
	}
	sort.Strings(keys)

	if total > (1<<32 - 1) {
		return 0, syscall.E2BIG
	}
	if len(dest) == 0 {
		return uint32(total), fs.OK
	}
	if total > uint64(len(dest)) {
		return 0, syscall.ERANGE
	}

	var w int
	for _, k := range keys {
		w += copy(dest[w:], k)
		dest[w] = 0
		w++
	}
	return uint32(w), fs.OK
}

// Statfs implements spec.md §4.6's statfs callback: fixed zeros except
// bsize and namelen, since nothing here tracks real free space or inode
// counts on a read-only archive-backed mount.
func (n *bfsNode) Statfs(ctx context.Context, out *fuse.StatfsOut) syscall.Errno {
	*out = fuse.StatfsOut{}
	out.Bsize = 512
	out.NameLen = 255
	return fs.OK
}

// fillAttr fills out from either the root's synthetic attributes or the
// inode's MBFile record, per spec.md §4.6's getattr row.
func (fsys *FS) fillAttr(ino int, out *fuse.Attr) error {
	node := &fsys.tree.Nodes[ino]
	out.Ino = uint64(ino)
	out.Blksize = 4096
	out.Mode = 0o777
	if node.Type == manifest.Folder {
		out.Mode |= fuse.S_IFDIR
		out.Size = uint64(len(node.Children))
	} else {
		out.Mode |= fuse.S_IFREG
	}

	if ino == manifest.RootIndex {
		return nil
	}

	mb, err := fsys.getMBFile(ino)
	if err != nil {
		return err
	}

	if node.Type != manifest.Folder {
		out.Size = mb.Size
	}

	birth := time.Unix(int64(mb.Birth), 0)
	ctime := time.Unix(int64(mb.LastStatusChange), 0)
	mtime := time.Unix(int64(mb.LastModified), 0)
	atime := birth
	if ctime.After(atime) {
		atime = ctime
	}
	if mtime.After(atime) {
		atime = mtime
	}
	out.SetTimes(&atime, &mtime, &ctime)
	out.Uid = uint32(mb.UserID)
	out.Gid = uint32(mb.GroupID)
	return nil
}
