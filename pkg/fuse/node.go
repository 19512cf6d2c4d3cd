package fuse

import (
	"context"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	gofuse "github.com/hanwen/go-fuse/v2/fuse"

	"github.com/ahafs/ahafs/internal/metrics"
	"github.com/ahafs/ahafs/pkg/cache"
	"github.com/ahafs/ahafs/pkg/inode"
)

// Node is one directory or feature file seen by the kernel.
type Node struct {
	fs.Inode

	drv *Driver
	id  uint64
}

// MountOptions holds mount configuration.
type MountOptions struct {
	AllowOther   bool
	Debug        bool
	EntryTimeout time.Duration
	AttrTimeout  time.Duration
}

// Ensure Node implements the required interfaces
var _ fs.InodeEmbedder = (*Node)(nil)
var _ fs.NodeGetattrer = (*Node)(nil)
var _ fs.NodeLookuper = (*Node)(nil)
var _ fs.NodeReaddirer = (*Node)(nil)
var _ fs.NodeOpener = (*Node)(nil)
var _ fs.NodeReader = (*Node)(nil)
var _ fs.NodeSetattrer = (*Node)(nil)
var _ fs.NodeCreater = (*Node)(nil)
var _ fs.NodeMkdirer = (*Node)(nil)
var _ fs.NodeUnlinker = (*Node)(nil)
var _ fs.NodeRmdirer = (*Node)(nil)
var _ fs.NodeRenamer = (*Node)(nil)

// Root returns the node for the namespace root.
func (d *Driver) Root() *Node {
	return &Node{drv: d, id: inode.RootID}
}

// Mount mounts the filesystem read-only at mountPoint.
func (d *Driver) Mount(mountPoint string, mo MountOptions) (*gofuse.Server, error) {
	if err := os.MkdirAll(mountPoint, 0o755); err != nil {
		return nil, fmt.Errorf("create mount point: %w", err)
	}

	if mo.EntryTimeout <= 0 {
		mo.EntryTimeout = time.Second
	}
	if mo.AttrTimeout <= 0 {
		mo.AttrTimeout = time.Second
	}

	opts := &fs.Options{
		MountOptions: gofuse.MountOptions{
			AllowOther: mo.AllowOther,
			Debug:      mo.Debug,
			FsName:     "ahafs",
			Name:       "ahafs",
			Options:    []string{"ro"},
		},
		EntryTimeout:   &mo.EntryTimeout,
		AttrTimeout:    &mo.AttrTimeout,
		RootStableAttr: &fs.StableAttr{Ino: inode.RootID, Mode: syscall.S_IFDIR},
		UID:            uint32(os.Getuid()),
		GID:            uint32(os.Getgid()),
	}

	server, err := fs.Mount(mountPoint, d.Root(), opts)
	if err != nil {
		return nil, fmt.Errorf("mount: %w", err)
	}

	d.log.Info("mounted")
	return server, nil
}

// Getattr returns file attributes from the cache.
func (n *Node) Getattr(ctx context.Context, fh fs.FileHandle, out *gofuse.AttrOut) syscall.Errno {
	attr, err := n.drv.Getattr(n.id)
	metrics.RecordOp("getattr", result(err))
	if err != nil {
		return ToErrno(err)
	}
	fillAttr(n.id, attr, &out.Attr)
	return 0
}

// Lookup finds a child by name, loading this directory if needed.
func (n *Node) Lookup(ctx context.Context, name string, out *gofuse.EntryOut) (*fs.Inode, syscall.Errno) {
	id, attr, err := n.drv.Lookup(ctx, n.id, name)
	metrics.RecordOp("lookup", result(err))
	if err != nil {
		return nil, ToErrno(err)
	}

	fillAttr(id, attr, &out.Attr)
	child := &Node{drv: n.drv, id: id}
	return n.NewInode(ctx, child, fs.StableAttr{Mode: typeBits(attr), Ino: id}), 0
}

// Readdir lists directory contents with stable offsets.
func (n *Node) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	entries, err := n.drv.Readdir(ctx, n.id)
	metrics.RecordOp("readdir", result(err))
	if err != nil {
		return nil, ToErrno(err)
	}

	out := make([]gofuse.DirEntry, 0, len(entries))
	for _, e := range entries {
		mode := uint32(syscall.S_IFREG)
		if e.IsDir {
			mode = syscall.S_IFDIR
		}
		out = append(out, gofuse.DirEntry{
			Name: e.Name,
			Mode: mode,
			Ino:  e.ID,
			Off:  e.Offset,
		})
	}
	return fs.NewListDirStream(out), 0
}

// Open allows read-only opens of files.
func (n *Node) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	if flags&(syscall.O_WRONLY|syscall.O_RDWR|syscall.O_TRUNC|syscall.O_APPEND) != 0 {
		metrics.RecordOp("open", "unsupported")
		return nil, 0, syscall.EPERM
	}
	attr, err := n.drv.Getattr(n.id)
	if err != nil {
		metrics.RecordOp("open", result(err))
		return nil, 0, ToErrno(err)
	}
	if attr.IsDir {
		metrics.RecordOp("open", "is_dir")
		return nil, 0, syscall.EISDIR
	}
	metrics.RecordOp("open", "ok")
	return nil, gofuse.FOPEN_KEEP_CACHE, 0
}

// Read serves file content from the cache.
func (n *Node) Read(ctx context.Context, fh fs.FileHandle, dest []byte, off int64) (gofuse.ReadResult, syscall.Errno) {
	data, err := n.drv.Read(n.id, off, len(dest))
	metrics.RecordOp("read", result(err))
	if err != nil {
		return nil, ToErrno(err)
	}
	metrics.RecordBytesServed(len(data))
	return gofuse.ReadResultData(data), 0
}

// Setattr is rejected; the mount is read-only.
func (n *Node) Setattr(ctx context.Context, f fs.FileHandle, in *gofuse.SetAttrIn, out *gofuse.AttrOut) syscall.Errno {
	return n.rejectWrite("setattr")
}

// Create is rejected.
func (n *Node) Create(ctx context.Context, name string, flags uint32, mode uint32, out *gofuse.EntryOut) (*fs.Inode, fs.FileHandle, uint32, syscall.Errno) {
	return nil, nil, 0, n.rejectWrite("create")
}

// Mkdir is rejected.
func (n *Node) Mkdir(ctx context.Context, name string, mode uint32, out *gofuse.EntryOut) (*fs.Inode, syscall.Errno) {
	return nil, n.rejectWrite("mkdir")
}

// Unlink is rejected.
func (n *Node) Unlink(ctx context.Context, name string) syscall.Errno {
	return n.rejectWrite("unlink")
}

// Rmdir is rejected.
func (n *Node) Rmdir(ctx context.Context, name string) syscall.Errno {
	return n.rejectWrite("rmdir")
}

// Rename is rejected.
func (n *Node) Rename(ctx context.Context, name string, newParent fs.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	return n.rejectWrite("rename")
}

func (n *Node) rejectWrite(op string) syscall.Errno {
	metrics.RecordOp(op, "unsupported")
	return ToErrno(ErrUnsupported)
}

func typeBits(attr cache.Attr) uint32 {
	if attr.IsDir {
		return syscall.S_IFDIR
	}
	return syscall.S_IFREG
}

func fillAttr(id uint64, attr cache.Attr, out *gofuse.Attr) {
	out.Ino = id
	out.Mode = attr.Mode | typeBits(attr)
	out.Size = attr.Size
	out.Blocks = (attr.Size + 511) / 512
	out.Nlink = 1
	if attr.IsDir {
		out.Nlink = 2
	}
	out.Uid = uint32(os.Getuid())
	out.Gid = uint32(os.Getgid())
	out.SetTimes(&attr.Atime, &attr.Mtime, &attr.Ctime)
}
