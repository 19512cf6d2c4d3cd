package fuse

import (
	"errors"
	"syscall"

	"github.com/ahafs/ahafs/pkg/loader"
	"github.com/ahafs/ahafs/pkg/uri"
)

var (
	// ErrNotFound is returned for names and identifiers that do not exist.
	ErrNotFound = errors.New("not found")

	// ErrUnsupported is returned for operations the mount never performs,
	// such as reading a directory or any write.
	ErrUnsupported = errors.New("operation not supported")
)

// ToErrno maps an engine error to the errno replied to the kernel.
func ToErrno(err error) syscall.Errno {
	if err == nil {
		return 0
	}

	var pathErr *uri.PathError
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, loader.ErrUnknown):
		return syscall.ENOENT
	case errors.Is(err, loader.ErrNotDirectory):
		return syscall.ENOTDIR
	case errors.Is(err, ErrUnsupported), errors.As(err, &pathErr):
		return syscall.EPERM
	case errors.Is(err, loader.ErrBackend):
		return syscall.EIO
	}
	return syscall.EIO
}

// result is the metrics label for an operation outcome.
func result(err error) string {
	switch ToErrno(err) {
	case 0:
		return "ok"
	case syscall.ENOENT:
		return "not_found"
	case syscall.EPERM:
		return "unsupported"
	case syscall.ENOTDIR:
		return "not_dir"
	}
	return "error"
}
