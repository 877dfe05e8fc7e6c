// Package fs defines the filesystem driver interface and the dispatcher that
// probes a disk against every registered driver, plus the common path-walk
// and symlink-resolution logic shared by every driver (spec.md §4.7).
package fs

import (
	goerrors "errors"
	"time"

	"github.com/jmason/grubcore/disk"
	"github.com/jmason/grubcore/errors"
)

// symlinkNestMax bounds how many symlinks Open/Dir will follow while
// resolving a path before giving up with ErrSymlinkLoop.
const symlinkNestMax = 8

// NodeKind distinguishes the three object kinds a directory entry can name.
type NodeKind int

const (
	KindRegular NodeKind = iota
	KindDirectory
	KindSymlink
)

// Info is the metadata a driver reports for a resolved node, independent of
// its content.
type Info struct {
	Kind  NodeKind
	Size  int64
	MTime time.Time
}

// Node is one resolved filesystem object: a file, directory, or symlink.
// Drivers implement this directly on their own inode/dirent representation.
type Node interface {
	Info() Info

	// ReadAt reads len(buf) bytes starting at offset from a regular file.
	// Drivers return ErrBadFileType for a directory. AFFS also rejects
	// symlinks; MINIX, UFS and SFS return a symlink's stored target bytes.
	ReadAt(buf []byte, offset int64) (int, error)

	// Readlink returns a symlink's target. Drivers return ErrBadFileType if
	// the node isn't a symlink.
	Readlink() (string, error)

	// Lookup finds name as a direct child of a directory node. Drivers
	// return ErrBadFileType if the node isn't a directory, ErrFileNotFound
	// if name isn't present.
	Lookup(name string) (Node, error)

	// Iterate calls visit(name, info) for every entry in a directory node, in
	// whatever order the on-disk format stores them, stopping early if visit
	// returns false. Drivers return ErrBadFileType if the node isn't a
	// directory.
	Iterate(visit func(name string, info Info) bool) error
}

// Mount is an opened, probed filesystem instance bound to one disk (or
// partition). Closing the underlying disk invalidates it.
type Mount interface {
	// Root returns the filesystem's root directory node.
	Root() Node

	// Label returns the filesystem's volume label, or ErrNotImplemented if
	// the format doesn't carry one.
	Label() (string, error)

	// UUID returns the filesystem's volume identifier as a driver-formatted
	// string, or ErrNotImplemented if the format doesn't carry one.
	UUID() (string, error)
}

// Driver probes a disk for one on-disk format and, on success, returns a
// Mount bound to it. Name identifies the on-disk format the driver handles.
type Driver interface {
	Name() string
	Probe(d *disk.Disk) (Mount, error)
}

// Dispatcher holds the ordered set of registered filesystem drivers and is
// the single entry point callers use to open files or list directories.
// Registration order is probe order, same rationale as disk.Registry.
type Dispatcher struct {
	drivers []Driver
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{}
}

func (disp *Dispatcher) Register(drv Driver) {
	disp.drivers = append(disp.drivers, drv)
}

// Probe tries every registered driver against d in registration order and
// returns the first one that recognizes it. Non-ErrBadFs errors abort the
// probe immediately: a driver that recognizes its own magic but then hits a
// read error shouldn't be silently skipped.
func (disp *Dispatcher) Probe(d *disk.Disk) (Mount, Driver, error) {
	for _, drv := range disp.drivers {
		m, err := drv.Probe(d)
		if err == nil {
			return m, drv, nil
		}
		if !goerrors.Is(err, errors.ErrBadFs) {
			return nil, nil, err
		}
	}
	return nil, nil, errors.ErrBadFs.WithMessage("no filesystem driver recognized this disk")
}

// Open probes d, then resolves path against the resulting mount's root,
// following symlinks, and returns the regular-file node it names.
func (disp *Dispatcher) Open(d *disk.Disk, path string) (Node, error) {
	m, _, err := disp.Probe(d)
	if err != nil {
		return nil, err
	}
	n, err := resolvePath(m.Root(), path, symlinkNestMax)
	if err != nil {
		return nil, err
	}
	if n.Info().Kind != KindRegular {
		return nil, errors.ErrBadFileType.WithMessage("`" + path + "' is not a regular file")
	}
	return n, nil
}

// Dir probes d, resolves path to a directory node (following symlinks), and
// calls visit for each of its entries.
func (disp *Dispatcher) Dir(d *disk.Disk, path string, visit func(name string, info Info) bool) error {
	m, _, err := disp.Probe(d)
	if err != nil {
		return err
	}
	n, err := resolvePath(m.Root(), path, symlinkNestMax)
	if err != nil {
		return err
	}
	if n.Info().Kind != KindDirectory {
		return errors.ErrBadFileType.WithMessage("`" + path + "' is not a directory")
	}
	return n.Iterate(visit)
}
