// Package cryptodisk implements the crypto-container identity layer: per
// spec.md §4.6 this core stays opaque to the encrypted payload itself and
// only exposes what boot-time abstraction probing needs — a container's
// UUID and the name of the format that recognized it (e.g. "luks", "geli").
// Payload decryption is out of scope; Read reports ErrNotImplemented.
package cryptodisk

import (
	"strings"

	"github.com/jmason/grubcore/disk"
	"github.com/jmason/grubcore/errors"
)

// Container is one detected crypto container: an opaque abstraction name
// plus the UUID the abstraction-probing hook in spec.md §4.6 retrieves.
type Container struct {
	AbstractionName string
	UUID            string
	sourceDiskName  string
}

// Detector recognizes a crypto container's header on a raw disk and returns
// the container's identity, or ErrBadFs if the disk doesn't carry one.
type Detector interface {
	Name() string
	Detect(d *disk.Disk) (Container, error)
}

// Backend is the disk.Backend for synthesized "crypto<N>" container disks.
// Each is backed 1:1 by the raw disk it was detected on; Open only succeeds
// for containers already registered by AutoMount, matching
// the source's cryptomount-driven discovery rather than ad hoc probing of
// arbitrary names.
type Backend struct {
	opener     diskOpener
	detectors  []Detector
	containers []*Container
	diskNames  map[*Container]string
}

type diskOpener interface {
	Open(name string) (*disk.Disk, error)
	Close(d *disk.Disk)
}

// NewBackend returns a Backend that opens candidate raw disks through
// opener and recognizes containers with the given detectors.
func NewBackend(opener diskOpener, detectors ...Detector) *Backend {
	return &Backend{opener: opener, detectors: detectors, diskNames: map[*Container]string{}}
}

func (b *Backend) Name() string      { return "cryptodisk" }
func (b *Backend) DevID() disk.DevID { return disk.DevCryptodisk }

// AutoMount implements `cryptomount -a`: it probes every disk reachable
// through reg's backends and registers each one carrying a recognized
// container header.
func (b *Backend) AutoMount(reg *disk.Registry) error {
	var names []string
	reg.ForEach(func(be disk.Backend) bool {
		be.Iterate(disk.PullStageNone, func(name string) bool {
			names = append(names, name)
			return false
		})
		return false
	})

	for _, name := range names {
		d, err := b.opener.Open(name)
		if err != nil {
			continue
		}
		b.detect(d, name)
		b.opener.Close(d)
	}
	return nil
}

func (b *Backend) detect(d *disk.Disk, name string) {
	for _, det := range b.detectors {
		c, err := det.Detect(d)
		if err != nil {
			continue
		}
		c.sourceDiskName = name
		b.containers = append(b.containers, &c)
		return
	}
}

// Iterate reports each registered container as "crypto<N>".
func (b *Backend) Iterate(_ disk.PullStage, visit func(name string) bool) {
	for i := range b.containers {
		if visit(containerName(i)) {
			return
		}
	}
}

func containerName(i int) string {
	return "crypto" + itoa(i)
}

func itoa(i int) string {
	if i == 0 {
		return "0"
	}
	var digits []byte
	for i > 0 {
		digits = append([]byte{byte('0' + i%10)}, digits...)
		i /= 10
	}
	return string(digits)
}

// UUID returns the UUID of the container opened as d, for the abstraction-
// probing hook in spec.md §4.6.
func (b *Backend) UUID(d *disk.Disk) (string, error) {
	c, ok := d.Data.(*Container)
	if !ok {
		return "", errors.ErrBadArgument.WithMessage("not a cryptodisk")
	}
	return c.UUID, nil
}

// AbstractionName returns the format name ("luks", "geli", ...) that
// recognized d's container.
func (b *Backend) AbstractionName(d *disk.Disk) (string, error) {
	c, ok := d.Data.(*Container)
	if !ok {
		return "", errors.ErrBadArgument.WithMessage("not a cryptodisk")
	}
	return c.AbstractionName, nil
}

func (b *Backend) Open(name string, d *disk.Disk) error {
	if !strings.HasPrefix(name, "crypto") {
		return errors.ErrUnknownDevice.WithMessage("not a cryptodisk name")
	}
	for i, c := range b.containers {
		if containerName(i) == name {
			d.Data = c
			d.LogSectorSize = 9
			d.TotalSectors = disk.SectorUnknown
			return nil
		}
	}
	return errors.ErrUnknownDevice.WithMessage("no such crypto container `" + name + "'")
}

func (b *Backend) Close(d *disk.Disk) {
	d.Data = nil
}

func (b *Backend) Read(*disk.Disk, uint64, uint, []byte) error {
	return errors.ErrNotImplemented.WithMessage("cryptodisk payload decryption is out of scope")
}

func (b *Backend) Write(*disk.Disk, uint64, uint, []byte) error {
	return errors.ErrNotImplemented.WithMessage("cryptodisk write support is out of scope")
}
