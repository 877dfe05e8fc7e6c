package disk

import (
	goerrors "errors"

	"github.com/jmason/grubcore/errors"
)

// DevID identifies a backend driver. The pair (DevID, DiskID) is the cache
// addressing key and never changes across a disk's lifetime.
type DevID uint64

const (
	DevBiosDisk   DevID = 1
	DevSCSI       DevID = 2
	DevOFDisk     DevID = 3
	DevHostDisk   DevID = 4
	DevDiskFilter DevID = 5
	DevCryptodisk DevID = 6
)

// PullStage controls which class of device Iterate is being asked to report:
// fixed media first, then removable media, so removable devices (CD, USB)
// are listed after fixed disks.
type PullStage int

const (
	PullStageNone PullStage = iota
	PullStageRemovable
)

// Backend is the interface every disk driver implements: BIOS disks, SCSI/USB
// mass storage, OpenFirmware disks, the host-file loopback, and the
// synthesized disks produced by diskfilter/cryptodisk.
type Backend interface {
	// Name returns the backend's registration name, e.g. "biosdisk".
	Name() string

	// DevID returns this backend's stable device-class identifier.
	DevID() DevID

	// Iterate calls visit(name) for every device this backend can see at the
	// given pull stage, stopping early if visit returns true.
	Iterate(stage PullStage, visit func(name string) bool)

	// Open parses name and, on success, fills in d's id/log-sector-size/
	// total-sectors/max-agglomerate and stores a backend-private blob in
	// d.Data. Returns ErrUnknownDevice if name doesn't belong to this
	// backend so the caller can try the next one; any other error is fatal.
	Open(name string, d *Disk) error

	// Close releases backend-private resources associated with d.
	Close(d *Disk)

	// Read fills buf with countHW hardware sectors starting at sectorHW.
	Read(d *Disk, sectorHW uint64, countHW uint, buf []byte) error

	// Write is optional; backends that don't support it return
	// errors.ErrNotImplemented.
	Write(d *Disk, sectorHW uint64, countHW uint, buf []byte) error
}

// Registry holds the ordered list of backends tried by Open; registration
// order implements backend priority, matching the source material's
// singly-linked holy_disk_dev_list.
type Registry struct {
	backends []Backend
}

func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a backend to the front of resolution order, same as the
// source's holy_disk_dev_register prepending to the list.
func (r *Registry) Register(b Backend) {
	r.backends = append([]Backend{b}, r.backends...)
}

// ForEach calls visit(b) for every registered backend in resolution order,
// stopping early if visit returns true. Used by diskfilter/cryptodisk to
// enumerate candidate member-disk names without needing their own copy of
// the registry.
func (r *Registry) ForEach(visit func(b Backend) bool) {
	for _, b := range r.backends {
		if visit(b) {
			return
		}
	}
}

func (r *Registry) Unregister(b Backend) {
	for i, existing := range r.backends {
		if existing == b {
			r.backends = append(r.backends[:i], r.backends[i+1:]...)
			return
		}
	}
}

// OpenInto tries every registered backend against rawName in order, stopping
// at the first one that returns a non-UnknownDevice result.
func (r *Registry) OpenInto(rawName string, d *Disk) error {
	for _, b := range r.backends {
		err := b.Open(rawName, d)
		if err == nil {
			d.backend = b
			d.DevID = b.DevID()
			return nil
		}
		if !isUnknownDevice(err) {
			return err
		}
	}
	return errors.ErrUnknownDevice.WithMessage("disk `" + rawName + "' not found")
}

// CloseDisk releases d's backend resources and unwinds its partition chain
// innermost-first.
func (r *Registry) CloseDisk(d *Disk) {
	if d.backend != nil {
		d.backend.Close(d)
	}
	d.Partition = nil
}

func isUnknownDevice(err error) bool {
	return err != nil && goerrors.Is(err, errors.ErrUnknownDevice)
}
