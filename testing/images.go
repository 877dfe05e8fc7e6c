// Package testing provides synthetic disk-image builders for filesystem and
// partition-map tests: an in-memory seekable buffer standing in for a real
// block device, addressed sector-by-sector the way hostdisk addresses a
// loopback file.
package testing

import (
	"io"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/xaionaro-go/bytesextra"

	"github.com/jmason/grubcore/cache"
	"github.com/jmason/grubcore/disk"
	"github.com/jmason/grubcore/disk/backend/hostdisk"
)

// SectorSize is the standard sector size every synthetic image is built in.
const SectorSize = 512

// NewMemDisk returns a zero-filled totalSectors*SectorSize in-memory stream
// usable as a hostdisk loopback backing file in tests.
func NewMemDisk(totalSectors uint) io.ReadWriteSeeker {
	return bytesextra.NewReadWriteSeeker(make([]byte, uint64(totalSectors)*SectorSize))
}

// OpenDisk wraps raw, a SectorSize-aligned synthetic image, in a hostdisk
// backend and returns an already-opened *disk.Disk reading from it — the
// minimal rig a filesystem or partmap driver test needs, without going
// through core.Core.
func OpenDisk(t *testing.T, raw io.ReadWriteSeeker, totalSectors uint64) *disk.Disk {
	backend := hostdisk.New()
	backend.Register("test", &hostdisk.Stream{
		RW:            raw,
		LogSectorSize: 9,
		TotalSectors:  totalSectors,
	})

	reg := disk.NewRegistry()
	reg.Register(backend)

	d := &disk.Disk{
		Name:           "hostdisk/test",
		LogSectorSize:  9,
		MaxAgglomerate: disk.DefaultMaxAgglomerate,
		TotalSectors:   disk.SectorUnknown,
	}
	disk.BindCache(d, cache.New())

	require.NoError(t, reg.OpenInto("hostdisk/test", d))
	return d
}

// PutAt writes data at byte offset off into the stream, failing the test on
// any I/O error. Used to stamp superblocks, inodes, and directory blocks
// into a synthetic image at hand-picked offsets.
func PutAt(t *testing.T, s io.ReadWriteSeeker, off int64, data []byte) {
	_, err := s.Seek(off, io.SeekStart)
	require.NoError(t, err)
	_, err = s.Write(data)
	require.NoError(t, err)
}
