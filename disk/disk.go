// Package disk implements the disk facade: the uniform read/write-sector
// abstraction sitting over backend drivers, with partition-chain address
// adjustment and sector-cache-backed reads.
package disk

import (
	"strings"

	"github.com/jmason/grubcore/cache"
	"github.com/jmason/grubcore/errors"
)

// SectorUnknown is the sentinel value for Disk.TotalSectors meaning the
// backend couldn't determine the disk's size.
const SectorUnknown = ^uint64(0)

// MaxLogSectorSize bounds Disk.LogSectorSize; backends must report a native
// sector size no larger than 4096 bytes.
const MaxLogSectorSize = 12

// maxStdSectorsClamp is 1 EiB expressed in 512-byte standard sectors
// (2**60 / 2**9 == 2**51), the safety clamp applied to oversized or unknown
// disk sizes during range adjustment.
const maxStdSectorsClamp = uint64(1) << 51

// DefaultMaxAgglomerate is 1 MiB worth of cache lines: the largest run of
// cache lines a backend will be asked to satisfy in one request unless it
// reports a smaller limit itself.
const DefaultMaxAgglomerate = (1024 * 1024) / cache.LineBytes

// ReadObserver is invoked with the coordinates of every byte a read
// delivers, in ascending offset order. Writes are not reported.
type ReadObserver func(sectorStd uint64, offset, length uint, userdata any)

// Partition describes one entry in a partition chain. It's immutable once
// probed. Start and Len are in 512-byte standard sectors, relative to the
// enclosing partition (or the disk, if Parent is nil).
type Partition struct {
	Start   uint64
	Len     uint64
	Number  int
	PartMap string
	Parent  *Partition

	// MBRType is the 1-byte MS-DOS partition type code, valid when PartMap
	// is "msdos".
	MBRType byte
	// GPTEntryOffset/GPTEntryIndex locate this partition's raw entry in the
	// GPT entry array so its type GUID can be re-read on demand instead of
	// being cached redundantly on every Partition.
	GPTEntryOffset uint64
	GPTEntryIndex  int
}

// Disk is one opened drive. The sector cache services its misses through
// readSourceAdapter, which presents it as a cache.ReadSource.
type Disk struct {
	backend Backend

	DevID          DevID
	DiskID         uint64
	LogSectorSize  uint
	TotalSectors   uint64
	MaxAgglomerate uint
	Partition      *Partition
	Name           string

	// Data is a backend-private blob, opaque to everything outside the
	// owning backend.
	Data any

	cache *cache.Cache

	observer     ReadObserver
	observerData any
}

// SetReadObserver installs (or clears, with nil) the per-disk observer hook.
func (d *Disk) SetReadObserver(obs ReadObserver, userdata any) {
	d.observer = obs
	d.observerData = userdata
}

// CacheDevID and CacheDiskID give the cache-addressing identity of this disk.
func (d *Disk) CacheDevID() uint64  { return uint64(d.DevID) }
func (d *Disk) CacheDiskID() uint64 { return d.DiskID }

// ReadHW pulls countHW hardware sectors starting at sectorHW directly from
// the backend, bypassing the cache. Used by the cache on a miss.
func (d *Disk) ReadHW(sectorHW uint64, countHW uint, buf []byte) error {
	return d.backend.Read(d, sectorHW, countHW, buf)
}

// FindPartSep returns the index of the first unescaped comma in name, or -1
// if there isn't one. A comma preceded by a backslash is escaped and doesn't
// separate the drive from its partition spec.
func FindPartSep(name string) int {
	for i := 0; i < len(name); i++ {
		if name[i] == '\\' && i+1 < len(name) && name[i+1] == ',' {
			i++
			continue
		}
		if name[i] == ',' {
			return i
		}
	}
	return -1
}

// UnescapeCommas turns `\,` into `,`, for use on the raw drive portion of a
// disk name after it's been split off from any partition spec.
func UnescapeCommas(s string) string {
	return strings.ReplaceAll(s, `\,`, ",")
}

// adjustRange walks the partition chain (innermost first) and the clamped
// disk size, turning a partition-relative (sector, offset) into an absolute
// standard-sector address. It fails closed: OutOfRange is returned before any
// backend call is made.
func (d *Disk) adjustRange(sector *uint64, offset *uint, size uint) error {
	*sector += uint64(*offset) >> cache.StandardSectorBits
	*offset &= cache.StandardSectorSize - 1

	for part := d.Partition; part != nil; part = part.Parent {
		need := (uint64(*offset) + uint64(size) + cache.StandardSectorSize - 1) >> cache.StandardSectorBits
		if *sector >= part.Len || part.Len-*sector < need {
			return errors.ErrOutOfRange.WithMessage("attempt to read or write outside of partition")
		}
		*sector += part.Start
	}

	totalStd := d.TotalSectors
	if totalStd != SectorUnknown {
		totalStd = d.TotalSectors << (d.LogSectorSize - cache.StandardSectorBits)
	}
	if totalStd > maxStdSectorsClamp {
		totalStd = maxStdSectorsClamp
	}

	need := (uint64(*offset) + uint64(size) + cache.StandardSectorSize - 1) >> cache.StandardSectorBits
	if totalStd <= *sector || need > totalStd-*sector {
		return errors.ErrOutOfRange.WithMessage("attempt to read or write outside of disk `" + d.Name + "'")
	}
	return nil
}

// Read fills buf with size bytes starting offset bytes into standard sector
// sector, relative to the disk's innermost partition. A zero-length read
// always succeeds without calling the backend.
func (d *Disk) Read(sector uint64, offset uint, size uint, buf []byte) error {
	if size == 0 {
		return nil
	}
	if err := d.adjustRange(&sector, &offset, size); err != nil {
		return err
	}

	var obsWrap cache.Observer
	if d.observer != nil {
		obsWrap = func(s uint64, o, l uint) { d.observer(s, o, l, d.observerData) }
	}
	return d.cacheOrPanic().Read(readSourceAdapter{d}, sector, offset, buf[:size], obsWrap)
}

// Write performs a read-modify-write for unaligned ends and bypasses (and
// invalidates) the cache for every line it touches. It fails if the backend
// doesn't support writing.
func (d *Disk) Write(sector uint64, offset uint, size uint, buf []byte) error {
	if size == 0 {
		return nil
	}
	if err := d.adjustRange(&sector, &offset, size); err != nil {
		return err
	}

	ratio := uint64(1) << (d.LogSectorSize - cache.StandardSectorBits)
	aligned := sector &^ (ratio - 1)
	realOffset := offset + uint((sector-aligned)<<cache.StandardSectorBits)
	sector = aligned
	bufPos := uint(0)

	for size > 0 {
		hwSectorBytes := uint(1) << d.LogSectorSize
		if realOffset != 0 || size < hwSectorBytes {
			tmp := make([]byte, hwSectorBytes)
			savedPartition := d.Partition
			d.Partition = nil
			err := d.Read(sector, 0, hwSectorBytes, tmp)
			d.Partition = savedPartition
			if err != nil {
				return err
			}

			length := hwSectorBytes - realOffset
			if length > size {
				length = size
			}
			copy(tmp[realOffset:], buf[bufPos:bufPos+length])

			d.cacheOrPanic().Invalidate(uint64(d.DevID), d.DiskID, sector)
			if err := d.backend.Write(d, transformSector(d.LogSectorSize, sector), 1, tmp); err != nil {
				return err
			}

			sector += ratio
			bufPos += length
			size -= length
			realOffset = 0
		} else {
			n := size >> d.LogSectorSize
			maxN := d.MaxAgglomerate << (3 + cache.StandardSectorBits - d.LogSectorSize)
			if n > maxN {
				n = maxN
			}
			span := n << d.LogSectorSize

			if err := d.backend.Write(d, transformSector(d.LogSectorSize, sector), n, buf[bufPos:bufPos+span]); err != nil {
				return err
			}
			for i := uint(0); i < n; i++ {
				d.cacheOrPanic().Invalidate(uint64(d.DevID), d.DiskID, sector)
				sector += ratio
			}
			bufPos += span
			size -= span
		}
	}
	return nil
}

// GetSize returns the size, in 512-byte standard sectors, of the innermost
// partition if one is mounted, else of the whole disk (SectorUnknown if the
// backend couldn't determine it).
func (d *Disk) GetSize() uint64 {
	if d.Partition != nil {
		return d.Partition.Len
	}
	if d.TotalSectors == SectorUnknown {
		return SectorUnknown
	}
	return d.TotalSectors << (d.LogSectorSize - cache.StandardSectorBits)
}

func transformSector(logSectorSize uint, sectorStd uint64) uint64 {
	return sectorStd >> (logSectorSize - cache.StandardSectorBits)
}

// readSourceAdapter bridges Disk's exported method names to the exact
// cache.ReadSource method set.
type readSourceAdapter struct{ d *Disk }

func (a readSourceAdapter) CacheDevID() uint64    { return a.d.CacheDevID() }
func (a readSourceAdapter) CacheDiskID() uint64   { return a.d.CacheDiskID() }
func (a readSourceAdapter) LogSectorSize() uint   { return a.d.LogSectorSize }
func (a readSourceAdapter) MaxAgglomerate() uint  { return a.d.MaxAgglomerate }
func (a readSourceAdapter) ReadHW(sectorHW uint64, countHW uint, buf []byte) error {
	return a.d.ReadHW(sectorHW, countHW, buf)
}

// BindCache attaches the shared sector cache to d. Called once by Core.Open
// before any backend touches the disk; nothing outside the core package
// should need to call this directly.
func BindCache(d *Disk, c *cache.Cache) {
	d.cache = c
}

func (d *Disk) cacheOrPanic() *cache.Cache {
	if d.cache == nil {
		panic("disk: Read/Write called on a Disk not opened through a Registry/Core")
	}
	return d.cache
}
