// Package cache implements the sector cache described in the core's data
// model: a direct-mapped table of fixed-size lines sitting between the disk
// facade and the backend drivers, absorbing the small-random-read access
// pattern of filesystem metadata traversal into larger aligned reads.
package cache

import (
	"github.com/jmason/grubcore/errors"
)

const (
	// LineSectors is the number of 512-byte standard sectors in one cache
	// line (4 KiB).
	LineSectors = 8
	// lineBits is log2(LineSectors), used for shifts matching the source
	// material's bit-shift arithmetic.
	lineBits = 3
	// LineBytes is the size of one cache line in bytes.
	LineBytes = LineSectors * StandardSectorSize
	// NumEntries is the number of direct-mapped slots in the cache table.
	NumEntries = 1024
	// StandardSectorSize is the fixed 512-byte unit used for all partition
	// arithmetic and cache addressing, regardless of backend sector size.
	StandardSectorSize = 512
	// StandardSectorBits is log2(StandardSectorSize).
	StandardSectorBits = 9
)

// ReadSource is the minimal surface the cache needs from a disk to satisfy a
// miss: an identity for cache addressing, the backend's native sector size,
// the largest run of lines the backend will accept in one request, and the
// ability to actually pull hardware sectors.
type ReadSource interface {
	CacheDevID() uint64
	CacheDiskID() uint64
	LogSectorSize() uint
	MaxAgglomerate() uint
	ReadHW(sectorHW uint64, countHW uint, buf []byte) error
}

// Observer is invoked once per contiguous span of bytes actually delivered to
// a caller, in ascending offset order, mirroring the read-observer hook in
// the data model.
type Observer func(sectorStd uint64, offset, length uint)

type entry struct {
	devID, diskID uint64
	sector        uint64 // line-aligned, in standard (512-byte) sectors
	valid         bool
	lock          bool
	data          []byte
}

// Cache is the process-wide sector cache singleton. The zero value is not
// usable; construct with New.
type Cache struct {
	entries [NumEntries]entry
}

// New creates an empty cache with all NumEntries slots unoccupied.
func New() *Cache {
	return &Cache{}
}

func index(dev, disk, sectorAligned uint64) int {
	return int((dev*524287 + disk*2606459 + (sectorAligned >> lineBits)) % NumEntries)
}

func (c *Cache) fetch(dev, disk, sector uint64) ([]byte, bool) {
	e := &c.entries[index(dev, disk, sector)]
	if e.valid && e.devID == dev && e.diskID == disk && e.sector == sector {
		e.lock = true
		return e.data, true
	}
	return nil, false
}

func (c *Cache) unlock(dev, disk, sector uint64) {
	e := &c.entries[index(dev, disk, sector)]
	if e.valid && e.devID == dev && e.diskID == disk && e.sector == sector {
		e.lock = false
	}
}

// store publishes a fetched line into the cache. It never fails: if a caller
// wants to skip caching (e.g. an allocation would be wasteful), it simply
// doesn't call store. Identity fields are filled last, matching the
// "line is either fully valid or not a hit" requirement.
func (c *Cache) store(dev, disk, sector uint64, data []byte) {
	e := &c.entries[index(dev, disk, sector)]
	e.lock = false
	e.valid = false
	buf := make([]byte, LineBytes)
	copy(buf, data)
	e.data = buf
	e.devID = dev
	e.diskID = disk
	e.sector = sector
	e.valid = true
}

// Invalidate evicts the tenant of the slot addressed by (dev, disk, sector)
// if it's still holding that exact line and isn't locked. sector is rounded
// down to the containing line.
func (c *Cache) Invalidate(dev, disk, sector uint64) {
	sector &^= uint64(LineSectors - 1)
	e := &c.entries[index(dev, disk, sector)]
	if e.valid && e.devID == dev && e.diskID == disk && e.sector == sector && !e.lock {
		e.valid = false
		e.data = nil
	}
}

// InvalidateAll evicts every unlocked entry in the table. Called by the disk
// facade when removable media may have changed.
func (c *Cache) InvalidateAll() {
	for i := range c.entries {
		if !c.entries[i].lock {
			c.entries[i].valid = false
			c.entries[i].data = nil
		}
	}
}

func transformSector(logSectorSize uint, sectorStd uint64) uint64 {
	return sectorStd >> (logSectorSize - StandardSectorBits)
}

// readRawMinimal issues the smallest possible backend read, in hardware
// sector units, covering exactly [sectorStd*512+off, +length), uncached. Used
// both for the small-read fallback and for the agglomerate-read fallback when
// a backend refuses a larger request.
func readRawMinimal(source ReadSource, sectorStd uint64, off, length uint, dst []byte) error {
	logSectorSize := source.LogSectorSize()

	sectorStd += uint64(off >> StandardSectorBits)
	off &= StandardSectorSize - 1

	ratio := uint64(1) << (logSectorSize - StandardSectorBits)
	aligned := sectorStd &^ (ratio - 1)
	off += uint((sectorStd - aligned) << StandardSectorBits)

	num := (uint64(length) + uint64(off) + (uint64(1) << logSectorSize) - 1) >> logSectorSize
	tmp := make([]byte, num<<logSectorSize)
	if err := source.ReadHW(transformSector(logSectorSize, aligned), uint(num), tmp); err != nil {
		return errors.ErrReadError.Wrap(err)
	}
	copy(dst, tmp[off:uint(off)+length])
	return nil
}

func (c *Cache) smallRead(source ReadSource, sectorStd uint64, off, length uint, dst []byte, observer Observer) error {
	dev, disk := source.CacheDevID(), source.CacheDiskID()

	if data, hit := c.fetch(dev, disk, sectorStd); hit {
		copy(dst, data[off:uint(off)+length])
		c.unlock(dev, disk, sectorStd)
	} else {
		tmp := make([]byte, LineBytes)
		logSectorSize := source.LogSectorSize()
		hwCount := uint(LineBytes >> logSectorSize)
		err := source.ReadHW(transformSector(logSectorSize, sectorStd), hwCount, tmp)
		if err == nil {
			copy(dst, tmp[off:uint(off)+length])
			c.store(dev, disk, sectorStd, tmp)
		} else if err := readRawMinimal(source, sectorStd, off, length, dst); err != nil {
			return err
		}
	}

	if observer != nil {
		observer(sectorStd+uint64(off>>StandardSectorBits), off&(StandardSectorSize-1), length)
	}
	return nil
}

// Read fills buf with bytes starting at absolute standard-sector sectorStd,
// offset off bytes into it (off must already be in [0, 512) by the time this
// is called; the disk facade normalizes it during range adjustment). It
// implements the hit/miss/agglomerate algorithm from the data model §4.3.
func (c *Cache) Read(source ReadSource, sectorStd uint64, off uint, buf []byte, observer Observer) error {
	size := uint(len(buf))
	if size == 0 {
		return nil
	}

	bufPos := uint(0)
	dev, disk := source.CacheDevID(), source.CacheDiskID()

	if off != 0 || sectorStd&(LineSectors-1) != 0 {
		start := sectorStd &^ (LineSectors - 1)
		pos := uint((sectorStd - start) << StandardSectorBits)
		length := uint(LineBytes) - pos - off
		if length > size {
			length = size
		}

		if err := c.smallRead(source, start, pos+off, length, buf[bufPos:bufPos+length], observer); err != nil {
			return err
		}

		bufPos += length
		size -= length
		off += length
		sectorStd += uint64(off >> StandardSectorBits)
		off &= StandardSectorSize - 1
	}

	maxAgg := uint64(source.MaxAgglomerate())
	for size >= LineBytes {
		var hitData []byte
		var agglomerate uint64
		limit := uint64(size) >> (StandardSectorBits + lineBits)

		for ; agglomerate < limit && agglomerate < maxAgg; agglomerate++ {
			if data, hit := c.fetch(dev, disk, sectorStd+agglomerate*LineSectors); hit {
				hitData = data
				break
			}
		}

		if agglomerate > 0 {
			span := uint(agglomerate) * LineBytes
			logSectorSize := source.LogSectorSize()
			hwCount := uint(uint64(span) >> logSectorSize)
			err := source.ReadHW(transformSector(logSectorSize, sectorStd), hwCount, buf[bufPos:bufPos+span])
			if err != nil {
				if err := readRawMinimal(source, sectorStd, 0, span, buf[bufPos:bufPos+span]); err != nil {
					return err
				}
			} else {
				for i := uint64(0); i < agglomerate; i++ {
					lineBuf := buf[bufPos+uint(i)*LineBytes : bufPos+uint(i+1)*LineBytes]
					c.store(dev, disk, sectorStd+i*LineSectors, lineBuf)
				}
			}
			if observer != nil {
				observer(sectorStd, 0, span)
			}
			sectorStd += agglomerate * LineSectors
			bufPos += span
			size -= span
		}

		if hitData != nil {
			copy(buf[bufPos:bufPos+LineBytes], hitData)
			c.unlock(dev, disk, sectorStd)
			if observer != nil {
				observer(sectorStd, 0, LineBytes)
			}
			sectorStd += LineSectors
			bufPos += LineBytes
			size -= LineBytes
		}
	}

	if size > 0 {
		if err := c.smallRead(source, sectorStd, 0, size, buf[bufPos:bufPos+size], observer); err != nil {
			return err
		}
	}

	return nil
}
