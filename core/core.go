// Package core ties the disk, cache, partition, diskfilter, cryptodisk, and
// filesystem layers together into one explicit context, replacing the
// process-wide globals of the source material (disk_dev_list, fs_list,
// diskfilter_vg_list, the cache table) with fields on a single struct that
// every entry point is threaded through.
package core

import (
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/jmason/grubcore/cache"
	"github.com/jmason/grubcore/disk"
	"github.com/jmason/grubcore/errors"
	"github.com/jmason/grubcore/fs"
	"github.com/jmason/grubcore/partmap"
)

// cacheInvalidationWindow is how long a disk must sit closed before the next
// Open invalidates the whole sector cache, on the theory that removable
// media may have changed in the interim.
const cacheInvalidationWindow = 2 * time.Second

// Core is the single mutable context for the whole runtime: one cache table,
// one backend registry, one partition-map registry, one filesystem
// dispatcher. It is not goroutine-safe, matching the single-fiber-of-control
// model in spec.md §5.
type Core struct {
	Cache    *cache.Cache
	Backends *disk.Registry
	PartMaps *partmap.Registry
	FS       *fs.Dispatcher
	Log      zerolog.Logger

	lastCloseTime time.Time
}

// New builds an empty Core with no backends or filesystem drivers
// registered. Callers populate Backends/PartMaps/FS before opening disks.
func New() *Core {
	return &Core{
		Cache:    cache.New(),
		Backends: disk.NewRegistry(),
		PartMaps: partmap.NewRegistry(),
		FS:       fs.NewDispatcher(),
		Log:      zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger(),
	}
}

// Open resolves a disk name of the form "<drive>[,<partition-spec>...]" by
// trying each registered backend against the drive portion, most recently
// registered first, then resolving any partition specs against the
// resulting disk.
//
// If more than cacheInvalidationWindow has elapsed since the last Close, the
// whole sector cache is invalidated first, since removable media may have
// changed while nothing was open.
func (c *Core) Open(name string) (*disk.Disk, error) {
	if !c.lastCloseTime.IsZero() && time.Since(c.lastCloseTime) > cacheInvalidationWindow {
		c.Cache.InvalidateAll()
	}

	drivePart, partSpec := splitDriveAndPartition(name)

	d := &disk.Disk{
		Name:           drivePart,
		LogSectorSize:  9,
		MaxAgglomerate: disk.DefaultMaxAgglomerate,
		TotalSectors:   disk.SectorUnknown,
	}
	c.bindCache(d)

	if err := c.Backends.OpenInto(drivePart, d); err != nil {
		c.Log.Debug().Str("disk", name).Err(err).Msg("open failed")
		return nil, err
	}

	if d.LogSectorSize < 9 || d.LogSectorSize > disk.MaxLogSectorSize {
		return nil, errors.ErrNotImplemented.WithMessage("unsupported hardware sector size")
	}

	if partSpec != "" {
		if err := partmap.Resolve(c.PartMaps, d, partSpec); err != nil {
			c.Backends.CloseDisk(d)
			return nil, errors.ErrUnknownDevice.Wrap(err)
		}
	}

	c.Log.Debug().Str("disk", name).Msg("opened")
	return d, nil
}

// Close releases the backend resources held by d and restarts the
// cache-invalidation timer.
func (c *Core) Close(d *disk.Disk) {
	c.Backends.CloseDisk(d)
	c.lastCloseTime = time.Now()
	d.Partition = nil
}

// splitDriveAndPartition splits "hd0,msdos1,bsd1" into ("hd0", "msdos1,bsd1"),
// honoring backslash-escaped commas within the drive portion.
func splitDriveAndPartition(name string) (string, string) {
	sep := disk.FindPartSep(name)
	if sep < 0 {
		return disk.UnescapeCommas(name), ""
	}
	return disk.UnescapeCommas(name[:sep]), name[sep+1:]
}

// bindCache gives d access to the shared cache table. Exported via a small
// indirection in the disk package rather than a public field, since nothing
// outside Core should be able to rebind a disk's cache mid-lifetime.
func (c *Core) bindCache(d *disk.Disk) {
	disk.BindCache(d, c.Cache)
}
