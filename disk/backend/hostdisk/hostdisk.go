// Package hostdisk implements the "hostdisk" backend: a loopback driver that
// presents a host-provided io.ReadWriteSeeker (an open file, or an in-memory
// image via bytesextra) as a named drive. It's the emulator/test-harness
// equivalent of a real firmware disk driver. It only claims names carrying
// the "hostdisk/" prefix.
package hostdisk

import (
	"io"
	"strings"
	"sync"

	"github.com/jmason/grubcore/disk"
	"github.com/jmason/grubcore/errors"
)

const namePrefix = "hostdisk/"

// Stream is the host-side handle registered under a drive name.
type Stream struct {
	RW            io.ReadWriteSeeker
	LogSectorSize uint
	TotalSectors  uint64
}

// Backend implements disk.Backend over a fixed table of named host streams,
// registered ahead of time with Register.
type Backend struct {
	mu      sync.Mutex
	streams map[string]*Stream
}

func New() *Backend {
	return &Backend{streams: make(map[string]*Stream)}
}

// Register makes name (without the "hostdisk/" prefix) openable against s.
func (b *Backend) Register(name string, s *Stream) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.streams[name] = s
}

func (b *Backend) Unregister(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.streams, name)
}

func (b *Backend) Name() string    { return "hostdisk" }
func (b *Backend) DevID() disk.DevID { return disk.DevHostDisk }

func (b *Backend) Iterate(stage disk.PullStage, visit func(name string) bool) {
	if stage != disk.PullStageNone {
		return
	}
	b.mu.Lock()
	names := make([]string, 0, len(b.streams))
	for name := range b.streams {
		names = append(names, name)
	}
	b.mu.Unlock()

	for _, name := range names {
		if visit(namePrefix + name) {
			return
		}
	}
}

func (b *Backend) Open(name string, d *disk.Disk) error {
	if !strings.HasPrefix(name, namePrefix) {
		return errors.ErrUnknownDevice
	}
	key := strings.TrimPrefix(name, namePrefix)

	b.mu.Lock()
	s, ok := b.streams[key]
	b.mu.Unlock()
	if !ok {
		return errors.ErrUnknownDevice.WithMessage("hostdisk `" + key + "' not registered")
	}

	d.LogSectorSize = s.LogSectorSize
	d.TotalSectors = s.TotalSectors
	d.MaxAgglomerate = disk.DefaultMaxAgglomerate
	d.Data = s
	return nil
}

func (b *Backend) Close(d *disk.Disk) {
	d.Data = nil
}

func (b *Backend) Read(d *disk.Disk, sectorHW uint64, countHW uint, buf []byte) error {
	s := d.Data.(*Stream)
	hwSize := int64(1) << d.LogSectorSize
	offset := int64(sectorHW) * hwSize
	length := int64(countHW) * hwSize

	if _, err := s.RW.Seek(offset, io.SeekStart); err != nil {
		return errors.ErrIo.Wrap(err)
	}
	n, err := io.ReadFull(s.RW, buf[:length])
	if err != nil {
		return errors.ErrIo.Wrap(err)
	}
	if int64(n) != length {
		return errors.ErrIo.WithMessage("short read from hostdisk stream")
	}
	return nil
}

func (b *Backend) Write(d *disk.Disk, sectorHW uint64, countHW uint, buf []byte) error {
	s := d.Data.(*Stream)
	hwSize := int64(1) << d.LogSectorSize
	offset := int64(sectorHW) * hwSize
	length := int64(countHW) * hwSize

	if _, err := s.RW.Seek(offset, io.SeekStart); err != nil {
		return errors.ErrIo.Wrap(err)
	}
	n, err := s.RW.Write(buf[:length])
	if err != nil {
		return errors.ErrWriteError.Wrap(err)
	}
	if int64(n) != length {
		return errors.ErrWriteError.WithMessage("short write to hostdisk stream")
	}
	return nil
}
