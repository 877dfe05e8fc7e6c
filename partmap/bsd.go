package partmap

import (
	"encoding/binary"

	"github.com/jmason/grubcore/disk"
	"github.com/jmason/grubcore/errors"
	"github.com/jmason/grubcore/fs/common"
)

const bsdMagic = 0x82564557

// bsdLabel is the fixed portion of a BSD disklabel preceding its partition
// array.
type bsdLabel struct {
	Magic         uint32
	Type          uint16
	Subtype       uint16
	TypeName      [16]byte
	PackName      [16]byte
	SecSize       uint32
	NSectors      uint32
	NTracks       uint32
	NCylinders    uint32
	SecPerCyl     uint32
	SecPerUnit    uint32
	SparesPerTrack uint16
	SparesPerCyl  uint16
	ACylinders    uint32
	RPM           uint16
	Interleave    uint16
	TrackSkew     uint16
	CylSkew       uint16
	HeadSwitch    uint32
	TrackSeek     uint32
	Flags         uint32
	DriveData     [5]uint32
	Spare         [5]uint32
	Magic2        uint32
	Checksum      uint16
	NPartitions   uint16
	BootSize      uint32
	SuperSize     uint32
}

// bsdPartEntry is one 16-byte slot in the BSD disklabel partition array.
type bsdPartEntry struct {
	Size   uint32
	Offset uint32
	FSize  uint32
	FSType uint8
	Frag   uint8
	CPG    uint16
}

// BSD implements Prober for the BSD disklabel scheme, embedded at the start
// of the enclosing partition (or disk). Slots are numbered 1-based in label
// order ('a' is bsd1, 'b' is bsd2, ...), matching the rest of this package's
// msdosN/gptN numbering convention.
type BSD struct{}

func (BSD) Name() string { return "bsd" }

func (p BSD) FindPartition(d *disk.Disk, number int) (*disk.Partition, error) {
	var buf [512]byte
	if err := d.Read(0, 0, 512, buf[:]); err != nil {
		return nil, err
	}

	var label bsdLabel
	if err := common.MustUnpack(buf[:148], binary.LittleEndian, &label); err != nil {
		return nil, err
	}
	if label.Magic != bsdMagic || label.Magic2 != bsdMagic {
		return nil, errors.ErrBadFs.WithMessage("no BSD disklabel signature")
	}

	index := number - 1
	if index < 0 || index >= int(label.NPartitions) {
		return nil, errors.ErrUnknownDevice.WithMessage("no such bsd partition")
	}

	const partArrayOffset = 148
	const partEntrySize = 16
	entryOffset := partArrayOffset + index*partEntrySize
	if entryOffset+partEntrySize > len(buf) {
		return nil, errors.ErrBadFs.WithMessage("bsd disklabel partition array out of bounds")
	}

	var entry bsdPartEntry
	if err := common.MustUnpack(buf[entryOffset:entryOffset+partEntrySize], binary.LittleEndian, &entry); err != nil {
		return nil, err
	}
	if entry.Size == 0 {
		return nil, errors.ErrUnknownDevice.WithMessage("unused bsd partition slot")
	}

	return &disk.Partition{
		Start:   uint64(entry.Offset),
		Len:     uint64(entry.Size),
		Number:  number,
		PartMap: p.Name(),
	}, nil
}
