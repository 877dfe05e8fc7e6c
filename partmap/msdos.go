package partmap

import (
	"encoding/binary"

	"github.com/jmason/grubcore/disk"
	"github.com/jmason/grubcore/errors"
	"github.com/jmason/grubcore/fs/common"
)

const (
	mbrSignatureOffset = 510
	mbrTableOffset     = 446
	mbrEntrySize       = 16
	mbrSignature       = 0xAA55

	mbrTypeExtendedCHS  = 0x05
	mbrTypeExtendedLBA  = 0x0F
	mbrTypeExtendedLBA2 = 0x85
)

// mbrEntry is one raw 16-byte MS-DOS partition table entry.
type mbrEntry struct {
	Status      uint8
	CHSStart    [3]uint8
	Type        uint8
	CHSEnd      [3]uint8
	LBAStart    uint32
	TotalSectors uint32
}

func isExtendedType(t uint8) bool {
	return t == mbrTypeExtendedCHS || t == mbrTypeExtendedLBA || t == mbrTypeExtendedLBA2
}

// MSDOS implements Prober for MS-DOS (MBR) partition tables, including the
// extended/EBR linked list: primary entries are numbered 1-4, logical
// entries are numbered starting at 5 in the order the EBR chain is walked.
type MSDOS struct{}

func (MSDOS) Name() string { return "msdos" }

func readMBREntries(d *disk.Disk, sectorOffset uint64) ([4]mbrEntry, error) {
	var buf [512]byte
	var entries [4]mbrEntry

	if err := d.Read(sectorOffset, 0, 512, buf[:]); err != nil {
		return entries, err
	}
	if binary.LittleEndian.Uint16(buf[mbrSignatureOffset:]) != mbrSignature {
		return entries, errors.ErrBadFs.WithMessage("no MS-DOS signature")
	}
	for i := 0; i < 4; i++ {
		raw := buf[mbrTableOffset+i*mbrEntrySize : mbrTableOffset+(i+1)*mbrEntrySize]
		if err := common.MustUnpack(raw, binary.LittleEndian, &entries[i]); err != nil {
			return entries, err
		}
	}
	return entries, nil
}

// FindPartition numbers primary table slots 1-4 by raw position (an empty
// slot still consumes its number) and logical partitions starting at 5,
// continuing in EBR chain order, matching real-world msdosN naming
// ("msdos1" is the first primary slot, "msdos5" the first logical one).
func (p MSDOS) FindPartition(d *disk.Disk, number int) (*disk.Partition, error) {
	entries, err := readMBREntries(d, 0)
	if err != nil {
		return nil, err
	}

	var extendedStart uint64
	haveExtended := false

	for i, e := range entries {
		slot := i + 1
		if isExtendedType(e.Type) && e.TotalSectors != 0 {
			extendedStart = uint64(e.LBAStart)
			haveExtended = true
			continue
		}
		if slot == number && e.TotalSectors != 0 {
			return &disk.Partition{
				Start:   uint64(e.LBAStart),
				Len:     uint64(e.TotalSectors),
				Number:  number,
				PartMap: p.Name(),
				MBRType: e.Type,
			}, nil
		}
	}

	if haveExtended && number >= 5 {
		index := 5
		part, err := p.walkExtended(d, extendedStart, extendedStart, number, &index)
		if err != nil {
			return nil, err
		}
		if part != nil {
			return part, nil
		}
	}
	return nil, errors.ErrUnknownDevice.WithMessage("no such msdos partition")
}

// walkExtended follows the EBR linked list. ebrSector is the current EBR's
// absolute (disk-relative) sector; extendedBase is the first extended
// partition's start, which every EBR's second entry's LBAStart is relative
// to.
func (p MSDOS) walkExtended(d *disk.Disk, ebrSector, extendedBase uint64, number int, index *int) (*disk.Partition, error) {
	const maxEBRChainLength = 1024 // defensive bound against a corrupt cyclic chain

	for i := 0; i < maxEBRChainLength; i++ {
		entries, err := readMBREntries(d, ebrSector)
		if err != nil {
			return nil, err
		}

		logical := entries[0]
		if logical.TotalSectors != 0 {
			if *index == number {
				return &disk.Partition{
					Start:   ebrSector + uint64(logical.LBAStart),
					Len:     uint64(logical.TotalSectors),
					Number:  number,
					PartMap: p.Name(),
					MBRType: logical.Type,
				}, nil
			}
			*index++
		}

		next := entries[1]
		if next.TotalSectors == 0 {
			return nil, nil
		}
		ebrSector = extendedBase + uint64(next.LBAStart)
	}
	return nil, errors.ErrBadFs.WithMessage("msdos extended partition chain too long")
}
