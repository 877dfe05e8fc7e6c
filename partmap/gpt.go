package partmap

import (
	"encoding/binary"

	"github.com/jmason/grubcore/disk"
	"github.com/jmason/grubcore/errors"
	"github.com/jmason/grubcore/fs/common"
)

var gptSignature = [8]byte{'E', 'F', 'I', ' ', 'P', 'A', 'R', 'T'}

const gptHeaderLBA = 1

// gptHeader is the fixed 92-byte portion of the GPT header; the remainder of
// the LBA is reserved padding we don't need to parse.
type gptHeader struct {
	Signature               [8]byte
	Revision                uint32
	HeaderSize              uint32
	HeaderCRC32             uint32
	Reserved                uint32
	MyLBA                   uint64
	AlternateLBA            uint64
	FirstUsableLBA          uint64
	LastUsableLBA           uint64
	DiskGUID                [16]byte
	PartitionEntryLBA       uint64
	NumberOfPartitionEntries uint32
	SizeOfPartitionEntry    uint32
	PartitionEntryArrayCRC32 uint32
}

// gptEntry is one raw partition entry in the GPT array.
type gptEntry struct {
	TypeGUID   [16]byte
	UniqueGUID [16]byte
	FirstLBA   uint64
	LastLBA    uint64
	Attributes uint64
	Name       [72]byte
}

var zeroGUID [16]byte

// GPT implements Prober for GUID Partition Tables.
type GPT struct{}

func (GPT) Name() string { return "gpt" }

func (p GPT) FindPartition(d *disk.Disk, number int) (*disk.Partition, error) {
	var hdrBuf [512]byte
	if err := d.Read(gptHeaderLBA, 0, 512, hdrBuf[:]); err != nil {
		return nil, err
	}

	var hdr gptHeader
	if err := common.MustUnpack(hdrBuf[:92], binary.LittleEndian, &hdr); err != nil {
		return nil, err
	}
	if hdr.Signature != gptSignature {
		return nil, errors.ErrBadFs.WithMessage("no GPT signature")
	}

	if number < 1 || uint32(number) > hdr.NumberOfPartitionEntries {
		return nil, errors.ErrUnknownDevice.WithMessage("no such gpt partition")
	}

	index := number - 1
	entrySize := uint64(hdr.SizeOfPartitionEntry)
	entryByteOffset := uint64(index) * entrySize
	entriesPerSector := uint64(512) / entrySize
	sector := hdr.PartitionEntryLBA + uint64(index)/entriesPerSector
	offsetInSector := uint(entryByteOffset % 512)

	var entryBuf [512]byte
	if err := d.Read(sector, 0, 512, entryBuf[:]); err != nil {
		return nil, err
	}

	var entry gptEntry
	raw := entryBuf[offsetInSector : uint64(offsetInSector)+entrySize]
	if err := common.MustUnpack(raw, binary.LittleEndian, &entry); err != nil {
		return nil, err
	}
	if entry.TypeGUID == zeroGUID {
		return nil, errors.ErrUnknownDevice.WithMessage("unused gpt partition entry")
	}

	return &disk.Partition{
		Start:          entry.FirstLBA,
		Len:            entry.LastLBA - entry.FirstLBA + 1,
		Number:         number,
		PartMap:        p.Name(),
		GPTEntryOffset: sector<<9 + uint64(offsetInSector),
		GPTEntryIndex:  index,
	}, nil
}

// TypeGUID re-reads the partition's raw entry from disk to fetch its type
// GUID, per spec.md §4.4: "GPT-partition type retrieval reads the entry again
// from the parent disk using partition.offset ... and partition.index".
func TypeGUID(d *disk.Disk, part *disk.Partition) ([16]byte, error) {
	var guid [16]byte

	sector := part.GPTEntryOffset >> 9
	offset := uint(part.GPTEntryOffset & 511)

	var buf [16]byte
	savedPartition := d.Partition
	d.Partition = part.Parent
	err := d.Read(sector, offset, 16, buf[:])
	d.Partition = savedPartition
	if err != nil {
		return guid, err
	}
	copy(guid[:], buf[:])
	return guid, nil
}
