package partmap

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	tdisk "github.com/jmason/grubcore/testing"
)

// writeMBREntry stamps one 16-byte MS-DOS partition table entry at slot
// index idx (0-3) of the 512-byte MBR sector buf.
func writeMBREntry(buf []byte, idx int, status, typ byte, lbaStart, totalSectors uint32) {
	off := mbrTableOffset + idx*mbrEntrySize
	buf[off] = status
	buf[off+4] = typ
	binary.LittleEndian.PutUint32(buf[off+8:off+12], lbaStart)
	binary.LittleEndian.PutUint32(buf[off+12:off+16], totalSectors)
}

func TestMSDOSFindPrimaryAndLogicalPartitions(t *testing.T) {
	raw := tdisk.NewMemDisk(32)

	mbr := make([]byte, 512)
	writeMBREntry(mbr, 0, 0x80, 0x83, 20, 10) // slot 1: primary
	writeMBREntry(mbr, 1, 0x00, mbrTypeExtendedCHS, 10, 40) // slot 2: extended container at sector 10
	binary.LittleEndian.PutUint16(mbr[mbrSignatureOffset:], mbrSignature)
	tdisk.PutAt(t, raw, 0, mbr)

	ebr := make([]byte, 512)
	writeMBREntry(ebr, 0, 0x00, 0x83, 2, 20) // logical partition, LBAStart relative to this EBR
	writeMBREntry(ebr, 1, 0x00, 0x00, 0, 0)  // end of EBR chain
	binary.LittleEndian.PutUint16(ebr[mbrSignatureOffset:], mbrSignature)
	tdisk.PutAt(t, raw, 10*512, ebr)

	d := tdisk.OpenDisk(t, raw, 32)

	p := MSDOS{}

	part, err := p.FindPartition(d, 1)
	require.NoError(t, err)
	require.Equal(t, uint64(20), part.Start)
	require.Equal(t, uint64(10), part.Len)

	part, err = p.FindPartition(d, 5)
	require.NoError(t, err)
	require.Equal(t, uint64(12), part.Start) // 10 (EBR sector) + 2 (relative LBAStart)
	require.Equal(t, uint64(20), part.Len)

	_, err = p.FindPartition(d, 3)
	require.Error(t, err)
}

func TestMSDOSRejectsMissingSignature(t *testing.T) {
	raw := tdisk.NewMemDisk(4)
	d := tdisk.OpenDisk(t, raw, 4)

	_, err := MSDOS{}.FindPartition(d, 1)
	require.Error(t, err)
}
