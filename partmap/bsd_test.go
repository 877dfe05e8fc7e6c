package partmap

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	tdisk "github.com/jmason/grubcore/testing"
)

func writeBSDPartEntry(buf []byte, idx int, size, offset uint32) {
	off := 148 + idx*16
	binary.LittleEndian.PutUint32(buf[off:off+4], size)
	binary.LittleEndian.PutUint32(buf[off+4:off+8], offset)
}

func TestBSDFindPartition(t *testing.T) {
	raw := tdisk.NewMemDisk(8)

	label := make([]byte, 512)
	binary.LittleEndian.PutUint32(label[0:4], bsdMagic)
	binary.LittleEndian.PutUint16(label[138:140], 3) // NPartitions
	binary.LittleEndian.PutUint32(label[132:136], bsdMagic) // Magic2

	writeBSDPartEntry(label, 0, 200, 0)    // 'a' / bsd1: whole disk
	writeBSDPartEntry(label, 1, 0, 0)      // 'b' / bsd2: unused slot
	writeBSDPartEntry(label, 2, 100, 200)  // 'c' / bsd3

	tdisk.PutAt(t, raw, 0, label)
	d := tdisk.OpenDisk(t, raw, 8)

	p := BSD{}

	part, err := p.FindPartition(d, 1)
	require.NoError(t, err)
	require.Equal(t, uint64(0), part.Start)
	require.Equal(t, uint64(200), part.Len)

	_, err = p.FindPartition(d, 2)
	require.Error(t, err)

	part3, err := p.FindPartition(d, 3)
	require.NoError(t, err)
	require.Equal(t, uint64(200), part3.Start)
	require.Equal(t, uint64(100), part3.Len)

	_, err = p.FindPartition(d, 4)
	require.Error(t, err)
}

func TestBSDRejectsMissingSignature(t *testing.T) {
	raw := tdisk.NewMemDisk(4)
	d := tdisk.OpenDisk(t, raw, 4)

	_, err := BSD{}.FindPartition(d, 1)
	require.Error(t, err)
}
