package partmap

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	tdisk "github.com/jmason/grubcore/testing"
)

const gptEntrySize = 128

// writeGPTEntry stamps one 128-byte GPT partition entry at the given byte
// offset within buf. A zero typeGUID marks the slot unused, matching real
// GPT semantics and this driver's own "unused gpt partition entry" check.
func writeGPTEntry(buf []byte, off int, typeGUIDByte byte, firstLBA, lastLBA uint64) {
	if typeGUIDByte != 0 {
		for i := 0; i < 16; i++ {
			buf[off+i] = typeGUIDByte
		}
	}
	binary.LittleEndian.PutUint64(buf[off+32:off+40], firstLBA)
	binary.LittleEndian.PutUint64(buf[off+40:off+48], lastLBA)
}

func TestGPTFindPartition(t *testing.T) {
	raw := tdisk.NewMemDisk(16)

	hdr := make([]byte, 512)
	copy(hdr[0:8], gptSignature[:])
	binary.LittleEndian.PutUint64(hdr[72:80], 2) // PartitionEntryLBA
	binary.LittleEndian.PutUint32(hdr[80:84], 4) // NumberOfPartitionEntries
	binary.LittleEndian.PutUint32(hdr[84:88], gptEntrySize)
	tdisk.PutAt(t, raw, 1*512, hdr)

	entries := make([]byte, 512)
	writeGPTEntry(entries, 0*gptEntrySize, 0x01, 100, 199)   // number 1
	writeGPTEntry(entries, 1*gptEntrySize, 0x00, 0, 0)       // number 2: unused
	writeGPTEntry(entries, 2*gptEntrySize, 0x02, 300, 399)   // number 3
	tdisk.PutAt(t, raw, 2*512, entries)

	d := tdisk.OpenDisk(t, raw, 16)
	p := GPT{}

	part, err := p.FindPartition(d, 1)
	require.NoError(t, err)
	require.Equal(t, uint64(100), part.Start)
	require.Equal(t, uint64(100), part.Len) // 199-100+1

	_, err = p.FindPartition(d, 2)
	require.Error(t, err)

	part3, err := p.FindPartition(d, 3)
	require.NoError(t, err)
	require.Equal(t, uint64(300), part3.Start)

	_, err = p.FindPartition(d, 5)
	require.Error(t, err)

	guid, err := TypeGUID(d, part)
	require.NoError(t, err)
	var want [16]byte
	for i := range want {
		want[i] = 0x01
	}
	require.Equal(t, want, guid)
}

func TestGPTRejectsMissingSignature(t *testing.T) {
	raw := tdisk.NewMemDisk(4)
	d := tdisk.OpenDisk(t, raw, 4)

	_, err := GPT{}.FindPartition(d, 1)
	require.Error(t, err)
}
