package ufs

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jmason/grubcore/disk"
	grubfs "github.com/jmason/grubcore/fs"
	tdisk "github.com/jmason/grubcore/testing"
)

// buildV1Volume lays out a minimal little-endian UFS1 volume: a superblock at
// sector 0 (the candidateOffsets probe tries 128 and 16 first, finds nothing,
// then lands here), a one-sector inode table fragment holding the root
// directory and a regular file inode, a second inode table fragment holding
// a symlink inode with its target stored inline, one directory data block,
// and one file data block.
func buildV1Volume(t *testing.T) *disk.Disk {
	raw := tdisk.NewMemDisk(64)
	order := binary.LittleEndian

	sb := make([]byte, 1408)
	order.PutUint32(sb[12:16], 1024)  // fsize
	order.PutUint32(sb[16:20], 1024)  // bsize
	order.PutUint32(sb[760:764], 16)  // ino_per_group
	order.PutUint32(sb[772:776], 64)  // frags_per_group
	order.PutUint32(sb[776:780], 0)   // cg_offset
	order.PutUint32(sb[784:788], 4)   // inode table block
	order.PutUint32(sb[1372:1376], magicV1)
	tdisk.PutAt(t, raw, 0, sb)

	// inode table fragment holding ino 2 (root dir) and ino 3 (regular file),
	// both resolving to sector 8 per readInode's group/fragIndex arithmetic.
	inodes8 := make([]byte, 512)
	writeInodeV1 := func(buf []byte, mode uint16, size uint32, direct0 uint32, nblocks uint32) {
		order.PutUint16(buf[0:2], mode)
		order.PutUint32(buf[8:12], size)
		order.PutUint32(buf[40:44], direct0)
		order.PutUint32(buf[100:104], nblocks)
	}
	writeInodeV1(inodes8[256:384], modeDir, 29, 20, 1)
	writeInodeV1(inodes8[384:512], 0100644, 12, 21, 1)
	tdisk.PutAt(t, raw, 8*512, inodes8)

	// inode table fragment holding ino 4 (symlink), resolving to sector 10;
	// nblocks stays zero and size fits inlineMax so the target is read
	// straight out of the inode's direct-pointer byte region.
	inodes10 := make([]byte, 512)
	linkTarget := "/hello.txt"
	order.PutUint16(inodes10[0:2], modeLnk)
	order.PutUint32(inodes10[8:12], uint32(len(linkTarget)))
	order.PutUint32(inodes10[100:104], 0)
	copy(inodes10[40:40+len(linkTarget)], linkTarget)
	tdisk.PutAt(t, raw, 10*512, inodes10)

	// root directory data, block 20 -> sector 40 (blockSectors = bsize>>9 = 2)
	dirBuf := make([]byte, 512)
	order.PutUint32(dirBuf[0:4], 3) // ino
	order.PutUint16(dirBuf[4:6], 17) // entryLen
	order.PutUint16(dirBuf[6:8], 9)  // nameLen
	copy(dirBuf[8:17], "hello.txt")
	order.PutUint32(dirBuf[17:21], 4) // ino
	order.PutUint16(dirBuf[21:23], 12) // entryLen
	order.PutUint16(dirBuf[23:25], 4)  // nameLen
	copy(dirBuf[25:29], "link")
	tdisk.PutAt(t, raw, 40*512, dirBuf)

	// regular file data, block 21 -> sector 42
	fileBuf := make([]byte, 512)
	copy(fileBuf, "Hello, UFS!\n")
	tdisk.PutAt(t, raw, 42*512, fileBuf)

	return tdisk.OpenDisk(t, raw, 64)
}

func TestUFSV1ProbeAndReadFile(t *testing.T) {
	d := buildV1Volume(t)
	m, err := New().Probe(d)
	require.NoError(t, err)

	n, err := m.Root().Lookup("hello.txt")
	require.NoError(t, err)
	require.Equal(t, grubfs.KindRegular, n.Info().Kind)

	buf := make([]byte, n.Info().Size)
	nr, err := n.ReadAt(buf, 0)
	require.NoError(t, err)
	require.Equal(t, "Hello, UFS!\n", string(buf[:nr]))
}

func TestUFSV1ReadlinkInline(t *testing.T) {
	d := buildV1Volume(t)
	m, err := New().Probe(d)
	require.NoError(t, err)

	n, err := m.Root().Lookup("link")
	require.NoError(t, err)
	require.Equal(t, grubfs.KindSymlink, n.Info().Kind)

	target, err := n.Readlink()
	require.NoError(t, err)
	require.Equal(t, "/hello.txt", target)
}

func TestUFSV1IterateRoot(t *testing.T) {
	d := buildV1Volume(t)
	m, err := New().Probe(d)
	require.NoError(t, err)

	names := map[string]bool{}
	err = m.Root().Iterate(func(name string, info grubfs.Info) bool {
		names[name] = true
		return true
	})
	require.NoError(t, err)
	require.True(t, names["hello.txt"])
	require.True(t, names["link"])
}

func TestUFSV1LookupMissing(t *testing.T) {
	d := buildV1Volume(t)
	m, err := New().Probe(d)
	require.NoError(t, err)

	_, err = m.Root().Lookup("nope")
	require.Error(t, err)
}

func TestUFSProbeRejectsGarbage(t *testing.T) {
	raw := tdisk.NewMemDisk(64)
	d := tdisk.OpenDisk(t, raw, 64)
	_, err := New().Probe(d)
	require.Error(t, err)
}
