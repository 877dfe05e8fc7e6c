package minix

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jmason/grubcore/disk"
	grubfs "github.com/jmason/grubcore/fs"
	tdisk "github.com/jmason/grubcore/testing"
)

// buildV1Volume lays out a minimal MINIX v1 volume: 1-zone imap, 1-zone zmap,
// a 1-zone inode table holding the root/file/link inodes, then one data
// zone each for the root directory, a regular file, and a symlink. Zones are
// 1024 bytes (log2_zone_size 0, so zoneToSector is `zone << 1`).
func buildV1Volume(t *testing.T) *disk.Disk {
	raw := tdisk.NewMemDisk(20)

	sb := make([]byte, 32)
	binary.LittleEndian.PutUint16(sb[0:2], 3)      // inode count
	binary.LittleEndian.PutUint16(sb[2:4], 8)      // zone count
	binary.LittleEndian.PutUint16(sb[4:6], 1)      // inode bitmap zones
	binary.LittleEndian.PutUint16(sb[6:8], 1)      // zone bitmap zones
	binary.LittleEndian.PutUint16(sb[8:10], 5)     // first data zone
	binary.LittleEndian.PutUint16(sb[10:12], 0)    // log2 zone size
	binary.LittleEndian.PutUint16(sb[16:18], magicV1)
	tdisk.PutAt(t, raw, 2*512, sb)

	fileContent := []byte("Hello, MINIX!\n")
	linkTarget := []byte("/hello.txt")

	writeInode := func(slot int, mode uint16, size uint32, zone0 uint16) {
		ino := make([]byte, 32)
		binary.LittleEndian.PutUint16(ino[0:2], mode)
		binary.LittleEndian.PutUint32(ino[4:8], size)
		binary.LittleEndian.PutUint16(ino[14:16], zone0) // dirZones[0]
		tdisk.PutAt(t, raw, 8*512+int64(slot*32), ino)
	}

	rootEntries := make([]byte, 32) // two 16-byte (2+14) v1 dirents
	binary.LittleEndian.PutUint16(rootEntries[0:2], 2)
	copy(rootEntries[2:16], "hello.txt")
	binary.LittleEndian.PutUint16(rootEntries[16:18], 3)
	copy(rootEntries[18:32], "link")

	writeInode(0, modeDir, uint32(len(rootEntries)), 5)
	writeInode(1, 0100000, uint32(len(fileContent)), 6)
	writeInode(2, modeLnk, uint32(len(linkTarget)), 7)

	tdisk.PutAt(t, raw, 10*512, rootEntries) // zone 5 -> sector 10
	tdisk.PutAt(t, raw, 12*512, fileContent) // zone 6 -> sector 12
	tdisk.PutAt(t, raw, 14*512, linkTarget)  // zone 7 -> sector 14

	return tdisk.OpenDisk(t, raw, 20)
}

func TestMinixV1ProbeAndReadFile(t *testing.T) {
	d := buildV1Volume(t)
	m, err := New().Probe(d)
	require.NoError(t, err)

	n, err := m.Root().Lookup("hello.txt")
	require.NoError(t, err)
	require.Equal(t, grubfs.KindRegular, n.Info().Kind)

	buf := make([]byte, n.Info().Size)
	nr, err := n.ReadAt(buf, 0)
	require.NoError(t, err)
	require.Equal(t, "Hello, MINIX!\n", string(buf[:nr]))
}

func TestMinixV1Readlink(t *testing.T) {
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

func TestMinixV1IterateRoot(t *testing.T) {
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

func TestMinixV1LookupMissing(t *testing.T) {
	d := buildV1Volume(t)
	m, err := New().Probe(d)
	require.NoError(t, err)

	_, err = m.Root().Lookup("nope")
	require.Error(t, err)
}

func TestMinixProbeRejectsGarbage(t *testing.T) {
	raw := tdisk.NewMemDisk(20)
	d := tdisk.OpenDisk(t, raw, 20)
	_, err := New().Probe(d)
	require.Error(t, err)
}
