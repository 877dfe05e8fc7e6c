package affs

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jmason/grubcore/disk"
	grubfs "github.com/jmason/grubcore/fs"
	tdisk "github.com/jmason/grubcore/testing"
)

const testHtsize = 4

func setBE32(buf []byte, off int, v uint32) {
	binary.BigEndian.PutUint32(buf[off:off+4], v)
}

// checksumBlock computes and stores the AFFS rootblock-style checksum at
// byte offset 20, the convention every AFFS header block follows: the sum
// of every big-endian long in the block, including the checksum field
// itself, must come out to zero.
func checksumBlock(block []byte) {
	setBE32(block, 20, 0)
	var sum uint32
	for i := 0; i < len(block); i += 4 {
		sum += binary.BigEndian.Uint32(block[i : i+4])
	}
	setBE32(block, 20, -sum)
}

func setAffsFileHeader(block []byte, htEntries []uint32, name string, size uint32, typ uint32, next, hardlink, extension uint32) {
	setBE32(block, 0, 2) // rbType
	setBE32(block, 12, testHtsize)
	for i, v := range htEntries {
		setBE32(block, hashtableOffset+i*4, v)
	}

	hdr := block[512-affsFileSize:]
	setBE32(hdr, 12, size)
	hdr[120] = byte(len(name))
	copy(hdr[121:151], name)
	setBE32(hdr, 156, hardlink)
	setBE32(hdr, 184, next)
	setBE32(hdr, 188, 0) // parent, unused by the driver
	setBE32(hdr, 192, extension)
	setBE32(hdr, 196, typ) // also the block's last long, Probe's secondary type

	checksumBlock(block)
}

// buildTestVolume lays out a one-directory AFFS volume with a regular file
// and a symlink, using logBlockSize 0 (one 512-byte block per sector):
//
//	block 0: bootblock, rootblock hint = 2
//	block 2: root directory header
//	block 3: "HELLO.TXT" file header
//	block 4: "HELLO.TXT" data
//	block 5: "LINK" symlink header
func buildTestVolume(t *testing.T) *disk.Disk {
	raw := tdisk.NewMemDisk(8)

	boot := make([]byte, 512)
	copy(boot[0:3], "DOS")
	boot[3] = 1
	setBE32(boot, 8, 2)
	tdisk.PutAt(t, raw, 0, boot)

	content := []byte("Hello, AFFS!\n")
	dataBlock := make([]byte, 512)
	copy(dataBlock, content)
	tdisk.PutAt(t, raw, 4*512, dataBlock)

	fileBlock := make([]byte, 512)
	fileHashtable := make([]uint32, testHtsize)
	fileHashtable[testHtsize-1] = 4 // block pointer 0 lands in the last slot, per readBlockPointer's math
	setAffsFileHeader(fileBlock, fileHashtable, "HELLO.TXT", uint32(len(content)), typeRegular, 0, 0, 0)
	tdisk.PutAt(t, raw, 3*512, fileBlock)

	// Bucket indices below are computed independently of affsHash, by hand,
	// from the real AFFS directory hash (multiplier 13, &0x7ff after every
	// character, name upper-cased, folded mod htsize) so this fixture
	// exercises on-disk-format compatibility rather than just internal
	// self-consistency with the driver's own hash function:
	//
	//	"HELLO.TXT": hash=9 -> ... -> 1507, 1507 % 4 == 3
	//	"LINK":      hash=4 -> ... -> 1778, 1778 % 4 == 2
	//
	// No bucket collision, so neither entry needs to chain via Next.
	const helloIdx = 3
	const linkIdx = 2
	rootHashtable := make([]uint32, testHtsize)
	var linkNext uint32
	rootHashtable[helloIdx] = 3
	rootHashtable[linkIdx] = 5

	linkBlock := make([]byte, 512)
	setAffsFileHeader(linkBlock, nil, "LINK", 0, typeSymlink, linkNext, 0, 0)
	copy(linkBlock[symlinkOffset:], ":dir/target\x00")
	tdisk.PutAt(t, raw, 5*512, linkBlock)

	rootBlock := make([]byte, 512)
	setAffsFileHeader(rootBlock, rootHashtable, "TESTVOL", 0, 1, 0, 0, 0) // secondary type 1 marks the rootblock
	tdisk.PutAt(t, raw, 2*512, rootBlock)

	return tdisk.OpenDisk(t, raw, 8)
}

func TestAffsHashMatchesKnownValues(t *testing.T) {
	require.Equal(t, uint32(3), affsHash("HELLO.TXT", testHtsize))
	require.Equal(t, uint32(2), affsHash("LINK", testHtsize))
}

func TestAFFSProbeAndLabel(t *testing.T) {
	h := buildTestVolume(t)
	drv := New()

	m, err := drv.Probe(h)
	require.NoError(t, err)

	label, err := m.Label()
	require.NoError(t, err)
	require.Equal(t, "TESTVOL", label)
}

func TestAFFSReadFile(t *testing.T) {
	h := buildTestVolume(t)
	m, err := New().Probe(h)
	require.NoError(t, err)

	n, err := m.Root().Lookup("hello.txt") // case-insensitive
	require.NoError(t, err)
	require.Equal(t, grubfs.KindRegular, n.Info().Kind)

	buf := make([]byte, n.Info().Size)
	nr, err := n.ReadAt(buf, 0)
	require.NoError(t, err)
	require.Equal(t, "Hello, AFFS!\n", string(buf[:nr]))
}

func TestAFFSReadlinkRewritesColonPrefix(t *testing.T) {
	h := buildTestVolume(t)
	m, err := New().Probe(h)
	require.NoError(t, err)

	n, err := m.Root().Lookup("LINK")
	require.NoError(t, err)
	require.Equal(t, grubfs.KindSymlink, n.Info().Kind)

	target, err := n.Readlink()
	require.NoError(t, err)
	require.Equal(t, "/dir/target", target)
}

func TestAFFSIterateListsBothEntries(t *testing.T) {
	h := buildTestVolume(t)
	m, err := New().Probe(h)
	require.NoError(t, err)

	seen := map[string]grubfs.NodeKind{}
	err = m.Root().Iterate(func(name string, info grubfs.Info) bool {
		seen[name] = info.Kind
		return true
	})
	require.NoError(t, err)
	require.Equal(t, grubfs.KindRegular, seen["HELLO.TXT"])
	require.Equal(t, grubfs.KindSymlink, seen["LINK"])
}

func TestAFFSLookupMissingFails(t *testing.T) {
	h := buildTestVolume(t)
	m, err := New().Probe(h)
	require.NoError(t, err)

	_, err = m.Root().Lookup("NOPE")
	require.Error(t, err)
}
