package sfs

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jmason/grubcore/disk"
	grubfs "github.com/jmason/grubcore/fs"
	tdisk "github.com/jmason/grubcore/testing"
)

// buildTestVolume lays out a minimal SFS volume with 512-byte blocks
// (logBlocksize 0, so a block address is a sector number):
//
//	block 0: rootblock (signature, blocksize, flags, root object + label)
//	block 4: the root directory's own object container, holding a regular
//	         file entry ("hello.txt") and a symlink entry ("link")
//	block 10: "hello.txt" data
//	block 11: "link" target text
//
// No B-tree is built: both files fit in a single block, so mount.resolve's
// fileblock==0 fast path returns the node's first block directly without
// ever consulting the extent B-tree.
func buildTestVolume(t *testing.T) *disk.Disk {
	raw := tdisk.NewMemDisk(32)

	rootblock := make([]byte, 512)
	copy(rootblock[0:3], "SFS")
	rootblock[3] = 0
	order.PutUint32(rootblock[rblockOffset:rblockOffset+4], 512) // blocksize
	rootblock[20] = 0                                            // flags: case-insensitive

	rootObjOffset := rblockOffset + 4 + 40 + 8
	order.PutUint32(rootblock[rootObjOffset:rootObjOffset+4], 2) // root object container block
	order.PutUint32(rootblock[rootObjOffset+4:rootObjOffset+8], 0) // btree root, unused by this fixture
	tdisk.PutAt(t, raw, 0, rootblock)

	// root object container (block 2): a single self-referential entry
	// whose dir_objc field points at the real directory block and whose
	// name field doubles as the volume label, matching Probe's own
	// firstObj[16:20] / firstObj[objFixedSize-2:] field reads.
	rootObjc := make([]byte, 512)
	pos := objcHeaderSize
	unionOff := pos + 4 + 4 + 4
	order.PutUint32(rootObjc[unionOff+4:unionOff+8], 4) // dir_objc -> block 4
	labelOff := pos + objFixedSize - 2
	copy(rootObjc[labelOff:], "TESTVOL")
	tdisk.PutAt(t, raw, 2*512, rootObjc)

	// root directory container (block 4): "hello.txt" then "link".
	dirBlock := make([]byte, 512)
	writeObjectEntry(dirBlock, objcHeaderSize, 10, 12, 0, "hello.txt", "")
	writeObjectEntry(dirBlock, 60, 11, 10, typeSymlink, "link", "")
	tdisk.PutAt(t, raw, 4*512, dirBlock)

	content := []byte("Hello, SFS!\n")
	dataBlock := make([]byte, 512)
	copy(dataBlock, content)
	tdisk.PutAt(t, raw, 10*512, dataBlock)

	target := "/hello.txt"
	linkBlock := make([]byte, 512)
	copy(linkBlock[24:], target+"\x00")
	tdisk.PutAt(t, raw, 11*512, linkBlock)

	return tdisk.OpenDisk(t, raw, 32)
}

// writeObjectEntry stamps one object-container entry at byte offset pos,
// following the field layout walkObjects parses: unused1/nodeid/unused2
// (12 bytes), a union (block+size for files/symlinks), mtime, a type byte,
// a NUL-terminated name, and a NUL-terminated comment.
func writeObjectEntry(buf []byte, pos int, block, size uint32, typ byte, name, comment string) {
	unionOff := pos + 4 + 4 + 4
	order.PutUint32(buf[unionOff:unionOff+4], block)
	order.PutUint32(buf[unionOff+4:unionOff+8], size)
	mtimeOff := unionOff + 8
	buf[mtimeOff+4] = typ
	nameOff := mtimeOff + 5
	copy(buf[nameOff:], name)
	buf[nameOff+len(name)] = 0
	commentOff := nameOff + len(name) + 1
	copy(buf[commentOff:], comment)
	buf[commentOff+len(comment)] = 0
}

func TestSFSProbeAndLabel(t *testing.T) {
	d := buildTestVolume(t)
	m, err := New().Probe(d)
	require.NoError(t, err)

	label, err := m.Label()
	require.NoError(t, err)
	require.Equal(t, "TESTVOL", label)
}

func TestSFSReadFile(t *testing.T) {
	d := buildTestVolume(t)
	m, err := New().Probe(d)
	require.NoError(t, err)

	n, err := m.Root().Lookup("HELLO.TXT") // case-insensitive
	require.NoError(t, err)
	require.Equal(t, grubfs.KindRegular, n.Info().Kind)

	buf := make([]byte, n.Info().Size)
	nr, err := n.ReadAt(buf, 0)
	require.NoError(t, err)
	require.Equal(t, "Hello, SFS!\n", string(buf[:nr]))
}

func TestSFSReadlink(t *testing.T) {
	d := buildTestVolume(t)
	m, err := New().Probe(d)
	require.NoError(t, err)

	n, err := m.Root().Lookup("link")
	require.NoError(t, err)
	require.Equal(t, grubfs.KindSymlink, n.Info().Kind)

	target, err := n.Readlink()
	require.NoError(t, err)
	require.Equal(t, "/hello.txt", target)
}

func TestSFSIterateListsBothEntries(t *testing.T) {
	d := buildTestVolume(t)
	m, err := New().Probe(d)
	require.NoError(t, err)

	seen := map[string]grubfs.NodeKind{}
	err = m.Root().Iterate(func(name string, info grubfs.Info) bool {
		seen[name] = info.Kind
		return true
	})
	require.NoError(t, err)
	require.Equal(t, grubfs.KindRegular, seen["hello.txt"])
	require.Equal(t, grubfs.KindSymlink, seen["link"])
}

func TestSFSLookupMissingFails(t *testing.T) {
	d := buildTestVolume(t)
	m, err := New().Probe(d)
	require.NoError(t, err)

	_, err = m.Root().Lookup("nope")
	require.Error(t, err)
}

func TestSFSProbeRejectsGarbage(t *testing.T) {
	raw := tdisk.NewMemDisk(32)
	d := tdisk.OpenDisk(t, raw, 32)
	_, err := New().Probe(d)
	require.Error(t, err)
}
