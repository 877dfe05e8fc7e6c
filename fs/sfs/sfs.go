// Package sfs implements the Smart File System read-only driver (spec.md
// §4.7.5), ported from the source material's sfs.c: rootblock probe, a
// physical-block-keyed B-tree extent store walked to chase a file's extent
// chain, and object-container directory iteration.
package sfs

import (
	"encoding/binary"

	"github.com/jmason/grubcore/disk"
	"github.com/jmason/grubcore/errors"
	"github.com/jmason/grubcore/fs"
)

const (
	flagCaseSensitive = 0x80

	typeDeleted = 32
	typeSymlink = 64
	typeDir     = 128

	bheaderSize    = 12 // magic[4] + chksum(4) + ipointtomyself(4)
	rblockOffset   = bheaderSize + 4 + 4 + 1 + 31 // header+version+createtime+flags+unused1
	objcHeaderSize = bheaderSize + 4 + 4 + 4       // header + parent + next + prev
	objFixedSize   = 4 + 4 + 4 + 8 + 4 + 1 + 1 + 1 // unused1+nodeid+unused2+union+mtime+type+filename[1]+comment[1]

	btreeNodeHeaderSize = bheaderSize + 2 + 1 + 1 // header + nodes + leaf + nodesize
)

var order = binary.BigEndian

// Driver implements fs.Driver for SFS.
type Driver struct{}

func New() *Driver { return &Driver{} }

func (Driver) Name() string { return "sfs" }

func (Driver) Probe(dk *disk.Disk) (fs.Mount, error) {
	var raw [128]byte
	if err := dk.Read(0, 0, uint(len(raw)), raw[:]); err != nil {
		return nil, err
	}

	if string(raw[0:3]) != "SFS" || raw[3] != 0 {
		return nil, errors.ErrBadFs.WithMessage("no SFS signature")
	}

	blocksize := order.Uint32(raw[rblockOffset : rblockOffset+4])
	if blocksize == 0 || blocksize&(blocksize-1) != 0 || blocksize&0xf00001ff != 0 {
		return nil, errors.ErrBadFs.WithMessage("sfs blocksize invalid")
	}

	logBlocksize := uint(9)
	for (uint32(1) << logBlocksize) < blocksize {
		logBlocksize++
	}
	logBlocksize -= 9

	flags := raw[20]
	caseSensitive := flags&flagCaseSensitive != 0

	rootObjOffset := rblockOffset + 4 + 40 + 8
	rootObject := order.Uint32(raw[rootObjOffset : rootObjOffset+4])
	btree := order.Uint32(raw[rootObjOffset+4 : rootObjOffset+8])

	m := &mount{
		disk:          dk,
		logBlocksize:  logBlocksize,
		btreeRoot:     btree,
		caseSensitive: caseSensitive,
	}

	rootObjc := make([]byte, m.blockBytes())
	if err := m.readBlockAddr(rootObject, rootObjc); err != nil {
		return nil, err
	}
	firstObj := rootObjc[objcHeaderSize:]
	dirObjc := order.Uint32(firstObj[16:20]) // union.dir.dir_objc, after unused1(4)+nodeid(4)+unused2(4)+hashtable(4)
	label := cString(firstObj[objFixedSize-2:])
	m.label = label
	m.rootDirBlock = dirObjc

	return m, nil
}

type mount struct {
	disk          *disk.Disk
	logBlocksize  uint
	btreeRoot     uint32
	rootDirBlock  uint32
	caseSensitive bool
	label         string
}

func (m *mount) blockBytes() uint64 { return 512 << m.logBlocksize }

func (m *mount) readBlockAddr(block uint32, buf []byte) error {
	return m.disk.Read(uint64(block)<<m.logBlocksize, 0, uint(len(buf)), buf)
}

func cString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

// readExtent looks up the B-tree leaf keyed by block (a physical extent
// start address, not a logical file offset) and returns that extent's size
// (in blocks) and the physical start of the next extent in its chain.
func (m *mount) readExtent(block uint32) (size uint32, next uint32, err error) {
	buf := make([]byte, m.blockBytes())
	cur := m.btreeRoot

	for {
		if err = m.readBlockAddr(cur, buf); err != nil {
			return 0, 0, err
		}

		nnodes := order.Uint16(buf[bheaderSize : bheaderSize+2])
		leaf := buf[bheaderSize+2] != 0
		nodesize := uint32(buf[bheaderSize+3])
		if nodesize == 0 || uint64(nnodes)*uint64(nodesize) > uint64(len(buf)) {
			return 0, 0, errors.ErrBadFs.WithMessage("sfs btree node corrupt")
		}

		found := false
		for i := int(nnodes) - 1; i >= 0; i-- {
			off := btreeNodeHeaderSize + i*int(nodesize)
			key := order.Uint32(buf[off : off+4])
			if key <= block && !leaf {
				cur = order.Uint32(buf[off+4 : off+8])
				found = true
				break
			}
			if key == block && leaf {
				next = order.Uint32(buf[off+4 : off+8])
				size = uint32(order.Uint16(buf[off+12 : off+14]))
				return size, next, nil
			}
		}
		if leaf {
			return 0, 0, errors.ErrFileNotFound.WithMessage("sfs extent not found")
		}
		if !found {
			return 0, 0, errors.ErrFileNotFound.WithMessage("sfs extent not found")
		}
	}
}

// extentCache mirrors holy_sfs_read_block's lazily-grown (off, block)
// table: cache[i].off is the cumulative logical block offset where the i-th
// extent of the file begins, cache[i].block its physical start.
type extentCache struct {
	off     []uint32
	block   []uint32
	cacheOff   uint32
	nextExt uint32
}

func newExtentCache(firstBlock uint32) *extentCache {
	c := &extentCache{
		off:     make([]uint32, 0, 8),
		block:   make([]uint32, 0, 8),
		nextExt: firstBlock,
	}
	c.off = append(c.off, 0)
	c.block = append(c.block, firstBlock)
	return c
}

// resolve returns the physical block for logical file block fileblock,
// matching holy_sfs_read_block's binary-search-the-cached-prefix-then-walk
// behavior.
func (m *mount) resolve(node *node, fileblock uint32) (uint32, error) {
	if fileblock == 0 {
		return node.block, nil
	}

	if node.cache == nil {
		node.cache = newExtentCache(node.block)
	}
	c := node.cache

	if fileblock < c.cacheOff {
		n := len(c.off)
		bit := 1
		for bit <= n {
			bit <<= 1
		}
		bit >>= 1
		idx := 0
		for b := bit; b > 0; b >>= 1 {
			cand := idx | b
			if cand < n && c.off[cand] <= fileblock {
				idx = cand
			}
		}
		return c.block[idx] + fileblock - c.off[idx], nil
	}

	off := c.cacheOff
	blk := c.nextExt
	for blk != 0 {
		size, next, err := m.readExtent(blk)
		if err != nil {
			return 0, err
		}

		c.off = append(c.off, off)
		c.block = append(c.block, blk)
		c.cacheOff = off + size
		c.nextExt = next

		if fileblock-off < size {
			return fileblock - off + blk, nil
		}
		off += size
		blk = next
	}
	return 0, errors.ErrOutOfRange.WithMessage("sfs read outside the extent chain")
}

func (m *mount) Root() fs.Node {
	return &node{m: m, kind: fs.KindDirectory, block: m.rootDirBlock}
}

func (m *mount) Label() (string, error) { return m.label, nil }
func (m *mount) UUID() (string, error)  { return "", errors.ErrNotImplemented }

type node struct {
	m     *mount
	kind  fs.NodeKind
	block uint32 // first physical block (files/symlinks) or dir_objc block (dirs)
	size  uint32
	mtime uint32

	cache *extentCache
}

func (n *node) Info() fs.Info {
	return fs.Info{Kind: n.kind, Size: int64(n.size)}
}

func (n *node) ReadAt(buf []byte, offset int64) (int, error) {
	if n.kind != fs.KindRegular && n.kind != fs.KindSymlink {
		return 0, errors.ErrBadFileType
	}
	size := int64(n.size)
	if offset >= size {
		return 0, nil
	}
	length := int64(len(buf))
	if offset+length > size {
		length = size - offset
	}

	blockBytes := int64(n.m.blockBytes())
	scratch := make([]byte, blockBytes)
	total := int64(0)
	for total < length {
		pos := offset + total
		logicalBlock := uint32(pos / blockBytes)
		inBlockOffset := pos % blockBytes

		physBlock, err := n.m.resolve(n, logicalBlock)
		if err != nil {
			return int(total), err
		}
		if err := n.m.readBlockAddr(physBlock, scratch); err != nil {
			return int(total), err
		}

		chunk := blockBytes - inBlockOffset
		remaining := length - total
		if chunk > remaining {
			chunk = remaining
		}
		copy(buf[total:total+chunk], scratch[inBlockOffset:inBlockOffset+chunk])
		total += chunk
	}
	return int(total), nil
}

// Readlink reproduces the source material's documented guess: the symlink
// target is Latin-1 text starting 24 bytes into the node's block, with no
// length field, trimmed at the first NUL after conversion.
func (n *node) Readlink() (string, error) {
	if n.kind != fs.KindSymlink {
		return "", errors.ErrBadFileType
	}
	raw := make([]byte, n.m.blockBytes())
	if err := n.m.readBlockAddr(n.block, raw); err != nil {
		return "", err
	}
	text := fs.Latin1ToUTF8(raw[24:])
	for i, r := range text {
		if r == 0 {
			return text[:i], nil
		}
	}
	return text, nil
}

// walkObjects visits every live object across every container block chained
// via objc.next, matching holy_sfs_iterate_dir's entry-size accounting
// (NUL-terminated name immediately followed by a NUL-terminated comment,
// rounded up to a 2-byte boundary).
func (m *mount) walkObjects(containerBlock uint32, visit func(name string, isDir, isSymlink bool, block, size, mtime uint32) bool) error {
	next := containerBlock
	buf := make([]byte, m.blockBytes())

	for next != 0 {
		if err := m.readBlockAddr(next, buf); err != nil {
			return err
		}

		pos := objcHeaderSize
		for pos+objFixedSize < len(buf) {
			nodeID := order.Uint32(buf[pos : pos+4])
			_ = nodeID
			unionOff := pos + 4 + 4 + 4
			mtimeOff := unionOff + 8
			typ := buf[mtimeOff+4]
			nameOff := mtimeOff + 5

			name := cString(buf[nameOff:])
			commentOff := nameOff + len(name) + 1
			comment := cString(buf[commentOff:])

			entryLen := objFixedSize + len(name) + len(comment)
			pos += entryLen
			pos = ((pos + 1) >> 1) << 1

			if len(name) == 0 {
				continue
			}
			if typ&typeDeleted != 0 {
				continue
			}

			isDir := typ&typeDir != 0
			isSymlink := typ&typeSymlink != 0

			var block, size uint32
			if isDir {
				block = order.Uint32(buf[unionOff+4 : unionOff+8]) // dir_objc
			} else {
				block = order.Uint32(buf[unionOff : unionOff+4]) // first_block
				size = order.Uint32(buf[unionOff+4 : unionOff+8])
			}
			mtime := order.Uint32(buf[mtimeOff : mtimeOff+4])

			if !visit(name, isDir, isSymlink, block, size, mtime) {
				return nil
			}
		}

		next = order.Uint32(buf[bheaderSize+4 : bheaderSize+8]) // objc.next, after header+parent
	}
	return nil
}

func (n *node) Lookup(name string) (fs.Node, error) {
	if n.kind != fs.KindDirectory {
		return nil, errors.ErrBadFileType
	}

	match := name
	if !n.m.caseSensitive {
		match = toUpper(name)
	}

	var found *node
	err := n.m.walkObjects(n.block, func(entryName string, isDir, isSymlink bool, block, size, mtime uint32) bool {
		candidate := entryName
		if !n.m.caseSensitive {
			candidate = toUpper(candidate)
		}
		if candidate != match {
			return true
		}
		found = &node{m: n.m, block: block, size: size, mtime: mtime}
		switch {
		case isSymlink:
			found.kind = fs.KindSymlink
		case isDir:
			found.kind = fs.KindDirectory
		default:
			found.kind = fs.KindRegular
		}
		return false
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, errors.ErrFileNotFound.WithMessage("`" + name + "' not found")
	}
	return found, nil
}

func (n *node) Iterate(visit func(name string, info fs.Info) bool) error {
	if n.kind != fs.KindDirectory {
		return errors.ErrBadFileType
	}
	return n.m.walkObjects(n.block, func(entryName string, isDir, isSymlink bool, block, size, mtime uint32) bool {
		kind := fs.KindRegular
		switch {
		case isSymlink:
			kind = fs.KindSymlink
		case isDir:
			kind = fs.KindDirectory
		}
		return visit(entryName, fs.Info{Kind: kind, Size: int64(size)})
	})
}

func toUpper(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'a' && c <= 'z' {
			b[i] = c - ('a' - 'A')
		}
	}
	return string(b)
}
