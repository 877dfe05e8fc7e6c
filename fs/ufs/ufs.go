// Package ufs implements the UFS1/UFS2 read-only driver (spec.md §4.7.4):
// superblock candidate probing across the standard offset table, group-based
// inode addressing, direct/indirect block mapping, and inline symlinks.
package ufs

import (
	"encoding/binary"

	"github.com/jmason/grubcore/disk"
	"github.com/jmason/grubcore/errors"
	"github.com/jmason/grubcore/fs"
	"github.com/jmason/grubcore/fs/common/blockptrcache"
)

const (
	magicV1 = 0x11954
	magicV2 = 0x19540119

	rootInode = 2

	directBlocks = 12

	logInodeBlkszV1 = 2 // 32-bit pointers
	logInodeBlkszV2 = 3 // 64-bit pointers

	inodeSizeV1 = 128
	inodeSizeV2 = 256

	modeFmt = 0170000
	modeDir = 0040000
	modeLnk = 0120000
)

// candidateOffsets are the 512-sector offsets tried, in order, for the
// superblock; the first one whose magic, bsize, and ino_per_group all check
// out wins.
var candidateOffsets = []uint64{128, 16, 0, 512}

type version int

const (
	v1 version = iota
	v2
)

// Driver implements fs.Driver for both UFS1 and UFS2; endianness and version
// are both determined during Probe.
type Driver struct{}

func New() *Driver { return &Driver{} }

func (Driver) Name() string { return "ufs" }

func (Driver) Probe(dk *disk.Disk) (fs.Mount, error) {
	for _, off := range candidateOffsets {
		for _, order := range []binary.ByteOrder{binary.LittleEndian, binary.BigEndian} {
			m, err := tryMount(dk, off, order)
			if err == nil {
				return m, nil
			}
		}
	}
	return nil, errors.ErrBadFs.WithMessage("not a UFS filesystem")
}

// superblock is the common subset of UFS1/UFS2 superblock fields this driver
// needs, at their UFS1 byte offsets; UFS2 shifts some fields but the ones
// used here (magic, bsize, ino_per_group, frags_per_group, cylinder group
// offsets) sit at the same relative positions in both layouts for the
// purposes of this read-only driver.
type superblock struct {
	bsize        uint32
	fsize        uint32
	inoPerGroup  uint32
	fragsPerGrp  uint32
	cgOffset     uint32
	cgMask       uint32
	inodeBlkOffs uint32
}

func tryMount(dk *disk.Disk, sectorOffset uint64, order binary.ByteOrder) (*mount, error) {
	var raw [1464]byte
	if err := dk.Read(sectorOffset, 0, uint(len(raw)), raw[:]); err != nil {
		return nil, err
	}

	magic32 := order.Uint32(raw[1372 : 1372+4])
	var ver version
	switch magic32 {
	case magicV1:
		ver = v1
	case magicV2:
		ver = v2
	default:
		return nil, errors.ErrBadFs
	}

	var sb superblock
	sb.fsize = order.Uint32(raw[12:16])
	sb.bsize = order.Uint32(raw[16:20])
	sb.inoPerGroup = order.Uint32(raw[760:764])
	sb.fragsPerGrp = order.Uint32(raw[772:776])
	sb.cgOffset = order.Uint32(raw[776:780])
	sb.cgMask = order.Uint32(raw[780:784])
	sb.inodeBlkOffs = order.Uint32(raw[784:788])

	if sb.bsize == 0 || sb.bsize&(sb.bsize-1) != 0 {
		return nil, errors.ErrBadFs.WithMessage("ufs bsize not a power of two")
	}
	if sb.inoPerGroup == 0 {
		return nil, errors.ErrBadFs.WithMessage("ufs ino_per_group is zero")
	}

	log2Blksz := uint(0)
	for (uint32(1) << log2Blksz) < sb.bsize {
		log2Blksz++
	}

	logInodeBlksz := uint(logInodeBlkszV1)
	inodeSize := uint64(inodeSizeV1)
	inodesPerBlock := uint64(4)
	if ver == v2 {
		logInodeBlksz = logInodeBlkszV2
		inodeSize = inodeSizeV2
		inodesPerBlock = 2
	}

	return &mount{
		disk:            dk,
		order:           order,
		ver:             ver,
		bsize:           uint64(sb.bsize),
		fsize:           uint64(sb.fsize),
		log2Blksz:       log2Blksz,
		logInodeBlksz:   logInodeBlksz,
		inodeSize:       inodeSize,
		inodesPerBlock:  inodesPerBlock,
		inoPerGroup:     uint64(sb.inoPerGroup),
		fragsPerGroup:   uint64(sb.fragsPerGrp),
		cgOffset:        uint64(sb.cgOffset),
		cgMask:          uint64(sb.cgMask),
		inodeBlockOffs:  uint64(sb.inodeBlkOffs),
	}, nil
}

type mount struct {
	disk  *disk.Disk
	order binary.ByteOrder
	ver   version

	bsize          uint64 // bytes
	fsize          uint64 // fragment size, bytes
	log2Blksz      uint
	logInodeBlksz  uint
	inodeSize      uint64
	inodesPerBlock uint64
	inoPerGroup    uint64
	fragsPerGroup  uint64
	cgOffset       uint64
	cgMask         uint64
	inodeBlockOffs uint64
}

func (m *mount) fragSectors() uint64 { return m.fsize >> 9 }
func (m *mount) blockSectors() uint64 { return m.bsize >> 9 }

func (m *mount) ptrSize() uint64 {
	if m.ver == v1 {
		return 4
	}
	return 8
}

func (m *mount) indirSize() uint64 {
	return uint64(1) << (m.log2Blksz - m.logInodeBlksz)
}

type inode struct {
	mode     uint16
	size     uint64
	nblocks  uint64
	direct   [directBlocks]uint64
	indir1   uint64
	indir2   uint64
	indir3   uint64
	symlink  []byte // inline symlink payload, when present
}

func (m *mount) readInode(ino uint32) (inode, error) {
	group := uint64(ino) / m.inoPerGroup
	grpino := uint64(ino) % m.inoPerGroup

	groupBase := group * m.fragsPerGroup
	if m.ver == v1 {
		groupBase += m.cgOffset * (group &^ m.cgMask)
	}
	inodeBlock := m.inodeBlockOffs + groupBase

	fragIndex := grpino / m.inodesPerBlock
	byteOffset := (grpino % m.inodesPerBlock) * m.inodeSize

	sector := inodeBlock*m.fragSectors() + fragIndex*m.fragSectors()

	raw := make([]byte, m.inodeSize)
	if err := m.disk.Read(sector, uint(byteOffset), uint(m.inodeSize), raw); err != nil {
		return inode{}, err
	}

	var in inode
	in.mode = m.order.Uint16(raw[0:2])
	if m.ver == v1 {
		in.size = uint64(m.order.Uint32(raw[8:12]))
		for i := 0; i < directBlocks; i++ {
			in.direct[i] = uint64(m.order.Uint32(raw[40+i*4 : 44+i*4]))
		}
		in.indir1 = uint64(m.order.Uint32(raw[88:92]))
		in.indir2 = uint64(m.order.Uint32(raw[92:96]))
		in.indir3 = uint64(m.order.Uint32(raw[96:100]))
		in.nblocks = uint64(m.order.Uint32(raw[100:104]))
		if in.nblocks == 0 {
			inlineMax := (directBlocks + 3) * 4
			if int(in.size) <= inlineMax {
				in.symlink = append([]byte(nil), raw[40:40+in.size]...)
			}
		}
	} else {
		in.size = m.order.Uint64(raw[8:16])
		for i := 0; i < directBlocks; i++ {
			in.direct[i] = m.order.Uint64(raw[112+i*8 : 120+i*8])
		}
		in.indir1 = m.order.Uint64(raw[208:216])
		in.indir2 = m.order.Uint64(raw[216:224])
		in.indir3 = m.order.Uint64(raw[224:232])
		in.nblocks = m.order.Uint64(raw[48:56])
		if in.nblocks == 0 {
			inlineMax := (directBlocks + 3) * 8
			if int(in.size) <= inlineMax {
				in.symlink = append([]byte(nil), raw[112:112+in.size]...)
			}
		}
	}
	return in, nil
}

func (m *mount) readPointer(block uint64, index uint64) (uint64, error) {
	ptrSize := m.ptrSize()
	raw := make([]byte, ptrSize)
	sector := block * m.blockSectors()
	if err := m.disk.Read(sector, uint(index*ptrSize), uint(ptrSize), raw); err != nil {
		return 0, err
	}
	if ptrSize == 4 {
		return uint64(m.order.Uint32(raw)), nil
	}
	return m.order.Uint64(raw), nil
}

// blockForIndex implements the direct/indirect/double-indirect/triple-
// indirect resolution the source material performs in ufs_read_block,
// including its documented triple-indirect bound check quirk (spec.md §9
// REDESIGN FLAGS): `!(blk >> (3*log_indirsz))` is preserved as written
// rather than replaced with an explicit `< (1 << (3*log_indirsz))` compare,
// since they agree for every blk that fits in a uint64 and the flag only
// asks that the behavior, not the spelling, be kept.
func (m *mount) blockForIndex(in inode, blk uint64) (uint64, error) {
	if blk < directBlocks {
		return in.direct[blk], nil
	}
	blk -= directBlocks

	indirsz := m.indirSize()
	if blk < indirsz {
		return m.readPointer(in.indir1, blk)
	}
	blk -= indirsz

	if blk < indirsz*indirsz {
		p, err := m.readPointer(in.indir2, blk/indirsz)
		if err != nil {
			return 0, err
		}
		if p == 0 {
			return 0, nil
		}
		return m.readPointer(p, blk%indirsz)
	}
	blk -= indirsz * indirsz

	if blk>>(3*m.log2ShiftOfIndirsz()) == 0 {
		p, err := m.readPointer(in.indir3, (blk/indirsz)/indirsz)
		if err != nil {
			return 0, err
		}
		if p == 0 {
			return 0, nil
		}
		p, err = m.readPointer(p, (blk/indirsz)%indirsz)
		if err != nil {
			return 0, err
		}
		if p == 0 {
			return 0, nil
		}
		return m.readPointer(p, blk%indirsz)
	}

	return 0, errors.ErrOutOfRange.WithMessage("file bigger than maximum UFS size")
}

// log2ShiftOfIndirsz returns log2(indirsz), used only for the triple-indirect
// bound check above; indirsz is always a power of two since it's 1<<k.
func (m *mount) log2ShiftOfIndirsz() uint {
	return m.log2Blksz - m.logInodeBlksz
}

func (m *mount) Root() fs.Node { return &node{m: m, ino: rootInode} }
func (m *mount) Label() (string, error) { return "", errors.ErrNotImplemented }
func (m *mount) UUID() (string, error)  { return "", errors.ErrNotImplemented }

type node struct {
	m       *mount
	ino     uint32
	haveIno bool
	in      inode

	ptrCache *blockptrcache.Cache
}

func (n *node) ensureInode() error {
	if n.haveIno {
		return nil
	}
	in, err := n.m.readInode(n.ino)
	if err != nil {
		return err
	}
	n.in = in
	n.haveIno = true
	return nil
}

func (n *node) kind() fs.NodeKind {
	switch n.in.mode & modeFmt {
	case modeDir:
		return fs.KindDirectory
	case modeLnk:
		return fs.KindSymlink
	default:
		return fs.KindRegular
	}
}

func (n *node) Info() fs.Info {
	info := fs.Info{Kind: fs.KindRegular}
	if n.haveIno {
		info.Kind = n.kind()
		info.Size = int64(n.in.size)
	}
	return info
}

func (n *node) BlockSize() uint { return uint(n.m.bsize) }

func (n *node) ReadBlock(blockNumber uint64, buf []byte) error {
	return n.m.disk.Read(blockNumber*n.m.blockSectors(), 0, uint(len(buf)), buf)
}

func (n *node) ensurePtrCache() {
	if n.ptrCache != nil {
		return
	}
	blockBytes := uint64(n.BlockSize())
	totalBlocks := (uint64(n.in.size) + blockBytes - 1) / blockBytes
	n.ptrCache = blockptrcache.New(totalBlocks, func(index uint64) (uint64, bool, error) {
		block, err := n.m.blockForIndex(n.in, index)
		if err != nil {
			return 0, false, err
		}
		return block, block == 0, nil
	})
}

func (n *node) ReadAt(buf []byte, offset int64) (int, error) {
	if err := n.ensureInode(); err != nil {
		return 0, err
	}
	if n.kind() != fs.KindRegular && n.kind() != fs.KindSymlink {
		return 0, errors.ErrBadFileType
	}
	return n.readContent(buf, offset)
}

// readContent streams a node's block-mapped content regardless of its
// fs.NodeKind, so Lookup/Iterate can read a directory's own entry data
// without tripping ReadAt's regular-file-or-symlink contract.
func (n *node) readContent(buf []byte, offset int64) (int, error) {
	size := int64(n.in.size)
	if offset >= size {
		return 0, nil
	}
	length := int64(len(buf))
	if offset+length > size {
		length = size - offset
	}

	if n.in.symlink != nil {
		copied := copy(buf[:length], n.in.symlink[offset:])
		return copied, nil
	}

	n.ensurePtrCache()
	return fs.StreamBlocks(n, n.ptrCache, offset, buf[:length])
}

func (n *node) Readlink() (string, error) {
	if err := n.ensureInode(); err != nil {
		return "", err
	}
	if n.kind() != fs.KindSymlink {
		return "", errors.ErrBadFileType
	}
	buf := make([]byte, n.in.size)
	if _, err := n.ReadAt(buf, 0); err != nil {
		return "", err
	}
	return string(buf), nil
}

func (n *node) direntHeader(raw []byte) (ino uint32, entryLen uint16, nameLen uint16, headerLen int) {
	ino = n.m.order.Uint32(raw[0:4])
	entryLen = n.m.order.Uint16(raw[4:6])
	if n.m.ver == v1 {
		nameLen = n.m.order.Uint16(raw[6:8])
		headerLen = 8
	} else {
		nameLen = uint16(raw[7])
		headerLen = 8
	}
	return
}

func (n *node) Lookup(name string) (fs.Node, error) {
	if err := n.ensureInode(); err != nil {
		return nil, err
	}
	if n.kind() != fs.KindDirectory {
		return nil, errors.ErrBadFileType
	}

	size := int64(n.in.size)
	hdr := make([]byte, 8)
	var pos int64
	for pos < size {
		if _, err := n.readContent(hdr, pos); err != nil {
			return nil, err
		}
		ino, entryLen, nameLen, headerLen := n.direntHeader(hdr)
		if entryLen == 0 {
			break
		}
		if ino != 0 {
			nameBuf := make([]byte, nameLen)
			if _, err := n.readContent(nameBuf, pos+int64(headerLen)); err != nil {
				return nil, err
			}
			if string(nameBuf) == name {
				child := &node{m: n.m, ino: ino}
				if err := child.ensureInode(); err != nil {
					return nil, err
				}
				return child, nil
			}
		}
		pos += int64(entryLen)
	}
	return nil, errors.ErrFileNotFound.WithMessage("`" + name + "' not found")
}

func (n *node) Iterate(visit func(name string, info fs.Info) bool) error {
	if err := n.ensureInode(); err != nil {
		return err
	}
	if n.kind() != fs.KindDirectory {
		return errors.ErrBadFileType
	}

	size := int64(n.in.size)
	hdr := make([]byte, 8)
	var pos int64
	for pos < size {
		if _, err := n.readContent(hdr, pos); err != nil {
			return err
		}
		ino, entryLen, nameLen, headerLen := n.direntHeader(hdr)
		if entryLen == 0 {
			break
		}
		if ino != 0 {
			nameBuf := make([]byte, nameLen)
			if _, err := n.readContent(nameBuf, pos+int64(headerLen)); err != nil {
				return err
			}
			child := &node{m: n.m, ino: ino}
			if err := child.ensureInode(); err != nil {
				return err
			}
			if !visit(string(nameBuf), child.Info()) {
				return nil
			}
		}
		pos += int64(entryLen)
	}
	return nil
}
