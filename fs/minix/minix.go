// Package minix implements the MINIX v1/v2/v3 read-only driver (spec.md
// §4.7.3): superblock variant selection by magic, direct/indirect/double-
// indirect/triple-indirect block mapping, and the fixed-width directory
// entry format.
package minix

import (
	"encoding/binary"
	"time"

	"github.com/jmason/grubcore/disk"
	"github.com/jmason/grubcore/errors"
	"github.com/jmason/grubcore/fs"
	"github.com/jmason/grubcore/fs/common/blockptrcache"
)

const (
	superblockSector = 2 // byte offset 1024 == standard sector 2
	rootInode        = 1
	dirBlocks        = 7
	logBsize         = 1 // MINIX's "block" is 2 standard sectors (1024 bytes)

	magicV1   = 0x137F
	magicV1_30 = 0x138F
	magicV2   = 0x2468
	magicV2_30 = 0x2478
	magicV3   = 0x4D5A

	modeDir = 0040000
	modeLnk = 0120000
	modeFmt = 0170000

	maxSymlinkNest = 8
)

type variant int

const (
	v1 variant = iota
	v2
	v3
)

// Driver implements fs.Driver for all three MINIX on-disk variants; the
// dispatcher only needs one registration since the magic in the superblock
// at byte offset 1 KiB disambiguates them.
type Driver struct{}

func New() *Driver { return &Driver{} }

func (Driver) Name() string { return "minix" }

func (d Driver) Probe(dk *disk.Disk) (fs.Mount, error) {
	var raw [32]byte
	// Superblock lives at byte offset 1024, i.e. standard sector 2, offset 0.
	if err := dk.Read(superblockSector, 0, 32, raw[:]); err != nil {
		return nil, err
	}

	for _, order := range []binary.ByteOrder{binary.LittleEndian, binary.BigEndian} {
		m, err := tryMount(dk, raw[:], order)
		if err == nil {
			return m, nil
		}
	}
	return nil, errors.ErrBadFs.WithMessage("not a MINIX filesystem")
}

func tryMount(dk *disk.Disk, raw []byte, order binary.ByteOrder) (*mount, error) {
	// v1/v2 superblock: inode_cnt(2) zone_cnt(2) inode_bmap(2) zone_bmap(2)
	// first_data_zone(2) log2_zone_size(2) max_file_size(4) magic(2) == offset 16.
	v1v2Magic := order.Uint16(raw[16:18])
	// v3 superblock: ninodes(4) pad0(2) imap_blocks(2) zmap_blocks(2)
	// firstdatazone(2) log_zone_size(2) pad1(2) max_size(4) zones(4) magic(2)
	// == offset 24.
	v3Magic := order.Uint16(raw[24:26])

	switch v1v2Magic {
	case magicV1, magicV1_30:
		filenameSize := 14
		if v1v2Magic == magicV1_30 {
			filenameSize = 30
		}
		return buildMount(dk, raw, order, v1, filenameSize)
	case magicV2, magicV2_30:
		filenameSize := 14
		if v1v2Magic == magicV2_30 {
			filenameSize = 30
		}
		return buildMount(dk, raw, order, v2, filenameSize)
	}

	if v3Magic == magicV3 {
		return buildMount(dk, raw, order, v3, 60)
	}

	return nil, errors.ErrBadFs
}

type sblock struct {
	inodeCount    uint32
	zoneCount     uint32
	inodeBmapSize uint16
	zoneBmapSize  uint16
	firstDataZone uint16
	log2ZoneSize  uint16
	blockSize     uint16 // v3 only, in bytes
}

func buildMount(dk *disk.Disk, raw []byte, order binary.ByteOrder, v variant, filenameSize int) (*mount, error) {
	var sb sblock
	if v == v3 {
		sb.inodeCount = order.Uint32(raw[0:4])
		sb.inodeBmapSize = order.Uint16(raw[6:8])
		sb.zoneBmapSize = order.Uint16(raw[8:10])
		sb.firstDataZone = order.Uint16(raw[10:12])
		sb.log2ZoneSize = order.Uint16(raw[12:14])
		sb.zoneCount = order.Uint32(raw[20:24])
		sb.blockSize = order.Uint16(raw[28:30])
	} else {
		sb.inodeCount = uint32(order.Uint16(raw[0:2]))
		sb.zoneCount = uint32(order.Uint16(raw[2:4]))
		sb.inodeBmapSize = order.Uint16(raw[4:6])
		sb.zoneBmapSize = order.Uint16(raw[6:8])
		sb.firstDataZone = order.Uint16(raw[8:10])
		sb.log2ZoneSize = order.Uint16(raw[10:12])
	}

	if sb.log2ZoneSize >= 20 {
		return nil, errors.ErrBadFs.WithMessage("minix zone size too large")
	}

	var blockSizeSectors uint64
	ptrSize := uint64(2)
	inodeSize := uint64(32)
	if v == v3 {
		ptrSize = 4
		inodeSize = 64
		switch {
		case sb.blockSize == 0xffff:
			blockSizeSectors = 2
		case sb.blockSize == 0x200, sb.blockSize == 0, sb.blockSize&0x1ff != 0:
			return nil, errors.ErrBadFs.WithMessage("minix3 invalid block size")
		default:
			blockSizeSectors = uint64(sb.blockSize) >> 9
		}
	} else if v == v2 {
		ptrSize = 4
		inodeSize = 64
		blockSizeSectors = 2
	} else {
		blockSizeSectors = 2
	}

	blockPerZone := (blockSizeSectors << (9 + sb.log2ZoneSize)) / ptrSize
	if blockPerZone == 0 {
		return nil, errors.ErrBadFs.WithMessage("minix zero blocks per zone")
	}

	m := &mount{
		disk:             dk,
		order:            order,
		variant:          v,
		filenameSize:     filenameSize,
		blockSizeSectors: blockSizeSectors,
		blockPerZone:     blockPerZone,
		inodeSize:        inodeSize,
		ptrSize:          ptrSize,
		inodeBmapSize:    uint64(sb.inodeBmapSize),
		zoneBmapSize:     uint64(sb.zoneBmapSize),
		log2ZoneSize:     uint64(sb.log2ZoneSize),
	}
	return m, nil
}

type mount struct {
	disk             *disk.Disk
	order            binary.ByteOrder
	variant          variant
	filenameSize     int
	blockSizeSectors uint64
	blockPerZone     uint64
	inodeSize        uint64
	ptrSize          uint64
	inodeBmapSize    uint64
	zoneBmapSize     uint64
	log2ZoneSize     uint64
}

// zoneToSector mirrors holy_minix_get_zone_sector: v3 zones are measured
// directly in block_size_sectors, while v1/v2 zones are measured in
// MINIX_LOG2_BSIZE (1) + log2_zone_size sector units.
func (m *mount) zoneToSector(zone uint64) uint64 {
	if m.variant == v3 {
		return zone * m.blockSizeSectors
	}
	return zone << (1 + m.log2ZoneSize)
}

// inode is the common, decoded representation of a MINIX inode regardless of
// on-disk variant.
type inode struct {
	mode            uint16
	size            uint32
	mtime           uint32
	dirZones        [7]uint32
	indirZone       uint32
	doubleIndirZone uint32
	tripleIndirZone uint32
}

func (m *mount) readInode(ino uint32) (inode, error) {
	block := m.zoneToSector(2+m.inodeBmapSize+m.zoneBmapSize)
	idx := uint64(ino - 1)
	perSector := 512 / m.inodeSize
	block += idx / perSector
	offset := uint(idx%perSector) * uint(m.inodeSize)

	raw := make([]byte, m.inodeSize)
	if err := m.disk.Read(block, offset, uint(m.inodeSize), raw); err != nil {
		return inode{}, err
	}

	var in inode
	if m.variant == v1 {
		in.mode = m.order.Uint16(raw[0:2])
		in.size = m.order.Uint32(raw[4:8])
		in.mtime = m.order.Uint32(raw[8:12])
		for i := 0; i < 7; i++ {
			in.dirZones[i] = uint32(m.order.Uint16(raw[14+i*2 : 16+i*2]))
		}
		in.indirZone = uint32(m.order.Uint16(raw[28:30]))
		in.doubleIndirZone = uint32(m.order.Uint16(raw[30:32]))
	} else {
		in.mode = m.order.Uint16(raw[0:2])
		in.size = m.order.Uint32(raw[8:12])
		in.mtime = m.order.Uint32(raw[16:20])
		for i := 0; i < 7; i++ {
			in.dirZones[i] = m.order.Uint32(raw[24+i*4 : 28+i*4])
		}
		in.indirZone = m.order.Uint32(raw[52:56])
		in.doubleIndirZone = m.order.Uint32(raw[56:60])
		in.tripleIndirZone = m.order.Uint32(raw[60:64])
	}
	return in, nil
}

func (m *mount) readIndirect(zone uint32, index uint64) (uint32, error) {
	var raw [4]byte
	ptrSize := uint(m.ptrSize)
	if err := m.disk.Read(m.zoneToSector(uint64(zone)), uint(index)*ptrSize, ptrSize, raw[:ptrSize]); err != nil {
		return 0, err
	}
	if ptrSize == 2 {
		return uint32(m.order.Uint16(raw[:2])), nil
	}
	return m.order.Uint32(raw[:4]), nil
}

// blockToZone implements holy_minix_get_file_block: direct, single, double,
// and (v2/v3 only) triple indirection, selected by the logical block index.
func (m *mount) blockToZone(in inode, blk uint64) (uint32, error) {
	if blk < dirBlocks {
		return in.dirZones[blk], nil
	}
	blk -= dirBlocks

	bpz := m.blockPerZone
	if blk < bpz {
		return m.readIndirect(in.indirZone, blk)
	}
	blk -= bpz

	if blk < bpz*bpz {
		indir, err := m.readIndirect(in.doubleIndirZone, blk/bpz)
		if err != nil {
			return 0, err
		}
		return m.readIndirect(indir, blk%bpz)
	}

	if m.variant == v1 {
		return 0, errors.ErrOutOfRange.WithMessage("file bigger than maximum size")
	}
	blk -= bpz * bpz

	if blk < bpz*bpz*bpz {
		indir, err := m.readIndirect(in.tripleIndirZone, (blk/bpz)/bpz)
		if err != nil {
			return 0, err
		}
		indir, err = m.readIndirect(indir, (blk/bpz)%bpz)
		if err != nil {
			return 0, err
		}
		return m.readIndirect(indir, blk%bpz)
	}

	return 0, errors.ErrOutOfRange.WithMessage("file bigger than maximum size")
}

func (m *mount) Root() fs.Node {
	return &node{m: m, ino: rootInode}
}

func (m *mount) Label() (string, error)  { return "", errors.ErrNotImplemented }
func (m *mount) UUID() (string, error)   { return "", errors.ErrNotImplemented }

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
		info.MTime = time.Unix(int64(n.in.mtime), 0).UTC()
	}
	return info
}

func (n *node) BlockSize() uint { return uint(n.m.blockSizeSectors << 9) }

func (n *node) ReadBlock(blockNumber uint64, buf []byte) error {
	return n.m.disk.Read(n.m.zoneToSector(blockNumber), 0, uint(len(buf)), buf)
}

func (n *node) ensurePtrCache() {
	if n.ptrCache != nil {
		return
	}
	blockBytes := uint64(n.BlockSize())
	totalBlocks := (uint64(n.in.size) + blockBytes - 1) / blockBytes
	n.ptrCache = blockptrcache.New(totalBlocks, func(index uint64) (uint64, bool, error) {
		zone, err := n.m.blockToZone(n.in, index)
		if err != nil {
			return 0, false, err
		}
		return uint64(zone), zone == 0, nil
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

func (n *node) direntSize() int { return 2 + n.m.filenameSize }

func (n *node) inoFieldSize() int {
	if n.m.variant == v1 {
		return 2
	}
	return 4
}

func (n *node) Lookup(name string) (fs.Node, error) {
	if err := n.ensureInode(); err != nil {
		return nil, err
	}
	if n.kind() != fs.KindDirectory {
		return nil, errors.ErrBadFileType
	}

	inoSize := n.inoFieldSize()
	entrySize := int64(inoSize + n.m.filenameSize)
	size := int64(n.in.size)

	raw := make([]byte, entrySize)
	for pos := int64(0); pos < size; pos += entrySize {
		if _, err := n.readContent(raw, pos); err != nil {
			return nil, err
		}

		var ino uint32
		if inoSize == 2 {
			ino = uint32(n.m.order.Uint16(raw[0:2]))
		} else {
			ino = n.m.order.Uint32(raw[0:4])
		}
		if ino == 0 {
			continue
		}

		rawName := raw[inoSize:]
		end := len(rawName)
		for end > 0 && rawName[end-1] == 0 {
			end--
		}
		candidate := string(rawName[:end])
		if candidate == name {
			child := &node{m: n.m, ino: ino}
			if err := child.ensureInode(); err != nil {
				return nil, err
			}
			return child, nil
		}
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

	inoSize := n.inoFieldSize()
	entrySize := int64(inoSize + n.m.filenameSize)
	size := int64(n.in.size)

	raw := make([]byte, entrySize)
	for pos := int64(0); pos < size; pos += entrySize {
		if _, err := n.readContent(raw, pos); err != nil {
			return err
		}

		var ino uint32
		if inoSize == 2 {
			ino = uint32(n.m.order.Uint16(raw[0:2]))
		} else {
			ino = n.m.order.Uint32(raw[0:4])
		}
		if ino == 0 {
			continue
		}

		rawName := raw[inoSize:]
		end := len(rawName)
		for end > 0 && rawName[end-1] == 0 {
			end--
		}
		name := string(rawName[:end])

		child := &node{m: n.m, ino: ino}
		if err := child.ensureInode(); err != nil {
			return err
		}
		if !visit(name, child.Info()) {
			return nil
		}
	}
	return nil
}
