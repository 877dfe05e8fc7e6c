package fs

import (
	"github.com/jmason/grubcore/fs/common/blockptrcache"
)

// BlockReader reads one physical block, given its on-disk block number, into
// a buffer exactly BlockSize long.
type BlockReader interface {
	BlockSize() uint
	ReadBlock(blockNumber uint64, buf []byte) error
}

// StreamBlocks implements the common block-mapped read loop shared by AFFS,
// MINIX, and UFS (SFS reads through its own extent loop): given a file's size
// and block-pointer cache, it reads
// size bytes starting at offset, resolving one logical block at a time and
// copying the overlapping slice into buf. Sparse holes are zero-filled
// without calling ReadBlock.
func StreamBlocks(br BlockReader, cache *blockptrcache.Cache, offset int64, buf []byte) (int, error) {
	blockSize := uint64(br.BlockSize())
	total := 0
	remaining := len(buf)
	pos := uint64(offset)

	scratch := make([]byte, blockSize)

	for remaining > 0 {
		logicalBlock := pos / blockSize
		inBlockOffset := pos % blockSize

		physBlock, hole, err := cache.Get(logicalBlock)
		if err != nil {
			return total, err
		}

		n := int(blockSize - inBlockOffset)
		if n > remaining {
			n = remaining
		}

		if hole {
			for i := 0; i < n; i++ {
				buf[total+i] = 0
			}
		} else {
			if err := br.ReadBlock(physBlock, scratch); err != nil {
				return total, err
			}
			copy(buf[total:total+n], scratch[inBlockOffset:uint64(inBlockOffset)+uint64(n)])
		}

		total += n
		pos += uint64(n)
		remaining -= n
	}

	return total, nil
}
