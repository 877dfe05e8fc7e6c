// Package blockptrcache caches the resolved logical-block-index -> physical-
// block-number mapping of one open file, so repeatedly reading through a long
// indirect-block chain (UFS triple indirection, MINIX double/triple
// indirection) doesn't re-walk it from the inode every time. It never caches
// block content, only the pointer, matching spec.md §4.7.1.
//
// Adapted from the source material's per-object block cache, which tracks a
// "loaded" bitmap alongside a flat backing array; here the backing array
// holds resolved pointers instead of block bytes, and there's no dirty
// tracking or flush since pointers are never written back.
package blockptrcache

import (
	"github.com/boljen/go-bitmap"
)

// ResolveFunc computes the physical block number holding logical block index.
// A return of (0, true, nil) means the block is a hole (sparse file).
type ResolveFunc func(index uint64) (block uint64, hole bool, err error)

// Cache lazily resolves and remembers block pointers for one file, up to
// totalBlocks entries.
type Cache struct {
	resolved    bitmap.Bitmap
	holes       bitmap.Bitmap
	pointers    []uint64
	totalBlocks uint64
	resolve     ResolveFunc
}

// New creates a cache for a file with totalBlocks logical blocks, backed by
// resolve for cache misses.
func New(totalBlocks uint64, resolve ResolveFunc) *Cache {
	return &Cache{
		resolved:    bitmap.NewSlice(int(totalBlocks)),
		holes:       bitmap.NewSlice(int(totalBlocks)),
		pointers:    make([]uint64, totalBlocks),
		totalBlocks: totalBlocks,
		resolve:     resolve,
	}
}

// Get returns the physical block number for logical block index, resolving
// and caching it on first access. hole is true if index falls in a sparse
// gap, in which case block is meaningless and the caller should treat the
// block as all zero bytes.
func (c *Cache) Get(index uint64) (block uint64, hole bool, err error) {
	if index >= c.totalBlocks {
		return 0, false, nil
	}

	if c.resolved.Get(int(index)) {
		return c.pointers[index], c.holes.Get(int(index)), nil
	}

	block, hole, err = c.resolve(index)
	if err != nil {
		return 0, false, err
	}

	c.pointers[index] = block
	c.resolved.Set(int(index), true)
	c.holes.Set(int(index), hole)
	return block, hole, nil
}
