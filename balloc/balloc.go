// Package balloc allocates and frees PM blocks. It is the facade the core
// consumes: data blocks of any recognized block type, 4K meta blocks for
// radix nodes, and log pages. Allocation state is a DRAM bitmap over 4K
// pages with a next-fit hint; one bit per page, rebuilt at mount by the
// recovery scan.
package balloc

import (
	"sync"

	"github.com/pmemfs/pmemfs/common"
	"github.com/pmemfs/pmemfs/pm"
	"github.com/pmemfs/pmemfs/util"
)

// Hint is an opaque sticky pointer shared by the frees of one teardown
// pass. It records the last block freed through it; the allocator does not
// read it back, so it does not change how a free is carried out.
type Hint struct {
	last common.Bnum
}

type Allocator struct {
	lock  *sync.Mutex
	d     *pm.Device
	count uint64 // total 4K pages in the window
	bits  []uint64
	next  uint64 // next page to try
	free  uint64
}

// New creates an allocator over a device of count 4K pages; pages below
// reserved are marked used (super block, basic inodes, journal area).
func New(d *pm.Device, reserved uint64) *Allocator {
	count := d.Size() >> common.MetaBlockBits
	a := &Allocator{
		lock:  new(sync.Mutex),
		d:     d,
		count: count,
		bits:  make([]uint64, (count+63)/64),
		next:  reserved,
		free:  count,
	}
	for b := uint64(0); b < reserved; b++ {
		a.setBit(b)
		a.free--
	}
	return a
}

func (a *Allocator) testBit(b uint64) bool {
	return a.bits[b/64]&(1<<(b%64)) != 0
}

func (a *Allocator) setBit(b uint64) {
	a.bits[b/64] |= 1 << (b % 64)
}

func (a *Allocator) clearBit(b uint64) {
	a.bits[b/64] &^= 1 << (b % 64)
}

// rangeFree reports whether pages [b, b+n) are all unallocated.
func (a *Allocator) rangeFree(b uint64, n uint64) bool {
	if b+n > a.count {
		return false
	}
	for i := uint64(0); i < n; i++ {
		if a.testBit(b + i) {
			return false
		}
	}
	return true
}

// allocRange finds n contiguous pages aligned to align, starting the scan
// at the hint and wrapping once.
func (a *Allocator) allocRange(n uint64, align uint64) (common.Bnum, error) {
	if n == 0 || n > a.count {
		return 0, common.ErrNoSpace
	}
	start := (a.next + align - 1) &^ (align - 1)
	if start+n > a.count {
		start = 0
	}
	b := start
	wrapped := false
	for {
		if a.rangeFree(b, n) {
			for i := uint64(0); i < n; i++ {
				a.setBit(b + i)
			}
			a.free -= n
			a.next = b + n
			return b, nil
		}
		b += align
		if b+n > a.count {
			if wrapped {
				return 0, common.ErrNoSpace
			}
			wrapped = true
			b = 0
		}
		if wrapped && b >= start {
			return 0, common.ErrNoSpace
		}
	}
}

// NewDataBlocks allocates num contiguous blocks of type bt and returns the
// 4K page number of the first. The range is zeroed when zero is set.
func (a *Allocator) NewDataBlocks(num uint64, bt common.BlockType, zero bool) (common.Bnum, error) {
	pages := bt.NumPages()
	a.lock.Lock()
	b, err := a.allocRange(num*pages, pages)
	a.lock.Unlock()
	if err != nil {
		util.DPrintf(5, "balloc: no data blocks (%d x %v)", num, bt)
		return 0, err
	}
	if zero {
		a.d.MemsetNT(b<<common.MetaBlockBits, num*pages<<common.MetaBlockBits)
	}
	return b, nil
}

// NewMetaBlocks allocates num contiguous 4K meta blocks.
func (a *Allocator) NewMetaBlocks(num uint64, zero bool) (common.Bnum, error) {
	return a.NewDataBlocks(num, common.Block4K, zero)
}

func (a *Allocator) freeRange(b uint64, n uint64) {
	for i := uint64(0); i < n; i++ {
		if !a.testBit(b + i) {
			panic("balloc: double free")
		}
		a.clearBit(b + i)
	}
	a.free += n
}

func (a *Allocator) FreeDataBlock(blocknr common.Bnum, bt common.BlockType) {
	a.lock.Lock()
	a.freeRange(blocknr, bt.NumPages())
	a.lock.Unlock()
}

func (a *Allocator) FreeMetaBlock(blocknr common.Bnum) {
	a.FreeDataBlock(blocknr, common.Block4K)
}

// FreeLogBlock frees a log page and, when hint is non-nil, records the page
// in it.
func (a *Allocator) FreeLogBlock(blocknr common.Bnum, bt common.BlockType, hint *Hint) {
	a.lock.Lock()
	a.freeRange(blocknr, bt.NumPages())
	if hint != nil {
		hint.last = blocknr
	}
	a.lock.Unlock()
}

// MarkUsed records pages [blocknr, blocknr+n) as allocated; the mount-time
// scan uses it to rebuild the bitmap from the inode trees and logs.
func (a *Allocator) MarkUsed(blocknr common.Bnum, n uint64) {
	a.lock.Lock()
	for i := uint64(0); i < n; i++ {
		if !a.testBit(blocknr + i) {
			a.setBit(blocknr + i)
			a.free--
		}
	}
	a.lock.Unlock()
}

func (a *Allocator) IsAllocated(blocknr common.Bnum) bool {
	a.lock.Lock()
	ok := a.testBit(blocknr)
	a.lock.Unlock()
	return ok
}

// FreeCount reports the number of unallocated 4K pages.
func (a *Allocator) FreeCount() uint64 {
	a.lock.Lock()
	n := a.free
	a.lock.Unlock()
	return n
}
