// Package super holds the on-PM super block layout and the in-DRAM Sb
// record that every core operation receives explicitly.
//
// PM layout: the primary super block sits at offset 0 with a redundant
// copy at SbSize. The basic inodes (root directory, blocknode, inode
// table) start at 2*SbSize, InodeSize apart. Block 0 is never handed to
// the allocator; the journal area occupies the blocks recorded in the
// super block.
package super

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/tchajed/goose/machine"

	"github.com/pmemfs/pmemfs/balloc"
	"github.com/pmemfs/pmemfs/common"
	"github.com/pmemfs/pmemfs/journal"
	"github.com/pmemfs/pmemfs/lockmap"
	"github.com/pmemfs/pmemfs/pm"
	"github.com/pmemfs/pmemfs/wprotect"
)

const (
	SbSize = 512

	Magic   = 0x53464d50 // "PMFS"
	Version = 1

	BasicInodeStart = 2 * SbSize

	// Journal area: blocks 1..JournalBlocks, directly after the block
	// holding the super block and basic inodes.
	JournalBase   = 1 << common.MetaBlockBits
	JournalBlocks = 4
	JournalSize   = JournalBlocks << common.MetaBlockBits

	// First block the allocator may hand out.
	ReservedBlocks = 1 + JournalBlocks
)

// Super block field offsets.
const (
	sbMagic        = 0
	sbVersion      = 4
	sbSizeField    = 8
	sbBlocksize    = 16
	sbJournalBase  = 24
	sbJournalSize  = 32
	sbTruncateHead = 40
)

type Options struct {
	NumInodes uint64
	Uid       uint32
	Gid       uint32
	Mode      uint16
}

// Sb is the per-super-block state threaded through every core operation;
// nothing in the core lives in process globals.
type Sb struct {
	D     *pm.Device
	Gate  *wprotect.Gate
	Alloc *balloc.Allocator
	Jrnl  *journal.Journal
	Locks *lockmap.LockMap

	Initsize uint64
	Opts     Options

	// Inode table bookkeeping, all under InodeTableMux.
	InodeTableMux   sync.Mutex
	InodesCount     uint64
	FreeInodesCount uint64
	FreeInodeHint   uint64
	MaxInode        uint64

	// Guards the PM truncate list and its DRAM mirror.
	TruncateMux  sync.Mutex
	TruncateInos []common.Ino // mirror, index 0 == PM head

	nextGeneration uint32
}

func NewSb(d *pm.Device, opts Options) *Sb {
	return &Sb{
		D:        d,
		Gate:     wprotect.NewGate(d, false),
		Alloc:    balloc.New(d, ReservedBlocks),
		Jrnl:     journal.New(d, JournalBase, JournalSize),
		Locks:    lockmap.New(),
		Initsize: d.Size(),
		Opts:     opts,
	}
}

func (sb *Sb) NextGeneration() uint32 {
	return atomic.AddUint32(&sb.nextGeneration, 1)
}

// GetBlockOff converts a block number to the PM offset of its first byte.
func (sb *Sb) GetBlockOff(blocknr common.Bnum, bt common.BlockType) uint64 {
	return blocknr << common.MetaBlockBits
}

// GetBlocknr converts a PM offset back to its 4K block number.
func (sb *Sb) GetBlocknr(off uint64) common.Bnum {
	return off >> common.MetaBlockBits
}

// BasicInodeOff is the PM offset of basic inode ino (1-based).
func (sb *Sb) BasicInodeOff(ino common.Ino) uint64 {
	if ino == 0 || ino >= common.NormalInoStart {
		panic(fmt.Sprintf("super: not a basic inode: %d", ino))
	}
	return BasicInodeStart + (ino-1)*common.InodeSize
}

// WriteSuper formats the primary super block and its redundant copy.
func (sb *Sb) WriteSuper() {
	sb.Gate.UnlockSuper()
	for _, base := range []uint64{0, SbSize} {
		s := sb.D.Slice(base, SbSize)
		machine.UInt32Put(s[sbMagic:], Magic)
		machine.UInt32Put(s[sbVersion:], Version)
		machine.UInt64Put(s[sbSizeField:], sb.Initsize)
		machine.UInt32Put(s[sbBlocksize:], common.MetaBlockSize)
		machine.UInt64Put(s[sbJournalBase:], JournalBase)
		machine.UInt64Put(s[sbJournalSize:], JournalSize)
		machine.UInt64Put(s[sbTruncateHead:], 0)
		sb.D.Flush(base, SbSize)
	}
	sb.Gate.LockSuper()
	sb.D.Barrier()
}

// CheckSuper checks the primary super block's magic; when it is bad and the
// redundant copy's magic is good, the copy is written over the primary.
// The (possibly restored) primary's version is then checked.
func (sb *Sb) CheckSuper() error {
	s := sb.D.Slice(0, SbSize)
	if machine.UInt32Get(s[sbMagic:]) != Magic {
		r := sb.D.Slice(SbSize, SbSize)
		if machine.UInt32Get(r[sbMagic:]) != Magic {
			return fmt.Errorf("super: bad magic: %w", common.ErrCorrupt)
		}
		// Primary is torn; the redundant copy is authoritative.
		sb.Gate.UnlockSuper()
		copy(s, r)
		sb.D.FlushFence(0, SbSize)
		sb.Gate.LockSuper()
	}
	if machine.UInt32Get(s[sbVersion:]) != Version {
		return fmt.Errorf("super: version %d: %w",
			machine.UInt32Get(s[sbVersion:]), common.ErrCorrupt)
	}
	return nil
}

// TruncateHead reads the ino at the head of the PM truncate list.
func (sb *Sb) TruncateHead() common.Ino {
	return machine.UInt64Get(sb.D.Slice(sbTruncateHead, 8))
}

// SetTruncateHead publishes a new truncate-list head with an atomic store
// and flush. Callers order the item write before this with a barrier.
func (sb *Sb) SetTruncateHead(ino common.Ino) {
	sb.Gate.UnlockRange(sbTruncateHead, 8)
	sb.D.Store64(sbTruncateHead, ino)
	sb.D.Flush(sbTruncateHead, 8)
	sb.Gate.LockRange(sbTruncateHead, 8)
}
