// Package inode implements the per-inode persistent structures: the radix
// block tree, the operation log, the inode table, the truncate list and
// the lifecycle operations that combine them.
package inode

import (
	"sync/atomic"

	"github.com/tchajed/goose/machine"

	"github.com/pmemfs/pmemfs/common"
	"github.com/pmemfs/pmemfs/pm"
	"github.com/pmemfs/pmemfs/super"
)

// File mode bits (the subset the core interprets).
const (
	ModeFmt  uint16 = 0xF000
	ModeReg  uint16 = 0x8000
	ModeDir  uint16 = 0x4000
	ModeLink uint16 = 0xA000
)

// Setattr field mask.
const (
	AttrMode uint32 = 1 << iota
	AttrUid
	AttrGid
	AttrSize
	AttrAtime
	AttrMtime
	AttrCtime
)

// On-PM inode field offsets. The first 16 bytes hold {height, blk_type,
// flags, root} so the root/height pair shares one cacheline window; see
// Header for how the pair is published.
const (
	offReserved     = 0
	offHeight       = 2
	offBlkType      = 3
	offFlags        = 4
	offRoot         = 8
	offSize         = 16
	offCtime        = 24
	offMtime        = 28
	offDtime        = 32
	offMode         = 36
	offLinks        = 38
	offBlocks       = 40
	offXattr        = 48
	offUid          = 56
	offGid          = 60
	offGeneration   = 64
	offAtime        = 68
	offRdev         = 72
	offLogHead      = 80
	offLogTail      = 88
	offLogPages     = 96
	offTruncateNext = 104
	offTruncateSize = 112
)

// Inode is a view over one 128-byte PM inode record.
type Inode struct {
	d   *pm.Device
	Off uint64
}

func At(sb *super.Sb, off uint64) *Inode {
	return &Inode{d: sb.D, Off: off}
}

func (pi *Inode) bytes() []byte {
	return pi.d.Slice(pi.Off, common.InodeSize)
}

func (pi *Inode) Height() uint8 { return pi.bytes()[offHeight] }
func (pi *Inode) BlkType() common.BlockType {
	return common.BlockType(pi.bytes()[offBlkType])
}
func (pi *Inode) Flags() uint32      { return machine.UInt32Get(pi.bytes()[offFlags:]) }
func (pi *Inode) Root() uint64       { return machine.UInt64Get(pi.bytes()[offRoot:]) }
func (pi *Inode) Size() uint64       { return machine.UInt64Get(pi.bytes()[offSize:]) }
func (pi *Inode) Ctime() uint32      { return machine.UInt32Get(pi.bytes()[offCtime:]) }
func (pi *Inode) Mtime() uint32      { return machine.UInt32Get(pi.bytes()[offMtime:]) }
func (pi *Inode) Dtime() uint32      { return machine.UInt32Get(pi.bytes()[offDtime:]) }
func (pi *Inode) Mode() uint16       { return pm.U16Get(pi.bytes()[offMode:]) }
func (pi *Inode) LinksCount() uint16 { return pm.U16Get(pi.bytes()[offLinks:]) }
func (pi *Inode) Blocks() uint64     { return machine.UInt64Get(pi.bytes()[offBlocks:]) }
func (pi *Inode) Xattr() uint64      { return machine.UInt64Get(pi.bytes()[offXattr:]) }
func (pi *Inode) Uid() uint32        { return machine.UInt32Get(pi.bytes()[offUid:]) }
func (pi *Inode) Gid() uint32        { return machine.UInt32Get(pi.bytes()[offGid:]) }
func (pi *Inode) Generation() uint32 { return machine.UInt32Get(pi.bytes()[offGeneration:]) }
func (pi *Inode) Atime() uint32      { return machine.UInt32Get(pi.bytes()[offAtime:]) }
func (pi *Inode) Rdev() uint32       { return machine.UInt32Get(pi.bytes()[offRdev:]) }
func (pi *Inode) LogHead() uint64    { return machine.UInt64Get(pi.bytes()[offLogHead:]) }
func (pi *Inode) LogTail() uint64    { return machine.UInt64Get(pi.bytes()[offLogTail:]) }
func (pi *Inode) LogPages() uint32   { return machine.UInt32Get(pi.bytes()[offLogPages:]) }
func (pi *Inode) TruncateNext() uint64 {
	return machine.UInt64Get(pi.bytes()[offTruncateNext:])
}
func (pi *Inode) TruncateSize() uint64 {
	return machine.UInt64Get(pi.bytes()[offTruncateSize:])
}

// Setters store in place; callers hold the protection gate open around them
// and flush the touched cachelines.
func (pi *Inode) SetHeight(h uint8)              { pi.bytes()[offHeight] = h }
func (pi *Inode) SetBlkType(bt common.BlockType) { pi.bytes()[offBlkType] = uint8(bt) }
func (pi *Inode) SetFlags(v uint32)              { machine.UInt32Put(pi.bytes()[offFlags:], v) }
func (pi *Inode) SetRoot(v uint64)               { machine.UInt64Put(pi.bytes()[offRoot:], v) }
func (pi *Inode) SetSize(v uint64)               { machine.UInt64Put(pi.bytes()[offSize:], v) }
func (pi *Inode) SetCtime(v uint32)              { machine.UInt32Put(pi.bytes()[offCtime:], v) }
func (pi *Inode) SetMtime(v uint32)              { machine.UInt32Put(pi.bytes()[offMtime:], v) }
func (pi *Inode) SetDtime(v uint32)              { machine.UInt32Put(pi.bytes()[offDtime:], v) }
func (pi *Inode) SetMode(v uint16)               { pm.U16Put(pi.bytes()[offMode:], v) }
func (pi *Inode) SetLinksCount(v uint16)         { pm.U16Put(pi.bytes()[offLinks:], v) }
func (pi *Inode) SetBlocks(v uint64)             { machine.UInt64Put(pi.bytes()[offBlocks:], v) }
func (pi *Inode) SetXattr(v uint64)              { machine.UInt64Put(pi.bytes()[offXattr:], v) }
func (pi *Inode) SetUid(v uint32)                { machine.UInt32Put(pi.bytes()[offUid:], v) }
func (pi *Inode) SetGid(v uint32)                { machine.UInt32Put(pi.bytes()[offGid:], v) }
func (pi *Inode) SetGeneration(v uint32)         { machine.UInt32Put(pi.bytes()[offGeneration:], v) }
func (pi *Inode) SetAtime(v uint32)              { machine.UInt32Put(pi.bytes()[offAtime:], v) }
func (pi *Inode) SetRdev(v uint32)               { machine.UInt32Put(pi.bytes()[offRdev:], v) }
func (pi *Inode) SetLogHead(v uint64)            { machine.UInt64Put(pi.bytes()[offLogHead:], v) }
func (pi *Inode) SetLogTail(v uint64)            { machine.UInt64Put(pi.bytes()[offLogTail:], v) }
func (pi *Inode) SetLogPages(v uint32)           { machine.UInt32Put(pi.bytes()[offLogPages:], v) }
func (pi *Inode) SetTruncateNext(v uint64) {
	machine.UInt64Put(pi.bytes()[offTruncateNext:], v)
}
func (pi *Inode) SetTruncateSize(v uint64) {
	machine.UInt64Put(pi.bytes()[offTruncateSize:], v)
}

func (pi *Inode) AddBlocks(n int64) {
	pi.SetBlocks(uint64(int64(pi.Blocks()) + n))
}

func (pi *Inode) IsReg() bool  { return pi.Mode()&ModeFmt == ModeReg }
func (pi *Inode) IsDir() bool  { return pi.Mode()&ModeFmt == ModeDir }
func (pi *Inode) IsLink() bool { return pi.Mode()&ModeFmt == ModeLink }

// Active reports whether the slot holds a live inode; a slot is free iff
// links_count == 0 and (mode == 0 or dtime != 0).
func (pi *Inode) Active() bool {
	return !(pi.LinksCount() == 0 && (pi.Mode() == 0 || pi.Dtime() != 0))
}

func (pi *Inode) BlkShift() uint  { return pi.BlkType().Shift() }
func (pi *Inode) BlkSize() uint64 { return pi.BlkType().Size() }

// Flush writes back the inode's first cacheline (the commonly mutated
// fields all live there or are flushed separately by their call sites).
func (pi *Inode) Flush(sb *super.Sb) {
	sb.D.Flush(pi.Off, common.CachelineSize)
}

func (pi *Inode) FlushAll(sb *super.Sb) {
	sb.D.Flush(pi.Off, common.InodeSize)
}

// Header is the in-DRAM companion of a PM inode. Its seqlock stands in for
// the 16-byte atomic update of the {root, height} pair during height
// changes: writers (who already hold the per-inode lock) bump seq to odd,
// store both fields, flush the shared window once, and bump back to even;
// lock-free readers retry while seq is odd or moved.
type Header struct {
	Ino   common.Ino
	PiOff uint64
	seq   uint32
}

func NewHeader(ino common.Ino, piOff uint64) *Header {
	return &Header{Ino: ino, PiOff: piOff}
}

// ReadRootHeight takes a consistent snapshot of the pair.
func (h *Header) ReadRootHeight(pi *Inode) (uint64, uint8) {
	for {
		s1 := atomic.LoadUint32(&h.seq)
		if s1&1 != 0 {
			continue
		}
		root := pi.Root()
		height := pi.Height()
		if atomic.LoadUint32(&h.seq) == s1 {
			return root, height
		}
	}
}

// WriteRootHeight publishes a new pair. Caller holds the per-inode lock
// and the protection gate for the inode.
func (h *Header) WriteRootHeight(sb *super.Sb, pi *Inode, root uint64, height uint8) {
	atomic.AddUint32(&h.seq, 1)
	pi.SetRoot(root)
	pi.SetHeight(height)
	sb.D.Flush(pi.Off, 16)
	atomic.AddUint32(&h.seq, 1)
}

// MaskFlags drops flag bits that are inappropriate for the mode of a new
// inode inheriting flags from its parent directory.
func MaskFlags(mode uint16, flags uint32) uint32 {
	if mode&ModeFmt == ModeDir {
		return flags
	}
	// Regular files and specials never carry the EOFBLOCKS marker over.
	return flags &^ common.EofBlocksFl
}

// CheckEofBlocks clears the EOFBLOCKS flag once i_size again covers every
// allocated block.
func CheckEofBlocks(sb *super.Sb, pi *Inode, size uint64) {
	if pi.Flags()&common.EofBlocksFl != 0 &&
		size+common.MetaBlockSize > pi.Blocks()<<common.MetaBlockBits {
		pi.SetFlags(pi.Flags() &^ common.EofBlocksFl)
	}
}
