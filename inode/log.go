package inode

import (
	"github.com/tchajed/goose/machine"
	"github.com/tchajed/marshal"

	"github.com/pmemfs/pmemfs/balloc"
	"github.com/pmemfs/pmemfs/common"
	"github.com/pmemfs/pmemfs/pm"
	"github.com/pmemfs/pmemfs/super"
	"github.com/pmemfs/pmemfs/util"
)

// The inode log is a chain of 4K pages, each holding 127 fixed 32-byte
// entries and a 32-byte tail whose last 8 bytes name the next page. The
// logical log is [log_head, log_tail); appends reserve a head position,
// build the entry in place, flush it, and only then publish the new tail
// with UpdateTail.

// WriteEntry is a view over one 32-byte FILE_WRITE log entry:
//
//	0  block (low byte carries the entry tag; blocks are 4K aligned)
//	8  pgoff
//	12 num_pages
//	16 invalid_pages
//	20 mtime
//	24 size
type WriteEntry struct {
	d   *pm.Device
	off uint64
}

func writeEntryAt(sb *super.Sb, off uint64) WriteEntry {
	return WriteEntry{d: sb.D, off: off}
}

// WriteEntryView exposes the entry view to the recovery scan.
func WriteEntryView(sb *super.Sb, off uint64) WriteEntry {
	return writeEntryAt(sb, off)
}

func (e WriteEntry) bytes() []byte { return e.d.Slice(e.off, common.LogEntrySize) }

func (e WriteEntry) Block() uint64        { return machine.UInt64Get(e.bytes()) }
func (e WriteEntry) BlockOff() uint64     { return common.BlockOff(e.Block()) }
func (e WriteEntry) Pgoff() uint64        { return uint64(machine.UInt32Get(e.bytes()[8:])) }
func (e WriteEntry) NumPages() uint64     { return uint64(machine.UInt32Get(e.bytes()[12:])) }
func (e WriteEntry) InvalidPages() uint64 { return uint64(machine.UInt32Get(e.bytes()[16:])) }
func (e WriteEntry) Mtime() uint32        { return machine.UInt32Get(e.bytes()[20:]) }
func (e WriteEntry) Size() uint64         { return machine.UInt64Get(e.bytes()[24:]) }

// IncInvalid garbage-marks one page of the entry's extent, saturating.
func (e WriteEntry) IncInvalid(sb *super.Sb) {
	n := machine.UInt32Get(e.bytes()[16:])
	if n >= common.MaxInvalid {
		return
	}
	sb.Gate.UnlockRange(e.off+16, 4)
	sb.D.Store32(e.off+16, n+1)
	sb.D.Flush(e.off+16, 4)
	sb.Gate.LockRange(e.off+16, 4)
}

// Dead reports whether every page of the extent has been superseded.
func (e WriteEntry) Dead() bool {
	return e.NumPages() == e.InvalidPages()
}

func nextLogPage(sb *super.Sb, p uint64) uint64 {
	return machine.UInt64Get(sb.D.Slice(common.PageTail(p)+24, 8))
}

func setNextPage(sb *super.Sb, pageOff uint64, next uint64, fence bool) {
	off := common.PageTail(pageOff) + 24
	sb.Gate.UnlockRange(off, 8)
	sb.D.Store64(off, next)
	sb.D.Flush(off, 8)
	sb.Gate.LockRange(off, 8)
	if fence {
		sb.D.Barrier()
	}
}

// isLastEntry decides whether an entry of the given size (optionally
// followed by an inlined cacheline-aligned inode record) still fits the
// page at position curr.
func isLastEntry(curr uint64, size uint64, newInode bool) bool {
	entryEnd := common.EntryLoc(curr) + size
	if !newInode || entryEnd > common.LastEntry {
		return entryEnd > common.LastEntry
	}
	inodeStart := entryEnd
	if entryEnd&(common.CachelineSize-1) != 0 {
		inodeStart = common.CacheAlign(entryEnd) + common.CachelineSize
	}
	return inodeStart+common.InodeSize > common.LastEntry
}

// NextLogPage follows the chain pointer of the page holding p.
func NextLogPage(sb *super.Sb, p uint64) uint64 {
	return nextLogPage(sb, p)
}

// IsLastEntry is the page-boundary test for variable-size entries,
// accounting for an inlined inode record when newInode is set.
func IsLastEntry(curr uint64, size uint64, newInode bool) bool {
	return isLastEntry(curr, size, newInode)
}

// IsLastDirEntry reports whether curr is past the last used position of
// its page: no room for even an empty-name record, or a zero name_len.
// Fixed-size attribute entries interleaved in the log can hold a zero at
// the name_len position (always for LINK_CHANGE, whenever the attr mask is
// zero for SET_ATTR), so the tag byte is consulted first.
func IsLastDirEntry(sb *super.Sb, curr uint64) bool {
	if common.EntryLoc(curr)+common.DirLogRecLen(0) > common.LastEntry {
		return true
	}
	e := sb.D.Slice(curr, 2)
	if e[0] == common.SetattrEntry || e[0] == common.LinkChangeEntry {
		return false
	}
	return e[1] == 0 // name_len
}

// AllocateLogPages allocates numPages log pages and chains them; the
// returned offset is the first page.
func AllocateLogPages(sb *super.Sb, pi *Inode, numPages uint64) (uint64, error) {
	blocknr, err := sb.Alloc.NewDataBlocks(numPages, common.Block4K, true)
	if err != nil {
		util.Error("no inode log page available")
		return 0, err
	}
	util.DPrintf(8, "alloc %d log blocks at %d", numPages, blocknr)

	first := sb.GetBlockOff(blocknr, common.Block4K)
	curr := first
	for i := uint64(0); i+1 < numPages; i++ {
		next := curr + common.MetaBlockSize
		setNextPage(sb, curr, next, false)
		curr = next
	}
	return first, nil
}

// UpdateTail publishes a new log tail: everything before it must already
// be durable, so fence first, then store and flush the tail pointer.
func UpdateTail(sb *super.Sb, pi *Inode, newTail uint64) {
	sb.D.Barrier()
	sb.Gate.UnlockInode(pi.Off)
	sb.D.Store64(pi.Off+offLogTail, newTail)
	sb.D.FlushFence(pi.Off+offLogTail, 8)
	sb.Gate.LockInode(pi.Off)
}

// currPageInvalid reports whether every entry of the page has been fully
// superseded.
func currPageInvalid(sb *super.Sb, pageOff uint64) bool {
	for i := 0; i < common.EntriesPerPage; i++ {
		e := writeEntryAt(sb, pageOff+uint64(i)*common.LogEntrySize)
		if !e.Dead() {
			return false
		}
	}
	return true
}

// freeCurrPage unlinks curr from the chain behind last and frees it.
func freeCurrPage(sb *super.Sb, pi *Inode, currOff uint64, lastOff uint64,
	hint *balloc.Hint) {
	setNextPage(sb, lastOff, nextLogPage(sb, currOff), true)
	sb.Alloc.FreeLogBlock(sb.GetBlocknr(currOff), common.Block4K, hint)
}

// logGarbageCollect runs after a tail extension of numPages was allocated
// at newBlock: dead pages between live ones are unlinked and freed, dead
// head pages are freed after log_head advances, the old tail page is
// linked to the extension, and head/tail/pages are published with one
// flush-and-fence.
//
// Callers hold the per-inode lock, which also serializes any reader
// holding a pointer into a page about to be unlinked.
func logGarbageCollect(sb *super.Sb, pi *Inode, newBlock uint64, numPages uint64) {
	var possibleHead uint64
	var lastOff uint64
	foundHead := false
	firstNeedFree := false
	freed := uint64(0)
	hint := new(balloc.Hint)

	tail := pi.LogTail()
	head := pi.LogHead()
	curr := pi.LogHead()
	for {
		if common.BlockOff(curr) == common.BlockOff(tail) {
			// Never recycle the tail page.
			if !foundHead {
				possibleHead = curr
			}
			break
		}
		next := nextLogPage(sb, curr)
		if currPageInvalid(sb, curr) {
			if curr == head {
				// Freed only after log_head moves past it.
				firstNeedFree = true
				lastOff = curr
			} else {
				util.DPrintf(8, "free log block %d", sb.GetBlocknr(curr))
				freeCurrPage(sb, pi, curr, lastOff, hint)
			}
			freed++
		} else {
			if !foundHead {
				possibleHead = curr
				foundHead = true
			}
			lastOff = curr
		}
		curr = next
		if curr == 0 {
			break
		}
	}

	setNextPage(sb, common.BlockOff(tail), newBlock, true)

	oldHead := head
	sb.Gate.UnlockInode(pi.Off)
	pi.SetLogHead(possibleHead)
	pi.SetLogTail(newBlock)
	pi.SetLogPages(pi.LogPages() + uint32(numPages) - uint32(freed))
	sb.D.FlushFence(pi.Off+offLogHead, common.CachelineSize)
	sb.Gate.LockInode(pi.Off)

	if firstNeedFree {
		util.DPrintf(8, "free log head block %d", sb.GetBlocknr(oldHead))
		sb.Alloc.FreeLogBlock(sb.GetBlocknr(oldHead), common.Block4K, hint)
	}
}

// extendLog grows a directory log: link the extension behind the old tail
// page without garbage collection (directory entries have no
// supersession counter).
func extendLog(sb *super.Sb, pi *Inode, tail uint64, newBlock uint64, numPages uint64) {
	setNextPage(sb, common.BlockOff(tail), newBlock, true)
	sb.Gate.UnlockInode(pi.Off)
	pi.SetLogPages(pi.LogPages() + uint32(numPages))
	sb.D.FlushFence(pi.Off+offLogPages, 4)
	sb.Gate.LockInode(pi.Off)
}

// GetAppendHead reserves the position for an entry of the given size,
// seeding an empty log or growing a full one (file logs garbage-collect
// while growing).
func GetAppendHead(sb *super.Sb, pi *Inode, tail uint64, size uint64,
	newInode bool, isFile bool) (uint64, error) {
	curr := tail
	if curr == 0 || (isLastEntry(curr, size, newInode) && nextLogPage(sb, curr) == 0) {
		if curr == 0 {
			newBlock, err := AllocateLogPages(sb, pi, 1)
			if err != nil {
				return 0, err
			}
			sb.Gate.UnlockInode(pi.Off)
			pi.SetLogHead(newBlock)
			pi.SetLogTail(newBlock)
			pi.SetLogPages(1)
			sb.D.FlushFence(pi.Off+offLogHead, common.CachelineSize)
			sb.Gate.LockInode(pi.Off)
			curr = newBlock
		} else {
			numPages := util.Min(uint64(pi.LogPages()), 256)
			newBlock, err := AllocateLogPages(sb, pi, numPages)
			if err != nil {
				return 0, err
			}
			util.DPrintf(8, "link block %d to block %d",
				sb.GetBlocknr(curr), sb.GetBlocknr(newBlock))
			if isFile {
				logGarbageCollect(sb, pi, newBlock, numPages)
			} else {
				extendLog(sb, pi, curr, newBlock, numPages)
			}
			curr = newBlock
		}
	}
	if isLastEntry(curr, size, newInode) {
		curr = nextLogPage(sb, curr)
	}
	return curr, nil
}

// AppendFileWriteEntry logs a write of numBlocks 4K pages at file page
// startBlk stored at block blocknr, and returns the entry's PM offset. The
// caller publishes it with AssignBlocks and UpdateTail.
func AppendFileWriteEntry(sb *super.Sb, pi *Inode, blocknr common.Bnum,
	startBlk uint64, numBlocks uint64, size uint64, mtime uint32) (uint64, error) {
	curr, err := GetAppendHead(sb, pi, pi.LogTail(), common.LogEntrySize, false, true)
	if err != nil {
		return 0, err
	}

	block := sb.GetBlockOff(blocknr, common.Block4K)
	enc := marshal.NewEnc(common.LogEntrySize)
	enc.PutInt(block | uint64(common.FileWriteEntry))
	enc.PutInt32(uint32(startBlk))
	enc.PutInt32(uint32(numBlocks))
	enc.PutInt32(0) // invalid_pages
	enc.PutInt32(mtime)
	enc.PutInt(size)
	sb.Gate.UnlockRange(curr, common.LogEntrySize)
	copy(sb.D.Slice(curr, common.LogEntrySize), enc.Finish())
	sb.D.FlushFence(curr, common.LogEntrySize)
	sb.Gate.LockRange(curr, common.LogEntrySize)

	util.DPrintf(8, "entry @ %x: pgoff %d, num %d, block %d",
		curr, startBlk, numBlocks, blocknr)
	return curr, nil
}

// FreeInodeLog walks the chain and returns every page to the allocator.
func FreeInodeLog(sb *super.Sb, pi *Inode) {
	if pi.LogHead() == 0 || pi.LogTail() == 0 {
		return
	}
	hint := new(balloc.Hint)
	curr := pi.LogHead()
	for curr != 0 {
		next := nextLogPage(sb, curr)
		util.DPrintf(8, "free log page %x", curr)
		sb.Alloc.FreeLogBlock(sb.GetBlocknr(curr), common.Block4K, hint)
		curr = next
	}
	sb.Gate.UnlockInode(pi.Off)
	pi.SetLogHead(0)
	pi.SetLogTail(0)
	pi.SetLogPages(0)
	sb.D.Flush(pi.Off+offLogHead, common.CachelineSize)
	sb.Gate.LockInode(pi.Off)
}

// RebuildFileTree regenerates a file inode's radix tree from the live log
// entries at mount time.
func RebuildFileTree(sb *super.Sb, pi *Inode, hdr *Header) error {
	util.DPrintf(5, "rebuild inode %d tree", hdr.Ino)
	setRootHeight(sb, pi, hdr, 0, 0)

	curr := pi.LogHead()
	tail := pi.LogTail()
	for curr != tail {
		if curr == 0 {
			util.Error("file log is NULL during rebuild")
			panic("rebuild: broken log chain")
		}
		e := writeEntryAt(sb, curr)
		if !e.Dead() {
			if err := AssignBlocks(nil, sb, pi, hdr, e.Pgoff(), e.NumPages(), curr); err != nil {
				return err
			}
		}
		curr += common.LogEntrySize
		if common.EntryLoc(curr) == common.LastEntry {
			curr = nextLogPage(sb, curr)
		}
	}
	return nil
}
