package inode

import (
	"github.com/pmemfs/pmemfs/common"
	"github.com/pmemfs/pmemfs/super"
	"github.com/pmemfs/pmemfs/util"
)

// The truncate list makes multi-block reclamation crash-safe: an inode is
// linked onto the PM list before its blocks start going back to the
// allocator, and unlinked only after the freeing is persistent. Mount
// walks the list and completes whatever a crash interrupted.
//
// The list is rooted in the super block and threaded through each inode's
// truncate_item {next, truncate_size}; a DRAM mirror in sb gives
// TruncateDel its predecessor without walking PM.

func truncateListed(sb *super.Sb, ino common.Ino) bool {
	for _, t := range sb.TruncateInos {
		if t == ino {
			return true
		}
	}
	return false
}

// TruncateAdd links ino at the head of the truncate list: item first
// (flush, fence), then the head pointer. The final barrier is skipped
// inside a journal transaction since commit will issue one.
func TruncateAdd(sb *super.Sb, ino common.Ino, pi *Inode, truncateSize uint64) {
	sb.TruncateMux.Lock()
	defer sb.TruncateMux.Unlock()
	if truncateListed(sb, ino) {
		return
	}

	sb.Gate.UnlockRange(pi.Off+offTruncateNext, 16)
	pi.SetTruncateNext(sb.TruncateHead())
	pi.SetTruncateSize(truncateSize)
	sb.D.Flush(pi.Off+offTruncateNext, 16)
	sb.Gate.LockRange(pi.Off+offTruncateNext, 16)
	sb.D.Barrier()

	sb.SetTruncateHead(ino)
	if !sb.Jrnl.InTransaction() {
		sb.D.Barrier()
	}
	sb.TruncateInos = append([]common.Ino{ino}, sb.TruncateInos...)
}

// TruncateDel unlinks ino: its predecessor's next pointer skips it. Only
// published after the caller's freeing work is persistent.
func TruncateDel(sb *super.Sb, ino common.Ino, pi *Inode) {
	sb.TruncateMux.Lock()
	defer sb.TruncateMux.Unlock()
	idx := -1
	for i, t := range sb.TruncateInos {
		if t == ino {
			idx = i
			break
		}
	}
	if idx == -1 {
		return
	}
	sb.D.Barrier()

	next := pi.TruncateNext()
	if idx == 0 {
		sb.SetTruncateHead(next)
	} else {
		prevIno := sb.TruncateInos[idx-1]
		prevOff, err := GetInodeOff(sb, prevIno)
		if err != nil {
			panic("truncate list: predecessor vanished")
		}
		prev := At(sb, prevOff)
		sb.Gate.UnlockRange(prevOff+offTruncateNext, 8)
		prev.SetTruncateNext(next)
		sb.D.Flush(prevOff+offTruncateNext, 8)
		sb.Gate.LockRange(prevOff+offTruncateNext, 8)
	}
	sb.D.Barrier()
	sb.TruncateInos = append(sb.TruncateInos[:idx], sb.TruncateInos[idx+1:]...)
}

// blockTruncatePage zeroes the spill of the 4K page straddling newsize so
// stale bytes never resurface if the file grows again.
func blockTruncatePage(sb *super.Sb, pi *Inode, hdr *Header, newsize uint64) {
	offset := newsize & (common.MetaBlockSize - 1)
	if offset == 0 || newsize > pi.Size() {
		return
	}
	length := common.MetaBlockSize - offset
	blocknr := newsize >> common.MetaBlockBits

	var blockOff uint64
	if pi.IsReg() {
		blockOff = ResolveFileBlock(sb, pi, hdr, blocknr)
	} else {
		blockOff = FindDataBlock(sb, pi, hdr, blocknr)
	}
	if blockOff == 0 {
		return
	}
	sb.Gate.UnlockRange(blockOff+offset, length)
	sb.D.MemsetNT(blockOff+offset, length)
	sb.Gate.LockRange(blockOff+offset, length)
	sb.D.Flush(blockOff+offset, length)
}

// truncateBlocks frees the data range [start, end) and lowers the tree.
// With mounting set, i_blocks is recounted from the tree instead of trusted.
func truncateBlocks(sb *super.Sb, pi *Inode, hdr *Header, start uint64, end uint64,
	mounting bool) {
	now := now32()

	if pi.Root() == 0 {
		sb.Gate.UnlockInode(pi.Off)
		pi.SetMtime(now)
		pi.SetCtime(now)
		pi.Flush(sb)
		sb.Gate.LockInode(pi.Off)
		return
	}

	dataBits := pi.BlkShift()
	firstBlocknr := (start + pi.BlkSize() - 1) >> dataBits

	var lastBlocknr uint64
	if pi.Flags()&common.EofBlocksFl != 0 {
		lastBlocknr = maxIndex(pi.Height()) - 1
	} else {
		if end == 0 {
			sb.Gate.UnlockInode(pi.Off)
			pi.SetMtime(now)
			pi.SetCtime(now)
			pi.Flush(sb)
			sb.Gate.LockInode(pi.Off)
			return
		}
		lastBlocknr = sparseLastBlocknr(pi.Height(), (end-1)>>dataBits)
	}

	if firstBlocknr > lastBlocknr {
		sb.Gate.UnlockInode(pi.Off)
		pi.SetMtime(now)
		pi.SetCtime(now)
		pi.Flush(sb)
		sb.Gate.LockInode(pi.Off)
		return
	}

	util.DPrintf(8, "truncate: iblocks %d [%x, %x) height %d size %d",
		pi.Blocks(), start, end, pi.Height(), pi.Size())

	root := pi.Root()
	var freed uint64
	if pi.Height() == 0 {
		if pi.IsReg() {
			freeFileLeaf(sb, pi.BlkType(), root, 0)
		} else {
			sb.Alloc.FreeDataBlock(sb.GetBlocknr(root), pi.BlkType())
		}
		root = 0
		freed = 1
	} else {
		leaf := freeDirLeaf
		if pi.IsReg() {
			leaf = freeFileLeaf
		}
		var mpty bool
		freed, mpty = recursiveTruncate(sb, pi.BlkType(), root, pi.Height(),
			firstBlocknr, lastBlocknr, 0, leaf)
		if mpty {
			sb.Alloc.FreeMetaBlock(sb.GetBlocknr(root))
			root = 0
		}
	}

	var blocks uint64
	if mounting {
		// A failure interrupted the last mutation; recount from the tree.
		blocks = CountBlocks(sb, pi, root)
	} else {
		blocks = pi.Blocks() - freed*(1<<(dataBits-common.MetaBlockBits))
	}

	sb.Gate.UnlockInode(pi.Off)
	pi.SetBlocks(blocks)
	pi.SetMtime(now)
	pi.SetCtime(now)
	decreaseTreeHeight(sb, pi, hdr, start, root)
	CheckEofBlocks(sb, pi, pi.Size())
	pi.Flush(sb)
	sb.Gate.LockInode(pi.Off)
}

// Setsize shrinks or extends the byte size of pi: zero the straddling
// page, publish i_size, then free the dropped range. The caller has
// already linked the inode into the truncate list.
func Setsize(sb *super.Sb, pi *Inode, hdr *Header, newsize uint64) error {
	if !pi.IsReg() && !pi.IsDir() && !pi.IsLink() {
		util.Error("setsize: wrong file mode %o", pi.Mode())
		return common.ErrInvalid
	}
	oldsize := pi.Size()
	if newsize != oldsize {
		blockTruncatePage(sb, pi, hdr, newsize)
		sb.Gate.UnlockInode(pi.Off)
		pi.SetSize(newsize)
		pi.Flush(sb)
		sb.Gate.LockInode(pi.Off)
	}
	truncateBlocks(sb, pi, hdr, newsize, oldsize, false)
	if !sb.Jrnl.InTransaction() {
		sb.D.Barrier()
	}
	return nil
}
