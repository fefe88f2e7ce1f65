package inode

import (
	"github.com/tchajed/goose/machine"

	"github.com/pmemfs/pmemfs/common"
	"github.com/pmemfs/pmemfs/journal"
	"github.com/pmemfs/pmemfs/super"
	"github.com/pmemfs/pmemfs/util"
)

// The per-inode radix tree maps a file-relative block index to a PM
// reference. Interior nodes are 4K meta blocks of 512 little-endian slots;
// a zero slot is a hole. At height 1 the slot interpretation differs
// between the two tree flavors: a file tree leaf names a FILE_WRITE log
// entry, a dir tree leaf names a data block directly.

func nodeSlot(node []byte, i int) uint64 {
	return machine.UInt64Get(node[i*8:])
}

// NodeSlot reads slot i of a radix node; the recovery scan walks nodes
// without an Inode view.
func NodeSlot(node []byte, i int) uint64 {
	return nodeSlot(node, i)
}

func setNodeSlot(node []byte, i int, v uint64) {
	machine.UInt64Put(node[i*8:], v)
}

// newDataBlock allocates one data block for pi and bumps i_blocks by its
// 4K page count.
func newDataBlock(sb *super.Sb, pi *Inode, zero bool) (common.Bnum, error) {
	blocknr, err := sb.Alloc.NewDataBlocks(1, pi.BlkType(), zero)
	if err != nil {
		return 0, err
	}
	sb.Gate.UnlockInode(pi.Off)
	pi.AddBlocks(int64(pi.BlkType().NumPages()))
	sb.Gate.LockInode(pi.Off)
	return blocknr, nil
}

// setRootHeight publishes the {root, height} pair; with a header it goes
// through the seqlock, otherwise the caller owns the inode exclusively.
func setRootHeight(sb *super.Sb, pi *Inode, hdr *Header, root uint64, height uint8) {
	sb.Gate.UnlockInode(pi.Off)
	if hdr != nil {
		hdr.WriteRootHeight(sb, pi, root, height)
	} else {
		pi.SetRoot(root)
		pi.SetHeight(height)
		sb.D.Flush(pi.Off, 16)
	}
	sb.Gate.LockInode(pi.Off)
}

// maxIndex is the exclusive bound of tree indices addressable at height.
func maxIndex(height uint8) uint64 {
	return 1 << (uint(height) * common.MetaBlkShift)
}

// splitFileBlocknr converts an incoming 4K-relative block number into the
// tree index and the byte offset within the (possibly larger) data block.
func splitFileBlocknr(pi *Inode, fileBlocknr uint64) (uint64, uint64) {
	blkShift := pi.BlkShift() - common.MetaBlockBits
	blkOffset := fileBlocknr & ((1 << blkShift) - 1)
	return fileBlocknr >> blkShift, blkOffset << common.MetaBlockBits
}

func findLeaf(sb *super.Sb, root uint64, height uint8, blocknr uint64) uint64 {
	bp := root
	for h := height; h > 0; h-- {
		node := sb.D.Slice(bp, common.MetaBlockSize)
		nodeBits := (uint(h) - 1) * common.MetaBlkShift
		idx := int(blocknr >> nodeBits)
		bp = nodeSlot(node, idx)
		if bp == 0 {
			return 0
		}
		blocknr &= (1 << nodeBits) - 1
	}
	return bp
}

// FindDataBlock returns the PM offset of the leaf reference covering the
// given 4K-relative file block, plus the byte offset of the 4K page inside
// the data block. Zero means hole.
func FindDataBlock(sb *super.Sb, pi *Inode, hdr *Header, fileBlocknr uint64) uint64 {
	blocknr, blkOffset := splitFileBlocknr(pi, fileBlocknr)

	var root uint64
	var height uint8
	if hdr != nil {
		root, height = hdr.ReadRootHeight(pi)
	} else {
		root, height = pi.Root(), pi.Height()
	}
	if blocknr >= maxIndex(height) {
		return 0
	}
	if root == 0 {
		return 0
	}
	bp := findLeaf(sb, root, height, blocknr)
	util.DPrintf(10, "find_data_block %x height %d -> %x", fileBlocknr, height, bp)
	if bp == 0 {
		return 0
	}
	return bp + blkOffset
}

// ResolveFileBlock resolves a file-tree leaf through its log entry to the
// PM offset of the 4K data page holding fileBlocknr, for the read path.
// Log-structured file trees always use the 4K block type, so the tree
// index and the entry's page offsets share one unit.
func ResolveFileBlock(sb *super.Sb, pi *Inode, hdr *Header, fileBlocknr uint64) uint64 {
	bp := FindDataBlock(sb, pi, hdr, fileBlocknr)
	if bp == 0 {
		return 0
	}
	entry := writeEntryAt(sb, bp)
	if entry.Pgoff() > fileBlocknr || fileBlocknr >= entry.Pgoff()+entry.NumPages() {
		util.Error("entry extent mismatch: pgoff %d, entry [%d, %d)",
			fileBlocknr, entry.Pgoff(), entry.Pgoff()+entry.NumPages())
		panic("resolve: entry extent mismatch")
	}
	page := sb.GetBlocknr(entry.BlockOff()) + (fileBlocknr - entry.Pgoff())
	return sb.GetBlockOff(page, common.Block4K)
}

// increaseTreeHeight grows the tree by prepending fresh interior nodes
// until height reaches newHeight. Every new node is zero-initialized
// explicitly; only slot 0 carries the previous root.
func increaseTreeHeight(sb *super.Sb, pi *Inode, hdr *Header, newHeight uint8) error {
	height := pi.Height()
	prevRoot := pi.Root()
	util.DPrintf(5, "increasing tree height %d -> %d", height, newHeight)
	for height < newHeight {
		blocknr, err := sb.Alloc.NewMetaBlocks(1, true)
		if err != nil {
			util.Error("failed to increase btree height")
			return err
		}
		off := sb.GetBlockOff(blocknr, common.Block4K)
		node := sb.D.Slice(off, common.MetaBlockSize)
		sb.Gate.UnlockBlock(off)
		setNodeSlot(node, 0, prevRoot)
		sb.D.Flush(off, common.MetaBlockSize)
		sb.Gate.LockBlock(off)
		prevRoot = off
		height++
	}
	setRootHeight(sb, pi, hdr, prevRoot, height)
	return nil
}

// requiredHeight computes the height needed to address lastBlocknr given
// the current height.
func requiredHeight(height uint8, lastBlocknr uint64) (uint8, error) {
	if lastBlocknr <= maxIndex(height)-1 {
		return height, nil
	}
	total := lastBlocknr >> (uint(height) * common.MetaBlkShift)
	for total > 0 {
		total >>= common.MetaBlkShift
		height++
	}
	if height > common.MaxHeight {
		util.DPrintf(1, "max file size, cannot grow the tree")
		return 0, common.ErrNoSpace
	}
	return height, nil
}

// recursiveAllocBlocks fills the slice of the node at blockOff covered by
// [first, last], allocating data blocks at height 1 and interior nodes
// above.
func recursiveAllocBlocks(tx *journal.Tx, sb *super.Sb, pi *Inode, blockOff uint64,
	height uint8, first uint64, last uint64, zero bool) error {
	node := sb.D.Slice(blockOff, common.MetaBlockSize)
	nodeBits := (uint(height) - 1) * common.MetaBlkShift
	firstIdx := int(first >> nodeBits)
	lastIdx := int(last >> nodeBits)

	for i := firstIdx; i <= lastIdx; i++ {
		if height == 1 {
			if nodeSlot(node, i) != 0 {
				continue
			}
			blocknr, err := newDataBlock(sb, pi, zero)
			if err != nil {
				util.DPrintf(5, "alloc data blk failed: %v", err)
				// Mark for full-range truncate at recovery.
				sb.Gate.UnlockInode(pi.Off)
				pi.SetFlags(pi.Flags() | common.EofBlocksFl)
				pi.Flush(sb)
				sb.Gate.LockInode(pi.Off)
				return err
			}
			sb.Gate.UnlockBlock(blockOff)
			setNodeSlot(node, i, sb.GetBlockOff(blocknr, pi.BlkType()))
			sb.Gate.LockBlock(blockOff)
		} else {
			if nodeSlot(node, i) == 0 {
				blocknr, err := sb.Alloc.NewMetaBlocks(1, true)
				if err != nil {
					util.DPrintf(5, "alloc meta blk failed: %v", err)
					return err
				}
				sb.Gate.UnlockBlock(blockOff)
				setNodeSlot(node, i, sb.GetBlockOff(blocknr, common.Block4K))
				sb.Gate.LockBlock(blockOff)
			}
			firstBlk := uint64(0)
			if i == firstIdx {
				firstBlk = first & ((1 << nodeBits) - 1)
			}
			lastBlk := uint64(1<<nodeBits) - 1
			if i == lastIdx {
				lastBlk = last & ((1 << nodeBits) - 1)
			}
			err := recursiveAllocBlocks(tx, sb, pi, nodeSlot(node, i),
				height-1, firstBlk, lastBlk, zero)
			if err != nil {
				return err
			}
		}
	}
	sb.D.Flush(blockOff+uint64(firstIdx)*8, uint64(lastIdx-firstIdx+1)*8)
	return nil
}

// AllocBlocks allocates data blocks for the 4K-relative range
// [fileBlocknr, fileBlocknr+num), growing the tree as needed.
func AllocBlocks(tx *journal.Tx, sb *super.Sb, pi *Inode, hdr *Header,
	fileBlocknr uint64, num uint64, zero bool) error {
	blkShift := pi.BlkShift() - common.MetaBlockBits
	first := fileBlocknr >> blkShift
	last := (fileBlocknr + num - 1) >> blkShift

	util.DPrintf(8, "alloc_blocks height %d file_blocknr %x num %d range [%x, %x]",
		pi.Height(), fileBlocknr, num, first, last)

	height, err := requiredHeight(pi.Height(), last)
	if err != nil {
		return err
	}

	if pi.Root() == 0 {
		if height == 0 {
			blocknr, err := newDataBlock(sb, pi, zero)
			if err != nil {
				util.DPrintf(5, "failed: alloc data block: %v", err)
				return err
			}
			setRootHeight(sb, pi, hdr, sb.GetBlockOff(blocknr, pi.BlkType()), 0)
		} else {
			if err := increaseTreeHeight(sb, pi, hdr, height); err != nil {
				return err
			}
			if err := recursiveAllocBlocks(tx, sb, pi, pi.Root(),
				pi.Height(), first, last, zero); err != nil {
				return err
			}
		}
	} else {
		if height == 0 {
			return nil
		}
		if height > pi.Height() {
			if err := increaseTreeHeight(sb, pi, hdr, height); err != nil {
				return err
			}
		}
		if err := recursiveAllocBlocks(tx, sb, pi, pi.Root(), height,
			first, last, zero); err != nil {
			return err
		}
	}
	return nil
}

// freeFileLeaf interprets a file-tree leaf, frees the data block it names
// for tree index idx and garbage-marks the log entry.
func freeFileLeaf(sb *super.Sb, bt common.BlockType, leaf uint64, idx uint64) {
	entry := writeEntryAt(sb, leaf)
	if entry.Pgoff() > idx || idx >= entry.Pgoff()+entry.NumPages() {
		util.Error("entry error: index %d outside entry extent [%d, %d)",
			idx, entry.Pgoff(), entry.Pgoff()+entry.NumPages())
		panic("truncate: entry extent mismatch")
	}
	blocknr := sb.GetBlocknr(entry.BlockOff()) + (idx - entry.Pgoff())
	entry.IncInvalid(sb)
	sb.Alloc.FreeDataBlock(blocknr, bt)
	util.DPrintf(10, "free block @ %d, entry off %d", blocknr, idx-entry.Pgoff())
}

// isEmptyMetaBlock checks the slots outside [startIdx, endIdx] for any
// remaining pointers; the covered slice is known freed by the caller.
func isEmptyMetaBlock(node []byte, startIdx int, endIdx int) bool {
	for i := 0; i < startIdx; i++ {
		if nodeSlot(node, i) != 0 {
			return false
		}
	}
	for i := endIdx + 1; i < common.SlotsPerNode; i++ {
		if nodeSlot(node, i) != 0 {
			return false
		}
	}
	return true
}

// leafFree frees one height-1 slot; file trees go through the log entry,
// dir trees free the data block directly, the meta-only variant skips the
// leaf level entirely.
type leafFree func(sb *super.Sb, bt common.BlockType, leaf uint64, idx uint64)

func freeDirLeaf(sb *super.Sb, bt common.BlockType, leaf uint64, idx uint64) {
	sb.Alloc.FreeDataBlock(sb.GetBlocknr(leaf), bt)
}

// recursiveTruncate frees the leaf range [first, last] under the node at
// blockOff and reports how many leaves were freed and whether the node
// itself became empty (in which case the caller frees it). freeLeaf == nil
// selects the meta-only variant.
func recursiveTruncate(sb *super.Sb, bt common.BlockType, blockOff uint64, height uint8,
	first uint64, last uint64, startPgoff uint64, freeLeaf leafFree) (uint64, bool) {
	node := sb.D.Slice(blockOff, common.MetaBlockSize)
	nodeBits := (uint(height) - 1) * common.MetaBlkShift
	firstIdx := int(first >> nodeBits)
	lastIdx := int(last >> nodeBits)
	start, end := firstIdx, lastIdx
	freed := uint64(0)
	allRangeFreed := true

	if height == 1 {
		if freeLeaf == nil {
			return 0, true
		}
		for i := firstIdx; i <= lastIdx; i++ {
			leaf := nodeSlot(node, i)
			if leaf == 0 {
				continue
			}
			freeLeaf(sb, bt, leaf, startPgoff+uint64(i))
			freed++
		}
	} else {
		for i := firstIdx; i <= lastIdx; i++ {
			child := nodeSlot(node, i)
			if child == 0 {
				continue
			}
			firstBlk := uint64(0)
			if i == firstIdx {
				firstBlk = first & ((1 << nodeBits) - 1)
			}
			lastBlk := uint64(1<<nodeBits) - 1
			if i == lastIdx {
				lastBlk = last & ((1 << nodeBits) - 1)
			}
			pgoff := startPgoff + uint64(i)<<nodeBits
			nfreed, mpty := recursiveTruncate(sb, bt, child, height-1,
				firstBlk, lastBlk, pgoff, freeLeaf)
			freed += nfreed
			if mpty {
				sb.Alloc.FreeMetaBlock(sb.GetBlocknr(child))
				if freeLeaf == nil {
					freed++
				}
			} else {
				if i == firstIdx {
					start++
				} else if i == lastIdx {
					end--
				}
				allRangeFreed = false
			}
		}
	}

	if allRangeFreed && isEmptyMetaBlock(node, firstIdx, lastIdx) {
		return freed, true
	}
	// Zero out the freed slice since the node survives.
	if start <= end {
		sb.Gate.UnlockBlock(blockOff)
		for i := start; i <= end; i++ {
			setNodeSlot(node, i, 0)
		}
		sb.Gate.LockBlock(blockOff)
		sb.D.Flush(blockOff+uint64(start)*8, uint64(end-start+1)*8)
	}
	return freed, false
}

// FreeFileSubtree tears down a whole file tree (evict path). It runs after
// the inode itself was freed, so the tree coordinates arrive by value.
func FreeFileSubtree(sb *super.Sb, root uint64, height uint8, bt common.BlockType,
	lastBlocknr uint64) uint64 {
	if root == 0 {
		return 0
	}
	if height == 0 {
		freeFileLeaf(sb, bt, root, 0)
		return 1
	}
	freed, mpty := recursiveTruncate(sb, bt, root, height, 0, lastBlocknr,
		0, freeFileLeaf)
	if !mpty {
		panic("free file subtree: tree not empty")
	}
	sb.Alloc.FreeMetaBlock(sb.GetBlocknr(root))
	return freed
}

// FreeDirSubtree tears down a directory tree (evict path); leaves are
// direct data blocks.
func FreeDirSubtree(sb *super.Sb, root uint64, height uint8, bt common.BlockType,
	lastBlocknr uint64) uint64 {
	if root == 0 {
		return 0
	}
	if height == 0 {
		sb.Alloc.FreeDataBlock(sb.GetBlocknr(root), bt)
		return 1
	}
	freed, mpty := recursiveTruncate(sb, bt, root, height, 0, lastBlocknr,
		0, freeDirLeaf)
	if !mpty {
		panic("free dir subtree: tree not empty")
	}
	sb.Alloc.FreeDataBlock(sb.GetBlocknr(root), common.Block4K)
	return freed
}

// FreeFileMetaBlocks frees only the interior nodes of a file tree, leaving
// the data in place (umount of DRAM-cached state).
func FreeFileMetaBlocks(sb *super.Sb, pi *Inode, hdr *Header, lastBlocknr uint64) uint64 {
	root := pi.Root()
	height := pi.Height()
	if root == 0 || height == 0 {
		return 0
	}
	freed, mpty := recursiveTruncate(sb, pi.BlkType(), root, height, 0, lastBlocknr, 0, nil)
	if !mpty {
		panic("free meta blocks: tree not empty")
	}
	sb.Alloc.FreeMetaBlock(sb.GetBlocknr(root))
	freed++
	setRootHeight(sb, pi, hdr, 0, 0)
	return freed
}

// recursiveAssignBlocks overwrites the height-1 slots of [first, last]
// with the PM offset of a freshly appended write entry, freeing the data
// blocks named by any displaced leaves.
func recursiveAssignBlocks(tx *journal.Tx, sb *super.Sb, pi *Inode, blockOff uint64,
	height uint8, first uint64, last uint64, currEntry uint64,
	startPgoff uint64) error {
	node := sb.D.Slice(blockOff, common.MetaBlockSize)
	nodeBits := (uint(height) - 1) * common.MetaBlkShift
	firstIdx := int(first >> nodeBits)
	lastIdx := int(last >> nodeBits)

	for i := firstIdx; i <= lastIdx; i++ {
		if height == 1 {
			if old := nodeSlot(node, i); old != 0 {
				freeFileLeaf(sb, pi.BlkType(), old, startPgoff+uint64(i))
				sb.Gate.UnlockInode(pi.Off)
				pi.AddBlocks(-1)
				sb.Gate.LockInode(pi.Off)
			}
			sb.Gate.UnlockBlock(blockOff)
			setNodeSlot(node, i, currEntry)
			sb.Gate.LockBlock(blockOff)
			util.DPrintf(10, "assign block %d to entry %x", i, currEntry)
		} else {
			if nodeSlot(node, i) == 0 {
				blocknr, err := sb.Alloc.NewMetaBlocks(1, true)
				if err != nil {
					util.DPrintf(5, "alloc meta blk failed: %v", err)
					return err
				}
				sb.Gate.UnlockBlock(blockOff)
				setNodeSlot(node, i, sb.GetBlockOff(blocknr, common.Block4K))
				sb.Gate.LockBlock(blockOff)
			}
			firstBlk := uint64(0)
			if i == firstIdx {
				firstBlk = first & ((1 << nodeBits) - 1)
			}
			lastBlk := uint64(1<<nodeBits) - 1
			if i == lastIdx {
				lastBlk = last & ((1 << nodeBits) - 1)
			}
			pgoff := startPgoff + uint64(i)<<nodeBits
			err := recursiveAssignBlocks(tx, sb, pi, nodeSlot(node, i),
				height-1, firstBlk, lastBlk, currEntry, pgoff)
			if err != nil {
				return err
			}
		}
	}
	sb.D.Flush(blockOff+uint64(firstIdx)*8, uint64(lastIdx-firstIdx+1)*8)
	return nil
}

// AssignBlocks publishes the write entry at currEntry into the tree for
// the 4K-relative range [fileBlocknr, fileBlocknr+num), growing the tree
// as needed. This is how a logged write becomes visible; the displaced
// leaves' blocks return to the allocator and their entries are
// garbage-marked.
func AssignBlocks(tx *journal.Tx, sb *super.Sb, pi *Inode, hdr *Header,
	fileBlocknr uint64, num uint64, currEntry uint64) error {
	blkShift := pi.BlkShift() - common.MetaBlockBits
	first := fileBlocknr >> blkShift
	last := (fileBlocknr + num - 1) >> blkShift

	util.DPrintf(8, "assign_blocks height %d file_blocknr %x entry %x range [%x, %x]",
		pi.Height(), fileBlocknr, currEntry, first, last)

	height, err := requiredHeight(pi.Height(), last)
	if err != nil {
		return err
	}

	if pi.Root() == 0 {
		if height == 0 {
			setRootHeight(sb, pi, hdr, currEntry, 0)
			return nil
		}
		if err := increaseTreeHeight(sb, pi, hdr, height); err != nil {
			return err
		}
		return recursiveAssignBlocks(tx, sb, pi, pi.Root(), pi.Height(),
			first, last, currEntry, 0)
	}

	if height == 0 {
		// Copy-on-write root replacement.
		freeFileLeaf(sb, pi.BlkType(), pi.Root(), 0)
		sb.Gate.UnlockInode(pi.Off)
		pi.AddBlocks(-1)
		sb.Gate.LockInode(pi.Off)
		setRootHeight(sb, pi, hdr, currEntry, 0)
		return nil
	}
	if height > pi.Height() {
		if err := increaseTreeHeight(sb, pi, hdr, height); err != nil {
			return err
		}
	}
	return recursiveAssignBlocks(tx, sb, pi, pi.Root(), height,
		first, last, currEntry, 0)
}

// sparseLastBlocknr clamps a size-derived last block to what the tree
// height can address; sparse files may claim sizes beyond it.
func sparseLastBlocknr(height uint8, lastBlocknr uint64) uint64 {
	if lastBlocknr >= maxIndex(height) {
		lastBlocknr = maxIndex(height) - 1
	}
	return lastBlocknr
}

// decreaseTreeHeight lowers the tree to the minimum height for newsize,
// freeing the abandoned root chain, and publishes the new {root, height}
// pair through the header seqlock.
func decreaseTreeHeight(sb *super.Sb, pi *Inode, hdr *Header, newsize uint64,
	newroot uint64) {
	height := pi.Height()
	var newHeight uint8

	if pi.Blocks() == 0 || newsize == 0 {
		if newroot != 0 {
			panic("decrease height: empty inode with live root")
		}
		setRootHeight(sb, pi, hdr, 0, 0)
		return
	}

	lastBlocknr := (newsize+pi.BlkSize()-1)>>pi.BlkShift() - 1
	for lastBlocknr > 0 {
		lastBlocknr >>= common.MetaBlkShift
		newHeight++
	}
	if height == newHeight {
		return
	}
	util.DPrintf(5, "reducing tree height %d -> %d", height, newHeight)
	for height > newHeight {
		node := sb.D.Slice(newroot, common.MetaBlockSize)
		child := nodeSlot(node, 0)
		sb.Alloc.FreeMetaBlock(sb.GetBlocknr(newroot))
		newroot = child
		height--
	}
	setRootHeight(sb, pi, hdr, newroot, newHeight)
}

func countBlocksRecursive(sb *super.Sb, blockOff uint64, height uint8) uint64 {
	if height == 0 {
		return 1
	}
	node := sb.D.Slice(blockOff, common.MetaBlockSize)
	var n uint64
	for i := 0; i < common.SlotsPerNode; i++ {
		if nodeSlot(node, i) == 0 {
			continue
		}
		n += countBlocksRecursive(sb, nodeSlot(node, i), height-1)
	}
	return n
}

// CountBlocks recounts i_blocks by walking the tree; used after a crash
// when the persisted count cannot be trusted.
func CountBlocks(sb *super.Sb, pi *Inode, root uint64) uint64 {
	if root == 0 {
		return 0
	}
	n := countBlocksRecursive(sb, root, pi.Height())
	return n << (pi.BlkShift() - common.MetaBlockBits)
}
