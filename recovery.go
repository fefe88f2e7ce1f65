package pmemfs

import (
	"github.com/pmemfs/pmemfs/common"
	"github.com/pmemfs/pmemfs/dir"
	"github.com/pmemfs/pmemfs/inode"
	"github.com/pmemfs/pmemfs/util"
)

// Mount-time recovery: rebuild the allocator bitmap by scanning every
// reachable structure, regenerate file trees and directory indexes from
// the logs, then walk the truncate list and finish interrupted frees and
// shrinks.
//
// The scan is conservative: a partially superseded extent is marked used
// in full, so a crash can leak pages that the old invalid counters had
// already released. They are reclaimed the next time their log page is
// garbage collected.

// markLogChain marks every page of an inode log, returning the count.
func (fs *Fs) markLogChain(head uint64) uint32 {
	sb := fs.Sb
	var pages uint32
	for curr := head; curr != 0; curr = inode.NextLogPage(sb, curr) {
		sb.Alloc.MarkUsed(sb.GetBlocknr(curr), 1)
		pages++
	}
	return pages
}

// markLiveExtents marks the data extents of live FILE_WRITE entries in a
// file log.
func (fs *Fs) markLiveExtents(pi *inode.Inode) {
	sb := fs.Sb
	curr := pi.LogHead()
	tail := pi.LogTail()
	for curr != tail {
		if curr == 0 {
			util.Error("file log broken during recovery scan")
			panic("recovery: broken log chain")
		}
		e := inode.WriteEntryView(sb, curr)
		if !e.Dead() && e.NumPages() > 0 {
			sb.Alloc.MarkUsed(sb.GetBlocknr(e.BlockOff()), e.NumPages())
		}
		curr += common.LogEntrySize
		if common.EntryLoc(curr) == common.LastEntry {
			curr = inode.NextLogPage(sb, curr)
		}
	}
}

// markTree marks the interior nodes and (for dir trees) leaf data blocks
// of a radix tree.
func (fs *Fs) markTree(root uint64, height uint8, bt common.BlockType, dirTree bool) {
	sb := fs.Sb
	if root == 0 {
		return
	}
	if height == 0 {
		if dirTree {
			sb.Alloc.MarkUsed(sb.GetBlocknr(root), bt.NumPages())
		}
		return
	}
	sb.Alloc.MarkUsed(sb.GetBlocknr(root), 1)
	node := sb.D.Slice(root, common.MetaBlockSize)
	for i := 0; i < common.SlotsPerNode; i++ {
		child := inode.NodeSlot(node, i)
		if child == 0 {
			continue
		}
		if height == 1 {
			if dirTree {
				sb.Alloc.MarkUsed(sb.GetBlocknr(child), bt.NumPages())
			}
			// File-tree leaves point into log pages, already marked.
		} else {
			fs.markTree(child, height-1, bt, dirTree)
		}
	}
}

func (fs *Fs) recoverInode(ino common.Ino, pi *inode.Inode) error {
	sb := fs.Sb
	fs.markLogChain(pi.LogHead())
	switch {
	case pi.IsReg():
		fs.markLiveExtents(pi)
	case pi.IsDir() || pi.IsLink():
		fs.markTree(pi.Root(), pi.Height(), pi.BlkType(), true)
	}

	hdr, err := fs.Header(ino)
	if err != nil {
		return err
	}
	if pi.IsReg() && pi.LogHead() != 0 {
		if err := inode.RebuildFileTree(sb, pi, hdr); err != nil {
			return err
		}
	}
	if pi.IsDir() && pi.LogHead() != 0 {
		idx, _ := dir.Rebuild(sb, pi, hdr)
		fs.mu.Lock()
		fs.dirs[ino] = idx
		fs.mu.Unlock()
	}
	return nil
}

func (fs *Fs) recover() error {
	sb := fs.Sb

	// The inode table's own tree first; its leaves are data blocks.
	table := inode.TableInode(sb)
	fs.markTree(table.Root(), table.Height(), table.BlkType(), true)
	sb.InodesCount = table.Size() >> common.InodeBits

	// Basic inodes: root directory (and the blocknode placeholder).
	rootPi := inode.At(sb, sb.BasicInodeOff(common.RootIno))
	if err := fs.recoverInode(common.RootIno, rootPi); err != nil {
		return err
	}

	// Mark every live slot before any file tree rebuild allocates nodes.
	for ino := common.NormalInoStart; ino < sb.InodesCount; ino++ {
		off, err := inode.GetInodeOff(sb, ino)
		if err != nil {
			return err
		}
		if pi := inode.At(sb, off); pi.Active() {
			fs.markLogChain(pi.LogHead())
			if pi.IsReg() {
				fs.markLiveExtents(pi)
			} else if pi.IsDir() || pi.IsLink() {
				fs.markTree(pi.Root(), pi.Height(), pi.BlkType(), true)
			}
		}
	}

	// Table slots: mark everything live and find the allocation hint.
	sb.InodeTableMux.Lock()
	free := uint64(0)
	hint := uint64(0)
	maxInode := common.NormalInoStart
	for ino := common.NormalInoStart; ino < sb.InodesCount; ino++ {
		off, err := inode.GetInodeOff(sb, ino)
		if err != nil {
			sb.InodeTableMux.Unlock()
			return err
		}
		pi := inode.At(sb, off)
		if !pi.Active() {
			free++
			if hint == 0 {
				hint = ino
			}
			continue
		}
		maxInode = ino
		sb.InodeTableMux.Unlock()
		if err := fs.recoverInode(ino, pi); err != nil {
			return err
		}
		sb.InodeTableMux.Lock()
	}
	if hint == 0 {
		hint = common.NormalInoStart
	}
	sb.FreeInodesCount = free
	sb.FreeInodeHint = hint
	sb.MaxInode = maxInode
	sb.InodeTableMux.Unlock()

	return fs.recoverTruncateList()
}

// recoverTruncateList completes the work of inodes that crashed while on
// the list: free an unlinked inode entirely, or finish a partial shrink.
func (fs *Fs) recoverTruncateList() error {
	sb := fs.Sb

	// Seed the DRAM mirror from PM so deletions can find predecessors.
	sb.TruncateMux.Lock()
	sb.TruncateInos = nil
	for ino := sb.TruncateHead(); ino != common.NullIno; {
		off, err := inode.GetInodeOff(sb, ino)
		if err != nil {
			sb.TruncateMux.Unlock()
			return err
		}
		sb.TruncateInos = append(sb.TruncateInos, ino)
		ino = inode.At(sb, off).TruncateNext()
	}
	pending := append([]common.Ino(nil), sb.TruncateInos...)
	sb.TruncateMux.Unlock()

	for _, ino := range pending {
		pi, err := inode.GetInode(sb, ino)
		if err != nil {
			return err
		}
		hdr, err := fs.Header(ino)
		if err != nil {
			return err
		}
		if pi.LinksCount() == 0 {
			util.DPrintf(1, "truncate list: freeing unlinked inode %d", ino)
			if err := inode.Evict(sb, ino, pi); err != nil {
				return err
			}
			fs.dropHeader(ino)
		} else {
			size := pi.TruncateSize()
			util.DPrintf(1, "truncate list: completing shrink of %d to %d", ino, size)
			if err := inode.Setsize(sb, pi, hdr, size); err != nil {
				return err
			}
			// The persisted i_blocks may predate the crash; recount it.
			sb.Gate.UnlockInode(pi.Off)
			pi.SetBlocks(inode.CountBlocks(sb, pi, pi.Root()))
			pi.Flush(sb)
			sb.Gate.LockInode(pi.Off)
			sb.D.Barrier()
			inode.TruncateDel(sb, ino, pi)
		}
	}
	return nil
}
