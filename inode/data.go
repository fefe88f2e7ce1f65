package inode

import (
	"github.com/pmemfs/pmemfs/common"
	"github.com/pmemfs/pmemfs/super"
	"github.com/pmemfs/pmemfs/util"
)

// The write path is copy-on-write and log-structured: fresh blocks are
// allocated and filled, one FILE_WRITE entry describes the extent, and
// AssignBlocks publishes the entry into the tree, retiring whatever the
// displaced leaves pointed at. Writers and ReadData take the per-inode
// lock, so a read never resolves through a log page that GC is freeing.

// WriteData writes data at byte offset off in pi's file, whole-page
// granular on the outside (partial head/tail pages are read-modified from
// the existing copy).
func WriteData(sb *super.Sb, pi *Inode, hdr *Header, ino common.Ino,
	off uint64, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	sb.Locks.Acquire(ino)
	defer sb.Locks.Release(ino)

	startBlk := off >> common.MetaBlockBits
	endBlk := (off + uint64(len(data)) - 1) >> common.MetaBlockBits
	numBlocks := endBlk - startBlk + 1

	blocknr, err := sb.Alloc.NewDataBlocks(numBlocks, common.Block4K, false)
	if err != nil {
		return err
	}

	// Fill the new blocks, preserving the old bytes around the edges.
	dstBase := sb.GetBlockOff(blocknr, common.Block4K)
	sb.Gate.UnlockRange(dstBase, numBlocks<<common.MetaBlockBits)
	for b := uint64(0); b < numBlocks; b++ {
		dst := sb.D.Slice(dstBase+b<<common.MetaBlockBits, common.MetaBlockSize)
		if old := ResolveFileBlock(sb, pi, hdr, startBlk+b); old != 0 {
			copy(dst, sb.D.Slice(old, common.MetaBlockSize))
		} else {
			for i := range dst {
				dst[i] = 0
			}
		}
	}
	inPage := off & (common.MetaBlockSize - 1)
	copy(sb.D.Slice(dstBase+inPage, uint64(len(data))), data)
	sb.D.Flush(dstBase, numBlocks<<common.MetaBlockBits)
	sb.Gate.LockRange(dstBase, numBlocks<<common.MetaBlockBits)

	size := pi.Size()
	if off+uint64(len(data)) > size {
		size = off + uint64(len(data))
	}

	entry, err := AppendFileWriteEntry(sb, pi, blocknr, startBlk, numBlocks,
		size, now32())
	if err != nil {
		sb.Alloc.FreeDataBlock(blocknr, common.Block4K)
		return err
	}
	if err := AssignBlocks(nil, sb, pi, hdr, startBlk, numBlocks, entry); err != nil {
		return err
	}
	sb.Gate.UnlockInode(pi.Off)
	pi.AddBlocks(int64(numBlocks))
	pi.SetSize(size)
	pi.SetMtime(now32())
	pi.Flush(sb)
	sb.Gate.LockInode(pi.Off)
	UpdateTail(sb, pi, entry+common.LogEntrySize)

	util.DPrintf(8, "write ino %d off %x len %d -> entry %x", ino, off,
		len(data), entry)
	return nil
}

// ReadData copies n bytes at byte offset off into a fresh buffer; holes
// read as zeroes and reads past i_size are clipped.
func ReadData(sb *super.Sb, pi *Inode, hdr *Header, off uint64, n uint64) []byte {
	if hdr != nil {
		sb.Locks.Acquire(hdr.Ino)
		defer sb.Locks.Release(hdr.Ino)
	}
	size := pi.Size()
	if off >= size {
		return nil
	}
	if off+n > size {
		n = size - off
	}
	out := make([]byte, n)
	var done uint64
	for done < n {
		pos := off + done
		blk := pos >> common.MetaBlockBits
		inPage := pos & (common.MetaBlockSize - 1)
		chunk := util.Min(common.MetaBlockSize-inPage, n-done)
		if src := ResolveFileBlock(sb, pi, hdr, blk); src != 0 {
			copy(out[done:done+chunk], sb.D.Slice(src+inPage, chunk))
		}
		done += chunk
	}
	return out
}
