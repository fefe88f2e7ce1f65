package inode

import (
	"fmt"

	"github.com/pmemfs/pmemfs/common"
	"github.com/pmemfs/pmemfs/journal"
	"github.com/pmemfs/pmemfs/super"
	"github.com/pmemfs/pmemfs/util"
)

// The inode table is a distinguished basic inode whose file tree holds
// every inode slot in slot order: slot i lives at table byte offset
// i*InodeSize. Allocation scans for a free slot from the hint under
// sb.InodeTableMux; the table only ever grows.

const largeTableThreshold = 0x20000000
const largeTableSize = 0x200000

// TableInode returns the view of the inode-table inode.
func TableInode(sb *super.Sb) *Inode {
	return At(sb, sb.BasicInodeOff(common.InodeTableIno))
}

func inodesPerBlock(bt common.BlockType) uint64 {
	return bt.Size() >> common.InodeBits
}

// InitInodeTable sizes and allocates the inode table at mkfs time.
func InitInodeTable(sb *super.Sb) error {
	pi := TableInode(sb)

	var initSize uint64
	if sb.Opts.NumInodes == 0 {
		if sb.Initsize >= largeTableThreshold {
			initSize = largeTableSize
		} else {
			initSize = common.MetaBlockSize
		}
	} else {
		initSize = sb.Opts.NumInodes << common.InodeBits
	}

	sb.Gate.UnlockInode(pi.Off)
	pi.SetMode(0)
	pi.SetUid(0)
	pi.SetGid(0)
	pi.SetLinksCount(1)
	pi.SetFlags(0)
	pi.SetHeight(0)
	pi.SetDtime(0)
	if initSize >= largeTableSize {
		pi.SetBlkType(common.Block2M)
	} else {
		pi.SetBlkType(common.Block4K)
	}
	numBlocks := util.RoundUp(initSize, pi.BlkSize())
	pi.SetSize(numBlocks << pi.BlkShift())
	pi.FlushAll(sb)
	sb.Gate.LockInode(pi.Off)

	sb.InodesCount = (numBlocks << pi.BlkShift()) >> common.InodeBits
	num4k := numBlocks << (pi.BlkShift() - common.MetaBlockBits)
	if err := AllocBlocks(nil, sb, pi, nil, 0, num4k, true); err != nil {
		util.Error("initializing the inode table: %v", err)
		return err
	}

	sb.FreeInodesCount = sb.InodesCount - common.NormalInoStart
	sb.FreeInodeHint = common.NormalInoStart
	sb.MaxInode = common.NormalInoStart
	util.DPrintf(5, "inode table: %d slots, %d free", sb.InodesCount, sb.FreeInodesCount)
	return nil
}

// GetInodeOff resolves an inode number to the PM offset of its slot.
func GetInodeOff(sb *super.Sb, ino common.Ino) (uint64, error) {
	if ino == common.NullIno {
		return 0, common.ErrAccessDenied
	}
	if ino < common.NormalInoStart {
		if ino > common.InodeTableIno {
			return 0, common.ErrAccessDenied
		}
		return sb.BasicInodeOff(ino), nil
	}
	pi := TableInode(sb)
	byteOff := ino << common.InodeBits
	if byteOff >= pi.Size() {
		return 0, common.ErrAccessDenied
	}
	bp := FindDataBlock(sb, pi, nil, byteOff>>common.MetaBlockBits)
	if bp == 0 {
		return 0, common.ErrAccessDenied
	}
	return bp + (byteOff & common.InvalidMask), nil
}

// GetInode returns a view of the slot for ino, without liveness checks.
func GetInode(sb *super.Sb, ino common.Ino) (*Inode, error) {
	off, err := GetInodeOff(sb, ino)
	if err != nil {
		return nil, err
	}
	return At(sb, off), nil
}

// Iget looks an inode up for use: absent slots surface as AccessDenied,
// never-used slots as BadInode, deleted ones as Stale.
func Iget(sb *super.Sb, ino common.Ino) (*Inode, *Header, error) {
	off, err := GetInodeOff(sb, ino)
	if err != nil {
		return nil, nil, err
	}
	pi := At(sb, off)
	if !pi.Active() {
		if pi.Dtime() != 0 {
			return nil, nil, fmt.Errorf("iget %d: %w", ino, common.ErrStale)
		}
		return nil, nil, fmt.Errorf("iget %d: %w", ino, common.ErrBadInode)
	}
	return pi, NewHeader(ino, off), nil
}

// increaseTableSize grows the table by one data block inside the caller's
// transaction and exposes the fresh slots.
func increaseTableSize(sb *super.Sb, tx *journal.Tx) error {
	pi := TableInode(sb)
	tx.AddLogentry(pi.Off, common.InodeSize, journal.LeData)

	oldSize := pi.Size()
	err := AllocBlocks(tx, sb, pi, nil, oldSize>>common.MetaBlockBits,
		pi.BlkType().NumPages(), true)
	if err != nil {
		util.DPrintf(5, "no space left to grow the inode table")
		return err
	}

	sb.FreeInodeHint = oldSize >> common.InodeBits
	sb.Gate.UnlockInode(pi.Off)
	pi.SetSize(oldSize + pi.BlkSize())
	pi.Flush(sb)
	sb.Gate.LockInode(pi.Off)

	sb.FreeInodesCount += inodesPerBlock(pi.BlkType())
	sb.InodesCount = pi.Size() >> common.InodeBits
	return nil
}

// NewInode carves a free slot out of the table inside the caller's
// transaction, initializes it for the given mode, and returns its number.
func NewInode(sb *super.Sb, tx *journal.Tx, mode uint16, bt common.BlockType,
	inheritedFlags uint32) (common.Ino, *Inode, error) {
	table := TableInode(sb)
	ipb := inodesPerBlock(table.BlkType())

	sb.InodeTableMux.Lock()
	defer sb.InodeTableMux.Unlock()

	i := sb.FreeInodeHint
	util.DPrintf(8, "new inode: free %d total %d hint %d",
		sb.FreeInodesCount, sb.InodesCount, i)
	for {
		numInodes := sb.InodesCount
		var pi *Inode
		for i < numInodes {
			endIno := i + (ipb - (i & (ipb - 1)))
			off, err := GetInodeOff(sb, i)
			if err != nil {
				return 0, nil, fmt.Errorf("inode table walk: %w", err)
			}
			found := false
			for ; i < endIno; i++ {
				pi = At(sb, off)
				if !pi.Active() {
					found = true
					break
				}
				off += common.InodeSize
			}
			if found {
				break
			}
		}
		if i < numInodes {
			break
		}
		if err := increaseTableSize(sb, tx); err != nil {
			util.DPrintf(1, "could not find a free inode")
			return 0, nil, err
		}
		i = sb.FreeInodeHint
	}

	off, err := GetInodeOff(sb, i)
	if err != nil {
		return 0, nil, err
	}
	pi := At(sb, off)
	util.DPrintf(8, "allocating inode %d", i)

	tx.AddLogentry(off, common.InodeSize, journal.LeData)
	now := now32()

	sb.Gate.UnlockInode(off)
	pi.SetBlkType(bt)
	pi.SetFlags(MaskFlags(mode, inheritedFlags))
	pi.SetHeight(0)
	pi.SetRoot(0)
	pi.SetDtime(0)
	pi.SetLogHead(0)
	pi.SetLogTail(0)
	pi.SetLogPages(0)
	pi.SetMode(mode)
	pi.SetLinksCount(1)
	pi.SetSize(0)
	pi.SetBlocks(0)
	pi.SetAtime(now)
	pi.SetMtime(now)
	pi.SetCtime(now)
	pi.SetGeneration(sb.NextGeneration())
	pi.SetTruncateNext(0)
	pi.SetTruncateSize(0)
	pi.FlushAll(sb)
	sb.Gate.LockInode(off)

	sb.FreeInodesCount--
	if i < sb.InodesCount-1 {
		sb.FreeInodeHint = i + 1
	} else {
		sb.FreeInodeHint = common.NormalInoStart
	}
	if i > sb.MaxInode {
		sb.MaxInode = i
	}
	return i, pi, nil
}

// FreeInode clears the slot for a dead inode: journalled root/size/links/
// dtime wipe plus log teardown, then hint bookkeeping.
func FreeInode(sb *super.Sb, ino common.Ino, pi *Inode) error {
	sb.InodeTableMux.Lock()
	defer sb.InodeTableMux.Unlock()

	util.DPrintf(8, "free_inode: %d free %d total %d hint %d",
		ino, sb.FreeInodesCount, sb.InodesCount, sb.FreeInodeHint)

	tx, err := sb.Jrnl.NewTransaction(1)
	if err != nil {
		return err
	}
	tx.AddLogentry(pi.Off, common.InodeSize, journal.LeData)

	sb.Gate.UnlockInode(pi.Off)
	pi.SetRoot(0)
	pi.SetSize(0)
	pi.SetLinksCount(0)
	pi.SetDtime(now32())
	sb.Gate.LockInode(pi.Off)
	FreeInodeLog(sb, pi)
	sb.Gate.UnlockInode(pi.Off)
	pi.FlushAll(sb)
	sb.Gate.LockInode(pi.Off)

	tx.Commit()

	if ino < sb.FreeInodeHint {
		sb.FreeInodeHint = ino
	}
	sb.FreeInodesCount++
	if sb.FreeInodesCount == sb.InodesCount-common.NormalInoStart {
		util.DPrintf(5, "filesystem is empty")
		sb.FreeInodeHint = common.NormalInoStart
	}
	return nil
}

// LastBlocknr computes the highest tree index truncate must cover for pi,
// honoring the EOFBLOCKS flag and clamping to the tree height.
func LastBlocknr(pi *Inode) uint64 {
	if pi.Flags()&common.EofBlocksFl != 0 {
		return maxIndex(pi.Height()) - 1
	}
	var last uint64
	if pi.Size() > 0 {
		last = (pi.Size() - 1) >> pi.BlkShift()
	}
	return sparseLastBlocknr(pi.Height(), last)
}

// Evict tears an unlinked inode down: free the slot (journalled), then the
// tree by mode, and finally drop it from the truncate list.
func Evict(sb *super.Sb, ino common.Ino, pi *Inode) error {
	util.DPrintf(5, "evict inode %d", ino)
	if pi.LinksCount() == 0 {
		root := pi.Root()
		height := pi.Height()
		btype := pi.BlkType()
		mode := pi.Mode()
		lastBlocknr := LastBlocknr(pi)

		if err := FreeInode(sb, ino, pi); err != nil {
			return err
		}

		switch mode & ModeFmt {
		case ModeReg:
			FreeFileSubtree(sb, root, height, btype, lastBlocknr)
		case ModeDir, ModeLink:
			FreeDirSubtree(sb, root, height, btype, lastBlocknr)
		default:
			util.DPrintf(1, "evict: unknown mode %o", mode)
		}
	}
	TruncateDel(sb, ino, pi)
	return nil
}
