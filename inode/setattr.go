package inode

import (
	"github.com/pmemfs/pmemfs/common"
	"github.com/pmemfs/pmemfs/journal"
	"github.com/pmemfs/pmemfs/super"
	"github.com/pmemfs/pmemfs/util"
)

// SetBlocksizeHint retypes an empty inode so an upcoming large extent uses
// bigger data blocks; once anything is allocated the type is fixed.
func SetBlocksizeHint(sb *super.Sb, pi *Inode, newSize uint64) {
	if pi.Root() != 0 || pi.Blocks() != 0 {
		return
	}
	bt := common.Block4K
	if newSize >= common.Block1G.Size() {
		bt = common.Block1G
	} else if newSize >= common.Block2M.Size() {
		bt = common.Block2M
	}
	if bt == pi.BlkType() {
		return
	}
	sb.Gate.UnlockInode(pi.Off)
	pi.SetBlkType(bt)
	pi.Flush(sb)
	sb.Gate.LockInode(pi.Off)
}

// updateSingleField updates one inode attribute in place with an atomic
// store; no transaction needed.
func updateSingleField(sb *super.Sb, pi *Inode, attr uint32, a Attrs) {
	sb.Gate.UnlockInode(pi.Off)
	switch attr {
	case AttrMode:
		pi.SetMode(a.Mode)
	case AttrUid:
		pi.SetUid(a.Uid)
	case AttrGid:
		pi.SetGid(a.Gid)
	case AttrSize:
		pi.SetSize(a.Size)
	case AttrAtime:
		pi.SetAtime(a.Atime)
	case AttrCtime:
		pi.SetCtime(a.Ctime)
	case AttrMtime:
		pi.SetMtime(a.Mtime)
	}
	pi.FlushAll(sb)
	sb.Gate.LockInode(pi.Off)
	sb.D.Barrier()
}

func applyAttrs(sb *super.Sb, pi *Inode, attr uint32, a Attrs) {
	sb.Gate.UnlockInode(pi.Off)
	if attr&AttrMode != 0 {
		pi.SetMode(a.Mode)
	}
	if attr&AttrUid != 0 {
		pi.SetUid(a.Uid)
	}
	if attr&AttrGid != 0 {
		pi.SetGid(a.Gid)
	}
	if attr&AttrAtime != 0 {
		pi.SetAtime(a.Atime)
	}
	if attr&AttrMtime != 0 {
		pi.SetMtime(a.Mtime)
	}
	if attr&AttrCtime != 0 {
		pi.SetCtime(a.Ctime)
	}
	pi.FlushAll(sb)
	sb.Gate.LockInode(pi.Off)
}

// Setattr is the attribute-change entry point. ATTR_SIZE runs the full
// crash-safe shrink protocol: enter the truncate list, set the block-size
// hint, Setsize, leave the list. A single remaining field is updated with
// one atomic store; multiple fields go through a journal transaction.
func Setattr(sb *super.Sb, ino common.Ino, pi *Inode, hdr *Header,
	attr uint32, a Attrs) error {
	if attr&AttrSize != 0 &&
		(a.Size != pi.Size() || pi.Flags()&common.EofBlocksFl != 0) {
		sb.Locks.Acquire(ino)
		TruncateAdd(sb, ino, pi, a.Size)
		SetBlocksizeHint(sb, pi, a.Size)

		if err := Setsize(sb, pi, hdr, a.Size); err != nil {
			sb.Locks.Release(ino)
			return err
		}
		sb.Locks.Release(ino)
		// Setsize refreshed ctime/mtime already.
		attr &^= AttrCtime | AttrMtime
		TruncateDel(sb, ino, pi)
	}

	attr &= AttrMode | AttrUid | AttrGid | AttrAtime | AttrMtime | AttrCtime
	if attr == 0 {
		return nil
	}
	if attr&(attr-1) == 0 {
		updateSingleField(sb, pi, attr, a)
		return nil
	}

	if sb.Jrnl.InTransaction() {
		panic("setattr: nested transaction")
	}
	tx, err := sb.Jrnl.NewTransaction(1)
	if err != nil {
		util.DPrintf(1, "setattr: no transaction: %v", err)
		return err
	}
	tx.AddLogentry(pi.Off, common.InodeSize, journal.LeData)
	applyAttrs(sb, pi, attr, a)
	tx.Commit()
	return nil
}
