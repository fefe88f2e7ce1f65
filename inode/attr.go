package inode

import (
	"time"

	"github.com/tchajed/goose/machine"

	"github.com/pmemfs/pmemfs/common"
	"github.com/pmemfs/pmemfs/pm"
	"github.com/pmemfs/pmemfs/super"
)

func now32() uint32 {
	return uint32(time.Now().Unix())
}

// Attrs is the set of attribute values carried by a SET_ATTR log entry.
type Attrs struct {
	Mode  uint16
	Uid   uint32
	Gid   uint32
	Atime uint32
	Mtime uint32
	Ctime uint32
	Size  uint64
}

func attrsOf(pi *Inode) Attrs {
	return Attrs{
		Mode:  pi.Mode(),
		Uid:   pi.Uid(),
		Gid:   pi.Gid(),
		Atime: pi.Atime(),
		Mtime: pi.Mtime(),
		Ctime: pi.Ctime(),
		Size:  pi.Size(),
	}
}

// AppendSetattrEntry logs an attribute snapshot in the inode's log and
// publishes the new tail.
//
// Entry layout (32 bytes): type, attr mask, mode, uid, gid, atime, mtime,
// ctime, size.
func AppendSetattrEntry(sb *super.Sb, pi *Inode, attr uint8, a Attrs) (uint64, error) {
	curr, err := GetAppendHead(sb, pi, pi.LogTail(), common.LogEntrySize,
		false, pi.IsReg())
	if err != nil {
		return 0, err
	}
	sb.Gate.UnlockRange(curr, common.LogEntrySize)
	e := sb.D.Slice(curr, common.LogEntrySize)
	e[0] = common.SetattrEntry
	e[1] = attr
	pm.U16Put(e[2:], a.Mode)
	machine.UInt32Put(e[4:], a.Uid)
	machine.UInt32Put(e[8:], a.Gid)
	machine.UInt32Put(e[12:], a.Atime)
	machine.UInt32Put(e[16:], a.Mtime)
	machine.UInt32Put(e[20:], a.Ctime)
	machine.UInt64Put(e[24:], a.Size)
	sb.D.FlushFence(curr, common.LogEntrySize)
	sb.Gate.LockRange(curr, common.LogEntrySize)
	UpdateTail(sb, pi, curr+common.LogEntrySize)
	return curr, nil
}

// ApplySetattrEntry replays a SET_ATTR entry onto the inode during log
// rebuild.
func ApplySetattrEntry(sb *super.Sb, pi *Inode, off uint64) {
	e := sb.D.Slice(off, common.LogEntrySize)
	sb.Gate.UnlockInode(pi.Off)
	pi.SetMode(pm.U16Get(e[2:]))
	pi.SetUid(machine.UInt32Get(e[4:]))
	pi.SetGid(machine.UInt32Get(e[8:]))
	pi.SetAtime(machine.UInt32Get(e[12:]))
	pi.SetMtime(machine.UInt32Get(e[16:]))
	pi.SetCtime(machine.UInt32Get(e[20:]))
	pi.SetSize(machine.UInt64Get(e[24:]))
	sb.Gate.LockInode(pi.Off)
}

// AppendLinkChangeEntry logs a link-count change. Layout: type, pad,
// links, ctime, flags, generation, 16 bytes padding.
func AppendLinkChangeEntry(sb *super.Sb, pi *Inode, links uint16) (uint64, error) {
	curr, err := GetAppendHead(sb, pi, pi.LogTail(), common.LogEntrySize,
		false, pi.IsReg())
	if err != nil {
		return 0, err
	}
	sb.Gate.UnlockRange(curr, common.LogEntrySize)
	e := sb.D.Slice(curr, common.LogEntrySize)
	e[0] = common.LinkChangeEntry
	e[1] = 0
	pm.U16Put(e[2:], links)
	machine.UInt32Put(e[4:], now32())
	machine.UInt32Put(e[8:], pi.Flags())
	machine.UInt32Put(e[12:], pi.Generation())
	sb.D.FlushFence(curr, common.LogEntrySize)
	sb.Gate.LockRange(curr, common.LogEntrySize)
	UpdateTail(sb, pi, curr+common.LogEntrySize)
	return curr, nil
}

// ApplyLinkChangeEntry replays a LINK_CHANGE entry during log rebuild.
func ApplyLinkChangeEntry(sb *super.Sb, pi *Inode, off uint64) {
	e := sb.D.Slice(off, common.LogEntrySize)
	sb.Gate.UnlockInode(pi.Off)
	pi.SetLinksCount(pm.U16Get(e[2:]))
	pi.SetCtime(machine.UInt32Get(e[4:]))
	pi.SetFlags(machine.UInt32Get(e[8:]))
	pi.SetGeneration(machine.UInt32Get(e[12:]))
	sb.Gate.LockInode(pi.Off)
}
