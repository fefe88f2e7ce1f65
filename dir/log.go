package dir

import (
	"time"

	"github.com/tchajed/goose/machine"

	"github.com/pmemfs/pmemfs/common"
	"github.com/pmemfs/pmemfs/inode"
	"github.com/pmemfs/pmemfs/pm"
	"github.com/pmemfs/pmemfs/super"
	"github.com/pmemfs/pmemfs/util"
)

// Entry is a view over one DIR_LOG record:
//
//	0  entry_type
//	1  name_len
//	2  file_type
//	3  new_inode (followed by an inlined inode record?)
//	4  de_len
//	6  links_count
//	8  mtime
//	12 ino
//	20 size
//	28 name (record padded to 4 bytes)
type Entry struct {
	d   *pm.Device
	off uint64
}

func entryAt(sb *super.Sb, off uint64) Entry {
	return Entry{d: sb.D, off: off}
}

// EntryView exposes the entry view to readdir-style callers.
func EntryView(sb *super.Sb, off uint64) Entry {
	return entryAt(sb, off)
}

func (e Entry) bytes() []byte      { return e.d.Slice(e.off, 28) }
func (e Entry) Type() uint8        { return e.bytes()[0] }
func (e Entry) NameLen() int       { return int(e.bytes()[1]) }
func (e Entry) NewInode() bool     { return e.bytes()[3] != 0 }
func (e Entry) DeLen() uint64      { return uint64(pm.U16Get(e.bytes()[4:])) }
func (e Entry) LinksCount() uint16 { return pm.U16Get(e.bytes()[6:]) }
func (e Entry) Mtime() uint32      { return machine.UInt32Get(e.bytes()[8:]) }
func (e Entry) Ino() common.Ino    { return machine.UInt64Get(e.bytes()[12:]) }
func (e Entry) Size() uint64       { return machine.UInt64Get(e.bytes()[20:]) }

func (e Entry) Name(sb *super.Sb) string {
	return string(sb.D.Slice(e.off+28, uint64(e.NameLen())))
}

func now32() uint32 {
	return uint32(time.Now().Unix())
}

// appendDirEntry reserves the append head of the directory's log and
// builds a DIR_LOG record there. With newInode set the caller gets the PM
// offset reserved for the inlined inode record (cacheline aligned behind
// the entry). Returns (entry offset, new tail, inode offset).
func appendDirEntry(sb *super.Sb, piDir *inode.Inode, name string, ino common.Ino,
	linkChange int, newInode bool, tail uint64) (uint64, uint64, uint64, error) {
	deLen := common.DirLogRecLen(len(name))
	curr, err := inode.GetAppendHead(sb, piDir, tail, deLen, newInode, false)
	if err != nil {
		return 0, 0, 0, err
	}

	links := int(piDir.LinksCount()) + linkChange
	if links < 0 {
		links = 0
	}

	sb.Gate.UnlockRange(curr, deLen)
	e := sb.D.Slice(curr, deLen)
	e[0] = common.DirLogEntry
	e[1] = uint8(len(name))
	e[2] = 0
	if newInode {
		e[3] = 1
	} else {
		e[3] = 0
	}
	pm.U16Put(e[4:], uint16(deLen))
	pm.U16Put(e[6:], uint16(links))
	machine.UInt32Put(e[8:], now32())
	machine.UInt64Put(e[12:], ino)
	machine.UInt64Put(e[20:], piDir.Size())
	copy(e[28:], name)
	sb.D.Flush(curr, deLen)
	sb.Gate.LockRange(curr, deLen)

	newTail := curr + deLen
	var inodeOff uint64
	if newInode {
		if inode.IsLastEntry(curr, deLen, true) {
			inodeOff = inode.NextLogPage(sb, curr)
		} else if newTail&(common.CachelineSize-1) == 0 {
			inodeOff = newTail
		} else {
			inodeOff = common.CacheAlign(newTail) + common.CachelineSize
		}
		newTail = inodeOff + common.InodeSize
	}
	util.DPrintf(8, "dir entry @ %x: ino %d, entry len %d, name %q",
		curr, ino, deLen, name)
	return curr, newTail, inodeOff, nil
}

// AddEntry appends a directory entry pointing at ino and indexes it. The
// caller publishes the returned tail with inode.UpdateTail once the whole
// operation is assembled. incLink tracks a mkdir-style parent link bump.
func AddEntry(sb *super.Sb, piDir *inode.Inode, idx *Index, name string,
	ino common.Ino, incLink int, newInode bool, tail uint64) (uint64, uint64, uint64, error) {
	if len(name) == 0 {
		return 0, 0, 0, common.ErrInvalid
	}
	util.DPrintf(8, "add_entry: %s -> %d", name, ino)
	entryOff, newTail, inodeOff, err := appendDirEntry(sb, piDir, name, ino,
		incLink, newInode, tail)
	if err != nil {
		return 0, 0, 0, err
	}
	sb.Gate.UnlockInode(piDir.Off)
	piDir.SetMtime(now32())
	piDir.SetCtime(now32())
	piDir.Flush(sb)
	sb.Gate.LockInode(piDir.Off)
	if err := idx.Insert(sb, name, ino, entryOff); err != nil {
		return 0, 0, 0, err
	}
	return entryOff, newTail, inodeOff, nil
}

// RemoveEntry appends a tombstone (ino == 0) and drops the index node.
func RemoveEntry(sb *super.Sb, piDir *inode.Inode, idx *Index, name string,
	decLink int, tail uint64) (uint64, error) {
	if len(name) == 0 {
		return 0, common.ErrInvalid
	}
	util.DPrintf(8, "remove_entry: %s", name)
	_, newTail, _, err := appendDirEntry(sb, piDir, name, 0, decLink, false, tail)
	if err != nil {
		return 0, err
	}
	sb.Gate.UnlockInode(piDir.Off)
	piDir.SetMtime(now32())
	piDir.SetCtime(now32())
	piDir.Flush(sb)
	sb.Gate.LockInode(piDir.Off)
	idx.Remove(sb, name)
	return newTail, nil
}

// AppendDirInitEntries seeds a fresh directory log with its "." and ".."
// records.
func AppendDirInitEntries(sb *super.Sb, piDir *inode.Inode, selfIno common.Ino,
	parentIno common.Ino) error {
	if piDir.LogHead() != 0 {
		util.DPrintf(1, "dir log head already exists @ %x", piDir.LogHead())
		return common.ErrInvalid
	}
	newBlock, err := inode.AllocateLogPages(sb, piDir, 1)
	if err != nil {
		util.Error("no inode log page available")
		return err
	}
	sb.Gate.UnlockInode(piDir.Off)
	piDir.SetLogHead(newBlock)
	piDir.SetLogTail(newBlock)
	piDir.SetLogPages(1)
	piDir.SetBlocks(1)
	sb.D.FlushFence(piDir.Off, common.InodeSize)
	sb.Gate.LockInode(piDir.Off)

	curr := newBlock
	for _, init := range []struct {
		name  string
		ino   common.Ino
		links uint16
	}{
		{".", selfIno, 1},
		{"..", parentIno, 2},
	} {
		deLen := common.DirLogRecLen(len(init.name))
		sb.Gate.UnlockRange(curr, deLen)
		e := sb.D.Slice(curr, deLen)
		e[0] = common.DirLogEntry
		e[1] = uint8(len(init.name))
		pm.U16Put(e[4:], uint16(deLen))
		pm.U16Put(e[6:], init.links)
		machine.UInt32Put(e[8:], now32())
		machine.UInt64Put(e[12:], init.ino)
		machine.UInt64Put(e[20:], common.MetaBlockSize)
		copy(e[28:], init.name)
		sb.D.Flush(curr, deLen)
		sb.Gate.LockRange(curr, deLen)
		curr += deLen
	}
	inode.UpdateTail(sb, piDir, curr)
	return nil
}

// applyDirTimeAndSize folds a replayed entry's metadata into the inode.
func applyDirTimeAndSize(sb *super.Sb, pi *inode.Inode, e Entry) {
	sb.Gate.UnlockInode(pi.Off)
	pi.SetCtime(e.Mtime())
	pi.SetMtime(e.Mtime())
	pi.SetSize(e.Size())
	pi.SetLinksCount(e.LinksCount())
	sb.Gate.LockInode(pi.Off)
}

// Rebuild reconstructs the DRAM index of a directory from its log,
// applying interleaved SET_ATTR and LINK_CHANGE entries along the way.
// Replay problems (a duplicate hash, a malformed record) stop the replay
// but keep the index built so far; the chain bookkeeping still completes.
// Returns the index and the counted chain length.
func Rebuild(sb *super.Sb, piDir *inode.Inode, hdr *inode.Header) (*Index, uint32) {
	util.DPrintf(5, "rebuild dir %d tree", hdr.Ino)
	idx := NewIndex()

	curr := piDir.LogHead()
	if curr == 0 {
		util.Error("dir %d log is NULL", hdr.Ino)
		panic("rebuild dir: no log")
	}
	tail := piDir.LogTail()
	pages := uint32(1)

	for curr != tail {
		if inode.IsLastDirEntry(sb, curr) {
			pages++
			curr = inode.NextLogPage(sb, curr)
		}
		if curr == 0 {
			util.Error("dir %d log is NULL", hdr.Ino)
			panic("rebuild dir: broken chain")
		}

		switch typ := sb.D.Slice(curr, 1)[0]; typ {
		case common.SetattrEntry:
			inode.ApplySetattrEntry(sb, piDir, curr)
			curr += common.LogEntrySize
			continue
		case common.LinkChangeEntry:
			inode.ApplyLinkChangeEntry(sb, piDir, curr)
			curr += common.LogEntrySize
			continue
		case common.DirLogEntry:
		default:
			util.Error("unknown dir log entry type %d @ %x", typ, curr)
			panic("rebuild dir: unknown entry type")
		}

		e := entryAt(sb, curr)
		var err error
		if e.Ino() > 0 {
			err = idx.Insert(sb, e.Name(sb), e.Ino(), curr)
		} else {
			idx.Remove(sb, e.Name(sb))
		}
		if err != nil {
			// Best effort: keep the index built so far and stop
			// replaying; the log stays the source of truth.
			util.Error("dir %d rebuild: %v", hdr.Ino, err)
			break
		}
		applyDirTimeAndSize(sb, piDir, e)

		deLen := e.DeLen()
		wasNewInode := e.NewInode()
		curr += deLen

		// An inlined inode record follows; skip to its end.
		if wasNewInode {
			if inode.IsLastEntry(curr-deLen, deLen, true) {
				pages++
				curr = inode.NextLogPage(sb, curr)
			} else if curr&(common.CachelineSize-1) != 0 {
				curr = common.CacheAlign(curr) + common.CachelineSize
			}
			curr += common.InodeSize
		}
	}
	piDir.FlushAll(sb)

	// Keep counting pages to the end of the chain.
	curr = common.BlockOff(curr)
	for {
		next := inode.NextLogPage(sb, curr)
		if next == 0 {
			break
		}
		pages++
		curr = next
	}
	return idx, pages
}
