package pmemfs

import (
	"fmt"

	"github.com/pmemfs/pmemfs/common"
	"github.com/pmemfs/pmemfs/dir"
	"github.com/pmemfs/pmemfs/inode"
	"github.com/pmemfs/pmemfs/util"
)

// Lifecycle operations over the core: each one threads the journal, the
// directory log and index, the inode table and the truncate list together
// the way the data model requires.

// Create makes a regular file named name in directory dirIno and returns
// its inode number. The slot carve and the inode init run inside one
// journal transaction; the directory entry is published by the log tail
// update.
func (fs *Fs) Create(dirIno common.Ino, name string, mode uint16) (common.Ino, error) {
	return fs.create(dirIno, name, mode|inode.ModeReg, 0)
}

// Mkdir makes a directory, seeds its "." and ".." records and bumps the
// parent's link count.
func (fs *Fs) Mkdir(dirIno common.Ino, name string, mode uint16) (common.Ino, error) {
	return fs.create(dirIno, name, mode|inode.ModeDir, 1)
}

func (fs *Fs) create(dirIno common.Ino, name string, mode uint16,
	incLink int) (common.Ino, error) {
	sb := fs.Sb
	piDir, _, err := inode.Iget(sb, dirIno)
	if err != nil {
		return 0, err
	}
	idx, err := fs.DirIndex(dirIno)
	if err != nil {
		return 0, err
	}
	if idx.Find(sb, name) != nil {
		return 0, fmt.Errorf("create %s: %w", name, common.ErrExists)
	}

	tx, err := sb.Jrnl.NewTransaction(4)
	if err != nil {
		return 0, err
	}
	ino, pi, err := inode.NewInode(sb, tx, mode, common.Block4K, piDir.Flags())
	if err != nil {
		tx.Abort()
		return 0, err
	}

	sb.Locks.Acquire(dirIno)
	_, newTail, _, err := dir.AddEntry(sb, piDir, idx, name, ino, incLink,
		false, piDir.LogTail())
	if err != nil {
		sb.Locks.Release(dirIno)
		tx.Abort()
		return 0, err
	}
	inode.UpdateTail(sb, piDir, newTail)
	if incLink > 0 {
		sb.Gate.UnlockInode(piDir.Off)
		piDir.SetLinksCount(uint16(int(piDir.LinksCount()) + incLink))
		piDir.Flush(sb)
		sb.Gate.LockInode(piDir.Off)
	}
	sb.Locks.Release(dirIno)
	tx.Commit()

	if mode&inode.ModeFmt == inode.ModeDir {
		sb.Gate.UnlockInode(pi.Off)
		pi.SetLinksCount(2)
		pi.SetSize(common.MetaBlockSize)
		pi.Flush(sb)
		sb.Gate.LockInode(pi.Off)
		if err := dir.AppendDirInitEntries(sb, pi, ino, dirIno); err != nil {
			return 0, err
		}
	}
	util.DPrintf(5, "create %s -> ino %d", name, ino)
	return ino, nil
}

// Lookup resolves name in dirIno through the DRAM index.
func (fs *Fs) Lookup(dirIno common.Ino, name string) (common.Ino, error) {
	idx, err := fs.DirIndex(dirIno)
	if err != nil {
		return 0, err
	}
	n := idx.Find(fs.Sb, name)
	if n == nil {
		return 0, fmt.Errorf("lookup %s: %w", name, common.ErrAccessDenied)
	}
	return n.Ino, nil
}

// unlinkCommon appends the tombstone and drops the target's link count,
// entering the truncate list once it hits zero.
func (fs *Fs) unlinkCommon(dirIno common.Ino, name string, decLink int,
	inUse bool) (common.Ino, error) {
	sb := fs.Sb
	piDir, _, err := inode.Iget(sb, dirIno)
	if err != nil {
		return 0, err
	}
	idx, err := fs.DirIndex(dirIno)
	if err != nil {
		return 0, err
	}
	n := idx.Find(sb, name)
	if n == nil {
		return 0, fmt.Errorf("unlink %s: %w", name, common.ErrAccessDenied)
	}
	ino := n.Ino
	pi, _, err := inode.Iget(sb, ino)
	if err != nil {
		return 0, err
	}

	sb.Locks.Acquire(dirIno)
	newTail, err := dir.RemoveEntry(sb, piDir, idx, name, decLink, piDir.LogTail())
	if err != nil {
		sb.Locks.Release(dirIno)
		return 0, err
	}
	inode.UpdateTail(sb, piDir, newTail)
	if decLink < 0 {
		sb.Gate.UnlockInode(piDir.Off)
		piDir.SetLinksCount(uint16(int(piDir.LinksCount()) + decLink))
		piDir.Flush(sb)
		sb.Gate.LockInode(piDir.Off)
	}
	sb.Locks.Release(dirIno)

	links := pi.LinksCount()
	if pi.IsDir() {
		// A directory dies with its entry; record the drop in its log.
		links = 0
		if _, err := inode.AppendLinkChangeEntry(sb, pi, links); err != nil {
			return 0, err
		}
	} else if links > 0 {
		// File logs hold only write entries; the count changes in place.
		links--
	}
	sb.Gate.UnlockInode(pi.Off)
	pi.SetLinksCount(links)
	pi.FlushAll(sb)
	sb.Gate.LockInode(pi.Off)
	sb.D.Barrier()

	if links == 0 {
		// Pending reclamation must survive a crash from here on.
		inode.TruncateAdd(sb, ino, pi, 0)
		if !inUse {
			if err := inode.Evict(sb, ino, pi); err != nil {
				return 0, err
			}
			fs.dropHeader(ino)
		}
	}
	return ino, nil
}

// Unlink removes a file entry. With inUse set the inode stays on the
// truncate list for Release (or crash recovery) to finish.
func (fs *Fs) Unlink(dirIno common.Ino, name string, inUse bool) error {
	_, err := fs.unlinkCommon(dirIno, name, 0, inUse)
	return err
}

// Rmdir removes an empty directory.
func (fs *Fs) Rmdir(dirIno common.Ino, name string) error {
	sb := fs.Sb
	ino, err := fs.Lookup(dirIno, name)
	if err != nil {
		return err
	}
	pi, _, err := inode.Iget(sb, ino)
	if err != nil {
		return err
	}
	if !pi.IsDir() {
		return fmt.Errorf("rmdir %s: %w", name, common.ErrInvalid)
	}
	idx, err := fs.DirIndex(ino)
	if err != nil {
		return err
	}
	if idx.Len() > 2 {
		return fmt.Errorf("rmdir %s: directory not empty: %w", name, common.ErrInvalid)
	}
	_, err = fs.unlinkCommon(dirIno, name, -1, false)
	return err
}

// Release finishes an unlink-while-open: the last reference is gone, so
// evict the inode and let it leave the truncate list.
func (fs *Fs) Release(ino common.Ino) error {
	pi, err := inode.GetInode(fs.Sb, ino)
	if err != nil {
		return err
	}
	if err := inode.Evict(fs.Sb, ino, pi); err != nil {
		return err
	}
	fs.dropHeader(ino)
	return nil
}

// Write stores data at off in the file ino.
func (fs *Fs) Write(ino common.Ino, off uint64, data []byte) error {
	pi, _, err := inode.Iget(fs.Sb, ino)
	if err != nil {
		return err
	}
	h, err := fs.Header(ino)
	if err != nil {
		return err
	}
	return inode.WriteData(fs.Sb, pi, h, ino, off, data)
}

// Read copies up to n bytes at off out of the file ino.
func (fs *Fs) Read(ino common.Ino, off uint64, n uint64) ([]byte, error) {
	pi, _, err := inode.Iget(fs.Sb, ino)
	if err != nil {
		return nil, err
	}
	h, err := fs.Header(ino)
	if err != nil {
		return nil, err
	}
	return inode.ReadData(fs.Sb, pi, h, off, n), nil
}

// Truncate changes the file size through the full setattr protocol.
func (fs *Fs) Truncate(ino common.Ino, size uint64) error {
	pi, _, err := inode.Iget(fs.Sb, ino)
	if err != nil {
		return err
	}
	h, err := fs.Header(ino)
	if err != nil {
		return err
	}
	return inode.Setattr(fs.Sb, ino, pi, h, inode.AttrSize, inode.Attrs{Size: size})
}

// Readdir lists the directory in hash order.
func (fs *Fs) Readdir(ino common.Ino) ([]string, error) {
	idx, err := fs.DirIndex(ino)
	if err != nil {
		return nil, err
	}
	var names []string
	idx.Ascend(func(n *dir.Node) bool {
		if n.Ino != 0 {
			e := dir.EntryView(fs.Sb, n.Nvmm)
			names = append(names, e.Name(fs.Sb))
		}
		return true
	})
	return names, nil
}
