// Package pmemfs assembles the persistent data-structure core: the super
// block, allocator, journal, inode table, truncate list and per-directory
// indexes, over one byte-addressable PM window.
package pmemfs

import (
	"fmt"
	"sync"

	"github.com/pmemfs/pmemfs/common"
	"github.com/pmemfs/pmemfs/dir"
	"github.com/pmemfs/pmemfs/inode"
	"github.com/pmemfs/pmemfs/pm"
	"github.com/pmemfs/pmemfs/super"
	"github.com/pmemfs/pmemfs/util"
)

type Fs struct {
	Sb *super.Sb

	mu      sync.Mutex
	headers map[common.Ino]*inode.Header
	dirs    map[common.Ino]*dir.Index
}

func newFs(sb *super.Sb) *Fs {
	return &Fs{
		Sb:      sb,
		headers: make(map[common.Ino]*inode.Header),
		dirs:    make(map[common.Ino]*dir.Index),
	}
}

// Header returns (creating if needed) the DRAM header of ino.
func (fs *Fs) Header(ino common.Ino) (*inode.Header, error) {
	fs.mu.Lock()
	if h, ok := fs.headers[ino]; ok {
		fs.mu.Unlock()
		return h, nil
	}
	fs.mu.Unlock()
	off, err := inode.GetInodeOff(fs.Sb, ino)
	if err != nil {
		return nil, err
	}
	h := inode.NewHeader(ino, off)
	fs.mu.Lock()
	fs.headers[ino] = h
	fs.mu.Unlock()
	return h, nil
}

func (fs *Fs) dropHeader(ino common.Ino) {
	fs.mu.Lock()
	delete(fs.headers, ino)
	delete(fs.dirs, ino)
	fs.mu.Unlock()
}

// DirIndex returns the DRAM index of a directory, rebuilding it from the
// log on first use.
func (fs *Fs) DirIndex(ino common.Ino) (*dir.Index, error) {
	fs.mu.Lock()
	if idx, ok := fs.dirs[ino]; ok {
		fs.mu.Unlock()
		return idx, nil
	}
	fs.mu.Unlock()

	pi, _, err := inode.Iget(fs.Sb, ino)
	if err != nil {
		return nil, err
	}
	if !pi.IsDir() {
		return nil, fmt.Errorf("ino %d: %w", ino, common.ErrInvalid)
	}
	hdr, err := fs.Header(ino)
	if err != nil {
		return nil, err
	}
	idx, _ := dir.Rebuild(fs.Sb, pi, hdr)
	fs.mu.Lock()
	fs.dirs[ino] = idx
	fs.mu.Unlock()
	return idx, nil
}

// Mkfs formats the device: super block, journal, basic inodes, inode
// table and the root directory with its "." and ".." entries.
func Mkfs(d *pm.Device, opts super.Options) (*Fs, error) {
	sb := super.NewSb(d, opts)
	sb.WriteSuper()
	sb.Jrnl.Init()

	// Basic inode area starts zeroed.
	sb.Gate.UnlockRange(super.BasicInodeStart, 3*common.InodeSize)
	d.MemsetNT(super.BasicInodeStart, 3*common.InodeSize)
	sb.Gate.LockRange(super.BasicInodeStart, 3*common.InodeSize)

	if err := inode.InitInodeTable(sb); err != nil {
		return nil, err
	}

	// The blocknode inode belongs to the allocator's save/restore path;
	// format it as an empty placeholder slot.
	bn := inode.At(sb, sb.BasicInodeOff(common.BlocknodeIno))
	sb.Gate.UnlockInode(bn.Off)
	bn.SetLinksCount(1)
	bn.SetBlkType(common.Block4K)
	bn.FlushAll(sb)
	sb.Gate.LockInode(bn.Off)

	root := inode.At(sb, sb.BasicInodeOff(common.RootIno))
	sb.Gate.UnlockInode(root.Off)
	root.SetMode(inode.ModeDir | 0755)
	root.SetUid(opts.Uid)
	root.SetGid(opts.Gid)
	root.SetLinksCount(2)
	root.SetBlkType(common.Block4K)
	root.SetSize(common.MetaBlockSize)
	root.FlushAll(sb)
	sb.Gate.LockInode(root.Off)
	if err := dir.AppendDirInitEntries(sb, root, common.RootIno, common.RootIno); err != nil {
		return nil, err
	}
	sb.D.Barrier()

	fs := newFs(sb)
	if _, err := fs.DirIndex(common.RootIno); err != nil {
		return nil, err
	}
	util.DPrintf(1, "mkfs: %d bytes, %d inodes", d.Size(), sb.InodesCount)
	return fs, nil
}

// Mount attaches to a formatted device: validate the super block, undo
// any interrupted journal transaction, rebuild the allocator and the
// per-inode DRAM state from the logs, and complete the work parked on the
// truncate list.
func Mount(d *pm.Device, opts super.Options) (*Fs, error) {
	sb := super.NewSb(d, opts)
	if err := sb.CheckSuper(); err != nil {
		return nil, err
	}
	sb.Jrnl.Recover()

	fs := newFs(sb)
	if err := fs.recover(); err != nil {
		return nil, err
	}
	util.DPrintf(1, "mount: %d inodes, %d free blocks",
		sb.InodesCount, sb.Alloc.FreeCount())
	return fs, nil
}
