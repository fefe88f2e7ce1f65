// Package wprotect is the memory-protection gate for PM writes. A writer
// opens a scoped unlock for the inode, block or range it is about to modify
// and closes it before returning.
//
// When enforcement is requested on a mapped device the gate toggles page
// protection with mprotect; otherwise it only tracks balance, which the
// tests assert returns to zero. super.NewSb creates its gate without
// enforcement, so the window stays writable.
package wprotect

import (
	"sync/atomic"

	"github.com/pmemfs/pmemfs/common"
	"github.com/pmemfs/pmemfs/pm"
	"github.com/pmemfs/pmemfs/util"
)

type Gate struct {
	d       *pm.Device
	enabled bool
	balance int64
}

// NewGate wraps d. When enforce is set and the device is mapped, the gate
// drives mprotect; otherwise unlock/lock only keep the balance.
func NewGate(d *pm.Device, enforce bool) *Gate {
	return &Gate{d: d, enabled: enforce && d.Mapped()}
}

func (g *Gate) unlock(off uint64, n uint64) {
	atomic.AddInt64(&g.balance, 1)
	if g.enabled {
		if err := g.d.Mprotect(off, n, true); err != nil {
			util.Error("wprotect: unlock [%d,%d): %v", off, off+n, err)
		}
	}
}

func (g *Gate) lock(off uint64, n uint64) {
	if g.enabled {
		if err := g.d.Mprotect(off, n, false); err != nil {
			util.Error("wprotect: lock [%d,%d): %v", off, off+n, err)
		}
	}
	atomic.AddInt64(&g.balance, -1)
}

func (g *Gate) UnlockInode(off uint64) { g.unlock(off, common.InodeSize) }
func (g *Gate) LockInode(off uint64)   { g.lock(off, common.InodeSize) }

func (g *Gate) UnlockBlock(off uint64) { g.unlock(common.BlockOff(off), common.MetaBlockSize) }
func (g *Gate) LockBlock(off uint64)   { g.lock(common.BlockOff(off), common.MetaBlockSize) }

func (g *Gate) UnlockRange(off uint64, n uint64) { g.unlock(off, n) }
func (g *Gate) LockRange(off uint64, n uint64)   { g.lock(off, n) }

func (g *Gate) UnlockSuper() { g.unlock(0, 2*4096) }
func (g *Gate) LockSuper()   { g.lock(0, 2*4096) }

// Balance reports outstanding unlocks; zero means every unlock was paired.
func (g *Gate) Balance() int64 {
	return atomic.LoadInt64(&g.balance)
}
