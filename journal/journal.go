// Package journal provides the small atomic-update transactions the inode
// layer wraps around multi-record metadata changes (inode slot carve and
// release, multi-field setattr, table grow).
//
// It is an undo journal over a fixed PM area. AddLogentry snapshots the
// current bytes of the record about to change; the caller then mutates the
// record in place. Commit orders the mutations with a barrier and retires
// the snapshots. If the system dies mid-transaction, Recover copies the
// snapshots back, so a torn multi-record update never becomes visible.
//
// The caller uses the journal by beginning a transaction, logging each
// record before modifying it, and finally committing. To abort, call
// Abort, which applies the undo records immediately.
package journal

import (
	"sync"

	"github.com/tchajed/marshal"

	"github.com/pmemfs/pmemfs/common"
	"github.com/pmemfs/pmemfs/pm"
	"github.com/pmemfs/pmemfs/util"
)

// Log entry kinds; only LeData is in use.
const (
	LeData uint8 = 1 + iota
)

const (
	hdrSize   = 64
	entryHdr  = 16
	entryData = 128 // max bytes snapshotted per entry
)

// PM header layout: [0] u32 nentries (live undo records). Undo record i
// sits at hdrSize + i*(entryHdr+entryData) within the area.
type Journal struct {
	mu   sync.Mutex
	d    *pm.Device
	base uint64
	size uint64
	held bool // a transaction is open
}

type Tx struct {
	j   *Journal
	n   int
	max int
}

func New(d *pm.Device, base uint64, size uint64) *Journal {
	return &Journal{d: d, base: base, size: size}
}

// Init zeroes the journal area; only mkfs calls this.
func (j *Journal) Init() {
	j.d.MemsetNT(j.base, j.size)
	j.d.Barrier()
}

func (j *Journal) nentries() uint32 {
	dec := marshal.NewDec(j.d.Slice(j.base, 4))
	return dec.GetInt32()
}

func (j *Journal) setNentries(n uint32, fence bool) {
	j.d.Store32(j.base, n)
	j.d.Flush(j.base, 4)
	if fence {
		j.d.Barrier()
	}
}

// NewTransaction opens a transaction with room for at most maxEntries undo
// records. It fails with ErrNoSpace if the area cannot hold them.
func (j *Journal) NewTransaction(maxEntries int) (*Tx, error) {
	need := uint64(maxEntries) * (entryHdr + entryData)
	if hdrSize+need > j.size {
		util.DPrintf(1, "journal: transaction of %d entries does not fit", maxEntries)
		return nil, common.ErrNoSpace
	}
	j.mu.Lock()
	j.held = true
	return &Tx{j: j, max: maxEntries}, nil
}

// InTransaction reports whether a transaction is currently open on the
// journal, whichever caller opened it; callers skip their own persistence
// barrier when the commit will issue one.
func (j *Journal) InTransaction() bool {
	return j.held
}

// AddLogentry snapshots size bytes at addr before the caller modifies them.
func (tx *Tx) AddLogentry(addr uint64, size uint32, kind uint8) {
	if tx.n >= tx.max {
		panic("journal: too many log entries")
	}
	if size > entryData {
		panic("journal: log entry too large")
	}
	j := tx.j
	off := j.base + hdrSize + uint64(tx.n)*(entryHdr+entryData)
	e := j.d.Slice(off, entryHdr+entryData)
	enc := marshal.NewEnc(entryHdr)
	enc.PutInt(addr)
	enc.PutInt32(size)
	enc.PutInt32(uint32(kind))
	copy(e[:entryHdr], enc.Finish())
	copy(e[entryHdr:], j.d.Slice(addr, uint64(size)))
	j.d.Flush(off, entryHdr+uint64(size))
	j.d.Barrier()
	tx.n++
	j.setNentries(uint32(tx.n), true)
}

// Commit makes every mutation since NewTransaction durable as a unit.
func (tx *Tx) Commit() {
	j := tx.j
	j.d.Barrier()
	j.setNentries(0, true)
	j.held = false
	j.mu.Unlock()
}

// Abort rolls the logged records back to their snapshots.
func (tx *Tx) Abort() {
	j := tx.j
	j.applyUndo(uint32(tx.n))
	j.setNentries(0, true)
	j.held = false
	j.mu.Unlock()
}

func (j *Journal) applyUndo(n uint32) {
	for i := int(n) - 1; i >= 0; i-- {
		off := j.base + hdrSize + uint64(i)*(entryHdr+entryData)
		e := j.d.Slice(off, entryHdr+entryData)
		dec := marshal.NewDec(e[:entryHdr])
		addr := dec.GetInt()
		size := dec.GetInt32()
		copy(j.d.Slice(addr, uint64(size)), e[entryHdr:entryHdr+size])
		j.d.Flush(addr, uint64(size))
	}
	j.d.Barrier()
}

// Recover undoes a transaction that was open at crash time. Idempotent.
func (j *Journal) Recover() {
	n := j.nentries()
	if n == 0 {
		return
	}
	util.DPrintf(1, "journal: undoing %d records from interrupted transaction", n)
	j.applyUndo(n)
	j.setNentries(0, true)
}
