// Package dir maintains the DRAM index of a directory inode and the
// directory log entries it is built from. The index is an ordered map
// keyed by the 31-bit BKDR hash of the entry name; the log is the source
// of truth and the index is rebuilt from it at mount.
package dir

import (
	"github.com/google/btree"

	"github.com/pmemfs/pmemfs/common"
	"github.com/pmemfs/pmemfs/super"
	"github.com/pmemfs/pmemfs/util"
)

// Node is one directory index entry: the name hash, the target ino and
// the PM offset of the DIR_LOG entry that created it.
type Node struct {
	Hash uint32
	Ino  common.Ino
	Nvmm uint64
}

// Less orders nodes by hash alone. Colliding names within one directory
// land on the same node; the collision is logged and the first entry wins
// (matching the source behavior this index descends from).
func (n *Node) Less(than btree.Item) bool {
	return n.Hash < than.(*Node).Hash
}

type Index struct {
	tree *btree.BTree
}

func NewIndex() *Index {
	return &Index{tree: btree.New(8)}
}

func (idx *Index) Len() int {
	return idx.tree.Len()
}

// checkCollision double-checks the stored entry's name against the lookup
// name; mismatches are logged but the hash still decides.
func checkCollision(sb *super.Sb, curr *Node, name string) {
	if curr.Nvmm == 0 {
		panic("dir index: node without log entry")
	}
	e := entryAt(sb, curr.Nvmm)
	if e.NameLen() != len(name) {
		util.DPrintf(1, "dir name len does not match: %d %d", len(name), e.NameLen())
	} else if e.Name(sb) != name {
		util.DPrintf(1, "dir name does not match: %s %s", name, e.Name(sb))
	}
}

// Insert links a fresh node for name; a hash hit is treated as an existing
// entry.
func (idx *Index) Insert(sb *super.Sb, name string, ino common.Ino, entryOff uint64) error {
	hash := common.BKDRHash(name)
	util.DPrintf(8, "dir insert %s @ %x", name, entryOff)
	if got := idx.tree.Get(&Node{Hash: hash}); got != nil {
		checkCollision(sb, got.(*Node), name)
		util.DPrintf(1, "dir entry %s already exists", name)
		return common.ErrExists
	}
	idx.tree.ReplaceOrInsert(&Node{Hash: hash, Ino: ino, Nvmm: entryOff})
	return nil
}

// Find returns the node for name, nil if absent.
func (idx *Index) Find(sb *super.Sb, name string) *Node {
	got := idx.tree.Get(&Node{Hash: common.BKDRHash(name)})
	if got == nil {
		return nil
	}
	n := got.(*Node)
	checkCollision(sb, n, name)
	return n
}

// Remove unlinks the node for name.
func (idx *Index) Remove(sb *super.Sb, name string) {
	idx.tree.Delete(&Node{Hash: common.BKDRHash(name)})
}

// Ascend visits the nodes in hash order until fn returns false.
func (idx *Index) Ascend(fn func(*Node) bool) {
	idx.tree.Ascend(func(it btree.Item) bool {
		return fn(it.(*Node))
	})
}

// Clear drops every node; the PM log is untouched.
func (idx *Index) Clear() {
	idx.tree.Clear(false)
}

// DeleteIndex drops the DRAM side of a directory being evicted.
func DeleteIndex(idx *Index) {
	if idx != nil {
		idx.Clear()
	}
}
