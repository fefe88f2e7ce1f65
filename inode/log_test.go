package inode_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pmemfs/pmemfs/common"
	"github.com/pmemfs/pmemfs/inode"
	"github.com/pmemfs/pmemfs/super"
)

// countLogPages walks the chain from log_head.
func countLogPages(sb *super.Sb, pi *inode.Inode) uint32 {
	var n uint32
	for curr := pi.LogHead(); curr != 0; curr = inode.NextLogPage(sb, curr) {
		n++
	}
	return n
}

// logContains reports whether off lies on a page of the chain.
func logContains(sb *super.Sb, pi *inode.Inode, off uint64) bool {
	want := common.BlockOff(off)
	for curr := pi.LogHead(); curr != 0; curr = inode.NextLogPage(sb, curr) {
		if common.BlockOff(curr) == want {
			return true
		}
	}
	return false
}

func TestAllocateLogPagesChained(t *testing.T) {
	sb := mkSb(t, 4096)
	_, pi, _ := mkFileInode(t, sb)

	first, err := inode.AllocateLogPages(sb, pi, 4)
	require.NoError(t, err)

	curr := first
	for i := 0; i < 3; i++ {
		next := inode.NextLogPage(sb, curr)
		require.NotZero(t, next, "page %d has a successor", i)
		curr = next
	}
	require.Zero(t, inode.NextLogPage(sb, curr), "chain terminates")
}

func TestAppendSeedsEmptyLog(t *testing.T) {
	sb := mkSb(t, 4096)
	ino, pi, hdr := mkFileInode(t, sb)
	writeBlock(t, sb, ino, pi, hdr, 0, 'e')

	require.NotZero(t, pi.LogHead())
	require.NotZero(t, pi.LogTail())
	require.Equal(t, uint32(1), pi.LogPages())
	require.True(t, logContains(sb, pi, pi.LogTail()))
}

// Scenario: append a pageful of entries, rewrite every even block, grow.
// GC must free exactly the fully-invalidated pages and keep head <= tail
// on the chain.
func TestLogGarbageCollection(t *testing.T) {
	sb := mkSb(t, 8192)
	ino, pi, hdr := mkFileInode(t, sb)

	// 200 appends fill page 1 (127 entries) and run into page 2.
	for b := uint64(0); b < 200; b++ {
		writeBlock(t, sb, ino, pi, hdr, b, byte(b))
	}
	require.Equal(t, countLogPages(sb, pi), pi.LogPages())

	// Rewrite every even block: half of every page's entries die.
	for b := uint64(0); b < 200; b += 2 {
		writeBlock(t, sb, ino, pi, hdr, b, byte(b+1))
	}
	// Nothing fully dead yet; chain intact.
	require.Equal(t, countLogPages(sb, pi), pi.LogPages())

	// Rewrite the odd blocks of the first page too, so its entries are
	// all superseded, then keep appending until the log grows again.
	for b := uint64(1); b < 127; b += 2 {
		writeBlock(t, sb, ino, pi, hdr, b, byte(b+1))
	}
	for b := uint64(0); b < 300; b++ {
		writeBlock(t, sb, ino, pi, hdr, 300+b, 'g')
	}

	// The invariants survive any number of grow+GC rounds.
	assert.Equal(t, countLogPages(sb, pi), pi.LogPages(),
		"log_pages matches the chain length")
	assert.True(t, logContains(sb, pi, pi.LogHead()), "head on the chain")
	assert.True(t, logContains(sb, pi, pi.LogTail()), "tail on the chain")

	// Every block still reads back its latest value.
	for _, b := range []uint64{0, 1, 2, 126, 127, 199} {
		want := byte(b)
		if b < 127 || b%2 == 0 {
			want = byte(b + 1)
		}
		got := inode.ReadData(sb, pi, hdr, b<<common.MetaBlockBits, 1)
		assert.Equal(t, []byte{want}, got, "block %d", b)
	}
}

func TestFreeInodeLog(t *testing.T) {
	sb := mkSb(t, 8192)
	ino, pi, hdr := mkFileInode(t, sb)
	for b := uint64(0); b < 300; b++ {
		writeBlock(t, sb, ino, pi, hdr, b, 'f')
	}
	pages := uint64(pi.LogPages())
	require.NotZero(t, pages)

	free := sb.Alloc.FreeCount()
	inode.FreeInodeLog(sb, pi)
	assert.Zero(t, pi.LogHead())
	assert.Zero(t, pi.LogTail())
	assert.Zero(t, pi.LogPages())
	assert.Equal(t, free+pages, sb.Alloc.FreeCount())
}

func TestRebuildFileTree(t *testing.T) {
	sb := mkSb(t, 8192)
	ino, pi, hdr := mkFileInode(t, sb)
	for b := uint64(0); b < 64; b++ {
		writeBlock(t, sb, ino, pi, hdr, b, byte('A'+b%26))
	}
	// Clobber the DRAM-visible tree and regenerate it from the log.
	require.NoError(t, inode.RebuildFileTree(sb, pi, hdr))
	for b := uint64(0); b < 64; b++ {
		got := inode.ReadData(sb, pi, hdr, b<<common.MetaBlockBits, 1)
		assert.Equal(t, []byte{byte('A' + b%26)}, got, "block %d", b)
	}
}

// mkDirInode carves a directory inode; attribute entries interleave with
// directory logs, never with file write logs.
func mkDirInode(t *testing.T, sb *super.Sb) (common.Ino, *inode.Inode) {
	t.Helper()
	tx, err := sb.Jrnl.NewTransaction(4)
	require.NoError(t, err)
	ino, pi, err := inode.NewInode(sb, tx, inode.ModeDir|0755, common.Block4K, 0)
	require.NoError(t, err)
	tx.Commit()
	return ino, pi
}

func TestSetattrEntryRoundTrip(t *testing.T) {
	sb := mkSb(t, 4096)
	_, pi := mkDirInode(t, sb)

	want := inode.Attrs{
		Mode: inode.ModeDir | 0700, Uid: 17, Gid: 23,
		Atime: 111, Mtime: 222, Ctime: 333, Size: 4096,
	}
	off, err := inode.AppendSetattrEntry(sb, pi, uint8(inode.AttrMode|inode.AttrUid), want)
	require.NoError(t, err)

	inode.ApplySetattrEntry(sb, pi, off)
	assert.Equal(t, want.Mode, pi.Mode())
	assert.Equal(t, want.Uid, pi.Uid())
	assert.Equal(t, want.Gid, pi.Gid())
	assert.Equal(t, want.Size, pi.Size())
}

func TestLinkChangeEntryRoundTrip(t *testing.T) {
	sb := mkSb(t, 4096)
	_, pi := mkDirInode(t, sb)

	off, err := inode.AppendLinkChangeEntry(sb, pi, 5)
	require.NoError(t, err)
	inode.ApplyLinkChangeEntry(sb, pi, off)
	assert.Equal(t, uint16(5), pi.LinksCount())
}
