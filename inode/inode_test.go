package inode_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pmemfs/pmemfs/common"
	"github.com/pmemfs/pmemfs/inode"
	"github.com/pmemfs/pmemfs/pm"
	"github.com/pmemfs/pmemfs/super"
)

// mkSb formats a memory device large enough for the tree tests.
func mkSb(t *testing.T, pages uint64) *super.Sb {
	t.Helper()
	d := pm.NewMemDevice(pages << common.MetaBlockBits)
	sb := super.NewSb(d, super.Options{})
	sb.WriteSuper()
	sb.Jrnl.Init()
	require.NoError(t, inode.InitInodeTable(sb))
	return sb
}

// mkFileInode carves a fresh regular-file inode out of the table.
func mkFileInode(t *testing.T, sb *super.Sb) (common.Ino, *inode.Inode, *inode.Header) {
	t.Helper()
	tx, err := sb.Jrnl.NewTransaction(4)
	require.NoError(t, err)
	ino, pi, err := inode.NewInode(sb, tx, inode.ModeReg|0644, common.Block4K, 0)
	require.NoError(t, err)
	tx.Commit()
	return ino, pi, inode.NewHeader(ino, pi.Off)
}

func TestNewInodeEmpty(t *testing.T) {
	sb := mkSb(t, 4096)
	ino, pi, _ := mkFileInode(t, sb)
	require.GreaterOrEqual(t, ino, common.NormalInoStart)
	require.Zero(t, pi.Root())
	require.Zero(t, pi.Height())
	require.Zero(t, pi.LogHead())
	require.Zero(t, pi.LogTail())
	require.Zero(t, pi.LogPages())
	require.True(t, pi.Active())
}

func TestIgetErrors(t *testing.T) {
	sb := mkSb(t, 4096)
	_, _, err := inode.Iget(sb, 0)
	require.ErrorIs(t, err, common.ErrAccessDenied)

	// A never-used table slot fails the active predicate.
	_, _, err = inode.Iget(sb, common.NormalInoStart+5)
	require.ErrorIs(t, err, common.ErrBadInode)

	// A deleted slot is stale.
	ino, pi, _ := mkFileInode(t, sb)
	require.NoError(t, inode.FreeInode(sb, ino, pi))
	_, _, err = inode.Iget(sb, ino)
	require.ErrorIs(t, err, common.ErrStale)
}

func TestInodeSlotReuse(t *testing.T) {
	sb := mkSb(t, 4096)
	ino, pi, _ := mkFileInode(t, sb)

	require.NoError(t, inode.FreeInode(sb, ino, pi))
	require.False(t, pi.Active())
	require.NotZero(t, pi.Dtime())

	ino2, _, _ := mkFileInode(t, sb)
	require.Equal(t, ino, ino2, "hint points the next allocation at the freed slot")
}

func TestTableGrowth(t *testing.T) {
	sb := mkSb(t, 8192)
	total := sb.InodesCount

	// Exhaust the initial table; growth must kick in transparently.
	n := total - common.NormalInoStart + 8
	var last common.Ino
	for i := uint64(0); i < n; i++ {
		ino, _, _ := mkFileInode(t, sb)
		last = ino
	}
	require.Greater(t, sb.InodesCount, total)
	require.GreaterOrEqual(t, last, total)
}
