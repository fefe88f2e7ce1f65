package inode_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pmemfs/pmemfs/common"
	"github.com/pmemfs/pmemfs/inode"
)

func TestFindRegionPastEof(t *testing.T) {
	sb := mkSb(t, 4096)
	ino, pi, hdr := mkFileInode(t, sb)
	writeBlock(t, sb, ino, pi, hdr, 0, 'd')

	off := pi.Size()
	err := inode.FindRegion(sb, pi, hdr, &off, false)
	assert.ErrorIs(t, err, common.ErrNxio)
}

func TestSeekDataInData(t *testing.T) {
	sb := mkSb(t, 4096)
	ino, pi, hdr := mkFileInode(t, sb)
	writeBlock(t, sb, ino, pi, hdr, 0, 'd')
	writeBlock(t, sb, ino, pi, hdr, 1, 'd')

	off := uint64(100)
	require.NoError(t, inode.FindRegion(sb, pi, hdr, &off, false))
	assert.Equal(t, uint64(100), off, "already in data, offset unchanged")
}

func TestSeekDataSkipsLeadingHole(t *testing.T) {
	sb := mkSb(t, 8192)
	ino, pi, hdr := mkFileInode(t, sb)
	// Hole at [0, 4), data at 4.
	writeBlock(t, sb, ino, pi, hdr, 4, 'd')

	off := uint64(0)
	require.NoError(t, inode.FindRegion(sb, pi, hdr, &off, false))
	assert.Equal(t, uint64(4<<common.MetaBlockBits), off)
}

func TestSeekHoleInHole(t *testing.T) {
	sb := mkSb(t, 8192)
	ino, pi, hdr := mkFileInode(t, sb)
	writeBlock(t, sb, ino, pi, hdr, 4, 'd')

	off := uint64(0)
	require.NoError(t, inode.FindRegion(sb, pi, hdr, &off, true))
	assert.Equal(t, uint64(0), off, "already in a hole")
}

func TestSeekHoleAfterData(t *testing.T) {
	sb := mkSb(t, 8192)
	ino, pi, hdr := mkFileInode(t, sb)
	for b := uint64(0); b < 3; b++ {
		writeBlock(t, sb, ino, pi, hdr, b, 'd')
	}
	// Extend i_size past the data so a trailing hole exists.
	sb.Gate.UnlockInode(pi.Off)
	pi.SetSize(8 << common.MetaBlockBits)
	sb.Gate.LockInode(pi.Off)

	off := uint64(0)
	require.NoError(t, inode.FindRegion(sb, pi, hdr, &off, true))
	assert.Equal(t, uint64(3<<common.MetaBlockBits), off, "hole starts after the data")
}

func TestSeekHoleDenseFileGoesToEof(t *testing.T) {
	sb := mkSb(t, 8192)
	ino, pi, hdr := mkFileInode(t, sb)
	for b := uint64(0); b < 4; b++ {
		writeBlock(t, sb, ino, pi, hdr, b, 'd')
	}
	off := uint64(0)
	require.NoError(t, inode.FindRegion(sb, pi, hdr, &off, true))
	assert.Equal(t, pi.Size(), off)
}

func TestSeekDataAllHoles(t *testing.T) {
	sb := mkSb(t, 8192)
	ino, pi, hdr := mkFileInode(t, sb)
	writeBlock(t, sb, ino, pi, hdr, 4, 'd')
	require.NoError(t, inode.Setattr(sb, ino, pi, hdr, inode.AttrSize,
		inode.Attrs{Size: 2 << common.MetaBlockBits}))
	// Tree is empty again but i_size is 2 blocks; no data anywhere.
	off := uint64(0)
	err := inode.FindRegion(sb, pi, hdr, &off, false)
	assert.ErrorIs(t, err, common.ErrNxio)
}
