package pmemfs_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pmemfs "github.com/pmemfs/pmemfs"
	"github.com/pmemfs/pmemfs/common"
	"github.com/pmemfs/pmemfs/inode"
	"github.com/pmemfs/pmemfs/pm"
	"github.com/pmemfs/pmemfs/super"
)

func mkfs(t *testing.T) (*pm.Device, *pmemfs.Fs) {
	t.Helper()
	d := pm.NewMemDevice(8192 << common.MetaBlockBits)
	fs, err := pmemfs.Mkfs(d, super.Options{})
	require.NoError(t, err)
	return d, fs
}

func TestMkfsMount(t *testing.T) {
	d, _ := mkfs(t)
	fs, err := pmemfs.Mount(d, super.Options{})
	require.NoError(t, err)

	names, err := fs.Readdir(common.RootIno)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{".", ".."}, names)
}

func TestMountRejectsUnformatted(t *testing.T) {
	d := pm.NewMemDevice(1024 << common.MetaBlockBits)
	_, err := pmemfs.Mount(d, super.Options{})
	require.ErrorIs(t, err, common.ErrCorrupt)
}

func TestCreateWriteRead(t *testing.T) {
	_, fs := mkfs(t)
	ino, err := fs.Create(common.RootIno, "hello.txt", 0644)
	require.NoError(t, err)

	payload := bytes.Repeat([]byte{'A'}, 4096)
	require.NoError(t, fs.Write(ino, 0, payload))

	got, err := fs.Read(ino, 0, 4096)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	ino2, err := fs.Lookup(common.RootIno, "hello.txt")
	require.NoError(t, err)
	assert.Equal(t, ino, ino2)
}

func TestPartialOverwrite(t *testing.T) {
	_, fs := mkfs(t)
	ino, err := fs.Create(common.RootIno, "f", 0644)
	require.NoError(t, err)

	require.NoError(t, fs.Write(ino, 0, bytes.Repeat([]byte{'x'}, 8192)))
	require.NoError(t, fs.Write(ino, 100, []byte("yy")))

	got, err := fs.Read(ino, 0, 8192)
	require.NoError(t, err)
	assert.Equal(t, byte('x'), got[99])
	assert.Equal(t, []byte("yy"), got[100:102])
	assert.Equal(t, byte('x'), got[102])
	assert.Equal(t, byte('x'), got[8191])
}

func TestMkdirCreateRemove(t *testing.T) {
	_, fs := mkfs(t)
	dIno, err := fs.Mkdir(common.RootIno, "d", 0755)
	require.NoError(t, err)

	aIno, err := fs.Create(dIno, "a", 0644)
	require.NoError(t, err)
	_, err = fs.Create(dIno, "b", 0644)
	require.NoError(t, err)

	names, err := fs.Readdir(dIno)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{".", "..", "a", "b"}, names)

	// rmdir refuses a populated directory.
	require.Error(t, fs.Rmdir(common.RootIno, "d"))

	require.NoError(t, fs.Unlink(dIno, "a", false))
	_, err = fs.Lookup(dIno, "a")
	require.Error(t, err)
	// The unlinked file's slot is reclaimable.
	_, _, err = inode.Iget(fs.Sb, aIno)
	require.ErrorIs(t, err, common.ErrStale)

	require.NoError(t, fs.Unlink(dIno, "b", false))
	require.NoError(t, fs.Rmdir(common.RootIno, "d"))
	names, err = fs.Readdir(common.RootIno)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{".", ".."}, names)
}

func TestCreateDuplicate(t *testing.T) {
	_, fs := mkfs(t)
	_, err := fs.Create(common.RootIno, "dup", 0644)
	require.NoError(t, err)
	_, err = fs.Create(common.RootIno, "dup", 0644)
	require.ErrorIs(t, err, common.ErrExists)
}

func TestUnlinkFreesBlocks(t *testing.T) {
	_, fs := mkfs(t)
	ino, err := fs.Create(common.RootIno, "big", 0644)
	require.NoError(t, err)
	require.NoError(t, fs.Write(ino, 0, bytes.Repeat([]byte{'B'}, 64<<12)))

	pi, err := inode.GetInode(fs.Sb, ino)
	require.NoError(t, err)
	require.Equal(t, uint64(64), pi.Blocks())

	free := fs.Sb.Alloc.FreeCount()
	require.NoError(t, fs.Unlink(common.RootIno, "big", false))
	assert.Greater(t, fs.Sb.Alloc.FreeCount(), free+64, "data, meta and log pages returned")
	assert.False(t, pi.Active())
	assert.Empty(t, fs.Sb.TruncateInos, "truncate list drained")
}

func TestFileSurvivesRemount(t *testing.T) {
	d, fs := mkfs(t)
	ino, err := fs.Create(common.RootIno, "keep", 0644)
	require.NoError(t, err)
	payload := bytes.Repeat([]byte{'K'}, 3*4096)
	require.NoError(t, fs.Write(ino, 0, payload))

	fs2, err := pmemfs.Mount(d, super.Options{})
	require.NoError(t, err)
	ino2, err := fs2.Lookup(common.RootIno, "keep")
	require.NoError(t, err)
	require.Equal(t, ino, ino2)
	got, err := fs2.Read(ino2, 0, uint64(len(payload)))
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

// Unlink while open, then a simulated crash: the remount walks the
// truncate list, frees the inode's blocks and log, and releases the slot.
func TestCrashRecoveryUnlinkedInode(t *testing.T) {
	d, fs := mkfs(t)
	ino, err := fs.Create(common.RootIno, "open-and-gone", 0644)
	require.NoError(t, err)
	require.NoError(t, fs.Write(ino, 0, bytes.Repeat([]byte{'q'}, 16<<12)))

	// Unlink with the file still in use: reclamation is deferred.
	require.NoError(t, fs.Unlink(common.RootIno, "open-and-gone", true))
	require.Equal(t, []common.Ino{ino}, fs.Sb.TruncateInos)
	pi, err := inode.GetInode(fs.Sb, ino)
	require.NoError(t, err)
	require.Zero(t, pi.LinksCount())
	require.NotZero(t, pi.Root(), "blocks still held for the open file")

	// Crash: drop all DRAM state, remount from the same bytes.
	fs2, err := pmemfs.Mount(d, super.Options{})
	require.NoError(t, err)

	pi2, err := inode.GetInode(fs2.Sb, ino)
	require.NoError(t, err)
	assert.False(t, pi2.Active(), "slot reclaimed")
	assert.Zero(t, pi2.Root())
	assert.Zero(t, pi2.LogHead())
	assert.Zero(t, pi2.LogPages())
	assert.Empty(t, fs2.Sb.TruncateInos)
	assert.Zero(t, fs2.Sb.TruncateHead())

	// The slot is handed out again.
	ino3, err := fs2.Create(common.RootIno, "reuse", 0644)
	require.NoError(t, err)
	assert.Equal(t, ino, ino3)
}

// A crash between i_size update and block freeing: the truncate list
// finishes the shrink at mount.
func TestCrashRecoveryPartialTruncate(t *testing.T) {
	d, fs := mkfs(t)
	ino, err := fs.Create(common.RootIno, "shrinkme", 0644)
	require.NoError(t, err)
	require.NoError(t, fs.Write(ino, 0, bytes.Repeat([]byte{'s'}, 32<<12)))

	// Simulate the crash window: the inode is on the truncate list with
	// the target size recorded, but the shrink never ran.
	pi, err := inode.GetInode(fs.Sb, ino)
	require.NoError(t, err)
	inode.TruncateAdd(fs.Sb, ino, pi, 8<<12)

	fs2, err := pmemfs.Mount(d, super.Options{})
	require.NoError(t, err)
	pi2, err := inode.GetInode(fs2.Sb, ino)
	require.NoError(t, err)
	assert.Equal(t, uint64(8<<12), pi2.Size())
	assert.Equal(t, uint64(8), pi2.Blocks())
	assert.Empty(t, fs2.Sb.TruncateInos)

	got, err := fs2.Read(ino, 0, 8<<12)
	require.NoError(t, err)
	assert.Equal(t, bytes.Repeat([]byte{'s'}, 8<<12), got)
}

func TestTruncateThroughFs(t *testing.T) {
	_, fs := mkfs(t)
	ino, err := fs.Create(common.RootIno, "t", 0644)
	require.NoError(t, err)
	require.NoError(t, fs.Write(ino, 0, bytes.Repeat([]byte{'t'}, 10<<12)))
	require.NoError(t, fs.Truncate(ino, 4<<12))

	pi, err := inode.GetInode(fs.Sb, ino)
	require.NoError(t, err)
	assert.Equal(t, uint64(4<<12), pi.Size())
	assert.Equal(t, uint64(4), pi.Blocks())

	got, err := fs.Read(ino, 0, 10<<12)
	require.NoError(t, err)
	assert.Len(t, got, 4<<12, "reads clip at i_size")
}

func TestGateBalanced(t *testing.T) {
	_, fs := mkfs(t)
	ino, err := fs.Create(common.RootIno, "g", 0644)
	require.NoError(t, err)
	require.NoError(t, fs.Write(ino, 0, bytes.Repeat([]byte{'g'}, 8<<12)))
	require.NoError(t, fs.Truncate(ino, 0))
	require.NoError(t, fs.Unlink(common.RootIno, "g", false))
	assert.Zero(t, fs.Sb.Gate.Balance(), "every unlock paired with a lock")
}
