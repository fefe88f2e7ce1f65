package dir_test

import (
	"fmt"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pmemfs/pmemfs/common"
	"github.com/pmemfs/pmemfs/dir"
	"github.com/pmemfs/pmemfs/inode"
	"github.com/pmemfs/pmemfs/pm"
	"github.com/pmemfs/pmemfs/super"
)

func mkDirSb(t *testing.T) (*super.Sb, *inode.Inode, *inode.Header) {
	t.Helper()
	d := pm.NewMemDevice(4096 << common.MetaBlockBits)
	sb := super.NewSb(d, super.Options{})
	sb.WriteSuper()
	sb.Jrnl.Init()
	require.NoError(t, inode.InitInodeTable(sb))

	tx, err := sb.Jrnl.NewTransaction(4)
	require.NoError(t, err)
	ino, pi, err := inode.NewInode(sb, tx, inode.ModeDir|0755, common.Block4K, 0)
	require.NoError(t, err)
	tx.Commit()
	require.NoError(t, dir.AppendDirInitEntries(sb, pi, ino, common.RootIno))
	return sb, pi, inode.NewHeader(ino, pi.Off)
}

func addNames(t *testing.T, sb *super.Sb, pi *inode.Inode, idx *dir.Index,
	names []string, startIno common.Ino) {
	t.Helper()
	for i, name := range names {
		_, newTail, _, err := dir.AddEntry(sb, pi, idx, name,
			startIno+common.Ino(i), 0, false, pi.LogTail())
		require.NoError(t, err)
		inode.UpdateTail(sb, pi, newTail)
	}
}

func TestInitEntries(t *testing.T) {
	sb, pi, hdr := mkDirSb(t)
	idx, pages := dir.Rebuild(sb, pi, hdr)
	assert.Equal(t, uint32(1), pages)
	assert.Equal(t, 2, idx.Len())
	require.NotNil(t, idx.Find(sb, "."))
	require.NotNil(t, idx.Find(sb, ".."))
	assert.Equal(t, hdr.Ino, idx.Find(sb, ".").Ino)
	assert.Equal(t, common.RootIno, idx.Find(sb, "..").Ino)
}

func TestInsertRemoveFind(t *testing.T) {
	sb, pi, hdr := mkDirSb(t)
	idx, _ := dir.Rebuild(sb, pi, hdr)

	addNames(t, sb, pi, idx, []string{"a", "b", "c"}, 100)
	assert.Equal(t, 5, idx.Len())
	assert.Equal(t, common.Ino(101), idx.Find(sb, "b").Ino)

	newTail, err := dir.RemoveEntry(sb, pi, idx, "b", 0, pi.LogTail())
	require.NoError(t, err)
	inode.UpdateTail(sb, pi, newTail)
	assert.Nil(t, idx.Find(sb, "b"))
	assert.Equal(t, 4, idx.Len())
}

func TestDuplicateInsert(t *testing.T) {
	sb, pi, hdr := mkDirSb(t)
	idx, _ := dir.Rebuild(sb, pi, hdr)

	addNames(t, sb, pi, idx, []string{"x"}, 100)
	_, _, _, err := dir.AddEntry(sb, pi, idx, "x", 200, 0, false, pi.LogTail())
	assert.ErrorIs(t, err, common.ErrExists)
	// The first entry wins.
	assert.Equal(t, common.Ino(100), idx.Find(sb, "x").Ino)
}

// The index must match a reference map ordered by (BKDR hash, insertion
// order) after every step of a create/remove sequence.
func TestIndexMatchesReference(t *testing.T) {
	sb, pi, hdr := mkDirSb(t)
	idx, _ := dir.Rebuild(sb, pi, hdr)

	ref := map[string]common.Ino{".": hdr.Ino, "..": common.RootIno}
	check := func() {
		t.Helper()
		type kv struct {
			hash uint32
			name string
		}
		want := make([]kv, 0, len(ref))
		for name := range ref {
			want = append(want, kv{common.BKDRHash(name), name})
		}
		sort.Slice(want, func(i, j int) bool { return want[i].hash < want[j].hash })

		var got []kv
		idx.Ascend(func(n *dir.Node) bool {
			e := dir.EntryView(sb, n.Nvmm)
			got = append(got, kv{n.Hash, e.Name(sb)})
			return true
		})
		require.Equal(t, want, got)
		for name, ino := range ref {
			n := idx.Find(sb, name)
			require.NotNil(t, n, "missing %s", name)
			require.Equal(t, ino, n.Ino, "wrong ino for %s", name)
		}
	}

	steps := []string{"a", "bb", "ccc", "d0", "d1", "d2"}
	for i, name := range steps {
		addNames(t, sb, pi, idx, []string{name}, common.Ino(100+i))
		ref[name] = common.Ino(100 + i)
		check()
	}
	for _, name := range []string{"bb", "d1"} {
		newTail, err := dir.RemoveEntry(sb, pi, idx, name, 0, pi.LogTail())
		require.NoError(t, err)
		inode.UpdateTail(sb, pi, newTail)
		delete(ref, name)
		check()
	}
}

// Rebuild from the log must reproduce the live index, tombstones applied.
func TestRebuildFromLog(t *testing.T) {
	sb, pi, hdr := mkDirSb(t)
	idx, _ := dir.Rebuild(sb, pi, hdr)

	names := make([]string, 40)
	for i := range names {
		names[i] = fmt.Sprintf("file%03d", i)
	}
	addNames(t, sb, pi, idx, names, 100)
	for _, name := range []string{"file007", "file023"} {
		newTail, err := dir.RemoveEntry(sb, pi, idx, name, 0, pi.LogTail())
		require.NoError(t, err)
		inode.UpdateTail(sb, pi, newTail)
	}

	rebuilt, pages := dir.Rebuild(sb, pi, hdr)
	assert.Equal(t, idx.Len(), rebuilt.Len())
	assert.NotZero(t, pages)
	for i, name := range names {
		if name == "file007" || name == "file023" {
			assert.Nil(t, rebuilt.Find(sb, name))
			continue
		}
		n := rebuilt.Find(sb, name)
		require.NotNil(t, n, "missing %s", name)
		assert.Equal(t, common.Ino(100+i), n.Ino)
	}
}

// A rebuild that crosses page boundaries exercises the tail-detection
// rule.
func TestRebuildMultiPage(t *testing.T) {
	sb, pi, hdr := mkDirSb(t)
	idx, _ := dir.Rebuild(sb, pi, hdr)

	names := make([]string, 300)
	for i := range names {
		names[i] = fmt.Sprintf("long-name-to-fill-pages-%04d", i)
	}
	addNames(t, sb, pi, idx, names, 1000)
	require.Greater(t, pi.LogPages(), uint32(1))

	rebuilt, pages := dir.Rebuild(sb, pi, hdr)
	assert.Equal(t, pi.LogPages(), pages)
	assert.Equal(t, len(names)+2, rebuilt.Len())
}

func TestSetattrEntryInDirLog(t *testing.T) {
	sb, pi, hdr := mkDirSb(t)
	idx, _ := dir.Rebuild(sb, pi, hdr)
	addNames(t, sb, pi, idx, []string{"child"}, 100)

	// Interleave a setattr entry in the directory's own log, then make
	// sure rebuild applies it and keeps parsing entries after it.
	_, err := inode.AppendSetattrEntry(sb, pi, uint8(inode.AttrUid), inode.Attrs{
		Mode: pi.Mode(), Uid: 42, Gid: pi.Gid(), Size: pi.Size(),
	})
	require.NoError(t, err)
	addNames(t, sb, pi, idx, []string{"sibling"}, 101)

	rebuilt, _ := dir.Rebuild(sb, pi, hdr)
	assert.Equal(t, uint32(42), pi.Uid())
	require.NotNil(t, rebuilt.Find(sb, "child"))
	require.NotNil(t, rebuilt.Find(sb, "sibling"))
}

// A duplicate hash in the log stops the replay but keeps the partial
// index and the page bookkeeping, instead of failing the whole rebuild.
func TestRebuildStopsAtDuplicate(t *testing.T) {
	sb, pi, hdr := mkDirSb(t)
	idx, _ := dir.Rebuild(sb, pi, hdr)
	addNames(t, sb, pi, idx, []string{"x"}, 100)

	// Route a second "x" through a scratch index so the PM log carries a
	// colliding add, the way a damaged log would.
	scratch := dir.NewIndex()
	_, newTail, _, err := dir.AddEntry(sb, pi, scratch, "x", 200, 0, false, pi.LogTail())
	require.NoError(t, err)
	inode.UpdateTail(sb, pi, newTail)
	_, newTail, _, err = dir.AddEntry(sb, pi, scratch, "after", 300, 0, false, pi.LogTail())
	require.NoError(t, err)
	inode.UpdateTail(sb, pi, newTail)

	rebuilt, pages := dir.Rebuild(sb, pi, hdr)
	require.NotNil(t, rebuilt)
	assert.NotZero(t, pages)
	n := rebuilt.Find(sb, "x")
	require.NotNil(t, n)
	assert.Equal(t, common.Ino(100), n.Ino, "first entry wins")
	assert.Nil(t, rebuilt.Find(sb, "after"), "replay stopped at the duplicate")
}
