package journal

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tchajed/goose/machine"

	"github.com/pmemfs/pmemfs/pm"
)

func mkJournal() (*pm.Device, *Journal) {
	d := pm.NewMemDevice(1 << 20)
	j := New(d, 4096, 16384)
	j.Init()
	return d, j
}

func TestCommit(t *testing.T) {
	d, j := mkJournal()
	rec := d.Slice(65536, 8)
	machine.UInt64Put(rec, 1)

	tx, err := j.NewTransaction(1)
	require.NoError(t, err)
	tx.AddLogentry(65536, 8, LeData)
	machine.UInt64Put(rec, 2)
	tx.Commit()

	assert.Equal(t, uint64(2), machine.UInt64Get(rec))
	j.Recover()
	assert.Equal(t, uint64(2), machine.UInt64Get(rec), "recover after commit is a no-op")
}

func TestAbortRollsBack(t *testing.T) {
	d, j := mkJournal()
	rec := d.Slice(65536, 16)
	machine.UInt64Put(rec[0:8], 11)
	machine.UInt64Put(rec[8:16], 22)

	tx, err := j.NewTransaction(2)
	require.NoError(t, err)
	tx.AddLogentry(65536, 8, LeData)
	tx.AddLogentry(65536+8, 8, LeData)
	machine.UInt64Put(rec[0:8], 33)
	machine.UInt64Put(rec[8:16], 44)
	tx.Abort()

	assert.Equal(t, uint64(11), machine.UInt64Get(rec[0:8]))
	assert.Equal(t, uint64(22), machine.UInt64Get(rec[8:16]))
}

func TestRecoverUndoesOpenTransaction(t *testing.T) {
	d, j := mkJournal()
	rec := d.Slice(65536, 8)
	machine.UInt64Put(rec, 7)

	tx, err := j.NewTransaction(1)
	require.NoError(t, err)
	tx.AddLogentry(65536, 8, LeData)
	machine.UInt64Put(rec, 9)
	// crash before commit: a fresh journal over the same bytes recovers
	j2 := New(d, 4096, 16384)
	j2.Recover()
	assert.Equal(t, uint64(7), machine.UInt64Get(rec))
	_ = tx
}

func TestTooLargeTransaction(t *testing.T) {
	_, j := mkJournal()
	_, err := j.NewTransaction(1000)
	assert.Error(t, err)
}
