// Package pm provides access to a byte-addressable persistent-memory window
// and the store primitives the on-PM structures are built from: cacheline
// flush, store fence, commit barrier, small atomic stores and a bulk
// non-temporal memset.
//
// A Device is either an in-memory buffer (tests) or a file mapping
// established with unix.Mmap (a DAX device or a backing file). All PM
// offsets used by the filesystem are byte offsets from the start of the
// window; offset 0 is the super block.
package pm

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/pmemfs/pmemfs/util"
)

type Device struct {
	data   []byte
	mapped bool
	fd     int
}

// NewMemDevice returns a volatile device of the given size, for tests.
func NewMemDevice(size uint64) *Device {
	return &Device{
		data:   make([]byte, size),
		mapped: false,
		fd:     -1,
	}
}

// Map opens path and maps size bytes of it read-write.
func Map(path string, size uint64) (*Device, error) {
	fd, err := unix.Open(path, unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("pm: open %s: %w", path, err)
	}
	data, err := unix.Mmap(fd, 0, int(size),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("pm: mmap %s: %w", path, err)
	}
	util.DPrintf(1, "pm: mapped %s, %d bytes", path, size)
	return &Device{data: data, mapped: true, fd: fd}, nil
}

func (d *Device) Close() error {
	if !d.mapped {
		return nil
	}
	if err := unix.Munmap(d.data); err != nil {
		return err
	}
	return unix.Close(d.fd)
}

func (d *Device) Size() uint64 {
	return uint64(len(d.data))
}

func (d *Device) Mapped() bool {
	return d.mapped
}

// Slice returns the n bytes of PM at off. The slice aliases the window;
// writers must hold the protection gate open and flush what they change.
func (d *Device) Slice(off uint64, n uint64) []byte {
	if off+n > uint64(len(d.data)) {
		panic(fmt.Sprintf("pm: out of range [%d, %d) of %d", off, off+n, len(d.data)))
	}
	return d.data[off : off+n]
}

// Block returns the 4K page at PM offset off (off need not be aligned; the
// containing page is returned).
func (d *Device) Block(off uint64) []byte {
	return d.Slice(off&^uint64(4095), 4096)
}

const pageMask = uint64(4095)

// Flush writes back the cachelines covering [off, off+n). On a mapped
// device the range is synced; on a memory device stores are already
// visible.
func (d *Device) Flush(off uint64, n uint64) {
	if !d.mapped || n == 0 {
		return
	}
	start := off &^ pageMask
	end := (off + n + pageMask) &^ pageMask
	if end > uint64(len(d.data)) {
		end = uint64(len(d.data))
	}
	_ = unix.Msync(d.data[start:end], unix.MS_ASYNC)
}

// Barrier orders all previous flushes before any later store becomes
// persistent.
func (d *Device) Barrier() {
	if !d.mapped {
		return
	}
	_ = unix.Msync(d.data, unix.MS_SYNC)
}

// FlushFence flushes the range and issues a barrier.
func (d *Device) FlushFence(off uint64, n uint64) {
	d.Flush(off, n)
	d.Barrier()
}

// MemsetNT zeroes [off, off+n) with non-temporal semantics: the stores are
// flushed but not fenced.
func (d *Device) MemsetNT(off uint64, n uint64) {
	b := d.Slice(off, n)
	for i := range b {
		b[i] = 0
	}
	d.Flush(off, n)
}

// Mprotect changes the protection of the pages covering [off, off+n).
// Memory devices are always writable.
func (d *Device) Mprotect(off uint64, n uint64, writable bool) error {
	if !d.mapped {
		return nil
	}
	start := off &^ pageMask
	end := (off + n + pageMask) &^ pageMask
	prot := unix.PROT_READ
	if writable {
		prot |= unix.PROT_WRITE
	}
	return unix.Mprotect(d.data[start:end], prot)
}
