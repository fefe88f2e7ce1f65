package inode

import (
	"github.com/pmemfs/pmemfs/common"
	"github.com/pmemfs/pmemfs/super"
	"github.com/pmemfs/pmemfs/util"
)

// recursiveFindRegion scans [first, last] under one node accumulating
// whether data and holes were seen and how many leaf positions of hole
// precede the sought transition. Data presence wins within a slot; a
// SEEK_DATA scan stops at the first data leaf.
func recursiveFindRegion(sb *super.Sb, blockOff uint64, height uint8,
	first uint64, last uint64, dataFound *bool, holeFound *bool, hole bool) uint64 {
	node := sb.D.Slice(blockOff, common.MetaBlockSize)
	nodeBits := (uint(height) - 1) * common.MetaBlkShift
	firstIdx := int(first >> nodeBits)
	lastIdx := int(last >> nodeBits)
	var blocks uint64

	for i := firstIdx; i <= lastIdx; i++ {
		if height == 1 || nodeSlot(node, i) == 0 {
			if nodeSlot(node, i) != 0 {
				*dataFound = true
				if !hole {
					break
				}
			} else {
				*holeFound = true
			}
			if !*holeFound || !hole {
				blocks += 1 << nodeBits
			}
		} else {
			firstBlk := uint64(0)
			if i == firstIdx {
				firstBlk = first & ((1 << nodeBits) - 1)
			}
			lastBlk := uint64(1<<nodeBits) - 1
			if i == lastIdx {
				lastBlk = last & ((1 << nodeBits) - 1)
			}
			blocks += recursiveFindRegion(sb, nodeSlot(node, i), height-1,
				firstBlk, lastBlk, dataFound, holeFound, hole)
			if !hole && *dataFound {
				break
			}
		}
	}
	return blocks
}

// FindRegion implements SEEK_DATA (hole=false) and SEEK_HOLE (hole=true):
// offset advances past leading holes (or trailing data, up to i_size) and
// ErrNxio reports a scan that starts past EOF or finds no data.
func FindRegion(sb *super.Sb, pi *Inode, hdr *Header, offset *uint64, hole bool) error {
	size := pi.Size()
	if *offset >= size {
		return common.ErrNxio
	}

	root, height := pi.Root(), pi.Height()
	if hdr != nil {
		root, height = hdr.ReadRootHeight(pi)
	}
	if pi.Blocks() == 0 || root == 0 {
		if hole {
			*offset = size
			return nil
		}
		return common.ErrNxio
	}

	dataBits := pi.BlkShift()
	offsetInBlock := *offset & (pi.BlkSize() - 1)

	dataFound, holeFound := false, false
	var blocks uint64
	if height == 0 {
		dataFound = true
	} else {
		firstBlocknr := *offset >> dataBits
		lastBlocknr := size >> dataBits
		util.DPrintf(8, "find_region offset %x, first %x, last %x hole %v",
			*offset, firstBlocknr, lastBlocknr, hole)
		blocks = recursiveFindRegion(sb, root, height, firstBlocknr,
			lastBlocknr, &dataFound, &holeFound, hole)
	}

	// Searching for data but only holes until the end.
	if !hole && !dataFound && holeFound {
		return common.ErrNxio
	}

	if dataFound && !holeFound {
		// Already inside data; for SEEK_HOLE the hole is at EOF.
		if hole {
			*offset = size
		}
		return nil
	}

	// Searching for a hole and starting inside one.
	if hole && holeFound && blocks == 0 {
		if !dataFound {
			*offset = size
		}
		return nil
	}

	if offsetInBlock != 0 {
		blocks--
		*offset += blocks<<dataBits + pi.BlkSize() - offsetInBlock
	} else {
		*offset += blocks << dataBits
	}
	return nil
}
