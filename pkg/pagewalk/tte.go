// Package pagewalk implements component D: translating a guest virtual
// address to a guest physical address through a 4-level hierarchical
// translation table, for either the kernel or a process's user half.
package pagewalk

import "github.com/jamiefaye/vmintrospect/pkg/types"

// TTE is a single 64-bit translation table entry.
type TTE uint64

const (
	tteValidBit = 1 << 0
	tteTableBit = 1 << 1 // set => table descriptor (levels 0-2) or page descriptor (level 3); clear => block leaf (levels 1-2 only)
)

// paAddrMask extracts bits [47:12] of a TTE, the 4 KiB-aligned physical
// address of the next-level table or, for the smallest leaves, the page.
const paAddrMask = (uint64(1)<<48 - 1) &^ 0xFFF

// Valid reports whether the valid bit (bit 0) marks this entry as present.
func (t TTE) Valid() bool { return t&tteValidBit != 0 }

// IsTableOrPage reports whether this entry is a table descriptor (non-leaf
// levels) or a page descriptor (level 3), as opposed to a block leaf.
func (t TTE) IsTableOrPage() bool { return t&tteTableBit != 0 }

// NextLevelPA returns the 4 KiB-aligned physical address encoded in the
// entry: the next table's address for a table descriptor, or the leaf
// page's address for a level-3 page descriptor.
func (t TTE) NextLevelPA() types.PA { return types.PA(uint64(t) & paAddrMask) }

// BlockPA resolves a block-leaf entry at the given level (1 or 2) combined
// with the low bits of va that select an offset inside the block.
func (t TTE) BlockPA(level int, va types.VA) types.PA {
	mask := blockMask(level)
	return types.PA((uint64(t) & paAddrMask) | (uint64(va) & mask))
}

// LeafSize returns the byte size of a leaf mapping discovered at the given
// level (1 => 1 GiB, 2 => 2 MiB, 3 => 4 KiB).
func LeafSize(level int) uint64 { return leafSize(level) }

const (
	levels         = 4
	indexBits      = 9
	pageOffsetBits = 12
)

// blockMask returns the mask of VA bits that select an offset inside a
// block leaf at the given level (1 => 1 GiB block, 2 => 2 MiB block).
func blockMask(level int) uint64 {
	switch level {
	case 1:
		return 1<<30 - 1
	case 2:
		return 1<<21 - 1
	default:
		return 0
	}
}

// leafSize returns the byte size of a leaf mapping discovered at the given
// level (1 => 1 GiB, 2 => 2 MiB, 3 => 4 KiB).
func leafSize(level int) uint64 {
	switch level {
	case 1:
		return 1 << 30
	case 2:
		return 1 << 21
	default:
		return types.PageSize
	}
}

// splitIndices decomposes va into its four 9-bit table indices, one per
// translation level (PGD, PUD, PMD, PTE).
func splitIndices(va types.VA) [levels]uint64 {
	v := uint64(va)
	var idx [levels]uint64
	for level := 0; level < levels; level++ {
		shift := pageOffsetBits + (levels-1-level)*indexBits
		idx[level] = (v >> shift) & (1<<indexBits - 1)
	}
	return idx
}
