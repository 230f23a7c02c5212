package types

import "fmt"

// PA is a guest physical address. Valid values lie in [0, 2^48).
type PA uint64

// VA is a guest virtual address (64-bit, top 16 bits select user/kernel half).
type VA uint64

// PageShift is the log2 of the base page size (4 KiB) for the target architecture.
const PageShift = 12

// PageSize is the base page size in bytes.
const PageSize = 1 << PageShift

// PageMask masks the offset-within-page bits of an address.
const PageMask = PageSize - 1

// AlignDown rounds pa down to the start of its containing 4 KiB page.
func (pa PA) AlignDown() PA { return pa &^ PageMask }

// Offset returns the byte offset of pa within its containing 4 KiB page.
func (pa PA) Offset() uint64 { return uint64(pa) & PageMask }

// IsKernel reports whether va falls in the kernel half of the address space
// (top 16 bits all set, per the canonical-address convention).
func (va VA) IsKernel() bool {
	return uint64(va)>>48 == 0xFFFF
}

// Page returns the 4 KiB page-aligned address containing va.
func (va VA) Page() VA { return va &^ PageMask }

// Add returns va+n, matching the unsigned wraparound semantics of pointer
// arithmetic in the guest's 64-bit address space.
func (va VA) Add(n uint64) VA { return VA(uint64(va) + n) }

// Sub returns va-n.
func (va VA) Sub(n uint64) VA { return VA(uint64(va) - n) }

func (pa PA) String() string { return fmt.Sprintf("0x%012x", uint64(pa)) }
func (va VA) String() string { return fmt.Sprintf("0x%016x", uint64(va)) }

// AddrRange is a half-open range [Start, Start+Length) of bytes, used for
// both physical and virtual ranges (RAM extents, mapped VA regions).
type AddrRange struct {
	Start  uint64
	Length uint64
}

// End returns the exclusive upper bound of the range.
func (r AddrRange) End() uint64 { return r.Start + r.Length }

// Contains reports whether addr lies within [Start, End()).
func (r AddrRange) Contains(addr uint64) bool {
	return addr >= r.Start && addr < r.End()
}

// Size returns the range's length as a human-formattable Bytes value.
func (r AddrRange) Size() Bytes { return Bytes(r.Length) }
