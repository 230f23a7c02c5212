package pagewalk

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jamiefaye/vmintrospect/pkg/types"
)

// fakeMem is a minimal memsrc.Source backed by a page-indexed map, used to
// construct synthetic translation tables without a real guest RAM file.
type fakeMem struct {
	pages map[types.PA][]byte
}

func newFakeMem() *fakeMem { return &fakeMem{pages: make(map[types.PA][]byte)} }

func (f *fakeMem) page(pa types.PA) []byte {
	pa = pa.AlignDown()
	b, ok := f.pages[pa]
	if !ok {
		b = make([]byte, types.PageSize)
		f.pages[pa] = b
	}
	return b
}

func (f *fakeMem) setTTE(tablePA types.PA, index uint64, tte TTE) {
	p := f.page(tablePA)
	binary.LittleEndian.PutUint64(p[index*8:index*8+8], uint64(tte))
}

func (f *fakeMem) Read(pa types.PA, length int) ([]byte, error) {
	p := f.page(pa)
	off := pa.Offset()
	if off+uint64(length) > types.PageSize {
		panic("fakeMem: read crosses page boundary, unsupported by this fake")
	}
	out := make([]byte, length)
	copy(out, p[off:off+uint64(length)])
	return out, nil
}

func mkTableDescriptor(nextPA types.PA) TTE {
	return TTE(uint64(nextPA)&paAddrMask | tteTableBit | tteValidBit)
}

func mkBlockLeaf(basePA types.PA) TTE {
	return TTE(uint64(basePA)&paAddrMask | tteValidBit)
}

func mkPageDescriptor(pagePA types.PA) TTE {
	return TTE(uint64(pagePA)&paAddrMask | tteTableBit | tteValidBit)
}

// TestTranslate_OneGiBBlock reproduces S3: a VA resolving via a 1 GiB PUD
// block reads exactly the PGD and PUD pages.
func TestTranslate_OneGiBBlock(t *testing.T) {
	mem := newFakeMem()
	pgdPA := types.PA(0x1000)
	pudPA := types.PA(0x2000)
	blockBasePA := types.PA(0x4000_0000) // 1 GiB aligned

	va := types.VA(0xFFFF_8000_C000_1234)
	idx := splitIndices(va)

	mem.setTTE(pgdPA, idx[0], mkTableDescriptor(pudPA))
	mem.setTTE(pudPA, idx[1], mkBlockLeaf(blockBasePA))

	pa, err := Translate(mem, pgdPA, va)
	require.NoError(t, err)
	want := blockBasePA | types.PA(0xC000_1234&0x3FFF_FFFF)
	assert.Equal(t, want, pa)
}

func buildFourLevelMapping(mem *fakeMem, pgdPA types.PA, va types.VA, leafPA types.PA) {
	pudPA := types.PA(0x10_0000)
	pmdPA := types.PA(0x20_0000)
	ptePA := types.PA(0x30_0000)

	idx := splitIndices(va)
	mem.setTTE(pgdPA, idx[0], mkTableDescriptor(pudPA))
	mem.setTTE(pudPA, idx[1], mkTableDescriptor(pmdPA))
	mem.setTTE(pmdPA, idx[2], mkTableDescriptor(ptePA))
	mem.setTTE(ptePA, idx[3], mkPageDescriptor(leafPA))
}

func TestTranslate_FourKiBPage(t *testing.T) {
	mem := newFakeMem()
	pgdPA := types.PA(0x1000)
	va := types.VA(0xFFFF_0000_0010_0ABC)
	leafPA := types.PA(0x9000_0000)

	buildFourLevelMapping(mem, pgdPA, va, leafPA)

	pa, err := Translate(mem, pgdPA, va)
	require.NoError(t, err)
	assert.Equal(t, leafPA+types.PA(0xABC), pa)
}

func TestTranslate_Idempotent(t *testing.T) {
	mem := newFakeMem()
	pgdPA := types.PA(0x1000)
	va := types.VA(0xFFFF_0000_0010_0ABC)
	leafPA := types.PA(0x9000_0000)
	buildFourLevelMapping(mem, pgdPA, va, leafPA)

	pa1, err1 := Translate(mem, pgdPA, va)
	pa2, err2 := Translate(mem, pgdPA, va)
	require.NoError(t, err1)
	require.NoError(t, err2)
	assert.Equal(t, pa1, pa2)
}

func TestTranslate_UnmappedVsWalkError(t *testing.T) {
	mem := newFakeMem()
	pgdPA := types.PA(0x1000)
	va := types.VA(0xFFFF_0000_0010_0ABC)

	// No entries at all: level-0 entry invalid => Unmapped.
	_, err := Translate(mem, pgdPA, va)
	assert.ErrorIs(t, err, ErrUnmapped)

	// Table descriptor pointing far outside anything ever written still
	// "succeeds" at read (fakeMem lazily allocates pages), but a page
	// descriptor with table bit unset at level 3 is a structural error.
	idx := splitIndices(va)
	pudPA := types.PA(0x10_0000)
	pmdPA := types.PA(0x20_0000)
	ptePA := types.PA(0x30_0000)
	mem.setTTE(pgdPA, idx[0], mkTableDescriptor(pudPA))
	mem.setTTE(pudPA, idx[1], mkTableDescriptor(pmdPA))
	mem.setTTE(pmdPA, idx[2], mkTableDescriptor(ptePA))
	// Valid bit set, table bit clear at level 3: not a legal page descriptor.
	mem.setTTE(ptePA, idx[3], TTE(tteValidBit))

	_, err = Translate(mem, pgdPA, va)
	assert.ErrorIs(t, err, ErrWalkError)
}

func TestTranslateRange_ShortCircuitsOverBlock(t *testing.T) {
	mem := newFakeMem()
	pgdPA := types.PA(0x1000)
	pudPA := types.PA(0x2000)
	blockBasePA := types.PA(0x4000_0000)

	va := types.VA(0xFFFF_8000_C000_0000)
	idx := splitIndices(va)
	mem.setTTE(pgdPA, idx[0], mkTableDescriptor(pudPA))
	mem.setTTE(pudPA, idx[1], mkBlockLeaf(blockBasePA))

	results := TranslateRange(mem, pgdPA, va, 3)
	require.Len(t, results, 3)
	for i, r := range results {
		require.NoError(t, r.Err)
		assert.Equal(t, blockBasePA+types.PA(i*types.PageSize), r.PA)
	}
}
