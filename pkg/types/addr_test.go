package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPA_AlignDownAndOffset(t *testing.T) {
	pa := PA(0x1234_5678)
	assert.Equal(t, PA(0x1234_5000), pa.AlignDown())
	assert.Equal(t, uint64(0x678), pa.Offset())
}

func TestVA_IsKernel(t *testing.T) {
	assert.True(t, VA(0xFFFF_8000_0000_0000).IsKernel())
	assert.False(t, VA(0x0000_7FFF_FFFF_F000).IsKernel())
}

func TestVA_PageAndAdd(t *testing.T) {
	va := VA(0xFFFF_0000_1234_5678)
	assert.Equal(t, VA(0xFFFF_0000_1234_5000), va.Page())
	assert.Equal(t, VA(0xFFFF_0000_1234_5678+0x10), va.Add(0x10))
}

func TestVA_Sub(t *testing.T) {
	va := VA(0xFFFF_0000_1234_5678)
	assert.Equal(t, VA(0xFFFF_0000_1234_5670), va.Sub(8))
	assert.Equal(t, va, va.Sub(0x10).Add(0x10))
}

func TestAddrRange_ContainsAndEnd(t *testing.T) {
	r := AddrRange{Start: 0x1000, Length: 0x2000}
	assert.Equal(t, uint64(0x3000), r.End())
	assert.True(t, r.Contains(0x1000))
	assert.True(t, r.Contains(0x2FFF))
	assert.False(t, r.Contains(0x3000))
	assert.False(t, r.Contains(0xFFF))
}
