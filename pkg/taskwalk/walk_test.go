package taskwalk

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jamiefaye/vmintrospect/pkg/offsets"
	"github.com/jamiefaye/vmintrospect/pkg/pagewalk"
	"github.com/jamiefaye/vmintrospect/pkg/taskscan"
	"github.com/jamiefaye/vmintrospect/pkg/types"
)

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

func (f *fakeMem) setEntry(tablePA types.PA, index int, tte pagewalk.TTE) {
	p := f.page(tablePA)
	binary.LittleEndian.PutUint64(p[index*8:index*8+8], uint64(tte))
}

func (f *fakeMem) Read(pa types.PA, length int) ([]byte, error) {
	out := make([]byte, 0, length)
	for len(out) < length {
		p := f.page(pa)
		off := pa.Offset()
		n := uint64(length-len(out))
		if n > types.PageSize-off {
			n = types.PageSize - off
		}
		out = append(out, p[off:off+n]...)
		pa += types.PA(n)
	}
	return out, nil
}

const (
	tteValid = 1 << 0
	tteTable = 1 << 1
)

func tableDescriptor(pa types.PA) pagewalk.TTE { return pagewalk.TTE(uint64(pa) | tteTable | tteValid) }
func pageLeaf(pa types.PA) pagewalk.TTE        { return pagewalk.TTE(uint64(pa) | tteTable | tteValid) }

// identityMapVA wires a one-to-one VA->PA mapping for va through a
// trivial pgd/pud/pmd/pte chain rooted at pgdPA, all within the kernel
// half (index 256+).
func identityMapVA(mem *fakeMem, pgdPA types.PA, va types.VA, pa types.PA, tableArena *types.PA) {
	idx := func(level int) int {
		shift := 12 + (3-level)*9
		return int((uint64(va) >> uint(shift)) & 0x1FF)
	}
	pudPA := nextArena(tableArena)
	pmdPA := nextArena(tableArena)
	ptePA := nextArena(tableArena)

	mem.setEntry(pgdPA, idx(0), tableDescriptor(pudPA))
	mem.setEntry(pudPA, idx(1), tableDescriptor(pmdPA))
	mem.setEntry(pmdPA, idx(2), tableDescriptor(ptePA))
	mem.setEntry(ptePA, idx(3), pageLeaf(pa))
}

func nextArena(cur *types.PA) types.PA {
	pa := *cur
	*cur += types.PageSize
	return pa
}

func testLayout() offsets.Layout {
	return offsets.Layout{
		TaskStructSize: 0x100,
		Pid:            0x8,
		Comm:           0x20,
		TasksNext:      0x40,
		TasksPrev:      0x48,
	}
}

func writeTask(mem *fakeMem, pa types.PA, layout offsets.Layout, pid uint32, comm string, next, prev types.VA) {
	buf := make([]byte, layout.TaskStructSize)
	for i := 0; i < 4; i++ {
		buf[layout.Pid+uint64(i)] = byte(pid >> (8 * i))
	}
	copy(buf[layout.Comm:], comm)
	binary.LittleEndian.PutUint64(buf[layout.TasksNext:], uint64(next))
	binary.LittleEndian.PutUint64(buf[layout.TasksPrev:], uint64(prev))

	for i, b := range buf {
		target := pa + types.PA(i)
		p := mem.page(target)
		p[target.Offset()] = b
	}
}

// buildRing wires a 3-node tasks list (seed -> a -> b -> seed) using
// identity VA<->PA maps, so tasks.next VA - TasksNext offset lands
// exactly back on each struct's start VA.
func buildRing(t *testing.T, mem *fakeMem, pgdPA types.PA, layout offsets.Layout) (seedPA, aPA, bPA types.PA, seedVA, aVA, bVA types.VA) {
	t.Helper()
	arena := types.PA(0x10_0000)

	seedPA, aPA, bPA = types.PA(0x1000), types.PA(0x2000), types.PA(0x3000)
	// Spaced a full PGD-index apart (1<<39) so each identityMapVA call
	// gets its own top-level entry instead of clobbering a shared one.
	const pgdIndexStep = uint64(1) << 39
	base := uint64(0xFFFF_8000_0000_0000)
	seedVA = types.VA(base)
	aVA = types.VA(base + pgdIndexStep)
	bVA = types.VA(base + 2*pgdIndexStep)

	identityMapVA(mem, pgdPA, seedVA, seedPA, &arena)
	identityMapVA(mem, pgdPA, aVA, aPA, &arena)
	identityMapVA(mem, pgdPA, bVA, bPA, &arena)

	seedTasksVA := seedVA.Add(layout.TasksNext)
	aTasksVA := aVA.Add(layout.TasksNext)
	bTasksVA := bVA.Add(layout.TasksNext)

	writeTask(mem, seedPA, layout, 0, "swapper", aTasksVA, bTasksVA)
	writeTask(mem, aPA, layout, 1, "init", bTasksVA, seedTasksVA)
	writeTask(mem, bPA, layout, 2, "kthreadd", seedTasksVA, aTasksVA)

	return
}

func TestWalk_TraversesRingBackToSeed(t *testing.T) {
	mem := newFakeMem()
	pgdPA := types.PA(0x1_0000)
	layout := testLayout()
	seedPA, aPA, bPA, _, _, _ := buildRing(t, mem, pgdPA, layout)

	cfg := taskscan.Config{Layout: layout}
	res, err := Walk(mem, pgdPA, seedPA, layout, cfg)
	require.NoError(t, err)
	assert.False(t, res.Degraded)
	require.Len(t, res.Tasks, 3)

	pids := map[uint32]bool{}
	for _, c := range res.Tasks {
		pids[c.PID] = true
	}
	assert.True(t, pids[0] && pids[1] && pids[2])
	_ = aPA
	_ = bPA
}

func TestWalk_StopsAtTranslationFailure(t *testing.T) {
	mem := newFakeMem()
	pgdPA := types.PA(0x1_0000)
	layout := testLayout()
	arena := types.PA(0x10_0000)

	seedPA := types.PA(0x1000)
	seedVA := types.VA(0xFFFF_0000_3000_0000)
	identityMapVA(mem, pgdPA, seedVA, seedPA, &arena)

	// tasks.next points somewhere unmapped.
	brokenNext := types.VA(0xFFFF_0000_9999_0000).Add(layout.TasksNext)
	writeTask(mem, seedPA, layout, 0, "swapper", brokenNext, seedVA.Add(layout.TasksNext))

	cfg := taskscan.Config{Layout: layout}
	res, err := Walk(mem, pgdPA, seedPA, layout, cfg)
	require.NoError(t, err)
	assert.True(t, res.Degraded)
	require.Len(t, res.Tasks, 1)
}

func TestSelectSeed_PrefersPlausibleKernelPointers(t *testing.T) {
	candidates := []taskscan.Candidate{
		{PID: 0, Comm: "swapper/1", TasksNext: 0, TasksPrev: 0},
		{PID: 0, Comm: "swapper", TasksNext: 0xFFFF_0000_0000_1000, TasksPrev: 0xFFFF_0000_0000_2000},
		{PID: 5, Comm: "other"},
	}
	seed, ok := SelectSeed(candidates)
	require.True(t, ok)
	assert.Equal(t, "swapper", seed.Comm)
}

func TestSelectSeed_NoneQualify(t *testing.T) {
	candidates := []taskscan.Candidate{
		{PID: 0, Comm: "swapper/1", TasksNext: 0, TasksPrev: 0},
		{PID: 3, Comm: "other"},
	}
	_, ok := SelectSeed(candidates)
	assert.False(t, ok)
}

func TestIsPerCPUIdle(t *testing.T) {
	assert.True(t, IsPerCPUIdle(taskscan.Candidate{PID: 0, TasksNext: 0, TasksPrev: 0}))
	assert.False(t, IsPerCPUIdle(taskscan.Candidate{PID: 0, TasksNext: 1, TasksPrev: 1}))
	assert.False(t, IsPerCPUIdle(taskscan.Candidate{PID: 1, TasksNext: 0, TasksPrev: 0}))
}
