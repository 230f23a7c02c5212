// Package revmap implements component E: building a VA<->PA index by
// fully walking a translation table, for identifying linear-map and
// vmalloc aliases and serving the GUI's panning queries.
package revmap

import (
	"encoding/binary"
	"sort"

	"github.com/jamiefaye/vmintrospect/pkg/memsrc"
	"github.com/jamiefaye/vmintrospect/pkg/pagewalk"
	"github.com/jamiefaye/vmintrospect/pkg/types"
)

// RegionTag classifies a VA by which well-known kernel region contains it.
type RegionTag string

const (
	RegionLinearMap RegionTag = "linear-map"
	RegionVmalloc   RegionTag = "vmalloc"
	RegionModules   RegionTag = "modules"
	RegionFixmap    RegionTag = "fixmap"
	RegionUnknown   RegionTag = "unknown"
)

// RegionDef names a VA-space range for Classify.
type RegionDef struct {
	Range types.AddrRange
	Tag   RegionTag
}

type leafRange struct {
	va    types.VA
	pa    types.PA
	pages uint64
}

func (r leafRange) vaEnd() types.VA { return r.va.Add(r.pages * types.PageSize) }
func (r leafRange) paEnd() types.PA { return r.pa + types.PA(r.pages*types.PageSize) }

// Mapper is an immutable VA<->PA index built from one translation-table
// walk. It is safe for concurrent reads.
type Mapper struct {
	byVA    []leafRange // sorted by va, non-overlapping
	byPA    []leafRange // same entries, sorted by pa (may overlap: aliases)
	regions []RegionDef
}

const entriesPerPage = types.PageSize / 8

// Canonicalize sign-extends a 48-bit VA into a full 64-bit canonical
// address, per the ARM64 TBI/addressing convention: bit 47 set means
// the upper 16 bits read as all-ones.
func Canonicalize(va48 uint64) types.VA {
	if va48&(1<<47) != 0 {
		return types.VA(va48 | 0xFFFF_0000_0000_0000)
	}
	return types.VA(va48)
}

func shiftForLevel(level int) uint64 { return 12 + uint64(3-level)*9 }

// Build walks pgd fully and constructs the VA<->PA index. Unreadable
// sub-tables are skipped (best effort, §7) rather than aborting the walk.
func Build(src memsrc.Source, pgd types.PA, regions []RegionDef) (*Mapper, error) {
	var raw []leafRange
	walkLevel(src, pgd, 0, 0, &raw)

	sort.Slice(raw, func(i, j int) bool { return raw[i].va < raw[j].va })
	collapsed := collapse(raw)

	byPA := append([]leafRange(nil), collapsed...)
	sort.Slice(byPA, func(i, j int) bool { return byPA[i].pa < byPA[j].pa })

	return &Mapper{byVA: collapsed, byPA: byPA, regions: regions}, nil
}

func walkLevel(src memsrc.Source, tablePA types.PA, level int, vaAcc uint64, out *[]leafRange) {
	raw, err := src.Read(tablePA, types.PageSize)
	if err != nil {
		return
	}

	for i := 0; i < entriesPerPage; i++ {
		tte := pagewalk.TTE(binary.LittleEndian.Uint64(raw[i*8 : i*8+8]))
		if !tte.Valid() {
			continue
		}

		childVA48 := vaAcc | (uint64(i) << shiftForLevel(level))

		if level == 3 {
			if !tte.IsTableOrPage() {
				continue // malformed level-3 entry: never "repaired" (§5)
			}
			*out = append(*out, leafRange{va: Canonicalize(childVA48), pa: tte.NextLevelPA(), pages: 1})
			continue
		}

		if !tte.IsTableOrPage() {
			va := Canonicalize(childVA48)
			pa := tte.BlockPA(level, va)
			*out = append(*out, leafRange{va: va, pa: pa, pages: pagewalk.LeafSize(level) / types.PageSize})
			continue
		}

		walkLevel(src, tte.NextLevelPA(), level+1, childVA48, out)
	}
}

// collapse merges adjacent ranges whose VA and PA both advance linearly,
// for memory efficiency (§4.E).
func collapse(sorted []leafRange) []leafRange {
	if len(sorted) == 0 {
		return nil
	}
	out := make([]leafRange, 0, len(sorted))
	cur := sorted[0]
	for _, next := range sorted[1:] {
		if cur.vaEnd() == next.va && cur.paEnd() == next.pa {
			cur.pages += next.pages
			continue
		}
		out = append(out, cur)
		cur = next
	}
	out = append(out, cur)
	return out
}

// VAToPA translates va using the built index, without re-walking the
// translation table.
func (m *Mapper) VAToPA(va types.VA) (types.PA, bool) {
	idx := sort.Search(len(m.byVA), func(i int) bool { return m.byVA[i].va > va })
	if idx == 0 {
		return 0, false
	}
	r := m.byVA[idx-1]
	if va < r.va || uint64(va) >= uint64(r.vaEnd()) {
		return 0, false
	}
	off := uint64(va) - uint64(r.va)
	return r.pa + types.PA(off), true
}

// PAToVAs returns every VA known to map to pa — normally one, but possibly
// several when the linear map and a vmalloc/module alias both cover it.
//
// Ranges in byPA may overlap (that's exactly what makes something an
// alias), so this scans linearly rather than binary-searching: a
// paEnd-based search key is not monotonic once overlaps exist.
func (m *Mapper) PAToVAs(pa types.PA) []types.VA {
	var out []types.VA
	for _, r := range m.byPA {
		if pa >= r.pa && uint64(pa) < uint64(r.paEnd()) {
			off := uint64(pa) - uint64(r.pa)
			out = append(out, r.va.Add(off))
		}
	}
	return out
}

// Classify tags va by the configured region definitions, or RegionUnknown.
func (m *Mapper) Classify(va types.VA) RegionTag {
	for _, rd := range m.regions {
		if rd.Range.Contains(uint64(va)) {
			return rd.Tag
		}
	}
	return RegionUnknown
}

// Ranges returns every collapsed (va, pa, pageCount) record, for callers
// that want to enumerate the full mapping (e.g. a GUI minimap).
func (m *Mapper) Ranges() []types.AddrRange {
	out := make([]types.AddrRange, 0, len(m.byVA))
	for _, r := range m.byVA {
		out = append(out, types.AddrRange{Start: uint64(r.va), Length: r.pages * types.PageSize})
	}
	return out
}
