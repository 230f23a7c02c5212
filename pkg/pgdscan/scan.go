// Package pgdscan implements component C: scanning guest RAM for
// plausible kernel PGD pages when the Hypervisor Query (component B) is
// unavailable or fails.
package pgdscan

import (
	"encoding/binary"
	"sort"

	"github.com/jamiefaye/vmintrospect/pkg/memsrc"
	"github.com/jamiefaye/vmintrospect/pkg/pagewalk"
	"github.com/jamiefaye/vmintrospect/pkg/revmap"
	"github.com/jamiefaye/vmintrospect/pkg/types"
)

const entriesPerPage = types.PageSize / 8 // 512 TTEs

// Candidate is a ranked kernel-PGD guess.
type Candidate struct {
	PA    types.PA
	Score int
}

// Config bounds and biases the scan.
type Config struct {
	// Regions restricts the scan to these physical ranges; a nil or empty
	// slice scans the whole of RAM (caller supplies [RAMBase, RAMBase+RAMSize)).
	Regions []types.AddrRange
	// MMIORanges are additional physical ranges (besides RAM) that a
	// table descriptor's onward entry may legitimately point into
	// (§4.C step 4: "plausible MMIO ranges").
	MMIORanges []types.AddrRange
}

func inAnyRange(pa types.PA, ranges []types.AddrRange) bool {
	for _, r := range ranges {
		if r.Contains(uint64(pa)) {
			return true
		}
	}
	return false
}

// tablePage decodes a raw 4 KiB page into 512 TTEs.
func tablePage(raw []byte) [entriesPerPage]pagewalk.TTE {
	var out [entriesPerPage]pagewalk.TTE
	for i := 0; i < entriesPerPage; i++ {
		out[i] = pagewalk.TTE(binary.LittleEndian.Uint64(raw[i*8 : i*8+8]))
	}
	return out
}

// classifyIndices splits a PGD page's valid entries into upper-half
// (kernel, index >= 256) and lower-half (user, index < 256) indices,
// the same split §4.C step 2/3 scores and DeriveRegions reads the
// kernel-region boundaries from.
func classifyIndices(tte [entriesPerPage]pagewalk.TTE) (upperIdx, lowerIdx []int) {
	for i, e := range tte {
		if !e.Valid() {
			continue
		}
		if i >= 256 {
			upperIdx = append(upperIdx, i)
		} else {
			lowerIdx = append(lowerIdx, i)
		}
	}
	return upperIdx, lowerIdx
}

// Scan walks every 4 KiB-aligned page in cfg.Regions (or the full RAM
// range if cfg.Regions is empty) and returns plausible kernel-PGD
// candidates, ranked highest score first.
func Scan(src memsrc.Source, ram types.AddrRange, cfg Config) ([]Candidate, error) {
	regions := cfg.Regions
	if len(regions) == 0 {
		regions = []types.AddrRange{ram}
	}

	var candidates []Candidate
	for _, region := range regions {
		start := types.PA(region.Start).AlignDown()
		end := types.PA(region.End())
		for pa := start; pa < end; pa += types.PageSize {
			raw, err := src.Read(pa, types.PageSize)
			if err != nil {
				continue // unreadable page: not fatal, just skip (§7 OutOfRange)
			}
			score, ok := evaluate(src, pa, raw, ram, cfg.MMIORanges)
			if ok {
				candidates = append(candidates, Candidate{PA: pa, Score: score})
			}
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].Score > candidates[j].Score })
	return candidates, nil
}

// evaluate applies the §4.C checks to one candidate page, returning its
// score and whether it survives the hard rejection rules.
func evaluate(src memsrc.Source, pa types.PA, raw []byte, ram types.AddrRange, mmio []types.AddrRange) (int, bool) {
	tte := tablePage(raw)
	upperIdx, lowerIdx := classifyIndices(tte)
	total := len(upperIdx) + len(lowerIdx)

	// Step 2: total valid count in [2,8], and at least one upper-half entry.
	if total < 2 || total > 8 {
		return 0, false
	}
	if len(upperIdx) == 0 {
		return 0, false
	}
	// Step 3: at most two lower-half entries (the shared user fixmap, at most).
	if len(lowerIdx) > 2 {
		return 0, false
	}

	// Step 4: every upper-half table descriptor must reach at least one
	// onward valid entry inside RAM or a plausible MMIO range.
	for _, i := range upperIdx {
		e := tte[i]
		if !e.IsTableOrPage() {
			continue // a bare upper-half block leaf can't be partially walked further
		}
		next := e.NextLevelPA()
		if !ram.Contains(uint64(next)) && !inAnyRange(next, mmio) {
			return 0, false
		}
		raw2, err := src.Read(next, types.PageSize)
		if err != nil {
			return 0, false
		}
		reachable := false
		for _, se := range tablePage(raw2) {
			if !se.Valid() {
				continue
			}
			sa := se.NextLevelPA()
			if ram.Contains(uint64(sa)) || inAnyRange(sa, mmio) {
				reachable = true
				break
			}
		}
		if !reachable {
			return 0, false
		}
	}

	return score(tte, upperIdx, lowerIdx, src, ram), true
}

// score combines the structural signals from §4.C step 5. None of the
// thresholds below name a specific kernel build's index layout — they
// bucket indices by their position within the upper/lower halves, which
// holds across kernel versions because it follows from how the 48-bit
// VA space is laid out, not from a particular build's symbol addresses.
func score(tte [entriesPerPage]pagewalk.TTE, upperIdx, lowerIdx []int, src memsrc.Source, ram types.AddrRange) int {
	s := 0

	hasKernelText := false
	hasHighKernel := false
	for _, i := range upperIdx {
		switch {
		case i >= 256 && i < 300:
			hasKernelText = true
		case i >= 500:
			hasHighKernel = true
		}
	}
	if hasKernelText {
		s += 2
	}
	if hasHighKernel {
		s += 2
	}

	if len(lowerIdx) == 1 {
		s += 2

		// Linear-map signature: the lone lower-half entry's PUD page has
		// exactly four valid entries.
		if hasFourValidChildren(src, tte[lowerIdx[0]], ram) {
			s += 3
		}
	}

	if len(upperIdx) >= 2 && len(upperIdx) <= 6 {
		s += 1
	}

	return s
}

// pgdIndexSpan is the VA range one top-level (PGD) entry covers: 2^39
// bytes, the span of a 9-bit index at the 48-bit VA's top level.
const pgdIndexSpan = uint64(1) << 39

// DeriveRegions re-derives the structural signals evaluate used to
// score pa as a kernel PGD and turns them into the region table
// Classify (component E) needs: the lone lower-half entry with the
// linear-map signature (exactly four valid PUD children, scored in
// score() above), the kernel-text bucket as the span the kernel image
// is mapped within (arm64 maps the kernel image inside the vmalloc
// area), and the top-of-address-space bucket split into modules and
// the fixmap's single entry at index 511. Any bucket that isn't present
// is simply omitted, degrading that region to RegionUnknown rather than
// failing the whole derivation.
func DeriveRegions(src memsrc.Source, pa types.PA, ram types.AddrRange) []revmap.RegionDef {
	raw, err := src.Read(pa, types.PageSize)
	if err != nil {
		return nil
	}
	tte := tablePage(raw)
	upperIdx, lowerIdx := classifyIndices(tte)

	var regions []revmap.RegionDef

	if len(lowerIdx) == 1 && hasFourValidChildren(src, tte[lowerIdx[0]], ram) {
		regions = append(regions, indexRegion(lowerIdx[0], revmap.RegionLinearMap))
	}

	var kernelText, topOfSpace []int
	for _, i := range upperIdx {
		switch {
		case i >= 256 && i < 300:
			kernelText = append(kernelText, i)
		case i >= 500:
			topOfSpace = append(topOfSpace, i)
		}
	}
	if span, ok := indexSpan(kernelText); ok {
		regions = append(regions, revmap.RegionDef{Range: span, Tag: revmap.RegionVmalloc})
	}

	var modulesIdx []int
	for _, i := range topOfSpace {
		if i == 511 {
			regions = append(regions, indexRegion(i, revmap.RegionFixmap))
			continue
		}
		modulesIdx = append(modulesIdx, i)
	}
	if span, ok := indexSpan(modulesIdx); ok {
		regions = append(regions, revmap.RegionDef{Range: span, Tag: revmap.RegionModules})
	}

	return regions
}

func hasFourValidChildren(src memsrc.Source, e pagewalk.TTE, ram types.AddrRange) bool {
	if !e.IsTableOrPage() {
		return false
	}
	next := e.NextLevelPA()
	if !ram.Contains(uint64(next)) {
		return false
	}
	raw, err := src.Read(next, types.PageSize)
	if err != nil {
		return false
	}
	sub := tablePage(raw)
	valid := 0
	for _, se := range sub {
		if se.Valid() {
			valid++
		}
	}
	return valid == 4
}

func indexRegion(i int, tag revmap.RegionTag) revmap.RegionDef {
	start := revmap.Canonicalize(uint64(i) * pgdIndexSpan)
	return revmap.RegionDef{Range: types.AddrRange{Start: uint64(start), Length: pgdIndexSpan}, Tag: tag}
}

// indexSpan collapses a set of top-level indices into the single
// address range spanning their minimum through maximum, inclusive.
func indexSpan(idx []int) (types.AddrRange, bool) {
	if len(idx) == 0 {
		return types.AddrRange{}, false
	}
	min, max := idx[0], idx[0]
	for _, i := range idx[1:] {
		if i < min {
			min = i
		}
		if i > max {
			max = i
		}
	}
	start := revmap.Canonicalize(uint64(min) * pgdIndexSpan)
	return types.AddrRange{Start: uint64(start), Length: uint64(max-min+1) * pgdIndexSpan}, true
}
