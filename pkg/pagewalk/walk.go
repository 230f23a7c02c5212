package pagewalk

import (
	"encoding/binary"
	"fmt"

	"github.com/jamiefaye/vmintrospect/pkg/memsrc"
	"github.com/jamiefaye/vmintrospect/pkg/types"
)

// walker holds the per-call state for one Translate/TranslateRange
// invocation: a cache of already-read intermediate table pages. Per §4.D,
// this cache must never outlive a single call — callers get a fresh
// walker each time so two unrelated translate() calls never see each
// other's cached PUD/PMD pages.
type walker struct {
	src        memsrc.Source
	pgd        types.PA
	tableCache map[types.PA][]byte
}

func newWalker(src memsrc.Source, pgd types.PA) *walker {
	return &walker{src: src, pgd: pgd, tableCache: make(map[types.PA][]byte)}
}

func (w *walker) readTable(pa types.PA) ([]byte, error) {
	if b, ok := w.tableCache[pa]; ok {
		return b, nil
	}
	b, err := w.src.Read(pa, types.PageSize)
	if err != nil {
		return nil, err
	}
	w.tableCache[pa] = b
	return b, nil
}

// translateLeaf walks from w.pgd to the leaf entry mapping va, returning
// the resolved physical address and the level at which the leaf was found
// (1, 2, or 3).
func (w *walker) translateLeaf(va types.VA) (types.PA, int, error) {
	idx := splitIndices(va)
	tablePA := w.pgd

	for level := 0; level < levels; level++ {
		tableBytes, err := w.readTable(tablePA)
		if err != nil {
			return 0, 0, fmt.Errorf("%w: level %d table at %s: %v", ErrWalkError, level, tablePA, err)
		}

		off := idx[level] * 8
		if off+8 > uint64(len(tableBytes)) {
			return 0, 0, fmt.Errorf("%w: short table read at %s", ErrWalkError, tablePA)
		}
		tte := TTE(binary.LittleEndian.Uint64(tableBytes[off : off+8]))

		if !tte.Valid() {
			return 0, 0, ErrUnmapped
		}

		if level == levels-1 {
			if !tte.IsTableOrPage() {
				return 0, 0, fmt.Errorf("%w: invalid level-3 descriptor", ErrWalkError)
			}
			pa := tte.NextLevelPA() + types.PA(uint64(va)&types.PageMask)
			return pa, level, nil
		}

		if !tte.IsTableOrPage() {
			if level == 0 {
				return 0, 0, fmt.Errorf("%w: block leaf not permitted at level 0", ErrWalkError)
			}
			mask := blockMask(level)
			pa := types.PA((uint64(tte) & paAddrMask) | (uint64(va) & mask))
			return pa, level, nil
		}

		tablePA = tte.NextLevelPA()
	}

	return 0, 0, fmt.Errorf("%w: walk fell through all levels", ErrWalkError)
}

// Translate resolves va to a guest physical address by walking the
// translation table rooted at pgd. Returns ErrUnmapped for an
// intentionally absent mapping and ErrWalkError for a structurally
// broken table (a descriptor pointing outside readable RAM).
func Translate(src memsrc.Source, pgd types.PA, va types.VA) (types.PA, error) {
	w := newWalker(src, pgd)
	pa, _, err := w.translateLeaf(va)
	return pa, err
}

// PageResult is one page's outcome from TranslateRange.
type PageResult struct {
	VA  types.VA
	PA  types.PA
	Err error
}

// TranslateRange translates nPages consecutive 4 KiB pages starting at
// va.Page(), short-circuiting over block leaves so a single 1 GiB or 2 MiB
// block is resolved with one table walk rather than one per page (§4.D).
// A translation failure for one page does not abort the rest of the range;
// the walk simply advances by one page and continues.
func TranslateRange(src memsrc.Source, pgd types.PA, va types.VA, nPages int) []PageResult {
	if nPages <= 0 {
		return nil
	}
	w := newWalker(src, pgd)
	results := make([]PageResult, 0, nPages)
	cur := va.Page()

	for len(results) < nPages {
		pa, level, err := w.translateLeaf(cur)
		if err != nil {
			results = append(results, PageResult{VA: cur, Err: err})
			cur = cur.Add(types.PageSize)
			continue
		}

		size := leafSize(level)
		blockBase := uint64(cur) &^ (size - 1)
		pagesIntoBlock := (uint64(cur) - blockBase) / types.PageSize
		totalPages := size / types.PageSize
		remaining := totalPages - pagesIntoBlock

		for i := uint64(0); i < remaining && len(results) < nPages; i++ {
			results = append(results, PageResult{VA: cur, PA: pa + types.PA(i*types.PageSize)})
			cur = cur.Add(types.PageSize)
		}
	}
	return results
}
