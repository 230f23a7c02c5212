// Package taskscan implements component F: pattern-matching task_struct
// layouts out of RAM by scanning SLAB-aligned physical addresses,
// independent of whether the tasks list is intact.
package taskscan

import (
	"fmt"
	"strings"

	"github.com/jamiefaye/vmintrospect/pkg/memsrc"
	"github.com/jamiefaye/vmintrospect/pkg/offsets"
	"github.com/jamiefaye/vmintrospect/pkg/pagewalk"
	"github.com/jamiefaye/vmintrospect/pkg/revmap"
	"github.com/jamiefaye/vmintrospect/pkg/types"
)

// Provenance records how confidently a candidate was reconstructed.
type Provenance string

const (
	// ProvenanceScanned candidates passed every check over the whole
	// task_struct window.
	ProvenanceScanned Provenance = "scanned"
	// ProvenanceScannedPartial candidates only had pid/comm validated
	// because a later subpage could not be translated (§4.F straddle
	// handling, rule 3).
	ProvenanceScannedPartial Provenance = "scanned-partial"
	// ProvenanceListWalk candidates were reached by following the
	// kernel's tasks doubly-linked list (component G).
	ProvenanceListWalk Provenance = "list-walk"
	// ProvenancePIDMap candidates were reached only by corroborating
	// against the PID-to-task map, not the tasks list (component G).
	ProvenancePIDMap Provenance = "pid-map"
)

// Candidate is one pattern-matched process record.
type Candidate struct {
	PA         types.PA
	PID        uint32
	Comm       string
	Mm         types.VA // task_struct.mm, zero if the process has no memory descriptor (kernel thread)
	TasksNext  types.VA
	TasksPrev  types.VA
	Provenance Provenance
	Score      int
}

// Config bounds and parameterizes the scan.
type Config struct {
	Layout offsets.Layout

	// SlabStride is the stride between SLAB-aligned chunk starts.
	SlabStride uint64
	// SlabObjectOffsets are the object offsets within one chunk (three
	// per-chunk object offsets known, per §4.F).
	SlabObjectOffsets []uint64

	PIDMax uint32
	// IdlePrefix is the comm prefix that makes pid == 0 acceptable
	// ("swapper").
	IdlePrefix string
	// MaxPlausibleState bounds the state field; real task-state values
	// are small bitmask sums, never large magnitudes.
	MaxPlausibleState uint32
}

func (c Config) pidMax() uint32 {
	if c.PIDMax == 0 {
		return 1 << 22 // Linux PID_MAX_LIMIT default order of magnitude
	}
	return c.PIDMax
}

func (c Config) idlePrefix() string {
	if c.IdlePrefix == "" {
		return "swapper"
	}
	return c.IdlePrefix
}

func (c Config) maxState() uint32 {
	if c.MaxPlausibleState == 0 {
		return 0x1000
	}
	return c.MaxPlausibleState
}

// Scan walks every SLAB-aligned candidate PA in ram and returns the
// deduplicated set of candidates that pass validation.
func Scan(src memsrc.Source, ram types.AddrRange, kernelPGD types.PA, rm *revmap.Mapper, cfg Config) ([]Candidate, error) {
	byKey := make(map[string]Candidate)

	start := types.PA(ram.Start).AlignDown()
	end := types.PA(ram.End())
	for chunk := start; chunk < end; chunk += types.PA(cfg.SlabStride) {
		for _, objOff := range cfg.SlabObjectOffsets {
			pa := chunk + types.PA(objOff)
			if uint64(pa) >= uint64(end) {
				continue
			}

			cand, ok := evaluateCandidate(src, pa, kernelPGD, rm, cfg)
			if !ok {
				continue
			}

			key := dedupKey(cand)
			if prior, seen := byKey[key]; !seen || cand.Score > prior.Score {
				byKey[key] = cand
			}
		}
	}

	out := make([]Candidate, 0, len(byKey))
	for _, c := range byKey {
		out = append(out, c)
	}
	return out, nil
}

func dedupKey(c Candidate) string {
	return fmt.Sprintf("%d\x00%s", c.PID, c.Comm)
}

// evaluateCandidate reads the task_struct-sized window at pa (handling
// a straddle across a physically-discontiguous page per §4.F) and
// validates it.
func evaluateCandidate(src memsrc.Source, pa types.PA, kernelPGD types.PA, rm *revmap.Mapper, cfg Config) (Candidate, bool) {
	size := int(cfg.Layout.TaskStructSize)
	if size == 0 {
		return Candidate{}, false
	}

	pageOff := pa.Offset()
	bytesInFirstPage := types.PageSize - pageOff
	if uint64(size) <= bytesInFirstPage {
		buf, err := src.Read(pa, size)
		if err != nil {
			return Candidate{}, false
		}
		return validateFull(pa, buf, cfg)
	}

	first, err := src.Read(pa, int(bytesInFirstPage))
	if err != nil {
		return Candidate{}, false
	}

	buf, complete := assembleStraddled(src, pa, first, size, kernelPGD, rm)
	if complete {
		return validateFull(pa, buf, cfg)
	}

	// Straddled and incomplete: only pid/comm survive if they fit
	// entirely inside the bytes we do have.
	if cfg.Layout.Pid+4 > uint64(len(buf)) || cfg.Layout.Comm+offsets.CommLen > uint64(len(buf)) {
		return Candidate{}, false
	}
	return validatePartial(pa, buf, cfg)
}

// assembleStraddled reads the remaining pages of a straddling
// task_struct via the kernel VA rather than PA+4096, since SLAB may
// stitch physically non-contiguous pages together (§4.F). Returns
// false if any subpage cannot be translated.
func assembleStraddled(src memsrc.Source, pa types.PA, first []byte, size int, kernelPGD types.PA, rm *revmap.Mapper) ([]byte, bool) {
	if rm == nil {
		return first, false
	}
	vas := rm.PAToVAs(pa.AlignDown())
	if len(vas) == 0 {
		return first, false
	}
	nextPageVA := vas[0].Page().Add(types.PageSize)

	buf := append([]byte(nil), first...)
	remaining := size - len(first)
	for remaining > 0 {
		subPA, err := pagewalk.Translate(src, kernelPGD, nextPageVA)
		if err != nil {
			return buf, false
		}
		n := remaining
		if n > types.PageSize {
			n = types.PageSize
		}
		chunk, err := src.Read(subPA, n)
		if err != nil {
			return buf, false
		}
		buf = append(buf, chunk...)
		remaining -= n
		nextPageVA = nextPageVA.Add(types.PageSize)
	}
	return buf, true
}

// Validate applies the same checks Scan uses for a full (non-straddled)
// task_struct window, for callers like the Task Walker (component G)
// that read candidates by following pointers rather than scanning.
func Validate(pa types.PA, buf []byte, cfg Config) (Candidate, bool) {
	return validateFull(pa, buf, cfg)
}

func validateFull(pa types.PA, buf []byte, cfg Config) (Candidate, bool) {
	pid, comm, ok := validatePIDAndComm(buf, cfg)
	if !ok {
		return Candidate{}, false
	}

	next := readU64(buf, cfg.Layout.TasksNext)
	prev := readU64(buf, cfg.Layout.TasksPrev)
	if !tasksPointersPlausible(next, prev) {
		return Candidate{}, false
	}

	state := uint32(readU64(buf, cfg.Layout.State))
	if state > cfg.maxState() {
		return Candidate{}, false
	}

	score := 2
	if next != 0 || prev != 0 {
		score++
	}

	return Candidate{
		PA:         pa,
		PID:        pid,
		Comm:       comm,
		Mm:         types.VA(readU64(buf, cfg.Layout.Mm)),
		TasksNext:  types.VA(next),
		TasksPrev:  types.VA(prev),
		Provenance: ProvenanceScanned,
		Score:      score,
	}, true
}

func validatePartial(pa types.PA, buf []byte, cfg Config) (Candidate, bool) {
	pid, comm, ok := validatePIDAndComm(buf, cfg)
	if !ok {
		return Candidate{}, false
	}
	return Candidate{
		PA:         pa,
		PID:        pid,
		Comm:       comm,
		Provenance: ProvenanceScannedPartial,
		Score:      1,
	}, true
}

func validatePIDAndComm(buf []byte, cfg Config) (uint32, string, bool) {
	if cfg.Layout.Pid+4 > uint64(len(buf)) || cfg.Layout.Comm+offsets.CommLen > uint64(len(buf)) {
		return 0, "", false
	}
	pid := uint32(readU64Width(buf, cfg.Layout.Pid, 4))

	field := buf[cfg.Layout.Comm : cfg.Layout.Comm+offsets.CommLen]
	comm, ok := parseComm(field)
	if !ok {
		return 0, "", false
	}

	if pid == 0 {
		if !strings.HasPrefix(comm, cfg.idlePrefix()) {
			return 0, "", false
		}
	} else if pid > cfg.pidMax() {
		return 0, "", false
	}

	return pid, comm, true
}

func parseComm(field []byte) (string, bool) {
	nul := -1
	for i, b := range field {
		if b == 0 {
			nul = i
			break
		}
	}
	if nul < 1 || nul > 15 {
		return "", false
	}
	for _, b := range field[:nul] {
		if b < 0x20 || b > 0x7e {
			return "", false
		}
	}
	return string(field[:nul]), true
}

func tasksPointersPlausible(next, prev uint64) bool {
	bothZero := next == 0 && prev == 0
	bothKernelVA := next>>48 == 0xFFFF && prev>>48 == 0xFFFF
	return bothZero || bothKernelVA
}

func readU64(buf []byte, off uint64) uint64 { return readU64Width(buf, off, 8) }

func readU64Width(buf []byte, off uint64, width int) uint64 {
	if off+uint64(width) > uint64(len(buf)) {
		return 0
	}
	var v uint64
	for i := 0; i < width; i++ {
		v |= uint64(buf[off+uint64(i)]) << (8 * i)
	}
	return v
}
