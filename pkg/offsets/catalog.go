// Package offsets implements component H: a data-driven table of
// task_struct field offsets keyed by kernel build, plus a heuristic
// finder for builds the table doesn't know about.
package offsets

import (
	"encoding/json"
	"os"
)

// Layout is every task_struct/mm_struct field offset the rest of the
// engine needs, for one kernel build.
type Layout struct {
	Build          string `json:"build"`
	TaskStructSize uint64 `json:"task_struct_size"`
	Pid            uint64 `json:"pid"`
	Comm           uint64 `json:"comm"`
	State          uint64 `json:"state"`
	Mm             uint64 `json:"mm"`
	TasksNext      uint64 `json:"tasks_next"`
	TasksPrev      uint64 `json:"tasks_prev"`
	RealParent     uint64 `json:"real_parent"`
	MmPgd          uint64 `json:"mm_pgd"`

	// SlabStride and SlabObjectOffsets describe this build's SLUB/SLAB
	// packing: the stride between chunk starts and the intra-chunk
	// offsets of the (typically three) task_struct objects packed into
	// one chunk (§3, §4.F). Both are build-dependent, since slab
	// geometry tracks CONFIG_SLUB/object size, not just the kernel
	// version.
	SlabStride        uint64   `json:"slab_stride"`
	SlabObjectOffsets []uint64 `json:"slab_object_offsets"`
}

// CommLen is the fixed size of task_struct.comm (TASK_COMM_LEN), NUL
// terminated, printable-ASCII per §8 invariant 1.
const CommLen = 16

// Catalog holds known builds, loaded once at startup and treated as
// immutable thereafter (§5).
type Catalog struct {
	entries map[string]Layout
}

// New returns a Catalog seeded with the builtin builds.
func New() *Catalog {
	c := &Catalog{entries: make(map[string]Layout, len(builtins))}
	for _, l := range builtins {
		c.entries[l.Build] = l
	}
	return c
}

// builtins is a small, illustrative set of known layouts. Real
// deployments extend this via offset_catalog_path; the engine never
// hardcodes a build's index/offset as a scan-time assumption (§4.C).
var builtins = []Layout{
	{
		Build:             "6.1.0-generic-arm64",
		TaskStructSize:    0x900,
		Pid:               0x4e8,
		Comm:              0x650,
		State:             0x18,
		Mm:                0x3b8,
		TasksNext:         0x4c8,
		TasksPrev:         0x4d0,
		RealParent:        0x4f8,
		MmPgd:             0x48,
		SlabStride:        0x2000,
		SlabObjectOffsets: []uint64{0x0, 0x900, 0x1200},
	},
	{
		Build:             "6.6.0-generic-arm64",
		TaskStructSize:    0x980,
		Pid:               0x530,
		Comm:              0x6a0,
		State:             0x18,
		Mm:                0x3f0,
		TasksNext:         0x508,
		TasksPrev:         0x510,
		RealParent:        0x538,
		MmPgd:             0x48,
		SlabStride:        0x2000,
		SlabObjectOffsets: []uint64{0x0, 0x980, 0x1300},
	},
}

// Lookup returns the layout for an exact build string.
func (c *Catalog) Lookup(build string) (Layout, bool) {
	l, ok := c.entries[build]
	return l, ok
}

// Put registers or overwrites a layout, used both by LoadExtra and by
// callers that persist a heuristically discovered layout for reuse.
func (c *Catalog) Put(l Layout) { c.entries[l.Build] = l }

// LoadExtra merges additional layouts from a JSON file (the
// offset_catalog_path config option, §6) — a JSON array of Layout.
// Entries with a build string matching a builtin override it.
func (c *Catalog) LoadExtra(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var extra []Layout
	if err := json.Unmarshal(raw, &extra); err != nil {
		return err
	}
	for _, l := range extra {
		c.Put(l)
	}
	return nil
}
