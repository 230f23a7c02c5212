package taskwalk

import (
	"encoding/binary"

	"github.com/jamiefaye/vmintrospect/pkg/memsrc"
	"github.com/jamiefaye/vmintrospect/pkg/offsets"
	"github.com/jamiefaye/vmintrospect/pkg/pagewalk"
	"github.com/jamiefaye/vmintrospect/pkg/taskscan"
	"github.com/jamiefaye/vmintrospect/pkg/types"
)

// readField decodes a little-endian u64 pointer field out of a raw read,
// returning 0 for a short buffer rather than panicking.
func readField(buf []byte, off int) uint64 {
	if off+8 > len(buf) {
		return 0
	}
	return binary.LittleEndian.Uint64(buf[off : off+8])
}

// PIDMapRoot locates the kernel's PID namespace root as a flat table of
// "struct pid" pointers, one per slot, rather than decoding the real
// radix/IDR tree node format. This catches the same corroboration cases
// the full tree would (tasks with torn list linkage, or in fragmented
// SLABs) at the cost of only working when the table is contiguous; real
// kernels page the IDR tree in 64-entry radix nodes, which a fuller
// implementation would walk recursively.
type PIDMapRoot struct {
	// TableVA is the kernel VA of the first "struct pid *" slot.
	TableVA types.VA
	// Slots is the table length.
	Slots int
	// TaskOffset is the byte offset of the task_struct pointer inside
	// "struct pid".
	TaskOffset uint64
}

// WalkPIDMap dereferences every non-NULL slot and validates the
// resulting task_struct, returning candidates with ProvenancePIDMap.
// Failure to read the table entirely is non-fatal: it returns an empty
// result rather than an error, matching §4.G's "failure to locate the
// PID root is non-fatal".
func WalkPIDMap(src memsrc.Source, kernelPGD types.PA, root PIDMapRoot, layout offsets.Layout, cfg taskscan.Config) []taskscan.Candidate {
	var out []taskscan.Candidate

	for i := 0; i < root.Slots; i++ {
		slotVA := root.TableVA.Add(uint64(i) * 8)
		slotPA, err := pagewalk.Translate(src, kernelPGD, slotVA)
		if err != nil {
			continue
		}
		raw, err := src.Read(slotPA, 8)
		if err != nil {
			continue
		}
		pidStructVA := types.VA(readField(raw, 0))
		if pidStructVA == 0 {
			continue
		}

		taskPtrVA := pidStructVA.Add(root.TaskOffset)
		taskPtrPA, err := pagewalk.Translate(src, kernelPGD, taskPtrVA)
		if err != nil {
			continue
		}
		taskPtrRaw, err := src.Read(taskPtrPA, 8)
		if err != nil {
			continue
		}
		taskVA := types.VA(readField(taskPtrRaw, 0))
		if taskVA == 0 {
			continue
		}

		taskPA, err := pagewalk.Translate(src, kernelPGD, taskVA)
		if err != nil {
			continue
		}
		buf, err := src.Read(taskPA, int(layout.TaskStructSize))
		if err != nil {
			continue
		}
		cand, ok := taskscan.Validate(taskPA, buf, cfg)
		if !ok {
			continue
		}
		cand.Provenance = taskscan.ProvenancePIDMap
		out = append(out, cand)
	}

	return out
}
