package offsets

import (
	"encoding/binary"

	"github.com/jamiefaye/vmintrospect/pkg/types"
)

// VAReader reads length bytes starting at va through the kernel's
// translation table, for the back-pointer check in FindOffsets.
type VAReader func(va types.VA, length int) ([]byte, error)

const swapperComm = "swapper"

// FindOffsets discovers pid/comm/tasks.next/tasks.prev offsets from a
// confirmed init_task window, per §4.H's signature scan: a zero PID, a
// "swapper" comm field, and a self-referential tasks list head.
//
// selfVA is the kernel VA of window's first byte, needed to verify a
// list pointer's first hop points back into this same window.
// TaskStructSize is estimated, not read from a symbol table (see
// estimateTaskStructSize); state, mm, real_parent and mm.pgd are not
// discoverable by this heuristic at all and are left zero in the result.
func FindOffsets(build string, selfVA types.VA, window []byte, readVA VAReader) (Layout, error) {
	commOff, ok := findCommField(window)
	if !ok {
		return Layout{}, ErrHeuristicFailed
	}

	pidOff, ok := findZeroPIDBefore(window, commOff)
	if !ok {
		return Layout{}, ErrHeuristicFailed
	}

	nextOff, prevOff, ok := findSelfReferentialListHead(window, selfVA, readVA)
	if !ok {
		return Layout{}, ErrHeuristicFailed
	}

	return Layout{
		Build:          build,
		TaskStructSize: estimateTaskStructSize(commOff, nextOff, len(window)),
		Pid:            uint64(pidOff),
		Comm:           uint64(commOff),
		TasksNext:      uint64(nextOff),
		TasksPrev:      uint64(prevOff),
	}, nil
}

// estimateTaskStructSize has no symbol table to read sizeof(task_struct)
// from, so it takes the furthest field this scan located, rounds up to
// the next 256-byte boundary for padding headroom, and caps the result
// at the window itself — the scan never reads past the page it was
// given anyway.
func estimateTaskStructSize(commOff, tasksOff, windowLen int) uint64 {
	const fieldMargin = 0x100
	reach := commOff + CommLen
	if tasksOff+16 > reach {
		reach = tasksOff + 16
	}
	size := ((reach + fieldMargin) / fieldMargin) * fieldMargin
	if size > windowLen {
		size = windowLen
	}
	return uint64(size)
}

// findCommField locates the 16-byte comm field: "swapper" followed by
// NUL padding, the init_task's well-known name.
func findCommField(window []byte) (int, bool) {
	for off := 0; off+CommLen <= len(window); off++ {
		field := window[off : off+CommLen]
		if !hasPrefix(field, swapperComm) {
			continue
		}
		if isNULPadded(field, len(swapperComm)) {
			return off, true
		}
	}
	return 0, false
}

func hasPrefix(field []byte, prefix string) bool {
	if len(field) < len(prefix) {
		return false
	}
	return string(field[:len(prefix)]) == prefix
}

func isNULPadded(field []byte, from int) bool {
	for _, b := range field[from:] {
		if b != 0 {
			return false
		}
	}
	return true
}

// findZeroPIDBefore scans backward from commOff in 4-byte steps, up to
// 128 bytes, for the closest zero u32, the init_task's pid == 0.
func findZeroPIDBefore(window []byte, commOff int) (int, bool) {
	const searchSpan = 128
	start := commOff - searchSpan
	if start < 0 {
		start = 0
	}
	for off := commOff - 4; off >= start; off -= 4 {
		if off+4 > len(window) {
			continue
		}
		if binary.LittleEndian.Uint32(window[off:off+4]) == 0 {
			return off, true
		}
	}
	return 0, false
}

// findSelfReferentialListHead scans 8-byte-aligned offsets for an
// adjacent (next, prev) pointer pair that both look like kernel VAs,
// where dereferencing next's own "prev-at-the-same-offset" field lands
// back within selfVA's 4 KiB window — the signature of a list_head
// whose neighbor is itself (init_task's tasks list before any other
// task has joined, or any node once resolved against its true
// neighbor).
func findSelfReferentialListHead(window []byte, selfVA types.VA, readVA VAReader) (nextOff, prevOff int, ok bool) {
	pageBase := uint64(selfVA.Page())
	for off := 0; off+16 <= len(window); off += 8 {
		next := binary.LittleEndian.Uint64(window[off : off+8])
		prev := binary.LittleEndian.Uint64(window[off+8 : off+16])
		if !looksLikeKernelVA(next) || !looksLikeKernelVA(prev) {
			continue
		}

		back, err := readVA(types.VA(next+8), 8)
		if err != nil || len(back) != 8 {
			continue
		}
		backPrev := binary.LittleEndian.Uint64(back)
		if uint64(types.VA(backPrev).Page()) == pageBase {
			return off, off + 8, true
		}
	}
	return 0, 0, false
}

func looksLikeKernelVA(v uint64) bool {
	return v>>48 == 0xFFFF
}
