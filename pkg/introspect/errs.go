package introspect

import "errors"

var (
	// ErrNoKernelPgd is the sole fatal condition for snapshot(): both the
	// Hypervisor Query and the PGD Scanner failed to produce a candidate.
	ErrNoKernelPgd = errors.New("introspect: no kernel PGD found")

	// ErrStaleSnapshot indicates fewer than the configured minimum
	// processes were found and ground-truth validation was requested.
	ErrStaleSnapshot = errors.New("introspect: stale snapshot")

	// ErrUnknownPID indicates Translate was asked about a PID not present
	// in the snapshot it was given.
	ErrUnknownPID = errors.New("introspect: unknown pid")

	// errHeuristicVAUnmapped is returned by discoverLayout's readVA
	// callback when a list pointer the signature scan wants to follow
	// has no known mapping in the reverse mapper.
	errHeuristicVAUnmapped = errors.New("introspect: heuristic readVA: va not mapped")
)
