package pagewalk

import "errors"

var (
	// ErrUnmapped means the walk reached an invalid (not-present) entry —
	// the VA is intentionally unmapped, not structurally broken.
	ErrUnmapped = errors.New("pagewalk: unmapped")

	// ErrWalkError means a table descriptor's physical address could not
	// be read (falls outside RAM, or the page was torn during read) —
	// structurally broken, as distinct from ErrUnmapped.
	ErrWalkError = errors.New("pagewalk: walk error")
)
