package offsets

import "errors"

var (
	// ErrUnknownBuild indicates the catalog has no entry for a release
	// string and the heuristic finder also failed.
	ErrUnknownBuild = errors.New("offsets: unknown kernel build")

	// ErrHeuristicFailed indicates the signature scan over a confirmed
	// init_task window did not locate every required field.
	ErrHeuristicFailed = errors.New("offsets: heuristic offset discovery failed")
)
