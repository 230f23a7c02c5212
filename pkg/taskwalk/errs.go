package taskwalk

import "errors"

var (
	// ErrNoSeed indicates no plausible init_task seed could be validated.
	ErrNoSeed = errors.New("taskwalk: no plausible init_task seed")
	// ErrCycleDetected indicates the tasks list looped back without
	// reaching the seed, a corrupted or adversarial list.
	ErrCycleDetected = errors.New("taskwalk: cycle detected in tasks list")
)
