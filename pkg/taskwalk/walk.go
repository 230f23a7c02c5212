// Package taskwalk implements component G: traversing the kernel's
// doubly-linked tasks list from a seed init_task, with optional PID-map
// corroboration.
package taskwalk

import (
	"github.com/jamiefaye/vmintrospect/pkg/memsrc"
	"github.com/jamiefaye/vmintrospect/pkg/offsets"
	"github.com/jamiefaye/vmintrospect/pkg/pagewalk"
	"github.com/jamiefaye/vmintrospect/pkg/taskscan"
	"github.com/jamiefaye/vmintrospect/pkg/types"
)

// Result is the outcome of a list walk.
type Result struct {
	Tasks []taskscan.Candidate
	// Degraded is true if the walk terminated before returning to the
	// seed: a cycle, a translation failure, or the iteration ceiling.
	Degraded bool
}

// Walk follows seedPA's tasks list to completion (returning to the
// seed), or until a cycle, translation failure, or the PID_MAX-derived
// iteration ceiling is hit.
func Walk(src memsrc.Source, kernelPGD types.PA, seedPA types.PA, layout offsets.Layout, cfg taskscan.Config) (Result, error) {
	seedBuf, err := src.Read(seedPA, int(layout.TaskStructSize))
	if err != nil {
		return Result{}, ErrNoSeed
	}
	seed, ok := taskscan.Validate(seedPA, seedBuf, cfg)
	if !ok {
		return Result{}, ErrNoSeed
	}

	ceiling := int(cfg.PIDMax)
	if ceiling == 0 {
		ceiling = 1 << 22
	}

	visited := map[types.PA]bool{seedPA: true}
	out := []taskscan.Candidate{seed}

	nextStructVA := taskStructVA(seed.TasksNext, layout)

	for i := 0; i < ceiling; i++ {
		pa, werr := pagewalk.Translate(src, kernelPGD, nextStructVA)
		if werr != nil {
			return Result{Tasks: out, Degraded: true}, nil
		}
		if pa == seedPA {
			return Result{Tasks: out, Degraded: false}, nil
		}
		if visited[pa] {
			return Result{Tasks: out, Degraded: true}, nil // cycle not through the seed
		}

		buf, rerr := src.Read(pa, int(layout.TaskStructSize))
		if rerr != nil {
			return Result{Tasks: out, Degraded: true}, nil
		}
		cand, ok := taskscan.Validate(pa, buf, cfg)
		if !ok {
			return Result{Tasks: out, Degraded: true}, nil
		}
		cand.Provenance = taskscan.ProvenanceListWalk
		visited[pa] = true
		out = append(out, cand)

		nextStructVA = taskStructVA(cand.TasksNext, layout)
	}

	return Result{Tasks: out, Degraded: true}, nil // hit the iteration ceiling
}

// taskStructVA converts a tasks.next/prev VA (which points at the
// embedded list_head, not the struct's start) into the owning
// task_struct's start VA.
func taskStructVA(tasksFieldVA types.VA, layout offsets.Layout) types.VA {
	return tasksFieldVA.Sub(layout.TasksNext)
}

// SelectSeed picks the real init_task out of a set of pid==0
// candidates: the one with non-NUL, plausible kernel-VA list pointers.
// Per-CPU idle tasks ("swapper/N") have NUL list pointers and are
// excluded as seeds, though callers still record them.
func SelectSeed(candidates []taskscan.Candidate) (taskscan.Candidate, bool) {
	for _, c := range candidates {
		if c.PID != 0 {
			continue
		}
		if c.TasksNext == 0 && c.TasksPrev == 0 {
			continue
		}
		if c.TasksNext>>48 == 0xFFFF && c.TasksPrev>>48 == 0xFFFF {
			return c, true
		}
	}
	return taskscan.Candidate{}, false
}

// IsPerCPUIdle reports whether a pid==0 candidate is a per-CPU idle
// thread (NUL list pointers) rather than the real init_task.
func IsPerCPUIdle(c taskscan.Candidate) bool {
	return c.PID == 0 && c.TasksNext == 0 && c.TasksPrev == 0
}
