// Package introspect implements component I: the facade that composes
// the Hypervisor Query, PGD Scanner, Page Walker, Reverse Mapper, Task
// Scanner and Task Walker into snapshot()/translate()/classify().
package introspect

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/jamiefaye/vmintrospect/pkg/hvquery"
	"github.com/jamiefaye/vmintrospect/pkg/memsrc"
	"github.com/jamiefaye/vmintrospect/pkg/offsets"
	"github.com/jamiefaye/vmintrospect/pkg/pagewalk"
	"github.com/jamiefaye/vmintrospect/pkg/pgdscan"
	"github.com/jamiefaye/vmintrospect/pkg/revmap"
	"github.com/jamiefaye/vmintrospect/pkg/taskscan"
	"github.com/jamiefaye/vmintrospect/pkg/taskwalk"
	"github.com/jamiefaye/vmintrospect/pkg/types"
)

// Status summarizes how confidently a snapshot was assembled (§7).
type Status string

const (
	StatusOK       Status = "ok"
	StatusDegraded Status = "degraded"
	StatusStale    Status = "stale"
)

// Process is one entry in a snapshot's process table.
type Process struct {
	PID        uint32
	Comm       string
	PA         types.PA
	Mm         types.VA
	MmPgd      types.PA
	HasMm      bool
	Provenance taskscan.Provenance
}

// Snapshot is the composed result of one snapshot() call.
type Snapshot struct {
	KernelPGD     types.PA
	RAMSize       types.Bytes
	Processes     []Process
	ReverseMapper *revmap.Mapper
	Status        Status
}

// Facade is the engine's single entry point, composing components B
// through G over one memsrc.Source.
type Facade struct {
	cfg     *Config
	src     memsrc.Source
	catalog *offsets.Catalog

	coalesce singleflight.Group
}

// New builds a Facade. cfg may be nil to take every default.
func New(cfg *Config, src memsrc.Source, catalog *offsets.Catalog) *Facade {
	if cfg == nil {
		cfg = _defaultConfig()
	}
	if catalog == nil {
		catalog = offsets.New()
	}
	return &Facade{cfg: cfg, src: src, catalog: catalog}
}

// Snapshot composes a full process table. It is the sole operation that
// can fail outright (ErrNoKernelPgd); every other shortfall is reported
// via Snapshot.Status instead of an error (§7).
//
// Concurrent callers are coalesced onto a single in-flight computation,
// per §5's "multiple concurrent snapshot requests may be coalesced".
func (f *Facade) Snapshot(ctx context.Context) (Snapshot, error) {
	v, err, _ := f.coalesce.Do("snapshot", func() (any, error) {
		return f.snapshotOnce(ctx)
	})
	if err != nil {
		return Snapshot{}, err
	}
	return v.(Snapshot), nil
}

func (f *Facade) snapshotOnce(ctx context.Context) (Snapshot, error) {
	kernelPGD, err := f.resolveKernelPGD(ctx)
	if err != nil {
		return Snapshot{}, err
	}

	ramRange := types.AddrRange{Start: uint64(f.cfg.RAMBase), Length: f.cfg.RAMSize}

	regions := pgdscan.DeriveRegions(f.src, kernelPGD, ramRange)
	rm, err := revmap.Build(f.src, kernelPGD, regions)
	if err != nil {
		return Snapshot{}, fmt.Errorf("introspect: building reverse map: %w", err)
	}

	layout, haveLayout := f.catalog.Lookup(f.cfg.KernelBuild)
	heuristic := false
	if !haveLayout {
		if found, ok := f.discoverLayout(ramRange, kernelPGD, rm); ok {
			layout = found
			haveLayout = true
			heuristic = true
		}
	}

	scanCfg := taskscan.Config{
		Layout:            layout,
		SlabStride:        f.slabStride(layout),
		SlabObjectOffsets: f.slabObjectOffsets(layout),
	}

	degraded := !haveLayout || heuristic
	var processes []Process

	if haveLayout {
		scanned, err := taskscan.Scan(f.src, ramRange, kernelPGD, rm, scanCfg)
		if err != nil {
			return Snapshot{}, fmt.Errorf("introspect: task scan: %w", err)
		}

		byPA := make(map[types.PA]taskscan.Candidate, len(scanned))
		for _, c := range scanned {
			byPA[c.PA] = c
		}

		if seed, ok := taskwalk.SelectSeed(scanned); ok {
			res, err := taskwalk.Walk(f.src, kernelPGD, seed.PA, layout, scanCfg)
			if err == nil {
				for _, c := range res.Tasks {
					byPA[c.PA] = c // list-walk provenance supersedes a scanned duplicate
				}
				if res.Degraded {
					degraded = true
				}
			} else {
				degraded = true
			}
		} else {
			degraded = true // no plausible init_task: list walk never ran
		}

		if f.cfg.PIDMapRoot != nil {
			for _, c := range taskwalk.WalkPIDMap(f.src, kernelPGD, *f.cfg.PIDMapRoot, layout, scanCfg) {
				prior, seen := byPA[c.PA]
				if !seen || prior.Provenance == taskscan.ProvenanceScanned || prior.Provenance == taskscan.ProvenanceScannedPartial {
					byPA[c.PA] = c // PID-map provenance supersedes a scanner-only record, never a list-walk one
				}
			}
		}

		processes = make([]Process, 0, len(byPA))
		for _, c := range byPA {
			processes = append(processes, f.toProcess(kernelPGD, layout, c))
			if c.Provenance == taskscan.ProvenanceScannedPartial {
				degraded = true
			}
		}
	}

	status := StatusOK
	switch {
	case len(processes) < f.cfg.MinProcesses:
		status = StatusStale
	case degraded:
		status = StatusDegraded
	}

	return Snapshot{
		KernelPGD:     kernelPGD,
		RAMSize:       ramRange.Size(),
		Processes:     processes,
		ReverseMapper: rm,
		Status:        status,
	}, nil
}

// discoverLayout runs the Offset Catalog's heuristic finder (component
// H) over RAM a page at a time when the configured kernel build has no
// known layout, per §4.H: "unknown builds fall back to a heuristic
// finder... to discover offsets at runtime." Each page that the reverse
// mapper can resolve to a kernel VA is tried as a candidate init_task
// window; the first one the signature scan accepts wins.
func (f *Facade) discoverLayout(ram types.AddrRange, kernelPGD types.PA, rm *revmap.Mapper) (offsets.Layout, bool) {
	if rm == nil {
		return offsets.Layout{}, false
	}

	readVA := func(va types.VA, length int) ([]byte, error) {
		pa, ok := rm.VAToPA(va)
		if !ok {
			return nil, errHeuristicVAUnmapped
		}
		return f.src.Read(pa, length)
	}

	start := types.PA(ram.Start).AlignDown()
	end := types.PA(ram.End())
	for pa := start; pa < end; pa += types.PageSize {
		vas := rm.PAToVAs(pa)
		if len(vas) == 0 {
			continue
		}
		page, err := f.src.Read(pa, types.PageSize)
		if err != nil {
			continue
		}
		layout, err := offsets.FindOffsets(f.cfg.KernelBuild, vas[0], page, readVA)
		if err == nil {
			return layout, true
		}
	}
	return offsets.Layout{}, false
}

// slabStride picks the SLAB chunk stride to scan at: an explicit
// operator override first, then the build's own catalog entry, then
// the generic default.
func (f *Facade) slabStride(layout offsets.Layout) uint64 {
	if f.cfg.SlabStride != 0 {
		return f.cfg.SlabStride
	}
	if layout.SlabStride != 0 {
		return layout.SlabStride
	}
	return defaultSlabStride
}

// slabObjectOffsets picks the intra-chunk object offsets to scan at,
// with the same override precedence as slabStride.
func (f *Facade) slabObjectOffsets(layout offsets.Layout) []uint64 {
	if len(f.cfg.SlabObjectOffsets) != 0 {
		return f.cfg.SlabObjectOffsets
	}
	if len(layout.SlabObjectOffsets) != 0 {
		return layout.SlabObjectOffsets
	}
	return defaultSlabObjectOffsets
}

// toProcess resolves a candidate's per-process PGD by reading
// task_struct.mm.pgd through the kernel's own translation table (§8
// invariant 2), when the candidate has a non-null mm.
func (f *Facade) toProcess(kernelPGD types.PA, layout offsets.Layout, c taskscan.Candidate) Process {
	p := Process{PID: c.PID, Comm: c.Comm, PA: c.PA, Mm: c.Mm, Provenance: c.Provenance}
	if c.Mm == 0 {
		return p
	}

	mmPA, err := pagewalk.Translate(f.src, kernelPGD, c.Mm)
	if err != nil {
		return p
	}
	raw, err := f.src.Read(mmPA, int(layout.MmPgd+8))
	if err != nil || uint64(len(raw)) < layout.MmPgd+8 {
		return p
	}
	var pgd uint64
	for i := 0; i < 8; i++ {
		pgd |= uint64(raw[layout.MmPgd+uint64(i)]) << (8 * i)
	}
	p.MmPgd = types.PA(pgd)
	p.HasMm = true
	return p
}

// resolveKernelPGD tries the Hypervisor Query first, then falls back to
// the PGD Scanner; both failing is the sole fatal condition (§7).
func (f *Facade) resolveKernelPGD(ctx context.Context) (types.PA, error) {
	if f.cfg.HypervisorEndpoint != "" {
		pgd, err := hvquery.QueryKernelPGD(hvquery.Config{Endpoint: f.cfg.HypervisorEndpoint})
		if err == nil {
			return pgd, nil
		}
	}

	candidates, err := f.scanForPGD(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: scanner error: %v", ErrNoKernelPgd, err)
	}
	if len(candidates) == 0 {
		return 0, ErrNoKernelPgd
	}
	return candidates[0].PA, nil
}

// scanForPGD runs the PGD Scanner, fanning out one goroutine per
// configured scan region (or the whole of RAM as a single region) via
// errgroup and merging results (§5, §4.C). The errgroup sets no limit:
// concurrency equals the number of regions.
func (f *Facade) scanForPGD(ctx context.Context) ([]pgdscan.Candidate, error) {
	ram := types.AddrRange{Start: uint64(f.cfg.RAMBase), Length: f.cfg.RAMSize}
	regions := f.cfg.ScanRegions
	if len(regions) == 0 {
		regions = []types.AddrRange{ram}
	}

	results := make([][]pgdscan.Candidate, len(regions))
	g, _ := errgroup.WithContext(ctx)
	for i, region := range regions {
		i, region := i, region
		g.Go(func() error {
			cands, err := pgdscan.Scan(f.src, ram, pgdscan.Config{Regions: []types.AddrRange{region}})
			if err != nil {
				return err
			}
			results[i] = cands
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var all []pgdscan.Candidate
	for _, r := range results {
		all = append(all, r...)
	}
	return all, nil
}

// Translate resolves va for pid using the per-process PGD recorded in
// snap, falling back to the kernel PGD when pid has no memory
// descriptor (a kernel thread).
func (f *Facade) Translate(snap Snapshot, pid uint32, va types.VA) (types.PA, error) {
	for _, p := range snap.Processes {
		if p.PID != pid {
			continue
		}
		pgd := snap.KernelPGD
		if p.HasMm {
			pgd = p.MmPgd
		}
		return pagewalk.Translate(f.src, pgd, va)
	}
	return 0, ErrUnknownPID
}

// Classify tags va using the snapshot's reverse mapper and reports the
// owning process, if any candidate's mm maps it.
func (f *Facade) Classify(snap Snapshot, va types.VA) (revmap.RegionTag, *Process) {
	if snap.ReverseMapper == nil {
		return revmap.RegionUnknown, nil
	}
	tag := snap.ReverseMapper.Classify(va)

	if pa, ok := snap.ReverseMapper.VAToPA(va); ok {
		for i := range snap.Processes {
			p := &snap.Processes[i]
			if p.HasMm {
				if ppa, err := pagewalk.Translate(f.src, p.MmPgd, va); err == nil && ppa == pa {
					return tag, p
				}
			}
		}
	}
	return tag, nil
}
