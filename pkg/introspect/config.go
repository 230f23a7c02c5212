package introspect

import (
	"github.com/jamiefaye/vmintrospect/pkg/taskwalk"
	"github.com/jamiefaye/vmintrospect/pkg/types"
)

// Config is the engine's structured configuration (§6). RAMBase,
// MemoryPath, HypervisorEndpoint, OffsetCatalogPath, ScanRegions and
// SnapshotTimeoutMs are the recognized external options; the remaining
// fields parameterize the Task Scanner and Offset Catalog selection,
// which the external interface leaves to deployment-specific tuning.
type Config struct {
	RAMBase            types.PA
	RAMSize            uint64
	MemoryPath         string
	HypervisorEndpoint string // host:port; empty disables component B
	OffsetCatalogPath  string
	ScanRegions        []types.AddrRange
	SnapshotTimeoutMs  int

	KernelBuild       string
	MinProcesses      int
	SlabStride        uint64
	SlabObjectOffsets []uint64

	// PIDMapRoot, when set, enables the PID-map corroboration pass
	// (component G) against a flat "struct pid *" table the caller has
	// located out of band — the table address isn't discoverable by any
	// scan this engine runs (§9 Open Question 2).
	PIDMapRoot *taskwalk.PIDMapRoot
}

// defaultSlabStride and defaultSlabObjectOffsets are the last-resort
// SLAB geometry used when neither the caller nor the resolved build's
// catalog entry supplies one: a 3-object-per-chunk pack, matching the
// builtin catalog layouts' own geometry (catalog.go's "6.1.0-generic-arm64"
// entry).
const defaultSlabStride = 0x2000

var defaultSlabObjectOffsets = []uint64{0x0, 0x900, 0x1200}

func _defaultConfig() *Config {
	return &Config{
		SnapshotTimeoutMs: 10000,
		MinProcesses:      1,
	}
}

func (c *Config) timeoutMs() int {
	if c.SnapshotTimeoutMs <= 0 {
		return _defaultConfig().SnapshotTimeoutMs
	}
	return c.SnapshotTimeoutMs
}
