// Package memsrc defines the narrow read interface that every component
// downstream of the Memory Window (page walker, scanners, reverse mapper)
// depends on, so they can be tested against a fake without pulling in the
// real mmap-backed pkg/memwindow.Window.
package memsrc

import "github.com/jamiefaye/vmintrospect/pkg/types"

// Source is a read-only, best-effort view of guest physical memory. It is
// satisfied by *memwindow.Window.
type Source interface {
	// Read returns exactly length bytes starting at pa, or an error
	// (conventionally wrapping memwindow.ErrOutOfRange) if any part of
	// the requested range cannot be read. Never returns a partial slice.
	Read(pa types.PA, length int) ([]byte, error)
}
