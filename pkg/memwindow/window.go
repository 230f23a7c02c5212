// Package memwindow implements component A of the introspection engine:
// read-only, random-access, paged access to guest RAM through the
// hypervisor's shared memory-backend file.
package memwindow

import (
	"container/list"
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/jamiefaye/vmintrospect/pkg/types"
)

// DefaultChunkSize is the size of one cached mmap window (100 MiB per §4.A).
const DefaultChunkSize = 100 * 1024 * 1024

// DefaultMaxChunks is the number of chunks kept resident by the LRU (§4.A).
const DefaultMaxChunks = 10

// Config configures a Window.
type Config struct {
	// MemoryPath is the path to the shared memory-backend file.
	MemoryPath string
	// RAMBase is the guest physical address corresponding to file offset 0.
	RAMBase types.PA
	// ChunkSize overrides DefaultChunkSize when non-zero.
	ChunkSize uint64
	// MaxChunks overrides DefaultMaxChunks when non-zero.
	MaxChunks int
}

type chunk struct {
	index uint64
	data  []byte // mmap'd, read-only, MAP_SHARED
}

// Window is a read-only, chunked-cache view over a guest RAM file. It is
// the sole owner of cached pages (§3, §5) and is safe for concurrent
// readers.
type Window struct {
	mu sync.Mutex

	file      *os.File
	fileSize  uint64
	ramBase   types.PA
	chunkSize uint64
	maxChunks int

	lru    *list.List               // front = most recently used
	chunks map[uint64]*list.Element // chunk index -> *list.Element holding *chunk
	closed bool
}

// Open opens the memory-backend file read-only and prepares the chunk cache.
func Open(cfg Config) (*Window, error) {
	if cfg.MemoryPath == "" {
		return nil, fmt.Errorf("%w: memory_path required", ErrBadConfig)
	}
	chunkSize := cfg.ChunkSize
	if chunkSize == 0 {
		chunkSize = DefaultChunkSize
	}
	maxChunks := cfg.MaxChunks
	if maxChunks <= 0 {
		maxChunks = DefaultMaxChunks
	}

	f, err := os.Open(cfg.MemoryPath)
	if err != nil {
		return nil, fmt.Errorf("memwindow: open %s: %w", cfg.MemoryPath, err)
	}
	fi, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("memwindow: stat %s: %w", cfg.MemoryPath, err)
	}

	return &Window{
		file:      f,
		fileSize:  uint64(fi.Size()),
		ramBase:   cfg.RAMBase,
		chunkSize: chunkSize,
		maxChunks: maxChunks,
		lru:       list.New(),
		chunks:    make(map[uint64]*list.Element),
	}, nil
}

// Close unmaps every cached chunk and closes the backing file.
func (w *Window) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	for e := w.lru.Front(); e != nil; e = e.Next() {
		_ = unix.Munmap(e.Value.(*chunk).data)
	}
	w.lru.Init()
	w.chunks = nil
	return w.file.Close()
}

// Refresh re-stats the already-open backing file, picking up growth or
// shrinkage performed by the hypervisor out from under the reader. A new
// file put in place at the same path is not picked up: the Window keeps
// reading the file it opened. When the size changes, cached chunks that
// start at or past the new end, and any short tail chunk mapped under the
// old size, are unmapped immediately; Read's bounds check keeps bytes past
// the new end from being served.
func (w *Window) Refresh() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	fi, err := w.file.Stat()
	if err != nil {
		return fmt.Errorf("memwindow: stat: %w", err)
	}
	newSize := uint64(fi.Size())
	if newSize != w.fileSize {
		// Drop every cached chunk past the new end, and any tail chunk
		// mapped shorter than chunkSize under the old size, so stale mmap
		// windows are never served again.
		for idx, e := range w.chunks {
			if idx*w.chunkSize >= newSize || uint64(len(e.Value.(*chunk).data)) < w.chunkSize {
				_ = unix.Munmap(e.Value.(*chunk).data)
				w.lru.Remove(e)
				delete(w.chunks, idx)
			}
		}
	}
	w.fileSize = newSize
	return nil
}

// RAMSize returns the length of the backing file as last observed.
func (w *Window) RAMSize() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.fileSize
}

// RAMBase returns the guest PA corresponding to file offset 0.
func (w *Window) RAMBase() types.PA {
	return w.ramBase
}

// Contains reports whether pa lies within the currently readable RAM interval.
func (w *Window) Contains(pa types.PA) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if pa < w.ramBase {
		return false
	}
	return uint64(pa-w.ramBase) < w.fileSize
}

// Read returns exactly length bytes starting at guest physical address pa,
// or ErrOutOfRange. Reads never return a partial result (§4.A).
func (w *Window) Read(pa types.PA, length int) ([]byte, error) {
	if length <= 0 {
		return nil, fmt.Errorf("%w: non-positive length", ErrOutOfRange)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil, ErrClosed
	}
	if pa < w.ramBase {
		return nil, ErrOutOfRange
	}
	off := uint64(pa - w.ramBase)
	end := off + uint64(length)
	if end < off || end > w.fileSize {
		return nil, ErrOutOfRange
	}

	startChunk := off / w.chunkSize
	endChunk := (end - 1) / w.chunkSize

	if startChunk == endChunk {
		c, err := w.chunkAt(startChunk)
		if err != nil {
			return nil, err
		}
		localOff := off - startChunk*w.chunkSize
		out := make([]byte, length)
		copy(out, c.data[localOff:localOff+uint64(length)])
		return out, nil
	}

	// Crossing a chunk boundary falls back to byte-assembly (§4.A).
	out := make([]byte, length)
	remaining := out
	cur := off
	for len(remaining) > 0 {
		idx := cur / w.chunkSize
		c, err := w.chunkAt(idx)
		if err != nil {
			return nil, err
		}
		localOff := cur - idx*w.chunkSize
		n := copy(remaining, c.data[localOff:])
		remaining = remaining[n:]
		cur += uint64(n)
	}
	return out, nil
}

// ReadAt adapts Window to io.ReaderAt, treating off as a byte offset from
// RAMBase() rather than an absolute guest PA.
func (w *Window) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, ErrOutOfRange
	}
	b, err := w.Read(w.ramBase+types.PA(off), len(p))
	if err != nil {
		return 0, err
	}
	return copy(p, b), nil
}

// chunkAt returns the mmap'd chunk covering byte offset idx*chunkSize,
// loading and caching it under the LRU policy if absent. Caller holds w.mu.
func (w *Window) chunkAt(idx uint64) (*chunk, error) {
	if e, ok := w.chunks[idx]; ok {
		w.lru.MoveToFront(e)
		return e.Value.(*chunk), nil
	}

	start := idx * w.chunkSize
	size := w.chunkSize
	if start+size > w.fileSize {
		size = w.fileSize - start
	}
	if size == 0 || start >= w.fileSize {
		return nil, ErrOutOfRange
	}

	data, err := unix.Mmap(int(w.file.Fd()), int64(start), int(size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("%w: mmap chunk %d: %v", ErrOutOfRange, idx, err)
	}

	c := &chunk{index: idx, data: data}
	e := w.lru.PushFront(c)
	w.chunks[idx] = e

	if w.lru.Len() > w.maxChunks {
		w.evictOldest()
	}
	return c, nil
}

// evictOldest drops the least-recently-used chunk. Caller holds w.mu.
func (w *Window) evictOldest() {
	e := w.lru.Back()
	if e == nil {
		return
	}
	c := e.Value.(*chunk)
	_ = unix.Munmap(c.data)
	delete(w.chunks, c.index)
	w.lru.Remove(e)
}
