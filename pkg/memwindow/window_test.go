package memwindow

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jamiefaye/vmintrospect/pkg/types"
)

func makeRAMFile(t *testing.T, size int) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "ram-*.bin")
	require.NoError(t, err)
	defer f.Close()

	buf := make([]byte, size)
	for i := range buf {
		buf[i] = byte(i)
	}
	_, err = f.Write(buf)
	require.NoError(t, err)
	return f.Name()
}

func TestWindow_ReadWithinChunk(t *testing.T) {
	path := makeRAMFile(t, 64*1024)
	w, err := Open(Config{MemoryPath: path, RAMBase: 0, ChunkSize: 4096, MaxChunks: 4})
	require.NoError(t, err)
	defer w.Close()

	b, err := w.Read(10, 5)
	require.NoError(t, err)
	assert.Equal(t, []byte{10, 11, 12, 13, 14}, b)
}

func TestWindow_ReadCrossesChunkBoundary(t *testing.T) {
	path := makeRAMFile(t, 64*1024)
	w, err := Open(Config{MemoryPath: path, RAMBase: 0, ChunkSize: 4096, MaxChunks: 4})
	require.NoError(t, err)
	defer w.Close()

	b, err := w.Read(types.PA(4094), 8)
	require.NoError(t, err)
	want := make([]byte, 8)
	for i := range want {
		want[i] = byte((4094 + i) % 256)
	}
	assert.Equal(t, want, b)
}

func TestWindow_RAMBaseOffset(t *testing.T) {
	path := makeRAMFile(t, 4096)
	w, err := Open(Config{MemoryPath: path, RAMBase: 0x8000_0000, ChunkSize: 4096, MaxChunks: 1})
	require.NoError(t, err)
	defer w.Close()

	assert.True(t, w.Contains(0x8000_0000))
	assert.False(t, w.Contains(0x7FFF_FFFF))

	b, err := w.Read(0x8000_0000, 1)
	require.NoError(t, err)
	assert.Equal(t, []byte{0}, b)
}

func TestWindow_LastByteSucceedsOneByteFurtherFails(t *testing.T) {
	size := 8192
	path := makeRAMFile(t, size)
	w, err := Open(Config{MemoryPath: path, RAMBase: 0, ChunkSize: 4096, MaxChunks: 4})
	require.NoError(t, err)
	defer w.Close()

	b, err := w.Read(types.PA(size-1), 1)
	require.NoError(t, err)
	assert.Equal(t, []byte{byte((size - 1) % 256)}, b)

	_, err = w.Read(types.PA(size), 1)
	assert.ErrorIs(t, err, ErrOutOfRange)
}

func TestWindow_NeverPartialRead(t *testing.T) {
	path := makeRAMFile(t, 4096)
	w, err := Open(Config{MemoryPath: path, RAMBase: 0, ChunkSize: 4096, MaxChunks: 1})
	require.NoError(t, err)
	defer w.Close()

	_, err = w.Read(4000, 200)
	assert.ErrorIs(t, err, ErrOutOfRange)
}

func TestWindow_LRUEviction(t *testing.T) {
	// 5 chunks of 4096 bytes, but cache only holds 2: touching a 3rd must
	// evict the least-recently-used one without corrupting subsequent reads.
	path := makeRAMFile(t, 5*4096)
	w, err := Open(Config{MemoryPath: path, RAMBase: 0, ChunkSize: 4096, MaxChunks: 2})
	require.NoError(t, err)
	defer w.Close()

	_, err = w.Read(0, 1) // chunk 0
	require.NoError(t, err)
	_, err = w.Read(4096, 1) // chunk 1
	require.NoError(t, err)
	_, err = w.Read(8192, 1) // chunk 2, evicts chunk 0
	require.NoError(t, err)

	assert.Len(t, w.chunks, 2)

	b, err := w.Read(0, 1) // chunk 0 reloaded
	require.NoError(t, err)
	assert.Equal(t, []byte{0}, b)
}

func TestWindow_RefreshShrink(t *testing.T) {
	path := makeRAMFile(t, 2*4096)
	w, err := Open(Config{MemoryPath: path, RAMBase: 0, ChunkSize: 4096, MaxChunks: 4})
	require.NoError(t, err)
	defer w.Close()

	_, err = w.Read(4096, 1)
	require.NoError(t, err)

	require.NoError(t, os.Truncate(path, 4096))
	require.NoError(t, w.Refresh())

	_, err = w.Read(4096, 1)
	assert.ErrorIs(t, err, ErrOutOfRange)
}

func TestWindow_CloseIsIdempotent(t *testing.T) {
	path := makeRAMFile(t, 4096)
	w, err := Open(Config{MemoryPath: path, RAMBase: 0})
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.NoError(t, w.Close())

	_, err = w.Read(0, 1)
	assert.ErrorIs(t, err, ErrClosed)
}
