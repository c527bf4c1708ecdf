package blockmap

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cumulusbd/cumulus/pkg/blocktree"
	"github.com/cumulusbd/cumulus/pkg/codec"
	"github.com/cumulusbd/cumulus/pkg/log"
	"github.com/cumulusbd/cumulus/pkg/store"
)

const testBS = 4096

func init() {
	log.Init(log.Config{Level: log.ErrorLevel})
}

func newTestMapper(t *testing.T) (*Mapper, *blocktree.BlockTree, *store.Memory) {
	t.Helper()
	cdc := codec.New(bytes.Repeat([]byte{0x11}, 32), bytes.Repeat([]byte{0x22}, 32))
	cdc.SetCompressor(codec.Deflate{})
	mem := store.NewMemory("bucket", "vol")
	tree := blocktree.New(cdc, mem, blocktree.Options{Writers: 2})
	tree.SetCacheLimits(64, 32, 1)
	tree.Start()
	t.Cleanup(tree.Close)
	m, err := New(tree, testBS)
	require.NoError(t, err)
	return m, tree, mem
}

func TestReadEmptyVolume(t *testing.T) {
	m, _, mem := newTestMapper(t)

	data, err := m.Read(0, 16)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, 16), data)
	assert.Equal(t, 0, mem.Len(), "reading must not create objects")
}

func TestReadLengthProperty(t *testing.T) {
	m, _, _ := newTestMapper(t)

	tests := []struct {
		name   string
		off    uint64
		length uint32
	}{
		{name: "empty request", off: 100, length: 0},
		{name: "within one block", off: 10, length: 100},
		{name: "exactly one block", off: 0, length: testBS},
		{name: "unaligned across blocks", off: testBS - 7, length: 20},
		{name: "many blocks", off: 5, length: 3*testBS + 11},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := m.Read(tt.off, tt.length)
			require.NoError(t, err)
			assert.Len(t, data, int(tt.length))
		})
	}
}

func TestWriteReadback(t *testing.T) {
	m, _, _ := newTestMapper(t)

	require.NoError(t, m.Write(100, []byte("hello")))
	require.NoError(t, m.Flush())

	data, err := m.Read(95, 12)
	require.NoError(t, err)
	assert.Equal(t, []byte("\x00\x00\x00\x00\x00hello\x00\x00"), data)
}

func TestWritePreservesSurroundings(t *testing.T) {
	m, _, _ := newTestMapper(t)

	require.NoError(t, m.Write(0, bytes.Repeat([]byte{0xaa}, testBS)))
	require.NoError(t, m.Write(10, []byte{0xbb, 0xbb}))

	data, err := m.Read(8, 6)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xaa, 0xaa, 0xbb, 0xbb, 0xaa, 0xaa}, data)
}

func TestWriteAcrossBlockBoundary(t *testing.T) {
	m, tree, mem := newTestMapper(t)

	require.NoError(t, m.Write(testBS-6, []byte("ABCDEFGHIJ")))
	require.NoError(t, m.Flush())

	data, err := m.Read(testBS-6, 10)
	require.NoError(t, err)
	assert.Equal(t, []byte("ABCDEFGHIJ"), data)

	// Both halves persisted as distinct objects.
	assert.Equal(t, 2, mem.Len())

	b0, err := tree.Get(blocktree.BlockPath(0))
	require.NoError(t, err)
	assert.Equal(t, []byte("ABCDEF"), b0[testBS-6:])
	assert.Equal(t, make([]byte, testBS-6), b0[:testBS-6])

	b1, err := tree.Get(blocktree.BlockPath(1))
	require.NoError(t, err)
	assert.Equal(t, []byte("GHIJ"), b1[:4])
	assert.Equal(t, make([]byte, testBS-4), b1[4:])
}

func TestFullBlockWrite(t *testing.T) {
	m, _, mem := newTestMapper(t)

	payload := bytes.Repeat([]byte{0x5a}, testBS)
	require.NoError(t, m.Write(testBS, payload))
	require.NoError(t, m.Flush())

	assert.Equal(t, 1, mem.Len())
	data, err := m.Read(testBS, testBS)
	require.NoError(t, err)
	assert.Equal(t, payload, data)
}

func TestZeroWriteDeletesBlock(t *testing.T) {
	m, _, mem := newTestMapper(t)

	require.NoError(t, m.Write(0, bytes.Repeat([]byte{0x77}, testBS)))
	require.NoError(t, m.Flush())
	require.Equal(t, 1, mem.Len())

	require.NoError(t, m.Write(0, make([]byte, testBS)))
	require.NoError(t, m.Flush())

	assert.Equal(t, 0, mem.Len(), "an all-zero block must be deleted, not stored")

	data, err := m.Read(0, testBS)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, testBS), data)
}

func TestPartialZeroingKeepsBlock(t *testing.T) {
	m, _, mem := newTestMapper(t)

	require.NoError(t, m.Write(0, bytes.Repeat([]byte{0x77}, testBS)))
	require.NoError(t, m.Write(0, make([]byte, 16)))
	require.NoError(t, m.Flush())

	assert.Equal(t, 1, mem.Len(), "a partially zeroed block stays stored")
	data, err := m.Read(0, 32)
	require.NoError(t, err)
	assert.Equal(t, append(make([]byte, 16), bytes.Repeat([]byte{0x77}, 16)...), data)
}

func TestTrim(t *testing.T) {
	m, _, mem := newTestMapper(t)

	require.NoError(t, m.Write(0, bytes.Repeat([]byte{0x11}, 3*testBS)))
	require.NoError(t, m.Flush())
	require.Equal(t, 3, mem.Len())

	// Trimming the middle block deletes exactly that object.
	require.NoError(t, m.Trim(testBS, testBS))
	require.NoError(t, m.Flush())
	assert.Equal(t, 2, mem.Len())

	data, err := m.Read(testBS, testBS)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, testBS), data)

	// Whole-device trim clears the store.
	require.NoError(t, m.Trim(0, 3*testBS))
	require.NoError(t, m.Flush())
	assert.Equal(t, 0, mem.Len())
}

func TestWriteSequenceThenReadAll(t *testing.T) {
	m, _, _ := newTestMapper(t)

	const size = 4 * testBS
	want := make([]byte, size)
	writes := []struct {
		off  uint64
		data []byte
	}{
		{0, bytes.Repeat([]byte{1}, 100)},
		{50, bytes.Repeat([]byte{2}, testBS)},
		{2*testBS - 3, []byte{3, 3, 3, 3, 3, 3}},
		{3 * testBS, bytes.Repeat([]byte{4}, testBS)},
		{100, []byte{5}},
	}
	for _, w := range writes {
		require.NoError(t, m.Write(w.off, w.data))
		copy(want[w.off:], w.data)
	}
	require.NoError(t, m.Flush())

	got, err := m.Read(0, size)
	require.NoError(t, err)
	assert.Equal(t, want, got, "reads must reflect writes applied in issue order")
}
