package storage

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T, blockSize, blockCount uint16) *Engine {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.img")
	e, err := Open(path, FormatOptions{BlockSize: blockSize, BlockCount: blockCount}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func TestOpenFormatsNewFile(t *testing.T) {
	e := newTestEngine(t, 16, 8)
	require.Equal(t, uint16(16), e.BlockSize())
	require.Equal(t, uint16(8), e.BlockCount())
}

func TestOpenReopenPreservesLayout(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reuse.img")
	e1, err := Open(path, FormatOptions{BlockSize: 32, BlockCount: 4}, nil)
	require.NoError(t, err)

	region, err := e1.AllocateRegion(Invalid)
	require.NoError(t, err)
	require.NoError(t, e1.JumpToRegion(region))
	n, err := e1.WriteInRegion([]byte("hello"))
	require.NoError(t, err)
	require.Equal(t, 5, n)
	require.NoError(t, e1.Close())

	// Reopening with different options must not reformat; the header on
	// disk wins.
	e2, err := Open(path, FormatOptions{BlockSize: 999, BlockCount: 999}, nil)
	require.NoError(t, err)
	defer e2.Close()
	require.Equal(t, uint16(32), e2.BlockSize())
	require.Equal(t, uint16(4), e2.BlockCount())

	require.NoError(t, e2.JumpToRegion(region))
	buf := make([]byte, 5)
	n, err = e2.ReadInRegion(buf)
	require.NoError(t, err)
	require.Equal(t, 5, n)
	require.Equal(t, "hello", string(buf))
}

func TestWriteInRegionCrossesBlocks(t *testing.T) {
	e := newTestEngine(t, 4, 8)
	region, err := e.AllocateRegion(Invalid)
	require.NoError(t, err)
	require.NoError(t, e.JumpToRegion(region))

	payload := []byte("0123456789")
	n, err := e.WriteInRegion(payload)
	require.NoError(t, err)
	require.Equal(t, len(payload), n)

	require.NoError(t, e.JumpToRegion(region))
	buf := make([]byte, len(payload))
	n, err = e.ReadInRegion(buf)
	require.NoError(t, err)
	require.Equal(t, len(payload), n)
	require.Equal(t, payload, buf)
}

func TestWriteFillsExactlyOneBlockWithoutExtraAllocation(t *testing.T) {
	e := newTestEngine(t, 8, 4)
	region, err := e.AllocateRegion(Invalid)
	require.NoError(t, err)
	require.NoError(t, e.JumpToRegion(region))

	payload := []byte("exactly8")
	n, err := e.WriteInRegion(payload)
	require.NoError(t, err)
	require.Equal(t, 8, n)

	require.NoError(t, e.JumpToRegion(region))
	buf := make([]byte, 8)
	n, err = e.ReadInRegion(buf)
	require.NoError(t, err)
	require.Equal(t, 8, n)
	require.Equal(t, payload, buf)

	// A write landing exactly on the block boundary must not have linked a
	// tail block it doesn't need yet: root(0) + region leaves 2 free blocks
	// out of 4, not 1.
	r1, err := e.AllocateRegion(Invalid)
	require.NoError(t, err)
	require.NotEqual(t, Invalid, r1)
	r2, err := e.AllocateRegion(Invalid)
	require.NoError(t, err)
	require.NotEqual(t, Invalid, r2)
	exhausted, err := e.AllocateRegion(Invalid)
	require.NoError(t, err)
	require.Equal(t, Invalid, exhausted)
}

func TestAllocateRegionExhaustion(t *testing.T) {
	e := newTestEngine(t, 8, 2)
	// Block 0 is the pre-allocated root; only one more block is free.
	region, err := e.AllocateRegion(Invalid)
	require.NoError(t, err)
	require.NotEqual(t, Invalid, region)

	exhausted, err := e.AllocateRegion(Invalid)
	require.NoError(t, err)
	require.Equal(t, Invalid, exhausted)
}

func TestFreeRegionReleasesWholeChain(t *testing.T) {
	e := newTestEngine(t, 4, 8)
	region, err := e.AllocateRegion(Invalid)
	require.NoError(t, err)
	require.NoError(t, e.JumpToRegion(region))
	_, err = e.WriteInRegion([]byte("0123456789")) // spans 3 blocks of size 4
	require.NoError(t, err)

	require.NoError(t, e.FreeRegion(region))

	// All 7 non-root blocks should now be free; we should be able to
	// allocate 7 fresh single-block regions.
	for i := 0; i < 7; i++ {
		r, err := e.AllocateRegion(Invalid)
		require.NoError(t, err)
		require.NotEqual(t, Invalid, r)
	}
	exhausted, err := e.AllocateRegion(Invalid)
	require.NoError(t, err)
	require.Equal(t, Invalid, exhausted)
}

func TestSeekInRegionForwardAndBackward(t *testing.T) {
	e := newTestEngine(t, 4, 8)
	region, err := e.AllocateRegion(Invalid)
	require.NoError(t, err)
	require.NoError(t, e.JumpToRegion(region))
	_, err = e.WriteInRegion([]byte("0123456789"))
	require.NoError(t, err)

	require.NoError(t, e.JumpToRegion(region))
	pos, err := e.SeekInRegion(7)
	require.NoError(t, err)
	require.Equal(t, int64(7), pos)

	buf := make([]byte, 1)
	_, err = e.ReadInRegion(buf)
	require.NoError(t, err)
	require.Equal(t, byte('7'), buf[0])

	// Seek backward across a block boundary and read the preceding byte.
	pos, err = e.SeekInRegion(-2)
	require.NoError(t, err)
	require.Equal(t, int64(6), pos)

	_, err = e.ReadInRegion(buf)
	require.NoError(t, err)
	require.Equal(t, byte('6'), buf[0])
}

func TestWriteInRegionShortWriteOnExhaustion(t *testing.T) {
	e := newTestEngine(t, 4, 2) // one free block beyond the root
	region, err := e.AllocateRegion(Invalid)
	require.NoError(t, err)
	require.NoError(t, e.JumpToRegion(region))

	n, err := e.WriteInRegion([]byte("0123456789"))
	require.NoError(t, err)
	require.Equal(t, 4, n) // exactly one block's worth, then allocator exhausted
}
