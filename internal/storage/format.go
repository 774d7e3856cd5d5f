// Package storage implements the block storage engine: a backing file
// carved into fixed-size blocks, linked into singly-linked per-region
// chains with a free-block allocator, exposed as seekable byte-stream
// regions. It knows nothing about files, directories, paths or
// descriptors — that is the file-system layer's job (internal/vfs).
package storage

import "encoding/binary"

// Invalid is the sentinel block index / region id. It is never a valid
// in-use block index.
const Invalid Region = 0xFFFF

// Region identifies a chain of blocks by the index of its head block.
type Region uint16

const (
	// FileHeaderSize is the size of the backing file's 4-byte header
	// (block_size u16, block_count u16).
	FileHeaderSize = 4

	// BlockHeaderSize is the size of a block's header (in_use u8,
	// prev u16, next u16).
	BlockHeaderSize = 1 + 2 + 2

	// DefaultBlockSize and DefaultBlockCount are the format-time defaults
	// used when creating a new backing file without explicit options.
	DefaultBlockSize  = 10
	DefaultBlockCount = 128
)

// blockHeader is the on-disk header preceding every block's payload.
type blockHeader struct {
	inUse bool
	prev  Region
	next  Region
}

func encodeBlockHeader(h blockHeader) [BlockHeaderSize]byte {
	var buf [BlockHeaderSize]byte
	if h.inUse {
		buf[0] = 1
	}
	binary.LittleEndian.PutUint16(buf[1:3], uint16(h.prev))
	binary.LittleEndian.PutUint16(buf[3:5], uint16(h.next))
	return buf
}

func decodeBlockHeader(buf []byte) blockHeader {
	return blockHeader{
		inUse: buf[0] != 0,
		prev:  Region(binary.LittleEndian.Uint16(buf[1:3])),
		next:  Region(binary.LittleEndian.Uint16(buf[3:5])),
	}
}

func encodeFileHeader(blockSize, blockCount uint16) [FileHeaderSize]byte {
	var buf [FileHeaderSize]byte
	binary.LittleEndian.PutUint16(buf[0:2], blockSize)
	binary.LittleEndian.PutUint16(buf[2:4], blockCount)
	return buf
}

func decodeFileHeader(buf []byte) (blockSize, blockCount uint16) {
	return binary.LittleEndian.Uint16(buf[0:2]), binary.LittleEndian.Uint16(buf[2:4])
}

// blockStride is the number of bytes occupied by one block (header + payload).
func blockStride(blockSize uint16) int64 {
	return int64(BlockHeaderSize) + int64(blockSize)
}

// blockOffset returns the absolute byte offset of block index's header.
func blockOffset(blockSize uint16, index Region) int64 {
	return FileHeaderSize + int64(index)*blockStride(blockSize)
}
