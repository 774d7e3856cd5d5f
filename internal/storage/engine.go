package storage

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
)

// ErrNoSpace describes the allocator having no free block left to hand out.
// The engine itself does not return it: AllocateRegion reports exhaustion as
// Invalid with a nil error, and WriteInRegion as a short count.
var ErrNoSpace = errors.New("storage: no free block available")

// FormatOptions controls the layout used when a backing file is created for
// the first time. They are ignored when the backing file already exists —
// the on-disk header wins, matching the original storage_initialize's
// "format only on absence" behavior.
type FormatOptions struct {
	BlockSize  uint16
	BlockCount uint16
}

// DefaultFormatOptions returns the spec's format-time defaults.
func DefaultFormatOptions() FormatOptions {
	return FormatOptions{BlockSize: DefaultBlockSize, BlockCount: DefaultBlockCount}
}

// Engine owns the backing file and the single physical cursor into it: the
// current block, its cached header, the byte offset within that block's
// payload, and the byte offset within the current region. It is not safe
// for concurrent use — exactly one logical position exists in the backing
// file at any time, per spec.
type Engine struct {
	file       *os.File
	blockSize  uint16
	blockCount uint16
	log        *slog.Logger

	currentBlock  Region
	currentHeader blockHeader
	blockOffset   uint16
	regionOffset  int64
}

// Open opens backingPath, formatting a new backing file with opts if it
// does not yet exist. When reopening an existing file, opts is ignored and
// the on-disk block_size/block_count win.
func Open(backingPath string, opts FormatOptions, log *slog.Logger) (*Engine, error) {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	f, err := os.OpenFile(backingPath, os.O_RDWR, 0o644)
	if errors.Is(err, os.ErrNotExist) {
		if opts.BlockSize == 0 {
			opts = DefaultFormatOptions()
		}
		log.Debug("formatting new backing file",
			"path", backingPath, "block_size", opts.BlockSize, "block_count", opts.BlockCount)
		if err := formatBackingFile(backingPath, opts); err != nil {
			return nil, fmt.Errorf("storage: format %s: %w", backingPath, err)
		}
		f, err = os.OpenFile(backingPath, os.O_RDWR, 0o644)
	}
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", backingPath, err)
	}

	hdr := make([]byte, FileHeaderSize)
	if _, err := f.ReadAt(hdr, 0); err != nil {
		f.Close()
		return nil, fmt.Errorf("storage: read file header: %w", err)
	}
	blockSize, blockCount := decodeFileHeader(hdr)

	e := &Engine{
		file:       f,
		blockSize:  blockSize,
		blockCount: blockCount,
		log:        log,
	}
	if err := e.loadBlockHeader(0); err != nil {
		f.Close()
		return nil, fmt.Errorf("storage: read root block header: %w", err)
	}
	return e, nil
}

// formatBackingFile writes the file header and block_count blocks: block 0
// pre-allocated (root directory region, zeroed payload), the rest free.
func formatBackingFile(path string, opts FormatOptions) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	hdr := encodeFileHeader(opts.BlockSize, opts.BlockCount)
	if _, err := f.Write(hdr[:]); err != nil {
		return err
	}

	zeroPayload := make([]byte, opts.BlockSize)
	rootHeader := encodeBlockHeader(blockHeader{inUse: true, prev: Invalid, next: Invalid})
	if _, err := f.Write(rootHeader[:]); err != nil {
		return err
	}
	if _, err := f.Write(zeroPayload); err != nil {
		return err
	}

	freeHeader := encodeBlockHeader(blockHeader{inUse: false, prev: Invalid, next: Invalid})
	for i := uint16(1); i < opts.BlockCount; i++ {
		if _, err := f.Write(freeHeader[:]); err != nil {
			return err
		}
		if _, err := f.Write(zeroPayload); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the backing file. Writes are already persisted block by
// block, so there is nothing to flush.
func (e *Engine) Close() error {
	return e.file.Close()
}

// BlockSize returns the active payload size in bytes, per the file header.
func (e *Engine) BlockSize() uint16 { return e.blockSize }

// BlockCount returns the active block count, per the file header.
func (e *Engine) BlockCount() uint16 { return e.blockCount }

// loadBlockHeader positions the engine at block index, reading and caching
// its header. It resets the in-block payload offset but not the in-region
// offset — that reset happens only in JumpToRegion, matching the original
// jump_to_block/storage_jump_to_region split.
func (e *Engine) loadBlockHeader(index Region) error {
	buf := make([]byte, BlockHeaderSize)
	if _, err := e.file.ReadAt(buf, blockOffset(e.blockSize, index)); err != nil {
		return err
	}
	e.currentBlock = index
	e.currentHeader = decodeBlockHeader(buf)
	e.blockOffset = 0
	return nil
}

func (e *Engine) writeCurrentHeader() error {
	buf := encodeBlockHeader(e.currentHeader)
	_, err := e.file.WriteAt(buf[:], blockOffset(e.blockSize, e.currentBlock))
	return err
}

// AllocateRegion scans blocks from 0 upward for the first free block,
// marks it in use with the given prev link and an INVALID next link, and
// returns its index as the new region id. Returns Invalid with a nil error
// if no free block exists.
func (e *Engine) AllocateRegion(prev Region) (Region, error) {
	buf := make([]byte, BlockHeaderSize)
	for i := Region(0); i < Region(e.blockCount); i++ {
		if _, err := e.file.ReadAt(buf, blockOffset(e.blockSize, i)); err != nil {
			return Invalid, err
		}
		if decodeBlockHeader(buf).inUse {
			continue
		}
		hdr := encodeBlockHeader(blockHeader{inUse: true, prev: prev, next: Invalid})
		if _, err := e.file.WriteAt(hdr[:], blockOffset(e.blockSize, i)); err != nil {
			return Invalid, err
		}
		return i, nil
	}
	e.log.Debug("allocate-region: out of free blocks")
	return Invalid, nil
}

// FreeRegion walks the chain from head to tail, marking every block free.
// Payload bytes are left intact.
func (e *Engine) FreeRegion(region Region) error {
	next := region
	for next != Invalid {
		buf := make([]byte, BlockHeaderSize)
		off := blockOffset(e.blockSize, next)
		if _, err := e.file.ReadAt(buf, off); err != nil {
			return err
		}
		hdr := decodeBlockHeader(buf)
		following := hdr.next

		freeHeader := encodeBlockHeader(blockHeader{inUse: false, prev: Invalid, next: Invalid})
		if _, err := e.file.WriteAt(freeHeader[:], off); err != nil {
			return err
		}
		next = following
	}
	return nil
}

// JumpToRegion positions the cursor at the head block of region, at
// payload offset 0 and region offset 0.
func (e *Engine) JumpToRegion(region Region) error {
	if err := e.loadBlockHeader(region); err != nil {
		return err
	}
	e.regionOffset = 0
	return nil
}

// RegionOffset returns the current byte offset within the region, for
// callers that need to save/restore a position (directory-entry scans).
func (e *Engine) RegionOffset() int64 { return e.regionOffset }

// ReadInRegion copies up to len(buf) bytes from the cursor forward,
// crossing blocks as needed. Returns the number of bytes actually read,
// which is short if the chain ends before buf is filled.
func (e *Engine) ReadInRegion(buf []byte) (int, error) {
	n := len(buf)
	read := 0
	for int(e.blockOffset)+(n-read) >= int(e.blockSize) {
		toRead := int(e.blockSize - e.blockOffset)
		off := blockOffset(e.blockSize, e.currentBlock) + BlockHeaderSize + int64(e.blockOffset)
		if toRead > 0 {
			if _, err := e.file.ReadAt(buf[read:read+toRead], off); err != nil {
				return read, err
			}
		}
		read += toRead
		if e.currentHeader.next == Invalid {
			e.blockOffset = e.blockSize
			e.regionOffset += int64(read)
			return read, nil
		}
		if err := e.loadBlockHeader(e.currentHeader.next); err != nil {
			return read, err
		}
	}

	remaining := n - read
	if remaining > 0 {
		off := blockOffset(e.blockSize, e.currentBlock) + BlockHeaderSize + int64(e.blockOffset)
		if _, err := e.file.ReadAt(buf[read:n], off); err != nil {
			return read, err
		}
	}
	e.blockOffset += uint16(remaining)
	e.regionOffset += int64(n)
	return n, nil
}

// WriteInRegion writes len(buf) bytes starting at the cursor, allocating
// and linking new tail blocks as needed. Returns the number of bytes
// actually written, which is short if the allocator runs out of space. A
// write that ends exactly on a block boundary does not allocate a tail
// block it doesn't need — the next block is linked lazily, on the next
// write that actually crosses into it.
func (e *Engine) WriteInRegion(buf []byte) (int, error) {
	n := len(buf)
	written := 0
	for n-written > int(e.blockSize)-int(e.blockOffset) {
		toWrite := int(e.blockSize - e.blockOffset)
		off := blockOffset(e.blockSize, e.currentBlock) + BlockHeaderSize + int64(e.blockOffset)
		if toWrite > 0 {
			if _, err := e.file.WriteAt(buf[written:written+toWrite], off); err != nil {
				return written, err
			}
		}
		written += toWrite

		if e.currentHeader.next != Invalid {
			if err := e.loadBlockHeader(e.currentHeader.next); err != nil {
				return written, err
			}
			continue
		}

		current := e.currentBlock
		newBlock, err := e.AllocateRegion(current)
		if err != nil {
			return written, err
		}
		if newBlock == Invalid {
			e.log.Debug("write-in-region: short write, storage exhausted",
				"written", written, "requested", n)
			e.blockOffset = e.blockSize
			e.regionOffset += int64(written)
			return written, nil
		}

		e.currentHeader.next = newBlock
		if err := e.writeCurrentHeader(); err != nil {
			return written, err
		}
		if err := e.loadBlockHeader(newBlock); err != nil {
			return written, err
		}
	}

	remaining := n - written
	if remaining > 0 {
		off := blockOffset(e.blockSize, e.currentBlock) + BlockHeaderSize + int64(e.blockOffset)
		if _, err := e.file.WriteAt(buf[written:n], off); err != nil {
			return written, err
		}
	}
	e.blockOffset += uint16(remaining)
	e.regionOffset += int64(n)
	return n, nil
}

// SeekInRegion performs a relative seek: positive offsets walk forward
// following next, negative offsets walk backward following prev (entering
// a predecessor positions the in-block offset at blockSize-1, per the
// original implementation). Returns the new region offset.
func (e *Engine) SeekInRegion(offset int64) (int64, error) {
	if offset > 0 {
		soughtBytes := int64(0)
		for int64(e.blockOffset)+offset-soughtBytes > int64(e.blockSize) {
			soughtBytes += int64(e.blockSize) - int64(e.blockOffset)
			if err := e.loadBlockHeader(e.currentHeader.next); err != nil {
				return e.regionOffset, err
			}
		}
		e.blockOffset += uint16(offset - soughtBytes)
	} else if offset < 0 {
		soughtBytes := int64(0)
		for int64(e.blockOffset)+offset-soughtBytes < 0 {
			soughtBytes -= int64(e.blockOffset) + 1
			if err := e.loadBlockHeader(e.currentHeader.prev); err != nil {
				return e.regionOffset, err
			}
			e.blockOffset = e.blockSize - 1
		}
		e.blockOffset = uint16(int64(e.blockOffset) + offset - soughtBytes)
	}
	e.regionOffset += offset
	return e.regionOffset, nil
}
