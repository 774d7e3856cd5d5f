package vfs

import (
	"encoding/binary"

	"blockvfs/internal/storage"
)

// entryType is the 1-byte discriminator that starts every directory entry.
type entryType byte

const (
	entryEnd       entryType = 0
	entryUnused    entryType = 1
	entryFile      entryType = 2
	entryDirectory entryType = 3
)

// entrySize is the fixed width of a directory entry: type + two region ids.
const entrySize = 1 + 2 + 2

// maxNameLen is the 1-byte name-length cap from the metadata region layout.
const maxNameLen = 255

// dirEntry is one record inside a directory's content region.
type dirEntry struct {
	kind     entryType
	metadata storage.Region
	content  storage.Region
}

func encodeDirEntry(e dirEntry) [entrySize]byte {
	var buf [entrySize]byte
	buf[0] = byte(e.kind)
	binary.LittleEndian.PutUint16(buf[1:3], uint16(e.metadata))
	binary.LittleEndian.PutUint16(buf[3:5], uint16(e.content))
	return buf
}

// encodeFileMetadata builds the payload of a file's metadata region:
// length (u64) + name_len (u8) + name.
func encodeFileMetadata(length uint64, name string) []byte {
	nameBytes := []byte(name)
	buf := make([]byte, 8+1+len(nameBytes))
	binary.LittleEndian.PutUint64(buf[0:8], length)
	buf[8] = byte(len(nameBytes))
	copy(buf[9:], nameBytes)
	return buf
}

// encodeDirMetadata builds the payload of a directory's metadata region:
// name_len (u8) + name.
func encodeDirMetadata(name string) []byte {
	nameBytes := []byte(name)
	buf := make([]byte, 1+len(nameBytes))
	buf[0] = byte(len(nameBytes))
	copy(buf[1:], nameBytes)
	return buf
}
