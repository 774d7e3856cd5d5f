// Package vfs implements the file-system layer: a descriptor table and
// directory-tree encoding built atop the block storage engine
// (blockvfs/internal/storage). It translates paths into region ids by
// walking the directory tree, then performs payload I/O on file content
// regions. It never touches the backing file directly — every byte moves
// through the engine's region operations.
package vfs

import (
	"encoding/binary"
	"io"
	"log/slog"
	"strings"

	"blockvfs/internal/storage"
	"blockvfs/internal/vfs/vfserr"
)

// MaxDescriptors is the fixed size of the descriptor table.
const MaxDescriptors = 256

// RootRegion is the permanently allocated root directory region.
const RootRegion storage.Region = 0

// OpenFlag is a bitmask of the flags recognised by OpenFile.
type OpenFlag uint8

const (
	// FlagCreate creates the file if it does not exist.
	FlagCreate OpenFlag = 1 << iota
	// FlagExclusive, combined with FlagCreate, fails if the file exists.
	// Without FlagCreate it has no effect.
	FlagExclusive
	// FlagTruncate frees the existing content region and starts the file
	// empty when opening an existing file.
	FlagTruncate
	// FlagAppend seeks the initial cursor to the file's length instead of 0.
	FlagAppend
)

// handle is the in-memory state behind one open descriptor.
type handle struct {
	contentRegion  storage.Region
	metadataRegion storage.Region
	length         uint64
	cursor         uint64
}

// EntryInfo describes one directory entry, returned by Stat and ReadDir.
// These are read-only conveniences built from the same primitives as the
// required operations; they do not appear in the on-disk format.
type EntryInfo struct {
	Name   string
	IsDir  bool
	Length uint64
}

// FileSystem is the file-system layer: a descriptor table plus the
// directory-tree operations, built on a single storage.Engine. Like the
// engine it wraps, it is not safe for concurrent use.
type FileSystem struct {
	engine      *storage.Engine
	descriptors []*handle
	cursorFD    int // descriptor currently owning the engine cursor, -1 if none
	log         *slog.Logger
}

// Open opens (formatting if absent) the backing file at backingPath and
// returns a FileSystem ready to serve operations.
func Open(backingPath string, opts storage.FormatOptions, log *slog.Logger) (*FileSystem, error) {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	engine, err := storage.Open(backingPath, opts, log)
	if err != nil {
		return nil, err
	}
	return &FileSystem{
		engine:      engine,
		descriptors: make([]*handle, MaxDescriptors),
		cursorFD:    -1,
		log:         log,
	}, nil
}

// Shutdown closes the backing file. It does not validate that every
// descriptor has been closed first — per spec, unlink/close ordering is a
// caller contract, not an enforced invariant.
func (fsys *FileSystem) Shutdown() error {
	return fsys.engine.Close()
}

func (fsys *FileSystem) invalidateCursorAffinity() {
	fsys.cursorFD = -1
}

func (fsys *FileSystem) firstFreeDescriptor() int {
	for i, h := range fsys.descriptors {
		if h == nil {
			return i
		}
	}
	return -1
}

func (fsys *FileSystem) handleFor(fd int) (*handle, error) {
	if fd < 0 || fd >= len(fsys.descriptors) {
		return nil, vfserr.ErrBadDescriptor
	}
	h := fsys.descriptors[fd]
	if h == nil {
		return nil, vfserr.ErrBadDescriptor
	}
	return h, nil
}

// jumpToFileIfNeeded repositions the engine cursor onto fd's content
// region at fd's own cursor, unless the engine cursor is already serving
// fd — the cursor-affinity optimisation.
func (fsys *FileSystem) jumpToFileIfNeeded(fd int, h *handle) error {
	if fsys.cursorFD == fd {
		return nil
	}
	if err := fsys.engine.JumpToRegion(h.contentRegion); err != nil {
		return err
	}
	if _, err := fsys.engine.SeekInRegion(int64(h.cursor)); err != nil {
		return err
	}
	fsys.cursorFD = fd
	return nil
}

// OpenFile resolves path and returns a descriptor id for it, honoring
// flags per the CREATE/EXCLUSIVE/TRUNCATE/APPEND table.
func (fsys *FileSystem) OpenFile(path string, flags OpenFlag) (int, error) {
	dirs, final, err := splitPath(path)
	if err != nil {
		return -1, err
	}
	parentRegion, err := fsys.resolveDir(dirs)
	if err != nil {
		return -1, err
	}

	fd := fsys.firstFreeDescriptor()
	if fd == -1 {
		return -1, vfserr.ErrTooManyDescriptors
	}

	fsys.invalidateCursorAffinity()

	found, _, exists, err := fsys.lookupEntry(parentRegion, final, entryFile)
	if err != nil {
		return -1, err
	}

	var metaRegion, contentRegion storage.Region
	var length uint64

	if !exists {
		if flags&FlagCreate == 0 {
			return -1, vfserr.ErrNotFound
		}
		metaRegion, contentRegion, err = fsys.createFile(parentRegion, final)
		if err != nil {
			return -1, err
		}
	} else {
		if flags&FlagCreate != 0 && flags&FlagExclusive != 0 {
			return -1, vfserr.ErrExists
		}
		metaRegion = found.metadataRegion
		contentRegion = found.contentRegion
		length, err = fsys.readFileLength(metaRegion)
		if err != nil {
			return -1, err
		}
	}

	if flags&FlagTruncate != 0 && exists {
		if err := fsys.engine.FreeRegion(contentRegion); err != nil {
			return -1, err
		}
		newContent, err := fsys.engine.AllocateRegion(storage.Invalid)
		if err != nil {
			return -1, err
		}
		if newContent == storage.Invalid {
			return -1, vfserr.ErrNoSpace
		}
		contentRegion = newContent
		length = 0
		if err := fsys.writeFileLength(metaRegion, 0); err != nil {
			return -1, err
		}
	}

	cursor := uint64(0)
	if flags&FlagAppend != 0 {
		cursor = length
	}

	// Persisting the (possibly just-reallocated) content region into the
	// descriptor table here, rather than into a local copy, is the fix for
	// the write-after-TRUNCATE handle staleness noted in SPEC_FULL.md §4.2.
	fsys.descriptors[fd] = &handle{
		contentRegion:  contentRegion,
		metadataRegion: metaRegion,
		length:         length,
		cursor:         cursor,
	}
	return fd, nil
}

// Close releases fd's descriptor slot. It does not flush engine state —
// writes are already persisted block by block.
func (fsys *FileSystem) Close(fd int) error {
	if _, err := fsys.handleFor(fd); err != nil {
		return err
	}
	fsys.descriptors[fd] = nil
	if fsys.cursorFD == fd {
		fsys.cursorFD = -1
	}
	return nil
}

// Read copies up to len(buf) bytes from fd's cursor, clamped to the file's
// length, and advances the descriptor's cursor by the bytes delivered.
func (fsys *FileSystem) Read(fd int, buf []byte) (int, error) {
	h, err := fsys.handleFor(fd)
	if err != nil {
		return 0, err
	}
	if err := fsys.jumpToFileIfNeeded(fd, h); err != nil {
		return 0, err
	}

	toRead := uint64(len(buf))
	if h.cursor+toRead > h.length {
		toRead = h.length - h.cursor
	}

	n, err := fsys.engine.ReadInRegion(buf[:toRead])
	h.cursor += uint64(n)
	return n, err
}

// Write writes buf at fd's cursor, growing the file's recorded length
// (persisted to the metadata region) when the cursor moves past it.
func (fsys *FileSystem) Write(fd int, buf []byte) (int, error) {
	h, err := fsys.handleFor(fd)
	if err != nil {
		return 0, err
	}
	if err := fsys.jumpToFileIfNeeded(fd, h); err != nil {
		return 0, err
	}

	n, err := fsys.engine.WriteInRegion(buf)
	h.cursor += uint64(n)
	if err != nil {
		return n, err
	}

	if h.cursor > h.length {
		h.length = h.cursor
		if err := fsys.writeFileLength(h.metadataRegion, h.length); err != nil {
			return n, err
		}
	}
	return n, nil
}

// Seek updates fd's cursor only — the engine cursor is repositioned lazily
// on the next Read/Write via the cursor-affinity check.
func (fsys *FileSystem) Seek(fd int, offset int64, whence int) (int64, error) {
	h, err := fsys.handleFor(fd)
	if err != nil {
		return -1, err
	}

	var base int64
	switch whence {
	case io.SeekStart:
		base = 0
	case io.SeekCurrent:
		base = int64(h.cursor)
	case io.SeekEnd:
		base = int64(h.length)
	default:
		return -1, vfserr.ErrInvalidWhence
	}

	newPos := base + offset
	if newPos < 0 {
		newPos = 0
	} else if newPos > int64(h.length) {
		newPos = int64(h.length)
	}
	h.cursor = uint64(newPos)
	// The engine cursor still sits at the old position; repositioning is
	// deferred to the next Read/Write, so the affinity cache for this
	// descriptor is no longer valid.
	if fsys.cursorFD == fd {
		fsys.invalidateCursorAffinity()
	}
	return newPos, nil
}

// Mkdir creates an empty directory at path. It does not check for an
// existing directory entry of the same name before creating one — per
// spec, name uniqueness within a directory is a caller contract, not an
// enforced invariant.
func (fsys *FileSystem) Mkdir(path string) error {
	fsys.invalidateCursorAffinity()

	dirs, final, err := splitPath(path)
	if err != nil {
		return err
	}
	parentRegion, err := fsys.resolveDir(dirs)
	if err != nil {
		return err
	}

	contentRegion, err := fsys.engine.AllocateRegion(storage.Invalid)
	if err != nil {
		return err
	}
	if contentRegion == storage.Invalid {
		return vfserr.ErrNoSpace
	}
	metaRegion, err := fsys.engine.AllocateRegion(storage.Invalid)
	if err != nil {
		_ = fsys.engine.FreeRegion(contentRegion)
		return err
	}
	if metaRegion == storage.Invalid {
		_ = fsys.engine.FreeRegion(contentRegion)
		return vfserr.ErrNoSpace
	}

	// A freshly allocated region may be a reused, freed block: FreeRegion
	// leaves payload bytes intact rather than clearing them, so contentRegion
	// can carry stale data from whatever it held before. An empty directory's
	// "reads as END" guarantee only holds for a block zeroed at format time;
	// write the END marker explicitly so a reused block can't be
	// misread as having live entries.
	if err := fsys.engine.JumpToRegion(contentRegion); err != nil {
		return err
	}
	if _, err := fsys.engine.WriteInRegion([]byte{byte(entryEnd)}); err != nil {
		return err
	}

	if err := fsys.writeNewEntry(parentRegion, entryDirectory, metaRegion, contentRegion); err != nil {
		return err
	}
	if err := fsys.engine.JumpToRegion(metaRegion); err != nil {
		return err
	}
	if _, err := fsys.engine.WriteInRegion(encodeDirMetadata(final)); err != nil {
		return err
	}
	return nil
}

// Rmdir removes the empty directory at path, failing with
// vfserr.ErrNotEmpty if it still contains entries.
func (fsys *FileSystem) Rmdir(path string) error {
	fsys.invalidateCursorAffinity()

	dirs, final, err := splitPath(path)
	if err != nil {
		return err
	}
	parentRegion, err := fsys.resolveDir(dirs)
	if err != nil {
		return err
	}

	found, entryPos, ok, err := fsys.lookupEntry(parentRegion, final, entryDirectory)
	if err != nil {
		return err
	}
	if !ok {
		return vfserr.ErrNotFound
	}

	empty, err := fsys.isDirEmpty(found.contentRegion)
	if err != nil {
		return err
	}
	if !empty {
		return vfserr.ErrNotEmpty
	}

	if err := fsys.tombstone(parentRegion, entryPos); err != nil {
		return err
	}
	if err := fsys.engine.FreeRegion(found.contentRegion); err != nil {
		return err
	}
	return fsys.engine.FreeRegion(found.metadataRegion)
}

// Unlink removes the file at path, freeing its content and metadata
// regions. Descriptors already open on that file are not invalidated —
// per spec, closing before unlinking is the caller's responsibility.
func (fsys *FileSystem) Unlink(path string) error {
	fsys.invalidateCursorAffinity()

	dirs, final, err := splitPath(path)
	if err != nil {
		return err
	}
	parentRegion, err := fsys.resolveDir(dirs)
	if err != nil {
		return err
	}

	found, entryPos, ok, err := fsys.lookupEntry(parentRegion, final, entryFile)
	if err != nil {
		return err
	}
	if !ok {
		return vfserr.ErrNotFound
	}

	if err := fsys.tombstone(parentRegion, entryPos); err != nil {
		return err
	}
	if err := fsys.engine.FreeRegion(found.contentRegion); err != nil {
		return err
	}
	return fsys.engine.FreeRegion(found.metadataRegion)
}

// Stat resolves path and reports whether it names a file or directory,
// and the file's recorded length.
func (fsys *FileSystem) Stat(path string) (EntryInfo, error) {
	fsys.invalidateCursorAffinity()

	dirs, final, err := splitPath(path)
	if err != nil {
		return EntryInfo{}, err
	}
	parentRegion, err := fsys.resolveDir(dirs)
	if err != nil {
		return EntryInfo{}, err
	}

	if found, _, ok, err := fsys.lookupEntry(parentRegion, final, entryFile); err != nil {
		return EntryInfo{}, err
	} else if ok {
		length, err := fsys.readFileLength(found.metadataRegion)
		if err != nil {
			return EntryInfo{}, err
		}
		return EntryInfo{Name: final, Length: length}, nil
	}

	if _, _, ok, err := fsys.lookupEntry(parentRegion, final, entryDirectory); err != nil {
		return EntryInfo{}, err
	} else if ok {
		return EntryInfo{Name: final, IsDir: true}, nil
	}

	return EntryInfo{}, vfserr.ErrNotFound
}

// ReadDir lists the immediate children of the directory at path ("" or
// "/" for the root).
func (fsys *FileSystem) ReadDir(path string) ([]EntryInfo, error) {
	fsys.invalidateCursorAffinity()

	region := RootRegion
	if strings.Trim(path, "/") != "" {
		dirs, final, err := splitPath(path)
		if err != nil {
			return nil, err
		}
		parentRegion, err := fsys.resolveDir(dirs)
		if err != nil {
			return nil, err
		}
		found, _, ok, err := fsys.lookupEntry(parentRegion, final, entryDirectory)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, vfserr.ErrNotFound
		}
		region = found.contentRegion
	}

	var out []EntryInfo
	if err := fsys.engine.JumpToRegion(region); err != nil {
		return nil, err
	}
	for {
		typeBuf := make([]byte, 1)
		if _, err := fsys.engine.ReadInRegion(typeBuf); err != nil {
			return nil, err
		}
		kind := entryType(typeBuf[0])
		if kind == entryEnd {
			break
		}
		if kind == entryUnused {
			if _, err := fsys.engine.SeekInRegion(4); err != nil {
				return nil, err
			}
			continue
		}

		regionBuf := make([]byte, 4)
		if _, err := fsys.engine.ReadInRegion(regionBuf); err != nil {
			return nil, err
		}
		metaRegion := storage.Region(binary.LittleEndian.Uint16(regionBuf[0:2]))
		nextPos := fsys.engine.RegionOffset()

		name, err := fsys.readName(metaRegion, kind)
		if err != nil {
			return nil, err
		}
		info := EntryInfo{Name: name, IsDir: kind == entryDirectory}
		if kind == entryFile {
			length, err := fsys.readFileLength(metaRegion)
			if err != nil {
				return nil, err
			}
			info.Length = length
		}
		out = append(out, info)

		if err := fsys.engine.JumpToRegion(region); err != nil {
			return nil, err
		}
		if _, err := fsys.engine.SeekInRegion(nextPos); err != nil {
			return nil, err
		}
	}
	return out, nil
}
