package vfs

import (
	"encoding/binary"

	"blockvfs/internal/storage"
	"blockvfs/internal/vfs/vfserr"
)

// foundEntry is what lookupEntry returns for a matching directory entry.
type foundEntry struct {
	kind           entryType
	metadataRegion storage.Region
	contentRegion  storage.Region
}

// lookupEntry scans dirRegion's entries from the head for the first one of
// kind want whose name matches. Entries of any other kind are skipped —
// names are only unique within their own kind, matching the original
// find_virtual_file/navigate_to_virtual_directory, which each scan past
// entries of the kind they're not looking for. It returns the entry, the
// byte offset within dirRegion where its 1-byte type tag lives (for
// tombstoning), and whether a match was found.
func (fsys *FileSystem) lookupEntry(dirRegion storage.Region, name string, want entryType) (foundEntry, int64, bool, error) {
	if err := fsys.engine.JumpToRegion(dirRegion); err != nil {
		return foundEntry{}, 0, false, err
	}

	for {
		entryPos := fsys.engine.RegionOffset()

		typeBuf := make([]byte, 1)
		if _, err := fsys.engine.ReadInRegion(typeBuf); err != nil {
			return foundEntry{}, 0, false, err
		}
		kind := entryType(typeBuf[0])
		if kind == entryEnd {
			return foundEntry{}, entryPos, false, nil
		}
		if kind == entryUnused {
			if _, err := fsys.engine.SeekInRegion(4); err != nil {
				return foundEntry{}, 0, false, err
			}
			continue
		}

		regionBuf := make([]byte, 4)
		if _, err := fsys.engine.ReadInRegion(regionBuf); err != nil {
			return foundEntry{}, 0, false, err
		}
		metaRegion := storage.Region(binary.LittleEndian.Uint16(regionBuf[0:2]))
		contentRegion := storage.Region(binary.LittleEndian.Uint16(regionBuf[2:4]))
		nextPos := fsys.engine.RegionOffset()

		if kind != want {
			// ReadInRegion already left the cursor at nextPos — unlike the
			// name-mismatch branch below, nothing has repositioned it, so
			// there is nothing to re-jump for.
			continue
		}

		entryName, err := fsys.readName(metaRegion, kind)
		if err != nil {
			return foundEntry{}, 0, false, err
		}
		if entryName == name {
			return foundEntry{kind: kind, metadataRegion: metaRegion, contentRegion: contentRegion}, entryPos, true, nil
		}

		if err := fsys.engine.JumpToRegion(dirRegion); err != nil {
			return foundEntry{}, 0, false, err
		}
		if _, err := fsys.engine.SeekInRegion(nextPos); err != nil {
			return foundEntry{}, 0, false, err
		}
	}
}

// resolveDir walks names from the root, following only DIRECTORY entries,
// and returns the region id of the directory they name.
func (fsys *FileSystem) resolveDir(names []string) (storage.Region, error) {
	region := RootRegion
	for _, name := range names {
		found, _, ok, err := fsys.lookupEntry(region, name, entryDirectory)
		if err != nil {
			return storage.Invalid, err
		}
		if !ok {
			return storage.Invalid, vfserr.ErrNotFound
		}
		region = found.contentRegion
	}
	return region, nil
}

// readName reads the name out of an entry's metadata region. File metadata
// carries an 8-byte length ahead of the name; directory metadata does not.
func (fsys *FileSystem) readName(metaRegion storage.Region, kind entryType) (string, error) {
	if err := fsys.engine.JumpToRegion(metaRegion); err != nil {
		return "", err
	}
	if kind == entryFile {
		if _, err := fsys.engine.SeekInRegion(8); err != nil {
			return "", err
		}
	}
	lenBuf := make([]byte, 1)
	if _, err := fsys.engine.ReadInRegion(lenBuf); err != nil {
		return "", err
	}
	if lenBuf[0] == 0 {
		return "", nil
	}
	nameBuf := make([]byte, lenBuf[0])
	if _, err := fsys.engine.ReadInRegion(nameBuf); err != nil {
		return "", err
	}
	return string(nameBuf), nil
}

func (fsys *FileSystem) readFileLength(metaRegion storage.Region) (uint64, error) {
	if err := fsys.engine.JumpToRegion(metaRegion); err != nil {
		return 0, err
	}
	buf := make([]byte, 8)
	if _, err := fsys.engine.ReadInRegion(buf); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf), nil
}

// writeFileLength persists length into a file's metadata region. Since it
// repositions the engine cursor, it invalidates the cursor-affinity cache —
// mirroring update_virtual_file_metadata's own invalidate_last_descriptor
// call in the original.
func (fsys *FileSystem) writeFileLength(metaRegion storage.Region, length uint64) error {
	if err := fsys.engine.JumpToRegion(metaRegion); err != nil {
		return err
	}
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, length)
	if _, err := fsys.engine.WriteInRegion(buf); err != nil {
		return err
	}
	fsys.invalidateCursorAffinity()
	return nil
}

// createFile allocates a content region and a metadata region, links a new
// FILE entry for them into dirRegion, and writes the initial (empty, named)
// metadata payload.
func (fsys *FileSystem) createFile(dirRegion storage.Region, name string) (storage.Region, storage.Region, error) {
	contentRegion, err := fsys.engine.AllocateRegion(storage.Invalid)
	if err != nil {
		return storage.Invalid, storage.Invalid, err
	}
	if contentRegion == storage.Invalid {
		fsys.log.Debug("create-file: out of space allocating content region", "name", name)
		return storage.Invalid, storage.Invalid, vfserr.ErrNoSpace
	}

	metaRegion, err := fsys.engine.AllocateRegion(storage.Invalid)
	if err != nil {
		_ = fsys.engine.FreeRegion(contentRegion)
		return storage.Invalid, storage.Invalid, err
	}
	if metaRegion == storage.Invalid {
		_ = fsys.engine.FreeRegion(contentRegion)
		fsys.log.Debug("create-file: out of space allocating metadata region", "name", name)
		return storage.Invalid, storage.Invalid, vfserr.ErrNoSpace
	}

	if err := fsys.writeNewEntry(dirRegion, entryFile, metaRegion, contentRegion); err != nil {
		return storage.Invalid, storage.Invalid, err
	}
	if err := fsys.engine.JumpToRegion(metaRegion); err != nil {
		return storage.Invalid, storage.Invalid, err
	}
	if _, err := fsys.engine.WriteInRegion(encodeFileMetadata(0, name)); err != nil {
		return storage.Invalid, storage.Invalid, err
	}
	return metaRegion, contentRegion, nil
}

// writeNewEntry finds the first END or UNUSED slot in dirRegion (scanning
// from the head, growing the chain as WriteInRegion requires) and
// overwrites it with a live entry for kind/metaRegion/contentRegion.
func (fsys *FileSystem) writeNewEntry(dirRegion storage.Region, kind entryType, metaRegion, contentRegion storage.Region) error {
	if err := fsys.engine.JumpToRegion(dirRegion); err != nil {
		return err
	}
	slotWasEnd := false
	for {
		typeBuf := make([]byte, 1)
		if _, err := fsys.engine.ReadInRegion(typeBuf); err != nil {
			return err
		}
		t := entryType(typeBuf[0])
		if t == entryEnd {
			slotWasEnd = true
			break
		}
		if t == entryUnused {
			break
		}
		if _, err := fsys.engine.SeekInRegion(4); err != nil {
			return err
		}
	}
	if _, err := fsys.engine.SeekInRegion(-1); err != nil {
		return err
	}
	buf := encodeDirEntry(dirEntry{kind: kind, metadata: metaRegion, content: contentRegion})
	if _, err := fsys.engine.WriteInRegion(buf[:]); err != nil {
		return err
	}
	if slotWasEnd {
		// The slot just consumed was the directory's END marker; per
		// spec.md §4.2 ("once an entry is created at that slot, the next
		// slot becomes the new END"), the following slot must actually
		// read as END. Growing the chain to fit this entry may have linked
		// a reused, freed block whose payload still carries stale bytes
		// (storage.FreeRegion leaves payload intact on free), so the
		// marker is written explicitly rather than trusted to already be
		// zero.
		if _, err := fsys.engine.WriteInRegion([]byte{byte(entryEnd)}); err != nil {
			return err
		}
	}
	return nil
}

// isDirEmpty reports whether region holds no live entries, i.e. scanning
// from the head reaches an END marker before any FILE or DIRECTORY entry.
// Tombstoned (UNUSED) slots ahead of the END marker do not count as live.
func (fsys *FileSystem) isDirEmpty(region storage.Region) (bool, error) {
	if err := fsys.engine.JumpToRegion(region); err != nil {
		return false, err
	}
	for {
		typeBuf := make([]byte, 1)
		if _, err := fsys.engine.ReadInRegion(typeBuf); err != nil {
			return false, err
		}
		t := entryType(typeBuf[0])
		if t == entryEnd {
			return true, nil
		}
		if t == entryUnused {
			if _, err := fsys.engine.SeekInRegion(4); err != nil {
				return false, err
			}
			continue
		}
		return false, nil
	}
}

// tombstone overwrites the 1-byte type tag at entryPos within dirRegion
// with entryUnused, marking the slot reusable without shifting later
// entries.
func (fsys *FileSystem) tombstone(dirRegion storage.Region, entryPos int64) error {
	if err := fsys.engine.JumpToRegion(dirRegion); err != nil {
		return err
	}
	if _, err := fsys.engine.SeekInRegion(entryPos); err != nil {
		return err
	}
	_, err := fsys.engine.WriteInRegion([]byte{byte(entryUnused)})
	return err
}
