//go:build !windows

package hostdisk

import "syscall"

// Usage returns total and free bytes for the filesystem holding path — used
// by the CLI's "df" command to report headroom on the host volume backing
// the virtual file system, as distinct from the block accounting inside the
// image itself.
func Usage(path string) (total uint64, free uint64, err error) {
	var st syscall.Statfs_t
	if err := syscall.Statfs(path, &st); err != nil {
		return 0, 0, err
	}
	bs := uint64(st.Bsize)
	total = uint64(st.Blocks) * bs
	free = uint64(st.Bavail) * bs
	return total, free, nil
}
