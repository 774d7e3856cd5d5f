package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"blockvfs/internal/hostdisk"
	"blockvfs/internal/vfs"
)

var mkdirCmd = &cobra.Command{
	Use:   "mkdir <path>",
	Short: "Create a directory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return current.fsys.Mkdir(args[0])
	},
}

var rmdirCmd = &cobra.Command{
	Use:   "rmdir <path>",
	Short: "Remove an empty directory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return current.fsys.Rmdir(args[0])
	},
}

var rmCmd = &cobra.Command{
	Use:   "rm <path>",
	Short: "Remove a file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return current.fsys.Unlink(args[0])
	},
}

var lsCmd = &cobra.Command{
	Use:   "ls [path]",
	Short: "List a directory's entries",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := ""
		if len(args) == 1 {
			path = args[0]
		}
		entries, err := current.fsys.ReadDir(path)
		if err != nil {
			return err
		}
		for _, e := range entries {
			kind := "file"
			if e.IsDir {
				kind = "dir"
			}
			fmt.Printf("%-4s %10d  %s\n", kind, e.Length, e.Name)
		}
		return nil
	},
}

var statCmd = &cobra.Command{
	Use:   "stat <path>",
	Short: "Show whether path is a file or directory, and its length",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		info, err := current.fsys.Stat(args[0])
		if err != nil {
			return err
		}
		kind := "file"
		if info.IsDir {
			kind = "directory"
		}
		fmt.Printf("%s: %s, length=%d\n", info.Name, kind, info.Length)
		return nil
	},
}

var catCmd = &cobra.Command{
	Use:   "cat <path>",
	Short: "Print a file's contents to stdout",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		fd, err := current.fsys.OpenFile(args[0], 0)
		if err != nil {
			return err
		}
		defer current.fsys.Close(fd)

		buf := make([]byte, 4096)
		for {
			n, err := current.fsys.Read(fd, buf)
			if n > 0 {
				if _, werr := os.Stdout.Write(buf[:n]); werr != nil {
					return werr
				}
			}
			if err != nil {
				return err
			}
			if n == 0 {
				return nil
			}
		}
	},
}

var (
	writeCreate    bool
	writeExclusive bool
	writeTruncate  bool
	writeAppend    bool
)

var writeCmd = &cobra.Command{
	Use:   "write <path> <data>",
	Short: "Write data to a file, creating it by default",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		flags := vfs.FlagCreate
		if writeExclusive {
			flags |= vfs.FlagExclusive
		}
		if writeTruncate {
			flags |= vfs.FlagTruncate
		}
		if writeAppend {
			flags |= vfs.FlagAppend
		}
		if !writeCreate {
			flags &^= vfs.FlagCreate
		}

		fd, err := current.fsys.OpenFile(args[0], flags)
		if err != nil {
			return err
		}
		defer current.fsys.Close(fd)

		data := []byte(args[1])
		for written := 0; written < len(data); {
			n, err := current.fsys.Write(fd, data[written:])
			written += n
			if err != nil {
				return err
			}
			if n == 0 {
				return fmt.Errorf("write: storage exhausted after %d/%d bytes", written, len(data))
			}
		}
		return nil
	},
}

func init() {
	writeCmd.Flags().BoolVar(&writeCreate, "create", true, "create the file if it does not exist")
	writeCmd.Flags().BoolVar(&writeExclusive, "exclusive", false, "fail if the file already exists (requires --create)")
	writeCmd.Flags().BoolVar(&writeTruncate, "truncate", false, "empty the file before writing")
	writeCmd.Flags().BoolVar(&writeAppend, "append", false, "start writing at the file's current end")
}

var dfCmd = &cobra.Command{
	Use:   "df",
	Short: "Report free space on the host volume holding the backing file",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := filepath.Dir(current.backingPath)
		total, free, err := hostdisk.Usage(dir)
		if err != nil {
			return err
		}
		fmt.Printf("%s: %d bytes total, %d bytes free\n", dir, total, free)
		return nil
	},
}
