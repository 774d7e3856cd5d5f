// Package vfsconfig loads the runtime configuration for the vfsshell CLI:
// where the backing file lives and, for a first run, the block layout to
// format it with. It replaces the teacher's hand-rolled JSON config
// (internal/config) with viper, reading built-in defaults, a config file,
// and environment variables in the usual precedence order.
package vfsconfig

import (
	"fmt"

	"github.com/spf13/viper"

	"blockvfs/internal/storage"
)

// Config is the resolved configuration for one vfsshell invocation.
type Config struct {
	// BackingPath is the host file backing the virtual file system.
	BackingPath string
	// BlockSize and BlockCount are only used the first time BackingPath is
	// created; an existing backing file's on-disk header always wins.
	BlockSize  uint16
	BlockCount uint16
}

// Load resolves Config from (in increasing precedence): built-in defaults,
// an optional config file at cfgFile, and VFS_-prefixed environment
// variables. cfgFile may be empty, in which case only defaults and the
// environment apply.
func Load(cfgFile string) (Config, error) {
	v := viper.New()

	defaults := storage.DefaultFormatOptions()
	v.SetDefault("backing_path", "vfs.img")
	v.SetDefault("block_size", defaults.BlockSize)
	v.SetDefault("block_count", defaults.BlockCount)

	v.SetEnvPrefix("VFS")
	v.AutomaticEnv()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("vfsconfig: read %s: %w", cfgFile, err)
		}
	}

	cfg := Config{
		BackingPath: v.GetString("backing_path"),
		BlockSize:   uint16(v.GetUint32("block_size")),
		BlockCount:  uint16(v.GetUint32("block_count")),
	}
	if cfg.BackingPath == "" {
		return Config{}, fmt.Errorf("vfsconfig: backing_path must not be empty")
	}
	return cfg, nil
}

// FormatOptions projects the block layout fields into storage.FormatOptions.
func (c Config) FormatOptions() storage.FormatOptions {
	return storage.FormatOptions{BlockSize: c.BlockSize, BlockCount: c.BlockCount}
}
