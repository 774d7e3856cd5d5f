package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"blockvfs/internal/vfs"
	"blockvfs/internal/vfsconfig"
	"blockvfs/internal/version"
)

// app bundles the state shared by every subcommand: the open file system,
// the structured logger, and a per-invocation run id carried on every log
// line so interleaved runs against the same backing file can be told apart.
type app struct {
	fsys        *vfs.FileSystem
	log         *slog.Logger
	runID       uuid.UUID
	backingPath string
	closed      bool
}

var (
	cfgFile     string
	backingFlag string
	logLevel    string
	current     *app
)

var rootCmd = &cobra.Command{
	Use:           "vfsshell",
	Short:         "Inspect and manipulate a block-allocated virtual file system image",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "version" {
			return nil
		}
		cfg, err := vfsconfig.Load(cfgFile)
		if err != nil {
			return err
		}
		if backingFlag != "" {
			cfg.BackingPath = backingFlag
		}

		var level slog.Level
		if err := level.UnmarshalText([]byte(logLevel)); err != nil {
			return fmt.Errorf("invalid --log-level %q: %w", logLevel, err)
		}
		handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
		runID := uuid.New()
		log := slog.New(handler).With("run_id", runID.String())

		fsys, err := vfs.Open(cfg.BackingPath, cfg.FormatOptions(), log)
		if err != nil {
			return fmt.Errorf("open %s: %w", cfg.BackingPath, err)
		}
		current = &app{fsys: fsys, log: log, runID: runID, backingPath: cfg.BackingPath}
		log.Debug("opened backing file", "path", cfg.BackingPath)
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if current == nil || current.closed {
			return nil
		}
		current.closed = true
		return current.fsys.Shutdown()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to a vfsshell config file (env/defaults apply without one)")
	rootCmd.PersistentFlags().StringVar(&backingFlag, "backing", "", "path to the backing file (overrides config/env)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "log level: debug, info, warn, error")

	rootCmd.AddCommand(
		mkdirCmd,
		rmdirCmd,
		rmCmd,
		lsCmd,
		statCmd,
		catCmd,
		writeCmd,
		dfCmd,
		versionCmd,
	)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Println(version.Get().String())
		return nil
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "vfsshell:", err)
		os.Exit(1)
	}
}
