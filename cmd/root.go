// Package cmd implements the perch command line.
package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	logLevel string
	logger   *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "perch",
	Short: "Mount media asset libraries as filesystems",
	Long: `Perch exposes Eagle-style media libraries — directories of JSON
metadata and binary assets — as browsable filesystems. The folder tree
becomes directories, assets become files, and edits made by the owning
application show up in the mount within a second.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		lvl, err := zapcore.ParseLevel(logLevel)
		if err != nil {
			return fmt.Errorf("parse log level %q: %w", logLevel, err)
		}
		cfg := zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(lvl)
		logger, err = cfg.Build()
		if err != nil {
			return fmt.Errorf("init logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// discoverLibraries returns the library directories to serve: the
// explicit arguments if given, otherwise every *.library directory in
// the working directory.
func discoverLibraries(args []string) ([]string, error) {
	if len(args) > 0 {
		for _, a := range args {
			if _, err := os.Stat(filepath.Join(a, "metadata.json")); err != nil {
				return nil, fmt.Errorf("%s does not look like a library: %w", a, err)
			}
		}
		return args, nil
	}
	matches, err := filepath.Glob("*.library")
	if err != nil {
		return nil, err
	}
	var libs []string
	for _, m := range matches {
		if info, err := os.Stat(m); err == nil && info.IsDir() {
			libs = append(libs, m)
		}
	}
	if len(libs) == 0 {
		return nil, fmt.Errorf("no *.library directories found in the working directory")
	}
	return libs, nil
}

// libraryName derives a mount name from a library directory path.
func libraryName(lib string) string {
	return strings.TrimSuffix(filepath.Base(lib), ".library")
}
