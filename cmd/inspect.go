package cmd

import (
	"fmt"

	"github.com/ohler55/ojg/oj"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/perchfs/perch/internal/eagle"
	"github.com/perchfs/perch/internal/index"
)

func init() {
	rootCmd.AddCommand(inspectCmd)
}

var inspectCmd = &cobra.Command{
	Use:   "inspect [library...]",
	Short: "Print index statistics for libraries",
	RunE: func(cmd *cobra.Command, args []string) error {
		libs, err := discoverLibraries(args)
		if err != nil {
			return err
		}
		out := make(map[string]index.Summary, len(libs))
		for _, lib := range libs {
			name := libraryName(lib)
			idx := index.New(eagle.NewStore(lib), logger.With(zap.String("library", name)))
			if err := idx.Build(); err != nil {
				return fmt.Errorf("index %s: %w", lib, err)
			}
			out[name] = idx.Summarize()
		}
		fmt.Fprintln(cmd.OutOrStdout(), oj.JSON(out, 2))
		return nil
	},
}
