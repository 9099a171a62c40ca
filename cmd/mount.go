package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"github.com/winfsp/cgofuse/fuse"
	"go.uber.org/zap"

	"github.com/perchfs/perch/internal/eagle"
	perchfs "github.com/perchfs/perch/internal/fs"
	"github.com/perchfs/perch/internal/index"
	"github.com/perchfs/perch/internal/thumb"
)

var (
	mountDir      string
	syncInterval  time.Duration
	disableThumbs bool
)

func init() {
	mountCmd.Flags().StringVarP(&mountDir, "mountpoint", "m", ".", "directory to create one mount per library under")
	mountCmd.Flags().DurationVar(&syncInterval, "sync-interval", index.DefaultThrottle, "minimum interval between library re-scans")
	mountCmd.Flags().BoolVar(&disableThumbs, "no-thumbnails", false, "disable the virtual thumbnail directory")
	rootCmd.AddCommand(mountCmd)
}

var mountCmd = &cobra.Command{
	Use:   "mount [library...]",
	Short: "Mount libraries via FUSE",
	Long: `Mount serves each library at <mountpoint>/<name>. With no
arguments, every *.library directory in the working directory is
mounted. Unmount with SIGINT or SIGTERM.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		libs, err := discoverLibraries(args)
		if err != nil {
			return err
		}

		var wg sync.WaitGroup
		for _, lib := range libs {
			name := libraryName(lib)
			point := filepath.Join(mountDir, name)
			if err := os.MkdirAll(point, 0o755); err != nil {
				return fmt.Errorf("create mountpoint %s: %w", point, err)
			}

			log := logger.With(zap.String("library", name))
			store := eagle.NewStore(lib)
			idx := index.New(store, log)
			if err := idx.Build(); err != nil {
				return fmt.Errorf("index %s: %w", lib, err)
			}
			idx.SetThrottle(syncInterval)

			var thumbs *thumb.Service
			if !disableThumbs {
				cachePath, err := thumbCachePath(name)
				if err != nil {
					return err
				}
				thumbs, err = thumb.Open(store, cachePath, log)
				if err != nil {
					return err
				}
				defer thumbs.Close()
			}

			host := fuse.NewFileSystemHost(perchfs.New(idx, thumbs, log))
			opts := []string{
				"-o", fmt.Sprintf("uid=%d", os.Getuid()),
				"-o", fmt.Sprintf("gid=%d", os.Getgid()),
				"-o", "fsname=perch",
			}

			log.Info("mounting library",
				zap.String("library", lib), zap.String("mountpoint", point))
			wg.Add(1)
			go func() {
				defer wg.Done()
				if !host.Mount(point, opts) {
					log.Error("mount failed", zap.String("mountpoint", point))
				}
			}()
		}

		// cgofuse unmounts the hosts on SIGINT/SIGTERM; each Mount
		// call returns once its filesystem is down.
		wg.Wait()
		return nil
	},
}

// thumbCachePath places one preview cache per library under the user
// cache directory.
func thumbCachePath(name string) (string, error) {
	base, err := os.UserCacheDir()
	if err != nil {
		return "", fmt.Errorf("resolve cache dir: %w", err)
	}
	dir := filepath.Join(base, "perch")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create cache dir: %w", err)
	}
	return filepath.Join(dir, name+".thumbs.db"), nil
}
