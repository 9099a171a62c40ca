package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/perchfs/perch/internal/eagle"
	"github.com/perchfs/perch/internal/index"
	"github.com/perchfs/perch/internal/nfsmount"
)

var (
	nfsPort  int
	nfsMount string
)

func init() {
	serveCmd.Flags().IntVarP(&nfsPort, "port", "p", 0, "TCP port to listen on (0 picks one)")
	serveCmd.Flags().StringVarP(&nfsMount, "mountpoint", "m", "", "also mount the export at this path (needs sudo)")
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve [library]",
	Short: "Serve a library read-only over NFS",
	Long: `Serve exports one library over NFSv3, for hosts without a
kernel FUSE module. The export is read-only; use the FUSE mount for
writes.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		libs, err := discoverLibraries(args)
		if err != nil {
			return err
		}
		if len(libs) > 1 {
			return fmt.Errorf("serve handles one library, found %d (pass one explicitly)", len(libs))
		}
		lib := libs[0]

		log := logger.With(zap.String("library", libraryName(lib)))
		idx := index.New(eagle.NewStore(lib), log)
		if err := idx.Build(); err != nil {
			return fmt.Errorf("index %s: %w", lib, err)
		}

		srv, err := nfsmount.NewServer(nfsmount.NewIndexFS(idx, log), nfsPort)
		if err != nil {
			return err
		}
		defer srv.Close()
		log.Info("nfs server listening", zap.Int("port", srv.Port()))

		if nfsMount != "" {
			if err := os.MkdirAll(nfsMount, 0o755); err != nil {
				return fmt.Errorf("create mountpoint %s: %w", nfsMount, err)
			}
			if err := nfsmount.Mount(srv.Port(), nfsMount); err != nil {
				return err
			}
			defer func() {
				if err := nfsmount.Unmount(nfsMount); err != nil {
					log.Warn("unmount failed", zap.Error(err))
				}
			}()
			log.Info("mounted export", zap.String("mountpoint", nfsMount))
		}

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		return nil
	},
}
