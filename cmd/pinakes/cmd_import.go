package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/blackmichael/pinakes/internal/backfill"
	"github.com/blackmichael/pinakes/internal/config"
	"github.com/blackmichael/pinakes/internal/progress"
	"github.com/blackmichael/pinakes/internal/xrpc"
)

func newImportCmd() *cobra.Command {
	var did string
	var depth int
	var force bool

	cmd := &cobra.Command{
		Use:   "import <source>",
		Short: "Import a repository from a CAR file, a DID, or a handle",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			source := args[0]
			st, err := openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			cfg, err := config.Load(cmd.Context(), st, "", "")
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			prog := progress.New()
			logger := prog.Logger(textHandler())
			mgr := xrpc.NewManager(logger, xrpc.NewResolver())
			prog.Start()
			defer prog.Stop()

			engine := backfill.New(logger, st, mgr, prog, backfill.Options{
				UserDID:  cfg.DID,
				MaxDepth: depth,
				Appview:  cfg.Appview,
			})

			start := time.Now()
			var runErr error
			switch {
			case fileExists(source):
				if did == "" {
					prog.Stop()
					return fmt.Errorf("--did is required when importing from a CAR file")
				}
				data, err := os.ReadFile(source)
				if err != nil {
					prog.Stop()
					return fmt.Errorf("read %s: %w", source, err)
				}
				if force {
					if err := st.SetRepoRev(ctx, did, ""); err != nil {
						prog.Stop()
						return err
					}
				}
				runErr = engine.RunFromCAR(ctx, data, did)

			default:
				target := source
				if !strings.HasPrefix(target, "did:") {
					target, err = mgr.ResolveHandle(ctx, cfg.Appview, source)
					if err == nil && target == "" {
						err = fmt.Errorf("handle %q did not resolve", source)
					}
					if err != nil {
						prog.Stop()
						return err
					}
				}
				if force {
					if err := st.SetRepoRev(ctx, target, ""); err != nil {
						prog.Stop()
						return err
					}
				}
				runErr = engine.RunRepo(ctx, target)
			}
			prog.Stop()

			fmt.Printf("%s\n", prog.Summary())
			fmt.Printf("done in %s\n", time.Since(start).Round(time.Second))
			return runErr
		},
	}

	cmd.Flags().StringVar(&did, "did", "", "Repository owner DID (required for CAR files)")
	cmd.Flags().IntVar(&depth, "depth", 0, fmt.Sprintf("Traversal depth budget (default: %d)", backfill.DefaultMaxDepth))
	cmd.Flags().BoolVar(&force, "force", false, "Ignore the stored revision and re-process everything")
	return cmd
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
