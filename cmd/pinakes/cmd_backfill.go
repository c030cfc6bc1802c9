package main

import (
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/blackmichael/pinakes/internal/backfill"
	"github.com/blackmichael/pinakes/internal/config"
	"github.com/blackmichael/pinakes/internal/embedder"
	"github.com/blackmichael/pinakes/internal/progress"
	"github.com/blackmichael/pinakes/internal/xrpc"
)

func newBackfillCmd() *cobra.Command {
	var depth int
	var embeddings bool
	var appview string

	cmd := &cobra.Command{
		Use:   "backfill",
		Short: "Crawl the network and build the index for the configured account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			cfg, err := config.Load(cmd.Context(), st, "", appview)
			if err != nil {
				return err
			}
			did, err := cfg.RequireDID()
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			opts := backfill.Options{
				UserDID:  did,
				MaxDepth: depth,
				Appview:  cfg.Appview,
			}
			if embeddings {
				opts.Embedder = embedder.New(embedder.Config{
					BaseURL: cfg.OllamaURL,
					Model:   cfg.OllamaModel,
				})
			}

			// The logger follows the tracker: records route through the
			// display while it runs, and fall back to plain stderr around it.
			prog := progress.New()
			logger := prog.Logger(textHandler())
			mgr := xrpc.NewManager(logger, xrpc.NewResolver())
			prog.Start()
			defer prog.Stop()

			engine := backfill.New(logger, st, mgr, prog, opts)

			start := time.Now()
			runErr := engine.Run(ctx)
			prog.Stop()

			fmt.Printf("%s\n", prog.Summary())
			fmt.Printf("done in %s\n", time.Since(start).Round(time.Second))
			return runErr
		},
	}

	cmd.Flags().IntVar(&depth, "depth", 0, "Traversal depth budget (default: auto)")
	cmd.Flags().BoolVar(&embeddings, "embeddings", false, "Compute embeddings while crawling")
	cmd.Flags().StringVar(&appview, "appview", "", "Appview service URL")
	return cmd
}
