package main

import (
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/blackmichael/pinakes/internal/backfill"
	"github.com/blackmichael/pinakes/internal/config"
	"github.com/blackmichael/pinakes/internal/embedder"
	"github.com/blackmichael/pinakes/internal/progress"
)

// embeddingsBatchSize is how many posts go through inference per call.
const embeddingsBatchSize = 32

func newEmbeddingsCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "embeddings",
		Short: "Compute embeddings for indexed posts that do not have them yet",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			cfg, err := config.Load(cmd.Context(), st, "", "")
			if err != nil {
				return err
			}
			emb := embedder.New(embedder.Config{
				BaseURL: cfg.OllamaURL,
				Model:   cfg.OllamaModel,
			})

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			posts, err := st.PostsMissingEmbeddings(ctx, force)
			if err != nil {
				return err
			}
			if len(posts) == 0 {
				fmt.Println("nothing to embed")
				return nil
			}

			if force {
				// A forced run recomputes everything, including vectors the
				// upsert would otherwise preserve.
				for _, p := range posts {
					p.Embedding = nil
					p.AltTextEmbedding = nil
				}
			}

			prog := progress.New()
			prog.Start()
			defer prog.Stop()

			start := time.Now()
			for off := 0; off < len(posts); off += embeddingsBatchSize {
				end := min(off+embeddingsBatchSize, len(posts))
				batch := posts[off:end]
				if err := backfill.ComputeEmbeddings(ctx, emb, batch); err != nil {
					prog.Stop()
					return err
				}
				if err := st.InsertPosts(ctx, batch); err != nil {
					prog.Stop()
					return err
				}
				prog.Add("embeddings", int64(len(batch)))
			}
			prog.Stop()

			fmt.Printf("embedded %s posts in %s\n",
				humanize.Comma(int64(len(posts))), time.Since(start).Round(time.Second))
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Recompute embeddings for every post")
	return cmd
}
