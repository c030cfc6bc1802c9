package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/blackmichael/pinakes/internal/config"
	"github.com/blackmichael/pinakes/internal/domain"
	"github.com/blackmichael/pinakes/internal/embedder"
	"github.com/blackmichael/pinakes/internal/search"
	"github.com/blackmichael/pinakes/internal/store"
	"github.com/blackmichael/pinakes/internal/xrpc"
)

func newSearchCmd() *cobra.Command {
	var (
		vector        bool
		results       int
		creators      []string
		parentAuthors []string
		rootAuthors   []string
		before        string
		after         string
		order         string
		threshold     float64
		includeAlt    bool
	)

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search the index by substring or vector similarity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			query := args[0]
			if order != "" && order != "asc" && order != "desc" {
				return fmt.Errorf("--order must be asc or desc")
			}

			logger := newLogger()
			st, err := openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			cfg, err := config.Load(cmd.Context(), st, "", "")
			if err != nil {
				return err
			}

			opts := store.SearchOptions{
				Creators:       creators,
				ParentAuthors:  parentAuthors,
				RootAuthors:    rootAuthors,
				Order:          order,
				Limit:          results,
				IncludeAltText: includeAlt,
				Threshold:      threshold,
			}
			if opts.Before, err = parseTimeFlag(before); err != nil {
				return fmt.Errorf("--before: %w", err)
			}
			if opts.After, err = parseTimeFlag(after); err != nil {
				return fmt.Errorf("--after: %w", err)
			}

			mgr := xrpc.NewManager(logger, xrpc.NewResolver())
			emb := embedder.New(embedder.Config{
				BaseURL: cfg.OllamaURL,
				Model:   cfg.OllamaModel,
			})
			svc := search.New(st, mgr, emb, cfg.Appview)
			ctx := cmd.Context()

			if vector {
				hits, err := svc.Vector(ctx, query, opts)
				if err != nil {
					return err
				}
				for _, hit := range hits {
					printPost(&hit.Post, fmt.Sprintf("%.3f", hit.Distance))
				}
				return nil
			}

			hits, err := svc.Text(ctx, query, opts)
			if err != nil {
				return err
			}
			for _, hit := range hits {
				printPost(hit, "")
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&vector, "vector", false, "Rank by vector similarity instead of substring match")
	cmd.Flags().IntVar(&results, "results", 0, "Max results")
	cmd.Flags().StringArrayVar(&creators, "creator", nil, "Restrict to posts by this DID or handle (repeatable)")
	cmd.Flags().StringArrayVar(&parentAuthors, "parent-author", nil, "Restrict to replies to this DID or handle (repeatable)")
	cmd.Flags().StringArrayVar(&rootAuthors, "root-author", nil, "Restrict to threads rooted at this DID or handle (repeatable)")
	cmd.Flags().StringVar(&before, "before", "", "Only posts created before this time (ISO date or timestamp)")
	cmd.Flags().StringVar(&after, "after", "", "Only posts created after this time (ISO date or timestamp)")
	cmd.Flags().StringVar(&order, "order", "", "Result order: asc|desc")
	cmd.Flags().Float64Var(&threshold, "threshold", 0, "Max cosine distance for vector search")
	cmd.Flags().BoolVar(&includeAlt, "include-alt", false, "Match image alt text as well")
	return cmd
}

func parseTimeFlag(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UnixMilli(), nil
		}
	}
	return 0, fmt.Errorf("unrecognized time %q", s)
}

func printPost(p *domain.Post, score string) {
	created := time.UnixMilli(p.CreatedAt).UTC().Format("2006-01-02 15:04")
	line := created + "  " + p.URI()
	if score != "" {
		line += "  dist=" + score
	}
	fmt.Println(line)
	text := strings.ReplaceAll(p.Text, "\n", " ")
	if text == "" && p.AltText != "" {
		text = "[alt] " + strings.ReplaceAll(p.AltText, "\n", " ")
	}
	if text != "" {
		fmt.Println("  " + truncate(text, 160))
	}
}
