package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/blackmichael/pinakes/internal/search"
)

func newExplainCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "explain <at-uri>",
		Short: "Show why a post is in the index",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			svc := search.New(st, nil, nil, "")
			node, err := svc.Explain(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Print(node.Render())
			return nil
		},
	}
	return cmd
}
