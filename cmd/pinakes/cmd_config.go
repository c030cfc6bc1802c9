package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/blackmichael/pinakes/internal/domain"
	"github.com/blackmichael/pinakes/internal/store"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage stored configuration",
	}

	setCmd := &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Store a configuration value",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, value := args[0], args[1]
			if !store.IsConfigKey(key) {
				return fmt.Errorf("unknown config key %q (known: %s)", key, strings.Join(store.ConfigKeys, ", "))
			}
			st, err := openStore()
			if err != nil {
				return err
			}
			defer st.Close()
			return st.SetConfig(cmd.Context(), key, value)
		},
	}

	getCmd := &cobra.Command{
		Use:   "get [key]",
		Short: "Print a configuration value, or all of them",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			if len(args) == 0 {
				all, err := st.ListConfig(cmd.Context())
				if err != nil {
					return err
				}
				for _, key := range store.ConfigKeys {
					if v, ok := all[key]; ok {
						fmt.Printf("%s=%s\n", key, v)
					}
				}
				return nil
			}

			value, err := st.GetConfig(cmd.Context(), args[0])
			if errors.Is(err, domain.ErrNotFound) {
				return fmt.Errorf("config key %q is not set", args[0])
			}
			if err != nil {
				return err
			}
			fmt.Println(value)
			return nil
		},
	}

	deleteCmd := &cobra.Command{
		Use:   "delete <key>",
		Short: "Remove a configuration value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := args[0]
			if !store.IsConfigKey(key) {
				return fmt.Errorf("unknown config key %q (known: %s)", key, strings.Join(store.ConfigKeys, ", "))
			}
			st, err := openStore()
			if err != nil {
				return err
			}
			defer st.Close()
			return st.DeleteConfig(cmd.Context(), key)
		},
	}

	cmd.AddCommand(setCmd, getCmd, deleteCmd)
	return cmd
}
