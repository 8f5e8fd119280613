package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

func newGetCommand(a *app) *cobra.Command {
	var compute bool
	cmd := &cobra.Command{
		Use:   "get <key>",
		Short: "Read an entry through the tiered cache",
		Long: `Read an entry from the first tier that has it, promoting it into the
tiers above. With --compute, a total miss is answered by the inference engine
and the result is written to every tier before its placement is reconciled.`,
		Example: `  kvtier get "What is the weather today?"
  kvtier get --compute "What is the weather today?"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := a.newServer(ctx)
			if err != nil {
				return err
			}
			defer s.Close()

			if compute {
				res, err := s.Generate(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), res)
			}

			value, ok, err := s.Cache.Get(ctx, args[0], nil)
			if err != nil && !ok {
				return err
			}
			if !ok {
				return errors.Errorf("key %q not found", args[0])
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), string(value))
			return err
		},
	}
	cmd.Flags().BoolVar(&compute, "compute", false, "generate the value with the inference engine on a miss")
	return cmd
}

func newSetCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "set <key> <value>",
		Short:   "Write an entry into every tier",
		Example: `  kvtier set greeting "hello"`,
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.newServer(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()
			return s.Cache.Set(cmd.Context(), args[0], []byte(args[1]))
		},
	}
}

func newDeleteCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "delete <key>",
		Aliases: []string{"rm"},
		Short:   "Remove an entry from every tier",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.newServer(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()
			return s.Cache.Delete(cmd.Context(), args[0])
		},
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
