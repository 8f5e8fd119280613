package main

import (
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

func newServeCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the cache and placement HTTP API",
		Long: `Open the configured tiers and serve the HTTP API until interrupted.
The server exposes the cache, the TTL heuristic, reconciliation, generation
through the inference engine and Prometheus metrics.`,
		Example: `  kvtier serve --addr :8081
  KVTIER_ENGINE_ENABLED=true kvtier serve`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			s, err := a.newServer(ctx)
			if err != nil {
				return err
			}
			defer s.Close()
			return s.Serve(ctx)
		},
	}
	cmd.Flags().String("addr", ":8081", "listen address")
	if err := a.v.BindPFlag("server.addr", cmd.Flags().Lookup("addr")); err != nil {
		panic(err)
	}
	return cmd
}

func newHydrateCommand(a *app) *cobra.Command {
	var meta map[string]string
	cmd := &cobra.Command{
		Use:   "hydrate <key> <file>",
		Short: "Upload a serialized KV payload to the engine",
		Long: `Send the contents of file to the controller's hydrate endpoint so the
engine can insert it into accelerator memory without recomputing it.`,
		Example: `  kvtier hydrate "What is the weather today?" ./kv.bin --meta model=gemma-3-270m`,
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			blob, err := os.ReadFile(args[1])
			if err != nil {
				return errors.Wrapf(err, "failed to read %s", args[1])
			}
			s, err := a.newServer(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()

			status, err := s.Controller.Hydrate(cmd.Context(), args[0], blob, meta)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), status)
		},
	}
	cmd.Flags().StringToStringVar(&meta, "meta", nil, "metadata sent with the payload (key=value)")
	return cmd
}
