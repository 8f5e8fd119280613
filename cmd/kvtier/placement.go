package main

import (
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/hrygo/kvtier/plugin/placement"
)

// addMetaFlags registers the access-pattern flags shared by ttl and reconcile.
func addMetaFlags(fs *pflag.FlagSet, meta *placement.AccessMetadata) {
	fs.Float64Var(&meta.Perplexity, "perplexity", 0, "generation perplexity of the entry")
	fs.Int64Var(&meta.AccessCount, "access-count", 0, "number of times the entry has been read")
	fs.Float64Var(&meta.TimeVariance, "time-variance", 0, "normalized access-time volatility in [0,1]; values outside are clamped")
}

func newTTLCommand(a *app) *cobra.Command {
	var meta placement.AccessMetadata
	cmd := &cobra.Command{
		Use:   "ttl",
		Short: "Compute the TTL and preferred tier for an access pattern",
		Long: `Run the placement heuristic with the configured parameters and print the
resulting decision. The offload guard (LMCACHE_DISABLE_OFFLOAD=1) is honored.`,
		Example: `  kvtier ttl --perplexity 10
  kvtier ttl --perplexity 2 --access-count 40 --time-variance 0.5`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			meta.Now = time.Now()
			d := placement.Decide(meta, a.profile.Heuristic.Params(), placement.NewEnvGuard())
			return printJSON(cmd.OutOrStdout(), d)
		},
	}
	addMetaFlags(cmd.Flags(), &meta)
	return cmd
}

func newReconcileCommand(a *app) *cobra.Command {
	var meta placement.AccessMetadata
	cmd := &cobra.Command{
		Use:   "reconcile <key>",
		Short: "Move an entry to the tier the heuristic prefers",
		Long: `Look the entry up in the placement controller and, when its current
location differs from the tier chosen by the heuristic, request exactly one
move. The outcome is printed as JSON; a failed move is reported, not retried.`,
		Example: `  kvtier reconcile "What is the weather today?" --perplexity 10`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.newServer(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()

			meta.Now = time.Now()
			res := s.Reconciler.Reconcile(cmd.Context(), args[0], meta)
			if err := printJSON(cmd.OutOrStdout(), res); err != nil {
				return err
			}
			return res.Err
		},
	}
	addMetaFlags(cmd.Flags(), &meta)
	return cmd
}
