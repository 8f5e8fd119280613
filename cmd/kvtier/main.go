package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/hrygo/kvtier/internal/profile"
	"github.com/hrygo/kvtier/server"
)

// app carries the state shared by every subcommand.
type app struct {
	v          *viper.Viper
	configFile string
	profile    *profile.Profile
}

func newRootCommand() *cobra.Command {
	a := &app{v: profile.NewViper()}

	rootCmd := &cobra.Command{
		Use:   "kvtier",
		Short: "Tiered KV cache placement for LLM inference",
		Long: `kvtier stores reusable prefix KV entries across ordered cache tiers,
decides each entry's TTL and preferred tier from its access pattern, and asks
the placement controller to move entries whose location disagrees.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.load()
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&a.configFile, "config", "", "config file (default ./kvtier.yaml or $HOME/.kvtier/kvtier.yaml)")
	flags.String("mode", "dev", `mode of server, can be "prod" or "dev"`)
	flags.String("data", ".kvtier", "data directory for disk and sqlite tiers")
	flags.String("log-level", "info", "log level: debug, info, warn, error")
	flags.String("log-format", "text", "log format: text or json")
	flags.String("controller-url", "http://127.0.0.1:9000", "placement controller base URL")
	flags.String("engine-url", "http://127.0.0.1:8000", "inference engine URL used for tokenization")

	for key, flag := range map[string]string{
		"mode":                  "mode",
		"data":                  "data",
		"log.level":             "log-level",
		"log.format":            "log-format",
		"controller.url":        "controller-url",
		"controller.engine_url": "engine-url",
	} {
		if err := a.v.BindPFlag(key, flags.Lookup(flag)); err != nil {
			panic(err)
		}
	}

	rootCmd.AddCommand(
		newServeCommand(a),
		newGetCommand(a),
		newSetCommand(a),
		newDeleteCommand(a),
		newTTLCommand(a),
		newReconcileCommand(a),
		newHydrateCommand(a),
		newControllerCommand(a),
	)
	return rootCmd
}

// load reads the profile and installs the default logger.
func (a *app) load() error {
	p, err := profile.Load(a.v, a.configFile)
	if err != nil {
		return err
	}
	if err := p.Validate(); err != nil {
		return err
	}
	a.profile = p
	slog.SetDefault(newLogger(p, os.Stderr))
	return nil
}

// newServer opens the configured tiers and clients.
func (a *app) newServer(ctx context.Context) (*server.Server, error) {
	return server.NewServer(ctx, a.profile)
}

func newLogger(p *profile.Profile, w *os.File) *slog.Logger {
	opts := &slog.HandlerOptions{Level: p.LogLevel()}
	if strings.EqualFold(p.Log.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}
