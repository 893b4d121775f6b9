// Command attnreg builds a regularized attention encoder from a JSON config,
// trains it on a synthetic sequence regression task and records the layer
// regularizers of every step.
//
// Usage:
//
//	attnreg validate --config albert.json
//	attnreg run --config albert.json --epochs 5 --trace run.sqlite3
//	attnreg trace --db run.sqlite3
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	attnflow "attnflow/src"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}

type rootOptions struct {
	configPath string
	debug      bool
	logger     *slog.Logger
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "attnreg",
		Short:         "Train and inspect regularized self-attention encoders",
		Version:       attnflow.Version,
		SilenceUsage:  true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			level := slog.LevelInfo
			if opts.debug {
				level = slog.LevelDebug
			}
			opts.logger = slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
			attnflow.SetLogger(opts.logger)
			attnflow.SetDebug(opts.debug)
		},
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "JSON config file (defaults when empty)")
	root.PersistentFlags().BoolVar(&opts.debug, "debug", false, "debug logging and NaN/Inf checks")

	root.AddCommand(newValidateCmd(opts), newRunCmd(opts), newTraceCmd())
	return root
}

func (o *rootOptions) loadConfig() (attnflow.Config, error) {
	if o.configPath == "" {
		return attnflow.DefaultConfig(), nil
	}
	return attnflow.LoadConfig(o.configPath)
}

func newValidateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check a config and print the encoder it builds",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			enc, err := attnflow.NewEncoder(cfg).Build()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "att_type=%s adver_type=%s prior=%s\n",
				cfg.AttType, cfg.AdverType, cfg.AttPriorType)
			fmt.Fprint(cmd.OutOrStdout(), enc.Summary())
			return nil
		},
	}
}
