package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/aivorynet/inspector-go/pkg/agent"
)

type rootOptions struct {
	configPath string
	storePath  string
	debug      bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "inspector",
		Short:         "Attribution report recorder and URL breakpoint agent",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "Path to YAML config (default $"+agent.ConfigFileEnv+")")
	cmd.PersistentFlags().StringVar(&opts.storePath, "store", "", "Path to the URL breakpoint store")
	cmd.PersistentFlags().BoolVar(&opts.debug, "debug", false, "Enable debug logging")

	cmd.AddCommand(newServeCmd(opts))
	cmd.AddCommand(newBreakpointsCmd(opts))

	return cmd
}

// loadConfig resolves the config file, environment and persistent flags.
func (o *rootOptions) loadConfig(extra ...agent.ConfigOption) (*agent.Config, error) {
	var options []agent.ConfigOption
	if o.storePath != "" {
		options = append(options, agent.WithBreakpointStore(o.storePath))
	}
	if o.debug {
		options = append(options, agent.WithDebug(true))
	}
	options = append(options, extra...)

	if o.configPath != "" {
		return agent.LoadConfig(o.configPath, options...)
	}
	return agent.NewConfig(options...)
}

func (o *rootOptions) logger(cfg *agent.Config) (*zap.Logger, error) {
	return agent.NewLogger(cfg.Debug)
}
