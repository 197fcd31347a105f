package main

import (
	"github.com/hashicorp/go-hclog"
	"github.com/queryboost/queryboost-go/logging"
	"github.com/spf13/cobra"
)

type rootOptions struct {
	configPath string
	logLevel   string
}

func (o *rootOptions) logger() hclog.Logger {
	opts := &hclog.LoggerOptions{Name: "queryboost"}
	if o.logLevel != "" {
		opts.Level = hclog.LevelFromString(o.logLevel)
	}
	logger := logging.NewLogger(opts)
	logging.RedirectStandardLog(logger)
	return logger
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "queryboost",
		Short:         "Run prompts over tabular data with Queryboost",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "path to an HCL config file")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level (trace|debug|info|warn|error), overrides QUERYBOOST_LOG_LEVEL")

	cmd.AddCommand(newRunCommand(opts))
	cmd.AddCommand(newVersionCommand())
	return cmd
}
