package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var version = "dev"

type rootOptions struct {
	configFile string
	logLevel   string
	logFormat  string
	sinkKind   string
	outputDir  string
	workers    int
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:          "rapidflat",
		Short:        "Export flow runs and platform resources as flat tables",
		Version:      version,
		SilenceUsage: true,
	}
	flags := root.PersistentFlags()
	flags.StringVar(&opts.configFile, "config", "", "config file (default: $RAPIDFLAT_CONFIG or ~/.rapidflat/config.yaml)")
	flags.StringVar(&opts.logLevel, "log-level", "", "debug, info, warn or error")
	flags.StringVar(&opts.logFormat, "log-format", "", "json or console")
	flags.StringVar(&opts.sinkKind, "sink", "", "csv, blob, nats or postgres")
	flags.StringVar(&opts.outputDir, "out", "", "output directory of the csv sink")
	flags.IntVar(&opts.workers, "workers", 0, "partitions fetched in parallel")

	root.AddCommand(runsCmd(opts))
	root.AddCommand(exportCmd(opts))
	root.AddCommand(contactsCmd(opts))
	root.AddCommand(groupsCmd(opts))
	root.AddCommand(flowsCmd(opts))
	return root
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}
