package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/agentworkforce/relaysync/internal/config"
)

type rootOptions struct {
	ConfigPath string

	cfg       config.Config
	logger    *logrus.Logger
	logCloser io.Closer
}

// load reads the configuration once per invocation and builds the process logger from it.
func (o *rootOptions) load() error {
	if o.logger != nil {
		return nil
	}
	bootstrap := logrus.New()
	bootstrap.SetOutput(os.Stderr)
	cfg, err := config.Load(o.ConfigPath, bootstrap)
	if err != nil {
		return err
	}
	logger, closer, err := cfg.Logging.NewLogger()
	if err != nil {
		return err
	}
	o.cfg, o.logger, o.logCloser = cfg, logger, closer
	return nil
}

func (o *rootOptions) close() {
	if o.logCloser != nil {
		_ = o.logCloser.Close()
		o.logCloser = nil
	}
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{ConfigPath: strings.TrimSpace(os.Getenv("RELAYSYNC_CONFIG"))}

	cmd := &cobra.Command{
		Use:   "relaysync",
		Short: "Keep a relational database, a workspace and a graph store in sync",
		Long: `relaysync captures changes from a Postgres database, a Notion workspace and a
Neo4j graph, and replicates every entity to the other two stores through a shared
cross-reference ledger.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			opts.close()
		},
	}
	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", opts.ConfigPath, "path to the YAML config file (env RELAYSYNC_CONFIG)")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newSweepCommand(opts))
	cmd.AddCommand(newHealthCommand(opts))
	cmd.AddCommand(newMappingsCommand(opts))
	return cmd
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "relaysync:", err)
		os.Exit(1)
	}
}
