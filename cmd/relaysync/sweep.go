package main

import (
	"encoding/json"
	"errors"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/relaysync/internal/relaysync"
)

func newSweepCommand(rootOpts *rootOptions) *cobra.Command {
	var trigger string
	var entityTypes []string
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run one reconciliation sweep and print its report",
		Long: `Run one reconciliation sweep against the configured stores and exit.

--type accepts full, incremental, incremental-from-<store> and incremental-to-<store>,
where <store> is postgres, notion or neo4j (or relational, workspace, graph).`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := rootOpts.load(); err != nil {
				return err
			}
			opts, err := relaysync.ParseTrigger(trigger)
			if err != nil {
				return err
			}
			opts.EntityTypes = entityTypes

			rt, err := buildRuntime(cmd.Context(), rootOpts.cfg, rootOpts.logger)
			if err != nil {
				return err
			}
			defer rt.Close()
			engine, err := rt.newEngine()
			if err != nil {
				return err
			}
			report, sweepErr := engine.Sweep(cmd.Context(), opts)
			if errors.Is(sweepErr, relaysync.ErrSweepInProgress) {
				return sweepErr
			}
			encoder := json.NewEncoder(cmd.OutOrStdout())
			encoder.SetIndent("", "  ")
			if err := encoder.Encode(report); err != nil {
				return err
			}
			return sweepErr
		},
	}
	cmd.Flags().StringVarP(&trigger, "type", "t", relaysync.TriggerIncremental, "sweep type")
	cmd.Flags().StringSliceVar(&entityTypes, "entity", nil, "limit the sweep to these entity types")
	return cmd
}
