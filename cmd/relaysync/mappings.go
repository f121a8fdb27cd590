package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/relaysync/internal/relaysync"
)

type mappingSummary struct {
	EntityType  string            `json:"entityType"`
	Collections map[string]string `json:"collections"`
	Fields      int               `json:"fields"`
}

func newMappingsCommand(rootOpts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mappings",
		Short: "Inspect entity mapping files",
	}
	cmd.AddCommand(newMappingsValidateCommand(rootOpts))
	return cmd
}

func newMappingsValidateCommand(rootOpts *rootOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "validate [file]",
		Short: "Validate a mapping file and list its entities",
		Long: `Validate a mapping file against the mapping schema and list the collection each
entity maps to in every store. Without an argument the configured mappings file is used.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := ""
			if len(args) == 1 {
				path = args[0]
			} else {
				if err := rootOpts.load(); err != nil {
					return err
				}
				path = rootOpts.cfg.MappingsFile
			}
			mapper, err := relaysync.LoadMappingFile(path)
			if err != nil {
				return err
			}
			summaries := summarizeMappings(mapper)
			if asJSON {
				encoder := json.NewEncoder(cmd.OutOrStdout())
				encoder.SetIndent("", "  ")
				return encoder.Encode(summaries)
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ENTITY\tRELATIONAL\tWORKSPACE\tGRAPH\tFIELDS")
			for _, s := range summaries {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\n", s.EntityType,
					s.Collections[relaysync.StoreRelational.String()],
					s.Collections[relaysync.StoreWorkspace.String()],
					s.Collections[relaysync.StoreGraph.String()],
					s.Fields)
			}
			if err := w.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d entity types ok\n", path, len(summaries))
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the summary as JSON")
	return cmd
}

func summarizeMappings(mapper *relaysync.Mapper) []mappingSummary {
	entityTypes := mapper.EntityTypes()
	out := make([]mappingSummary, 0, len(entityTypes))
	for _, entityType := range entityTypes {
		summary := mappingSummary{EntityType: entityType, Collections: map[string]string{}}
		for _, kind := range relaysync.AllStoreKinds {
			if collection, ok := mapper.Collection(kind, entityType); ok {
				summary.Collections[kind.String()] = collection
			}
		}
		if entity, err := mapper.Entity(entityType); err == nil {
			summary.Fields = len(entity.Fields)
		}
		out = append(out, summary)
	}
	return out
}
