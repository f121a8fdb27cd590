package main

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/relaysync/internal/relaysync"
)

type storeHealth struct {
	Store string
	Err   error
}

// checkStores health-checks every adapter concurrently and returns results in store order.
func checkStores(ctx context.Context, adapters relaysync.AdapterSet, timeout time.Duration) []storeHealth {
	results := make([]storeHealth, 0, len(adapters))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for kind, adapter := range adapters {
		wg.Add(1)
		go func(kind relaysync.StoreKind, adapter relaysync.StoreAdapter) {
			defer wg.Done()
			checkCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			err := adapter.HealthCheck(checkCtx)
			mu.Lock()
			results = append(results, storeHealth{Store: kind.String(), Err: err})
			mu.Unlock()
		}(kind, adapter)
	}
	wg.Wait()
	sort.Slice(results, func(i, j int) bool { return results[i].Store < results[j].Store })
	return results
}

func newHealthCommand(rootOpts *rootOptions) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check connectivity to every configured store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := rootOpts.load(); err != nil {
				return err
			}
			mapper, err := relaysync.LoadMappingFile(rootOpts.cfg.MappingsFile)
			if err != nil {
				return err
			}
			adapters, _, closers, err := buildStores(rootOpts.cfg, mapper, rootOpts.logger)
			if err != nil {
				return err
			}
			defer func() {
				for i := len(closers) - 1; i >= 0; i-- {
					closers[i]()
				}
			}()

			results := checkStores(cmd.Context(), adapters, timeout)
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "STORE\tSTATUS\tERROR")
			unhealthy := 0
			for _, result := range results {
				status, detail := "healthy", ""
				if result.Err != nil {
					status, detail = "unhealthy", result.Err.Error()
					unhealthy++
				}
				fmt.Fprintf(w, "%s\t%s\t%s\n", result.Store, status, detail)
			}
			if err := w.Flush(); err != nil {
				return err
			}
			if unhealthy > 0 {
				return fmt.Errorf("%d of %d stores unhealthy", unhealthy, len(results))
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "per-store health check timeout")
	return cmd
}
