package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/relaysync/internal/relaysync"
	"github.com/agentworkforce/relaysync/internal/syncctl"
)

func newTriggerCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "trigger [type]",
		Short: "Start a reconciliation sweep",
		Long: `Ask the daemon to start a sweep in the background. The type is full, incremental
(the default), incremental-from-<store> or incremental-to-<store>.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			triggerType := relaysync.TriggerIncremental
			if len(args) == 1 {
				triggerType = args[0]
			}
			result, err := opts.client().Trigger(cmd.Context(), triggerType)
			if errors.Is(err, relaysync.ErrSweepInProgress) {
				return fmt.Errorf("a sweep is already running, try again once it finishes")
			}
			if err != nil {
				return err
			}
			if opts.Format == "json" {
				return opts.printJSON(cmd.OutOrStdout(), result)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "sweep %s %s (correlation %s)\n", result.Trigger, result.Status, result.CorrelationID)
			return nil
		},
	}
}

func newStatusCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show sync statistics and recent errors",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			status, err := opts.client().Status(cmd.Context())
			if err != nil {
				return err
			}
			if opts.Format == "json" {
				return opts.printJSON(cmd.OutOrStdout(), status)
			}
			return writeStatus(cmd.OutOrStdout(), status)
		},
	}
}

func writeStatus(out io.Writer, status relaysync.Status) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	lastSync := "never"
	if status.LastSync != nil {
		lastSync = status.LastSync.Format(time.RFC3339)
	}
	stats := status.Statistics
	fmt.Fprintf(w, "last sync\t%s\n", lastSync)
	fmt.Fprintf(w, "sweep running\t%t\n", status.IsRunning)
	fmt.Fprintf(w, "processed\t%d\n", stats.EventsProcessed)
	fmt.Fprintf(w, "succeeded\t%d\n", stats.Succeeded)
	fmt.Fprintf(w, "failed\t%d\n", stats.Failed)
	fmt.Fprintf(w, "conflicts discarded\t%d\n", stats.Conflicts)
	fmt.Fprintf(w, "skipped\t%d\n", stats.Skipped)
	fmt.Fprintf(w, "retries scheduled\t%d\n", stats.RetriesScheduled)
	fmt.Fprintf(w, "retry queue depth\t%d\n", stats.RetryQueueDepth)
	fmt.Fprintf(w, "in flight\t%d\n", stats.InFlight)
	if err := w.Flush(); err != nil {
		return err
	}
	if len(status.Errors) == 0 {
		return nil
	}
	fmt.Fprintln(out, "\nrecent errors:")
	for _, e := range status.Errors {
		fmt.Fprintf(out, "  %s %s %s %s\n", e.At.Format(time.RFC3339), e.ErrorClass, e.CanonicalID, e.Message)
	}
	return nil
}

func newEventsCommand(opts *rootOptions) *cobra.Command {
	var limit int
	var eventType, since string
	var follow bool
	cmd := &cobra.Command{
		Use:   "events",
		Short: "List recent sync events, or stream them with --follow",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			typ := relaysync.BusEventType(eventType)
			if eventType != "" && !typ.Valid() {
				return fmt.Errorf("unknown event type %q", eventType)
			}
			client := opts.client()
			if follow {
				ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
				defer stop()
				return client.Follow(ctx, typ, func(event relaysync.BusEvent) error {
					return writeEvent(cmd.OutOrStdout(), opts, event)
				})
			}
			query := syncctl.EventsQuery{Limit: limit, Type: typ}
			if since != "" {
				parsed, err := time.Parse(time.RFC3339Nano, since)
				if err != nil {
					return fmt.Errorf("invalid --since: %w", err)
				}
				query.Since = parsed
			}
			events, err := client.Events(cmd.Context(), query)
			if err != nil {
				return err
			}
			if opts.Format == "json" {
				return opts.printJSON(cmd.OutOrStdout(), events)
			}
			for _, event := range events {
				if err := writeEvent(cmd.OutOrStdout(), opts, event); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "maximum number of events (server default when 0)")
	cmd.Flags().StringVar(&eventType, "type", "", "only events of this type")
	cmd.Flags().StringVar(&since, "since", "", "only events at or after this RFC3339 time")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "stream events as they happen")
	return cmd
}

func writeEvent(out io.Writer, opts *rootOptions, event relaysync.BusEvent) error {
	if opts.Format == "json" {
		return opts.printJSON(out, event)
	}
	_, err := fmt.Fprintf(out, "%s %-17s %-8s %s %s\n",
		event.Timestamp.Format(time.RFC3339), event.Type, event.EntityType, event.CanonicalID, event.Message)
	return err
}

func newWatchCommand(opts *rootOptions) *cobra.Command {
	var interval time.Duration
	var jitter float64
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Poll sync status until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			out := cmd.OutOrStdout()
			return syncctl.Watch(ctx, opts.client(), syncctl.WatchOptions{
				Interval: interval,
				Jitter:   jitter,
				Timeout:  opts.Timeout,
				OnStatus: func(status relaysync.Status) error {
					if opts.Format == "json" {
						return opts.printJSON(out, status)
					}
					stats := status.Statistics
					_, err := fmt.Fprintf(out, "%s processed=%d ok=%d failed=%d conflicts=%d queue=%d running=%t\n",
						time.Now().Format(time.RFC3339), stats.EventsProcessed, stats.Succeeded, stats.Failed,
						stats.Conflicts, stats.RetryQueueDepth, status.IsRunning)
					return err
				},
				OnError: func(err error) {
					fmt.Fprintln(cmd.ErrOrStderr(), "status poll failed:", err)
				},
			})
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", 5*time.Second, "poll interval")
	cmd.Flags().Float64Var(&jitter, "jitter", 0.2, "interval jitter ratio (0-1)")
	return cmd
}

func newHealthCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Show store health as reported by the daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			report, err := opts.client().Health(cmd.Context())
			if err != nil {
				return err
			}
			if opts.Format == "json" {
				if err := opts.printJSON(cmd.OutOrStdout(), report); err != nil {
					return err
				}
			} else {
				names := make([]string, 0, len(report.Stores))
				for name := range report.Stores {
					names = append(names, name)
				}
				sort.Strings(names)
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintf(w, "overall\t%s\t\n", report.Status)
				for _, name := range names {
					store := report.Stores[name]
					fmt.Fprintf(w, "%s\t%s\t%s\n", name, store.Status, store.Error)
				}
				if err := w.Flush(); err != nil {
					return err
				}
			}
			if report.Status != "ok" {
				return fmt.Errorf("relaysync is %s", report.Status)
			}
			return nil
		},
	}
}
