package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/relaysync/internal/syncctl"
)

var validFormats = []string{"text", "json"}

type rootOptions struct {
	BaseURL string
	Token   string
	Format  string
	Timeout time.Duration
}

func (o *rootOptions) client() *syncctl.Client {
	return syncctl.NewClient(o.BaseURL, o.Token, &http.Client{Timeout: o.Timeout})
}

func (o *rootOptions) printJSON(w io.Writer, v any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{
		BaseURL: strings.TrimSpace(os.Getenv("RELAYSYNC_BASE_URL")),
		Token:   strings.TrimSpace(os.Getenv("RELAYSYNC_TOKEN")),
	}
	if opts.BaseURL == "" {
		opts.BaseURL = "http://127.0.0.1:8080"
	}

	cmd := &cobra.Command{
		Use:           "relaysyncctl",
		Short:         "Operate a running relaysync daemon over its HTTP API",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			for _, f := range validFormats {
				if f == opts.Format {
					return nil
				}
			}
			return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, validFormats)
		},
	}
	cmd.PersistentFlags().StringVar(&opts.BaseURL, "url", opts.BaseURL, "relaysync base URL (env RELAYSYNC_BASE_URL)")
	cmd.PersistentFlags().StringVar(&opts.Token, "token", opts.Token, "bearer token (env RELAYSYNC_TOKEN)")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().DurationVar(&opts.Timeout, "timeout", 15*time.Second, "per-request timeout")

	cmd.AddCommand(newTriggerCommand(opts))
	cmd.AddCommand(newStatusCommand(opts))
	cmd.AddCommand(newEventsCommand(opts))
	cmd.AddCommand(newWatchCommand(opts))
	cmd.AddCommand(newHealthCommand(opts))
	return cmd
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "relaysyncctl:", err)
		os.Exit(1)
	}
}
