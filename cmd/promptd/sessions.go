package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/promptd/internal/chain"
	"github.com/fyrsmithlabs/promptd/internal/config"
	"github.com/fyrsmithlabs/promptd/internal/events"
	"github.com/fyrsmithlabs/promptd/internal/logging"
)

func newSessionsCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect and manage stored chain runs",
		Long: `Inspect and manage chain runs in the configured session store.

Examples:
  promptd sessions list
  promptd sessions show chain-research-1a2b#1
  promptd sessions abort chain-research-1a2b#1 --reason "replanning"
  promptd sessions sweep --older-than 2h`,
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List stored chain runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withSessions(cmd.Context(), opts, func(ctx context.Context, _ *config.Config, m *chain.Manager) error {
				return listSessions(ctx, cmd.OutOrStdout(), m)
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "show <chain_id>",
		Short: "Print one chain run as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSessions(cmd.Context(), opts, func(ctx context.Context, _ *config.Config, m *chain.Manager) error {
				s, err := m.Load(ctx, args[0])
				if err != nil {
					return err
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(s)
			})
		},
	})

	var reason string
	abort := &cobra.Command{
		Use:   "abort <chain_id>",
		Short: "Abort a chain run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSessions(cmd.Context(), opts, func(ctx context.Context, _ *config.Config, m *chain.Manager) error {
				s, err := m.Abort(ctx, args[0], reason)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s aborted: %s\n", chain.Key{ChainID: s.ChainID, Run: s.RunNumber}, reason)
				return nil
			})
		},
	}
	abort.Flags().StringVar(&reason, "reason", "aborted by operator", "reason recorded on the run")
	cmd.AddCommand(abort)

	var olderThan time.Duration
	sweep := &cobra.Command{
		Use:   "sweep",
		Short: "Remove chain runs idle past the stale threshold",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withSessions(cmd.Context(), opts, func(ctx context.Context, cfg *config.Config, m *chain.Manager) error {
				after := cfg.Sessions.StaleAfter.Duration()
				if olderThan > 0 {
					after = olderThan
				}
				removed, err := chain.NewSweeper(m, after, 0).Sweep(ctx)
				if err != nil {
					return err
				}
				for _, key := range removed {
					fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", key)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Removed %d stale chain sessions.\n", len(removed))
				return nil
			})
		},
	}
	sweep.Flags().DurationVar(&olderThan, "older-than", 0, "stale threshold (default sessions.stale_after)")
	cmd.AddCommand(sweep)

	return cmd
}

// withSessions opens the configured store for the duration of fn.
func withSessions(ctx context.Context, opts *rootOptions, fn func(context.Context, *config.Config, *chain.Manager) error) error {
	cfg, err := opts.load()
	if err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	store, m, err := openSessions(cfg, logging.NewNop(), events.Nop{})
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(ctx, cfg, m)
}

func listSessions(ctx context.Context, out io.Writer, m *chain.Manager) error {
	sums, err := m.List(ctx)
	if err != nil {
		return err
	}
	if len(sums) == 0 {
		fmt.Fprintln(out, "No stored chain sessions.")
		return nil
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CHAIN\tSTATE\tSTEP\tLAST ACTIVITY")
	for _, s := range sums {
		key := chain.Key{ChainID: s.ChainID, Run: s.Run}
		if s.Corrupt {
			fmt.Fprintf(tw, "%s\tcorrupt\t-\t-\n", key)
			continue
		}
		step := fmt.Sprintf("%d/%d", min(s.CurrentIndex+1, s.Steps), s.Steps)
		if s.CurrentStep != "" {
			step += " " + s.CurrentStep
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", key, s.State, step, s.LastActivity.Format(time.RFC3339))
	}
	return tw.Flush()
}
