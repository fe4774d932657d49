package main

import (
	"fmt"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/erfanmomeniii/relay/lease"
)

func newLeasesCmd(load loader) *cobra.Command {
	var cleanup bool
	cmd := &cobra.Command{
		Use:   "leases",
		Short: "List the transport locks in the lease store",
		Long: "leases prints every tracked transport lock. With --cleanup it first removes terminal " +
			"entries older than the configured lock retention.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := load()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			store, closer, err := cfg.OpenLeaseStore(ctx)
			if err != nil {
				return err
			}
			defer closer.Close()

			tracker := lease.NewTracker(store, lease.WithLogger(log))
			out := cmd.OutOrStdout()
			if cleanup {
				retention := cfg.Engine.LockRetention
				if retention <= 0 {
					retention = 24 * time.Hour
				}
				n, err := tracker.CleanupOldLocks(ctx, retention)
				if err != nil {
					return fmt.Errorf("cleanup: %w", err)
				}
				fmt.Fprintf(out, "removed %d terminal locks\n", n)
			}

			entries, err := store.List(ctx)
			if err != nil {
				return fmt.Errorf("list locks: %w", err)
			}
			expired, err := tracker.GetExpiredLocks(ctx)
			if err != nil {
				return fmt.Errorf("list expired locks: %w", err)
			}
			sort.Slice(entries, func(i, j int) bool {
				return entries[i].TransportMessageID < entries[j].TransportMessageID
			})
			lapsed := make(map[string]bool, len(expired))
			for _, e := range expired {
				lapsed[e.TransportMessageID] = true
			}

			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "MESSAGE\tSTATUS\tEXPIRES\tRENEWALS")
			for _, e := range entries {
				status := string(e.Status)
				if lapsed[e.TransportMessageID] {
					status += " (expired)"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\n", e.TransportMessageID, status, e.ExpiresAt.Format(time.RFC3339), e.RenewalCount)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&cleanup, "cleanup", false, "remove terminal locks older than engine.lock_retention first")
	return cmd
}
