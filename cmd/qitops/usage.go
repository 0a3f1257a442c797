package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/qitops/qitops-agent/internal/store"
)

func newUsageCmd() *cobra.Command {
	var since time.Duration
	var recent int

	cmd := &cobra.Command{
		Use:   "usage",
		Short: "Show recorded token usage per provider",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openUsageStore()
			if err != nil {
				return err
			}
			defer db.Close()

			out := cmd.OutOrStdout()
			summary, err := db.Summary(time.Now().Add(-since))
			if err != nil {
				return err
			}

			fmt.Fprintln(out, title(fmt.Sprintf("Usage over the last %s", since)))
			if len(summary) == 0 {
				fmt.Fprintln(out, label("  no usage recorded"))
			}
			for _, p := range summary {
				fmt.Fprintf(out, "  %-10s requests=%d tokens=%d cache_hits=%d errors=%d avg_latency=%.0fms\n",
					p.Provider, p.Requests, p.Tokens, p.CacheHits, p.Errors, p.AvgLatencyMS)
			}

			if recent > 0 {
				records, err := db.RecentUsage(recent)
				if err != nil {
					return err
				}
				fmt.Fprintln(out)
				fmt.Fprintln(out, title("Recent requests"))
				for _, r := range records {
					status := fmt.Sprintf("tokens=%d latency=%s", r.Tokens, r.Latency)
					switch {
					case r.Cached:
						status = "cached"
					case r.ErrorKind != "":
						status = "error=" + r.ErrorKind
					}
					fmt.Fprintf(out, "  %s %-10s %-20s %-10s %s\n",
						r.CreatedAt.Format("2006-01-02 15:04:05"), r.Provider, r.Model, r.Task, status)
				}
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&since, "since", 24*time.Hour, "summary window")
	cmd.Flags().IntVar(&recent, "recent", 0, "also list the N most recent records")

	var olderThan time.Duration
	clean := &cobra.Command{
		Use:   "clean",
		Short: "Delete old usage records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openUsageStore()
			if err != nil {
				return err
			}
			defer db.Close()

			n, err := db.CleanOldUsage(olderThan)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), success(fmt.Sprintf("removed %d records older than %s", n, olderThan)))
			return nil
		},
	}
	clean.Flags().DurationVar(&olderThan, "older-than", 30*24*time.Hour, "age cutoff")
	cmd.AddCommand(clean)
	return cmd
}

func openUsageStore() (*store.SQLiteStore, error) {
	a, err := loadApp()
	if err != nil {
		return nil, err
	}
	if !a.cfg.Usage.Enabled {
		return nil, fmt.Errorf("usage tracking is disabled (usage.enabled: false)")
	}
	path := a.cfg.Usage.DBPath
	if path == "" {
		path = store.DefaultDBPath()
	}
	return store.NewSQLiteStore(path)
}
