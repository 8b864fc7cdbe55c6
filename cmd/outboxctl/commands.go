package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/septivank/meter-sync/internal/config"
	"github.com/septivank/meter-sync/internal/db"
	"github.com/septivank/meter-sync/internal/logging"
	"github.com/septivank/meter-sync/internal/repository"
	"github.com/spf13/cobra"
)

func newFailedCommand(opts *RootOptions) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "failed",
		Short: "List entries that exhausted their publish attempts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withStore(cmd, func(ctx context.Context, st operatorStore) error {
				entries, err := st.ListDead(ctx, limit)
				if err != nil {
					return err
				}
				return opts.render(cmd.OutOrStdout(), entries, func(w io.Writer) {
					writeEntries(w, entries)
				})
			})
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 100, "maximum number of entries to list")
	return cmd
}

func writeEntries(w io.Writer, entries []db.OutboxEntry) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tEVENT\tMETER\tATTEMPTS\tLAST ATTEMPT\tLAST ERROR")
	for _, e := range entries {
		lastAttempt, lastErr := "-", "-"
		if e.LastAttemptAt != nil {
			lastAttempt = e.LastAttemptAt.UTC().Format(time.RFC3339)
		}
		if e.LastError != nil {
			lastErr = *e.LastError
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%d/%d\t%s\t%s\n", e.ID, e.EventType, e.AggregateKey, e.AttemptCount, e.MaxAttempts, lastAttempt, lastErr)
	}
	tw.Flush()
}

func newRequeueCommand(opts *RootOptions) *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "requeue [id...]",
		Short: "Reset failed entries so the relay publishes them again",
		Example: `  outboxctl requeue 41 42
  outboxctl requeue --all`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if all == (len(args) > 0) {
				return fmt.Errorf("pass entry ids or --all, not both")
			}

			ids := make([]int64, 0, len(args))
			for _, arg := range args {
				id, err := strconv.ParseInt(arg, 10, 64)
				if err != nil {
					return fmt.Errorf("invalid entry id %q: %w", arg, err)
				}
				ids = append(ids, id)
			}

			return opts.withStore(cmd, func(ctx context.Context, st operatorStore) error {
				n, err := st.Requeue(ctx, ids)
				if err != nil {
					return err
				}
				return opts.render(cmd.OutOrStdout(), map[string]int64{"requeued": n}, func(w io.Writer) {
					fmt.Fprintf(w, "requeued %d entries\n", n)
				})
			})
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "requeue every dead entry")
	return cmd
}

func newStatsCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Count outbox entries per state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withStore(cmd, func(ctx context.Context, st operatorStore) error {
				stats, err := st.Stats(ctx)
				if err != nil {
					return err
				}
				return opts.render(cmd.OutOrStdout(), stats, func(w io.Writer) {
					tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
					fmt.Fprintf(tw, "unpublished\t%d\n", stats.Unpublished)
					fmt.Fprintf(tw, "publishing\t%d\n", stats.Publishing)
					fmt.Fprintf(tw, "published\t%d\n", stats.Published)
					fmt.Fprintf(tw, "failed (retrying)\t%d\n", stats.Failed)
					fmt.Fprintf(tw, "failed (dead)\t%d\n", stats.Dead)
					if stats.OldestPendingAt != nil {
						fmt.Fprintf(tw, "oldest pending\t%s (%s ago)\n",
							stats.OldestPendingAt.UTC().Format(time.RFC3339),
							opts.now().Sub(*stats.OldestPendingAt).Round(time.Second))
					}
					tw.Flush()
				})
			})
		},
	}
}

func newArchiveCommand(opts *RootOptions) *cobra.Command {
	var archiveAge, dedupAge time.Duration

	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Archive published entries and evict old dedup records now",
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withStore(cmd, func(ctx context.Context, st operatorStore) error {
				now := opts.now()
				archived, err := st.ArchivePublished(ctx, now.Add(-archiveAge))
				if err != nil {
					return err
				}
				evicted, err := st.EvictDedup(ctx, now.Add(-dedupAge))
				if err != nil {
					return err
				}
				out := map[string]int64{"archived": archived, "dedup_evicted": evicted}
				return opts.render(cmd.OutOrStdout(), out, func(w io.Writer) {
					fmt.Fprintf(w, "archived %d outbox entries, evicted %d dedup records\n", archived, evicted)
				})
			})
		},
	}

	cmd.Flags().DurationVar(&archiveAge, "older-than", 7*24*time.Hour, "archive entries published before this age")
	cmd.Flags().DurationVar(&dedupAge, "dedup-older-than", 30*24*time.Hour, "evict dedup records older than this age")
	return cmd
}

func newReportCommand(opts *RootOptions) *cobra.Command {
	var dayFlag string

	cmd := &cobra.Command{
		Use:   "report",
		Short: "Summarize one UTC day of sync activity",
		RunE: func(cmd *cobra.Command, args []string) error {
			day := opts.now().UTC().AddDate(0, 0, -1)
			if dayFlag != "" {
				parsed, err := time.Parse(time.DateOnly, dayFlag)
				if err != nil {
					return fmt.Errorf("invalid --day %q, want YYYY-MM-DD: %w", dayFlag, err)
				}
				day = parsed
			}

			return opts.withStore(cmd, func(ctx context.Context, st operatorStore) error {
				rep, err := st.DailyReport(ctx, day)
				if err != nil {
					return err
				}
				return opts.render(cmd.OutOrStdout(), rep, func(w io.Writer) {
					writeReport(w, rep)
				})
			})
		},
	}

	cmd.Flags().StringVar(&dayFlag, "day", "", "day to report, YYYY-MM-DD (default yesterday)")
	return cmd
}

func writeReport(w io.Writer, rep *repository.DailyReport) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "day\t%s\n", rep.Day.Format(time.DateOnly))
	fmt.Fprintf(tw, "meters (active/total)\t%d/%d\n", rep.ActiveMeters, rep.TotalMeters)
	fmt.Fprintf(tw, "meters reporting\t%d\n", rep.MetersReporting)
	fmt.Fprintf(tw, "readings accepted\t%d\n", rep.ReadingsAccepted)
	fmt.Fprintf(tw, "readings merged\t%d\n", rep.ReadingsMerged)
	fmt.Fprintf(tw, "readings rejected\t%d\n", rep.ReadingsRejected)
	fmt.Fprintf(tw, "events published\t%d\n", rep.OutboxPublished)
	fmt.Fprintf(tw, "events failing\t%d\n", rep.OutboxFailures)
	tw.Flush()
}

func newMigrateCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			config.LoadEnvFile()
			cfg, err := config.LoadDatabase()
			if err != nil {
				return err
			}
			logger, err := logging.NewLogger("outboxctl", "info")
			if err != nil {
				return err
			}
			defer logger.Sync()

			return db.Migrate(db.DefaultEngine, cfg.URL, logger)
		},
	}
}

// render writes v as JSON or calls text for the human readable form
func (o *RootOptions) render(w io.Writer, v any, text func(io.Writer)) error {
	if o.Format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	text(w)
	return nil
}
