package main

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/septivank/meter-sync/internal/config"
	"github.com/septivank/meter-sync/internal/db"
	"github.com/septivank/meter-sync/internal/repository"
	"github.com/spf13/cobra"
)

// operatorStore is the repository surface the commands use
type operatorStore interface {
	ListDead(ctx context.Context, limit int) ([]db.OutboxEntry, error)
	Requeue(ctx context.Context, ids []int64) (int64, error)
	Stats(ctx context.Context) (*repository.OutboxStats, error)
	ArchivePublished(ctx context.Context, cutoff time.Time) (int64, error)
	EvictDedup(ctx context.Context, cutoff time.Time) (int64, error)
	DailyReport(ctx context.Context, day time.Time) (*repository.DailyReport, error)
}

// RootOptions holds global flags for all commands
type RootOptions struct {
	Format  string
	Timeout time.Duration

	open func(ctx context.Context) (operatorStore, func(), error)
	now  func() time.Time
}

var validFormats = []string{"text", "json"}

// NewRootCommand creates the outboxctl root command
func NewRootCommand(opts *RootOptions) *cobra.Command {
	if opts.now == nil {
		opts.now = time.Now
	}

	cmd := &cobra.Command{
		Use:   "outboxctl",
		Short: "Operate the meter-sync outbox",
		Long: `Inspect and repair the transactional outbox of a meter-sync database.

The database is taken from DATABASE_URL; a .env file is honoured.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(validFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, validFormats)
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().DurationVar(&opts.Timeout, "timeout", 30*time.Second, "timeout for database operations")

	cmd.AddCommand(newFailedCommand(opts))
	cmd.AddCommand(newRequeueCommand(opts))
	cmd.AddCommand(newStatsCommand(opts))
	cmd.AddCommand(newArchiveCommand(opts))
	cmd.AddCommand(newReportCommand(opts))
	cmd.AddCommand(newMigrateCommand(opts))

	return cmd
}

// withStore opens the store for the duration of fn
func (o *RootOptions) withStore(cmd *cobra.Command, fn func(ctx context.Context, st operatorStore) error) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), o.Timeout)
	defer cancel()

	st, closeFn, err := o.open(ctx)
	if err != nil {
		return err
	}
	defer closeFn()

	return fn(ctx, st)
}

func openRepository(ctx context.Context) (operatorStore, func(), error) {
	config.LoadEnvFile()
	cfg, err := config.LoadDatabase()
	if err != nil {
		return nil, nil, err
	}

	pool, err := db.Connect(ctx, db.PoolConfig{URL: cfg.URL, MaxConns: 2})
	if err != nil {
		return nil, nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("[DATABASE CONNECTION FAILED] cannot reach %s: %w", db.MaskPassword(cfg.URL), err)
	}
	return repository.NewRepository(pool, cfg.LockTimeout), pool.Close, nil
}
