package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/wolfman30/dispatch-engine/internal/bookings"
	"github.com/wolfman30/dispatch-engine/internal/dispatch"
	"github.com/wolfman30/dispatch-engine/internal/events"
	"github.com/wolfman30/dispatch-engine/internal/policy"
)

func newVerifyOverlapsCmd(opts *rootOptions) *cobra.Command {
	var (
		from, to  string
		failOnAny bool
	)
	cmd := &cobra.Command{
		Use:   "verify-overlaps",
		Short: "Report technicians with overlapping committed bookings",
		Long: `Scans committed bookings in the given window and prints every pair assigned
to the same technician whose slot plus travel buffer intersect. Reads
DATABASE_URL and, when set, REDIS_ADDR for the business policy.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if opts.businessID == "" {
				return errors.New("--business is required")
			}
			start, end, err := overlapWindow(from, to, time.Now())
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
			defer cancel()

			databaseURL := strings.TrimSpace(os.Getenv("DATABASE_URL"))
			if databaseURL == "" {
				return errors.New("DATABASE_URL is required")
			}
			pool, err := pgxpool.New(ctx, databaseURL)
			if err != nil {
				return fmt.Errorf("connect postgres: %w", err)
			}
			defer pool.Close()

			policies, closePolicies := opts.policySource(ctx)
			defer closePolicies()

			engine, err := dispatch.NewEngine(dispatch.Config{
				Store:    bookings.NewRepository(pool),
				Policies: policies,
				Events:   events.NewOutboxStore(pool),
				Logger:   opts.logger(),
			})
			if err != nil {
				return err
			}
			overlaps, err := engine.VerifyOverlaps(ctx, opts.businessID, start, end)
			if err != nil {
				return err
			}
			if err := printJSON(cmd.OutOrStdout(), overlaps); err != nil {
				return err
			}
			if failOnAny && len(overlaps) > 0 {
				return fmt.Errorf("%d overlapping booking pair(s)", len(overlaps))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "Window start, RFC3339 (default now)")
	cmd.Flags().StringVar(&to, "to", "", "Window end, RFC3339 (default start + 7 days)")
	cmd.Flags().BoolVar(&failOnAny, "fail", false, "Exit non-zero when any overlap is found")
	return cmd
}

func overlapWindow(from, to string, now time.Time) (time.Time, time.Time, error) {
	start := now
	if from != "" {
		t, err := time.Parse(time.RFC3339, from)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid --from: %w", err)
		}
		start = t
	}
	end := start.Add(7 * 24 * time.Hour)
	if to != "" {
		t, err := time.Parse(time.RFC3339, to)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid --to: %w", err)
		}
		end = t
	}
	if !end.After(start) {
		return time.Time{}, time.Time{}, errors.New("--to must be after --from")
	}
	return start, end, nil
}

// policySource prefers the shared redis store and falls back to defaults.
func (o *rootOptions) policySource(ctx context.Context) (policy.Source, func()) {
	addr := strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	if addr != "" {
		client := redis.NewClient(&redis.Options{Addr: addr, Password: os.Getenv("REDIS_PASSWORD")})
		if err := client.Ping(ctx).Err(); err == nil {
			return policy.NewStore(client), func() { _ = client.Close() }
		}
		o.logger().Warn("redis unavailable, using default policy", "addr", addr)
		_ = client.Close()
	}
	return policy.NewStaticSource(), func() {}
}
