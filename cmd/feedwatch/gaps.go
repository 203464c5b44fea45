package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/V4T54L/feedwatch/internal/domain"
	"github.com/V4T54L/feedwatch/internal/pkg/config"
	"github.com/V4T54L/feedwatch/internal/pkg/logger"
	"github.com/V4T54L/feedwatch/internal/usecase"
)

type gapsOptions struct {
	source    string
	from      string
	to        string
	threshold time.Duration
	asJSON    bool
}

func newGapsCmd() *cobra.Command {
	opts := gapsOptions{}
	cmd := &cobra.Command{
		Use:   "gaps",
		Short: "Report intervals without stored records",
		Long: `gaps reads the stored event times of one source and lists every interval
between consecutive records longer than the threshold. The window defaults
to the last 24 hours.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			if opts.threshold <= 0 {
				opts.threshold = cfg.GapThreshold
			}
			from, to, err := parseWindow(opts.from, opts.to, time.Now())
			if err != nil {
				return err
			}

			sink, err := openSink(cmd.Context(), cfg, nil, logger.New(cfg.LogLevel))
			if err != nil {
				return err
			}
			defer sink.Close()

			gaps, err := usecase.GapReport(cmd.Context(), sink.Sink, opts.source, from, to, opts.threshold)
			if err != nil {
				return err
			}
			return writeGaps(cmd.OutOrStdout(), gaps, opts.asJSON)
		},
	}

	cmd.Flags().StringVar(&opts.source, "source", "", "source name (required)")
	cmd.Flags().StringVar(&opts.from, "from", "", "window start, RFC 3339")
	cmd.Flags().StringVar(&opts.to, "to", "", "window end, RFC 3339 (default now)")
	cmd.Flags().DurationVar(&opts.threshold, "threshold", 0, "minimum gap to report (default GAP_THRESHOLD)")
	cmd.Flags().BoolVar(&opts.asJSON, "json", false, "print JSON instead of a table")
	cmd.MarkFlagRequired("source")
	return cmd
}

func parseWindow(fromStr, toStr string, now time.Time) (time.Time, time.Time, error) {
	to := now.UTC()
	if toStr != "" {
		t, err := time.Parse(time.RFC3339, toStr)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid --to: %w", err)
		}
		to = t.UTC()
	}
	from := to.Add(-24 * time.Hour)
	if fromStr != "" {
		t, err := time.Parse(time.RFC3339, fromStr)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid --from: %w", err)
		}
		from = t.UTC()
	}
	return from, to, nil
}

func writeGaps(w io.Writer, gaps []domain.Gap, asJSON bool) error {
	if asJSON {
		if gaps == nil {
			gaps = []domain.Gap{}
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(gaps)
	}
	if len(gaps) == 0 {
		fmt.Fprintln(w, "no gaps found")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SOURCE\tFROM\tTO\tSIZE\tBEFORE\tAFTER")
	for _, g := range gaps {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			g.Source,
			g.Before.OccurredAt.Format(time.RFC3339),
			g.After.OccurredAt.Format(time.RFC3339),
			g.Size,
			describePoint(g.Before),
			describePoint(g.After),
		)
	}
	return tw.Flush()
}

func describePoint(p domain.TimelinePoint) string {
	if p.Category == "" {
		return p.SourceID
	}
	return p.SourceID + " (" + p.Category + ")"
}
