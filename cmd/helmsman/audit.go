package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pario-ai/helmsman/pkg/audit"
	"github.com/pario-ai/helmsman/pkg/config"
	"github.com/pario-ai/helmsman/pkg/models"
	"github.com/spf13/cobra"
)

func newAuditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Query and prune the per-call audit log",
	}

	cmd.AddCommand(
		newAuditSearchCmd(),
		newAuditShowCmd(),
		newAuditStatsCmd(),
		newAuditCleanupCmd(),
	)
	return cmd
}

func newAuditSearchCmd() *cobra.Command {
	var (
		configPath string
		ticket     string
		model      string
		task       string
		since      string
		limit      int
	)

	cmd := &cobra.Command{
		Use:   "search",
		Short: "List model calls, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			l, err := openAuditLogger(configPath)
			if err != nil {
				return err
			}
			defer func() { _ = l.Close() }()

			q := models.CallQuery{
				TicketID: ticket,
				Model:    model,
				Task:     models.TaskType(task),
				Limit:    limit,
			}
			if since != "" {
				t, err := time.Parse(time.DateOnly, since)
				if err != nil {
					return fmt.Errorf("invalid --since date (use YYYY-MM-DD): %w", err)
				}
				q.Since = t
			}

			recs, err := l.Query(context.Background(), q)
			if err != nil {
				return err
			}
			if len(recs) == 0 {
				fmt.Println("No calls found.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTICKET\tTASK\tMODEL\tSTATUS\tLATENCY\tTOKENS\tCOST\tTIME")
			for _, r := range recs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%dms\t%s\t%s\t%s\n",
					r.ID, r.TicketID, r.Task, r.Model, r.Status, r.LatencyMs,
					humanize.Comma(int64(r.InputTokens+r.OutputTokens)), dollars(r.Cost),
					r.CreatedAt.Local().Format(time.DateTime))
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to config file")
	cmd.Flags().StringVar(&ticket, "ticket", "", "filter by ticket ID")
	cmd.Flags().StringVar(&model, "model", "", "filter by model")
	cmd.Flags().StringVar(&task, "task", "", "filter by task (classification, conversation, ...)")
	cmd.Flags().StringVar(&since, "since", "", "start date (YYYY-MM-DD)")
	cmd.Flags().IntVar(&limit, "limit", 50, "max entries to return")
	return cmd
}

func newAuditShowCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "show <call-id>",
		Short: "Show one call with its prompt and response",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			l, err := openAuditLogger(configPath)
			if err != nil {
				return err
			}
			defer func() { _ = l.Close() }()

			recs, err := l.Query(context.Background(), models.CallQuery{ID: args[0], Limit: 1})
			if err != nil {
				return err
			}
			if len(recs) == 0 {
				return fmt.Errorf("no call with id %s", args[0])
			}

			r := recs[0]
			fmt.Printf("Call:      %s\n", r.ID)
			fmt.Printf("Ticket:    %s\n", r.TicketID)
			fmt.Printf("Task:      %s\n", r.Task)
			fmt.Printf("Model:     %s\n", r.Model)
			fmt.Printf("Status:    %s\n", r.Status)
			if r.Error != "" {
				fmt.Printf("Error:     %s\n", r.Error)
			}
			fmt.Printf("Latency:   %dms\n", r.LatencyMs)
			fmt.Printf("Tokens:    %d in (%d cached) / %d out\n", r.InputTokens, r.CachedTokens, r.OutputTokens)
			fmt.Printf("Cost:      %s\n", dollars(r.Cost))
			fmt.Printf("Time:      %s\n", r.CreatedAt.Format(time.RFC3339))
			if r.Prompt != "" {
				fmt.Printf("\n--- Prompt ---\n%s\n", r.Prompt)
			}
			if r.Response != "" {
				fmt.Printf("\n--- Response ---\n%s\n", r.Response)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to config file")
	return cmd
}

func newAuditStatsCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show call counts and failures by model and day",
		RunE: func(cmd *cobra.Command, args []string) error {
			l, err := openAuditLogger(configPath)
			if err != nil {
				return err
			}
			defer func() { _ = l.Close() }()

			stats, err := l.Stats(context.Background())
			if err != nil {
				return err
			}
			if len(stats) == 0 {
				fmt.Println("No calls recorded.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "DAY\tMODEL\tCALLS\tFAILED\tCOST")
			for _, s := range stats {
				fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\n", s.Day, s.Model, s.Count, s.Failures, dollars(s.Cost))
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to config file")
	return cmd
}

func newAuditCleanupCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete calls older than the retention period",
		RunE: func(cmd *cobra.Command, args []string) error {
			l, err := openAuditLogger(configPath)
			if err != nil {
				return err
			}
			defer func() { _ = l.Close() }()

			deleted, err := l.Cleanup(context.Background())
			if err != nil {
				return err
			}
			fmt.Printf("Deleted %d audit entries.\n", deleted)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to config file")
	return cmd
}

func openAuditLogger(configPath string) (*audit.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if !cfg.Audit.Enabled {
		return nil, errors.New("audit log is disabled (set audit.enabled in the config)")
	}
	l, err := audit.New(cfg.Audit, nil)
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}
	return l, nil
}
