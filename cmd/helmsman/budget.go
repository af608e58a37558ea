package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pario-ai/helmsman/pkg/config"
	"github.com/pario-ai/helmsman/pkg/models"
	"github.com/pario-ai/helmsman/pkg/store"
	"github.com/spf13/cobra"
)

func newBudgetCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "budget",
		Short: "Inspect daily AI spend",
	}

	var days int
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show today's archived spend against the daily limit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			st, err := store.New(cfg.DBPath)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			ctx := context.Background()
			today := time.Now().In(cfg.Location()).Format(time.DateOnly)
			day, err := st.Day(ctx, today)
			switch {
			case errors.Is(err, store.ErrNotFound):
				fmt.Printf("No spend archived for %s yet.\n", today)
			case err != nil:
				return err
			default:
				printDayStatus(day, cfg.Budget.DailyLimit)
			}

			recent, err := st.Days(ctx, days)
			if err != nil {
				return err
			}
			if len(recent) == 0 {
				return nil
			}
			fmt.Println()
			return writeDays(recent, cfg.Budget.DailyLimit)
		},
	}
	statusCmd.Flags().IntVar(&days, "days", 7, "number of recent days to list")

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to config file")
	cmd.AddCommand(statusCmd)
	return cmd
}

func printDayStatus(day models.BudgetDay, limit float64) {
	fmt.Printf("Date:       %s\n", day.Date)
	fmt.Printf("Spent:      %s of %s", dollars(day.TotalSpend), dollars(limit))
	if limit > 0 {
		fmt.Printf(" (%.1f%%)", day.TotalSpend/limit*100)
	}
	fmt.Println()
	fmt.Printf("Requests:   %s\n", humanize.Comma(int64(day.TotalRequests)))
	fmt.Printf("Tokens:     %s in / %s out / %s cached\n",
		humanize.Comma(day.InputTokens), humanize.Comma(day.OutputTokens), humanize.Comma(day.CachedTokens))
	fmt.Printf("Tickets:    %d closed, %s\n", day.TicketCount, dollars(day.TicketCostSum))
	if levels := day.SentAlerts(); len(levels) > 0 {
		fmt.Printf("Alerts:     %v\n", levels)
	}
}

func writeDays(days []models.BudgetDay, limit float64) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "DATE\tSPENT\tOF LIMIT\tREQUESTS\tINPUT\tOUTPUT\tTICKETS")
	for _, d := range days {
		pct := "-"
		if limit > 0 {
			pct = fmt.Sprintf("%.1f%%", d.TotalSpend/limit*100)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%d\n",
			d.Date, dollars(d.TotalSpend), pct, humanize.Comma(int64(d.TotalRequests)),
			humanize.Comma(d.InputTokens), humanize.Comma(d.OutputTokens), d.TicketCount)
	}
	return w.Flush()
}

func dollars(v float64) string {
	return "$" + humanize.FormatFloat("#,###.####", v)
}
