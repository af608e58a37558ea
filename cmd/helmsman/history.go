package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/pario-ai/helmsman/pkg/config"
	"github.com/pario-ai/helmsman/pkg/store"
	"github.com/spf13/cobra"
)

func newHistoryCmd() *cobra.Command {
	var (
		configPath string
		days       int
		date       string
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show archived daily spend, or one day's breakdown with --date",
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

			// Single day view
			if date != "" {
				day, err := st.Day(ctx, date)
				if err != nil {
					return fmt.Errorf("day %s: %w", date, err)
				}
				printDayStatus(day, cfg.Budget.DailyLimit)

				modelNames := make([]string, 0, len(day.ByModel))
				for m := range day.ByModel {
					modelNames = append(modelNames, m)
				}
				sort.Strings(modelNames)

				fmt.Println()
				w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "MODEL\tREQUESTS\tCOST\tINPUT\tOUTPUT\tCACHED")
				for _, m := range modelNames {
					u := day.ByModel[m]
					fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\t%s\n", m, u.Requests, dollars(u.Cost),
						humanize.Comma(u.InputTokens), humanize.Comma(u.OutputTokens), humanize.Comma(u.CachedTokens))
				}
				if err := w.Flush(); err != nil {
					return err
				}

				tickets, err := st.Tickets(ctx, date)
				if err != nil {
					return err
				}
				if len(tickets) == 0 {
					return nil
				}
				fmt.Println()
				w = tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "TICKET\tCALLS\tCOST\tMODELS\tCLOSED")
				for _, t := range tickets {
					fmt.Fprintf(w, "%s\t%d\t%s\t%v\t%s\n",
						t.TicketID, t.Calls, dollars(t.TotalCost), t.Models, humanize.Time(t.ClosedAt))
				}
				return w.Flush()
			}

			recent, err := st.Days(ctx, days)
			if err != nil {
				return err
			}
			if len(recent) == 0 {
				fmt.Println("No archived days found.")
				return nil
			}
			return writeDays(recent, cfg.Budget.DailyLimit)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to config file")
	cmd.Flags().IntVar(&days, "days", 30, "number of days to list (0 for all)")
	cmd.Flags().StringVar(&date, "date", "", "show detail for one day (YYYY-MM-DD)")
	return cmd
}
