package mcp

import (
	"fmt"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/pario-ai/helmsman/pkg/models"
)

// formatStatus formats the live budget status as text.
func formatStatus(s models.BudgetStatus) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Budget %s\n", s.Date)
	fmt.Fprintf(&b, "  Spent:        $%.4f of $%.2f (%.1f%%)\n", s.Spent, s.Limit, s.Percent)
	fmt.Fprintf(&b, "  Remaining:    $%.4f\n", s.Remaining)
	fmt.Fprintf(&b, "  Requests:     %s\n", humanize.Comma(int64(s.Requests)))
	fmt.Fprintf(&b, "  Open tickets: %d\n", s.OpenTickets)
	if len(s.AlertsSent) > 0 {
		levels := make([]string, len(s.AlertsSent))
		for i, l := range s.AlertsSent {
			levels[i] = fmt.Sprintf("%d%%", int(l))
		}
		fmt.Fprintf(&b, "  Alerts sent:  %s\n", strings.Join(levels, ", "))
	}
	if s.HardStopped {
		b.WriteString("  AI replies are paused until the next day.\n")
	}
	return b.String()
}

// formatDays formats archived days as a text table.
func formatDays(days []models.BudgetDay) string {
	if len(days) == 0 {
		return "No archived days found."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-10s %10s %9s %12s %12s %8s %10s\n",
		"Date", "Spend", "Requests", "Input", "Output", "Tickets", "Per Ticket")
	b.WriteString(strings.Repeat("-", 77) + "\n")
	for _, d := range days {
		perTicket := 0.0
		if d.TicketCount > 0 {
			perTicket = d.TicketCostSum / float64(d.TicketCount)
		}
		fmt.Fprintf(&b, "%-10s %10s %9d %12s %12s %8d %10s\n",
			d.Date, dollars(d.TotalSpend), d.TotalRequests,
			humanize.Comma(d.InputTokens), humanize.Comma(d.OutputTokens),
			d.TicketCount, dollars(perTicket))
	}
	return b.String()
}

// formatDayDetail formats one day's per-model and per-task breakdown.
func formatDayDetail(d models.BudgetDay) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s  spend %s  requests %d  cached tokens %s\n\n",
		d.Date, dollars(d.TotalSpend), d.TotalRequests, humanize.Comma(d.CachedTokens))

	modelNames := make([]string, 0, len(d.ByModel))
	for m := range d.ByModel {
		modelNames = append(modelNames, m)
	}
	sort.Strings(modelNames)
	fmt.Fprintf(&b, "%-28s %9s %10s %12s %12s\n", "Model", "Requests", "Cost", "Input", "Output")
	b.WriteString(strings.Repeat("-", 75) + "\n")
	for _, m := range modelNames {
		u := d.ByModel[m]
		fmt.Fprintf(&b, "%-28s %9d %10s %12s %12s\n",
			m, u.Requests, dollars(u.Cost), humanize.Comma(u.InputTokens), humanize.Comma(u.OutputTokens))
	}

	tasks := make([]string, 0, len(d.ByTask))
	for t := range d.ByTask {
		tasks = append(tasks, string(t))
	}
	sort.Strings(tasks)
	b.WriteString("\n")
	fmt.Fprintf(&b, "%-16s %9s %10s\n", "Task", "Requests", "Cost")
	b.WriteString(strings.Repeat("-", 37) + "\n")
	for _, t := range tasks {
		u := d.ByTask[models.TaskType(t)]
		fmt.Fprintf(&b, "%-16s %9d %10s\n", t, u.Requests, dollars(u.Cost))
	}

	if alerts := d.SentAlerts(); len(alerts) > 0 {
		b.WriteString("\nAlerts:")
		for _, l := range alerts {
			fmt.Fprintf(&b, " %d%%", int(l))
		}
		b.WriteString("\n")
	}
	return b.String()
}

// formatTickets formats closed tickets as a text table.
func formatTickets(tickets []models.TicketRecord) string {
	if len(tickets) == 0 {
		return "No closed tickets found."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-24s %-10s %10s %6s %-20s %s\n",
		"Ticket", "Date", "Cost", "Calls", "Closed", "Models")
	b.WriteString(strings.Repeat("-", 96) + "\n")
	for _, t := range tickets {
		id := t.TicketID
		if len(id) > 24 {
			id = id[:10] + "..." + id[len(id)-10:]
		}
		fmt.Fprintf(&b, "%-24s %-10s %10s %6d %-20s %s\n",
			id, t.Date, dollars(t.TotalCost), t.Calls,
			t.ClosedAt.Format("2006-01-02 15:04:05"), strings.Join(t.Models, ","))
	}
	return b.String()
}

func dollars(v float64) string {
	return "$" + humanize.FormatFloat("#,###.####", v)
}
