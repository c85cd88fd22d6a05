package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/assaab/DeepCompress/internal/store"
	"github.com/assaab/DeepCompress/internal/ui"
)

var (
	statsPeriod  string
	statsGroupBy string
	statsFormat  string
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "View token and cost savings",
	Long: `Display aggregated savings from recorded batch runs.

Examples:
  deepcompress stats                    # Today's stats
  deepcompress stats --period 7d        # Last 7 days
  deepcompress stats --period 2025-06   # One month
  deepcompress stats --group-by run     # One row per batch run
  deepcompress stats --group-by day     # One row per day`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}

		st, err := store.New(cfg.Database)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer st.Close()

		since, until := parsePeriod(statsPeriod)

		switch statsGroupBy {
		case "run":
			return showRunStats(st, since, until)
		case "day":
			return showDailyStats(st, since, until)
		case "":
			return showOverallStats(st, since, until)
		default:
			return fmt.Errorf("unsupported group-by: %s (use run or day)", statsGroupBy)
		}
	},
}

func init() {
	rootCmd.AddCommand(statsCmd)
	statsCmd.Flags().StringVarP(&statsPeriod, "period", "P", "today", "time period: today, 7d, 30d, all, YYYY-MM")
	statsCmd.Flags().StringVarP(&statsGroupBy, "group-by", "g", "", "group by: run, day")
	statsCmd.Flags().StringVarP(&statsFormat, "format", "f", "table", "output format: table, json")
}

func parsePeriod(period string) (time.Time, time.Time) {
	now := time.Now().UTC()
	until := now

	switch period {
	case "today":
		y, m, d := now.Date()
		return time.Date(y, m, d, 0, 0, 0, 0, time.UTC), until
	case "7d", "week":
		return now.AddDate(0, 0, -7), until
	case "30d", "month":
		return now.AddDate(0, 0, -30), until
	case "all":
		return time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC), until
	default:
		// Try to parse as YYYY-MM
		if t, err := time.Parse("2006-01", period); err == nil {
			end := t.AddDate(0, 1, 0).Add(-time.Second)
			return t, end
		}
		// Default to today
		y, m, d := now.Date()
		return time.Date(y, m, d, 0, 0, 0, 0, time.UTC), until
	}
}

func periodLabel(period string) string {
	switch period {
	case "today":
		return "Today"
	case "7d", "week":
		return "Last 7 days"
	case "30d", "month":
		return "Last 30 days"
	case "all":
		return "All time"
	default:
		return period
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func showOverallStats(st *store.Store, since, until time.Time) error {
	stats, err := st.QueryStats(since, until)
	if err != nil {
		return err
	}
	if statsFormat == "json" {
		return printJSON(stats)
	}

	if stats.Documents == 0 {
		fmt.Println(ui.Dimf("No documents recorded for this period."))
		return nil
	}

	fmt.Println(ui.Boldf("Savings Summary") + ui.Dimf(" (%s)", periodLabel(statsPeriod)))
	fmt.Println()

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Metric", "Value"})
	table.SetBorder(false)
	table.SetColumnSeparator("  ")
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)

	table.Append([]string{"Documents", fmt.Sprintf("%d", stats.Documents)})
	table.Append([]string{"Batch Runs", fmt.Sprintf("%d", stats.Runs)})
	table.Append([]string{"Cache Hits", fmt.Sprintf("%d", stats.CacheHits)})
	table.Append([]string{"JSON Tokens", ui.Tokens(stats.OriginalTokens)})
	table.Append([]string{"D-TOON Tokens", ui.Tokens(stats.CompressedTokens)})
	table.Append([]string{"Tokens Saved", ui.Tokens(stats.TokensSaved)})
	table.Append([]string{"Ratio", ui.RatioColor(stats.Ratio())})
	table.Append([]string{"Cost Saved", ui.CostColor(stats.CostSavedUSD)})
	table.Append([]string{"Avg Processing", fmt.Sprintf("%.2fms", stats.AvgProcessingMS)})

	table.Render()
	return nil
}

func showRunStats(st *store.Store, since, until time.Time) error {
	runs, err := st.QueryRuns(since, until)
	if err != nil {
		return err
	}
	if statsFormat == "json" {
		return printJSON(runs)
	}

	if len(runs) == 0 {
		fmt.Println(ui.Dimf("No batch runs recorded for this period."))
		return nil
	}

	fmt.Println(ui.Boldf("Savings by Run") + ui.Dimf(" (%s)", periodLabel(statsPeriod)))
	fmt.Println()

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Run", "Started", "Documents", "Cache Hits", "Tokens Saved", "Cost Saved"})
	table.SetBorder(false)
	table.SetColumnAlignment([]int{
		tablewriter.ALIGN_LEFT,
		tablewriter.ALIGN_LEFT,
		tablewriter.ALIGN_RIGHT,
		tablewriter.ALIGN_RIGHT,
		tablewriter.ALIGN_RIGHT,
		tablewriter.ALIGN_RIGHT,
	})

	var totalCost float64
	for _, r := range runs {
		totalCost += r.CostSavedUSD
		table.Append([]string{
			ui.Cyanf("%s", shortID(r.RunID)),
			r.Started.Local().Format("2006-01-02 15:04"),
			fmt.Sprintf("%d", r.Documents),
			fmt.Sprintf("%d", r.CacheHits),
			ui.Tokens(r.TokensSaved),
			ui.CostColor(r.CostSavedUSD),
		})
	}

	table.SetFooter([]string{"", "", "", "", "Total", ui.CostColor(totalCost)})
	table.Render()
	return nil
}

func showDailyStats(st *store.Store, since, until time.Time) error {
	daily, err := st.QueryDailySavings(since, until)
	if err != nil {
		return err
	}
	if statsFormat == "json" {
		return printJSON(daily)
	}

	if len(daily) == 0 {
		fmt.Println(ui.Dimf("No documents recorded for this period."))
		return nil
	}

	fmt.Println(ui.Boldf("Daily Savings") + ui.Dimf(" (%s)", periodLabel(statsPeriod)))
	fmt.Println()

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Date", "Documents", "Tokens Saved", "Cost Saved"})
	table.SetBorder(false)
	table.SetColumnAlignment([]int{
		tablewriter.ALIGN_LEFT,
		tablewriter.ALIGN_RIGHT,
		tablewriter.ALIGN_RIGHT,
		tablewriter.ALIGN_RIGHT,
	})

	var totalCost float64
	for _, d := range daily {
		totalCost += d.CostSavedUSD
		table.Append([]string{
			d.Date,
			fmt.Sprintf("%d", d.Documents),
			ui.Tokens(d.TokensSaved),
			ui.CostColor(d.CostSavedUSD),
		})
	}

	table.SetFooter([]string{"", "", "Total", ui.CostColor(totalCost)})
	table.Render()
	return nil
}

// shortID trims a run UUID to its first group for table display.
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
