package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/assaab/DeepCompress/internal/store"
	"github.com/assaab/DeepCompress/internal/ui"
)

var (
	logsLimit int
	logsRun   string
	logsTail  bool
)

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "View recently compressed documents",
	Long: `Display recently compressed documents with their token counts and savings.

Examples:
  deepcompress logs                  # Last 20 documents
  deepcompress logs -n 50            # Last 50 documents
  deepcompress logs --run 3f2a9c1e   # One batch run (ID prefix)
  deepcompress logs --tail           # Watch a running batch`,
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

		if logsTail {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return tailLogs(ctx, st)
		}

		return showLogs(st)
	},
}

func init() {
	rootCmd.AddCommand(logsCmd)
	logsCmd.Flags().IntVarP(&logsLimit, "limit", "n", 20, "number of records to show")
	logsCmd.Flags().StringVarP(&logsRun, "run", "r", "", "filter by run ID prefix")
	logsCmd.Flags().BoolVarP(&logsTail, "tail", "t", false, "watch for new documents in real-time")
}

func showLogs(st *store.Store) error {
	records, err := st.QueryRecent(logsLimit, logsRun)
	if err != nil {
		return fmt.Errorf("query logs: %w", err)
	}

	if len(records) == 0 {
		fmt.Println(ui.Dimf("No documents recorded."))
		return nil
	}

	fmt.Println(ui.Boldf("Recent Documents"))
	fmt.Println()

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Time", "Run", "File", "JSON", "D-TOON", "Saved", "Cost", "Cache"})
	table.SetBorder(false)
	table.SetColumnAlignment([]int{
		tablewriter.ALIGN_LEFT,
		tablewriter.ALIGN_LEFT,
		tablewriter.ALIGN_LEFT,
		tablewriter.ALIGN_RIGHT,
		tablewriter.ALIGN_RIGHT,
		tablewriter.ALIGN_RIGHT,
		tablewriter.ALIGN_RIGHT,
		tablewriter.ALIGN_CENTER,
	})

	for _, r := range records {
		table.Append(logRow(r))
	}

	table.Render()
	fmt.Printf("\n%s\n", ui.Dimf("Showing %d most recent documents", len(records)))
	return nil
}

func logRow(r store.Record) []string {
	return []string{
		ui.Dimf("%s", r.Timestamp.Local().Format("01-02 15:04:05")),
		ui.Cyanf("%s", shortID(r.RunID)),
		truncate(filepath.Base(r.SourcePath), 30),
		ui.Tokens(r.OriginalTokens),
		ui.Tokens(r.CompressedTokens),
		ui.Tokens(r.TokensSaved),
		ui.CostColor(r.CostSavedUSD),
		cacheMark(r.CacheHit),
	}
}

func cacheMark(hit bool) string {
	if hit {
		return ui.Greenf("hit")
	}
	return ui.Dimf("miss")
}

func tailLogs(ctx context.Context, st *store.Store) error {
	fmt.Println(ui.Boldf("Watching for documents...") + ui.Dimf(" (Ctrl+C to stop)"))
	fmt.Println()

	fmt.Printf("%-14s  %-8s  %-30s  %8s  %8s  %8s  %10s  %s\n",
		ui.Dimf("TIME"), ui.Dimf("RUN"), ui.Dimf("FILE"),
		ui.Dimf("JSON"), ui.Dimf("D-TOON"), ui.Dimf("SAVED"),
		ui.Dimf("COST"), ui.Dimf("CACHE"))
	fmt.Println(ui.Dimf("---"))

	var lastID int64

	// Get current max ID
	records, err := st.QueryRecent(1, "")
	if err == nil && len(records) > 0 {
		lastID = records[0].ID
	}

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		records, err := st.QueryRecent(50, logsRun)
		if err != nil {
			continue
		}

		// Print new records (they come in reverse order)
		var newRecords []store.Record
		for _, r := range records {
			if r.ID > lastID {
				newRecords = append(newRecords, r)
			}
		}

		// Print in chronological order
		for i := len(newRecords) - 1; i >= 0; i-- {
			r := newRecords[i]
			row := logRow(r)
			fmt.Printf("%-14s  %-8s  %-30s  %8s  %8s  %8s  %10s  %s\n",
				row[0], row[1], row[2], row[3], row[4], row[5], row[6], row[7])

			if r.ID > lastID {
				lastID = r.ID
			}
		}
	}
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
