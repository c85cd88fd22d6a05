package cmd

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/spf13/cobra"
	"github.com/xuri/excelize/v2"

	"github.com/assaab/DeepCompress/internal/store"
)

var (
	exportFormat string
	exportOutput string
	exportPeriod string
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export run history to CSV, JSON or XLSX",
	Long: `Export recorded batch results for analysis or reporting.

Examples:
  deepcompress export                              # CSV to stdout
  deepcompress export --format json                # JSON to stdout
  deepcompress export -o savings.csv               # CSV to file
  deepcompress export --format xlsx -o savings.xlsx
  deepcompress export --period 30d -o report.json --format json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if exportFormat == "xlsx" && exportOutput == "" {
			return fmt.Errorf("xlsx export needs an output file (-o)")
		}

		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}

		st, err := store.New(cfg.Database)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer st.Close()

		since, until := parsePeriod(exportPeriod)
		records, err := st.Export(since, until)
		if err != nil {
			return fmt.Errorf("export data: %w", err)
		}

		if len(records) == 0 {
			fmt.Fprintln(os.Stderr, "No records found for this period.")
			return nil
		}

		// Determine output destination
		var out io.Writer = os.Stdout
		if exportOutput != "" {
			f, err := os.Create(exportOutput)
			if err != nil {
				return fmt.Errorf("create output file: %w", err)
			}
			defer f.Close()
			out = f
		}

		switch exportFormat {
		case "csv":
			return exportCSV(out, records)
		case "json":
			return exportJSON(out, records)
		case "xlsx":
			return exportXLSX(out, records)
		default:
			return fmt.Errorf("unsupported format: %s (use csv, json or xlsx)", exportFormat)
		}
	},
}

func init() {
	rootCmd.AddCommand(exportCmd)
	exportCmd.Flags().StringVarP(&exportFormat, "format", "f", "csv", "output format: csv, json, xlsx")
	exportCmd.Flags().StringVarP(&exportOutput, "output", "o", "", "output file (default: stdout)")
	exportCmd.Flags().StringVarP(&exportPeriod, "period", "P", "all", "time period: today, 7d, 30d, all, YYYY-MM")
}

var exportHeader = []string{
	"id", "run_id", "timestamp", "source_path", "document_id",
	"original_tokens", "compressed_tokens", "tokens_saved", "cost_saved_usd",
	"processing_time_ms", "cache_hit",
}

// exportRow returns a record's cells in exportHeader order.
func exportRow(r store.Record) []any {
	return []any{
		r.ID,
		r.RunID,
		r.Timestamp.Format("2006-01-02T15:04:05Z"),
		r.SourcePath,
		r.DocumentID,
		r.OriginalTokens,
		r.CompressedTokens,
		r.TokensSaved,
		r.CostSavedUSD,
		r.ProcessingTimeMS,
		r.CacheHit,
	}
}

func exportCSV(out io.Writer, records []store.Record) error {
	w := csv.NewWriter(out)

	if err := w.Write(exportHeader); err != nil {
		return err
	}

	for _, r := range records {
		if err := w.Write([]string{
			strconv.FormatInt(r.ID, 10),
			r.RunID,
			r.Timestamp.Format("2006-01-02T15:04:05Z"),
			r.SourcePath,
			r.DocumentID,
			strconv.Itoa(r.OriginalTokens),
			strconv.Itoa(r.CompressedTokens),
			strconv.Itoa(r.TokensSaved),
			fmt.Sprintf("%.6f", r.CostSavedUSD),
			fmt.Sprintf("%.3f", r.ProcessingTimeMS),
			strconv.FormatBool(r.CacheHit),
		}); err != nil {
			return err
		}
	}

	w.Flush()
	return w.Error()
}

func exportJSON(out io.Writer, records []store.Record) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(records)
}

func exportXLSX(out io.Writer, records []store.Record) error {
	f := excelize.NewFile()
	defer f.Close()

	const sheet = "Savings"
	index, err := f.NewSheet(sheet)
	if err != nil {
		return fmt.Errorf("xlsx sheet: %w", err)
	}
	f.SetActiveSheet(index)
	if err := f.DeleteSheet("Sheet1"); err != nil {
		return fmt.Errorf("xlsx sheet: %w", err)
	}

	for i, h := range exportHeader {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(sheet, cell, h)
	}
	for row, r := range records {
		for col, v := range exportRow(r) {
			cell, _ := excelize.CoordinatesToCellName(col+1, row+2)
			_ = f.SetCellValue(sheet, cell, v)
		}
	}

	_ = f.SetColWidth(sheet, "B", "B", 38) // run id
	_ = f.SetColWidth(sheet, "C", "C", 22) // timestamp
	_ = f.SetColWidth(sheet, "D", "D", 48) // path
	_ = f.SetColWidth(sheet, "E", "E", 38) // document id
	_ = f.SetColWidth(sheet, "F", "K", 16)

	buf, err := f.WriteToBuffer()
	if err != nil {
		return fmt.Errorf("xlsx write: %w", err)
	}
	_, err = out.Write(buf.Bytes())
	return err
}
