package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/assaab/DeepCompress/internal/encoder"
	"github.com/assaab/DeepCompress/internal/extract"
	"github.com/assaab/DeepCompress/internal/pricing"
	"github.com/assaab/DeepCompress/internal/ui"
)

var (
	encodeBBox          bool
	encodeConfidence    bool
	encodeMinConfidence float64
	encodeFormat        string
	encodeVerify        bool
)

var encodeCmd = &cobra.Command{
	Use:   "encode FILE",
	Short: "Encode one extraction file",
	Long: `Reads an extraction result file and prints its compact encoding along
with the token counts of the verbose and compact forms.

Examples:
  deepcompress encode invoice.json
  deepcompress encode invoice.json --bbox --confidence
  deepcompress encode invoice.json --min-confidence 0.8
  deepcompress encode invoice.json --format json
  deepcompress encode invoice.json --format ratio
  deepcompress encode invoice.json --verify`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}

		opts := encoderOptions(cfg)
		if cmd.Flags().Changed("bbox") {
			opts.IncludeBBox = encodeBBox
		}
		if cmd.Flags().Changed("confidence") {
			opts.IncludeConfidence = encodeConfidence
		}
		if cmd.Flags().Changed("min-confidence") {
			opts.MinConfidence = encodeMinConfidence
		}

		enc, err := encoder.New(opts)
		if err != nil {
			return err
		}
		f, err := extract.ReadFile(args[0])
		if err != nil {
			return err
		}
		if encodeFormat == "ratio" {
			j, c, ratio, err := enc.CompressionRatio(f.Document)
			if err != nil {
				return err
			}
			fmt.Printf("%d\t%d\t%.4f\n", j, c, ratio)
			return nil
		}

		out, err := enc.Encode(f.Document)
		if err != nil {
			return err
		}
		if encodeVerify {
			if err := enc.Verify(f.Document, out); err != nil {
				return fmt.Errorf("%s: round trip: %w", args[0], err)
			}
			fmt.Fprintln(os.Stderr, ui.Greenf("Round trip OK"))
		}

		switch encodeFormat {
		case "json":
			e := json.NewEncoder(os.Stdout)
			e.SetIndent("", "  ")
			return e.Encode(struct {
				DocumentID string `json:"document_id"`
				*encoder.Encoded
			}{f.DocumentID, out})
		case "text":
			fmt.Println(out.Text)
			return nil
		case "table":
		default:
			return fmt.Errorf("unsupported format: %s (use table, text, json or ratio)", encodeFormat)
		}

		fmt.Println(out.Text)
		fmt.Println()
		saved := out.JSONTokens - out.TOONTokens
		ui.Box(os.Stdout, strings.Join([]string{
			fmt.Sprintf("%s  %s", ui.Boldf("Document"), f.DocumentID),
			fmt.Sprintf("%s     %s tokens", ui.Dimf("JSON"), ui.Tokens(out.JSONTokens)),
			fmt.Sprintf("%s  %s tokens in %d row(s)", ui.Dimf("D-TOON"), ui.Tokens(out.TOONTokens), out.Rows()),
			fmt.Sprintf("%s    %s tokens, %s at %s prices", ui.Dimf("Saved"), ui.Tokens(saved),
				ui.CostColor(pricing.InputCost(cfg.Pricing.Model, saved)), cfg.Pricing.Model),
			fmt.Sprintf("%s    %s", ui.Dimf("Ratio"), ui.RatioColor(out.Ratio)),
		}, "\n"))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(encodeCmd)
	encodeCmd.Flags().BoolVar(&encodeBBox, "bbox", false, "emit a bbox column (overrides encoding.include_bbox)")
	encodeCmd.Flags().BoolVar(&encodeConfidence, "confidence", false, "emit a conf column (overrides encoding.include_confidence)")
	encodeCmd.Flags().Float64Var(&encodeMinConfidence, "min-confidence", 0, "drop fields below this confidence (overrides encoding.min_confidence)")
	encodeCmd.Flags().StringVarP(&encodeFormat, "format", "f", "table", "output format: table, text, json, ratio")
	encodeCmd.Flags().BoolVar(&encodeVerify, "verify", false, "decode the output and check it reproduces the document")
}
