package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/assaab/DeepCompress/internal/doctor"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check configuration and backing stores",
	Long: `Runs a health check on your deepcompress setup:

  - Config file permissions (should be 0600)
  - Option ranges (confidence, concurrency, cache TTL)
  - Pricing model is known
  - Results database integrity
  - Cache store connectivity`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, cfgPath, err := loadConfig()
		if err != nil {
			return err
		}
		fails := doctor.Run(os.Stdout, cfg, cfgPath)
		if fails > 0 {
			os.Exit(1)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(doctorCmd)
}
