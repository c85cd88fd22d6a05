package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/assaab/DeepCompress/internal/config"
	"github.com/assaab/DeepCompress/internal/ui"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show the effective configuration",
	Long: `Prints the configuration after defaults and DEEPCOMPRESS_* environment
overrides are applied, along with the overrides in effect.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, path, err := loadConfig()
		if err != nil {
			return err
		}

		data, err := yaml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("marshal config: %w", err)
		}

		fmt.Println(ui.Boldf("Configuration") + ui.Dimf(" (%s)", path))
		fmt.Println()
		fmt.Print(string(data))

		var overrides []string
		for _, key := range []string{
			config.EnvDatabase,
			config.EnvCacheURL,
			config.EnvCacheTTL,
			config.EnvConcurrencyLimit,
			config.EnvMinConfidence,
		} {
			if v := os.Getenv(key); v != "" {
				overrides = append(overrides, fmt.Sprintf("  %s=%s", key, v))
			}
		}
		if len(overrides) > 0 {
			fmt.Println()
			fmt.Println(ui.Yellowf("Environment overrides:"))
			for _, o := range overrides {
				fmt.Println(o)
			}
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
}
