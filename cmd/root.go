package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/green-detective/detective/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "detective",
	Short: "Greenwashing claim analysis pipeline",
	Long:  "Crawls company websites, extracts sustainability claims via LLM assistants, scores them for greenwashing risk, and publishes workbook reports.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
